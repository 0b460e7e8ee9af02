package messaging

import "github.com/couriernet/courier/src/broker"

// CompleteBootstrap resolves the directory-ready future. A nil error means
// the node holds enough directory information to process general traffic:
// the filtered consumer is closed and an unfiltered one swapped in. A
// non-nil error is fatal and tears the node down, since it cannot safely
// operate without minimal directory state. Only the first call has any
// effect.
func (s *Service) CompleteBootstrap(err error) {
	s.readyOnce.Do(func() {
		s.readyCh <- err
	})
}

// watchBootstrap observes the directory-ready future asynchronously.
func (s *Service) watchBootstrap() {
	select {
	case err := <-s.readyCh:
		if err != nil {
			s.logger.WithError(err).Error("Directory bootstrap failed - shutting down")
			s.Stop()
			return
		}
		s.swapConsumer()
	case <-s.shutdownCh:
	}
}

// swapConsumer performs the second phase of the bootstrap protocol: close
// the filtered consumer, wait for its pump to exit, and open the unfiltered
// consumer under the connection lock.
func (s *Service) swapConsumer() {
	s.connLock.Lock()
	old := s.activeConsumer
	oldDone := s.pumpDone
	s.connLock.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			// racing with process shutdown is benign: the broker may
			// already be gone
			s.logger.WithError(err).Debug("Closing bootstrap consumer")
		}
	}
	if oldDone != nil {
		<-oldDone
	}

	s.connLock.Lock()
	defer s.connLock.Unlock()

	if st := s.getState(); st == Stopping || st == Stopped {
		return
	}

	consumer, err := s.session.CreateConsumer(s.conf.Queue, "")
	if err != nil {
		if err == broker.ErrClosed {
			s.logger.WithError(err).Debug("Creating unfiltered consumer")
			return
		}
		s.logger.WithError(err).Error("Creating unfiltered consumer - shutting down")
		go s.Stop()
		return
	}

	s.activeConsumer = consumer
	s.bootstrapped = true
	s.pumpDone = make(chan struct{})
	go s.runPump(consumer, s.pumpDone)

	s.logger.Debug("Bootstrap complete - processing general traffic")
}
