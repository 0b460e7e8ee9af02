package messaging

import (
	"sync/atomic"
	"time"

	"github.com/couriernet/courier/src/broker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// transmitFunc hands an envelope to the shared producer. The service
// serializes it through the connection lock.
type transmitFunc func(target broker.Address, env broker.Envelope) error

// Sender implements durable send-with-retry. A single executor goroutine
// owns all producer writes and all timer callbacks, so send operations and
// retry callbacks are never concurrent with each other. Application
// goroutines are decoupled from it by task submission and only block if they
// choose to await the returned outcome channel.
type Sender struct {
	logger       *logrus.Entry
	store        Store
	maxRetries   int
	retryDelay   time.Duration
	timerFactory timerFactory
	transmit     transmitFunc

	taskCh     chan func()
	shutdownCh chan struct{}
	doneCh     chan struct{}
	started    uint32

	// retries is owned by the executor goroutine; no lock required.
	retries map[int64]*retryTimer

	sendCount   uint64
	resendCount uint64
}

// retryTimer is the in-memory companion of a durable PendingRetry row.
type retryTimer struct {
	cancelCh chan struct{}
}

func newSender(conf *Config, store Store, transmit transmitFunc, logger *logrus.Entry) *Sender {
	tf := conf.timerFactory
	if tf == nil {
		tf = time.After
	}

	return &Sender{
		logger:       logger.WithField("prefix", "sender"),
		store:        store,
		maxRetries:   conf.MaxRetries,
		retryDelay:   conf.RetryDelay,
		timerFactory: tf,
		transmit:     transmit,
		taskCh:       make(chan func(), 64),
		shutdownCh:   make(chan struct{}),
		doneCh:       make(chan struct{}),
		retries:      make(map[int64]*retryTimer),
	}
}

// run is the executor loop. It exits when the sender is stopped.
func (s *Sender) run() {
	atomic.StoreUint32(&s.started, 1)
	defer close(s.doneCh)
	for {
		select {
		case task := <-s.taskCh:
			task()
		case <-s.shutdownCh:
			return
		}
	}
}

// stop terminates the executor and implicitly disarms all timers: fired
// timers can no longer submit their retry callbacks.
func (s *Sender) stop() {
	select {
	case <-s.shutdownCh:
		return
	default:
	}
	close(s.shutdownCh)
	if atomic.LoadUint32(&s.started) == 1 {
		<-s.doneCh
	}
}

func (s *Sender) submit(task func()) error {
	select {
	case s.taskCh <- task:
		return nil
	case <-s.shutdownCh:
		return broker.ErrClosed
	}
}

// Send is fire-and-forget: the message is handed to the producer with no
// durability guarantee beyond the broker session's own. The returned channel
// yields the transmit outcome; callers are free to ignore it.
func (s *Sender) Send(msg *Message, target broker.Address) <-chan error {
	outcome := make(chan error, 1)
	err := s.submit(func() {
		outcome <- s.doSend(msg, target)
	})
	if err != nil {
		outcome <- err
	}
	return outcome
}

// SendWithRetry persists the send in the retry ledger before transmitting,
// then arms a timer that resends until the message is cancelled or the retry
// cap is reached.
func (s *Sender) SendWithRetry(msg *Message, target broker.Address, retryID int64) <-chan error {
	outcome := make(chan error, 1)
	err := s.submit(func() {
		rec := &PendingRetry{RetryID: retryID, Target: target, Message: msg}

		// persist before the first transmission so a crash cannot lose the
		// send
		if err := s.store.InsertPendingRetry(rec); err != nil {
			outcome <- err
			return
		}

		sendErr := s.doSend(msg, target)
		s.armTimer(rec, 0)
		outcome <- sendErr
	})
	if err != nil {
		outcome <- err
	}
	return outcome
}

// CancelRedelivery removes the durable record and disarms the timer for
// retryID. Cancelling an unknown id is a no-op.
func (s *Sender) CancelRedelivery(retryID int64) error {
	outcome := make(chan error, 1)
	err := s.submit(func() {
		if rt, ok := s.retries[retryID]; ok {
			close(rt.cancelCh)
			delete(s.retries, retryID)
		}
		outcome <- s.store.RemovePendingRetry(retryID)
	})
	if err != nil {
		return err
	}
	return <-outcome
}

// ResumeMessageRedelivery replays every durable retry record, re-issuing its
// send bound to the same ledger row. It is invoked once at startup so that
// in-flight guaranteed sends survive a process restart.
func (s *Sender) ResumeMessageRedelivery() error {
	records, err := s.store.PendingRetries()
	if err != nil {
		return err
	}

	s.logger.WithField("count", len(records)).Debug("Resuming message redelivery")

	for _, rec := range records {
		rec := rec
		if err := s.submit(func() {
			if _, armed := s.retries[rec.RetryID]; armed {
				return
			}
			if err := s.doSend(rec.Message, rec.Target); err != nil {
				s.logger.WithError(err).WithField("retry_id", rec.RetryID).Error("Replaying send")
			}
			s.armTimer(rec, 0)
		}); err != nil {
			return err
		}
	}
	return nil
}

// doSend runs on the executor goroutine. Each transmission gets a fresh
// transport-level duplicate-detection id; reusing the previous one would
// make the broker silently drop the resend as a duplicate.
func (s *Sender) doSend(msg *Message, target broker.Address) error {
	body, err := msg.Marshal()
	if err != nil {
		return err
	}

	env := broker.Envelope{
		Topic:       msg.Topic,
		DuplicateID: uuid.New().String(),
		Body:        body,
	}

	if err := s.transmit(target, env); err != nil {
		if err == broker.ErrClosed {
			// shutdown race; not an error
			s.logger.Debug("Transmit on closed producer")
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"target": target,
			"topic":  msg.Topic,
		}).WithError(err).Error("Transmitting message")
		return err
	}

	atomic.AddUint64(&s.sendCount, 1)
	return nil
}

// armTimer schedules retry attempt n for rec. Executor goroutine only.
func (s *Sender) armTimer(rec *PendingRetry, attempt int) {
	rt, ok := s.retries[rec.RetryID]
	if !ok {
		rt = &retryTimer{cancelCh: make(chan struct{})}
		s.retries[rec.RetryID] = rt
	}

	timer := s.timerFactory(s.retryDelay)
	go func() {
		select {
		case <-timer:
			s.submit(func() { s.attempt(attempt, rec, rt) })
		case <-rt.cancelCh:
		case <-s.shutdownCh:
		}
	}()
}

// attempt implements the retry policy. Executor goroutine only.
func (s *Sender) attempt(n int, rec *PendingRetry, rt *retryTimer) {
	if current, ok := s.retries[rec.RetryID]; !ok || current != rt {
		// cancelled between the timer firing and this callback running
		return
	}

	if n >= s.maxRetries {
		// the durable record is left in place until the caller cancels
		delete(s.retries, rec.RetryID)
		s.logger.WithFields(logrus.Fields{
			"retry_id": rec.RetryID,
			"target":   rec.Target,
			"attempts": n,
		}).Warn("Reached the maximum number of retries - giving up")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"retry_id": rec.RetryID,
		"target":   rec.Target,
		"attempt":  n,
	}).Debug("Retrying message delivery")

	if err := s.doSend(rec.Message, rec.Target); err == nil {
		atomic.AddUint64(&s.resendCount, 1)
	}

	s.armTimer(rec, n+1)
}

// pendingTimers returns the number of armed in-memory timers. Executor
// goroutine owns the map, so the count is read through a task.
func (s *Sender) pendingTimers() int {
	outcome := make(chan int, 1)
	if err := s.submit(func() { outcome <- len(s.retries) }); err != nil {
		return 0
	}
	return <-outcome
}
