package messaging

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/couriernet/courier/src/broker"
	"github.com/couriernet/courier/src/common"
	"github.com/sirupsen/logrus"
)

// Service is the reliable-messaging layer of a Courier node. It owns the
// single broker session and shared producer, gates general traffic behind
// directory bootstrap, runs the delivery pump, and exposes durable
// send-with-retry.
type Service struct {
	state

	conf     *Config
	logger   *logrus.Entry
	registry *Registry
	store    Store
	factory  broker.SessionFactory

	sender *Sender

	// connLock guards the broker session resources below. The session
	// handle is not safe for concurrent use, so every send path serializes
	// through this lock.
	connLock       sync.Mutex
	session        broker.Session
	producer       broker.Producer
	activeConsumer broker.Consumer
	bootstrapped   bool
	pumpDone       chan struct{}

	// pumpGID identifies the goroutine currently running the delivery pump,
	// so Stop can detect being called from inside a handler.
	pumpGID uint64

	readyCh   chan error
	readyOnce sync.Once

	ran uint32

	shutdownCh chan struct{}
	stoppedCh  chan struct{}

	// counters
	processedCount uint64
	duplicateCount uint64
	discardedCount uint64
	unhandledCount uint64
}

// NewService wires a messaging service. Nothing touches the broker until
// Start.
func NewService(conf *Config, registry *Registry, store Store, factory broker.SessionFactory) *Service {
	s := &Service{
		conf:       conf,
		logger:     conf.Logger.WithField("prefix", "messaging"),
		registry:   registry,
		store:      store,
		factory:    factory,
		readyCh:    make(chan error, 1),
		shutdownCh: make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}

	s.sender = newSender(conf, store, s.transmit, s.logger)

	return s
}

// Registry returns the handler registry.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Start establishes the broker session, creates the shared producer and the
// initial bootstrap-filtered consumer, and starts the delivery pump and the
// send executor. It is callable once.
func (s *Service) Start() error {
	if !s.compareAndSwapState(Created, Started) {
		return fmt.Errorf("messaging service already started")
	}

	session, err := s.factory.CreateSession()
	if err != nil {
		return err
	}

	producer, err := session.CreateProducer()
	if err != nil {
		session.Close()
		return err
	}

	// until bootstrap completes, only directory traffic is pulled off the
	// broker
	consumer, err := session.CreateConsumer(s.conf.Queue, s.conf.BootstrapTopic)
	if err != nil {
		producer.Close()
		session.Close()
		return err
	}

	s.connLock.Lock()
	s.session = session
	s.producer = producer
	s.activeConsumer = consumer
	s.pumpDone = make(chan struct{})
	pumpDone := s.pumpDone
	s.connLock.Unlock()

	go s.sender.run()
	go s.runPump(consumer, pumpDone)
	go s.watchBootstrap()

	s.logger.WithFields(logrus.Fields{
		"queue":           s.conf.Queue,
		"bootstrap_topic": s.conf.BootstrapTopic,
	}).Debug("Started")

	return nil
}

// Run transitions to Running and blocks until Stop completes. It is callable
// once, after Start.
func (s *Service) Run() error {
	if !s.compareAndSwapState(Started, Running) {
		if atomic.LoadUint32(&s.ran) == 1 {
			return fmt.Errorf("messaging service already running")
		}
		return fmt.Errorf("messaging service not started")
	}
	atomic.StoreUint32(&s.ran, 1)

	<-s.stoppedCh
	return nil
}

// Stop tears the service down: it closes the active consumer, waits for the
// pump to exit, stops the send executor, and releases the broker resources.
// Only the first caller performs teardown; concurrent calls return
// immediately. Stop is safe to call from inside a handler callback: the
// pump-goroutine check below skips the wait that would otherwise deadlock.
func (s *Service) Stop() {
	if st := s.getState(); st == Stopping || st == Stopped {
		return
	}
	if !s.compareAndSwapState(Started, Stopping) &&
		!s.compareAndSwapState(Running, Stopping) &&
		!s.compareAndSwapState(Created, Stopping) {
		return
	}

	s.logger.Debug("Stopping")
	close(s.shutdownCh)

	s.connLock.Lock()
	consumer := s.activeConsumer
	pumpDone := s.pumpDone
	s.connLock.Unlock()

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing consumer")
		}
	}

	if pumpDone != nil && atomic.LoadUint64(&s.pumpGID) != common.GoroutineID() {
		<-pumpDone
	}

	s.sender.stop()

	s.connLock.Lock()
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing producer")
		}
	}
	if s.session != nil {
		if err := s.session.Commit(); err != nil {
			s.logger.WithError(err).Debug("Committing session")
		}
		if err := s.session.Close(); err != nil {
			s.logger.WithError(err).Debug("Closing session")
		}
	}
	s.connLock.Unlock()

	if err := s.factory.Close(); err != nil {
		s.logger.WithError(err).Debug("Closing session factory")
	}

	s.setState(Stopped)
	close(s.stoppedCh)

	s.logger.Debug("Stopped")
}

// Bootstrapped reports whether the node has swapped to the unfiltered
// consumer.
func (s *Service) Bootstrapped() bool {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	return s.bootstrapped
}

// Register attaches an application handler to a topic-session.
func (s *Service) Register(ts TopicSession, h Handler) (*Registration, error) {
	return s.registry.Register(ts, h)
}

// Unregister removes a handler registration.
func (s *Service) Unregister(reg *Registration) {
	s.registry.Unregister(reg)
}

// Send transmits msg to target with no durability guarantee. The returned
// channel yields the transmit outcome.
func (s *Service) Send(msg *Message, target broker.Address) <-chan error {
	return s.sender.Send(msg, target)
}

// SendWithRetry transmits msg to target with durable redelivery until
// CancelRedelivery is called for retryID or the retry cap is reached.
func (s *Service) SendWithRetry(msg *Message, target broker.Address, retryID int64) <-chan error {
	return s.sender.SendWithRetry(msg, target, retryID)
}

// CancelRedelivery acknowledges end-to-end delivery of a guaranteed send.
func (s *Service) CancelRedelivery(retryID int64) error {
	return s.sender.CancelRedelivery(retryID)
}

// ResumeMessageRedelivery replays the retry ledger. Call once after Start.
func (s *Service) ResumeMessageRedelivery() error {
	return s.sender.ResumeMessageRedelivery()
}

// transmit hands an envelope to the shared producer under the connection
// lock.
func (s *Service) transmit(target broker.Address, env broker.Envelope) error {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if s.producer == nil {
		return broker.ErrClosed
	}
	return s.producer.Send(target, env)
}

// GetStats returns stats
func (s *Service) GetStats() map[string]string {
	pending, err := s.store.PendingRetries()
	if err != nil {
		s.logger.WithError(err).Error("Reading pending retries")
	}

	return map[string]string{
		"state":           s.getState().String(),
		"bootstrapped":    strconv.FormatBool(s.Bootstrapped()),
		"handlers":        strconv.Itoa(s.registry.Count()),
		"processed":       strconv.FormatUint(atomic.LoadUint64(&s.processedCount), 10),
		"duplicates":      strconv.FormatUint(atomic.LoadUint64(&s.duplicateCount), 10),
		"discarded":       strconv.FormatUint(atomic.LoadUint64(&s.discardedCount), 10),
		"unhandled":       strconv.FormatUint(atomic.LoadUint64(&s.unhandledCount), 10),
		"sends":           strconv.FormatUint(atomic.LoadUint64(&s.sender.sendCount), 10),
		"resends":         strconv.FormatUint(atomic.LoadUint64(&s.sender.resendCount), 10),
		"pending_retries": strconv.Itoa(len(pending)),
	}
}

// PendingRetries lists the durable retry ledger.
func (s *Service) PendingRetries() ([]*PendingRetry, error) {
	return s.store.PendingRetries()
}
