package messaging

import (
	"sync/atomic"

	"github.com/couriernet/courier/src/broker"
	"github.com/couriernet/courier/src/common"
	"github.com/sirupsen/logrus"
)

// runPump is the blocking delivery loop; one dedicated goroutine per active
// consumer, at most one active consumer at a time. Handler invocation, the
// dedup transaction and the acknowledgement are synchronous here, so a slow
// handler stalls the pump and therefore the draining of the broker queue:
// slow consumers throttle their own inbound rate.
func (s *Service) runPump(consumer broker.Consumer, done chan struct{}) {
	atomic.StoreUint64(&s.pumpGID, common.GoroutineID())
	defer close(done)

	s.logger.Debug("Delivery pump starting")

	for {
		delivery, err := consumer.Receive()
		if err != nil {
			// the consumer was closed; this is how the pump terminates
			s.logger.WithError(err).Debug("Delivery pump exiting")
			return
		}

		s.deliver(delivery)
	}
}

// deliver decodes one broker delivery and performs the atomic
// dedup-check-and-dispatch. The broker message is acknowledged only after
// the store transaction commits.
func (s *Service) deliver(delivery *broker.Delivery) {
	msg := new(Message)
	if err := msg.Unmarshal(delivery.Envelope.Body); err != nil {
		// malformed messages are discarded, never redelivered on purpose
		atomic.AddUint64(&s.discardedCount, 1)
		s.logger.WithError(err).Warn("Discarding undecodable message")
		delivery.Ack()
		return
	}

	processed, err := s.store.ProcessOnce(msg.UniqueID, func() {
		s.dispatch(msg)
	})
	if err != nil {
		// without a committed transaction the message must not be acked;
		// the broker will redeliver it
		s.logger.WithError(err).WithField("unique_id", msg.UniqueID).
			Error("Recording processed message")
		return
	}

	if !processed {
		atomic.AddUint64(&s.duplicateCount, 1)
		s.logger.WithFields(logrus.Fields{
			"unique_id": msg.UniqueID,
			"topic":     msg.Topic,
		}).Debug("Skipping message which has already been processed")
	}

	delivery.Ack()
}

// dispatch invokes every matching handler, in registration order, on a
// snapshot of the registry.
func (s *Service) dispatch(msg *Message) {
	matched := s.registry.matching(msg.TopicSession())

	if len(matched) == 0 {
		// no dead-letter path: the message is consumed without effect
		atomic.AddUint64(&s.unhandledCount, 1)
		s.logger.WithFields(logrus.Fields{
			"topic":      msg.Topic,
			"session_id": msg.SessionID,
			"sender":     msg.Sender,
		}).Warn("Received message with no registered handler - discarding")
		return
	}

	for _, reg := range matched {
		s.invoke(msg, reg)
	}

	atomic.AddUint64(&s.processedCount, 1)
}

// invoke runs a single handler, containing its failures: an error or panic
// is logged with full context and does not affect other handlers or the
// acknowledgement of the message.
func (s *Service) invoke(msg *Message, reg *Registration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"topic":      msg.Topic,
				"session_id": msg.SessionID,
				"unique_id":  msg.UniqueID,
				"panic":      r,
			}).Error("Handler panicked")
		}
	}()

	if err := reg.handler(msg, reg); err != nil {
		s.logger.WithFields(logrus.Fields{
			"topic":      msg.Topic,
			"session_id": msg.SessionID,
			"unique_id":  msg.UniqueID,
		}).WithError(err).Error("Handler failed")
	}
}
