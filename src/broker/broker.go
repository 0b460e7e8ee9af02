package broker

import "errors"

// ErrClosed is returned by Receive and Send when the underlying consumer,
// producer, or session has been closed. During shutdown races this is a
// benign condition, not an error.
var ErrClosed = errors.New("broker: closed")

// ErrTooLarge is returned by Send when an envelope body exceeds the
// transport's maximum message size.
var ErrTooLarge = errors.New("broker: message too large")

// Address identifies a queue on the broker.
type Address string

// Envelope is the unit the broker transports. The broker treats the body as
// opaque; Topic is exposed so that consumers can apply server-side filters,
// and DuplicateID keys the broker's own duplicate suppression: a resend
// sharing a previously seen DuplicateID is silently dropped.
type Envelope struct {
	Topic       string
	DuplicateID string
	Body        []byte
}

// Delivery is a received envelope together with its acknowledgement hook.
// The envelope remains outstanding on the broker until Ack is called.
type Delivery struct {
	Envelope Envelope
	ack      func()
}

// NewDelivery is used by transport implementations to attach an ack hook.
func NewDelivery(env Envelope, ack func()) *Delivery {
	return &Delivery{Envelope: env, ack: ack}
}

// Ack acknowledges the delivery. Calling it more than once is harmless.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
		d.ack = nil
	}
}

// Consumer pulls envelopes from a single queue.
type Consumer interface {
	// Receive blocks until an envelope is available. It returns ErrClosed
	// once the consumer has been closed, which is the normal way a receive
	// loop terminates.
	Receive() (*Delivery, error)

	Close() error
}

// Producer sends envelopes to queues. A producer is bound to the session it
// was created from and is not safe for concurrent use; callers serialize
// through the owning connection lock.
type Producer interface {
	Send(target Address, env Envelope) error
	Close() error
}

// Session is a single broker session. Sessions guarantee at-least-once
// delivery to open consumers; they make no cross-restart durability promises
// beyond what the node persists itself.
type Session interface {
	CreateProducer() (Producer, error)

	// CreateConsumer attaches to a queue. A non-empty filter is a topic
	// prefix applied server-side: the consumer's queue is only bound to
	// matching topics, so non-matching envelopes are never routed to it.
	CreateConsumer(queue Address, filter string) (Consumer, error)

	Commit() error
	Close() error
}

// SessionFactory is the entry point to a broker transport.
type SessionFactory interface {
	CreateSession() (Session, error)
	Close() error
}
