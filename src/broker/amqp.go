package broker

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	// amqpExchange is the topic exchange all node traffic is routed through.
	amqpExchange = "courier"

	// topicHeader carries the application topic on the wire.
	topicHeader = "x-courier-topic"
)

// AMQPFactory implements SessionFactory over an AMQP 0-9-1 broker. Each
// session maps to a channel on a single shared connection. Topic-prefix
// consumer filters are realised as topic-exchange bindings: a filtered
// consumer attaches to a dedicated auto-delete queue bound only to the
// bootstrap topic pattern, so general traffic is never routed to it and the
// queue disappears with the consumer. Per-message size limits are enforced
// on the publishing side.
type AMQPFactory struct {
	url            string
	maxMessageSize int
	logger         *logrus.Entry

	mu   sync.Mutex
	conn *amqp091.Connection
}

// NewAMQPFactory creates a factory for the broker at url. The connection is
// established lazily by the first CreateSession call.
func NewAMQPFactory(url string, maxMessageSize int, logger *logrus.Entry) *AMQPFactory {
	return &AMQPFactory{
		url:            url,
		maxMessageSize: maxMessageSize,
		logger:         logger.WithField("prefix", "amqp"),
	}
}

// CreateSession opens a channel, declaring the shared topic exchange on
// first use.
func (f *AMQPFactory) CreateSession() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil || f.conn.IsClosed() {
		conn, err := amqp091.Dial(f.url)
		if err != nil {
			return nil, fmt.Errorf("dialing broker: %v", err)
		}
		f.conn = conn
	}

	ch, err := f.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %v", err)
	}

	if err := ch.ExchangeDeclare(
		amqpExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring exchange: %v", err)
	}

	return &amqpSession{
		factory: f,
		ch:      ch,
		logger:  f.logger,
	}, nil
}

// Close tears down the shared connection.
func (f *AMQPFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

type amqpSession struct {
	factory *AMQPFactory
	logger  *logrus.Entry

	// chMu guards all channel operations; amqp091 channels must not be used
	// concurrently from producers, consumers and acks.
	chMu   sync.Mutex
	ch     *amqp091.Channel
	closed bool
}

func (s *amqpSession) CreateProducer() (Producer, error) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &amqpProducer{session: s}, nil
}

func (s *amqpSession) CreateConsumer(queue Address, filter string) (Consumer, error) {
	queueName := string(queue)
	bindKey := string(queue) + ".#"
	if filter != "" {
		queueName = string(queue) + "." + filter
		bindKey = string(queue) + "." + filter + ".#"
	}

	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	// filtered queues are transient and auto-deleted: when the bootstrap
	// consumer is cancelled the broker removes the queue and its binding,
	// so matching traffic stops piling up behind a retired consumer
	if _, err := s.ch.QueueDeclare(
		queueName,
		filter == "", // durable
		filter != "", // auto-delete
		false,        // exclusive
		false,        // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declaring queue %s: %v", queueName, err)
	}

	if err := s.ch.QueueBind(queueName, bindKey, amqpExchange, false, nil); err != nil {
		return nil, fmt.Errorf("binding queue %s: %v", queueName, err)
	}

	tag := "courier-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	deliveries, err := s.ch.Consume(
		queueName,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consuming from %s: %v", queueName, err)
	}

	return &amqpConsumer{
		session:     s,
		tag:         tag,
		deliveries:  deliveries,
		closeNotify: make(chan struct{}),
	}, nil
}

// Commit is a no-op: channels run in non-transacted mode and publishes are
// applied immediately.
func (s *amqpSession) Commit() error {
	return nil
}

func (s *amqpSession) Close() error {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.ch.Close()
}

type amqpProducer struct {
	session *amqpSession
	closed  bool
}

func (p *amqpProducer) Send(target Address, env Envelope) error {
	s := p.session

	s.chMu.Lock()
	defer s.chMu.Unlock()
	if p.closed || s.closed {
		return ErrClosed
	}

	if max := s.factory.maxMessageSize; max > 0 && len(env.Body) > max {
		return ErrTooLarge
	}

	routingKey := string(target) + "." + env.Topic
	return s.ch.Publish(
		amqpExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			MessageId:    env.DuplicateID,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Headers:      amqp091.Table{topicHeader: env.Topic},
			Body:         env.Body,
		},
	)
}

func (p *amqpProducer) Close() error {
	p.session.chMu.Lock()
	defer p.session.chMu.Unlock()
	p.closed = true
	return nil
}

type amqpConsumer struct {
	session     *amqpSession
	tag         string
	deliveries  <-chan amqp091.Delivery
	closeNotify chan struct{}
	closeOnce   sync.Once
}

func (c *amqpConsumer) Receive() (*Delivery, error) {
	select {
	case <-c.closeNotify:
		return nil, ErrClosed
	case d, ok := <-c.deliveries:
		if !ok {
			return nil, ErrClosed
		}

		topic := ""
		if h, ok := d.Headers[topicHeader]; ok {
			if s, ok := h.(string); ok {
				topic = s
			}
		}

		env := Envelope{
			Topic:       topic,
			DuplicateID: d.MessageId,
			Body:        d.Body,
		}

		ack := func() {
			c.session.chMu.Lock()
			defer c.session.chMu.Unlock()
			if err := d.Ack(false); err != nil {
				c.session.logger.WithError(err).Debug("Acking delivery")
			}
		}
		return NewDelivery(env, ack), nil
	}
}

func (c *amqpConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeNotify)
		c.session.chMu.Lock()
		defer c.session.chMu.Unlock()
		if !c.session.closed {
			err = c.session.ch.Cancel(c.tag, false)
		}
	})
	return err
}
