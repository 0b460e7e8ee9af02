package broker

import (
	"sort"
	"strings"
	"sync"
)

// InmemBroker implements a broker entirely in memory, to allow the messaging
// layer to be tested without a live broker, and to run single-process
// networks. It routes like a topic exchange: an envelope is copied at send
// time into every queue bound to the target address whose filter matches the
// envelope's topic, and dropped when nothing is bound. Queues survive their
// consumers, and delivery is at-least-once: an envelope pulled by a consumer
// is requeued if the consumer closes without acknowledging it. Filtered
// bindings are owned by their consumer: closing the consumer removes the
// binding and drops whatever it still holds, so a retired bootstrap queue
// does not keep accumulating copies of matching traffic.
type InmemBroker struct {
	mu             sync.Mutex
	queues         map[bindingKey]*inmemQueue
	maxMessageSize int
	closed         bool
}

type bindingKey struct {
	addr   Address
	filter string
}

// NewInmemBroker creates an in-memory broker. maxMessageSize <= 0 disables
// the size check.
func NewInmemBroker(maxMessageSize int) *InmemBroker {
	return &InmemBroker{
		queues:         make(map[bindingKey]*inmemQueue),
		maxMessageSize: maxMessageSize,
	}
}

// Factory returns a session factory attached to this broker. Closing the
// factory closes the sessions created through it, not the broker itself, so
// several nodes can share one broker.
func (b *InmemBroker) Factory() SessionFactory {
	return &inmemFactory{broker: b}
}

// Close shuts the broker down and wakes all blocked consumers.
func (b *InmemBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, q := range b.queues {
		q.close()
	}
}

// QueueDepth returns the number of envelopes waiting on a binding. Test
// hook.
func (b *InmemBroker) QueueDepth(addr Address, filter string) int {
	b.mu.Lock()
	q, ok := b.queues[bindingKey{addr, filter}]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

func (b *InmemBroker) queue(addr Address, filter string) *inmemQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := bindingKey{addr, filter}
	q, ok := b.queues[key]
	if !ok {
		q = newInmemQueue()
		b.queues[key] = q
	}
	return q
}

func (b *InmemBroker) removeBinding(key bindingKey) {
	b.mu.Lock()
	q, ok := b.queues[key]
	if ok {
		delete(b.queues, key)
	}
	b.mu.Unlock()
	if ok {
		q.close()
	}
}

func (b *InmemBroker) send(target Address, env Envelope) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	max := b.maxMessageSize
	var matched []*inmemQueue
	for key, q := range b.queues {
		if key.addr == target && topicMatches(key.filter, env.Topic) {
			matched = append(matched, q)
		}
	}
	b.mu.Unlock()

	if max > 0 && len(env.Body) > max {
		return ErrTooLarge
	}

	// with no matching binding the envelope is dropped, as a real exchange
	// would
	for _, q := range matched {
		if err := q.push(env); err != nil {
			return err
		}
	}
	return nil
}

type inmemEntry struct {
	seq uint64
	env Envelope
}

type inmemQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	backlog []*inmemEntry
	// duplicate suppression keyed by the application-supplied id
	seenDups map[string]bool
	nextSeq  uint64
	closed   bool
}

func newInmemQueue() *inmemQueue {
	q := &inmemQueue{
		seenDups: make(map[string]bool),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *inmemQueue) push(env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	if env.DuplicateID != "" {
		if q.seenDups[env.DuplicateID] {
			// the broker drops resends sharing a duplicate id
			return nil
		}
		q.seenDups[env.DuplicateID] = true
	}

	q.nextSeq++
	q.backlog = append(q.backlog, &inmemEntry{seq: q.nextSeq, env: env})
	q.cond.Broadcast()
	return nil
}

func (q *inmemQueue) requeue(entries []*inmemEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = append(entries, q.backlog...)
	q.cond.Broadcast()
}

func (q *inmemQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

type inmemFactory struct {
	broker   *InmemBroker
	mu       sync.Mutex
	sessions []*inmemSession
	closed   bool
}

func (f *inmemFactory) CreateSession() (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	s := &inmemSession{broker: f.broker}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *inmemFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, s := range f.sessions {
		s.Close()
	}
	return nil
}

type inmemSession struct {
	broker    *InmemBroker
	mu        sync.Mutex
	consumers []*inmemConsumer
	closed    bool
}

func (s *inmemSession) CreateProducer() (Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &inmemProducer{session: s}, nil
}

func (s *inmemSession) CreateConsumer(queue Address, filter string) (Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c := &inmemConsumer{
		broker:      s.broker,
		key:         bindingKey{queue, filter},
		queue:       s.broker.queue(queue, filter),
		outstanding: make(map[uint64]*inmemEntry),
	}
	s.consumers = append(s.consumers, c)
	return c, nil
}

// Commit is a no-op: the in-memory broker applies sends immediately.
func (s *inmemSession) Commit() error {
	return nil
}

func (s *inmemSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.consumers {
		c.Close()
	}
	return nil
}

type inmemProducer struct {
	session *inmemSession
	closed  bool
}

func (p *inmemProducer) Send(target Address, env Envelope) error {
	p.session.mu.Lock()
	closed := p.closed || p.session.closed
	p.session.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return p.session.broker.send(target, env)
}

func (p *inmemProducer) Close() error {
	p.session.mu.Lock()
	defer p.session.mu.Unlock()
	p.closed = true
	return nil
}

type inmemConsumer struct {
	broker *InmemBroker
	key    bindingKey
	queue  *inmemQueue

	// guarded by queue.mu
	outstanding map[uint64]*inmemEntry
	closed      bool
}

func (c *inmemConsumer) Receive() (*Delivery, error) {
	q := c.queue

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if c.closed || q.closed {
			return nil, ErrClosed
		}

		if len(q.backlog) > 0 {
			entry := q.backlog[0]
			q.backlog = q.backlog[1:]
			c.outstanding[entry.seq] = entry

			ack := func() {
				q.mu.Lock()
				delete(c.outstanding, entry.seq)
				q.mu.Unlock()
			}
			return NewDelivery(entry.env, ack), nil
		}

		q.cond.Wait()
	}
}

func (c *inmemConsumer) Close() error {
	q := c.queue

	q.mu.Lock()
	if c.closed {
		q.mu.Unlock()
		return nil
	}
	c.closed = true

	// unacknowledged envelopes go back on the queue
	var requeue []*inmemEntry
	for _, entry := range c.outstanding {
		requeue = append(requeue, entry)
	}
	sort.Slice(requeue, func(i, j int) bool { return requeue[i].seq < requeue[j].seq })
	c.outstanding = make(map[uint64]*inmemEntry)
	q.cond.Broadcast()
	q.mu.Unlock()

	if c.key.filter != "" {
		// the binding dies with its consumer
		c.broker.removeBinding(c.key)
		return nil
	}

	if len(requeue) > 0 {
		q.requeue(requeue)
	}
	return nil
}

func topicMatches(filter, topic string) bool {
	return filter == "" || strings.HasPrefix(topic, filter)
}
