package messaging

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couriernet/courier/src/broker"
)

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func startTestService(t *testing.T, b *broker.InmemBroker, queue broker.Address, store Store) *Service {
	t.Helper()

	conf := TestConfig(t)
	conf.Queue = queue

	service := NewService(conf, NewRegistry(), store, b.Factory())
	if err := service.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(service.Stop)
	return service
}

// rawProducer returns a producer on its own session, to inject traffic from
// outside the service under test.
func rawProducer(t *testing.T, b *broker.InmemBroker) broker.Producer {
	t.Helper()

	factory := b.Factory()
	t.Cleanup(func() { factory.Close() })

	session, err := factory.CreateSession()
	if err != nil {
		t.Fatal(err)
	}
	producer, err := session.CreateProducer()
	if err != nil {
		t.Fatal(err)
	}
	return producer
}

func sendRaw(t *testing.T, producer broker.Producer, target broker.Address, msg *Message, dupID string) {
	t.Helper()

	body, err := msg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	err = producer.Send(target, broker.Envelope{
		Topic:       msg.Topic,
		DuplicateID: dupID,
		Body:        body,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestServiceBootstrapGating(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())
	producer := rawProducer(t, b)

	var directoryCount, generalCount uint64
	var generalPayloads []string

	if _, err := service.Register(TopicSession{Topic: "directory.hello", SessionID: 0},
		func(msg *Message, reg *Registration) error {
			atomic.AddUint64(&directoryCount, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}
	if _, err := service.Register(TopicSession{Topic: "ledger.tx", SessionID: 0},
		func(msg *Message, reg *Registration) error {
			generalPayloads = append(generalPayloads, string(msg.Payload))
			atomic.AddUint64(&generalCount, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	// general traffic sent before bootstrap is never pulled off the broker
	sendRaw(t, producer, "node0.inbox", NewMessage("ledger.tx", 0, []byte("before"), "peer"), "d1")

	// directory traffic flows immediately
	sendRaw(t, producer, "node0.inbox", NewMessage("directory.hello", 0, nil, "peer"), "d2")
	waitUntil(t, func() bool { return atomic.LoadUint64(&directoryCount) == 1 },
		"directory message was not delivered")

	if atomic.LoadUint64(&generalCount) != 0 {
		t.Fatal("general message delivered before bootstrap")
	}
	if service.Bootstrapped() {
		t.Fatal("service should not be bootstrapped yet")
	}

	service.CompleteBootstrap(nil)
	waitUntil(t, service.Bootstrapped, "consumer swap did not happen")

	sendRaw(t, producer, "node0.inbox", NewMessage("ledger.tx", 0, []byte("after"), "peer"), "d3")
	waitUntil(t, func() bool { return atomic.LoadUint64(&generalCount) == 1 },
		"general message was not delivered after bootstrap")

	// the pre-bootstrap general message must not surface now either
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadUint64(&generalCount); got != 1 {
		t.Fatalf("general deliveries: got %d, want 1", got)
	}
	if len(generalPayloads) != 1 || generalPayloads[0] != "after" {
		t.Fatalf("unexpected general payloads: %v", generalPayloads)
	}
}

func TestServiceFailedBootstrapStopsService(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())

	service.CompleteBootstrap(fmt.Errorf("directory unreachable"))

	waitUntil(t, func() bool { return service.getState() == Stopped },
		"service did not stop after failed bootstrap")
	if service.Bootstrapped() {
		t.Fatal("service should not report bootstrapped")
	}
}

func TestServiceIdempotentDispatch(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())
	producer := rawProducer(t, b)

	var count uint64
	if _, err := service.Register(TopicSession{Topic: "directory.ping", SessionID: 0},
		func(msg *Message, reg *Registration) error {
			atomic.AddUint64(&count, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	// same application message delivered twice under different
	// transport-level ids, as happens when a sender retries
	msg := NewMessage("directory.ping", 0, nil, "peer")
	sendRaw(t, producer, "node0.inbox", msg, "d1")
	sendRaw(t, producer, "node0.inbox", msg, "d2")

	waitUntil(t, func() bool { return atomic.LoadUint64(&service.duplicateCount) == 1 },
		"duplicate was not detected")

	if got := atomic.LoadUint64(&count); got != 1 {
		t.Fatalf("handler invocations: got %d, want 1", got)
	}
	if d := b.QueueDepth("node0.inbox", "directory"); d != 0 {
		t.Fatalf("queue depth: got %d, want 0; duplicates must still be acked", d)
	}
}

func TestServiceHandlerIsolation(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())
	producer := rawProducer(t, b)

	key := TopicSession{Topic: "directory.ping", SessionID: 0}

	var secondRan uint64
	if _, err := service.Register(key, func(msg *Message, reg *Registration) error {
		panic("handler bug")
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := service.Register(key, func(msg *Message, reg *Registration) error {
		atomic.AddUint64(&secondRan, 1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	sendRaw(t, producer, "node0.inbox", NewMessage("directory.ping", 0, nil, "peer"), "d1")

	// the panic is contained: the second handler runs and the message is
	// acknowledged
	waitUntil(t, func() bool { return atomic.LoadUint64(&secondRan) == 1 },
		"second handler did not run")
	waitUntil(t, func() bool { return b.QueueDepth("node0.inbox", "directory") == 0 },
		"message was not acknowledged")
}

func TestServiceBootstrapQueueRetired(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())
	producer := rawProducer(t, b)

	var count uint64
	if _, err := service.Register(TopicSession{Topic: "directory.update", SessionID: 0},
		func(msg *Message, reg *Registration) error {
			atomic.AddUint64(&count, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	service.CompleteBootstrap(nil)
	waitUntil(t, service.Bootstrapped, "consumer swap did not happen")

	// directory traffic keeps flowing through the unfiltered consumer, and
	// the retired bootstrap binding must not accumulate copies of it
	for i := 0; i < 5; i++ {
		msg := NewMessage("directory.update", 0, nil, "peer")
		sendRaw(t, producer, "node0.inbox", msg, fmt.Sprintf("d%d", i))
	}

	waitUntil(t, func() bool { return atomic.LoadUint64(&count) == 5 },
		"directory updates were not delivered after bootstrap")
	if d := b.QueueDepth("node0.inbox", "directory"); d != 0 {
		t.Fatalf("retired bootstrap binding depth: got %d, want 0", d)
	}
}

func TestServicePoisonMessageDiscarded(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())
	producer := rawProducer(t, b)

	var count uint64
	if _, err := service.Register(TopicSession{Topic: "directory.ping", SessionID: 0},
		func(msg *Message, reg *Registration) error {
			atomic.AddUint64(&count, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	// an envelope whose body does not decode is dropped and acknowledged;
	// redelivering it could never succeed
	err := producer.Send("node0.inbox", broker.Envelope{
		Topic:       "directory.ping",
		DuplicateID: "d1",
		Body:        []byte("not a message"),
	})
	if err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool { return atomic.LoadUint64(&service.discardedCount) == 1 },
		"undecodable envelope was not discarded")
	waitUntil(t, func() bool { return b.QueueDepth("node0.inbox", "directory") == 0 },
		"undecodable envelope was not acknowledged")
	if got := atomic.LoadUint64(&count); got != 0 {
		t.Fatalf("handler invocations: got %d, want 0", got)
	}
}

func TestServiceUnhandledTopicAcked(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())
	producer := rawProducer(t, b)

	// no handler is registered for this topic: the message is discarded,
	// marked processed and acknowledged
	msg := NewMessage("directory.unknown", 0, nil, "peer")
	sendRaw(t, producer, "node0.inbox", msg, "d1")

	waitUntil(t, func() bool { return atomic.LoadUint64(&service.unhandledCount) == 1 },
		"unhandled message was not counted")
	waitUntil(t, func() bool { return b.QueueDepth("node0.inbox", "directory") == 0 },
		"unhandled message was not acknowledged")

	// a redelivery of the same message is now a duplicate
	sendRaw(t, producer, "node0.inbox", msg, "d2")
	waitUntil(t, func() bool { return atomic.LoadUint64(&service.duplicateCount) == 1 },
		"redelivered unhandled message was not deduplicated")
}

func TestServiceRunBeforeStart(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := NewService(TestConfig(t), NewRegistry(), NewInmemStore(), b.Factory())

	// a premature Run fails without poisoning the lifecycle
	if err := service.Run(); err == nil {
		t.Fatal("Run before Start should fail")
	}

	if err := service.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(service.Stop)

	runDone := make(chan error, 1)
	go func() {
		runDone <- service.Run()
	}()

	waitUntil(t, func() bool { return service.getState() == Running },
		"service did not reach the Running state")

	service.Stop()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestServiceStopFromHandler(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "node0.inbox", NewInmemStore())
	producer := rawProducer(t, b)

	if _, err := service.Register(TopicSession{Topic: "directory.shutdown", SessionID: 0},
		func(msg *Message, reg *Registration) error {
			// stopping from inside a handler must not deadlock on the pump
			service.Stop()
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	sendRaw(t, producer, "node0.inbox", NewMessage("directory.shutdown", 0, nil, "peer"), "d1")

	waitUntil(t, func() bool { return service.getState() == Stopped },
		"service did not stop")
}

func TestServiceGuaranteedSendRoundTrip(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	sender := startTestService(t, b, "a.inbox", NewInmemStore())
	receiver := startTestService(t, b, "b.inbox", NewInmemStore())

	sender.CompleteBootstrap(nil)
	receiver.CompleteBootstrap(nil)
	waitUntil(t, sender.Bootstrapped, "sender did not bootstrap")
	waitUntil(t, receiver.Bootstrapped, "receiver did not bootstrap")

	var received uint64
	if _, err := receiver.Register(TopicSession{Topic: "ledger.tx", SessionID: 5},
		func(msg *Message, reg *Registration) error {
			atomic.AddUint64(&received, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	msg := NewMessage("ledger.tx", 5, []byte("payload"), "a")
	if err := <-sender.SendWithRetry(msg, "b.inbox", 1); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool { return atomic.LoadUint64(&received) == 1 },
		"message was not delivered")

	// even if retries fired meanwhile, the dedup set keeps them silent
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadUint64(&received); got != 1 {
		t.Fatalf("handler invocations: got %d, want 1", got)
	}

	if err := sender.CancelRedelivery(1); err != nil {
		t.Fatal(err)
	}
	records, err := sender.PendingRetries()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger rows after cancel: got %d, want 0", len(records))
	}
}

func TestServiceCancelFromHandler(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	service := startTestService(t, b, "a.inbox", NewInmemStore())
	service.CompleteBootstrap(nil)
	waitUntil(t, service.Bootstrapped, "service did not bootstrap")

	// handlers may call back into the messaging layer while a dispatch is in
	// flight; acknowledging a guaranteed send from its own handler is the
	// typical case
	var cancelErr error
	var received uint64
	if _, err := service.Register(TopicSession{Topic: "ledger.tx", SessionID: 7},
		func(msg *Message, reg *Registration) error {
			cancelErr = service.CancelRedelivery(7)
			atomic.AddUint64(&received, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	msg := NewMessage("ledger.tx", 7, []byte("payload"), "a")
	if err := <-service.SendWithRetry(msg, "a.inbox", 7); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool { return atomic.LoadUint64(&received) == 1 },
		"message was not delivered")
	if cancelErr != nil {
		t.Fatal(cancelErr)
	}

	records, err := service.PendingRetries()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger rows after in-handler cancel: got %d, want 0", len(records))
	}
}

func TestServiceResumeAfterRestart(t *testing.T) {
	b := broker.NewInmemBroker(0)
	defer b.Close()

	store := NewInmemStore()

	// first incarnation issues a guaranteed send that nobody receives
	first := startTestService(t, b, "a.inbox", store)
	msg := NewMessage("ledger.tx", 5, []byte("payload"), "a")
	if err := <-first.SendWithRetry(msg, "b.inbox", 1); err != nil {
		t.Fatal(err)
	}
	first.Stop()

	records, err := store.PendingRetries()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("ledger rows after restart: got %d, want 1", len(records))
	}

	// the receiver comes up before the ledger is replayed
	receiver := startTestService(t, b, "b.inbox", NewInmemStore())
	receiver.CompleteBootstrap(nil)
	waitUntil(t, receiver.Bootstrapped, "receiver did not bootstrap")

	var received uint64
	if _, err := receiver.Register(TopicSession{Topic: "ledger.tx", SessionID: 5},
		func(m *Message, reg *Registration) error {
			if m.UniqueID != msg.UniqueID {
				t.Errorf("unique id: got %s, want %s", m.UniqueID, msg.UniqueID)
			}
			atomic.AddUint64(&received, 1)
			return nil
		}); err != nil {
		t.Fatal(err)
	}

	// second incarnation of the sending node, same durable store
	second := startTestService(t, b, "a.inbox", store)
	if err := second.ResumeMessageRedelivery(); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool { return atomic.LoadUint64(&received) == 1 },
		"replayed message was not delivered")

	if err := second.CancelRedelivery(1); err != nil {
		t.Fatal(err)
	}
	records, err = store.PendingRetries()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger rows after cancel: got %d, want 0", len(records))
	}
}
