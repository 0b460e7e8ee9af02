package messaging

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"github.com/ugorji/go/codec"
)

// PlatformVersion is the version of the messaging protocol this node speaks.
// It is stamped on every outbound message.
const PlatformVersion = 1

// TopicSession is the routing key that multiplexes handlers: a logical
// endpoint name combined with a session identifier. A blank topic acts as a
// wildcard that matches everything.
type TopicSession struct {
	Topic     string
	SessionID int64
}

// IsBlank reports whether this is the wildcard key.
func (ts TopicSession) IsBlank() bool {
	return ts.Topic == ""
}

// Matches reports whether a registration keyed by ts applies to a message
// keyed by other.
func (ts TopicSession) Matches(other TopicSession) bool {
	if ts.IsBlank() {
		return true
	}
	return ts.Topic == other.Topic && ts.SessionID == other.SessionID
}

// String ...
func (ts TopicSession) String() string {
	return fmt.Sprintf("%s.%d", ts.Topic, ts.SessionID)
}

// Message is the unit of application traffic between nodes. It is immutable
// once constructed; UniqueID is the idempotency key that makes broker
// redelivery safe.
type Message struct {
	Topic           string
	SessionID       int64
	Payload         []byte
	UniqueID        string
	Sender          string
	PlatformVersion int
}

// NewMessage constructs a message with a fresh unique id and the current
// platform version.
func NewMessage(topic string, sessionID int64, payload []byte, sender string) *Message {
	return &Message{
		Topic:           topic,
		SessionID:       sessionID,
		Payload:         payload,
		UniqueID:        uuid.New().String(),
		Sender:          sender,
		PlatformVersion: PlatformVersion,
	}
}

// TopicSession returns the routing key of the message.
func (m *Message) TopicSession() TopicSession {
	return TopicSession{Topic: m.Topic, SessionID: m.SessionID}
}

// Marshal - canonical json encoding of Message
func (m *Message) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(m); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (m *Message) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	if err := dec.Decode(m); err != nil {
		return err
	}

	if m.Topic == "" || m.UniqueID == "" {
		return fmt.Errorf("message missing required attributes")
	}

	return nil
}
