package messaging

import (
	"bytes"

	"github.com/couriernet/courier/src/broker"
	"github.com/ugorji/go/codec"
)

// PendingRetry is the durable record of an in-flight send awaiting delivery
// confirmation. It is persisted the moment a caller requests guaranteed
// redelivery and removed on explicit cancellation. On restart the set of
// durable records is the authoritative source used to re-arm retry timers.
type PendingRetry struct {
	RetryID int64
	Target  broker.Address
	Message *Message
}

// Marshal - canonical json encoding of PendingRetry
func (p *PendingRetry) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(p); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (p *PendingRetry) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(p)
}

// Store groups the durable collections the messaging layer depends on: the
// set of processed message ids and the pending-retry ledger. Both
// implementations guarantee that ProcessOnce's membership check, dispatch
// and id insertion are atomic, so a crash mid-operation never leaves a
// message both effectively processed and not recorded as processed.
type Store interface {
	// ProcessOnce runs dispatch if and only if uniqueID has not been
	// processed before, then records uniqueID, atomically. It returns false
	// without invoking dispatch when the id was already present.
	ProcessOnce(uniqueID string, dispatch func()) (bool, error)

	// InsertPendingRetry persists a retry record. The insert is idempotent:
	// if a record already exists for the same retry id, the existing one is
	// kept, so restart-time replay is exactly-once per retry id.
	InsertPendingRetry(rec *PendingRetry) error

	// RemovePendingRetry deletes a retry record. Removing an absent id is a
	// no-op.
	RemovePendingRetry(retryID int64) error

	// PendingRetries lists all durable retry records.
	PendingRetries() ([]*PendingRetry, error)

	Close() error
}
