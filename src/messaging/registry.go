package messaging

import (
	"fmt"
	"sync"
)

// Handler is an application callback attached to a topic-session. It runs
// synchronously on the delivery pump; it must not assume it holds any
// messaging lock, it may call Send, Register and Unregister re-entrantly,
// and any error it returns (or panic it raises) is caught and logged by the
// framework rather than propagated.
type Handler func(msg *Message, reg *Registration) error

// Registration is the handle returned by Register, used to remove the
// handler again. Removal is by identity.
type Registration struct {
	ts      TopicSession
	handler Handler
}

// TopicSession returns the key the handler was registered under.
func (r *Registration) TopicSession() TopicSession {
	return r.ts
}

// Registry multiplexes inbound messages to application handlers. Dispatch
// operates on a snapshot taken per message, so concurrent Register and
// Unregister calls never affect an in-flight dispatch.
type Registry struct {
	mu   sync.RWMutex
	regs []*Registration
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{}
}

// Register attaches a handler to an exact topic-session. A blank topic is
// rejected here so that ordinary callers cannot accidentally install a
// catch-all handler; the wildcard path is only reachable internally.
func (r *Registry) Register(ts TopicSession, h Handler) (*Registration, error) {
	if ts.IsBlank() {
		return nil, fmt.Errorf("refusing to register handler for blank topic")
	}
	return r.add(ts, h), nil
}

// registerAll attaches a wildcard handler matching every message.
func (r *Registry) registerAll(h Handler) *Registration {
	return r.add(TopicSession{}, h)
}

func (r *Registry) add(ts TopicSession, h Handler) *Registration {
	reg := &Registration{ts: ts, handler: h}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)

	return reg
}

// Unregister removes a registration by identity. It is safe to call
// concurrently with ongoing dispatch, and is a no-op for unknown handles.
func (r *Registry) Unregister(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, item := range r.regs {
		if item == reg {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return
		}
	}
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regs)
}

// matching snapshots the registrations that apply to ts, in registration
// order.
func (r *Registry) matching(ts TopicSession) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Registration
	for _, reg := range r.regs {
		if reg.ts.Matches(ts) {
			matched = append(matched, reg)
		}
	}
	return matched
}
