package messaging

import (
	"sync/atomic"
)

// State captures the lifecycle of the messaging service: Created, Started,
// Running, Stopping, or Stopped.
type State uint32

const (
	//Created is the initial state, before Start.
	Created State = iota
	//Started means the broker session and consumers exist.
	Started
	//Running means Run was called and the node is processing traffic.
	Running
	//Stopping means teardown has begun.
	Stopping
	//Stopped is terminal.
	Stopped
)

// String ...
func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Started:
		return "Started"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

type state struct {
	state State
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// compareAndSwapState transitions from old to new atomically, reporting
// whether the transition was performed.
func (b *state) compareAndSwapState(old, new State) bool {
	stateAddr := (*uint32)(&b.state)
	return atomic.CompareAndSwapUint32(stateAddr, uint32(old), uint32(new))
}
