package pool

import (
	"container/list"

	"github.com/google/uuid"
)

type waiterState int

const (
	waiterQueued waiterState = iota
	waiterConnecting
	waiterDone
)

// WaiterListener observes the lifecycle of a single acquisition before it
// completes. Both hooks are optional and, like every other pool callback,
// are dispatched on the waiter's own Context rather than on the pool's
// critical section.
type WaiterListener[C any] struct {
	// OnEnqueue fires if the acquisition could not be satisfied
	// immediately and had to join the FIFO queue.
	OnEnqueue func(*Waiter[C])

	// OnConnect fires if the acquisition caused a new connect attempt to
	// start on its behalf.
	OnConnect func(*Waiter[C])
}

// Waiter is the pool's record of one pending acquisition. Acquire returns
// one so the caller can later Cancel it; beyond that it is opaque.
type Waiter[C any] struct {
	id       uuid.UUID
	ctx      Context
	weight   uint64
	callback func(*Lease[C], error)
	listener *WaiterListener[C]

	state waiterState
	slot  *slot[C]      // bound once Connecting
	elem  *list.Element // position in the queue while Queued
}

// Context returns the execution context the waiter's callback will be
// dispatched on.
func (w *Waiter[C]) Context() Context { return w.ctx }

// Weight returns the capacity/weight the waiter requested.
func (w *Waiter[C]) Weight() uint64 { return w.weight }
