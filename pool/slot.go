package pool

import (
	"container/list"

	"github.com/google/uuid"
)

type slotState int

const (
	slotConnecting slotState = iota
	slotAvailable
	slotRemoved
)

func (s slotState) String() string {
	switch s {
	case slotConnecting:
		return "connecting"
	case slotAvailable:
		return "available"
	case slotRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// slot is the pool's internal record of one connection, live or still
// connecting. The pool owns every slot exclusively; callers never see this
// type directly, only through the read-only PooledConnection snapshot
// handed to a Selector.
type slot[C any] struct {
	id  uuid.UUID
	ctx Context

	conn        C
	capacity    int
	maxCapacity int
	weight      uint64
	state       slotState

	// waiter is set while the slot is Connecting: the acquisition it was
	// opened for, which is granted the first lease on success.
	waiter *Waiter[C]

	// idleElem is non-nil exactly while the slot is Available with
	// capacity == maxCapacity (no outstanding leases), which is what makes
	// it eligible for eviction. It threads the slot into pool.idle, most
	// recently recycled at the front, mirroring the free-list linkage
	// resourcePool uses for its own idle resources.
	idleElem *list.Element
}
