package pool

// PoolError is a typed error reported by the pool itself, as opposed to a
// cause propagated verbatim from a Connector.
type PoolError string

// Error implements the error interface.
func (e PoolError) Error() string { return string(e) }

const (
	// ErrPoolClosed is returned by any pool operation attempted after
	// Close has completed.
	ErrPoolClosed PoolError = "connpool: pool is closed"

	// ErrPoolTooBusy is returned by Acquire when no slot has free
	// capacity, no new slot can be opened within the weight/size budget,
	// and the waiter queue is already at maxWaiters.
	ErrPoolTooBusy PoolError = "connpool: pool is too busy"

	// ErrInvalidRecycle is returned by Lease.Recycle when the lease has
	// already been recycled once. It never reaches pool state: the lease
	// is rejected before anything about its slot is touched.
	ErrInvalidRecycle PoolError = "connpool: lease already recycled"
)
