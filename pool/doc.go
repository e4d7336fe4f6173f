// Package pool implements a generic connection pool for a reactive network
// client. It coordinates the lifecycle of a bounded set of reusable,
// multi-capacity connections shared by many concurrent callers, each of
// whom borrows a Lease granting temporary exclusive use of one unit of a
// connection's capacity.
//
// The pool itself never dials a socket or speaks a wire protocol; it
// delegates connection establishment to a Connector supplied by the
// caller, and never touches a connection's bytes once open. Everything
// the pool does is synchronous bookkeeping guarded by a single mutex;
// user-supplied callbacks are always invoked after that mutex is released.
// Acquire completions, waiter listener hooks and Cancel results are
// dispatched through the Context the caller associated with the request;
// Evict and Close, which take no Context, call their callback directly on
// the calling goroutine.
package pool
