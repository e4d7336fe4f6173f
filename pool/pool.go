package pool

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// unboundedWaiters is the default maxWaiters when WithMaxWaiters is not
// supplied: large enough that no realistic workload hits it, distinct from
// the 0 value which disables queuing entirely.
const unboundedWaiters = ^uint64(0)

// dispatch is a callback paired with the Context it must run on. The pool
// accumulates these while holding its mutex and fires them only after
// releasing it, so no lock is ever held across user code.
type dispatch struct {
	ctx Context
	fn  func()
}

// Pool is the serialized state machine described in the package doc: it
// admits acquisitions, drives connect attempts, matches waiters to slots,
// and handles recycle, removal, eviction, cancellation and close. Every
// mutating method takes pool.mu for the duration of its bookkeeping and
// releases it before invoking any user callback. The Selector and the
// Connector's Connect method are the exceptions: both run while pool.mu
// is held.
type Pool[C any] struct {
	mu sync.Mutex

	connector Connector[C]
	selector  Selector[C]
	log       *logrus.Entry

	maxSize    uint64
	maxWeight  uint64
	maxWaiters uint64

	slots     map[uuid.UUID]*slot[C]
	order     []uuid.UUID // slot creation order, for selection candidates
	idle      *list.List  // *slot[C], most-recently-recycled at the front
	waiters   *list.List  // *Waiter[C], strict FIFO
	weight    uint64      // sum over Connecting ∪ Available
	available int         // count of slots in state Available
	closed    bool
}

// New creates a pool bounded to maxSize concurrent slots and maxWeight
// total slot weight. The connector is used for every connect attempt the
// pool makes; it is never called concurrently with itself by the pool
// (though its own callback may of course arrive from any goroutine).
func New[C any](connector Connector[C], maxSize, maxWeight uint64, opts ...Option[C]) *Pool[C] {
	p := &Pool[C]{
		connector:  connector,
		maxSize:    maxSize,
		maxWeight:  maxWeight,
		maxWaiters: unboundedWaiters,
		slots:      make(map[uuid.UUID]*slot[C]),
		idle:       list.New(),
		waiters:    list.New(),
		log:        defaultLogger(),
	}
	p.selector = defaultSelector[C]
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func fire(out []dispatch) {
	for _, d := range out {
		d.ctx.Execute(d.fn)
	}
}

// Acquire requests one unit of capacity on the caller's behalf. callback
// fires at most once, on ctx, with either a Lease or an error; it never
// fires for a waiter removed by Cancel.
func (p *Pool[C]) Acquire(ctx Context, weight uint64, callback func(*Lease[C], error)) *Waiter[C] {
	return p.AcquireWithListener(ctx, nil, weight, callback)
}

// AcquireWithListener is Acquire plus an optional listener notified of the
// waiter's own lifecycle (queued, or bound to a new connect attempt)
// before it completes.
func (p *Pool[C]) AcquireWithListener(ctx Context, listener *WaiterListener[C], weight uint64, callback func(*Lease[C], error)) *Waiter[C] {
	if weight < 1 {
		panic(fmt.Sprintf("connpool: acquire weight must be >= 1, got %d", weight))
	}
	w := &Waiter[C]{
		id:       uuid.New(),
		ctx:      ctx,
		weight:   weight,
		callback: callback,
		listener: listener,
		state:    waiterQueued,
	}

	var out []dispatch
	p.mu.Lock()
	p.doAcquireLocked(w, &out)
	p.mu.Unlock()
	fire(out)

	return w
}

func (p *Pool[C]) doAcquireLocked(w *Waiter[C], out *[]dispatch) {
	if p.closed {
		p.failWaiterLocked(w, ErrPoolClosed, out)
		return
	}

	if chosen := p.selectSlotLocked(w); chosen != nil {
		p.bindLocked(chosen, w, out)
		return
	}

	if p.weight+w.weight <= p.maxWeight && uint64(len(p.order)) < p.maxSize {
		p.startConnectLocked(w, out)
		return
	}

	if uint64(p.waiters.Len()) < p.maxWaiters {
		p.enqueueLocked(w, out)
		return
	}

	p.log.WithField("weight", w.weight).Debug("acquire rejected: pool too busy")
	p.failWaiterLocked(w, ErrPoolTooBusy, out)
}

// selectSlotLocked builds the candidate snapshot of Available slots with
// any free capacity, in creation order, and asks the installed selector
// (the default one if none was installed) to pick among them.
func (p *Pool[C]) selectSlotLocked(w *Waiter[C]) *slot[C] {
	var candidates []PooledConnection[C]
	for _, id := range p.order {
		s := p.slots[id]
		if s == nil || s.state != slotAvailable || s.capacity <= 0 {
			continue
		}
		candidates = append(candidates, PooledConnection[C]{slot: s})
	}
	if len(candidates) == 0 {
		return nil
	}
	chosen := p.selector(w, candidates)
	if chosen == nil {
		return nil
	}
	return chosen.slot
}

func (p *Pool[C]) bindLocked(s *slot[C], w *Waiter[C], out *[]dispatch) {
	p.takeCapacityLocked(s)
	w.state = waiterDone
	lease := &Lease[C]{pool: p, slot: s}
	p.log.WithFields(logrus.Fields{"slot": s.id, "waiter": w.id}).Debug("bound waiter to available slot")
	p.completeLocked(w, lease, out)
}

func (p *Pool[C]) takeCapacityLocked(s *slot[C]) {
	s.capacity--
	if s.idleElem != nil {
		p.idle.Remove(s.idleElem)
		s.idleElem = nil
	}
}

func (p *Pool[C]) giveCapacityLocked(s *slot[C]) {
	if s.capacity >= s.maxCapacity {
		return
	}
	s.capacity++
	if s.capacity == s.maxCapacity && s.state == slotAvailable && s.idleElem == nil {
		s.idleElem = p.idle.PushFront(s)
	}
}

func (p *Pool[C]) startConnectLocked(w *Waiter[C], out *[]dispatch) {
	s := &slot[C]{
		id:     uuid.New(),
		ctx:    w.ctx,
		state:  slotConnecting,
		weight: w.weight,
	}
	p.slots[s.id] = s
	p.order = append(p.order, s.id)
	p.weight += w.weight

	w.state = waiterConnecting
	w.slot = s
	s.waiter = w

	if w.listener != nil && w.listener.OnConnect != nil {
		hook := w.listener.OnConnect
		*out = append(*out, dispatch{ctx: w.ctx, fn: func() { hook(w) }})
	}

	p.log.WithFields(logrus.Fields{"slot": s.id, "waiter": w.id, "weight": w.weight}).Debug("starting connect attempt")

	listener := &slotListener[C]{pool: p, slot: s}
	p.connector.Connect(w.ctx, listener, func(res ConnectResult[C], err error) {
		var out []dispatch
		p.mu.Lock()
		p.finishConnectLocked(s, res, err, &out)
		p.mu.Unlock()
		fire(out)
	})
}

// finishConnectLocked handles the connector's single callback for a
// connect attempt, whether it succeeded or failed.
func (p *Pool[C]) finishConnectLocked(s *slot[C], res ConnectResult[C], err error, out *[]dispatch) {
	if s.state == slotRemoved {
		// Removed (e.g. pool closed, or a stray OnRemove) before the
		// connector delivered its result; the result has nothing left to
		// attach to.
		return
	}
	if p.closed {
		// No user callback fires after Close completes.
		return
	}

	w := s.waiter
	s.waiter = nil

	if err != nil {
		p.log.WithError(err).WithField("slot", s.id).Debug("connect attempt failed")
		p.removeProvisionalSlotLocked(s)
		p.failWaiterLocked(w, errors.Wrap(err, "connpool: connect failed"), out)
		p.admitQueuedLocked(out)
		return
	}

	s.conn = res.Connection
	s.maxCapacity = res.MaxCapacity
	s.capacity = res.MaxCapacity
	s.state = slotAvailable
	p.available++
	p.weight = p.weight - w.weight + res.Weight
	s.weight = res.Weight

	p.takeCapacityLocked(s)
	w.state = waiterDone
	lease := &Lease[C]{pool: p, slot: s}
	p.completeLocked(w, lease, out)

	p.drainAvailableLocked(s, out)
}

func (p *Pool[C]) removeProvisionalSlotLocked(s *slot[C]) {
	s.state = slotRemoved
	p.weight -= s.weight
	p.removeFromOrderLocked(s.id)
	delete(p.slots, s.id)
}

func (p *Pool[C]) removeFromOrderLocked(id uuid.UUID) {
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			return
		}
	}
}

// drainAvailableLocked hands a slot's remaining free capacity to queued
// waiters in strict FIFO order: only the front of the queue is ever
// considered, and draining stops the moment it cannot be satisfied, rather
// than skipping ahead to a smaller request further back.
func (p *Pool[C]) drainAvailableLocked(s *slot[C], out *[]dispatch) {
	for s.state == slotAvailable && s.capacity > 0 {
		elem := p.waiters.Front()
		if elem == nil {
			return
		}
		w := elem.Value.(*Waiter[C])
		if uint64(s.capacity) < w.weight {
			return
		}
		p.waiters.Remove(elem)
		w.elem = nil
		p.bindLocked(s, w, out)
	}
}

// admitQueuedLocked binds queued waiters, front first, to Available slots
// the selector accepts, then starts at most one new connect attempt, for
// the waiter then at the front, if the weight/size budget allows it. It is
// used after weight is freed by a connect failure, a slot removal or an
// eviction.
func (p *Pool[C]) admitQueuedLocked(out *[]dispatch) {
	for {
		elem := p.waiters.Front()
		if elem == nil {
			return
		}
		w := elem.Value.(*Waiter[C])

		if s := p.selectSlotLocked(w); s != nil {
			p.waiters.Remove(elem)
			w.elem = nil
			p.bindLocked(s, w, out)
			continue
		}

		if p.weight+w.weight > p.maxWeight || uint64(len(p.order)) >= p.maxSize {
			return
		}

		p.waiters.Remove(elem)
		w.elem = nil
		p.startConnectLocked(w, out)
		return
	}
}

func (p *Pool[C]) enqueueLocked(w *Waiter[C], out *[]dispatch) {
	w.state = waiterQueued
	w.elem = p.waiters.PushBack(w)
	if w.listener != nil && w.listener.OnEnqueue != nil {
		hook := w.listener.OnEnqueue
		*out = append(*out, dispatch{ctx: w.ctx, fn: func() { hook(w) }})
	}
}

func (p *Pool[C]) failWaiterLocked(w *Waiter[C], err error, out *[]dispatch) {
	w.state = waiterDone
	cb := w.callback
	*out = append(*out, dispatch{ctx: w.ctx, fn: func() { cb(nil, err) }})
}

func (p *Pool[C]) completeLocked(w *Waiter[C], lease *Lease[C], out *[]dispatch) {
	cb := w.callback
	*out = append(*out, dispatch{ctx: w.ctx, fn: func() { cb(lease, nil) }})
}

// recycle is invoked by Lease.Recycle once it has atomically marked the
// lease used. If the slot is gone, the lease's capacity unit simply
// vanishes, exactly as the lease's own contract promises.
func (p *Pool[C]) recycle(s *slot[C]) {
	var out []dispatch
	p.mu.Lock()
	if s.state == slotAvailable {
		p.giveCapacityLocked(s)
		p.drainAvailableLocked(s, &out)
	}
	p.mu.Unlock()
	fire(out)
}

// slotListener forwards a Connector's remote-initiated events back into
// the pool's critical section.
type slotListener[C any] struct {
	pool *Pool[C]
	slot *slot[C]
}

func (l *slotListener[C]) OnRemove() {
	var out []dispatch
	l.pool.mu.Lock()
	l.pool.removeSlotLocked(l.slot, &out)
	l.pool.mu.Unlock()
	fire(out)
}

func (l *slotListener[C]) OnConcurrencyChange(newMaxCapacity int) {
	var out []dispatch
	l.pool.mu.Lock()
	l.pool.changeCapacityLocked(l.slot, newMaxCapacity, &out)
	l.pool.mu.Unlock()
	fire(out)
}

func (p *Pool[C]) removeSlotLocked(s *slot[C], out *[]dispatch) {
	if s.state == slotRemoved {
		return
	}
	if s.state == slotAvailable {
		p.available--
	}
	s.state = slotRemoved
	p.weight -= s.weight
	if s.idleElem != nil {
		p.idle.Remove(s.idleElem)
		s.idleElem = nil
	}
	p.removeFromOrderLocked(s.id)
	delete(p.slots, s.id)

	p.log.WithField("slot", s.id).Debug("slot removed")
	p.admitQueuedLocked(out)
}

func (p *Pool[C]) changeCapacityLocked(s *slot[C], newMax int, out *[]dispatch) {
	if s.state == slotRemoved {
		return
	}
	outstanding := s.maxCapacity - s.capacity
	s.maxCapacity = newMax
	s.capacity = newMax - outstanding
	if s.capacity < 0 {
		s.capacity = 0
	}
	if s.idleElem != nil && s.capacity != s.maxCapacity {
		p.idle.Remove(s.idleElem)
		s.idleElem = nil
	}
	if s.state != slotAvailable {
		return
	}
	if s.capacity == s.maxCapacity && s.idleElem == nil {
		s.idleElem = p.idle.PushFront(s)
	}
	p.drainAvailableLocked(s, out)
}

// Cancel removes w from the queue if it is still Queued. It returns true
// if that happened, false if the waiter had already moved past queueing
// (bound to a connect attempt, or already completed).
func (p *Pool[C]) Cancel(w *Waiter[C], callback func(removed bool, err error)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		w.ctx.Execute(func() { callback(false, ErrPoolClosed) })
		return
	}

	removed := false
	if w.state == waiterQueued && w.elem != nil {
		p.waiters.Remove(w.elem)
		w.elem = nil
		w.state = waiterDone
		removed = true
	}
	p.mu.Unlock()

	w.ctx.Execute(func() { callback(removed, nil) })
}

// Evict atomically scans only Available slots that currently have no
// outstanding lease (capacity == maxCapacity); Connecting slots are never
// visible to predicate. Every slot the predicate accepts is removed, its
// weight reclaimed, and its connection included in the returned list, in
// order from most- to least-recently recycled.
func (p *Pool[C]) Evict(predicate func(C) bool, callback func([]C, error)) {
	var out []dispatch
	var evicted []C

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		callback(nil, ErrPoolClosed)
		return
	}

	for e := p.idle.Front(); e != nil; {
		next := e.Next()
		s := e.Value.(*slot[C])
		if predicate(s.conn) {
			evicted = append(evicted, s.conn)
			p.idle.Remove(e)
			s.idleElem = nil
			s.state = slotRemoved
			p.available--
			p.weight -= s.weight
			p.removeFromOrderLocked(s.id)
			delete(p.slots, s.id)
		}
		e = next
	}
	if len(evicted) > 0 {
		p.admitQueuedLocked(&out)
	}
	p.mu.Unlock()

	fire(out)
	callback(evicted, nil)
}

// Close transitions the pool to closed. Every queued waiter fails with
// ErrPoolClosed. The returned list contains every connection the pool
// currently knows about, both Available and still-Connecting: a
// Connecting slot has no connection value yet, so it is represented by
// C's zero value. Further Acquire, Evict, Cancel and Close calls all fail
// with ErrPoolClosed; no user callback fires after Close's own callback
// has returned.
func (p *Pool[C]) Close(callback func([]C, error)) {
	var out []dispatch
	var conns []C

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		callback(nil, ErrPoolClosed)
		return
	}
	p.closed = true

	for _, id := range p.order {
		s := p.slots[id]
		if s == nil {
			continue
		}
		switch s.state {
		case slotAvailable:
			conns = append(conns, s.conn)
		case slotConnecting:
			var zero C
			conns = append(conns, zero)
		}
	}

	for e := p.waiters.Front(); e != nil; {
		next := e.Next()
		w := e.Value.(*Waiter[C])
		p.waiters.Remove(e)
		w.elem = nil
		p.failWaiterLocked(w, ErrPoolClosed, &out)
		e = next
	}
	p.mu.Unlock()

	fire(out)
	p.log.Debug("pool closed")
	callback(conns, nil)
}

// Size returns the number of slots currently in state Available.
func (p *Pool[C]) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Weight returns the sum of slot weights over slots in state Connecting or
// Available.
func (p *Pool[C]) Weight() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weight
}

// Waiters returns the number of acquisitions currently queued.
func (p *Pool[C]) Waiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}
