package pool

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Option configures a Pool at construction time, following the
// functional-options convention the driver this package is descended from
// uses for its own topology and connection options.
type Option[C any] func(*Pool[C])

// WithMaxWaiters bounds the FIFO queue of pending acquisitions. A value of
// 0 disables queuing entirely: any acquisition that cannot be satisfied
// immediately or by opening a new slot fails with ErrPoolTooBusy. The
// default, if this option is not supplied, is effectively unbounded.
func WithMaxWaiters[C any](n uint64) Option[C] {
	return func(p *Pool[C]) { p.maxWaiters = n }
}

// WithSelector installs a policy for choosing among several slots that all
// have free capacity for the next waiter. The default policy returns the
// first slot, in creation order, whose free capacity covers the waiter's
// requested weight.
func WithSelector[C any](s Selector[C]) Option[C] {
	return func(p *Pool[C]) { p.selector = s }
}

// WithLogger attaches a logrus entry the pool writes state-transition and
// failure diagnostics to. Without this option the pool logs nowhere.
func WithLogger[C any](log *logrus.Entry) Option[C] {
	return func(p *Pool[C]) { p.log = log }
}

var discardLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func defaultLogger() *logrus.Entry {
	return logrus.NewEntry(discardLogger)
}
