// Package lock serializes snapshot writers on one machine.
package lock

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mutex/v2"
)

// DefaultName is the machine-wide lock taken around restores and creates.
const DefaultName = "snapvault-restore"

const retryDelay = 250 * time.Millisecond

// Locker hands out exclusive access. The returned func releases it.
type Locker interface {
	Acquire(ctx context.Context) (func(), error)
}

// MachineLock is a named cross-process mutex.
type MachineLock struct {
	name    string
	clock   clock.Clock
	timeout time.Duration
}

// NewMachineLock returns a lock called name. A zero timeout waits until
// the context is done.
func NewMachineLock(name string, clk clock.Clock, timeout time.Duration) *MachineLock {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MachineLock{name: name, clock: clk, timeout: timeout}
}

func (l *MachineLock) Acquire(ctx context.Context) (func(), error) {
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    l.name,
		Clock:   l.clock,
		Delay:   retryDelay,
		Timeout: l.timeout,
		Cancel:  ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "acquiring %s lock", l.name)
	}
	return releaser.Release, nil
}

// Nop never blocks.
type Nop struct{}

func (Nop) Acquire(context.Context) (func(), error) {
	return func() {}, nil
}
