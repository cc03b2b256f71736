package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/gradm/telemetry"
)

// LockManager serializes mutating operations per cluster name. Locks for
// different names never contend.
type LockManager struct {
	locks   *xsync.MapOf[string, chan struct{}]
	timeout time.Duration
}

// NewLockManager creates a lock manager. timeout bounds each acquisition, zero waits
// until the caller's context ends.
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		locks:   xsync.NewMapOf[string, chan struct{}](),
		timeout: timeout,
	}
}

// Acquire blocks until the lock for name is held. The returned release function
// is idempotent.
func (m *LockManager) Acquire(ctx context.Context, name string) (func(), error) {
	ch, _ := m.locks.LoadOrCompute(name, func() chan struct{} {
		return make(chan struct{}, 1)
	})

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		telemetry.ClusterLockWaitSeconds.Observe(telemetry.Since(start))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w %s after %s", ErrLockTimeout, name, time.Since(start).Round(time.Millisecond))
		}
		return nil, ctx.Err()
	}

	wait := time.Since(start)
	telemetry.ClusterLockWaitSeconds.Observe(wait.Seconds())
	if wait > time.Second {
		log.Debug().Str("cluster", name).Dur("wait", wait).Msg("Acquired cluster lock after contention")
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}

// Held reports whether the lock for name is currently held
func (m *LockManager) Held(name string) bool {
	ch, ok := m.locks.Load(name)
	return ok && len(ch) == 1
}
