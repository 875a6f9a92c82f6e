// Package coord bounds how many task mutations run at once and serializes
// mutations that target the same task.
package coord

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight is the global permit count used when none is configured.
const DefaultMaxInFlight = 6

// Coordinator is a registry of per-key locks behind a global permit pool.
// Locks are created on first use and retained for the life of the process;
// the key space is bounded by the number of active tasks.
type Coordinator struct {
	permits *semaphore.Weighted
	max     int64

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// New returns a Coordinator with maxInFlight global permits.
func New(maxInFlight int) *Coordinator {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	return &Coordinator{
		permits: semaphore.NewWeighted(int64(maxInFlight)),
		max:     int64(maxInFlight),
		locks:   make(map[string]chan struct{}),
	}
}

// MaxInFlight returns the size of the global permit pool.
func (c *Coordinator) MaxInFlight() int {
	return int(c.max)
}

func (c *Coordinator) lockFor(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[key] = l
	}
	return l
}

// Keys returns how many per-key locks have been created.
func (c *Coordinator) Keys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

// Acquire takes a global permit and then the lock for key. The returned
// release func gives them back in reverse order and is safe to call once.
// Waiting stops early only if ctx is done.
func (c *Coordinator) Acquire(ctx context.Context, key string) (release func(), err error) {
	if key == "" {
		return nil, fmt.Errorf("coord: empty key")
	}
	if err := c.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	l := c.lockFor(key)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		c.permits.Release(1)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-l
			c.permits.Release(1)
		})
	}, nil
}

// Guard runs fn while holding the guard for key. The guard is released on
// every exit path, including a panic in fn.
func (c *Coordinator) Guard(ctx context.Context, key string, fn func(context.Context) error) error {
	release, err := c.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
