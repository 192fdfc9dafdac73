package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	guardSweepInterval = time.Minute
	guardIdleAfter     = 10 * time.Minute
)

type userSem struct {
	sem      *semaphore.Weighted
	lastSeen time.Time
}

// Guard enforces the per-user concurrent-tool cap and the per-tool wall-clock
// timeout around every execution. Idle users are swept so the map stays
// bounded by the active population.
type Guard struct {
	mu      sync.Mutex
	sems    map[string]*userSem
	cap     int64
	timeout time.Duration

	idleAfter time.Duration
	stop      chan struct{}
	once      sync.Once
}

// NewGuard creates a Guard allowing maxConcurrent simultaneous tools per user
// and bounding each execution to timeout. It starts the idle sweep; call Close
// to stop it.
func NewGuard(maxConcurrent int, timeout time.Duration) *Guard {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	g := &Guard{
		sems:      make(map[string]*userSem),
		cap:       int64(maxConcurrent),
		timeout:   timeout,
		idleAfter: guardIdleAfter,
		stop:      make(chan struct{}),
	}
	go g.sweep()
	return g
}

// Acquire takes a slot for the user, blocking until one frees or ctx ends.
// The returned release must be called exactly once.
func (g *Guard) Acquire(ctx context.Context, userID string) (release func(), err error) {
	sem := g.semFor(userID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { sem.Release(1) })
	}, nil
}

// WithTimeout derives the execution context for one tool run.
func (g *Guard) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.timeout)
}

// Timeout reports the configured per-tool deadline.
func (g *Guard) Timeout() time.Duration { return g.timeout }

// Close stops the idle sweep.
func (g *Guard) Close() {
	g.once.Do(func() { close(g.stop) })
}

// Len reports the number of users with a live semaphore.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sems)
}

func (g *Guard) semFor(userID string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	us, ok := g.sems[userID]
	if !ok {
		us = &userSem{sem: semaphore.NewWeighted(g.cap)}
		g.sems[userID] = us
	}
	us.lastSeen = time.Now()
	return us.sem
}

func (g *Guard) sweep() {
	ticker := time.NewTicker(guardSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweepOnce()
		}
	}
}

// sweepOnce drops idle users. Acquiring the full weight proves no slot is
// held, so a user mid-execution is never reclaimed.
func (g *Guard) sweepOnce() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, us := range g.sems {
		if now.Sub(us.lastSeen) <= g.idleAfter {
			continue
		}
		if us.sem.TryAcquire(g.cap) {
			delete(g.sems, id)
		}
	}
}
