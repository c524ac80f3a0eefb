package fetch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// HostLimiter caps concurrent fetches per host. One limiter is shared
// by all workers of a session so the cap holds globally. With a cap of
// one, per-host fetches serialize and the policy's inter-request delay
// governs the true request rate.
type HostLimiter struct {
	mu    sync.Mutex
	sems  map[string]*semaphore.Weighted
	limit int64
}

// NewHostLimiter creates a limiter with the given per-host cap.
func NewHostLimiter(maxPerHost int) *HostLimiter {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 1
	}
	return &HostLimiter{
		sems:  make(map[string]*semaphore.Weighted),
		limit: limit,
	}
}

// Acquire takes one fetch slot for the host, blocking until a slot
// frees up or ctx is cancelled.
func (l *HostLimiter) Acquire(ctx context.Context, host string) error {
	return l.semFor(host).Acquire(ctx, 1)
}

// Release frees a slot previously taken with Acquire.
func (l *HostLimiter) Release(host string) {
	l.semFor(host).Release(1)
}

func (l *HostLimiter) semFor(host string) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[host]
	if !ok {
		sem = semaphore.NewWeighted(l.limit)
		l.sems[host] = sem
	}
	return sem
}
