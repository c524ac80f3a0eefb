package policy

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so backoff behavior is testable without sleeping.
type Clock interface {
	Now() time.Time

	// Sleep waits for d, respecting context cancellation.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// MockClock is a manually advanced clock for tests. Sleep advances the
// clock instead of waiting.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMockClock starts a mock clock at the given instant.
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

// Now returns the mock instant.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the mock clock forward.
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}

// Sleep advances the mock clock by d and returns immediately.
func (m *MockClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Advance(d)
	return nil
}
