// Package claim provides short lived exclusive claims on string keys, used to
// drop duplicate trigger deliveries.
package claim

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/clock"
)

// Claimer grants a key to the first caller until the TTL expires.
type Claimer interface {
	// Claim returns true when the caller now owns key.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release gives key up before its TTL so it can be claimed again.
	Release(ctx context.Context, key string) error
	Close() error
}

// Memory is a process local Claimer.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
}

func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.RealClock{}
	}

	return &Memory{clock: c, expires: make(map[string]time.Time)}
}

func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	if expiry, ok := m.expires[key]; ok && now.Before(expiry) {
		return false, nil
	}

	m.expires[key] = now.Add(ttl)
	m.sweep(now)

	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.expires, key)

	return nil
}

func (m *Memory) Close() error {
	return nil
}

// sweep drops expired keys once the map grows.
func (m *Memory) sweep(now time.Time) {
	if len(m.expires) < 1024 {
		return
	}

	for key, expiry := range m.expires {
		if !now.Before(expiry) {
			delete(m.expires, key)
		}
	}
}
