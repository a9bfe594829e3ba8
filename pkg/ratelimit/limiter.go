// Package ratelimit provides keyed token buckets shared by outbound calls.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dukex/autoflow/pkg/clock"
	"golang.org/x/time/rate"
)

// Bucket configures one token bucket: Burst tokens of capacity refilled at
// PerSecond tokens per second.
type Bucket struct {
	Burst     int
	PerSecond float64
}

// Config holds the default bucket and overrides. An override applies to a key
// equal to it, or starting with it when the override ends with '*'.
type Config struct {
	Default   Bucket
	Overrides map[string]Bucket
}

func DefaultConfig() Config {
	return Config{Default: Bucket{Burst: 5, PerSecond: 1}}
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	config  Config
	clock   clock.Clock
	buckets map[string]*entry
}

func New(config Config, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.RealClock{}
	}

	return &Limiter{
		config:  config,
		clock:   c,
		buckets: make(map[string]*entry),
	}
}

// TryAcquire takes cost tokens from the bucket of key. A rejected acquire
// leaves the bucket untouched.
func (l *Limiter) TryAcquire(key string, cost int) bool {
	if cost <= 0 {
		cost = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()

	e, ok := l.buckets[key]
	if !ok {
		bucket := l.bucketFor(key)
		e = &entry{limiter: rate.NewLimiter(rate.Limit(bucket.PerSecond), bucket.Burst)}
		l.buckets[key] = e
	}

	e.lastSeen = now

	return e.limiter.AllowN(now, cost)
}

// Evict drops buckets idle for longer than idle. A dropped bucket restarts full.
func (l *Limiter) Evict(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-idle)
	removed := 0

	for key, e := range l.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}

	return removed
}

func (l *Limiter) bucketFor(key string) Bucket {
	if bucket, ok := l.config.Overrides[key]; ok {
		return bucket
	}

	best := ""

	for pattern := range l.config.Overrides {
		prefix, ok := strings.CutSuffix(pattern, "*")
		if ok && strings.HasPrefix(key, prefix) && len(prefix) > len(best) {
			best = pattern
		}
	}

	if best != "" {
		return l.config.Overrides[best]
	}

	return l.config.Default
}

// ParseOverride parses "key=burst:perSecond", the form used by the --rate-limit flag.
func ParseOverride(raw string) (string, Bucket, error) {
	key, spec, ok := strings.Cut(raw, "=")
	if !ok || key == "" {
		return "", Bucket{}, fmt.Errorf("rate limit %q: expected key=burst:rate", raw)
	}

	bucket, err := ParseBucket(spec)
	if err != nil {
		return "", Bucket{}, fmt.Errorf("rate limit %q: %w", raw, err)
	}

	return key, bucket, nil
}

// ParseBucket parses "burst:perSecond".
func ParseBucket(spec string) (Bucket, error) {
	burstRaw, rateRaw, ok := strings.Cut(spec, ":")
	if !ok {
		return Bucket{}, fmt.Errorf("bucket %q: expected burst:rate", spec)
	}

	burst, err := strconv.Atoi(burstRaw)
	if err != nil || burst < 0 {
		return Bucket{}, fmt.Errorf("bucket %q: invalid burst", spec)
	}

	perSecond, err := strconv.ParseFloat(rateRaw, 64)
	if err != nil || perSecond < 0 {
		return Bucket{}, fmt.Errorf("bucket %q: invalid rate", spec)
	}

	return Bucket{Burst: burst, PerSecond: perSecond}, nil
}
