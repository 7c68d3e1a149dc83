package realtime

import (
	"sync"
	"time"
)

const (
	DefaultReconnectBase    = time.Second
	DefaultReconnectMax     = 30 * time.Second
	DefaultReconnectCeiling = 5
)

// Backoff counts consecutive reconnect attempts. The delay before attempt n
// is min(base*2^(n-1), max); once ceiling attempts have been scheduled the
// counter refuses further ones until Reset.
type Backoff struct {
	mu       sync.RWMutex
	base     time.Duration
	max      time.Duration
	ceiling  int
	attempts int
}

func NewBackoff(base, max time.Duration, ceiling int) *Backoff {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max < base {
		max = base
	}
	if ceiling < 0 {
		ceiling = 0
	}
	return &Backoff{base: base, max: max, ceiling: ceiling}
}

// Next claims the next attempt. It returns false when the ceiling has been
// reached; the attempt count is left unchanged in that case.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= b.ceiling {
		return 0, false
	}
	b.attempts++
	return b.delay(b.attempts), true
}

func (b *Backoff) delay(attempt int) time.Duration {
	d := b.base
	for i := 1; i < attempt; i++ {
		if d >= b.max/2 {
			return b.max
		}
		d *= 2
	}
	return min(d, b.max)
}

// Reset clears the attempt count after a successful open.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts
}

func (b *Backoff) Exhausted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts >= b.ceiling
}
