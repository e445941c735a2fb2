package logging

import (
	"sync"
	"time"
)

// Limiter throttles repetitive log lines per key. A malformed request
// repeated by a misbehaving master at bus speed would otherwise flood
// the log from inside the control loop.
type Limiter struct {
	every time.Duration
	now   func() time.Time

	mu   sync.Mutex
	keys map[string]*limitState
}

type limitState struct {
	last       time.Time
	suppressed int
}

// NewLimiter allows one line per key per interval.
func NewLimiter(every time.Duration) *Limiter {
	return &Limiter{every: every, now: time.Now, keys: make(map[string]*limitState)}
}

// Allow reports whether a line for key may be logged now, and how many
// lines for key were suppressed since the last allowed one.
func (r *Limiter) Allow(key string) (bool, int) {
	if r == nil || r.every <= 0 {
		return true, 0
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.keys[key]
	if !ok {
		r.keys[key] = &limitState{last: now}
		return true, 0
	}
	if now.Sub(st.last) < r.every {
		st.suppressed++
		return false, 0
	}
	n := st.suppressed
	st.last, st.suppressed = now, 0
	return true, n
}
