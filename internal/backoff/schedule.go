package backoff

import (
	"sync"
	"time"
)

// Schedule tracks attempts against a bounded policy. It is safe for
// concurrent use.
type Schedule struct {
	mu          sync.Mutex
	policy      Policy
	maxAttempts int
	attempt     int
	rand        func() float64
}

// NewSchedule returns a schedule that allows maxAttempts retries.
// A non-positive maxAttempts means no retries at all.
func NewSchedule(policy Policy, maxAttempts int) *Schedule {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return &Schedule{policy: policy.Normalize(), maxAttempts: maxAttempts}
}

// SetRandFunc replaces the jitter source. Intended for tests.
func (s *Schedule) SetRandFunc(fn func() float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rand = fn
}

// Next consumes one attempt and returns its delay. ok is false once the
// schedule is exhausted; the attempt counter is not advanced in that case.
func (s *Schedule) Next() (attempt int, delay time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt >= s.maxAttempts {
		return s.attempt, 0, false
	}
	s.attempt++
	if s.rand != nil {
		return s.attempt, s.policy.DelayWithRand(s.attempt, s.rand()), true
	}
	return s.attempt, s.policy.Delay(s.attempt), true
}

// Attempts returns how many attempts have been consumed since the last Reset.
func (s *Schedule) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Exhausted reports whether every attempt has been consumed.
func (s *Schedule) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt >= s.maxAttempts
}

// Reset starts counting from zero again.
func (s *Schedule) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt = 0
}

// Max returns the attempt bound.
func (s *Schedule) Max() int {
	return s.maxAttempts
}
