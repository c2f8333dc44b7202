// Package backoff schedules upstream reconnection attempts for one session.
package backoff

import (
	"math/rand"
	"sync"
	"time"

	expbackoff "github.com/cenkalti/backoff/v4"
)

// Config tunes the retry schedule.
type Config struct {
	Base        time.Duration // first retry delay
	Max         time.Duration // delay ceiling
	Growth      float64       // exponential growth factor
	Jitter      time.Duration // additive random jitter in [0, Jitter)
	MaxAttempts int           // attempts after which Next reports permanent failure
}

// DefaultConfig matches the pool-leg retry schedule the relay ships with.
func DefaultConfig() Config {
	return Config{
		Base:        5 * time.Second,
		Max:         120 * time.Second,
		Growth:      1.5,
		Jitter:      2 * time.Second,
		MaxAttempts: 5,
	}
}

// Scheduler computes backoff delays and owns the pending retry timer for one
// session's upstream leg. It is safe for concurrent use.
type Scheduler struct {
	cfg Config

	mu       sync.Mutex
	exp      *expbackoff.ExponentialBackOff
	attempts int
	timer    *time.Timer
	stopped  bool
}

// NewScheduler creates a scheduler with zero attempts recorded.
func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{cfg: cfg}
	s.exp = s.newBackOff()
	return s
}

func (s *Scheduler) newBackOff() *expbackoff.ExponentialBackOff {
	exp := expbackoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.Base
	exp.MaxInterval = s.cfg.Max
	exp.Multiplier = s.cfg.Growth
	// Jitter is additive and bounded, applied in Next; the multiplicative
	// randomization would break the non-decreasing delay guarantee.
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// Next returns the delay before the next attempt and increments the attempt
// count. The second return is false once MaxAttempts is exceeded; the caller
// must stop retrying and tear the session down.
func (s *Scheduler) Next() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts > s.cfg.MaxAttempts {
		return 0, false
	}
	d := s.exp.NextBackOff()
	if d == expbackoff.Stop {
		d = s.cfg.Max
	}
	if s.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.cfg.Jitter)))
	}
	return d, true
}

// Schedule arms a retry timer running fn after the next backoff delay and
// returns that delay. It returns false, without arming anything, when the
// attempt budget is exhausted or the scheduler has been cancelled.
func (s *Scheduler) Schedule(fn func()) (time.Duration, bool) {
	d, ok := s.Next()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, false
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fn)
	return d, true
}

// Reset clears attempt bookkeeping after a successful connect.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.exp = s.newBackOff()
}

// Cancel stops any pending retry and prevents further scheduling. Called when
// the session closes for another reason first.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Attempts returns the number of attempts recorded since the last reset.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}
