// Package circuit implements a three-state circuit breaker guarding calls
// to a failing dependency. CLOSED passes calls through and counts failures;
// OPEN refuses calls until a cooldown elapses; HALF_OPEN probes recovery
// and closes again after enough consecutive successes.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds breaker thresholds
type Config struct {
	Name             string
	FailureThreshold int           // Consecutive failures before opening
	SuccessThreshold int           // Consecutive half-open successes before closing
	Timeout          time.Duration // OPEN cooldown before probing
}

// DefaultConfig returns the default breaker thresholds
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// Breaker is a thread-safe circuit breaker
type Breaker struct {
	cfg Config

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openedAt     time.Time

	// now is replaceable for tests
	now func() time.Time
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// State returns the current state, promoting OPEN to HALF_OPEN once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Allow reports whether an attempt may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state != StateOpen
}

// RecordSuccess registers a successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure registers a failed attempt.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()

	switch b.state {
	case StateHalfOpen:
		// Any failure while probing re-opens immediately.
		b.open()
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successCount = 0
}

// refreshLocked moves OPEN to HALF_OPEN when the cooldown has elapsed.
// Caller must hold b.mu.
func (b *Breaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = StateHalfOpen
		b.successCount = 0
	}
}

// OpenError is returned when the breaker refuses an attempt
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q is %s", e.Name, e.State)
}

// ErrOpen builds the refusal error for this breaker
func (b *Breaker) ErrOpen() error {
	return &OpenError{Name: b.cfg.Name, State: b.State()}
}
