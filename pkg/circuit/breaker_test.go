package circuit

import (
	"errors"
	"testing"
	"time"
)

func newTestBreaker(clock *fakeClock) *Breaker {
	b := NewBreaker(Config{
		Name:             "test",
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	})
	b.now = clock.Now
	return b
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	errBoom := errors.New("boom")

	// Two failures keep the breaker closed
	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	if got := b.State(); got != StateClosed {
		t.Fatalf("after 2 failures state = %s, want %s", got, StateClosed)
	}
	if !b.Allow() {
		t.Fatal("closed breaker should allow attempts")
	}

	// Third failure trips it
	b.RecordFailure(errBoom)
	if got := b.State(); got != StateOpen {
		t.Fatalf("after 3 failures state = %s, want %s", got, StateOpen)
	}
	if b.Allow() {
		t.Fatal("open breaker should refuse attempts")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	errBoom := errors.New("boom")
	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	b.RecordSuccess()

	// The streak restarted, so two more failures must not open it
	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	errBoom := errors.New("boom")
	for i := 0; i < 3; i++ {
		b.RecordFailure(errBoom)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}

	clock.Advance(59 * time.Second)
	if b.Allow() {
		t.Fatal("breaker should stay open before the cooldown elapses")
	}

	clock.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should allow a probe after the cooldown")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want %s", got, StateHalfOpen)
	}
}

func TestBreakerClosesAfterHalfOpenSuccesses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	errBoom := errors.New("boom")
	for i := 0; i < 3; i++ {
		b.RecordFailure(errBoom)
	}
	clock.Advance(61 * time.Second)

	b.RecordSuccess()
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("after 1 probe success state = %s, want %s", got, StateHalfOpen)
	}

	b.RecordSuccess()
	if got := b.State(); got != StateClosed {
		t.Fatalf("after 2 probe successes state = %s, want %s", got, StateClosed)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	errBoom := errors.New("boom")
	for i := 0; i < 3; i++ {
		b.RecordFailure(errBoom)
	}
	clock.Advance(61 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %s, want %s", got, StateHalfOpen)
	}

	// A single probe failure re-opens and restarts the cooldown
	b.RecordFailure(errBoom)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want %s", got, StateOpen)
	}

	clock.Advance(30 * time.Second)
	if b.Allow() {
		t.Fatal("cooldown must restart from the half-open failure")
	}
	clock.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should probe again after the fresh cooldown")
	}
}

func TestErrOpenIsTyped(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newTestBreaker(clock)

	err := b.ErrOpen()
	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("ErrOpen() = %T, want *OpenError", err)
	}
	if openErr.Name != "test" {
		t.Errorf("OpenError.Name = %q, want %q", openErr.Name, "test")
	}
}
