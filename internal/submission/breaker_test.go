package submission

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/careportal/internal/config"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg config.CircuitBreakerConfig) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewBreaker(cfg, WithBreakerClock(clk.Now)), clk
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})
	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() = %v, want nil", err)
	}
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state after 2 failures = %v, want closed", s)
	}
	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state after 3 failures = %v, want open", s)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
}

func TestBreaker_successResetsRun(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if s := b.State(); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestBreaker_halfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          time.Second,
	})

	b.RecordFailure()
	clk.Advance(500 * time.Millisecond)
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state before cool-down = %v, want open", s)
	}

	clk.Advance(time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cool-down = %v", err)
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	b.RecordSuccess()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 trial call = %v, want half-open", s)
	}
	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 trial calls = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          time.Second,
	})

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	_ = b.Allow()
	b.RecordFailure()

	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_defaults(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{})

	for range 4 {
		b.RecordFailure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state after 4 failures = %v, want closed", s)
	}
	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state after 5 failures = %v, want open", s)
	}
}

func TestBreaker_errorRateTrips(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Minute,
	})

	for range 6 {
		b.RecordSuccess()
	}
	for range 4 {
		b.RecordFailure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state at 40%% = %v, want closed", s)
	}

	// 12 calls, 6 failures.
	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state at 50%% = %v, want open", s)
	}
}

func TestBreaker_errorRateNeedsSamples(t *testing.T) {
	b, _ := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.1,
		ErrorRateWindow:    time.Minute,
	})

	for range minRateSamples - 1 {
		b.RecordFailure()
	}
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state below sample floor = %v, want closed", s)
	}
	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Errorf("state at sample floor = %v, want open", s)
	}
}

func TestBreaker_errorRateWindowRolls(t *testing.T) {
	b, clk := newTestBreaker(config.CircuitBreakerConfig{
		FailureThreshold:   100,
		ErrorRateThreshold: 0.5,
		ErrorRateWindow:    time.Second,
	})

	b.RecordSuccess()
	b.RecordFailure()
	if _, calls := b.ErrorRate(); calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}

	clk.Advance(2 * time.Second)
	if rate, calls := b.ErrorRate(); calls != 0 || rate != 0 {
		t.Errorf("ErrorRate() after roll = (%f, %d), want (0, 0)", rate, calls)
	}
}

func TestBreaker_stateChangeCallback(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	var seen []string
	b := NewBreaker(
		config.CircuitBreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second},
		WithBreakerClock(clk.Now),
		WithStateChange(func(from, to BreakerState) {
			seen = append(seen, from.String()+">"+to.String())
		}),
	)

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	_ = b.Allow()
	b.RecordSuccess()

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestBreakerState_String(t *testing.T) {
	tests := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(42): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(s), got, want)
		}
	}
}
