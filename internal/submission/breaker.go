package submission

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/careportal/internal/config"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets trial calls through until the success threshold is met.
	BreakerHalfOpen
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("submission: circuit breaker is open")

// minRateSamples is the number of calls a window must hold before the
// error rate can trip the breaker.
const minRateSamples = 10

// BreakerOption customises a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock replaces time.Now.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked, outside the lock, whenever
// the breaker changes state.
func WithStateChange(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker guards one downstream service. It opens after a run of
// consecutive failures or when the failure ratio inside a tumbling window
// crosses the configured threshold.
type Breaker struct {
	mu       sync.Mutex
	now      func() time.Time
	cfg      config.CircuitBreakerConfig
	onChange func(from, to BreakerState)

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowCalls    int
	windowFailures int
}

// NewBreaker builds a breaker from service configuration, filling in
// defaults for unset thresholds.
func NewBreaker(cfg config.CircuitBreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from, to := b.refresh()
	open := b.state == BreakerOpen
	b.mu.Unlock()
	b.notify(from, to)

	if open {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess notes a call that reached the service and was handled.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerClosed:
		b.failures = 0
		b.countCall(false)
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.moveTo(BreakerClosed)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// RecordFailure notes a call that failed for infrastructure reasons.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case BreakerClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.moveTo(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.moveTo(BreakerOpen)
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// State returns the current state, promoting Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	from, to := b.refresh()
	s := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return s
}

// ErrorRate returns the failure ratio and call count of the current window.
func (b *Breaker) ErrorRate() (float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowCalls == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowCalls), b.windowCalls
}

// refresh must be called with the lock held.
func (b *Breaker) refresh() (BreakerState, BreakerState) {
	from := b.state
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.moveTo(BreakerHalfOpen)
	}
	return from, b.state
}

func (b *Breaker) moveTo(s BreakerState) {
	b.state = s
	b.failures = 0
	b.successes = 0
	if s == BreakerOpen {
		b.openedAt = b.now()
	}
	b.resetWindow()
}

func (b *Breaker) notify(from, to BreakerState) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) countCall(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindow() {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.cfg.ErrorRateThreshold
}
