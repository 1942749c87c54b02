// Package resilience guards restartable resources with a circuit breaker.
//
// [Breaker] is a three-state breaker (closed → open → half-open) whose open
// window doubles after every failed probe, up to a ceiling. The voice bridge
// client uses it to stop respawning a bridge process that keeps crashing.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Allow] while the breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every attempt.
	StateClosed State = iota

	// StateOpen rejects attempts with [ErrOpen] until the open window
	// elapses.
	StateOpen

	// StateHalfOpen admits a single probe. Its outcome closes or re-opens
	// the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 3.
	MaxFailures int

	// OpenFor is the first open window. Default: 1s.
	OpenFor time.Duration

	// MaxOpenFor caps the doubling open window. Default: 30s.
	MaxOpenFor time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Breaker tracks consecutive failures of a guarded operation.
type Breaker struct {
	name        string
	maxFailures int
	openFor     time.Duration
	maxOpenFor  time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	window   time.Duration
	openedAt time.Time
	probing  bool
}

// New creates a closed [Breaker]. Zero-value config fields get defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = time.Second
	}
	if cfg.MaxOpenFor < cfg.OpenFor {
		cfg.MaxOpenFor = max(30*time.Second, cfg.OpenFor)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		openFor:     cfg.OpenFor,
		maxOpenFor:  cfg.MaxOpenFor,
		now:         cfg.Now,
		window:      cfg.OpenFor,
	}
}

// Allow reports whether an attempt may proceed. In the half-open state only
// the first caller is admitted; it must report back with Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.window {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		slog.Info("circuit half-open, probing", "name", b.name)
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

// Success records a healthy outcome and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		slog.Info("circuit closed", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.window = b.openFor
}

// Failure records a failed outcome. A failed probe re-opens the breaker
// with twice the previous window.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.window = min(b.window*2, b.maxOpenFor)
		b.openLocked()
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.openLocked()
		}
	}
}

func (b *Breaker) openLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.probing = false
	slog.Warn("circuit opened", "name", b.name, "failures", b.failures, "retry_in", b.window)
}

// State returns the current state. An open breaker whose window has elapsed
// reports [StateHalfOpen]; the transition itself happens in Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.window {
		return StateHalfOpen
	}
	return b.state
}

// RetryIn returns how long an open breaker keeps rejecting attempts.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	return max(b.window-b.now().Sub(b.openedAt), 0)
}

// Reset forces the breaker back to [StateClosed].
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.window = b.openFor
}
