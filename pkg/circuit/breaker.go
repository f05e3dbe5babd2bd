// Package circuit guards submission paths with circuit breakers, so a
// failing endpoint sheds load instead of dragging every dispatch through
// its timeout.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

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

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration.
type Config struct {
	Name          string
	MaxFailures   int           // consecutive failures before opening
	Timeout       time.Duration // open duration before probing
	HalfOpenMax   int           // concurrent probes allowed half-open
	OnStateChange func(name string, from, to State)
}

// Breaker trips after consecutive failures, rejects while open, and
// probes with a bounded number of requests before closing again. All
// state lives under one mutex.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenInUse int
	openedAt      time.Time

	now func() time.Time
}

// NewBreaker creates a circuit breaker.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Execute runs fn under the breaker. A context already done is returned
// as-is without touching breaker state.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(b.openedAt) <= b.cfg.Timeout {
			return ErrCircuitOpen
		}
		b.transitionTo(StateHalfOpen)
		b.halfOpenInUse = 1
		return nil

	case StateHalfOpen:
		if b.halfOpenInUse >= b.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		b.halfOpenInUse++
		return nil

	default:
		return errors.New("unknown state")
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.halfOpenInUse--
		if !success {
			b.openedAt = b.now()
			b.transitionTo(StateOpen)
			return
		}
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.transitionTo(StateClosed)
		}
	}
}

// transitionTo changes state and resets counters. Caller holds the lock.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	if oldState == newState {
		return
	}
	b.state = newState
	b.failures = 0
	b.successes = 0
	if newState != StateHalfOpen {
		b.halfOpenInUse = 0
	}

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, oldState, newState)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset returns the breaker to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failures = 0
	b.successes = 0
	b.halfOpenInUse = 0
}

// ForceOpen trips the breaker immediately.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = b.now()
	b.transitionTo(StateOpen)
}

// BreakerGroup keeps one breaker per named submission path.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
}

// NewBreakerGroup creates a breaker group with a shared default config.
func NewBreakerGroup(defaultConfig Config) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

// Get returns or creates the breaker for the given name.
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.RLock()
	b, exists := g.breakers[name]
	g.mu.RUnlock()
	if exists {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, exists = g.breakers[name]; exists {
		return b
	}

	cfg := g.config
	cfg.Name = name
	b = NewBreaker(cfg)
	g.breakers[name] = b
	return b
}

// Execute runs fn under the named breaker.
func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func() error) error {
	return g.Get(name).Execute(ctx, fn)
}

// States returns the state of every breaker in the group.
func (g *BreakerGroup) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}
