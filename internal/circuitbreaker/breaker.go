// Package circuitbreaker implements the circuit breaker pattern protecting
// the counter store and the config store. Breakers use a count-based
// sliding window over the last N calls; only transport-class failures
// count against the window.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // failure rate exceeded, calls blocked
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker.
	Name string

	// WindowSize is the number of most recent calls tracked in CLOSED state.
	WindowSize int

	// MinimumCalls is the number of recorded calls required before the
	// failure rate is evaluated.
	MinimumCalls int

	// FailureRateThreshold is the percentage of failures that trips the
	// breaker once MinimumCalls is reached.
	FailureRateThreshold float64

	// OpenDuration is how long the breaker stays OPEN before probing.
	OpenDuration time.Duration

	// HalfOpenCalls is the number of probe calls permitted in HALF_OPEN.
	HalfOpenCalls int

	// IsFailure classifies which errors count against the window.
	// Nil means every non-nil error counts.
	IsFailure func(error) bool

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the baseline breaker settings.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                 name,
		WindowSize:           10,
		MinimumCalls:         5,
		FailureRateThreshold: 50,
		OpenDuration:         5 * time.Second,
		HalfOpenCalls:        3,
		OnStateChange: func(name string, from, to State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// window is a fixed-size ring of call outcomes.
type window struct {
	outcomes []bool // true = failure
	next     int
	filled   int
	failures int
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 10
	}
	return &window{outcomes: make([]bool, size)}
}

func (w *window) record(failure bool) {
	if w.filled == len(w.outcomes) {
		if w.outcomes[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.outcomes[w.next] = failure
	if failure {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.outcomes)
}

func (w *window) failureRate() float64 {
	if w.filled == 0 {
		return 0
	}
	return 100 * float64(w.failures) / float64(w.filled)
}

func (w *window) reset() {
	w.next = 0
	w.filled = 0
	w.failures = 0
}

// Counts is a snapshot of the breaker's current window.
type Counts struct {
	Calls    int
	Failures int
}

// CircuitBreaker guards a single downstream dependency.
type CircuitBreaker struct {
	cfg *Config

	mu        sync.Mutex
	state     State
	win       *window
	openUntil time.Time

	halfOpenInFlight  int
	halfOpenDone      int
	halfOpenSuccesses int
}

// New creates a circuit breaker.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.HalfOpenCalls <= 0 {
		cfg.HalfOpenCalls = 3
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		win:   newWindow(cfg.WindowSize),
	}
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state, applying the OPEN→HALF_OPEN timer.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Counts returns the current window snapshot.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Counts{Calls: cb.win.filled, Failures: cb.win.failures}
}

// Execute runs fn if the breaker allows it and records the outcome.
// While OPEN it fails immediately with ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	failure := err != nil
	if failure && cb.cfg.IsFailure != nil {
		failure = cb.cfg.IsFailure(err)
	}
	cb.afterRequest(failure)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenInFlight+cb.halfOpenDone >= cb.cfg.HalfOpenCalls {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(failure bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case StateClosed:
		cb.win.record(failure)
		if cb.win.filled >= cb.cfg.MinimumCalls && cb.win.failureRate() >= cb.cfg.FailureRateThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.halfOpenInFlight--
		cb.halfOpenDone++
		if failure {
			// Any probe failure reopens immediately.
			cb.setState(StateOpen, now)
			return
		}
		cb.halfOpenSuccesses++
		if cb.halfOpenDone >= cb.cfg.HalfOpenCalls {
			if 2*cb.halfOpenSuccesses > cb.cfg.HalfOpenCalls {
				cb.setState(StateClosed, now)
			} else {
				cb.setState(StateOpen, now)
			}
		}
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.After(cb.openUntil) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state

	cb.win.reset()
	cb.halfOpenInFlight = 0
	cb.halfOpenDone = 0
	cb.halfOpenSuccesses = 0
	if state == StateOpen {
		cb.openUntil = now.Add(cb.cfg.OpenDuration)
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// Manager holds the named breakers of the process.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates an empty breaker manager.
func NewManager() *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker)}
}

// GetOrCreate returns an existing breaker or registers one with cfg.
func (m *Manager) GetOrCreate(name string, cfg *Config) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[name]; exists {
		return cb
	}
	if cfg == nil {
		cfg = DefaultConfig(name)
	}
	cfg.Name = name
	cb = New(cfg)
	m.breakers[name] = cb
	return cb
}

// Stats contains a point-in-time view of one breaker.
type Stats struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Calls int    `json:"calls"`
	Fails int    `json:"failures"`
}

// Snapshot returns stats for every registered breaker.
func (m *Manager) Snapshot() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		c := cb.Counts()
		out[name] = Stats{Name: name, State: cb.State().String(), Calls: c.Calls, Fails: c.Failures}
	}
	return out
}

// HealthStatus reports DEGRADED if any breaker is open.
func (m *Manager) HealthStatus() (string, map[string]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]string, len(m.breakers))
	healthy := true
	for name, cb := range m.breakers {
		st := cb.State()
		statuses[name] = st.String()
		if st == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
