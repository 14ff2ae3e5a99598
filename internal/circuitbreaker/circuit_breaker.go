// Package circuitbreaker stops photo copies hammering a CDN host that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/activity-migrator/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means calls are allowed
	StateClosed State = "closed"
	// StateOpen means calls are rejected until the cool-down elapses
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe calls are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name string
	// ConsecutiveFailures opens the circuit
	ConsecutiveFailures int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// HalfOpenProbes successful probes close the circuit again
	HalfOpenProbes int
	// IsFailure decides which errors count. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig returns the photo host defaults: open after 5 straight
// failures, probe again after a minute.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                name,
		ConsecutiveFailures: 5,
		Cooldown:            time.Minute,
		HalfOpenProbes:      1,
	}
}

// CircuitBreaker guards calls to one downstream host
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probesInFlight   int
	probeSuccesses   int
	openedAt         time.Time
	rejected         int
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(cfg *Config) *CircuitBreaker {
	c := *cfg
	if c.ConsecutiveFailures <= 0 {
		c.ConsecutiveFailures = 1
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return &CircuitBreaker{cfg: c, now: time.Now, state: StateClosed}
}

// WithClock replaces the breaker's time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probesInFlight = 0
		cb.probeSuccesses = 0
		logging.WithField("circuitBreaker", cb.cfg.Name).Info("Circuit breaker half-open")
		fallthrough
	case StateHalfOpen:
		if cb.probesInFlight >= cb.cfg.HalfOpenProbes {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.probesInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err))

	switch cb.state {
	case StateClosed:
		if !failed {
			cb.consecutiveFails = 0
			return
		}
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.cfg.ConsecutiveFailures {
			cb.open()
		}
	case StateHalfOpen:
		cb.probesInFlight--
		if failed {
			cb.open()
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.HalfOpenProbes {
			cb.state = StateClosed
			cb.consecutiveFails = 0
			logging.WithField("circuitBreaker", cb.cfg.Name).Info("Circuit breaker closed after successful probe")
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	logging.WithFields(map[string]interface{}{
		"circuitBreaker":   cb.cfg.Name,
		"consecutiveFails": cb.consecutiveFails,
		"cooldown":         cb.cfg.Cooldown.String(),
	}).Warn("Circuit breaker opened")
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a snapshot of one breaker
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	Rejected         int       `json:"rejected"`
	OpenedAt         time.Time `json:"openedAt"`
}

// GetStats returns a snapshot of the breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:             cb.cfg.Name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		Rejected:         cb.rejected,
		OpenedAt:         cb.openedAt,
	}
}

// Manager hands out one breaker per key, usually a host name
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	template Config
	now      func() time.Time
}

// NewManager creates breakers from template on first use of a key
func NewManager(template *Config) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		template: *template,
		now:      time.Now,
	}
}

// WithClock sets the time source of every breaker created afterwards
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Get returns the breaker for key, creating it if needed
func (m *Manager) Get(key string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[key]; ok {
		return cb
	}
	cfg := m.template
	cfg.Name = key
	cb := NewCircuitBreaker(&cfg).WithClock(m.now)
	m.breakers[key] = cb
	return cb
}

// AllStats returns a snapshot of every breaker
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.breakers))
	for k, cb := range m.breakers {
		out[k] = cb.GetStats()
	}
	return out
}
