package breaker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config is the per-dependency policy. Zero fields fall back to defaults.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	RequestTimeout   time.Duration
	TrackTimeouts    bool
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		RequestTimeout:   15 * time.Second,
		TrackTimeouts:    true,
	}
}

func (c Config) withDefaults(defaults Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	return c
}

// Stats is a point-in-time snapshot of one dependency's circuit.
type Stats struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at"`
	LastSuccessAt        time.Time `json:"last_success_at"`
	LastTransitionAt     time.Time `json:"last_transition_at"`
	TotalRequests        uint64    `json:"total_requests"`
	TotalFailures        uint64    `json:"total_failures"`
	TotalSuccesses       uint64    `json:"total_successes"`
}

// OpenError is returned without invoking the wrapped operation when the
// dependency's circuit is open.
type OpenError struct {
	Dependency string
	Stats      Stats
}

func (e *OpenError) Error() string {
	return fmt.Sprintf(
		"circuit open for %s (failures=%d, last_transition=%s)",
		e.Dependency, e.Stats.ConsecutiveFailures, e.Stats.LastTransitionAt.Format(time.RFC3339),
	)
}

// TimeoutError is returned when the wrapped operation lost the race against
// the configured request timeout.
type TimeoutError struct {
	Dependency string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call to %s timed out after %s", e.Dependency, e.Timeout)
}

// circuit holds the mutable state for one dependency name. Each circuit has
// its own lock so different dependencies never block each other.
type circuit struct {
	mu     sync.Mutex
	config Config

	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	lastSuccessAt        time.Time
	lastTransitionAt     time.Time
	totalRequests        uint64
	totalFailures        uint64
	totalSuccesses       uint64
}

// Registry is the shared authority for circuit state, keyed by dependency
// name. Circuits are created lazily in the closed state and live only in
// process memory; a restart starts everything closed again.
type Registry struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	defaults Config
	logger   *log.Logger
	now      func() time.Time
}

func NewRegistry(defaults Config, logger *log.Logger) *Registry {
	return &Registry{
		circuits: make(map[string]*circuit),
		defaults: defaults.withDefaults(DefaultConfig()),
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Registry) circuitFor(name string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.circuits[name]
	if !ok {
		c = &circuit{
			config:           r.defaults,
			state:            StateClosed,
			lastTransitionAt: r.now(),
		}
		r.circuits[name] = c
	}
	return c
}

// Configure replaces the policy for one dependency. Accumulated counters and
// the current state are kept.
func (r *Registry) Configure(name string, cfg Config) {
	c := r.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg.withDefaults(r.defaults)
}

type callOptions struct {
	timeout time.Duration
}

type CallOption func(*callOptions)

// WithTimeout overrides the configured request timeout for a single call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// Do invokes fn guarded by the named circuit. When the circuit denies the
// call, fn is never invoked and an *OpenError is returned. Otherwise fn
// races a timer set to the request timeout; losing the race returns a
// *TimeoutError and, when the policy tracks timeouts, counts as a failure.
func (r *Registry) Do(ctx context.Context, name string, fn func(context.Context) error, opts ...CallOption) error {
	options := callOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	c := r.circuitFor(name)
	allowed, cfg, snapshot := r.allow(name, c)
	if !allowed {
		if r.logger != nil {
			r.logger.Printf(
				"breaker denied call dependency=%s state=%s consecutive_failures=%d",
				name, snapshot.State, snapshot.ConsecutiveFailures,
			)
		}
		return &OpenError{Dependency: name, Stats: snapshot}
	}

	timeout := cfg.RequestTimeout
	if options.timeout > 0 {
		timeout = options.timeout
	}

	// The timer below is the timeout authority; the derived context is only
	// cancelled on return so a timed-out operation stops doing work.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			r.recordFailure(name, c)
			return err
		}
		r.recordSuccess(name, c)
		return nil
	case <-timer.C:
		if cfg.TrackTimeouts {
			r.recordFailure(name, c)
		}
		return &TimeoutError{Dependency: name, Timeout: timeout}
	case <-ctx.Done():
		// Caller went away; not evidence about the dependency's health.
		return ctx.Err()
	}
}

// CanRequest reports whether a call to the named dependency would be
// permitted right now. Checking an open circuit whose recovery timeout has
// elapsed transitions it to half-open, same as Do.
func (r *Registry) CanRequest(name string) bool {
	c := r.circuitFor(name)
	allowed, _, _ := r.allow(name, c)
	return allowed
}

func (r *Registry) allow(name string, c *circuit) (bool, Config, Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed, StateHalfOpen:
		return true, c.config, statsLocked(name, c)
	case StateOpen:
		if r.now().Sub(c.lastTransitionAt) >= c.config.RecoveryTimeout {
			r.transitionLocked(name, c, StateHalfOpen)
			return true, c.config, statsLocked(name, c)
		}
		return false, c.config, statsLocked(name, c)
	default:
		return false, c.config, statsLocked(name, c)
	}
}

// RecordSuccess reports an externally observed success against the circuit.
func (r *Registry) RecordSuccess(name string) {
	r.recordSuccess(name, r.circuitFor(name))
}

// RecordFailure reports an externally observed failure against the circuit.
func (r *Registry) RecordFailure(name string) {
	r.recordFailure(name, r.circuitFor(name))
}

func (r *Registry) recordSuccess(name string, c *circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	c.totalSuccesses++
	c.lastSuccessAt = r.now()
	c.consecutiveFailures = 0
	c.consecutiveSuccesses++

	if c.state == StateHalfOpen && c.consecutiveSuccesses >= c.config.SuccessThreshold {
		c.consecutiveSuccesses = 0
		c.consecutiveFailures = 0
		r.transitionLocked(name, c, StateClosed)
	}
}

func (r *Registry) recordFailure(name string, c *circuit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	c.totalFailures++
	c.lastFailureAt = r.now()
	c.consecutiveSuccesses = 0
	c.consecutiveFailures++

	switch c.state {
	case StateClosed:
		if c.consecutiveFailures >= c.config.FailureThreshold {
			r.transitionLocked(name, c, StateOpen)
		}
	case StateHalfOpen:
		// A single failure during the trial period reopens the circuit.
		r.transitionLocked(name, c, StateOpen)
	}
}

// Stats returns a snapshot of one dependency's circuit.
func (r *Registry) Stats(name string) Stats {
	c := r.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	return statsLocked(name, c)
}

// AllStats returns snapshots for every circuit seen so far.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	r.mu.Unlock()

	all := make([]Stats, 0, len(names))
	for _, name := range names {
		all = append(all, r.Stats(name))
	}
	return all
}

// ForceOpen pins the circuit open for maintenance windows.
func (r *Registry) ForceOpen(name string) {
	c := r.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		r.transitionLocked(name, c, StateOpen)
	}
}

// ForceClose returns the circuit to closed with counters cleared.
func (r *Registry) ForceClose(name string) {
	c := r.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	if c.state != StateClosed {
		r.transitionLocked(name, c, StateClosed)
	}
}

// Reset discards all accumulated counters and closes the circuit.
func (r *Registry) Reset(name string) {
	c := r.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.totalRequests = 0
	c.totalFailures = 0
	c.totalSuccesses = 0
	c.lastFailureAt = time.Time{}
	c.lastSuccessAt = time.Time{}
	if c.state != StateClosed {
		r.transitionLocked(name, c, StateClosed)
	} else {
		c.lastTransitionAt = r.now()
	}
}

// ResetAll resets every known circuit.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	r.mu.Unlock()

	for _, name := range names {
		r.Reset(name)
	}
}

// transitionLocked must be called with c.mu held.
func (r *Registry) transitionLocked(name string, c *circuit, next State) {
	previous := c.state
	c.state = next
	c.lastTransitionAt = r.now()
	if r.logger != nil {
		r.logger.Printf(
			"breaker transition dependency=%s from=%s to=%s consecutive_failures=%d consecutive_successes=%d",
			name, previous, next, c.consecutiveFailures, c.consecutiveSuccesses,
		)
	}
}

func statsLocked(name string, c *circuit) Stats {
	return Stats{
		Name:                 name,
		State:                c.state,
		ConsecutiveFailures:  c.consecutiveFailures,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		LastFailureAt:        c.lastFailureAt,
		LastSuccessAt:        c.lastSuccessAt,
		LastTransitionAt:     c.lastTransitionAt,
		TotalRequests:        c.totalRequests,
		TotalFailures:        c.totalFailures,
		TotalSuccesses:       c.totalSuccesses,
	}
}
