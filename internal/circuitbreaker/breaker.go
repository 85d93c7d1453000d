// Package circuitbreaker stops result delivery to an endpoint that keeps
// failing, and lets a few trial requests through once the open period ends.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
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
	ErrOpenState       = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	// MaxRequests bounds the trial requests while half-open.
	MaxRequests uint32
	// Interval is how often the closed state clears its counts.
	Interval time.Duration
	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration
	// Threshold is the number of requests needed before the failure ratio is
	// evaluated, and the successes needed to close again from half-open.
	Threshold    uint32
	FailureRatio float64

	OnStateChange func(name string, from, to State)
}

func DefaultConfig() Config {
	return Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		Threshold:    5,
		FailureRatio: 0.6,
	}
}

type counts struct {
	requests uint32
	total    uint32
	failures uint32
}

type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts counts
	expiry time.Time
}

func New(name string, config Config) *CircuitBreaker {
	def := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Interval == 0 {
		config.Interval = def.Interval
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Threshold == 0 {
		config.Threshold = def.Threshold
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = def.FailureRatio
	}
	cb := &CircuitBreaker{name: name, config: config, now: time.Now}
	cb.toNewGeneration(cb.now())
	return cb
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(cb.now())
}

// Execute runs fn unless the breaker is open. fn's error counts as a failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(cb.now()) {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if cb.counts.requests >= cb.config.MaxRequests {
			return ErrTooManyRequests
		}
	}
	cb.counts.requests++
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.currentState(now) {
	case StateClosed:
		cb.counts.total++
		if !success {
			cb.counts.failures++
		}
		if cb.counts.total >= cb.config.Threshold &&
			float64(cb.counts.failures)/float64(cb.counts.total) >= cb.config.FailureRatio {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		if !success {
			cb.setState(StateOpen, now)
			return
		}
		cb.counts.total++
		if cb.counts.total >= cb.config.Threshold {
			cb.setState(StateClosed, now)
		}
	}
}

// currentState applies any transition that is due at now.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.toNewGeneration(now)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.counts = counts{}
	switch cb.state {
	case StateClosed:
		cb.expiry = now.Add(cb.config.Interval)
	case StateOpen:
		cb.expiry = now.Add(cb.config.Timeout)
	default:
		cb.expiry = time.Time{}
	}
}

// Group keeps one breaker per endpoint.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

func NewGroup(config Config) *Group {
	return &Group{breakers: make(map[string]*CircuitBreaker), config: config}
}

func (g *Group) Execute(endpoint string, fn func() error) error {
	return g.get(endpoint).Execute(fn)
}

func (g *Group) get(endpoint string) *CircuitBreaker {
	g.mu.RLock()
	b, ok := g.breakers[endpoint]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.breakers[endpoint]; ok {
		return b
	}
	b = New(endpoint, g.config)
	g.breakers[endpoint] = b
	return b
}

func (g *Group) State(endpoint string) State {
	return g.get(endpoint).State()
}

// States reports the state of every endpoint seen so far.
func (g *Group) States() map[string]State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]State, len(g.breakers))
	for ep, b := range g.breakers {
		out[ep] = b.State()
	}
	return out
}

func (g *Group) Reset(endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.breakers, endpoint)
}
