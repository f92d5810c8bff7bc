// Package circuitbreaker guards calls to remote collaborators (the vault
// registry, the remote classifier) with a per-upstream
// closed/open/half-open breaker.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vigilant",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by upstream, from-state, and to-state.",
}, []string{"upstream", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type upstream struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker tracks consecutive failures per upstream name. It opens after
// threshold failures and lets a single probe through once cooldown has
// elapsed.
type Breaker struct {
	mu        sync.Mutex
	upstreams map[string]*upstream
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(name string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// a 30s cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		upstreams: make(map[string]*upstream),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition sets a callback invoked (asynchronously) on state changes.
func (b *Breaker) OnTransition(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call to name may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		return true
	}

	switch u.state {
	case StateOpen:
		if b.now().Sub(u.openedAt) >= b.cooldown {
			b.transition(u, name, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		return
	}
	u.failures = 0
	if u.state == StateHalfOpen {
		b.transition(u, name, StateClosed)
	}
}

// RecordFailure counts a failure. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.upstreams[name]
	if !ok {
		u = &upstream{state: StateClosed}
		b.upstreams[name] = u
	}
	u.failures++

	switch {
	case u.state == StateHalfOpen:
		u.openedAt = b.now()
		b.transition(u, name, StateOpen)
	case u.state == StateClosed && u.failures >= b.threshold:
		u.openedAt = b.now()
		b.transition(u, name, StateOpen)
	}
}

// State returns the state for name; unknown names are closed.
func (b *Breaker) State(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if u, ok := b.upstreams[name]; ok {
		return u.state
	}
	return StateClosed
}

// Execute runs fn if the breaker allows it and records the outcome.
// Context cancellation by the caller is not counted as a failure.
func (b *Breaker) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !b.Allow(name) {
		return ErrOpen
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess(name)
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// caller gave up; says nothing about the upstream
	default:
		b.RecordFailure(name)
	}
	return err
}

// caller holds b.mu
func (b *Breaker) transition(u *upstream, name string, to State) {
	from := u.state
	if from == to {
		return
	}
	u.state = to
	transitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	if b.onChange != nil {
		go b.onChange(name, from, to)
	}
}
