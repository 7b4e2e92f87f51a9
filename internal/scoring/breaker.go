package scoring

import (
	"sync"
	"time"

	"ceap-engine/internal/common/metrics"
)

// Breaker states.
const (
	StateClosed   = "CLOSED"
	StateOpen     = "OPEN"
	StateHalfOpen = "HALF_OPEN"
)

const (
	breakerWindowSize      = 10
	breakerFailureCount    = 5
	defaultBreakerCooldown = 30 * time.Second
)

// Breaker trips a model offline when half or more of the last ten
// invocations failed. After the cooldown a single trial invocation is
// admitted; its outcome decides between closing and re-opening.
type Breaker struct {
	modelID  string
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	state    string
	window   [breakerWindowSize]bool
	idx      int
	filled   int
	openedAt time.Time
	trialing bool
}

func NewBreaker(modelID string) *Breaker {
	return &Breaker{
		modelID:  modelID,
		cooldown: defaultBreakerCooldown,
		now:      time.Now,
		state:    StateClosed,
	}
}

// Allow reports whether an invocation may proceed. In the half-open state
// only the first caller gets through until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.trialing = true
		return true
	case StateHalfOpen:
		if b.trialing {
			return false
		}
		b.trialing = true
		return true
	}
	return false
}

// RecordSuccess records a successful invocation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.reset()
		b.transition(StateClosed)
		return
	}
	b.push(false)
}

// RecordFailure records a failed invocation and trips the breaker when the
// rolling window crosses the failure threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.openedAt = b.now()
		b.trialing = false
		b.transition(StateOpen)
		return
	}
	b.push(true)
	if b.filled == breakerWindowSize && b.failures() >= breakerFailureCount {
		b.openedAt = b.now()
		b.reset()
		b.transition(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) push(failed bool) {
	b.window[b.idx] = failed
	b.idx = (b.idx + 1) % breakerWindowSize
	if b.filled < breakerWindowSize {
		b.filled++
	}
}

func (b *Breaker) failures() int {
	n := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			n++
		}
	}
	return n
}

func (b *Breaker) reset() {
	b.window = [breakerWindowSize]bool{}
	b.idx = 0
	b.filled = 0
	b.trialing = false
}

func (b *Breaker) transition(state string) {
	b.state = state
	gauge := 0.0
	switch state {
	case StateHalfOpen:
		gauge = 1
	case StateOpen:
		gauge = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(b.modelID).Set(gauge)
}
