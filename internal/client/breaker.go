package client

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of the endpoint circuit.
type BreakerState int

const (
	Closed   BreakerState = 0
	HalfOpen BreakerState = 1
	Open     BreakerState = 2
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half-open"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the endpoint circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures the endpoint circuit. A zero FailureThreshold
// disables the breaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// breaker trips after FailureThreshold consecutive retriable failures and
// lets one trial request through after ResetTimeout.
type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	threshold   int
	reset       time.Duration
	lastFailure time.Time
	clock       func() time.Time
	onChange    func(BreakerState)
}

func newBreaker(cfg BreakerConfig, clock func() time.Time, onChange func(BreakerState)) *breaker {
	if cfg.FailureThreshold <= 0 {
		return nil
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &breaker{
		threshold: cfg.FailureThreshold,
		reset:     cfg.ResetTimeout,
		clock:     clock,
		onChange:  onChange,
	}
}

func (b *breaker) allow() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		if b.clock().Sub(b.lastFailure) < b.reset {
			return ErrCircuitOpen
		}
		b.setState(HalfOpen)
	}
	return nil
}

func (b *breaker) success() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != Closed {
		b.setState(Closed)
	}
}

func (b *breaker) failure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.threshold {
			b.lastFailure = b.clock()
			b.setState(Open)
		}
	case HalfOpen:
		b.lastFailure = b.clock()
		b.setState(Open)
	}
}

func (b *breaker) current() BreakerState {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// caller holds mu
func (b *breaker) setState(s BreakerState) {
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}
