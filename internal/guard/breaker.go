package guard

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerHalfOpen
	breakerOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerHalfOpen:
		return "half_open"
	case breakerOpen:
		return "open"
	default:
		return "closed"
	}
}

// breaker opens after threshold consecutive transient failures, lets one probe
// through after cooldown and closes again on a successful probe.
type breaker struct {
	mu         sync.Mutex
	state      breakerState
	failStreak int
	threshold  int
	cooldown   time.Duration
	openedAt   time.Time
	probing    bool
	now        func() time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold < 1 {
		threshold = 5
	}
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(breakerHalfOpen)
		b.probing = true
		return true
	case breakerHalfOpen:
		// one probe at a time
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStreak = 0
	b.probing = false
	if b.state != breakerClosed {
		b.setState(breakerClosed)
	}
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	switch b.state {
	case breakerClosed:
		b.failStreak++
		if b.failStreak >= b.threshold {
			b.openedAt = b.now()
			b.setState(breakerOpen)
		}
	case breakerHalfOpen, breakerOpen:
		b.openedAt = b.now()
		b.setState(breakerOpen)
	}
}

// release ends a probe that produced a non-transient outcome.
func (b *breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == breakerHalfOpen && b.probing {
		b.probing = false
		b.failStreak = 0
		b.setState(breakerClosed)
	}
}

func (b *breaker) current() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) setState(s breakerState) {
	b.state = s
	metricBreakerState.Set(float64(s))
}
