package pipeline

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tributary/telemetry"
)

// Breaker is the dead-letter circuit breaker shared by all publisher
// workers. It counts dead-lettered events within a rolling window and
// trips once the count reaches the threshold; while tripped, workers
// pause instead of hammering a failing downstream. There is no
// half-open probe state: when the window rolls over the count starts
// from zero and the breaker closes again.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	window      time.Duration
	count       int
	windowStart time.Time
	tripped     bool
	now         func() time.Time
}

// BreakerState is a point-in-time snapshot for observability.
type BreakerState struct {
	Count       int       `json:"dead_letters_in_window"`
	WindowStart time.Time `json:"window_start"`
	Tripped     bool      `json:"tripped"`
}

// NewBreaker creates a breaker that trips after threshold dead letters
// within one window.
func NewBreaker(threshold int, window time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// RecordDeadLetter counts a dead-lettered event. Safe for concurrent
// callers.
func (b *Breaker) RecordDeadLetter() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()
	b.count++
	if b.count >= b.threshold && !b.tripped {
		b.tripped = true
		telemetry.BreakerTripped.Set(1)
		log.Warn().
			Int("dead_letters", b.count).
			Dur("window", b.window).
			Msg("Circuit breaker tripped, pausing publishers")
	}
}

// ShouldBreak reports whether workers should pause publishing. Safe
// for concurrent callers.
func (b *Breaker) ShouldBreak() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()
	return b.tripped
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.roll()
	return BreakerState{
		Count:       b.count,
		WindowStart: b.windowStart,
		Tripped:     b.tripped,
	}
}

// roll starts a fresh window when the current one has elapsed.
// Callers must hold b.mu.
func (b *Breaker) roll() {
	now := b.now()
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	if now.Sub(b.windowStart) >= b.window {
		if b.tripped {
			telemetry.BreakerTripped.Set(0)
			log.Info().Msg("Circuit breaker window rolled over, resuming publishers")
		}
		b.windowStart = now
		b.count = 0
		b.tripped = false
	}
}
