package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"tributary/cdc"
	"tributary/checkpoint"
	"tributary/source"
	"tributary/telemetry"
)

// ConsumerState tracks the stream consumer's lifecycle.
type ConsumerState int32

const (
	StateDisconnected ConsumerState = iota
	StateConnecting
	StateStreaming
	StateError
	StateDraining
	StateStopped
)

func (s ConsumerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "disconnected"
	}
}

// checkpointWriteTimeout bounds each checkpoint store write so a slow
// store never stalls event processing for long.
const checkpointWriteTimeout = 5 * time.Second

// ConsumerConfig tunes the stream consumer.
type ConsumerConfig struct {
	// CheckpointEvents and CheckpointInterval are the two checkpoint
	// triggers; whichever fires first wins.
	CheckpointEvents   int
	CheckpointInterval time.Duration

	// BackpressurePause is inserted between reads while the queue is
	// at or above its high-water mark.
	BackpressurePause time.Duration

	// ReconnectInitial doubles up to ReconnectMax between reconnect
	// attempts after a transport error.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// MaxConsecutiveFailures triggers an extended Cooldown before the
	// next reconnect attempt (a source-side circuit breaker).
	MaxConsecutiveFailures int
	Cooldown               time.Duration

	// InstanceID and Database are recorded in checkpoints.
	InstanceID string
	Database   string
}

// Consumer drives the source change stream: it normalizes and filters
// events, hands them to the queue, advances the in-memory position and
// checkpoints it periodically. It is the checkpoint store's only
// writer.
type Consumer struct {
	src      source.Source
	queue    *Queue
	store    checkpoint.Store
	resolver *checkpoint.Resolver
	filter   *NamespaceFilter
	stats    *Stats
	config   ConsumerConfig

	state atomic.Int32
	now   func() time.Time

	// position is the last known-good token: the token of the most
	// recent event handed to the queue (or deliberately skipped).
	// A checkpoint is only ever as new as this.
	mu               sync.Mutex
	position         cdc.PositionToken
	eventsSinceSave  int64
	lastSave         time.Time
	consecutiveFails int
}

// NewConsumer wires a consumer. filter may be nil to capture all
// namespaces.
func NewConsumer(src source.Source, queue *Queue, store checkpoint.Store, resolver *checkpoint.Resolver, filter *NamespaceFilter, stats *Stats, config ConsumerConfig) *Consumer {
	if filter == nil {
		filter, _ = NewNamespaceFilter(nil)
	}
	return &Consumer{
		src:      src,
		queue:    queue,
		store:    store,
		resolver: resolver,
		filter:   filter,
		stats:    stats,
		config:   config,
		now:      time.Now,
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

// Alive reports whether the consumer loop is still running.
func (c *Consumer) Alive() bool {
	s := c.State()
	return s != StateStopped && s != StateDisconnected
}

// Position returns the last known-good position token.
func (c *Consumer) Position() cdc.PositionToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

func (c *Consumer) setState(s ConsumerState) {
	c.state.Store(int32(s))
}

// Run drives the consumer until ctx is canceled, then drains: one
// final checkpoint of the last enqueued position, and stop. Blocks;
// run it on a dedicated goroutine.
func (c *Consumer) Run(ctx context.Context) {
	token := c.resolver.Resolve(ctx)
	c.mu.Lock()
	c.position = token
	c.lastSave = c.now()
	c.mu.Unlock()

	backoff := c.config.ReconnectInitial

	for ctx.Err() == nil {
		c.setState(StateConnecting)
		stream, err := c.src.Open(ctx, c.Position())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.setState(StateError)
			log.Error().Err(err).Msg("Failed to open change stream")
			c.backoff(ctx, &backoff)
			continue
		}

		c.setState(StateStreaming)
		c.mu.Lock()
		c.consecutiveFails = 0
		c.mu.Unlock()
		backoff = c.config.ReconnectInitial

		err = c.consume(ctx, stream)

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = stream.Close(closeCtx)
		cancel()

		if ctx.Err() != nil {
			break
		}

		// Transport error: reconnect at the last known-good position.
		c.setState(StateError)
		log.Error().
			Err(err).
			Str("resume_from", c.Position().String()).
			Msg("Change stream failed, reconnecting")
		c.backoff(ctx, &backoff)
	}

	c.drain()
}

// consume reads events until the stream errors or ctx is canceled.
func (c *Consumer) consume(ctx context.Context, stream source.Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		ev.CorrelationID = uuid.NewString()

		if !ev.ClusterTime.IsZero() {
			telemetry.OplogLagSeconds.Set(c.now().Sub(ev.ClusterTime).Seconds())
		}

		if !c.filter.Match(ev.Namespace) {
			// Skipped events still advance the position: they will
			// never be enqueued, so replaying them is pure waste.
			c.advance(ev.Token)
			telemetry.EventsFilteredTotal.Inc()
		} else {
			if err := c.queue.Enqueue(ctx, *ev); err != nil {
				return err
			}
			// Advance only after the event is owned by the queue, so a
			// checkpoint can never run ahead of the handoff.
			c.advance(ev.Token)
			c.stats.RecordProcessed()
			telemetry.EventsProcessedTotal.With(string(ev.Operation)).Inc()
		}

		c.maybeCheckpoint(ctx)

		if c.queue.UnderPressure() {
			telemetry.BackpressurePausesTotal.Inc()
			if !sleepCtx(ctx, c.config.BackpressurePause) {
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) advance(token cdc.PositionToken) {
	c.mu.Lock()
	if !token.IsZero() {
		c.position = token
	}
	c.eventsSinceSave++
	c.mu.Unlock()
}

// maybeCheckpoint saves the position when either the event-count or
// the elapsed-time threshold has been exceeded. A failed write is
// logged and retried on the next cycle; it never blocks processing.
func (c *Consumer) maybeCheckpoint(ctx context.Context) {
	c.mu.Lock()
	due := c.eventsSinceSave >= int64(c.config.CheckpointEvents) ||
		c.now().Sub(c.lastSave) >= c.config.CheckpointInterval
	empty := c.eventsSinceSave == 0 || c.position.IsZero()
	c.mu.Unlock()

	if !due || empty {
		return
	}

	saveCtx, cancel := context.WithTimeout(ctx, checkpointWriteTimeout)
	defer cancel()
	c.save(saveCtx)
}

// save writes one checkpoint. Callers choose the context so the final
// drain checkpoint survives the canceled run context.
func (c *Consumer) save(ctx context.Context) {
	c.mu.Lock()
	cp := &checkpoint.Checkpoint{
		Token:           c.position,
		SavedAt:         c.now(),
		EventsSinceSave: c.eventsSinceSave,
		InstanceID:      c.config.InstanceID,
		Database:        c.config.Database,
	}
	c.mu.Unlock()

	start := c.now()
	if err := c.store.Save(ctx, cp); err != nil {
		telemetry.CheckpointSavesTotal.With("failed").Inc()
		log.Error().Err(err).Msg("Checkpoint write failed, will retry next cycle")
		return
	}
	telemetry.CheckpointSavesTotal.With("success").Inc()
	telemetry.CheckpointDurationSeconds.Observe(c.now().Sub(start).Seconds())

	c.mu.Lock()
	c.eventsSinceSave = 0
	c.lastSave = c.now()
	c.mu.Unlock()

	log.Debug().
		Str("token", cp.Token.String()).
		Int64("events", cp.EventsSinceSave).
		Msg("Checkpoint saved")
}

// drain performs the shutdown sequence: one final checkpoint of the
// last enqueued position, then stop.
func (c *Consumer) drain() {
	c.setState(StateDraining)

	c.mu.Lock()
	dirty := c.eventsSinceSave > 0 && !c.position.IsZero()
	c.mu.Unlock()

	if dirty {
		ctx, cancel := context.WithTimeout(context.Background(), checkpointWriteTimeout)
		c.save(ctx)
		cancel()
	}

	c.setState(StateStopped)
	log.Info().Msg("Stream consumer stopped")
}

// backoff sleeps before the next reconnect attempt, switching to the
// extended cooldown after too many consecutive failures.
func (c *Consumer) backoff(ctx context.Context, delay *time.Duration) {
	telemetry.SourceReconnectsTotal.Inc()

	c.mu.Lock()
	c.consecutiveFails++
	fails := c.consecutiveFails
	c.mu.Unlock()

	if c.config.MaxConsecutiveFailures > 0 && fails >= c.config.MaxConsecutiveFailures {
		telemetry.SourceCooldownsTotal.Inc()
		log.Warn().
			Int("consecutive_failures", fails).
			Dur("cooldown", c.config.Cooldown).
			Msg("Too many consecutive source failures, entering cooldown")
		sleepCtx(ctx, c.config.Cooldown)
		c.mu.Lock()
		c.consecutiveFails = 0
		c.mu.Unlock()
		*delay = c.config.ReconnectInitial
		return
	}

	sleepCtx(ctx, *delay)
	*delay *= 2
	if *delay > c.config.ReconnectMax {
		*delay = c.config.ReconnectMax
	}
}

// sleepCtx sleeps for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
