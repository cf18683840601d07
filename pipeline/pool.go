package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tributary/cdc"
	"tributary/sink"
	"tributary/telemetry"
)

// dequeueTimeout is how long a worker waits on an empty queue before
// re-checking for shutdown.
const dequeueTimeout = 500 * time.Millisecond

// PoolConfig tunes the publisher worker pool.
type PoolConfig struct {
	Workers int

	Topic           string
	DeadLetterTopic string

	// PublishTimeout bounds each individual publish attempt.
	PublishTimeout time.Duration

	// RetryAttempts is the total number of publish attempts per event
	// before it is dead-lettered. RetryInitial doubles up to RetryMax
	// between attempts.
	RetryAttempts int
	RetryInitial  time.Duration
	RetryMax      time.Duration

	// BreakerCooldown is how long a worker pauses while the circuit
	// breaker is tripped, holding its current event.
	BreakerCooldown time.Duration
}

// Pool is the publisher worker pool: N workers pulling from the queue,
// publishing to the sink with retry, dead-lettering on exhaustion.
type Pool struct {
	queue   *Queue
	sink    sink.Sink
	dlq     sink.Sink
	breaker *Breaker
	stats   *Stats
	config  PoolConfig

	wg sync.WaitGroup
}

// NewPool wires a pool. dlq may be nil, in which case exhausted events
// are dropped with a data-loss log instead of dead-lettered.
func NewPool(queue *Queue, s sink.Sink, dlq sink.Sink, breaker *Breaker, stats *Stats, config PoolConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	return &Pool{
		queue:   queue,
		sink:    s,
		dlq:     dlq,
		breaker: breaker,
		stats:   stats,
		config:  config,
	}
}

// Start launches the workers. ctx is the hard-stop context: workers
// drain the queue after it is closed, but abandon in-flight work once
// ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	log.Info().Int("workers", p.config.Workers).Msg("Publisher pool started")
}

// Wait blocks until every worker has exited. Workers exit when the
// queue is closed and drained, or when the hard-stop context fires.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		qe, err := p.queue.Dequeue(dequeueTimeout)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				log.Debug().Int("worker", id).Msg("Queue drained, worker exiting")
				return
			}
			// Timeout: idle queue, re-check for hard stop.
			if ctx.Err() != nil {
				return
			}
			continue
		}

		p.process(ctx, &qe.Event)

		if ctx.Err() != nil {
			return
		}
	}
}

// process delivers one event: encode, publish with retry, dead-letter
// on exhaustion.
func (p *Pool) process(ctx context.Context, ev *cdc.ChangeEvent) {
	payload, err := cdc.EncodeEvent(*ev)
	if err != nil {
		// Unencodable events cannot be retried; they go straight to
		// the dead-letter path with whatever context we have.
		log.Error().
			Err(err).
			Str("namespace", ev.Namespace.String()).
			Str("correlation_id", ev.CorrelationID).
			Msg("Event encoding failed")
		p.deadLetter(ctx, ev, err, 0)
		return
	}

	key := cdc.RoutingKey(*ev)
	attrs := cdc.RoutingAttributes(*ev)
	delay := p.config.RetryInitial

	for attempt := 1; attempt <= p.config.RetryAttempts; attempt++ {
		// A tripped breaker pauses the worker with the event in hand;
		// nothing is skipped or counted failed while waiting.
		for p.breaker.ShouldBreak() {
			if !sleepCtx(ctx, p.config.BreakerCooldown) {
				return
			}
		}

		start := time.Now()
		pubCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
		err = p.sink.Publish(pubCtx, p.config.Topic, key, payload, attrs)
		cancel()

		if err == nil {
			latency := time.Since(start)
			p.stats.RecordPublished(latency)
			telemetry.EventsPublishedTotal.Inc()
			telemetry.PublishDurationSeconds.Observe(latency.Seconds())
			return
		}

		p.stats.RecordFailure()
		telemetry.PublishFailuresTotal.Inc()
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", p.config.RetryAttempts).
			Str("correlation_id", ev.CorrelationID).
			Msg("Publish failed")

		if ctx.Err() != nil {
			return
		}
		if attempt < p.config.RetryAttempts {
			if !sleepCtx(ctx, delay) {
				return
			}
			delay *= 2
			if delay > p.config.RetryMax {
				delay = p.config.RetryMax
			}
		}
	}

	p.deadLetter(ctx, ev, err, p.config.RetryAttempts)
}

// deadLetter makes a single attempt to publish the failure record to
// the dead-letter topic. If that also fails (or no dead-letter sink is
// configured) the event is lost, which is logged at full severity.
func (p *Pool) deadLetter(ctx context.Context, ev *cdc.ChangeEvent, cause error, attempts int) {
	p.breaker.RecordDeadLetter()

	rec := cdc.DeadLetterRecord{
		Event:               *ev,
		ErrorMessage:        cause.Error(),
		Attempts:            attempts,
		OriginalDestination: p.config.Topic,
		FailedAt:            time.Now().UTC(),
	}

	payload, err := cdc.EncodeDeadLetter(rec)
	if err == nil && p.dlq != nil {
		pubCtx, cancel := context.WithTimeout(ctx, p.config.PublishTimeout)
		err = p.dlq.Publish(pubCtx, p.config.DeadLetterTopic, cdc.RoutingKey(*ev), payload, cdc.RoutingAttributes(*ev))
		cancel()
		if err == nil {
			p.stats.RecordDeadLetter()
			telemetry.DeadLettersTotal.Inc()
			log.Error().
				Str("correlation_id", ev.CorrelationID).
				Str("namespace", ev.Namespace.String()).
				Int("attempts", attempts).
				Str("cause", cause.Error()).
				Msg("Event dead-lettered")
			return
		}
	}

	// Last resort: the event exists nowhere but this log line.
	p.stats.RecordDataLoss()
	telemetry.DataLossTotal.Inc()
	log.Error().
		Err(err).
		Str("correlation_id", ev.CorrelationID).
		Str("namespace", ev.Namespace.String()).
		Str("operation", string(ev.Operation)).
		Str("cause", cause.Error()).
		RawJSON("payload", safeJSON(payload)).
		Msg("DATA LOSS: event could not be delivered or dead-lettered")
}

// safeJSON guards the data-loss log against a nil payload from an
// encode failure.
func safeJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
