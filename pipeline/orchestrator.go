package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"tributary/checkpoint"
	"tributary/sink"
)

// Pipeline ties the consumer, queue and publisher pool together and
// owns their startup/shutdown ordering.
type Pipeline struct {
	Consumer *Consumer
	Queue    *Queue
	Pool     *Pool
	Breaker  *Breaker
	Stats    *Stats
	Store    checkpoint.Store

	sinks []sink.Sink

	shutdownGrace time.Duration

	consumerCancel context.CancelFunc
	workerCancel   context.CancelFunc
	consumerDone   chan struct{}

	stopOnce sync.Once
}

// NewPipeline assembles a pipeline. sinks are closed on Stop, after
// the workers have exited.
func NewPipeline(consumer *Consumer, queue *Queue, pool *Pool, breaker *Breaker, stats *Stats, store checkpoint.Store, sinks []sink.Sink, shutdownGrace time.Duration) *Pipeline {
	return &Pipeline{
		Consumer:      consumer,
		Queue:         queue,
		Pool:          pool,
		Breaker:       breaker,
		Stats:         stats,
		Store:         store,
		sinks:         sinks,
		shutdownGrace: shutdownGrace,
		consumerDone:  make(chan struct{}),
	}
}

// Start launches the workers first so the queue has drainers before
// the consumer produces anything, then the consumer.
func (p *Pipeline) Start(ctx context.Context) {
	workerCtx, workerCancel := context.WithCancel(context.Background())
	p.workerCancel = workerCancel
	p.Pool.Start(workerCtx)

	consumerCtx, consumerCancel := context.WithCancel(ctx)
	p.consumerCancel = consumerCancel
	go func() {
		defer close(p.consumerDone)
		p.Consumer.Run(consumerCtx)
	}()

	log.Info().Msg("Pipeline started")
}

// Stop performs the graceful shutdown sequence: stop the consumer
// (which writes its final checkpoint), close the queue, give workers
// the grace period to drain it, then hard-stop whatever remains and
// release the sinks and checkpoint store.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(p.stop)
}

func (p *Pipeline) stop() {
	log.Info().Msg("Pipeline shutting down")

	p.consumerCancel()
	<-p.consumerDone

	// The consumer is the queue's only producer, so closing is safe
	// once it has stopped.
	p.Queue.Close()

	drained := make(chan struct{})
	go func() {
		p.Pool.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		log.Info().Msg("Queue drained")
	case <-time.After(p.shutdownGrace):
		log.Warn().
			Int("remaining", p.Queue.Depth()).
			Dur("grace", p.shutdownGrace).
			Msg("Shutdown grace period expired, abandoning queued events")
		p.workerCancel()
		<-drained
	}
	p.workerCancel()

	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Sink close failed")
		}
	}
	if err := p.Store.Close(); err != nil {
		log.Warn().Err(err).Msg("Checkpoint store close failed")
	}

	log.Info().Msg("Pipeline stopped")
}

// Health is the liveness snapshot served by the admin endpoints.
type Health struct {
	Healthy       bool   `json:"healthy"`
	ConsumerState string `json:"consumer_state"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	BreakerOpen   bool   `json:"breaker_open"`
}

// Health reports whether the pipeline is able to make progress.
func (p *Pipeline) Health() Health {
	state := p.Consumer.State()
	return Health{
		Healthy:       p.Consumer.Alive(),
		ConsumerState: state.String(),
		QueueDepth:    p.Queue.Depth(),
		QueueCapacity: p.Queue.Cap(),
		BreakerOpen:   p.Breaker.State().Tripped,
	}
}
