package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tributary/admin"
	"tributary/cfg"
	"tributary/checkpoint"
	"tributary/pipeline"
	"tributary/sink"
	"tributary/source"
	"tributary/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Tributary - Change Stream Ingestion")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(ctx, 30*time.Second)
	defer startupCancel()

	// Source
	log.Info().Str("database", cfg.Config.Source.Database).Msg("Connecting to change stream source")
	src, err := source.NewMongoSource(
		startupCtx,
		cfg.Config.Source.URI,
		cfg.Config.Source.Database,
		time.Duration(cfg.Config.Consumer.IdlePollMS)*time.Millisecond,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to source")
		return
	}
	defer src.Close(context.Background())

	// Checkpoint store and position resolver
	store, err := checkpoint.NewStore(startupCtx, checkpoint.Config{
		Backend:         cfg.Config.Checkpoint.Store,
		Path:            cfg.Config.Checkpoint.Path,
		MongoURI:        cfg.Config.Source.URI,
		MongoDatabase:   cfg.Config.Source.Database,
		MongoCollection: cfg.Config.Checkpoint.Collection,
		DocumentID:      cfg.Config.Checkpoint.DocumentID,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open checkpoint store")
		return
	}

	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{
		ReplayWindow: time.Duration(cfg.Config.Checkpoint.ReplayWindowHours) * time.Hour,
		ResumeBuffer: time.Duration(cfg.Config.Checkpoint.ResumeBufferMinutes) * time.Minute,
		SafeLookback: time.Duration(cfg.Config.Checkpoint.SafeLookbackHours) * time.Hour,
	})

	// Sinks
	primarySink, err := sink.New(cfg.Config.Sink)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create sink")
		return
	}
	sinks := []sink.Sink{primarySink}

	// The dead-letter topic shares the primary connection; Publish is
	// per-topic.
	var dlqSink sink.Sink
	if cfg.Config.Sink.DeadLetterTopic != "" {
		dlqSink = primarySink
	} else {
		log.Warn().Msg("No dead-letter topic configured, undeliverable events will be dropped")
	}

	// Pipeline
	filter, err := pipeline.NewNamespaceFilter(cfg.Config.Source.Namespaces)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid namespace filter pattern")
		return
	}

	queue := pipeline.NewQueue(cfg.Config.Queue.Capacity, cfg.Config.Queue.HighWaterMark)
	breaker := pipeline.NewBreaker(
		cfg.Config.Breaker.Threshold,
		time.Duration(cfg.Config.Breaker.WindowSeconds)*time.Second,
	)
	stats := pipeline.NewStats()

	consumer := pipeline.NewConsumer(src, queue, store, resolver, filter, stats, pipeline.ConsumerConfig{
		CheckpointEvents:       cfg.Config.Checkpoint.Events,
		CheckpointInterval:     time.Duration(cfg.Config.Checkpoint.Seconds) * time.Second,
		BackpressurePause:      time.Duration(cfg.Config.Consumer.BackpressurePauseMS) * time.Millisecond,
		ReconnectInitial:       time.Duration(cfg.Config.Consumer.ReconnectInitialMS) * time.Millisecond,
		ReconnectMax:           time.Duration(cfg.Config.Consumer.ReconnectMaxMS) * time.Millisecond,
		MaxConsecutiveFailures: cfg.Config.Consumer.MaxConsecutiveFailures,
		Cooldown:               time.Duration(cfg.Config.Consumer.CooldownSeconds) * time.Second,
		InstanceID:             strconv.FormatUint(cfg.Config.InstanceID, 10),
		Database:               cfg.Config.Source.Database,
	})

	pool := pipeline.NewPool(queue, primarySink, dlqSink, breaker, stats, pipeline.PoolConfig{
		Workers:         cfg.Config.Sink.Workers,
		Topic:           cfg.Config.Sink.Topic,
		DeadLetterTopic: cfg.Config.Sink.DeadLetterTopic,
		PublishTimeout:  time.Duration(cfg.Config.Sink.PublishTimeoutMS) * time.Millisecond,
		RetryAttempts:   cfg.Config.Sink.RetryAttempts,
		RetryInitial:    time.Duration(cfg.Config.Sink.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(cfg.Config.Sink.RetryMaxMS) * time.Millisecond,
		BreakerCooldown: time.Duration(cfg.Config.Breaker.CooldownMS) * time.Millisecond,
	})

	pipe := pipeline.NewPipeline(
		consumer, queue, pool, breaker, stats, store, sinks,
		time.Duration(cfg.Config.ShutdownGraceSeconds)*time.Second,
	)
	pipe.Start(ctx)

	// Admin HTTP surface
	var httpServer *http.Server
	if cfg.Config.HTTP.Enabled {
		handlers := admin.NewHandlers(pipe, store)
		httpServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Config.HTTP.Address, cfg.Config.HTTP.Port),
			Handler: admin.NewRouter(handlers),
		}
		go func() {
			log.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	log.Info().
		Str("sink", cfg.Config.Sink.Type).
		Str("topic", cfg.Config.Sink.Topic).
		Int("workers", cfg.Config.Sink.Workers).
		Msg("Tributary started successfully")

	// Block until a shutdown signal arrives
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	pipe.Stop()
}
