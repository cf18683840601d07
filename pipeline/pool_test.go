package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tributary/cdc"
	"tributary/sink"
)

func poolConfigForTest() PoolConfig {
	return PoolConfig{
		Workers:         2,
		Topic:           "app.events",
		DeadLetterTopic: "app.events.dlq",
		PublishTimeout:  100 * time.Millisecond,
		RetryAttempts:   3,
		RetryInitial:    time.Millisecond,
		RetryMax:        4 * time.Millisecond,
		BreakerCooldown: 2 * time.Millisecond,
	}
}

// runPool enqueues the events, runs the pool to completion and returns
// after every worker has exited.
func runPool(t *testing.T, primary, dlq sink.Sink, breaker *Breaker, stats *Stats, config PoolConfig, events ...cdc.ChangeEvent) {
	t.Helper()

	q := NewQueue(len(events)+1, 0.9)
	for _, ev := range events {
		require.NoError(t, q.Enqueue(context.Background(), ev))
	}
	q.Close()

	p := NewPool(q, primary, dlq, breaker, stats, config)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Start(ctx)
	p.Wait()
}

func TestPool_PublishesWithRoutingMetadata(t *testing.T) {
	primary := &sink.MockSink{}
	stats := NewStats()
	breaker := NewBreaker(100, time.Minute)

	ev := testEvent(1)
	ev.CorrelationID = "corr-1"
	runPool(t, primary, nil, breaker, stats, poolConfigForTest(), ev)

	msgs := primary.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "app.events", msgs[0].Topic)
	require.Equal(t, "app.orders", msgs[0].Key) // no document key: namespace routing
	require.Equal(t, "insert", msgs[0].Attrs["operation"])
	require.Equal(t, "orders", msgs[0].Attrs["collection"])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &payload))
	require.Equal(t, "insert", payload["operation"])
	require.Equal(t, "corr-1", payload["correlation_id"])

	snap := stats.Snapshot()
	require.EqualValues(t, 1, snap.Published)
	require.EqualValues(t, 0, snap.DeadLettered)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	// Two transient failures, third attempt lands.
	primary := &sink.MockSink{FailFirst: 2}
	stats := NewStats()
	breaker := NewBreaker(100, time.Minute)

	runPool(t, primary, nil, breaker, stats, poolConfigForTest(), testEvent(1))

	require.Equal(t, 1, primary.Count())
	snap := stats.Snapshot()
	require.EqualValues(t, 1, snap.Published)
	require.EqualValues(t, 2, snap.Failed)
	require.EqualValues(t, 0, snap.DeadLettered)
	require.Equal(t, 0, breaker.State().Count)
}

func TestPool_ExhaustedRetriesDeadLetter(t *testing.T) {
	primary := &sink.MockSink{PublishErr: errors.New("broker unavailable")}
	dlq := &sink.MockSink{}
	stats := NewStats()
	breaker := NewBreaker(100, time.Minute)

	ev := testEvent(1)
	ev.CorrelationID = "corr-dead"
	runPool(t, primary, dlq, breaker, stats, poolConfigForTest(), ev)

	require.Equal(t, 0, primary.Count())
	msgs := dlq.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "app.events.dlq", msgs[0].Topic)

	var payload struct {
		CorrelationID string `json:"correlation_id"`
		ErrorContext  struct {
			OriginalTopic string `json:"original_topic"`
			ErrorMessage  string `json:"error_message"`
			Attempts      int    `json:"attempts"`
		} `json:"_error_context"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Value, &payload))
	require.Equal(t, "corr-dead", payload.CorrelationID)
	require.Equal(t, "app.events", payload.ErrorContext.OriginalTopic)
	require.Equal(t, "broker unavailable", payload.ErrorContext.ErrorMessage)
	require.Equal(t, 3, payload.ErrorContext.Attempts)

	snap := stats.Snapshot()
	require.EqualValues(t, 3, snap.Failed)
	require.EqualValues(t, 1, snap.DeadLettered)
	require.EqualValues(t, 0, snap.DataLoss)
	require.Equal(t, 1, breaker.State().Count)
}

func TestPool_DeadLetterFailureIsDataLoss(t *testing.T) {
	err := errors.New("broker unavailable")
	primary := &sink.MockSink{PublishErr: err}
	dlq := &sink.MockSink{PublishErr: err}
	stats := NewStats()
	breaker := NewBreaker(100, time.Minute)

	runPool(t, primary, dlq, breaker, stats, poolConfigForTest(), testEvent(1))

	require.Equal(t, 0, dlq.Count())
	snap := stats.Snapshot()
	require.EqualValues(t, 0, snap.DeadLettered)
	require.EqualValues(t, 1, snap.DataLoss)
	// The breaker counts the failure even though the record was lost.
	require.Equal(t, 1, breaker.State().Count)
}

func TestPool_NoDeadLetterSinkIsDataLoss(t *testing.T) {
	primary := &sink.MockSink{PublishErr: errors.New("broker unavailable")}
	stats := NewStats()
	breaker := NewBreaker(100, time.Minute)

	runPool(t, primary, nil, breaker, stats, poolConfigForTest(), testEvent(1))

	snap := stats.Snapshot()
	require.EqualValues(t, 1, snap.DataLoss)
}

func TestPool_TrippedBreakerPausesPublishing(t *testing.T) {
	primary := &sink.MockSink{}
	stats := NewStats()

	// Trip a breaker with a short window; workers hold their event
	// until the window rolls over, then publish it.
	breaker := NewBreaker(1, 50*time.Millisecond)
	breaker.RecordDeadLetter()
	require.True(t, breaker.ShouldBreak())

	start := time.Now()
	runPool(t, primary, nil, breaker, stats, poolConfigForTest(), testEvent(1))
	elapsed := time.Since(start)

	require.Equal(t, 1, primary.Count())
	require.GreaterOrEqual(t, elapsed, 40*time.Millisecond,
		"publish should have waited out the breaker window")
	snap := stats.Snapshot()
	require.EqualValues(t, 1, snap.Published)
	require.EqualValues(t, 0, snap.Failed)
}

func TestPool_PreservesPerKeyDelivery(t *testing.T) {
	primary := &sink.MockSink{}
	stats := NewStats()
	breaker := NewBreaker(100, time.Minute)

	events := make([]cdc.ChangeEvent, 20)
	for i := range events {
		events[i] = testEvent(i)
	}
	runPool(t, primary, nil, breaker, stats, poolConfigForTest(), events...)

	require.Equal(t, 20, primary.Count())
	snap := stats.Snapshot()
	require.EqualValues(t, 20, snap.Published)
}
