package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tributary/cdc"
	"tributary/checkpoint"
	"tributary/source"
)

func consumerConfigForTest() ConsumerConfig {
	return ConsumerConfig{
		CheckpointEvents:       1000,
		CheckpointInterval:     time.Hour,
		BackpressurePause:      time.Millisecond,
		ReconnectInitial:       time.Millisecond,
		ReconnectMax:           10 * time.Millisecond,
		MaxConsecutiveFailures: 10,
		Cooldown:               10 * time.Millisecond,
		InstanceID:             "test-1",
		Database:               "app",
	}
}

func scriptedEvents(collection string, n int) []cdc.ChangeEvent {
	events := make([]cdc.ChangeEvent, n)
	for i := range events {
		events[i] = cdc.ChangeEvent{
			Operation: cdc.OpInsert,
			Namespace: cdc.Namespace{Database: "app", Collection: collection},
			Token:     cdc.NativeToken([]byte(fmt.Sprintf("%s-%04d", collection, i))),
		}
	}
	return events
}

// drainN dequeues n events or fails the test.
func drainN(t *testing.T, q *Queue, n int) []cdc.QueuedEvent {
	t.Helper()
	out := make([]cdc.QueuedEvent, 0, n)
	for len(out) < n {
		qe, err := q.Dequeue(2 * time.Second)
		if err != nil {
			t.Fatalf("Dequeue %d/%d failed: %v", len(out)+1, n, err)
		}
		out = append(out, qe)
	}
	return out
}

func TestConsumer_EnqueuesInOrderAndCheckpointsOnDrain(t *testing.T) {
	events := scriptedEvents("orders", 5)
	src := source.NewFakeSource(events...)
	store := checkpoint.NewMemoryStore()
	queue := NewQueue(100, 0.8)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{
		ReplayWindow: 24 * time.Hour,
		ResumeBuffer: 5 * time.Minute,
		SafeLookback: 2 * time.Hour,
	})

	c := NewConsumer(src, queue, store, resolver, nil, NewStats(), consumerConfigForTest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	got := drainN(t, queue, 5)
	for i, qe := range got {
		if !qe.Event.Token.Equal(events[i].Token) {
			t.Errorf("Event %d out of order: got %s", i, qe.Event.Token)
		}
		if qe.Event.CorrelationID == "" {
			t.Errorf("Event %d missing correlation ID", i)
		}
	}

	cancel()
	<-done

	if c.State() != StateStopped {
		t.Errorf("State after Run = %s, want stopped", c.State())
	}

	// The drain checkpoint must carry the last enqueued event's token.
	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after drain failed: %v", err)
	}
	if !cp.Token.Equal(events[4].Token) {
		t.Errorf("Drain checkpoint token = %s, want %s", cp.Token, events[4].Token)
	}
	if cp.InstanceID != "test-1" || cp.Database != "app" {
		t.Errorf("Checkpoint metadata = %q/%q", cp.InstanceID, cp.Database)
	}
}

func TestConsumer_CheckpointEveryNEvents(t *testing.T) {
	events := scriptedEvents("orders", 7)
	src := source.NewFakeSource(events...)
	store := checkpoint.NewMemoryStore()
	queue := NewQueue(100, 0.8)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{SafeLookback: time.Hour})

	config := consumerConfigForTest()
	config.CheckpointEvents = 3

	c := NewConsumer(src, queue, store, resolver, nil, NewStats(), config)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	drainN(t, queue, 7)

	// Two count-triggered saves (after events 3 and 6) must have
	// happened before shutdown.
	deadline := time.Now().Add(2 * time.Second)
	for {
		cp, err := store.Load(context.Background())
		if err == nil && cp.SaveCount >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for count-triggered checkpoints")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// 2 count-triggered saves plus the final drain save.
	if cp.SaveCount != 3 {
		t.Errorf("SaveCount = %d, want 3", cp.SaveCount)
	}
	if cp.TotalEvents != 7 {
		t.Errorf("TotalEvents = %d, want 7", cp.TotalEvents)
	}
	if !cp.Token.Equal(events[6].Token) {
		t.Errorf("Final token = %s, want %s", cp.Token, events[6].Token)
	}
}

func TestConsumer_CheckpointOnElapsedInterval(t *testing.T) {
	events := scriptedEvents("orders", 6)
	src := source.NewFakeSource(events...)
	store := checkpoint.NewMemoryStore()
	queue := NewQueue(100, 0.8)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{SafeLookback: time.Hour})

	config := consumerConfigForTest()
	config.CheckpointEvents = 1000
	config.CheckpointInterval = 35 * time.Second

	c := NewConsumer(src, queue, store, resolver, nil, NewStats(), config)

	// Each clock read jumps ten seconds, so the interval elapses a few
	// events in while the count stays far below its threshold.
	var clockMu sync.Mutex
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		now = now.Add(10 * time.Second)
		return now
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	drainN(t, queue, 6)

	// A time-triggered save must land before shutdown, with the event
	// count nowhere near its threshold.
	deadline := time.Now().Add(2 * time.Second)
	for {
		cp, err := store.Load(context.Background())
		if err == nil && cp.SaveCount >= 1 {
			if cp.TotalEvents >= int64(config.CheckpointEvents) {
				t.Fatalf("TotalEvents = %d at first save, count threshold fired instead", cp.TotalEvents)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for a time-triggered checkpoint")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.TotalEvents != 6 {
		t.Errorf("TotalEvents = %d, want 6", cp.TotalEvents)
	}
	if !cp.Token.Equal(events[5].Token) {
		t.Errorf("Final token = %s, want %s", cp.Token, events[5].Token)
	}
}

func TestConsumer_PausesUnderQueuePressure(t *testing.T) {
	events := scriptedEvents("orders", 5)
	src := source.NewFakeSource(events...)
	store := checkpoint.NewMemoryStore()
	// High-water mark of 2: pressure from the second event on.
	queue := NewQueue(10, 0.2)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{SafeLookback: time.Hour})

	config := consumerConfigForTest()
	config.BackpressurePause = 25 * time.Millisecond

	c := NewConsumer(src, queue, store, resolver, nil, NewStats(), config)

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	// With nothing draining, events 2 through 4 each complete under
	// pressure, so the fifth arrives no sooner than three pauses in.
	deadline := time.Now().Add(2 * time.Second)
	for queue.Depth() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for events, depth = %d", queue.Depth())
		}
		time.Sleep(time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("All 5 events delivered in %v, expected pauses to slow the consumer", elapsed)
	}
	if !queue.UnderPressure() {
		t.Error("Queue should report pressure at 5/10 with high-water mark 2")
	}

	drainN(t, queue, 5)
	cancel()
	<-done
}

func TestConsumer_FailedCheckpointRetriesNextCycle(t *testing.T) {
	events := scriptedEvents("orders", 5)
	src := source.NewFakeSource(events...)
	store := checkpoint.NewMemoryStore()
	store.SaveErr = errors.New("store unreachable")
	queue := NewQueue(100, 0.8)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{SafeLookback: time.Hour})

	config := consumerConfigForTest()
	config.CheckpointEvents = 3

	c := NewConsumer(src, queue, store, resolver, nil, NewStats(), config)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	drainN(t, queue, 3)

	// Give the failing save a moment to happen, then heal the store.
	time.Sleep(20 * time.Millisecond)
	store.SetSaveErr(nil)

	drainN(t, queue, 2)
	cancel()
	<-done

	// The failed save kept its counted events; the eventual save (or
	// the drain save) covers all of them.
	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp.TotalEvents != 5 {
		t.Errorf("TotalEvents = %d, want 5 (no events dropped by failed save)", cp.TotalEvents)
	}
	if !cp.Token.Equal(events[4].Token) {
		t.Errorf("Token = %s, want %s", cp.Token, events[4].Token)
	}
}

func TestConsumer_FilteredEventsAdvancePosition(t *testing.T) {
	captured := scriptedEvents("orders", 2)
	skipped := scriptedEvents("audit_log", 2)
	script := []cdc.ChangeEvent{captured[0], skipped[0], captured[1], skipped[1]}

	src := source.NewFakeSource(script...)
	store := checkpoint.NewMemoryStore()
	queue := NewQueue(100, 0.8)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{SafeLookback: time.Hour})
	filter, err := NewNamespaceFilter([]string{"orders"})
	if err != nil {
		t.Fatal(err)
	}

	c := NewConsumer(src, queue, store, resolver, filter, NewStats(), consumerConfigForTest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	got := drainN(t, queue, 2)
	for i, qe := range got {
		if qe.Event.Namespace.Collection != "orders" {
			t.Errorf("Event %d from filtered namespace %s", i, qe.Event.Namespace)
		}
	}

	// Wait for the consumer to pass the final (filtered) event before
	// stopping, so the position reflects it.
	deadline := time.Now().Add(2 * time.Second)
	for !c.Position().Equal(skipped[1].Token) {
		if time.Now().After(deadline) {
			t.Fatalf("Position = %s, want %s", c.Position(), skipped[1].Token)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done

	// Filtered events move the checkpoint too; they are never replayed.
	cp, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cp.Token.Equal(skipped[1].Token) {
		t.Errorf("Checkpoint token = %s, want filtered event token %s", cp.Token, skipped[1].Token)
	}
}

func TestConsumer_ReconnectsFromLastPosition(t *testing.T) {
	events := scriptedEvents("orders", 4)
	src := source.NewFakeSource(events...)
	src.FailAfter = 2
	src.NextErr = errors.New("connection reset")

	store := checkpoint.NewMemoryStore()
	queue := NewQueue(100, 0.8)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{SafeLookback: time.Hour})

	c := NewConsumer(src, queue, store, resolver, nil, NewStats(), consumerConfigForTest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	drainN(t, queue, 4)
	cancel()
	<-done

	opens := src.OpenedFrom()
	if len(opens) < 2 {
		t.Fatalf("Expected at least 2 opens (reconnect), got %d", len(opens))
	}
	// The reconnect must resume from the last delivered event, not the
	// original start position.
	if !opens[1].Equal(events[1].Token) {
		t.Errorf("Reconnect position = %s, want %s", opens[1], events[1].Token)
	}
}

func TestConsumer_OpenFailureBacksOff(t *testing.T) {
	events := scriptedEvents("orders", 1)
	src := source.NewFakeSource(events...)
	src.OpenErrs = []error{errors.New("no reachable servers"), errors.New("no reachable servers")}

	store := checkpoint.NewMemoryStore()
	queue := NewQueue(10, 0.8)
	resolver := checkpoint.NewResolver(store, checkpoint.ResolverConfig{SafeLookback: time.Hour})

	c := NewConsumer(src, queue, store, resolver, nil, NewStats(), consumerConfigForTest())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	// Despite two connect failures the event eventually arrives.
	drainN(t, queue, 1)
	cancel()
	<-done

	if opens := src.OpenedFrom(); len(opens) != 3 {
		t.Errorf("Open count = %d, want 3 (two failures then success)", len(opens))
	}
}
