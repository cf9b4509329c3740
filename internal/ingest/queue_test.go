package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/core"
)

// memSink collects flushed batches.
type memSink struct {
	mu      sync.Mutex
	batches [][]core.RateLimitEvent
	block   chan struct{} // when set, InsertEvents waits on it
	err     error
}

func (s *memSink) InsertEvents(_ context.Context, events []core.RateLimitEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	cp := make([]core.RateLimitEvent, len(events))
	copy(cp, events)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *memSink) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func (s *memSink) maxBatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, b := range s.batches {
		if len(b) > max {
			max = len(b)
		}
	}
	return max
}

func event(id string) core.RateLimitEvent {
	return core.RateLimitEvent{Identifier: id, IdentifierType: core.IdentifierAPIKey, Allowed: true}
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		QueueCapacity: 50,
		CoreWorkers:   1,
		MaxWorkers:    1,
		IdleTimeout:   time.Second,
		BatchSize:     5,
	}
}

func TestQueueDrainsOnClose(t *testing.T) {
	sink := &memSink{}
	q := New(testIngestConfig(), sink)
	q.Start()

	for i := 0; i < 17; i++ {
		q.Enqueue(event("k"))
	}
	q.Close()

	assert.Equal(t, 17, sink.total())
	assert.LessOrEqual(t, sink.maxBatch(), 5, "batches respect the configured size")
}

func TestQueueFillsEventMetadata(t *testing.T) {
	sink := &memSink{}
	q := New(testIngestConfig(), sink)
	q.Start()

	q.Enqueue(event("k"))
	q.Close()

	require.Equal(t, 1, sink.total())
	got := sink.batches[0][0]
	assert.False(t, got.EventTime.IsZero())
	assert.Equal(t, core.PartitionKeyFor(got.EventTime), got.PartitionKey)
}

func TestQueueSaturationRunsCallerInline(t *testing.T) {
	cfg := testIngestConfig()
	cfg.QueueCapacity = 2
	sink := &memSink{}
	q := New(cfg, sink) // never started: nothing drains

	q.Enqueue(event("a"))
	q.Enqueue(event("b"))
	q.Enqueue(event("c")) // full: flushed by the caller

	assert.Equal(t, 2, q.Depth())
	require.Equal(t, 1, sink.total())
	assert.Equal(t, "c", sink.batches[0][0].Identifier)
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	sink := &memSink{}
	q := New(testIngestConfig(), sink)
	q.Start()
	q.Close()

	q.Enqueue(event("late"))
	assert.Equal(t, 1, sink.total(), "post-close events are flushed inline")
}

func TestQueueGrowsUnderLoad(t *testing.T) {
	cfg := testIngestConfig()
	cfg.QueueCapacity = 4
	cfg.MaxWorkers = 3
	cfg.IdleTimeout = 20 * time.Millisecond

	sink := &memSink{block: make(chan struct{})}
	q := New(cfg, sink)
	q.Start()
	require.Equal(t, 1, q.Workers())

	// With the sink blocked the queue backs up past half capacity and
	// surge workers come up.
	for i := 0; i < 6; i++ {
		go q.Enqueue(event("k"))
	}
	assert.Eventually(t, func() bool { return q.Workers() > 1 }, time.Second, 5*time.Millisecond)

	close(sink.block)
	q.Close()

	// Surge workers retire once the queue goes quiet.
	assert.Eventually(t, func() bool { return q.Workers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestQueueCloseRacingEnqueueLosesNothing(t *testing.T) {
	cfg := testIngestConfig()
	cfg.QueueCapacity = 8
	sink := &memSink{}
	q := New(cfg, sink)
	q.Start()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perProducer; j++ {
				q.Enqueue(event("k"))
			}
		}()
	}
	close(start)
	q.Close() // racing the producers must neither panic nor drop events
	wg.Wait()

	assert.Equal(t, producers*perProducer, sink.total())
}

func TestQueueFlushFailureDoesNotBlock(t *testing.T) {
	sink := &memSink{err: context.DeadlineExceeded}
	q := New(testIngestConfig(), sink)
	q.Start()

	q.Enqueue(event("k"))
	q.Close()

	assert.Equal(t, 0, sink.total(), "failed batches are dropped, not retried")
}
