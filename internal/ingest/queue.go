// Package ingest buffers decision events and persists them in batches off
// the hot path. The queue is bounded; when it saturates the producer
// flushes its own event inline rather than dropping it or blocking the
// decision.
package ingest

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/limitgate/backend/internal/config"
	"github.com/limitgate/backend/internal/core"
	"github.com/limitgate/backend/internal/metrics"
)

// Sink receives flushed event batches.
type Sink interface {
	InsertEvents(ctx context.Context, events []core.RateLimitEvent) error
}

// Queue is the bounded async event pipeline. A fixed set of core workers
// drains it continuously; extra workers spin up under load and retire
// after the idle timeout.
type Queue struct {
	cfg  config.IngestConfig
	sink Sink
	log  *log.Logger

	ch      chan core.RateLimitEvent
	done    chan struct{}
	wg      sync.WaitGroup
	workers atomic.Int32
	closed  atomic.Bool

	flushTimeout time.Duration
}

// New creates the queue. Start must be called before Enqueue.
func New(cfg config.IngestConfig, sink Sink) *Queue {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 500
	}
	if cfg.CoreWorkers <= 0 {
		cfg.CoreWorkers = 2
	}
	if cfg.MaxWorkers < cfg.CoreWorkers {
		cfg.MaxWorkers = cfg.CoreWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	return &Queue{
		cfg:          cfg,
		sink:         sink,
		log:          log.New(os.Stdout, "[ingest] ", log.LstdFlags),
		ch:           make(chan core.RateLimitEvent, cfg.QueueCapacity),
		done:         make(chan struct{}),
		flushTimeout: 2 * time.Second,
	}
}

// Start launches the core workers.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.CoreWorkers; i++ {
		q.spawn(true)
	}
	q.log.Printf("started %d core workers (max %d, queue %d)",
		q.cfg.CoreWorkers, q.cfg.MaxWorkers, q.cfg.QueueCapacity)
}

// Enqueue hands an event to the pipeline. When the queue is full the
// caller persists the event itself so nothing is lost and backpressure
// reaches the producer.
func (q *Queue) Enqueue(e core.RateLimitEvent) {
	if e.EventTime.IsZero() {
		e.EventTime = time.Now().UTC()
	}
	if e.PartitionKey == "" {
		e.PartitionKey = core.PartitionKeyFor(e.EventTime)
	}
	if q.closed.Load() {
		q.flush([]core.RateLimitEvent{e})
		return
	}

	select {
	case q.ch <- e:
		if q.closed.Load() {
			// Shutdown raced the send; the workers may already be gone.
			// Pull an event back out and flush it here.
			select {
			case late := <-q.ch:
				q.flush([]core.RateLimitEvent{late})
			default:
			}
			return
		}
		metrics.SetQueueDepth(len(q.ch))
		q.maybeGrow()
	default:
		q.log.Printf("[WARN] queue saturated (depth=%d), flushing inline", len(q.ch))
		metrics.CallerRan()
		q.flush([]core.RateLimitEvent{e})
	}
}

// Depth returns the current queue depth.
func (q *Queue) Depth() int { return len(q.ch) }

// Workers returns the live worker count.
func (q *Queue) Workers() int { return int(q.workers.Load()) }

// Close stops intake and drains the queue. The event channel is never
// closed, so producers racing Close can never panic on a closed channel;
// their events are drained here or flushed inline by the producer.
func (q *Queue) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	close(q.done)
	q.wg.Wait()
	q.drain()
	q.log.Printf("drained and stopped")
}

// drain flushes everything still buffered, in batch-sized chunks.
func (q *Queue) drain() {
	for {
		batch := q.fill(nil)
		if len(batch) == 0 {
			return
		}
		q.flush(batch)
	}
}

// maybeGrow adds a surge worker while the queue runs more than half full.
func (q *Queue) maybeGrow() {
	if len(q.ch) <= q.cfg.QueueCapacity/2 {
		return
	}
	for {
		n := q.workers.Load()
		if int(n) >= q.cfg.MaxWorkers {
			return
		}
		if q.workers.CompareAndSwap(n, n+1) {
			q.wg.Add(1)
			go q.worker(false)
			return
		}
	}
}

func (q *Queue) spawn(permanent bool) {
	q.workers.Add(1)
	q.wg.Add(1)
	go q.worker(permanent)
}

func (q *Queue) worker(permanent bool) {
	defer q.wg.Done()
	defer q.workers.Add(-1)

	idle := time.NewTimer(q.cfg.IdleTimeout)
	defer idle.Stop()

	batch := make([]core.RateLimitEvent, 0, q.cfg.BatchSize)
	for {
		select {
		case e := <-q.ch:
			batch = q.fill(append(batch[:0], e))
			q.flush(batch)
			metrics.SetQueueDepth(len(q.ch))
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(q.cfg.IdleTimeout)
		case <-q.done:
			q.drain()
			return
		case <-idle.C:
			if !permanent {
				return
			}
			idle.Reset(q.cfg.IdleTimeout)
		}
	}
}

// fill drains buffered events without blocking, up to the batch size.
func (q *Queue) fill(batch []core.RateLimitEvent) []core.RateLimitEvent {
	for len(batch) < q.cfg.BatchSize {
		select {
		case e := <-q.ch:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (q *Queue) flush(batch []core.RateLimitEvent) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.flushTimeout)
	defer cancel()

	if err := q.sink.InsertEvents(ctx, batch); err != nil {
		// Decision events are best-effort; a lost batch is logged, not retried.
		q.log.Printf("[ERROR] flush of %d events failed: %v", len(batch), err)
		return
	}
	metrics.EventsFlushed(len(batch))
}
