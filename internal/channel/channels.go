package channel

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"

	"oceanflow/logger"
)

type QueueStats struct {
	Sent    int64
	Popped  int64
	Dropped int64
}

// Queue is an unbounded FIFO. Push never blocks; Pop blocks until an item is
// available, the queue is closed, or ctx is done. It is meant for a single
// consumer.
type Queue[T any] struct {
	name   string
	mu     sync.Mutex
	items  deque.Deque[T]
	notify chan struct{}
	closed bool
	stats  QueueStats
	log    *logger.Log
}

func NewQueue[T any](name string) *Queue[T] {
	log := logger.GetLogger()
	log.WithComponent("channels").WithFields(logger.Fields{"queue": name}).Info("queue initialized")
	return &Queue[T]{
		name:   name,
		notify: make(chan struct{}, 1),
		log:    log,
	}
}

// Push appends item. It returns false once the queue is closed.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.stats.Dropped++
		q.mu.Unlock()
		return false
	}
	q.items.PushBack(item)
	q.stats.Sent++
	select {
	case q.notify <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	logger.RecordChannelMessage(q.name, 0)
	return true
}

// Pop removes the oldest item. ok is false when ctx ended or the queue was
// closed and drained.
func (q *Queue[T]) Pop(ctx context.Context) (item T, ok bool) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item = q.items.PopFront()
			q.stats.Popped++
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return item, false
		}

		select {
		case <-ctx.Done():
			return item, false
		case <-q.notify:
		}
	}
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting items. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.notify)
	q.mu.Unlock()
	q.log.WithComponent("channels").WithFields(logger.Fields{"queue": q.name}).Info("queue closed")
}

func (q *Queue[T]) GetStats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// StartMetricsReporting logs queue depth and counters every interval until
// ctx is done.
func (q *Queue[T]) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := q.GetStats()
			q.log.LogMetric("channels", "queue_length", int64(q.Len()), "gauge", logger.Fields{
				"queue":   q.name,
				"sent":    stats.Sent,
				"popped":  stats.Popped,
				"dropped": stats.Dropped,
			})
		}
	}
}
