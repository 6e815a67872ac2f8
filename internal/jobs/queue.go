package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jo-hoe/compositor/internal/common"
)

var (
	// ErrQueueFull is returned by Enqueue when every slot is taken.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned by Enqueue before Start and after Shutdown.
	ErrQueueClosed = errors.New("queue is not accepting runs")
)

// Processor runs one queued item.
type Processor interface {
	Process(ctx context.Context, item WorkItem) error
}

// QueueStats is a point-in-time view of the run queue.
type QueueStats struct {
	Pending   int    `json:"pending"`
	Capacity  int    `json:"capacity"`
	Workers   int    `json:"workers"`
	Active    int64  `json:"active"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
}

// Queue holds accepted runs until one of its workers picks them up.
type Queue struct {
	log     *slog.Logger
	runs    chan WorkItem
	workers int

	mu       sync.Mutex
	open     bool
	stopOnce sync.Once
	stop     context.CancelFunc
	wg       sync.WaitGroup

	active    atomic.Int64
	processed atomic.Uint64
	failed    atomic.Uint64
}

// NewQueue sizes the buffer and the worker pool; non-positive values fall back to defaults.
func NewQueue(logger *slog.Logger, capacity int, workers int) *Queue {
	if capacity <= 0 {
		capacity = common.DefaultQueueCapacity
	}
	if workers <= 0 {
		workers = common.DefaultWorkerCount
	}
	return &Queue{
		log:     logger,
		runs:    make(chan WorkItem, capacity),
		workers: workers,
	}
}

// Start launches the workers. Runs are executed with a context derived from ctx.
func (q *Queue) Start(ctx context.Context, p Processor) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.open || q.stop != nil {
		return errors.New("queue already started")
	}
	ctx, q.stop = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.loop(ctx, p, q.log.With("worker", i))
	}
	q.open = true
	return nil
}

func (q *Queue) loop(ctx context.Context, p Processor, log *slog.Logger) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-q.runs:
			if !ok {
				return
			}
			q.execute(ctx, p, item, log.With("run_id", item.Run.ID, "mode", item.Job.Mode))
		}
	}
}

func (q *Queue) execute(ctx context.Context, p Processor, item WorkItem, log *slog.Logger) {
	q.active.Add(1)
	defer q.active.Add(-1)

	start := time.Now()
	log.Info("run picked up", "waited", start.Sub(item.Run.CreatedAt).Round(time.Millisecond))
	if err := p.Process(ctx, item); err != nil {
		q.failed.Add(1)
		log.Error("run failed", "err", err, "duration", time.Since(start))
	} else {
		q.processed.Add(1)
		log.Info("run finished", "duration", time.Since(start))
	}
	release(item, log)
}

// release removes the run's spooled inputs whatever the outcome.
func release(item WorkItem, log *slog.Logger) {
	if item.Cleanup == nil {
		return
	}
	if err := item.Cleanup(); err != nil {
		log.Warn("input cleanup failed", "err", err)
	}
}

// Enqueue never blocks; a full buffer returns ErrQueueFull.
func (q *Queue) Enqueue(item WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.open {
		return ErrQueueClosed
	}
	select {
	case q.runs <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats reports queue depth and worker counters.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Pending:   len(q.runs),
		Capacity:  cap(q.runs),
		Workers:   q.workers,
		Active:    q.active.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

// Shutdown stops accepting runs, cancels in-flight ones and waits up to deadline for the
// workers to return. Runs still buffered are dropped and their inputs released.
func (q *Queue) Shutdown(deadline time.Duration) {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.open = false
		if q.stop != nil {
			q.stop()
		}
		close(q.runs)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			q.wg.Wait()
		}()
		if deadline > 0 {
			timer := time.NewTimer(deadline)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				q.log.Warn("queue shutdown deadline reached; workers may still be running")
				return
			}
		} else {
			<-done
		}

		for item := range q.runs {
			log := q.log.With("run_id", item.Run.ID)
			log.Warn("run dropped at shutdown")
			release(item, log)
		}
	})
}
