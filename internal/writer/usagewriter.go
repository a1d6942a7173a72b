package writer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/usage"
)

// Incrementer applies one batch of usage records to the counter store.
type Incrementer interface {
	Increment(ctx context.Context, recs []usage.Record) error
}

// UsageWriter batches counter increments; it runs on a much tighter cadence
// than the log writer because admission reads these counters.
type UsageWriter struct {
	ch        chan usage.Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	engine   Incrementer
	interval time.Duration
	batch    int

	baseCtx context.Context
	log     *slog.Logger
}

// NewUsageWriter starts the consumer goroutine.
func NewUsageWriter(ctx context.Context, engine Incrementer, interval time.Duration, batchSize int, log *slog.Logger) *UsageWriter {
	if log == nil {
		log = slog.Default()
	}
	w := &UsageWriter{
		ch:       make(chan usage.Record, channelBuffer),
		done:     make(chan struct{}),
		engine:   engine,
		interval: interval,
		batch:    batchSize,
		// Flushes must outlive ctx cancellation or the drain on Close
		// would hit a dead context and lose the final batches.
		baseCtx: context.WithoutCancel(ctx),
		log:     log,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Submit enqueues one record without blocking; returns false when dropped.
func (w *UsageWriter) Submit(rec usage.Record) bool {
	select {
	case w.ch <- rec:
		return true
	default:
		atomic.AddInt64(&w.dropped, 1)
		return false
	}
}

// Dropped reports records lost to a full channel.
func (w *UsageWriter) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains the channel once and stops the consumer.
func (w *UsageWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *UsageWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]usage.Record, 0, w.batch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.engine.Increment(w.baseCtx, batch); err != nil {
			w.log.Warn("usage flush failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-w.ch:
			batch = append(batch, rec)
			if len(batch) >= w.batch {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case rec := <-w.ch:
					batch = append(batch, rec)
					if len(batch) >= w.batch {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
