// Package writer implements the two background batch consumers fed from the
// dispatch hot path: the request-log writer (relational, with an optional
// analytics mirror) and the usage writer (KV counter increments). Producers
// never block — Submit is a try-send that drops on a full channel.
package writer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/entity"
)

// channelBuffer bounds producer back-pressure for both writers.
const channelBuffer = 256

// LogSink persists one request-log batch.
type LogSink interface {
	InsertRequestLogs(ctx context.Context, logs []entity.RequestLog) error
}

// RequestLogWriter buffers per-attempt rows and flushes them on a timer or
// on batch size, whichever comes first. Persistence is best-effort: a failed
// flush is logged and dropped — request_logs is observability, not the
// billing source of truth.
type RequestLogWriter struct {
	ch        chan entity.RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	sink     LogSink
	mirror   LogSink
	interval time.Duration
	batch    int

	baseCtx context.Context
	log     *slog.Logger
}

// NewRequestLogWriter starts the consumer goroutine. mirror may be nil.
func NewRequestLogWriter(ctx context.Context, sink, mirror LogSink, interval time.Duration, batchSize int, log *slog.Logger) *RequestLogWriter {
	if log == nil {
		log = slog.Default()
	}
	w := &RequestLogWriter{
		ch:       make(chan entity.RequestLog, channelBuffer),
		done:     make(chan struct{}),
		sink:     sink,
		mirror:   mirror,
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

// Submit enqueues one row without blocking; returns false when dropped.
func (w *RequestLogWriter) Submit(rec entity.RequestLog) bool {
	select {
	case w.ch <- rec:
		return true
	default:
		atomic.AddInt64(&w.dropped, 1)
		return false
	}
}

// Dropped reports rows lost to a full channel.
func (w *RequestLogWriter) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains the channel once and stops the consumer.
func (w *RequestLogWriter) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
	return nil
}

func (w *RequestLogWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]entity.RequestLog, 0, w.batch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.sink.InsertRequestLogs(w.baseCtx, batch); err != nil {
			w.log.Error("request log flush failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()))
		}
		if w.mirror != nil {
			if err := w.mirror.InsertRequestLogs(w.baseCtx, batch); err != nil {
				w.log.Warn("request log mirror flush failed",
					slog.Int("batch", len(batch)),
					slog.String("error", err.Error()))
			}
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
