// Package emitter delivers completion event records to telemetry sinks.
//
// Inline sinks run on the caller's goroutine and see the caller's context
// (and so its active span). Queued sinks are fed by a bounded queue drained
// in batches by one background worker. Emit never blocks on the queue and
// never panics; every failure is logged and counted inside the emitter.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/llmevents/internal/llmevent"
)

const (
	DefaultQueueSize = 1024
	batchSize        = 64
)

// Result is the outcome of one Emit call.
type Result struct {
	// Delivered counts inline sinks that accepted the record.
	Delivered int
	// Queued reports whether the record was accepted for queued sinks.
	Queued bool
	// Err joins every inline sink error and any enqueue error.
	Err error
}

// Failure describes records a sink could not deliver.
type Failure struct {
	Sink        string
	Operation   string
	EventType   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// Metrics holds optional callbacks invoked at key pipeline points.
type Metrics struct {
	// OnDelivered is called once per record accepted by a sink.
	OnDelivered func(eventType, sink string)
	// OnFailure is called for every sink failure after classification.
	OnFailure func(Failure)
	// OnDrop is called when a record is dropped because the queue is full.
	OnDrop func(eventType string)
	// OnFlush is called after each queued batch has been offered to every
	// queued sink.
	OnFlush func(batchSize int, duration time.Duration)
}

type Options struct {
	Inline    []Sink
	Queued    []Sink
	QueueSize int
	// Sanitize, when set, is applied to every string attribute before any
	// sink sees the record.
	Sanitize func(string) string
	Logger   *slog.Logger
	Metrics  *Metrics
}

type Emitter struct {
	inline   []Sink
	queued   []Sink
	sanitize func(string) string
	logger   *slog.Logger
	metrics  *Metrics
	queue    chan llmevent.Record
	wg       sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.Mutex
	workerCancel context.CancelFunc

	stats stats
}

// New returns an emitter. Call Start before emitting to queued sinks.
func New(opts Options) *Emitter {
	size := opts.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &Metrics{}
	}
	e := &Emitter{
		inline:   opts.Inline,
		queued:   opts.Queued,
		sanitize: opts.Sanitize,
		logger:   logger,
		metrics:  metrics,
		queue:    make(chan llmevent.Record, size),
		done:     make(chan struct{}),
	}
	e.stats.init()
	return e
}

// SinkNames lists configured sinks, inline first.
func (e *Emitter) SinkNames() []string {
	if e == nil {
		return nil
	}
	names := make([]string, 0, len(e.inline)+len(e.queued))
	for _, s := range e.inline {
		names = append(names, s.Name())
	}
	for _, s := range e.queued {
		names = append(names, s.Name())
	}
	return names
}

// QueueLen returns the number of records waiting for queued sinks.
func (e *Emitter) QueueLen() int {
	if e == nil {
		return 0
	}
	return len(e.queue)
}

// Emit delivers rec to every inline sink and enqueues it for queued sinks.
func (e *Emitter) Emit(ctx context.Context, rec llmevent.Record) (result Result) {
	if e == nil {
		return Result{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer func() {
		if v := recover(); v != nil {
			err := &PanicError{Sink: "emitter", Value: v}
			e.logger.ErrorContext(ctx, "llm event emission panicked", "event_type", rec.Name, "error", err)
			result.Err = errors.Join(result.Err, err)
		}
	}()

	if e.sanitize != nil {
		rec = rec.MapStrings(e.sanitize)
	}
	e.stats.emitTotal.Add(1)

	var errs []error
	for _, sink := range e.inline {
		if err := e.writeSink(ctx, sink, []llmevent.Record{rec}); err != nil {
			e.reportFailure(ctx, Failure{
				Sink:        sink.Name(),
				Operation:   "write_inline",
				EventType:   rec.Name,
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
			errs = append(errs, err)
			continue
		}
		result.Delivered++
		e.recordDelivered(rec.Name, sink.Name(), 1)
	}

	if len(e.queued) > 0 {
		if err := e.enqueue(rec); err != nil {
			if errors.Is(err, ErrQueueFull) {
				e.logger.WarnContext(ctx, "llm event queue full; dropping event",
					"event_type", rec.Name,
					"completion_id", rec.CompletionID(),
					"queue_capacity", cap(e.queue),
				)
			}
			errs = append(errs, err)
		} else {
			result.Queued = true
		}
	}

	result.Err = errors.Join(errs...)
	return result
}

func (e *Emitter) enqueue(rec llmevent.Record) error {
	if e.stopped.Load() {
		return ErrStopped
	}
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.stopped.Load() {
		return ErrStopped
	}

	select {
	case e.queue <- rec:
		e.stats.enqueueAccepted.Add(1)
		e.stats.observeQueueDepth(len(e.queue))
		return nil
	default:
		e.stats.enqueueDropped.Add(1)
		e.stats.observeQueueDepth(cap(e.queue))
		e.stats.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if e.metrics.OnDrop != nil {
			e.metrics.OnDrop(rec.Name)
		}
		return ErrQueueFull
	}
}

// Start launches the queue worker. Calls after the first are no-ops.
func (e *Emitter) Start(ctx context.Context) {
	if e == nil || !e.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	e.lifecycleMu.Lock()
	e.workerCancel = cancel
	e.lifecycleMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case rec, ok := <-e.queue:
				if !ok {
					return
				}
				batch := make([]llmevent.Record, 0, batchSize)
				batch = append(batch, rec)
			drain:
				for len(batch) < batchSize {
					select {
					case <-workerCtx.Done():
						// Fresh context so the final flush is not rejected.
						e.flushBatch(context.Background(), batch)
						return
					case next, ok := <-e.queue:
						if !ok {
							e.flushBatch(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
				e.flushBatch(workerCtx, batch)
			}
		}
	}()
}

// Shutdown stops accepting records and waits for the worker to drain the
// queue or for ctx to end.
func (e *Emitter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.queueMu.Lock()
		close(e.queue)
		e.queueMu.Unlock()
		if !e.started.Load() {
			e.markDone()
		}
	})

	select {
	case <-e.done:
		e.wg.Wait()
		e.cancelWorker()
		return nil
	case <-ctx.Done():
		e.cancelWorker()
		return ctx.Err()
	}
}

func (e *Emitter) cancelWorker() {
	e.lifecycleMu.Lock()
	cancel := e.workerCancel
	e.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Emitter) markDone() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

func (e *Emitter) flushBatch(ctx context.Context, batch []llmevent.Record) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if e.metrics.OnFlush != nil {
			e.metrics.OnFlush(len(batch), time.Since(start))
		}
	}()

	for _, sink := range e.queued {
		err := e.writeSink(ctx, sink, batch)
		if err == nil {
			for _, rec := range batch {
				e.recordDelivered(rec.Name, sink.Name(), 1)
			}
			continue
		}
		if len(batch) == 1 {
			e.reportFailure(ctx, Failure{
				Sink:        sink.Name(),
				Operation:   "write_event",
				EventType:   batch[0].Name,
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
			continue
		}

		// Retry record by record so one bad record does not drop the batch.
		failed := 0
		var fallbackErr error
		var failedType string
		for _, rec := range batch {
			if recErr := e.writeSink(ctx, sink, []llmevent.Record{rec}); recErr != nil {
				failed++
				if fallbackErr == nil {
					fallbackErr = recErr
					failedType = rec.Name
				}
				continue
			}
			e.recordDelivered(rec.Name, sink.Name(), 1)
		}
		if failed > 0 {
			e.reportFailure(ctx, Failure{
				Sink:        sink.Name(),
				Operation:   "write_batch_fallback",
				EventType:   failedType,
				BatchSize:   len(batch),
				FailedCount: failed,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}

// writeSink calls sink.Write and turns a panic into a PanicError.
func (e *Emitter) writeSink(ctx context.Context, sink Sink, records []llmevent.Record) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Sink: sink.Name(), Value: v}
		}
	}()
	return sink.Write(ctx, records)
}

func (e *Emitter) recordDelivered(eventType, sink string, n int) {
	e.stats.delivered.Add(int64(n))
	if e.metrics.OnDelivered != nil {
		for i := 0; i < n; i++ {
			e.metrics.OnDelivered(eventType, sink)
		}
	}
}

func (e *Emitter) reportFailure(ctx context.Context, failure Failure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyError(failure.Err)
	e.stats.recordFailure(failure)
	e.logger.WarnContext(ctx, "llm event sink write failed",
		"sink", failure.Sink,
		"operation", failure.Operation,
		"event_type", failure.EventType,
		"batch_size", failure.BatchSize,
		"failed_count", failure.FailedCount,
		"error_class", failure.ErrorClass,
		"error", failure.Err,
	)
	if e.metrics.OnFailure != nil {
		e.metrics.OnFailure(failure)
	}
}
