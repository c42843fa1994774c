package emitter

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// Diagnostics is a point-in-time snapshot of queue pressure, drops and sink
// failures.
type Diagnostics struct {
	Sinks                            []string         `json:"sinks"`
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	EmitTotal                        int64            `json:"emit_total"`
	DeliveredTotal                   int64            `json:"delivered_total"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	WriteFailedTotal                 int64            `json:"write_failed_total"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteFailureAt               *time.Time       `json:"last_write_failure_at,omitempty"`
	LastWriteFailureSink             string           `json:"last_write_failure_sink,omitempty"`
	FailuresByClass                  map[string]int64 `json:"failures_by_class,omitempty"`
	FailuresBySink                   map[string]int64 `json:"failures_by_sink,omitempty"`
}

type stats struct {
	emitTotal               atomic.Int64
	delivered               atomic.Int64
	queueDepthHighWatermark atomic.Int64
	enqueueAccepted         atomic.Int64
	enqueueDropped          atomic.Int64
	writeFailed             atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastFailureUnixNano     atomic.Int64

	mu       sync.Mutex
	lastSink string
	byClass  map[string]int64
	bySink   map[string]int64
}

func (s *stats) init() {
	s.byClass = make(map[string]int64)
	s.bySink = make(map[string]int64)
}

func (s *stats) recordFailure(f Failure) {
	s.writeFailed.Add(int64(f.FailedCount))
	s.lastFailureUnixNano.Store(time.Now().UTC().UnixNano())
	s.mu.Lock()
	s.lastSink = f.Sink
	s.byClass[f.ErrorClass] += int64(f.FailedCount)
	s.bySink[f.Sink] += int64(f.FailedCount)
	s.mu.Unlock()
}

func (s *stats) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	value := int64(depth)
	for {
		current := s.queueDepthHighWatermark.Load()
		if value <= current {
			return
		}
		if s.queueDepthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

// Diagnostics returns the current pipeline snapshot.
func (e *Emitter) Diagnostics() Diagnostics {
	if e == nil {
		return Diagnostics{}
	}

	capacity := cap(e.queue)
	depth := len(e.queue)
	highWatermark := int(e.stats.queueDepthHighWatermark.Load())
	if depth > highWatermark {
		highWatermark = depth
	}
	utilPct := queueUtilizationPct(depth, capacity)
	highPct := queueUtilizationPct(highWatermark, capacity)

	snapshot := Diagnostics{
		Sinks:                            e.SinkNames(),
		QueueCapacity:                    capacity,
		QueueDepth:                       depth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilPct,
		QueueHighWatermarkUtilizationPct: highPct,
		QueuePressureState:               queuePressureState(utilPct),
		QueueHighWatermarkPressureState:  queuePressureState(highPct),
		EmitTotal:                        e.stats.emitTotal.Load(),
		DeliveredTotal:                   e.stats.delivered.Load(),
		EnqueueAcceptedTotal:             e.stats.enqueueAccepted.Load(),
		EnqueueDroppedTotal:              e.stats.enqueueDropped.Load(),
		WriteFailedTotal:                 e.stats.writeFailed.Load(),
	}
	if ts := e.stats.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := e.stats.lastFailureUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteFailureAt = &last
	}

	e.stats.mu.Lock()
	snapshot.LastWriteFailureSink = e.stats.lastSink
	if len(e.stats.byClass) > 0 {
		snapshot.FailuresByClass = make(map[string]int64, len(e.stats.byClass))
		for k, v := range e.stats.byClass {
			snapshot.FailuresByClass[k] = v
		}
	}
	if len(e.stats.bySink) > 0 {
		snapshot.FailuresBySink = make(map[string]int64, len(e.stats.bySink))
		for k, v := range e.stats.bySink {
			snapshot.FailuresBySink[k] = v
		}
	}
	e.stats.mu.Unlock()

	return snapshot
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
