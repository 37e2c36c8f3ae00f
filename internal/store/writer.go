package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ongoingai/perfmon/internal/pipeline"
	"github.com/ongoingai/perfmon/perflog"
)

const (
	writerBatchSize         = 64
	defaultWriterBufferSize = 256
)

// WriterDiagnostics captures write queue pressure and drop signals.
type WriterDiagnostics struct {
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	ConvertDroppedTotal              int64            `json:"convert_dropped_total"`
	WriteDroppedTotal                int64            `json:"write_dropped_total"`
	TotalDroppedTotal                int64            `json:"total_dropped_total"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteDropAt                  *time.Time       `json:"last_write_drop_at,omitempty"`
	LastWriteDropOperation           string           `json:"last_write_drop_operation,omitempty"`
	WriteFailuresByClass             map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// WriteFailure describes records that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	// OnEnqueue is called each time a record is placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time a record is dropped because the queue is full.
	OnDrop func()
	// OnFlush is called after each batch is flushed to storage.
	OnFlush func(batchSize int, duration time.Duration)
	// OnWriteStart is called before each storage write. The returned function
	// is called once the write completes.
	OnWriteStart func(batchSize int) func(error)
}

// Writer persists records asynchronously. It implements perf.Sink so a
// Monitor can hand finished traces straight to storage.
type Writer struct {
	store RecordWriter
	queue chan *Record
	wg    sync.WaitGroup

	started            atomic.Bool
	stopped            atomic.Bool
	stopOnce           sync.Once
	doneOnce           sync.Once
	done               chan struct{}
	queueMu            sync.RWMutex
	lifecycleMu        sync.RWMutex
	workerCancel       context.CancelFunc
	writeFailureHandle atomic.Value // WriteFailureHandler
	metrics            atomic.Value // *WriterMetrics

	queueHighWatermark     pipeline.Watermark
	lastEnqueueDrop        pipeline.Timestamp
	lastWriteDrop          pipeline.Timestamp
	enqueueAcceptedTotal   atomic.Int64
	enqueueDroppedTotal    atomic.Int64
	convertDroppedTotal    atomic.Int64
	writeDroppedTotal      atomic.Int64
	lastWriteDropOperation atomic.Value // string

	failuresMu      sync.Mutex
	failuresByClass map[string]int64
}

func NewWriter(store RecordWriter, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = defaultWriterBufferSize
	}

	writer := &Writer{
		store:           store,
		queue:           make(chan *Record, bufferSize),
		done:            make(chan struct{}),
		failuresByClass: make(map[string]int64),
	}
	writer.writeFailureHandle.Store(noopWriteFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	writer.lastWriteDropOperation.Store("")
	return writer
}

func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()
		w.run(workerCtx)
	}()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record, ok := <-w.queue:
			if !ok {
				return
			}

			batch := make([]*Record, 0, writerBatchSize)
			if record != nil {
				batch = append(batch, record)
			}
		drain:
			for len(batch) < writerBatchSize {
				select {
				case <-ctx.Done():
					// The worker context is gone; flush what we hold anyway.
					w.flushBatch(context.Background(), batch)
					return
				case next, ok := <-w.queue:
					if !ok {
						w.flushBatch(context.Background(), batch)
						return
					}
					if next != nil {
						batch = append(batch, next)
					}
				default:
					break drain
				}
			}
			w.flushBatch(ctx, batch)
		}
	}
}

// Enqueue converts a logged trace event to a Record and queues it. Invalid
// events are counted as conversion drops.
func (w *Writer) Enqueue(event *perflog.Event) bool {
	record, err := RecordFromEvent(event)
	if err != nil {
		w.convertDroppedTotal.Add(1)
		return false
	}
	return w.EnqueueRecord(record)
}

func (w *Writer) EnqueueRecord(record *Record) bool {
	if w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- record:
		w.enqueueAcceptedTotal.Add(1)
		w.queueHighWatermark.Observe(len(w.queue))
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.queueHighWatermark.Observe(cap(w.queue))
		w.lastEnqueueDrop.Touch(time.Now())
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown stops accepting records and waits for queued ones to be written.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))
	w.lastWriteDrop.Touch(time.Now())
	if failure.Operation != "" {
		w.lastWriteDropOperation.Store(failure.Operation)
	}
	w.failuresMu.Lock()
	w.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.failuresMu.Unlock()

	handler, ok := w.writeFailureHandle.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// Diagnostics returns a point-in-time snapshot of queue pressure and
// dropped-record counters.
func (w *Writer) Diagnostics() WriterDiagnostics {
	if w == nil {
		return WriterDiagnostics{}
	}

	capacity := cap(w.queue)
	depth := len(w.queue)
	highWatermark := max(w.queueHighWatermark.Load(), depth)
	utilization := pipeline.UtilizationPct(depth, capacity)
	highUtilization := pipeline.UtilizationPct(highWatermark, capacity)

	enqueueDropped := w.enqueueDroppedTotal.Load()
	convertDropped := w.convertDroppedTotal.Load()
	writeDropped := w.writeDroppedTotal.Load()

	snapshot := WriterDiagnostics{
		QueueCapacity:                    capacity,
		QueueDepth:                       depth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilization,
		QueueHighWatermarkUtilizationPct: highUtilization,
		QueuePressureState:               pipeline.PressureState(utilization),
		QueueHighWatermarkPressureState:  pipeline.PressureState(highUtilization),
		EnqueueAcceptedTotal:             w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:              enqueueDropped,
		ConvertDroppedTotal:              convertDropped,
		WriteDroppedTotal:                writeDropped,
		TotalDroppedTotal:                enqueueDropped + convertDropped + writeDropped,
		LastEnqueueDropAt:                w.lastEnqueueDrop.Load(),
		LastWriteDropAt:                  w.lastWriteDrop.Load(),
	}
	if operation, ok := w.lastWriteDropOperation.Load().(string); ok {
		snapshot.LastWriteDropOperation = operation
	}

	w.failuresMu.Lock()
	if len(w.failuresByClass) > 0 {
		snapshot.WriteFailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, count := range w.failuresByClass {
			snapshot.WriteFailuresByClass[class] = count
		}
	}
	w.failuresMu.Unlock()
	return snapshot
}

func (w *Writer) flushBatch(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	if m := w.loadMetrics(); m != nil && m.OnWriteStart != nil {
		droppedBefore := w.writeDroppedTotal.Load()
		end := m.OnWriteStart(len(batch))
		defer func() {
			var writeErr error
			if w.writeDroppedTotal.Load() > droppedBefore {
				writeErr = errors.New("batch had write failures")
			}
			end(writeErr)
		}()
	}
	defer func() {
		if m := w.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if len(batch) == 1 {
		if err := w.store.WriteRecord(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_record",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
		}
		return
	}
	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Retry item by item so one bad record does not drop the batch.
		failed := 0
		var fallbackErr error
		for _, record := range batch {
			if recordErr := w.store.WriteRecord(ctx, record); recordErr != nil {
				failed++
				if fallbackErr == nil {
					fallbackErr = recordErr
				}
			}
		}
		if failed > 0 {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failed,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}
