package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const writerBatchSize = 64

// Exporter delivers finalized records to the telemetry backend. Delivery
// may fail transiently; failures are contained by the Writer and never
// reach a request's response path.
type Exporter interface {
	ExportRecord(ctx context.Context, record *Record) error
	ExportBatch(ctx context.Context, records []*Record) error
}

// DeliveryFailure describes telemetry records that could not be delivered.
type DeliveryFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// DeliveryFailureHandler receives asynchronous delivery failure signals.
type DeliveryFailureHandler func(DeliveryFailure)

var noopDeliveryFailureHandler = DeliveryFailureHandler(func(DeliveryFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key
// pipeline points.
type WriterMetrics struct {
	// OnEnqueue is called each time a record is successfully placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time a record is dropped because the queue is full.
	OnDrop func()
	// OnDeliver is called after each batch is delivered to the exporter.
	OnDeliver func(batchSize int, duration time.Duration)
}

// writerItem is one queue entry: either a record awaiting delivery or a
// flush barrier. A barrier is signalled once every record enqueued before
// it has been handed to the exporter.
type writerItem struct {
	record *Record
	flush  chan struct{}
}

// Writer buffers finalized records and delivers them to an Exporter from a
// single background worker. Enqueue is safe for concurrent use from many
// request goroutines; the bounded queue drops (and counts) records rather
// than blocking request handling when the backend falls behind.
type Writer struct {
	exporter Exporter
	queue    chan writerItem
	wg       sync.WaitGroup

	started         atomic.Bool
	stopped         atomic.Bool
	stopOnce        sync.Once
	doneOnce        sync.Once
	done            chan struct{}
	queueMu         sync.RWMutex
	lifecycleMu     sync.RWMutex
	workerCancel    context.CancelFunc
	failureHandle   atomic.Value // DeliveryFailureHandler
	metrics         atomic.Value // *WriterMetrics
	enqueueAccepted atomic.Int64
	enqueueDropped  atomic.Int64
	deliveryDropped atomic.Int64
}

// Diagnostics is a point-in-time snapshot of queue pressure and dropped
// record counters for operator visibility.
type Diagnostics struct {
	QueueCapacity        int   `json:"queue_capacity"`
	QueueDepth           int   `json:"queue_depth"`
	EnqueueAcceptedTotal int64 `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal  int64 `json:"enqueue_dropped_total"`
	DeliveryDroppedTotal int64 `json:"delivery_dropped_total"`
}

func NewWriter(exporter Exporter, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	writer := &Writer{
		exporter: exporter,
		queue:    make(chan writerItem, bufferSize),
		done:     make(chan struct{}),
	}
	writer.failureHandle.Store(noopDeliveryFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	return writer
}

// SetDeliveryFailureHandler replaces the callback used for dropped record signals.
func (w *Writer) SetDeliveryFailureHandler(handler DeliveryFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopDeliveryFailureHandler
	}
	w.failureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
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

// QueueLen returns the current number of items waiting in the queue.
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
		// Keep the writer usable when Start is called without a live context.
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func(workerCtx context.Context) {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case item, ok := <-w.queue:
				if !ok {
					return
				}

				batch := make([]*Record, 0, writerBatchSize)
				var barriers []chan struct{}
				batch, barriers = collectItem(batch, barriers, item)
			drain:
				for len(batch) < writerBatchSize {
					select {
					case <-workerCtx.Done():
						// Use a fresh context so the drain delivery is not
						// rejected by the exporter due to cancellation.
						w.deliverBatch(context.Background(), batch)
						releaseBarriers(barriers)
						return
					case next, ok := <-w.queue:
						if !ok {
							w.deliverBatch(context.Background(), batch)
							releaseBarriers(barriers)
							return
						}
						batch, barriers = collectItem(batch, barriers, next)
					default:
						break drain
					}
				}
				w.deliverBatch(workerCtx, batch)
				releaseBarriers(barriers)
			}
		}
	}(workerCtx)
}

func collectItem(batch []*Record, barriers []chan struct{}, item writerItem) ([]*Record, []chan struct{}) {
	if item.record != nil {
		batch = append(batch, item.record)
	}
	if item.flush != nil {
		barriers = append(barriers, item.flush)
	}
	return batch, barriers
}

func releaseBarriers(barriers []chan struct{}) {
	for _, barrier := range barriers {
		close(barrier)
	}
}

// Enqueue places a finalized record on the delivery queue. It returns
// false when the writer is stopped or the queue is full; the record is
// then dropped and counted, never blocking the caller.
func (w *Writer) Enqueue(record *Record) bool {
	if record == nil || w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- writerItem{record: record}:
		w.enqueueAccepted.Add(1)
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDropped.Add(1)
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

// Flush blocks until every record enqueued before the call has been handed
// to the exporter. It is idempotent: with nothing pending it returns
// immediately and never fails for emptiness. Delivery failures stay
// contained in the writer; Flush only fails when ctx expires or the writer
// was never started and cannot drain.
func (w *Writer) Flush(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if w.stopped.Load() {
		return nil
	}
	if !w.started.Load() {
		return errors.New("trace writer not started")
	}

	barrier := make(chan struct{})

	// Shutdown takes the write lock to close the queue, so the barrier send
	// must never park on a full queue while holding the read lock. Attempt
	// the send non-blocking under the lock and wait for room outside it.
	for {
		if w.stopped.Load() {
			return nil
		}

		w.queueMu.RLock()
		if w.stopped.Load() {
			w.queueMu.RUnlock()
			return nil
		}
		enqueued := false
		select {
		case w.queue <- writerItem{flush: barrier}:
			enqueued = true
		default:
		}
		w.queueMu.RUnlock()
		if enqueued {
			break
		}

		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case <-barrier:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown closes the queue and waits for the worker to drain it, bounded
// by ctx.
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
	if w == nil {
		return
	}
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

func (w *Writer) reportDeliveryFailure(failure DeliveryFailure) {
	if w == nil || failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyDeliveryError(failure.Err)
	w.deliveryDropped.Add(int64(failure.FailedCount))
	handler, ok := w.failureHandle.Load().(DeliveryFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// Diagnostics returns a snapshot of queue state and drop counters.
func (w *Writer) Diagnostics() Diagnostics {
	if w == nil {
		return Diagnostics{}
	}
	return Diagnostics{
		QueueCapacity:        cap(w.queue),
		QueueDepth:           len(w.queue),
		EnqueueAcceptedTotal: w.enqueueAccepted.Load(),
		EnqueueDroppedTotal:  w.enqueueDropped.Load(),
		DeliveryDroppedTotal: w.deliveryDropped.Load(),
	}
}

func (w *Writer) deliverBatch(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := w.loadMetrics(); m != nil && m.OnDeliver != nil {
			m.OnDeliver(len(batch), time.Since(start))
		}
	}()
	if len(batch) == 1 {
		if err := w.exporter.ExportRecord(ctx, batch[0]); err != nil {
			w.reportDeliveryFailure(DeliveryFailure{
				Operation:   "export_record",
				BatchSize:   1,
				FailedCount: 1,
				Err:         err,
			})
		}
		return
	}
	if err := w.exporter.ExportBatch(ctx, batch); err != nil {
		// Fall back to per-record delivery so a batch-level failure does
		// not drop every record in it.
		failed := 0
		var fallbackErr error
		for _, record := range batch {
			if recordErr := w.exporter.ExportRecord(ctx, record); recordErr != nil {
				failed++
				if fallbackErr == nil {
					fallbackErr = recordErr
				}
			}
		}
		if failed > 0 {
			w.reportDeliveryFailure(DeliveryFailure{
				Operation:   "export_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failed,
				Err:         errors.Join(err, fallbackErr),
			})
		}
	}
}
