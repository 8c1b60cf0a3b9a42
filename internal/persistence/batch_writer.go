package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"risk-engine/pkg/db"
	"risk-engine/pkg/logger"
)

// ReportStore receives flushed cycle reports in one transaction.
type ReportStore interface {
	InsertCycleReports(ctx context.Context, reports []db.CycleReport) error
}

// BatchWriter buffers cycle reports so the trading loop never waits on the database.
type BatchWriter struct {
	store       ReportStore
	buffer      []db.CycleReport
	mu          sync.Mutex
	maxSize     int
	maxBuffer   int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	dropped      atomic.Uint64
}

// Metrics is a point-in-time view of writer activity.
type Metrics struct {
	TotalWrites  uint64 `json:"total_writes"`
	TotalBatches uint64 `json:"total_batches"`
	TotalErrors  uint64 `json:"total_errors"`
	Dropped      uint64 `json:"dropped"`
	Pending      int    `json:"pending"`
}

// NewBatchWriter starts a writer that flushes every interval or once maxSize reports queue up.
func NewBatchWriter(store ReportStore, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	bw := &BatchWriter{
		store:       store,
		buffer:      make([]db.CycleReport, 0, maxSize),
		maxSize:     maxSize,
		maxBuffer:   maxSize * 20,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write queues a report. A buffer that keeps failing to flush sheds its oldest entries.
func (bw *BatchWriter) Write(r db.CycleReport) {
	bw.mu.Lock()
	if len(bw.buffer) >= bw.maxBuffer {
		bw.buffer = bw.buffer[1:]
		bw.dropped.Add(1)
	}
	bw.buffer = append(bw.buffer, r)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush(context.Background())
	}
}

// Flush writes everything buffered. Failed batches are put back at the head of the buffer.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	batch := bw.buffer
	bw.buffer = make([]db.CycleReport, 0, bw.maxSize)
	bw.mu.Unlock()

	bw.totalBatches.Add(1)
	if err := bw.store.InsertCycleReports(ctx, batch); err != nil {
		bw.totalErrors.Add(1)
		logger.Warn("cycle report flush failed", zap.Int("batch", len(batch)), zap.Error(err))
		bw.mu.Lock()
		bw.buffer = append(batch, bw.buffer...)
		if over := len(bw.buffer) - bw.maxBuffer; over > 0 {
			bw.buffer = bw.buffer[over:]
			bw.dropped.Add(uint64(over))
		}
		bw.mu.Unlock()
		return err
	}
	bw.totalWrites.Add(uint64(len(batch)))
	logger.Debug("cycle reports flushed", zap.Int("count", len(batch)))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush(context.Background())
		case <-bw.done:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = bw.Flush(ctx)
			cancel()
			return
		}
	}
}

// Pending returns the number of buffered reports.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns writer counters.
func (bw *BatchWriter) Metrics() Metrics {
	return Metrics{
		TotalWrites:  bw.totalWrites.Load(),
		TotalBatches: bw.totalBatches.Load(),
		TotalErrors:  bw.totalErrors.Load(),
		Dropped:      bw.dropped.Load(),
		Pending:      bw.Pending(),
	}
}

// Close stops the background loop after a final flush.
func (bw *BatchWriter) Close() error {
	close(bw.done)
	bw.wg.Wait()
	return nil
}
