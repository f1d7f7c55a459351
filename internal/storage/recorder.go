package storage

import (
	"sync"
	"time"

	"perp-grid-engine/internal/models"

	"go.uber.org/zap"
)

// TradeWriter is the write side of the trade history.
type TradeWriter interface {
	InsertTrade(t models.TradeRecord) error
	InsertBalanceSnapshot(b models.BalanceSnapshot) error
}

type record struct {
	trade    *models.TradeRecord
	snapshot *models.BalanceSnapshot
}

// Recorder writes trade history off the engine's command loop.
// A full queue drops the record with a warning instead of blocking the caller.
type Recorder struct {
	writer    TradeWriter
	sessionID string
	interval  time.Duration
	logger    *zap.Logger

	queue    chan record
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	lastSnap time.Time
}

// NewRecorder starts the writer goroutine. snapshotInterval throttles balance snapshots.
func NewRecorder(writer TradeWriter, sessionID string, queueSize int, snapshotInterval time.Duration, logger *zap.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		writer:    writer,
		sessionID: sessionID,
		interval:  snapshotInterval,
		logger:    logger,
		queue:     make(chan record, queueSize),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// RecordTrade enqueues a closed round trip.
func (r *Recorder) RecordTrade(t models.TradeRecord) {
	t.SessionID = r.sessionID
	r.enqueue(record{trade: &t})
}

// RecordSnapshot enqueues a balance snapshot unless one was taken within the interval.
func (r *Recorder) RecordSnapshot(b models.BalanceSnapshot) {
	r.mu.Lock()
	if !r.lastSnap.IsZero() && b.Time.Sub(r.lastSnap) < r.interval {
		r.mu.Unlock()
		return
	}
	r.lastSnap = b.Time
	r.mu.Unlock()
	b.SessionID = r.sessionID
	r.enqueue(record{snapshot: &b})
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("交易记录队列已满, 丢弃记录")
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for rec := range r.queue {
		switch {
		case rec.trade != nil:
			if err := r.writer.InsertTrade(*rec.trade); err != nil {
				r.logger.Error("写入交易记录失败", zap.String("trade_id", rec.trade.TradeID), zap.Error(err))
			}
		case rec.snapshot != nil:
			if err := r.writer.InsertBalanceSnapshot(*rec.snapshot); err != nil {
				r.logger.Error("写入余额快照失败", zap.Error(err))
			}
		}
	}
}

// Close drains the queue and waits for the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}
