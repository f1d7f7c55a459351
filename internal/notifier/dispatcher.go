package notifier

import (
	"context"
	"strings"
	"sync"
	"time"

	"perp-grid-engine/internal/models"

	"go.uber.org/zap"
)

// sendTimeout 单条通知的发送超时
const sendTimeout = 10 * time.Second

// Dispatcher fans alerts out to sinks from a background worker.
// Send never blocks the caller: a full queue drops the alert and counts it.
type Dispatcher struct {
	sinks    []Notifier
	minLevel models.AlertLevel
	pace     time.Duration
	logger   *zap.Logger

	queue   chan models.Alert
	mu      sync.Mutex
	closed  bool
	dropped int
	wg      sync.WaitGroup
}

// NewDispatcher starts the worker. pace spaces consecutive deliveries (Telegram allows ~30 msg/s).
func NewDispatcher(cfg models.NotifierConfig, pace time.Duration, logger *zap.Logger, sinks ...Notifier) *Dispatcher {
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	level := models.AlertLevel(strings.ToUpper(cfg.MinLevel))
	if level != models.AlertWarning && level != models.AlertCritical {
		level = models.AlertInfo
	}
	d := &Dispatcher{
		sinks:    sinks,
		minLevel: level,
		pace:     pace,
		logger:   logger,
		queue:    make(chan models.Alert, size),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Send enqueues alerts at or above the minimum level.
func (d *Dispatcher) Send(alerts ...models.Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	for _, a := range alerts {
		if a.Level.Rank() < d.minLevel.Rank() {
			continue
		}
		select {
		case d.queue <- a:
		default:
			d.dropped++
			d.logger.Warn("通知队列已满, 丢弃告警", zap.String("message", a.Message), zap.Int("dropped", d.dropped))
		}
	}
}

// Dropped returns how many alerts were discarded on a full queue.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()
	for a := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Notify(ctx, a); err != nil {
				d.logger.Error("发送通知失败", zap.String("message", a.Message), zap.Error(err))
			}
			cancel()
		}
		if d.pace > 0 {
			time.Sleep(d.pace)
		}
	}
}

// Close delivers what is queued, then stops the worker.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}
