package signal

import (
	"context"
	"sync"
	"time"

	"perp-grid-engine/internal/models"

	"go.uber.org/zap"
)

// Poller 定时刷新信号, 保存最近一次成功结果。
type Poller struct {
	analyzer Analyzer
	interval time.Duration
	logger   *zap.Logger

	mu       sync.RWMutex
	latest   models.TrendSignal
	onUpdate func(models.TrendSignal)
}

// NewPoller creates a poller; onUpdate may be nil.
func NewPoller(analyzer Analyzer, interval time.Duration, onUpdate func(models.TrendSignal), logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{analyzer: analyzer, interval: interval, onUpdate: onUpdate, logger: logger}
}

// Latest 返回最近的快照, 从未成功时 Available() 为 false。
func (p *Poller) Latest() models.TrendSignal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Refresh 立即执行一次分析。失败时保留旧快照。
func (p *Poller) Refresh(ctx context.Context) (models.TrendSignal, error) {
	sig, err := p.analyzer.Analyze(ctx)
	if err != nil {
		return p.Latest(), err
	}
	p.mu.Lock()
	p.latest = sig
	cb := p.onUpdate
	p.mu.Unlock()
	if cb != nil {
		cb(sig)
	}
	return sig, nil
}

// Run 阻塞直到 ctx 结束。
func (p *Poller) Run(ctx context.Context) {
	if _, err := p.Refresh(ctx); err != nil {
		p.logger.Warn("信号刷新失败", zap.Error(err))
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil {
				p.logger.Warn("信号刷新失败", zap.Error(err))
			}
		}
	}
}
