package risk

import (
	"time"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

type pricePoint struct {
	at    time.Time
	price decimal.Decimal
}

// SpikeResult is what one price sample triggered.
type SpikeResult struct {
	Alert      *models.Alert
	PauseUntil time.Time // non-zero when an adverse extreme move pauses entries
	ChangePct  decimal.Decimal
}

// SpikeMonitor detects fast moves within a sliding window. Not safe for concurrent use.
type SpikeMonitor struct {
	cfg       models.SpikeConfig
	points    []pricePoint
	lastAlert time.Time
}

// NewSpikeMonitor creates a SpikeMonitor.
func NewSpikeMonitor(cfg models.SpikeConfig) *SpikeMonitor {
	return &SpikeMonitor{cfg: cfg}
}

// Observe records a price and compares it to the oldest sample still in the window.
func (m *SpikeMonitor) Observe(side models.Side, price decimal.Decimal, now time.Time) SpikeResult {
	var res SpikeResult
	if !price.IsPositive() {
		return res
	}
	m.points = append(m.points, pricePoint{at: now, price: price})
	cutoff := now.Add(-time.Duration(m.cfg.WindowSeconds) * time.Second)
	i := 0
	for i < len(m.points)-1 && m.points[i].at.Before(cutoff) {
		i++
	}
	m.points = m.points[i:]
	if len(m.points) < 2 {
		return res
	}

	ref := m.points[0].price
	change := price.Sub(ref).Div(ref).Mul(hundred)
	res.ChangePct = change
	abs := change.Abs()
	if !m.cfg.ThresholdPercent.IsPositive() || abs.LessThan(m.cfg.ThresholdPercent) {
		return res
	}
	cooldown := time.Duration(m.cfg.CooldownSeconds) * time.Second
	if !m.lastAlert.IsZero() && now.Sub(m.lastAlert) < cooldown {
		return res
	}
	m.lastAlert = now

	// adverse: price falling under a LONG grid or rising under a SHORT grid
	adverse := change.Mul(side.Sign()).IsNegative()
	impact := "FAVORABLE"
	if adverse {
		impact = "UNFAVORABLE"
	}
	level := models.AlertWarning
	msg := "price spike detected"
	if adverse && m.cfg.ExtremePercent.IsPositive() && abs.GreaterThanOrEqual(m.cfg.ExtremePercent) {
		level = models.AlertCritical
		msg = "extreme price move against grid side, pausing entries"
		res.PauseUntil = now.Add(time.Duration(m.cfg.PauseSeconds) * time.Second)
	}
	a := models.NewAlert(level, models.CategorySpike, msg,
		"change_pct", change.Round(2), "from", ref, "to", price,
		"window_sec", m.cfg.WindowSeconds, "side", side, "impact", impact)
	res.Alert = &a
	return res
}
