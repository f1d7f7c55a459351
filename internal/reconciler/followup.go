package reconciler

import (
	"errors"
	"time"

	"perp-grid-engine/internal/grid"
	"perp-grid-engine/internal/models"
)

// VersionTTL bounds how long terminal order versions are kept for dedupe.
const VersionTTL = 24 * time.Hour

// OrderAccepted attaches the exchange order id returned by a successful placement.
// Fills are never taken from the REST response; they arrive as events.
func (r *Reconciler) OrderAccepted(st *models.GridState, clientID string, order models.Order) {
	ref, ok := st.Orders[clientID]
	if !ok {
		return
	}
	st.TrackOrder(ref, order.OrderID)
	l := st.Level(ref.Level)
	if l == nil {
		return
	}
	switch ref.Role {
	case models.RoleEntry:
		if l.EntryClientID == clientID && l.EntryOrderID == "" {
			l.EntryOrderID = order.OrderID
		}
	case models.RoleTP:
		if l.TPClientID == clientID && l.TPOrderID == "" {
			l.TPOrderID = order.OrderID
			l.TPAttempts = 0
		}
	}
}

// OrderRejected reverts an optimistic intent once the venue definitively refused it,
// or a status query proved the order never reached the book.
func (r *Reconciler) OrderRejected(st *models.GridState, clientID string, cause error, env Env) Result {
	var res Result
	ref, ok := st.Orders[clientID]
	if !ok {
		return res
	}
	st.ForgetOrder(clientID)
	reason := "rejected"
	if cause != nil {
		reason = cause.Error()
	}

	switch ref.Role {
	case models.RoleEntry:
		l := st.Level(ref.Level)
		if l == nil || l.EntryClientID != clientID {
			return res
		}
		if err := grid.EntryCanceled(l, env.Now); err != nil {
			r.logger.Sugar().Warnf("入场拒单无法回滚: %v", err)
			return res
		}
		res.alert(models.AlertWarning, models.CategoryOrder, "entry order rejected",
			"level", l.Index, "price", l.TargetPrice, "qty", l.OrderQuantity, "reason", reason)
		if l.Retiring && l.State == models.LevelEmpty {
			retireLevel(st, l)
		}
	case models.RoleTP:
		l := st.Level(ref.Level)
		if l == nil || l.TPClientID != clientID || l.State != models.LevelTPPlaced {
			return res
		}
		if err := grid.TPRejected(l, reason, env.Now); err != nil {
			r.logger.Sugar().Warnf("止盈拒单无法回滚: %v", err)
			return res
		}
		r.logger.Sugar().Warnf("止盈被拒绝, level=%d 无保护单: %s", l.Index, reason)
		res.alert(models.AlertWarning, models.CategoryOrder, "take-profit rejected, level unprotected",
			"level", l.Index, "position", l.PositionQuantity, "entry", l.EntryPrice, "reason", reason)
	case models.RoleCut:
		cut := st.PendingCuts[ref.CutID]
		if cut == nil {
			return res
		}
		res.alert(models.AlertCritical, models.CategoryDrawdown, "risk cut rejected",
			"reason", cut.Reason, "qty", cut.Quantity, "error", reason)
		r.releaseCut(st, cut, env, &res)
	}
	return res
}

// CancelFailed handles a cancel that could not be confirmed.
// Not-found means the order already left the book and its terminal event settles the level.
func (r *Reconciler) CancelFailed(st *models.GridState, h models.OrderHandle, cause error, env Env) Result {
	var res Result
	if errors.Is(cause, models.ErrOrderNotFound) {
		return res
	}
	key := orderKey(h.OrderID, h.ClientID)
	intent, ok := st.ExpectedCancels[key]
	if !ok {
		return res
	}
	delete(st.ExpectedCancels, key)
	if l := st.Level(h.Level); l != nil && intent.Reason == "regrid" {
		// the order is still live, the level stays in the ladder
		l.Retiring = false
	}
	res.alert(models.AlertWarning, models.CategoryOrder, "cancel failed, order may still be live",
		"level", h.Level, "order_id", h.OrderID, "reason", intent.Reason, "error", cause)
	res.Resync = true
	return res
}

// EventFromOrder turns a REST order snapshot into a stream-equivalent event.
// Versions make it safe to apply alongside the live stream.
func EventFromOrder(o models.Order) models.OrderEvent {
	return models.OrderEvent{
		Kind:          models.EventOrderUpdate,
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		Price:         o.Price,
		Quantity:      o.OrigQty,
		CumulativeQty: o.ExecutedQty,
		AvgPrice:      o.AvgPrice,
		ReduceOnly:    o.ReduceOnly,
		Sequence:      o.UpdateTime.UnixMilli(),
		EventTime:     o.UpdateTime,
	}
}

// PruneVersions drops terminal versions older than ttl that no order references.
func PruneVersions(st *models.GridState, now time.Time, ttl time.Duration) int {
	n := 0
	for key, v := range st.Versions {
		if !v.Terminal || now.Sub(v.AppliedAt) < ttl {
			continue
		}
		if _, live := st.Orders[key]; live {
			continue
		}
		delete(st.Versions, key)
		n++
	}
	return n
}
