package grid

import (
	"time"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
)

// transitions lists, per state and event, every state the level may land in.
var transitions = map[models.LevelState]map[models.LevelEvent][]models.LevelState{
	models.LevelEmpty: {
		models.EventPlaceEntry: {models.LevelBuyPlaced, models.LevelSellPlaced},
		models.EventAdopt:      {models.LevelPositionHeld},
		models.EventReset:      {models.LevelEmpty},
	},
	models.LevelBuyPlaced: {
		models.EventEntryFill:   {models.LevelPositionHeld},
		models.EventEntryCancel: {models.LevelEmpty},
		models.EventReset:       {models.LevelEmpty},
	},
	models.LevelSellPlaced: {
		models.EventEntryFill:   {models.LevelPositionHeld},
		models.EventEntryCancel: {models.LevelEmpty},
		models.EventReset:       {models.LevelEmpty},
	},
	models.LevelPositionHeld: {
		models.EventEntryFill:   {models.LevelPositionHeld},
		models.EventEntryCancel: {models.LevelPositionHeld},
		models.EventPlaceTP:     {models.LevelTPPlaced},
		models.EventReduce:      {models.LevelPositionHeld, models.LevelEmpty, models.LevelBuyPlaced, models.LevelSellPlaced},
		models.EventAdopt:       {models.LevelPositionHeld},
	},
	models.LevelTPPlaced: {
		models.EventEntryFill:   {models.LevelTPPlaced},
		models.EventEntryCancel: {models.LevelTPPlaced},
		models.EventPlaceTP:     {models.LevelTPPlaced},
		models.EventTPFill:      {models.LevelTPPlaced, models.LevelEmpty, models.LevelBuyPlaced, models.LevelSellPlaced},
		models.EventTPCancel:    {models.LevelPositionHeld},
		models.EventReduce:      {models.LevelTPPlaced, models.LevelEmpty, models.LevelBuyPlaced, models.LevelSellPlaced},
	},
}

// CanApply reports whether ev is legal in the level's current state.
func CanApply(l *models.GridLevel, ev models.LevelEvent) bool {
	_, ok := transitions[l.State][ev]
	return ok
}

func transition(l *models.GridLevel, ev models.LevelEvent, to models.LevelState, now time.Time) error {
	for _, allowed := range transitions[l.State][ev] {
		if allowed == to {
			l.State = to
			l.UpdatedAt = now
			return nil
		}
	}
	return &models.TransitionError{Level: l.Index, From: l.State, Event: ev}
}

func entryState(side models.Side) models.LevelState {
	if side == models.SideShort {
		return models.LevelSellPlaced
	}
	return models.LevelBuyPlaced
}

// afterFlat is where a level lands once its position is closed:
// back to the entry-pending state if the entry order still rests, else EMPTY.
func afterFlat(l *models.GridLevel, side models.Side) models.LevelState {
	if l.EntryClientID != "" || l.EntryOrderID != "" {
		return entryState(side)
	}
	return models.LevelEmpty
}

// PlaceEntry records an entry intent before the REST call is made.
func PlaceEntry(l *models.GridLevel, side models.Side, qty decimal.Decimal, clientID string, now time.Time) error {
	if err := transition(l, models.EventPlaceEntry, entryState(side), now); err != nil {
		return err
	}
	l.OrderQuantity = qty
	l.EntryClientID = clientID
	l.EntryOrderID = ""
	l.IntendedPrice = l.TargetPrice
	return nil
}

// EntryCanceled handles a canceled or rejected entry order.
// A level already holding a partial fill keeps its position.
func EntryCanceled(l *models.GridLevel, now time.Time) error {
	to := models.LevelEmpty
	if l.State.HasExposure() {
		to = l.State
	}
	if err := transition(l, models.EventEntryCancel, to, now); err != nil {
		return err
	}
	l.ClearEntry()
	return nil
}

// ApplyEntryFill adds qty at price and re-weights the entry price:
// entry' = (entry*q + price*q2) / (q + q2).
func ApplyEntryFill(l *models.GridLevel, price, qty decimal.Decimal, now time.Time) error {
	to := models.LevelPositionHeld
	if l.State == models.LevelTPPlaced {
		to = models.LevelTPPlaced
	}
	if err := transition(l, models.EventEntryFill, to, now); err != nil {
		return err
	}
	if !qty.IsPositive() {
		return nil
	}

	total := l.PositionQuantity.Add(qty)
	if l.PositionQuantity.IsZero() {
		l.EntryPrice = price
		l.OpenedAt = now
	} else {
		l.EntryPrice = l.EntryPrice.Mul(l.PositionQuantity).Add(price.Mul(qty)).Div(total)
	}
	l.PositionQuantity = total
	l.PartialFillCount++

	// 滑点诊断
	l.ActualFillPrice = l.EntryPrice
	if l.IntendedPrice.IsPositive() {
		l.SlippagePercent = l.ActualFillPrice.Sub(l.IntendedPrice).Div(l.IntendedPrice).Mul(hundred).Round(4)
	}
	return nil
}

// PlaceTP records a take-profit intent; on TP_PLACED it replaces the current one.
func PlaceTP(l *models.GridLevel, price, qty decimal.Decimal, mode models.TPMode, clientID string, now time.Time) error {
	if err := transition(l, models.EventPlaceTP, models.LevelTPPlaced, now); err != nil {
		return err
	}
	l.TPPrice = price
	l.TPQuantity = qty
	l.TPMode = mode
	l.TPClientID = clientID
	l.TPOrderID = ""
	l.Degraded = false
	l.DegradedReason = ""
	return nil
}

// TPCanceled reverts to POSITION_HELD after the TP left the book without filling.
func TPCanceled(l *models.GridLevel, now time.Time) error {
	if err := transition(l, models.EventTPCancel, models.LevelPositionHeld, now); err != nil {
		return err
	}
	l.ClearTP()
	return nil
}

// TPRejected is TPCanceled plus the degraded flag: exposure without a protective order.
// A rejected trailing stop switches the position to limit take-profits.
func TPRejected(l *models.GridLevel, reason string, now time.Time) error {
	trailing := l.TPMode == models.TPModeTrailing
	if err := TPCanceled(l, now); err != nil {
		return err
	}
	l.Degraded = true
	l.DegradedReason = reason
	l.DegradedSince = now
	l.TPAttempts++
	if trailing {
		l.NoTrailing = true
	}
	return nil
}

// Close is the accounting result of a TP fill or a risk reduction.
type Close struct {
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	ExitPrice  decimal.Decimal
	Pnl        decimal.Decimal
	Flat       bool
	OpenedAt   time.Time
}

// RealizedPnl is (exit - entry) * qty for LONG, negated for SHORT.
func RealizedPnl(side models.Side, entry, exit, qty decimal.Decimal) decimal.Decimal {
	return exit.Sub(entry).Mul(qty).Mul(side.Sign())
}

func closePosition(l *models.GridLevel, side models.Side, price, qty decimal.Decimal) Close {
	if qty.GreaterThan(l.PositionQuantity) {
		qty = l.PositionQuantity
	}
	c := Close{
		Quantity:   qty,
		EntryPrice: l.EntryPrice,
		ExitPrice:  price,
		Pnl:        RealizedPnl(side, l.EntryPrice, price, qty),
		OpenedAt:   l.OpenedAt,
	}
	l.PositionQuantity = l.PositionQuantity.Sub(qty)
	c.Flat = !l.PositionQuantity.IsPositive()
	return c
}

// ApplyTPFill closes qty against the level's TP. A partial TP fill keeps TP_PLACED.
func ApplyTPFill(l *models.GridLevel, side models.Side, price, qty decimal.Decimal, now time.Time) (Close, error) {
	if !CanApply(l, models.EventTPFill) {
		return Close{}, &models.TransitionError{Level: l.Index, From: l.State, Event: models.EventTPFill}
	}
	c := closePosition(l, side, price, qty)
	to := models.LevelTPPlaced
	if c.Flat {
		to = afterFlat(l, side)
	}
	if err := transition(l, models.EventTPFill, to, now); err != nil {
		return Close{}, err
	}
	if c.Flat {
		l.ClearTP()
		l.ClearPosition()
	} else {
		l.TPQuantity = l.TPQuantity.Sub(c.Quantity)
	}
	return c, nil
}

// ApplyReduce closes qty outside the TP path, e.g. a risk cut or an external close.
func ApplyReduce(l *models.GridLevel, side models.Side, price, qty decimal.Decimal, now time.Time) (Close, error) {
	if !CanApply(l, models.EventReduce) {
		return Close{}, &models.TransitionError{Level: l.Index, From: l.State, Event: models.EventReduce}
	}
	c := closePosition(l, side, price, qty)
	to := l.State
	if c.Flat {
		to = afterFlat(l, side)
	}
	if err := transition(l, models.EventReduce, to, now); err != nil {
		return Close{}, err
	}
	if c.Flat {
		l.ClearTP()
		l.ClearPosition()
	}
	return c, nil
}

// Adopt attaches an exchange position to a level with no local record of it.
func Adopt(l *models.GridLevel, qty, entry decimal.Decimal, synthetic bool, now time.Time) error {
	if err := transition(l, models.EventAdopt, models.LevelPositionHeld, now); err != nil {
		return err
	}
	l.PositionQuantity = qty
	l.EntryPrice = entry
	l.Synthetic = synthetic
	if l.OpenedAt.IsZero() {
		l.OpenedAt = now
	}
	return nil
}

// Reset empties a level for re-grid. Levels holding exposure refuse.
func Reset(l *models.GridLevel, now time.Time) error {
	if err := transition(l, models.EventReset, models.LevelEmpty, now); err != nil {
		return err
	}
	l.ClearEntry()
	l.ClearTP()
	l.ClearPosition()
	l.Retiring = false
	return nil
}
