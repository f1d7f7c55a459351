package models

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Side 网格方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// EntryOrderSide returns the order side that opens exposure for this grid side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that reduces exposure for this grid side.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Sign is +1 for LONG and -1 for SHORT.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// LevelState is the lifecycle state of one grid level.
type LevelState string

const (
	LevelEmpty        LevelState = "EMPTY"
	LevelBuyPlaced    LevelState = "BUY_PLACED"
	LevelPositionHeld LevelState = "POSITION_HELD"
	LevelTPPlaced     LevelState = "TP_PLACED"
	LevelSellPlaced   LevelState = "SELL_PLACED" // SHORT grid entry resting on the book
)

// HasExposure reports whether a level in this state holds an open position.
func (s LevelState) HasExposure() bool {
	return s == LevelPositionHeld || s == LevelTPPlaced
}

// EntryPending reports whether an entry order rests on the book.
func (s LevelState) EntryPending() bool {
	return s == LevelBuyPlaced || s == LevelSellPlaced
}

// TPMode records which take-profit rule produced the level's current TP.
type TPMode string

const (
	TPModeNone     TPMode = ""
	TPModeTrailing TPMode = "TRAILING"
	TPModeSmart    TPMode = "SMART"
	TPModeFixed    TPMode = "FIXED"
)

// OrderRole tells which part of a level's lifecycle an order belongs to.
type OrderRole string

const (
	RoleEntry OrderRole = "ENTRY"
	RoleTP    OrderRole = "TP"
	RoleCut   OrderRole = "CUT"
)

// GridLevel is one rung of the ladder.
type GridLevel struct {
	Index         int             `json:"index"`
	TargetPrice   decimal.Decimal `json:"target_price"`
	OrderQuantity decimal.Decimal `json:"order_quantity"`
	State         LevelState      `json:"state"`

	EntryOrderID  string `json:"entry_order_id,omitempty"`
	EntryClientID string `json:"entry_client_id,omitempty"`
	TPOrderID     string `json:"tp_order_id,omitempty"`
	TPClientID    string `json:"tp_client_id,omitempty"`

	TPPrice    decimal.Decimal `json:"tp_price"`
	TPQuantity decimal.Decimal `json:"tp_quantity"`
	TPMode     TPMode          `json:"tp_mode,omitempty"`

	// EntryPrice is the quantity-weighted average of all entry fills.
	EntryPrice       decimal.Decimal `json:"entry_price"`
	PositionQuantity decimal.Decimal `json:"position_quantity"`

	// diagnostics, not authoritative
	PartialFillCount int             `json:"partial_fill_count"`
	IntendedPrice    decimal.Decimal `json:"intended_price"`
	ActualFillPrice  decimal.Decimal `json:"actual_fill_price"`
	SlippagePercent  decimal.Decimal `json:"slippage_percent"`

	Degraded       bool      `json:"degraded,omitempty"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	DegradedSince  time.Time `json:"degraded_since,omitempty"`
	// TPAttempts 连续被拒的止盈次数, 止盈被交易所接受后清零
	TPAttempts int `json:"tp_attempts,omitempty"`
	// NoTrailing 追踪止损被拒后, 本轮持仓改用限价止盈
	NoTrailing bool `json:"no_trailing,omitempty"`
	Synthetic      bool   `json:"synthetic,omitempty"`
	Retiring       bool   `json:"retiring,omitempty"`
	// RungPrice 退役档位占住的新网格价位, 平仓后由新的空档位接替
	RungPrice decimal.Decimal `json:"rung_price"`
	Cutting        bool   `json:"cutting,omitempty"`

	OpenedAt  time.Time `json:"opened_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Notional is the level's open position valued at price.
func (l *GridLevel) Notional(price decimal.Decimal) decimal.Decimal {
	return l.PositionQuantity.Mul(price)
}

// ClearEntry drops entry order references.
func (l *GridLevel) ClearEntry() {
	l.EntryOrderID = ""
	l.EntryClientID = ""
}

// ClearTP drops take-profit order references.
func (l *GridLevel) ClearTP() {
	l.TPOrderID = ""
	l.TPClientID = ""
	l.TPPrice = decimal.Zero
	l.TPQuantity = decimal.Zero
	l.TPMode = TPModeNone
}

// ClearPosition resets position accounting after the level is flat.
func (l *GridLevel) ClearPosition() {
	l.EntryPrice = decimal.Zero
	l.PositionQuantity = decimal.Zero
	l.PartialFillCount = 0
	l.Degraded = false
	l.DegradedReason = ""
	l.DegradedSince = time.Time{}
	l.TPAttempts = 0
	l.NoTrailing = false
	l.Cutting = false
	l.OpenedAt = time.Time{}
}

// OrderRef maps an exchange or client order id to its owning level.
type OrderRef struct {
	Level int       `json:"level"`
	Role  OrderRole `json:"role"`
	CutID string    `json:"cut_id,omitempty"`
}

// EventVersion is the last applied position of an order's event stream.
// Events are ordered by (Sequence, Cumulative, StatusRank).
type EventVersion struct {
	Sequence   int64           `json:"sequence"`
	Cumulative decimal.Decimal `json:"cumulative"`
	StatusRank int             `json:"status_rank"`
	AvgPrice   decimal.Decimal `json:"avg_price"`
	Terminal   bool            `json:"terminal"`
	AppliedAt  time.Time       `json:"applied_at"`
}

// CutAllocation is the share of a market close assigned to one level.
type CutAllocation struct {
	Level      int             `json:"level"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
}

// CutOrder tracks a risk-driven market close until its fill is applied.
type CutOrder struct {
	ClientID    string          `json:"client_id"`
	Reason      string          `json:"reason"`
	Quantity    decimal.Decimal `json:"quantity"`
	Allocations []CutAllocation `json:"allocations"`
	CreatedAt   time.Time       `json:"created_at"`
}

// CancelIntent marks an order whose cancellation the engine itself requested.
type CancelIntent struct {
	Level  int    `json:"level"`
	Reason string `json:"reason"`
}

// DrawdownState of the drawdown control machine.
type DrawdownState string

const (
	DrawdownNormal         DrawdownState = "NORMAL"
	DrawdownPaused         DrawdownState = "PAUSED"
	DrawdownPartialCut     DrawdownState = "PARTIAL_CUT"
	DrawdownFullCut        DrawdownState = "FULL_CUT"
	DrawdownWaitingReentry DrawdownState = "WAITING_REENTRY"
)

// Rank orders drawdown states along the forward cycle.
func (s DrawdownState) Rank() int {
	switch s {
	case DrawdownPaused:
		return 1
	case DrawdownPartialCut:
		return 2
	case DrawdownFullCut:
		return 3
	case DrawdownWaitingReentry:
		return 4
	default:
		return 0
	}
}

// DrawdownRecord is the persisted drawdown control state.
type DrawdownRecord struct {
	State            DrawdownState   `json:"state"`
	PeakBalance      decimal.Decimal `json:"peak_balance"`
	CutTimestamp     time.Time       `json:"cut_timestamp"`
	ReentrySizeRatio decimal.Decimal `json:"reentry_size_ratio"`
	StateSince       time.Time       `json:"state_since"`
	LastPercent      decimal.Decimal `json:"last_percent"`
}

// GridState is the aggregate owner of all levels plus session data.
// It is mutated only by the engine's command loop.
type GridState struct {
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	CenterPrice  decimal.Decimal `json:"center_price"`
	RangePercent decimal.Decimal `json:"range_percent"`
	GridStep     decimal.Decimal `json:"grid_step"`
	Levels       []*GridLevel    `json:"levels"`
	NextIndex    int             `json:"next_index"`
	OrderSeq     int64           `json:"order_seq"`

	RealizedPnl       decimal.Decimal `json:"realized_pnl"`
	DailyRealizedPnl  decimal.Decimal `json:"daily_realized_pnl"`
	DailyStartTime    time.Time       `json:"daily_start_time"`
	DailyStartBalance decimal.Decimal `json:"daily_start_balance"`
	SessionHighPrice  decimal.Decimal `json:"session_high_price"`
	SessionLowPrice   decimal.Decimal `json:"session_low_price"`
	LastPrice         decimal.Decimal `json:"last_price"`
	LastBalance       decimal.Decimal `json:"last_balance"`

	Drawdown DrawdownRecord `json:"drawdown"`

	Orders          map[string]OrderRef     `json:"orders"`
	Versions        map[string]EventVersion `json:"versions"`
	PendingCuts     map[string]*CutOrder    `json:"pending_cuts"`
	ExpectedCancels map[string]CancelIntent `json:"expected_cancels"`

	EntriesBlocked  bool      `json:"entries_blocked"`
	BlockReason     string    `json:"block_reason,omitempty"`
	DailyPausedTo   time.Time `json:"daily_paused_to"`
	SpikePausedTo   time.Time `json:"spike_paused_to"`
	Halted          bool      `json:"halted"`
	HaltReason      string    `json:"halt_reason,omitempty"`
	WidenNextRange  bool      `json:"widen_next_range"`
	LastRegridAt    time.Time `json:"last_regrid_at"`
	RegridStreak    int       `json:"regrid_streak"`
	PendingSide     Side      `json:"pending_side,omitempty"` // 已接受、等待挂单撤完的方向切换
	SwitchCandidate Side      `json:"switch_candidate,omitempty"`
	SwitchStreak    int       `json:"switch_streak"`

	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LastUpdateTime time.Time `json:"last_update_time"`
}

// NewGridState returns an empty state with initialized maps.
func NewGridState(symbol string, side Side) *GridState {
	return &GridState{
		Symbol:          symbol,
		Side:            side,
		Orders:          make(map[string]OrderRef),
		Versions:        make(map[string]EventVersion),
		PendingCuts:     make(map[string]*CutOrder),
		ExpectedCancels: make(map[string]CancelIntent),
		Drawdown: DrawdownRecord{
			State:            DrawdownNormal,
			ReentrySizeRatio: decimal.NewFromInt(1),
		},
	}
}

// EnsureMaps initializes nil maps, e.g. after decoding an older snapshot.
func (s *GridState) EnsureMaps() {
	if s.Orders == nil {
		s.Orders = make(map[string]OrderRef)
	}
	if s.Versions == nil {
		s.Versions = make(map[string]EventVersion)
	}
	if s.PendingCuts == nil {
		s.PendingCuts = make(map[string]*CutOrder)
	}
	if s.ExpectedCancels == nil {
		s.ExpectedCancels = make(map[string]CancelIntent)
	}
}

// Level returns the level with the given index.
func (s *GridState) Level(index int) *GridLevel {
	for _, l := range s.Levels {
		if l.Index == index {
			return l
		}
	}
	return nil
}

// LookupOrder finds the level that owns an order by exchange or client id.
func (s *GridState) LookupOrder(orderID, clientID string) (*GridLevel, OrderRef, bool) {
	for _, key := range []string{orderID, clientID} {
		if key == "" {
			continue
		}
		if ref, ok := s.Orders[key]; ok {
			return s.Level(ref.Level), ref, true
		}
	}
	return nil, OrderRef{}, false
}

// TrackOrder registers ids for an order owned by a level.
func (s *GridState) TrackOrder(ref OrderRef, ids ...string) {
	for _, id := range ids {
		if id != "" {
			s.Orders[id] = ref
		}
	}
}

// ForgetOrder drops order id references.
func (s *GridState) ForgetOrder(ids ...string) {
	for _, id := range ids {
		if id != "" {
			delete(s.Orders, id)
		}
	}
}

// SortLevels keeps Levels ascending by target price.
func (s *GridState) SortLevels() {
	sort.SliceStable(s.Levels, func(i, j int) bool {
		return s.Levels[i].TargetPrice.LessThan(s.Levels[j].TargetPrice)
	})
}

// ExposureLevels returns levels holding an open position.
func (s *GridState) ExposureLevels() []*GridLevel {
	var out []*GridLevel
	for _, l := range s.Levels {
		if l.State.HasExposure() {
			out = append(out, l)
		}
	}
	return out
}

// HasExposure reports whether any level holds a position or a cut is in flight.
func (s *GridState) HasExposure() bool {
	return len(s.ExposureLevels()) > 0 || len(s.PendingCuts) > 0
}

// AggregatePosition returns total open quantity and its weighted-average entry.
func (s *GridState) AggregatePosition() (qty, avgEntry decimal.Decimal) {
	cost := decimal.Zero
	for _, l := range s.ExposureLevels() {
		qty = qty.Add(l.PositionQuantity)
		cost = cost.Add(l.PositionQuantity.Mul(l.EntryPrice))
	}
	if qty.IsPositive() {
		avgEntry = cost.Div(qty)
	}
	return qty, avgEntry
}

// ExposureNotional values all open positions at price.
func (s *GridState) ExposureNotional(price decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.ExposureLevels() {
		total = total.Add(l.Notional(price))
	}
	return total
}

// OpenOrderCount counts resting orders owned by levels.
func (s *GridState) OpenOrderCount() int {
	n := 0
	for _, l := range s.Levels {
		if l.State.EntryPending() {
			n++
		}
		if l.State == LevelTPPlaced {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe for concurrent reading.
func (s *GridState) Clone() *GridState {
	if s == nil {
		return nil
	}
	c := *s
	c.Levels = make([]*GridLevel, len(s.Levels))
	for i, l := range s.Levels {
		lc := *l
		c.Levels[i] = &lc
	}
	c.Orders = make(map[string]OrderRef, len(s.Orders))
	for k, v := range s.Orders {
		c.Orders[k] = v
	}
	c.Versions = make(map[string]EventVersion, len(s.Versions))
	for k, v := range s.Versions {
		c.Versions[k] = v
	}
	c.PendingCuts = make(map[string]*CutOrder, len(s.PendingCuts))
	for k, v := range s.PendingCuts {
		cut := *v
		cut.Allocations = append([]CutAllocation(nil), v.Allocations...)
		c.PendingCuts[k] = &cut
	}
	c.ExpectedCancels = make(map[string]CancelIntent, len(s.ExpectedCancels))
	for k, v := range s.ExpectedCancels {
		c.ExpectedCancels[k] = v
	}
	return &c
}
