package models

// ActionKind enumerates side effects the engine executes outside its command loop.
type ActionKind string

const (
	ActionPlaceEntry  ActionKind = "PLACE_ENTRY"
	ActionPlaceTP     ActionKind = "PLACE_TP"
	ActionReplaceTP   ActionKind = "REPLACE_TP"
	ActionCancelOrder ActionKind = "CANCEL_ORDER"
	ActionMarketClose ActionKind = "MARKET_CLOSE"
	ActionCancelAll   ActionKind = "CANCEL_ALL"
)

// Action is one exchange call requested by a state mutation.
type Action struct {
	Kind    ActionKind
	Level   int
	Request OrderRequest
	// CancelOrderID / CancelClientID identify the order to cancel for
	// ActionCancelOrder, ActionReplaceTP and the TPs preceding ActionMarketClose.
	CancelOrderID  string
	CancelClientID string
	PreCancels     []OrderHandle
	Reason         string
}

// OrderHandle identifies an order by both of its ids.
type OrderHandle struct {
	OrderID  string
	ClientID string
	Level    int
}
