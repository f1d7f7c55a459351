package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"perp-grid-engine/internal/models"
)

// 用户数据流原始消息, 字段名与币安推送一致
type userDataEnvelope struct {
	Event     string          `json:"e"`
	EventTime int64           `json:"E"`
	TxTime    int64           `json:"T"`
	Order     *wsOrderPayload `json:"o"`
	Account   *wsAccount      `json:"a"`
}

type wsOrderPayload struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Type          string `json:"o"`
	OrigQty       string `json:"q"`
	Price         string `json:"p"`
	AvgPrice      string `json:"ap"`
	StopPrice     string `json:"sp"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFillQty   string `json:"l"`
	CumulativeQty string `json:"z"`
	LastFillPrice string `json:"L"`
	TradeTime     int64  `json:"T"`
	ReduceOnly    bool   `json:"R"`
	RealizedPnl   string `json:"rp"`
}

type wsAccount struct {
	Reason    string       `json:"m"`
	Balances  []wsBalance  `json:"B"`
	Positions []wsPosition `json:"P"`
}

type wsBalance struct {
	Asset         string `json:"a"`
	WalletBalance string `json:"wb"`
}

type wsPosition struct {
	Symbol        string `json:"s"`
	Amount        string `json:"pa"`
	EntryPrice    string `json:"ep"`
	UnrealizedPnl string `json:"up"`
	PositionSide  string `json:"ps"`
}

// ParseUserData normalizes one user-data message into engine events.
// expired is true for listenKeyExpired, after which the stream must reconnect.
func ParseUserData(data []byte) (events []models.OrderEvent, expired bool, err error) {
	var env userDataEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false, fmt.Errorf("解析用户数据流消息失败: %w", err)
	}
	eventTime := time.UnixMilli(env.EventTime)

	switch env.Event {
	case "ORDER_TRADE_UPDATE":
		if env.Order == nil {
			return nil, false, fmt.Errorf("ORDER_TRADE_UPDATE without order payload")
		}
		o := env.Order
		seq := o.TradeTime
		if seq == 0 {
			seq = env.TxTime
		}
		events = append(events, models.OrderEvent{
			Kind:          models.EventOrderUpdate,
			Symbol:        o.Symbol,
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Side:          models.OrderSide(o.Side),
			Type:          models.OrderType(o.Type),
			Status:        models.OrderStatus(o.Status),
			Price:         num(o.Price),
			Quantity:      num(o.OrigQty),
			LastFillPrice: num(o.LastFillPrice),
			LastFillQty:   num(o.LastFillQty),
			CumulativeQty: num(o.CumulativeQty),
			AvgPrice:      num(o.AvgPrice),
			RealizedPnl:   num(o.RealizedPnl),
			ReduceOnly:    o.ReduceOnly,
			Sequence:      seq,
			EventTime:     eventTime,
		})
	case "ACCOUNT_UPDATE":
		if env.Account == nil {
			return nil, false, nil
		}
		for _, b := range env.Account.Balances {
			if b.Asset != "USDT" {
				continue
			}
			events = append(events, models.OrderEvent{
				Kind:          models.EventBalanceUpdate,
				WalletBalance: num(b.WalletBalance),
				Sequence:      env.TxTime,
				EventTime:     eventTime,
			})
		}
		for _, p := range env.Account.Positions {
			events = append(events, models.OrderEvent{
				Kind:           models.EventPositionUpdate,
				Symbol:         p.Symbol,
				PositionAmount: num(p.Amount),
				PositionEntry:  num(p.EntryPrice),
				UnrealizedPnl:  num(p.UnrealizedPnl),
				Sequence:       env.TxTime,
				EventTime:      eventTime,
			})
		}
	case "listenKeyExpired":
		return nil, true, nil
	}
	return events, false, nil
}
