package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockBinance 记录收到的请求, 按路径返回预设响应
type mockBinance struct {
	mu       sync.Mutex
	forms    []map[string]string
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
}

func newMockBinance(t *testing.T) (*mockBinance, *LiveExchange) {
	t.Helper()
	m := &mockBinance{handlers: make(map[string]func(w http.ResponseWriter, r *http.Request))}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := make(map[string]string)
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}
		m.mu.Lock()
		m.forms = append(m.forms, form)
		var handler func(w http.ResponseWriter, r *http.Request)
		for suffix, h := range m.handlers {
			if strings.HasSuffix(r.URL.Path, suffix) {
				handler = h
			}
		}
		m.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if handler == nil {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	ex := NewLiveExchange("test_api_key", "test_secret_key", srv.URL, 5*time.Second, zap.NewNop())
	ex.client.HTTPClient = srv.Client()
	return m, ex
}

func (m *mockBinance) on(suffix string, h func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[suffix] = h
}

func (m *mockBinance) lastForm() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forms[len(m.forms)-1]
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(status int, code int, msg string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		writeJSON(w, map[string]interface{}{"code": code, "msg": msg})
	}
}

func TestLiveExchange_GetSymbolRules(t *testing.T) {
	m, ex := newMockBinance(t)
	m.on("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"symbols": []map[string]interface{}{
				{
					"symbol": "BTCUSDT", "pricePrecision": 1, "quantityPrecision": 3,
					"filters": []map[string]interface{}{
						{"filterType": "PRICE_FILTER", "tickSize": "0.10", "minPrice": "556.80", "maxPrice": "4529764"},
						{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001", "maxQty": "1000"},
						{"filterType": "MIN_NOTIONAL", "notional": "100"},
					},
				},
			},
		})
	})

	rules, err := ex.GetSymbolRules(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, rules.TickSize.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, rules.StepSize.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, rules.MinQty.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, rules.MaxQty.Equal(decimal.NewFromInt(1000)))
	assert.True(t, rules.MinNotional.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int32(3), rules.QuantityPrecision)

	_, err = ex.GetSymbolRules(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}

func TestLiveExchange_PlaceLimitOrderSendsGrid(t *testing.T) {
	m, ex := newMockBinance(t)
	m.on("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"orderId": 123456, "symbol": "BTCUSDT", "status": "NEW",
			"clientOrderId": r.FormValue("newClientOrderId"), "price": r.FormValue("price"),
			"origQty": r.FormValue("quantity"), "executedQty": "0", "type": r.FormValue("type"),
			"side": r.FormValue("side"), "reduceOnly": r.FormValue("reduceOnly") == "true", "updateTime": 1700000000000,
		})
	})

	order, err := ex.PlaceOrder(context.Background(), models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.OrderSideSell, Type: models.OrderTypeLimit,
		Quantity: decimal.RequireFromString("0.002"), Price: decimal.RequireFromString("65000.5"),
		ReduceOnly: true, ClientOrderID: "grid_3_tabc_1",
	})
	require.NoError(t, err)

	form := m.lastForm()
	assert.Equal(t, "SELL", form["side"])
	assert.Equal(t, "LIMIT", form["type"])
	assert.Equal(t, "GTC", form["timeInForce"])
	assert.Equal(t, "65000.5", form["price"])
	assert.Equal(t, "0.002", form["quantity"])
	assert.Equal(t, "true", form["reduceOnly"])
	assert.Equal(t, "grid_3_tabc_1", form["newClientOrderId"])

	assert.Equal(t, "123456", order.OrderID)
	assert.Equal(t, "grid_3_tabc_1", order.ClientOrderID)
	assert.Equal(t, models.OrderStatusNew, order.Status)
	assert.True(t, order.ReduceOnly)
}

func TestLiveExchange_ErrorClassification(t *testing.T) {
	m, ex := newMockBinance(t)
	ctx := context.Background()
	req := models.OrderRequest{Symbol: "BTCUSDT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit,
		Quantity: decimal.RequireFromString("0.001"), Price: decimal.NewFromInt(60000), ClientOrderID: "grid_0_eabc_1"}

	t.Run("insufficient margin is a rejection", func(t *testing.T) {
		m.on("/fapi/v1/order", apiError(http.StatusBadRequest, -2019, "Margin is insufficient."))
		_, err := ex.PlaceOrder(ctx, req)
		var rej *models.RejectedOrderError
		require.True(t, errors.As(err, &rej))
		assert.Equal(t, int64(-2019), rej.Code)
	})

	t.Run("rate limit is transient", func(t *testing.T) {
		m.on("/fapi/v1/order", apiError(http.StatusTooManyRequests, -1003, "Too many requests."))
		_, err := ex.PlaceOrder(ctx, req)
		var te *models.TransientGatewayError
		assert.True(t, errors.As(err, &te))
	})

	t.Run("unknown execution status means outcome unknown", func(t *testing.T) {
		m.on("/fapi/v1/order", apiError(http.StatusServiceUnavailable, -1007, "Timeout waiting for response from backend server."))
		_, err := ex.PlaceOrder(ctx, req)
		assert.True(t, errors.Is(err, models.ErrOutcomeUnknown))
	})

	t.Run("cancel of unknown order is not found", func(t *testing.T) {
		m.on("/fapi/v1/order", apiError(http.StatusBadRequest, -2011, "Unknown order sent."))
		err := ex.CancelOrder(ctx, "BTCUSDT", "42", "")
		assert.True(t, errors.Is(err, models.ErrOrderNotFound))
		assert.Equal(t, "42", m.lastForm()["orderId"])
	})

	t.Run("cancel by client id when no exchange id", func(t *testing.T) {
		m.on("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, map[string]interface{}{"orderId": 7, "symbol": "BTCUSDT", "status": "CANCELED"})
		})
		require.NoError(t, ex.CancelOrder(ctx, "BTCUSDT", "", "grid_0_eabc_1"))
		assert.Equal(t, "grid_0_eabc_1", m.lastForm()["origClientOrderId"])
	})

	t.Run("margin type already set is success", func(t *testing.T) {
		m.on("/fapi/v1/marginType", apiError(http.StatusBadRequest, -4046, "No need to change margin type."))
		assert.NoError(t, ex.SetMarginType(ctx, "BTCUSDT", "crossed"))
		assert.Equal(t, "CROSSED", m.lastForm()["marginType"])
	})

	t.Run("position mode already one-way is success", func(t *testing.T) {
		m.on("/fapi/v1/positionSide/dual", apiError(http.StatusBadRequest, -4059, "No need to change position side."))
		assert.NoError(t, ex.EnsureOneWayMode(ctx))
	})
}

func TestLiveExchange_AccountReads(t *testing.T) {
	m, ex := newMockBinance(t)
	m.on("/balance", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"asset": "BNB", "balance": "1.0", "crossUnPnl": "0", "availableBalance": "1.0"},
			{"asset": "USDT", "balance": "1000.50", "crossWalletBalance": "1000.50", "crossUnPnl": "-12.25", "availableBalance": "800"},
		})
	})
	m.on("/positionRisk", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{
			{"symbol": "BTCUSDT", "positionAmt": "-0.5", "entryPrice": "50000.0", "markPrice": "50500.0",
				"unRealizedProfit": "-250.0", "positionSide": "BOTH"},
			{"symbol": "BTCUSDT", "positionAmt": "0", "entryPrice": "0", "markPrice": "50500.0",
				"unRealizedProfit": "0", "positionSide": "LONG"},
		})
	})
	m.on("/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "price": "50400.10", "time": 1700000000000}})
	})
	m.on("/ticker/bookTicker", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []map[string]interface{}{{"symbol": "BTCUSDT", "bidPrice": "50400.00", "bidQty": "3.2",
			"askPrice": "50400.20", "askQty": "1.5", "time": 1700000000000}})
	})
	ctx := context.Background()

	bal, err := ex.GetBalance(ctx)
	require.NoError(t, err)
	assert.True(t, bal.WalletBalance.Equal(decimal.RequireFromString("1000.5")))
	assert.True(t, bal.Equity().Equal(decimal.RequireFromString("988.25")))

	positions, err := ex.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, positions, 1, "flat legs are dropped")
	assert.True(t, positions[0].Amount.Equal(decimal.RequireFromString("-0.5")))

	tk, err := ex.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, tk.Last.Equal(decimal.RequireFromString("50400.1")))
	assert.True(t, tk.Bid.Equal(decimal.NewFromInt(50400)))
	assert.True(t, tk.AskQty.Equal(decimal.RequireFromString("1.5")))
}

func TestNetPositionMergesLegs(t *testing.T) {
	d := decimal.RequireFromString
	pos := NetPosition([]models.Position{
		{Symbol: "ETHUSDT", Amount: d("3")},
		{Symbol: "BTCUSDT", Amount: d("1"), EntryPrice: d("100")},
		{Symbol: "BTCUSDT", Amount: d("1"), EntryPrice: d("110")},
	}, "BTCUSDT")
	assert.True(t, pos.Amount.Equal(d("2")))
	assert.True(t, pos.EntryPrice.Equal(d("105")))

	flat := NetPosition(nil, "BTCUSDT")
	assert.True(t, flat.Amount.IsZero())
	assert.Equal(t, "BTCUSDT", flat.Symbol)
}
