package exchange

import (
	"testing"

	"perp-grid-engine/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserData_OrderTradeUpdate(t *testing.T) {
	msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000100,"T":1700000000099,"o":{
		"s":"BTCUSDT","c":"grid_2_eabc_3","S":"BUY","o":"LIMIT","f":"GTC","q":"0.010","p":"60000.0",
		"ap":"59999.5","sp":"0","x":"TRADE","X":"PARTIALLY_FILLED","i":8886774,"l":"0.004","z":"0.006",
		"L":"59999.0","N":"USDT","n":"0.01","T":1700000000098,"t":12,"R":false,"rp":"0"}}`)

	events, expired, err := ParseUserData(msg)
	require.NoError(t, err)
	assert.False(t, expired)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, models.EventOrderUpdate, ev.Kind)
	assert.Equal(t, "8886774", ev.OrderID)
	assert.Equal(t, "grid_2_eabc_3", ev.ClientOrderID)
	assert.Equal(t, models.OrderStatusPartiallyFilled, ev.Status)
	assert.True(t, ev.CumulativeQty.Equal(decimal.RequireFromString("0.006")))
	assert.True(t, ev.LastFillQty.Equal(decimal.RequireFromString("0.004")))
	assert.True(t, ev.AvgPrice.Equal(decimal.RequireFromString("59999.5")))
	assert.Equal(t, int64(1700000000098), ev.Sequence, "trade time orders events of one order")
}

func TestParseUserData_AccountUpdate(t *testing.T) {
	msg := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000200,"T":1700000000199,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1234.5","cw":"1200"},{"a":"BNB","wb":"1","cw":"1"}],
		"P":[{"s":"BTCUSDT","pa":"0.006","ep":"59999.5","up":"1.2","mt":"cross","ps":"BOTH"}]}}`)

	events, _, err := ParseUserData(msg)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventBalanceUpdate, events[0].Kind)
	assert.True(t, events[0].WalletBalance.Equal(decimal.RequireFromString("1234.5")))
	assert.Equal(t, models.EventPositionUpdate, events[1].Kind)
	assert.True(t, events[1].PositionAmount.Equal(decimal.RequireFromString("0.006")))
}

func TestParseUserData_ExpiredAndGarbage(t *testing.T) {
	_, expired, err := ParseUserData([]byte(`{"e":"listenKeyExpired","E":1700000000000}`))
	require.NoError(t, err)
	assert.True(t, expired)

	events, expired, err := ParseUserData([]byte(`{"e":"MARGIN_CALL","E":1}`))
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Empty(t, events)

	_, _, err = ParseUserData([]byte(`not json`))
	assert.Error(t, err)
}
