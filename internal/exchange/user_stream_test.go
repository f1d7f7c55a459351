package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockKeys struct {
	mu      sync.Mutex
	started int
}

func (k *mockKeys) StartUserStream(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.started++
	return fmt.Sprintf("key%d", k.started), nil
}

func (k *mockKeys) KeepAliveUserStream(ctx context.Context, listenKey string) error { return nil }
func (k *mockKeys) CloseUserStream(ctx context.Context, listenKey string) error     { return nil }

// mockHandler 记录对账屏障与事件的到达顺序
type mockHandler struct {
	mu       sync.Mutex
	log      []string
	eventsCh chan models.OrderEvent
}

func (h *mockHandler) HandleEvent(ev models.OrderEvent) {
	h.mu.Lock()
	h.log = append(h.log, "event:"+ev.ClientOrderID)
	h.mu.Unlock()
	h.eventsCh <- ev
}

func (h *mockHandler) OnStreamConnected(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.log = append(h.log, "sync")
	return nil
}

func orderUpdate(clientID string) string {
	return fmt.Sprintf(`{"e":"ORDER_TRADE_UPDATE","E":1,"T":1,"o":{"s":"BTCUSDT","c":"%s","S":"BUY","o":"LIMIT",
		"q":"1","p":"100","ap":"0","X":"NEW","i":1,"l":"0","z":"0","L":"0","T":1}}`, clientID)
}

func TestUserStream_ReconnectsWithSyncBarrier(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mu.Lock()
		paths = append(paths, r.URL.Path)
		n := len(paths)
		mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(orderUpdate(fmt.Sprintf("c%d", n))))
		if n == 1 {
			// 第一次连接: 推一条后让 listenKey 过期, 迫使客户端重连
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"listenKeyExpired","E":2}`))
		}
		// 保持连接直到客户端关闭
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	keys := &mockKeys{}
	handler := &mockHandler{eventsCh: make(chan models.OrderEvent, 10)}
	cfg := models.ExchangeConfig{WebSocketPingIntervalSec: 1, WebSocketPongTimeoutSec: 5,
		ListenKeyKeepAliveMin: 30, ReconnectMinDelayMs: 10, ReconnectMaxDelayMs: 20}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewUserStream(wsURL, keys, handler, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	for i := 1; i <= 2; i++ {
		select {
		case ev := <-handler.eventsCh:
			assert.Equal(t, fmt.Sprintf("c%d", i), ev.ClientOrderID)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not stop")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, []string{"sync", "event:c1", "sync", "event:c2"}, handler.log)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"/ws/key1", "/ws/key2"}, paths)
}
