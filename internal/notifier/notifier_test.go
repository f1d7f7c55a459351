package notifier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingSink 记录收到的告警, 可选择返回错误
type recordingSink struct {
	mu     sync.Mutex
	alerts []models.Alert
	err    error
}

func (s *recordingSink) Notify(_ context.Context, a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.alerts {
		out = append(out, a.Message)
	}
	return out
}

func TestDispatcher_FiltersByLevelAndDrainsOnClose(t *testing.T) {
	good, failing := &recordingSink{}, &recordingSink{err: errors.New("telegram down")}
	d := NewDispatcher(models.NotifierConfig{QueueSize: 10, MinLevel: "warning"}, 0, zap.NewNop(), failing, good)

	d.Send(
		models.NewAlert(models.AlertInfo, models.CategoryFill, "filled"),
		models.NewAlert(models.AlertWarning, models.CategoryGate, "spread too wide"),
		models.NewAlert(models.AlertCritical, models.CategoryDrawdown, "full cut"),
	)
	d.Close()
	d.Send(models.NewAlert(models.AlertCritical, models.CategorySystem, "after close"))

	assert.Equal(t, []string{"spread too wide", "full cut"}, good.messages(), "a failing sink does not starve the others")
	assert.Len(t, failing.messages(), 2)
}

// blockingSink 阻塞直到 release 关闭
type blockingSink struct {
	release chan struct{}
}

func (s *blockingSink) Notify(ctx context.Context, _ models.Alert) error {
	<-s.release
	return nil
}

func TestDispatcher_SendNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	d := NewDispatcher(models.NotifierConfig{QueueSize: 1}, 0, zap.NewNop(), sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Send(models.NewAlert(models.AlertInfo, models.CategoryFill, "fill"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a slow sink")
	}
	assert.GreaterOrEqual(t, d.Dropped(), 3)
	close(sink.release)
	d.Close()
}

func TestFormat(t *testing.T) {
	a := models.NewAlert(models.AlertCritical, models.CategoryDrawdown, "drawdown full cut", "pct", "15.2", "balance", "850")
	a.Time = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	text := Format(a)
	assert.True(t, strings.HasPrefix(text, "🚨 CRITICAL | DRAWDOWN\ndrawdown full cut"))
	assert.Less(t, strings.Index(text, "balance"), strings.Index(text, "pct"), "fields sorted")
	assert.Contains(t, text, "2026-05-01 12:00:00 UTC")
}

func TestTelegramNotifier_SendsToChat(t *testing.T) {
	var mu sync.Mutex
	var sent []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"grid","username":"grid_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			sent = append(sent, r.FormValue("chat_id")+"|"+r.FormValue("text"))
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
		}
	}))
	defer srv.Close()

	n, err := NewTelegramNotifier("123:abc", 42, srv.URL+"/bot%s/%s")
	require.NoError(t, err)
	require.NoError(t, n.Notify(context.Background(), models.NewAlert(models.AlertWarning, models.CategorySpike, "price spike")))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "42|⚠️ WARNING | SPIKE"))

	_, err = NewTelegramNotifier("", 42, srv.URL+"/bot%s/%s")
	assert.Error(t, err)
}
