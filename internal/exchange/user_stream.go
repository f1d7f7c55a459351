package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"perp-grid-engine/internal/models"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
)

var errListenKeyExpired = errors.New("listen key expired")

// StreamHandler receives normalized user-data events.
// OnStreamConnected runs after every (re)connect, before any message of the new session is delivered.
type StreamHandler interface {
	HandleEvent(ev models.OrderEvent)
	OnStreamConnected(ctx context.Context) error
}

// UserStream 维护币安用户数据流: listenKey 续期、心跳、断线指数退避重连。
type UserStream struct {
	wsBaseURL string
	keys      ListenKeyService
	handler   StreamHandler
	logger    *zap.Logger
	dialer    *websocket.Dialer

	pingInterval time.Duration
	pongWait     time.Duration
	keepAlive    time.Duration
	minDelay     time.Duration
	maxDelay     time.Duration
}

// NewUserStream creates a supervisor; Run drives it.
func NewUserStream(wsBaseURL string, keys ListenKeyService, handler StreamHandler, cfg models.ExchangeConfig, logger *zap.Logger) *UserStream {
	s := &UserStream{
		wsBaseURL:    strings.TrimRight(wsBaseURL, "/"),
		keys:         keys,
		handler:      handler,
		logger:       logger,
		dialer:       websocket.DefaultDialer,
		pingInterval: time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
		pongWait:     time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
		keepAlive:    time.Duration(cfg.ListenKeyKeepAliveMin) * time.Minute,
		minDelay:     time.Duration(cfg.ReconnectMinDelayMs) * time.Millisecond,
		maxDelay:     time.Duration(cfg.ReconnectMaxDelayMs) * time.Millisecond,
	}
	if s.pongWait <= 0 {
		s.pongWait = 60 * time.Second
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.pongWait {
		s.pingInterval = (s.pongWait * 9) / 10
	}
	if s.keepAlive <= 0 {
		s.keepAlive = 30 * time.Minute
	}
	return s
}

// Run 是一个守护循环, 负责维持连接和重连, 直到 ctx 结束。
func (s *UserStream) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: s.minDelay, Max: s.maxDelay, Factor: 2, Jitter: true}
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.session(ctx, b)
		if ctx.Err() != nil {
			s.logger.Info("用户数据流已停止")
			return nil
		}
		wait := b.Duration()
		s.logger.Warn("用户数据流断开, 准备重连", zap.Error(err), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// session 建立一次连接并阻塞到连接断开。
func (s *UserStream) session(ctx context.Context, b *backoff.Backoff) error {
	key, err := s.keys.StartUserStream(ctx)
	if err != nil {
		return fmt.Errorf("创建 listenKey 失败: %w", err)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.wsBaseURL+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("无法连接到 WebSocket: %w", err)
	}
	defer conn.Close()
	s.logger.Info("用户数据流已连接")

	// 对账屏障: 先与交易所对齐, 再消费新连接上的消息
	if err := s.handler.OnStreamConnected(ctx); err != nil {
		return fmt.Errorf("重连对账失败: %w", err)
	}
	b.Reset()

	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.heartbeat(ctx, conn, key, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取消息失败: %w", err)
		}
		events, expired, err := ParseUserData(message)
		if err != nil {
			s.logger.Warn("忽略无法解析的推送", zap.Error(err))
			continue
		}
		if expired {
			return errListenKeyExpired
		}
		for _, ev := range events {
			s.handler.HandleEvent(ev)
		}
	}
}

// heartbeat 定期发送 Ping 并续期 listenKey; ctx 结束时发送关闭帧。
func (s *UserStream) heartbeat(ctx context.Context, conn *websocket.Conn, key string, done <-chan struct{}) {
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()
	keep := time.NewTicker(s.keepAlive)
	defer keep.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.logger.Warn("发送Ping失败", zap.Error(err))
				conn.Close()
				return
			}
		case <-keep.C:
			if err := s.keys.KeepAliveUserStream(ctx, key); err != nil {
				s.logger.Warn("保持 listenKey 存活失败", zap.Error(err))
			}
		}
	}
}
