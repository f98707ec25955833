package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/ddos_detector/pkg/system"
	"github.com/haolipeng/ddos_detector/pkg/types"
)

const (
	EventAttackDetected = "attack_detected"
	EventStatsUpdate    = "stats_update"
	EventSystemUpdate   = "system_update"

	clientSendBuffer = 16
	writeWait        = 5 * time.Second
)

// Message websocket 推送的消息
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub 管理 websocket 连接并向所有连接广播消息
// 发送缓冲区满的慢连接会被断开
type Hub struct {
	upgrader  websocket.Upgrader
	reporter  Reporter
	collector system.Collector
	tail      int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub collector 为 nil 时不推送 system_update
func NewHub(reporter Reporter, attackTail int, collector system.Collector) *Hub {
	return &Hub{
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		reporter:  reporter,
		collector: collector,
		tail:      attackTail,
		clients:   make(map[*client]struct{}),
	}
}

func (h *Hub) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logrus.Warnf("Websocket upgrade failed: %v", err)
		return nil
	}

	cl := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	logrus.WithField("remote", c.RealIP()).Debug("Websocket client connected")

	go h.writeLoop(cl)
	h.readLoop(cl)
	return nil
}

// readLoop 丢弃客户端消息，读取出错即视为断开
func (h *Hub) readLoop(cl *client) {
	defer h.remove(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(cl *client) {
	defer cl.conn.Close()
	for msg := range cl.send {
		cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logrus.Debugf("Websocket write failed: %v", err)
			h.remove(cl)
			return
		}
	}
	cl.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
}

// Broadcast 序列化一次后发给所有连接
func (h *Hub) Broadcast(msgType string, data interface{}) error {
	payload, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			logrus.Warn("Websocket client too slow, disconnecting")
			delete(h.clients, cl)
			close(cl.send)
		}
	}
	return nil
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Name() string {
	return "websocket"
}

// Notify 推送攻击事件
func (h *Hub) Notify(_ context.Context, event types.AttackEvent) error {
	return h.Broadcast(EventAttackDetected, event)
}

// Run 周期推送统计快照和主机资源，直到 ctx 取消
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Clients() == 0 {
				continue
			}
			if err := h.Broadcast(EventStatsUpdate, h.reporter.Stats(h.tail)); err != nil {
				logrus.Errorf("Failed to broadcast stats: %v", err)
			}
			if stats := collectSystem(ctx, h.collector); stats != nil {
				if err := h.Broadcast(EventSystemUpdate, stats); err != nil {
					logrus.Errorf("Failed to broadcast system stats: %v", err)
				}
			}
		}
	}
}

// Close 断开所有连接，之后的连接请求直接关闭
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for cl := range h.clients {
		delete(h.clients, cl)
		close(cl.send)
	}
}
