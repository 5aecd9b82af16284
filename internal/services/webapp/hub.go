package webapp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"fraud-sentinel/internal/domain/model"
	"fraud-sentinel/internal/platform/logging"
	"fraud-sentinel/internal/platform/metrics"
	"fraud-sentinel/internal/platform/pubsub"
	"fraud-sentinel/internal/services/monitor"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 正常断开的关闭码，不记 warn。
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // 非浏览器客户端
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType 是推送给界面的事件类型。
type EventType string

const (
	EventAlert    EventType = "alert"
	EventProgress EventType = "progress"
	EventMonitor  EventType = "monitor"
)

// Event 是一条实时事件。
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Subscription 是客户端的过滤条件；客户端连上后可发送 JSON 更新。
type Subscription struct {
	AllEvents   bool                 `json:"all_events"`
	EventTypes  []EventType          `json:"event_types"`
	AlertLevels []monitor.AlertLevel `json:"alert_levels"`
}

// Client 是一个 WebSocket 连接。
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients 是同时在线的连接上限。本地 UI 场景下一般只有一两个。
const MaxClients = 64

// Hub 管理 WebSocket 连接并广播告警与取证进度。实现 monitor.AlertSink。
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	dropped      atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logging.OrDefault(logger),
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run 是 hub 主循环，ctx 取消后关闭全部连接。
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "client_id", client.id, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("ws client disconnected", "client_id", client.id, "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			payload := h.serialize(event)
			if payload == nil {
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !shouldSend(client, event) {
					continue
				}
				select {
				case client.send <- payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend 判断事件是否匹配客户端订阅。
func shouldSend(client *Client, event *Event) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllEvents {
		return true
	}
	if len(sub.EventTypes) > 0 {
		matched := false
		for _, t := range sub.EventTypes {
			if t == event.Type {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(sub.AlertLevels) > 0 && event.Type == EventAlert {
		a, ok := event.Data.(monitor.Alert)
		if !ok {
			return false
		}
		for _, lvl := range sub.AlertLevels {
			if lvl == a.Level {
				return true
			}
		}
		return false
	}
	return true
}

func (h *Hub) serialize(event *Event) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("encode ws event failed", "type", event.Type, "error", err)
		return nil
	}
	return data
}

// Broadcast 投递事件；广播队列满时丢弃并计数。
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// Alert 实现 monitor.AlertSink。
func (h *Hub) Alert(_ context.Context, a monitor.Alert) {
	h.Broadcast(&Event{Type: EventAlert, Timestamp: a.RaisedAt, Data: a})
}

// ForwardProgress 把取证进度转发给所有客户端，直到 ctx 取消或订阅结束。
func (h *Hub) ForwardProgress(ctx context.Context, sub *pubsub.Subscription[model.CollectionProgress]) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case p := <-sub.C:
			if p == nil {
				continue
			}
			raw, err := model.MarshalProgress(p)
			if err != nil {
				h.logger.Warn("encode progress failed", "kind", p.ProgressKind(), "error", err)
				continue
			}
			h.Broadcast(&Event{Type: EventProgress, Timestamp: time.Now(), Data: json.RawMessage(raw)})
		}
	}
}

// Stats 返回连接统计。
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connected_clients": len(h.clients),
		"total_events":      h.totalEvents.Load(),
		"total_clients":     h.totalClients.Load(),
		"dropped_events":    h.dropped.Load(),
	}
}

// HandleWebSocket 把 HTTP 升级为 WebSocket。
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
		sub:  Subscription{AllEvents: true},
	}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump 读取订阅更新与 pong。
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "client_id", c.id, "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "client_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "client_id", c.id, "error", err)
				return
			}
		}
	}
}
