package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message websocket 消息
type Message struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// 消息类型
const (
	TypeStatus  = "status"
	TypePublish = "publish"
	TypeScan    = "scan"
	TypeError   = "error"
)

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
	scanWait   = 10 * time.Second
)

// wsClient 单个 websocket 连接
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// hub 管理 websocket 客户端
type hub struct {
	backend  Backend
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
}

func newHub(backend Backend) *hub {
	return &hub{
		backend: backend,
		clients: make(map[*wsClient]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// count 当前连接数
func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) broadcast(topic string, payload []byte) {
	msg := Message{
		Type:      TypePublish,
		Topic:     topic,
		Data:      json.RawMessage(payload),
		Timestamp: time.Now(),
	}
	if !json.Valid(payload) {
		msg.Data = string(payload)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// 发送队列已满，丢弃
		}
	}
}

func (h *hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// HandleWebSocket 推送状态和发布的消息；客户端发送 {"type":"scan"} 请求无线扫描
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
	if !s.hub.add(c) {
		conn.Close()
		return
	}
	log.Debug().Str("client", c.id).Msg("websocket connected")

	s.enqueue(c, Message{Type: TypeStatus, Data: s.backend.Status(), Timestamp: time.Now()})

	go c.writePump()
	s.readPump(c)
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("websocket write failed")
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) readPump(c *wsClient) {
	defer func() {
		s.hub.remove(c)
		log.Debug().Str("client", c.id).Msg("websocket disconnected")
	}()
	for {
		var req Message
		if err := c.conn.ReadJSON(&req); err != nil {
			return
		}
		switch req.Type {
		case TypeScan:
			ctx, cancel := context.WithTimeout(context.Background(), scanWait)
			list, err := s.backend.Scan(ctx)
			cancel()
			reply := Message{Type: TypeScan, Data: list, Timestamp: time.Now()}
			if err != nil {
				reply = Message{Type: TypeError, Data: err.Error(), Timestamp: time.Now()}
			}
			s.enqueue(c, reply)
		case TypeStatus:
			s.enqueue(c, Message{Type: TypeStatus, Data: s.backend.Status(), Timestamp: time.Now()})
		default:
			s.enqueue(c, Message{Type: TypeError, Data: "unknown request " + req.Type, Timestamp: time.Now()})
		}
	}
}

func (s *Server) enqueue(c *wsClient, msg Message) {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	if !s.hub.clients[c] {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
