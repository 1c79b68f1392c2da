package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  any    `json:"data,omitempty"`
}

// Hub fans messages out to connections subscribed to a topic. Topics are
// "position:<id>" and "market:<ticker>".
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // topic -> set of conns
	allConn map[*conn]bool
	logger  *zap.Logger
}

type conn struct {
	ws     *websocket.Conn
	send   chan []byte
	hub    *Hub
	topics map[string]bool // guarded by hub.mu
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
		logger:  logger,
	}
}

// Publish sends a message to all subscribers of a topic. Slow clients drop
// messages rather than block the publisher.
func (h *Hub) Publish(topic, msgType string, data any) {
	b, err := json.Marshal(Msg{Type: msgType, Topic: topic, Data: data})
	if err != nil {
		h.logger.Warn("ws: marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[topic] {
		select {
		case c.send <- b:
		default:
			h.logger.Debug("ws: dropping message for slow client", zap.String("topic", topic))
		}
	}
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[topic])
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allConn)
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade error", zap.Error(err))
		return
	}
	c := &conn{
		ws:     wsConn,
		send:   make(chan []byte, sendBufferSize),
		hub:    h,
		topics: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func validTopic(topic string) bool {
	kind, id, ok := strings.Cut(topic, ":")
	return ok && id != "" && (kind == "position" || kind == "market")
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","topic":"position:<id>"}
		var sub struct {
			Action string `json:"action"`
			Topic  string `json:"topic"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || !validTopic(sub.Topic) {
			c.reply(Msg{Type: "error", Topic: sub.Topic, Data: "expected {action, topic}"})
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.Topic)
			c.reply(Msg{Type: "subscribed", Topic: sub.Topic})
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.Topic)
			c.reply(Msg{Type: "unsubscribed", Topic: sub.Topic})
		}
	}
}

// reply queues a control message for this connection only.
func (c *conn) reply(m Msg) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.allConn[c] {
		return
	}
	select {
	case c.send <- b:
	default:
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[topic]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[topic] = room
	}
	room[c] = true
	c.topics[topic] = true
}

func (h *Hub) unsubscribe(c *conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, topic)
}

// leave requires h.mu held for writing.
func (h *Hub) leave(c *conn, topic string) {
	if room, ok := h.rooms[topic]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, topic)
		}
	}
	delete(c.topics, topic)
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] {
		return
	}
	delete(h.allConn, c)
	for topic := range c.topics {
		h.leave(c, topic)
	}
	close(c.send)
}
