package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"devkitd/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// Client is one websocket connection. Subscription keys are "job:<id>", "device:<id>" or "all".
type Client struct {
	hub  *WebSocketHub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	subscribed map[string]bool
}

func (c *Client) wants(keys ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		if c.subscribed[k] {
			return true
		}
	}
	return false
}

func (c *Client) setSubscribed(key string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subscribed[key] = true
	} else {
		delete(c.subscribed, key)
	}
}

// WebSocketHub fans job events out to subscribed websocket clients.
type WebSocketHub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        zerolog.Logger
}

func NewWebSocketHub(log zerolog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run serves registrations until ctx is done, then disconnects every client.
func (h *WebSocketHub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", n).Msg("Websocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", n).Msg("Websocket client disconnected")

		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// BroadcastJob sends the event to clients watching its job or device. It never blocks:
// a client whose buffer is full loses its oldest message.
func (h *WebSocketHub) BroadcastJob(event models.JobEvent) {
	message, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal job event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants("job:"+event.JobID, "device:"+event.DeviceID, "all") {
			continue
		}
		select {
		case client.send <- message:
		default:
			select {
			case <-client.send:
			default:
			}
			select {
			case client.send <- message:
			default:
				h.log.Warn().Str("job_id", event.JobID).Msg("Websocket client too slow, dropping event")
			}
		}
	}
}

// trySend queues message for one client. Callers must not hold h.mu for writing.
func (h *WebSocketHub) trySend(c *Client, message []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}

func HandleWebSocket(hub *WebSocketHub, c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		hub.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		subscribed: make(map[string]bool),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// subscription is a control message from a client.
type subscription struct {
	Type     string `json:"type"` // subscribe or unsubscribe
	JobID    string `json:"job_id,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	All      bool   `json:"all,omitempty"`
}

func (s subscription) key() string {
	switch {
	case s.JobID != "":
		return "job:" + s.JobID
	case s.DeviceID != "":
		return "device:" + s.DeviceID
	case s.All:
		return "all"
	}
	return ""
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Msg("Websocket read failed")
			}
			return
		}

		var msg subscription
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		key := msg.key()
		if key == "" {
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.setSubscribed(key, true)
		case "unsubscribe":
			c.setSubscribed(key, false)
		default:
			continue
		}
		ack, _ := json.Marshal(map[string]string{"type": msg.Type + "d", "key": key})
		c.hub.trySend(c, ack)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
