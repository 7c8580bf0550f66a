package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opensupply/OpenSupplyCore/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256

	// Time allowed for the first (auth) message
	authWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking for production
		return true
	},
}

// Client represents a WebSocket client connection. A client receives
// broadcasts only after its first message authenticated it; subscribe
// messages narrow what it receives.
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	logger        *zap.Logger
	authenticated bool

	// subscription filter, empty sets mean everything
	subMu       sync.RWMutex
	subSupplies map[string]struct{}
	subTypes    map[MessageType]struct{}
}

// wantsMessage applies the client's subscription filter.
func (c *Client) wantsMessage(msg Message) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.subTypes) > 0 {
		if _, ok := c.subTypes[msg.Type]; !ok {
			return false
		}
	}
	if len(c.subSupplies) > 0 && msg.Supply != "" {
		if _, ok := c.subSupplies[msg.Supply]; !ok {
			return false
		}
	}
	return true
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	// Deadline for the authentication message
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg map[string]interface{}
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			break
		}

		// First message MUST be authentication
		if !c.authenticated {
			if msgType, ok := msg["type"].(string); !ok || msgType != "auth" {
				c.sendAuthFailed("First message must be authentication")
				c.conn.Close()
				return
			}

			token, ok := msg["token"].(string)
			if !ok || token == "" {
				c.sendAuthFailed("Missing token in auth message")
				c.conn.Close()
				return
			}

			permissions, err := c.hub.authService.ValidateToken(
				context.Background(), token)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
				c.sendAuthFailed("Invalid or expired token")
				c.conn.Close()
				return
			}

			// Authentication successful
			c.authenticated = true
			c.conn.SetReadDeadline(time.Now().Add(pongWait))

			c.sendAuthSuccess(permissions)
			c.logger.Info("WebSocket client authenticated",
				zap.String("remote_addr", c.conn.RemoteAddr().String()),
				zap.Any("permissions", permissions))

			// NOW register to hub (only after auth)
			c.hub.register <- c
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) sendAuthSuccess(permissions []auth.Permission) {
	msg := map[string]interface{}{
		"type":        "auth_success",
		"timestamp":   time.Now(),
		"permissions": permissions,
	}
	data, _ := json.Marshal(msg)
	c.send <- data
}

func (c *Client) sendAuthFailed(reason string) {
	msg := map[string]interface{}{
		"type":      "auth_failed",
		"timestamp": time.Now(),
		"reason":    reason,
	}
	data, _ := json.Marshal(msg)
	c.send <- data
}

// handleMessage processes client messages after authentication. A
// subscribe message replaces the whole filter; empty or absent lists
// mean everything.
func (c *Client) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "subscribe":
		supplies := stringList(msg["supplies"])
		typeNames := stringList(msg["types"])

		c.subMu.Lock()
		c.subSupplies = make(map[string]struct{}, len(supplies))
		for _, s := range supplies {
			c.subSupplies[s] = struct{}{}
		}
		c.subTypes = make(map[MessageType]struct{}, len(typeNames))
		for _, t := range typeNames {
			c.subTypes[MessageType(t)] = struct{}{}
		}
		c.subMu.Unlock()

		c.logger.Debug("WebSocket subscription updated",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.Strings("supplies", supplies),
			zap.Strings("types", typeNames))

	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.Any("message", msg))
	}
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// writePump handles writing messages to the WebSocket connection
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger, // Logger vom Hub übernehmen
	}

	// Start read and write pumps in separate goroutines. The client
	// joins the hub only after readPump saw a valid auth message.
	go client.writePump()
	go client.readPump()
}
