package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/igorssc/scrum-poker-sub000/internal/auth"
	"github.com/igorssc/scrum-poker-sub000/internal/events"
	"github.com/igorssc/scrum-poker-sub000/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

const (
	pingPeriod = 30 * time.Second
	readWait   = 60 * time.Second
	writeWait  = 10 * time.Second
)

// Client 是一条事件流连接，可以同时订阅多个房间。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	userID string

	mu    sync.Mutex
	rooms map[string]*RoomHub
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		userID: userID,
		rooms:  make(map[string]*RoomHub),
	}
}

// Serve 升级连接。令牌可选，但提供时必须有效。
func Serve(h *Hub, issuer auth.Issuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var userID string
		if token := auth.BearerToken(c); token != "" {
			claims, err := issuer.ParseKind(token, auth.KindAccess)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			userID = claims.UserID
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		metrics.WsConnections.Inc()
		client := newClient(h, conn, userID)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) kick() {
	c.once.Do(func() { close(c.done) })
}

func (c *Client) subscribe(roomID string) {
	c.mu.Lock()
	if _, ok := c.rooms[roomID]; ok {
		c.mu.Unlock()
		return
	}
	rh := c.hub.GetRoom(roomID)
	c.rooms[roomID] = rh
	c.mu.Unlock()
	select {
	case rh.register <- c:
	case <-c.hub.quit:
	}
}

func (c *Client) unsubscribe(roomID string) {
	c.mu.Lock()
	rh, ok := c.rooms[roomID]
	delete(c.rooms, roomID)
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rh.unregister <- c:
	case <-c.hub.quit:
	}
}

func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		rooms := make([]string, 0, len(c.rooms))
		for id := range c.rooms {
			rooms = append(rooms, id)
		}
		c.mu.Unlock()
		for _, id := range rooms {
			c.unsubscribe(id)
		}
		c.kick()
		metrics.WsConnections.Dec()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var ctrl events.Control
		if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.RoomID == "" {
			continue
		}
		switch ctrl.Action {
		case events.ActionSubscribe:
			c.subscribe(ctrl.RoomID)
		case events.ActionUnsubscribe:
			c.unsubscribe(ctrl.RoomID)
		default:
			continue
		}
		log.Debug().Str("action", ctrl.Action).Str("room_id", ctrl.RoomID).Str("user_id", c.userID).Msg("stream control")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
