package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/pairpad/internal/idgen"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 512
)

// OriginChecker decides whether a browser origin may open a socket.
// An empty allow list or "*" accepts every origin.
func OriginChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
	log  zerolog.Logger
}

// Handler upgrades /ws requests and attaches the connection to the hub
func (h *Hub) Handler(allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     OriginChecker(allowedOrigins),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ServeWs(h, upgrader, w, r)
	}
}

func ServeWs(hub *Hub, upgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	id := idgen.NewConnectionID()
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		id:   id,
		log:  hub.log.With().Str("conn", id).Logger(),
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

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		msg, err := protocol.Decode(frame)
		if err != nil {
			reason := "invalid"
			if errors.Is(err, protocol.ErrUnknownEvent) {
				reason = "unknown_event"
			}
			c.hub.metrics.FrameDropped(reason)
			c.log.Debug().Err(err).Msg("dropping frame")
			continue
		}

		select {
		case c.hub.inbound <- &Message{Sender: c, Msg: msg}:
		case <-c.hub.done:
			return
		}
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
