package progress

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	utils "kitch-ingest/pkg/utils"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Handler struct {
	broadcaster *Broadcaster
}

func NewHandler(b *Broadcaster) *Handler {
	return &Handler{broadcaster: b}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/progress/:id/ws", h.Stream)
}

// Stream upgrades the request and writes every progress event for :id
// (or all ids for "*") as a JSON text message until the client leaves.
func (h *Handler) Stream(c echo.Context) error {
	topic := c.Param("id")
	if topic == "" {
		return utils.NewValidationError("progress topic is required")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &client{
		conn: conn,
		sub:  h.broadcaster.Subscribe(topic),
	}
	go client.readPump()
	client.writePump()
	return nil
}

type client struct {
	conn *websocket.Conn
	sub  *Subscription
}

// readPump only watches for the client going away; inbound messages are
// ignored.
func (c *client) readPump() {
	defer c.sub.Close()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				utils.GetLogger().Warnf("progress websocket read error: %v", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				utils.GetLogger().Errorf("marshal progress event: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
