package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tripmesh/tripmesh/bus"
	"github.com/tripmesh/tripmesh/schedule"
	"github.com/tripmesh/tripmesh/storage"
)

// WebSocket timeout constants following Gorilla best practices
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// Outbound queue per client; a client this far behind is dropped
	sendQueueSize = 64
)

// inboundMessage is the single decode shape for everything a client
// can send, discriminated by type
type inboundMessage struct {
	Type string `json:"type"`

	// schedule_edit
	Day     int             `json:"day"`
	Date    string          `json:"date"`
	Version int64           `json:"version"`
	Events  []storage.Event `json:"events"`

	// place_want_add
	Name      string  `json:"name"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	// place_want_remove
	WantID int64 `json:"wantId"`
}

// Client is one WebSocket connection scoped to a room
type Client struct {
	server    *TripServer
	conn      *websocket.Conn
	send      chan roomEvent
	id        string
	roomID    string
	userID    string
	limiter   *rate.Limiter
	closeOnce sync.Once
}

// readPump reads and routes client messages until the connection dies
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.server.logger.Warnw("WebSocket read error",
					"client_id", c.id,
					"room_id", c.roomID,
					"error", err,
				)
			}
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			c.server.logger.Warnw("Unreadable client message",
				"client_id", c.id,
				"error", err,
			)
			continue
		}

		c.routeMessage(&msg)
	}
}

// routeMessage dispatches one inbound message. Edits are rate limited
// per connection; a throttled message is dropped with a notice rather
// than disconnecting the client.
func (c *Client) routeMessage(msg *inboundMessage) {
	switch msg.Type {
	case "schedule_edit", "place_want_add", "place_want_remove":
		if !c.limiter.Allow() {
			c.server.logger.Warnw("Client edit rate limited",
				"client_id", c.id,
				"room_id", c.roomID,
				"type", msg.Type,
			)
			c.notifyError("rate limited, slow down")
			return
		}
	}

	switch msg.Type {
	case "schedule_edit":
		c.handleScheduleEdit(msg)
	case "place_want_add":
		c.handlePlaceWantAdd(msg)
	case "place_want_remove":
		c.handlePlaceWantRemove(msg)
	case "ping":
		// Deadline refresh only, handled by the pong handler
	default:
		c.server.logger.Debugw("Unknown message type",
			"type", msg.Type,
			"client_id", c.id,
		)
	}
}

func (c *Client) handleScheduleEdit(msg *inboundMessage) {
	draft := schedule.Draft{
		Day:     msg.Day,
		Date:    msg.Date,
		Version: msg.Version,
		Events:  msg.Events,
	}
	if err := c.server.schedules.ApplyEdit(c.server.ctx, c.roomID, draft); err != nil {
		c.server.logger.Warnw("Schedule edit rejected",
			"client_id", c.id,
			"room_id", c.roomID,
			"day", msg.Day,
			"error", err,
		)
		c.notifyError("schedule edit rejected")
	}
}

func (c *Client) handlePlaceWantAdd(msg *inboundMessage) {
	want := storage.Want{
		RoomID:    c.roomID,
		Name:      msg.Name,
		Address:   msg.Address,
		Latitude:  msg.Latitude,
		Longitude: msg.Longitude,
	}
	id, err := c.server.db.AddWant(c.server.ctx, want)
	if err != nil {
		c.server.logger.Errorw("Failed to add place want",
			"client_id", c.id,
			"room_id", c.roomID,
			"error", err,
		)
		c.notifyError("failed to add place")
		return
	}
	want.ID = id

	c.server.publisher.TryPublish(c.server.ctx, bus.KindPlaceWantAdd, c.roomID, want)
	c.server.coordinator.InvalidateRoom(c.server.ctx, c.roomID, "place list changed")
}

func (c *Client) handlePlaceWantRemove(msg *inboundMessage) {
	if err := c.server.db.RemoveWant(c.server.ctx, c.roomID, msg.WantID); err != nil {
		c.server.logger.Warnw("Failed to remove place want",
			"client_id", c.id,
			"room_id", c.roomID,
			"want_id", msg.WantID,
			"error", err,
		)
		c.notifyError("failed to remove place")
		return
	}

	c.server.publisher.TryPublish(c.server.ctx, bus.KindPlaceWantRemove, c.roomID,
		map[string]int64{"wantId": msg.WantID})
	c.server.coordinator.InvalidateRoom(c.server.ctx, c.roomID, "place list changed")
}

// notifyError queues an error event for this client only
func (c *Client) notifyError(message string) {
	raw, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return
	}
	select {
	case c.send <- roomEvent{Type: "error", RoomID: c.roomID, Data: raw}:
	default:
	}
}

// writePump writes queued events and keepalive pings to the connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.server.ctx.Done():
			return

		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.server.logger.Debugw("Event write error",
					"client_id", c.id,
					"error", err,
				)
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

// close safely closes the send channel
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
