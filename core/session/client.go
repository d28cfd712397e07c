package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stemfm/core/mediasession"
	"stemfm/core/resilience"
	"stemfm/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Client WebSocket 客户端
type Client struct {
	ID     string
	Remote string
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
}

// NewClient wraps an upgraded connection.
func (h *Hub) NewClient(conn *websocket.Conn) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Remote: conn.RemoteAddr().String(),
		Hub:    h,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
	}
}

// Serve registers conn and pumps it until it closes or ctx is done.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn) {
	c := h.NewClient(conn)
	h.Register(c)
	go c.WritePump()
	c.ReadPump(ctx)
}

// ReadPump 读取消息循环
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("session read error", logger.ErrorField(err), logger.String("client", c.ID))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("invalid session message", logger.ErrorField(err), logger.String("client", c.ID))
			c.sendError("invalid message")
			continue
		}
		c.handle(&msg)
	}
}

func (c *Client) handle(msg *WSMessage) {
	switch msg.Type {
	case MsgTypePing:
		c.send(MsgTypePong, struct{}{})

	case MsgTypeAction:
		var d mediasession.ActionDetails
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			c.sendError("invalid action")
			return
		}
		if err := c.Hub.dispatch(d); err != nil {
			c.sendError(err.Error())
		}

	case MsgTypeSignal:
		var s resilience.Signal
		if err := json.Unmarshal(msg.Data, &s); err != nil {
			c.sendError("invalid signal")
			return
		}
		if err := c.Hub.signal(s); err != nil {
			logger.Debug("rejected environment signal", logger.ErrorField(err), logger.String("client", c.ID))
			c.sendError(err.Error())
		}

	default:
		c.sendError("unknown message type: " + string(msg.Type))
	}
}

// send 发送消息给客户端，缓冲区满时丢弃
func (c *Client) send(t MessageType, v interface{}) {
	data, err := encode(t, v)
	if err != nil {
		return
	}
	defer func() {
		// Send may already be closed by the hub.
		_ = recover()
	}()
	select {
	case c.Send <- data:
	default:
	}
}

func (c *Client) sendError(message string) {
	c.send(MsgTypeError, errorData{Message: message})
}

// WritePump 写入消息循环
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 关闭了通道
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 合并发送队列中的消息，每行一条
			n := len(c.Send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
