package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stemfm/core/mediasession"
	"stemfm/core/resilience"
	"stemfm/logger"
)

// MessageType 消息类型
type MessageType string

const (
	// 服务端 -> 客户端
	MsgTypeMetadata      MessageType = "metadata"       // 当前曲目信息
	MsgTypePlaybackState MessageType = "playback_state" // 播放状态
	MsgTypePosition      MessageType = "position"       // 播放进度
	MsgTypeActions       MessageType = "actions"        // 已注册的控制动作
	MsgTypeError         MessageType = "error"          // 错误消息

	// 客户端 -> 服务端
	MsgTypeAction MessageType = "action" // 控制动作
	MsgTypeSignal MessageType = "signal" // 环境事件 (visibility, focus, devicechange ...)

	MsgTypePing MessageType = "ping"
	MsgTypePong MessageType = "pong"
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type errorData struct {
	Message string `json:"message"`
}

// Hub fans the media-session surface out to every connected remote and
// relays their actions and environment signals back. It implements
// mediasession.Surface.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once

	cmu sync.RWMutex // guards clients for readers outside Run

	mu       sync.RWMutex
	handlers map[mediasession.Action]mediasession.Handler
	metadata *mediasession.Metadata
	status   mediasession.PlaybackStatus
	position *mediasession.PositionState
	onSignal func(resilience.Event)
}

type Option func(*Hub)

// WithSignalSink receives environment events reported by remotes, normally
// resilience.Monitor.Post.
func WithSignalSink(fn func(resilience.Event)) Option {
	return func(h *Hub) { h.onSignal = fn }
}

// NewHub 创建 Hub
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		handlers:   make(map[mediasession.Action]mediasession.Handler),
		status:     mediasession.StatusNone,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastAll(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register 注册客户端
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister 注销客户端
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.cmu.RLock()
	defer h.cmu.RUnlock()
	return len(h.clients)
}

func (h *Hub) registerClient(c *Client) {
	h.cmu.Lock()
	h.clients[c] = true
	h.cmu.Unlock()

	// 新连接先收到当前状态快照
	for _, msg := range h.snapshot() {
		select {
		case c.Send <- msg:
		default:
		}
	}

	logger.Info("session client registered",
		logger.String("client", c.ID),
		logger.String("remote", c.Remote))
}

func (h *Hub) removeClient(c *Client) {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.Send)

	logger.Info("session client unregistered", logger.String("client", c.ID))
}

func (h *Hub) broadcastAll(msg []byte) {
	h.cmu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.cmu.RUnlock()

	for _, c := range clients {
		select {
		case c.Send <- msg:
		default:
			// 发送缓冲区满，移除客户端
			logger.Warn("session client too slow, dropping", logger.String("client", c.ID))
			h.removeClient(c)
		}
	}
}

func (h *Hub) cleanup() {
	h.cmu.Lock()
	defer h.cmu.Unlock()
	for c := range h.clients {
		close(c.Send)
	}
	h.clients = make(map[*Client]bool)
}

func (h *Hub) snapshot() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out [][]byte
	if h.metadata != nil {
		out = appendEncoded(out, MsgTypeMetadata, h.metadata)
	}
	out = appendEncoded(out, MsgTypePlaybackState, h.status)
	if h.position != nil {
		out = appendEncoded(out, MsgTypePosition, h.position)
	}
	out = appendEncoded(out, MsgTypeActions, h.actionsLocked())
	return out
}

func appendEncoded(out [][]byte, t MessageType, v interface{}) [][]byte {
	data, err := encode(t, v)
	if err != nil {
		logger.Warn("failed to encode session message", logger.ErrorField(err), logger.String("type", string(t)))
		return out
	}
	return append(out, data)
}

func encode(t MessageType, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return json.Marshal(&WSMessage{Type: t, Data: payload, Timestamp: time.Now().UnixMilli()})
}

// publish queues a message for every client. The surface is called with the
// bridge's lock held, so this never blocks: a full queue drops the message.
func (h *Hub) publish(t MessageType, v interface{}) error {
	data, err := encode(t, v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Warn("session broadcast queue full, message dropped", logger.String("type", string(t)))
	}
	return nil
}

func (h *Hub) actionsLocked() []mediasession.Action {
	actions := make([]mediasession.Action, 0, len(h.handlers))
	for _, a := range mediasession.AllActions {
		if _, ok := h.handlers[a]; ok {
			actions = append(actions, a)
		}
	}
	return actions
}

// mediasession.Surface

func (h *Hub) SetMetadata(m mediasession.Metadata) error {
	h.mu.Lock()
	h.metadata = &m
	h.mu.Unlock()
	return h.publish(MsgTypeMetadata, m)
}

func (h *Hub) SetPlaybackState(s mediasession.PlaybackStatus) error {
	h.mu.Lock()
	h.status = s
	if s == mediasession.StatusNone {
		h.position = nil
	}
	h.mu.Unlock()
	return h.publish(MsgTypePlaybackState, s)
}

func (h *Hub) SetPositionState(p mediasession.PositionState) error {
	h.mu.Lock()
	h.position = &p
	h.mu.Unlock()
	return h.publish(MsgTypePosition, p)
}

func (h *Hub) SetActionHandler(a mediasession.Action, fn mediasession.Handler) error {
	if fn == nil {
		return fmt.Errorf("nil handler for %s", a)
	}
	h.mu.Lock()
	h.handlers[a] = fn
	actions := h.actionsLocked()
	h.mu.Unlock()
	return h.publish(MsgTypeActions, actions)
}

func (h *Hub) ClearActionHandler(a mediasession.Action) error {
	h.mu.Lock()
	delete(h.handlers, a)
	actions := h.actionsLocked()
	h.mu.Unlock()
	return h.publish(MsgTypeActions, actions)
}

// dispatch runs the handler for d outside the hub lock.
func (h *Hub) dispatch(d mediasession.ActionDetails) error {
	h.mu.RLock()
	fn := h.handlers[d.Action]
	h.mu.RUnlock()
	if fn == nil {
		return fmt.Errorf("action %q not available", d.Action)
	}
	fn(d)
	return nil
}

func (h *Hub) signal(s resilience.Signal) error {
	ev, err := resilience.ParseSignal(s)
	if err != nil {
		return err
	}
	if h.onSignal != nil {
		h.onSignal(ev)
	}
	return nil
}
