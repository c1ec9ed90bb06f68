package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/registry"
)

// Broker 订阅管理接口，由注册表实现。
type Broker interface {
	Subscribe(ctx context.Context, address string, sub registry.Subscriber) error
	Unsubscribe(connID string)
}

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			for _, origin := range allowedOrigins {
				if origin == "*" {
					return true
				}
			}

			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				// 没有 Origin 视为同源请求
				return true
			}

			for _, origin := range allowedOrigins {
				if requestOrigin == origin {
					return true
				}
			}

			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeConnected    MessageType = "connected"
	MessageTypeSubscribe    MessageType = "subscribe"
	MessageTypeSubscribed   MessageType = "subscribed"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeHeartbeatAck MessageType = "heartbeat_ack"
	MessageTypeNewMail      MessageType = "new_mail"
	MessageTypeError        MessageType = "error"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Email     string          `json:"email,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMailData 新邮件通知数据
type NewMailData struct {
	Email   string   `json:"email"`
	Subject string   `json:"subject"`
	From    string   `json:"from"`
	Date    string   `json:"date"`
	HTML    []string `json:"html"`
	Text    []string `json:"text"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	log  *zap.Logger

	// sendMu 保护 send 与 closed：注册表扇出在 Hub 注销该连接的
	// 同时调用 Notify，关闭与写入必须互斥。
	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

// ID 返回连接的唯一标识
func (c *Client) ID() string { return c.id }

// Notify 把新邮件通知编码后写入发送队列（注册表扇出时调用）。
// 发送队列已满时丢弃本条并记录，不阻塞投递循环。
func (c *Client) Notify(n *domain.MailNotification) {
	data, err := json.Marshal(NewMailData{
		Email:   n.Email,
		Subject: n.Subject,
		From:    n.From,
		Date:    n.Date,
		HTML:    n.HTML,
		Text:    n.Text,
	})
	if err != nil {
		c.log.Error("failed to marshal new mail data", zap.Error(err))
		return
	}

	c.sendMessage(&Message{
		Type:      MessageTypeNewMail,
		Email:     n.Email,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// closeSend 标记连接已注销并关闭发送队列。此后到达的 Notify
// 安全丢弃。重复调用无效果。
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

var _ registry.Subscriber = (*Client)(nil)

// Hub 管理所有WebSocket连接
type Hub struct {
	clients        map[string]*Client // clientID -> Client
	register       chan *Client
	unregister     chan *Client
	mu             sync.RWMutex
	broker         Broker
	log            *zap.Logger
	metrics        *monitoring.Metrics // 可选
	allowedOrigins []string
}

// NewHub 创建WebSocket Hub
func NewHub(broker Broker, allowedOrigins []string, log *zap.Logger, metrics *monitoring.Metrics) *Hub {
	// 没有配置时默认允许所有来源
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Hub{
		clients:        make(map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broker:         broker,
		log:            log,
		metrics:        metrics,
		allowedOrigins: allowedOrigins,
	}
}

// Run 启动Hub
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.log.Info("websocket hub stopped")
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client registered", zap.String("clientID", client.id))
			if h.metrics != nil {
				h.metrics.SetWebsocketClients(count)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client.id]
			if ok {
				delete(h.clients, client.id)
				client.closeSend()
			}
			count := len(h.clients)
			h.mu.Unlock()
			if ok {
				// 连接断开即解除其订阅
				h.broker.Unsubscribe(client.id)
				h.log.Info("client unregistered", zap.String("clientID", client.id))
				if h.metrics != nil {
					h.metrics.SetWebsocketClients(count)
				}
			}
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, client := range h.clients {
		h.broker.Unsubscribe(client.id)
		client.closeSend()
	}
	h.clients = make(map[string]*Client)
}

// ClientCount 返回当前在线客户端数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")),
				zap.String("remote_addr", c.ClientIP()))
			return
		}

		client := &Client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, 256),
			hub:  hub,
			log:  hub.log,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()

		// 连接确认
		client.sendMessage(&Message{
			Type:      MessageTypeConnected,
			Timestamp: time.Now(),
		})
	}
}

// readPump 处理客户端消息
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理接收到的消息
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		c.subscribe(msg.Email)
	case MessageTypeHeartbeat:
		c.sendMessage(&Message{
			Type:      MessageTypeHeartbeatAck,
			Timestamp: time.Now(),
		})
	default:
		c.log.Warn("unknown message type", zap.String("type", string(msg.Type)))
	}
}

// subscribe 订阅邮箱地址的新邮件推送。
//
// 会话创建与监听启动由注册表原子完成；失败时整个订阅失败，
// 通过 error 消息告知原因。
func (c *Client) subscribe(email string) {
	if email == "" {
		c.sendError("email is required")
		return
	}

	if err := c.hub.broker.Subscribe(context.Background(), email, c); err != nil {
		c.log.Warn("subscription failed",
			zap.String("clientID", c.id),
			zap.String("email", email),
			zap.Error(err))
		c.sendError("subscribe failed: " + err.Error())
		return
	}

	c.log.Info("subscribed to mailbox",
		zap.String("clientID", c.id),
		zap.String("email", email))

	c.sendMessage(&Message{
		Type:      MessageTypeSubscribed,
		Email:     email,
		Timestamp: time.Now(),
	})
}

// sendError 发送错误消息给客户端
func (c *Client) sendError(errMsg string) {
	c.sendMessage(&Message{
		Type:      MessageTypeError,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
}

// sendMessage 发送消息给客户端。连接已注销时静默丢弃。
func (c *Client) sendMessage(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("failed to marshal message", zap.Error(err))
		return
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		c.log.Warn("client channel blocked, dropping message",
			zap.String("clientID", c.id),
			zap.String("type", string(msg.Type)))
	}
}
