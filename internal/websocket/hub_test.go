package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/registry"
	"tempmail/relay/internal/session"
)

// fakeBroker 记录订阅调用的注册表替身
type fakeBroker struct {
	mu           sync.Mutex
	subs         map[string]registry.Subscriber // connID -> subscriber
	subscribeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]registry.Subscriber)}
}

func (f *fakeBroker) Subscribe(_ context.Context, _ string, sub registry.Subscriber) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subs[sub.ID()] = sub
	return nil
}

func (f *fakeBroker) Unsubscribe(connID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, connID)
}

func (f *fakeBroker) subscriber() registry.Subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		return sub
	}
	return nil
}

func (f *fakeBroker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// dialTestHub 启动 Hub 与测试服务器并建立一条客户端连接
func dialTestHub(t *testing.T, broker Broker) (*Hub, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(broker, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", HandleWebSocket(hub))
	srv := httptest.NewServer(router)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		srv.Close()
	})
	return hub, conn
}

// readMessage 读取下一条指定类型的消息，忽略其他类型
func readMessage(t *testing.T, conn *websocket.Conn, want MessageType) *Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == want {
			return &msg
		}
	}
}

func TestHub_Protocol(t *testing.T) {
	t.Run("连接后收到connected确认", func(t *testing.T) {
		_, conn := dialTestHub(t, newFakeBroker())

		msg := readMessage(t, conn, MessageTypeConnected)
		assert.False(t, msg.Timestamp.IsZero())
	})

	t.Run("订阅成功收到subscribed确认", func(t *testing.T) {
		broker := newFakeBroker()
		_, conn := dialTestHub(t, broker)

		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Email: "a@temp.example.com"}))

		msg := readMessage(t, conn, MessageTypeSubscribed)
		assert.Equal(t, "a@temp.example.com", msg.Email)
		assert.Equal(t, 1, broker.count())
	})

	t.Run("订阅失败收到error及原因", func(t *testing.T) {
		broker := newFakeBroker()
		broker.subscribeErr = session.ErrAccountNotFound
		_, conn := dialTestHub(t, broker)

		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Email: "nobody@temp.example.com"}))

		msg := readMessage(t, conn, MessageTypeError)
		assert.Contains(t, msg.Error, "subscribe failed")
	})

	t.Run("缺少email的订阅被拒绝", func(t *testing.T) {
		broker := newFakeBroker()
		_, conn := dialTestHub(t, broker)

		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe}))

		msg := readMessage(t, conn, MessageTypeError)
		assert.Contains(t, msg.Error, "email is required")
		assert.Zero(t, broker.count())
	})

	t.Run("心跳得到heartbeat_ack", func(t *testing.T) {
		_, conn := dialTestHub(t, newFakeBroker())

		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeHeartbeat}))

		msg := readMessage(t, conn, MessageTypeHeartbeatAck)
		assert.False(t, msg.Timestamp.IsZero())
	})
}

func TestHub_NewMailDelivery(t *testing.T) {
	broker := newFakeBroker()
	_, conn := dialTestHub(t, broker)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Email: "a@temp.example.com"}))
	readMessage(t, conn, MessageTypeSubscribed)

	// 注册表扇出通过 Subscriber 接口触发推送
	sub := broker.subscriber()
	require.NotNil(t, sub)
	sub.Notify(&domain.MailNotification{
		Email:   "a@temp.example.com",
		Subject: "hello",
		From:    "sender@example.com",
		Date:    "2026-01-02T15:04:05Z",
		HTML:    []string{"<p>hello</p>"},
		Text:    []string{"hello"},
	})

	msg := readMessage(t, conn, MessageTypeNewMail)
	assert.Equal(t, "a@temp.example.com", msg.Email)

	var data NewMailData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, "hello", data.Subject)
	assert.Equal(t, "sender@example.com", data.From)
	assert.Equal(t, []string{"<p>hello</p>"}, data.HTML)
	assert.Equal(t, []string{"hello"}, data.Text)
}

func TestClient_NotifyAfterUnregister(t *testing.T) {
	newClient := func() *Client {
		return &Client{id: "conn-1", send: make(chan []byte, 16), log: zap.NewNop()}
	}
	notification := &domain.MailNotification{
		Email:   "a@temp.example.com",
		Subject: "late mail",
		HTML:    []string{"<p>late</p>"},
	}

	t.Run("注销后的推送安全丢弃", func(t *testing.T) {
		c := newClient()
		c.closeSend()

		assert.NotPanics(t, func() { c.Notify(notification) })
	})

	t.Run("断开与扇出并发时不冲突", func(t *testing.T) {
		// 订阅表快照在注册表锁下生成，Notify 本身在锁外执行，
		// 因此可能落在 Hub 关闭发送队列之后
		c := newClient()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.Notify(notification)
			}
		}()
		go func() {
			defer wg.Done()
			c.closeSend()
		}()
		wg.Wait()
	})

	t.Run("重复关闭无效果", func(t *testing.T) {
		c := newClient()
		c.closeSend()
		assert.NotPanics(t, c.closeSend)
	})
}

func TestHub_DisconnectUnsubscribes(t *testing.T) {
	broker := newFakeBroker()
	hub, conn := dialTestHub(t, broker)

	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, Email: "a@temp.example.com"}))
	readMessage(t, conn, MessageTypeSubscribed)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if broker.count() == 0 && hub.ClientCount() == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("disconnect did not unsubscribe: subs=%d clients=%d", broker.count(), hub.ClientCount())
}
