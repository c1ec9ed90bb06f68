package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/session"
	"tempmail/relay/internal/storage/memory"
	"tempmail/relay/internal/upstream"
	"tempmail/relay/internal/watcher"
)

// fakeGateway 内存版上游网关
type fakeGateway struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account         // address -> account
	messages map[string][]domain.MessageSummary // accountID -> 收件箱消息
	details  map[string]*domain.MessageDetail   // messageID -> 详情
	creates  int
	seq      int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		accounts: make(map[string]*domain.Account),
		messages: make(map[string][]domain.MessageSummary),
		details:  make(map[string]*domain.MessageDetail),
	}
}

func (f *fakeGateway) addAccount(address string) *domain.Account {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addAccountLocked(address)
}

func (f *fakeGateway) addAccountLocked(address string) *domain.Account {
	f.seq++
	account := &domain.Account{
		ID:      fmt.Sprintf("acc-%d", f.seq),
		Address: address,
		Mailboxes: []domain.MailboxInfo{
			{ID: fmt.Sprintf("mb-%d", f.seq), Path: domain.InboxPath},
		},
	}
	f.accounts[address] = account
	return account
}

func (f *fakeGateway) push(address, messageID, subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account := f.accounts[address]
	f.messages[account.ID] = append(f.messages[account.ID], domain.MessageSummary{
		ID: messageID, Subject: subject,
	})
	f.details[messageID] = &domain.MessageDetail{
		ID: messageID, Subject: subject,
		From: domain.MessageAddress{Address: "sender@example.com"},
		HTML: []string{"<p>" + subject + "</p>"},
		Text: []string{subject},
	}
}

func (f *fakeGateway) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

func (f *fakeGateway) CreateAccount(_ context.Context, address, _ string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if _, ok := f.accounts[address]; ok {
		return nil, upstream.ErrAccountExists
	}
	return f.addAccountLocked(address), nil
}

func (f *fakeGateway) GetAccountByAddress(_ context.Context, address string) (*domain.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[address]
	if !ok {
		return nil, upstream.ErrAccountNotFound
	}
	return account, nil
}

func (f *fakeGateway) ListMailboxes(_ context.Context, accountID string) ([]domain.MailboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, account := range f.accounts {
		if account.ID == accountID {
			return account.Mailboxes, nil
		}
	}
	return nil, nil
}

func (f *fakeGateway) ListMessages(_ context.Context, accountID, _ string) ([]domain.MessageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MessageSummary(nil), f.messages[accountID]...), nil
}

func (f *fakeGateway) GetMessageDetail(_ context.Context, _, _, messageID string) (*domain.MessageDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	detail, ok := f.details[messageID]
	if !ok {
		return nil, fmt.Errorf("no such message: %s", messageID)
	}
	return detail, nil
}

// fakeSubscriber 收集通知的连接替身
type fakeSubscriber struct {
	id string
	ch chan *domain.MailNotification
}

func newFakeSubscriber(id string) *fakeSubscriber {
	return &fakeSubscriber{id: id, ch: make(chan *domain.MailNotification, 16)}
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Notify(n *domain.MailNotification) { f.ch <- n }

func (f *fakeSubscriber) wait(t *testing.T) *domain.MailNotification {
	t.Helper()
	select {
	case n := <-f.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("notification timed out")
		return nil
	}
}

func newTestRegistry(gw *fakeGateway) *Registry {
	return New(Options{
		Session: session.Options{
			Gateway:         gw,
			Seen:            memory.NewSeenStore(),
			Log:             zap.NewNop(),
			Domain:          "temp.example.com",
			DefaultPassword: "secret",
			PollInterval:    10 * time.Millisecond,
			CreateBackoff:   10 * time.Millisecond,
		},
		PollInterval: 10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
		WaitTimeout:  200 * time.Millisecond,
		Log:          zap.NewNop(),
	})
}

// waitState 轮询等待某地址的 Watcher 达到目标状态
func waitState(t *testing.T, r *Registry, address string, want watcher.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.WatcherState(address) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("watcher for %s never reached %s", address, want)
}

func TestRegistry_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("订阅启动监听并收到推送", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("a@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		sub := newFakeSubscriber("conn-1")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub))
		assert.Equal(t, watcher.StateRunning, r.WatcherState("a@temp.example.com"))

		gw.push("a@temp.example.com", "m-1", "hello")

		n := sub.wait(t)
		assert.Equal(t, "a@temp.example.com", n.Email)
		assert.Equal(t, "hello", n.Subject)
		assert.Equal(t, []string{"<p>hello</p>"}, n.HTML)
	})

	t.Run("账户不存在时订阅整体失败", func(t *testing.T) {
		gw := newFakeGateway()
		r := newTestRegistry(gw)
		defer r.Close()

		err := r.Subscribe(ctx, "nobody@temp.example.com", newFakeSubscriber("conn-1"))

		assert.ErrorIs(t, err, session.ErrAccountNotFound)
		assert.Equal(t, watcher.StateStopped, r.WatcherState("nobody@temp.example.com"))
	})

	t.Run("同一地址的多个订阅者都收到推送", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("a@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		sub1 := newFakeSubscriber("conn-1")
		sub2 := newFakeSubscriber("conn-2")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub1))
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub2))
		assert.Equal(t, 2, r.SubscriberCount("a@temp.example.com"))

		gw.push("a@temp.example.com", "m-1", "fanout")

		assert.Equal(t, "fanout", sub1.wait(t).Subject)
		assert.Equal(t, "fanout", sub2.wait(t).Subject)
	})

	t.Run("晚加入的订阅者只收到之后的邮件", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("a@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		sub1 := newFakeSubscriber("conn-1")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub1))

		gw.push("a@temp.example.com", "m-1", "first")
		assert.Equal(t, "first", sub1.wait(t).Subject)

		// m-1 已投递完毕后才加入
		sub2 := newFakeSubscriber("conn-2")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub2))

		gw.push("a@temp.example.com", "m-2", "second")
		assert.Equal(t, "second", sub1.wait(t).Subject)
		assert.Equal(t, "second", sub2.wait(t).Subject)
		assert.Empty(t, sub2.ch)
	})

	t.Run("重复订阅切换地址", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("a@temp.example.com")
		gw.addAccount("b@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		sub := newFakeSubscriber("conn-1")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub))
		require.NoError(t, r.Subscribe(ctx, "b@temp.example.com", sub))

		assert.Equal(t, 0, r.SubscriberCount("a@temp.example.com"))
		assert.Equal(t, 1, r.SubscriberCount("b@temp.example.com"))
		waitState(t, r, "a@temp.example.com", watcher.StateStopped)
	})
}

func TestRegistry_Unsubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("最后一个订阅者离开后监听停止", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("a@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		sub1 := newFakeSubscriber("conn-1")
		sub2 := newFakeSubscriber("conn-2")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub1))
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub2))

		r.Unsubscribe("conn-1")
		assert.Equal(t, watcher.StateRunning, r.WatcherState("a@temp.example.com"))

		r.Unsubscribe("conn-2")
		waitState(t, r, "a@temp.example.com", watcher.StateStopped)
	})

	t.Run("重新订阅复用会话并启动新监听", func(t *testing.T) {
		gw := newFakeGateway()

		r := newTestRegistry(gw)
		defer r.Close()

		_, created, err := r.EnsureAddress(ctx, "a@temp.example.com")
		require.NoError(t, err)
		assert.True(t, created)
		creates := gw.createCount()

		sub := newFakeSubscriber("conn-1")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub))
		r.Unsubscribe("conn-1")
		waitState(t, r, "a@temp.example.com", watcher.StateStopped)

		sub2 := newFakeSubscriber("conn-2")
		require.NoError(t, r.Subscribe(ctx, "a@temp.example.com", sub2))
		assert.Equal(t, watcher.StateRunning, r.WatcherState("a@temp.example.com"))
		// 不能因为重新订阅再建一个上游账户
		assert.Equal(t, creates, gw.createCount())

		gw.push("a@temp.example.com", "m-1", "after resubscribe")
		assert.Equal(t, "after resubscribe", sub2.wait(t).Subject)
	})

	t.Run("未知连接解除订阅为空操作", func(t *testing.T) {
		r := newTestRegistry(newFakeGateway())
		defer r.Close()
		r.Unsubscribe("ghost")
	})
}

func TestRegistry_Provision(t *testing.T) {
	ctx := context.Background()

	t.Run("随机地址带配置域名", func(t *testing.T) {
		gw := newFakeGateway()
		r := newTestRegistry(gw)
		defer r.Close()

		address, err := r.ProvisionNew(ctx)

		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(address, "@temp.example.com"))
		assert.NotEqual(t, "@temp.example.com", address)
	})

	t.Run("指定地址不存在时新建", func(t *testing.T) {
		gw := newFakeGateway()
		r := newTestRegistry(gw)
		defer r.Close()

		resolved, created, err := r.EnsureAddress(ctx, "wanted@temp.example.com")

		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, "wanted@temp.example.com", resolved)
		_, err = gw.GetAccountByAddress(ctx, "wanted@temp.example.com")
		assert.NoError(t, err)
	})

	t.Run("指定地址已有上游账户时复用", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("taken@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		resolved, created, err := r.EnsureAddress(ctx, "taken@temp.example.com")

		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, "taken@temp.example.com", resolved)
		assert.Zero(t, gw.createCount())
	})

	t.Run("重复请求同一地址只建一次", func(t *testing.T) {
		gw := newFakeGateway()
		r := newTestRegistry(gw)
		defer r.Close()

		_, created, err := r.EnsureAddress(ctx, "dup@temp.example.com")
		require.NoError(t, err)
		assert.True(t, created)

		_, created, err = r.EnsureAddress(ctx, "dup@temp.example.com")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 1, gw.createCount())
	})
}

func TestRegistry_Fetch(t *testing.T) {
	ctx := context.Background()

	t.Run("等到新邮件返回", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("a@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		go func() {
			time.Sleep(30 * time.Millisecond)
			gw.push("a@temp.example.com", "m-1", "sync mail")
		}()

		msg, err := r.Fetch(ctx, "a@temp.example.com")

		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "m-1", msg.ID)
	})

	t.Run("超时返回nil而非错误", func(t *testing.T) {
		gw := newFakeGateway()
		gw.addAccount("a@temp.example.com")

		r := newTestRegistry(gw)
		defer r.Close()

		msg, err := r.Fetch(ctx, "a@temp.example.com")

		assert.NoError(t, err)
		assert.Nil(t, msg)
	})

	t.Run("账户不存在返回ErrAccountNotFound", func(t *testing.T) {
		r := newTestRegistry(newFakeGateway())
		defer r.Close()

		msg, err := r.Fetch(ctx, "nobody@temp.example.com")

		assert.Nil(t, msg)
		assert.ErrorIs(t, err, session.ErrAccountNotFound)
		// 同步拉取不会隐式创建全新上游账户
	})
}

func TestRegistry_Close(t *testing.T) {
	gw := newFakeGateway()
	gw.addAccount("a@temp.example.com")
	gw.addAccount("b@temp.example.com")

	r := newTestRegistry(gw)
	require.NoError(t, r.Subscribe(context.Background(), "a@temp.example.com", newFakeSubscriber("conn-1")))
	require.NoError(t, r.Subscribe(context.Background(), "b@temp.example.com", newFakeSubscriber("conn-2")))

	r.Close()

	assert.Equal(t, watcher.StateStopped, r.WatcherState("a@temp.example.com"))
	assert.Equal(t, watcher.StateStopped, r.WatcherState("b@temp.example.com"))
}
