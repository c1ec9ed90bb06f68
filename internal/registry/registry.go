// Package registry 维护进程级的会话表、订阅表与 Watcher 句柄。
//
// 三者的全部变更共用一把互斥锁，防止两类竞争：
//  1. 两个调用方并发为同一新地址建会话，产生两个上游账户；
//  2. 最后一个订阅者退出触发 Watcher 停止的同时有新订阅者到达，
//     留下有订阅者却没有 Watcher 的地址。
//
// 会话创建在持锁状态下进行（先检查后创建，而非乐观竞争）；
// 并发邮箱数量有限，单把全局锁足够。
package registry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/session"
	"tempmail/relay/internal/watcher"
)

// Subscriber 是一条可接收推送通知的连接。
type Subscriber interface {
	// ID 返回连接的唯一标识
	ID() string
	// Notify 投递一条新邮件通知；实现不得长时间阻塞
	Notify(n *domain.MailNotification)
}

// Options 聚合注册表的依赖。
type Options struct {
	Session      session.Options // 会话创建依赖与策略
	PollInterval time.Duration   // Watcher 轮询间隔
	ErrorBackoff time.Duration   // Watcher 出错退避
	WaitTimeout  time.Duration   // 同步拉取的默认等待时长
	Log          *zap.Logger
	Metrics      *monitoring.Metrics // 可选
}

// Registry 进程级注册表。
type Registry struct {
	opts Options
	log  *zap.Logger

	mu          sync.Mutex
	sessions    map[string]*session.Session      // address -> 会话
	subscribers map[string]map[string]Subscriber // address -> connID -> 订阅者
	conns       map[string]string                // connID -> address（每连接至多订阅一个地址）
	watchers    map[string]*watcher.Watcher      // address -> 运行中的 Watcher
}

// New 创建注册表。
func New(opts Options) *Registry {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 60 * time.Second
	}
	return &Registry{
		opts:        opts,
		log:         opts.Log,
		sessions:    make(map[string]*session.Session),
		subscribers: make(map[string]map[string]Subscriber),
		conns:       make(map[string]string),
		watchers:    make(map[string]*watcher.Watcher),
	}
}

// ProvisionNew 创建一个随机用户名的全新邮箱并登记会话，返回地址。
func (r *Registry) ProvisionNew(ctx context.Context) (string, error) {
	s, err := session.Provision(ctx, r.opts.Session, "")
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	// 随机地址几乎不可能撞车；万一撞上以先登记的会话为准
	if existing, ok := r.sessions[s.Address()]; ok {
		s = existing
	} else {
		r.sessions[s.Address()] = s
	}
	r.mu.Unlock()

	if m := r.opts.Metrics; m != nil {
		m.RecordSessionCreated()
	}
	return s.Address(), nil
}

// EnsureAddress 为指定地址确保会话存在（提供给 POST /api/email 携带
// 地址的调用方式），返回解析后的完整地址。
//
// created=true 表示在上游新建了账户；false 表示复用了已有会话或
// 已有上游账户。
func (r *Registry) EnsureAddress(ctx context.Context, address string) (resolved string, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[address]; ok {
		return address, false, nil
	}

	// 先尝试绑定现有上游账户；不存在则以请求的用户名新建
	s, err := session.Attach(ctx, r.opts.Session, address)
	if err == nil {
		r.sessions[address] = s
		if m := r.opts.Metrics; m != nil {
			m.RecordSessionCreated()
		}
		return address, false, nil
	}
	if !errors.Is(err, session.ErrAccountNotFound) {
		return "", false, err
	}

	localPart := address
	if at := strings.IndexByte(address, '@'); at >= 0 {
		localPart = address[:at]
	}
	s, err = session.Provision(ctx, r.opts.Session, localPart)
	if err != nil {
		return "", false, err
	}
	r.sessions[s.Address()] = s
	if m := r.opts.Metrics; m != nil {
		m.RecordSessionCreated()
	}
	return s.Address(), true, nil
}

// Fetch 同步等待指定地址的下一封新邮件，最长等待 WaitTimeout。
//
// 地址没有会话时按"现有账户"路径建立（调用方询问的是一个具体
// 地址，这里绝不隐式创建全新上游账户）。超时返回 (nil, nil)。
func (r *Registry) Fetch(ctx context.Context, address string) (*domain.MessageDetail, error) {
	s, err := r.ensureSession(ctx, address)
	if err != nil {
		return nil, err
	}
	// 等待在锁外进行：不能阻塞其他地址的订阅与轮询
	return s.FetchAndWait(ctx, r.opts.WaitTimeout)
}

// ensureSession 持锁完成"查找或按现有账户创建"的原子操作。
func (r *Registry) ensureSession(ctx context.Context, address string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ensureSessionLocked(ctx, address)
}

func (r *Registry) ensureSessionLocked(ctx context.Context, address string) (*session.Session, error) {
	if s, ok := r.sessions[address]; ok {
		return s, nil
	}
	s, err := session.Attach(ctx, r.opts.Session, address)
	if err != nil {
		return nil, err
	}
	r.sessions[address] = s
	if m := r.opts.Metrics; m != nil {
		m.RecordSessionCreated()
	}
	return s, nil
}

// Subscribe 登记一条连接对某地址的订阅（原子操作）：
//  1. 地址没有会话则按现有账户路径创建，失败则整个订阅失败；
//  2. 连接写入正反两张订阅映射（一条连接同时只订阅一个地址，
//     重复订阅会先解除旧地址）；
//  3. 地址没有运行中的 Watcher 则启动一个。
func (r *Registry) Subscribe(ctx context.Context, address string, sub Subscriber) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.ensureSessionLocked(ctx, address)
	if err != nil {
		return err
	}

	// 一条连接同时只订阅一个地址
	if prev, ok := r.conns[sub.ID()]; ok && prev != address {
		r.removeLocked(sub.ID(), prev)
	}

	if r.subscribers[address] == nil {
		r.subscribers[address] = make(map[string]Subscriber)
	}
	r.subscribers[address][sub.ID()] = sub
	r.conns[sub.ID()] = address

	if _, ok := r.watchers[address]; !ok {
		w := watcher.New(s, r.fanout, r.opts.PollInterval, r.opts.ErrorBackoff, r.log)
		r.watchers[address] = w
		w.Start()
		if m := r.opts.Metrics; m != nil {
			m.SetWatchersActive(len(r.watchers))
		}
	}

	r.log.Info("subscriber registered",
		zap.String("address", address),
		zap.String("connID", sub.ID()),
		zap.Int("subscribers", len(r.subscribers[address])))

	if m := r.opts.Metrics; m != nil {
		m.SetSubscribersActive(len(r.conns))
	}
	return nil
}

// Unsubscribe 解除一条连接的订阅（连接关闭时调用，原子操作）。
// 地址的订阅者清零时通知绑定的 Watcher 停止并丢弃句柄。
func (r *Registry) Unsubscribe(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	address, ok := r.conns[connID]
	if !ok {
		return
	}
	r.removeLocked(connID, address)

	if m := r.opts.Metrics; m != nil {
		m.SetSubscribersActive(len(r.conns))
	}
}

// removeLocked 从订阅表删除连接；调用方必须持锁。
func (r *Registry) removeLocked(connID, address string) {
	delete(r.conns, connID)

	subs := r.subscribers[address]
	delete(subs, connID)
	if len(subs) > 0 {
		return
	}

	delete(r.subscribers, address)
	if w, ok := r.watchers[address]; ok {
		delete(r.watchers, address)
		// 协作式停止：不等待循环退出，句柄已丢弃
		w.Stop()
		if m := r.opts.Metrics; m != nil {
			m.SetWatchersActive(len(r.watchers))
		}
	}

	r.log.Info("last subscriber left, watcher stopping",
		zap.String("address", address))
}

// fanout 把新邮件通知投递给地址当前的全部订阅者。
//
// 订阅表在投递时刻持锁读取，而非循环启动时快照：晚到的订阅者
// 能收到后续轮次的通知（但收不到入场前已分发的那封）。
func (r *Registry) fanout(address string, msg *domain.MessageDetail) {
	n := domain.NewMailNotification(address, msg)

	r.mu.Lock()
	targets := make([]Subscriber, 0, len(r.subscribers[address]))
	for _, sub := range r.subscribers[address] {
		targets = append(targets, sub)
	}
	r.mu.Unlock()

	for _, sub := range targets {
		sub.Notify(n)
	}

	r.log.Info("mail notification dispatched",
		zap.String("address", address),
		zap.String("messageID", msg.ID),
		zap.String("subject", msg.Subject),
		zap.Int("subscribers", len(targets)))

	if m := r.opts.Metrics; m != nil {
		m.RecordNotifications(len(targets))
	}
}

// SubscriberCount 返回某地址当前的订阅者数量。
func (r *Registry) SubscriberCount(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers[address])
}

// WatcherState 返回某地址 Watcher 的状态；没有句柄视为 stopped。
func (r *Registry) WatcherState(address string) watcher.State {
	r.mu.Lock()
	w, ok := r.watchers[address]
	r.mu.Unlock()
	if !ok {
		return watcher.StateStopped
	}
	return w.State()
}

// Close 停止全部 Watcher 并等待退出（进程关闭时调用）。
func (r *Registry) Close() {
	r.mu.Lock()
	watchers := make([]*watcher.Watcher, 0, len(r.watchers))
	for address, w := range r.watchers {
		watchers = append(watchers, w)
		delete(r.watchers, address)
	}
	r.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	for _, w := range watchers {
		<-w.Done()
	}
}
