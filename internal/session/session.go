// Package session 实现邮箱会话：绑定一个上游账户+收件箱，
// 跟踪已投递的邮件 ID，提供"取下一封未读"与"等待取信"两种操作。
//
// 会话创建时的账户/邮箱解析错误是硬失败；会话建立之后的上游
// 错误一律视为"本轮没有新邮件"，由调用方记录日志后继续轮询。
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/storage"
	"tempmail/relay/internal/upstream"
	"tempmail/relay/internal/username"
)

// Options 聚合创建会话所需的依赖与策略参数。
type Options struct {
	Gateway         upstream.Gateway
	Seen            storage.SeenStore
	Usernames       *username.Generator
	Log             *zap.Logger
	Domain          string        // 新建账户使用的邮箱域名
	DefaultPassword string        // 新建账户的默认密码
	PollInterval    time.Duration // FetchAndWait 的轮询间隔，默认 2s
	MaxChecks       int           // FetchAndWait 的轮询次数上限，0 表示仅受超时约束
	CreateAttempts  int           // 账户创建重试次数，默认 3
	CreateBackoff   time.Duration // 账户创建重试间隔，默认 2s
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.PollInterval <= 0 {
		out.PollInterval = 2 * time.Second
	}
	if out.CreateAttempts <= 0 {
		out.CreateAttempts = 3
	}
	if out.CreateBackoff <= 0 {
		out.CreateBackoff = 2 * time.Second
	}
	if out.Log == nil {
		out.Log = zap.NewNop()
	}
	if out.Usernames == nil {
		out.Usernames = username.NewGenerator()
	}
	return out
}

// Session 表示一个已解析的邮箱会话。
//
// accountID 与 mailboxID 创建后不再变化；已投递 ID 集合单调增长，
// 同一 ID 在会话生命周期内至多投递一次。
type Session struct {
	address   string
	accountID string
	mailboxID string

	gw   upstream.Gateway
	seen storage.SeenStore
	log  *zap.Logger

	pollInterval time.Duration
	maxChecks    int

	// 串行化 FetchUnseenOnce：同步拉取与后台监听可能同时命中同一会话
	fetchMu chan struct{}
}

// Attach 为已存在的上游账户建立会话（不会创建新账户）。
//
// 地址不存在返回 ErrAccountNotFound；找到账户但没有 INBOX 目录
// 返回 ErrMailboxUnavailable。建立时会把收件箱中现存的全部邮件
// 预先标记为已读，注册之前到达的邮件不算新邮件。
func Attach(ctx context.Context, opts Options, address string) (*Session, error) {
	o := opts.withDefaults()

	account, err := o.Gateway.GetAccountByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, upstream.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrProvisioningFailed, address, err)
	}

	s, err := newSession(ctx, o, address, account)
	if err != nil {
		return nil, err
	}

	if err := s.markExisting(ctx); err != nil {
		// 预标记失败不致命：最坏情况是把历史邮件当作新邮件投递一次
		o.Log.Warn("failed to pre-mark existing messages",
			zap.String("address", address), zap.Error(err))
	}

	o.Log.Info("session attached to existing account",
		zap.String("address", address),
		zap.String("accountID", s.accountID),
		zap.String("mailboxID", s.mailboxID))
	return s, nil
}

// Provision 创建新上游账户并建立会话。
//
// localPart 为空时随机生成用户名。创建失败时带退避重试，最多
// CreateAttempts 次；地址冲突时回退到查找现有账户（此时同样做
// 历史邮件预标记）。全部失败返回 ErrProvisioningFailed。
func Provision(ctx context.Context, opts Options, localPart string) (*Session, error) {
	o := opts.withDefaults()

	if localPart == "" {
		localPart = o.Usernames.Generate(1)
	}
	address := localPart + "@" + o.Domain

	var lastErr error
	for attempt := 1; attempt <= o.CreateAttempts; attempt++ {
		account, err := o.Gateway.CreateAccount(ctx, address, o.DefaultPassword)
		adopted := false
		if errors.Is(err, upstream.ErrAccountExists) {
			// 地址已被占用：回退到查找现有账户
			o.Log.Info("account already exists, falling back to lookup",
				zap.String("address", address))
			account, err = o.Gateway.GetAccountByAddress(ctx, address)
			adopted = err == nil
		}
		if err != nil {
			lastErr = err
			o.Log.Warn("account provisioning attempt failed",
				zap.String("address", address),
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", o.CreateAttempts),
				zap.Error(err))
			if attempt < o.CreateAttempts {
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, ctx.Err())
				case <-time.After(o.CreateBackoff):
				}
			}
			continue
		}

		s, err := newSession(ctx, o, address, account)
		if err != nil {
			return nil, err
		}

		if adopted {
			if err := s.markExisting(ctx); err != nil {
				o.Log.Warn("failed to pre-mark existing messages",
					zap.String("address", address), zap.Error(err))
			}
		}

		o.Log.Info("session provisioned",
			zap.String("address", address),
			zap.String("accountID", s.accountID),
			zap.Bool("adoptedExisting", adopted))
		return s, nil
	}

	return nil, fmt.Errorf("%w: %s: %v", ErrProvisioningFailed, address, lastErr)
}

// newSession 解析收件箱目录并组装会话。
func newSession(ctx context.Context, o Options, address string, account *domain.Account) (*Session, error) {
	mailboxes := account.Mailboxes
	if len(mailboxes) == 0 {
		var err error
		mailboxes, err = o.Gateway.ListMailboxes(ctx, account.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: list mailboxes: %v", ErrProvisioningFailed, err)
		}
	}

	mailboxID := ""
	for _, mb := range mailboxes {
		if mb.Path == domain.InboxPath {
			mailboxID = mb.ID
			break
		}
	}
	if mailboxID == "" {
		return nil, fmt.Errorf("%w: account %s has no %s", ErrMailboxUnavailable, account.ID, domain.InboxPath)
	}

	s := &Session{
		address:      address,
		accountID:    account.ID,
		mailboxID:    mailboxID,
		gw:           o.Gateway,
		seen:         o.Seen,
		log:          o.Log,
		pollInterval: o.PollInterval,
		maxChecks:    o.MaxChecks,
		fetchMu:      make(chan struct{}, 1),
	}
	return s, nil
}

// markExisting 把收件箱中现存的全部邮件标记为已读。
func (s *Session) markExisting(ctx context.Context) error {
	messages, err := s.gw.ListMessages(ctx, s.accountID, s.mailboxID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if err := s.seen.Mark(ctx, s.address, msg.ID); err != nil {
			return err
		}
	}
	if len(messages) > 0 {
		s.log.Debug("pre-marked existing messages",
			zap.String("address", s.address),
			zap.Int("count", len(messages)))
	}
	return nil
}

// Address 返回会话绑定的邮箱地址。
func (s *Session) Address() string { return s.address }

// FetchUnseenOnce 拉取一次消息列表，返回第一封未投递过的邮件。
//
// 返回 (nil, nil) 表示本轮没有新邮件。命中的邮件在取得完整内容
// 后标记为已读再返回，对每个 ID 至多成功一次；同步拉取与后台
// 监听并发调用同一会话时按到达顺序串行执行。
func (s *Session) FetchUnseenOnce(ctx context.Context) (*domain.MessageDetail, error) {
	select {
	case s.fetchMu <- struct{}{}:
		defer func() { <-s.fetchMu }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	messages, err := s.gw.ListMessages(ctx, s.accountID, s.mailboxID)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		seen, err := s.seen.Seen(ctx, s.address, msg.ID)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}

		detail, err := s.gw.GetMessageDetail(ctx, s.accountID, s.mailboxID, msg.ID)
		if err != nil {
			// 详情获取失败不标记，下一轮重试
			return nil, err
		}
		if err := s.seen.Mark(ctx, s.address, msg.ID); err != nil {
			return nil, err
		}

		s.log.Debug("new message fetched",
			zap.String("address", s.address),
			zap.String("messageID", msg.ID),
			zap.String("subject", detail.Subject))
		return detail, nil
	}

	return nil, nil
}

// FetchAndWait 以固定间隔调用 FetchUnseenOnce，直到取到新邮件或
// 超时。超时返回 (nil, nil)——"还没有邮件"不是错误。
//
// 轮询期间的上游错误记录日志后继续等待，不会中断；仅请求上下文
// 被取消时返回错误。
func (s *Session) FetchAndWait(ctx context.Context, timeout time.Duration) (*domain.MessageDetail, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	checks := 0
	for {
		msg, err := s.FetchUnseenOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("poll failed, will retry",
				zap.String("address", s.address), zap.Error(err))
		}
		if msg != nil {
			return msg, nil
		}

		checks++
		if s.maxChecks > 0 && checks >= s.maxChecks {
			s.log.Warn("max poll checks reached without mail",
				zap.String("address", s.address), zap.Int("checks", checks))
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-time.After(s.pollInterval):
		}
	}
}
