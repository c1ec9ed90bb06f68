// Package upstream 封装上游临时邮箱服务（smtp.dev 风格）的 REST API。
//
// 所有请求携带 X-API-KEY 请求头，单次请求受 Timeout 约束，
// 并通过客户端侧限流器控制整体请求速率（上游服务本身有限流）。
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tempmail/relay/internal/config"
	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/monitoring"
)

var (
	// ErrAccountExists 表示账户地址已被占用（上游返回 422 already used）
	ErrAccountExists = errors.New("upstream: account address already used")
	// ErrAccountNotFound 表示按地址查找账户时没有匹配项
	ErrAccountNotFound = errors.New("upstream: account not found")
)

// Gateway 是上游邮件网关的能力集合，按消费方需要抽象。
type Gateway interface {
	CreateAccount(ctx context.Context, address, password string) (*domain.Account, error)
	GetAccountByAddress(ctx context.Context, address string) (*domain.Account, error)
	ListMailboxes(ctx context.Context, accountID string) ([]domain.MailboxInfo, error)
	ListMessages(ctx context.Context, accountID, mailboxID string) ([]domain.MessageSummary, error)
	GetMessageDetail(ctx context.Context, accountID, mailboxID, messageID string) (*domain.MessageDetail, error)
}

// Client 是 Gateway 的 HTTP 实现。
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	metrics *monitoring.Metrics // 可选
}

var _ Gateway = (*Client)(nil)

// NewClient 创建上游 API 客户端。metrics 可为 nil。
func NewClient(cfg config.UpstreamConfig, log *zap.Logger, metrics *monitoring.Metrics) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		log:     log,
		metrics: metrics,
	}
}

// CreateAccount 创建新账户。
//
// 地址冲突（上游 422 "already used"）返回 ErrAccountExists，
// 调用方可据此回退到按地址查找现有账户。
func (c *Client) CreateAccount(ctx context.Context, address, password string) (*domain.Account, error) {
	payload := map[string]string{
		"address":  address,
		"password": password,
	}

	var account domain.Account
	status, body, err := c.do(ctx, "create_account", http.MethodPost, "/accounts", payload, &account)
	if err != nil {
		return nil, err
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
		c.log.Info("upstream account created", zap.String("address", address))
		return &account, nil
	case status == http.StatusUnprocessableEntity && strings.Contains(body, "already used"):
		return nil, ErrAccountExists
	default:
		return nil, fmt.Errorf("upstream: create account failed: status %d: %s", status, body)
	}
}

// GetAccountByAddress 按邮箱地址查找账户。
//
// 上游没有按地址查询的接口，只能拉取账户列表后匹配；
// 命中后再取一次账户详情（含内联邮箱列表），失败则退回列表条目。
func (c *Client) GetAccountByAddress(ctx context.Context, address string) (*domain.Account, error) {
	var accounts []domain.Account
	status, body, err := c.do(ctx, "list_accounts", http.MethodGet, "/accounts", nil, &accounts)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("upstream: list accounts failed: status %d: %s", status, body)
	}

	for i := range accounts {
		if accounts[i].Address != address {
			continue
		}

		var detail domain.Account
		status, _, err := c.do(ctx, "get_account", http.MethodGet, "/accounts/"+accounts[i].ID, nil, &detail)
		if err == nil && status == http.StatusOK {
			return &detail, nil
		}
		c.log.Warn("failed to fetch account detail, using list entry",
			zap.String("accountID", accounts[i].ID),
			zap.Int("status", status))
		return &accounts[i], nil
	}

	return nil, ErrAccountNotFound
}

// ListMailboxes 获取账户的邮箱目录列表。
func (c *Client) ListMailboxes(ctx context.Context, accountID string) ([]domain.MailboxInfo, error) {
	var mailboxes []domain.MailboxInfo
	status, body, err := c.do(ctx, "list_mailboxes", http.MethodGet, fmt.Sprintf("/accounts/%s/mailboxes", accountID), nil, &mailboxes)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("upstream: list mailboxes failed: status %d: %s", status, body)
	}
	return mailboxes, nil
}

// ListMessages 获取邮箱目录下的消息摘要列表。
func (c *Client) ListMessages(ctx context.Context, accountID, mailboxID string) ([]domain.MessageSummary, error) {
	var messages []domain.MessageSummary
	path := fmt.Sprintf("/accounts/%s/mailboxes/%s/messages", accountID, mailboxID)
	status, body, err := c.do(ctx, "list_messages", http.MethodGet, path, nil, &messages)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("upstream: list messages failed: status %d: %s", status, body)
	}
	return messages, nil
}

// GetMessageDetail 获取完整邮件内容。
func (c *Client) GetMessageDetail(ctx context.Context, accountID, mailboxID, messageID string) (*domain.MessageDetail, error) {
	var detail domain.MessageDetail
	path := fmt.Sprintf("/accounts/%s/mailboxes/%s/messages/%s", accountID, mailboxID, messageID)
	status, body, err := c.do(ctx, "get_message", http.MethodGet, path, nil, &detail)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("upstream: get message detail failed: status %d: %s", status, body)
	}
	return &detail, nil
}

// Ping 探测上游 API 可达性（就绪探针使用）。
func (c *Client) Ping(ctx context.Context) error {
	status, body, err := c.do(ctx, "ping", http.MethodGet, "/accounts", nil, nil)
	if err != nil {
		return err
	}
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("upstream: ping failed: status %d: %s", status, body)
	}
	return nil
}

// do 执行一次带限流的 JSON 请求，返回状态码与原始响应体。
// operation 作为调用指标的标签。
//
// out 为 nil 时不解码响应；解码失败不视为错误（部分接口在错误
// 状态下返回非 JSON 响应体，状态码判断交由调用方）。
func (c *Client) do(ctx context.Context, operation, method, path string, payload, out interface{}) (int, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, "", fmt.Errorf("upstream: rate limiter: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, "", fmt.Errorf("upstream: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return 0, "", fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordUpstreamError()
		}
		return 0, "", fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if c.metrics != nil {
		c.metrics.RecordUpstreamRequest(operation, strconv.Itoa(resp.StatusCode), time.Since(start))
		if resp.StatusCode >= http.StatusInternalServerError {
			c.metrics.RecordUpstreamError()
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("upstream: read response: %w", err)
	}

	if out != nil && resp.StatusCode < http.StatusMultipleChoices && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, string(body), fmt.Errorf("upstream: decode response: %w", err)
		}
	}

	return resp.StatusCode, string(body), nil
}
