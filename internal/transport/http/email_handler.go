package httptransport

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/session"
)

// Relay 是 HTTP 层需要的注册表能力子集。
type Relay interface {
	ProvisionNew(ctx context.Context) (string, error)
	EnsureAddress(ctx context.Context, address string) (resolved string, created bool, err error)
	Fetch(ctx context.Context, address string) (*domain.MessageDetail, error)
}

// EmailHandler 邮箱接口处理器
type EmailHandler struct {
	relay Relay
	log   *zap.Logger
}

// NewEmailHandler 创建邮箱接口处理器
func NewEmailHandler(relay Relay, log *zap.Logger) *EmailHandler {
	return &EmailHandler{relay: relay, log: log}
}

// createEmailRequest 创建邮箱请求体（整体可选）
type createEmailRequest struct {
	Email string `json:"email"`
}

// emailResponse 邮箱信息响应
type emailResponse struct {
	Email string `json:"email"`
}

// messageResponse 邮件内容响应
type messageResponse struct {
	Email   string `json:"email"`
	Subject string `json:"subject"`
	From    string `json:"from"`
	Date    string `json:"date"`
	Content string `json:"content"`
}

// CreateEmail 创建或绑定一个临时邮箱。
//
// 请求体可省略或传 {"email": "..."}：省略时生成随机用户名；
// 指定地址已有上游账户时直接复用，否则以该用户名新建。
func (h *EmailHandler) CreateEmail(c *gin.Context) {
	var req createEmailRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, MsgInvalidRequest)
			return
		}
	}

	if req.Email == "" {
		address, err := h.relay.ProvisionNew(c.Request.Context())
		if err != nil {
			h.log.Error("failed to provision random mailbox", zap.Error(err))
			UpstreamError(c, GetErrorMessage(err))
			return
		}
		Created(c, emailResponse{Email: address})
		return
	}

	address, created, err := h.relay.EnsureAddress(c.Request.Context(), req.Email)
	if err != nil {
		h.log.Error("failed to ensure mailbox",
			zap.String("email", req.Email), zap.Error(err))
		UpstreamError(c, GetErrorMessage(err))
		return
	}

	if created {
		Created(c, emailResponse{Email: address})
		return
	}
	Success(c, emailResponse{Email: address})
}

// FetchEmail 同步等待并返回指定邮箱的下一封新邮件。
//
// 等待窗口内没有邮件不是错误，返回 404"邮件不存在"；
// 邮箱本身不存在同样返回 404，消息区分两种情况。
func (h *EmailHandler) FetchEmail(c *gin.Context) {
	address := c.Param("address")
	if address == "" {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	msg, err := h.relay.Fetch(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, session.ErrAccountNotFound) {
			NotFound(c, GetErrorMessage(err))
			return
		}
		h.log.Error("failed to fetch mail",
			zap.String("address", address), zap.Error(err))
		UpstreamError(c, GetErrorMessage(err))
		return
	}
	if msg == nil {
		NotFound(c, MsgEmailNotFound)
		return
	}

	Success(c, messageResponse{
		Email:   address,
		Subject: msg.Subject,
		From:    msg.From.Address,
		Date:    msg.Date,
		Content: msg.Body(),
	})
}
