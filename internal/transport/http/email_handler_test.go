package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/relay/internal/domain"
	"tempmail/relay/internal/session"
)

// fakeRelay 可编程的注册表替身
type fakeRelay struct {
	provisioned string
	ensured     map[string]bool // address -> 是否已存在
	messages    map[string]*domain.MessageDetail
	err         error
}

func (f *fakeRelay) ProvisionNew(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.provisioned, nil
}

func (f *fakeRelay) EnsureAddress(_ context.Context, address string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	if !strings.Contains(address, "@") {
		address += "@temp.example.com"
	}
	return address, !f.ensured[address], nil
}

func (f *fakeRelay) Fetch(_ context.Context, address string) (*domain.MessageDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.messages[address], nil
}

func newTestRouter(relay *fakeRelay) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewEmailHandler(relay, zap.NewNop())
	router.POST("/api/email", handler.CreateEmail)
	router.GET("/api/email/:address", handler.FetchEmail)
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCreateEmail(t *testing.T) {
	t.Run("空请求体生成随机地址", func(t *testing.T) {
		relay := &fakeRelay{provisioned: "random_fox@temp.example.com"}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodPost, "/api/email", "")

		assert.Equal(t, http.StatusCreated, w.Code)
		resp := decodeResponse(t, w)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, "random_fox@temp.example.com", data["email"])
	})

	t.Run("指定地址新建返回201", func(t *testing.T) {
		relay := &fakeRelay{ensured: map[string]bool{}}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodPost, "/api/email", `{"email":"picked@temp.example.com"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		resp := decodeResponse(t, w)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, "picked@temp.example.com", data["email"])
	})

	t.Run("指定地址已存在返回200", func(t *testing.T) {
		relay := &fakeRelay{ensured: map[string]bool{"taken@temp.example.com": true}}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodPost, "/api/email", `{"email":"taken@temp.example.com"}`)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("不带域名的用户名补全域名", func(t *testing.T) {
		relay := &fakeRelay{ensured: map[string]bool{}}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodPost, "/api/email", `{"email":"plain"}`)

		assert.Equal(t, http.StatusCreated, w.Code)
		resp := decodeResponse(t, w)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, "plain@temp.example.com", data["email"])
	})

	t.Run("非法JSON返回400", func(t *testing.T) {
		router := newTestRouter(&fakeRelay{})

		w := doRequest(router, http.MethodPost, "/api/email", `{not json`)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, MsgInvalidRequest, resp.Msg)
	})

	t.Run("创建失败返回502与中文消息", func(t *testing.T) {
		relay := &fakeRelay{err: session.ErrProvisioningFailed}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodPost, "/api/email", "")

		assert.Equal(t, http.StatusBadGateway, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, "创建邮箱失败", resp.Msg)
	})
}

func TestFetchEmail(t *testing.T) {
	t.Run("有新邮件时返回内容", func(t *testing.T) {
		relay := &fakeRelay{
			messages: map[string]*domain.MessageDetail{
				"a@temp.example.com": {
					ID:      "m-1",
					Subject: "verify your account",
					From:    domain.MessageAddress{Name: "Service", Address: "noreply@example.com"},
					Date:    "2026-01-02T15:04:05Z",
					HTML:    []string{"<p>code: 123456</p>"},
					Text:    []string{"code: 123456"},
				},
			},
		}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodGet, "/api/email/a@temp.example.com", "")

		assert.Equal(t, http.StatusOK, w.Code)
		resp := decodeResponse(t, w)
		data := resp.Data.(map[string]interface{})
		assert.Equal(t, "verify your account", data["subject"])
		assert.Equal(t, "noreply@example.com", data["from"])
		// HTML 优先于纯文本
		assert.Equal(t, "<p>code: 123456</p>", data["content"])
	})

	t.Run("等待超时返回404邮件不存在", func(t *testing.T) {
		relay := &fakeRelay{messages: map[string]*domain.MessageDetail{}}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodGet, "/api/email/a@temp.example.com", "")

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, MsgEmailNotFound, resp.Msg)
	})

	t.Run("邮箱不存在返回404邮箱不存在", func(t *testing.T) {
		relay := &fakeRelay{err: session.ErrAccountNotFound}
		router := newTestRouter(relay)

		w := doRequest(router, http.MethodGet, "/api/email/nobody@temp.example.com", "")

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decodeResponse(t, w)
		assert.Equal(t, "邮箱不存在", resp.Msg)
	})
}
