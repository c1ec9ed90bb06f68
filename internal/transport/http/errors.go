package httptransport

import (
	"errors"

	"tempmail/relay/internal/session"
)

// 错误消息映射表（业务错误 -> 中文消息）
//
// 业务错误通常带有包装上下文，按 errors.Is 匹配哨兵。
var errorMessages = []struct {
	err error
	msg string
}{
	{session.ErrAccountNotFound, "邮箱不存在"},
	{session.ErrProvisioningFailed, "创建邮箱失败"},
	{session.ErrMailboxUnavailable, "收件箱不可用"},
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for _, entry := range errorMessages {
		if errors.Is(err, entry.err) {
			return entry.msg
		}
	}
	return err.Error()
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgEmailNotFound  = "邮件不存在"
)
