package session

import "errors"

var (
	// ErrAccountNotFound 指定地址在上游不存在（仅限显式查找路径，不重试）
	ErrAccountNotFound = errors.New("account not found")
	// ErrProvisioningFailed 上游账户创建失败且回退查找也未命中
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrMailboxUnavailable 账户存在但没有收件箱目录，会话无法建立
	ErrMailboxUnavailable = errors.New("mailbox unavailable")
)
