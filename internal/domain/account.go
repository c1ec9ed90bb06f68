package domain

// Account 表示上游服务中的一个邮箱账户。
type Account struct {
	ID        string        `json:"id"`
	Address   string        `json:"address"`
	Mailboxes []MailboxInfo `json:"mailboxes,omitempty"` // 部分接口会内联返回邮箱列表
}

// MailboxInfo 表示账户下的一个邮箱目录（如 INBOX）。
type MailboxInfo struct {
	ID   string `json:"id"`
	Path string `json:"path"`
}

// InboxPath 是上游服务中收件箱目录的固定路径。
const InboxPath = "INBOX"
