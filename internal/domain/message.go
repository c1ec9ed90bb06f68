package domain

// MessageAddress 表示邮件的发件人/收件人信息。
type MessageAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// MessageSummary 是上游消息列表接口返回的条目，仅含摘要字段。
type MessageSummary struct {
	ID      string         `json:"id"`
	Subject string         `json:"subject"`
	From    MessageAddress `json:"from"`
	Intro   string         `json:"intro"`
	Date    string         `json:"date"`
}

// MessageDetail 是上游消息详情接口返回的完整邮件内容。
//
// HTML 与 Text 均为分段数组（multipart 邮件的各个部分），
// 取正文时优先使用第一个 HTML 段，缺失时回退到第一个文本段。
type MessageDetail struct {
	ID      string         `json:"id"`
	Subject string         `json:"subject"`
	From    MessageAddress `json:"from"`
	Date    string         `json:"date"`
	HTML    []string       `json:"html"`
	Text    []string       `json:"text"`
}

// Body 返回邮件正文，优先第一个 HTML 段，其次第一个文本段。
func (m *MessageDetail) Body() string {
	if len(m.HTML) > 0 && m.HTML[0] != "" {
		return m.HTML[0]
	}
	if len(m.Text) > 0 {
		return m.Text[0]
	}
	return ""
}
