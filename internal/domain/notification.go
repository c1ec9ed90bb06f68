package domain

// MailNotification 是推送给订阅者的新邮件通知载荷。
// From 为发件人地址的扁平字符串表示。
type MailNotification struct {
	Email   string   `json:"email"`
	Subject string   `json:"subject"`
	From    string   `json:"from"`
	Date    string   `json:"date"`
	HTML    []string `json:"html"`
	Text    []string `json:"text"`
}

// NewMailNotification 由邮件详情构建通知载荷。
func NewMailNotification(address string, msg *MessageDetail) *MailNotification {
	n := &MailNotification{
		Email:   address,
		Subject: msg.Subject,
		From:    msg.From.Address,
		Date:    msg.Date,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
	if n.HTML == nil {
		n.HTML = []string{}
	}
	if n.Text == nil {
		n.Text = []string{}
	}
	return n
}
