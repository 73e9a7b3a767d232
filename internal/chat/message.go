package chat

// Role 表示消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StageStatus 表示进度阶段的状态。
type StageStatus string

const (
	StageOpen      StageStatus = "open"
	StageCompleted StageStatus = "completed"
)

// Attachment 描述响应或消息附带的一份内容载体。
// InlineData 与 URL 二者只应有一个有效。
type Attachment struct {
	MimeType   string `json:"mime_type"`
	Title      string `json:"title,omitempty"`
	InlineData string `json:"inline_data,omitempty"`
	URL        string `json:"url,omitempty"`
}

// StageDelta 是某个进度阶段的一次增量更新。
// 完整的阶段状态是同一 index 下所有增量的叠加；content 为追加语义。
type StageDelta struct {
	Index       int          `json:"index"`
	Name        string       `json:"name,omitempty"`
	Status      StageStatus  `json:"status,omitempty"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// CustomContent 承载正文之外的编排元数据。
type CustomContent struct {
	Attachments []Attachment   `json:"attachments,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Stages      []StageDelta   `json:"stages,omitempty"`
}

// Message 是会话中的一条消息，一旦进入历史即不可变。
type Message struct {
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	CustomContent *CustomContent `json:"custom_content,omitempty"`
}

// Request 是一次入站请求：有序的消息历史加流式开关。
type Request struct {
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

// LastUserMessage 返回历史中最后一条用户消息，找不到时返回 nil。
func (r *Request) LastUserMessage() *Message {
	if r == nil {
		return nil
	}
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return &r.Messages[i]
		}
	}
	return nil
}
