package llm

import (
	"context"
	"encoding/json"
)

// 消息角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message 是发送给大模型的一条消息。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat 要求大模型输出符合给定 JSON Schema 的结构化结果。
// Schema 中的字段描述会随请求一起发送，参与约束输出质量。
type ResponseFormat struct {
	Name   string
	Schema json.RawMessage
}

// Request 描述一次聊天补全调用。
type Request struct {
	Messages       []Message
	ResponseFormat *ResponseFormat
}

// Stream 是按需拉取的增量序列。Recv 在流结束时返回 io.EOF；
// 上下文取消会中止底层调用，而不仅仅是停止本地消费。
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	// Complete 发起一次非流式调用并返回完整的回复内容。
	Complete(ctx context.Context, req Request) (string, error)
	// Stream 发起一次流式调用。
	Stream(ctx context.Context, req Request) (Stream, error)
}
