// Package router issues the per-request routing decision: one
// structured-output LLM call constrained to the decision schema, with a
// local fallback to the general-purpose agent on any malformed reply.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"MAS-Coordinator/internal/catalog"
	"MAS-Coordinator/internal/chat"
	xerrors "MAS-Coordinator/internal/errors"
	"MAS-Coordinator/internal/gateway"
	"MAS-Coordinator/internal/llm"
	"MAS-Coordinator/internal/prompts"
	"MAS-Coordinator/pkg/logger"
)

// Decision 是一次请求的路由结论，产生后不可变。
type Decision struct {
	AgentName              gateway.Name `json:"agent_name"`
	AdditionalInstructions string       `json:"additional_instructions,omitempty"`
}

// decisionSchema 约束大模型的结构化输出。
// 字段描述参与契约：它们影响决策质量，但不做语义校验。
var decisionSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "agent_name": {
      "type": "string",
      "enum": ["gpa", "ums"],
      "description": "The agent that should handle the request: gpa for general-purpose tasks (web search, documents, code execution, image generation), ums for system user management operations."
    },
    "additional_instructions": {
      "type": "string",
      "description": "Optional clarifying instructions for the chosen agent, derived from the user's request."
    }
  },
  "required": ["agent_name"],
  "additionalProperties": false
}`)

// Router 通过一次大模型调用决定由哪个网关处理请求。
type Router struct {
	client  llm.Client
	catalog *catalog.Catalog
	log     *slog.Logger
}

// New 创建 Router。catalog 为空时使用内置画像。
func New(client llm.Client, cat *catalog.Catalog) *Router {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Router{client: client, catalog: cat, log: logger.Named("router")}
}

// Fallback 返回兜底决策：通用智能体，无补充指令。
func Fallback() Decision {
	return Decision{AgentName: gateway.GPA}
}

// Decide 产出本次请求的路由决策。任何形式的失败（调用失败、非法 JSON、
// 未知枚举、违反 schema）都在本地降级为兜底决策：这是策略选择而非错误
// 路径，只记录日志，从不中断请求。
func (r *Router) Decide(ctx context.Context, history []chat.Message) Decision {
	messages := r.prepareMessages(history)

	content, err := r.client.Complete(ctx, llm.Request{
		Messages: messages,
		ResponseFormat: &llm.ResponseFormat{
			Name:   "coordination_decision",
			Schema: decisionSchema,
		},
	})
	if err != nil {
		r.log.Warn("路由决策调用失败，降级到默认智能体",
			slog.String("code", string(xerrors.CodeRoutingFallback)),
			slog.Any("error", err))
		return Fallback()
	}

	decision, err := decodeDecision(content)
	if err != nil {
		r.log.Warn("路由决策输出不合法，降级到默认智能体",
			slog.String("code", string(xerrors.CodeRoutingFallback)),
			slog.Any("error", err))
		return Fallback()
	}
	return decision
}

// decodeDecision 是唯一可见的解码分支：返回决策或具体的解析失败原因。
func decodeDecision(content string) (Decision, error) {
	var decision Decision
	decoder := json.NewDecoder(strings.NewReader(content))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("解析决策 JSON 失败: %w", err)
	}
	if !decision.AgentName.Valid() {
		return Decision{}, fmt.Errorf("未知的智能体名称: %q", decision.AgentName)
	}
	return decision, nil
}

// prepareMessages 把会话历史转换成路由调用的消息数组。带自定义内容的
// 用户消息只保留文本，附件与状态不进入路由上下文。
func (r *Router) prepareMessages(history []chat.Message) []llm.Message {
	system := fmt.Sprintf(prompts.Coordination, r.catalog.RenderPromptSection())
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, msg := range history {
		if msg.Role == chat.RoleSystem {
			continue
		}
		messages = append(messages, llm.Message{Role: string(msg.Role), Content: msg.Content})
	}
	return messages
}
