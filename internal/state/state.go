// Package state implements the per-agent conversation-state codec: an
// opaque continuation token carried inside assistant messages, encoded
// as a tagged union so one agent can never consume the other agent's
// state, plus the host-side opaque get/set store contract.
package state

import (
	xerrors "MAS-Coordinator/internal/errors"
	"MAS-Coordinator/internal/chat"
)

// Marker 标识状态归属的智能体，一个状态对象有且只有一个标记。
type Marker string

const (
	// MarkerGPA 表示通用智能体（无状态、依赖工具历史回放）。
	MarkerGPA Marker = "gpa"
	// MarkerUMS 表示用户管理智能体（有状态、以会话 ID 续接）。
	MarkerUMS Marker = "ums"
)

const (
	keyAgent          = "agent"
	keyToolHistory    = "tool_history"
	keyConversationID = "conversation_id"
)

// ErrUnrecognizedState 表示状态对象缺少可识别的标记或载荷。
// 解码失败是显式错误，而不是静默的空值。
var ErrUnrecognizedState = xerrors.New(xerrors.CodeStateDecodeFailure, "无法识别的会话状态结构")

// State 是跨轮次往返的会话续接令牌，带标记的二选一联合体。
type State struct {
	Marker         Marker
	ToolHistory    map[string]any // GPA 后端的原生工具历史，原样透传
	ConversationID string         // UMS 后端的会话标识
}

// WrapToolHistory 把 GPA 后端返回的原生状态包装为带标记的状态对象。
func WrapToolHistory(raw map[string]any) *State {
	return &State{Marker: MarkerGPA, ToolHistory: raw}
}

// WrapConversationID 把 UMS 会话 ID 包装为带标记的状态对象。
func WrapConversationID(id string) *State {
	return &State{Marker: MarkerUMS, ConversationID: id}
}

// Encode 生成嵌入消息 custom_content 的不透明映射。
func (s *State) Encode() map[string]any {
	if s == nil {
		return nil
	}
	switch s.Marker {
	case MarkerGPA:
		return map[string]any{keyAgent: string(MarkerGPA), keyToolHistory: s.ToolHistory}
	case MarkerUMS:
		return map[string]any{keyAgent: string(MarkerUMS), keyConversationID: s.ConversationID}
	default:
		return nil
	}
}

// Decode 校验并解析一个状态映射。raw 为空时返回 (nil, nil)：
// 没有状态不是错误；有状态但结构不可识别才是。
func Decode(raw map[string]any) (*State, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	marker, ok := raw[keyAgent].(string)
	if !ok {
		return nil, ErrUnrecognizedState
	}
	switch Marker(marker) {
	case MarkerGPA:
		history, ok := raw[keyToolHistory].(map[string]any)
		if !ok {
			return nil, ErrUnrecognizedState
		}
		return &State{Marker: MarkerGPA, ToolHistory: history}, nil
	case MarkerUMS:
		id, ok := raw[keyConversationID].(string)
		if !ok || id == "" {
			return nil, ErrUnrecognizedState
		}
		return &State{Marker: MarkerUMS, ConversationID: id}, nil
	default:
		return nil, ErrUnrecognizedState
	}
}

// FromMessage 提取消息中携带的会话状态，消息没有状态时返回 (nil, nil)。
func FromMessage(msg *chat.Message) (*State, error) {
	if msg == nil || msg.CustomContent == nil {
		return nil, nil
	}
	return Decode(msg.CustomContent.State)
}
