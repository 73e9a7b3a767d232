// Package events publishes coordination audit events (routing decisions,
// delegation outcomes, synthesis fallbacks) to a pluggable sink.
package events

import "context"

// Kind 标识审计事件的类型。
type Kind string

const (
	KindDecision          Kind = "decision"
	KindDelegationFailed  Kind = "delegation_failed"
	KindSynthesisFallback Kind = "synthesis_fallback"
	KindCompleted         Kind = "completed"
)

// Event 描述编排过程中一次值得审计的事实。
type Event struct {
	Kind       Kind   `json:"kind"`
	RequestID  string `json:"request_id,omitempty"`
	Agent      string `json:"agent,omitempty"`
	Detail     string `json:"detail,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// Publisher 负责把事件投递到外部。发布失败只影响可观测性，
// 从不影响请求本身。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
