// Package gateway normalizes the two heterogeneous backend agents behind
// one respond contract. The agent set is a closed tagged variant: adding
// an agent means adding a name constant and one implementation, never ad
// hoc branching elsewhere.
package gateway

import (
	"context"

	"MAS-Coordinator/internal/chat"
	"MAS-Coordinator/internal/stage"
)

// Name 标识一个可路由的后端智能体。
type Name string

const (
	// GPA 是通用智能体，也是路由失败时的兜底目标。
	GPA Name = "gpa"
	// UMS 是用户管理智能体。
	UMS Name = "ums"
)

// Valid 报告名称是否属于已知智能体集合。
func (n Name) Valid() bool {
	return n == GPA || n == UMS
}

// Scope 是一次委托调用的输出通道：响应构建器、以该智能体命名的父阶段，
// 以及用于镜像委托方嵌套进度的阶段注册表。
type Scope struct {
	Choice  *chat.Choice
	Parent  *stage.Handle
	Tracker *stage.Tracker
}

// Gateway 把一个后端智能体规范化为统一的委托契约。
// Respond 以流式方式消费后端输出：正文进入父阶段，嵌套阶段增量经
// Tracker 镜像，附件与最终会话状态写入 Choice；返回委托方的最终消息。
type Gateway interface {
	Name() Name
	Respond(ctx context.Context, scope Scope, req *chat.Request, instructions string) (*chat.Message, error)
}
