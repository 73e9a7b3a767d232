package chat

import (
	"context"
	"strings"
)

// Delta 是响应流中的一个有序增量，按产生顺序交付给宿主。
type Delta struct {
	Content    string         `json:"content,omitempty"`
	Stage      *StageDelta    `json:"stage,omitempty"`
	Attachment *Attachment    `json:"attachment,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// EmitFunc 由宿主提供，按到达顺序消费增量。
type EmitFunc func(Delta)

// Choice 聚合一次请求的最终助手响应，同时把每个增量按序转发给宿主。
// 一个 Choice 只服务一个在途响应，由单一逻辑流程持有，无需加锁。
// 请求上下文取消后，所有后续写入被丢弃而不是排队。
type Choice struct {
	ctx         context.Context
	emit        EmitFunc
	content     strings.Builder
	attachments []Attachment
	state       map[string]any
	nextStage   int
}

// NewChoice 创建与一次请求绑定的响应构建器。emit 可以为 nil（非流式）。
func NewChoice(ctx context.Context, emit EmitFunc) *Choice {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Choice{ctx: ctx, emit: emit}
}

// Context 返回请求级别的上下文。
func (c *Choice) Context() context.Context {
	return c.ctx
}

func (c *Choice) cancelled() bool {
	return c.ctx.Err() != nil
}

func (c *Choice) send(d Delta) {
	if c.emit != nil {
		c.emit(d)
	}
}

// AppendContent 追加最终响应正文并发出内容增量。
func (c *Choice) AppendContent(text string) {
	if text == "" || c.cancelled() {
		return
	}
	c.content.WriteString(text)
	c.send(Delta{Content: text})
}

// AddAttachment 把附件记入最终响应并发出附件增量。
func (c *Choice) AddAttachment(att Attachment) {
	if c.cancelled() {
		return
	}
	c.attachments = append(c.attachments, att)
	a := att
	c.send(Delta{Attachment: &a})
}

// SetState 设置随最终响应回传的会话状态。
func (c *Choice) SetState(state map[string]any) {
	if c.cancelled() {
		return
	}
	c.state = state
	if state != nil {
		c.send(Delta{State: state})
	}
}

// EmitStage 发出一条阶段增量。增量的 index 必须已经由本 Choice 分配。
func (c *Choice) EmitStage(delta StageDelta) {
	if c.cancelled() {
		return
	}
	d := delta
	c.send(Delta{Stage: &d})
}

// AllocStageIndex 分配响应内唯一且不会复用的阶段序号。
func (c *Choice) AllocStageIndex() int {
	idx := c.nextStage
	c.nextStage++
	return idx
}

// Message 汇总出最终的助手消息。
func (c *Choice) Message() Message {
	msg := Message{Role: RoleAssistant, Content: c.content.String()}
	if len(c.attachments) > 0 || len(c.state) > 0 {
		msg.CustomContent = &CustomContent{
			Attachments: c.attachments,
			State:       c.state,
		}
	}
	return msg
}
