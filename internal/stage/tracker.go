// Package stage mirrors nested progress indicators: it owns the mapping
// from a delegate's stage indices to this response's own stages and
// guarantees that every stage opened during a response is closed exactly
// once before the response completes.
package stage

import (
	"fmt"
	"log/slog"

	"MAS-Coordinator/internal/chat"
	"MAS-Coordinator/pkg/logger"
)

// Handle 代表响应内一个已打开的进度阶段，仅在响应生命周期内有效，不做持久化。
type Handle struct {
	choice *chat.Choice
	index  int
	name   string
	closed bool
}

// Index 返回该阶段在本响应内的序号。
func (h *Handle) Index() int { return h.index }

// Name 返回阶段名称。
func (h *Handle) Name() string { return h.name }

// Closed 报告阶段是否已经关闭。
func (h *Handle) Closed() bool { return h.closed }

// AppendContent 向阶段追加内容。阶段关闭后的追加是静默的空操作。
func (h *Handle) AppendContent(text string) {
	if h == nil || h.closed || text == "" {
		return
	}
	h.choice.EmitStage(chat.StageDelta{Index: h.index, Content: text})
}

// AddAttachment 向阶段追加附件。阶段关闭后的追加是静默的空操作。
func (h *Handle) AddAttachment(att chat.Attachment) {
	if h == nil || h.closed {
		return
	}
	h.choice.EmitStage(chat.StageDelta{Index: h.index, Attachments: []chat.Attachment{att}})
}

// Close 关闭阶段。重复关闭是空操作，从不报错。
func (h *Handle) Close() {
	if h == nil || h.closed {
		return
	}
	h.closed = true
	h.choice.EmitStage(chat.StageDelta{Index: h.index, Status: chat.StageCompleted})
}

// Tracker 维护一次在途响应内的阶段注册表。
// 它由单一逻辑流程独占，不跨请求共享，因此不需要锁。
type Tracker struct {
	choice  *chat.Choice
	log     *slog.Logger
	opened  []*Handle
	byIndex map[int]*Handle
}

// NewTracker 创建绑定到一个响应的阶段注册表。
func NewTracker(choice *chat.Choice) *Tracker {
	return &Tracker{
		choice:  choice,
		log:     logger.Named("stage"),
		byIndex: make(map[int]*Handle),
	}
}

// Open 打开一个编排层自有的阶段并返回其句柄。
func (t *Tracker) Open(name string) *Handle {
	h := &Handle{
		choice: t.choice,
		index:  t.choice.AllocStageIndex(),
		name:   name,
	}
	t.opened = append(t.opened, h)
	t.choice.EmitStage(chat.StageDelta{Index: h.index, Name: name, Status: chat.StageOpen})
	return h
}

// Apply 处理一条来自委托方的阶段增量。增量中的 index 属于委托方的编号空间，
// 到达顺序允许任意交错；首次出现即开启新阶段，status=completed 负责关闭。
func (t *Tracker) Apply(delta chat.StageDelta) {
	h, seen := t.byIndex[delta.Index]
	if !seen {
		// 没有先行 open 就收到 completed：视为已关闭，直接忽略。
		if delta.Status == chat.StageCompleted {
			t.log.Debug("忽略未知阶段的关闭增量", slog.Int("delegate_index", delta.Index))
			t.byIndex[delta.Index] = &Handle{choice: t.choice, closed: true}
			return
		}
		name := delta.Name
		if name == "" {
			name = fmt.Sprintf("阶段 %d", delta.Index)
		}
		h = t.Open(name)
		t.byIndex[delta.Index] = h
	}
	if delta.Content != "" {
		h.AppendContent(delta.Content)
	}
	for _, att := range delta.Attachments {
		h.AddAttachment(att)
	}
	if delta.Status == chat.StageCompleted {
		h.Close()
	}
}

// CloseAll 在响应结束时强制关闭所有遗留的阶段，
// 防止上游流未发出终止状态时留下悬挂的进度指示。
func (t *Tracker) CloseAll() {
	for _, h := range t.opened {
		h.Close()
	}
}
