package stage

import (
	"context"
	"testing"

	"MAS-Coordinator/internal/chat"
)

// collect 返回一个 choice 和对其所有阶段增量的记录。
func collect(t *testing.T) (*chat.Choice, *[]chat.StageDelta) {
	t.Helper()
	var deltas []chat.StageDelta
	choice := chat.NewChoice(context.Background(), func(d chat.Delta) {
		if d.Stage != nil {
			deltas = append(deltas, *d.Stage)
		}
	})
	return choice, &deltas
}

func TestHandleCloseIsIdempotent(t *testing.T) {
	choice, deltas := collect(t)
	tracker := NewTracker(choice)

	h := tracker.Open("检索")
	h.Close()
	h.Close()
	h.Close()

	completed := 0
	for _, d := range *deltas {
		if d.Status == chat.StageCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected exactly 1 completed delta, got %d", completed)
	}
	if !h.Closed() {
		t.Fatalf("handle should report closed")
	}
}

func TestHandleIgnoresWritesAfterClose(t *testing.T) {
	choice, deltas := collect(t)
	tracker := NewTracker(choice)

	h := tracker.Open("分析")
	h.AppendContent("进行中")
	h.Close()
	h.AppendContent("迟到的内容")
	h.AddAttachment(chat.Attachment{MimeType: "text/plain"})

	for _, d := range *deltas {
		if d.Content == "迟到的内容" || len(d.Attachments) > 0 {
			t.Fatalf("write after close leaked: %+v", d)
		}
	}
	last := (*deltas)[len(*deltas)-1]
	if last.Status != chat.StageCompleted {
		t.Fatalf("expected completed to be the final delta, got %+v", last)
	}
}

func TestApplyOpensUnseenStageWithDefaultName(t *testing.T) {
	choice, deltas := collect(t)
	tracker := NewTracker(choice)

	tracker.Apply(chat.StageDelta{Index: 7, Content: "无名阶段内容"})

	if len(*deltas) < 2 {
		t.Fatalf("expected open + content deltas, got %d", len(*deltas))
	}
	open := (*deltas)[0]
	if open.Status != chat.StageOpen || open.Name != "阶段 7" {
		t.Fatalf("unexpected open delta: %+v", open)
	}
}

func TestApplyRemapsDelegateIndexes(t *testing.T) {
	choice, deltas := collect(t)
	tracker := NewTracker(choice)

	// 编排层先占用了序号 0。
	own := tracker.Open("协调")
	own.Close()

	tracker.Apply(chat.StageDelta{Index: 0, Name: "委托方阶段", Status: chat.StageOpen})

	var delegateOpen *chat.StageDelta
	for i := range *deltas {
		if (*deltas)[i].Name == "委托方阶段" {
			delegateOpen = &(*deltas)[i]
		}
	}
	if delegateOpen == nil {
		t.Fatalf("delegate stage never opened")
	}
	if delegateOpen.Index == own.Index() {
		t.Fatalf("delegate index must not collide with own stage index %d", own.Index())
	}
}

func TestApplyIgnoresCompletedForUnseenStage(t *testing.T) {
	choice, deltas := collect(t)
	tracker := NewTracker(choice)

	tracker.Apply(chat.StageDelta{Index: 3, Status: chat.StageCompleted})
	if len(*deltas) != 0 {
		t.Fatalf("unseen completed must not emit anything, got %+v", *deltas)
	}

	// 同一序号的后续增量也不再复活该阶段。
	tracker.Apply(chat.StageDelta{Index: 3, Content: "迟到"})
	for _, d := range *deltas {
		if d.Content == "迟到" {
			t.Fatalf("content after tombstone leaked: %+v", d)
		}
	}
}

func TestApplyInterleavedStages(t *testing.T) {
	choice, deltas := collect(t)
	tracker := NewTracker(choice)

	tracker.Apply(chat.StageDelta{Index: 0, Name: "搜索", Status: chat.StageOpen})
	tracker.Apply(chat.StageDelta{Index: 1, Name: "计算", Status: chat.StageOpen})
	tracker.Apply(chat.StageDelta{Index: 0, Content: "a"})
	tracker.Apply(chat.StageDelta{Index: 1, Content: "b"})
	tracker.Apply(chat.StageDelta{Index: 1, Status: chat.StageCompleted})
	tracker.Apply(chat.StageDelta{Index: 0, Status: chat.StageCompleted})

	completed := 0
	for _, d := range *deltas {
		if d.Status == chat.StageCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Fatalf("expected 2 completed stages, got %d", completed)
	}
}

func TestCloseAllClosesLeftoverStages(t *testing.T) {
	choice, deltas := collect(t)
	tracker := NewTracker(choice)

	a := tracker.Open("甲")
	b := tracker.Open("乙")
	a.Close()

	tracker.CloseAll()

	if !a.Closed() || !b.Closed() {
		t.Fatalf("all stages must be closed after CloseAll")
	}
	completed := 0
	for _, d := range *deltas {
		if d.Status == chat.StageCompleted {
			completed++
		}
	}
	if completed != 2 {
		t.Fatalf("expected 2 completed deltas total, got %d", completed)
	}
}
