package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"MAS-Coordinator/internal/chat"
	"MAS-Coordinator/internal/stage"
	"MAS-Coordinator/internal/state"
)

// newScope 返回一次委托所需的输出通道和对所有增量的记录。
func newScope(t *testing.T) (Scope, *[]chat.Delta) {
	t.Helper()
	var deltas []chat.Delta
	choice := chat.NewChoice(context.Background(), func(d chat.Delta) {
		deltas = append(deltas, d)
	})
	tracker := stage.NewTracker(choice)
	parent := tracker.Open("🤖 gpa")
	return Scope{Choice: choice, Parent: parent, Tracker: tracker}, &deltas
}

func sseLine(t *testing.T, w http.ResponseWriter, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
}

func gpaContentChunk(content string) map[string]any {
	return map[string]any{"choices": []any{map[string]any{
		"delta": map[string]any{"content": content},
	}}}
}

func TestGPARespondStreamsContentAndState(t *testing.T) {
	var received struct {
		Messages []chat.Message `json:"messages"`
		Stream   bool           `json:"stream"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		sseLine(t, w, gpaContentChunk("计算"))
		sseLine(t, w, map[string]any{"choices": []any{map[string]any{
			"delta": map[string]any{
				"content": "完成",
				"custom_content": map[string]any{
					"attachments": []any{map[string]any{"mime_type": "image/png", "title": "图表"}},
					"stages": []any{
						map[string]any{"index": 0, "name": "执行代码", "status": "open"},
						map[string]any{"index": 0, "status": "completed"},
					},
					"state": map[string]any{"invocations": []any{"calc"}},
				},
			},
		}}})
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	scope, deltas := newScope(t)
	gw := NewGPAGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "算一下 2+2"}}}

	msg, err := gw.Respond(context.Background(), scope, req, "")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if !received.Stream {
		t.Fatalf("backend must be called in streaming mode")
	}
	if msg.Content != "计算完成" {
		t.Fatalf("unexpected delegate content: %q", msg.Content)
	}

	// 正文进入父阶段，不进入顶层内容。
	var topContent string
	var stateDelta map[string]any
	var attachments, nestedOpens int
	for _, d := range *deltas {
		if d.Content != "" {
			topContent += d.Content
		}
		if d.Attachment != nil {
			attachments++
		}
		if d.State != nil {
			stateDelta = d.State
		}
		if d.Stage != nil && d.Stage.Name == "执行代码" && d.Stage.Status == chat.StageOpen {
			nestedOpens++
		}
	}
	if topContent != "" {
		t.Fatalf("delegate content leaked into top-level content: %q", topContent)
	}
	if attachments != 1 {
		t.Fatalf("expected 1 attachment delta, got %d", attachments)
	}
	if nestedOpens != 1 {
		t.Fatalf("expected the nested stage to be mirrored once, got %d", nestedOpens)
	}

	decoded, err := state.Decode(stateDelta)
	if err != nil {
		t.Fatalf("decode emitted state: %v", err)
	}
	if decoded.Marker != state.MarkerGPA {
		t.Fatalf("expected gpa-tagged state, got %+v", decoded)
	}
	if _, ok := decoded.ToolHistory["invocations"]; !ok {
		t.Fatalf("tool history not passed through: %+v", decoded.ToolHistory)
	}
}

func TestGPAPrepareMessagesFiltersHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var received struct {
			Messages []chat.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode request: %v", err)
		}

		// 期望：可续接的 gpa 轮次（用户+助手）、补充指令、最新用户消息。
		if len(received.Messages) != 4 {
			t.Fatalf("unexpected message count %d: %+v", len(received.Messages), received.Messages)
		}
		if received.Messages[0].Role != chat.RoleUser || received.Messages[0].Content != "第一问" {
			t.Fatalf("resumable turn must include its user message: %+v", received.Messages[0])
		}
		restored := received.Messages[1]
		if restored.CustomContent == nil || restored.CustomContent.State["invocations"] == nil {
			t.Fatalf("resumable turn must carry the native tool history: %+v", restored)
		}
		if _, tagged := restored.CustomContent.State["agent"]; tagged {
			t.Fatalf("native state must be untagged when replayed: %+v", restored.CustomContent.State)
		}
		if received.Messages[2].Role != chat.RoleSystem || received.Messages[2].Content != "优先使用缓存" {
			t.Fatalf("instructions must be a trailing system message: %+v", received.Messages[2])
		}
		if received.Messages[3].Content != "第三问" {
			t.Fatalf("latest user message must come last: %+v", received.Messages[3])
		}

		sseLine(t, w, gpaContentChunk("好的"))
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	scope, _ := newScope(t)
	gw := NewGPAGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{
		{Role: chat.RoleUser, Content: "第一问"},
		{
			Role:    chat.RoleAssistant,
			Content: "第一答",
			CustomContent: &chat.CustomContent{
				State: state.WrapToolHistory(map[string]any{"invocations": []any{"search"}}).Encode(),
			},
		},
		{Role: chat.RoleUser, Content: "第二问"},
		{
			Role:    chat.RoleAssistant,
			Content: "第二答",
			CustomContent: &chat.CustomContent{
				State: state.WrapConversationID("c-1").Encode(), // 其他智能体的轮次
			},
		},
		{Role: chat.RoleUser, Content: "第三问"},
	}}

	if _, err := gw.Respond(context.Background(), scope, req, "优先使用缓存"); err != nil {
		t.Fatalf("respond: %v", err)
	}
}

func TestGPARespondPropagatesBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "后端过载", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	scope, deltas := newScope(t)
	gw := NewGPAGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "问题"}}}

	if _, err := gw.Respond(context.Background(), scope, req, ""); err == nil {
		t.Fatalf("expected error on backend failure")
	}
	for _, d := range *deltas {
		if d.State != nil {
			t.Fatalf("state must not be emitted on failure: %+v", d.State)
		}
	}
}
