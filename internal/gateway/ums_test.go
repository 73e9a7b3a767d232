package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"MAS-Coordinator/internal/chat"
	"MAS-Coordinator/internal/state"
)

// umsBackend 模拟有状态的用户管理后端。
type umsBackend struct {
	t           *testing.T
	created     int
	chatCalls   []string // 每次 chat 调用的会话 ID
	lastMessage string
}

func (b *umsBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/conversations" && r.Method == http.MethodPost:
			b.created++
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "c-100"})
		case strings.HasSuffix(r.URL.Path, "/chat"):
			parts := strings.Split(r.URL.Path, "/")
			b.chatCalls = append(b.chatCalls, parts[2])
			var payload struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				b.t.Fatalf("decode chat payload: %v", err)
			}
			b.lastMessage = payload.Message.Content
			_, _ = fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"已创建用户\"}}]}\n\n")
			_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		default:
			b.t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})
}

func TestUMSRespondMintsConversationOnce(t *testing.T) {
	backend := &umsBackend{t: t}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	scope, deltas := newScope(t)
	gw := NewUMSGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "创建用户张三"}}}

	msg, err := gw.Respond(context.Background(), scope, req, "")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if backend.created != 1 {
		t.Fatalf("expected exactly one conversation creation, got %d", backend.created)
	}
	if msg.Content != "已创建用户" {
		t.Fatalf("unexpected delegate content: %q", msg.Content)
	}

	var emitted map[string]any
	for _, d := range *deltas {
		if d.State != nil {
			emitted = d.State
		}
	}
	decoded, err := state.Decode(emitted)
	if err != nil {
		t.Fatalf("decode emitted state: %v", err)
	}
	if decoded.Marker != state.MarkerUMS || decoded.ConversationID != "c-100" {
		t.Fatalf("unexpected state: %+v", decoded)
	}
}

func TestUMSRespondReusesConversationFromHistory(t *testing.T) {
	backend := &umsBackend{t: t}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	scope, _ := newScope(t)
	gw := NewUMSGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{
		{Role: chat.RoleUser, Content: "创建用户张三"},
		{
			Role:    chat.RoleAssistant,
			Content: "已创建",
			CustomContent: &chat.CustomContent{
				State: state.WrapConversationID("c-7").Encode(),
			},
		},
		{Role: chat.RoleUser, Content: "再查一下他"},
	}}

	if _, err := gw.Respond(context.Background(), scope, req, ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if backend.created != 0 {
		t.Fatalf("existing conversation must be reused, created %d", backend.created)
	}
	if len(backend.chatCalls) != 1 || backend.chatCalls[0] != "c-7" {
		t.Fatalf("unexpected chat calls: %+v", backend.chatCalls)
	}
}

func TestUMSRespondIgnoresForeignState(t *testing.T) {
	backend := &umsBackend{t: t}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	scope, _ := newScope(t)
	gw := NewUMSGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{
		{Role: chat.RoleUser, Content: "问题"},
		{
			Role:    chat.RoleAssistant,
			Content: "答",
			CustomContent: &chat.CustomContent{
				State: state.WrapToolHistory(map[string]any{"invocations": []any{}}).Encode(),
			},
		},
		{Role: chat.RoleUser, Content: "删除用户李四"},
	}}

	if _, err := gw.Respond(context.Background(), scope, req, ""); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if backend.created != 1 {
		t.Fatalf("foreign state must not resolve a conversation, created %d", backend.created)
	}
}

func TestUMSRespondAugmentsInstructions(t *testing.T) {
	backend := &umsBackend{t: t}
	srv := httptest.NewServer(backend.handler())
	defer srv.Close()

	scope, _ := newScope(t)
	gw := NewUMSGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "列出用户"}}}

	if _, err := gw.Respond(context.Background(), scope, req, "只要活跃用户"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	want := "列出用户\n\nAdditional context: 只要活跃用户"
	if backend.lastMessage != want {
		t.Fatalf("unexpected augmented message: %q", backend.lastMessage)
	}
}

func TestUMSRespondFailsWhenCreateFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "数据库不可用", http.StatusInternalServerError)
	}))
	defer srv.Close()

	scope, deltas := newScope(t)
	gw := NewUMSGateway(srv.URL)
	req := &chat.Request{Messages: []chat.Message{{Role: chat.RoleUser, Content: "创建用户"}}}

	if _, err := gw.Respond(context.Background(), scope, req, ""); err == nil {
		t.Fatalf("expected error when conversation creation fails")
	}
	for _, d := range *deltas {
		if d.State != nil {
			t.Fatalf("state must not be emitted on failure: %+v", d.State)
		}
	}
}
