package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"MAS-Coordinator/internal/chat"
	"MAS-Coordinator/internal/coordinator"
	"MAS-Coordinator/internal/gateway"
	"MAS-Coordinator/internal/llm"
	"MAS-Coordinator/internal/router"
	"MAS-Coordinator/internal/state"
)

type stubStream struct {
	tokens []string
	pos    int
}

func (s *stubStream) Recv() (string, error) {
	if s.pos < len(s.tokens) {
		token := s.tokens[s.pos]
		s.pos++
		return token, nil
	}
	return "", io.EOF
}

func (s *stubStream) Close() error { return nil }

type stubLLM struct {
	decision string
	tokens   []string
}

func (s *stubLLM) Complete(context.Context, llm.Request) (string, error) {
	return s.decision, nil
}

func (s *stubLLM) Stream(context.Context, llm.Request) (llm.Stream, error) {
	return &stubStream{tokens: s.tokens}, nil
}

type stubGateway struct {
	name       gateway.Name
	reply      string
	sawHistory []chat.Message
}

func (g *stubGateway) Name() gateway.Name { return g.name }

func (g *stubGateway) Respond(_ context.Context, scope gateway.Scope, req *chat.Request, _ string) (*chat.Message, error) {
	g.sawHistory = append([]chat.Message(nil), req.Messages...)
	scope.Parent.AppendContent(g.reply)
	scope.Choice.SetState(state.WrapConversationID("c-55").Encode())
	return &chat.Message{Role: chat.RoleAssistant, Content: g.reply}, nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *stubGateway) {
	t.Helper()
	client := &stubLLM{
		decision: `{"agent_name":"ums"}`,
		tokens:   []string{"最终", "答案"},
	}
	gpa := &stubGateway{name: gateway.GPA, reply: "通用"}
	ums := &stubGateway{name: gateway.UMS, reply: "委托回复"}
	coord, err := coordinator.New(router.New(client, nil), client, []gateway.Gateway{gpa, ums})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return NewServer(":0", coord, opts...), ums
}

func chatBody(t *testing.T, stream bool) *strings.Reader {
	t.Helper()
	body, err := json.Marshal(chat.Request{
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "创建用户"}},
		Stream:   stream,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return strings.NewReader(string(body))
}

func TestHandleChatBuffered(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, false))
	rec := httptest.NewRecorder()
	server.handleChat(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var decoded struct {
		ID      string       `json:"id"`
		Message chat.Message `json:"message"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded.ID == "" {
		t.Fatalf("response must carry a request id")
	}
	if decoded.Message.Content != "最终答案" {
		t.Fatalf("unexpected content: %q", decoded.Message.Content)
	}
	if decoded.Message.CustomContent == nil || decoded.Message.CustomContent.State == nil {
		t.Fatalf("final message must carry conversation state")
	}
}

func TestHandleChatStreaming(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, true))
	rec := httptest.NewRecorder()
	server.handleChat(rec, req)

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"content":"最终"`) || !strings.Contains(body, `"content":"答案"`) {
		t.Fatalf("expected content deltas in stream: %s", body)
	}
	if !strings.Contains(body, `"stage"`) {
		t.Fatalf("expected stage deltas in stream: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("stream must terminate with [DONE]: %s", body)
	}
}

func TestHandleChatRejectsInvalidRequests(t *testing.T) {
	server, _ := newTestServer(t)

	cases := []struct {
		method string
		body   string
		want   int
	}{
		{http.MethodGet, "", http.StatusMethodNotAllowed},
		{http.MethodPost, "not json", http.StatusBadRequest},
		{http.MethodPost, `{"messages":[]}`, http.StatusBadRequest},
		{http.MethodPost, `{"messages":[{"role":"assistant","content":"答"}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, "/v1/chat/completions", strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		server.handleChat(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s %q: expected %d, got %d", tc.method, tc.body, tc.want, rec.Code)
		}
	}
}

func TestHandleChatPersistsAndInjectsSessionState(t *testing.T) {
	store := state.NewMemoryStore()
	server, ums := newTestServer(t, WithStateStore(store))

	// 第一轮：产生状态并回存。
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", chatBody(t, false))
	req.Header.Set("X-Session-Key", "sess-1")
	rec := httptest.NewRecorder()
	server.handleChat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	stored, err := store.Get(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get stored state: %v", err)
	}
	if stored["conversation_id"] != "c-55" {
		t.Fatalf("state not persisted: %+v", stored)
	}

	// 第二轮：不带状态的历史应被注入托管状态。
	body, _ := json.Marshal(chat.Request{Messages: []chat.Message{
		{Role: chat.RoleUser, Content: "创建用户"},
		{Role: chat.RoleAssistant, Content: "好的"},
		{Role: chat.RoleUser, Content: "再查一下"},
	}})
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(string(body)))
	req.Header.Set("X-Session-Key", "sess-1")
	rec = httptest.NewRecorder()
	server.handleChat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	var injected bool
	for _, m := range ums.sawHistory {
		if m.Role == chat.RoleAssistant && m.CustomContent != nil && m.CustomContent.State["conversation_id"] == "c-55" {
			injected = true
		}
	}
	if !injected {
		t.Fatalf("stored state was not injected into history: %+v", ums.sawHistory)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	server.handleHealth(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("unexpected health response: %d %s", rec.Code, rec.Body.String())
	}
}
