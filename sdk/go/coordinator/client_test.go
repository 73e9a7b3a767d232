package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCompleteSendsMessagesAndSessionKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Session-Key"); got != "sess-1" {
			t.Fatalf("unexpected session key: %q", got)
		}
		var payload struct {
			Messages []Message `json:"messages"`
			Stream   bool      `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload.Stream {
			t.Fatalf("Complete must not request streaming")
		}
		if len(payload.Messages) != 1 || payload.Messages[0].Content != "列出用户" {
			t.Fatalf("unexpected messages: %+v", payload.Messages)
		}
		_ = json.NewEncoder(w).Encode(ChatResponse{
			ID:      "req-1",
			Message: Message{Role: RoleAssistant, Content: "共 3 个用户"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, WithSessionKey("sess-1"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Complete(context.Background(), []Message{
		{Role: RoleUser, Content: "列出用户"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.ID != "req-1" || resp.Message.Content != "共 3 个用户" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestCompleteSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "请求中缺少用户消息", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	_, err := client.Complete(context.Background(), nil)
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", apiErr.StatusCode)
	}
}

func TestStreamInvokesCallbackUntilDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Stream bool `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if !payload.Stream {
			t.Fatalf("Stream must request streaming")
		}
		_, _ = fmt.Fprint(w, "data: {\"stage\":{\"index\":0,\"name\":\"🧭 协调\",\"status\":\"open\"}}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"content\":\"部分\"}\n\n")
		_, _ = fmt.Fprint(w, "data: {\"content\":\"回答\"}\n\n")
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	var content string
	var stages int
	err := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "问题"}}, func(d Delta) error {
		content += d.Content
		if d.Stage != nil {
			stages++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if content != "部分回答" {
		t.Fatalf("unexpected content: %q", content)
	}
	if stages != 1 {
		t.Fatalf("expected 1 stage delta, got %d", stages)
	}
}

func TestStreamFailsWithoutDoneMarker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, "data: {\"content\":\"截断\"}\n\n")
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL)
	err := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "问题"}}, func(Delta) error {
		return nil
	})
	if err == nil {
		t.Fatalf("expected error when stream ends without [DONE]")
	}
}
