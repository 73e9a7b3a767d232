// Package coordinator provides a thin Go client for the MAS Coordinator
// chat completion API, covering both buffered and streaming modes.
package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streaming calls override it with no timeout because
// their lifetime is bounded by the request context.
const DefaultHTTPTimeout = 60 * time.Second

// Role identifies a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Attachment mirrors the server-side attachment payload.
type Attachment struct {
	MimeType   string `json:"mime_type"`
	Title      string `json:"title,omitempty"`
	InlineData string `json:"inline_data,omitempty"`
	URL        string `json:"url,omitempty"`
}

// StageDelta is an incremental update to one progress stage.
type StageDelta struct {
	Index       int          `json:"index"`
	Name        string       `json:"name,omitempty"`
	Status      string       `json:"status,omitempty"`
	Content     string       `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// CustomContent carries orchestration metadata alongside message text.
type CustomContent struct {
	Attachments []Attachment   `json:"attachments,omitempty"`
	State       map[string]any `json:"state,omitempty"`
	Stages      []StageDelta   `json:"stages,omitempty"`
}

// Message is one conversation turn. Assistant messages returned by the
// coordinator may carry conversation state that must be echoed back on the
// next turn unless server-side session storage is used.
type Message struct {
	Role          Role           `json:"role"`
	Content       string         `json:"content"`
	CustomContent *CustomContent `json:"custom_content,omitempty"`
}

// Delta is one ordered increment of a streaming response.
type Delta struct {
	Content    string         `json:"content,omitempty"`
	Stage      *StageDelta    `json:"stage,omitempty"`
	Attachment *Attachment    `json:"attachment,omitempty"`
	State      map[string]any `json:"state,omitempty"`
}

// ChatResponse is the buffered completion result.
type ChatResponse struct {
	ID      string  `json:"id"`
	Message Message `json:"message"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("coordinator api error (%d): %s", e.StatusCode, e.Message)
}

// Client wraps the HTTP interactions with the MAS Coordinator API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	sessionKey string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithSessionKey enables server-side session state storage: the key is sent
// as the X-Session-Key header on every request.
func WithSessionKey(key string) Option {
	return func(c *Client) { c.sessionKey = key }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// NewClient instantiates a client for the MAS Coordinator API.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	c := &Client{
		baseURL:    parsed,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Complete sends the conversation and returns the final assistant message.
func (c *Client) Complete(ctx context.Context, messages []Message) (ChatResponse, error) {
	req, err := c.newChatRequest(ctx, messages, false)
	if err != nil {
		return ChatResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return ChatResponse{}, readAPIError(resp)
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ChatResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Stream sends the conversation in streaming mode and invokes onDelta for
// every increment until the server signals completion. A non-nil error from
// onDelta aborts the stream and is returned as is.
func (c *Client) Stream(ctx context.Context, messages []Message, onDelta func(Delta) error) error {
	req, err := c.newChatRequest(ctx, messages, true)
	if err != nil {
		return err
	}

	// 流式调用不设置客户端级超时，由 ctx 控制生命周期。
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return nil
		}
		var delta Delta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			continue
		}
		if err := onDelta(delta); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) newChatRequest(ctx context.Context, messages []Message, stream bool) (*http.Request, error) {
	body, err := json.Marshal(map[string]any{
		"messages": messages,
		"stream":   stream,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, "/v1/chat/completions")}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sessionKey != "" {
		req.Header.Set("X-Session-Key", c.sessionKey)
	}
	return req, nil
}

func readAPIError(resp *http.Response) error {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(data)),
	}
}
