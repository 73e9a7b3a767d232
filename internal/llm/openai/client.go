package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"MAS-Coordinator/internal/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o"
	defaultTimeout = 60 * time.Second

	ssePrefix = "data: "
	sseDone   = "[DONE]"
)

// Config 描述调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容端点提供的大模型能力。
type Client struct {
	apiKey  string
	baseURL string
	model   string
	// 非流式调用使用带超时的客户端；流式调用依赖 ctx 控制生命周期。
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		baseURL:      baseURL,
		model:        model,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}, nil
}

// Complete 发起一次非流式调用并返回完整回复内容。
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	resp, err := c.post(ctx, c.httpClient, req, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析大模型响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("大模型响应中没有有效的 choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

// Stream 发起一次流式调用，返回按需拉取的增量序列。
func (c *Client) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	resp, err := c.post(ctx, c.streamClient, req, true)
	if err != nil {
		return nil, err
	}
	return &stream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (c *Client) post(ctx context.Context, client *http.Client, req llm.Request, streaming bool) (*http.Response, error) {
	payload, err := c.buildPayload(req, streaming)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建大模型请求失败: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求大模型失败: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		return nil, fmt.Errorf("大模型返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func (c *Client) buildPayload(req llm.Request, streaming bool) ([]byte, error) {
	body := map[string]any{
		"model":    c.model,
		"messages": req.Messages,
	}
	if streaming {
		body["stream"] = true
	}
	if req.ResponseFormat != nil {
		body["response_format"] = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   req.ResponseFormat.Name,
				"schema": req.ResponseFormat.Schema,
			},
		}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化大模型请求失败: %w", err)
	}
	return encoded, nil
}

// stream 逐行解析 SSE 响应。
type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Recv 返回下一个非空内容增量，流结束时返回 io.EOF。
func (s *stream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, ssePrefix)
		if line == sseDone {
			return "", io.EOF
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			// 跳过非 JSON 行（例如注释或心跳）。
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close 关闭底层连接。
func (s *stream) Close() error {
	return s.body.Close()
}

var _ llm.Client = (*Client)(nil)
