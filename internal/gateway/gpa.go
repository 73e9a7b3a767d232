package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"MAS-Coordinator/internal/chat"
	"MAS-Coordinator/internal/state"
	"MAS-Coordinator/pkg/logger"
)

// GPAGateway 对接通用智能体：一个无状态、使用工具的后端，
// 每一轮都需要把历史中属于它的工具状态完整回放。
type GPAGateway struct {
	endpoint   string
	httpClient *http.Client
	log        *slog.Logger
}

// NewGPAGateway 创建 GPA 网关。endpoint 是后端的基础 URL。
func NewGPAGateway(endpoint string) *GPAGateway {
	return &GPAGateway{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
		log:        logger.Named("gateway.gpa"),
	}
}

// Name 实现 Gateway 接口。
func (g *GPAGateway) Name() Name { return GPA }

// gpaChunk 是后端流式增量的线上格式。
type gpaChunk struct {
	Choices []struct {
		Delta struct {
			Content       string              `json:"content"`
			CustomContent *chat.CustomContent `json:"custom_content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Respond 把过滤并还原后的历史发送给后端，流式转发其输出。
func (g *GPAGateway) Respond(ctx context.Context, scope Scope, req *chat.Request, instructions string) (*chat.Message, error) {
	messages := g.prepareMessages(req, instructions)

	payload, err := json.Marshal(map[string]any{
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化 GPA 请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.endpoint+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 GPA 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 GPA 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("GPA 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var content strings.Builder
	var toolHistory map[string]any

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")
		if line == "[DONE]" {
			break
		}
		var chunk gpaChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			scope.Parent.AppendContent(delta.Content)
		}
		if cc := delta.CustomContent; cc != nil {
			for _, att := range cc.Attachments {
				scope.Choice.AddAttachment(att)
			}
			for _, sd := range cc.Stages {
				scope.Tracker.Apply(sd)
			}
			if cc.State != nil {
				toolHistory = cc.State
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取 GPA 响应流失败: %w", err)
	}

	if toolHistory != nil {
		scope.Choice.SetState(state.WrapToolHistory(toolHistory).Encode())
	}
	return &chat.Message{Role: chat.RoleAssistant, Content: content.String()}, nil
}

// prepareMessages 构造发往后端的消息数组：只回放属于 GPA 的可续接轮次，
// 其他智能体的状态绝不进入本智能体的还原路径。
func (g *GPAGateway) prepareMessages(req *chat.Request, instructions string) []chat.Message {
	var messages []chat.Message
	for i, msg := range req.Messages {
		if msg.Role != chat.RoleAssistant {
			continue
		}
		st, err := state.FromMessage(&msg)
		if err != nil {
			g.log.Warn("跳过状态结构不可识别的历史轮次", slog.Any("error", err))
			continue
		}
		if st == nil || st.Marker != state.MarkerGPA {
			continue
		}
		// 可续接轮次：带上紧邻的用户消息，并把状态还原为后端原生格式。
		if i > 0 && req.Messages[i-1].Role == chat.RoleUser {
			prev := req.Messages[i-1]
			messages = append(messages, chat.Message{Role: chat.RoleUser, Content: prev.Content})
		}
		messages = append(messages, chat.Message{
			Role:          chat.RoleAssistant,
			Content:       msg.Content,
			CustomContent: &chat.CustomContent{State: st.ToolHistory},
		})
	}

	if instructions != "" {
		messages = append(messages, chat.Message{Role: chat.RoleSystem, Content: instructions})
	}
	if last := req.LastUserMessage(); last != nil {
		messages = append(messages, chat.Message{Role: chat.RoleUser, Content: last.Content})
	}
	return messages
}

var _ Gateway = (*GPAGateway)(nil)
