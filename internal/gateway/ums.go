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

// UMSGateway 对接用户管理智能体：一个自己维护会话历史的有状态后端，
// 续接只需要带上它颁发的会话 ID。
type UMSGateway struct {
	endpoint   string
	httpClient *http.Client
	log        *slog.Logger
}

// NewUMSGateway 创建 UMS 网关。endpoint 是后端的基础 URL。
func NewUMSGateway(endpoint string) *UMSGateway {
	return &UMSGateway{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{},
		log:        logger.Named("gateway.ums"),
	}
}

// Name 实现 Gateway 接口。
func (g *UMSGateway) Name() Name { return UMS }

// Respond 解析或创建会话，把最新的用户消息连同补充指令发给后端，
// 并把流式文本写入父阶段。UMS 不产生嵌套阶段。
func (g *UMSGateway) Respond(ctx context.Context, scope Scope, req *chat.Request, instructions string) (*chat.Message, error) {
	conversationID := g.resolveConversationID(req)
	if conversationID == "" {
		created, err := g.createConversation(ctx)
		if err != nil {
			return nil, err
		}
		conversationID = created
	}

	last := req.LastUserMessage()
	if last == nil {
		return nil, fmt.Errorf("请求中没有用户消息")
	}
	userContent := last.Content
	if instructions != "" {
		userContent = fmt.Sprintf("%s\n\nAdditional context: %s", userContent, instructions)
	}

	content, err := g.chat(ctx, scope, conversationID, userContent)
	if err != nil {
		return nil, err
	}

	scope.Choice.SetState(state.WrapConversationID(conversationID).Encode())
	return &chat.Message{Role: chat.RoleAssistant, Content: content}, nil
}

// resolveConversationID 从最近的助手消息向前回溯，找出 UMS 颁发的会话 ID。
func (g *UMSGateway) resolveConversationID(req *chat.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != chat.RoleAssistant {
			continue
		}
		st, err := state.FromMessage(&msg)
		if err != nil {
			g.log.Warn("跳过状态结构不可识别的历史轮次", slog.Any("error", err))
			continue
		}
		if st != nil && st.Marker == state.MarkerUMS {
			return st.ConversationID
		}
	}
	return ""
}

// createConversation 在后端新建会话，整个请求内至多调用一次。
func (g *UMSGateway) createConversation(ctx context.Context) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/conversations", nil)
	if err != nil {
		return "", fmt.Errorf("构建 UMS 建会话请求失败: %w", err)
	}
	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("UMS 创建会话失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("UMS 建会话返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析 UMS 建会话响应失败: %w", err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("UMS 返回了空的会话 ID")
	}
	g.log.Info("已创建 UMS 会话", slog.String("conversation_id", decoded.ID))
	return decoded.ID, nil
}

// chat 调用续接会话端点并解析 SSE 流。
func (g *UMSGateway) chat(ctx context.Context, scope Scope, conversationID, userContent string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"message": map[string]string{"role": "user", "content": userContent},
		"stream":  true,
	})
	if err != nil {
		return "", fmt.Errorf("序列化 UMS 请求失败: %w", err)
	}

	url := fmt.Sprintf("%s/conversations/%s/chat", g.endpoint, conversationID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("构建 UMS 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求 UMS 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("UMS 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "data: ")
		if line == "[DONE]" {
			break
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			// 跳过非 JSON 行（例如会话元数据）。
			continue
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		scope.Parent.AppendContent(chunk.Choices[0].Delta.Content)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("读取 UMS 响应流失败: %w", err)
	}
	return content.String(), nil
}

var _ Gateway = (*UMSGateway)(nil)
