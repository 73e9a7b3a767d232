package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"MAS-Coordinator/internal/chat"
	"MAS-Coordinator/internal/coordinator"
	"MAS-Coordinator/internal/observability/metrics"
	"MAS-Coordinator/internal/state"
	"MAS-Coordinator/pkg/logger"
)

// Server 暴露会话补全接口，供外部客户端驱动编排。
type Server struct {
	addr  string
	coord *coordinator.Coordinator
	store state.Store
	log   *slog.Logger
}

// Option 配置 Server 的可选能力。
type Option func(*Server)

// WithStateStore 启用服务端会话状态托管：携带 X-Session-Key 的
// 请求会自动注入与回存会话状态，客户端无需自己回传。
func WithStateStore(store state.Store) Option {
	return func(s *Server) { s.store = store }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, coord *coordinator.Coordinator, opts ...Option) *Server {
	s := &Server{addr: addr, coord: coord, log: logger.Named("api")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/v1/chat/completions", instrument("chat_completions", http.HandlerFunc(s.handleChat)))
	mux.Handle("/healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("API 服务已启动", slog.String("addr", s.addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.coord == nil {
		http.Error(w, "Coordinator 未初始化", http.StatusServiceUnavailable)
		return
	}

	var req chat.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 || req.LastUserMessage() == nil {
		http.Error(w, "请求中缺少用户消息", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	sessionKey := r.Header.Get("X-Session-Key")
	if err := s.injectStoredState(r.Context(), sessionKey, &req); err != nil {
		s.log.Error("读取托管会话状态失败",
			slog.String("request_id", requestID),
			slog.String("session_key", sessionKey),
			slog.Any("error", err))
		http.Error(w, "会话状态读取失败", http.StatusInternalServerError)
		return
	}

	if req.Stream {
		s.streamChat(w, r, requestID, sessionKey, &req)
		return
	}
	s.bufferChat(w, r, requestID, sessionKey, &req)
}

func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, requestID, sessionKey string, req *chat.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "当前连接不支持流式响应", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Request-Id", requestID)

	choice := chat.NewChoice(r.Context(), func(d chat.Delta) {
		payload, err := json.Marshal(d)
		if err != nil {
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	})

	if err := s.coord.HandleRequest(r.Context(), requestID, req, choice); err != nil {
		// 校验类错误；流头已经发出，只能以事件形式结束。
		s.log.Warn("请求处理失败", slog.String("request_id", requestID), slog.Any("error", err))
	}
	s.persistState(r.Context(), requestID, sessionKey, choice.Message())

	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) bufferChat(w http.ResponseWriter, r *http.Request, requestID, sessionKey string, req *chat.Request) {
	choice := chat.NewChoice(r.Context(), nil)
	if err := s.coord.HandleRequest(r.Context(), requestID, req, choice); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	message := choice.Message()
	s.persistState(r.Context(), requestID, sessionKey, message)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-Id", requestID)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      requestID,
		"message": message,
	})
}

// injectStoredState 把托管的会话状态挂回历史中最近一条助手消息。
// 客户端自己携带了状态时不做任何事：显式状态优先。
func (s *Server) injectStoredState(ctx context.Context, sessionKey string, req *chat.Request) error {
	if s.store == nil || sessionKey == "" {
		return nil
	}
	stored, err := s.store.Get(ctx, sessionKey)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := &req.Messages[i]
		if m.Role != chat.RoleAssistant {
			continue
		}
		if m.CustomContent != nil && len(m.CustomContent.State) > 0 {
			return nil
		}
		if m.CustomContent == nil {
			m.CustomContent = &chat.CustomContent{}
		}
		m.CustomContent.State = stored
		return nil
	}
	return nil
}

// persistState 把本轮产生的会话状态写回托管存储，失败只记日志。
func (s *Server) persistState(ctx context.Context, requestID, sessionKey string, message chat.Message) {
	if s.store == nil || sessionKey == "" {
		return
	}
	if message.CustomContent == nil || len(message.CustomContent.State) == 0 {
		return
	}
	if err := s.store.Set(ctx, sessionKey, message.CustomContent.State); err != nil {
		s.log.Error("回存托管会话状态失败",
			slog.String("request_id", requestID),
			slog.String("session_key", sessionKey),
			slog.Any("error", err))
	}
}

// instrument 记录每个处理器的请求计数与时延。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush 透传底层连接的刷新能力，流式响应依赖它。
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
