// Package coordinator implements the per-request orchestration state
// machine: coordination (routing), delegation (gateway call), then
// synthesis (final answer streaming). Each request walks the phases at
// most once; there are no retries.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"MAS-Coordinator/internal/chat"
	xerrors "MAS-Coordinator/internal/errors"
	"MAS-Coordinator/internal/events"
	"MAS-Coordinator/internal/gateway"
	"MAS-Coordinator/internal/llm"
	"MAS-Coordinator/internal/observability/alerting"
	"MAS-Coordinator/internal/prompts"
	"MAS-Coordinator/internal/router"
	"MAS-Coordinator/internal/stage"
	"MAS-Coordinator/pkg/logger"
)

// Phase 标识请求当前所处的编排阶段。
type Phase string

const (
	PhaseCoordinating Phase = "coordinating"
	PhaseDelegating   Phase = "delegating"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseDone         Phase = "done"

	// 终态：委托失败终止请求，合成失败降级后仍可完成。
	PhaseDelegationFailed Phase = "delegation_failed"
	PhaseSynthesisFailed  Phase = "synthesis_failed"
)

// 阶段在 UI 中展示的名称。
const (
	coordinationStageName = "🧭 协调"
	agentStagePrefix      = "🤖 "
)

// Coordinator 驱动一次请求走完协调、委托、合成三个阶段。
type Coordinator struct {
	router    *router.Router
	llm       llm.Client
	gateways  map[gateway.Name]gateway.Gateway
	publisher events.Publisher
	alerts    alerting.Dispatcher
	log       *slog.Logger
}

// Option 配置 Coordinator 的可选能力。
type Option func(*Coordinator)

// WithPublisher 设置审计事件发布器。
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithAlerts 设置告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerts = d }
}

// New 创建 Coordinator。gpa 网关必须存在：它既是通用目标，
// 也是路由兜底目标。
func New(rt *router.Router, client llm.Client, gateways []gateway.Gateway, opts ...Option) (*Coordinator, error) {
	if rt == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "router 不能为空")
	}
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "llm client 不能为空")
	}
	set := make(map[gateway.Name]gateway.Gateway, len(gateways))
	for _, gw := range gateways {
		if gw == nil {
			continue
		}
		if !gw.Name().Valid() {
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("未知网关: %s", gw.Name()))
		}
		set[gw.Name()] = gw
	}
	if set[gateway.GPA] == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少 gpa 网关")
	}

	c := &Coordinator{
		router:   rt,
		llm:      client,
		gateways: set,
		log:      logger.Named("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HandleRequest 处理一次用户请求，把全部输出写入 choice。
// 委托失败会转化为写给用户的错误说明而不是返回错误；
// 只有请求本身不合法时才返回非空 error。
func (c *Coordinator) HandleRequest(ctx context.Context, requestID string, req *chat.Request, choice *chat.Choice) error {
	if req == nil || len(req.Messages) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求消息不能为空")
	}
	if req.LastUserMessage() == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求中缺少用户消息")
	}

	tracker := stage.NewTracker(choice)
	defer tracker.CloseAll()

	// 协调阶段：一次路由决策，永不失败。
	decision := c.coordinate(ctx, requestID, req, tracker)

	gw := c.gateways[decision.AgentName]
	if gw == nil {
		// 决策合法但网关未注册，按兜底目标处理。
		c.log.Warn("决策网关未注册，回退到 gpa",
			slog.String("request_id", requestID),
			slog.String("agent", string(decision.AgentName)))
		decision = router.Fallback()
		gw = c.gateways[gateway.GPA]
	}

	// 委托阶段：失败即终止，不进入合成。
	delegate, err := c.delegate(ctx, requestID, gw, decision, req, choice, tracker)
	if err != nil {
		return nil
	}

	// 合成阶段：失败时原样转发委托方回复。
	c.synthesize(ctx, requestID, string(gw.Name()), req, delegate, choice)

	c.publish(ctx, events.Event{
		Kind:      events.KindCompleted,
		RequestID: requestID,
		Agent:     string(gw.Name()),
	})
	return nil
}

func (c *Coordinator) coordinate(ctx context.Context, requestID string, req *chat.Request, tracker *stage.Tracker) router.Decision {
	handle := tracker.Open(coordinationStageName)
	defer handle.Close()

	decision := c.router.Decide(ctx, req.Messages)
	handle.AppendContent(fmt.Sprintf("路由至: **%s**\n", decision.AgentName))
	if decision.AdditionalInstructions != "" {
		handle.AppendContent(fmt.Sprintf("补充指令: %s\n", decision.AdditionalInstructions))
	}

	c.log.Info("路由决策完成",
		slog.String("request_id", requestID),
		slog.String("agent", string(decision.AgentName)))
	c.publish(ctx, events.Event{
		Kind:      events.KindDecision,
		RequestID: requestID,
		Agent:     string(decision.AgentName),
		Detail:    decision.AdditionalInstructions,
	})
	return decision
}

func (c *Coordinator) delegate(ctx context.Context, requestID string, gw gateway.Gateway, decision router.Decision, req *chat.Request, choice *chat.Choice, tracker *stage.Tracker) (*chat.Message, error) {
	handle := tracker.Open(agentStagePrefix + string(gw.Name()))
	scope := gateway.Scope{Choice: choice, Parent: handle, Tracker: tracker}

	started := time.Now()
	delegate, err := gw.Respond(ctx, scope, req, decision.AdditionalInstructions)
	handle.Close()
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodeDelegationFailure, err,
			fmt.Sprintf("%s 网关委托失败", gw.Name()),
			xerrors.WithMetadata("request_id", requestID))
		c.log.Error("委托失败",
			slog.String("request_id", requestID),
			slog.String("agent", string(gw.Name())),
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", wrapped))

		choice.AppendContent(fmt.Sprintf(
			"I'm sorry, the %s agent was unable to process your request. Please try again later.",
			gw.Name()))

		c.publish(ctx, events.Event{
			Kind:      events.KindDelegationFailed,
			RequestID: requestID,
			Agent:     string(gw.Name()),
			Detail:    err.Error(),
		})
		c.alert(ctx, requestID, string(gw.Name()), PhaseDelegationFailed, wrapped)
		return nil, wrapped
	}

	c.log.Info("委托完成",
		slog.String("request_id", requestID),
		slog.String("agent", string(gw.Name())),
		slog.Duration("elapsed", time.Since(started)))
	return delegate, nil
}

// synthesize 把委托方回复改写成面向用户的最终回答并流式写入 choice。
// 任何合成失败都降级为原样转发，绝不让已成功的委托结果丢失。
func (c *Coordinator) synthesize(ctx context.Context, requestID, agent string, req *chat.Request, delegate *chat.Message, choice *chat.Choice) {
	stream, err := c.llm.Stream(ctx, llm.Request{Messages: c.synthesisMessages(req, delegate)})
	if err != nil {
		c.synthesisFallback(ctx, requestID, agent, delegate, choice, err)
		return
	}
	defer stream.Close()

	forwarded := 0
	for {
		token, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if forwarded == 0 {
				c.synthesisFallback(ctx, requestID, agent, delegate, choice, err)
				return
			}
			// 已有部分合成内容发出，只能记录并告警，不再回退。
			wrapped := xerrors.Wrap(xerrors.CodeSynthesisFallback, err, "合成流中断",
				xerrors.WithMetadata("request_id", requestID),
				xerrors.WithAlert(true))
			c.log.Error("合成流中断", slog.String("request_id", requestID), slog.Any("error", wrapped))
			c.alert(ctx, requestID, agent, PhaseSynthesisFailed, wrapped)
			return
		}
		if token == "" {
			continue
		}
		choice.AppendContent(token)
		forwarded++
	}
}

func (c *Coordinator) synthesisFallback(ctx context.Context, requestID, agent string, delegate *chat.Message, choice *chat.Choice, cause error) {
	wrapped := xerrors.Wrap(xerrors.CodeSynthesisFallback, cause, "合成失败，原样转发委托回复",
		xerrors.WithMetadata("request_id", requestID))
	c.log.Warn("合成失败，原样转发委托回复",
		slog.String("request_id", requestID),
		slog.String("agent", agent),
		slog.Any("error", wrapped))

	choice.AppendContent(delegate.Content)

	c.publish(ctx, events.Event{
		Kind:      events.KindSynthesisFallback,
		RequestID: requestID,
		Agent:     agent,
		Detail:    cause.Error(),
	})
	c.alert(ctx, requestID, agent, PhaseSynthesisFailed, wrapped)
}

// synthesisMessages 把原始请求与委托回复拼成合成调用的输入。
// 只携带最后一条用户消息，完整历史已在委托阶段消化。
func (c *Coordinator) synthesisMessages(req *chat.Request, delegate *chat.Message) []llm.Message {
	user := req.LastUserMessage()
	combined := fmt.Sprintf("## Original User Request\n%s\n\n## Agent Response\n%s",
		user.Content, delegate.Content)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: prompts.Synthesis},
		{Role: llm.RoleUser, Content: combined},
	}
}

// publish 把审计事件写入审计日志并尽力投递到发布器，投递失败只记日志。
func (c *Coordinator) publish(ctx context.Context, event events.Event) {
	event.OccurredAt = time.Now().Unix()
	logger.Audit().Info("coordination event",
		slog.String("kind", string(event.Kind)),
		slog.String("request_id", event.RequestID),
		slog.String("agent", event.Agent))
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.log.Warn("审计事件发布失败",
			slog.String("kind", string(event.Kind)),
			slog.String("request_id", event.RequestID),
			slog.Any("error", err))
	}
}

// alert 按错误元数据决定是否触发告警。
func (c *Coordinator) alert(ctx context.Context, requestID, agent string, phase Phase, err error) {
	if c.alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		RequestID:  requestID,
		Agent:      agent,
		Phase:      string(phase),
		OccurredAt: time.Now(),
	}
	if notifyErr := c.alerts.Notify(ctx, event); notifyErr != nil {
		c.log.Warn("告警发送失败", slog.String("request_id", requestID), slog.Any("error", notifyErr))
	}
}
