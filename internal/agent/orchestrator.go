package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/secrets"
	"github.com/jkaninda/warden/internal/security"
	"github.com/jkaninda/warden/internal/tools"
	"github.com/jkaninda/warden/internal/tools/vault"
)

const genericReply = "I can tell the time, do arithmetic, analyze sales data, generate the quarterly " +
	"financial report (Managers only), transfer funds (after approval), check secrets and search " +
	"documents. Try \"what time is it\" or \"analyze sales for EMEA in Q3\"."

// Orchestrator is the local Responder. It holds no per-conversation state:
// the caller passes the full history on every turn.
type Orchestrator struct {
	registry   *tools.Registry
	gate       *security.Gate
	approvals  approval.Workflow
	router     Router
	window     *ContextWindow
	executor   *Executor
	sink       security.AuditSink              // nil = audit events only reach the stream
	metrics    *observability.MetricsCollector // nil = no metrics
	tracer     trace.Tracer                    // nil = no spans
	thinkDelay time.Duration                   // 0 = respond immediately
	logger     *slog.Logger
}

var _ Responder = (*Orchestrator)(nil)

// NewOrchestrator creates an orchestrator over registry. c is the
// process-wide result cache and may be nil.
func NewOrchestrator(registry *tools.Registry, c cache.Service, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		gate:      security.NewGate(security.GateConfig{}, logger),
		approvals: approval.NewManager(logger),
		router:    NewPatternRouter(),
		window:    NewContextWindow(DefaultContextBudget, DefaultKeepRecent, StrategySliding),
		executor:  NewExecutor(c, logger),
		logger:    logger,
	}
}

// WithGate replaces the authorization gate.
func (o *Orchestrator) WithGate(g *security.Gate) *Orchestrator {
	o.gate = g
	return o
}

// WithApprovals replaces the approval workflow.
func (o *Orchestrator) WithApprovals(w approval.Workflow) *Orchestrator {
	o.approvals = w
	return o
}

// WithRouter replaces the intent router.
func (o *Orchestrator) WithRouter(r Router) *Orchestrator {
	o.router = r
	return o
}

// WithContextWindow replaces the context window.
func (o *Orchestrator) WithContextWindow(w *ContextWindow) *Orchestrator {
	o.window = w
	return o
}

// WithAuditSink records every emitted audit event to sink.
func (o *Orchestrator) WithAuditSink(sink security.AuditSink) *Orchestrator {
	o.sink = sink
	return o
}

// WithObservability attaches metrics and tracing.
func (o *Orchestrator) WithObservability(obs *observability.Observability) *Orchestrator {
	o.metrics = obs.MetricsOrNil()
	o.tracer = obs.TracerOrNil()
	o.executor.WithMetrics(o.metrics).WithTracer(o.tracer)
	return o
}

// WithThinkDelay sets the pause before the agent acts on a turn.
func (o *Orchestrator) WithThinkDelay(d time.Duration) *Orchestrator {
	o.thinkDelay = d
	return o
}

// WithToolTimeout bounds each tool execution.
func (o *Orchestrator) WithToolTimeout(d time.Duration) *Orchestrator {
	o.executor.WithTimeout(d)
	return o
}

// Approvals exposes the workflow so gateways can list pending requests.
func (o *Orchestrator) Approvals() approval.Workflow { return o.approvals }

// Registry returns the tool catalog.
func (o *Orchestrator) Registry() *tools.Registry { return o.registry }

// Respond handles one user input: prune, route, authorize, then either
// park the call for approval or execute it.
func (o *Orchestrator) Respond(ctx context.Context, req protocol.Request) iter.Seq[protocol.Chunk] {
	return stream(ctx, o.sink, o.logger, req.User, func(em *emitter) {
		o.metrics.RecordTurn("respond")
		ctx, end := observability.StartSpan(ctx, o.tracer, "agent.respond",
			attribute.String("user", req.User.String()),
			attribute.String("model", req.Model.String()),
		)
		defer end(nil)
		ctx = withForwardedSecrets(ctx, req.Secrets)
		em.ctx = ctx

		if !o.prune(ctx, em, req.History) {
			return
		}

		input := strings.TrimSpace(req.Input)
		if input == "" {
			em.message(protocol.ErrorMessage(protocol.AuthorSystem, "Please enter a request."))
			return
		}

		o.logger.InfoContext(ctx, "query submitted",
			slog.String("user", req.User.String()),
			slog.Int("history", len(req.History)),
		)
		if !em.both(protocol.NewMessage(protocol.AuthorUser, input), protocol.AuditQuerySubmitted, map[string]any{
			"input": input,
			"model": req.Model.String(),
		}) {
			return
		}

		if !o.think(ctx) {
			return
		}

		intent, ok := o.router.Route(ctx, input)
		if !ok {
			em.message(protocol.NewMessage(protocol.AuthorAgent, genericReply))
			return
		}

		tool, err := o.registry.Lookup(intent.ToolName)
		if err != nil {
			o.logger.WarnContext(ctx, "routed to unknown tool",
				slog.String("tool", intent.ToolName),
				slog.String("error", err.Error()),
			)
			em.message(protocol.ErrorMessage(protocol.AuthorAgent,
				fmt.Sprintf("I don't have a tool called %q.", intent.ToolName)))
			return
		}

		call := protocol.ToolCall{ToolName: tool.Name(), Args: maps.Clone(intent.Args)}
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		o.dispatch(ctx, em, req.User, tool, call, intent.Ack)
	})
}

// Invoke runs an explicit tool call, skipping intent routing. The call still
// passes the authorization gate, the approval workflow and the cache.
func (o *Orchestrator) Invoke(ctx context.Context, user domain.User, call protocol.ToolCall) iter.Seq[protocol.Chunk] {
	return stream(ctx, o.sink, o.logger, user, func(em *emitter) {
		o.metrics.RecordTurn("invoke")
		ctx, end := observability.StartSpan(ctx, o.tracer, "agent.invoke",
			attribute.String("user", user.String()),
			attribute.String("tool", call.ToolName),
		)
		defer end(nil)
		em.ctx = ctx

		if !em.audit(protocol.AuditQuerySubmitted, map[string]any{
			"tool": call.ToolName,
			"args": call.Args,
		}) {
			return
		}

		tool, err := o.registry.Lookup(call.ToolName)
		if err != nil {
			em.message(protocol.ErrorMessage(protocol.AuthorAgent,
				fmt.Sprintf("I don't have a tool called %q.", call.ToolName)))
			return
		}
		call = protocol.ToolCall{ToolName: tool.Name(), Args: maps.Clone(call.Args)}
		if call.Args == nil {
			call.Args = map[string]any{}
		}
		o.dispatch(ctx, em, user, tool, call, "")
	})
}

// dispatch applies the authorization verdict for one routed call.
func (o *Orchestrator) dispatch(ctx context.Context, em *emitter, user domain.User, tool tools.Tool, call protocol.ToolCall, ack string) {
	verdict, err := o.gate.Authorize(ctx, user, tool)
	o.metrics.RecordAuthorization(tool.Name(), verdict.String())

	switch verdict {
	case security.Deny:
		em.both(
			protocol.ErrorMessage(protocol.AuthorSystem, fmt.Sprintf(
				"Access denied: %s requires the %s role and you are signed in as %s.",
				tool.Name(), tool.RequiredRole(), user)),
			protocol.AuditSecurityAlert,
			map[string]any{
				"reason":        "authorization_denied",
				"tool":          tool.Name(),
				"required_role": string(tool.RequiredRole()),
				"user_role":     string(user.Role),
				"error":         errString(err),
			},
		)

	case security.RequireApproval:
		req, err := o.approvals.Create(ctx, approval.CreateRequest{Requester: user, ToolCall: call})
		if err != nil {
			o.logger.ErrorContext(ctx, "approval request could not be created",
				slog.String("tool", tool.Name()),
				slog.String("error", err.Error()),
			)
			em.message(protocol.ErrorMessage(protocol.AuthorSystem, "The approval request could not be filed. Please try again."))
			return
		}
		o.metrics.RecordApproval(string(req.Status))
		msg := protocol.NewMessage(protocol.AuthorAgent, fmt.Sprintf(
			"%s needs a manager's approval before it runs. Waiting for a decision.", tool.Name()))
		msg.Approval = req.Ref()
		em.both(msg, protocol.AuditApprovalRequested, map[string]any{
			"approval_id": req.ID,
			"tool":        tool.Name(),
			"args":        call.Args,
		})

	case security.SelfApprove:
		text := fmt.Sprintf("Approval is not required for the %s role.", user.Role)
		if ack != "" {
			text += " " + ack
		}
		o.executor.run(ctx, em, user, tool, call, text)

	default:
		o.executor.run(ctx, em, user, tool, call, ack)
	}
}

// Continue applies an approval decision. Approved calls run through the
// executor; rejected ones end with a cancellation notice. A decision for an
// already-decided request yields an empty stream.
func (o *Orchestrator) Continue(ctx context.Context, req protocol.ContinueRequest) iter.Seq[protocol.Chunk] {
	return stream(ctx, o.sink, o.logger, req.User, func(em *emitter) {
		o.metrics.RecordTurn("continue")
		ctx, end := observability.StartSpan(ctx, o.tracer, "agent.continue",
			attribute.String("user", req.User.String()),
			attribute.String("approval.id", req.Decision.RequestID),
			attribute.String("approval.status", string(req.Decision.Status)),
		)
		defer end(nil)
		ctx = withForwardedSecrets(ctx, req.Secrets)
		em.ctx = ctx

		if !o.gate.CanSelfApprove(req.User) {
			err := fmt.Errorf("%w: %s may not decide approval requests", security.ErrAuthorizationDenied, req.User)
			o.logger.WarnContext(ctx, "approval decision refused",
				slog.String("approval_id", req.Decision.RequestID),
				slog.String("user", req.User.String()),
			)
			em.both(
				protocol.ErrorMessage(protocol.AuthorSystem, fmt.Sprintf(
					"Access denied: %s may not decide approval requests.", req.User)),
				protocol.AuditSecurityAlert,
				map[string]any{
					"reason":      "decision_forbidden",
					"approval_id": req.Decision.RequestID,
					"status":      string(req.Decision.Status),
					"user_role":   string(req.User.Role),
					"error":       err.Error(),
				},
			)
			return
		}

		decidedBy := req.Decision.DecidedBy
		if decidedBy == "" {
			decidedBy = req.User.String()
		}
		decided, changed, err := o.approvals.Decide(ctx, req.Decision.RequestID, req.Decision.Status, decidedBy)
		if err == nil && !changed {
			return
		}

		if !o.prune(ctx, em, req.History) {
			return
		}

		switch {
		case errors.Is(err, approval.ErrNotFound):
			em.message(protocol.ErrorMessage(protocol.AuthorSystem,
				fmt.Sprintf("Approval request %q does not exist.", req.Decision.RequestID)))
			return
		case errors.Is(err, approval.ErrInvalidDecision):
			em.message(protocol.ErrorMessage(protocol.AuthorSystem,
				fmt.Sprintf("%q is not a valid decision; use Approved or Rejected.", req.Decision.Status)))
			return
		case err != nil:
			o.logger.ErrorContext(ctx, "approval decision failed",
				slog.String("approval_id", req.Decision.RequestID),
				slog.String("error", err.Error()),
			)
			em.message(protocol.ErrorMessage(protocol.AuthorSystem, "The decision could not be recorded. Please try again."))
			return
		}

		o.metrics.RecordApproval(string(decided.Status))
		name := decided.ToolCall.ToolName
		notice := protocol.NewMessage(protocol.AuthorSystem, fmt.Sprintf("The %s request was %s by %s.",
			name, strings.ToLower(string(decided.Status)), decidedBy))
		notice.Approval = decided.Ref()
		if !em.both(notice, protocol.AuditApprovalDecided, map[string]any{
			"approval_id": decided.ID,
			"tool":        name,
			"status":      string(decided.Status),
			"requester":   decided.Requester.String(),
			"decided_by":  decidedBy,
		}) {
			return
		}

		if decided.Status == approval.StatusRejected {
			o.logger.InfoContext(ctx, "tool call cancelled",
				slog.String("tool", name),
				slog.String("error", fmt.Errorf("%w: %s", approval.ErrRejected, decided.ID).Error()),
			)
			em.message(protocol.ErrorMessage(protocol.AuthorSystem,
				fmt.Sprintf("Task cancelled: the %s request was rejected.", name)))
			return
		}

		tool, err := o.registry.Lookup(name)
		if err != nil {
			em.message(protocol.ErrorMessage(protocol.AuthorAgent, fmt.Sprintf("I don't have a tool called %q.", name)))
			return
		}
		if !o.think(ctx) {
			return
		}
		// The call runs as the requester; decided_by above records the approver.
		em.user = decided.Requester
		o.executor.run(ctx, em, decided.Requester, tool, decided.ToolCall, fmt.Sprintf("Approved. Running %s.", name))
	})
}

// prune emits the history rewrite when the window is exceeded.
func (o *Orchestrator) prune(ctx context.Context, em *emitter, history []protocol.Message) bool {
	d := o.window.Decide(history)
	if !d.Pruned() {
		return true
	}
	o.metrics.RecordPrune(d.DiscardedCount)
	o.logger.InfoContext(ctx, "context window pruned",
		slog.Int("before_size", d.BeforeSize),
		slog.Int("after_size", d.AfterSize),
		slog.Int("pruned_count", d.DiscardedCount),
	)
	return em.emit(protocol.Chunk{
		HistoryRewrite: d.Retained,
		AuditEvent: protocol.NewAuditEvent(protocol.AuditContextWindowPruned, em.user, map[string]any{
			"before_size":  d.BeforeSize,
			"after_size":   d.AfterSize,
			"pruned_count": d.DiscardedCount,
			"strategy":     string(o.window.Strategy()),
		}),
	})
}

// think is the pause before acting. It reports false if ctx ends first.
func (o *Orchestrator) think(ctx context.Context) bool {
	if o.thinkDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(o.thinkDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// withForwardedSecrets scopes the secrets sent with a request to the turn.
func withForwardedSecrets(ctx context.Context, forwarded []protocol.Secret) context.Context {
	if len(forwarded) == 0 {
		return ctx
	}
	return vault.ContextWithLookup(ctx, secrets.NewStaticStore(forwarded))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
