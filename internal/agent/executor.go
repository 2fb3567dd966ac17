package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/observability"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/tools"
)

// DefaultToolTimeout bounds a single tool execution.
const DefaultToolTimeout = 30 * time.Second

// Executor runs one authorized tool call: cache first, then the handler.
// Failures never abort the stream; they are rendered in-band.
type Executor struct {
	cache   cache.Service
	timeout time.Duration
	metrics *observability.MetricsCollector // nil = no metrics
	tracer  trace.Tracer                    // nil = no spans
	logger  *slog.Logger
}

// NewExecutor creates an executor. c may be nil to disable caching.
func NewExecutor(c cache.Service, logger *slog.Logger) *Executor {
	return &Executor{cache: c, timeout: DefaultToolTimeout, logger: logger}
}

// WithTimeout sets the per-call deadline. Non-positive keeps the default.
func (x *Executor) WithTimeout(d time.Duration) *Executor {
	if d > 0 {
		x.timeout = d
	}
	return x
}

// WithMetrics attaches a metrics collector.
func (x *Executor) WithMetrics(m *observability.MetricsCollector) *Executor {
	x.metrics = m
	return x
}

// WithTracer attaches a tracer.
func (x *Executor) WithTracer(t trace.Tracer) *Executor {
	x.tracer = t
	return x
}

// run executes call and emits its chunks. ack becomes the text of the
// tool call message. It reports false when the consumer stopped iterating.
func (x *Executor) run(ctx context.Context, em *emitter, user domain.User, tool tools.Tool, call protocol.ToolCall, ack string) bool {
	ctx, end := observability.StartSpan(ctx, x.tracer, "tool.execute",
		attribute.String("tool.name", call.ToolName),
		attribute.String("user", user.String()),
	)
	var spanErr error
	defer func() { end(spanErr) }()

	callMsg := protocol.NewMessage(protocol.AuthorAgent, ack)
	callMsg.ToolCall = &protocol.ToolCall{ToolName: call.ToolName, Args: maps.Clone(call.Args)}
	if !em.both(callMsg, protocol.AuditToolCallInitiated, map[string]any{
		"tool": call.ToolName,
		"args": call.Args,
	}) {
		return false
	}

	key, cacheable := "", x.cache != nil && tools.Cacheable(tool)
	if cacheable {
		k, err := cache.Key(call.ToolName, call.Args)
		if err != nil {
			x.logger.WarnContext(ctx, "tool arguments not cacheable",
				slog.String("tool", call.ToolName),
				slog.String("error", err.Error()),
			)
			cacheable = false
		}
		key = k
	}

	if cacheable {
		if entry, ok := x.cache.Get(key); ok {
			x.metrics.RecordToolExecution(call.ToolName, "cached", 0)
			x.logger.DebugContext(ctx, "tool result served from cache",
				slog.String("tool", call.ToolName),
				slog.Time("stored_at", entry.Timestamp),
			)
			resMsg := protocol.NewMessage(protocol.AuthorAgent, "")
			resMsg.ToolResult = &protocol.ToolResult{ToolName: call.ToolName, Output: maps.Clone(entry.Output), IsCached: true}
			if !em.both(resMsg, protocol.AuditCachedResultUsed, map[string]any{
				"tool":      call.ToolName,
				"args":      call.Args,
				"cache_key": key,
				"cached_at": entry.Timestamp.Format(time.RFC3339),
			}) {
				return false
			}
			return em.message(summaryMessage(entry.Summary, entry.Table))
		}
	}

	start := time.Now()
	res, err := x.execute(ctx, user, tool, call.Args)
	elapsed := time.Since(start)

	if err != nil {
		spanErr = err
		x.metrics.RecordToolExecution(call.ToolName, "error", elapsed)
		x.logger.WarnContext(ctx, "tool execution failed",
			slog.String("tool", call.ToolName),
			slog.String("user", user.String()),
			slog.String("error", err.Error()),
		)
		return em.both(
			protocol.ErrorMessage(protocol.AuthorAgent, fmt.Sprintf("The %s tool failed: %v", call.ToolName, errors.Unwrap(err))),
			protocol.AuditToolCallCompleted,
			map[string]any{
				"tool":        call.ToolName,
				"args":        call.Args,
				"status":      "error",
				"error":       err.Error(),
				"duration_ms": elapsed.Milliseconds(),
			},
		)
	}

	x.metrics.RecordToolExecution(call.ToolName, "success", elapsed)
	if cacheable {
		x.cache.Put(key, cache.Entry{
			Key:      key,
			ToolName: call.ToolName,
			Output:   maps.Clone(res.Output),
			Summary:  res.Summary,
			Table:    res.Table,
		})
	}

	resMsg := protocol.NewMessage(protocol.AuthorAgent, "")
	resMsg.ToolResult = &protocol.ToolResult{ToolName: call.ToolName, Output: res.Output}
	if !em.both(resMsg, protocol.AuditToolCallCompleted, map[string]any{
		"tool":        call.ToolName,
		"args":        call.Args,
		"status":      "success",
		"cached":      false,
		"duration_ms": elapsed.Milliseconds(),
	}) {
		return false
	}
	return em.message(summaryMessage(res.Summary, res.Table))
}

// execute validates args and runs the handler under the call deadline.
// Every failure, including a panic, comes back as *tools.ExecutionError.
func (x *Executor) execute(ctx context.Context, user domain.User, tool tools.Tool, args map[string]any) (*tools.Result, error) {
	if err := tools.Validate(tool, args); err != nil {
		return nil, &tools.ExecutionError{Tool: tool.Name(), Err: err}
	}

	ctx, cancel := context.WithTimeout(tools.ContextWithUser(ctx, user), x.timeout)
	defer cancel()

	type outcome struct {
		res *tools.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := tool.Execute(ctx, maps.Clone(args))
		if err == nil && res == nil {
			err = errors.New("tool returned no result")
		}
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil && o.res == nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &tools.ExecutionError{Tool: tool.Name(), Err: fmt.Errorf("timed out after %s: %w", x.timeout, err)}
		}
		return nil, &tools.ExecutionError{Tool: tool.Name(), Err: fmt.Errorf("cancelled: %w", err)}
	}
	if o.err != nil {
		return nil, &tools.ExecutionError{Tool: tool.Name(), Err: o.err}
	}
	return o.res, nil
}

func summaryMessage(text string, table *protocol.Table) *protocol.Message {
	m := protocol.NewMessage(protocol.AuthorAgent, text)
	m.Table = table
	return m
}
