package agent

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jkaninda/warden/internal/cache"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/tools"
)

type funcTool struct {
	tools.Info
	calls atomic.Int32
	fn    func(ctx context.Context, args tools.Args) (*tools.Result, error)
}

func newFuncTool(name string, fn func(context.Context, tools.Args) (*tools.Result, error)) *funcTool {
	return &funcTool{Info: tools.Info{ToolName: name, Summary: name}, fn: fn}
}

func (f *funcTool) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	f.calls.Add(1)
	return f.fn(ctx, args)
}

func runTool(t *testing.T, x *Executor, tool tools.Tool, args map[string]any) []protocol.Chunk {
	t.Helper()
	seq := stream(context.Background(), nil, testLogger(), alex, func(em *emitter) {
		x.run(context.Background(), em, alex, tool, protocol.ToolCall{ToolName: tool.Name(), Args: args}, "")
	})
	return Collect(seq)
}

func TestExecutor_Timeout(t *testing.T) {
	slow := newFuncTool("slow", func(ctx context.Context, _ tools.Args) (*tools.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	x := NewExecutor(nil, testLogger()).WithTimeout(20 * time.Millisecond)

	chunks := runTool(t, x, slow, nil)
	last := lastMessage(chunks)
	if !last.IsError || !strings.Contains(last.Text, "timed out") {
		t.Errorf("last message = %+v", last)
	}
	if done := findAudit(chunks, protocol.AuditToolCallCompleted); done == nil || done.Details["status"] != "error" {
		t.Errorf("completed audit = %+v", done)
	}
}

func TestExecutor_PanicIsInBand(t *testing.T) {
	bad := newFuncTool("bad", func(context.Context, tools.Args) (*tools.Result, error) {
		panic("boom")
	})
	chunks := runTool(t, NewExecutor(nil, testLogger()), bad, nil)
	if last := lastMessage(chunks); !last.IsError || !strings.Contains(last.Text, "boom") {
		t.Errorf("last message = %+v", last)
	}
}

func TestExecutor_NilResultIsError(t *testing.T) {
	empty := newFuncTool("empty", func(context.Context, tools.Args) (*tools.Result, error) {
		return nil, nil
	})
	chunks := runTool(t, NewExecutor(nil, testLogger()), empty, nil)
	if toolResult(chunks) != nil || !lastMessage(chunks).IsError {
		t.Errorf("chunks = %+v", chunks)
	}
}

func TestExecutor_ValidationFailsBeforeRun(t *testing.T) {
	tool := newFuncTool("needs", func(context.Context, tools.Args) (*tools.Result, error) {
		return &tools.Result{Output: map[string]any{}}, nil
	})
	tool.Input = map[string]any{"required": []string{"q"}}

	chunks := runTool(t, NewExecutor(nil, testLogger()), tool, map[string]any{})
	if tool.calls.Load() != 0 {
		t.Error("handler ran despite missing argument")
	}
	if last := lastMessage(chunks); !last.IsError || !strings.Contains(last.Text, "missing required argument") {
		t.Errorf("last message = %+v", last)
	}
}

func TestExecutor_CacheHitSkipsHandler(t *testing.T) {
	clk := newFakeClock()
	tool := newFuncTool("pure", func(context.Context, tools.Args) (*tools.Result, error) {
		return &tools.Result{
			Output:  map[string]any{"n": 1},
			Summary: "one",
			Table:   &protocol.Table{Columns: []string{"n"}, Rows: [][]string{{"1"}}},
		}, nil
	})
	x := NewExecutor(cache.NewMemory(time.Minute, clk.Now), testLogger())

	runTool(t, x, tool, map[string]any{"x": 1})
	chunks := runTool(t, x, tool, map[string]any{"x": 1.0})
	if tool.calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", tool.calls.Load())
	}
	tr := toolResult(chunks)
	if tr == nil || !tr.IsCached {
		t.Fatalf("result = %+v, want cached", tr)
	}
	last := lastMessage(chunks)
	if last.Text != "one" || last.Table == nil {
		t.Errorf("summary = %+v", last)
	}

	runTool(t, x, tool, map[string]any{"x": 2})
	if tool.calls.Load() != 2 {
		t.Errorf("different args should miss, calls = %d", tool.calls.Load())
	}
}

func TestExecutor_ToolSeesUser(t *testing.T) {
	var seen string
	tool := newFuncTool("who", func(ctx context.Context, _ tools.Args) (*tools.Result, error) {
		u, _ := tools.UserFromContext(ctx)
		seen = u.Name
		return &tools.Result{Output: map[string]any{}}, nil
	})
	runTool(t, NewExecutor(nil, testLogger()), tool, nil)
	if seen != "Alex" {
		t.Errorf("user = %q, want Alex", seen)
	}
}

func TestExecutor_CancelIsNotTimeout(t *testing.T) {
	started := make(chan struct{})
	slow := newFuncTool("slow", func(ctx context.Context, _ tools.Args) (*tools.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	x := NewExecutor(nil, testLogger()).WithTimeout(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	seq := stream(context.Background(), nil, testLogger(), alex, func(em *emitter) {
		x.run(ctx, em, alex, slow, protocol.ToolCall{ToolName: "slow"}, "")
	})
	last := lastMessage(Collect(seq))
	if !last.IsError || !strings.Contains(last.Text, "cancelled") || strings.Contains(last.Text, "timed out") {
		t.Errorf("last message = %+v", last)
	}
}

// --- Audit pairing ---

func TestExecutor_ClosingEventsCarryArgs(t *testing.T) {
	clk := newFakeClock()
	ok := newFuncTool("pure", func(context.Context, tools.Args) (*tools.Result, error) {
		return &tools.Result{Output: map[string]any{"n": 1}}, nil
	})
	bad := newFuncTool("bad", func(context.Context, tools.Args) (*tools.Result, error) {
		return nil, context.DeadlineExceeded
	})
	x := NewExecutor(cache.NewMemory(time.Minute, clk.Now), testLogger())
	args := map[string]any{"region": "EMEA"}

	tests := []struct {
		name    string
		tool    tools.Tool
		closing protocol.AuditType
	}{
		{"success", ok, protocol.AuditToolCallCompleted},
		{"cached", ok, protocol.AuditCachedResultUsed},
		{"error", bad, protocol.AuditToolCallCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := runTool(t, x, tt.tool, args)
			start := findAudit(chunks, protocol.AuditToolCallInitiated)
			end := findAudit(chunks, tt.closing)
			if start == nil || end == nil {
				t.Fatalf("audit types = %v", auditTypes(chunks))
			}
			if start.Details["tool"] != end.Details["tool"] {
				t.Errorf("tool = %v, want %v", end.Details["tool"], start.Details["tool"])
			}
			if diff := cmp.Diff(start.Details["args"], end.Details["args"]); diff != "" {
				t.Errorf("args mismatch (-initiated +closing):\n%s", diff)
			}
		})
	}
}

func TestExecutor_CachedOutputIsIsolated(t *testing.T) {
	clk := newFakeClock()
	tool := newFuncTool("pure", func(context.Context, tools.Args) (*tools.Result, error) {
		return &tools.Result{Output: map[string]any{"n": 1}}, nil
	})
	x := NewExecutor(cache.NewMemory(time.Minute, clk.Now), testLogger())

	toolResult(runTool(t, x, tool, nil)).Output["n"] = "changed"
	hit := toolResult(runTool(t, x, tool, nil))
	if !hit.IsCached || hit.Output["n"] != 1 {
		t.Fatalf("cached output = %+v", hit)
	}
	hit.Output["n"] = "changed again"
	if again := toolResult(runTool(t, x, tool, nil)); again.Output["n"] != 1 {
		t.Errorf("cached output = %+v after mutating a hit", again)
	}
}
