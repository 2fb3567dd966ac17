package security

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type guardedTool struct {
	name     string
	role     domain.Role
	approval bool
}

func (g guardedTool) Name() string              { return g.name }
func (g guardedTool) RequiredRole() domain.Role { return g.role }
func (g guardedTool) RequiresApproval() bool    { return g.approval }

var (
	analyst = domain.User{ID: "u1", Name: "Alex", Role: domain.RoleAnalyst}
	manager = domain.User{ID: "u2", Name: "Jordan", Role: domain.RoleManager}
)

// --- Gate ---

func TestGateVerdicts(t *testing.T) {
	gate := NewGate(GateConfig{}, testLogger())
	report := guardedTool{name: "generate_financial_report", role: domain.RoleManager, approval: true}
	transfer := guardedTool{name: "transfer_funds", approval: true}
	clock := guardedTool{name: "current_datetime_tool"}
	managerOnly := guardedTool{name: "payroll", role: domain.RoleManager}

	tests := []struct {
		name string
		user domain.User
		tool guardedTool
		want Verdict
	}{
		{"analyst report denied before approval", analyst, report, Deny},
		{"manager report self-approves", manager, report, SelfApprove},
		{"analyst transfer needs approval", analyst, transfer, RequireApproval},
		{"manager transfer self-approves", manager, transfer, SelfApprove},
		{"analyst clock allowed", analyst, clock, Allow},
		{"manager-only without approval", manager, managerOnly, Allow},
		{"analyst manager-only denied", analyst, managerOnly, Deny},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gate.Authorize(context.Background(), tt.user, tt.tool)
			if got != tt.want {
				t.Fatalf("Authorize() = %v, want %v", got, tt.want)
			}
			if (got == Deny) != errors.Is(err, ErrAuthorizationDenied) {
				t.Fatalf("Authorize() error = %v for verdict %v", err, got)
			}
		})
	}
}

func TestGateCustomExemptRoles(t *testing.T) {
	gate := NewGate(GateConfig{ExemptRoles: []domain.Role{}}, testLogger())
	got, _ := gate.Authorize(context.Background(), manager, guardedTool{name: "t", approval: true})
	if got != RequireApproval {
		t.Fatalf("Authorize() = %v, want RequireApproval when no role is exempt", got)
	}
}

// --- Directory ---

func TestDirectoryResolve(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{Users: []domain.User{analyst, manager}})

	if u, err := dir.Resolve("u2"); err != nil || u != manager {
		t.Errorf("Resolve(u2) = %v, %v", u, err)
	}
	if u, err := dir.Resolve("alex"); err != nil || u != analyst {
		t.Errorf("Resolve(alex) = %v, %v", u, err)
	}
	if _, err := dir.Resolve("mallory"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Resolve(mallory) error = %v, want ErrUnknownUser", err)
	}
	if users := dir.Users(); len(users) != 2 || users[0].Name != "Alex" {
		t.Errorf("Users() = %v", users)
	}
}

func TestDirectoryDefaultRole(t *testing.T) {
	dir := NewDirectory(DirectoryConfig{DefaultRole: domain.RoleAnalyst})
	u, err := dir.Resolve("guest")
	if err != nil || u.Role != domain.RoleAnalyst {
		t.Fatalf("Resolve(guest) = %v, %v", u, err)
	}
	if _, err := dir.Resolve(""); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("Resolve(\"\") error = %v", err)
	}
}

// --- Sinks ---

func TestAuditLoggerAppendsJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	al, err := NewAuditLogger(path, testLogger())
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	for _, typ := range []protocol.AuditType{protocol.AuditQuerySubmitted, protocol.AuditSecurityAlert} {
		if err := al.Record(context.Background(), protocol.NewAuditEvent(typ, analyst, map[string]any{"k": "v"})); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := al.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}

	f, _ := os.Open(path)
	defer f.Close()
	var types []protocol.AuditType
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev protocol.AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line is not JSON: %v", err)
		}
		types = append(types, ev.Type)
	}
	if len(types) != 2 || types[1] != protocol.AuditSecurityAlert {
		t.Errorf("types = %v", types)
	}
}

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, *protocol.AuditEvent) error { return f.err }

func TestMultiSinkAttemptsAll(t *testing.T) {
	mem := NewMemorySink(0)
	boom := errors.New("disk full")
	sink := MultiSink{failingSink{boom}, nil, mem}

	err := sink.Record(context.Background(), protocol.NewAuditEvent(protocol.AuditToolCallInitiated, analyst, nil))
	if !errors.Is(err, boom) {
		t.Fatalf("Record() error = %v, want %v", err, boom)
	}
	if len(mem.Events()) != 1 {
		t.Errorf("memory sink got %d events, want 1", len(mem.Events()))
	}
}

func TestMemorySinkLimit(t *testing.T) {
	mem := NewMemorySink(2)
	for _, typ := range []protocol.AuditType{protocol.AuditQuerySubmitted, protocol.AuditToolCallInitiated, protocol.AuditToolCallCompleted} {
		_ = mem.Record(context.Background(), protocol.NewAuditEvent(typ, analyst, nil))
	}
	got := mem.Events()
	if len(got) != 2 || got[0].Type != protocol.AuditToolCallInitiated {
		t.Errorf("Events() = %v", got)
	}
}

func TestMemorySinkList(t *testing.T) {
	mem := NewMemorySink(0)
	ctx := context.Background()
	_ = mem.Append(ctx, protocol.NewAuditEvent(protocol.AuditQuerySubmitted, analyst, nil))
	_ = mem.Append(ctx, protocol.NewAuditEvent(protocol.AuditQuerySubmitted, manager, nil))
	_ = mem.Append(ctx, protocol.NewAuditEvent(protocol.AuditToolCallInitiated, analyst, nil))
	_ = mem.Append(ctx, protocol.NewAuditEvent(protocol.AuditToolCallCompleted, analyst, nil))

	got, _ := mem.List(ctx, AuditFilter{User: analyst.String(), Limit: 2})
	if len(got) != 2 || got[0].Type != protocol.AuditToolCallInitiated || got[1].Type != protocol.AuditToolCallCompleted {
		t.Errorf("List(user, limit 2) = %v", got)
	}
	got, _ = mem.List(ctx, AuditFilter{Type: protocol.AuditQuerySubmitted})
	if len(got) != 2 {
		t.Errorf("List(type) = %d events, want 2", len(got))
	}
}

type fakeStore struct {
	appended []protocol.AuditEvent
	err      error
}

func (f *fakeStore) Append(_ context.Context, ev *protocol.AuditEvent) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, *ev)
	return nil
}

func (f *fakeStore) List(context.Context, AuditFilter) ([]protocol.AuditEvent, error) {
	return f.appended, nil
}

func TestStoreSink(t *testing.T) {
	store := &fakeStore{}
	sink := NewStoreSink(store, testLogger())
	if err := sink.Record(context.Background(), protocol.NewAuditEvent(protocol.AuditApprovalRequested, analyst, nil)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(store.appended) != 1 {
		t.Fatalf("appended = %d", len(store.appended))
	}
	store.err = errors.New("db down")
	if err := sink.Record(context.Background(), protocol.NewAuditEvent(protocol.AuditApprovalRequested, analyst, nil)); err == nil {
		t.Error("expected store failure to propagate")
	}
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSinkSubjects(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "", testLogger())

	ev := protocol.NewAuditEvent(protocol.AuditSecurityAlert, analyst, map[string]any{"reason": "role mismatch"})
	if err := sink.Record(context.Background(), ev); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if pub.subjects[0] != "warden.audit.security_alert" {
		t.Errorf("subject = %q", pub.subjects[0])
	}
	var decoded protocol.AuditEvent
	if err := json.Unmarshal(pub.payloads[0], &decoded); err != nil || decoded.ID != ev.ID {
		t.Errorf("payload = %s, %v", pub.payloads[0], err)
	}
}

type flushingPublisher struct {
	fakePublisher
	err error
}

func (f *flushingPublisher) FlushWithContext(context.Context) error { return f.err }

func TestNATSSinkPing(t *testing.T) {
	if err := NewNATSSink(&fakePublisher{}, "", testLogger()).Ping(context.Background()); err != nil {
		t.Errorf("Ping without flush support = %v, want nil", err)
	}
	down := &flushingPublisher{err: errors.New("nats: connection closed")}
	if err := NewNATSSink(down, "", testLogger()).Ping(context.Background()); err == nil {
		t.Error("Ping did not surface the flush error")
	}
}
