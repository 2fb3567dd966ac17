// Package protocol defines the wire types exchanged between the orchestration
// core and its consumers: conversation messages, audit events, and the stream
// chunks that carry them. All types are JSON-encoded with camelCase keys.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/warden/internal/domain"
)

// Author identifies who produced a Message.
type Author string

const (
	AuthorUser   Author = "user"
	AuthorAgent  Author = "agent"
	AuthorSystem Author = "system"
)

// ToolCall is a request to invoke a named tool with open key/value arguments.
type ToolCall struct {
	ToolName string         `json:"toolName"`
	Args     map[string]any `json:"args"`
}

// ToolResult is produced once per successful execution. IsCached records
// whether the output came from the cache rather than a fresh run.
type ToolResult struct {
	ToolName string         `json:"toolName"`
	Output   map[string]any `json:"output"`
	IsCached bool           `json:"isCached"`
}

// Table is a secondary tabular view of a tool's output.
type Table struct {
	Title   string     `json:"title,omitempty"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// ApprovalStatus is the state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "Pending"
	ApprovalApproved ApprovalStatus = "Approved"
	ApprovalRejected ApprovalStatus = "Rejected"
)

// Terminal reports whether s is a decided state.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalRejected
}

// ApprovalRef attaches an approval request to a message.
type ApprovalRef struct {
	RequestID string         `json:"requestId"`
	Requester string         `json:"requester"`
	ToolCall  ToolCall       `json:"toolCall"`
	Status    ApprovalStatus `json:"status"`
}

// PruneSummary marks the place where older turns were discarded.
type PruneSummary struct {
	DiscardedCount int    `json:"discardedCount"`
	Text           string `json:"text"`
}

// Message is one entry of the conversation log. Exactly one Author is set;
// the payload fields are optional and may be combined.
type Message struct {
	ID         string        `json:"id"`
	Author     Author        `json:"author"`
	Text       string        `json:"text,omitempty"`
	ToolCall   *ToolCall     `json:"toolCall,omitempty"`
	ToolResult *ToolResult   `json:"toolResult,omitempty"`
	Approval   *ApprovalRef  `json:"approval,omitempty"`
	Table      *Table        `json:"table,omitempty"`
	Summary    *PruneSummary `json:"summary,omitempty"`
	IsError    bool          `json:"isError,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NewMessage creates a Message with a fresh ID and the current time.
func NewMessage(author Author, text string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Author:    author,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// ErrorMessage creates an error-flagged message.
func ErrorMessage(author Author, text string) *Message {
	m := NewMessage(author, text)
	m.IsError = true
	return m
}

// PendingApproval reports whether the message carries an undecided approval.
func (m *Message) PendingApproval() bool {
	return m != nil && m.Approval != nil && m.Approval.Status == ApprovalPending
}

// AuditType classifies an audit event.
type AuditType string

const (
	AuditQuerySubmitted      AuditType = "QUERY_SUBMITTED"
	AuditToolCallInitiated   AuditType = "TOOL_CALL_INITIATED"
	AuditToolCallCompleted   AuditType = "TOOL_CALL_COMPLETED"
	AuditCachedResultUsed    AuditType = "CACHED_RESULT_USED"
	AuditApprovalRequested   AuditType = "APPROVAL_REQUESTED"
	AuditApprovalDecided     AuditType = "APPROVAL_DECIDED"
	AuditContextWindowPruned AuditType = "CONTEXT_WINDOW_PRUNED"
	AuditSecurityAlert       AuditType = "SECURITY_ALERT"
)

// AuditEvent is a single append-only record of an observable action.
type AuditEvent struct {
	ID        string         `json:"id"`
	Type      AuditType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	User      string         `json:"user"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewAuditEvent creates an AuditEvent for the given user.
func NewAuditEvent(typ AuditType, user domain.User, details map[string]any) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		User:      user.String(),
		Details:   details,
	}
}

// Chunk is one element of the event stream. More than one field may be set,
// e.g. a message together with the audit event it caused. A non-nil
// HistoryRewrite replaces the consumer's whole message log.
type Chunk struct {
	Message        *Message    `json:"message,omitempty"`
	AuditEvent     *AuditEvent `json:"auditEvent,omitempty"`
	HistoryRewrite []Message   `json:"historyRewrite,omitempty"`
}

// Empty reports whether the chunk carries nothing.
func (c Chunk) Empty() bool {
	return c.Message == nil && c.AuditEvent == nil && c.HistoryRewrite == nil
}

// Secret is a named vault entry forwarded with a request.
type Secret struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the input of a respond turn.
type Request struct {
	Input   string          `json:"input"`
	User    domain.User     `json:"user"`
	History []Message       `json:"history"`
	Secrets []Secret        `json:"secrets,omitempty"`
	Model   domain.ModelRef `json:"activeModel"`
}

// Decision is delivered by the external approval UI.
type Decision struct {
	RequestID string         `json:"requestId"`
	Status    ApprovalStatus `json:"status"`
	DecidedBy string         `json:"decidedBy,omitempty"`
}

// ContinueRequest resumes a conversation after an approval decision.
type ContinueRequest struct {
	Decision Decision        `json:"decision"`
	User     domain.User     `json:"user"`
	History  []Message       `json:"history"`
	Secrets  []Secret        `json:"secrets,omitempty"`
	Model    domain.ModelRef `json:"activeModel"`
}
