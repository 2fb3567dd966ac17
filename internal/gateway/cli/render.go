package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/jkaninda/warden/internal/protocol"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - audit trail, metadata

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // White bold

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")) // Blue

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13")) // Magenta

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("11")) // Yellow

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green
)

// renderChunk formats one stream element. Audit events are only shown in
// verbose mode. Returns "" when there is nothing to print.
func renderChunk(c protocol.Chunk, verbose bool) string {
	var b strings.Builder
	if c.HistoryRewrite != nil {
		b.WriteString(dimStyle.Render(fmt.Sprintf("(context pruned: %d messages kept)", len(c.HistoryRewrite))))
		b.WriteByte('\n')
	}
	if c.Message != nil {
		b.WriteString(renderMessage(c.Message))
	}
	if c.AuditEvent != nil && verbose {
		b.WriteString(renderAudit(c.AuditEvent))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderMessage(m *protocol.Message) string {
	var b strings.Builder
	switch {
	case m.IsError:
		b.WriteString(errorStyle.Render(m.Text))
	case m.Author == protocol.AuthorSystem:
		b.WriteString(systemStyle.Render(m.Text))
	case m.Author == protocol.AuthorUser:
		b.WriteString(userStyle.Render("> " + m.Text))
	case m.Text != "":
		b.WriteString(agentStyle.Render(m.Text))
	}
	if m.Text != "" {
		b.WriteByte('\n')
	}

	if m.ToolCall != nil {
		b.WriteString(toolStyle.Render(fmt.Sprintf("  → %s(%s)", m.ToolCall.ToolName, renderArgs(m.ToolCall.Args))))
		b.WriteByte('\n')
	}
	if m.ToolResult != nil && m.ToolResult.IsCached {
		b.WriteString(dimStyle.Render("  (cached result)"))
		b.WriteByte('\n')
	}
	if m.Table != nil {
		b.WriteString(renderTable(m.Table))
		b.WriteByte('\n')
	}
	if m.PendingApproval() {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  approval %s pending: /approve or /reject", m.Approval.RequestID)))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderArgs(args map[string]any) string {
	keys := slices.Sorted(maps.Keys(args))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}

func renderTable(t *protocol.Table) string {
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(t.Columns...).
		Rows(t.Rows...)
	if t.Title == "" {
		return tbl.String()
	}
	return userStyle.Render(t.Title) + "\n" + tbl.String()
}

func renderAudit(ev *protocol.AuditEvent) string {
	line := fmt.Sprintf("  [%s] %s %s", ev.Type, ev.Timestamp.Format("15:04:05"), ev.User)
	if len(ev.Details) > 0 {
		line += " " + renderArgs(ev.Details)
	}
	if ev.Type == protocol.AuditSecurityAlert {
		return errorStyle.Render(line)
	}
	return dimStyle.Render(line)
}
