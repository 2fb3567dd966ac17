// Package cli implements an interactive CLI gateway for Warden.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jkaninda/warden/internal/agent"
	"github.com/jkaninda/warden/internal/approval"
	"github.com/jkaninda/warden/internal/domain"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/security"
)

const helpText = `Commands:
  /approve [id]   approve the pending request
  /reject [id]    reject the pending request
  /user <name>    switch the acting user (clears the conversation)
  /reset          clear the conversation
  /pending        list pending approval requests
  /audit [n]      show the last n audit events (default 10)
  /verbose        toggle inline audit events
  exit            quit`

// Gateway is the interactive command-line interface. It drives a single
// session; decisions typed at the prompt are made by the acting user, who
// must be allowed to decide.
type Gateway struct {
	sessions  *agent.SessionStore
	directory *security.Directory
	user      domain.User
	approvals approval.Workflow   // nil = /pending disabled
	audit     security.AuditStore // nil = /audit disabled
	verbose   bool
	in        io.Reader
	out       io.Writer
	logger    *slog.Logger
	done      chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a CLI gateway acting as user.
func NewGateway(sessions *agent.SessionStore, directory *security.Directory, user domain.User, logger *slog.Logger) *Gateway {
	return &Gateway{
		sessions:  sessions,
		directory: directory,
		user:      user,
		in:        os.Stdin,
		out:       os.Stdout,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// WithIO replaces stdin and stdout.
func (g *Gateway) WithIO(in io.Reader, out io.Writer) *Gateway {
	g.in = in
	g.out = out
	return g
}

// WithApprovals enables /pending.
func (g *Gateway) WithApprovals(w approval.Workflow) *Gateway {
	g.approvals = w
	return g
}

// WithAudit enables /audit.
func (g *Gateway) WithAudit(store security.AuditStore) *Gateway {
	g.audit = store
	return g
}

// WithVerbose prints audit events inline from the start.
func (g *Gateway) WithVerbose(v bool) *Gateway {
	g.verbose = v
	return g
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	session := g.sessions.Create(g.user)
	defer g.sessions.Delete(session.ID)

	scanner := bufio.NewScanner(g.in)

	fmt.Fprintln(g.out, "Warden: tool orchestration with authorization, approvals and audit")
	fmt.Fprintln(g.out, dimStyle.Render(`Type your message, "/help" for commands, or "exit" to quit.`))
	fmt.Fprintln(g.out)
	for _, m := range session.History() {
		fmt.Fprint(g.out, renderMessage(&m))
	}

	for {
		fmt.Fprint(g.out, promptStyle.Render(fmt.Sprintf("warden %s> ", session.User())))

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		}

		if strings.HasPrefix(line, "/") {
			g.command(ctx, session, line)
			continue
		}

		seq, err := session.Send(ctx, line)
		if err != nil {
			g.fail(err)
			continue
		}
		g.print(seq)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) command(ctx context.Context, session *agent.Session, line string) {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/help":
		fmt.Fprintln(g.out, helpText)

	case "/approve", "/reject":
		status := protocol.ApprovalApproved
		if fields[0] == "/reject" {
			status = protocol.ApprovalRejected
		}
		seq, err := session.Decide(ctx, session.User(), protocol.Decision{
			RequestID: arg,
			Status:    status,
		})
		if err != nil {
			g.fail(err)
			return
		}
		g.print(seq)

	case "/user":
		if arg == "" {
			g.fail(errors.New("usage: /user <name>"))
			return
		}
		u, err := g.directory.Resolve(strings.Join(fields[1:], " "))
		if err != nil {
			g.fail(err)
			return
		}
		session.SwitchUser(u)
		g.logger.InfoContext(ctx, "cli user switched", slog.String("user", u.String()))
		fmt.Fprintln(g.out, systemStyle.Render("Now acting as "+u.String()+"."))

	case "/reset":
		session.Reset()
		fmt.Fprintln(g.out, systemStyle.Render("Conversation cleared."))

	case "/pending":
		if g.approvals == nil {
			g.fail(errors.New("approvals are not available"))
			return
		}
		pending, err := g.approvals.ListPending(ctx)
		if err != nil {
			g.fail(err)
			return
		}
		if len(pending) == 0 {
			fmt.Fprintln(g.out, dimStyle.Render("No pending approvals."))
		}
		for _, r := range pending {
			fmt.Fprintf(g.out, "%s  %s  %s(%s)  %s\n", r.ID, r.Requester, r.ToolCall.ToolName,
				renderArgs(r.ToolCall.Args), dimStyle.Render(r.CreatedAt.Format("15:04:05")))
		}

	case "/audit":
		if g.audit == nil {
			g.fail(errors.New("the audit trail is not available"))
			return
		}
		limit := 10
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				g.fail(errors.New("usage: /audit [n]"))
				return
			}
			limit = n
		}
		events, err := g.audit.List(ctx, security.AuditFilter{Limit: limit})
		if err != nil {
			g.fail(err)
			return
		}
		for i := range events {
			fmt.Fprintln(g.out, renderAudit(&events[i]))
		}

	case "/verbose":
		g.verbose = !g.verbose
		fmt.Fprintln(g.out, dimStyle.Render(fmt.Sprintf("verbose audit output: %t", g.verbose)))

	default:
		g.fail(fmt.Errorf("unknown command %s (try /help)", fields[0]))
	}
}

func (g *Gateway) print(seq iter.Seq[protocol.Chunk]) {
	for c := range seq {
		fmt.Fprint(g.out, renderChunk(c, g.verbose))
	}
	fmt.Fprintln(g.out)
}

func (g *Gateway) fail(err error) {
	fmt.Fprintln(g.out, errorStyle.Render("Error: "+err.Error()))
}
