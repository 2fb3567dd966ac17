package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkaninda/warden/internal/protocol"
)

// Context window defaults.
const (
	DefaultContextBudget = 8000
	DefaultKeepRecent    = 5

	// topicPreviewChars bounds each discarded user input quoted by the
	// summarize strategy.
	topicPreviewChars = 40
	maxTopics         = 3
)

// Strategy selects how the discarded span is described.
type Strategy string

const (
	// StrategySliding replaces the span with a bare marker.
	StrategySliding Strategy = "sliding"
	// StrategySummarize replaces the span with a marker that counts the
	// discarded turns and quotes the first user inputs.
	StrategySummarize Strategy = "summarize"
)

// ParseStrategy maps a config value to a Strategy, defaulting to sliding.
func ParseStrategy(s string) Strategy {
	if Strategy(strings.ToLower(strings.TrimSpace(s))) == StrategySummarize {
		return StrategySummarize
	}
	return StrategySliding
}

// PruneDecision is the outcome of measuring a history against the window.
// When Pruned reports true, Retained replaces the whole history: the first
// message, one summary marker, then the most recent messages.
type PruneDecision struct {
	Retained       []protocol.Message
	DiscardedCount int
	BeforeSize     int
	AfterSize      int
}

// Pruned reports whether the history must be rewritten.
func (d PruneDecision) Pruned() bool { return d.DiscardedCount > 0 }

// ContextWindow bounds the serialized size of a conversation.
type ContextWindow struct {
	budget   int
	keep     int
	strategy Strategy
}

// NewContextWindow creates a window. Non-positive values use the defaults.
func NewContextWindow(budget, keepRecent int, strategy Strategy) *ContextWindow {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	if strategy == "" {
		strategy = StrategySliding
	}
	return &ContextWindow{budget: budget, keep: keepRecent, strategy: strategy}
}

// Budget returns the serialized-size limit.
func (w *ContextWindow) Budget() int { return w.budget }

// Strategy returns the configured strategy.
func (w *ContextWindow) Strategy() Strategy { return w.strategy }

// HistorySize is the length of the JSON encoding of history.
func HistorySize(history []protocol.Message) int {
	if len(history) == 0 {
		return 0
	}
	b, err := json.Marshal(history)
	if err != nil {
		return 0
	}
	return len(b)
}

// Decide measures history and, when it reaches the budget and holds more
// than the preamble plus the recent tail, computes the rewrite. The input
// slice is never modified.
func (w *ContextWindow) Decide(history []protocol.Message) PruneDecision {
	before := HistorySize(history)
	d := PruneDecision{Retained: history, BeforeSize: before, AfterSize: before}
	if before < w.budget || len(history) <= 1+w.keep {
		return d
	}

	tailStart := len(history) - w.keep
	discarded := history[1:tailStart]
	if len(discarded) == 1 && discarded[0].Summary != nil {
		return d
	}

	retained := make([]protocol.Message, 0, 2+w.keep)
	retained = append(retained, history[0])
	retained = append(retained, w.marker(discarded))
	retained = append(retained, history[tailStart:]...)

	after := HistorySize(retained)
	if after >= before && w.strategy == StrategySummarize {
		retained[1] = slidingMarker(removedCount(discarded))
		after = HistorySize(retained)
	}
	if after >= before {
		// The marker is no smaller than what it replaces: nothing to save.
		return d
	}

	return PruneDecision{
		Retained:       retained,
		DiscardedCount: len(discarded),
		BeforeSize:     before,
		AfterSize:      after,
	}
}

func (w *ContextWindow) marker(discarded []protocol.Message) protocol.Message {
	if w.strategy == StrategySummarize {
		return summaryMarker(discarded)
	}
	return slidingMarker(removedCount(discarded))
}

// removedCount counts discarded messages, expanding earlier markers into
// the messages they stand for.
func removedCount(discarded []protocol.Message) int {
	n := 0
	for _, m := range discarded {
		if m.Summary != nil {
			n += m.Summary.DiscardedCount
			continue
		}
		n++
	}
	return n
}

func slidingMarker(n int) protocol.Message {
	text := fmt.Sprintf("%d earlier messages were removed to keep the conversation within its context window.", n)
	m := protocol.NewMessage(protocol.AuthorSystem, text)
	m.Summary = &protocol.PruneSummary{DiscardedCount: n, Text: text}
	return *m
}

func summaryMarker(discarded []protocol.Message) protocol.Message {
	counts := make(map[protocol.Author]int, 3)
	var topics []string
	for _, msg := range discarded {
		counts[msg.Author]++
		if msg.Author == protocol.AuthorUser && len(topics) < maxTopics && msg.Text != "" {
			topics = append(topics, fmt.Sprintf("%q", preview(msg.Text, topicPreviewChars)))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d earlier messages (%d from user, %d from agent, %d from system).",
		len(discarded), counts[protocol.AuthorUser], counts[protocol.AuthorAgent], counts[protocol.AuthorSystem])
	if len(topics) > 0 {
		sb.WriteString(" Earlier requests: ")
		sb.WriteString(strings.Join(topics, ", "))
		sb.WriteString(".")
	}

	text := sb.String()
	m := protocol.NewMessage(protocol.AuthorSystem, text)
	m.Summary = &protocol.PruneSummary{DiscardedCount: len(discarded), Text: text}
	return *m
}

// preview returns the first n runes of s, single-lined.
func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
