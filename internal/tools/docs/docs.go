// Package docs provides the document_search tool backed by the documents
// collaborator.
package docs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jkaninda/warden/internal/documents"
	"github.com/jkaninda/warden/internal/protocol"
	"github.com/jkaninda/warden/internal/tools"
)

// Name is the registry key of the tool.
const Name = "document_search"

const defaultLimit = 5

// Tool searches the document library.
type Tool struct {
	tools.Info
	searcher documents.Searcher
}

var _ tools.Tool = (*Tool)(nil)

// New creates the tool over the given searcher.
func New(s documents.Searcher) *Tool {
	return &Tool{
		Info: tools.Info{
			ToolName: Name,
			Summary:  "Searches uploaded documents and returns the best matching passages.",
			Input: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search terms"},
					"limit": map[string]any{"type": "integer", "description": "Maximum matches (default 5)"},
				},
				"required": []string{"query"},
			},
			Output: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query":   map[string]any{"type": "string"},
					"count":   map[string]any{"type": "integer"},
					"matches": map[string]any{"type": "array"},
				},
			},
		},
		searcher: s,
	}
}

func (t *Tool) Execute(ctx context.Context, args tools.Args) (*tools.Result, error) {
	query := args.String("query")
	limit := defaultLimit
	if _, ok := args["limit"]; ok {
		n, err := args.Float("limit")
		if err != nil {
			return nil, err
		}
		if n >= 1 {
			limit = int(n)
		}
	}

	matches, err := t.searcher.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching documents: %w", err)
	}

	out := make([]any, 0, len(matches))
	table := &protocol.Table{
		Title:   fmt.Sprintf("Documents matching %q", query),
		Columns: []string{"Document", "Score", "Excerpt"},
	}
	for _, m := range matches {
		out = append(out, map[string]any{
			"id":      m.Document.ID,
			"title":   m.Document.Title,
			"score":   m.Score,
			"snippet": m.Snippet,
		})
		table.Rows = append(table.Rows, []string{
			m.Document.Title,
			strconv.FormatFloat(m.Score, 'f', -1, 64),
			tools.TruncateOutput(m.Snippet, 100),
		})
	}

	result := &tools.Result{
		Output: map[string]any{
			"query":   query,
			"count":   len(matches),
			"matches": out,
		},
	}
	if len(matches) == 0 {
		result.Summary = fmt.Sprintf("No documents match %q.", query)
		return result, nil
	}

	titles := make([]string, len(matches))
	for i, m := range matches {
		titles[i] = m.Document.Title
	}
	result.Summary = fmt.Sprintf("Found %d document(s) matching %q: %s.", len(matches), query, strings.Join(titles, ", "))
	result.Table = table
	return result, nil
}
