// Package documents defines the read-only document lookup collaborator and a
// small in-memory index used when no external document service is wired.
package documents

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"unicode"
)

// ErrNotFound is returned by Get when no document has the requested ID.
var ErrNotFound = errors.New("document not found")

// Document is an indexed text document.
type Document struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Match is a search hit.
type Match struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
	Snippet  string   `json:"snippet"`
}

// Searcher looks documents up by ID or free-text query.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Match, error)
	Get(ctx context.Context, id string) (Document, error)
}

const snippetRadius = 60

// Index is an in-memory term-matching Searcher. Safe for concurrent use.
type Index struct {
	mu   sync.RWMutex
	docs map[string]Document
}

var _ Searcher = (*Index)(nil)

// NewIndex creates an index holding docs.
func NewIndex(docs ...Document) *Index {
	idx := &Index{docs: make(map[string]Document, len(docs))}
	for _, d := range docs {
		idx.Add(d)
	}
	return idx
}

// Add inserts or replaces a document.
func (i *Index) Add(d Document) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.docs[d.ID] = d
}

// Len returns the number of indexed documents.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

func (i *Index) Get(_ context.Context, id string) (Document, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	d, ok := i.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return d, nil
}

// Search scores each document by query term occurrences, weighting title
// hits three times body hits. Documents with no hit are omitted.
func (i *Index) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	var matches []Match
	for _, d := range i.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		title := strings.ToLower(d.Title)
		body := strings.ToLower(d.Content)
		var score float64
		for _, t := range terms {
			score += 3*float64(strings.Count(title, t)) + float64(strings.Count(body, t))
			for _, tag := range d.Tags {
				if strings.EqualFold(tag, t) {
					score += 2
				}
			}
		}
		if score == 0 {
			continue
		}
		matches = append(matches, Match{Document: d, Score: score, Snippet: snippet(d.Content, terms)})
	}

	slices.SortFunc(matches, func(a, b Match) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Document.Title, b.Document.Title)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// LoadDir indexes every .md and .txt file under dir. The first non-empty
// line (minus leading '#') becomes the title; the relative path is the ID.
func LoadDir(dir string) (*Index, error) {
	idx := NewIndex()
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		idx.Add(Document{
			ID:      filepath.ToSlash(rel),
			Title:   titleOf(string(data), filepath.Base(path)),
			Content: string(data),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading documents from %s: %w", dir, err)
	}
	return idx, nil
}

func titleOf(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "# "))
		if line != "" {
			return line
		}
	}
	return fallback
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// snippet returns the text around the first occurrence of any term.
func snippet(content string, terms []string) string {
	lower := strings.ToLower(content)
	pos := -1
	for _, t := range terms {
		if i := strings.Index(lower, t); i >= 0 && (pos < 0 || i < pos) {
			pos = i
		}
	}
	if pos < 0 {
		pos = 0
	}
	start := max(0, pos-snippetRadius)
	end := min(len(content), pos+snippetRadius)
	// Avoid splitting a multi-byte rune.
	for start > 0 && !isRuneStart(content[start]) {
		start--
	}
	for end < len(content) && !isRuneStart(content[end]) {
		end++
	}
	s := strings.Join(strings.Fields(content[start:end]), " ")
	if start > 0 {
		s = "..." + s
	}
	if end < len(content) {
		s += "..."
	}
	return s
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
