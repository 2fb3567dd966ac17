package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"sync"
)

// ContentType is the media type of a newline-delimited chunk stream.
const ContentType = "application/x-ndjson"

// maxLineSize bounds the decoder's buffer when a producer never sends a newline.
const maxLineSize = 1 << 20

// ErrLineTooLong is wrapped by a ParseError when a line exceeds maxLineSize.
var ErrLineTooLong = errors.New("chunk line too long")

// ParseError reports a malformed stream line. It is never fatal to the stream.
type ParseError struct {
	Line []byte
	Err  error
}

func (e *ParseError) Error() string {
	line := e.Line
	if len(line) > 64 {
		line = line[:64]
	}
	return fmt.Sprintf("malformed chunk %q: %v", line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// --- Encoder ---

// Encoder writes chunks as one JSON object per line. If the underlying writer
// is an http.Flusher it is flushed after every chunk.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes a single chunk followed by a newline.
func (e *Encoder) Encode(c Chunk) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding chunk: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// --- Decoder ---

// Decoder parses an NDJSON byte stream incrementally. Bytes may arrive split
// at arbitrary points; an incomplete trailing line is buffered until its
// newline arrives. Malformed lines are logged and skipped.
type Decoder struct {
	buf     []byte
	logger  *slog.Logger
	onError func(*ParseError)
	skipped int
}

// NewDecoder creates a Decoder. A nil logger disables logging.
func NewDecoder(logger *slog.Logger) *Decoder {
	return &Decoder{logger: logger}
}

// OnError registers a callback invoked for every skipped line.
func (d *Decoder) OnError(fn func(*ParseError)) *Decoder {
	d.onError = fn
	return d
}

// Skipped returns the number of malformed lines dropped so far.
func (d *Decoder) Skipped() int { return d.skipped }

// Feed appends p to the buffer and returns every chunk completed by it.
func (d *Decoder) Feed(p []byte) []Chunk {
	d.buf = append(d.buf, p...)

	var out []Chunk
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if c, ok := d.parse(line); ok {
			out = append(out, c)
		}
	}

	if len(d.buf) > maxLineSize {
		d.reject(d.buf, ErrLineTooLong)
		d.buf = nil
	}
	if len(d.buf) == 0 {
		// Release the backing array once it has been consumed.
		d.buf = nil
	}
	return out
}

// Flush parses whatever remains in the buffer as a final line. Call it once
// the producer has closed the stream.
func (d *Decoder) Flush() []Chunk {
	line := d.buf
	d.buf = nil
	if c, ok := d.parse(line); ok {
		return []Chunk{c}
	}
	return nil
}

func (d *Decoder) parse(line []byte) (Chunk, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Chunk{}, false
	}
	var c Chunk
	if err := json.Unmarshal(line, &c); err != nil {
		d.reject(line, err)
		return Chunk{}, false
	}
	return c, true
}

func (d *Decoder) reject(line []byte, err error) {
	d.skipped++
	perr := &ParseError{Line: bytes.Clone(line), Err: err}
	if d.logger != nil {
		d.logger.Warn("skipping malformed stream chunk", slog.String("error", perr.Error()))
	}
	if d.onError != nil {
		d.onError(perr)
	}
}

// ReadChunks decodes chunks from r as they arrive. Parse errors are skipped;
// the iteration ends on EOF, on context cancellation, or with a read error
// yielded as the final element.
func ReadChunks(ctx context.Context, r io.Reader, logger *slog.Logger) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		dec := NewDecoder(logger)
		buf := make([]byte, 4096)
		for {
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}
			n, err := r.Read(buf)
			if n > 0 {
				for _, c := range dec.Feed(buf[:n]) {
					if !yield(c, nil) {
						return
					}
				}
			}
			if errors.Is(err, io.EOF) {
				for _, c := range dec.Flush() {
					if !yield(c, nil) {
						return
					}
				}
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
		}
	}
}
