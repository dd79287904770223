// Package logsink forwards run progress to side channels: the remote
// store's log records and an optional websocket stream.
package logsink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/schaermu/metasyncd/internal/remote"
)

// DefaultBatch is the number of lines buffered before a send.
const DefaultBatch = 50

// Sink receives formatted log lines.
type Sink interface {
	Send(ctx context.Context, lines []string) error
}

type core struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	lines []string
	sinks []Sink
	batch int
	errs  []error
}

// Handler is a slog.Handler that passes records to next and copies every
// record at or above level to the sinks, batch lines at a time.
type Handler struct {
	next  slog.Handler
	text  slog.Handler
	level slog.Leveler
	core  *core
}

// New creates a handler in front of next. next may be nil.
func New(next slog.Handler, level slog.Leveler, sinks ...Sink) *Handler {
	c := &core{sinks: sinks, batch: DefaultBatch}
	h := &Handler{next: next, level: level, core: c}
	h.text = slog.NewTextHandler(&c.buf, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	})
	return h
}

// Enabled reports whether either the next handler or the sinks want the level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= h.level.Level() {
		return true
	}
	return h.next != nil && h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.next != nil && h.next.Enabled(ctx, r.Level) {
		err = h.next.Handle(ctx, r)
	}
	if r.Level < h.level.Level() {
		return err
	}

	c := h.core
	c.mu.Lock()
	c.buf.Reset()
	if herr := h.text.Handle(ctx, r); herr != nil {
		c.mu.Unlock()
		return errors.Join(err, herr)
	}
	c.lines = append(c.lines, strings.TrimRight(c.buf.String(), "\n"))
	var out []string
	if len(c.lines) >= c.batch {
		out, c.lines = c.lines, nil
	}
	c.mu.Unlock()

	if out != nil {
		h.send(ctx, out)
	}
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	if h.next != nil {
		n.next = h.next.WithAttrs(attrs)
	}
	n.text = h.text.WithAttrs(attrs)
	return &n
}

func (h *Handler) WithGroup(name string) slog.Handler {
	n := *h
	if h.next != nil {
		n.next = h.next.WithGroup(name)
	}
	n.text = h.text.WithGroup(name)
	return &n
}

// Flush sends the buffered lines and returns every send error seen since
// the last flush. Sink failures never fail the logging call itself.
func (h *Handler) Flush(ctx context.Context) error {
	c := h.core
	c.mu.Lock()
	out := c.lines
	c.lines = nil
	c.mu.Unlock()

	if len(out) > 0 {
		h.send(ctx, out)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := errors.Join(c.errs...)
	c.errs = nil
	return err
}

func (h *Handler) send(ctx context.Context, lines []string) {
	// the run context may already be cancelled when the final lines go out
	ctx = context.WithoutCancel(ctx)
	for _, s := range h.core.sinks {
		if err := s.Send(ctx, lines); err != nil {
			h.core.mu.Lock()
			h.core.errs = append(h.core.errs, err)
			h.core.mu.Unlock()
		}
	}
}

// StoreSink appends lines to the log records of a branch.
type StoreSink struct {
	Store  remote.Store
	Target remote.Target
}

func (s StoreSink) Send(ctx context.Context, lines []string) error {
	return s.Store.AppendLog(ctx, s.Target, lines)
}

// StreamMessage is the payload written to the websocket stream.
type StreamMessage struct {
	Repository string   `json:"repository"`
	Branch     string   `json:"branch"`
	Lines      []string `json:"lines"`
}

// StreamSink writes batches of lines to a websocket endpoint.
type StreamSink struct {
	conn   *websocket.Conn
	target remote.Target
}

// Dial connects to a websocket log endpoint.
func Dial(ctx context.Context, url string, target remote.Target) (*StreamSink, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &StreamSink{conn: conn, target: target}, nil
}

func (s *StreamSink) Send(ctx context.Context, lines []string) error {
	data, err := json.Marshal(StreamMessage{
		Repository: s.target.RepositoryID,
		Branch:     s.target.Branch,
		Lines:      lines,
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the stream connection
func (s *StreamSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Fanout returns a handler that passes every record to all handlers that
// accept its level.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return fanout(handlers)
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
