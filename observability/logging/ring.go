package logging

import (
	"container/ring"
	"context"
	"log/slog"
	"sync"
	"time"
)

// EntryType classifies a ring-buffer log entry for the /api/server-logs
// consumer.
type EntryType string

const (
	EntryInfo    EntryType = "info"
	EntrySuccess EntryType = "success"
	EntryWarn    EntryType = "warn"
	EntryError   EntryType = "error"
)

// Entry is one recent log line as served by /api/server-logs.
type Entry struct {
	Message     string    `json:"message"`
	Type        EntryType `json:"type"`
	Source      string    `json:"source"`
	TimestampMs int64     `json:"timestamp_ms"`
}

const ringCapacity = 500

// Ring is a bounded buffer of the most recent log entries, guarded by a
// mutex so concurrent handler writes and /api/server-logs reads never race.
type Ring struct {
	mu   sync.Mutex
	r    *ring.Ring
	size int
}

// NewRing constructs an empty ring buffer with the component's fixed
// 500-entry capacity.
func NewRing() *Ring {
	return &Ring{r: ring.New(ringCapacity)}
}

func (rb *Ring) push(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.r.Value = e
	rb.r = rb.r.Next()
	if rb.size < ringCapacity {
		rb.size++
	}
}

// Since returns entries with TimestampMs > sinceMs, oldest first.
func (rb *Ring) Since(sinceMs int64) []Entry {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	all := make([]Entry, 0, rb.size)
	rb.r.Do(func(v any) {
		if v == nil {
			return
		}
		e := v.(Entry)
		all = append(all, e)
	})

	// ring.Do walks starting at the current position, which is the oldest
	// surviving entry once the buffer has wrapped at least once.
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.TimestampMs > sinceMs {
			out = append(out, e)
		}
	}
	return out
}

// Handler is an slog.Handler that forwards every record to an underlying
// handler (stdout JSON, for operator tailing) and additionally appends an
// entry into the bounded Ring the /api/server-logs endpoint serves. The ring
// entry holds only the message, level-derived type, source, and timestamp;
// record attributes are not copied into it.
// This mirrors the teacher's habit of composing additional handlers around
// a base rather than replacing it.
type Handler struct {
	next   slog.Handler
	ring   *Ring
	source string
}

// NewHandler wraps next, recording every record into ring as well as
// forwarding it. source identifies the emitting component (e.g.
// "orchestrator", "registry") for the ring entries.
func NewHandler(next slog.Handler, ring *Ring, source string) *Handler {
	return &Handler{next: next, ring: ring, source: source}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	h.ring.push(Entry{
		Message:     record.Message,
		Type:        entryTypeForLevel(record.Level),
		Source:      h.source,
		TimestampMs: record.Time.UnixMilli(),
	})
	return h.next.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{next: h.next.WithAttrs(attrs), ring: h.ring, source: h.source}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name), ring: h.ring, source: h.source}
}

func entryTypeForLevel(level slog.Level) EntryType {
	switch {
	case level >= slog.LevelError:
		return EntryError
	case level >= slog.LevelWarn:
		return EntryWarn
	default:
		return EntryInfo
	}
}

// NowMs is a small convenience matching the epoch-millisecond timestamps
// used throughout the wire protocol.
func NowMs(t time.Time) int64 {
	return t.UnixMilli()
}
