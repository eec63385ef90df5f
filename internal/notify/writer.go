// Package notify carries conversation change events between processes that
// share a data directory. A writer drops small event files into
// {dataPath}/events/ and every other process watching that directory drops
// its cached copy of the named conversation.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/chathistory/internal/fsutil"
)

// Event types.
const (
	EventSaved   = "saved"
	EventDeleted = "deleted"
)

const eventExt = ".event"

// DefaultMaxAge is how long event files stay in the events directory.
const DefaultMaxAge = time.Minute

// Event is the payload written to an event file.
type Event struct {
	Type     string `json:"type"`
	Project  string `json:"project"`
	Filename string `json:"filename"`
	Origin   string `json:"origin"`
	Time     int64  `json:"time"`
}

// Writer writes change event files to a shared directory. It satisfies
// history.Notifier.
type Writer struct {
	dir    string
	origin string
	maxAge time.Duration
	fs     fsutil.FS
	logger *slog.Logger
	now    func() time.Time
	seq    atomic.Uint64
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithMaxAge sets how old an event file gets before a later Notify prunes it.
func WithMaxAge(d time.Duration) WriterOption { return func(w *Writer) { w.maxAge = d } }

// WithWriterLogger sets the logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

// WithWriterClock replaces the clock used to stamp and prune events.
func WithWriterClock(now func() time.Time) WriterOption { return func(w *Writer) { w.now = now } }

// NewWriter creates a writer that emits events to {dataPath}/events/ under a
// fresh origin id.
func NewWriter(dataPath string, opts ...WriterOption) *Writer {
	w := &Writer{
		dir:    filepath.Join(dataPath, "events"),
		origin: uuid.NewString(),
		maxAge: DefaultMaxAge,
		fs:     fsutil.OS{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Origin identifies events written by this process. Pass it to NewWatcher
// so the process ignores its own events.
func (w *Writer) Origin() string { return w.origin }

// Notify writes an event file. The file appears under its final name in one
// rename, so watchers never read a partial event. Safe to call concurrently.
func (w *Writer) Notify(eventType, project, filename string) error {
	now := w.now()
	evt := Event{
		Type:     eventType,
		Project:  project,
		Filename: filename,
		Origin:   w.origin,
		Time:     now.UnixNano(),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	name := fmt.Sprintf("%d-%s-%d-%s%s", evt.Time, w.origin[:8], w.seq.Add(1), sanitizeID(project), eventExt)
	if err := fsutil.WriteAtomic(w.fs, filepath.Join(w.dir, name), data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}

	w.prune(now)
	return nil
}

// prune removes event files older than maxAge. Every watcher has seen them
// by then.
func (w *Writer) prune(now time.Time) {
	entries, err := w.fs.ReadDir(w.dir)
	if err != nil {
		return
	}
	cutoff := now.Add(-w.maxAge).UnixNano()
	for _, entry := range entries {
		ts, ok := eventTime(entry.Name())
		if !ok || ts >= cutoff {
			continue
		}
		if err := w.fs.Remove(filepath.Join(w.dir, entry.Name())); err != nil {
			w.logger.Debug("notify: prune event file", "name", entry.Name(), "error", err)
		}
	}
}

// eventTime reads the nanosecond stamp that prefixes an event filename.
func eventTime(name string) (int64, bool) {
	if !strings.HasSuffix(name, eventExt) {
		return 0, false
	}
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0, false
	}
	var ts int64
	if _, err := fmt.Sscanf(prefix, "%d", &ts); err != nil {
		return 0, false
	}
	return ts, true
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch c := id[i]; {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
