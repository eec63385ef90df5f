package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func eventFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), eventExt) {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Notify(EventSaved, "proj-1234abcd", "0.json"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 event file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != eventExt {
		t.Errorf("expected .event extension, got %s", entries[0].Name())
	}
}

func TestWriterPrunesOldEvents(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w := NewWriter(dir, WithMaxAge(time.Minute), WithWriterClock(func() time.Time { return clock }))

	if err := w.Notify(EventSaved, "proj", "0.json"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	clock = clock.Add(30 * time.Second)
	if err := w.Notify(EventSaved, "proj", "1.json"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if n := len(eventFiles(t, dir)); n != 2 {
		t.Fatalf("expected 2 event files, got %d", n)
	}

	clock = clock.Add(45 * time.Second)
	if err := w.Notify(EventDeleted, "proj", "1.json"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if n := len(eventFiles(t, dir)); n != 2 {
		t.Errorf("expected the oldest event to be pruned, %d files left", n)
	}
}

func TestWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()

	received := make(chan Event, 1)
	watcher := NewWatcher(dir, "", func(e Event) { received <- e }, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	writer := NewWriter(dir)
	if err := writer.Notify(EventSaved, "proj-1234abcd", "3.json"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case e := <-received:
		if e.Type != EventSaved {
			t.Errorf("expected event type saved, got %s", e.Type)
		}
		if e.Project != "proj-1234abcd" || e.Filename != "3.json" {
			t.Errorf("unexpected event target %s/%s", e.Project, e.Filename)
		}
		if e.Origin != writer.Origin() {
			t.Errorf("expected origin %s, got %s", writer.Origin(), e.Origin)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	if n := len(eventFiles(t, dir)); n != 1 {
		t.Errorf("watcher must leave event files for other processes, %d left", n)
	}
}

func TestWatcherIgnoresOwnOrigin(t *testing.T) {
	dir := t.TempDir()
	own := NewWriter(dir)
	other := NewWriter(dir)

	received := make(chan Event, 4)
	watcher := NewWatcher(dir, own.Origin(), func(e Event) { received <- e }, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(50 * time.Millisecond)

	if err := own.Notify(EventSaved, "proj", "0.json"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if err := other.Notify(EventDeleted, "proj", "1.json"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case e := <-received:
		if e.Filename != "1.json" {
			t.Errorf("expected only the other process's event, got %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case e := <-received:
		t.Errorf("unexpected second event %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatcherSkipsExistingEvents(t *testing.T) {
	dir := t.TempDir()

	writer := NewWriter(dir)
	_ = writer.Notify(EventSaved, "proj", "0.json")

	received := make(chan Event, 1)
	watcher := NewWatcher(dir, "", func(e Event) { received <- e }, nil)
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 0 {
		t.Fatalf("expected no replayed events, got %d", len(received))
	}
}

func TestStopWithoutStart(t *testing.T) {
	NewWatcher(t.TempDir(), "", nil, nil).Stop()
}

func TestEventTime(t *testing.T) {
	if ts, ok := eventTime("1714564800000000000-abcd1234-1-proj.event"); !ok || ts != 1714564800000000000 {
		t.Errorf("eventTime = %d, %v", ts, ok)
	}
	for _, name := range []string{".x.event.tmp-1", "notes.txt", "abc-1.event"} {
		if _, ok := eventTime(name); ok {
			t.Errorf("eventTime(%q) unexpectedly parsed", name)
		}
	}
}

func TestSanitizeID(t *testing.T) {
	got := sanitizeID("proj:general/abc-def")
	if got != "proj_general_abc_def" {
		t.Errorf("expected proj_general_abc_def, got %s", got)
	}
}
