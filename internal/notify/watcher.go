package notify

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the events directory and dispatches events written by
// other processes. Event files are left in place for other watchers; the
// writers prune them.
type Watcher struct {
	dir      string
	origin   string
	callback func(Event)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for {dataPath}/events/. Events carrying
// origin are ignored; pass "" to receive every event.
func NewWatcher(dataPath, origin string, callback func(Event), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      filepath.Join(dataPath, "events"),
		origin:   origin,
		callback: callback,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins watching. Events written before Start are not delivered.
// Call Stop to clean up.
func (ew *Watcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	go ew.loop()
	ew.logger.Info("notify: watching for change events", "dir", ew.dir)
	return nil
}

// Stop shuts down the watcher and waits for the dispatch loop to exit.
func (ew *Watcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *Watcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, eventExt) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			ew.logger.Warn("notify: watcher error", "error", err)
		}
	}
}

func (ew *Watcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ew.logger.Debug("notify: read event file", "name", filepath.Base(path), "error", err)
		}
		return
	}

	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		ew.logger.Warn("notify: invalid event file", "name", filepath.Base(path), "error", err)
		return
	}

	if event.Project == "" || ew.callback == nil {
		return
	}
	if ew.origin != "" && event.Origin == ew.origin {
		return
	}
	ew.callback(event)
}
