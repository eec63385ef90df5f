package history

import (
	"fmt"

	"github.com/scrypster/chathistory/internal/notify"
)

// Watch keeps m's cache coherent with other processes sharing dataPath:
// change events they publish drop the matching cache entries. Events
// carrying origin, normally this process's own notify.Writer origin, are
// ignored. Stop the returned watcher before closing m.
func (m *Manager) Watch(dataPath, origin string) (*notify.Watcher, error) {
	w := notify.NewWatcher(dataPath, origin, func(e notify.Event) {
		m.Invalidate(e.Project, e.Filename)
	}, m.logger)
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("history: watch %s: %w", dataPath, err)
	}
	return w, nil
}
