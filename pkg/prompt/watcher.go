package prompt

import (
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/go-logr/logr"
)

// debounceWindow collapses the burst of write/chmod events most
// editors emit for a single save into one log line.
const debounceWindow = 300 * time.Millisecond

// Watcher logs template edits under a Loader's directory as they
// happen. Loader itself needs no cache invalidation (every Load call
// already re-reads from disk), so this exists purely to give an
// operator editing prompts live confirmation that a change was seen,
// rather than to drive any reload logic.
type Watcher struct {
	fsw *fsnotify.Watcher
	log logr.Logger
}

// WatchDir starts watching dir for template edits. Call Close when
// done; the watcher goroutine exits when its events channel closes.
func WatchDir(dir string, log logr.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, log: log.WithName("prompt-watcher")}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	last := map[string]time.Time{}
	for event := range w.fsw.Events {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		now := time.Now()
		if prev, ok := last[event.Name]; ok && now.Sub(prev) < debounceWindow {
			continue
		}
		last[event.Name] = now
		w.log.Info("prompt template changed", "path", event.Name, "op", event.Op.String())
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
