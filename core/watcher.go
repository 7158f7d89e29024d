package core

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeNotification is a debounced batch of filesystem changes to
// admitted configuration files.
type ChangeNotification struct {
	Paths []string
	Kinds []Kind
}

// Watcher observes the loader's configuration directories and emits one
// coalesced notification per burst of file events. A save that produces
// several write events within the debounce window triggers a single
// reload.
type Watcher struct {
	fw       *fsnotify.Watcher
	globs    KindGlobs
	debounce time.Duration
	out      chan ChangeNotification
	log      *zap.SugaredLogger

	done     chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup
}

const defaultDebounce = 300 * time.Millisecond

// NewWatcher starts watching the given directories. Events for files not
// admitted by the globs are ignored.
func NewWatcher(dirs []string, globs KindGlobs, debounce time.Duration, log *zap.SugaredLogger) (*Watcher, error) {
	if globs == nil {
		globs = DefaultGlobs()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, WrapError(CodeInternal, err, "cannot create file watcher")
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close() //nolint:errcheck
			return nil, WrapError(CodeConfigInvalid, err, "cannot watch config directory %s", dir)
		}
	}

	w := &Watcher{
		fw:       fw,
		globs:    globs,
		debounce: debounce,
		out:      make(chan ChangeNotification, 8),
		log:      log,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Changes is the channel of debounced notifications.
func (w *Watcher) Changes() <-chan ChangeNotification { return w.out }

// loop is the only goroutine that touches the pending batch and the
// notification channel, so Close can safely close the channel once the
// loop has exited.
func (w *Watcher) loop() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	pending := make(map[string]Kind)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			kind, admitted := w.globs.kindOf(filepath.Base(ev.Name))
			if !admitted {
				continue
			}
			// re-arm the debounce window, so a burst collapses into one
			// notification
			pending[ev.Name] = kind
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			n := batchNotification(pending)
			pending = make(map[string]Kind)
			select {
			case w.out <- n:
			case <-w.done:
				return
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warnf("file watcher: %s", err)
		}
	}
}

func batchNotification(pending map[string]Kind) ChangeNotification {
	n := ChangeNotification{}
	seen := make(map[Kind]bool)
	for path, kind := range pending {
		n.Paths = append(n.Paths, path)
		if !seen[kind] {
			seen[kind] = true
			n.Kinds = append(n.Kinds, kind)
		}
	}
	return n
}

// Close stops the watcher. The notification channel is closed only after
// the event loop has exited, so no flush can race the close.
func (w *Watcher) Close() error {
	var err error
	w.closeOne.Do(func() {
		close(w.done)
		err = w.fw.Close()
		w.wg.Wait()
		close(w.out)
	})
	return err
}
