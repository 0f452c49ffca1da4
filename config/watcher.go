package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// debounceDelay batches the event bursts editors and atomic renames produce
// into a single reload.
const debounceDelay = 150 * time.Millisecond

// KeyWatcher monitors a server's fernet key file and emits the combined key
// set whenever the file changes. The parent directory is watched rather than
// the file itself, so replace-by-rename still triggers a reload.
type KeyWatcher struct {
	log     *logrus.Entry
	cfg     *ServerConfig
	watcher *fsnotify.Watcher
	updates chan []*fernet.Key

	closeOnce sync.Once
	closing   chan struct{}
}

// WatchFernetKeys starts watching the FernetKeysFile named by the config.
func (c *ServerConfig) WatchFernetKeys() (*KeyWatcher, error) {
	if c.FernetKeysFile == "" {
		return nil, fmt.Errorf("no FernetKeysFile configured")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(c.FernetKeysFile)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &KeyWatcher{
		log:     logrus.WithField("keys", c.FernetKeysFile),
		cfg:     c,
		watcher: fw,
		updates: make(chan []*fernet.Key, 1),
		closing: make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *KeyWatcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.interested(event) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceDelay)
		case <-debounce.C:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warning("Key file watch error")
		case <-w.closing:
			return
		}
	}
}

func (w *KeyWatcher) interested(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.cfg.FernetKeysFile) {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *KeyWatcher) reload() {
	keys, err := w.cfg.FernetKeySet()
	if err != nil {
		w.log.WithError(err).Warning("Reload fernet keys failed, keeping previous set")
		return
	}
	w.log.Infof("Reloaded %d fernet keys", len(keys))
	select {
	case w.updates <- keys:
	default:
	}
}

// Updates returns the channel carrying freshly loaded key sets.
func (w *KeyWatcher) Updates() <-chan []*fernet.Key {
	return w.updates
}

// Close stops watching the key file.
func (w *KeyWatcher) Close() error {
	w.closeOnce.Do(func() { close(w.closing) })
	return w.watcher.Close()
}
