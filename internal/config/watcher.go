package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settleDelay lets editors finish their write-rename dance before the file is
// re-read.
const settleDelay = 100 * time.Millisecond

// Watcher re-reads a config file when it changes on disk and hands each
// successfully parsed revision to the callback. Parse failures keep the last
// good config and are reported on the Errors channel.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(Config)
	errors  chan error

	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewWatcher(path string, onLoad func(Config)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watcher needs a file path")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		onLoad:  onLoad,
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the file
// itself so atomic rename-over saves keep delivering events.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.running = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.errors)
	return err
}

// Errors reports watch and reload failures. Closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			time.Sleep(settleDelay)
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.report(fmt.Errorf("config reload: %w", err))
		return
	}
	w.onLoad(cfg)
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	case <-w.done:
	}
}
