package tuning

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads a Live's mutable knobs whenever the backing tuning
// file changes, in the style of the teacher project's vfs.FSNotifyWatcher.
type Watcher struct {
	w    *fsnotify.Watcher
	live *Live
	path string
	done chan struct{}
}

// WatchFile starts watching path for writes and reloads live on every one.
// The initial contents of path are loaded synchronously before returning.
func WatchFile(path string, live *Live) (*Watcher, error) {
	if err := LoadFile(path, live); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	watcher := &Watcher{w: w, live: live, path: path, done: make(chan struct{})}
	go watcher.loop()

	return watcher, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if err := LoadFile(w.path, w.live); err != nil {
				log.Printf("tuning: reload %s failed: %v", w.path, err)
			}
		case err, ok := <-w.w.Errors:
			if !ok {
				return
			}

			log.Printf("tuning: watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.w.Close()
}
