// Package fswatch watches a directory tree and reports which paths changed.
package fswatch

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// Event reports that the file at Path was created, written, renamed, or
// removed. Path is absolute.
type Event struct {
	Path string
}

// Watcher watches a directory tree recursively.
type Watcher struct {
	root   string
	notify *fsnotify.Watcher
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

// Watch starts watching the tree rooted at `root`. Because fsnotify doesn't
// watch directories recursively, every subdirectory is registered up front,
// and directories created later are registered as their create events
// arrive.
func Watch(root string) (*Watcher, error) {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	dirs, err := subdirectories(root)
	if err != nil {
		notify.Close()
		return nil, errors.WithContext(err, "walk tree")
	}

	for _, dir := range dirs {
		if err := notify.Add(dir); err != nil {
			// Close the watcher so that we release the file handles for the
			// previously added paths.
			if closeErr := notify.Close(); closeErr != nil {
				log.WithError(closeErr).Warn("Failed to close file watcher")
			}
			return nil, errors.WithContext(err, "watch "+dir)
		}
	}

	w := &Watcher{
		root:   root,
		notify: notify,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Events returns the channel of change events. It's closed when the watcher
// is closed.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close disposes the watcher subscriptions.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.notify.Close()
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.events)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}

			// New directories need their own watches for their children's
			// events to be seen.
			if event.Has(fsnotify.Create) {
				if fi, err := fs.Stat(event.Name); err == nil && fi.IsDir() {
					w.addTree(event.Name)
				}
			}

			select {
			case w.events <- Event{Path: event.Name}:
			case <-w.done:
				return
			}
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("File watcher error")
		}
	}
}

func (w *Watcher) addTree(dir string) {
	dirs, err := subdirectories(dir)
	if err != nil {
		log.WithError(err).WithField("dir", dir).Warn("Failed to walk new directory")
		return
	}
	for _, sub := range dirs {
		if err := w.notify.Add(sub); err != nil {
			log.WithError(err).WithField("dir", sub).Warn("Failed to watch new directory")
		}
	}
}

// subdirectories returns dir and every directory below it.
func subdirectories(dir string) (dirs []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path != dir {
				// The tree is being mutated while we walk it.
				return nil
			}
			return errors.WithContext(err, "walk error")
		}
		if fi.IsDir() {
			dirs = append(dirs, filepath.Clean(path))
		}
		return nil
	})
	return dirs, err
}
