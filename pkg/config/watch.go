package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/tandem-dev/tandem/pkg/errors"
)

// Watcher hot-reloads the project configuration whenever the config file is
// externally modified. Consumers read the latest rules with Files on every
// pass rather than holding a copy.
type Watcher struct {
	dir string

	mu      sync.Mutex
	current Project

	notify *fsnotify.Watcher
	done   chan struct{}
}

// WatchProject parses the project config in `dir` and keeps it fresh until
// Close is called.
func WatchProject(dir string) (*Watcher, error) {
	project, err := ParseProject(dir)
	if err != nil {
		return nil, err
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	// Watch the directory rather than the file so that editors that
	// replace the file on save don't drop the watch.
	if err := notify.Add(dir); err != nil {
		notify.Close()
		return nil, errors.WithContext(err, "watch config directory")
	}

	w := &Watcher{
		dir:     dir,
		current: project,
		notify:  notify,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Project returns the most recently parsed project config.
func (w *Watcher) Project() Project {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Files returns the most recently parsed rule lists.
func (w *Watcher) Files() Files {
	return w.Project().Files
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	close(w.done)
	return w.notify.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.notify.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ProjectConfigName {
				continue
			}
			w.reload()
		case err, ok := <-w.notify.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	project, err := ParseProject(w.dir)
	if err != nil {
		// Keep serving the last good config until the file parses again.
		log.WithError(err).Warn("Failed to reload project config")
		return
	}

	w.mu.Lock()
	w.current = project
	w.mu.Unlock()
	log.WithField("project", project.Name).Debug("Reloaded project config")
}
