package sync

import (
	"bytes"
	"os"
	"path"
	"path/filepath"
	goSync "sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tandem-dev/tandem/pkg/blob"
	"github.com/tandem-dev/tandem/pkg/config"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/filetype"
	"github.com/tandem-dev/tandem/pkg/fswatch"
)

// Mocked out for unit testing.
var watchTree = func(root string) (treeWatcher, error) {
	return fswatch.Watch(root)
}

// treeWatcher is the part of fswatch.Watcher the engine consumes.
type treeWatcher interface {
	Events() <-chan fswatch.Event
	Close() error
}

// ErrDirectBinaryCreate is reported when a peer creates a file with binary
// content directly in the collaboration tree. Binary files must travel
// through the bundle upload path, so the offending file is removed and the
// user is pointed at the right mechanism.
var ErrDirectBinaryCreate = errors.NewFriendlyError(
	"Binary files can't be created directly in a collaboration session.\n" +
		"Add the file to the project tree on the host instead.")

// Direction identifies which tree a propagation writes into.
type Direction int

const (
	// ToCollaboration propagates a project-tree change into the
	// collaboration tree.
	ToCollaboration Direction = iota

	// ToProject propagates a collaboration-tree change into the project
	// tree.
	ToProject
)

func (d Direction) String() string {
	if d == ToCollaboration {
		return "project->collaboration"
	}
	return "collaboration->project"
}

// opposite returns the direction writing into the tree this direction reads
// from.
func (d Direction) opposite() Direction {
	if d == ToCollaboration {
		return ToProject
	}
	return ToCollaboration
}

// contents is a point-in-time snapshot of one path in a tree. Collaboration
// side observations are normalized before they get here: the binary suffix
// is stripped from the name and base64 content is decoded, so snapshots from
// both trees compare directly.
type contents struct {
	exists bool
	dir    bool
	data   []byte
}

func (c contents) equal(other contents) bool {
	return c.exists == other.exists && c.dir == other.dir &&
		bytes.Equal(c.data, other.data)
}

// pathState is the per-path propagation state machine. A path is idle, or
// propagating in one direction with an optional pending re-run.
type pathState struct {
	// snapshot is the last content observed for this path. snapshotKnown
	// distinguishes "never observed" from "observed as deleted".
	snapshot      contents
	snapshotKnown bool

	propagating [2]bool
	pending     [2]bool
}

// Engine owns the live mapping between the project tree and the
// collaboration tree.
type Engine struct {
	fs          afero.Fs
	projectRoot string
	collabRoot  string
	rules       func() config.Files

	mu      goSync.Mutex
	paths   map[string]*pathState
	stopped bool

	// uploaded is the set of paths included in the last successful upload,
	// per bundle kind. modified flags paths written since then.
	uploaded map[blob.Kind]map[string]bool
	modified map[string]bool

	projectWatcher treeWatcher
	collabWatcher  treeWatcher
	wg             goSync.WaitGroup
}

// New creates an engine mirroring projectRoot and collabRoot. The rules
// getter is consulted on every upload pass so that config edits take effect
// without a restart.
func New(filesystem afero.Fs, projectRoot, collabRoot string, rules func() config.Files) *Engine {
	return &Engine{
		fs:          filesystem,
		projectRoot: filepath.Clean(projectRoot),
		collabRoot:  filepath.Clean(collabRoot),
		rules:       rules,
		paths:       map[string]*pathState{},
		uploaded:    map[blob.Kind]map[string]bool{},
		modified:    map[string]bool{},
	}
}

// Start attaches the watchers on both trees.
func (e *Engine) Start() error {
	projectWatcher, err := watchTree(e.projectRoot)
	if err != nil {
		return errors.WithContext(err, "watch project tree")
	}
	collabWatcher, err := watchTree(e.collabRoot)
	if err != nil {
		projectWatcher.Close()
		return errors.WithContext(err, "watch collaboration tree")
	}

	e.mu.Lock()
	e.stopped = false
	e.projectWatcher = projectWatcher
	e.collabWatcher = collabWatcher
	e.mu.Unlock()

	e.wg.Add(2)
	go e.pump(projectWatcher, ToCollaboration)
	go e.pump(collabWatcher, ToProject)
	return nil
}

// Stop disposes the watcher subscriptions and waits for in-flight
// propagation passes to finish. No new reconciliation starts after Stop
// returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	projectWatcher := e.projectWatcher
	collabWatcher := e.collabWatcher
	e.projectWatcher = nil
	e.collabWatcher = nil
	e.mu.Unlock()

	if projectWatcher != nil {
		projectWatcher.Close()
	}
	if collabWatcher != nil {
		collabWatcher.Close()
	}
	e.wg.Wait()
}

// pump forwards watcher events into the state machine until the watcher
// closes.
func (e *Engine) pump(watcher treeWatcher, direction Direction) {
	defer e.wg.Done()
	for event := range watcher.Events() {
		logical, ok := e.normalize(event.Path, direction)
		if !ok {
			continue
		}
		e.handleEvent(direction, logical)
	}
}

// normalize converts an absolute watcher path into the logical slash-rooted
// path shared by both trees. Collaboration-side names lose the binary
// suffix.
func (e *Engine) normalize(absPath string, direction Direction) (string, bool) {
	root := e.projectRoot
	if direction == ToProject {
		root = e.collabRoot
	}

	rel, err := filepath.Rel(root, absPath)
	if err != nil || rel == "." || rel == ".." ||
		(len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)) {
		return "", false
	}

	logical := "/" + filepath.ToSlash(rel)
	if direction == ToProject {
		logical = filetype.TrimBinarySuffix(logical)
	}
	return logical, true
}

// handleEvent runs steps 1-3 of the reconciliation algorithm: drop events
// that are byproducts of an inbound propagation, coalesce events behind an
// outbound one, and otherwise claim the path and propagate.
func (e *Engine) handleEvent(direction Direction, logical string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}

	// Any event on the project tree counts as an observed write for the
	// upload diff, whether it came from the user or from a propagation.
	if direction == ToCollaboration {
		e.modified[logical] = true
	}

	state, ok := e.paths[logical]
	if !ok {
		state = &pathState{}
		e.paths[logical] = state
	}

	if state.propagating[direction.opposite()] {
		// This event is the echo of a write we made ourselves.
		e.mu.Unlock()
		return
	}
	if state.propagating[direction] {
		state.pending[direction] = true
		e.mu.Unlock()
		return
	}

	state.propagating[direction] = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.propagate(direction, logical, state)
}

// propagate runs the reconciliation loop for one path until no more events
// are pending for it.
func (e *Engine) propagate(direction Direction, logical string, state *pathState) {
	defer e.wg.Done()
	for {
		e.propagateOnce(direction, logical, state)

		e.mu.Lock()
		if state.pending[direction] && !e.stopped {
			state.pending[direction] = false
			e.mu.Unlock()
			continue
		}
		state.pending[direction] = false
		state.propagating[direction] = false
		e.mu.Unlock()
		return
	}
}

func (e *Engine) propagateOnce(direction Direction, logical string, state *pathState) {
	current, err := e.read(direction, logical)
	if err != nil {
		if errors.RootCause(err) == ErrDirectBinaryCreate {
			log.WithField("path", logical).Error(errors.GetPrintableMessage(err))
		} else {
			log.WithError(err).WithField("path", logical).Error("Failed to read changed file")
		}
		return
	}

	e.mu.Lock()
	unchanged := state.snapshotKnown && current.equal(state.snapshot)
	e.mu.Unlock()
	if unchanged {
		return
	}

	if err := e.apply(direction, logical, current); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"path":      logical,
			"direction": direction,
		}).Error("Failed to propagate file change")
		return
	}

	e.mu.Lock()
	state.snapshot = current
	state.snapshotKnown = true
	e.mu.Unlock()
}

// read observes the current content of the logical path in the tree the
// direction reads from.
func (e *Engine) read(direction Direction, logical string) (contents, error) {
	if direction == ToCollaboration {
		return e.readTree(e.projectRoot, logical)
	}
	return e.readCollab(logical)
}

func (e *Engine) readTree(root, logical string) (contents, error) {
	target := filepath.Join(root, filepath.FromSlash(logical))
	fi, err := e.fs.Stat(target)
	if os.IsNotExist(err) {
		return contents{}, nil
	}
	if err != nil {
		return contents{}, errors.WithContext(err, "stat")
	}
	if fi.IsDir() {
		return contents{exists: true, dir: true}, nil
	}

	data, err := afero.ReadFile(e.fs, target)
	if err != nil {
		return contents{}, errors.WithContext(err, "read")
	}
	return contents{exists: true, data: data}, nil
}

// readCollab observes the logical path on the collaboration side, where the
// content may live under the suffixed base64 name.
func (e *Engine) readCollab(logical string) (contents, error) {
	plain := filepath.Join(e.collabRoot, filepath.FromSlash(logical))
	observed, err := e.readTree(e.collabRoot, logical)
	if err != nil {
		return contents{}, err
	}

	if observed.exists && !observed.dir {
		if filetype.IsBinary(observed.data) {
			// Binary content showed up under the plain name: it was created
			// directly rather than through the bundle upload path. Remove it
			// and direct the user to the supported mechanism.
			if removeErr := e.fs.Remove(plain); removeErr != nil {
				log.WithError(removeErr).WithField("path", logical).
					Warn("Failed to remove rejected binary file")
			}
			return contents{}, ErrDirectBinaryCreate
		}
		return observed, nil
	}
	if observed.exists && observed.dir {
		return observed, nil
	}

	// No plain entry; the content may be carried by the base64 side-channel
	// name.
	encoded, err := e.readTree(e.collabRoot, logical+filetype.BinarySuffix)
	if err != nil || !encoded.exists || encoded.dir {
		return observed, err
	}

	data, err := filetype.Decode(string(encoded.data))
	if err != nil {
		return contents{}, errors.WithContext(err, "decode base64 side-channel")
	}
	return contents{exists: true, data: data}, nil
}

// apply writes the observed content into the opposite tree.
func (e *Engine) apply(direction Direction, logical string, c contents) error {
	if direction == ToProject {
		return e.applyToProject(logical, c)
	}
	return e.applyToCollab(logical, c)
}

func (e *Engine) applyToProject(logical string, c contents) error {
	target := filepath.Join(e.projectRoot, filepath.FromSlash(logical))

	// The write below is observed by the project watcher; count it for the
	// upload diff here since the echoed event is dropped by loop
	// suppression only sometimes (the propagation may already be idle when
	// it arrives).
	e.mu.Lock()
	e.modified[logical] = true
	e.mu.Unlock()

	switch {
	case !c.exists:
		if err := e.fs.RemoveAll(target); err != nil {
			return errors.WithContext(err, "remove")
		}
	case c.dir:
		if err := e.fs.MkdirAll(target, 0755); err != nil {
			return errors.WithContext(err, "create directory")
		}
	default:
		if err := e.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.WithContext(err, "create parent directory")
		}
		if err := afero.WriteFile(e.fs, target, c.data, 0644); err != nil {
			return errors.WithContext(err, "write")
		}
	}
	return nil
}

func (e *Engine) applyToCollab(logical string, c contents) error {
	plain := filepath.Join(e.collabRoot, filepath.FromSlash(logical))
	suffixed := plain + filetype.BinarySuffix

	switch {
	case !c.exists:
		if err := e.fs.RemoveAll(plain); err != nil {
			return errors.WithContext(err, "remove")
		}
		if err := e.fs.RemoveAll(suffixed); err != nil {
			return errors.WithContext(err, "remove side-channel file")
		}
	case c.dir:
		if err := e.fs.MkdirAll(plain, 0755); err != nil {
			return errors.WithContext(err, "create directory")
		}
	case filetype.IsBinary(c.data):
		// Content crossed the text/binary boundary: the plain name must
		// disappear and the suffixed name carries base64 from here on.
		if err := e.fs.RemoveAll(plain); err != nil {
			return errors.WithContext(err, "remove plain file")
		}
		if err := e.fs.MkdirAll(filepath.Dir(plain), 0755); err != nil {
			return errors.WithContext(err, "create parent directory")
		}
		encoded := []byte(filetype.Encode(c.data))
		if err := afero.WriteFile(e.fs, suffixed, encoded, 0644); err != nil {
			return errors.WithContext(err, "write side-channel file")
		}
	default:
		if err := e.fs.RemoveAll(suffixed); err != nil {
			return errors.WithContext(err, "remove side-channel file")
		}
		if err := e.fs.MkdirAll(filepath.Dir(plain), 0755); err != nil {
			return errors.WithContext(err, "create parent directory")
		}
		if err := afero.WriteFile(e.fs, plain, c.data, 0644); err != nil {
			return errors.WithContext(err, "write")
		}
	}
	return nil
}

// setSnapshot primes the recorded snapshot for a path, so that the watcher
// burst caused by tree priming no-ops on the equality check.
func (e *Engine) setSnapshot(logical string, c contents) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.paths[logical]
	if !ok {
		state = &pathState{}
		e.paths[logical] = state
	}
	state.snapshot = c
	state.snapshotKnown = true
}

// logicalPath converts a path relative to a tree root into the shared
// logical form.
func logicalPath(rel string) string {
	return "/" + path.Clean(filepath.ToSlash(rel))
}
