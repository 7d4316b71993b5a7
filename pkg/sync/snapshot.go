package sync

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/tandem-dev/tandem/pkg/blob"
	"github.com/tandem-dev/tandem/pkg/bundle"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/filetype"
	"github.com/tandem-dev/tandem/pkg/pattern"
)

// TreeSnapshot is one pass over the project tree, classified into bundle
// kinds. Entries are ordered by path within each kind.
type TreeSnapshot map[blob.Kind][]bundle.File

// Paths returns the set of paths in one kind.
func (s TreeSnapshot) paths(kind blob.Kind) map[string]bool {
	set := map[string]bool{}
	for _, f := range s[kind] {
		set[f.Path] = true
	}
	return set
}

// SnapshotTree walks the project tree and classifies every path with the
// current ignore and static rules. Ignored paths appear in neither kind.
func (e *Engine) SnapshotTree() (TreeSnapshot, error) {
	rules := e.rules()
	snapshot := TreeSnapshot{}

	err := afero.Walk(e.fs, e.projectRoot, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk project tree")
		}
		if path == e.projectRoot {
			return nil
		}

		rel, err := filepath.Rel(e.projectRoot, path)
		if err != nil {
			return errors.WithContext(err, "normalize path")
		}
		logical := logicalPath(rel)

		// Directories match with a trailing slash so that rules like
		// `out/**` cover the directory itself, not just its contents.
		matchPath := logical
		if fi.IsDir() {
			matchPath += "/"
		}

		if pattern.Match(matchPath, rules.Ignore) {
			return nil
		}

		kind := blob.Dynamic
		if pattern.Match(matchPath, rules.Static) {
			kind = blob.Static
		}

		if fi.IsDir() {
			snapshot[kind] = append(snapshot[kind], bundle.File{Path: logical, Dir: true})
			return nil
		}

		data, err := afero.ReadFile(e.fs, path)
		if err != nil {
			return errors.WithContext(err, "read file")
		}
		snapshot[kind] = append(snapshot[kind], bundle.File{Path: logical, Contents: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// ChangedKinds reports which bundle kinds need a re-upload: kinds where a
// path was added, removed, or written since the last successful upload.
func (e *Engine) ChangedKinds(snapshot TreeSnapshot) map[blob.Kind]bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	changed := map[blob.Kind]bool{}
	for _, kind := range blob.Kinds {
		current := snapshot.paths(kind)
		previous := e.uploaded[kind]

		for path := range current {
			if !previous[path] || e.modified[path] {
				changed[kind] = true
				break
			}
		}
		if !changed[kind] {
			for path := range previous {
				if !current[path] {
					changed[kind] = true
					break
				}
			}
		}
	}
	return changed
}

// MarkUploaded records a successful upload of the snapshot: the tracked
// path sets are replaced and all modified bits are cleared.
func (e *Engine) MarkUploaded(snapshot TreeSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.uploaded = map[blob.Kind]map[string]bool{}
	for _, kind := range blob.Kinds {
		e.uploaded[kind] = snapshot.paths(kind)
	}
	e.modified = map[string]bool{}
}

// Materialize writes bundle entries into the project tree. It's used to
// prime a host's project tree from the downloaded bundles, before the
// watchers start.
func (e *Engine) Materialize(files []bundle.File) error {
	for _, f := range files {
		target := filepath.Join(e.projectRoot, filepath.FromSlash(f.Path))
		if f.Dir {
			if err := e.fs.MkdirAll(target, 0755); err != nil {
				return errors.WithContext(err, "create directory")
			}
			continue
		}

		if err := e.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errors.WithContext(err, "create parent directory")
		}
		if err := afero.WriteFile(e.fs, target, f.Contents, 0644); err != nil {
			return errors.WithContext(err, "write file")
		}
	}
	return nil
}

// PrimeCollabTree copies the project tree into the collaboration tree,
// transcoding binary files onto the base64 side-channel. New hosts call it
// once after materializing, before the watchers start.
func (e *Engine) PrimeCollabTree() error {
	return afero.Walk(e.fs, e.projectRoot, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk project tree")
		}
		if path == e.projectRoot {
			return nil
		}

		rel, err := filepath.Rel(e.projectRoot, path)
		if err != nil {
			return errors.WithContext(err, "normalize path")
		}
		logical := logicalPath(rel)

		current, err := e.readTree(e.projectRoot, logical)
		if err != nil {
			return err
		}
		if err := e.applyToCollab(logical, current); err != nil {
			return err
		}
		e.setSnapshot(logical, current)
		return nil
	})
}

// SeedFromCollab populates the project tree from whatever is already
// visible in the collaboration tree. Guests call it once after joining,
// before the watchers start.
func (e *Engine) SeedFromCollab() error {
	return afero.Walk(e.fs, e.collabRoot, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk collaboration tree")
		}
		if path == e.collabRoot {
			return nil
		}

		rel, err := filepath.Rel(e.collabRoot, path)
		if err != nil {
			return errors.WithContext(err, "normalize path")
		}
		logical := filetype.TrimBinarySuffix(logicalPath(rel))

		current, err := e.readCollab(logical)
		if err != nil {
			if errors.RootCause(err) == ErrDirectBinaryCreate {
				// Leave rejected files out of the seeded tree.
				return nil
			}
			return err
		}
		if err := e.applyToProject(logical, current); err != nil {
			return err
		}
		e.setSnapshot(logical, current)
		return nil
	})
}

// ClearProjectTree removes everything under the project root. Guests clear
// the mirrored tree when they leave a session.
func (e *Engine) ClearProjectTree() error {
	entries, err := afero.ReadDir(e.fs, e.projectRoot)
	if err != nil {
		return errors.WithContext(err, "read project tree")
	}
	for _, entry := range entries {
		if err := e.fs.RemoveAll(filepath.Join(e.projectRoot, entry.Name())); err != nil {
			return errors.WithContext(err, "remove")
		}
	}
	return nil
}
