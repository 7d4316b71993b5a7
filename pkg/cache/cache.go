// Package cache manages the per-project local folder: the mirrored project
// tree, the cached bundle blobs, and the small state file recording which
// bundle versions were last materialized on this machine.
package cache

import (
	"encoding/json"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/tandem-dev/tandem/pkg/blob"
	"github.com/tandem-dev/tandem/pkg/errors"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

const stateFileName = "state.json"

// State records the bundle versions last materialized on this machine, and
// the identity of the bundles they came from. If the identity no longer
// matches the remote bundles, the whole cache is stale.
type State struct {
	Version   uint64 `json:"version"`
	DynamicID string `json:"dynamicId"`
	StaticID  string `json:"staticId"`
}

// ID returns the recorded identity for the given bundle kind.
func (s State) ID(kind blob.Kind) string {
	if kind == blob.Static {
		return s.StaticID
	}
	return s.DynamicID
}

// Cache is the local folder for one project.
type Cache struct {
	dir string
}

// Open returns the cache folder for the given project, creating it if
// necessary. Caches live under ~/.tandem/projects.
func Open(projectID string) (*Cache, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, errors.WithContext(err, "find home directory")
	}
	return OpenAt(filepath.Join(home, ".tandem", "projects", projectID))
}

// OpenAt returns the cache rooted at an explicit directory.
func OpenAt(dir string) (*Cache, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WithContext(err, "create cache directory")
	}
	return &Cache{dir: dir}, nil
}

// Load reads the cache state. A cache that's never been written returns the
// zero State.
func (c *Cache) Load() (State, error) {
	raw, err := afero.ReadFile(fs, filepath.Join(c.dir, stateFileName))
	if err != nil {
		if exists, existsErr := afero.Exists(fs, filepath.Join(c.dir, stateFileName)); existsErr == nil && !exists {
			return State{}, nil
		}
		return State{}, errors.WithContext(err, "read cache state")
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return State{}, errors.WithContext(err, "parse cache state")
	}
	return state, nil
}

// Save overwrites the cache state.
func (c *Cache) Save(state State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.WithContext(err, "marshal cache state")
	}
	if err := afero.WriteFile(fs, filepath.Join(c.dir, stateFileName), raw, 0644); err != nil {
		return errors.WithContext(err, "write cache state")
	}
	return nil
}

// ReadBundle returns the cached bundle blob of the given kind, or nil if
// none is cached.
func (c *Cache) ReadBundle(kind blob.Kind) []byte {
	data, err := afero.ReadFile(fs, c.bundlePath(kind))
	if err != nil {
		return nil
	}
	return data
}

// WriteBundle caches a bundle blob.
func (c *Cache) WriteBundle(kind blob.Kind, data []byte) error {
	if err := afero.WriteFile(fs, c.bundlePath(kind), data, 0644); err != nil {
		return errors.WithContext(err, "write cached bundle")
	}
	return nil
}

// Invalidate wipes the cache state and the cached bundles. It's called
// whenever the remote bundle identity no longer matches the recorded one.
func (c *Cache) Invalidate() error {
	log.WithField("dir", c.dir).Info("Invalidating local project cache")

	if err := fs.Remove(filepath.Join(c.dir, stateFileName)); err != nil {
		log.WithError(err).Debug("No cache state to remove")
	}
	for _, kind := range blob.Kinds {
		if err := fs.Remove(c.bundlePath(kind)); err != nil {
			log.WithError(err).Debug("No cached bundle to remove")
		}
	}
	return nil
}

// Fresh reports whether the cached bundles are still usable against the
// given remote bundle identities.
func (c *Cache) Fresh(dynamicID, staticID string) (bool, error) {
	state, err := c.Load()
	if err != nil {
		return false, err
	}
	if state.ID(blob.Dynamic) == "" {
		return false, nil
	}
	return state.ID(blob.Dynamic) == dynamicID &&
		state.ID(blob.Static) == staticID, nil
}

func (c *Cache) bundlePath(kind blob.Kind) string {
	return filepath.Join(c.dir, string(kind)+".bundle")
}
