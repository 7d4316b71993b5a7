// Package blob defines the interface to the cloud store that durably holds
// the project's bundles and its shared state record.
package blob

import (
	"context"
)

// Kind identifies one of the two independently versioned bundles of a
// project.
type Kind string

const (
	// Dynamic holds the frequently-changing project files.
	Dynamic Kind = "dynamic"

	// Static holds the rarely-changing files matched by the static rules,
	// typically binaries and large assets.
	Static Kind = "static"
)

// Kinds lists every bundle kind.
var Kinds = []Kind{Dynamic, Static}

// State is the project's shared state record. It's read and written as a
// whole object, and is the single source of truth for which bundle versions
// are newest and who is currently hosting. An empty URL means no live
// session exists.
type State struct {
	DynamicVersion uint64 `json:"dynamicVersion"`
	StaticVersion  uint64 `json:"staticVersion"`
	URL            string `json:"url"`
}

// Version returns the recorded version for the given bundle kind.
func (s State) Version(kind Kind) uint64 {
	if kind == Static {
		return s.StaticVersion
	}
	return s.DynamicVersion
}

// SetVersion records a new version for the given bundle kind.
func (s *State) SetVersion(kind Kind, version uint64) {
	if kind == Static {
		s.StaticVersion = version
	} else {
		s.DynamicVersion = version
	}
}

// Bundle is a stored bundle blob along with its store-assigned metadata.
type Bundle struct {
	Data []byte

	// Version increments on every upload of this kind.
	Version uint64

	// ID is a stable identity assigned when the bundle object is first
	// created. If it changes, the project was recreated and any local cache
	// of the old bundle is stale.
	ID string
}

// Store holds the three remote objects of a project: the dynamic bundle,
// the static bundle, and the state record.
type Store interface {
	// GetState reads the whole state record. A project that's never been
	// shared returns the zero State.
	GetState(ctx context.Context) (State, error)

	// PutState overwrites the whole state record.
	PutState(ctx context.Context, state State) error

	// GetBundle downloads the current bundle of the given kind.
	GetBundle(ctx context.Context, kind Kind) (Bundle, error)

	// PutBundle uploads a new bundle of the given kind and returns the
	// stored result, with Version already incremented.
	PutBundle(ctx context.Context, kind Kind, data []byte) (Bundle, error)

	// Share grants access to the project. The principal is an email
	// address, or "*" for a public link.
	Share(ctx context.Context, principal string) error
}
