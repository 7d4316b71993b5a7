package sync

import (
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/config"
	"github.com/tandem-dev/tandem/pkg/filetype"
)

// writeCountingFs counts file opens that can write, so tests can assert
// that a propagation pass didn't touch the filesystem.
type writeCountingFs struct {
	afero.Fs
	writes int
}

func (f *writeCountingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		f.writes++
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func newTestEngine(t *testing.T, files config.Files) (*Engine, *writeCountingFs) {
	t.Helper()
	fs := &writeCountingFs{Fs: afero.NewMemMapFs()}
	require.NoError(t, fs.MkdirAll("/project", 0755))
	require.NoError(t, fs.MkdirAll("/collab", 0755))
	return New(fs, "/project", "/collab", func() config.Files { return files }), fs
}

// deliver simulates a watcher event and waits for the propagation to
// settle.
func deliver(e *Engine, direction Direction, logical string) {
	e.handleEvent(direction, logical)
	e.wg.Wait()
}

func TestPropagateFileToCollab(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	require.NoError(t, afero.WriteFile(fs, "/project/a.txt", []byte("hello\n"), 0644))
	deliver(e, ToCollaboration, "/a.txt")

	data, err := afero.ReadFile(fs, "/collab/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), data)
}

func TestPropagateDirectoryAndDelete(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	require.NoError(t, fs.MkdirAll("/project/src", 0755))
	deliver(e, ToCollaboration, "/src")

	isDir, err := afero.IsDir(fs, "/collab/src")
	require.NoError(t, err)
	assert.True(t, isDir)

	require.NoError(t, fs.RemoveAll("/project/src"))
	deliver(e, ToCollaboration, "/src")

	exists, err := afero.Exists(fs, "/collab/src")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPropagateCollabToProject(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	require.NoError(t, afero.WriteFile(fs, "/collab/notes.md", []byte("from peer\n"), 0644))
	deliver(e, ToProject, "/notes.md")

	data, err := afero.ReadFile(fs, "/project/notes.md")
	require.NoError(t, err)
	assert.Equal(t, []byte("from peer\n"), data)
}

func TestPropagationIsIdempotent(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	require.NoError(t, afero.WriteFile(fs, "/project/a.txt", []byte("hello\n"), 0644))
	deliver(e, ToCollaboration, "/a.txt")

	before := fs.writes
	deliver(e, ToCollaboration, "/a.txt")
	assert.Equal(t, before, fs.writes,
		"a second propagation with no intervening change must not write")
}

func TestLoopSuppression(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	require.NoError(t, afero.WriteFile(fs, "/project/a.txt", []byte("hello\n"), 0644))

	// While a propagation into the collaboration tree is in flight, the
	// echoed collaboration-tree event must be dropped outright.
	e.mu.Lock()
	state := &pathState{}
	state.propagating[ToCollaboration] = true
	e.paths["/a.txt"] = state
	e.mu.Unlock()

	e.handleEvent(ToProject, "/a.txt")
	e.wg.Wait()

	e.mu.Lock()
	assert.False(t, state.propagating[ToProject])
	assert.False(t, state.pending[ToProject])
	e.mu.Unlock()

	// Echoes that arrive after the propagation settles short-circuit on the
	// snapshot instead.
	e.mu.Lock()
	state.propagating[ToCollaboration] = false
	e.mu.Unlock()
	deliver(e, ToCollaboration, "/a.txt")

	before := fs.writes
	deliver(e, ToProject, "/a.txt")
	assert.Equal(t, before, fs.writes,
		"the echo of our own collaboration write must not write back")
}

func TestEventCoalescing(t *testing.T) {
	e, _ := newTestEngine(t, config.Files{})

	e.mu.Lock()
	state := &pathState{}
	state.propagating[ToCollaboration] = true
	e.paths["/a.txt"] = state
	e.mu.Unlock()

	// An event behind an in-flight propagation in the same direction sets
	// the pending flag rather than spawning another task.
	e.handleEvent(ToCollaboration, "/a.txt")

	e.mu.Lock()
	assert.True(t, state.pending[ToCollaboration])
	e.mu.Unlock()
}

func TestBinaryContentUsesSideChannel(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	raw := []byte{0x89, 0x50, 0x4E, 0x47, 0x00, 0x01}
	require.NoError(t, afero.WriteFile(fs, "/project/logo.png", raw, 0644))
	deliver(e, ToCollaboration, "/logo.png")

	exists, err := afero.Exists(fs, "/collab/logo.png")
	require.NoError(t, err)
	assert.False(t, exists, "binary content must not appear under the plain name")

	encoded, err := afero.ReadFile(fs, "/collab/logo.png"+filetype.BinarySuffix)
	require.NoError(t, err)
	decoded, err := filetype.Decode(string(encoded))
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestBinaryBoundaryCrossing(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	require.NoError(t, afero.WriteFile(fs, "/project/data", []byte("text\n"), 0644))
	deliver(e, ToCollaboration, "/data")

	exists, err := afero.Exists(fs, "/collab/data")
	require.NoError(t, err)
	assert.True(t, exists)

	// The file turns binary: the plain name must disappear and the
	// suffixed name must appear.
	require.NoError(t, afero.WriteFile(fs, "/project/data", []byte{0x00, 0x01}, 0644))
	deliver(e, ToCollaboration, "/data")

	exists, err = afero.Exists(fs, "/collab/data")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = afero.Exists(fs, "/collab/data"+filetype.BinarySuffix)
	require.NoError(t, err)
	assert.True(t, exists)

	// And back to text.
	require.NoError(t, afero.WriteFile(fs, "/project/data", []byte("text again\n"), 0644))
	deliver(e, ToCollaboration, "/data")

	exists, err = afero.Exists(fs, "/collab/data"+filetype.BinarySuffix)
	require.NoError(t, err)
	assert.False(t, exists)

	data, err := afero.ReadFile(fs, "/collab/data")
	require.NoError(t, err)
	assert.Equal(t, []byte("text again\n"), data)
}

func TestSideChannelDecodesIntoProject(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	raw := []byte{0x00, 0xFF, 0x10}
	encoded := []byte(filetype.Encode(raw))
	require.NoError(t, afero.WriteFile(fs, "/collab/asset.bin"+filetype.BinarySuffix, encoded, 0644))
	deliver(e, ToProject, "/asset.bin")

	data, err := afero.ReadFile(fs, "/project/asset.bin")
	require.NoError(t, err)
	assert.Equal(t, raw, data)
}

func TestDirectBinaryCreateIsRejected(t *testing.T) {
	e, fs := newTestEngine(t, config.Files{})

	require.NoError(t, afero.WriteFile(fs, "/collab/sneaky.bin", []byte{0x00, 0x01}, 0644))
	deliver(e, ToProject, "/sneaky.bin")

	// The offending file is removed and nothing reaches the project tree.
	exists, err := afero.Exists(fs, "/collab/sneaky.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = afero.Exists(fs, "/project/sneaky.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	// Synchronization continues for other paths.
	require.NoError(t, afero.WriteFile(fs, "/collab/ok.txt", []byte("fine\n"), 0644))
	deliver(e, ToProject, "/ok.txt")

	data, err := afero.ReadFile(fs, "/project/ok.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("fine\n"), data)
}

func TestNormalize(t *testing.T) {
	e, _ := newTestEngine(t, config.Files{})

	logical, ok := e.normalize("/project/src/main.go", ToCollaboration)
	assert.True(t, ok)
	assert.Equal(t, "/src/main.go", logical)

	logical, ok = e.normalize("/collab/logo.png"+filetype.BinarySuffix, ToProject)
	assert.True(t, ok)
	assert.Equal(t, "/logo.png", logical)

	_, ok = e.normalize("/project", ToCollaboration)
	assert.False(t, ok, "events on the root itself aren't tracked")
}
