package host

import (
	"context"
	goSync "sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandem-dev/tandem/pkg/blob"
	"github.com/tandem-dev/tandem/pkg/blob/blobtest"
	"github.com/tandem-dev/tandem/pkg/bundle"
	"github.com/tandem-dev/tandem/pkg/session/sessiontest"
	"github.com/tandem-dev/tandem/pkg/sync"
)

// fakeSyncer records the coordinator's calls without touching a filesystem.
type fakeSyncer struct {
	mu           goSync.Mutex
	started      int
	stopped      int
	primed       bool
	seeded       bool
	cleared      bool
	clearedFirst bool
	materialized []bundle.File

	snapshot sync.TreeSnapshot
	changed  map[blob.Kind]bool
	uploads  int
}

func newFakeSyncer() *fakeSyncer {
	return &fakeSyncer{
		snapshot: sync.TreeSnapshot{},
		changed:  map[blob.Kind]bool{},
	}
}

func (f *fakeSyncer) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeSyncer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeSyncer) SnapshotTree() (sync.TreeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeSyncer) ChangedKinds(_ sync.TreeSnapshot) map[blob.Kind]bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	changed := map[blob.Kind]bool{}
	for kind, ok := range f.changed {
		changed[kind] = ok
	}
	return changed
}

func (f *fakeSyncer) MarkUploaded(_ sync.TreeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = map[blob.Kind]bool{}
	f.uploads++
}

func (f *fakeSyncer) Materialize(files []bundle.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.materialized) == 0 {
		f.clearedFirst = f.cleared
	}
	f.materialized = append(f.materialized, files...)
	return nil
}

func (f *fakeSyncer) PrimeCollabTree() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.primed = true
	return nil
}

func (f *fakeSyncer) SeedFromCollab() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = true
	return nil
}

func (f *fakeSyncer) ClearProjectTree() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeSyncer) setChanged(kinds ...blob.Kind) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kind := range kinds {
		f.changed[kind] = true
	}
}

func (f *fakeSyncer) setSnapshot(snapshot sync.TreeSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = snapshot
}

func (f *fakeSyncer) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

var testOptions = Options{
	UploadInterval: time.Minute,
	ProbeTimeout:   time.Second,
	TakeoverBase:   time.Second,
	TakeoverPoll:   time.Second,
}

type fixture struct {
	store     *blobtest.Store
	transport *sessiontest.Transport
	syncer    *fakeSyncer
	clock     clockwork.FakeClock
	coord     *Coordinator
}

func newFixture() *fixture {
	f := &fixture{
		store:     blobtest.New(),
		transport: sessiontest.New(),
		syncer:    newFakeSyncer(),
		clock:     clockwork.NewFakeClock(),
	}
	f.coord = New(f.store, f.transport, f.syncer, nil, f.clock, testOptions)
	return f
}

func TestConnectBecomesHostWhenNoSession(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	assert.Equal(t, Host, f.coord.Phase())
	assert.True(t, f.transport.Live(f.coord.SessionURL()))
	assert.Equal(t, f.coord.SessionURL(), f.store.State().URL)
	assert.True(t, f.syncer.primed)
	assert.False(t, f.syncer.seeded)

	started, _ := f.syncer.counts()
	assert.Equal(t, 1, started)
}

func TestConnectBecomesGuestWhenSessionLive(t *testing.T) {
	f := newFixture()

	live, err := f.transport.Create(context.Background())
	require.NoError(t, err)
	f.store.SetState(blob.State{URL: live.URL()})

	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	assert.Equal(t, Guest, f.coord.Phase())
	assert.Equal(t, live.URL(), f.coord.SessionURL())
	assert.True(t, f.syncer.seeded)
	assert.False(t, f.syncer.primed)
}

// A recorded session whose liveness probe fails counts as no session, so
// the connector becomes host and overwrites the stale record.
func TestConnectBecomesHostWhenRecordedSessionDead(t *testing.T) {
	f := newFixture()
	f.store.SetState(blob.State{URL: "fake://session/gone"})
	f.transport.DeadURLs["fake://session/gone"] = true

	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	assert.Equal(t, Host, f.coord.Phase())
	assert.NotEqual(t, "fake://session/gone", f.store.State().URL)
	assert.Equal(t, f.coord.SessionURL(), f.store.State().URL)
}

func TestConnectMaterializesExistingBundles(t *testing.T) {
	f := newFixture()

	files := []bundle.File{{Path: "/a.txt", Contents: []byte("hello")}}
	data, err := bundle.Marshal(files)
	require.NoError(t, err)
	_, err = f.store.PutBundle(context.Background(), blob.Dynamic, data)
	require.NoError(t, err)

	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	assert.Equal(t, files, f.syncer.materialized)
}

// Remote bundles replace the local tree wholesale: the tree is cleared
// before materializing, so files deleted remotely don't survive locally.
func TestConnectClearsTreeBeforeMaterializing(t *testing.T) {
	f := newFixture()

	data, err := bundle.Marshal([]bundle.File{
		{Path: "/fresh.txt", Contents: []byte("fresh")},
	})
	require.NoError(t, err)
	_, err = f.store.PutBundle(context.Background(), blob.Dynamic, data)
	require.NoError(t, err)

	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	assert.True(t, f.syncer.cleared)
	assert.True(t, f.syncer.clearedFirst)
	assert.Len(t, f.syncer.materialized, 1)
}

// A project that's never been uploaded keeps its local tree: it's the
// source the first upload is built from.
func TestConnectKeepsTreeWhenNothingUploaded(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	assert.False(t, f.syncer.cleared)
	assert.Empty(t, f.syncer.materialized)
}

func TestUploadTickPushesChangedKinds(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	f.syncer.setSnapshot(sync.TreeSnapshot{
		blob.Dynamic: {{Path: "/a.txt", Contents: []byte("v2")}},
	})
	f.syncer.setChanged(blob.Dynamic)

	f.clock.BlockUntil(1)
	f.clock.Advance(testOptions.UploadInterval)

	require.Eventually(t, func() bool {
		return f.store.Uploads(blob.Dynamic) == 1
	}, time.Second, time.Millisecond)

	assert.Zero(t, f.store.Uploads(blob.Static))
	assert.Equal(t, uint64(1), f.store.State().DynamicVersion)
	assert.Equal(t, f.coord.SessionURL(), f.store.State().URL)
}

func TestUploadTickSkipsWhenNothingChanged(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	f.clock.BlockUntil(1)
	f.clock.Advance(testOptions.UploadInterval)
	f.clock.BlockUntil(1)

	assert.Zero(t, f.store.Uploads(blob.Dynamic))
	assert.Zero(t, f.store.Uploads(blob.Static))
}

// A failed upload is retried on the next tick rather than killing the loop.
func TestUploadErrorDoesNotStopLoop(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	f.syncer.setChanged(blob.Dynamic)
	f.store.FailNext()

	f.clock.BlockUntil(1)
	f.clock.Advance(testOptions.UploadInterval)

	// The injected failure consumed this tick. The next one succeeds.
	f.clock.BlockUntil(1)
	f.syncer.setChanged(blob.Dynamic)
	f.clock.Advance(testOptions.UploadInterval)

	require.Eventually(t, func() bool {
		return f.store.Uploads(blob.Dynamic) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, Host, f.coord.Phase())
}

// If the state record names a different session, another process became
// host. This one steps down and rejoins as a guest.
func TestHostStepsDownWhenRecordChanges(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	usurper, err := f.transport.Create(context.Background())
	require.NoError(t, err)
	f.store.SetState(blob.State{URL: usurper.URL()})

	f.clock.BlockUntil(1)
	f.clock.Advance(testOptions.UploadInterval)

	require.Eventually(t, func() bool {
		return f.coord.Phase() == Guest
	}, time.Second, time.Millisecond)
	assert.Equal(t, usurper.URL(), f.coord.SessionURL())

	// Stepping down must not clobber the new host's record.
	assert.Equal(t, usurper.URL(), f.store.State().URL)
}

func TestDisconnectHostUploadsAndClearsRecord(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.coord.Connect(context.Background()))

	f.syncer.setSnapshot(sync.TreeSnapshot{
		blob.Dynamic: {{Path: "/a.txt", Contents: []byte("final")}},
	})
	url := f.coord.SessionURL()

	require.NoError(t, f.coord.Disconnect(context.Background()))

	// The final upload is forced, so both kinds are pushed even though no
	// change was flagged.
	assert.Equal(t, 1, f.store.Uploads(blob.Dynamic))
	assert.Equal(t, 1, f.store.Uploads(blob.Static))
	assert.Empty(t, f.store.State().URL)
	assert.False(t, f.transport.Live(url))
	assert.Equal(t, Disconnected, f.coord.Phase())

	_, stopped := f.syncer.counts()
	assert.Equal(t, 1, stopped)
}

func TestDisconnectGuestClearsProjectTree(t *testing.T) {
	f := newFixture()

	live, err := f.transport.Create(context.Background())
	require.NoError(t, err)
	f.store.SetState(blob.State{URL: live.URL()})
	require.NoError(t, f.coord.Connect(context.Background()))

	require.NoError(t, f.coord.Disconnect(context.Background()))

	assert.True(t, f.syncer.cleared)
	assert.Zero(t, f.store.Uploads(blob.Dynamic))
	assert.Equal(t, live.URL(), f.store.State().URL)
	assert.Equal(t, Disconnected, f.coord.Phase())
}

func TestGuestTracksPeerCount(t *testing.T) {
	f := newFixture()

	live, err := f.transport.Create(context.Background())
	require.NoError(t, err)
	f.store.SetState(blob.State{URL: live.URL()})
	require.NoError(t, f.coord.Connect(context.Background()))
	defer f.coord.Disconnect(context.Background())

	assert.Zero(t, f.coord.Peers())

	f.transport.LastJoined().PushPeers(3)
	require.Eventually(t, func() bool {
		return f.coord.Peers() == 3
	}, time.Second, time.Millisecond)

	// Only the latest count matters; intermediate updates may coalesce.
	f.transport.LastJoined().PushPeers(2)
	require.Eventually(t, func() bool {
		return f.coord.Peers() == 2
	}, time.Second, time.Millisecond)
}

// When the host vanishes, a guest waits for an earlier peer to take over
// and then claims the host role itself.
func TestGuestTakesOverWhenHostVanishes(t *testing.T) {
	f := newFixture()

	live, err := f.transport.Create(context.Background())
	require.NoError(t, err)
	f.store.SetState(blob.State{URL: live.URL()})
	require.NoError(t, f.coord.Connect(context.Background()))
	require.Equal(t, Guest, f.coord.Phase())

	f.transport.End(live.URL())

	// The guest joined first, so it waits one poll interval before taking
	// over unconditionally.
	f.clock.BlockUntil(1)
	f.clock.Advance(testOptions.TakeoverPoll)

	require.Eventually(t, func() bool {
		return f.coord.Phase() == Host
	}, time.Second, time.Millisecond)
	defer f.coord.Disconnect(context.Background())

	assert.NotEqual(t, live.URL(), f.store.State().URL)
	assert.Equal(t, f.coord.SessionURL(), f.store.State().URL)
	assert.True(t, f.transport.Live(f.coord.SessionURL()))
}

// If another peer re-establishes a session during the takeover wait, the
// guest joins it instead of hosting.
func TestGuestJoinsNewHostDuringTakeoverWait(t *testing.T) {
	f := newFixture()

	live, err := f.transport.Create(context.Background())
	require.NoError(t, err)
	f.store.SetState(blob.State{URL: live.URL()})
	require.NoError(t, f.coord.Connect(context.Background()))

	// Another peer becomes host before our session-end notification fires,
	// so the re-election's first state check already finds a live session.
	replacement, err := f.transport.Create(context.Background())
	require.NoError(t, err)
	f.store.SetState(blob.State{URL: replacement.URL()})

	f.transport.End(live.URL())

	require.Eventually(t, func() bool {
		return f.coord.Phase() == Guest &&
			f.coord.SessionURL() == replacement.URL()
	}, time.Second, time.Millisecond)
	defer f.coord.Disconnect(context.Background())
}
