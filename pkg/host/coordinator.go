// Package host decides whether this process is the authoritative uploader
// for a project, runs the periodic upload loop, and re-elects a host when
// the previous one disappears.
package host

import (
	"context"
	goSync "sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/tandem-dev/tandem/pkg/blob"
	"github.com/tandem-dev/tandem/pkg/bundle"
	"github.com/tandem-dev/tandem/pkg/cache"
	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/session"
	"github.com/tandem-dev/tandem/pkg/sync"
)

// Phase is the coordinator's connection state.
type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Host
	Guest
	Disconnecting
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Host:
		return "host"
	case Guest:
		return "guest"
	case Disconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// Syncer is the part of sync.Engine the coordinator drives. It's an
// interface so coordination logic can be tested without a file watcher.
type Syncer interface {
	Start() error
	Stop()
	SnapshotTree() (sync.TreeSnapshot, error)
	ChangedKinds(snapshot sync.TreeSnapshot) map[blob.Kind]bool
	MarkUploaded(snapshot sync.TreeSnapshot)
	Materialize(files []bundle.File) error
	PrimeCollabTree() error
	SeedFromCollab() error
	ClearProjectTree() error
}

// errHostLost is returned by an upload tick when the remote state record
// names a different host. It's a protocol event, not a failure: the
// coordinator tears down and reconnects.
var errHostLost = errors.New("another process took over hosting")

// Options are the timing knobs of the coordinator. They're explicit so
// tests can run on a virtual clock.
type Options struct {
	// UploadInterval is the period of the host's upload loop.
	UploadInterval time.Duration

	// ProbeTimeout bounds the liveness probe against a recorded session
	// URL.
	ProbeTimeout time.Duration

	// TakeoverBase is the failover wait per join-order position: a guest
	// that joined n-th waits n*TakeoverBase for an earlier peer to take
	// over hosting before claiming it unconditionally.
	TakeoverBase time.Duration

	// TakeoverPoll is how often a reconnecting guest re-reads the state
	// record while waiting.
	TakeoverPoll time.Duration
}

// DefaultOptions are the production timings.
var DefaultOptions = Options{
	UploadInterval: 30 * time.Second,
	ProbeTimeout:   10 * time.Second,
	TakeoverBase:   15 * time.Second,
	TakeoverPoll:   3 * time.Second,
}

// Coordinator owns the project's remote state record and the decision of
// when to read and write it.
type Coordinator struct {
	store     blob.Store
	transport session.Transport
	engine    Syncer
	cache     *cache.Cache
	clock     clockwork.Clock
	opts      Options

	// remoteMu serializes the remote-write sections of the periodic upload
	// tick and disconnect, so a final upload can never race a periodic one.
	remoteMu goSync.Mutex

	mu      goSync.Mutex
	phase   Phase
	session session.Session
	state   blob.State
	peers   int

	stop chan struct{}
	done chan struct{}
}

// New creates a coordinator. It doesn't touch the network until Connect.
func New(store blob.Store, transport session.Transport, engine Syncer,
	projectCache *cache.Cache, clock clockwork.Clock, opts Options) *Coordinator {

	return &Coordinator{
		store:     store,
		transport: transport,
		engine:    engine,
		cache:     projectCache,
		clock:     clock,
		opts:      opts,
	}
}

// Phase returns the coordinator's current connection state.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SessionURL returns the URL of the session this process participates in,
// or "" when disconnected.
func (c *Coordinator) SessionURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.URL()
}

// Peers returns the session's last reported peer count, or 0 when it
// hasn't been reported yet.
func (c *Coordinator) Peers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers
}

// Connect reads the remote state record and becomes host or guest. A
// recorded session that fails its liveness probe counts as no session: its
// host is gone.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.setPhase(Connecting)

	state, err := c.store.GetState(ctx)
	if err != nil {
		c.setPhase(Disconnected)
		return errors.WithContext(err, "read project state")
	}

	if state.URL != "" && c.probe(ctx, state.URL) == nil {
		if err := c.becomeGuest(ctx, state); err != nil {
			c.setPhase(Disconnected)
			return err
		}
		return nil
	}

	if err := c.becomeHost(ctx, state); err != nil {
		c.setPhase(Disconnected)
		return err
	}
	return nil
}

func (c *Coordinator) probe(ctx context.Context, url string) error {
	probeCtx := ctx
	if c.opts.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, c.opts.ProbeTimeout)
		defer cancel()
	}
	return c.transport.Probe(probeCtx, url)
}

func (c *Coordinator) becomeHost(ctx context.Context, state blob.State) error {
	if err := c.materialize(ctx, &state); err != nil {
		return errors.WithContext(err, "materialize project")
	}
	if err := c.engine.PrimeCollabTree(); err != nil {
		return errors.WithContext(err, "prime collaboration tree")
	}

	sess, err := c.transport.Create(ctx)
	if err != nil {
		return errors.WithContext(err, "create session")
	}

	state.URL = sess.URL()
	if err := c.store.PutState(ctx, state); err != nil {
		sess.Close()
		return errors.WithContext(err, "record session url")
	}

	if err := c.engine.Start(); err != nil {
		sess.Close()
		return errors.WithContext(err, "start sync engine")
	}

	// The tree we just materialized matches the remote bundles, so the
	// first tick only uploads if something changes from here on.
	snapshot, err := c.engine.SnapshotTree()
	if err == nil {
		c.engine.MarkUploaded(snapshot)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.phase = Host
	c.session = sess
	c.state = state
	c.stop = stop
	c.done = done
	c.mu.Unlock()

	log.WithField("session", sess.URL()).Info("Hosting project")
	go c.uploadLoop(stop, done)
	return nil
}

func (c *Coordinator) becomeGuest(ctx context.Context, state blob.State) error {
	sess, err := c.transport.Join(ctx, state.URL)
	if err != nil {
		return errors.WithContext(err, "join session")
	}

	if err := c.engine.SeedFromCollab(); err != nil {
		sess.Close()
		return errors.WithContext(err, "seed project tree")
	}
	if err := c.engine.Start(); err != nil {
		sess.Close()
		return errors.WithContext(err, "start sync engine")
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	c.mu.Lock()
	c.phase = Guest
	c.session = sess
	c.state = state
	c.stop = stop
	c.done = done
	c.mu.Unlock()

	log.WithField("session", sess.URL()).Info("Joined session as guest")
	go c.guestLoop(sess, stop, done)
	return nil
}

// materialize brings the project tree up to date with the remote bundles.
// When the cached bundle identities still match the remote ones the tree is
// already current and the writes are skipped; otherwise the stale cache is
// wiped and the tree is rebuilt from scratch, so files deleted remotely
// don't survive locally.
func (c *Coordinator) materialize(ctx context.Context, state *blob.State) error {
	stored := map[blob.Kind]blob.Bundle{}
	for _, kind := range blob.Kinds {
		b, err := c.store.GetBundle(ctx, kind)
		if err != nil {
			return errors.WithContext(err, "download bundle")
		}
		stored[kind] = b
		state.SetVersion(kind, b.Version)
	}

	dynamicID := stored[blob.Dynamic].ID
	staticID := stored[blob.Static].ID
	if dynamicID == "" && staticID == "" {
		// Nothing was ever uploaded: the local tree is the source.
		return nil
	}

	if c.cache != nil {
		fresh, err := c.cache.Fresh(dynamicID, staticID)
		if err != nil {
			log.WithError(err).Warn("Failed to read cache state")
		} else if fresh {
			return nil
		}
		if err := c.cache.Invalidate(); err != nil {
			return errors.WithContext(err, "invalidate cache")
		}
	}

	if err := c.engine.ClearProjectTree(); err != nil {
		return errors.WithContext(err, "clear project tree")
	}

	for _, kind := range blob.Kinds {
		b := stored[kind]
		if b.ID == "" {
			continue
		}

		files, err := bundle.Unmarshal(b.Data)
		if err != nil {
			return errors.WithContext(err, "parse bundle")
		}
		if err := c.engine.Materialize(files); err != nil {
			return errors.WithContext(err, "materialize bundle")
		}

		if c.cache != nil {
			if err := c.cache.WriteBundle(kind, b.Data); err != nil {
				log.WithError(err).Warn("Failed to cache bundle")
			}
		}
	}

	c.saveCacheState(cache.State{
		Version:   state.Version(blob.Dynamic),
		DynamicID: dynamicID,
		StaticID:  staticID,
	})
	return nil
}

// uploadLoop periodically re-uploads changed bundle kinds while verifying
// this process is still the legitimate host. Errors are logged and retried
// on the next tick; they never terminate the loop.
func (c *Coordinator) uploadLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-c.clock.After(c.opts.UploadInterval):
		}

		err := c.tick(context.Background())
		switch {
		case err == nil:
		case errors.RootCause(err) == errHostLost:
			log.Info("Another host took over. Reconnecting as guest.")
			go c.failover()
			return
		default:
			log.WithError(err).Error("Upload failed. Will retry on the next tick.")
		}
	}
}

// tick performs one verified upload pass.
func (c *Coordinator) tick(ctx context.Context) error {
	c.remoteMu.Lock()
	defer c.remoteMu.Unlock()

	c.mu.Lock()
	if c.phase != Host {
		c.mu.Unlock()
		return nil
	}
	sess := c.session
	c.mu.Unlock()

	// Re-read the state record before every upload: if it names a session
	// other than ours, another process became host while we weren't
	// looking (e.g. during a network partition).
	state, err := c.store.GetState(ctx)
	if err != nil {
		return errors.WithContext(err, "read project state")
	}
	if state.URL != sess.URL() {
		return errHostLost
	}

	return c.upload(ctx, state, false)
}

// upload re-serializes and pushes every changed bundle kind, then records
// the new versions in the state record. force bypasses the changed check.
// The caller must hold remoteMu.
func (c *Coordinator) upload(ctx context.Context, state blob.State, force bool) error {
	snapshot, err := c.engine.SnapshotTree()
	if err != nil {
		return errors.WithContext(err, "snapshot project tree")
	}

	changed := c.engine.ChangedKinds(snapshot)
	ids := map[blob.Kind]string{}
	pushed := false
	for _, kind := range blob.Kinds {
		if !force && !changed[kind] {
			continue
		}

		data, err := bundle.Marshal(snapshot[kind])
		if err != nil {
			return errors.WithContext(err, "serialize bundle")
		}
		stored, err := c.store.PutBundle(ctx, kind, data)
		if err != nil {
			return errors.WithContext(err, "upload bundle")
		}
		state.SetVersion(kind, stored.Version)
		ids[kind] = stored.ID
		pushed = true

		if c.cache != nil {
			if err := c.cache.WriteBundle(kind, data); err != nil {
				log.WithError(err).Warn("Failed to cache bundle")
			}
		}
	}

	if !pushed {
		return nil
	}
	if err := c.store.PutState(ctx, state); err != nil {
		return errors.WithContext(err, "record bundle versions")
	}

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.engine.MarkUploaded(snapshot)

	if c.cache != nil {
		cacheState, err := c.cache.Load()
		if err != nil {
			log.WithError(err).Warn("Failed to read cache state")
			cacheState = cache.State{}
		}
		cacheState.Version = state.Version(blob.Dynamic)
		if id, ok := ids[blob.Dynamic]; ok {
			cacheState.DynamicID = id
		}
		if id, ok := ids[blob.Static]; ok {
			cacheState.StaticID = id
		}
		c.saveCacheState(cacheState)
	}
	return nil
}

func (c *Coordinator) saveCacheState(state cache.State) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Save(state); err != nil {
		log.WithError(err).Warn("Failed to save cache state")
	}
}

// failover tears down local state without touching the remote record, then
// connects fresh. The process that detected the conflict backs off.
func (c *Coordinator) failover() {
	c.teardown()
	if err := c.Connect(context.Background()); err != nil {
		log.WithError(err).Error("Failed to reconnect after losing host role")
		c.setPhase(Disconnected)
	}
}

// guestLoop tracks the session's peer count and, when the session ends,
// hands off to host re-election. Re-election runs on its own goroutine so
// the teardown it performs can wait for this loop to exit.
func (c *Coordinator) guestLoop(sess session.Session, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case count := <-sess.PeerUpdates():
			c.mu.Lock()
			c.peers = count
			c.mu.Unlock()
			log.WithField("peers", count).Debug("Session peer count changed")
			continue
		case <-sess.Done():
		}
		break
	}

	c.mu.Lock()
	if c.phase != Guest {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	log.Info("Session ended. Running host re-election.")
	go c.reelect(sess.JoinIndex())
}

func (c *Coordinator) reelect(joinIndex int) {
	c.teardown()
	if err := c.Reconnect(context.Background(), joinIndex); err != nil {
		log.WithError(err).Error("Host re-election failed")
		c.setPhase(Disconnected)
	}
}

// Reconnect re-runs connection after the previous host disappeared. It
// waits for an earlier-joined peer to take over, with a timeout that grows
// with this process's position in the join order; once the wait expires it
// unconditionally declares itself the new host.
func (c *Coordinator) Reconnect(ctx context.Context, joinIndex int) error {
	deadline := time.Duration(joinIndex) * c.opts.TakeoverBase
	waited := time.Duration(0)

	for waited < deadline {
		state, err := c.store.GetState(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to read project state during re-election")
		} else if state.URL != "" && c.probe(ctx, state.URL) == nil {
			// An earlier peer took over; join it.
			return c.Connect(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(c.opts.TakeoverPoll):
			waited += c.opts.TakeoverPoll
		}
	}

	// Nobody took over within our window: claim the host role regardless
	// of what the stale record says.
	c.setPhase(Connecting)
	state, err := c.store.GetState(ctx)
	if err != nil {
		c.setPhase(Disconnected)
		return errors.WithContext(err, "read project state")
	}
	if err := c.becomeHost(ctx, state); err != nil {
		c.setPhase(Disconnected)
		return err
	}
	return nil
}

// Disconnect leaves the session. A host performs one final forced upload
// before tearing down so no edits are lost; a guest has no upload
// responsibility and clears its mirrored project tree.
func (c *Coordinator) Disconnect(ctx context.Context) error {
	c.remoteMu.Lock()

	c.mu.Lock()
	phase := c.phase
	sess := c.session
	c.phase = Disconnecting
	c.mu.Unlock()

	var uploadErr error
	if phase == Host {
		current, err := c.store.GetState(ctx)
		if err == nil && sess != nil && current.URL == sess.URL() {
			if err := c.upload(ctx, current, true); err != nil {
				uploadErr = errors.WithContext(err, "final upload")
			} else {
				c.mu.Lock()
				current = c.state
				c.mu.Unlock()
			}

			// Release the record so the next connector becomes host.
			current.URL = ""
			if err := c.store.PutState(ctx, current); err != nil {
				log.WithError(err).Warn("Failed to clear session record")
			}
		}
	}
	c.remoteMu.Unlock()

	c.teardown()

	if phase == Guest {
		if err := c.engine.ClearProjectTree(); err != nil {
			log.WithError(err).Warn("Failed to clear project tree")
		}
	}

	c.setPhase(Disconnected)
	return uploadErr
}

// teardown stops the engine, the loops, and the session, without touching
// the remote record.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	sess := c.session
	stop := c.stop
	done := c.done
	c.session = nil
	c.stop = nil
	c.done = nil
	c.peers = 0
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	c.engine.Stop()
	if sess != nil {
		sess.Close()
	}
	if done != nil {
		<-done
	}
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	c.phase = phase
	c.mu.Unlock()
}
