// Package sessiontest provides fake sessions for coordinator tests.
package sessiontest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/session"
)

// Transport is a fake session.Transport. Sessions it creates are live until
// ended with End or Close.
type Transport struct {
	mu       sync.Mutex
	sessions map[string]*Session
	joined   []*Session
	joins    int

	// DeadURLs fail liveness probes and joins even if no session object
	// exists for them.
	DeadURLs map[string]bool
}

// New returns an empty fake transport.
func New() *Transport {
	return &Transport{
		sessions: map[string]*Session{},
		DeadURLs: map[string]bool{},
	}
}

// Create implements session.Transport.
func (t *Transport) Create(_ context.Context) (session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess := &Session{
		url:     "fake://session/" + uuid.New().String(),
		peers:   make(chan int, 1),
		done:    make(chan struct{}),
		endOnce: &sync.Once{},
	}
	t.sessions[sess.url] = sess
	return sess, nil
}

// Join implements session.Transport.
func (t *Transport) Join(_ context.Context, url string) (session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	live, ok := t.sessions[url]
	if !ok || t.DeadURLs[url] {
		return nil, errors.New("session not found")
	}

	t.joins++
	joined := &Session{
		url:       url,
		joinIndex: t.joins,
		peers:     make(chan int, 1),
		done:      live.done,
		endOnce:   live.endOnce,
	}
	t.joined = append(t.joined, joined)
	return joined, nil
}

// LastJoined returns the most recently joined session, so tests can drive
// its peer updates.
func (t *Transport) LastJoined() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.joined) == 0 {
		return nil
	}
	return t.joined[len(t.joined)-1]
}

// Probe implements session.Transport.
func (t *Transport) Probe(_ context.Context, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.DeadURLs[url] {
		return errors.New("session unreachable")
	}
	sess, ok := t.sessions[url]
	if !ok {
		return errors.New("session not found")
	}
	select {
	case <-sess.done:
		return errors.New("session ended")
	default:
		return nil
	}
}

// End terminates the session at the given URL, as if its host vanished.
func (t *Transport) End(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sess, ok := t.sessions[url]; ok {
		sess.end()
		delete(t.sessions, url)
	}
	t.DeadURLs[url] = true
}

// Live reports whether a session exists for the URL and hasn't ended.
func (t *Transport) Live(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[url]
	if !ok || t.DeadURLs[url] {
		return false
	}
	select {
	case <-sess.done:
		return false
	default:
		return true
	}
}

// Session is a fake session.Session.
type Session struct {
	url       string
	joinIndex int
	peers     chan int
	done      chan struct{}
	endOnce   *sync.Once
}

func (s *Session) URL() string             { return s.url }
func (s *Session) JoinIndex() int          { return s.joinIndex }
func (s *Session) PeerUpdates() <-chan int { return s.peers }
func (s *Session) Done() <-chan struct{}   { return s.done }

func (s *Session) Close() error {
	s.end()
	return nil
}

func (s *Session) end() {
	s.endOnce.Do(func() { close(s.done) })
}

// PushPeers delivers a peer-count update.
func (s *Session) PushPeers(count int) {
	select {
	case <-s.peers:
	default:
	}
	s.peers <- count
}

var _ session.Transport = &Transport{}
