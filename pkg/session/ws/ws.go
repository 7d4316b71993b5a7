// Package ws implements the session transport over a websocket relay.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/tandem-dev/tandem/pkg/errors"
	"github.com/tandem-dev/tandem/pkg/session"
)

// Transport dials sessions on a relay server.
type Transport struct {
	// Relay is the base websocket URL of the relay server, e.g.
	// "wss://relay.example.com".
	Relay string

	// HandshakeTimeout bounds session dials and liveness probes.
	HandshakeTimeout time.Duration
}

// message is the wire format spoken with the relay.
type message struct {
	Type  string `json:"type"`
	Peers int    `json:"peers,omitempty"`
	Index int    `json:"index,omitempty"`
}

// Create implements session.Transport.
func (t *Transport) Create(ctx context.Context) (session.Session, error) {
	sessionURL := fmt.Sprintf("%s/s/%s", t.Relay, uuid.New().String())
	return t.dial(ctx, sessionURL)
}

// Join implements session.Transport.
func (t *Transport) Join(ctx context.Context, url string) (session.Session, error) {
	return t.dial(ctx, url)
}

// Probe implements session.Transport. A session is live if the relay
// accepts a handshake for it and reports at least one peer.
func (t *Transport) Probe(ctx context.Context, sessionURL string) error {
	conn, err := t.connect(ctx, sessionURL, true)
	if err != nil {
		return err
	}
	defer conn.Close()

	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		return errors.WithContext(err, "read session hello")
	}
	if hello.Peers == 0 {
		return errors.New("session has no host")
	}
	return nil
}

func (t *Transport) dial(ctx context.Context, sessionURL string) (session.Session, error) {
	conn, err := t.connect(ctx, sessionURL, false)
	if err != nil {
		return nil, err
	}

	var hello message
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, errors.WithContext(err, "read session hello")
	}

	conn.SetReadDeadline(time.Time{})
	sess := &wsSession{
		url:       sessionURL,
		joinIndex: hello.Index,
		conn:      conn,
		peers:     make(chan int, 1),
		done:      make(chan struct{}),
	}
	go sess.readLoop()
	return sess, nil
}

func (t *Transport) connect(ctx context.Context, sessionURL string, probe bool) (*websocket.Conn, error) {
	parsed, err := url.Parse(sessionURL)
	if err != nil {
		return nil, errors.WithContext(err, "parse session url")
	}
	if probe {
		query := parsed.Query()
		query.Set("probe", "true")
		parsed.RawQuery = query.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		return nil, errors.WithContext(err, "dial session")
	}

	if t.HandshakeTimeout != 0 {
		conn.SetReadDeadline(time.Now().Add(t.HandshakeTimeout))
	}
	return conn, nil
}

type wsSession struct {
	url       string
	joinIndex int
	conn      *websocket.Conn
	peers     chan int
	done      chan struct{}
	closeOnce sync.Once
}

func (s *wsSession) URL() string             { return s.url }
func (s *wsSession) JoinIndex() int          { return s.joinIndex }
func (s *wsSession) PeerUpdates() <-chan int { return s.peers }
func (s *wsSession) Done() <-chan struct{}   { return s.done }

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

// readLoop forwards peer updates until the relay hangs up. Errors end the
// session rather than crash anything; the coordinator reacts to Done.
func (s *wsSession) readLoop() {
	defer s.Close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("Session connection closed")
			}
			return
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.WithError(err).Warn("Ignoring malformed session message")
			continue
		}

		switch msg.Type {
		case "peers":
			// Coalesce updates the same way watcher events are coalesced:
			// only the latest count matters.
			select {
			case <-s.peers:
			default:
			}
			s.peers <- msg.Peers
		case "end":
			return
		}
	}
}

var _ session.Transport = &Transport{}
