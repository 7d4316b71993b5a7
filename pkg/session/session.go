// Package session defines the boundary to the real-time co-editing
// transport. The engine only needs to create or join a session, learn its
// URL and join order, and find out when peers change or the session ends.
package session

import (
	"context"
)

// Session is a live co-editing session this process participates in.
type Session interface {
	// URL identifies the session. It's recorded in the project's state
	// record so other processes can join or probe it.
	URL() string

	// JoinIndex is this process's position in the session's join order.
	// The creator is 0.
	JoinIndex() int

	// PeerUpdates receives the new peer count whenever peers join or
	// leave.
	PeerUpdates() <-chan int

	// Done is closed when the session ends.
	Done() <-chan struct{}

	// Close leaves the session.
	Close() error
}

// Transport creates and joins sessions.
type Transport interface {
	// Create opens a fresh session.
	Create(ctx context.Context) (Session, error)

	// Join connects to the session at the given URL.
	Join(ctx context.Context, url string) (Session, error)

	// Probe reports whether the session at the given URL is live. A nil
	// error means a host is still serving it.
	Probe(ctx context.Context, url string) error
}
