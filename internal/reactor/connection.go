//go:build linux

package reactor

import (
	"github.com/tiras-j/smokesignal/internal/wire"
)

// Conn is one accepted client connection. It implements registry.ListenerHandle
// so the dispatcher can hand a Conn straight to Group.Subscribe.
type Conn struct {
	fd       int
	id       string
	peerAddr string
	decoder  *wire.Decoder

	r *Reactor

	// pending holds bytes queued for a later EPOLLOUT flush when a Write hit
	// EAGAIN or wrote only part of a frame. Non-empty pending implies this
	// fd's epoll registration currently includes EPOLLOUT.
	pending []byte
	closed  bool
}

// ID satisfies registry.ListenerHandle; it is this connection's randomly
// generated identity, stable for the life of the TCP connection.
func (c *Conn) ID() string { return c.id }

// PeerAddr returns the remote address string as captured at accept time.
func (c *Conn) PeerAddr() string { return c.peerAddr }

// Write satisfies registry.ListenerHandle. It delivers frame verbatim,
// queuing any unsent tail for the reactor to flush once the socket is
// writable again. A frame written while an earlier one is still queued is
// dropped.
func (c *Conn) Write(frame []byte) error {
	return c.r.writeToConn(c, frame)
}
