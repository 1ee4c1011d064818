//go:build linux

// Package reactor implements the broker's single-threaded, epoll-driven
// event loop: a level-triggered listening socket and edge-triggered client
// sockets, all serviced from one goroutine so the dispatcher it drives never
// has to reason about concurrent access to group or health state.
//
// Grounded on original_source/src/server/networking.c's
// init_networking/start_networking_loop, translated from the raw
// epoll_create1/epoll_ctl/epoll_wait calls and the fd hashtable to
// golang.org/x/sys/unix plus a plain Go map.
package reactor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/tiras-j/smokesignal/internal/wire"
)

// Handler receives decoded messages and disconnect notifications from the
// reactor. Implementations must not block — they run inline on the reactor's
// single goroutine between epoll_wait calls.
type Handler interface {
	HandleMessage(conn *Conn, msg wire.Message)
	HandleDisconnect(conn *Conn)
}

// maxEvents bounds how many ready fds are drained per epoll_wait call,
// mirroring original_source's MAX_EVENTS.
const maxEvents = 1024

// pollTimeoutMillis is how long epoll_wait blocks before returning control so
// Run can check ctx.Done(). A pure blocking wait (-1) would leave Run unable
// to notice cancellation until the next client event.
const pollTimeoutMillis = 250

const readBufSize = 64 * 1024

// Reactor owns the epoll instance, the listening socket, and every accepted
// connection.
type Reactor struct {
	port    int
	handler Handler

	epfd     int
	listenFd int
	conns    map[int]*Conn

	ready chan int
}

// New constructs a Reactor bound to port. Port 0 lets the kernel assign an
// ephemeral port, useful in tests; read it back from Ready() once Run has
// started. Call Run to start serving; Run performs the actual socket setup
// so construction itself cannot fail.
func New(port int, handler Handler) *Reactor {
	return &Reactor{
		port:    port,
		handler: handler,
		conns:   make(map[int]*Conn),
		ready:   make(chan int, 1),
	}
}

// Ready delivers the actual bound port exactly once, after the listening
// socket has been created and registered with epoll but before the first
// epoll_wait call.
func (r *Reactor) Ready() <-chan int { return r.ready }

// Run opens the listening socket and epoll instance, then services events
// until ctx is cancelled or an unrecoverable epoll error occurs. It closes
// every open fd before returning.
func (r *Reactor) Run(ctx context.Context) error {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	r.epfd = epfd
	defer unix.Close(r.epfd)

	listenFd, err := listenTCP(r.port)
	if err != nil {
		return err
	}
	r.listenFd = listenFd
	defer unix.Close(r.listenFd)

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, r.listenFd, &unix.EpollEvent{
		Events: unix.EPOLLIN, // listen socket is level-triggered, not edge-triggered
		Fd:     int32(r.listenFd),
	}); err != nil {
		return fmt.Errorf("reactor: register listen fd: %w", err)
	}
	boundPort, err := localPort(r.listenFd)
	if err != nil {
		return fmt.Errorf("reactor: resolve bound port: %w", err)
	}
	slog.Info("reactor: listening", "port", boundPort)
	r.ready <- boundPort

	defer r.closeAll()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			r.dispatchEvent(events[i])
		}
	}
}

func (r *Reactor) dispatchEvent(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	if fd == r.listenFd {
		r.acceptAll()
		return
	}

	conn, ok := r.conns[fd]
	if !ok {
		return
	}

	if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.closeConn(conn)
		return
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		if err := r.flushPending(conn); err != nil {
			r.closeConn(conn)
			return
		}
	}
	if ev.Events&unix.EPOLLIN != 0 {
		r.readConn(conn)
	}
}

// acceptAll drains the accept backlog. The listen socket is level-triggered
// so a single readiness notification is safe to act on with one accept, but
// draining fully avoids an extra epoll_wait round trip under load.
func (r *Reactor) acceptAll() {
	for {
		fd, sa, ok, err := acceptOne(r.listenFd)
		if err != nil {
			slog.Error("reactor: accept failed", "err", err)
			return
		}
		if !ok {
			return
		}

		conn := &Conn{
			fd:       fd,
			id:       uuid.NewString(),
			peerAddr: sockaddrString(sa),
			decoder:  wire.NewDecoder(),
			r:        r,
		}
		r.conns[fd] = conn

		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
			Events: unix.EPOLLIN | unix.EPOLLET,
			Fd:     int32(fd),
		}); err != nil {
			slog.Error("reactor: register client fd failed", "err", err)
			unix.Close(fd)
			delete(r.conns, fd)
			continue
		}
		slog.Debug("reactor: accepted connection", "id", conn.id, "peer", conn.peerAddr)
	}
}

// readConn drains fd until EAGAIN, since it is registered edge-triggered:
// anything left unread after this call will not generate another event on
// its own.
func (r *Reactor) readConn(conn *Conn) {
	buf := make([]byte, readBufSize)
	for {
		n, err := unix.Read(conn.fd, buf)
		if n > 0 {
			conn.decoder.Feed(buf[:n])
			r.drainMessages(conn)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.closeConn(conn)
			return
		}
		if n == 0 {
			r.closeConn(conn)
			return
		}
	}
}

func (r *Reactor) drainMessages(conn *Conn) {
	for {
		msg, ok, err := conn.decoder.Next()
		if err != nil {
			slog.Warn("reactor: malformed frame, dropping connection", "id", conn.id, "err", err)
			r.closeConn(conn)
			return
		}
		if !ok {
			return
		}
		r.handler.HandleMessage(conn, msg)
	}
}

func (r *Reactor) writeToConn(conn *Conn, frame []byte) error {
	if conn.closed {
		return nil
	}
	if len(conn.pending) > 0 {
		// An earlier frame is still queued: drop this one for this
		// connection, so at most one frame is ever buffered per listener.
		return nil
	}

	n, err := unix.Write(conn.fd, frame)
	if err != nil {
		if isRecoverableWriteErr(err) {
			conn.pending = append([]byte(nil), frame...)
			return r.enableWriteInterest(conn)
		}
		if isPeerGoneErr(err) {
			r.closeConn(conn)
			return nil
		}
		return err
	}
	if n < len(frame) {
		conn.pending = append([]byte(nil), frame[n:]...)
		return r.enableWriteInterest(conn)
	}
	return nil
}

func (r *Reactor) flushPending(conn *Conn) error {
	if len(conn.pending) == 0 {
		return r.disableWriteInterest(conn)
	}
	n, err := unix.Write(conn.fd, conn.pending)
	if err != nil {
		if isRecoverableWriteErr(err) {
			return nil
		}
		return err
	}
	conn.pending = conn.pending[n:]
	if len(conn.pending) == 0 {
		return r.disableWriteInterest(conn)
	}
	return nil
}

func (r *Reactor) enableWriteInterest(conn *Conn) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, conn.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET,
		Fd:     int32(conn.fd),
	})
}

func (r *Reactor) disableWriteInterest(conn *Conn) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, conn.fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(conn.fd),
	})
}

func (r *Reactor) closeConn(conn *Conn) {
	if conn.closed {
		return
	}
	conn.closed = true
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, conn.fd, nil)
	unix.Close(conn.fd)
	delete(r.conns, conn.fd)
	r.handler.HandleDisconnect(conn)
}

func (r *Reactor) closeAll() {
	for _, conn := range r.conns {
		r.closeConn(conn)
	}
}
