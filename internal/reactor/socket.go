//go:build linux

package reactor

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenTCP opens and configures the listening socket: non-blocking, reusable
// address, bound to port on all interfaces.
//
// Grounded on original_source/src/server/networking.c's init_networking,
// translated from raw socket()/bind()/listen() calls to golang.org/x/sys/unix
// so the resulting fd can be registered with epoll directly instead of going
// through net.Listener's internal poller.
func listenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("reactor: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: SO_REUSEADDR: %w", err)
	}

	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: bind: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: set nonblocking: %w", err)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("reactor: listen: %w", err)
	}

	return fd, nil
}

// acceptOne accepts a single pending connection off the listening fd and
// configures it for edge-triggered, low-latency use. Returns (-1, nil, false)
// when EAGAIN/EWOULDBLOCK indicates the accept backlog is drained for now.
func acceptOne(listenFd int) (int, unix.Sockaddr, bool, error) {
	connFd, sa, err := unix.Accept(listenFd)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return -1, nil, false, nil
		}
		return -1, nil, false, fmt.Errorf("reactor: accept: %w", err)
	}

	if err := configureClientSocket(connFd); err != nil {
		unix.Close(connFd)
		return -1, nil, false, err
	}
	return connFd, sa, true, nil
}

// configureClientSocket sets a client connection non-blocking and applies
// the same TCP_NODELAY/SO_KEEPALIVE pair as original_source's
// set_nonblocking, which the broker wants on every client socket to keep
// small fan-out frames from being Nagle-delayed.
func configureClientSocket(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("reactor: set nonblocking: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("reactor: TCP_NODELAY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("reactor: SO_KEEPALIVE: %w", err)
	}
	return nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port)
	default:
		return "unknown"
	}
}

// isRecoverableWriteErr reports whether err from a write to a client socket
// should be treated as "try again later" rather than "tear the connection
// down": EAGAIN on a non-blocking socket just means the send buffer is full.
func isRecoverableWriteErr(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

// isPeerGoneErr reports whether err indicates the remote end is no longer
// reachable and the connection should be unregistered and closed.
func isPeerGoneErr(err error) bool {
	switch err {
	case unix.EPIPE, unix.ECONNRESET, unix.ENOTCONN, unix.ETIMEDOUT:
		return true
	}
	var errno syscall.Errno
	if e, ok := err.(syscall.Errno); ok {
		errno = e
		switch errno {
		case syscall.EPIPE, syscall.ECONNRESET, syscall.ENOTCONN, syscall.ETIMEDOUT:
			return true
		}
	}
	return false
}

// localPort reads back the port the kernel assigned a bound socket,
// needed when listenTCP was called with port 0.
func localPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, err
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("reactor: unexpected sockaddr type %T", sa)
	}
}

const listenBacklog = 1024
