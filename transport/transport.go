package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Dial connects to a TCP/IPv4 "host:port" address, exchanges a session
// nonce with the far end, and returns the raw connected socket file
// descriptor along with the nonce it sent. The caller owns the fd from
// here on — typically handing it straight to link.New. If ctx carries a
// deadline, the connect and handshake are bounded by it.
func Dial(ctx context.Context, addr string) (fd int, nonce uuid.UUID, err error) {
	if err := ctx.Err(); err != nil {
		return -1, uuid.Nil, err
	}

	ip, port, err := resolve(addr)
	if err != nil {
		return -1, uuid.Nil, err
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, uuid.Nil, fmt.Errorf("transport: socket: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		applyDeadline(fd, deadline)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, uuid.Nil, fmt.Errorf("transport: connect %s: %w", addr, err)
	}

	nonce = uuid.New()
	if err := sendNonce(fd, nonce); err != nil {
		unix.Close(fd)
		return -1, uuid.Nil, err
	}
	if _, err := recvNonce(fd); err != nil {
		unix.Close(fd)
		return -1, uuid.Nil, err
	}
	return fd, nonce, nil
}

// Listener accepts connections on a TCP/IPv4 address, handing back the
// raw connected socket fd for each one after completing the same nonce
// handshake Dial performs.
type Listener struct {
	fd int
}

// Listen binds and listens on addr ("host:port").
func Listen(addr string) (*Listener, error) {
	ip, port, err := resolve(addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: setsockopt: %w", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	return &Listener{fd: fd}, nil
}

// Accept blocks for one incoming connection, completes the nonce
// handshake, and returns the raw connected socket fd along with the
// nonce this side sent.
func (l *Listener) Accept() (fd int, nonce uuid.UUID, err error) {
	connFd, _, err := unix.Accept(l.fd)
	if err != nil {
		return -1, uuid.Nil, fmt.Errorf("transport: accept: %w", err)
	}
	if _, err := recvNonce(connFd); err != nil {
		unix.Close(connFd)
		return -1, uuid.Nil, err
	}
	nonce = uuid.New()
	if err := sendNonce(connFd, nonce); err != nil {
		unix.Close(connFd)
		return -1, uuid.Nil, err
	}
	return connFd, nonce, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return unix.Close(l.fd) }

func applyDeadline(fd int, deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		d = time.Millisecond
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv)
	_ = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
}

func resolve(addr string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: invalid port %q: %w", portStr, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, port, nil
		}
	}
	return nil, 0, fmt.Errorf("transport: no IPv4 address for %s", host)
}

func sendNonce(fd int, id uuid.UUID) error {
	b := id[:]
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			return fmt.Errorf("transport: nonce write: %w", err)
		}
		b = b[n:]
	}
	return nil
}

func recvNonce(fd int) (uuid.UUID, error) {
	var id uuid.UUID
	b := id[:]
	for len(b) > 0 {
		n, err := unix.Read(fd, b)
		if err != nil {
			return uuid.Nil, fmt.Errorf("transport: nonce read: %w", err)
		}
		if n == 0 {
			return uuid.Nil, fmt.Errorf("transport: nonce read: unexpected EOF")
		}
		b = b[n:]
	}
	return id, nil
}
