package iosock

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/wire"
)

// Flags describes which directions a Socket is expected to carry.
type Flags int

const (
	ReadOnly Flags = iota
	WriteOnly
	ReadWrite
)

// HighWater is the send-queue size, in bytes, above which a link stops
// polling its source channels for more data to read — the one piece of
// backpressure the link applies (spec.md §5).
const HighWater = 64 * 1024

// ErrDead is returned by DoIO once a Socket has recorded a fatal I/O
// error or been explicitly marked dead.
var ErrDead = errors.New("iosock: socket is dead")

// Socket wraps one non-blocking file descriptor.
type Socket struct {
	fd    int
	flags Flags

	recvBuf *wire.Buffer

	sendQ     []*wire.Buffer
	sendBytes int

	readEOF  bool
	writeEOF bool
	dead     bool
	lastErr  error
}

// NewFlags wraps fd, putting it into non-blocking mode. A write-only
// socket (a local sink, which never reads) starts with read-EOF already
// set, so no receive buffer is ever posted to it.
func NewFlags(fd int, flags Flags) *Socket {
	_ = unix.SetNonblock(fd, true)
	s := &Socket{fd: fd, flags: flags}
	if flags == WriteOnly {
		s.readEOF = true
	}
	return s
}

// Fd returns the wrapped file descriptor.
func (s *Socket) Fd() int { return s.fd }

// PreparePoll is a no-op hook kept for symmetry with the socket contract
// in spec.md §4.1; this rendition has no per-tick state to reset before
// FillPoll runs.
func (s *Socket) PreparePoll() {}

// RecvBuf returns the currently posted receive buffer, or nil if none is
// posted.
func (s *Socket) RecvBuf() *wire.Buffer { return s.recvBuf }

// PostRecvBuf posts buf to receive the socket's next incoming bytes.
func (s *Socket) PostRecvBuf(buf *wire.Buffer) { s.recvBuf = buf }

// RecvBufReady reports whether the posted receive buffer has reached the
// "hand upward" point: full, or read-EOF observed. At read-EOF it reports
// true even for an empty buffer; the caller decides whether an empty
// buffer is forwarded (spec.md §4.1's read-completeness rule).
func (s *Socket) RecvBufReady() bool {
	if s.recvBuf == nil {
		return false
	}
	return s.recvBuf.Full() || s.readEOF
}

// TakeRecvBuf detaches and returns the posted receive buffer, or nil if
// none is posted.
func (s *Socket) TakeRecvBuf() *wire.Buffer {
	b := s.recvBuf
	s.recvBuf = nil
	return b
}

// QueueXmit appends buf to the socket's send queue.
func (s *Socket) QueueXmit(buf *wire.Buffer) {
	s.sendQ = append(s.sendQ, buf)
	s.sendBytes += buf.Count()
}

// XmitShared queues a copy of buf, for a payload that also needs to be
// written elsewhere.
func (s *Socket) XmitShared(buf *wire.Buffer) {
	s.QueueXmit(buf.Clone())
}

// XmitQueueBytes returns the total bytes currently queued to be written.
func (s *Socket) XmitQueueBytes() int { return s.sendBytes }

// XmitQueueAllowed reports whether the send queue is below HighWater —
// the gate a link uses to decide whether it's safe to keep reading more
// from its source channels.
func (s *Socket) XmitQueueAllowed() bool { return s.sendBytes < HighWater }

// FillPoll sets pfd up to watch for read-readiness (if a receive buffer is
// posted and not at read-EOF) and write-readiness (if the send queue is
// non-empty and not at write-EOF). It reports whether pfd was set to watch
// for anything at all.
func (s *Socket) FillPoll(pfd *unix.PollFd) bool {
	if s.dead {
		return false
	}
	var events int16
	if s.recvBuf != nil && !s.readEOF {
		events |= unix.POLLIN
	}
	if len(s.sendQ) > 0 && !s.writeEOF {
		events |= unix.POLLOUT
	}
	if events == 0 {
		return false
	}
	pfd.Fd = int32(s.fd)
	pfd.Events = events
	pfd.Revents = 0
	return true
}

// DoIO reads into the posted receive buffer until it is full, the kernel
// has nothing more (EAGAIN), or read-EOF, then drains the send queue until
// it is empty or the kernel accepts no more. Either side is skipped if
// there's nothing to do on it. A fatal error marks the socket dead and is returned; EAGAIN
// and EINTR are not errors.
func (s *Socket) DoIO() error {
	if s.dead {
		return ErrDead
	}
	if err := s.doRead(); err != nil {
		return err
	}
	return s.doWrite()
}

func (s *Socket) doRead() error {
	if s.recvBuf == nil || s.readEOF {
		return nil
	}
	for {
		free := s.recvBuf.FreeSpace()
		if len(free) == 0 {
			return nil
		}
		n, err := unix.Read(s.fd, free)
		if n > 0 {
			s.recvBuf.Grow(n)
		}
		if err != nil {
			if isRetryable(err) {
				return nil
			}
			s.lastErr = err
			s.dead = true
			return err
		}
		if n == 0 {
			s.readEOF = true
			return nil
		}
		if n < len(free) {
			continue
		}
		return nil
	}
}

func (s *Socket) doWrite() error {
	for len(s.sendQ) > 0 {
		head := s.sendQ[0]
		n, err := unix.Write(s.fd, head.Bytes())
		if n > 0 {
			head.Advance(n)
			s.sendBytes -= n
		}
		if err != nil {
			if isRetryable(err) {
				return nil
			}
			s.lastErr = err
			s.dead = true
			return err
		}
		if head.Count() == 0 {
			s.sendQ = s.sendQ[1:]
			continue
		}
		return nil
	}
	return nil
}

func isRetryable(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// ShutdownWrite stops future writes to this socket, sending a TCP/socket
// half-close if the fd supports it. Non-socket fds (plain pipes) simply
// ignore the shutdown(2) error; write-EOF is tracked locally regardless.
func (s *Socket) ShutdownWrite() {
	if s.writeEOF {
		return
	}
	s.writeEOF = true
	_ = unix.Shutdown(s.fd, unix.SHUT_WR)
}

// MarkDead marks the socket dead without recording an error, for a caller
// that has decided to discard it for reasons of its own (e.g. a channel
// being closed).
func (s *Socket) MarkDead() { s.dead = true }

// IsDead reports whether the socket has recorded a fatal error or been
// explicitly marked dead.
func (s *Socket) IsDead() bool { return s.dead }

// IsReadEOF reports whether a read on this socket has returned EOF.
func (s *Socket) IsReadEOF() bool { return s.readEOF }

// Err returns the error that marked this socket dead, if any.
func (s *Socket) Err() error { return s.lastErr }

// Close closes the underlying file descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}
