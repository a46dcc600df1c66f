package channel

import (
	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/iosock"
	"github.com/linkmux/linkmux/wire"
)

// Direction distinguishes a sink (the link writes to it) from a source
// (the link reads from it).
type Direction int

const (
	Sink Direction = iota
	Source
)

// Channel adapts one local socket to a transaction's packet-type id space.
// A nil socket (after Close or Detach) makes the channel a silent sink:
// writes to it are dropped rather than erroring.
type Channel struct {
	ID        byte
	Direction Direction

	sock    *iosock.Socket
	plugged bool

	readEOFCb  func()
	writeEOFCb func()
}

// NewSink creates a sink channel wrapping fd, identified by id.
func NewSink(fd int, id byte) *Channel {
	return &Channel{ID: id, Direction: Sink, sock: iosock.NewFlags(fd, iosock.WriteOnly)}
}

// NewSource creates a source channel wrapping fd, identified by id.
func NewSource(fd int, id byte) *Channel {
	return &Channel{ID: id, Direction: Source, sock: iosock.NewFlags(fd, iosock.ReadOnly)}
}

// SetPlugged withholds (true) or restores (false) this channel from
// polling. A plugged source is never read until unplugged — used by
// inject to hold off streaming file data until the major status for the
// request has arrived.
func (c *Channel) SetPlugged(p bool) { c.plugged = p }

// Plugged reports whether the channel is currently withheld from polling.
func (c *Channel) Plugged() bool { return c.plugged }

// OnReadEOF installs a callback fired once, the first time this channel's
// socket observes read-EOF.
func (c *Channel) OnReadEOF(fn func()) { c.readEOFCb = fn }

// OnWriteEOF installs a callback fired once, the first time WriteEOF is
// called on this channel.
func (c *Channel) OnWriteEOF(fn func()) { c.writeEOFCb = fn }

// HasWriteEOFCallback reports whether a write-EOF callback is currently
// installed.
func (c *Channel) HasWriteEOFCallback() bool { return c.writeEOFCb != nil }

// Socket returns the channel's underlying socket, or nil if detached.
func (c *Channel) Socket() *iosock.Socket { return c.sock }

// IsDead reports whether this channel's socket is gone or has recorded a
// fatal error — the condition a purge sweep removes it for.
func (c *Channel) IsDead() bool {
	return c.sock == nil || c.sock.IsDead()
}

// WriteData queues payload to be written out this sink. A channel with no
// socket (detached, or never attached) silently discards the write,
// matching the "sink drop on missing socket" testable property.
func (c *Channel) WriteData(payload *wire.Buffer) {
	if c.sock == nil {
		return
	}
	c.sock.XmitShared(payload)
}

// Flush drives this channel's socket until its send queue is empty or it
// reports a fatal error.
func (c *Channel) Flush() error {
	if c.sock == nil {
		return nil
	}
	for c.sock.XmitQueueBytes() > 0 {
		if err := c.sock.DoIO(); err != nil {
			return err
		}
	}
	return nil
}

// WriteEOF flushes any bytes still queued on this sink, half-closes its
// socket for writing, and fires the write-EOF callback once, if one is
// installed. The flush has to happen first: the callback (e.g. sending a
// minor status) tells the peer this sink is done, and the peer must never
// see that before the bytes it actually wrote arrive.
func (c *Channel) WriteEOF() {
	if c.sock == nil {
		return
	}
	_ = c.Flush()
	c.sock.ShutdownWrite()
	if cb := c.writeEOFCb; cb != nil {
		c.writeEOFCb = nil
		cb()
	}
}

// Detach drops this channel's reference to its socket without closing it,
// turning every subsequent WriteData into a silent discard. Used when the
// caller owns the fd's lifetime independently of the channel.
func (c *Channel) Detach() { c.sock = nil }

// Close closes the underlying socket (if any) and detaches it.
func (c *Channel) Close() error {
	if c.sock == nil {
		return nil
	}
	err := c.sock.Close()
	c.sock = nil
	return err
}

// Poll prepares this channel's socket for the next poll() call: posting a
// fresh receive buffer for a source that isn't plugged and doesn't
// already have one posted, then asking the socket to fill pfd. headerRoom
// is reserved ahead of the buffer's payload so DoIO can tack on a frame
// header without copying. It reports whether pfd was filled in.
func (c *Channel) Poll(pfd *unix.PollFd, headerRoom int) bool {
	sock := c.sock
	if sock == nil || sock.IsDead() {
		return false
	}
	sock.PreparePoll()
	if !c.plugged && !sock.IsReadEOF() && sock.RecvBuf() == nil {
		buf := wire.NewBuffer(wire.MaxPacket)
		buf.ReserveHead(headerRoom)
		sock.PostRecvBuf(buf)
	}
	return sock.FillPoll(pfd)
}

// DoIO drives one tick of I/O on this channel's socket. For a source
// channel whose receive buffer has become ready (full, or read-EOF with
// bytes in it), frame is called to wrap the payload — typically tacking
// on a header keyed by this channel's id — and the result is handed to
// enqueue. Returns any fatal I/O error from the underlying socket.
func (c *Channel) DoIO(frame func(payload *wire.Buffer) (*wire.Buffer, error), enqueue func(*wire.Buffer)) error {
	sock := c.sock
	if sock == nil {
		return nil
	}
	if err := sock.DoIO(); err != nil {
		return err
	}
	if sock.RecvBufReady() {
		buf := sock.TakeRecvBuf()
		if buf.Count() > 0 {
			framed, err := frame(buf)
			if err != nil {
				return err
			}
			enqueue(framed)
		}
	}
	if sock.IsReadEOF() {
		if cb := c.readEOFCb; cb != nil {
			c.readEOFCb = nil
			cb()
		}
	}
	return nil
}
