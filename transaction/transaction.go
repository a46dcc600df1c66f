package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/channel"
	"github.com/linkmux/linkmux/iosock"
	"github.com/linkmux/linkmux/wire"
)

// State is one of the four states in the transaction life cycle.
type State int

const (
	StateNew State = iota
	StateLive
	StateHalfDone
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateLive:
		return "live"
	case StateHalfDone:
		return "half_done"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

// Kind distinguishes the three request shapes spec.md names; the state
// machine itself doesn't branch on it.
type Kind int

const (
	KindCommand Kind = iota
	KindInject
	KindExtract
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindInject:
		return "inject"
	case KindExtract:
		return "extract"
	default:
		return "other"
	}
}

// Fault is the POSIX-errno-shaped code carried as both a major/minor
// status value and a Go error.
type Fault int

const (
	FaultOK        Fault = 0
	FaultEPROTO    Fault = Fault(syscall.EPROTO)
	FaultECANCELED Fault = Fault(syscall.ECANCELED)
	FaultENOENT    Fault = Fault(syscall.ENOENT)
	FaultETIME     Fault = Fault(syscall.ETIME)
)

func (f Fault) Error() string { return syscall.Errno(f).Error() }

// FaultFromErr maps a Go error to the Fault code it should be reported
// as, unwrapping a syscall.Errno if one is present, mapping
// context.Canceled to ECANCELED, and falling back to EPROTO for anything
// else.
func FaultFromErr(err error) Fault {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return Fault(errno)
	}
	if errors.Is(err, context.Canceled) {
		return FaultECANCELED
	}
	return FaultEPROTO
}

// Logger is the minimal logging seam a Transaction calls into; nil means
// "don't log."
type Logger interface {
	Printf(format string, v ...interface{})
}

// Transaction is one multiplexed request's state machine, sink/source
// channels, and completion status.
type Transaction struct {
	mu sync.Mutex

	xid      uint16
	kind     Kind
	extended bool

	clientSock *iosock.Socket // shared with every other transaction on the same link; never closed here

	sinks   []*channel.Channel
	sources []*channel.Channel

	majorSent bool
	minorSent bool
	done      bool

	unplugged bool
	unplugCh  chan struct{}

	sendHook func(*Transaction)
	recvHook func(*Transaction, wire.Type, []byte) error

	logger Logger
}

// New creates a Transaction with the given xid on a link whose shared
// socket is client. extended selects whether packets built for this
// transaction carry the 6-byte xid header or the plain 4-byte one.
func New(client *iosock.Socket, xid uint16, kind Kind, extended bool) *Transaction {
	return &Transaction{
		xid:        xid,
		kind:       kind,
		extended:   extended,
		clientSock: client,
		unplugCh:   make(chan struct{}),
	}
}

// ID returns the transaction's xid.
func (t *Transaction) ID() uint16 { return t.xid }

// Kind returns the transaction's kind.
func (t *Transaction) Kind() Kind { return t.kind }

// Done reports whether both major and minor status have been sent (or
// the transaction otherwise reached its terminal state).
func (t *Transaction) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// SetSendHook installs the function called once per DoIO call, after
// every sink and source has done its I/O and before dead sources are
// purged — the place a caller injects protocol-specific behavior that
// needs to see a source's read-EOF state before the channel is torn down.
func (t *Transaction) SetSendHook(fn func(*Transaction)) {
	t.mu.Lock()
	t.sendHook = fn
	t.mu.Unlock()
}

// SetRecvHook installs the function RecvPacket falls back to once a
// packet has not matched any sink-by-type-id or EOF routing rule.
func (t *Transaction) SetRecvHook(fn func(*Transaction, wire.Type, []byte) error) {
	t.mu.Lock()
	t.recvHook = fn
	t.mu.Unlock()
}

// SetLogger installs the transaction's logger.
func (t *Transaction) SetLogger(l Logger) { t.logger = l }

// String returns a short human-readable label, e.g. "inject/7".
func (t *Transaction) String() string {
	return fmt.Sprintf("%s/%d", t.kind, t.xid)
}

func (t *Transaction) logf(format string, v ...interface{}) {
	if t.logger == nil {
		return
	}
	t.logger.Printf("%s: "+format, append([]interface{}{t}, v...)...)
}

// AttachLocalSink creates a sink channel wrapping fd, identified by id,
// and adds it to this transaction.
func (t *Transaction) AttachLocalSink(fd int, id byte) *channel.Channel {
	ch := channel.NewSink(fd, id)
	t.mu.Lock()
	t.sinks = append(t.sinks, ch)
	t.mu.Unlock()
	return ch
}

// AttachLocalSource creates a source channel wrapping fd, identified by
// id, and adds it to this transaction.
func (t *Transaction) AttachLocalSource(fd int, id byte) *channel.Channel {
	ch := channel.NewSource(fd, id)
	t.mu.Lock()
	t.sources = append(t.sources, ch)
	t.mu.Unlock()
	return ch
}

// CloseSink closes and removes sink channels matching id, or every sink
// channel if id is 0.
func (t *Transaction) CloseSink(id byte) {
	t.mu.Lock()
	t.sinks = closeMatching(t.sinks, id)
	t.mu.Unlock()
}

// CloseSource closes and removes source channels matching id, or every
// source channel if id is 0.
func (t *Transaction) CloseSource(id byte) {
	t.mu.Lock()
	t.sources = closeMatching(t.sources, id)
	t.mu.Unlock()
}

func closeMatching(list []*channel.Channel, id byte) []*channel.Channel {
	kept := list[:0]
	for _, ch := range list {
		if id == 0 || ch.ID == id {
			_ = ch.Close()
			continue
		}
		kept = append(kept, ch)
	}
	return kept
}

func purge(list []*channel.Channel) []*channel.Channel {
	kept := list[:0]
	for _, ch := range list {
		if ch.IsDead() {
			_ = ch.Close()
			continue
		}
		kept = append(kept, ch)
	}
	return kept
}

func findChannel(list []*channel.Channel, id byte) *channel.Channel {
	for _, ch := range list {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

func findWriteEOFSink(list []*channel.Channel) *channel.Channel {
	for _, ch := range list {
		if ch.HasWriteEOFCallback() {
			return ch
		}
	}
	return nil
}

// Unplug allows the source channel identified by id to be polled, and
// wakes any call blocked in WaitForUnplug. Called once a reply has told
// the caller it's safe to start streaming (e.g. inject's major==0).
func (t *Transaction) Unplug(id byte) {
	t.mu.Lock()
	if src := findChannel(t.sources, id); src != nil {
		src.SetPlugged(false)
	}
	if !t.unplugged {
		t.unplugged = true
		close(t.unplugCh)
	}
	t.mu.Unlock()
}

// WaitForUnplug blocks until Unplug has been called on this transaction,
// or ctx is done.
func (t *Transaction) WaitForUnplug(ctx context.Context) error {
	t.mu.Lock()
	ch := t.unplugCh
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FillPoll fills up to max entries of pfds with this transaction's
// channels' poll interest: sinks unconditionally, sources only if the
// shared link socket's send queue has room (spec.md §5's backpressure
// rule). It returns how many entries were filled.
func (t *Transaction) FillPoll(pfds []unix.PollFd, max int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	headerRoom := wire.HeaderSize
	if t.extended {
		headerRoom = wire.ExtHeaderSize
	}

	n := 0
	for _, sink := range t.sinks {
		if n >= max {
			return n
		}
		if sink.Poll(&pfds[n], headerRoom) {
			n++
		}
	}
	if t.clientSock.XmitQueueAllowed() {
		for _, src := range t.sources {
			if n >= max {
				return n
			}
			if src.Poll(&pfds[n], headerRoom) {
				n++
			}
		}
	}
	return n
}

func noFrame(payload *wire.Buffer) (*wire.Buffer, error) { return payload, nil }
func noEnqueue(*wire.Buffer)                             {}

// DoIO drives one tick of I/O across every channel this transaction owns:
// sinks first (and purged), then sources (and purged only after the send
// hook runs). The ordering matters — a source that just became poll-ready
// this tick must get its DoIO call, and its data must reach the wire,
// before the send hook gets a chance to close it out (e.g. on a process
// exit observed the same tick its final stdout bytes arrive); purging a
// source before the hook runs risks dropping those bytes.
func (t *Transaction) DoIO() {
	t.mu.Lock()
	sinks := append([]*channel.Channel(nil), t.sinks...)
	sources := append([]*channel.Channel(nil), t.sources...)
	xid, extended := t.xid, t.extended
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.DoIO(noFrame, noEnqueue); err != nil {
			t.Fail(FaultFromErr(err))
		}
	}
	t.mu.Lock()
	t.sinks = purge(t.sinks)
	t.mu.Unlock()

	for _, src := range sources {
		id := src.ID
		err := src.DoIO(
			func(payload *wire.Buffer) (*wire.Buffer, error) {
				if err := wire.PushHeaderPS(payload, wire.Type(id), xid, extended); err != nil {
					return nil, err
				}
				return payload, nil
			},
			func(framed *wire.Buffer) { t.clientSock.QueueXmit(framed) },
		)
		if err != nil {
			t.Fail(FaultFromErr(err))
		}
	}

	t.mu.Lock()
	hook := t.sendHook
	t.mu.Unlock()
	if hook != nil {
		hook(t)
	}

	t.mu.Lock()
	t.sources = purge(t.sources)
	t.mu.Unlock()
}

// RecvPacket routes one incoming packet addressed to this transaction:
// drop silently if already done, write to a sink matching the packet's
// type byte, forward EOF to whichever sink has a write-EOF callback
// installed, otherwise fall through to the recv hook, and finally fail
// with EPROTO if nothing claims it.
func (t *Transaction) RecvPacket(typ wire.Type, payload []byte) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	sink := findChannel(t.sinks, byte(typ))
	eofSink := findWriteEOFSink(t.sinks)
	t.mu.Unlock()

	if sink != nil {
		buf := wire.NewBuffer(len(payload))
		buf.Append(payload)
		sink.WriteData(buf)
		return
	}

	if typ == wire.TypeEOF && eofSink != nil {
		eofSink.WriteEOF()
		return
	}

	t.mu.Lock()
	hook := t.recvHook
	t.mu.Unlock()
	if hook != nil {
		if err := hook(t, typ, payload); err != nil {
			t.Fail(FaultFromErr(err))
		}
		return
	}

	t.Fail(FaultEPROTO)
}

func (t *Transaction) buildStatus(typ wire.Type, code int) (*wire.Buffer, error) {
	if t.extended {
		return wire.BuildUintXID(typ, t.xid, code)
	}
	return wire.BuildUint(typ, code)
}

func (t *Transaction) queueOrLog(buf *wire.Buffer, err error, what string) {
	if err != nil {
		t.logf("failed to build %s packet: %v", what, err)
		return
	}
	t.clientSock.QueueXmit(buf)
}

// SendMajor sends this transaction's major status. It panics if called
// twice — a contract violation on the caller's part.
func (t *Transaction) SendMajor(code int) {
	t.mu.Lock()
	if t.majorSent {
		t.mu.Unlock()
		panic(fmt.Sprintf("%s: SendMajor called after major already sent", t))
	}
	t.majorSent = true
	t.mu.Unlock()
	t.logf("send major=%d", code)
	buf, err := t.buildStatus(wire.TypeMajor, code)
	t.queueOrLog(buf, err, "major")
}

// SendMinor sends this transaction's minor status. It panics if called
// twice, for the same reason as SendMajor.
func (t *Transaction) SendMinor(code int) {
	t.mu.Lock()
	if t.minorSent {
		t.mu.Unlock()
		panic(fmt.Sprintf("%s: SendMinor called after minor already sent", t))
	}
	t.minorSent = true
	if t.majorSent {
		t.done = true
	}
	t.mu.Unlock()
	t.logf("send minor=%d", code)
	buf, err := t.buildStatus(wire.TypeMinor, code)
	t.queueOrLog(buf, err, "minor")
}

// SendStatus sends both major and minor status and marks the transaction
// done. Calling it twice logs and does nothing the second time.
func (t *Transaction) SendStatus(major, minor int) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		t.logf("SendStatus called on a transaction that is already done")
		return
	}
	t.done = true
	t.majorSent = true
	t.minorSent = true
	t.mu.Unlock()

	t.logf("send status major=%d minor=%d", major, minor)
	majorBuf, majorErr := t.buildStatus(wire.TypeMajor, major)
	t.queueOrLog(majorBuf, majorErr, "major")
	minorBuf, minorErr := t.buildStatus(wire.TypeMinor, minor)
	t.queueOrLog(minorBuf, minorErr, "minor")
}

// Fail marks the transaction done and emits whichever of major/minor has
// not yet been sent, using code for both the status value and as the
// fault reported. If both have already been sent, it logs and drops the
// call rather than crashing the link.
func (t *Transaction) Fail(code Fault) {
	t.mu.Lock()
	t.done = true
	majorSent, minorSent := t.majorSent, t.minorSent
	t.mu.Unlock()

	if !majorSent {
		t.SendMajor(int(code))
		return
	}
	if !minorSent {
		t.SendMinor(int(code))
		return
	}
	t.logf("Fail(%d) called with status already fully sent, dropping", code)
}

// Fail2 unconditionally sends both major and minor with the given codes
// and marks the transaction done, regardless of what was sent before.
func (t *Transaction) Fail2(major, minor Fault) {
	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	t.logf("fail2 major=%d minor=%d", major, minor)
	majorBuf, majorErr := t.buildStatus(wire.TypeMajor, int(major))
	t.queueOrLog(majorBuf, majorErr, "major")
	minorBuf, minorErr := t.buildStatus(wire.TypeMinor, int(minor))
	t.queueOrLog(minorBuf, minorErr, "minor")
}

// SendTimeout sends a bare timeout packet and marks the transaction done.
func (t *Transaction) SendTimeout() {
	t.mu.Lock()
	t.done = true
	xid, extended := t.xid, t.extended
	t.mu.Unlock()

	t.logf("send timeout")
	var buf *wire.Buffer
	var err error
	if extended {
		buf, err = wire.BuildXID(wire.TypeTimeout, xid, nil)
	} else {
		buf, err = wire.Build(wire.TypeTimeout, nil)
	}
	t.queueOrLog(buf, err, "timeout")
}

// Close closes every channel this transaction still owns. A link calls
// this once a transaction has been reaped from its live set.
func (t *Transaction) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.sinks {
		_ = ch.Close()
	}
	for _, ch := range t.sources {
		_ = ch.Close()
	}
	t.sinks = nil
	t.sources = nil
}

// NumChannels reports how many sink and source channels this transaction
// currently owns, for tests and diagnostics.
func (t *Transaction) NumChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sinks) + len(t.sources)
}
