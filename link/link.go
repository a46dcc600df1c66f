package link

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/iosock"
	"github.com/linkmux/linkmux/transaction"
	"github.com/linkmux/linkmux/wire"
)

// ErrClosed is returned by Send once a Link has shut down.
var ErrClosed = errors.New("link: closed")

// Logger is the minimal logging seam Link calls into; nil means "don't
// log this way."
type Logger interface {
	Printf(format string, v ...interface{})
}

// Options configures a Link. The zero value is usable: no xid (single
// unmultiplexed transaction at a time), a 60-second poll timeout, and
// room for 16 poll entries per transaction per tick.
type Options struct {
	// Extended selects the 6-byte xid-carrying header over the plain
	// 4-byte one. A link with Extended set can carry many transactions
	// at once, addressed by xid; without it, the link carries exactly
	// one transaction at a time, always at xid 0.
	Extended bool

	// PollTimeout bounds how long a single poll() tick waits with
	// nothing ready. Zero means 60s.
	PollTimeout time.Duration

	// MaxTransactionChannels bounds how many poll entries a single
	// transaction may contribute to one tick. Zero means 16.
	MaxTransactionChannels int
}

func (o Options) withDefaults() Options {
	if o.PollTimeout == 0 {
		o.PollTimeout = 60 * time.Second
	}
	if o.MaxTransactionChannels == 0 {
		o.MaxTransactionChannels = 16
	}
	return o
}

// Link owns the shared socket a multiplexing connection's wire protocol
// travels over, and the set of transactions currently live on it.
type Link struct {
	mu sync.Mutex

	id   uuid.UUID
	sock *iosock.Socket
	opts Options

	transactions map[uint16]*transaction.Transaction
	nextXID      uint16

	logger     Logger
	slogLogger *slog.Logger
	securityCB SecurityEventCallback

	closeOnce sync.Once
	doneCh    chan struct{}
	closeErr  error

	newTransactionHook func(xid uint16, typ wire.Type, payload []byte) *transaction.Transaction
}

// New wraps fd as the link socket for a fresh Link.
func New(fd int, opts Options) *Link {
	return &Link{
		id:           uuid.New(),
		sock:         iosock.NewFlags(fd, iosock.ReadWrite),
		opts:         opts.withDefaults(),
		transactions: make(map[uint16]*transaction.Transaction),
		doneCh:       make(chan struct{}),
	}
}

// ID returns this link's session identifier. It has no wire
// representation — it exists for logging and for callers juggling more
// than one Link — and is distinct from the 16-bit xid each transaction
// carries on the wire.
func (l *Link) ID() uuid.UUID { return l.id }

// SetLogger installs l's Printf-style logger.
func (l *Link) SetLogger(logger Logger) {
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// EnableDebugLogging installs a logger that writes to stderr, a
// convenience for the demo binaries and for ad hoc debugging.
func (l *Link) EnableDebugLogging() {
	l.SetLogger(log.New(os.Stderr, fmt.Sprintf("[link %s] ", l.id), log.LstdFlags))
}

// SetSlogLogger installs a structured logger alongside (not instead of)
// any Printf-style logger; every log line is also emitted as a slog
// Debug record tagged with this link's id.
func (l *Link) SetSlogLogger(logger *slog.Logger) {
	l.mu.Lock()
	l.slogLogger = logger
	l.mu.Unlock()
}

func (l *Link) logf(format string, v ...interface{}) {
	l.mu.Lock()
	logger, slogger := l.logger, l.slogLogger
	l.mu.Unlock()
	if logger != nil {
		logger.Printf(format, v...)
	}
	if slogger != nil {
		slogger.Debug(fmt.Sprintf(format, v...), "link_id", l.id.String())
	}
}

type transactionLogAdapter struct{ l *Link }

func (a transactionLogAdapter) Printf(format string, v ...interface{}) { a.l.logf(format, v...) }

// NewTransaction allocates the next xid and creates a Transaction for it.
// Only valid on a Link opened with Options.Extended; see
// NewUnmultiplexedTransaction for the single-transaction-at-a-time case.
func (l *Link) NewTransaction(kind transaction.Kind) *transaction.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextXID++
	xid := l.nextXID
	tr := transaction.New(l.sock, xid, kind, true)
	tr.SetLogger(transactionLogAdapter{l})
	l.transactions[xid] = tr
	return tr
}

// NewIncomingTransaction creates a Transaction for an xid learned from an
// incoming packet rather than allocated locally by this side — the
// counterpart to NewTransaction for a connection that responds to
// requests rather than opening them. It does not register the
// transaction; the caller normally reaches this through a
// NewTransactionHook, and dispatch registers whatever the hook returns.
func (l *Link) NewIncomingTransaction(xid uint16, kind transaction.Kind) *transaction.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	tr := transaction.New(l.sock, xid, kind, l.opts.Extended)
	tr.SetLogger(transactionLogAdapter{l})
	return tr
}

// NewUnmultiplexedTransaction creates the sole transaction for a Link
// opened without Options.Extended. Calling it twice replaces whatever
// transaction previously occupied xid 0.
func (l *Link) NewUnmultiplexedTransaction(kind transaction.Kind) *transaction.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	tr := transaction.New(l.sock, 0, kind, false)
	tr.SetLogger(transactionLogAdapter{l})
	l.transactions[0] = tr
	return tr
}

// Send builds a frame for typ/payload using tr's xid and header variant
// and queues it on the shared link socket. Callers use this for the
// request packets that open a transaction (command/inject/extract) and
// for control packets (quit, interrupt) that don't go through a channel.
func (l *Link) Send(tr *transaction.Transaction, typ wire.Type, payload []byte) error {
	select {
	case <-l.doneCh:
		return ErrClosed
	default:
	}
	var buf *wire.Buffer
	var err error
	if l.opts.Extended {
		buf, err = wire.BuildXID(typ, tr.ID(), payload)
	} else {
		buf, err = wire.Build(typ, payload)
	}
	if err != nil {
		return err
	}
	l.sock.QueueXmit(buf)
	return nil
}

// SetNewTransactionHook installs the function dispatch calls the first
// time a packet arrives for an xid this Link has no Transaction for. The
// hook decides whether typ/payload is a legitimate request opening a new
// transaction (e.g. a command/inject/extract packet) and, if so, returns
// a Transaction to register under xid; returning nil causes the packet to
// be dropped and logged, same as when no hook is installed. This is the
// server side's half of request routing — the client side always creates
// its own transactions up front via NewTransaction.
func (l *Link) SetNewTransactionHook(fn func(xid uint16, typ wire.Type, payload []byte) *transaction.Transaction) {
	l.mu.Lock()
	l.newTransactionHook = fn
	l.mu.Unlock()
}

// Wait blocks until Run has returned.
func (l *Link) Wait() { <-l.doneCh }

// Err returns the error Run exited with, once Wait has returned. It is
// nil for a clean shutdown.
func (l *Link) Err() error {
	<-l.doneCh
	return l.closeErr
}

// Run drives the link's poll loop until ctx is done or a fatal error
// occurs. It always returns once the link socket is dead; every
// transaction still live at that point is failed with ECANCELED (a clean
// ctx cancellation) or the fault derived from the fatal error.
func (l *Link) Run(ctx context.Context) error {
	err := l.pollLoop(ctx)
	l.shutdown(err)
	return err
}

func (l *Link) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		l.mu.Lock()
		actives := make([]*transaction.Transaction, 0, len(l.transactions))
		for _, tr := range l.transactions {
			actives = append(actives, tr)
		}
		extended := l.opts.Extended
		maxPerTrans := l.opts.MaxTransactionChannels
		l.mu.Unlock()

		pfds := make([]unix.PollFd, 1, 1+len(actives)*maxPerTrans)
		owners := make([]*transaction.Transaction, 1, cap(pfds))

		var linkEvents int16
		if l.sock.RecvBuf() == nil || !l.sock.IsReadEOF() {
			linkEvents |= unix.POLLIN
		}
		if l.sock.XmitQueueBytes() > 0 {
			linkEvents |= unix.POLLOUT
		}
		pfds[0] = unix.PollFd{Fd: int32(l.sock.Fd()), Events: linkEvents}

		for _, tr := range actives {
			room := make([]unix.PollFd, maxPerTrans)
			n := tr.FillPoll(room, maxPerTrans)
			for i := 0; i < n; i++ {
				pfds = append(pfds, room[i])
				owners = append(owners, tr)
			}
		}

		timeoutMs := int(l.opts.PollTimeout / time.Millisecond)
		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("link: poll: %w", err)
		}
		if n == 0 {
			continue
		}

		if pfds[0].Revents != 0 {
			if err := l.pumpLink(extended); err != nil {
				return err
			}
		}

		ready := make(map[*transaction.Transaction]bool)
		for i := 1; i < len(pfds); i++ {
			if pfds[i].Revents != 0 {
				ready[owners[i]] = true
			}
		}
		for tr := range ready {
			tr.DoIO()
		}

		l.reapDone()
	}
}

func (l *Link) pumpLink(extended bool) error {
	sock := l.sock
	hsz := wire.HeaderSize
	if extended {
		hsz = wire.ExtHeaderSize
	}

	if sock.RecvBuf() == nil && !sock.IsReadEOF() {
		sock.PostRecvBuf(wire.NewBuffer(hsz))
	}

	if err := sock.DoIO(); err != nil {
		return fmt.Errorf("link: socket I/O: %w", err)
	}

	buf := sock.RecvBuf()
	if buf == nil {
		if sock.IsReadEOF() {
			return errLinkReadEOF
		}
		return nil
	}

	if buf.Cap() == hsz {
		if !buf.Full() {
			return nil
		}
		length, err := wire.PeekLen(buf.Bytes(), wire.MaxPacket)
		if err != nil {
			l.emitSecurityEvent("bad_frame_length", map[string]any{"error": err.Error()})
			return fmt.Errorf("link: %w", err)
		}
		if length > hsz {
			buf.Resize(length)
			return nil // header-only so far; keep reading the payload on later ticks
		}
		l.handleFrame(sock.TakeRecvBuf(), extended)
		return nil
	}

	if buf.Full() {
		l.handleFrame(sock.TakeRecvBuf(), extended)
	}
	if sock.IsReadEOF() {
		return errLinkReadEOF
	}
	return nil
}

var errLinkReadEOF = errors.New("link: read-EOF on the link socket")

func (l *Link) handleFrame(buf *wire.Buffer, extended bool) {
	raw := buf.Bytes()
	if extended {
		hdr, payload, err := wire.ParseXID(raw)
		if err != nil {
			l.emitSecurityEvent("bad_frame", map[string]any{"error": err.Error()})
			return
		}
		l.dispatch(hdr.XID, hdr.Type, payload)
		return
	}
	hdr, payload, err := wire.Parse(raw)
	if err != nil {
		l.emitSecurityEvent("bad_frame", map[string]any{"error": err.Error()})
		return
	}
	l.dispatch(0, hdr.Type, payload)
}

func (l *Link) dispatch(xid uint16, typ wire.Type, payload []byte) {
	l.mu.Lock()
	tr := l.transactions[xid]
	hook := l.newTransactionHook
	l.mu.Unlock()

	if tr == nil && hook != nil {
		tr = hook(xid, typ, payload)
		if tr != nil {
			l.mu.Lock()
			l.transactions[xid] = tr
			l.mu.Unlock()
		}
	}
	if tr == nil {
		l.logf("dropping packet type %v for unknown xid %d", typ, xid)
		return
	}
	tr.RecvPacket(typ, payload)
	if tr.Done() {
		l.mu.Lock()
		delete(l.transactions, xid)
		l.mu.Unlock()
		tr.Close()
	}
}

func (l *Link) reapDone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for xid, tr := range l.transactions {
		if tr.Done() {
			delete(l.transactions, xid)
			tr.Close()
		}
	}
}

// shutdown fails every transaction still live (ECANCELED on a clean
// context cancellation, otherwise the fault derived from cause), closes
// the link socket, and unblocks Wait/Err. Safe to call more than once;
// only the first call has any effect.
func (l *Link) shutdown(cause error) {
	l.closeOnce.Do(func() {
		l.closeErr = cause

		l.mu.Lock()
		pending := make([]*transaction.Transaction, 0, len(l.transactions))
		for _, tr := range l.transactions {
			pending = append(pending, tr)
		}
		l.transactions = map[uint16]*transaction.Transaction{}
		l.mu.Unlock()

		fault := transaction.FaultECANCELED
		if cause != nil && !errors.Is(cause, context.Canceled) {
			fault = transaction.FaultFromErr(cause)
		}
		for _, tr := range pending {
			tr.Fail(fault)
			tr.Close()
		}
		_ = l.sock.Close()
		close(l.doneCh)
	})
}
