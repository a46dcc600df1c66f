package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/transaction"
	"github.com/linkmux/linkmux/wire"
)

func socketpair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	a := os.NewFile(uintptr(fds[0]), "link-a")
	b := os.NewFile(uintptr(fds[1]), "link-b")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

// readOneFrame reads exactly one frame off peer, header first and then the
// rest of its declared length, so frames the link wrote back to back are
// left in the socket for the next call.
func readOneFrame(t *testing.T, peer *os.File) []byte {
	t.Helper()
	raw := make([]byte, wire.MaxPacket)
	if _, err := io.ReadFull(peer, raw[:wire.HeaderSize]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	n, err := wire.PeekLen(raw, wire.MaxPacket)
	if err != nil {
		t.Fatalf("PeekLen: %v", err)
	}
	if _, err := io.ReadFull(peer, raw[wire.HeaderSize:n]); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return raw[:n]
}

func readFrame(t *testing.T, peer *os.File) (wire.Header, []byte) {
	t.Helper()
	raw := readOneFrame(t, peer)
	hdr, payload, err := wire.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return hdr, append([]byte(nil), payload...)
}

// readFrameExt is readFrame for a link opened with Options{Extended: true},
// where every frame carries a 6-byte header instead of the plain 4-byte one.
func readFrameExt(t *testing.T, peer *os.File) (wire.ExtHeader, []byte) {
	t.Helper()
	raw := readOneFrame(t, peer)
	hdr, payload, err := wire.ParseXID(raw)
	if err != nil {
		t.Fatalf("ParseXID: %v", err)
	}
	return hdr, append([]byte(nil), payload...)
}

func TestRunForwardsSourceDataThenStatus(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{})

	tr := l.NewUnmultiplexedTransaction(transaction.KindCommand)
	srcR, srcW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	src := tr.AttachLocalSource(int(srcR.Fd()), byte(wire.TypeStdout))
	src.OnReadEOF(func() { tr.SendStatus(0, 0) })

	if _, err := srcW.Write([]byte("hi\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	srcW.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	hdr, payload := readFrame(t, clientEnd)
	if hdr.Type != wire.TypeStdout || string(payload) != "hi\n" {
		t.Fatalf("got type=%v payload=%q, want type=%v payload=%q", hdr.Type, payload, wire.TypeStdout, "hi\n")
	}

	hdr, payload = readFrame(t, clientEnd)
	if hdr.Type != wire.TypeMajor {
		t.Fatalf("got type=%v, want major", hdr.Type)
	}
	if code, _ := wire.ParseUint(payload); code != 0 {
		t.Fatalf("major code = %d, want 0", code)
	}

	hdr, payload = readFrame(t, clientEnd)
	if hdr.Type != wire.TypeMinor {
		t.Fatalf("got type=%v, want minor", hdr.Type)
	}
	if code, _ := wire.ParseUint(payload); code != 0 {
		t.Fatalf("minor code = %d, want 0", code)
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunTearsDownOnGarbageLength(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{})

	tr := l.NewUnmultiplexedTransaction(transaction.KindCommand)
	failed := make(chan transaction.Fault, 1)
	tr.SetRecvHook(func(_ *transaction.Transaction, _ wire.Type, _ []byte) error {
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	// A header declaring a length shorter than the header itself — no
	// valid frame can ever follow, so the link must tear itself down.
	garbage := []byte{byte(wire.TypeCommand), 0, 0, 3}
	if _, err := clientEnd.Write(garbage); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("expected Run to return an error after garbage framing")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after receiving a garbage frame length")
	}
	_ = failed
}

func TestNewTransactionAssignsDistinctXIDs(t *testing.T) {
	serverEnd, _ := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{Extended: true})

	a := l.NewTransaction(transaction.KindCommand)
	b := l.NewTransaction(transaction.KindInject)
	if a.ID() == b.ID() {
		t.Fatalf("expected distinct xids, got %d and %d", a.ID(), b.ID())
	}
}

func TestNewTransactionHookSpawnsIncomingTransaction(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{Extended: true})

	const incomingXID = 42
	seen := make(chan wire.Type, 1)
	l.SetNewTransactionHook(func(xid uint16, typ wire.Type, payload []byte) *transaction.Transaction {
		if xid != incomingXID {
			return nil
		}
		seen <- typ
		tr := l.NewIncomingTransaction(xid, transaction.KindCommand)
		tr.SendStatus(0, 0)
		return tr
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	buf, err := wire.BuildXID(wire.TypeCommand, incomingXID, []byte("alice echo hi\x00"))
	if err != nil {
		t.Fatalf("BuildXID: %v", err)
	}
	if _, err := clientEnd.Write(buf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case typ := <-seen:
		if typ != wire.TypeCommand {
			t.Fatalf("hook saw type %v, want TypeCommand", typ)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("new-transaction hook was never invoked")
	}

	hdr, _ := readFrame(t, clientEnd)
	if hdr.Type != wire.TypeMajor {
		t.Fatalf("expected a major status reply, got %v", hdr.Type)
	}

	cancel()
	<-runErr
}

func TestDispatchDropsUnknownXIDWithoutHook(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{Extended: true})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	buf, err := wire.BuildXID(wire.TypeCommand, 7, []byte("alice echo hi\x00"))
	if err != nil {
		t.Fatalf("BuildXID: %v", err)
	}
	if _, err := clientEnd.Write(buf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case err := <-runErr:
		t.Fatalf("Run should not exit merely because an unknown xid had no hook: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
	cancel()
	<-runErr
}

func TestRunWritesInjectedFileThenSendsMinor(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{Extended: true})

	dst, err := os.CreateTemp(t.TempDir(), "linkmux-inject-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	dstPath := dst.Name()

	const incomingXID = 11
	l.SetNewTransactionHook(func(xid uint16, typ wire.Type, payload []byte) *transaction.Transaction {
		tr := l.NewIncomingTransaction(xid, transaction.KindInject)
		if typ != wire.TypeInject {
			tr.Fail(transaction.FaultEPROTO)
			return tr
		}
		tr.SendMajor(0)
		sinkCh := tr.AttachLocalSink(int(dst.Fd()), byte(wire.TypeFileData))
		sinkCh.OnWriteEOF(func() {
			dst.Close()
			tr.SendMinor(0)
		})
		tr.SetRecvHook(func(tr *transaction.Transaction, typ wire.Type, payload []byte) error {
			if typ == wire.TypeInject {
				return nil // the request packet that opened this transaction, redelivered
			}
			return fmt.Errorf("%w: unexpected packet %v on an inject transaction", wire.ErrProtocol, typ)
		})
		return tr
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	content := []byte("the quick brown fox jumps over the lazy dog\n")
	reqBuf, err := wire.BuildXID(wire.TypeInject, incomingXID, []byte("alice 45 "+dstPath+"\x00"))
	if err != nil {
		t.Fatalf("BuildXID: %v", err)
	}
	if _, err := clientEnd.Write(reqBuf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	hdr, _ := readFrameExt(t, clientEnd)
	if hdr.Type != wire.TypeMajor {
		t.Fatalf("got %v, want major", hdr.Type)
	}

	dataBuf, err := wire.BuildXID(wire.TypeFileData, incomingXID, content)
	if err != nil {
		t.Fatalf("BuildXID: %v", err)
	}
	if _, err := clientEnd.Write(dataBuf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	eofBuf, err := wire.BuildXID(wire.TypeEOF, incomingXID, nil)
	if err != nil {
		t.Fatalf("BuildXID: %v", err)
	}
	if _, err := clientEnd.Write(eofBuf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	hdr, _ = readFrameExt(t, clientEnd)
	if hdr.Type != wire.TypeMinor {
		t.Fatalf("got %v, want minor", hdr.Type)
	}

	cancel()
	<-runErr

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("file content = %q, want %q", got, content)
	}
}

func TestRunFailsExtractOfMissingFileWithENOENT(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{Extended: true})

	const incomingXID = 12
	l.SetNewTransactionHook(func(xid uint16, typ wire.Type, payload []byte) *transaction.Transaction {
		tr := l.NewIncomingTransaction(xid, transaction.KindExtract)
		if typ != wire.TypeExtract {
			tr.Fail(transaction.FaultEPROTO)
			return tr
		}
		f, err := os.Open("/no/such/path/linkmux-test-missing")
		if err != nil {
			tr.Fail(transaction.FaultFromErr(err))
			return tr
		}
		f.Close()
		t.Fatal("expected the extract path to not exist")
		return tr
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	reqBuf, err := wire.BuildXID(wire.TypeExtract, incomingXID, []byte("alice /no/such/path/linkmux-test-missing\x00"))
	if err != nil {
		t.Fatalf("BuildXID: %v", err)
	}
	if _, err := clientEnd.Write(reqBuf.Bytes()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	hdr, payload := readFrameExt(t, clientEnd)
	if hdr.Type != wire.TypeMajor {
		t.Fatalf("got %v, want major", hdr.Type)
	}
	code, err := wire.ParseUint(payload)
	if err != nil {
		t.Fatalf("ParseUint: %v", err)
	}
	if transaction.Fault(code) != transaction.FaultENOENT {
		t.Fatalf("major code = %d, want ENOENT (%d)", code, transaction.FaultENOENT)
	}

	cancel()
	<-runErr
}

func TestRunDeliversTimeoutPacket(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{})

	tr := l.NewUnmultiplexedTransaction(transaction.KindCommand)
	tr.SendTimeout()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	hdr, payload := readFrame(t, clientEnd)
	if hdr.Type != wire.TypeTimeout {
		t.Fatalf("got %v, want timeout", hdr.Type)
	}
	if len(payload) != 0 {
		t.Fatalf("timeout payload = %v, want empty", payload)
	}
	if !tr.Done() {
		t.Fatal("expected SendTimeout to mark the transaction done")
	}

	cancel()
	<-runErr
}

// frameReader reassembles a stream of wire frames out of a *os.File whose
// reads don't respect frame boundaries — needed once enough frames pile up
// in the kernel that one Read can return several of them, or a partial one.
type frameReader struct {
	t    *testing.T
	peer *os.File
	buf  []byte
}

func newFrameReader(t *testing.T, peer *os.File) *frameReader {
	return &frameReader{t: t, peer: peer}
}

func (r *frameReader) next() (wire.Header, []byte) {
	r.t.Helper()
	for {
		if len(r.buf) >= wire.HeaderSize {
			if length, err := wire.PeekLen(r.buf, wire.MaxPacket); err == nil && len(r.buf) >= length {
				hdr, payload, err := wire.Parse(r.buf[:length])
				if err != nil {
					r.t.Fatalf("Parse: %v", err)
				}
				payload = append([]byte(nil), payload...)
				r.buf = r.buf[length:]
				return hdr, payload
			}
		}
		chunk := make([]byte, 65536)
		n, err := r.peer.Read(chunk)
		if err != nil {
			r.t.Fatalf("Read: %v", err)
		}
		r.buf = append(r.buf, chunk[:n]...)
	}
}

func TestRunRespectsBackpressureUnderSustainedSourceLoad(t *testing.T) {
	serverEnd, clientEnd := socketpair(t)
	l := New(int(serverEnd.Fd()), Options{})

	tr := l.NewUnmultiplexedTransaction(transaction.KindCommand)
	srcR, srcW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	src := tr.AttachLocalSource(int(srcR.Fd()), byte(wire.TypeStdout))
	done := make(chan struct{})
	src.OnReadEOF(func() { tr.SendStatus(0, 0); close(done) })

	const total = 1 << 20 // 1 MiB
	go func() {
		chunk := make([]byte, 32*1024)
		for i := range chunk {
			chunk[i] = byte(i)
		}
		written := 0
		for written < total {
			n := len(chunk)
			if total-written < n {
				n = total - written
			}
			if _, err := srcW.Write(chunk[:n]); err != nil {
				return
			}
			written += n
		}
		srcW.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	// Don't read clientEnd yet: let the link's send queue back up past
	// iosock.HighWater while the source keeps producing.
	deadline := time.Now().Add(3 * time.Second)
	stalled := false
	pfds := make([]unix.PollFd, 4)
	for time.Now().Before(deadline) {
		if tr.FillPoll(pfds, 4) == 0 {
			stalled = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !stalled {
		t.Fatal("expected the source's poll interest to drop to zero once the send queue crossed HighWater")
	}

	r := newFrameReader(t, clientEnd)
	got := make([]byte, 0, total)
	sawStatus := false
	for !sawStatus {
		hdr, payload := r.next()
		switch hdr.Type {
		case wire.TypeStdout:
			got = append(got, payload...)
		case wire.TypeMajor, wire.TypeMinor:
			sawStatus = true
		default:
			t.Fatalf("unexpected frame type %v", hdr.Type)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("source read-EOF callback never fired")
	}

	if len(got) != total {
		t.Fatalf("delivered %d bytes, want %d — data was lost under backpressure", len(got), total)
	}

	cancel()
	<-runErr
}
