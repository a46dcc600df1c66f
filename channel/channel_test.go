package channel

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/wire"
)

func pipePair(t *testing.T) (*os.File, *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() {
		r.Close()
		w.Close()
	})
	return r, w
}

func TestWriteDataDiscardedOnDetachedChannel(t *testing.T) {
	_, w := pipePair(t)
	ch := NewSink(int(w.Fd()), byte(wire.TypeStdout))
	ch.Detach()

	payload := wire.NewBuffer(0)
	payload.Append([]byte("dropped"))
	ch.WriteData(payload) // must not panic, must not write anywhere

	if ch.Socket() != nil {
		t.Fatal("expected a detached channel to report a nil socket")
	}
}

func TestWriteDataQueuesOnAttachedSink(t *testing.T) {
	r, w := pipePair(t)
	ch := NewSink(int(w.Fd()), byte(wire.TypeStdout))

	payload := wire.NewBuffer(0)
	payload.Append([]byte("hi"))
	ch.WriteData(payload)
	if err := ch.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := make([]byte, 2)
	if _, err := r.Read(got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q, want %q", got, "hi")
	}
}

func TestWriteEOFFiresCallbackOnce(t *testing.T) {
	_, w := pipePair(t)
	ch := NewSink(int(w.Fd()), byte(wire.TypeStdout))

	fired := 0
	ch.OnWriteEOF(func() { fired++ })
	ch.WriteEOF()
	ch.WriteEOF()
	if fired != 1 {
		t.Fatalf("write-EOF callback fired %d times, want 1", fired)
	}
	if ch.HasWriteEOFCallback() {
		t.Fatal("write-EOF callback should be cleared once it has fired")
	}
}

func TestPollSkipsPluggedSource(t *testing.T) {
	r, w := pipePair(t)
	defer w.Close()
	ch := NewSource(int(r.Fd()), byte(wire.TypeStdin))
	ch.SetPlugged(true)

	var pfd unix.PollFd
	if ch.Poll(&pfd, wire.HeaderSize) {
		t.Fatal("a plugged source should never be polled")
	}
	if ch.Socket().RecvBuf() != nil {
		t.Fatal("a plugged source should never have a receive buffer posted")
	}
}

func TestPollPostsBufferForUnpluggedSource(t *testing.T) {
	r, w := pipePair(t)
	defer w.Close()
	ch := NewSource(int(r.Fd()), byte(wire.TypeStdin))

	var pfd unix.PollFd
	if !ch.Poll(&pfd, wire.HeaderSize) {
		t.Fatal("expected an unplugged source to be polled for input")
	}
	if ch.Socket().RecvBuf() == nil {
		t.Fatal("expected a receive buffer to be posted")
	}
}

func TestDoIOFramesSourceData(t *testing.T) {
	r, w := pipePair(t)
	ch := NewSource(int(r.Fd()), byte(wire.TypeStdin))
	if _, err := w.Write([]byte("keys")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	w.Close()

	var pfd unix.PollFd
	ch.Poll(&pfd, wire.HeaderSize)

	var queued *wire.Buffer
	err := ch.DoIO(
		func(payload *wire.Buffer) (*wire.Buffer, error) {
			return payload, wire.PushHeaderPS(payload, wire.Type(ch.ID), 0, false)
		},
		func(framed *wire.Buffer) { queued = framed },
	)
	if err != nil {
		t.Fatalf("DoIO: %v", err)
	}
	if queued == nil {
		t.Fatal("expected DoIO to hand a framed buffer to enqueue once EOF is reached")
	}
	hdr, payload, err := wire.Parse(queued.Bytes())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if hdr.Type != wire.TypeStdin || string(payload) != "keys" {
		t.Fatalf("got type=%v payload=%q, want type=%v payload=%q", hdr.Type, payload, wire.TypeStdin, "keys")
	}
}

func TestIsDeadAfterClose(t *testing.T) {
	_, w := pipePair(t)
	ch := NewSink(int(w.Fd()), byte(wire.TypeStdout))
	if ch.IsDead() {
		t.Fatal("a freshly attached channel should not be dead")
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ch.IsDead() {
		t.Fatal("a closed channel should report IsDead")
	}
}
