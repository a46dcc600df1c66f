// Command linkmux-client dials linkmux-server and runs one command,
// inject, or extract transaction over the resulting link, printing the
// remote command's output or the file-transfer's progress as it
// streams in.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/link"
	"github.com/linkmux/linkmux/request"
	"github.com/linkmux/linkmux/sink"
	"github.com/linkmux/linkmux/transaction"
	"github.com/linkmux/linkmux/transport"
	"github.com/linkmux/linkmux/wire"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7890", "server address")
	user := flag.String("user", currentUser(), "username carried in the request")
	mode := flag.String("mode", "run", "run | inject | extract")
	local := flag.String("local", "", "local file path (inject source, extract destination)")
	remote := flag.String("remote", "", "remote file path (inject destination, extract source)")
	output := flag.String("output", "screen", "run mode output routing: screen | buffer | buffer-together | drop")
	timeout := flag.Duration("timeout", 30*time.Second, "overall deadline for the transaction")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fd, nonce, err := transport.Dial(ctx, *addr)
	if err != nil {
		log.Fatalf("dial %s: %v", *addr, err)
	}
	log.Printf("connected to %s, client nonce %s", *addr, nonce)

	l := link.New(fd, link.Options{Extended: true})
	l.EnableDebugLogging()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	switch *mode {
	case "run":
		if err := runCommand(l, runCancel, *user, strings.Join(flag.Args(), " "), *output); err != nil {
			log.Fatalf("run: %v", err)
		}
	case "inject":
		if err := runInject(l, runCancel, *user, *local, *remote); err != nil {
			log.Fatalf("inject: %v", err)
		}
	case "extract":
		if err := runExtract(l, runCancel, *user, *remote, *local); err != nil {
			log.Fatalf("extract: %v", err)
		}
	default:
		log.Fatalf("unknown -mode %q", *mode)
	}

	if err := l.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("link: %v", err)
	}
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "nobody"
}

// statusHook builds a recv hook that watches for the major/minor status
// pair a transaction's peer eventually sends: onReady fires when major
// arrives as 0 (the request was accepted, go ahead), onFinal fires once
// the transaction has reached its terminal status either way. Callers
// that need to intercept a reply packet ahead of the status pair (extract's
// leading file-size reply) wrap the returned hook instead of calling
// awaitStatus directly.
func statusHook(cancel context.CancelFunc, onReady func(), onFinal func(major, minor int)) func(*transaction.Transaction, wire.Type, []byte) error {
	major := 0
	return func(tr *transaction.Transaction, typ wire.Type, payload []byte) error {
		switch typ {
		case wire.TypeMajor:
			code, err := wire.ParseUint(payload)
			if err != nil {
				return err
			}
			major = code
			if code != 0 {
				onFinal(code, -1)
				cancel()
				return nil
			}
			if onReady != nil {
				onReady()
			}
			return nil
		case wire.TypeMinor:
			code, err := wire.ParseUint(payload)
			if err != nil {
				return err
			}
			onFinal(major, code)
			cancel()
			return nil
		case wire.TypeTimeout:
			fmt.Fprintln(os.Stderr, "transaction timed out")
			cancel()
			return nil
		default:
			return fmt.Errorf("%w: unexpected packet %v on %s", wire.ErrProtocol, typ, tr)
		}
	}
}

// awaitStatus installs statusHook directly as tr's recv hook.
func awaitStatus(tr *transaction.Transaction, cancel context.CancelFunc, onReady func(), onFinal func(major, minor int)) {
	tr.SetRecvHook(statusHook(cancel, onReady, onFinal))
}

func runCommand(l *link.Link, cancel context.CancelFunc, user, commandLine, output string) error {
	if commandLine == "" {
		return errors.New("no command given (pass it after the flags)")
	}
	payload, err := request.EncodeCommand(user, commandLine)
	if err != nil {
		return err
	}

	tr := l.NewTransaction(transaction.KindCommand)

	var buffered *sink.Buffered
	switch output {
	case "screen":
		tr.AttachLocalSink(int(os.Stdout.Fd()), byte(wire.TypeStdout))
		tr.AttachLocalSink(int(os.Stderr.Fd()), byte(wire.TypeStderr))
	case "drop":
		attachDiscardSink(tr, byte(wire.TypeStdout))
		attachDiscardSink(tr, byte(wire.TypeStderr))
	case "buffer", "buffer-together":
		buffered = sink.NewBuffered(output == "buffer-together")
		stdoutW, stderrW := buffered.Writers()
		attachWriterSink(tr, byte(wire.TypeStdout), stdoutW)
		attachWriterSink(tr, byte(wire.TypeStderr), stderrW)
	default:
		return fmt.Errorf("unknown -output %q", output)
	}

	tr.AttachLocalSource(int(os.Stdin.Fd()), byte(wire.TypeStdin))

	awaitStatus(tr, cancel, nil, func(major, minor int) {
		if buffered != nil {
			buffered.SetStatus(major, minor)
			res := buffered.Result()
			os.Stdout.Write(res.Stdout)
			os.Stderr.Write(res.Stderr)
		}
		fmt.Fprintf(os.Stderr, "command finished: major=%d minor=%d\n", major, minor)
	})

	return l.Send(tr, wire.TypeCommand, payload)
}

func runInject(l *link.Link, cancel context.CancelFunc, user, localPath, remotePath string) error {
	if localPath == "" || remotePath == "" {
		return errors.New("inject needs both -local and -remote")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	payload, err := request.EncodeInject(user, st.Size(), remotePath)
	if err != nil {
		f.Close()
		return err
	}

	tr := l.NewTransaction(transaction.KindInject)
	src := tr.AttachLocalSource(int(f.Fd()), byte(wire.TypeFileData))
	src.SetPlugged(true)

	progress := sink.NewProgress(os.Stderr)
	src.OnReadEOF(func() {
		f.Close()
		progress.Tick()
		_ = l.Send(tr, wire.TypeEOF, nil)
	})

	tr.SetSendHook(func(tr *transaction.Transaction) {
		if !src.Plugged() && !src.IsDead() {
			progress.Tick()
		}
	})

	awaitStatus(tr, cancel, func() {
		src.SetPlugged(false)
	}, func(major, minor int) {
		progress.Done()
		fmt.Fprintf(os.Stderr, "inject finished: major=%d minor=%d\n", major, minor)
	})

	return l.Send(tr, wire.TypeInject, payload)
}

func runExtract(l *link.Link, cancel context.CancelFunc, user, remotePath, localPath string) error {
	if localPath == "" || remotePath == "" {
		return errors.New("extract needs both -local and -remote")
	}
	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	payload, err := request.EncodeExtract(user, remotePath)
	if err != nil {
		f.Close()
		return err
	}

	tr := l.NewTransaction(transaction.KindExtract)
	sinkCh := tr.AttachLocalSink(int(f.Fd()), byte(wire.TypeFileData))
	sinkCh.OnWriteEOF(func() {
		f.Close()
	})

	progress := sink.NewProgress(os.Stderr)
	tr.SetSendHook(func(tr *transaction.Transaction) {
		progress.Tick()
	})

	tr.SetRecvHook(wrapSizeThen(func(size int) {
		fmt.Fprintf(os.Stderr, "extract: remote file is %d bytes\n", size)
	}, statusHook(cancel, nil, func(major, minor int) {
		progress.Done()
		fmt.Fprintf(os.Stderr, "extract finished: major=%d minor=%d\n", major, minor)
	})))

	return l.Send(tr, wire.TypeExtract, payload)
}

// wrapSizeThen returns a recv hook that intercepts a leading file-size
// reply and otherwise delegates to next — extract's reply starts with
// exactly one 's' packet before the usual major/minor sequence.
func wrapSizeThen(onSize func(int), next func(*transaction.Transaction, wire.Type, []byte) error) func(*transaction.Transaction, wire.Type, []byte) error {
	seenSize := false
	return func(tr *transaction.Transaction, typ wire.Type, payload []byte) error {
		if !seenSize && typ == wire.TypeFileSize {
			seenSize = true
			size, err := wire.ParseUint(payload)
			if err != nil {
				return err
			}
			onSize(size)
			return nil
		}
		return next(tr, typ, payload)
	}
}

func attachDiscardSink(tr *transaction.Transaction, id byte) {
	discard, _ := sink.Drop()
	attachWriterSink(tr, id, discard)
}

// attachWriterSink pumps a channel's incoming bytes into w by handing the
// channel a pipe and draining the read end into w on a background
// goroutine — used when the caller wants an io.Writer-shaped sink
// (sink.Buffered, sink.Drop) rather than a raw fd.
func attachWriterSink(tr *transaction.Transaction, id byte, w interface{ Write([]byte) (int, error) }) {
	r, wfd, err := newPipe()
	if err != nil {
		return
	}
	tr.AttachLocalSink(wfd, id)
	go func() {
		f := os.NewFile(uintptr(r), "sink-reader")
		buf := make([]byte, 32*1024)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
			}
			if err != nil {
				f.Close()
				return
			}
		}
	}()
}

func newPipe() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
