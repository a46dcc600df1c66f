// Command linkmux-server accepts connections from linkmux-client, runs
// whatever command/inject/extract request arrives on each freshly seen
// transaction id, and streams the result back over the same link.
//
// It exists to give the core something real to multiplex: one TCP
// connection can carry many concurrent command/inject/extract
// transactions, each demultiplexed purely by the xid in its extended
// header.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linkmux/linkmux/link"
	"github.com/linkmux/linkmux/request"
	"github.com/linkmux/linkmux/transaction"
	"github.com/linkmux/linkmux/transport"
	"github.com/linkmux/linkmux/wire"
)

func main() {
	addr := flag.String("listen", "127.0.0.1:7890", "address to listen on")
	commandTimeout := flag.Duration("command-timeout", 5*time.Minute, "kill a running command and report a timeout status if it runs this long")
	flag.Parse()

	ln, err := transport.Listen(*addr)
	if err != nil {
		log.Fatalf("listen %s: %v", *addr, err)
	}
	defer ln.Close()
	log.Printf("linkmux-server listening on %s", *addr)

	for {
		fd, nonce, err := ln.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}
		log.Printf("accepted connection, server nonce %s", nonce)
		go serveConn(fd, *commandTimeout)
	}
}

func serveConn(fd int, commandTimeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := link.New(fd, link.Options{Extended: true})
	l.EnableDebugLogging()
	l.SetSlogLogger(slog.Default())
	l.SetSecurityEventCallback(func(event string, details map[string]any) {
		slog.Warn("link security event", "link_id", l.ID(), "event", event, "details", details)
	})
	l.SetNewTransactionHook(func(xid uint16, typ wire.Type, payload []byte) *transaction.Transaction {
		switch typ {
		case wire.TypeCommand:
			return startCommand(l, xid, payload, commandTimeout)
		case wire.TypeInject:
			return startInject(l, xid, payload)
		case wire.TypeExtract:
			return startExtract(l, xid, payload)
		case wire.TypeQuit:
			cancel()
			return nil
		default:
			return nil
		}
	})

	if err := l.Run(ctx); err != nil {
		log.Printf("link %s: %v", l.ID(), err)
	}
}

func startCommand(l *link.Link, xid uint16, payload []byte, commandTimeout time.Duration) *transaction.Transaction {
	tr := l.NewIncomingTransaction(xid, transaction.KindCommand)

	user, commandLine, err := request.DecodeCommand(payload)
	if err != nil {
		tr.Fail(transaction.FaultEPROTO)
		return tr
	}
	if !request.ValidUsername(user) {
		tr.Fail(transaction.FaultEPROTO)
		return tr
	}

	stdoutR, stdoutW, err := newPipe()
	if err != nil {
		tr.Fail(transaction.FaultFromErr(err))
		return tr
	}
	stderrR, stderrW, err := newPipe()
	if err != nil {
		unix.Close(stdoutR)
		unix.Close(stdoutW)
		tr.Fail(transaction.FaultFromErr(err))
		return tr
	}
	stdinR, stdinW, err := newPipe()
	if err != nil {
		unix.Close(stdoutR)
		unix.Close(stdoutW)
		unix.Close(stderrR)
		unix.Close(stderrW)
		tr.Fail(transaction.FaultFromErr(err))
		return tr
	}

	childStdout := os.NewFile(uintptr(stdoutW), "stdout")
	childStderr := os.NewFile(uintptr(stderrW), "stderr")
	childStdin := os.NewFile(uintptr(stdinR), "stdin")
	cmd := exec.Command("/bin/sh", "-c", commandLine)
	cmd.Stdout = childStdout
	cmd.Stderr = childStderr
	cmd.Stdin = childStdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	// The child holds its own copies; the parent's must go so that the
	// stdout/stderr sources see EOF once the command exits.
	childStdout.Close()
	childStderr.Close()
	childStdin.Close()
	if err != nil {
		unix.Close(stdoutR)
		unix.Close(stderrR)
		unix.Close(stdinW)
		tr.Fail(transaction.FaultFromErr(err))
		return tr
	}

	tr.AttachLocalSource(stdoutR, byte(wire.TypeStdout))
	tr.AttachLocalSource(stderrR, byte(wire.TypeStderr))
	tr.AttachLocalSink(stdinW, byte(wire.TypeStdin))

	log.Printf("%s: user=%s running %q (pid %d)", tr, user, commandLine, cmd.Process.Pid)

	// The command either finishes on its own or overruns commandTimeout;
	// whichever happens first wins and the other is a no-op. pending holds
	// the action the send hook should take once one of them fires.
	var once sync.Once
	pending := make(chan func(), 1)
	deadline, cancelDeadline := context.WithTimeout(context.Background(), commandTimeout)

	go func() {
		waitErr := cmd.Wait()
		cancelDeadline()
		code := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		once.Do(func() {
			pending <- func() {
				tr.CloseSource(0)
				tr.CloseSink(0)
				tr.SendStatus(0, code)
			}
		})
	}()

	go func() {
		<-deadline.Done()
		if deadline.Err() != context.DeadlineExceeded {
			return
		}
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) // the whole process group (Setpgid above)
		once.Do(func() {
			pending <- func() {
				log.Printf("%s: command timed out after %s, killed pid %d", tr, commandTimeout, cmd.Process.Pid)
				tr.CloseSource(0)
				tr.CloseSink(0)
				tr.SendTimeout()
			}
		})
	}()

	tr.SetSendHook(func(tr *transaction.Transaction) {
		select {
		case fn := <-pending:
			fn()
		default:
		}
	})

	tr.SetRecvHook(func(tr *transaction.Transaction, typ wire.Type, payload []byte) error {
		switch typ {
		case wire.TypeCommand:
			return nil
		case wire.TypeInterrupt:
			return cmd.Process.Signal(syscall.SIGINT)
		default:
			return fmt.Errorf("%w: unexpected packet %v on a command transaction", wire.ErrProtocol, typ)
		}
	})

	return tr
}

func startInject(l *link.Link, xid uint16, payload []byte) *transaction.Transaction {
	tr := l.NewIncomingTransaction(xid, transaction.KindInject)

	user, size, path, err := request.DecodeInject(payload)
	if err != nil {
		tr.Fail(transaction.FaultEPROTO)
		return tr
	}
	if !request.ValidUsername(user) {
		tr.Fail(transaction.FaultEPROTO)
		return tr
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		tr.Fail(transaction.FaultFromErr(err))
		return tr
	}

	log.Printf("%s: user=%s receiving %d bytes into %s", tr, user, size, path)
	tr.SendMajor(0)

	sinkCh := tr.AttachLocalSink(int(f.Fd()), byte(wire.TypeFileData))
	sinkCh.OnWriteEOF(func() {
		f.Close()
		tr.SendMinor(0)
	})
	tr.SetRecvHook(func(tr *transaction.Transaction, typ wire.Type, payload []byte) error {
		if typ == wire.TypeInject {
			return nil // the request packet that opened this transaction, redelivered
		}
		return fmt.Errorf("%w: unexpected packet %v on an inject transaction", wire.ErrProtocol, typ)
	})
	return tr
}

func startExtract(l *link.Link, xid uint16, payload []byte) *transaction.Transaction {
	tr := l.NewIncomingTransaction(xid, transaction.KindExtract)

	user, path, err := request.DecodeExtract(payload)
	if err != nil {
		tr.Fail(transaction.FaultEPROTO)
		return tr
	}
	if !request.ValidUsername(user) {
		tr.Fail(transaction.FaultEPROTO)
		return tr
	}

	f, err := os.Open(path)
	if err != nil {
		tr.Fail(transaction.FaultFromErr(err))
		return tr
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		tr.Fail(transaction.FaultFromErr(err))
		return tr
	}

	log.Printf("%s: user=%s sending %s (%d bytes)", tr, user, path, st.Size())

	sizePayload := append([]byte(strconv.FormatInt(st.Size(), 10)), 0)
	_ = l.Send(tr, wire.TypeFileSize, sizePayload)

	srcCh := tr.AttachLocalSource(int(f.Fd()), byte(wire.TypeFileData))
	srcCh.OnReadEOF(func() {
		f.Close()
		_ = l.Send(tr, wire.TypeEOF, nil)
		tr.SendStatus(0, 0)
	})
	tr.SetRecvHook(func(tr *transaction.Transaction, typ wire.Type, payload []byte) error {
		if typ == wire.TypeExtract {
			return nil // the request packet that opened this transaction, redelivered
		}
		return fmt.Errorf("%w: unexpected packet %v on an extract transaction", wire.ErrProtocol, typ)
	})
	return tr
}

func newPipe() (readFd, writeFd int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], 0); err != nil {
		return -1, -1, err
	}
	return fds[0], fds[1], nil
}
