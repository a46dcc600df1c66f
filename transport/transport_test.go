package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

var errNotInet4 = errors.New("transport test: sockname not IPv4")

func formatAddr(sa4 *unix.SockaddrInet4) string {
	ip := net.IPv4(sa4.Addr[0], sa4.Addr[1], sa4.Addr[2], sa4.Addr[3])
	return fmt.Sprintf("%s:%d", ip.String(), sa4.Port)
}

func TestDialListenHandshake(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	addr, err := boundAddr(ln.fd)
	if err != nil {
		t.Fatalf("boundAddr: %v", err)
	}

	type acceptResult struct {
		fd    int
		nonce uuid.UUID
		err   error
	}
	done := make(chan acceptResult, 1)
	go func() {
		fd, nonce, err := ln.Accept()
		done <- acceptResult{fd, nonce, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientFd, clientNonce, err := Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer unix.Close(clientFd)

	res := <-done
	if res.err != nil {
		t.Fatalf("Accept: %v", res.err)
	}
	defer unix.Close(res.fd)

	if clientNonce == res.nonce {
		t.Fatal("each side should mint its own nonce, not share one")
	}
	if clientNonce.String() == "" || res.nonce.String() == "" {
		t.Fatal("nonces should not be zero-valued")
	}
}

func TestDialRejectsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := Dial(ctx, "127.0.0.1:0")
	if err == nil {
		t.Fatal("expected an error for an already-canceled context")
	}
}

func TestDialUnreachablePortFails(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr, err := boundAddr(ln.fd)
	if err != nil {
		t.Fatalf("boundAddr: %v", err)
	}
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := Dial(ctx, addr); err == nil {
		t.Fatal("expected Dial to fail against a closed listener")
	}
}

func boundAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", errNotInet4
	}
	return formatAddr(sa4), nil
}
