// Package linkmux is the transaction-multiplexing core of a test
// orchestration framework: it runs shell commands and moves files over a
// single byte-oriented link (virtio-serial, a serial line, or a TCP
// stream), multiplexing many independent transactions over that one pipe
// behind a small per-packet header.
//
// # Architecture
//
// The core is organized bottom-up:
//
//   - wire: packet header codec and the growable Buffer every layer above
//     builds frames in
//   - iosock: a non-blocking fd wrapper with one posted receive buffer and
//     a bounded send queue
//   - channel: one multiplexed stdin/stdout/stderr/file stream
//     within a transaction, sink (we write) or source (we read)
//   - transaction: the per-request state machine (command, inject,
//     extract) and its channel set
//   - link: the poll loop that owns the link socket, demultiplexes
//     incoming frames by transaction id, and drives every live
//     transaction's I/O each tick
//
// Above the core, request encodes and decodes the command/inject/extract
// payload grammar, sink provides the four output-routing variants
// (to-screen, drop, buffered-together, buffered-separately), and
// transport is a demonstration TCP transport the cmd binaries and
// integration tests dial or listen on.
//
// # Basic usage
//
//	l := link.New(fd, link.Options{Extended: true})
//	tr := l.NewTransaction(transaction.KindCommand)
//	payload, _ := request.EncodeCommand("alice", "echo hi")
//	l.Send(tr, wire.TypeCommand, payload)
//	go l.Run(ctx)
//
// # Transport
//
// linkmux does not assume any particular link backend. Anything that
// exposes a raw, already-connected file descriptor — virtio-serial, a
// pty, a TCP socket — can be handed to link.New. The transport package is
// a demonstration TCP backend for the cmd binaries and tests, not a
// stand-in for a production transport.
package linkmux
