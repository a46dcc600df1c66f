// Package channel implements the sink/source adaptor that sits between a
// transaction and one local file descriptor: a sink is something the link
// writes to (the remote side's stdout arriving locally, for instance), a
// source is something the link reads from and forwards (stdin, a file
// being injected). Each channel is addressed within its owning transaction
// by a one-byte id, which doubles as the wire packet type used when
// framing data read from a source.
package channel
