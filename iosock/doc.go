// Package iosock wraps a single non-blocking file descriptor with the
// read/write bookkeeping a poll-driven link needs: one posted receive
// buffer filled incrementally across calls, a FIFO send queue drained the
// same way, and dead/EOF tracking so a caller can tell a clean shutdown
// from a broken pipe.
//
// A Socket never blocks. Each DoIO call reads and writes as much as the
// kernel will currently accept; EAGAIN/EWOULDBLOCK just means "try again
// on the next poll tick," not an error.
package iosock
