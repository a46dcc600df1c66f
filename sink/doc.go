// Package sink implements four output-routing variants for a command
// transaction's captured stdout/stderr: write straight to the screen,
// drop everything, or buffer stdout/stderr either merged together or
// kept separate. Each variant is just a different way of wiring
// io.Writers for a transaction's sinks to attach to; none of them is a
// core transaction-multiplexing concern.
//
// Progress is the dot-per-chunk writer inject and extract use to report
// file-transfer progress.
package sink
