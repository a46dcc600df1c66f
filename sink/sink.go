package sink

import (
	"io"
	"sync"
)

// Result holds a command transaction's captured output and final status,
// the shape every buffering variant below produces.
type Result struct {
	Stdout []byte
	Stderr []byte
	Major  int
	Minor  int
}

// ToScreen returns stdout and stderr writers that copy straight through to
// out and errOut — the "print results as they arrive" variant.
func ToScreen(out, errOut io.Writer) (stdout, stderr io.Writer) {
	return out, errOut
}

// Drop returns stdout and stderr writers that discard everything written
// to them — the "don't care about output" variant.
func Drop() (stdout, stderr io.Writer) {
	return io.Discard, io.Discard
}

// Buffered captures stdout and stderr into a Result, either merged into
// one stream or kept apart.
type Buffered struct {
	mu     sync.Mutex
	result Result

	together bool
}

// NewBuffered creates a Buffered sink. When together is true, both stdout
// and stderr writes land in Result.Stdout (Result.Stderr stays empty);
// otherwise they're kept in their own fields.
func NewBuffered(together bool) *Buffered {
	return &Buffered{together: together}
}

// Writers returns the stdout and stderr writers for this sink.
func (b *Buffered) Writers() (stdout, stderr io.Writer) {
	return &bufWriter{b: b, stream: streamStdout}, &bufWriter{b: b, stream: streamStderr}
}

// SetStatus records the transaction's final major/minor status.
func (b *Buffered) SetStatus(major, minor int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.result.Major = major
	b.result.Minor = minor
}

// Result returns a copy of the captured output and status so far.
func (b *Buffered) Result() Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Result{
		Stdout: append([]byte(nil), b.result.Stdout...),
		Stderr: append([]byte(nil), b.result.Stderr...),
		Major:  b.result.Major,
		Minor:  b.result.Minor,
	}
}

type stream int

const (
	streamStdout stream = iota
	streamStderr
)

type bufWriter struct {
	b      *Buffered
	stream stream
}

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b.mu.Lock()
	defer w.b.mu.Unlock()
	if w.b.together || w.stream == streamStdout {
		w.b.result.Stdout = append(w.b.result.Stdout, p...)
	} else {
		w.b.result.Stderr = append(w.b.result.Stderr, p...)
	}
	return len(p), nil
}

// Progress writes one "." per call and a trailing newline when Done is
// called, the dot-per-chunk progress indicator inject and extract report
// file-transfer progress with. A nil Progress is safe to use — every
// method is a no-op — so callers can pass one unconditionally and let the
// caller decide whether progress reporting is wanted.
type Progress struct {
	out io.Writer
}

// NewProgress wraps out. Passing a nil out yields a Progress whose
// methods are no-ops.
func NewProgress(out io.Writer) *Progress {
	return &Progress{out: out}
}

// Tick reports one chunk transferred.
func (p *Progress) Tick() {
	if p == nil || p.out == nil {
		return
	}
	_, _ = p.out.Write([]byte("."))
}

// Done reports that the transfer finished, successfully or not.
func (p *Progress) Done() {
	if p == nil || p.out == nil {
		return
	}
	_, _ = p.out.Write([]byte("\n"))
}
