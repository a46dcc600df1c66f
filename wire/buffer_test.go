package wire

import "testing"

func TestBufferReserveHeadAndPrepend(t *testing.T) {
	buf := NewBuffer(HeaderSize + 5)
	buf.ReserveHead(HeaderSize)
	buf.Append([]byte("hello"))

	if got := buf.Count(); got != 5 {
		t.Fatalf("Count() = %d, want 5", got)
	}
	if err := buf.Prepend([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Prepend: %v", err)
	}
	if got := buf.Count(); got != 9 {
		t.Fatalf("Count() after Prepend = %d, want 9", got)
	}
	want := []byte{1, 2, 3, 4, 'h', 'e', 'l', 'l', 'o'}
	if got := buf.Bytes(); string(got) != string(want) {
		t.Fatalf("Bytes() = %v, want %v", got, want)
	}
}

func TestBufferPrependNoRoom(t *testing.T) {
	buf := NewBuffer(4)
	buf.Append([]byte("ab"))
	if err := buf.Prepend([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for insufficient reserved head room")
	}
}

func TestBufferAppendGrows(t *testing.T) {
	buf := NewBuffer(2)
	buf.Append([]byte("hello world"))
	if got := buf.Count(); got != len("hello world") {
		t.Fatalf("Count() = %d, want %d", got, len("hello world"))
	}
	if got := string(buf.Bytes()); got != "hello world" {
		t.Fatalf("Bytes() = %q, want %q", got, "hello world")
	}
}

func TestBufferAdvance(t *testing.T) {
	buf := NewBuffer(0)
	buf.Append([]byte("abcdef"))
	buf.Advance(2)
	if got := string(buf.Bytes()); got != "cdef" {
		t.Fatalf("Bytes() = %q, want %q", got, "cdef")
	}
}

func TestBufferAdvancePastTailPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic advancing past tail")
		}
	}()
	buf := NewBuffer(0)
	buf.Append([]byte("ab"))
	buf.Advance(3)
}

func TestBufferFreeSpaceAndGrow(t *testing.T) {
	buf := NewBuffer(8)
	free := buf.FreeSpace()
	if len(free) != 8 {
		t.Fatalf("FreeSpace() len = %d, want 8", len(free))
	}
	n := copy(free, []byte("abc"))
	buf.Grow(n)
	if got := buf.Count(); got != 3 {
		t.Fatalf("Count() = %d, want 3", got)
	}
	if buf.Full() {
		t.Fatal("buffer should not be full after writing 3 of 8 bytes")
	}
}

func TestBufferClone(t *testing.T) {
	buf := NewBuffer(HeaderSize + 3)
	buf.ReserveHead(HeaderSize)
	buf.Append([]byte("abc"))

	clone := buf.Clone()
	if string(clone.Bytes()) != "abc" {
		t.Fatalf("Clone().Bytes() = %q, want %q", clone.Bytes(), "abc")
	}
	// The clone has no reserved head room of its own.
	if err := clone.Prepend([]byte{1}); err == nil {
		t.Fatal("expected Prepend on an unreserved clone to fail")
	}
}

func TestBufferTake(t *testing.T) {
	buf := NewBuffer(0)
	buf.Append([]byte("xyz"))
	out := buf.Take()
	if string(out) != "xyz" {
		t.Fatalf("Take() = %q, want %q", out, "xyz")
	}
	if buf.Count() != 0 {
		t.Fatalf("Count() after Take() = %d, want 0", buf.Count())
	}
}
