package outbuf

import (
	"errors"
	"syscall"
	"testing"
)

type flakyWriter struct {
	accept  int
	writes  [][]byte
	failErr error
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.accept >= 0 && n > w.accept {
		n = w.accept
	}

	if n > 0 {
		w.writes = append(w.writes, append([]byte(nil), p[:n]...))
	}

	if n < len(p) {
		return n, w.failErr
	}

	return n, nil
}

func TestDrainFullyWritesWhenUnobstructed(t *testing.T) {
	b := New(0)
	if err := b.Append([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	w := &flakyWriter{accept: -1}
	n, err := b.Drain(w)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if n != 5 || b.Len() != 0 || b.Blocked() {
		t.Fatalf("n=%d len=%d blocked=%v", n, b.Len(), b.Blocked())
	}
}

func TestDrainSetsBlockedOnEAGAIN(t *testing.T) {
	b := New(0)
	if err := b.Append([]byte("hello world")); err != nil {
		t.Fatal(err)
	}

	w := &flakyWriter{accept: 5, failErr: syscall.EAGAIN}
	n, err := b.Drain(w)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}

	if !b.Blocked() {
		t.Fatalf("expected Blocked() after EAGAIN")
	}

	if b.Len() != len("hello world")-5 {
		t.Fatalf("Len() = %d, want %d", b.Len(), len("hello world")-5)
	}
}

func TestDrainPropagatesOtherErrors(t *testing.T) {
	b := New(0)
	if err := b.Append([]byte("x")); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("disk on fire")
	w := &flakyWriter{accept: 0, failErr: boom}
	_, err := b.Drain(w)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestAppendRejectsOverCapacity(t *testing.T) {
	b := New(4)
	if err := b.Append([]byte("abcd")); err != nil {
		t.Fatal(err)
	}

	if err := b.Append([]byte("e")); err == nil {
		t.Fatalf("Append did not reject an over-capacity write")
	}
}

func TestShouldDrainEagerlyLowWaterMark(t *testing.T) {
	b := New(16)
	if b.ShouldDrainEagerly() {
		t.Fatalf("empty buffer should not need eager draining")
	}

	if err := b.Append(make([]byte, 4)); err != nil {
		t.Fatal(err)
	}

	if !b.ShouldDrainEagerly() {
		t.Fatalf("4/16 bytes should cross the quarter-capacity low-water mark")
	}
}
