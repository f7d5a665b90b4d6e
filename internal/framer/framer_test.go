package framer

import (
	"testing"

	"github.com/linux-test-project/ltx/internal/wire"
)

func TestFramerAssemblesSplitFrame(t *testing.T) {
	f := New(0)

	full := []byte{0x93, 0x07, 0xa4, '/', 't', 'm', 'p', 0xc4, 0x03, 'A', 'B', 'C'}
	for i, b := range full {
		if err := f.Feed([]byte{b}); err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}

		frame, ok, err := f.Next()
		if err != nil {
			t.Fatalf("Next after byte %d: %v", i, err)
		}

		if i < len(full)-1 {
			if ok {
				t.Fatalf("Next returned a frame early, after %d/%d bytes", i+1, len(full))
			}

			continue
		}

		if !ok {
			t.Fatalf("Next did not return a frame once all bytes arrived")
		}

		if frame.Type != wire.TypeSetFile {
			t.Fatalf("frame.Type = %d, want %d", frame.Type, wire.TypeSetFile)
		}
	}

	if f.Buffered() != 0 {
		t.Fatalf("Buffered() = %d, want 0 after consuming the only frame", f.Buffered())
	}
}

func TestFramerHandlesBackToBackFrames(t *testing.T) {
	f := New(0)

	ping := []byte{0x91, 0x00}
	kill := []byte{0x92, 0x09, 0x05}

	if err := f.Feed(ping); err != nil {
		t.Fatal(err)
	}

	if err := f.Feed(kill); err != nil {
		t.Fatal(err)
	}

	first, ok, err := f.Next()
	if err != nil || !ok {
		t.Fatalf("first Next: ok=%v err=%v", ok, err)
	}

	if first.Type != wire.TypePing {
		t.Fatalf("first.Type = %d, want Ping", first.Type)
	}

	second, ok, err := f.Next()
	if err != nil || !ok {
		t.Fatalf("second Next: ok=%v err=%v", ok, err)
	}

	if second.Type != wire.TypeKill || second.Fields[0].Uint != 5 {
		t.Fatalf("second = %#v", second)
	}

	if f.Buffered() != 0 {
		t.Fatalf("Buffered() = %d, want 0", f.Buffered())
	}
}

func TestFramerRejectsOverCapacity(t *testing.T) {
	f := New(4)

	err := f.Feed([]byte{1, 2, 3, 4, 5})
	if err == nil {
		t.Fatalf("Feed did not reject an over-capacity write")
	}
}

func TestFramerPropagatesFatalError(t *testing.T) {
	f := New(0)

	// Arity mismatch: Ping (arity 1) framed as a 2-element array.
	if err := f.Feed([]byte{0x92, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}

	_, _, err := f.Next()
	if err == nil {
		t.Fatalf("Next did not report the arity violation")
	}

	if !wire.IsFatal(err) {
		t.Fatalf("err = %v, want a fatal protocol error", err)
	}
}
