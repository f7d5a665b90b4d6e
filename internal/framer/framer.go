// Package framer implements the LTX input framer (§4.2): it accumulates
// bytes from the controller into a fixed-capacity buffer and peels off
// complete frames, leaving any partial tail in place until more bytes
// arrive.
package framer

import (
	"fmt"

	"github.com/linux-test-project/ltx/internal/wire"
)

// Framer incrementally parses wire.Frames out of an append-only byte
// buffer. It owns no file descriptor; callers feed it bytes read from the
// input stream and drain parsed frames with Next.
type Framer struct {
	buf      []byte
	capacity int
}

// New returns a Framer backed by a buffer of the given fixed capacity. A
// capacity of 0 means unbounded, which callers must not use in production
// (§3's "input buffer never exceeds its fixed capacity" invariant) but is
// convenient in tests.
func New(capacity int) *Framer {
	return &Framer{capacity: capacity}
}

// Feed appends data to the framer's buffer. It returns an error if doing so
// would exceed the framer's capacity; per §3 and §7 that condition is fatal
// for the executor, not recoverable here.
func (f *Framer) Feed(data []byte) error {
	if f.capacity > 0 && len(f.buf)+len(data) > f.capacity {
		return fmt.Errorf("framer: input buffer would exceed capacity %d", f.capacity)
	}

	f.buf = append(f.buf, data...)
	return nil
}

// Buffered reports how many unconsumed bytes the framer currently holds.
func (f *Framer) Buffered() int { return len(f.buf) }

// Peek returns the framer's currently buffered bytes. The slice is only
// valid until the next Feed, Next, or Discard call; callers that need to
// retain it must copy. It exists so the event loop can recognize the start
// of a SetFile frame — whose bulk payload must be streamed rather than
// fully buffered (§4.5) — before handing control to Next.
func (f *Framer) Peek() []byte { return f.buf }

// Discard removes n bytes from the front of the buffered data, compacting
// the remainder forward. It is used after the event loop has handled a
// frame's header itself (SetFile) and consumed the rest of that frame's
// bytes directly from the input stream instead of through Feed/Next.
func (f *Framer) Discard(n int) {
	remaining := len(f.buf) - n
	copy(f.buf, f.buf[n:])
	f.buf = f.buf[:remaining]
}

// Next attempts to parse one frame from the head of the buffered bytes. It
// returns (frame, true, nil) on success, (zero, false, nil) when the head
// does not yet contain a whole frame, and a non-nil error when the head can
// never be a valid frame — which the caller must treat as fatal.
//
// On success the consumed bytes are removed and the remaining unconsumed
// suffix is compacted to the front of the buffer, exactly mirroring the
// C memmove described in §4.2.
func (f *Framer) Next() (wire.Frame, bool, error) {
	frame, n, err := wire.DecodeFrame(f.buf)
	switch {
	case err == wire.ErrIncomplete:
		return wire.Frame{}, false, nil
	case err != nil:
		return wire.Frame{}, false, err
	}

	remaining := len(f.buf) - n
	copy(f.buf, f.buf[n:])
	f.buf = f.buf[:remaining]
	return frame, true, nil
}
