// Package outbuf implements the LTX output buffer and drainer (§4.3): a
// fixed-capacity append buffer that writes itself to the output stream in
// non-blocking mode, tracking a blocked/unblocked flag across EAGAIN.
//
// The EAGAIN/EINTR classification mirrors the teacher's shared/eagain
// package, but inverted: shared/eagain makes a non-blocking reader/writer
// look blocking by retrying transparently, which is exactly wrong here —
// the output fd is deliberately non-blocking so that EAGAIN can surface as
// a back-pressure signal the event loop reacts to, not something hidden by
// a retry loop.
package outbuf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/linux-test-project/ltx/internal/wire"
)

// Buffer is a fixed-capacity, append-only byte buffer that drains itself to
// an io.Writer opportunistically.
type Buffer struct {
	capacity int
	data     []byte
	blocked  bool
}

// New returns an empty Buffer with the given fixed capacity. Capacity 0
// means unbounded, for tests only.
func New(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Append adds raw bytes to the buffer. It fails — fatally, per §5's
// back-pressure rule — if doing so would exceed capacity.
func (b *Buffer) Append(p []byte) error {
	if b.capacity > 0 && len(b.data)+len(p) > b.capacity {
		return fmt.Errorf("outbuf: output buffer would exceed capacity %d", b.capacity)
	}

	b.data = append(b.data, p...)
	return nil
}

// AppendFrame encodes a frame with wire.EncodeFrame and appends it.
func (b *Buffer) AppendFrame(msgType uint8, fields ...wire.Value) error {
	var tmp bytes.Buffer
	if err := wire.EncodeFrame(&tmp, msgType, fields...); err != nil {
		return err
	}

	return b.Append(tmp.Bytes())
}

// Len reports the number of unflushed bytes currently buffered.
func (b *Buffer) Len() int { return len(b.data) }

// Blocked reports whether the last Drain call ended on EAGAIN/readiness,
// meaning the caller should wait for write-readiness before draining again.
func (b *Buffer) Blocked() bool { return b.blocked }

// ShouldDrainEagerly reports whether the buffered volume has crossed the
// low-water mark (¼ capacity) at which handlers opportunistically drain
// mid-handler so a single large response cannot starve the stream.
func (b *Buffer) ShouldDrainEagerly() bool {
	if b.capacity <= 0 {
		return false
	}

	return len(b.data) >= b.capacity/4
}

// Drain writes as much of the buffered data as w will accept without
// blocking. It retains any unwritten remainder, toggles Blocked, and
// retries transparently on EINTR (which is not back-pressure, just a
// interrupted syscall). A non-EAGAIN, non-EINTR error is fatal and is
// returned as-is.
func (b *Buffer) Drain(w io.Writer) (int, error) {
	written := 0
	for len(b.data) > 0 {
		n, err := w.Write(b.data)
		if n > 0 {
			written += n
			b.data = b.data[n:]
		}

		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			if wouldBlock(err) {
				b.blocked = true
				return written, nil
			}

			return written, err
		}
	}

	b.blocked = false
	return written, nil
}

func wouldBlock(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}
