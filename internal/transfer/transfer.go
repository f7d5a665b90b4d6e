// Package transfer implements LTX's GetFile/SetFile file movement (C6,
// §4.5): a single-shot zero-copy exchange that pauses the event loop for its
// duration rather than interleaving with ordinary message dispatch.
//
// The wire header for the Data/SetFile-echo frame is built and drained
// through the normal internal/outbuf path so it lands on the wire in order
// with everything the event loop has already queued; the payload itself
// never passes through that buffer. It goes straight from one kernel file
// descriptor to another with unix.Sendfile (disk to stdout) or unix.Splice
// (stdin to disk), grounded on the x/sys/unix primitives the rest of the
// example pack reaches for whenever it needs a raw syscall the stdlib
// doesn't expose.
package transfer

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/linux-test-project/ltx/internal/outbuf"
	"github.com/linux-test-project/ltx/internal/wire"
)

// MaxFileSize is the §4.5 ceiling: files at or above 2 GiB − 4 KiB are
// rejected outright rather than attempted.
const MaxFileSize = 2*1024*1024*1024 - 4*1024

// setBlocking toggles O_NONBLOCK on fd for the duration of a zero-copy
// transfer, restoring the executor's usual non-blocking discipline
// (§4.3's "preamble, bulk, restore" rule) once the caller is done.
func setBlocking(fd int, blocking bool) error {
	return unix.SetNonblock(fd, !blocking)
}

// drainFully blocks until buf's entire contents have reached w. The output
// fd must already be in blocking mode; Drain's normal EAGAIN-as-backpressure
// behavior cannot occur there, so a non-nil error is always fatal.
func drainFully(buf *outbuf.Buffer, w io.Writer) error {
	for buf.Len() > 0 {
		if _, err := buf.Drain(w); err != nil {
			return err
		}
	}

	return nil
}

// GetFile opens path read-only, rejects it if too large, and streams its
// exact contents to outFD as a Data frame: a header through buf (drained in
// blocking mode) followed by the file's bytes sent directly from the file's
// fd to outFD with sendfile, bypassing buf entirely.
func GetFile(outFD int, out *os.File, buf *outbuf.Buffer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("transfer: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", path, err)
	}

	size := fi.Size()
	if size >= MaxFileSize {
		return fmt.Errorf("transfer: %s is %d bytes, at or above the %d limit", path, size, MaxFileSize)
	}

	var hdr bytes.Buffer
	if err := wire.EncodeFrameHeader(&hdr, wire.TypeData, 1); err != nil {
		return err
	}

	wire.EncodeBinHeader(&hdr, uint32(size))
	if err := buf.Append(hdr.Bytes()); err != nil {
		return err
	}

	if err := setBlocking(outFD, true); err != nil {
		return fmt.Errorf("transfer: set blocking output: %w", err)
	}
	defer setBlocking(outFD, false)

	if err := drainFully(buf, out); err != nil {
		return err
	}

	return sendfileExact(outFD, int(f.Fd()), size)
}

// SetFile opens (creating and truncating) path, writes bufferedBody — the
// portion of the declared bodyLen bytes the framer already had buffered
// past the SetFile header — then splices the remaining bytes directly from
// inFD. Once the file is complete it drains a content-less echo header
// through buf and streams the written file back out outFD for round-trip
// verification, exactly mirroring what the controller sent. The caller is
// responsible for discarding the consumed bytes (header plus
// bufferedBody's length) from its own framer once this returns.
func SetFile(inFD, outFD int, out *os.File, buf *outbuf.Buffer, path string, bodyLen int, bufferedBody []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: open %s for write: %w", path, err)
	}

	if len(bufferedBody) > 0 {
		if _, err := f.Write(bufferedBody); err != nil {
			f.Close()
			return fmt.Errorf("transfer: write %s: %w", path, err)
		}
	}

	remaining := bodyLen - len(bufferedBody)
	if remaining > 0 {
		if err := setBlocking(inFD, true); err != nil {
			f.Close()
			return fmt.Errorf("transfer: set blocking input: %w", err)
		}

		err := spliceExact(inFD, int(f.Fd()), remaining)
		setBlocking(inFD, false)
		if err != nil {
			f.Close()
			return err
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("transfer: close %s: %w", path, err)
	}

	var hdr bytes.Buffer
	if err := wire.EncodeFrameHeader(&hdr, wire.TypeSetFile, 2); err != nil {
		return err
	}

	if err := wire.EncodeValue(&hdr, wire.Str(path)); err != nil {
		return err
	}

	wire.EncodeBinHeader(&hdr, uint32(bodyLen))
	if err := buf.Append(hdr.Bytes()); err != nil {
		return err
	}

	if err := setBlocking(outFD, true); err != nil {
		return fmt.Errorf("transfer: set blocking output: %w", err)
	}
	defer setBlocking(outFD, false)

	if err := drainFully(buf, out); err != nil {
		return err
	}

	rf, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("transfer: reopen %s for round-trip: %w", path, err)
	}
	defer rf.Close()

	return sendfileExact(outFD, int(rf.Fd()), int64(bodyLen))
}

func sendfileExact(outFD, inFD int, size int64) error {
	var sent int64
	for sent < size {
		n, err := unix.Sendfile(outFD, inFD, nil, int(size-sent))
		if n > 0 {
			sent += int64(n)
		}

		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("transfer: sendfile: %w", err)
		}

		if n == 0 {
			return fmt.Errorf("transfer: sendfile stalled after %d/%d bytes", sent, size)
		}
	}

	if sent != size {
		return fmt.Errorf("transfer: sendfile sent %d bytes, stat said %d", sent, size)
	}

	return nil
}

func spliceExact(inFD, outFD, size int) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("transfer: splice pipe: %w", err)
	}
	defer r.Close()
	defer w.Close()

	rfd, wfd := int(r.Fd()), int(w.Fd())

	got := 0
	for got < size {
		n, err := unix.Splice(inFD, nil, wfd, nil, size-got, unix.SPLICE_F_MOVE)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("transfer: splice in: %w", err)
		}

		if n == 0 {
			return fmt.Errorf("transfer: splice stalled after %d/%d bytes", got, size)
		}

		moved := int(n)
		for moved > 0 {
			m, err := unix.Splice(rfd, nil, outFD, nil, moved, unix.SPLICE_F_MOVE)
			if err != nil {
				if err == unix.EINTR {
					continue
				}

				return fmt.Errorf("transfer: splice out: %w", err)
			}

			moved -= int(m)
		}

		got += int(n)
	}

	return nil
}
