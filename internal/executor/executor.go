// Package executor implements the LTX event loop (C7, §4.6): the single
// goroutine that owns the slot table, both protocol buffers, and the raw
// stdin/stdout file descriptors, and drives every other component from one
// place so §5's "no mutexes or condition variables" discipline holds by
// construction rather than by convention.
//
// Standard input is the one fd this loop must never let a second goroutine
// touch: SetFile's bulk payload is spliced directly off stdin mid-frame
// (internal/transfer), and a concurrent reader goroutine blocked in Read on
// the same fd would race it. So unlike internal/child, which grounds its
// async sources in containerd's per-child goroutine-plus-channel pattern,
// stdin readiness here is polled with a small golang.org/x/sys/unix epoll
// set scoped to that one fd — the loop is the only waiter and the only
// reader, mirroring the reference design's single epoll instance without
// needing a second thread of control. Child capture/exit events still
// arrive over channels fed by internal/child's goroutines; the loop drains
// them non-blockingly on every wake instead of adding them to the epoll
// set, since nothing about them requires fd-level readiness semantics.
package executor

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linux-test-project/ltx/internal/child"
	"github.com/linux-test-project/ltx/internal/framer"
	"github.com/linux-test-project/ltx/internal/ltxlog"
	"github.com/linux-test-project/ltx/internal/ltxversion"
	"github.com/linux-test-project/ltx/internal/outbuf"
	"github.com/linux-test-project/ltx/internal/procslot"
	"github.com/linux-test-project/ltx/internal/transfer"
	"github.com/linux-test-project/ltx/internal/wire"
)

// pollTimeoutMillis mirrors §4.6's "waits with a small timeout (~100 ms) so
// that output drainage and other periodic work happen even when idle."
const pollTimeoutMillis = 100

// Loop is the executor's single event loop. All of its methods except Run
// are unexported and assume they run on Run's goroutine; nothing here is
// safe to call concurrently.
type Loop struct {
	table *procslot.Table
	log   *ltxlog.Logger

	stdin, stdout     *os.File
	stdinFD, stdoutFD int
	epfd              int

	in  *framer.Framer
	out *outbuf.Buffer

	capture chan child.CaptureChunk
	exit    chan child.ExitEvent

	readBuf []byte
}

// New builds a Loop over stdin/stdout, registers stdin with a fresh epoll
// set, and attaches out as log's wire-mirroring sink.
func New(table *procslot.Table, log *ltxlog.Logger, stdin, stdout *os.File, inputCap, outputCap int) (*Loop, error) {
	stdinFD, stdoutFD := int(stdin.Fd()), int(stdout.Fd())
	if err := unix.SetNonblock(stdinFD, true); err != nil {
		return nil, fmt.Errorf("executor: set stdin non-blocking: %w", err)
	}

	if err := unix.SetNonblock(stdoutFD, true); err != nil {
		return nil, fmt.Errorf("executor: set stdout non-blocking: %w", err)
	}

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("executor: epoll_create1: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(stdinFD)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, stdinFD, &ev); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("executor: epoll_ctl add stdin: %w", err)
	}

	out := outbuf.New(outputCap)
	log.AttachSink(out)

	return &Loop{
		table:   table,
		log:     log,
		stdin:   stdin,
		stdout:  stdout,
		stdinFD: stdinFD,
		stdoutFD: stdoutFD,
		epfd:     epfd,
		in:       framer.New(inputCap),
		out:      out,
		capture:  make(chan child.CaptureChunk, 256),
		exit:     make(chan child.ExitEvent, 32),
		readBuf:  make([]byte, 64*1024),
	}, nil
}

// Run drives the loop until stdin hits EOF (a clean, zero-exit-code
// session end) or a fatal error occurs, in which case it reports the error
// through log.Fatal and never returns.
func (l *Loop) Run() {
	events := make([]unix.EpollEvent, 4)
	for {
		n, err := unix.EpollWait(l.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			l.log.Fatal(1, err, "executor: epoll_wait")
			return
		}

		stdinReady := false
		for i := 0; i < n; i++ {
			if events[i].Fd == int32(l.stdinFD) {
				stdinReady = true
			}
		}

		if stdinReady {
			eof, err := l.readStdin()
			if err != nil {
				l.log.Fatal(1, err, "executor: reading stdin")
				return
			}

			if eof {
				return
			}
		}

		if err := l.drainChildEvents(); err != nil {
			l.log.Fatal(1, err, "executor: handling child event")
			return
		}

		if err := l.processFrames(); err != nil {
			l.log.Fatal(1, err, "executor: processing frames")
			return
		}

		if l.out.Len() > 0 {
			if _, err := l.out.Drain(l.stdout); err != nil {
				l.log.Fatal(1, err, "executor: draining output")
				return
			}
		}
	}
}

// readStdin drains whatever is currently available into the framer without
// blocking. It stops as soon as a read comes back short, trusting epoll's
// level-triggered readiness to wake the loop again if more remains.
func (l *Loop) readStdin() (eof bool, err error) {
	for {
		n, rerr := unix.Read(l.stdinFD, l.readBuf)
		if n > 0 {
			if ferr := l.in.Feed(l.readBuf[:n]); ferr != nil {
				return false, ferr
			}
		}

		switch rerr {
		case nil:
			if n == 0 {
				return true, nil
			}

			if n < len(l.readBuf) {
				return false, nil
			}
		case unix.EAGAIN:
			return false, nil
		case unix.EINTR:
			continue
		default:
			return false, fmt.Errorf("executor: read stdin: %w", rerr)
		}
	}
}

// drainChildEvents handles every capture chunk and exit event currently
// queued, without blocking when both channels are empty.
func (l *Loop) drainChildEvents() error {
	for {
		select {
		case chunk := <-l.capture:
			if err := l.handleCapture(chunk); err != nil {
				return err
			}

			if err := l.maybeDrain(); err != nil {
				return err
			}
		case ev := <-l.exit:
			if err := l.handleExit(ev); err != nil {
				return err
			}

			if err := l.maybeDrain(); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// maybeDrain opportunistically flushes the output buffer mid-handler once
// it crosses the low-water mark, per §4.3: "Handlers drain opportunistically
// whenever the buffered volume exceeds a low-water threshold (approximately
// ¼ of the buffer) so that single large responses cannot be starved."
func (l *Loop) maybeDrain() error {
	if !l.out.ShouldDrainEagerly() {
		return nil
	}

	_, err := l.out.Drain(l.stdout)
	return err
}

func (l *Loop) handleCapture(chunk child.CaptureChunk) error {
	if chunk.EOF {
		return l.table.CloseCapture(chunk.Slot)
	}

	return l.out.AppendFrame(wire.TypeLog, wire.Uint(uint64(chunk.Slot)), wire.Uint(uint64(time.Now().UnixNano())), wire.Str(string(chunk.Data)))
}

func (l *Loop) handleExit(ev child.ExitEvent) error {
	if err := l.out.AppendFrame(wire.TypeResult, wire.Uint(uint64(ev.Slot)), wire.Uint(uint64(time.Now().UnixNano())), wire.Uint(ev.Code), wire.Uint(ev.Status)); err != nil {
		return err
	}

	return l.table.MarkTerminated(ev.Slot)
}

// processFrames parses and dispatches as many complete frames as are
// currently buffered, per §4.6's "attempt to parse frames if the input
// buffer has ≥ 2 bytes". SetFile is special-cased ahead of the generic
// decode because its payload may be larger than what the framer has
// buffered — see internal/wire's DecodeSetFileHeader doc comment.
func (l *Loop) processFrames() error {
	for l.in.Buffered() >= 2 {
		head := l.in.Peek()
		msgType, _, err := wire.PeekMessageType(head)
		if err == wire.ErrIncomplete {
			return nil
		}

		if err != nil {
			return err
		}

		if msgType == wire.TypeSetFile {
			handled, err := l.handleSetFileHead(head)
			if err != nil {
				return err
			}

			if !handled {
				return nil
			}

			continue
		}

		frame, ok, err := l.in.Next()
		if err != nil {
			return err
		}

		if !ok {
			return nil
		}

		if err := l.dispatch(frame); err != nil {
			return err
		}

		if err := l.maybeDrain(); err != nil {
			return err
		}
	}

	return nil
}

func (l *Loop) handleSetFileHead(head []byte) (handled bool, err error) {
	path, bodyLen, headerEnd, err := wire.DecodeSetFileHeader(head)
	if err == wire.ErrIncomplete {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	avail := head[headerEnd:]
	if len(avail) > bodyLen {
		avail = avail[:bodyLen]
	}

	buffered := append([]byte(nil), avail...)
	if err := transfer.SetFile(l.stdinFD, l.stdoutFD, l.stdout, l.out, path, bodyLen, buffered); err != nil {
		return false, err
	}

	l.in.Discard(headerEnd + len(buffered))
	return true, nil
}

func (l *Loop) dispatch(frame wire.Frame) error {
	switch frame.Type {
	case wire.TypePing:
		if err := l.echo(frame); err != nil {
			return err
		}

		return l.out.AppendFrame(wire.TypePong, wire.Uint(uint64(time.Now().UnixNano())))
	case wire.TypeVersion:
		if err := l.echo(frame); err != nil {
			return err
		}

		return l.out.AppendFrame(wire.TypeLog, wire.Nil(), wire.Uint(uint64(time.Now().UnixNano())), wire.Str(ltxversion.BannerText()))
	case wire.TypeEnv:
		return l.handleEnv(frame)
	case wire.TypeExec:
		return l.handleExec(frame)
	case wire.TypeKill:
		return l.handleKill(frame)
	case wire.TypeGetFile:
		return l.handleGetFile(frame)
	case wire.TypePong, wire.TypeLog, wire.TypeResult, wire.TypeData:
		return fmt.Errorf("executor: received output-only message type %d", frame.Type)
	default:
		return fmt.Errorf("executor: unhandled message type %d", frame.Type)
	}
}

func (l *Loop) echo(frame wire.Frame) error {
	var buf bytes.Buffer
	if err := wire.EncodeFrame(&buf, frame.Type, frame.Fields...); err != nil {
		return err
	}

	return l.out.Append(buf.Bytes())
}

func (l *Loop) handleEnv(frame wire.Frame) error {
	if err := l.echo(frame); err != nil {
		return err
	}

	if len(frame.Fields) != 3 {
		return fmt.Errorf("executor: Env expects 3 fields, got %d", len(frame.Fields))
	}

	slotVal, keyVal, valVal := frame.Fields[0], frame.Fields[1], frame.Fields[2]
	if keyVal.Kind != wire.KindStr || valVal.Kind != wire.KindStr {
		return fmt.Errorf("executor: Env key and value must be strings")
	}

	switch slotVal.Kind {
	case wire.KindNil:
		if err := l.table.GlobalEnv().Set(keyVal.Str, valVal.Str); err != nil {
			return err
		}

		return os.Setenv(keyVal.Str, valVal.Str)
	case wire.KindUint:
		if slotVal.Uint > procslot.MaxSlot {
			return fmt.Errorf("executor: Env slot %d exceeds max slot %d", slotVal.Uint, procslot.MaxSlot)
		}

		slot, err := l.table.Slot(uint8(slotVal.Uint))
		if err != nil {
			return err
		}

		return slot.Env.Set(keyVal.Str, valVal.Str)
	default:
		return fmt.Errorf("executor: Env slot must be nil or an unsigned integer")
	}
}

func (l *Loop) handleExec(frame wire.Frame) error {
	if err := l.echo(frame); err != nil {
		return err
	}

	if len(frame.Fields) < 2 {
		return fmt.Errorf("executor: Exec expects at least slot and path")
	}

	slotVal, pathVal := frame.Fields[0], frame.Fields[1]
	if slotVal.Kind != wire.KindUint || slotVal.Uint > procslot.MaxSlot {
		return fmt.Errorf("executor: Exec slot invalid")
	}

	if pathVal.Kind != wire.KindStr {
		return fmt.Errorf("executor: Exec path must be a string")
	}

	tail := make([]string, 0, len(frame.Fields)-2)
	for _, f := range frame.Fields[2:] {
		if f.Kind != wire.KindStr {
			return fmt.Errorf("executor: Exec argv tail must be strings")
		}

		tail = append(tail, f.Str)
	}

	return child.Start(l.table, uint8(slotVal.Uint), pathVal.Str, tail, l.capture, l.exit)
}

func (l *Loop) handleKill(frame wire.Frame) error {
	if err := l.echo(frame); err != nil {
		return err
	}

	slotVal := frame.Fields[0]
	if slotVal.Kind != wire.KindUint || slotVal.Uint > procslot.MaxSlot {
		return fmt.Errorf("executor: Kill slot invalid")
	}

	return child.Kill(l.table, uint8(slotVal.Uint))
}

func (l *Loop) handleGetFile(frame wire.Frame) error {
	if err := l.echo(frame); err != nil {
		return err
	}

	pathVal := frame.Fields[0]
	if pathVal.Kind != wire.KindStr {
		return fmt.Errorf("executor: GetFile path must be a string")
	}

	return transfer.GetFile(l.stdoutFD, l.stdout, l.out, pathVal.Str)
}
