// Package child implements the LTX child lifecycle (C5, §4.4): spawning a
// slot's program with its environment overlay, capturing its merged
// stdout+stderr, and reaping it on exit.
//
// The spec's C design forks, sets up the overlay in the child, dup2s the
// capture pipe over fd 1/2, and reaps via a SIGCHLD signal source read
// directly by the event loop. Go's os/exec already owns SIGCHLD handling
// for processes it starts (the runtime reaps via its own internal
// machinery); layering a second, raw waitpid/signalfd path on top would
// race it. The idiomatic Go equivalent — used exactly this way by
// containerd's shim (vendored in the k3s-io-k3s example pack, runtime/v2/
// shim/shim_unix.go's signal.Notify(... unix.SIGCHLD) feeding a select
// loop) — is a dedicated goroutine per child that blocks in cmd.Wait() and
// delivers the result over a channel the one event-loop goroutine selects
// on. No slot-table or output-buffer state is touched outside that single
// goroutine, preserving §5's "no mutexes or condition variables" design.
package child

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/linux-test-project/ltx/internal/procslot"
)

// si_code values (§3, §4.4), named after the POSIX siginfo_t constants the
// reference C implementation reports verbatim.
const (
	CLDExited    uint64 = 1
	CLDKilled    uint64 = 2
	CLDDumped    uint64 = 3
	CLDTrapped   uint64 = 4
	CLDStopped   uint64 = 5
	CLDContinued uint64 = 6
)

// captureChunkSize mirrors §4.4's "≈ 1 KiB" bounded read.
const captureChunkSize = 1024

// CaptureChunk is one read, or the terminal EOF notice, from a slot's
// capture pipe.
type CaptureChunk struct {
	Slot uint8
	Data []byte
	EOF  bool
}

// ExitEvent is the Result-shaped outcome of a reaped child.
type ExitEvent struct {
	Slot   uint8
	PID    int
	Code   uint64
	Status uint64
}

// Start execs path with tail as its argv tail in slot id's overlay
// environment, wires its merged stdout+stderr into a pipe, and returns once
// the process has been started (not once it exits). capture receives
// bounded chunks and a terminal EOF notice; exit receives exactly one
// ExitEvent once the process has been reaped. Both channels must have
// enough capacity, or a consumer fast enough, that these goroutines never
// block on a reader that has stopped polling — same discipline as a pipe
// the event loop always eventually drains.
func Start(table *procslot.Table, id uint8, path string, tail []string, capture chan<- CaptureChunk, exit chan<- ExitEvent) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("child: creating capture pipe: %w", err)
	}

	env, err := table.EffectiveEnv(id, os.Environ())
	if err != nil {
		r.Close()
		w.Close()
		return err
	}

	cmd := exec.Command(path, tail...)
	cmd.Env = env
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("child: exec %s: %w", shellquote.Join(append([]string{path}, tail...)...), err)
	}

	// The child has its own duplicated fd for the write end; our copy
	// must close so the read end sees EOF when the child's last copy
	// closes (on exit or on its own exec of a fd-inheriting grandchild).
	w.Close()

	if err := table.BeginExec(id, path, tail, cmd.Process.Pid, r); err != nil {
		return err
	}

	go pumpCapture(id, r, capture)
	go reap(id, cmd, exit)
	return nil
}

func pumpCapture(slot uint8, r *os.File, out chan<- CaptureChunk) {
	buf := make([]byte, captureChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- CaptureChunk{Slot: slot, Data: chunk}
		}

		if err != nil {
			r.Close()
			out <- CaptureChunk{Slot: slot, EOF: true}
			return
		}
	}
}

func reap(slot uint8, cmd *exec.Cmd, out chan<- ExitEvent) {
	waitErr := cmd.Wait()

	ev := ExitEvent{Slot: slot, PID: cmd.Process.Pid}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok {
		// Platform without a POSIX wait status (shouldn't happen on
		// Linux, LTX's only target); report a generic failure.
		ev.Code, ev.Status = CLDExited, 1
	} else {
		ev.Code, ev.Status = classify(ws)
	}

	_ = waitErr // exit status is fully captured via ProcessState above.
	out <- ev
}

// classify maps a POSIX wait status onto the (si_code, si_status) pair §3/
// §4.4 put on the wire.
func classify(ws syscall.WaitStatus) (code, status uint64) {
	switch {
	case ws.Exited():
		return CLDExited, uint64(ws.ExitStatus())
	case ws.Signaled():
		if ws.CoreDump() {
			return CLDDumped, uint64(ws.Signal())
		}

		return CLDKilled, uint64(ws.Signal())
	case ws.Stopped():
		return CLDStopped, uint64(ws.StopSignal())
	default:
		return CLDExited, 0
	}
}

// Kill sends SIGKILL to the process occupying slot id. A slot with no live
// process is a silent no-op (§4.4, testable property 6); any failure other
// than "no such process" is returned for the caller to treat as fatal.
func Kill(table *procslot.Table, id uint8) error {
	slot, err := table.Slot(id)
	if err != nil {
		return err
	}

	if slot.PID == 0 {
		return nil
	}

	if err := syscall.Kill(slot.PID, syscall.SIGKILL); err != nil {
		if err == syscall.ESRCH {
			return nil
		}

		return fmt.Errorf("child: kill slot %d (pid %d): %w", id, slot.PID, err)
	}

	return nil
}
