// Package ltxlog provides the executor's structured diagnostics (C8, §7,
// §8): a logrus logger whose Warn-and-above entries are mirrored onto the
// wire as nil-slot Log frames whenever the process is healthy, running as
// the main executor PID (not a forked pre-exec child), and I/O is still
// usable — exactly the condition §7 attaches to "a Log frame" on the fatal
// path. Structured logging itself follows lxd-export/core/logger's
// logrus wrapper; the stack-carrying wrap on the fatal path uses
// github.com/pkg/errors, already a teacher dependency (lxd-agent/main.go's
// errors.Wrap).
package ltxlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/linux-test-project/ltx/internal/outbuf"
	"github.com/linux-test-project/ltx/internal/wire"
)

// Sink is the narrow slice of outbuf.Buffer's API the logger needs in
// order to mirror diagnostics onto the wire as Log frames.
type Sink interface {
	AppendFrame(msgType uint8, fields ...wire.Value) error
}

// Logger wraps a *logrus.Logger and mirrors its Warn+ entries onto an
// attached Sink as wire Log frames, subject to the health/identity checks
// above.
type Logger struct {
	*logrus.Logger
	entry *logrus.Entry

	runID   string
	mainPID int

	sink     Sink
	ioUsable bool
}

// New returns a Logger in text format, at Info level (Debug if debug is
// true), with a fresh run id for correlating stderr lines across repeated
// invocations in one test session. Only Fatal's diagnostic carries the run
// id; entries logged through the embedded logrus.Logger do not.
func New(debug bool) *Logger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
	if debug {
		base.SetLevel(logrus.DebugLevel)
	}

	l := &Logger{
		Logger:  base,
		runID:   ulid.Make().String(),
		mainPID: os.Getpid(),
	}

	base.AddHook(l)
	l.entry = base.WithField("run", l.runID)
	return l
}

// AttachSink wires the logger to the executor's output buffer, enabling
// wire mirroring of Warn-and-above entries. Call MarkIOUnusable to suspend
// it, e.g. in a forked child between fork and exec, which must never write
// protocol frames (§3 "Global state").
func (l *Logger) AttachSink(sink Sink) {
	l.sink = sink
	l.ioUsable = true
}

// MarkIOUnusable disables wire mirroring without detaching the sink,
// matching §7's "when running in the main executor PID and I/O is still
// usable" qualifier.
func (l *Logger) MarkIOUnusable() { l.ioUsable = false }

// Levels implements logrus.Hook: only Warn and above are mirrored onto the
// wire, keeping Info/Debug noise off the protocol stream.
func (l *Logger) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

// Fire implements logrus.Hook.
func (l *Logger) Fire(entry *logrus.Entry) error {
	if l.sink == nil || !l.ioUsable || os.Getpid() != l.mainPID {
		return nil
	}

	return l.sink.AppendFrame(wire.TypeLog, wire.Nil(), wire.Uint(uint64(time.Now().UnixNano())), wire.Str(entry.Message))
}

// Fatal formats the §7 diagnostic "[file:function:line] message", logs it
// at Error level (which also appends it as a Log frame to the attached sink
// if that sink is usable), and exits the process with status 1. The sink is
// not drained before the exit, so that Log frame is not written to the
// output stream. skip is the number of additional
// stack frames to skip beyond Fatal itself when attributing the call site.
func (l *Logger) Fatal(skip int, cause error, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = errors.Wrap(cause, msg).Error()
	}

	pc, file, line, ok := runtime.Caller(skip + 1)
	site := "unknown:unknown:0"
	if ok {
		fn := "unknown"
		if f := runtime.FuncForPC(pc); f != nil {
			fn = filepath.Base(f.Name())
		}

		site = fmt.Sprintf("%s:%s:%d", filepath.Base(file), fn, line)
	}

	l.entry.Error(fmt.Sprintf("[%s] %s", site, msg))
	os.Exit(1)
}
