package executor

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/linux-test-project/ltx/internal/ltxlog"
	"github.com/linux-test-project/ltx/internal/procslot"
	"github.com/linux-test-project/ltx/internal/wire"
)

type harness struct {
	t         *testing.T
	loop      *Loop
	toExecW   *os.File
	fromExecR *os.File
	done      chan struct{}
	leftover  []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	toExecR, toExecW, err := os.Pipe()
	require.NoError(t, err)

	fromExecR, fromExecW, err := os.Pipe()
	require.NoError(t, err)

	loop, err := New(procslot.New(), ltxlog.New(false), toExecR, fromExecW, 64*1024, 64*1024)
	require.NoError(t, err)

	h := &harness{t: t, loop: loop, toExecW: toExecW, fromExecR: fromExecR, done: make(chan struct{})}
	go func() {
		loop.Run()
		close(h.done)
	}()

	t.Cleanup(func() {
		toExecR.Close()
		fromExecR.Close()
		toExecW.Close()
		fromExecW.Close()
	})

	return h
}

func (h *harness) send(b []byte) {
	h.t.Helper()
	_, err := h.toExecW.Write(b)
	require.NoError(h.t, err)
}

// readFrame reads exactly one decodable frame from the executor's output,
// accumulating bytes until DecodeFrame stops returning ErrIncomplete.
func (h *harness) readFrame() wire.Frame {
	h.t.Helper()

	buf := append([]byte(nil), h.leftover...)
	h.leftover = nil

	deadline := time.Now().Add(5 * time.Second)
	chunk := make([]byte, 4096)

	for time.Now().Before(deadline) {
		if frame, consumed, derr := wire.DecodeFrame(buf); derr == nil {
			h.leftover = append([]byte(nil), buf[consumed:]...)
			return frame
		} else if derr != wire.ErrIncomplete {
			h.t.Fatalf("DecodeFrame: %v", derr)
		}

		h.fromExecR.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := h.fromExecR.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}

		if err != nil && !os.IsTimeout(err) {
			h.t.Fatalf("read: %v", err)
		}
	}

	h.t.Fatal("timed out waiting for a frame")
	return wire.Frame{}
}

func TestPingProducesEchoThenPong(t *testing.T) {
	h := newHarness(t)
	h.send([]byte{0x91, 0x00})

	echo := h.readFrame()
	require.Equal(t, wire.TypePing, echo.Type)

	pong := h.readFrame()
	require.Equal(t, wire.TypePong, pong.Type)
	require.Len(t, pong.Fields, 1)
	require.Equal(t, wire.KindUint, pong.Fields[0].Kind)
}

func TestExecTrueProducesEchoThenResult(t *testing.T) {
	h := newHarness(t)
	// Exec slot 0, "/bin/true": 0x93 0x03 0x00 <fixstr "/bin/true">
	var frame bytes.Buffer
	require.NoError(t, wire.EncodeFrame(&frame, wire.TypeExec, wire.Uint(0), wire.Str("/bin/true")))
	h.send(frame.Bytes())

	echo := h.readFrame()
	require.Equal(t, wire.TypeExec, echo.Type)

	result := h.readFrame()
	require.Equal(t, wire.TypeResult, result.Type)
	require.Len(t, result.Fields, 4)
	require.EqualValues(t, 0, result.Fields[0].Uint)
	require.EqualValues(t, 1, result.Fields[2].Uint) // CLD_EXITED
	require.EqualValues(t, 0, result.Fields[3].Uint)
}

func TestEnvWithNilSlotAppliesGloballyAndReachesChild(t *testing.T) {
	h := newHarness(t)
	t.Cleanup(func() { os.Unsetenv("LTX_TEST_GLOBAL_VAR") })

	var envFrame bytes.Buffer
	require.NoError(t, wire.EncodeFrame(&envFrame, wire.TypeEnv, wire.Nil(), wire.Str("LTX_TEST_GLOBAL_VAR"), wire.Str("globalval")))
	h.send(envFrame.Bytes())

	echo := h.readFrame()
	require.Equal(t, wire.TypeEnv, echo.Type)

	require.Equal(t, "globalval", os.Getenv("LTX_TEST_GLOBAL_VAR"))

	var execFrame bytes.Buffer
	require.NoError(t, wire.EncodeFrame(&execFrame, wire.TypeExec, wire.Uint(1), wire.Str("/bin/sh"), wire.Str("-c"), wire.Str("printf %s \"$LTX_TEST_GLOBAL_VAR\"")))
	h.send(execFrame.Bytes())

	h.readFrame() // Exec echo

	var log wire.Frame
	for {
		log = h.readFrame()
		if log.Type == wire.TypeLog {
			break
		}
	}

	require.Len(t, log.Fields, 3)
	require.Equal(t, "globalval", log.Fields[2].Str)
}

func TestSetFileThenGetFileRoundTrips(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	path := dir + "/x"
	content := []byte("ABC")

	var setFrame bytes.Buffer
	require.NoError(t, wire.EncodeFrame(&setFrame, wire.TypeSetFile, wire.Str(path), wire.Bin(content)))
	h.send(setFrame.Bytes())

	setResp := h.readFrame()
	require.Equal(t, wire.TypeSetFile, setResp.Type)
	require.Equal(t, path, setResp.Fields[0].Str)
	require.Equal(t, content, setResp.Fields[1].Bin)

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, content, onDisk)

	var getFrame bytes.Buffer
	require.NoError(t, wire.EncodeFrame(&getFrame, wire.TypeGetFile, wire.Str(path)))
	h.send(getFrame.Bytes())

	echo := h.readFrame()
	require.Equal(t, wire.TypeGetFile, echo.Type)

	data := h.readFrame()
	require.Equal(t, wire.TypeData, data.Type)
	require.Equal(t, content, data.Fields[0].Bin)
}
