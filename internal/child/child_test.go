package child

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/linux-test-project/ltx/internal/procslot"
)

type childSuite struct {
	suite.Suite
	table *procslot.Table
}

func TestChildSuite(t *testing.T) {
	suite.Run(t, new(childSuite))
}

func (s *childSuite) SetupTest() {
	s.table = procslot.New()
}

func (s *childSuite) TestExecTrueProducesCleanExit() {
	capture := make(chan CaptureChunk, 16)
	exit := make(chan ExitEvent, 1)

	s.Require().NoError(Start(s.table, 0, "/bin/true", nil, capture, exit))

	select {
	case ev := <-exit:
		s.EqualValues(0, ev.Slot)
		s.Equal(CLDExited, ev.Code)
		s.EqualValues(0, ev.Status)
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for /bin/true to exit")
	}
}

func (s *childSuite) TestExecShEmitsCapturedOutput() {
	capture := make(chan CaptureChunk, 16)
	exit := make(chan ExitEvent, 1)

	s.Require().NoError(Start(s.table, 1, "/bin/sh", []string{"-c", "echo hi"}, capture, exit))

	var got []byte
	sawEOF := false
	deadline := time.After(5 * time.Second)
	for !sawEOF {
		select {
		case chunk := <-capture:
			if chunk.EOF {
				sawEOF = true
				continue
			}

			got = append(got, chunk.Data...)
		case <-deadline:
			s.FailNow("timed out waiting for capture EOF")
		}
	}

	s.Equal("hi\n", string(got))

	select {
	case ev := <-exit:
		s.Equal(CLDExited, ev.Code)
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for exit")
	}
}

func (s *childSuite) TestKillTerminatesRunningChild() {
	capture := make(chan CaptureChunk, 16)
	exit := make(chan ExitEvent, 1)

	s.Require().NoError(Start(s.table, 2, "/bin/sleep", []string{"30"}, capture, exit))

	s.Require().NoError(Kill(s.table, 2))

	select {
	case ev := <-exit:
		s.Equal(CLDKilled, ev.Code)
		s.EqualValues(syscall.SIGKILL, ev.Status)
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for killed child to be reaped")
	}
}

func (s *childSuite) TestKillOnEmptySlotIsNoop() {
	s.Require().NoError(Kill(s.table, 50))
}

func (s *childSuite) TestEnvOverlayReachesChild() {
	slot, err := s.table.Slot(3)
	s.Require().NoError(err)
	s.Require().NoError(slot.Env.Set("LTX_TEST_VAR", "hello"))

	capture := make(chan CaptureChunk, 16)
	exit := make(chan ExitEvent, 1)

	s.Require().NoError(Start(s.table, 3, "/bin/sh", []string{"-c", "printf %s \"$LTX_TEST_VAR\""}, capture, exit))

	var got []byte
	sawEOF := false
	deadline := time.After(5 * time.Second)
	for !sawEOF {
		select {
		case chunk := <-capture:
			if chunk.EOF {
				sawEOF = true
				continue
			}

			got = append(got, chunk.Data...)
		case <-deadline:
			s.FailNow("timed out waiting for capture EOF")
		}
	}

	s.Equal("hello", string(got))
}

func TestClassifyWaitStatus(t *testing.T) {
	// WaitStatus is a raw uint32 on Linux; we construct them by hand to
	// exercise classify without actually spawning and killing children.
	exited := syscall.WaitStatus(0) // low byte 0 means exited with status 0
	if code, status := classify(exited); code != CLDExited || status != 0 {
		t.Fatalf("exited(0) -> %d,%d want %d,0", code, status, CLDExited)
	}

	killed := syscall.WaitStatus(uint32(syscall.SIGKILL))
	if code, status := classify(killed); code != CLDKilled || status != uint64(syscall.SIGKILL) {
		t.Fatalf("killed -> %d,%d want %d,%d", code, status, CLDKilled, syscall.SIGKILL)
	}
}
