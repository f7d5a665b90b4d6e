package ltxversion

import (
	"strconv"
	"strings"
	"testing"

	"github.com/linux-test-project/ltx/internal/procslot"
	"github.com/linux-test-project/ltx/internal/wire"
)

func TestBannerTextCarriesEffectiveLimits(t *testing.T) {
	banner := BannerText()
	if !strings.HasPrefix(banner, "LTX Version="+Version) {
		t.Fatalf("banner %q does not start with expected version prefix", banner)
	}

	if !strings.Contains(banner, "slots="+strconv.Itoa(procslot.NumSlots)) {
		t.Fatalf("banner %q missing slot count", banner)
	}

	if !strings.Contains(banner, "argv_tail_max="+strconv.Itoa(wire.MaxExecTailArgs)) {
		t.Fatalf("banner %q missing argv tail max", banner)
	}
}

func TestBannerTextOmitsCommitWhenUnset(t *testing.T) {
	old := BuildCommit
	BuildCommit = ""
	defer func() { BuildCommit = old }()

	if strings.Contains(BannerText(), "commit=") {
		t.Fatalf("banner should not mention commit when BuildCommit is unset")
	}
}

func TestBannerTextIncludesCommitWhenSet(t *testing.T) {
	old := BuildCommit
	BuildCommit = "deadbeef"
	defer func() { BuildCommit = old }()

	if !strings.Contains(BannerText(), "commit=deadbeef") {
		t.Fatalf("banner should mention the build commit when set")
	}
}
