// Package ltxversion holds the version string reported by the Version
// message (§6) and the effective resource limits a controller can read out
// of that same Log frame, grounded in shared/version's minimal
// dotted-version style but deliberately smaller: LTX has no update or
// compatibility matrix to express.
package ltxversion

import (
	"fmt"

	"github.com/linux-test-project/ltx/internal/procslot"
	"github.com/linux-test-project/ltx/internal/wire"
)

// Version is the executor's semantic version. BuildCommit may be set via
// -ldflags at release build time; it is empty in development builds, and
// BannerText then omits the commit.
var (
	Version     = "0.1.0"
	BuildCommit = ""
)

// BannerText renders the literal text carried by the Version response's Log
// frame (§6): "LTX Version=<semver>" followed by the slot count and the
// Exec argv-tail limit a controller needs but has no dedicated message to
// ask for (Design Note "Open question — argv limits"), and the build commit
// when BuildCommit is set.
func BannerText() string {
	s := fmt.Sprintf("LTX Version=%s slots=%d argv_tail_max=%d", Version, procslot.NumSlots, wire.MaxExecTailArgs)
	if BuildCommit != "" {
		s += " commit=" + BuildCommit
	}

	return s
}
