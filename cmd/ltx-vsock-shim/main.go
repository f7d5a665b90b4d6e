// Command ltx-vsock-shim bridges a VM's AF_VSOCK socket to a local ltx
// process's stdin/stdout, for controllers that reach the SUT over vsock
// instead of a plain pipe or ssh session. Grounded on lxd-agent/main.go's
// vsock.Listen(8443) entry point; lxd-agent listens on lxd's own internal
// vsock package, which isn't an importable module outside that tree, so
// this uses the ecosystem's real equivalent, github.com/mdlayher/vsock,
// named for exactly this purpose in the domain stack. Its flag parsing
// and logging follow cmd/ltx's own cobra/ltxlog wiring rather than the
// standard library, the same concerns already served elsewhere in this
// tree.
package main

import (
	"io"
	"os"
	"os/exec"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"

	"github.com/linux-test-project/ltx/internal/ltxlog"
)

type cmdGlobal struct {
	flagDebug bool
	flagPort  uint
	flagLTX   string

	log *ltxlog.Logger
}

func main() {
	global := &cmdGlobal{}

	app := &cobra.Command{
		Use:   "ltx-vsock-shim",
		Short: "Bridge an AF_VSOCK listener to a local ltx executor's stdio",
		RunE:  global.run,
	}
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	app.PersistentFlags().BoolVar(&global.flagDebug, "debug", false, "Enable debug-level logging")
	app.Flags().UintVar(&global.flagPort, "vsock-port", 8443, "vsock port to accept controller connections on")
	app.Flags().StringVar(&global.flagLTX, "ltx", "ltx", "Path to the ltx executor binary")

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}

func (g *cmdGlobal) run(cmd *cobra.Command, args []string) error {
	g.log = ltxlog.New(g.flagDebug)

	l, err := vsock.Listen(uint32(g.flagPort), nil)
	if err != nil {
		g.log.Fatal(0, err, "ltx-vsock-shim: listen on vsock port %d", g.flagPort)
	}
	defer l.Close()

	g.log.Infof("ltx-vsock-shim: listening on vsock port %d", g.flagPort)
	for {
		conn, err := l.Accept()
		if err != nil {
			g.log.Fatal(0, err, "ltx-vsock-shim: accept")
		}

		go g.serve(conn)
	}
}

func (g *cmdGlobal) serve(conn io.ReadWriteCloser) {
	defer conn.Close()

	cmd := exec.Command(g.flagLTX)
	cmd.Stdin = conn
	cmd.Stdout = conn

	if err := cmd.Run(); err != nil {
		g.log.Warnf("ltx-vsock-shim: session exited: %v", err)
	}
}
