// Command ltx is the LTX executor: it reads protocol frames from stdin and
// writes responses to stdout until stdin closes, per spec. Its CLI surface
// is a single cobra root command plus a version subcommand, grounded on
// lxd-migrate/main.go's cmdGlobal/app.PersistentFlags wiring — the closest
// analogue in the example pack to a small single-purpose cobra binary.
package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/linux-test-project/ltx/internal/executor"
	"github.com/linux-test-project/ltx/internal/ltxlog"
	"github.com/linux-test-project/ltx/internal/ltxversion"
	"github.com/linux-test-project/ltx/internal/procslot"
	"github.com/linux-test-project/ltx/internal/wire"
)

type cmdGlobal struct {
	flagDebug        bool
	flagInputBuffer  int
	flagOutputBuffer int
	flagListSlots    bool
}

func main() {
	global := &cmdGlobal{}

	app := &cobra.Command{
		Use:   "ltx",
		Short: "LTX test executor",
		RunE:  global.run,
	}
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	app.PersistentFlags().BoolVar(&global.flagDebug, "debug", false, "Enable debug-level logging")
	app.Flags().IntVar(&global.flagInputBuffer, "input-buffer", 1<<20, "Input buffer capacity in bytes")
	app.Flags().IntVar(&global.flagOutputBuffer, "output-buffer", 1<<20, "Output buffer capacity in bytes")
	app.Flags().BoolVar(&global.flagListSlots, "list-slots", false, "Print the slot table layout and exit, without reading stdin")

	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = ltxversion.Version

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the LTX banner and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(ltxversion.BannerText())
			return nil
		},
	}
	app.AddCommand(versionCmd)

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}

func (g *cmdGlobal) run(cmd *cobra.Command, args []string) error {
	if g.flagListSlots {
		printSlotLayout()
		return nil
	}

	log := ltxlog.New(g.flagDebug)

	loop, err := executor.New(procslot.New(), log, os.Stdin, os.Stdout, g.flagInputBuffer, g.flagOutputBuffer)
	if err != nil {
		log.Fatal(0, err, "ltx: failed to start event loop")
	}

	loop.Run()
	return nil
}

// printSlotLayout is a debug aid (not part of the wire protocol): it
// summarizes the fixed slot table's shape for someone inspecting a build,
// grounded on lxc's table-rendered `lxc list` output by way of
// olekukonko/tablewriter, already a teacher dependency.
func printSlotLayout() {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Property", "Value"})
	table.Append([]string{"slots", fmt.Sprintf("%d", procslot.NumSlots)})
	table.Append([]string{"max slot id", fmt.Sprintf("%d", procslot.MaxSlot)})
	table.Append([]string{"argv tail max", fmt.Sprintf("%d", wire.MaxExecTailArgs)})
	table.Append([]string{"version", ltxversion.Version})
	table.Render()
}
