package cmd

import (
	"github.com/daedaleanai/edaflow/log"

	"github.com/spf13/cobra"
)

var setupFlags designFlags

var setupCmd = &cobra.Command{
	Use:   "setup " + overrideArgsUsage,
	Short: "Resolves the configuration of a design and prepares its working directories",
	Long: `Resolves the configuration of a design from the design and platform config.mk files,
creates the log, objects, reports and results directories, marks the don't-use cells in the
platform libraries and writes the resolved configuration to flow.env in the log directory.

Arguments of the form VARIABLE=VALUE override the design and platform configuration.`,
	Run: runSetup,
}

func init() {
	setupFlags.register(setupCmd)
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) {
	ctx, stop := interruptibleContext()
	defer stop()

	p := newPipeline()
	if err := p.Setup(ctx, setupFlags.mustOptions(args)); err != nil {
		reportError(err)
	}
	c := p.Context()
	log.Success("Setup done.\n")
	log.IndentationLevel = 1
	log.Log("Logs:    %s\n", c.LogDir())
	log.Log("Results: %s\n", c.ResultsDir())
	log.Log("Reports: %s\n", c.ReportsDir())
	log.IndentationLevel = 0
}
