package cmd

import (
	"os"

	"github.com/daedaleanai/edaflow/log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edaflow",
	Short: "Runs the physical design flow of a chip design",
	Long: `edaflow runs the physical design flow of a chip design: synthesis with yosys and
floorplan, placement, clock tree synthesis, routing and reporting with openroad. Every
stage runs the scripts of the flow home on the outputs of the previous stage.

edaflow can also search the flow parameters for the configurations that minimize the
area and power of the design.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.PersistentFlags().BoolVarP(&log.Verbose, "verbose", "v", false, "Print debug output and tool output")
	if rootCmd.Execute() != nil {
		os.Exit(1)
	}
}
