package cmd

import (
	"os"
	"path/filepath"

	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/util"

	"github.com/spf13/cobra"
)

var cleanFlags designFlags
var cleanAll bool

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Args:  cobra.NoArgs,
	Short: "Removes the logs, objects, reports and results of a design",
	Long: `Removes the logs, objects, reports and results of a design in the selected flow variant.
With --all, the directories of every flow variant of the design are removed, including the
variants of tuning trials.`,
	Run: runClean,
}

func init() {
	cleanFlags.register(cleanCmd)
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "Remove the directories of all flow variants")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(cmd *cobra.Command, args []string) {
	c, err := flow.Resolve(cleanFlags.mustOptions(nil))
	if err != nil {
		reportError(err)
	}
	for _, dir := range []string{c.LogDir(), c.ObjectsDir(), c.ReportsDir(), c.ResultsDir()} {
		if cleanAll {
			dir = filepath.Dir(dir)
		}
		if !util.DirExists(dir) {
			continue
		}
		log.Debug("Removing '%s'.\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			log.Error("Unable to remove '%s': %s.\n", dir, err)
		}
	}
	if log.ErrorOccured() {
		os.Exit(1)
	}
	log.Success("Done.\n")
}
