package cmd

import (
	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/manifest"
	"github.com/daedaleanai/edaflow/util"

	"github.com/spf13/cobra"
)

var statusFlags designFlags

var statusCmd = &cobra.Command{
	Use:   "status " + overrideArgsUsage,
	Short: "Prints which stages of a design have results",
	Long: `Prints which stages of a design have results in the results directory, and the
outcome of the last run if its manifest is present.`,
	Run: runStatus,
}

func init() {
	statusFlags.register(statusCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	p := newPipeline()
	if err := p.Load(statusFlags.mustOptions(args)); err != nil {
		reportError(err)
	}
	c := p.Context()
	log.Log("Design '%s' on '%s', variant '%s'.\n", c.Get("DESIGN_NAME"), c.Get("PLATFORM"), c.Get("FLOW_VARIANT"))
	log.Log("Results: '%s'\n", c.ResultsDir())

	log.IndentationLevel = 1
	for _, stage := range flow.Stages()[1:] {
		a, err := p.Resume(stage)
		if err != nil {
			log.Log("%-13s missing\n", stage)
			continue
		}
		log.Success("%-13s %s\n", stage, a.Path)
	}
	log.IndentationLevel = 0

	manifestPath := manifest.Path(c.LogDir())
	if !util.FileExists(manifestPath) {
		return
	}
	m, err := manifest.Read(manifestPath)
	if err != nil {
		log.Warning("%s.\n", err)
		return
	}
	log.Log("Last run %s (%s):\n", m.RunID, m.Created)
	log.IndentationLevel = 1
	for _, s := range m.Stages {
		if s.Status == manifest.StatusFailed {
			log.Error("%s: %s\n", s.Stage, s.Error)
		} else {
			log.Log("%s: %s\n", s.Stage, s.Status)
		}
	}
	log.IndentationLevel = 0
}
