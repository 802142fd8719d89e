package cmd

import (
	"fmt"
	"strings"

	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"

	"github.com/spf13/cobra"
)

var metricFlags designFlags

var metricCmd = &cobra.Command{
	Use:   "metric STAGE NAME [NAME]...",
	Args:  cobra.MinimumNArgs(2),
	Short: "Prints a metric reported by a stage of an earlier run",
	Long: `Prints the mean of the named metrics reported by a stage of an earlier run.

Metrics are read from the floorplan and final stages. Known metric names are: ` + strings.Join(flow.MetricNames(), ", ") + `.`,
	Run: runMetric,
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return []string{flow.Floorplan.String(), flow.FinalReport.String()}, cobra.ShellCompDirectiveNoFileComp
		}
		return flow.MetricNames(), cobra.ShellCompDirectiveNoFileComp
	},
}

func init() {
	metricFlags.register(metricCmd)
	rootCmd.AddCommand(metricCmd)
}

func runMetric(cmd *cobra.Command, args []string) {
	stage, err := flow.ParseStage(args[0])
	if err != nil {
		log.Fatal("%s.\n", err)
	}
	names := args[1:]
	for _, name := range names {
		if _, err := flow.MetricKey(stage, name); err != nil {
			log.Fatal("%s.\n", err)
		}
	}

	p := newPipeline()
	if err := p.Load(metricFlags.mustOptions(nil)); err != nil {
		reportError(err)
	}
	if _, err := p.Resume(stage); err != nil {
		reportError(err)
	}
	value, err := p.GetMetric(stage, names...)
	if err != nil {
		reportError(err)
	}
	fmt.Printf("%g\n", value)
}
