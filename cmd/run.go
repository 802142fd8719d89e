package cmd

import (
	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/manifest"
	"github.com/daedaleanai/edaflow/util"

	"github.com/spf13/cobra"
)

var runFlags designFlags

var (
	runFrom, runTo string
	runAbcArea     bool
)

// runOptionFlags are the numeric stage options of the run command.
var runOptionFlags = []struct {
	name  string
	usage string
}{
	{"clock-period", "Clock period in ps used by synthesis and written to the constraints"},
	{"core-utilization", "Core utilization in percent"},
	{"core-aspect-ratio", "Core aspect ratio. Only applies together with --core-utilization"},
	{"core-margins", "Core margins in microns. Only applies together with --core-utilization"},
	{"macro-place-halo", "Halo around macros in microns"},
	{"macro-place-channel", "Channel between macros in microns"},
	{"place-density", "Target placement density"},
	{"tns-end-percent", "Percentage of violating endpoints repaired after clock tree synthesis"},
}

var runCmd = &cobra.Command{
	Use:   "run " + overrideArgsUsage,
	Short: "Runs the stages of the flow",
	Long: `Runs the stages of the flow from --from to --to. Runs starting at synthesis set the
design up first; later starting stages pick up the results of the previous stage from an
earlier run. A run stops at the first failing tool.

A manifest describing the run is written to the log directory.`,
	Run: runRun,
}

func init() {
	runFlags.register(runCmd)
	runCmd.Flags().StringVar(&runFrom, "from", "synth", "First stage to run")
	runCmd.Flags().StringVar(&runTo, "to", "final", "Last stage to run")
	runCmd.Flags().BoolVar(&runAbcArea, "abc-area", false, "Let abc optimize for area during synthesis")
	for _, option := range runOptionFlags {
		runCmd.Flags().Float64(option.name, 0, option.usage)
	}

	stageNames := util.MappedSlice(flow.Stages(), flow.Stage.String)
	completeStage := func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return stageNames, cobra.ShellCompDirectiveNoFileComp
	}
	runCmd.RegisterFlagCompletionFunc("from", completeStage)
	runCmd.RegisterFlagCompletionFunc("to", completeStage)
	rootCmd.AddCommand(runCmd)
}

// optionalFloat returns the value of a float flag, or nil if it was not given.
func optionalFloat(cmd *cobra.Command, name string) *float64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, err := cmd.Flags().GetFloat64(name)
	if err != nil {
		log.Fatal("%s.\n", err)
	}
	return &v
}

func stageOptions(cmd *cobra.Command) flow.Options {
	return flow.Options{
		Synthesis: flow.SynthesisOptions{
			ClockPeriod: optionalFloat(cmd, "clock-period"),
			AbcArea:     runAbcArea,
		},
		Floorplan: flow.FloorplanOptions{
			CoreUtilization:   optionalFloat(cmd, "core-utilization"),
			CoreAspectRatio:   optionalFloat(cmd, "core-aspect-ratio"),
			CoreMargins:       optionalFloat(cmd, "core-margins"),
			MacroPlaceHalo:    optionalFloat(cmd, "macro-place-halo"),
			MacroPlaceChannel: optionalFloat(cmd, "macro-place-channel"),
		},
		Placement: flow.PlacementOptions{Density: optionalFloat(cmd, "place-density")},
		CTS:       flow.CTSOptions{TnsEndPercent: optionalFloat(cmd, "tns-end-percent")},
	}
}

func runRun(cmd *cobra.Command, args []string) {
	from, err := flow.ParseStage(runFrom)
	if err != nil {
		log.Fatal("%s.\n", err)
	}
	to, err := flow.ParseStage(runTo)
	if err != nil {
		log.Fatal("%s.\n", err)
	}
	if from > to {
		log.Fatal("Stage '%s' comes after stage '%s'.\n", from, to)
	}
	opts := runFlags.mustOptions(args)

	ctx, stop := interruptibleContext()
	defer stop()

	p := newPipeline()
	if from <= flow.Synthesis {
		err = p.Setup(ctx, opts)
		from = flow.Synthesis
	} else {
		err = p.Load(opts)
	}
	if err == nil && to >= from {
		_, err = p.RunRange(ctx, from, to, stageOptions(cmd))
	}

	if p.Context() != nil {
		writeManifest(p)
		printRun(p)
	}
	if err != nil {
		reportError(err)
	}
	log.Success("Done.\n")
}

func writeManifest(p *flow.Pipeline) {
	m, err := manifest.Generate(p)
	if err != nil {
		log.Warning("Unable to describe the run: %s.\n", err)
		return
	}
	manifestPath, err := manifest.Write(m, p.Context().LogDir())
	if err != nil {
		log.Warning("%s.\n", err)
		return
	}
	log.Debug("Manifest written to '%s'.\n", manifestPath)
}
