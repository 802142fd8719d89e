package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/daedaleanai/edaflow/assets"
	"github.com/daedaleanai/edaflow/config"
	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/tune"
	"github.com/daedaleanai/edaflow/util"

	"github.com/spf13/cobra"
)

const tuneReportFileName = "tune_%s.md"

var tuneFlags designFlags

var (
	tuneSpace       string
	tuneTrials      int
	tuneDuration    time.Duration
	tuneConcurrency int
	tuneSeed        int64
	tuneObjectives  []string
	tuneStore       string
	tuneSampler     string
)

var tuneCmd = &cobra.Command{
	Use:   "tune " + overrideArgsUsage,
	Short: "Searches the flow parameters that minimize area and power",
	Long: `Searches the flow parameters that minimize area and power of a design.

The design is synthesized once. Every trial then runs floorplan to final report with a
configuration sampled from the parameter space in its own flow variant. A trial that fails
is recorded with the value 9999999 for every objective.

The parameter space is a yaml file mapping parameter names to ranges:

  core_utilization:
    minmax: [60, 90]
    step: 10

Known parameters are ` + strings.Join(tune.PipelineParameters, ", ") + `.`,
	Run: runTune,
}

var tuneHistoryCmd = &cobra.Command{
	Use:   "history [CAMPAIGN]",
	Args:  cobra.MaximumNArgs(1),
	Short: "Lists the campaigns recorded in the trial store, or the trials of one campaign",
	Long:  `Lists the campaigns recorded in the trial store, or the trials of one campaign.`,
	Run:   runTuneHistory,
}

func init() {
	tuneFlags.register(tuneCmd)
	tuneCmd.Flags().StringVar(&tuneSpace, "space", "", "Parameter space file. Defaults to a space over all known parameters")
	tuneCmd.Flags().IntVar(&tuneTrials, "trials", tune.DefaultMaxTrials, "Maximum number of trials")
	tuneCmd.Flags().DurationVar(&tuneDuration, "duration", tune.DefaultMaxDuration, "Maximum duration of the campaign")
	tuneCmd.Flags().IntVar(&tuneConcurrency, "concurrency", 1, "Number of trials running at the same time")
	tuneCmd.Flags().Int64Var(&tuneSeed, "seed", 0, "Seed of the sampler. Defaults to a seed derived from the current time")
	tuneCmd.Flags().StringSliceVar(&tuneObjectives, "objective", []string{"area", "power"}, "Objectives as NAME or NAME:min or NAME:max")
	tuneCmd.Flags().StringVar(&tuneSampler, "sampler", "local", "Sampler, 'random' or 'local'")
	tuneCmd.PersistentFlags().StringVar(&tuneStore, "store", "", "sqlite database the trials are recorded in. Defaults to the trial-store configuration")

	tuneCmd.AddCommand(tuneHistoryCmd)
	rootCmd.AddCommand(tuneCmd)
}

func loadSpace() tune.Space {
	var space tune.Space
	var err error
	if tuneSpace == "" {
		space, err = tune.ParseSpace(assets.DefaultSpace())
	} else {
		space, err = tune.LoadSpace(tuneSpace)
	}
	if err != nil {
		log.Fatal("Loading parameter space: %s.\n", err)
	}
	if err := tune.CheckSpace(space); err != nil {
		log.Fatal("%s.\n", err)
	}
	return space
}

func openStore(ctx context.Context) tune.Store {
	storePath := tuneStore
	if storePath == "" {
		storePath = config.GetConfig().TrialStore
	}
	if storePath == "" {
		return tune.NewMemoryStore()
	}
	storePath, err := filepath.Abs(storePath)
	if err != nil {
		log.Fatal("%s.\n", err)
	}
	if err := util.MkdirAll(filepath.Dir(storePath)); err != nil {
		log.Fatal("%s.\n", err)
	}
	store := tune.NewSQLiteStore(storePath)
	if err := store.Init(ctx); err != nil {
		log.Fatal("Opening trial store '%s': %s.\n", storePath, err)
	}
	log.Debug("Recording trials in '%s'.\n", storePath)
	return store
}

func runTune(cmd *cobra.Command, args []string) {
	opts := tuneFlags.mustOptions(args)
	space := loadSpace()

	objectives := []tune.Objective{}
	for _, s := range tuneObjectives {
		objective, err := tune.ParseObjective(s)
		if err != nil {
			log.Fatal("%s.\n", err)
		}
		objectives = append(objectives, objective)
	}

	var sampler tune.Sampler
	switch tuneSampler {
	case "random":
		sampler = tune.RandomSampler{}
	case "local":
		sampler = tune.LocalSampler{Objectives: objectives}
	default:
		log.Fatal("Unknown sampler '%s'.\n", tuneSampler)
	}

	if !cmd.Flags().Changed("seed") {
		tuneSeed = time.Now().UnixNano()
	}
	log.Debug("Sampling with seed %d.\n", tuneSeed)

	// Resolving first reports configuration errors before the campaign starts.
	c, err := flow.Resolve(opts)
	if err != nil {
		reportError(err)
	}

	ctx, stop := interruptibleContext()
	defer stop()

	store := openStore(ctx)
	defer store.Close()

	runner := flow.NewRunner(config.GetConfig())
	runner.Progress = tuneConcurrency == 1
	trial := tune.NewPipelineTrial(opts, runner)

	tuner := tune.Tuner{
		Space:       space,
		Objectives:  objectives,
		MaxTrials:   tuneTrials,
		MaxDuration: tuneDuration,
		Concurrency: tuneConcurrency,
		Seed:        tuneSeed,
		Sampler:     sampler,
		Store:       store,
	}
	result, err := tuner.Tune(ctx, trial.Run)
	if err != nil && !errors.Is(err, tune.ErrNoSuccessfulTrial) {
		reportError(err)
	}

	report := tuneReport(c, result, space, objectives)
	reportPath := filepath.Join(c.LogDir(), fmt.Sprintf(tuneReportFileName, result.Campaign))
	if err := writeTuneReport(reportPath, report); err != nil {
		log.Warning("Unable to write the tuning report: %s.\n", err)
	} else {
		log.Log("Tuning report written to '%s'.\n", reportPath)
	}
	if err := assets.Templates.ExecuteTemplate(os.Stdout, "tune", report); err != nil {
		log.Error("Rendering the tuning report: %s.\n", err)
	}
	if err != nil {
		reportError(err)
	}
	log.Success("Done.\n")
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func tuneReport(c *flow.Context, result tune.Result, space tune.Space, objectives []tune.Objective) assets.TuneTemplate {
	report := assets.TuneTemplate{
		Campaign:   result.Campaign,
		Design:     c.Get("DESIGN_NAME"),
		Platform:   c.Get("PLATFORM"),
		Parameters: space.Names(),
	}
	report.Objectives = util.MappedSlice(objectives, func(o tune.Objective) string { return o.Name })
	for _, trial := range result.Trials {
		report.Trials = append(report.Trials, assets.TuneTrialTemplate{
			Number: trial.Number,
			Status: string(trial.Status),
			Parameters: util.MappedSlice(report.Parameters, func(name string) string {
				return formatValue(trial.Config[name])
			}),
			Objectives: util.MappedSlice(report.Objectives, func(name string) string {
				return formatValue(trial.Objectives[name])
			}),
		})
	}
	for _, objective := range objectives {
		best, ok := result.Best[objective.Name]
		if !ok {
			continue
		}
		report.Best = append(report.Best, assets.TuneBestTemplate{
			Objective: objective.Name,
			Value:     formatValue(best.Objectives[objective.Name]),
			Trial:     best.Number,
			Config:    best.Config.String(),
		})
	}
	return report
}

func writeTuneReport(reportPath string, report assets.TuneTemplate) error {
	out := strings.Builder{}
	if err := assets.Templates.ExecuteTemplate(&out, "tune", report); err != nil {
		return err
	}
	return util.WriteFile(reportPath, []byte(out.String()))
}

func runTuneHistory(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	if tuneStore == "" && config.GetConfig().TrialStore == "" {
		log.Fatal("No trial store given. Use --store or set trial-store in the configuration.\n")
	}
	store, ok := openStore(ctx).(*tune.SQLiteStore)
	if !ok {
		log.Fatal("The trial store does not keep a history.\n")
	}
	defer store.Close()

	if len(args) == 0 {
		campaigns, err := store.Campaigns(ctx)
		if err != nil {
			log.Fatal("%s.\n", err)
		}
		for _, campaign := range campaigns {
			log.Log("%s\n", campaign)
		}
		return
	}

	trials, err := store.Trials(ctx, args[0])
	if err != nil {
		log.Fatal("%s.\n", err)
	}
	if len(trials) == 0 {
		log.Fatal("Campaign '%s' has no trials.\n", args[0])
	}
	for _, trial := range trials {
		log.Log("%d %s %s %v\n", trial.Number, trial.Status, trial.Config, trial.Objectives)
		if trial.Err != "" {
			log.IndentationLevel = 1
			log.Log("%s\n", trial.Err)
			log.IndentationLevel = 0
		}
	}
}
