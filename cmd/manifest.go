package cmd

import (
	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/manifest"

	"github.com/spf13/cobra"
)

var manifestFlags designFlags

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Args:  cobra.NoArgs,
	Short: "Shows or diffs run manifests",
	Long: `Shows or diffs run manifests. Every run writes a manifest to its log directory that
records the flow home revision and the outcome of every stage.`,
}

func init() {
	showCommand := &cobra.Command{
		Use:   "show [manifest]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Shows a manifest",
		Long:  `Shows a manifest. If [manifest] is omitted, the manifest of the last run of the design is shown.`,
		Run:   runManifestShow,
	}
	manifestFlags.register(showCommand)
	manifestCmd.AddCommand(showCommand)

	diffCommand := &cobra.Command{
		Use:   "diff [newManifest] oldManifest",
		Args:  cobra.RangeArgs(1, 2),
		Short: "Diffs two manifests and lists their differences per stage",
		Long:  `Diffs two manifests and lists their differences per stage. If [newManifest] is omitted, the manifest of the last run of the design is used.`,
		Run:   runManifestDiff,
	}
	manifestFlags.register(diffCommand)
	manifestCmd.AddCommand(diffCommand)

	rootCmd.AddCommand(manifestCmd)
}

// designManifestPath returns the manifest path of the design selected by the flags.
func designManifestPath() string {
	c, err := flow.Resolve(manifestFlags.mustOptions(nil))
	if err != nil {
		reportError(err)
	}
	return manifest.Path(c.LogDir())
}

func readManifest(manifestPath string) manifest.Manifest {
	m, err := manifest.Read(manifestPath)
	if err != nil {
		log.Fatal("Reading manifest: %s.\n", err)
	}
	return m
}

func logStage(prefix string, s manifest.StageRecord) {
	log.Log("%s%s: %s in %s\n", prefix, s.Stage, s.Status, s.Duration)
	log.IndentationLevel++
	if s.Output != "" {
		log.Log("Output: %s\n", s.Output)
	}
	if s.Error != "" {
		log.Log("Error: %s\n", s.Error)
	}
	log.IndentationLevel--
}

func runManifestShow(cmd *cobra.Command, args []string) {
	manifestPath := ""
	if len(args) == 1 {
		manifestPath = args[0]
	} else {
		manifestPath = designManifestPath()
	}
	m := readManifest(manifestPath)

	log.IndentationLevel = 0
	log.Log("Run %s of %s on %s (%s), edaflow %s\n", m.RunID, m.Design, m.Platform, m.FlowVariant, m.EdaflowVersion)
	log.Log("Created: %s\n", m.Created)
	log.Log("Flow home: %s\n", m.FlowHome)
	if m.Revision != nil {
		dirty := ""
		if m.Revision.Dirty {
			dirty = " with uncommitted changes"
		}
		log.Log("Revision: %s%s\n", m.Revision.Hash, dirty)
	}
	log.Log("Stages:\n")
	log.IndentationLevel = 1
	for _, s := range m.Stages {
		logStage("", s)
	}
	log.IndentationLevel = 0
}

func runManifestDiff(cmd *cobra.Command, args []string) {
	var manifestNew, manifestOld manifest.Manifest
	if len(args) == 1 {
		manifestNew = readManifest(designManifestPath())
		manifestOld = readManifest(args[0])
	} else {
		manifestNew = readManifest(args[0])
		manifestOld = readManifest(args[1])
	}

	diff := manifest.Diff(manifestNew, manifestOld)

	log.IndentationLevel = 0

	if !diff.Differ {
		log.Log("Manifests are identical.\n")
		return
	}

	for _, message := range []string{diff.EdaflowVersion, diff.Design, diff.Revision} {
		if message != "" {
			log.Log("%s\n", message)
		}
	}

	const RED_DASH string = "\u001b[31;1m-\u001b[0m"
	const GREEN_PLUS string = "\u001b[32;1m+\u001b[0m"

	if len(diff.AddedCommits) != 0 {
		log.Log("Added commits:\n")
		log.IndentationLevel = 1
		for _, commit := range diff.AddedCommits {
			log.Log("%s %s\n", GREEN_PLUS, commit.String())
		}
		log.IndentationLevel = 0
		log.Log("\n")
	}

	if len(diff.AddedStages) != 0 {
		log.Log("Added stages:\n")
		log.IndentationLevel = 1
		for _, s := range diff.AddedStages {
			logStage(GREEN_PLUS+" ", s)
		}
		log.IndentationLevel = 0
		log.Log("\n")
	}

	if len(diff.RemovedStages) != 0 {
		log.Log("Removed stages:\n")
		log.IndentationLevel = 1
		for _, s := range diff.RemovedStages {
			logStage(RED_DASH+" ", s)
		}
		log.IndentationLevel = 0
		log.Log("\n")
	}

	if len(diff.ModifiedStages) != 0 {
		log.Log("Modified stages:\n")
		for _, modified := range diff.ModifiedStages {
			log.IndentationLevel = 1
			log.Log("%s:\n", modified.New.Stage)
			log.IndentationLevel = 2
			if modified.New.Status != modified.Old.Status {
				log.Log("Status changed from %q to %q\n", modified.Old.Status, modified.New.Status)
			}
			if modified.New.Error != modified.Old.Error {
				log.Log("Error changed from %q to %q\n", modified.Old.Error, modified.New.Error)
			}
			if modified.New.Output != modified.Old.Output {
				log.Log("Output changed from %q to %q\n", modified.Old.Output, modified.New.Output)
			}
			oldSteps := map[string]int{}
			for _, step := range modified.Old.Steps {
				oldSteps[step.Name] = step.Status
			}
			for _, step := range modified.New.Steps {
				if status, ok := oldSteps[step.Name]; !ok || status != step.Status {
					log.Log("Step %s exited with status %d\n", step.Name, step.Status)
				}
			}
			log.IndentationLevel = 0
		}
		log.Log("\n")
	}
}
