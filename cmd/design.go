package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/daedaleanai/edaflow/assets"
	"github.com/daedaleanai/edaflow/config"
	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"

	"github.com/spf13/cobra"
)

const overrideArgsUsage = "[VARIABLE=VALUE]..."

var overrideRegexp = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)=(.*)$`)

// designFlags select the design a command works on.
type designFlags struct {
	design   string
	platform string
	flowHome string
	verilog  string
	sdc      string
	variant  string
	cores    int
}

func (f *designFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.design, "design", "d", "", "Name of the design, e.g. 'gcd'")
	cmd.Flags().StringVarP(&f.platform, "platform", "p", "", "Platform of the design, e.g. 'nangate45'")
	cmd.Flags().StringVar(&f.flowHome, "flow-home", ".", "Flow home directory holding the designs, platforms and scripts")
	cmd.Flags().StringVar(&f.verilog, "verilog", "", "Verilog files of the design. Defaults to the design sources of the flow home")
	cmd.Flags().StringVar(&f.sdc, "sdc", "", "Constraint file of the design. Defaults to the design constraints of the flow home")
	cmd.Flags().StringVar(&f.variant, "variant", "", "Flow variant the results are stored under")
	cmd.Flags().IntVar(&f.cores, "cores", 0, "Number of cores the tools may use. Defaults to the number of logical CPUs")

	cmd.RegisterFlagCompletionFunc("platform", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return listDirs(filepath.Join(f.flowHome, "platforms"), toComplete), cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("design", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if f.platform == "" {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return listDirs(filepath.Join(f.flowHome, "designs", f.platform), toComplete), cobra.ShellCompDirectiveNoFileComp
	})
}

func listDirs(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}
	return names
}

// parseOverrides parses VARIABLE=VALUE arguments.
func parseOverrides(args []string) (map[string]string, error) {
	overrides := map[string]string{}
	for _, arg := range args {
		match := overrideRegexp.FindStringSubmatch(arg)
		if match == nil {
			return nil, fmt.Errorf("argument '%s' is not of the form VARIABLE=VALUE", arg)
		}
		overrides[match[1]] = match[2]
	}
	return overrides, nil
}

func (f *designFlags) options(args []string) (flow.SetupOptions, error) {
	overrides, err := parseOverrides(args)
	if err != nil {
		return flow.SetupOptions{}, err
	}
	if f.variant != "" {
		overrides["FLOW_VARIANT"] = f.variant
	}
	return flow.SetupOptions{
		DesignName: f.design,
		Platform:   f.platform,
		FlowHome:   f.flowHome,
		Verilog:    f.verilog,
		SDC:        f.sdc,
		Overrides:  overrides,
		NumCores:   f.cores,
	}, nil
}

// mustOptions returns the setup options selected by the flags and arguments of a command.
func (f *designFlags) mustOptions(args []string) flow.SetupOptions {
	opts, err := f.options(args)
	if err != nil {
		log.Fatal("%s.\n", err)
	}
	return opts
}

func newPipeline() *flow.Pipeline {
	runner := flow.NewRunner(config.GetConfig())
	runner.Progress = true
	return flow.New(runner)
}

// interruptibleContext is cancelled on SIGINT and SIGTERM, which stops the running tool.
func interruptibleContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printRun(p *flow.Pipeline) {
	c := p.Context()
	data := assets.RunTemplate{Design: c.Get("DESIGN_NAME"), Platform: c.Get("PLATFORM"), Variant: c.Get("FLOW_VARIANT")}
	for _, result := range p.Results() {
		status := "done"
		if result.Err != nil {
			status = "failed"
		}
		data.Stages = append(data.Stages, assets.RunStageTemplate{
			Stage:    result.Stage.String(),
			Status:   status,
			Duration: result.Duration.Round(time.Millisecond).String(),
			Output:   result.Artifact.Path,
		})
	}
	if err := assets.Templates.ExecuteTemplate(os.Stdout, "run", data); err != nil {
		log.Error("Rendering the run summary: %s.\n", err)
	}
}

func reportError(err error) {
	if errors.Is(err, context.Canceled) {
		log.Fatal("Interrupted.\n")
	}
	log.Fatal("%s.\n", err)
}
