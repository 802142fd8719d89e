package tune

import (
	"context"
	"fmt"
	"sync"

	"github.com/daedaleanai/edaflow/flow"
	"github.com/daedaleanai/edaflow/log"
)

// Parameters understood by PipelineTrial.
const (
	ParamCoreUtilization   = "core_utilization"
	ParamCoreAspectRatio   = "core_aspect_ratio"
	ParamCoreMargins       = "core_margins"
	ParamMacroPlaceHalo    = "macro_place_halo"
	ParamMacroPlaceChannel = "macro_place_channel"
	ParamPlaceDensity      = "place_density"
	ParamTnsEndPercent     = "tns_end_percent"
)

// PipelineParameters lists the parameters understood by PipelineTrial.
var PipelineParameters = []string{
	ParamCoreUtilization,
	ParamCoreAspectRatio,
	ParamCoreMargins,
	ParamMacroPlaceHalo,
	ParamMacroPlaceChannel,
	ParamPlaceDensity,
	ParamTnsEndPercent,
}

// parameterAliases are the short parameter names accepted in place of the full ones.
var parameterAliases = map[string]string{
	"util":    ParamCoreUtilization,
	"ratio":   ParamCoreAspectRatio,
	"margins": ParamCoreMargins,
	"halo":    ParamMacroPlaceHalo,
	"channel": ParamMacroPlaceChannel,
	"density": ParamPlaceDensity,
	"tns_p":   ParamTnsEndPercent,
}

// canonicalName resolves aliases. It returns false for unknown parameters.
func canonicalName(name string) (string, bool) {
	if full, ok := parameterAliases[name]; ok {
		return full, true
	}
	for _, known := range PipelineParameters {
		if known == name {
			return name, true
		}
	}
	return "", false
}

// PipelineTrial evaluates configurations by running the flow from floorplan to the final report.
// The design is synthesized once for all trials; every trial then runs in its own flow variant
// with its own context, so trials can run concurrently.
type PipelineTrial struct {
	Base      flow.SetupOptions
	Runner    *flow.Runner
	Synthesis flow.SynthesisOptions

	once     sync.Once
	synth    flow.Artifact
	synthErr error
}

// NewPipelineTrial returns a trial for the design described by base.
func NewPipelineTrial(base flow.SetupOptions, runner *flow.Runner) *PipelineTrial {
	return &PipelineTrial{Base: base.Clone(), Runner: runner}
}

// CheckSpace fails for parameters PipelineTrial does not understand and for parameters given
// twice, once by their full name and once by an alias.
func CheckSpace(space Space) error {
	seen := map[string]string{}
	for _, name := range space.Names() {
		full, ok := canonicalName(name)
		if !ok {
			return fmt.Errorf("unknown parameter '%s'", name)
		}
		if other, ok := seen[full]; ok {
			return fmt.Errorf("parameters '%s' and '%s' both set '%s'", other, name, full)
		}
		seen[full] = name
	}
	return nil
}

func canonicalConfig(cfg Config) Config {
	canonical := Config{}
	for name, v := range cfg {
		if full, ok := canonicalName(name); ok {
			canonical[full] = v
		}
	}
	return canonical
}

func (t *PipelineTrial) synthesize(ctx context.Context) (flow.Artifact, error) {
	t.once.Do(func() {
		p := flow.New(t.Runner)
		if t.synthErr = p.Setup(ctx, t.Base); t.synthErr != nil {
			return
		}
		t.synth, t.synthErr = p.Synthesis(ctx, t.Synthesis)
	})
	return t.synth, t.synthErr
}

// Variant returns the flow variant trial number runs in.
func (t *PipelineTrial) Variant(number int) string {
	base := t.Base.Overrides["FLOW_VARIANT"]
	if base == "" {
		base = "base"
	}
	return fmt.Sprintf("%s-trial-%d", base, number)
}

// Run is a TrialFunc. It reports area and power of the final report, and the worst slack if the
// report has it.
func (t *PipelineTrial) Run(ctx context.Context, cfg Config, session *Session) error {
	cfg = canonicalConfig(cfg)
	synth, err := t.synthesize(ctx)
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}

	opts := t.Base.Clone()
	opts.Overrides["FLOW_VARIANT"] = t.Variant(session.Trial())
	p := flow.New(t.Runner)
	if err := p.Setup(ctx, opts); err != nil {
		return err
	}
	log.Debug("Trial %d runs in '%s'.\n", session.Trial(), p.Context().ResultsDir())

	if _, err := p.Floorplan(ctx, synth, flow.FloorplanOptions{
		CoreUtilization:   cfg.Lookup(ParamCoreUtilization),
		CoreAspectRatio:   cfg.Lookup(ParamCoreAspectRatio),
		CoreMargins:       cfg.Lookup(ParamCoreMargins),
		MacroPlaceHalo:    cfg.Lookup(ParamMacroPlaceHalo),
		MacroPlaceChannel: cfg.Lookup(ParamMacroPlaceChannel),
	}); err != nil {
		return err
	}
	if _, err := p.RunRange(ctx, flow.Placement, flow.FinalReport, flow.Options{
		Placement: flow.PlacementOptions{Density: cfg.Lookup(ParamPlaceDensity)},
		CTS:       flow.CTSOptions{TnsEndPercent: cfg.Lookup(ParamTnsEndPercent)},
	}); err != nil {
		return err
	}

	values := map[string]float64{}
	for _, name := range []string{"area", "power"} {
		v, err := p.GetMetric(flow.FinalReport, name)
		if err != nil {
			return err
		}
		values[name] = v
	}
	if wns, err := p.GetMetric(flow.FinalReport, "wns"); err == nil {
		values["wns"] = wns
	}
	session.Report(values)
	return nil
}
