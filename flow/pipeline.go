package flow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/util"
)

// Artifact is the output of a completed stage and the input of the next one.
type Artifact struct {
	Stage Stage
	// Path is the netlist (synthesis) or design database written by the stage.
	Path string
	// Constraints is the timing constraint file valid for Path. Empty if the stage did not
	// produce one.
	Constraints string
}

// canonicalOutput names the design and constraint files of every stage in the results directory.
var canonicalOutput = map[Stage][2]string{
	Synthesis:   {"1_synth.v", "1_synth.sdc"},
	Floorplan:   {"2_floorplan.odb", "2_floorplan.sdc"},
	Placement:   {"3_place.odb", "3_place.sdc"},
	CTS:         {"4_cts.odb", "4_cts.sdc"},
	GlobalRoute: {"5_1_grt.odb", ""},
	DetailRoute: {"5_route.odb", "5_route.sdc"},
	DensityFill: {"6_1_fill.odb", "6_1_fill.sdc"},
	FinalReport: {"6_final.odb", "6_final.sdc"},
}

// StepResult records one tool invocation of a stage.
type StepResult struct {
	Name     string
	Status   int
	Log      string
	Duration time.Duration
}

// StageResult records one run of a stage.
type StageResult struct {
	Stage    Stage
	Steps    []StepResult
	Artifact Artifact
	Start    time.Time
	Duration time.Duration
	Err      error
}

// Options hold the overrides of every tunable stage for RunRange and RunAll.
type Options struct {
	Synthesis SynthesisOptions
	Floorplan FloorplanOptions
	Placement PlacementOptions
	CTS       CTSOptions
}

// Pipeline sequences the stages of one design run. Every pipeline owns its Context, so
// independent pipelines can run concurrently. A single pipeline is not safe for concurrent use.
type Pipeline struct {
	runner    *Runner
	env       *Context
	completed map[Stage]Artifact
	results   []StageResult
}

// New returns a pipeline that runs its tools with runner. Setup or Load must be called before any
// other stage.
func New(runner *Runner) *Pipeline {
	return &Pipeline{runner: runner, completed: map[Stage]Artifact{}}
}

// Context returns the resolved context, or nil before Setup or Load.
func (p *Pipeline) Context() *Context {
	return p.env
}

// Results returns the stage runs in the order they happened.
func (p *Pipeline) Results() []StageResult {
	return append([]StageResult{}, p.results...)
}

// Completed reports whether stage has completed successfully in this pipeline.
func (p *Pipeline) Completed(stage Stage) bool {
	_, ok := p.completed[stage]
	return ok
}

// Output returns the artifact of a completed stage.
func (p *Pipeline) Output(stage Stage) (Artifact, bool) {
	a, ok := p.completed[stage]
	return a, ok
}

// Setup resolves the context for opts, prepares the working directories, creates the don't-use
// libraries and writes a snapshot of the context to the log directory. Any earlier progress of
// the pipeline is discarded.
func (p *Pipeline) Setup(ctx context.Context, opts SetupOptions) error {
	start := time.Now()
	c, err := Resolve(opts)
	if err != nil {
		return err
	}
	p.env = c
	p.completed = map[Stage]Artifact{}

	result := StageResult{Stage: Setup, Start: start}
	err = p.prepare(ctx)
	result.Duration = time.Since(start)
	result.Err = err
	p.results = append(p.results, result)
	if err != nil {
		return err
	}
	p.completed[Setup] = Artifact{Stage: Setup}
	log.Debug("setup done in %s.\n", result.Duration.Round(time.Millisecond))
	return nil
}

func (p *Pipeline) prepare(ctx context.Context) error {
	if err := prepareDirectories(p.env); err != nil {
		return err
	}
	if err := markDontUse(ctx, p.runner, p.env); err != nil {
		return err
	}
	snapshot, err := p.env.Snapshot()
	if err != nil {
		return err
	}
	log.Debug("Context written to '%s'.\n", snapshot)
	return nil
}

// Load resolves the context for opts without touching the working directories. Stages that ran
// before can be picked up with Resume.
func (p *Pipeline) Load(opts SetupOptions) error {
	c, err := Resolve(opts)
	if err != nil {
		return err
	}
	p.env = c
	p.completed = map[Stage]Artifact{Setup: {Stage: Setup}}

	snapshotPath := filepath.Join(c.LogDir(), snapshotFileName)
	if !util.FileExists(snapshotPath) {
		log.Warning("Design was not set up in '%s'.\n", c.LogDir())
		return nil
	}
	previous, err := LoadSnapshot(snapshotPath)
	if err != nil {
		log.Warning("%s.\n", err)
		return nil
	}
	if changed := c.Changed(previous); len(changed) != 0 {
		log.Warning("Configuration changed since setup: %s. Earlier stages used the old values.\n", strings.Join(changed, ", "))
	}
	return nil
}

// Resume marks a stage completed by an earlier run as completed if its outputs are present in the
// results directory, and returns its artifact.
func (p *Pipeline) Resume(stage Stage) (Artifact, error) {
	if p.env == nil {
		return Artifact{}, &PreconditionError{Op: "resume " + stage.String(), Missing: Setup}
	}
	if stage == Setup {
		return p.completed[Setup], nil
	}
	a := p.canonical(stage)
	if !util.FileExists(a.Path) {
		return Artifact{}, &PreconditionError{Op: "resume " + stage.String(), Missing: stage}
	}
	p.completed[stage] = a
	return a, nil
}

// canonical returns the artifact of stage at its conventional location. Constraints are only set
// if the constraint file exists.
func (p *Pipeline) canonical(stage Stage) Artifact {
	names := canonicalOutput[stage]
	a := Artifact{Stage: stage, Path: p.env.Result(names[0])}
	if names[1] != "" && util.FileExists(p.env.Result(names[1])) {
		a.Constraints = p.env.Result(names[1])
	}
	return a
}

// RunRange runs the stages from..to in order. If from is not synthesis, the output of the stage
// before from must be present from an earlier run.
func (p *Pipeline) RunRange(ctx context.Context, from, to Stage, opts Options) (Artifact, error) {
	if from < Synthesis {
		from = Synthesis
	}
	if to < from {
		return Artifact{}, fmt.Errorf("stage '%s' comes before stage '%s'", to, from)
	}

	var in Artifact
	if from > Synthesis {
		var err error
		if in, err = p.Resume(from.Previous()); err != nil {
			return Artifact{}, err
		}
	}

	var err error
	for stage := from; stage <= to && err == nil; stage++ {
		switch stage {
		case Synthesis:
			in, err = p.Synthesis(ctx, opts.Synthesis)
		case Floorplan:
			in, err = p.Floorplan(ctx, in, opts.Floorplan)
		case Placement:
			in, err = p.Placement(ctx, in, opts.Placement)
		case CTS:
			in, err = p.CTS(ctx, in, opts.CTS)
		case GlobalRoute:
			in, err = p.GlobalRoute(ctx, in)
		case DetailRoute:
			in, err = p.DetailRoute(ctx, in)
		case DensityFill:
			in, err = p.DensityFill(ctx, in)
		case FinalReport:
			in, err = p.FinalReport(ctx, in)
		}
	}
	return in, err
}

// RunAll runs every stage after setup and stops at the first failure.
func (p *Pipeline) RunAll(ctx context.Context, opts Options) (Artifact, error) {
	return p.RunRange(ctx, Synthesis, FinalReport, opts)
}

// stageRun collects the steps of one stage run.
type stageRun struct {
	p      *Pipeline
	stage  Stage
	result StageResult
}

// step is one openroad invocation of a stage.
type step struct {
	script  string
	metrics string
	log     string
}

func (r *stageRun) record(name string, status int, logFile string, start time.Time) {
	r.result.Steps = append(r.result.Steps, StepResult{
		Name:     name,
		Status:   status,
		Log:      r.p.runner.logPath(r.p.env, logFile),
		Duration: time.Since(start),
	})
}

func (r *stageRun) check(name string, status int, logFile string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %s: %w", r.stage, name, err)
	}
	if status != 0 {
		return &StageError{Stage: r.stage, Step: name, Status: status, Log: r.p.runner.logPath(r.p.env, logFile)}
	}
	return nil
}

// openroad runs s and turns a non-zero exit status into a StageError.
func (r *stageRun) openroad(ctx context.Context, s step) error {
	start := time.Now()
	status, err := r.p.runner.Run(ctx, r.p.env, s.script, s.metrics, s.log)
	r.record(s.script, status, s.log, start)
	return r.check(s.script, status, s.log, err)
}

// yosys runs the yosys script at scriptPath.
func (r *stageRun) yosys(ctx context.Context, scriptPath, logFile string) error {
	start := time.Now()
	status, err := r.p.runner.Yosys(ctx, r.p.env, scriptPath, logFile)
	name := filepath.Base(scriptPath)
	r.record(name, status, logFile, start)
	return r.check(name, status, logFile, err)
}

// copyResult copies a file of the results directory that must exist.
func (r *stageRun) copyResult(from, to string) error {
	if err := util.CopyFile(r.p.env.Result(from), r.p.env.Result(to)); err != nil {
		return fmt.Errorf("%s: %w", r.stage, err)
	}
	return nil
}

// copyConstraints copies a constraint file of the results directory if it exists.
func (r *stageRun) copyConstraints(from, to string) error {
	if !util.FileExists(r.p.env.Result(from)) {
		log.Debug("%s: no constraints in '%s'.\n", r.stage, r.p.env.Result(from))
		return nil
	}
	return r.copyResult(from, to)
}

// output returns the canonical artifact of the stage, which must exist.
func (r *stageRun) output() (Artifact, error) {
	a := r.p.canonical(r.stage)
	if !util.FileExists(a.Path) {
		return Artifact{}, fmt.Errorf("%s: output '%s' was not produced", r.stage, a.Path)
	}
	return a, nil
}

// run executes body as stage. The input artifact in must be the output of the previous stage; it
// is copied to the conventional location if it lives elsewhere. Running a stage invalidates the
// results of the stage and of all later stages.
func (p *Pipeline) run(ctx context.Context, stage Stage, in *Artifact, body func(r *stageRun) (Artifact, error)) (Artifact, error) {
	op := "stage '" + stage.String() + "'"
	if p.env == nil || !p.Completed(Setup) {
		return Artifact{}, &PreconditionError{Op: op, Missing: Setup}
	}
	if in != nil {
		if in.Stage != stage.Previous() || in.Path == "" || !util.FileExists(in.Path) {
			return Artifact{}, &PreconditionError{Op: op, Missing: stage.Previous()}
		}
		// Outputs left in the results directory by an invalidated stage are not inputs.
		if samePath(in.Path, p.canonical(in.Stage).Path) && !p.Completed(in.Stage) {
			return Artifact{}, &PreconditionError{Op: op, Missing: in.Stage}
		}
	}
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}

	for s := range p.completed {
		if s >= stage {
			delete(p.completed, s)
		}
	}

	r := &stageRun{p: p, stage: stage, result: StageResult{Stage: stage, Start: time.Now()}}
	log.Log("Running %s.\n", stage)
	a, err := p.adopt(in)
	if err == nil {
		a, err = body(r)
	}
	r.result.Duration = time.Since(r.result.Start)
	r.result.Err = err
	if err != nil {
		p.results = append(p.results, r.result)
		return Artifact{}, err
	}
	r.result.Artifact = a
	p.results = append(p.results, r.result)
	p.completed[stage] = a
	log.Success("%s done in %s.\n", stage, r.result.Duration.Round(time.Second))
	return a, nil
}

// adopt copies an input artifact to its conventional location in the results directory.
func (p *Pipeline) adopt(in *Artifact) (Artifact, error) {
	if in == nil {
		return Artifact{}, nil
	}
	names := canonicalOutput[in.Stage]
	target := Artifact{Stage: in.Stage, Path: p.env.Result(names[0])}
	if !samePath(in.Path, target.Path) {
		log.Debug("Using '%s' as %s output.\n", in.Path, in.Stage)
		if err := util.CopyFile(in.Path, target.Path); err != nil {
			return Artifact{}, fmt.Errorf("adopting %s output: %w", in.Stage, err)
		}
	}
	if in.Constraints != "" && names[1] != "" {
		target.Constraints = p.env.Result(names[1])
		if !samePath(in.Constraints, target.Constraints) {
			if err := util.CopyFile(in.Constraints, target.Constraints); err != nil {
				return Artifact{}, fmt.Errorf("adopting %s constraints: %w", in.Stage, err)
			}
		}
	}
	return target, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// IsStageFailure reports whether err is a tool failure, as opposed to a configuration or usage
// error.
func IsStageFailure(err error) bool {
	var stageErr *StageError
	return errors.As(err, &stageErr)
}
