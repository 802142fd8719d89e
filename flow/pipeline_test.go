package flow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allScripts = []string{
	"synth.tcl",
	"floorplan.tcl", "io_placement_random.tcl", "tdms_place.tcl", "macro_place.tcl", "tapcell.tcl", "pdn.tcl",
	"global_place_skip_io.tcl", "io_placement.tcl", "global_place.tcl", "resize.tcl", "detail_place.tcl",
	"cts.tcl", "fillcell.tcl",
	"global_route.tcl",
	"detail_route.tcl",
	"final_report.tcl",
}

func toolCalls(fake *fakeExecutor) []string {
	calls := []string{}
	for _, call := range fake.Calls() {
		if filepath.Ext(call) == ".tcl" {
			calls = append(calls, call)
		}
	}
	return calls
}

func TestRunAll(t *testing.T) {
	p, fake := newTestPipeline(t)
	c := p.Context()

	final, err := p.RunAll(context.Background(), Options{})
	require.NoError(t, err)

	assert.Equal(t, allScripts, toolCalls(fake))
	assert.Equal(t, FinalReport, final.Stage)
	assert.Equal(t, c.Result("6_final.odb"), final.Path)
	assert.Equal(t, c.Result("6_final.sdc"), final.Constraints)
	for _, name := range []string{"1_synth.v", "1_synth.sdc", "2_floorplan.odb", "3_place.odb", "3_place.sdc", "4_cts.odb", "5_route.odb", "5_route.sdc", "6_1_fill.odb", "6_1_fill.sdc"} {
		assert.FileExists(t, c.Result(name))
	}
	for _, stage := range Stages() {
		assert.True(t, p.Completed(stage), stage.String())
	}

	results := p.Results()
	require.Len(t, results, len(Stages()))
	for i, result := range results {
		assert.Equal(t, Stage(i), result.Stage)
		assert.NoError(t, result.Err)
	}
	assert.Len(t, results[Placement].Steps, 5)
	assert.FileExists(t, results[Placement].Steps[0].Log)
}

func TestStageOrderIsEnforced(t *testing.T) {
	p, fake := newTestPipeline(t)

	_, err := p.Placement(context.Background(), Artifact{}, PlacementOptions{})
	assert.ErrorIs(t, err, ErrStageNotRun)
	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Equal(t, Floorplan, precondition.Missing)

	// An artifact of the wrong stage is rejected as well.
	synth, err := p.Synthesis(context.Background(), SynthesisOptions{})
	require.NoError(t, err)
	_, err = p.Placement(context.Background(), synth, PlacementOptions{})
	assert.ErrorIs(t, err, ErrStageNotRun)

	assert.Equal(t, []string{"synth.tcl"}, toolCalls(fake))
}

func TestStagesRequireSetup(t *testing.T) {
	fake := newFakeExecutor()
	p := New(newTestRunner(fake))

	_, err := p.Synthesis(context.Background(), SynthesisOptions{})
	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Equal(t, Setup, precondition.Missing)
	assert.Empty(t, fake.Calls())
}

func TestFailingStepStopsStage(t *testing.T) {
	p, fake := newTestPipeline(t)
	fake.status["io_placement.tcl"] = 3

	_, err := p.RunAll(context.Background(), Options{})
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, Placement, stageErr.Stage)
	assert.Equal(t, "io_placement.tcl", stageErr.Step)
	assert.Equal(t, 3, stageErr.Status)
	assert.Equal(t, filepath.Join(p.Context().LogDir(), "3_2_place_iop.log"), stageErr.Log)
	assert.True(t, IsStageFailure(err))

	calls := toolCalls(fake)
	assert.Equal(t, "io_placement.tcl", calls[len(calls)-1])
	assert.NotContains(t, calls, "global_place.tcl")
	assert.True(t, p.Completed(Floorplan))
	assert.False(t, p.Completed(Placement))

	results := p.Results()
	assert.Equal(t, err, results[len(results)-1].Err)
}

func TestEveryStageStopsOnFailure(t *testing.T) {
	for _, script := range []string{"synth.tcl", "tapcell.tcl", "cts.tcl", "global_route.tcl", "detail_route.tcl", "final_report.tcl"} {
		t.Run(script, func(t *testing.T) {
			p, fake := newTestPipeline(t)
			fake.status[script] = 1

			_, err := p.RunAll(context.Background(), Options{})
			var stageErr *StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, script, stageErr.Step)
			calls := toolCalls(fake)
			assert.Equal(t, script, calls[len(calls)-1])
		})
	}
}

func TestRerunInvalidatesLaterStages(t *testing.T) {
	p, fake := newTestPipeline(t)
	_, err := p.RunRange(context.Background(), Synthesis, CTS, Options{})
	require.NoError(t, err)
	require.True(t, p.Completed(CTS))

	synth, ok := p.Output(Synthesis)
	require.True(t, ok)
	place, ok := p.Output(Placement)
	require.True(t, ok)
	fake.status["pdn.tcl"] = 1
	_, err = p.Floorplan(context.Background(), synth, FloorplanOptions{})
	assert.Error(t, err)
	assert.True(t, p.Completed(Synthesis))
	assert.False(t, p.Completed(Floorplan))
	assert.False(t, p.Completed(CTS))

	assert.FileExists(t, place.Path)
	calls := len(fake.Calls())
	_, err = p.CTS(context.Background(), place, CTSOptions{})
	assert.ErrorIs(t, err, ErrStageNotRun)
	var precondition *PreconditionError
	require.ErrorAs(t, err, &precondition)
	assert.Equal(t, Placement, precondition.Missing)
	assert.Len(t, fake.Calls(), calls)
	assert.False(t, p.Completed(CTS))
}

func TestFloorplanOverrides(t *testing.T) {
	p, _ := newTestPipeline(t)
	synth, err := p.Synthesis(context.Background(), SynthesisOptions{})
	require.NoError(t, err)

	_, err = p.Floorplan(context.Background(), synth, FloorplanOptions{
		CoreAspectRatio: Float(1.2),
		MacroPlaceHalo:  Float(7),
	})
	require.NoError(t, err)
	c := p.Context()
	assert.Equal(t, "55", c.Get("CORE_UTILIZATION"))
	_, ok := c.Lookup("CORE_ASPECT_RATIO")
	assert.False(t, ok, "aspect ratio applies only with utilization")
	assert.Equal(t, "7", c.Get("MACRO_PLACE_HALO"))

	_, err = p.Floorplan(context.Background(), synth, FloorplanOptions{
		CoreUtilization: Float(70),
		CoreAspectRatio: Float(1.2),
		CoreMargins:     Float(10),
	})
	require.NoError(t, err)
	assert.Equal(t, "70", c.Get("CORE_UTILIZATION"))
	assert.Equal(t, "1.2", c.Get("CORE_ASPECT_RATIO"))
	assert.Equal(t, "10", c.Get("CORE_MARGINS"))
}

func TestFloorplanManualMacroPlacement(t *testing.T) {
	home := newFlowHome(t)
	opts := gcdOptions(home)
	opts.Overrides = map[string]string{"MACRO_PLACEMENT": filepath.Join(home, "macros.cfg")}
	fake := newFakeExecutor()
	p := New(newTestRunner(fake))
	require.NoError(t, p.Setup(context.Background(), opts))

	_, err := p.RunRange(context.Background(), Synthesis, Floorplan, Options{})
	require.NoError(t, err)
	assert.NotContains(t, toolCalls(fake), "tdms_place.tcl")
	assert.Contains(t, toolCalls(fake), "macro_place.tcl")
	assert.FileExists(t, p.Context().Result("2_3_floorplan_tdms.odb"))
}

func TestPlacementAndCTSOverrides(t *testing.T) {
	p, _ := newTestPipeline(t)
	_, err := p.RunRange(context.Background(), Synthesis, CTS, Options{
		Placement: PlacementOptions{Density: Float(0.6)},
	})
	require.NoError(t, err)
	assert.Equal(t, "0.6", p.Context().Get("PLACE_DENSITY"))
	assert.Equal(t, "20", p.Context().Get("TNS_END_PERCENT"))

	place, _ := p.Output(Placement)
	_, err = p.CTS(context.Background(), place, CTSOptions{TnsEndPercent: Float(35)})
	require.NoError(t, err)
	assert.Equal(t, "35", p.Context().Get("TNS_END_PERCENT"))
}

func TestSynthesisClockPeriod(t *testing.T) {
	p, _ := newTestPipeline(t)
	c := p.Context()
	designSdc := c.Get("SDC_FILE")
	original, err := os.ReadFile(designSdc)
	require.NoError(t, err)

	synth, err := p.Synthesis(context.Background(), SynthesisOptions{ClockPeriod: Float(500), AbcArea: true})
	require.NoError(t, err)

	assert.Equal(t, "500", c.Get("ABC_CLOCK_PERIOD_IN_PS"))
	assert.Equal(t, "1", c.Get("ABC_AREA"))
	sdc, err := os.ReadFile(synth.Constraints)
	require.NoError(t, err)
	assert.Contains(t, string(sdc), "set clk_period 500\n")
	assert.NotContains(t, string(sdc), "set clk_period 460")
	assert.Contains(t, string(sdc), "create_clock")

	unchanged, err := os.ReadFile(designSdc)
	require.NoError(t, err)
	assert.Equal(t, original, unchanged)
}

func TestSynthesisHierarchical(t *testing.T) {
	home := newFlowHome(t)
	opts := gcdOptions(home)
	opts.Overrides = map[string]string{"SYNTH_HIERARCHICAL": "1"}
	fake := newFakeExecutor()
	p := New(newTestRunner(fake))
	require.NoError(t, p.Setup(context.Background(), opts))

	_, err := p.Synthesis(context.Background(), SynthesisOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"synth_hier_report.tcl", "synth.tcl"}, toolCalls(fake))
	assert.Equal(t, "0", p.Context().Get("MAX_UNGROUP_SIZE"))
}

func TestDensityFillWithoutConfigurationCopiesRoute(t *testing.T) {
	p, fake := newTestPipeline(t)
	route, err := p.RunRange(context.Background(), Synthesis, DetailRoute, Options{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(route.Path, []byte{0x00, 0xff, 0x10, 'o', 'd', 'b'}, 0644))

	fill, err := p.DensityFill(context.Background(), route)
	require.NoError(t, err)

	assert.NotContains(t, toolCalls(fake), "density_fill.tcl")
	routed, err := os.ReadFile(route.Path)
	require.NoError(t, err)
	filled, err := os.ReadFile(fill.Path)
	require.NoError(t, err)
	assert.Equal(t, routed, filled)
	assert.Equal(t, p.Context().Result("6_1_fill.odb"), fill.Path)
}

func TestDensityFillWithConfigurationRunsTool(t *testing.T) {
	home := newFlowHome(t)
	opts := gcdOptions(home)
	opts.Overrides = map[string]string{"DENSITY_FILL": "1"}
	fake := newFakeExecutor()
	p := New(newTestRunner(fake))
	require.NoError(t, p.Setup(context.Background(), opts))

	_, err := p.RunRange(context.Background(), Synthesis, DensityFill, Options{})
	require.NoError(t, err)
	assert.Contains(t, toolCalls(fake), "density_fill.tcl")
}

func TestResumeFromEarlierRun(t *testing.T) {
	home := newFlowHome(t)
	first := New(newTestRunner(newFakeExecutor()))
	require.NoError(t, first.Setup(context.Background(), gcdOptions(home)))
	_, err := first.RunRange(context.Background(), Synthesis, Placement, Options{})
	require.NoError(t, err)

	fake := newFakeExecutor()
	second := New(newTestRunner(fake))
	require.NoError(t, second.Load(gcdOptions(home)))
	_, err = second.Resume(CTS)
	assert.ErrorIs(t, err, ErrStageNotRun)

	final, err := second.RunRange(context.Background(), CTS, FinalReport, Options{})
	require.NoError(t, err)
	assert.Equal(t, FinalReport, final.Stage)
	assert.Equal(t, "cts.tcl", toolCalls(fake)[0])
}

func TestForeignInputIsAdopted(t *testing.T) {
	p, _ := newTestPipeline(t)
	netlist := writeFile(t, t.TempDir(), "gcd.v", "module gcd(); endmodule // synthesized\n")

	_, err := p.Floorplan(context.Background(), Artifact{Stage: Synthesis, Path: netlist}, FloorplanOptions{})
	require.NoError(t, err)

	adopted, err := os.ReadFile(p.Context().Result("1_synth.v"))
	require.NoError(t, err)
	assert.Equal(t, "module gcd(); endmodule // synthesized\n", string(adopted))
}

func TestCancelledContext(t *testing.T) {
	p, fake := newTestPipeline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Synthesis(ctx, SynthesisOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, toolCalls(fake))
}
