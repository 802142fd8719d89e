package tune

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/daedaleanai/edaflow/config"
	"github.com/daedaleanai/edaflow/flow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var toolOutputs = map[string][]string{
	"synth.tcl":               {"1_1_yosys.v"},
	"io_placement_random.tcl": {"2_2_floorplan_io.odb"},
	"tdms_place.tcl":          {"2_3_floorplan_tdms.odb"},
	"pdn.tcl":                 {"2_6_floorplan_pdn.odb"},
	"detail_place.tcl":        {"3_5_place_dp.odb"},
	"fillcell.tcl":            {"4_2_cts_fillcell.odb"},
	"global_route.tcl":        {"5_1_grt.odb"},
	"detail_route.tcl":        {"5_2_route.odb"},
	"final_report.tcl":        {"6_final.odb"},
}

// fakeTools writes the outputs of every tool script and reports the core utilization as area and
// the placement density as power in the final report.
type fakeTools struct {
	mu     sync.Mutex
	calls  map[string]int
	failIn map[string]string
}

func newFakeTools() *fakeTools {
	return &fakeTools{calls: map[string]int{}, failIn: map[string]string{}}
}

func (f *fakeTools) count(script string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[script]
}

func envValue(env []string, key string) string {
	value := ""
	for _, e := range env {
		if strings.HasPrefix(e, key+"=") {
			value = strings.TrimPrefix(e, key+"=")
		}
	}
	return value
}

func flagValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeTools) Execute(ctx context.Context, spec flow.ProcessSpec, out io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if filepath.Base(spec.Executable) == "markDontUse.py" {
		data, err := os.ReadFile(flagValue(spec.Args, "-i"))
		if err != nil {
			return 1, nil
		}
		return 0, os.WriteFile(flagValue(spec.Args, "-o"), data, 0644)
	}

	script := ""
	for _, a := range spec.Args {
		if strings.HasSuffix(a, ".tcl") {
			script = filepath.Base(a)
		}
	}
	variant := envValue(spec.Env, "FLOW_VARIANT")
	f.mu.Lock()
	f.calls[script]++
	fail := f.failIn[variant] == script
	f.mu.Unlock()
	if fail {
		return 1, nil
	}

	resultsDir := envValue(spec.Env, "RESULTS_DIR")
	for _, output := range toolOutputs[script] {
		if err := os.WriteFile(filepath.Join(resultsDir, output), []byte(script+"\n"), 0644); err != nil {
			return -1, err
		}
	}
	if metricsPath := flagValue(spec.Args, "-metrics"); metricsPath != "" {
		metrics := map[string]float64{}
		if script == "final_report.tcl" {
			area, _ := strconv.ParseFloat(envValue(spec.Env, "CORE_UTILIZATION"), 64)
			power, _ := strconv.ParseFloat(envValue(spec.Env, "PLACE_DENSITY"), 64)
			metrics["finish__design__core__area"] = area
			metrics["finish__power__total"] = power
			metrics["finish__timing__setup__ws"] = -0.1
		}
		data, err := json.Marshal(metrics)
		if err != nil {
			return -1, err
		}
		if err := os.WriteFile(metricsPath, data, 0644); err != nil {
			return -1, err
		}
	}
	return 0, nil
}

func writeTestFile(t *testing.T, root, name, content string) {
	t.Helper()
	filePath := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
}

func newTestTrial(t *testing.T, tools *fakeTools) *PipelineTrial {
	t.Helper()
	home := t.TempDir()
	writeTestFile(t, home, "designs/src/gcd/gcd.v", "module gcd(); endmodule\n")
	writeTestFile(t, home, "designs/nangate45/gcd/constraint.sdc", "create_clock -period 460 [get_ports clk]\n")
	writeTestFile(t, home, "designs/nangate45/gcd/config.mk", "export DESIGN_NAME = gcd\nexport CORE_UTILIZATION = 40\n")
	writeTestFile(t, home, "platforms/nangate45/config.mk", "export PLACE_DENSITY = 0.60\nexport LIB_FILES = $(PLATFORM_DIR)/lib/cells.lib\nexport DONT_USE_CELLS = FILLCELL_X1\n")
	writeTestFile(t, home, "platforms/nangate45/lib/cells.lib", "library(cells) {}\n")

	runner := &flow.Runner{Exec: tools, Config: config.Config{Openroad: "openroad", Yosys: "yosys"}}
	return NewPipelineTrial(flow.SetupOptions{DesignName: "gcd", Platform: "nangate45", FlowHome: home, NumCores: 2}, runner)
}

func TestPipelineTrial(t *testing.T) {
	tools := newFakeTools()
	trial := newTestTrial(t, tools)

	session := newSession(0)
	err := trial.Run(context.Background(), Config{ParamCoreUtilization: 55, ParamPlaceDensity: 0.75}, session)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"area": 55, "power": 0.75, "wns": -0.1}, session.Values())

	results := filepath.Join(trial.Base.FlowHome, "results", "nangate45", "gcd")
	assert.FileExists(t, filepath.Join(results, "base", "1_synth.v"))
	assert.FileExists(t, filepath.Join(results, "base-trial-0", "1_synth.v"))
	assert.FileExists(t, filepath.Join(results, "base-trial-0", "6_final.odb"))
	assert.NoFileExists(t, filepath.Join(results, "base", "6_final.odb"))

	// Parameters left out of the configuration keep the design values.
	session = newSession(1)
	require.NoError(t, trial.Run(context.Background(), Config{}, session))
	assert.Equal(t, 40.0, session.Values()["area"])
	assert.Equal(t, 0.6, session.Values()["power"])

	assert.Equal(t, 1, tools.count("synth.tcl"))
	assert.Equal(t, 2, tools.count("final_report.tcl"))
}

func TestPipelineTrialVariant(t *testing.T) {
	trial := newTestTrial(t, newFakeTools())
	assert.Equal(t, "base-trial-3", trial.Variant(3))

	trial.Base.Overrides["FLOW_VARIANT"] = "wide"
	assert.Equal(t, "wide-trial-3", trial.Variant(3))
}

func TestPipelineTrialFailure(t *testing.T) {
	tools := newFakeTools()
	tools.failIn["base-trial-0"] = "detail_route.tcl"
	trial := newTestTrial(t, tools)

	err := trial.Run(context.Background(), Config{ParamCoreUtilization: 55}, newSession(0))
	require.Error(t, err)
	assert.True(t, flow.IsStageFailure(err))
	assert.Equal(t, 0, tools.count("final_report.tcl"))
}

func TestPipelineTrialSynthesisFailure(t *testing.T) {
	tools := newFakeTools()
	tools.failIn["base"] = "synth.tcl"
	trial := newTestTrial(t, tools)

	for number := 0; number < 2; number++ {
		err := trial.Run(context.Background(), Config{}, newSession(number))
		assert.ErrorContains(t, err, "synthesis")
	}
	assert.Equal(t, 1, tools.count("synth.tcl"))
	assert.Equal(t, 0, tools.count("floorplan.tcl"))
}

func TestTunePipeline(t *testing.T) {
	tools := newFakeTools()
	tools.failIn["base-trial-2"] = "global_route.tcl"
	trial := newTestTrial(t, tools)

	space := Space{
		ParamCoreUtilization: {Min: 20, Max: 60, Step: 10},
		ParamPlaceDensity:    {Min: 0.5, Max: 0.9, Step: 0.1},
	}
	require.NoError(t, CheckSpace(space))

	tuner := Tuner{Space: space, MaxTrials: 6, Concurrency: 2, Seed: 11}
	result, err := tuner.Tune(context.Background(), trial.Run)
	require.NoError(t, err)
	require.Len(t, result.Trials, 6)
	assert.Equal(t, StatusFailed, result.Trials[2].Status)
	assert.Equal(t, Sentinel, result.Trials[2].Objectives["area"])

	for _, r := range result.Trials {
		if r.Status == StatusSucceeded {
			assert.Equal(t, r.Config[ParamCoreUtilization], r.Objectives["area"])
			assert.Equal(t, r.Config[ParamPlaceDensity], r.Objectives["power"])
		}
	}
	assert.Equal(t, 1, tools.count("synth.tcl"))
}

func TestCheckSpace(t *testing.T) {
	assert.NoError(t, CheckSpace(Space{ParamTnsEndPercent: {Min: 0, Max: 100, Step: 1}}))
	assert.Error(t, CheckSpace(Space{"clock_period": {Min: 1, Max: 2, Step: 1}}))
}

func TestPipelineTrialAliases(t *testing.T) {
	space := Space{
		"util":    {Min: 60, Max: 90, Step: 10},
		"density": {Min: 0.6, Max: 0.9, Step: 0.1},
		"tns_p":   {Min: 30, Max: 50, Step: 5},
	}
	require.NoError(t, CheckSpace(space))
	assert.Error(t, CheckSpace(Space{"util": {Min: 1, Max: 2, Step: 1}, ParamCoreUtilization: {Min: 1, Max: 2, Step: 1}}))

	trial := newTestTrial(t, newFakeTools())
	session := newSession(0)
	require.NoError(t, trial.Run(context.Background(), Config{"util": 70, "density": 0.8}, session))
	assert.Equal(t, 70.0, session.Values()["area"])
	assert.Equal(t, 0.8, session.Values()["power"])
}
