package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/daedaleanai/edaflow/config"

	"github.com/stretchr/testify/require"
)

// scriptOutputs lists the results a tool script writes in the results directory.
var scriptOutputs = map[string][]string{
	"synth.tcl":               {"1_1_yosys.v"},
	"io_placement_random.tcl": {"2_2_floorplan_io.odb"},
	"tdms_place.tcl":          {"2_3_floorplan_tdms.odb"},
	"pdn.tcl":                 {"2_6_floorplan_pdn.odb", "2_floorplan.sdc"},
	"detail_place.tcl":        {"3_5_place_dp.odb"},
	"fillcell.tcl":            {"4_2_cts_fillcell.odb", "4_cts.sdc"},
	"global_route.tcl":        {"5_1_grt.odb"},
	"detail_route.tcl":        {"5_2_route.odb"},
	"density_fill.tcl":        {"6_1_fill.odb"},
	"final_report.tcl":        {"6_final.odb"},
}

// fakeExecutor pretends to be the flow tools: it records every invocation and writes the outputs
// and metrics the real tools would.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	status  map[string]int
	metrics map[string]map[string]float64
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{status: map[string]int{}, metrics: map[string]map[string]float64{}}
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func lookupEnv(env []string, key string) string {
	value := ""
	for _, e := range env {
		if strings.HasPrefix(e, key+"=") {
			value = strings.TrimPrefix(e, key+"=")
		}
	}
	return value
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (f *fakeExecutor) Execute(ctx context.Context, spec ProcessSpec, out io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	if filepath.Base(spec.Executable) == "markDontUse.py" {
		f.mu.Lock()
		f.calls = append(f.calls, "markDontUse:"+filepath.Base(argAfter(spec.Args, "-i")))
		f.mu.Unlock()
		data, err := os.ReadFile(argAfter(spec.Args, "-i"))
		if err != nil {
			return 1, nil
		}
		return 0, os.WriteFile(argAfter(spec.Args, "-o"), data, 0644)
	}

	name := ""
	for _, a := range spec.Args {
		if strings.HasSuffix(a, ".tcl") {
			name = filepath.Base(a)
			break
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	status := f.status[name]
	f.mu.Unlock()

	fmt.Fprintf(out, "running %s\n", name)
	if status != 0 {
		return status, nil
	}

	resultsDir := lookupEnv(spec.Env, "RESULTS_DIR")
	for _, output := range scriptOutputs[name] {
		content := fmt.Sprintf("%s written by %s\n", output, name)
		if err := os.WriteFile(filepath.Join(resultsDir, output), []byte(content), 0644); err != nil {
			return -1, err
		}
	}
	if metricsPath := argAfter(spec.Args, "-metrics"); metricsPath != "" {
		f.mu.Lock()
		metrics := f.metrics[filepath.Base(metricsPath)]
		f.mu.Unlock()
		if metrics == nil {
			metrics = map[string]float64{}
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

func writeFile(t *testing.T, root, name, content string) string {
	t.Helper()
	filePath := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0755))
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))
	return filePath
}

// newFlowHome creates a flow home with the gcd design on the nangate45 platform.
func newFlowHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	writeFile(t, home, "designs/src/gcd/gcd.v", "module gcd(); endmodule\n")
	writeFile(t, home, "designs/nangate45/gcd/constraint.sdc", "current_design gcd\nset clk_period 460\ncreate_clock -period $clk_period [get_ports clk]\n")
	writeFile(t, home, "designs/nangate45/gcd/config.mk", `
export DESIGN_NAME = gcd
export PLATFORM    = nangate45
export PLACE_DENSITY = 0.70
export CORE_UTILIZATION ?= 55
`)
	writeFile(t, home, "platforms/nangate45/config.mk", `
export PLACE_DENSITY = 0.50
export GPL_TIMING_DRIVEN = 0
export LIB_FILES = $(PLATFORM_DIR)/lib/NangateOpenCellLibrary_typical.lib \
                   $(PLATFORM_DIR)/lib/fakeram45_64x32.lib
export DONT_USE_CELLS = TAPCELL_X1 FILLCELL_X1
`)
	writeFile(t, home, "platforms/nangate45/lib/NangateOpenCellLibrary_typical.lib", "library(NangateOpenCellLibrary) {}\n")
	writeFile(t, home, "platforms/nangate45/lib/fakeram45_64x32.lib", "library(fakeram45_64x32) {}\n")
	return home
}

func gcdOptions(home string) SetupOptions {
	return SetupOptions{DesignName: "gcd", Platform: "nangate45", FlowHome: home, NumCores: 4}
}

func newTestRunner(exec Executor) *Runner {
	return &Runner{
		Exec: exec,
		Config: config.Config{
			Openroad:   "openroad",
			Yosys:      "yosys",
			YosysFlags: []string{"-v", "3"},
		},
	}
}

// newTestPipeline returns a pipeline set up for gcd on a fresh flow home.
func newTestPipeline(t *testing.T) (*Pipeline, *fakeExecutor) {
	t.Helper()
	fake := newFakeExecutor()
	p := New(newTestRunner(fake))
	require.NoError(t, p.Setup(context.Background(), gcdOptions(newFlowHome(t))))
	return p, fake
}
