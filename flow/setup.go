package flow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/mkconfig"
	"github.com/daedaleanai/edaflow/util"

	"github.com/go-playground/validator/v10"
	"github.com/shirou/gopsutil/cpu"
)

const designConfigFileName = "config.mk"

// SetupOptions are the inputs of the setup stage.
type SetupOptions struct {
	// DesignName is the name of the top-level module of the design.
	DesignName string `validate:"required,excludesall=/"`
	// Platform is the process design kit, e.g. "asap7", "nangate45", "sky130hd" or "gf180".
	Platform string `validate:"required,excludesall=/"`
	// FlowHome is the flow home directory. Defaults to the working directory.
	FlowHome string
	// Verilog overrides the design Verilog files.
	Verilog string
	// SDC overrides the design constraint file.
	SDC string
	// Overrides take precedence over design and platform configuration and built-in defaults.
	Overrides map[string]string
	// NumCores overrides the detected number of logical CPUs.
	NumCores int `validate:"gte=0"`
}

// Clone returns a deep copy of the options.
func (o SetupOptions) Clone() SetupOptions {
	clone := o
	clone.Overrides = make(map[string]string, len(o.Overrides))
	for k, v := range o.Overrides {
		clone.Overrides[k] = v
	}
	return clone
}

var validate = validator.New()

// defaultVariables are applied for keys still unset after design and platform configuration.
var defaultVariables = map[string]string{
	"GALLERY_REPORT": "0",
	// Enables hierarchical yosys
	"SYNTH_HIERARCHICAL":     "0",
	"RESYNTH_AREA_RECOVER":   "0",
	"RESYNTH_TIMING_RECOVER": "0",
	"ABC_AREA":               "0",
	"SYNTH_ARGS":             "-flatten",
	"PLACE_PINS_ARGS":        "",
	"FLOW_VARIANT":           "base",
	"GPL_TIMING_DRIVEN":      "1",
	"GPL_ROUTABILITY_DRIVEN": "1",
	"ENABLE_DPO":             "1",
	"DPO_MAX_DISPLACEMENT":   "5 1",
}

// requiredVariables must be set once configuration layering and defaulting is done.
var requiredVariables = []string{
	"DESIGN_NAME",
	"PLATFORM",
	"VERILOG_FILES",
	"SDC_FILE",
	"PLATFORM_DIR",
	"SCRIPTS_DIR",
	"UTILS_DIR",
	"DONT_USE_CELLS",
}

// designTopModule maps design nicknames to top-level module names where they differ.
var designTopModule = map[string]string{
	"aes": "aes_cipher_top",
}

func numCores() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		log.Debug("Unable to count logical CPUs (%v). Assuming 1.\n", err)
		return 1
	}
	return n
}

// Resolve computes the context for opts without touching the filesystem beyond reading the
// design and platform configuration files. Resolving identical inputs yields identical contexts.
func Resolve(opts SetupOptions) (*Context, error) {
	if err := validate.Struct(opts); err != nil {
		return nil, &ConfigError{Msg: err.Error()}
	}

	flowHome := opts.FlowHome
	if flowHome == "" {
		flowHome = "."
	}
	design := opts.DesignName
	platform := opts.Platform

	c := NewContext()
	for _, e := range util.OrderedEntries(opts.Overrides) {
		c.Set(e.Key, e.Value)
	}

	topModule := design
	if name, ok := designTopModule[design]; ok {
		topModule = name
	}
	c.Set("DESIGN_NAME", topModule)
	c.Set("PLATFORM", platform)

	verilog := opts.Verilog
	if verilog == "" {
		verilog = filepath.Join(flowHome, "designs", "src", design, design+".v")
	}
	sdc := opts.SDC
	if sdc == "" {
		sdc = filepath.Join(flowHome, "designs", platform, design, "constraint.sdc")
	}
	c.Set("VERILOG_FILES", verilog)
	c.Set("SDC_FILE", sdc)

	c.Set("FLOW_HOME", flowHome)
	c.Set("DESIGN_HOME", filepath.Join(flowHome, "designs"))
	c.Set("PLATFORM_HOME", filepath.Join(flowHome, "platforms"))
	c.Set("WORK_HOME", flowHome)

	c.Set("UTILS_DIR", filepath.Join(flowHome, "util"))
	c.Set("SCRIPTS_DIR", filepath.Join(flowHome, "scripts"))
	c.Set("TEST_DIR", filepath.Join(flowHome, "test"))
	c.Set("PLATFORM_DIR", filepath.Join(c.Get("PLATFORM_HOME"), platform))

	// The design layer is loaded first: neither layer overrides values that are already set.
	designConfig := filepath.Join(c.Get("DESIGN_HOME"), platform, design, designConfigFileName)
	if err := loadLayer(c, designConfig); err != nil {
		return nil, err
	}
	platformConfig := filepath.Join(c.Get("PLATFORM_DIR"), designConfigFileName)
	if err := loadLayer(c, platformConfig); err != nil {
		return nil, err
	}

	for _, e := range util.OrderedEntries(defaultVariables) {
		c.SetDefault(e.Key, e.Value)
	}
	c.SetDefault("DESIGN_NICKNAME", c.Get("DESIGN_NAME"))

	variant := c.Get("FLOW_VARIANT")
	c.Set("DESIGN_DIR", filepath.Join(flowHome, "designs", platform, design))
	c.Set("LOG_DIR", filepath.Join(flowHome, "logs", platform, design, variant))
	c.Set("OBJECTS_DIR", filepath.Join(flowHome, "objects", platform, design, variant))
	c.Set("REPORTS_DIR", filepath.Join(flowHome, "reports", platform, design, variant))
	c.Set("RESULTS_DIR", filepath.Join(flowHome, "results", platform, design, variant))

	c.Set("SYNTH_STOP_MODULE_SCRIPT", filepath.Join(c.ObjectsDir(), "mark_hier_stop_modules.tcl"))
	if c.Enabled("SYNTH_HIERARCHICAL") {
		c.Set("HIER_REPORT_SCRIPT", filepath.Join(c.ScriptsDir(), "synth_hier_report.tcl"))
		c.SetDefault("MAX_UNGROUP_SIZE", "0")
	}

	cores := opts.NumCores
	if cores == 0 {
		cores = numCores()
	}
	c.Set("NUM_CORES", strconv.Itoa(cores))

	resolveLibraries(c)

	if err := c.Require(requiredVariables...); err != nil {
		return nil, err
	}
	return c, nil
}

func loadLayer(c *Context, configPath string) error {
	vars, err := mkconfig.ParseFile(configPath, c.Lookup)
	if errors.Is(err, os.ErrNotExist) {
		return &ConfigError{Key: configPath, Msg: "configuration file does not exist"}
	}
	if err != nil {
		return &ConfigError{Key: configPath, Msg: err.Error()}
	}
	added := 0
	for _, e := range vars.Entries() {
		if c.SetDefault(e.Key, e.Value) {
			added++
		}
	}
	log.Debug("Loaded %d of %d variables from '%s'.\n", added, vars.Len(), configPath)
	return nil
}

func libraryBase(lib string) string {
	base := strings.TrimSuffix(filepath.Base(lib), ".gz")
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// resolveLibraries derives the wrapped LEF/Liberty lists and the don't-use library paths.
func resolveLibraries(c *Context) {
	objectsDir := c.ObjectsDir()

	wrappedLefs := []string{}
	for _, lef := range c.Fields("WRAP_LEFS") {
		wrappedLefs = append(wrappedLefs, filepath.Join(objectsDir, "lef", libraryBase(lef)+"_mod.lef"))
	}
	wrappedLibs := []string{}
	for _, lib := range c.Fields("WRAP_LIBS") {
		wrappedLibs = append(wrappedLibs, filepath.Join(objectsDir, libraryBase(lib)+"_mod.lib"))
	}

	lefs := append(c.Fields("ADDITIONAL_LEFS"), wrappedLefs...)
	lefs = append(lefs, c.Fields("WRAP_LEFS")...)
	c.Set("ADDITIONAL_LEFS", strings.Join(lefs, " "))

	libs := append(c.Fields("LIB_FILES"), c.Fields("WRAP_LIBS")...)
	libs = append(libs, wrappedLibs...)
	c.Set("LIB_FILES", strings.Join(libs, " "))

	dontUseLibs := util.MappedSlice(libs, func(lib string) string {
		return filepath.Join(objectsDir, "lib", libraryBase(lib)+".lib")
	})
	c.Set("DONT_USE_LIBS", strings.Join(dontUseLibs, " "))
	if len(dontUseLibs) > 0 {
		c.Set("DONT_USE_SC_LIB", dontUseLibs[0])
	} else {
		c.Set("DONT_USE_SC_LIB", "")
	}
}

// staleObjectPatterns match the object directories of stages 2 to 6. Synthesis outputs are kept.
var staleObjectPatterns = []string{"2*", "3*", "4*", "5*", "6*"}

// prepareDirectories creates the working directory tree and removes stale objects of a previous
// run.
func prepareDirectories(c *Context) error {
	for _, dir := range []string{c.LogDir(), c.ObjectsDir(), c.ReportsDir(), c.ResultsDir(), filepath.Join(c.ObjectsDir(), "lib")} {
		if err := util.MkdirAll(dir); err != nil {
			return err
		}
	}
	for _, pattern := range staleObjectPatterns {
		if err := util.RemoveGlob(c.ObjectsDir(), pattern); err != nil {
			return fmt.Errorf("removing stale objects: %w", err)
		}
	}
	return nil
}

// dontUseJob is one invocation of the don't-use marking utility.
type dontUseJob struct {
	In  string
	Out string
}

// dontUseJobs pairs every library file with its don't-use output. Jobs are ordered by library
// path and each output is produced once, so identical inputs always yield the same output set.
func dontUseJobs(c *Context) []dontUseJob {
	outputs := map[string]string{}
	for _, out := range c.Fields("DONT_USE_LIBS") {
		outputs[filepath.Base(out)] = out
	}

	jobs := []dontUseJob{}
	produced := map[string]bool{}
	for _, lib := range util.OrderedSlice(c.Fields("LIB_FILES")) {
		base := filepath.Base(lib)
		out, ok := outputs[base]
		if !ok {
			out, ok = outputs[strings.TrimSuffix(base, ".gz")]
		}
		if !ok {
			out, ok = outputs[libraryBase(lib)+".lib"]
		}
		if !ok || produced[out] {
			continue
		}
		produced[out] = true
		jobs = append(jobs, dontUseJob{In: lib, Out: out})
	}
	return jobs
}

// markDontUse creates the Liberty files with the don't-use properties set that synthesis reads.
func markDontUse(ctx context.Context, runner *Runner, c *Context) error {
	cells := c.Get("DONT_USE_CELLS")
	if err := os.Remove(runner.logPath(c, markDontUseLogFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, job := range dontUseJobs(c) {
		if !util.FileExists(job.In) {
			log.Warning("Library '%s' does not exist. Not marking don't-use cells.\n", job.In)
			continue
		}
		log.Debug("Marking don't-use cells in '%s'.\n", job.In)
		status, err := runner.MarkDontUse(ctx, c, cells, job.In, job.Out)
		if err != nil {
			return fmt.Errorf("marking don't-use cells in '%s': %w", job.In, err)
		}
		if status != 0 {
			return &StageError{Stage: Setup, Step: "markDontUse", Status: status, Log: runner.logPath(c, markDontUseLogFileName)}
		}
	}
	return nil
}
