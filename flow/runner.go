package flow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/daedaleanai/edaflow/config"
	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/util"

	"github.com/briandowns/spinner"
)

const markDontUseLogFileName = "1_0_mark_dont_use.log"

// ProcessSpec describes a single external tool invocation.
type ProcessSpec struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string
}

func (s ProcessSpec) String() string {
	return strings.Join(append([]string{s.Executable}, s.Args...), " ")
}

// Executor runs a process to completion and returns its exit status. Output of the process is
// written to out. A process that cannot be started or is interrupted by ctx returns an error.
type Executor interface {
	Execute(ctx context.Context, spec ProcessSpec, out io.Writer) (int, error)
}

// waitDelay bounds how long output of a killed process is still collected.
const waitDelay = 5 * time.Second

// ExecExecutor runs processes with os/exec.
type ExecExecutor struct{}

func (ExecExecutor) Execute(ctx context.Context, spec ProcessSpec, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay
	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// Runner builds the command lines of the flow tools and runs them through an Executor. The
// combined output of every invocation is written to a log file in the log directory.
type Runner struct {
	Exec   Executor
	Config config.Config
	// Progress shows a spinner on the terminal while a tool is running.
	Progress bool
}

// NewRunner returns a runner executing real processes with the user configuration.
func NewRunner(cfg config.Config) *Runner {
	return &Runner{Exec: ExecExecutor{}, Config: cfg}
}

func (r *Runner) logPath(c *Context, logFile string) string {
	return filepath.Join(c.LogDir(), logFile)
}

// Run executes an openroad script of the scripts directory. Metrics are written as JSON to
// metricsFile in the log directory when it is not empty.
func (r *Runner) Run(ctx context.Context, c *Context, script, metricsFile, logFile string) (int, error) {
	args := []string{"-exit", "-no_init", filepath.Join(c.ScriptsDir(), script)}
	if metricsFile != "" {
		args = append(args, "-metrics", filepath.Join(c.LogDir(), metricsFile))
	}
	return r.execute(ctx, c, r.Config.Openroad, args, logFile, os.O_TRUNC)
}

// Yosys executes the yosys script at scriptPath.
func (r *Runner) Yosys(ctx context.Context, c *Context, scriptPath, logFile string) (int, error) {
	args := append([]string{}, r.Config.YosysFlags...)
	args = append(args, "-c", scriptPath)
	return r.execute(ctx, c, r.Config.Yosys, args, logFile, os.O_TRUNC)
}

// MarkDontUse writes a copy of the Liberty file in with the don't-use property set on cells. All
// invocations share one log file.
func (r *Runner) MarkDontUse(ctx context.Context, c *Context, cells, in, out string) (int, error) {
	script := filepath.Join(c.Get("UTILS_DIR"), "markDontUse.py")
	args := []string{"-p", cells, "-i", in, "-o", out}
	return r.execute(ctx, c, script, args, markDontUseLogFileName, os.O_APPEND)
}

func (r *Runner) execute(ctx context.Context, c *Context, executable string, args []string, logFile string, logFlag int) (int, error) {
	if err := util.MkdirAll(c.LogDir()); err != nil {
		return -1, err
	}
	spec := ProcessSpec{
		Executable: executable,
		Args:       args,
		Env:        append(os.Environ(), c.Environ()...),
	}
	if len(r.Config.TimeCmd) > 0 {
		wrapped := append([]string{}, r.Config.TimeCmd[1:]...)
		wrapped = append(wrapped, executable)
		spec.Executable = r.Config.TimeCmd[0]
		spec.Args = append(wrapped, args...)
	}

	logPath := r.logPath(c, logFile)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|logFlag, util.FileMode)
	if err != nil {
		return -1, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	var out io.Writer = f
	if log.Verbose {
		out = io.MultiWriter(f, log.Writer())
	}

	if r.Config.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Config.StageTimeout)
		defer cancel()
	}

	log.Debug("Running '%s' (log: %s).\n", spec, logPath)
	if r.Progress && !log.Verbose && isTerminal(os.Stderr) {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		s.Suffix = " " + filepath.Base(executable) + " " + strings.TrimSuffix(logFile, filepath.Ext(logFile))
		s.Start()
		defer s.Stop()
	}

	start := time.Now()
	status, err := r.Exec.Execute(ctx, spec, out)
	log.Debug("'%s' finished with status %d after %s.\n", filepath.Base(executable), status, time.Since(start).Round(time.Millisecond))
	return status, err
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
