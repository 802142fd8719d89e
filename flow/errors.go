package flow

import (
	"errors"
	"fmt"
)

// ErrStageNotRun is returned when an operation needs the output of a stage that has not
// completed in the current pipeline.
var ErrStageNotRun = errors.New("stage not yet run")

// ErrMetricUnsupported is returned when no metrics file is known for the queried stage.
var ErrMetricUnsupported = errors.New("metrics are not available for this stage")

// ErrUnknownMetric is returned for metric names other than tns, wns, area, power and performance.
var ErrUnknownMetric = errors.New("unknown metric")

// StageError reports a tool invocation that exited with a non-zero status.
type StageError struct {
	Stage  Stage
	Step   string
	Status int
	Log    string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage '%s' failed in step '%s' with exit status %d (see %s)", e.Stage, e.Step, e.Status, e.Log)
}

// PreconditionError reports an operation that was invoked before the stage it depends on.
type PreconditionError struct {
	Op      string
	Missing Stage
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s requires stage '%s', which has not been run", e.Op, e.Missing)
}

func (e *PreconditionError) Unwrap() error {
	return ErrStageNotRun
}

// ConfigError reports missing or invalid configuration. It is always raised before any tool runs.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid configuration: %s", e.Msg)
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Key, e.Msg)
}
