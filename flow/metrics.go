package flow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/daedaleanai/edaflow/util"
)

// Metrics are the values a stage reported in its metrics file.
type Metrics map[string]float64

type metricSource struct {
	prefix string
	file   string
}

// metricSources lists the stages that have a known metrics file. Other stages report metrics as
// well, but their key naming is not fixed.
var metricSources = map[Stage]metricSource{
	Floorplan:   {prefix: "floorplan", file: floorplanSteps.floorplan.metrics},
	FinalReport: {prefix: "finish", file: finalReportStep.metrics},
}

var metricSuffixes = map[string]string{
	"tns":         "__timing__setup__ts",
	"wns":         "__timing__setup__ws",
	"area":        "__design__core__area",
	"power":       "__power__total",
	"performance": "__performance",
}

// MetricNames returns the metric names GetMetric understands.
func MetricNames() []string {
	return util.OrderedKeys(metricSuffixes)
}

// MetricKey returns the key of metric name in the metrics file of stage.
func MetricKey(stage Stage, name string) (string, error) {
	source, ok := metricSources[stage]
	if !ok {
		return "", fmt.Errorf("%w: '%s'", ErrMetricUnsupported, stage)
	}
	suffix, ok := metricSuffixes[name]
	if !ok {
		return "", fmt.Errorf("%w: '%s'", ErrUnknownMetric, name)
	}
	return source.prefix + suffix, nil
}

// ReadMetrics reads a metrics file. Entries that are not numbers are skipped.
func ReadMetrics(filePath string) (Metrics, error) {
	raw := map[string]interface{}{}
	if err := util.ReadJson(filePath, &raw); err != nil {
		return nil, err
	}
	metrics := Metrics{}
	for key, value := range raw {
		if v, ok := value.(float64); ok {
			metrics[key] = v
		}
	}
	return metrics, nil
}

// GetMetric returns the mean of the named metrics (tns, wns, area, power, performance) reported by
// stage. The stage must have completed in this pipeline.
func (p *Pipeline) GetMetric(stage Stage, names ...string) (float64, error) {
	if len(names) == 0 {
		return 0, fmt.Errorf("%w: no metric requested", ErrUnknownMetric)
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		key, err := MetricKey(stage, name)
		if err != nil {
			return 0, err
		}
		keys = append(keys, key)
	}

	op := "metric query"
	if p.env == nil {
		return 0, &PreconditionError{Op: op, Missing: Setup}
	}
	if !p.Completed(stage) {
		return 0, &PreconditionError{Op: op, Missing: stage}
	}
	metricsPath := filepath.Join(p.env.LogDir(), metricSources[stage].file)
	metrics, err := ReadMetrics(metricsPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, &PreconditionError{Op: op, Missing: stage}
	}
	if err != nil {
		return 0, err
	}

	sum := 0.0
	for _, key := range keys {
		v, ok := metrics[key]
		if !ok {
			return 0, fmt.Errorf("metric '%s' is missing in '%s'", key, metricsPath)
		}
		sum += v
	}
	return sum / float64(len(keys)), nil
}
