package flow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetric(t *testing.T) {
	p, fake := newTestPipeline(t)
	fake.metrics["2_1_floorplan.json"] = map[string]float64{
		"floorplan__design__core__area": 100,
		"floorplan__power__total":       50,
		"floorplan__timing__setup__ws":  -0.25,
	}

	_, err := p.GetMetric(Floorplan, "area", "power")
	assert.ErrorIs(t, err, ErrStageNotRun)

	_, err = p.RunRange(context.Background(), Synthesis, Floorplan, Options{})
	require.NoError(t, err)

	value, err := p.GetMetric(Floorplan, "area", "power")
	require.NoError(t, err)
	assert.Equal(t, 75.0, value)

	value, err = p.GetMetric(Floorplan, "wns")
	require.NoError(t, err)
	assert.Equal(t, -0.25, value)

	_, err = p.GetMetric(Floorplan, "tns")
	assert.Error(t, err)
}

func TestGetMetricFinal(t *testing.T) {
	p, fake := newTestPipeline(t)
	fake.metrics["6_report.json"] = map[string]float64{
		"finish__design__core__area": 1200,
		"finish__power__total":       0.5,
	}

	_, err := p.GetMetric(FinalReport, "area")
	assert.ErrorIs(t, err, ErrStageNotRun)

	_, err = p.RunAll(context.Background(), Options{})
	require.NoError(t, err)
	value, err := p.GetMetric(FinalReport, "area")
	require.NoError(t, err)
	assert.Equal(t, 1200.0, value)
}

func TestGetMetricErrors(t *testing.T) {
	p, _ := newTestPipeline(t)

	_, err := p.GetMetric(Placement, "area")
	assert.ErrorIs(t, err, ErrMetricUnsupported)

	_, err = p.GetMetric(Floorplan, "slack")
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = p.GetMetric(Floorplan)
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestMetricKey(t *testing.T) {
	key, err := MetricKey(Floorplan, "tns")
	require.NoError(t, err)
	assert.Equal(t, "floorplan__timing__setup__ts", key)

	key, err = MetricKey(FinalReport, "performance")
	require.NoError(t, err)
	assert.Equal(t, "finish__performance", key)

	assert.Equal(t, []string{"area", "performance", "power", "tns", "wns"}, MetricNames())
}

func TestReadMetricsSkipsNonNumbers(t *testing.T) {
	metricsPath := writeFile(t, t.TempDir(), "6_report.json", `{"finish__design__core__area": 12.5, "finish__design__instance__count__stdcell": 412, "run__flow__generate_date": "2024-01-01"}`)

	metrics, err := ReadMetrics(metricsPath)
	require.NoError(t, err)
	assert.Equal(t, Metrics{
		"finish__design__core__area":              12.5,
		"finish__design__instance__count__stdcell": 412,
	}, metrics)

	_, err = ReadMetrics(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
