package flow

import (
	"fmt"
	"strings"
)

// Stage is one ordered phase of the physical-design flow.
type Stage int

const (
	Setup Stage = iota
	Synthesis
	Floorplan
	Placement
	CTS
	GlobalRoute
	DetailRoute
	DensityFill
	FinalReport
)

var stageNames = [...]string{
	Setup:       "setup",
	Synthesis:   "synth",
	Floorplan:   "floorplan",
	Placement:   "place",
	CTS:         "cts",
	GlobalRoute: "global_route",
	DetailRoute: "detail_route",
	DensityFill: "density_fill",
	FinalReport: "final",
}

// Stages returns all stages in flow order.
func Stages() []Stage {
	stages := make([]Stage, 0, len(stageNames))
	for s := Setup; s <= FinalReport; s++ {
		stages = append(stages, s)
	}
	return stages
}

func (s Stage) String() string {
	if s < Setup || s > FinalReport {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Previous returns the stage that must complete before s can run.
func (s Stage) Previous() Stage {
	if s <= Setup {
		return Setup
	}
	return s - 1
}

// ParseStage resolves a stage name. The long names used in logs ('synthesis', 'placement',
// 'final_report', ...) and the short names of the routing stages ('grt', 'route', 'fill') are
// accepted as well.
func ParseStage(name string) (Stage, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "synthesis":
		return Synthesis, nil
	case "placement":
		return Placement, nil
	case "grt":
		return GlobalRoute, nil
	case "route":
		return DetailRoute, nil
	case "fill":
		return DensityFill, nil
	case "final_report", "finish":
		return FinalReport, nil
	}
	for s, n := range stageNames {
		if n == name {
			return Stage(s), nil
		}
	}
	return Setup, fmt.Errorf("unknown stage '%s'", name)
}
