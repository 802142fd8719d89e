package flow

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/daedaleanai/edaflow/log"
	"github.com/daedaleanai/edaflow/util"
)

// Float returns a pointer to v, for the optional fields of stage options.
func Float(v float64) *float64 {
	return &v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// SynthesisOptions are the overrides of the synthesis stage.
type SynthesisOptions struct {
	// ClockPeriod replaces the clock period of the design constraints, in picoseconds.
	ClockPeriod *float64
	// AbcArea selects the area instead of the speed strategy of ABC.
	AbcArea bool
}

// FloorplanOptions are the overrides of the floorplan stage.
type FloorplanOptions struct {
	// CoreUtilization is the core utilization in percent (0-100). Aspect ratio and margins are
	// only applied together with it.
	CoreUtilization *float64
	// CoreAspectRatio is the core height divided by its width.
	CoreAspectRatio *float64
	// CoreMargins is the margin between core and die area, in multiples of site heights.
	CoreMargins *float64
	// MacroPlaceHalo is the halo around macros in microns.
	MacroPlaceHalo *float64
	// MacroPlaceChannel is the channel width between macros in microns.
	MacroPlaceChannel *float64
}

// PlacementOptions are the overrides of the placement stage.
type PlacementOptions struct {
	// Density is the target placement density, from 0.0 (spread) to 1.0 (dense).
	Density *float64
}

// CTSOptions are the overrides of the clock tree synthesis stage.
type CTSOptions struct {
	// TnsEndPercent is the percentage of violating paths to repair. Defaults to 20.
	TnsEndPercent *float64
}

const defaultTnsEndPercent = "20"

const clockPeriodConstraintsFileName = "1_clock_period.sdc"

var (
	floorplanSteps = struct{ floorplan, io, tdms, macro, tapcell, pdn step }{
		floorplan: step{"floorplan.tcl", "2_1_floorplan.json", "2_1_floorplan.log"},
		io:        step{"io_placement_random.tcl", "2_2_floorplan_io.json", "2_2_floorplan_io.log"},
		tdms:      step{"tdms_place.tcl", "2_3_tdms.json", "2_3_tdms_place.log"},
		macro:     step{"macro_place.tcl", "2_4_mplace.json", "2_4_mplace.log"},
		tapcell:   step{"tapcell.tcl", "2_5_tapcell.json", "2_5_tapcell.log"},
		pdn:       step{"pdn.tcl", "2_6_pdn.json", "2_6_pdn.log"},
	}
	placementSteps = []step{
		{"global_place_skip_io.tcl", "3_1_place_gp_skip_io.json", "3_1_place_gp_skip_io.log"},
		{"io_placement.tcl", "3_2_place_iop.json", "3_2_place_iop.log"},
		{"global_place.tcl", "3_3_place_gp.json", "3_3_place_gp.log"},
		{"resize.tcl", "3_4_resizer.json", "3_4_resizer.log"},
		{"detail_place.tcl", "3_5_opendp.json", "3_5_opendp.log"},
	}
	ctsSteps = []step{
		{"cts.tcl", "4_1_cts.json", "4_1_cts.log"},
		{"fillcell.tcl", "4_2_cts_fillcell.json", "4_2_cts_fillcell.log"},
	}
	globalRouteStep = step{"global_route.tcl", "5_1_fastroute.json", "5_1_fastroute.log"}
	detailRouteStep = step{"detail_route.tcl", "5_2_TritonRoute.json", "5_2_TritonRoute.log"}
	densityFillStep = step{"density_fill.tcl", "6_density_fill.json", "6_density_fill.log"}
	finalReportStep = step{"final_report.tcl", "6_report.json", "6_report.log"}
)

// Synthesis runs yosys on the design sources and writes 1_synth.v and 1_synth.sdc.
func (p *Pipeline) Synthesis(ctx context.Context, opts SynthesisOptions) (Artifact, error) {
	return p.run(ctx, Synthesis, nil, func(r *stageRun) (Artifact, error) {
		c := p.env
		if opts.ClockPeriod != nil {
			period := formatFloat(*opts.ClockPeriod)
			c.Set("ABC_CLOCK_PERIOD_IN_PS", period)
			sdc, err := writeClockPeriod(c, period)
			if err != nil {
				return Artifact{}, err
			}
			c.Set("SDC_FILE", sdc)
		}
		if opts.AbcArea {
			c.Set("ABC_AREA", "1")
		}
		for _, dir := range []string{c.ResultsDir(), c.LogDir(), c.ReportsDir()} {
			if err := util.MkdirAll(dir); err != nil {
				return Artifact{}, err
			}
		}

		if c.Enabled("SYNTH_HIERARCHICAL") {
			if err := r.yosys(ctx, c.Get("HIER_REPORT_SCRIPT"), "1_1_yosys_hier_report.log"); err != nil {
				return Artifact{}, err
			}
		}
		if err := r.yosys(ctx, filepath.Join(c.ScriptsDir(), "synth.tcl"), "1_1_yosys.log"); err != nil {
			return Artifact{}, err
		}

		if err := r.copyResult("1_1_yosys.v", "1_synth.v"); err != nil {
			return Artifact{}, err
		}
		if err := util.CopyFile(c.Get("SDC_FILE"), c.Result("1_synth.sdc")); err != nil {
			return Artifact{}, fmt.Errorf("%s: %w", Synthesis, err)
		}
		return r.output()
	})
}

// writeClockPeriod writes a copy of the design constraints with the clock period replaced to the
// objects directory and returns its path. The design sources are left untouched.
func writeClockPeriod(c *Context, period string) (string, error) {
	f, err := os.Open(c.Get("SDC_FILE"))
	if err != nil {
		return "", fmt.Errorf("reading design constraints: %w", err)
	}
	defer f.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "set clk_period") {
			line = "set clk_period " + period
		}
		out.WriteString(line + "\n")
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading design constraints: %w", err)
	}

	sdc := filepath.Join(c.ObjectsDir(), clockPeriodConstraintsFileName)
	if err := util.WriteFile(sdc, []byte(out.String())); err != nil {
		return "", err
	}
	return sdc, nil
}

// Floorplan translates the netlist into a design database, places IOs and macros and inserts tap
// cells and the power distribution network. The result is 2_floorplan.odb.
func (p *Pipeline) Floorplan(ctx context.Context, in Artifact, opts FloorplanOptions) (Artifact, error) {
	return p.run(ctx, Floorplan, &in, func(r *stageRun) (Artifact, error) {
		c := p.env
		if opts.CoreUtilization != nil {
			c.Set("CORE_UTILIZATION", formatFloat(*opts.CoreUtilization))
			if opts.CoreAspectRatio != nil {
				c.Set("CORE_ASPECT_RATIO", formatFloat(*opts.CoreAspectRatio))
			}
			if opts.CoreMargins != nil {
				c.Set("CORE_MARGINS", formatFloat(*opts.CoreMargins))
			}
		}
		if opts.MacroPlaceHalo != nil {
			c.Set("MACRO_PLACE_HALO", formatFloat(*opts.MacroPlaceHalo))
		}
		if opts.MacroPlaceChannel != nil {
			c.Set("MACRO_PLACE_CHANNEL", formatFloat(*opts.MacroPlaceChannel))
		}

		steps := floorplanSteps
		if err := r.openroad(ctx, steps.floorplan); err != nil {
			return Artifact{}, err
		}
		if err := r.openroad(ctx, steps.io); err != nil {
			return Artifact{}, err
		}
		if macroPlacement, ok := c.Lookup("MACRO_PLACEMENT"); ok {
			log.Log("Using manual macro placement file '%s'.\n", macroPlacement)
			if err := r.copyResult("2_2_floorplan_io.odb", "2_3_floorplan_tdms.odb"); err != nil {
				return Artifact{}, err
			}
		} else if err := r.openroad(ctx, steps.tdms); err != nil {
			return Artifact{}, err
		}
		for _, s := range []step{steps.macro, steps.tapcell, steps.pdn} {
			if err := r.openroad(ctx, s); err != nil {
				return Artifact{}, err
			}
		}

		if err := r.copyResult("2_6_floorplan_pdn.odb", "2_floorplan.odb"); err != nil {
			return Artifact{}, err
		}
		return r.output()
	})
}

// Placement runs global placement, IO placement, resizing and detail placement. The result is
// 3_place.odb.
func (p *Pipeline) Placement(ctx context.Context, in Artifact, opts PlacementOptions) (Artifact, error) {
	return p.run(ctx, Placement, &in, func(r *stageRun) (Artifact, error) {
		if opts.Density != nil {
			p.env.Set("PLACE_DENSITY", formatFloat(*opts.Density))
		}
		for _, s := range placementSteps {
			if err := r.openroad(ctx, s); err != nil {
				return Artifact{}, err
			}
		}
		if err := r.copyResult("3_5_place_dp.odb", "3_place.odb"); err != nil {
			return Artifact{}, err
		}
		if err := r.copyConstraints("2_floorplan.sdc", "3_place.sdc"); err != nil {
			return Artifact{}, err
		}
		return r.output()
	})
}

// CTS synthesizes the clock tree and inserts filler cells. The result is 4_cts.odb.
func (p *Pipeline) CTS(ctx context.Context, in Artifact, opts CTSOptions) (Artifact, error) {
	return p.run(ctx, CTS, &in, func(r *stageRun) (Artifact, error) {
		if opts.TnsEndPercent != nil {
			p.env.Set("TNS_END_PERCENT", formatFloat(*opts.TnsEndPercent))
		} else {
			p.env.SetDefault("TNS_END_PERCENT", defaultTnsEndPercent)
		}
		for _, s := range ctsSteps {
			if err := r.openroad(ctx, s); err != nil {
				return Artifact{}, err
			}
		}
		if err := r.copyResult("4_2_cts_fillcell.odb", "4_cts.odb"); err != nil {
			return Artifact{}, err
		}
		return r.output()
	})
}

// GlobalRoute runs global routing. The result is 5_1_grt.odb.
func (p *Pipeline) GlobalRoute(ctx context.Context, in Artifact) (Artifact, error) {
	return p.run(ctx, GlobalRoute, &in, func(r *stageRun) (Artifact, error) {
		if err := r.openroad(ctx, globalRouteStep); err != nil {
			return Artifact{}, err
		}
		a, err := r.output()
		if err != nil {
			return Artifact{}, err
		}
		a.Constraints = p.canonical(CTS).Constraints
		return a, nil
	})
}

// DetailRoute runs detail routing. The result is 5_route.odb.
func (p *Pipeline) DetailRoute(ctx context.Context, in Artifact) (Artifact, error) {
	return p.run(ctx, DetailRoute, &in, func(r *stageRun) (Artifact, error) {
		if err := r.openroad(ctx, detailRouteStep); err != nil {
			return Artifact{}, err
		}
		if err := r.copyResult("5_2_route.odb", "5_route.odb"); err != nil {
			return Artifact{}, err
		}
		if err := r.copyConstraints("4_cts.sdc", "5_route.sdc"); err != nil {
			return Artifact{}, err
		}
		return r.output()
	})
}

// DensityFill inserts metal fill if DENSITY_FILL is configured. Otherwise the routed design is
// copied unchanged to 6_1_fill.odb.
func (p *Pipeline) DensityFill(ctx context.Context, in Artifact) (Artifact, error) {
	return p.run(ctx, DensityFill, &in, func(r *stageRun) (Artifact, error) {
		if p.env.Get("DENSITY_FILL") != "" {
			if err := r.openroad(ctx, densityFillStep); err != nil {
				return Artifact{}, err
			}
		} else if err := r.copyResult("5_route.odb", "6_1_fill.odb"); err != nil {
			return Artifact{}, err
		}
		return r.output()
	})
}

// FinalReport writes the final design database and reports. The result is 6_final.odb.
func (p *Pipeline) FinalReport(ctx context.Context, in Artifact) (Artifact, error) {
	return p.run(ctx, FinalReport, &in, func(r *stageRun) (Artifact, error) {
		if err := r.openroad(ctx, finalReportStep); err != nil {
			return Artifact{}, err
		}
		if err := r.copyConstraints("5_route.sdc", "6_1_fill.sdc"); err != nil {
			return Artifact{}, err
		}
		if err := r.copyConstraints("5_route.sdc", "6_final.sdc"); err != nil {
			return Artifact{}, err
		}
		return r.output()
	})
}
