package export

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

// Plane selects the two translation axes a trajectory plot shows.
type Plane int

const (
	// PlaneXZ is the ground plane of the KITTI camera frame.
	PlaneXZ Plane = iota
	// PlaneXY is the ground plane of the velodyne frame.
	PlaneXY
)

func (p Plane) String() string {
	if p == PlaneXY {
		return "xy"
	}
	return "xz"
}

func (p Plane) project(t geom.Transform) plotter.XY {
	v := t.Translation()
	if p == PlaneXY {
		return plotter.XY{X: v.X, Y: v.Y}
	}
	return plotter.XY{X: v.X, Y: v.Z}
}

func (p Plane) yLabel() string {
	if p == PlaneXY {
		return "y (m)"
	}
	return "z (m)"
}

var (
	rawColor       = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	optimizedColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	loopColor      = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// LoopEdge is a drawn loop constraint between two trajectory nodes.
type LoopEdge struct {
	From, To int
}

// SaveTrajectoryPlot renders the raw and optimized trajectories projected
// on plane to a PNG at path. Loop edges are drawn on the optimized
// trajectory when one exists, otherwise on the raw one. Empty inputs
// produce no file and no error.
func SaveTrajectoryPlot(path string, plane Plane, raw, optimized []geom.Transform, loops []LoopEdge) error {
	if len(raw) == 0 && len(optimized) == 0 {
		return nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trajectory (%s, %d nodes)", plane, max(len(raw), len(optimized)))
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = plane.yLabel()
	p.Add(plotter.NewGrid())

	if len(raw) > 0 {
		line, err := trajectoryLine(plane, raw, rawColor)
		if err != nil {
			return fmt.Errorf("raw trajectory: %w", err)
		}
		p.Add(line)
		p.Legend.Add("odometry", line)
	}
	if len(optimized) > 0 {
		line, err := trajectoryLine(plane, optimized, optimizedColor)
		if err != nil {
			return fmt.Errorf("optimized trajectory: %w", err)
		}
		p.Add(line)
		p.Legend.Add("optimized", line)
	}

	base := optimized
	if len(base) == 0 {
		base = raw
	}
	for _, e := range loops {
		if e.From < 0 || e.To < 0 || e.From >= len(base) || e.To >= len(base) {
			continue
		}
		edge, err := plotter.NewLine(plotter.XYs{plane.project(base[e.From]), plane.project(base[e.To])})
		if err != nil {
			return fmt.Errorf("loop %d-%d: %w", e.From, e.To, err)
		}
		edge.Color = loopColor
		edge.Width = vg.Points(0.75)
		edge.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		p.Add(edge)
	}

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func trajectoryLine(plane Plane, poses []geom.Transform, c color.Color) (*plotter.Line, error) {
	pts := make(plotter.XYs, len(poses))
	for i, t := range poses {
		pts[i] = plane.project(t)
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, err
	}
	line.Color = c
	line.Width = vg.Points(1)
	return line, nil
}
