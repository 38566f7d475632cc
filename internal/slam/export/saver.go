// Package export writes SLAM results to disk: KITTI pose files, trajectory
// plots and an HTML map view.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/slam/posegraph"
)

// ResultSaver accumulates the raw trajectory and the latest optimized one,
// and checkpoints both to pose files every SaveGap frames and on Flush.
// It is a pipeline trajectory sink and loop closure listener.
type ResultSaver struct {
	mu        sync.Mutex
	dir       string
	sequence  string
	saveGap   int
	plot      bool
	raw       []geom.Transform
	optimized []geom.Transform
	loops     []LoopEdge
	saves     int
}

// NewResultSaver creates dir if needed. saveGap must be positive.
func NewResultSaver(dir, sequence string, saveGap int) (*ResultSaver, error) {
	if saveGap <= 0 {
		return nil, fmt.Errorf("save gap must be positive, got %d", saveGap)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	return &ResultSaver{dir: dir, sequence: safeName(sequence), saveGap: saveGap, plot: true}, nil
}

// safeName reduces a sequence label to letters, digits, dot, underscore and
// dash so it can be embedded in file names. Runs of other characters become
// a single underscore.
func safeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore:
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "unknown"
}

// SetPlotting toggles PNG rendering on Flush.
func (r *ResultSaver) SetPlotting(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plot = enabled
}

// UnoptimizedPath is the raw trajectory checkpoint file.
func (r *ResultSaver) UnoptimizedPath() string {
	return filepath.Join(r.dir, fmt.Sprintf("pose_result_%s_unoptimized.csv", r.sequence))
}

// OptimizedPath is the optimized trajectory checkpoint file.
func (r *ResultSaver) OptimizedPath() string {
	return filepath.Join(r.dir, fmt.Sprintf("pose_result_%s_optimized.csv", r.sequence))
}

// PlotPath is the trajectory PNG for plane.
func (r *ResultSaver) PlotPath(plane Plane) string {
	return filepath.Join(r.dir, fmt.Sprintf("trajectory_%s_%s.png", r.sequence, plane))
}

// RecordFrame appends the raw pose of node and checkpoints on the save gap.
func (r *ResultSaver) RecordFrame(node int, raw geom.Transform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node != len(r.raw) {
		return fmt.Errorf("result saver: got node %d, expected %d", node, len(r.raw))
	}
	r.raw = append(r.raw, raw)
	if len(r.raw)%r.saveGap == 0 {
		return r.saveLocked()
	}
	return nil
}

// RecordOptimized replaces the optimized trajectory.
func (r *ResultSaver) RecordOptimized(poses []geom.Transform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimized = append(r.optimized[:0], poses...)
	return nil
}

// OnLoopClosure remembers the closed loops for plotting.
func (r *ResultSaver) OnLoopClosure(ev posegraph.LoopClosure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range ev.Loops {
		r.loops = append(r.loops, LoopEdge{From: f.From, To: f.To})
	}
}

// Flush writes the final pose files and, when enabled, the trajectory plots.
func (r *ResultSaver) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.saveLocked(); err != nil {
		return err
	}
	if !r.plot {
		return nil
	}
	for _, plane := range []Plane{PlaneXZ, PlaneXY} {
		if err := SaveTrajectoryPlot(r.PlotPath(plane), plane, r.raw, r.optimized, r.loops); err != nil {
			return err
		}
	}
	return nil
}

// Saves reports how many checkpoints have been written.
func (r *ResultSaver) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *ResultSaver) saveLocked() error {
	if err := writePoseFile(r.UnoptimizedPath(), r.raw); err != nil {
		return err
	}
	if len(r.optimized) > 0 {
		if err := writePoseFile(r.OptimizedPath(), r.optimized); err != nil {
			return err
		}
	}
	r.saves++
	slam.Diagf("saved %d raw and %d optimized poses to %s", len(r.raw), len(r.optimized), r.dir)
	return nil
}
