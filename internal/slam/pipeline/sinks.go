package pipeline

import (
	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/slam/posegraph"
)

// TrajectorySink consumes the trajectory as it grows. RecordFrame is called
// once per processed node with its raw (odometry-integrated) pose;
// RecordOptimized receives the full optimized sequence after every
// successful optimization. Both receive copies the sink may keep.
type TrajectorySink interface {
	RecordFrame(node int, raw geom.Transform) error
	RecordOptimized(poses []geom.Transform) error
}

// Flusher is implemented by sinks that buffer output. Run calls Flush once
// the source is exhausted.
type Flusher interface {
	Flush() error
}

// FrameListener observes every processed frame together with the
// downsampled cloud used for it, e.g. for visualisation.
type FrameListener interface {
	OnFrame(result FrameResult, cloud geom.Cloud)
}

// LoopClosureListener is notified exactly once per successful optimization
// that incorporated a new loop factor.
type LoopClosureListener interface {
	OnLoopClosure(ev posegraph.LoopClosure)
}

// LoopClosureFunc adapts a function to LoopClosureListener.
type LoopClosureFunc func(ev posegraph.LoopClosure)

// OnLoopClosure calls f(ev).
func (f LoopClosureFunc) OnLoopClosure(ev posegraph.LoopClosure) { f(ev) }
