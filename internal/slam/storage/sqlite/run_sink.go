package sqlite

import (
	"sync"

	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/slam/pipeline"
	"github.com/banshee-data/lidar-slam/internal/slam/scancontext"
)

// RunSink records a pipeline run into a RunStore. Trajectory writes fail
// the frame; loop and descriptor writes happen from the frame listener,
// which cannot fail, so the first such error is held and returned by Flush.
type RunSink struct {
	store  *RunStore
	runID  string
	places *scancontext.Manager

	mu  sync.Mutex
	err error
}

// NewRunSink records into runID. When places is non-nil every node's
// descriptor is stored as well.
func NewRunSink(store *RunStore, runID string, places *scancontext.Manager) *RunSink {
	return &RunSink{store: store, runID: runID, places: places}
}

// RunID returns the run being recorded.
func (s *RunSink) RunID() string { return s.runID }

// RecordFrame stores the raw pose.
func (s *RunSink) RecordFrame(node int, raw geom.Transform) error {
	return s.store.InsertPose(s.runID, node, raw)
}

// RecordOptimized replaces the stored optimized trajectory.
func (s *RunSink) RecordOptimized(poses []geom.Transform) error {
	return s.store.ReplaceOptimized(s.runID, poses)
}

// OnFrame stores the node descriptor and any accepted loop.
func (s *RunSink) OnFrame(res pipeline.FrameResult, _ geom.Cloud) {
	if s.places != nil {
		d, err := s.places.Descriptor(res.Node)
		if err == nil {
			err = s.store.SaveDescriptor(s.runID, res.Node, d)
		}
		s.hold(err)
	}
	if res.LoopAccepted {
		s.hold(s.store.InsertLoop(s.runID, LoopRecord{
			Current:    res.Node,
			Target:     res.Loop.Candidate,
			Distance:   res.Loop.Distance,
			YawDegrees: res.Loop.YawDegrees,
			ICPError:   res.LoopError,
		}))
	}
}

func (s *RunSink) hold(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
		slam.Opsf("run store %s: %v", s.runID, err)
	}
}

// Flush returns the first listener error.
func (s *RunSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
