// Package pipeline drives the SLAM engines over an ordered stream of scans.
//
// Per scan: downsample, store the place descriptor, register against the
// previous scan for odometry, extend the raw trajectory and the pose graph,
// and every TryGapLoopDetection frames look for a revisit. A verified
// revisit becomes a loop factor followed by a graph optimization.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/slam/posegraph"
	"github.com/banshee-data/lidar-slam/internal/slam/registration"
	"github.com/banshee-data/lidar-slam/internal/slam/scan"
	"github.com/banshee-data/lidar-slam/internal/slam/scancontext"
)

// ErrOutOfOrder is returned when a scan index is not the next expected one.
var ErrOutOfOrder = errors.New("scan out of order")

// Config holds the orchestration policy and the engine configurations.
type Config struct {
	NumICPPoints        int     // points kept per scan after sampling; 0 keeps all
	VoxelLeaf           float64 // voxel filter applied before sampling; 0 disables
	TryGapLoopDetection int     // frames between loop detection attempts
	ICPMaxIterations    int
	LoopMaxMeanError    float64 // reject loops whose verification error exceeds this; 0 disables
	Seed                int64   // sampling RNG seed

	PriorSigma     float64
	OdometrySigmas [6]float64
	LoopSigmas     [6]float64

	Registration     registration.Config
	PlaceRecognition scancontext.Config
	Optimizer        posegraph.Config
}

// DefaultConfig returns the defaults used on KITTI sequences.
func DefaultConfig() Config {
	return Config{
		NumICPPoints:        5000,
		TryGapLoopDetection: 10,
		ICPMaxIterations:    registration.DefaultMaxIterations,
		PriorSigma:          1e-6,
		OdometrySigmas:      [6]float64{0.5, 0.5, 0.5, 0.1, 0.1, 0.1},
		LoopSigmas:          [6]float64{0.5, 0.5, 0.5, 0.1, 0.1, 0.1},
		Registration:        registration.DefaultConfig(),
		PlaceRecognition:    scancontext.DefaultConfig(),
		Optimizer:           posegraph.DefaultConfig(),
	}
}

// Validate checks the orchestration values. Engine configurations are
// validated by their constructors.
func (c Config) Validate() error {
	if c.NumICPPoints < 0 {
		return fmt.Errorf("num_icp_points must be non-negative, got %d", c.NumICPPoints)
	}
	if c.TryGapLoopDetection <= 0 {
		return fmt.Errorf("try_gap_loop_detection must be positive, got %d", c.TryGapLoopDetection)
	}
	if c.VoxelLeaf < 0 || c.LoopMaxMeanError < 0 {
		return fmt.Errorf("voxel leaf and loop error limit must be non-negative")
	}
	return nil
}

// FrameResult reports what happened to one scan.
type FrameResult struct {
	Node     int
	Points   int // points after downsampling
	Odometry geom.Transform
	Raw      geom.Transform

	ICPIterations      int
	ICPError           float64
	RegistrationFailed bool // odometry fell back to the previous transform

	LoopAttempted      bool
	Loop               scancontext.Loop
	LoopAccepted       bool // verified and added to the graph
	LoopTransform      geom.Transform
	LoopError          float64 // mean residual of the verification registration
	Optimized          bool
	OptimizationFailed bool // the previous optimized trajectory was kept
}

// Stats counts outcomes across a run.
type Stats struct {
	Frames               int
	RegistrationFailures int
	LoopAttempts         int
	LoopsDetected        int
	LoopsAccepted        int
	LoopsRejected        int
	Optimizations        int
	OptimizationFailures int
}

// SLAM is the orchestrator. Process must be called from one goroutine;
// the trajectory accessors may be called from any goroutine.
type SLAM struct {
	cfg      Config
	icp      *registration.Registrar
	places   *scancontext.Manager
	graph    *posegraph.Graph
	rng      *rand.Rand
	prior    posegraph.Information
	odomInfo posegraph.Information
	loopInfo posegraph.Information

	sinks     []TrajectorySink
	listeners []FrameListener

	next     int
	prevDown geom.Cloud
	lastOdom geom.Transform

	mu        sync.RWMutex
	raw       []geom.Transform
	optimized []geom.Transform
	stats     Stats
}

// New wires the engines described by cfg.
func New(cfg Config) (*SLAM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	places, err := scancontext.NewManager(cfg.PlaceRecognition)
	if err != nil {
		return nil, fmt.Errorf("place recognition: %w", err)
	}
	graph, err := posegraph.New(cfg.Optimizer)
	if err != nil {
		return nil, fmt.Errorf("pose graph: %w", err)
	}
	prior, err := posegraph.IsotropicInformation(cfg.PriorSigma)
	if err != nil {
		return nil, fmt.Errorf("prior: %w", err)
	}
	odomInfo, err := posegraph.InformationFromSigmas(cfg.OdometrySigmas)
	if err != nil {
		return nil, fmt.Errorf("odometry: %w", err)
	}
	loopInfo, err := posegraph.InformationFromSigmas(cfg.LoopSigmas)
	if err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	return &SLAM{
		cfg:      cfg,
		icp:      registration.New(cfg.Registration),
		places:   places,
		graph:    graph,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		prior:    prior,
		odomInfo: odomInfo,
		loopInfo: loopInfo,
		lastOdom: geom.Identity(),
	}, nil
}

// AddTrajectorySink registers a sink. Call before processing starts.
func (s *SLAM) AddTrajectorySink(sink TrajectorySink) {
	s.sinks = append(s.sinks, sink)
}

// AddFrameListener registers a per-frame observer. Call before processing
// starts.
func (s *SLAM) AddFrameListener(l FrameListener) {
	s.listeners = append(s.listeners, l)
}

// AddLoopClosureListener subscribes l to the pose graph's loop closure
// events.
func (s *SLAM) AddLoopClosureListener(l LoopClosureListener) {
	s.graph.Subscribe(l.OnLoopClosure)
}

// Places exposes the descriptor store, e.g. for persisting descriptors.
func (s *SLAM) Places() *scancontext.Manager { return s.places }

// Graph exposes the pose graph for inspection.
func (s *SLAM) Graph() *posegraph.Graph { return s.graph }

// downsample reduces a raw scan to the registration budget.
func (s *SLAM) downsample(points geom.Cloud) geom.Cloud {
	if s.cfg.VoxelLeaf > 0 {
		points = scan.VoxelDownsample(points, s.cfg.VoxelLeaf)
	}
	return scan.RandomSample(points, s.cfg.NumICPPoints, s.rng)
}

// Process ingests the next scan. Numerical failures (registration,
// optimization) are absorbed and reported in the FrameResult; the returned
// error covers misuse and sink failures only.
func (s *SLAM) Process(ctx context.Context, sc scan.Scan) (FrameResult, error) {
	if sc.Index != s.next {
		return FrameResult{}, fmt.Errorf("got scan %d, expected %d: %w", sc.Index, s.next, ErrOutOfOrder)
	}
	node := sc.Index
	down := s.downsample(sc.Points)
	if err := s.places.AddNode(node, down); err != nil {
		return FrameResult{}, fmt.Errorf("node %d descriptor: %w", node, err)
	}
	res := FrameResult{Node: node, Points: len(down), Odometry: geom.Identity(), Raw: geom.Identity()}

	if node == 0 {
		if err := s.graph.AddPriorFactor(s.prior); err != nil {
			return res, err
		}
		s.prevDown = down
		s.lastOdom = geom.Identity()
		s.next++
		s.mu.Lock()
		s.raw = append(s.raw, res.Raw)
		s.stats.Frames++
		s.mu.Unlock()
		return res, s.emitFrame(res, down)
	}

	odom := s.lastOdom
	reg, err := s.icp.Register(down, s.prevDown, s.lastOdom, s.cfg.ICPMaxIterations)
	if err != nil {
		res.RegistrationFailed = true
		slam.Opsf("node %d: registration failed, reusing previous odometry: %v", node, err)
	} else {
		odom = reg.Transform
		res.ICPIterations = reg.Iterations
		res.ICPError = reg.MeanError
	}
	res.Odometry = odom

	if err := s.graph.AddOdometryFactor(node, odom, s.odomInfo); err != nil {
		return res, fmt.Errorf("node %d odometry: %w", node, err)
	}
	s.lastOdom = odom
	if len(down) > 0 {
		s.prevDown = down
	}
	s.next++

	s.mu.Lock()
	res.Raw = s.raw[len(s.raw)-1].Compose(odom)
	s.raw = append(s.raw, res.Raw)
	s.stats.Frames++
	if res.RegistrationFailed {
		s.stats.RegistrationFailures++
	}
	s.mu.Unlock()

	if node > 1 && node%s.cfg.TryGapLoopDetection == 0 {
		s.closeLoop(ctx, &res, down)
	}

	slam.Tracef("node %d: %d points, icp %d iterations error %.4f, raw x=%.2f y=%.2f z=%.2f",
		node, len(down), res.ICPIterations, res.ICPError,
		res.Raw.Translation().X, res.Raw.Translation().Y, res.Raw.Translation().Z)
	return res, s.emitFrame(res, down)
}

// closeLoop runs detection, verification and optimization for the newest
// node, recording the outcome in res.
func (s *SLAM) closeLoop(ctx context.Context, res *FrameResult, down geom.Cloud) {
	res.LoopAttempted = true
	loop := s.places.DetectLoop()
	res.Loop = loop

	s.mu.Lock()
	s.stats.LoopAttempts++
	if loop.Found {
		s.stats.LoopsDetected++
	}
	s.mu.Unlock()
	if !loop.Found {
		return
	}

	reject := func(format string, args ...interface{}) {
		slam.Opsf("node %d: loop to node %d rejected: %s", res.Node, loop.Candidate, fmt.Sprintf(format, args...))
		s.mu.Lock()
		s.stats.LoopsRejected++
		s.mu.Unlock()
	}

	target, err := s.places.Cloud(loop.Candidate)
	if err != nil {
		reject("%v", err)
		return
	}
	reg, err := s.icp.Register(down, target, geom.YawTransform(loop.YawDegrees), s.cfg.ICPMaxIterations)
	if err != nil {
		reject("verification failed: %v", err)
		return
	}
	res.LoopError = reg.MeanError
	if s.cfg.LoopMaxMeanError > 0 && reg.MeanError > s.cfg.LoopMaxMeanError {
		reject("verification error %.3f above %.3f", reg.MeanError, s.cfg.LoopMaxMeanError)
		return
	}
	if err := s.graph.AddLoopFactor(reg.Transform, loop.Candidate, s.loopInfo); err != nil {
		reject("%v", err)
		return
	}
	res.LoopAccepted = true
	res.LoopTransform = reg.Transform
	slam.Opsf("loop closure: node %d -> node %d, distance %.4f, yaw %.1f deg",
		res.Node, loop.Candidate, loop.Distance, loop.YawDegrees)

	poses, err := s.graph.Optimize(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.LoopsAccepted++
	if err != nil {
		res.OptimizationFailed = true
		s.stats.OptimizationFailures++
		slam.Opsf("node %d: keeping previous optimized trajectory: %v", res.Node, err)
		return
	}
	res.Optimized = true
	s.stats.Optimizations++
	s.optimized = poses
}

// emitFrame forwards the frame to sinks and listeners.
func (s *SLAM) emitFrame(res FrameResult, down geom.Cloud) error {
	var optimized []geom.Transform
	if res.Optimized {
		optimized = s.Optimized()
	}
	for _, sink := range s.sinks {
		if optimized != nil {
			if err := sink.RecordOptimized(append([]geom.Transform(nil), optimized...)); err != nil {
				return fmt.Errorf("node %d: record optimized trajectory: %w", res.Node, err)
			}
		}
		if err := sink.RecordFrame(res.Node, res.Raw); err != nil {
			return fmt.Errorf("node %d: record frame: %w", res.Node, err)
		}
	}
	for _, l := range s.listeners {
		l.OnFrame(res, down)
	}
	return nil
}

// Raw returns a copy of the odometry-integrated trajectory.
func (s *SLAM) Raw() []geom.Transform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]geom.Transform(nil), s.raw...)
}

// Optimized returns a copy of the latest successfully optimized trajectory,
// or nil before the first successful optimization. It covers the nodes that
// existed at that optimization.
func (s *SLAM) Optimized() []geom.Transform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.optimized == nil {
		return nil
	}
	return append([]geom.Transform(nil), s.optimized...)
}

// Stats returns outcome counters.
func (s *SLAM) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
