// Package posegraph maintains the SLAM factor graph and optimizes it.
//
// Nodes are sensor poses indexed 0..n-1 in arrival order. Node 0 is created
// by the prior factor, every later node by the odometry factor linking it to
// its predecessor. Loop factors add non-sequential edges between the newest
// node and an earlier one.
//
// A between factor stores Measurement = X_from^-1 * X_to, the pose of node
// To expressed in the frame of node From.
package posegraph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

var (
	// ErrDuplicatePrior is returned by a second AddPriorFactor call.
	ErrDuplicatePrior = errors.New("duplicate prior")
	// ErrMissingPriorOrNode is returned when a factor is added before the
	// prior, or an odometry factor arrives out of sequence.
	ErrMissingPriorOrNode = errors.New("missing prior or node")
	// ErrUnknownNode is returned when a loop factor targets a node that was
	// never ingested.
	ErrUnknownNode = errors.New("unknown node")
	// ErrNonConvergence is returned by Optimize when the iteration or time
	// budget runs out first. The graph keeps its pre-optimization estimates.
	ErrNonConvergence = errors.New("optimizer did not converge")
)

// FactorKind tells prior, odometry and loop factors apart.
type FactorKind int

const (
	FactorPrior FactorKind = iota
	FactorOdometry
	FactorLoop
)

func (k FactorKind) String() string {
	switch k {
	case FactorPrior:
		return "prior"
	case FactorOdometry:
		return "odometry"
	case FactorLoop:
		return "loop"
	default:
		return fmt.Sprintf("FactorKind(%d)", int(k))
	}
}

// Information is the diagonal of a factor's information matrix, ordered like
// geom.Tangent: translation x,y,z then rotation x,y,z.
type Information [6]float64

// InformationFromSigmas converts per-axis standard deviations to information
// weights 1/sigma^2.
func InformationFromSigmas(sigmas [6]float64) (Information, error) {
	var info Information
	for i, s := range sigmas {
		if !(s > 0) {
			return Information{}, fmt.Errorf("sigma %d must be positive, got %g", i, s)
		}
		info[i] = 1 / (s * s)
	}
	return info, nil
}

// IsotropicInformation returns equal weights for all six axes.
func IsotropicInformation(sigma float64) (Information, error) {
	return InformationFromSigmas([6]float64{sigma, sigma, sigma, sigma, sigma, sigma})
}

func (in Information) validate() error {
	for i, w := range in {
		if !(w > 0) {
			return fmt.Errorf("information weight %d must be positive, got %g", i, w)
		}
	}
	return nil
}

// Factor is one weighted constraint. Prior factors have From == To == 0 and
// measure the absolute pose of node 0.
type Factor struct {
	Kind        FactorKind
	From, To    int
	Measurement geom.Transform
	Information Information
}

// residual returns the tangent-space mismatch of f at the given estimates.
func (f Factor) residual(from, to geom.Transform) geom.Tangent {
	if f.Kind == FactorPrior {
		return geom.RelativeError(f.Measurement, geom.Identity(), to)
	}
	return geom.RelativeError(f.Measurement, from, to)
}

// cost returns r^T * Info * r.
func (f Factor) cost(r geom.Tangent) float64 {
	var c float64
	for i := range r {
		c += f.Information[i] * r[i] * r[i]
	}
	return c
}

// LoopClosure is published after a successful Optimize that incorporated at
// least one loop factor not seen by an earlier successful optimization.
type LoopClosure struct {
	Loops       []Factor
	Poses       []geom.Transform
	Iterations  int
	InitialCost float64
	FinalCost   float64
}

// State is the lifecycle position of a Graph.
type State int

const (
	StateEmpty     State = iota // no prior yet
	StateHasPrior               // anchored, estimates from odometry integration
	StateOptimized              // estimates are the optimum of the current factors
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateHasPrior:
		return "has-prior"
	case StateOptimized:
		return "optimized"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Graph is the pose graph. All methods are safe for concurrent use, but the
// expected pattern is a single writer adding factors in scan order.
type Graph struct {
	cfg Config

	mu        sync.Mutex
	factors   []Factor
	estimates []geom.Transform
	pending   []Factor // loop factors awaiting a successful optimization
	hasPrior  bool
	clean     bool // estimates are the optimum of the current factors

	subMu       sync.Mutex
	subscribers []func(LoopClosure)
}

// New creates an empty graph.
func New(cfg Config) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Graph{cfg: cfg.withDefaults()}, nil
}

// AddPriorFactor creates node 0 at the identity pose and anchors it there
// with the given weight. It must be the first factor.
func (g *Graph) AddPriorFactor(info Information) error {
	if err := info.validate(); err != nil {
		return fmt.Errorf("prior: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hasPrior {
		return ErrDuplicatePrior
	}
	g.hasPrior = true
	g.clean = false
	g.factors = append(g.factors, Factor{
		Kind:        FactorPrior,
		Measurement: geom.Identity(),
		Information: info,
	})
	g.estimates = append(g.estimates, geom.Identity())
	return nil
}

// AddOdometryFactor creates node and links it to node-1 with the relative
// transform rel (pose of node in the frame of node-1). The new node's
// estimate is its predecessor's estimate composed with rel.
func (g *Graph) AddOdometryFactor(node int, rel geom.Transform, info Information) error {
	if err := info.validate(); err != nil {
		return fmt.Errorf("odometry to node %d: %w", node, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasPrior {
		return fmt.Errorf("odometry to node %d before prior: %w", node, ErrMissingPriorOrNode)
	}
	if node != len(g.estimates) {
		return fmt.Errorf("odometry to node %d, expected node %d: %w", node, len(g.estimates), ErrMissingPriorOrNode)
	}
	g.factors = append(g.factors, Factor{
		Kind:        FactorOdometry,
		From:        node - 1,
		To:          node,
		Measurement: rel,
		Information: info,
	})
	g.estimates = append(g.estimates, g.estimates[node-1].Compose(rel))
	g.clean = false
	return nil
}

// AddLoopFactor links the newest node to an earlier target node. rel is the
// pose of the newest node in the target's frame.
func (g *Graph) AddLoopFactor(rel geom.Transform, target int, info Information) error {
	if err := info.validate(); err != nil {
		return fmt.Errorf("loop to node %d: %w", target, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.hasPrior {
		return fmt.Errorf("loop to node %d before prior: %w", target, ErrMissingPriorOrNode)
	}
	current := len(g.estimates) - 1
	if target < 0 || target > current {
		return fmt.Errorf("loop to node %d of %d: %w", target, len(g.estimates), ErrUnknownNode)
	}
	if target == current {
		return fmt.Errorf("loop from node %d to itself", current)
	}
	f := Factor{
		Kind:        FactorLoop,
		From:        target,
		To:          current,
		Measurement: rel,
		Information: info,
	}
	g.factors = append(g.factors, f)
	g.pending = append(g.pending, f)
	g.clean = false
	return nil
}

// SetEstimate overrides the current estimate of a node, typically to seed
// optimization from a known trajectory.
func (g *Graph) SetEstimate(node int, pose geom.Transform) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if node < 0 || node >= len(g.estimates) {
		return fmt.Errorf("estimate for node %d of %d: %w", node, len(g.estimates), ErrUnknownNode)
	}
	g.estimates[node] = pose
	g.clean = false
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.estimates)
}

// State reports where the graph is in its lifecycle.
func (g *Graph) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch {
	case !g.hasPrior:
		return StateEmpty
	case g.clean:
		return StateOptimized
	default:
		return StateHasPrior
	}
}

// Poses returns a copy of the current estimates.
func (g *Graph) Poses() []geom.Transform {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]geom.Transform(nil), g.estimates...)
}

// Factors returns a copy of all factors in insertion order.
func (g *Graph) Factors() []Factor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Factor(nil), g.factors...)
}

// Subscribe registers fn to receive LoopClosure events. Listeners run on the
// goroutine that called Optimize, after the graph lock is released.
func (g *Graph) Subscribe(fn func(LoopClosure)) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.subscribers = append(g.subscribers, fn)
}

// Optimize jointly refines all node estimates and returns them.
//
// On ErrNonConvergence, or when ctx is cancelled, the estimates are left as
// they were and the returned slice holds those unchanged poses. Calling
// Optimize again with no new factors or estimates returns the same poses.
func (g *Graph) Optimize(ctx context.Context) ([]geom.Transform, error) {
	g.mu.Lock()
	if !g.hasPrior {
		g.mu.Unlock()
		return nil, fmt.Errorf("optimize: %w", ErrMissingPriorOrNode)
	}
	if g.clean {
		poses := append([]geom.Transform(nil), g.estimates...)
		g.mu.Unlock()
		return poses, nil
	}

	res, err := newProblem(g.factors, g.estimates, g.cfg).solve(ctx)
	if err != nil {
		poses := append([]geom.Transform(nil), g.estimates...)
		g.mu.Unlock()
		slam.Opsf("pose graph optimization failed after %d iterations (cost %.6g): %v",
			res.iterations, res.initialCost, err)
		return poses, err
	}

	copy(g.estimates, res.poses)
	g.clean = true
	poses := append([]geom.Transform(nil), g.estimates...)
	var event *LoopClosure
	if len(g.pending) > 0 {
		event = &LoopClosure{
			Loops:       g.pending,
			Poses:       append([]geom.Transform(nil), poses...),
			Iterations:  res.iterations,
			InitialCost: res.initialCost,
			FinalCost:   res.finalCost,
		}
		g.pending = nil
	}
	g.mu.Unlock()

	slam.Diagf("pose graph optimized: %d nodes, cost %.6g -> %.6g in %d iterations",
		len(poses), res.initialCost, res.finalCost, res.iterations)
	if event != nil {
		g.publish(*event)
	}
	return poses, nil
}

func (g *Graph) publish(ev LoopClosure) {
	g.subMu.Lock()
	subs := append([]func(LoopClosure){}, g.subscribers...)
	g.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
