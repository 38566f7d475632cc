package posegraph

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/timeutil"
)

// Config bounds and tunes the Levenberg-Marquardt solver.
type Config struct {
	// MaxIterations is the number of linearizations allowed per Optimize.
	MaxIterations int

	// TimeBudget limits wall time per Optimize, measured with Clock. Zero
	// means unbounded.
	TimeBudget time.Duration

	// RelativeTolerance declares convergence once an improving step would
	// lower the cost by less than this fraction.
	RelativeTolerance float64

	// GradientTolerance declares convergence once the gradient max-norm
	// falls to or below it.
	GradientTolerance float64

	// Workers bounds factor linearization goroutines; zero means GOMAXPROCS.
	Workers int

	// Clock measures TimeBudget. Nil means the real clock.
	Clock timeutil.Clock
}

// DefaultConfig returns the solver defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:     100,
		RelativeTolerance: 1e-6,
		GradientTolerance: 1e-9,
		Clock:             timeutil.RealClock{},
	}
}

// Validate checks the solver configuration.
func (c Config) Validate() error {
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.TimeBudget < 0 {
		return fmt.Errorf("time budget must be non-negative, got %s", c.TimeBudget)
	}
	if c.RelativeTolerance < 0 || c.GradientTolerance < 0 {
		return fmt.Errorf("tolerances must be non-negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c
}

const (
	initialDamping = 1e-4
	maxDamping     = 1e12
	minDamping     = 1e-12

	// absoluteTolerance is the cost below which the graph is consistent.
	absoluteTolerance = 1e-12

	maxCGIterations = 2000
	cgTolerance     = 1e-10
)

type solution struct {
	poses       []geom.Transform
	iterations  int
	initialCost float64
	finalCost   float64
}

// problem is one optimization run over a snapshot of the graph.
type problem struct {
	cfg     Config
	factors []Factor
	poses   []geom.Transform
}

func newProblem(factors []Factor, estimates []geom.Transform, cfg Config) *problem {
	return &problem{
		cfg:     cfg,
		factors: factors,
		poses:   append([]geom.Transform(nil), estimates...),
	}
}

// solve runs Levenberg-Marquardt with right-perturbed pose updates
// X_i <- X_i * Exp(delta_i). A step is applied only when it lowers the cost
// by at least RelativeTolerance, so a converged graph is a fixed point.
func (p *problem) solve(ctx context.Context) (solution, error) {
	clock := p.cfg.Clock
	start := clock.Now()

	cost := p.cost(p.poses)
	sol := solution{initialCost: cost, finalCost: cost}
	if cost <= absoluteTolerance {
		sol.poses = p.poses
		return sol, nil
	}

	lambda := initialDamping
	for iter := 1; iter <= p.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return sol, fmt.Errorf("after %d iterations: %w: %w", sol.iterations, ErrNonConvergence, err)
		}
		if p.cfg.TimeBudget > 0 && clock.Since(start) > p.cfg.TimeBudget {
			return sol, fmt.Errorf("time budget %s exhausted after %d iterations: %w",
				p.cfg.TimeBudget, sol.iterations, ErrNonConvergence)
		}
		sol.iterations = iter

		sys, err := p.linearize(ctx)
		if err != nil {
			return sol, fmt.Errorf("linearize: %w: %w", ErrNonConvergence, err)
		}
		if maxAbs(sys.grad) <= p.cfg.GradientTolerance {
			sol.poses = p.poses
			return sol, nil
		}

		rhs := make([]float64, len(sys.grad))
		for i, v := range sys.grad {
			rhs[i] = -v
		}
		for {
			delta := sys.solve(lambda, rhs)
			cand := retract(p.poses, delta)
			candCost := p.cost(cand)
			if candCost < cost {
				if (cost-candCost)/cost < p.cfg.RelativeTolerance {
					sol.poses = p.poses
					return sol, nil
				}
				p.poses, cost = cand, candCost
				sol.finalCost = cost
				lambda = math.Max(lambda/10, minDamping)
				break
			}
			lambda *= 10
			if lambda > maxDamping {
				// No damping finds a descent direction: a local minimum.
				sol.poses = p.poses
				return sol, nil
			}
		}
		if cost <= absoluteTolerance {
			sol.poses = p.poses
			return sol, nil
		}
	}
	return sol, fmt.Errorf("%d iterations, cost %.6g: %w", p.cfg.MaxIterations, cost, ErrNonConvergence)
}

// cost returns the total weighted squared residual at poses.
func (p *problem) cost(poses []geom.Transform) float64 {
	var c float64
	for _, f := range p.factors {
		c += f.cost(f.residual(poses[f.From], poses[f.To]))
	}
	return c
}

func retract(poses []geom.Transform, delta []float64) []geom.Transform {
	out := make([]geom.Transform, len(poses))
	for i, x := range poses {
		var xi geom.Tangent
		copy(xi[:], delta[6*i:6*i+6])
		out[i] = x.Compose(geom.Exp(xi))
	}
	return out
}

// linearization is one factor's Jacobian and residual at the current estimates.
type linearization struct {
	jac *mat.Dense // 6x6 for priors, 6x12 for between factors
	res geom.Tangent
}

// linearize evaluates every factor's numerical Jacobian in parallel, each
// into its own slot, then accumulates the normal equations in factor order.
func (p *problem) linearize(ctx context.Context) (*blockSystem, error) {
	lins := make([]linearization, len(p.factors))
	chunk := (len(p.factors) + p.cfg.Workers - 1) / p.cfg.Workers
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for lo := 0; lo < len(p.factors); lo += chunk {
		lo, hi := lo, min(lo+chunk, len(p.factors))
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				lins[i] = p.linearizeFactor(p.factors[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sys := newBlockSystem(len(p.poses))
	for i, f := range p.factors {
		sys.accumulate(f, lins[i])
	}
	return sys, nil
}

func (p *problem) linearizeFactor(f Factor) linearization {
	from, to := p.poses[f.From], p.poses[f.To]
	origin := f.residual(from, to)

	if f.Kind == FactorPrior {
		jac := mat.NewDense(6, 6, nil)
		fd.Jacobian(jac, func(y, x []float64) {
			var xi geom.Tangent
			copy(xi[:], x)
			r := f.residual(from, to.Mul(geom.Exp(xi)))
			copy(y, r[:])
		}, make([]float64, 6), &fd.JacobianSettings{Formula: fd.Central})
		return linearization{jac: jac, res: origin}
	}

	jac := mat.NewDense(6, 12, nil)
	fd.Jacobian(jac, func(y, x []float64) {
		var a, b geom.Tangent
		copy(a[:], x[:6])
		copy(b[:], x[6:])
		r := f.residual(from.Mul(geom.Exp(a)), to.Mul(geom.Exp(b)))
		copy(y, r[:])
	}, make([]float64, 12), &fd.JacobianSettings{Formula: fd.Central})
	return linearization{jac: jac, res: origin}
}

func maxAbs(v []float64) float64 {
	var m float64
	for _, x := range v {
		if a := math.Abs(x); a > m {
			m = a
		}
	}
	return m
}
