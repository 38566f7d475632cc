// Package registration implements point-to-point Iterative Closest Point
// registration of two point clouds.
//
// Register(source, target, guess) returns the rigid transform that maps
// source points into the target frame. When source is the current scan and
// target the previous scan, that is the pose of the current sensor expressed
// in the previous sensor frame, which is exactly the odometry measurement
// the pose graph stores.
package registration

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"github.com/golang/geo/r3"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

var (
	// ErrEmptyPointSet is returned when either input cloud has no points.
	ErrEmptyPointSet = errors.New("empty point set")
	// ErrInsufficientCorrespondences is returned when fewer than
	// MinCorrespondences pairs survive outlier rejection in any iteration.
	ErrInsufficientCorrespondences = errors.New("insufficient correspondences")
)

// MinCorrespondences is the minimum number of point pairs a rigid fit needs.
const MinCorrespondences = 3

// DefaultMaxIterations is used when Register is called with maxIterations <= 0.
const DefaultMaxIterations = 20

// minParallelPoints is the source size below which correspondence search
// stays on the calling goroutine.
const minParallelPoints = 2048

// Config controls convergence and outlier rejection.
type Config struct {
	// Tolerance stops iteration once the relative decrease of the mean
	// correspondence error, (prev-cur)/prev, falls below it.
	Tolerance float64

	// MaxCorrespondenceDistance discards pairs farther apart than this
	// (metres). Zero disables rejection.
	MaxCorrespondenceDistance float64

	// Workers bounds the goroutines used for nearest-neighbour search.
	// Zero means GOMAXPROCS. Results do not depend on this value.
	Workers int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Tolerance: 0.001,
	}
}

// Result is the outcome of a registration.
type Result struct {
	Transform       geom.Transform // maps source points into the target frame
	MeanError       float64        // mean correspondence distance of the final iteration
	Iterations      int
	Converged       bool // false when maxIterations was reached first
	Correspondences int  // surviving pairs in the final iteration
}

// Registrar runs ICP with a fixed configuration. It holds no per-call state
// and is safe for concurrent use.
type Registrar struct {
	cfg Config
}

// New creates a Registrar.
func New(cfg Config) *Registrar {
	return &Registrar{cfg: cfg}
}

// Register aligns source onto target with the default configuration.
func Register(source, target geom.Cloud, guess geom.Transform, maxIterations int) (Result, error) {
	return New(DefaultConfig()).Register(source, target, guess, maxIterations)
}

// Register aligns source onto target starting from guess. Identical inputs
// always yield the identical transform.
func (r *Registrar) Register(source, target geom.Cloud, guess geom.Transform, maxIterations int) (Result, error) {
	if len(source) == 0 || len(target) == 0 {
		return Result{}, fmt.Errorf("register %d onto %d points: %w", len(source), len(target), ErrEmptyPointSet)
	}
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	index := geom.NewCloudIndex(target)
	moved := make(geom.Cloud, len(source))
	matches := make([]match, len(source))
	src := make(geom.Cloud, 0, len(source))
	dst := make(geom.Cloud, 0, len(source))

	estimate := guess
	prevErr := math.Inf(1)
	res := Result{Transform: guess}

	for iter := 1; iter <= maxIterations; iter++ {
		r.correspond(index, target, source, estimate, moved, matches)

		src, dst = src[:0], dst[:0]
		var sum float64
		for i, m := range matches {
			if r.cfg.MaxCorrespondenceDistance > 0 && m.dist > r.cfg.MaxCorrespondenceDistance {
				continue
			}
			src = append(src, moved[i])
			dst = append(dst, m.point)
			sum += m.dist
		}
		if len(src) < MinCorrespondences {
			return res, fmt.Errorf("iteration %d: %d of %d pairs within %.3fm: %w",
				iter, len(src), len(source), r.cfg.MaxCorrespondenceDistance, ErrInsufficientCorrespondences)
		}
		meanErr := sum / float64(len(src))

		step := BestFitTransform(src, dst)
		estimate = step.Compose(estimate)

		res = Result{
			Transform:       estimate,
			MeanError:       meanErr,
			Iterations:      iter,
			Correspondences: len(src),
		}
		if converged(prevErr, meanErr, r.cfg.Tolerance) {
			res.Converged = true
			break
		}
		prevErr = meanErr
	}

	slam.Tracef("icp: %d iterations, mean error %.4f, %d pairs, converged=%v",
		res.Iterations, res.MeanError, res.Correspondences, res.Converged)
	return res, nil
}

// converged reports whether the mean error stopped decreasing meaningfully.
func converged(prevErr, curErr, tol float64) bool {
	if curErr <= 1e-12 {
		return true
	}
	if math.IsInf(prevErr, 1) {
		return false
	}
	if prevErr <= 0 {
		return true
	}
	return (prevErr-curErr)/prevErr < tol
}

type match struct {
	point r3.Vector
	dist  float64
}

// correspond transforms every source point by estimate and finds its nearest
// target point. Each slot is written by exactly one goroutine, so the output
// is independent of scheduling.
func (r *Registrar) correspond(index *geom.Index, target, source geom.Cloud, estimate geom.Transform, moved geom.Cloud, out []match) {
	search := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			p := estimate.Apply(source[i])
			moved[i] = p
			n, _ := index.NearestPoint(p)
			out[i] = match{point: target[n.ID], dist: math.Sqrt(n.Dist2)}
		}
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers == 1 || len(source) < minParallelPoints {
		search(0, len(source))
		return
	}

	chunk := (len(source) + workers - 1) / workers
	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < len(source); lo += chunk {
		lo, hi := lo, min(lo+chunk, len(source))
		g.Go(func() error {
			search(lo, hi)
			return nil
		})
	}
	_ = g.Wait()
}

// BestFitTransform returns the rigid transform minimising the summed squared
// distance between T*src[i] and dst[i] (Kabsch/Umeyama without scale).
// src and dst must have equal, non-zero length.
func BestFitTransform(src, dst geom.Cloud) geom.Transform {
	ca := src.Centroid()
	cb := dst.Centroid()

	var h [9]float64
	for i := range src {
		a := src[i].Sub(ca)
		b := dst[i].Sub(cb)
		h[0] += a.X * b.X
		h[1] += a.X * b.Y
		h[2] += a.X * b.Z
		h[3] += a.Y * b.X
		h[4] += a.Y * b.Y
		h[5] += a.Y * b.Z
		h[6] += a.Z * b.X
		h[7] += a.Z * b.Y
		h[8] += a.Z * b.Z
	}

	var svd mat.SVD
	if !svd.Factorize(mat.NewDense(3, 3, h[:]), mat.SVDFull) {
		return geom.Translate(cb.X-ca.X, cb.Y-ca.Y, cb.Z-ca.Z)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V U^T, with the reflection case folded back into a rotation.
	var rot mat.Dense
	rot.Mul(&v, u.T())
	if mat.Det(&rot) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		rot.Mul(&v, u.T())
	}

	var rm [9]float64
	for i := 0; i < 9; i++ {
		rm[i] = rot.At(i/3, i%3)
	}
	rotated := geom.FromRotationTranslation(rm, r3.Vector{}).Apply(ca)
	return geom.FromRotationTranslation(rm, cb.Sub(rotated))
}
