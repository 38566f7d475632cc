package posegraph

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/testutil"
	"github.com/banshee-data/lidar-slam/internal/timeutil"
)

func priorInfo(t *testing.T) Information {
	t.Helper()
	info, err := IsotropicInformation(1e-6)
	require.NoError(t, err)
	return info
}

func edgeInfo(t *testing.T) Information {
	t.Helper()
	info, err := InformationFromSigmas([6]float64{0.5, 0.5, 0.5, 0.1, 0.1, 0.1})
	require.NoError(t, err)
	return info
}

func between(a, b geom.Transform) geom.Transform {
	return a.Inverse().Mul(b)
}

// chain builds a graph from a ground-truth trajectory with exact odometry.
func chain(t *testing.T, cfg Config, truth []geom.Transform) *Graph {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, g.AddPriorFactor(priorInfo(t)))
	for i := 1; i < len(truth); i++ {
		require.NoError(t, g.AddOdometryFactor(i, between(truth[i-1], truth[i]), edgeInfo(t)))
	}
	return g
}

func translationError(a, b geom.Transform) float64 {
	return a.Translation().Sub(b.Translation()).Norm()
}

func TestOptimize_StraightLine(t *testing.T) {
	t.Parallel()

	g, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, g.AddPriorFactor(priorInfo(t)))
	step := geom.Translate(1, 0, 0)
	require.NoError(t, g.AddOdometryFactor(1, step, edgeInfo(t)))
	require.NoError(t, g.AddOdometryFactor(2, step, edgeInfo(t)))

	poses, err := g.Optimize(context.Background())
	require.NoError(t, err)
	require.Len(t, poses, 3)
	for i, p := range poses {
		testutil.AssertTransformNear(t, geom.Translate(float64(i), 0, 0), p, 1e-9)
	}
}

func TestOptimize_OdometryOnlyMatchesDeadReckoning(t *testing.T) {
	t.Parallel()

	var truth []geom.Transform
	pose := geom.Identity()
	for i := 0; i < 25; i++ {
		truth = append(truth, pose)
		pose = pose.Compose(geom.Exp(geom.Tangent{1, 0.1, 0.01, 0, 0.002, 0.05}))
	}
	g := chain(t, DefaultConfig(), truth)

	poses, err := g.Optimize(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(truth, poses, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("optimized chain differs from dead reckoning (-want +got):\n%s", diff)
	}
}

func TestOptimize_SquareWithPerturbedEstimates(t *testing.T) {
	t.Parallel()

	truth := testutil.Square()
	g := chain(t, DefaultConfig(), truth)
	require.NoError(t, g.AddLoopFactor(between(truth[0], truth[3]), 0, edgeInfo(t)))

	perturb := []geom.Tangent{
		{},
		{0.1, -0.05, 0.02, 0, 0, 0.05},
		{-0.08, 0.12, -0.03, 0.01, -0.01, -0.1},
		{0.15, 0.1, 0, 0, 0.02, 0.08},
	}
	for i := 1; i < len(truth); i++ {
		require.NoError(t, g.SetEstimate(i, truth[i].Compose(geom.Exp(perturb[i]))))
	}

	poses, err := g.Optimize(context.Background())
	require.NoError(t, err)
	for i := range truth {
		testutil.AssertTransformNear(t, truth[i], poses[i], 1e-5)
	}
	assert.Equal(t, StateOptimized, g.State())
}

// octagon returns ground truth for two laps of an octagon of side 2m and
// odometry with a constant yaw bias.
func octagon(biasDeg float64) (truth, odometry []geom.Transform) {
	step := geom.Translate(2, 0, 0).Mul(geom.YawTransform(45))
	biased := step.Mul(geom.YawTransform(biasDeg))
	truth = []geom.Transform{geom.Identity()}
	for i := 1; i <= 16; i++ {
		truth = append(truth, truth[i-1].Mul(step))
		odometry = append(odometry, biased)
	}
	return truth, odometry
}

func TestOptimize_LoopClosureReducesDrift(t *testing.T) {
	t.Parallel()

	truth, odometry := octagon(3)
	g, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, g.AddPriorFactor(priorInfo(t)))
	for i, rel := range odometry {
		node := i + 1
		require.NoError(t, g.AddOdometryFactor(node, rel, edgeInfo(t)))
		if node >= 8 {
			// Every node of the second lap revisits node-8 exactly.
			require.NoError(t, g.AddLoopFactor(geom.Identity(), node-8, edgeInfo(t)))
		}
	}
	raw := g.Poses()

	optimized, err := g.Optimize(context.Background())
	require.NoError(t, err)

	var rawErr, optErr float64
	for i := range truth {
		rawErr += translationError(truth[i], raw[i])
		optErr += translationError(truth[i], optimized[i])
	}
	assert.Less(t, optErr, rawErr/2, "raw %.3f optimized %.3f", rawErr, optErr)

	last := len(truth) - 1
	assert.Less(t, translationError(optimized[last], optimized[0]), translationError(raw[last], raw[0]))
	assert.Less(t, translationError(optimized[0], geom.Identity()), 1e-6, "prior keeps node 0 anchored")
}

func TestOptimize_Idempotent(t *testing.T) {
	t.Parallel()

	truth, odometry := octagon(2)
	g, err := New(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, g.AddPriorFactor(priorInfo(t)))
	for i, rel := range odometry[:8] {
		require.NoError(t, g.AddOdometryFactor(i+1, rel, edgeInfo(t)))
	}
	require.NoError(t, g.AddLoopFactor(between(truth[0], truth[8]), 0, edgeInfo(t)))

	first, err := g.Optimize(context.Background())
	require.NoError(t, err)
	second, err := g.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Re-seeding with the optimum and solving again stays at the optimum.
	for i, p := range first {
		require.NoError(t, g.SetEstimate(i, p))
	}
	third, err := g.Optimize(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(first, third, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("re-solve moved the optimum (-first +third):\n%s", diff)
	}
}

func TestOptimize_WorkersDoNotChangeResult(t *testing.T) {
	t.Parallel()

	truth, odometry := octagon(3)
	var results [][]geom.Transform
	for _, workers := range []int{1, 6} {
		cfg := DefaultConfig()
		cfg.Workers = workers
		g, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, g.AddPriorFactor(priorInfo(t)))
		for i, rel := range odometry {
			require.NoError(t, g.AddOdometryFactor(i+1, rel, edgeInfo(t)))
		}
		require.NoError(t, g.AddLoopFactor(between(truth[0], truth[16]), 0, edgeInfo(t)))
		poses, err := g.Optimize(context.Background())
		require.NoError(t, err)
		results = append(results, poses)
	}
	assert.Equal(t, results[0], results[1])
}

func TestGraph_Misuse(t *testing.T) {
	t.Parallel()

	g, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, StateEmpty, g.State())

	err = g.AddOdometryFactor(1, geom.Identity(), edgeInfo(t))
	assert.True(t, errors.Is(err, ErrMissingPriorOrNode), "odometry before prior: %v", err)
	err = g.AddLoopFactor(geom.Identity(), 0, edgeInfo(t))
	assert.True(t, errors.Is(err, ErrMissingPriorOrNode), "loop before prior: %v", err)
	_, err = g.Optimize(context.Background())
	assert.True(t, errors.Is(err, ErrMissingPriorOrNode), "optimize before prior: %v", err)

	require.NoError(t, g.AddPriorFactor(priorInfo(t)))
	assert.Equal(t, StateHasPrior, g.State())
	assert.True(t, errors.Is(g.AddPriorFactor(priorInfo(t)), ErrDuplicatePrior))

	err = g.AddOdometryFactor(2, geom.Identity(), edgeInfo(t))
	assert.True(t, errors.Is(err, ErrMissingPriorOrNode), "skipped node: %v", err)
	require.NoError(t, g.AddOdometryFactor(1, geom.Translate(1, 0, 0), edgeInfo(t)))
	err = g.AddOdometryFactor(1, geom.Identity(), edgeInfo(t))
	assert.True(t, errors.Is(err, ErrMissingPriorOrNode), "repeated node: %v", err)

	err = g.AddLoopFactor(geom.Identity(), 5, edgeInfo(t))
	assert.True(t, errors.Is(err, ErrUnknownNode), "unknown target: %v", err)
	err = g.AddLoopFactor(geom.Identity(), -1, edgeInfo(t))
	assert.True(t, errors.Is(err, ErrUnknownNode), "negative target: %v", err)
	assert.Error(t, g.AddLoopFactor(geom.Identity(), 1, edgeInfo(t)), "self loop")
	assert.True(t, errors.Is(g.SetEstimate(9, geom.Identity()), ErrUnknownNode))

	assert.Error(t, g.AddOdometryFactor(2, geom.Identity(), Information{}), "zero information")
	assert.Equal(t, 2, g.Len())
	assert.Len(t, g.Factors(), 2)
}

func TestOptimize_LoopClosureEventOncePerLoop(t *testing.T) {
	t.Parallel()

	truth, odometry := octagon(2)
	g, err := New(DefaultConfig())
	require.NoError(t, err)

	var events []LoopClosure
	g.Subscribe(func(ev LoopClosure) { events = append(events, ev) })

	require.NoError(t, g.AddPriorFactor(priorInfo(t)))
	for i, rel := range odometry[:8] {
		require.NoError(t, g.AddOdometryFactor(i+1, rel, edgeInfo(t)))
	}
	_, err = g.Optimize(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events, "no loop factor, no event")

	require.NoError(t, g.AddLoopFactor(between(truth[0], truth[8]), 0, edgeInfo(t)))
	poses, err := g.Optimize(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Loops, 1)
	assert.Equal(t, 0, events[0].Loops[0].From)
	assert.Equal(t, 8, events[0].Loops[0].To)
	assert.Equal(t, poses, events[0].Poses)
	assert.LessOrEqual(t, events[0].FinalCost, events[0].InitialCost)

	_, err = g.Optimize(context.Background())
	require.NoError(t, err)
	require.NoError(t, g.AddOdometryFactor(9, odometry[8], edgeInfo(t)))
	_, err = g.Optimize(context.Background())
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSubscribe_EverySubscriberNotified(t *testing.T) {
	t.Parallel()

	truth, odometry := octagon(2)
	g, err := New(DefaultConfig())
	require.NoError(t, err)

	var first, second, late int
	g.Subscribe(func(LoopClosure) { first++ })
	g.Subscribe(func(LoopClosure) {
		second++
		// Subscribing from a callback must not deadlock; the new
		// subscriber only sees later events.
		g.Subscribe(func(LoopClosure) { late++ })
	})

	require.NoError(t, g.AddPriorFactor(priorInfo(t)))
	for i, rel := range odometry[:8] {
		require.NoError(t, g.AddOdometryFactor(i+1, rel, edgeInfo(t)))
	}
	require.NoError(t, g.AddLoopFactor(between(truth[0], truth[8]), 0, edgeInfo(t)))
	_, err = g.Optimize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 0, late)
}

func perturbedSquare(t *testing.T, cfg Config) (*Graph, []geom.Transform) {
	t.Helper()
	truth := testutil.Square()
	g := chain(t, cfg, truth)
	require.NoError(t, g.AddLoopFactor(between(truth[0], truth[3]), 0, edgeInfo(t)))
	for i := 1; i < len(truth); i++ {
		xi := geom.Tangent{0.3, -0.2, 0.1, 0.05, -0.05, 0.3}
		require.NoError(t, g.SetEstimate(i, truth[i].Compose(geom.Exp(xi))))
	}
	return g, g.Poses()
}

func TestOptimize_NonConvergenceKeepsEstimates(t *testing.T) {
	t.Parallel()

	t.Run("iteration budget", func(t *testing.T) {
		t.Parallel()
		cfg := DefaultConfig()
		cfg.MaxIterations = 1
		g, before := perturbedSquare(t, cfg)
		var events int
		g.Subscribe(func(LoopClosure) { events++ })

		poses, err := g.Optimize(context.Background())
		assert.True(t, errors.Is(err, ErrNonConvergence), "got %v", err)
		assert.Equal(t, before, poses)
		assert.Equal(t, before, g.Poses())
		assert.Zero(t, events)
		assert.Equal(t, StateHasPrior, g.State())
	})

	t.Run("time budget", func(t *testing.T) {
		t.Parallel()
		clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
		clock.SetStep(time.Second)
		cfg := DefaultConfig()
		cfg.Clock = clock
		cfg.TimeBudget = 500 * time.Millisecond
		g, before := perturbedSquare(t, cfg)

		_, err := g.Optimize(context.Background())
		assert.True(t, errors.Is(err, ErrNonConvergence), "got %v", err)
		assert.Equal(t, before, g.Poses())
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()
		g, before := perturbedSquare(t, DefaultConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := g.Optimize(ctx)
		assert.True(t, errors.Is(err, ErrNonConvergence))
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Equal(t, before, g.Poses())
	})

	t.Run("recovers with a larger budget", func(t *testing.T) {
		t.Parallel()
		g, _ := perturbedSquare(t, DefaultConfig())
		poses, err := g.Optimize(context.Background())
		require.NoError(t, err)
		for i, want := range testutil.Square() {
			testutil.AssertTransformNear(t, want, poses[i], 1e-5)
		}
	})
}

func TestInformationFromSigmas(t *testing.T) {
	t.Parallel()

	info, err := InformationFromSigmas([6]float64{0.5, 0.5, 0.5, 0.1, 0.1, 0.1})
	require.NoError(t, err)
	assert.InDelta(t, 4, info[0], 1e-12)
	assert.InDelta(t, 100, info[5], 1e-9)

	_, err = InformationFromSigmas([6]float64{1, 1, 0, 1, 1, 1})
	assert.Error(t, err)
	_, err = InformationFromSigmas([6]float64{1, 1, 1, 1, math.NaN(), 1})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	cfg.MaxIterations = 0
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.TimeBudget = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestFactorKindAndStateStrings(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "prior", FactorPrior.String())
	assert.Equal(t, "odometry", FactorOdometry.String())
	assert.Equal(t, "loop", FactorLoop.String())
	assert.Equal(t, "optimized", StateOptimized.String())
	assert.Equal(t, "State(9)", State(9).String())
}
