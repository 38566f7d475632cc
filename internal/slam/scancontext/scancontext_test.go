package scancontext

import (
	"errors"
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/testutil"
)

func TestNewDescriptor_Binning(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig() // 4m rings, 6 degree sectors
	cloud := geom.Cloud{
		{X: 10, Y: 0, Z: 1},     // ring 2, sector 0, height 3
		{X: 10, Y: 0.1, Z: -1},  // same cell, lower
		{X: 0, Y: 5, Z: 0},      // ring 1, just under 90 deg: sector 14
		{X: -5, Y: -5, Z: -3},   // below ground, cell stays 0
		{X: 500, Y: 0.5, Z: 1},  // beyond max range, outermost ring
		{X: 1, Y: -0.01, Z: 10}, // 359.4 deg, last sector
	}
	d := NewDescriptor(cloud, cfg)

	require.Equal(t, cfg.Rings*cfg.Sectors, len(d.Cells))
	assert.InDelta(t, 3.0, d.At(2, 0), 1e-12)
	assert.InDelta(t, 2.0, d.At(1, 14), 1e-12)
	assert.InDelta(t, 0.0, d.At(1, 37), 1e-12)
	assert.InDelta(t, 3.0, d.At(cfg.Rings-1, 0), 1e-12)
	assert.InDelta(t, 12.0, d.At(0, cfg.Sectors-1), 1e-12)
}

func TestDescriptor_RingKey(t *testing.T) {
	t.Parallel()

	d := Descriptor{Rings: 2, Sectors: 4, Cells: []float64{
		1, 2, 3, 6,
		0, 0, 0, 4,
	}}
	assert.Equal(t, []float64{3, 1}, d.RingKey())
}

func TestDistance_RotationRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	sectorDeg := 360.0 / float64(cfg.Sectors)
	base := testutil.Ring(cfg.Sectors, []float64{6, 14, 22, 37, 55})
	query := NewDescriptor(base, cfg)

	for _, k := range []int{0, 1, 3, 17, 59} {
		rotated := base.Transformed(geom.YawTransform(float64(k) * sectorDeg))
		dist, shift, err := Distance(query, NewDescriptor(rotated, cfg))
		require.NoError(t, err)
		assert.Equal(t, k, shift, "rotation by %d sectors", k)
		assert.InDelta(t, 0, dist, 1e-9)
	}
}

func TestDistance_ArbitraryYawWithinOneSector(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	sectorDeg := 360.0 / float64(cfg.Sectors)
	scene := testutil.Scene(2)

	for _, theta := range []float64{25, 133, 290} {
		rotated := scene.Transformed(geom.YawTransform(theta))
		_, shift, err := Distance(NewDescriptor(scene, cfg), NewDescriptor(rotated, cfg))
		require.NoError(t, err)

		yaw := float64(shift) * sectorDeg
		diff := math.Mod(math.Abs(yaw-theta)+180, 360) - 180
		assert.LessOrEqual(t, math.Abs(diff), sectorDeg, "theta %.0f recovered as %.0f", theta, yaw)
	}
}

func TestDistance_EmptyDescriptors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	empty := NewDescriptor(nil, cfg)
	dist, shift, err := Distance(empty, NewDescriptor(testutil.Scene(1), cfg))
	require.NoError(t, err)
	assert.Equal(t, 1.0, dist)
	assert.Equal(t, 0, shift)
}

func TestDistance_DimensionMismatch(t *testing.T) {
	t.Parallel()

	a := NewDescriptor(testutil.Scene(1), DefaultConfig())
	small := DefaultConfig()
	small.Sectors = 30
	b := NewDescriptor(testutil.Scene(1), small)

	_, _, err := Distance(a, b)
	assert.True(t, errors.Is(err, ErrDescriptorDimensionMismatch))
}

func TestManager_AddDescriptorShapeChecked(t *testing.T) {
	t.Parallel()

	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)

	bad := Descriptor{Rings: 10, Sectors: 60, Cells: make([]float64, 600)}
	err = m.AddDescriptor(0, bad, nil)
	assert.True(t, errors.Is(err, ErrDescriptorDimensionMismatch))
	assert.Equal(t, 0, m.Len())
}

func TestManager_RejectsNonIncreasingIndex(t *testing.T) {
	t.Parallel()

	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, m.AddNode(0, testutil.Scene(1)))
	require.NoError(t, m.AddNode(1, testutil.Scene(2)))
	assert.Error(t, m.AddNode(1, testutil.Scene(3)))
	assert.Error(t, m.AddNode(0, testutil.Scene(3)))
}

func TestManager_Lookups(t *testing.T) {
	t.Parallel()

	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	cloud := testutil.Scene(1)
	require.NoError(t, m.AddNode(0, cloud))

	got, err := m.Cloud(0)
	require.NoError(t, err)
	assert.Equal(t, len(cloud), len(got))

	_, err = m.Descriptor(0)
	assert.NoError(t, err)

	_, err = m.Cloud(7)
	assert.True(t, errors.Is(err, ErrUnknownNode))
	_, err = m.Descriptor(7)
	assert.True(t, errors.Is(err, ErrUnknownNode))
}

func TestNewManager_InvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Sectors = 0
	_, err := NewManager(cfg)
	assert.Error(t, err)
}

// place returns a distinct random environment per seed.
func place(seed int64) geom.Cloud {
	return testutil.RandomBox(seed, 800, 30)
}

// buildSequence adds n distinct places, with places 5 and 6 identical.
func buildSequence(t *testing.T, m *Manager, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seed := int64(100 + i)
		if i == 6 {
			seed = 105
		}
		require.NoError(t, m.AddNode(i, place(seed)))
	}
}

func TestDetectLoop_FindsRotatedRevisit(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	buildSequence(t, m, 41)

	revisit := place(105).Transformed(geom.YawTransform(18))
	require.NoError(t, m.AddNode(41, revisit))

	loop := m.DetectLoop()
	require.True(t, loop.Found)
	assert.Equal(t, 41, loop.Current)
	// Nodes 5 and 6 match equally well; the lower index wins.
	assert.Equal(t, 5, loop.Candidate)
	// The scene turned +18 degrees, so the sensor turned -18.
	assert.Equal(t, (cfg.Sectors-3)%cfg.Sectors, loop.Shift)
	assert.InDelta(t, 342.0, loop.YawDegrees, 1e-12)
	assert.Less(t, loop.Distance, cfg.Threshold)

	// The yaw is the current scan's pose in the candidate frame.
	aligned := revisit.Transformed(geom.YawTransform(loop.YawDegrees))
	candidate, err := m.Cloud(loop.Candidate)
	require.NoError(t, err)
	require.Len(t, aligned, len(candidate))
	for i := range aligned {
		assert.InDelta(t, 0, aligned[i].Sub(candidate[i]).Norm(), 1e-9, "point %d", i)
	}
}

func TestDetectLoop_TiedCandidatesPickLowestIndex(t *testing.T) {
	t.Parallel()

	for _, k := range []int{1, 2, 3, 5, 11} {
		cfg := DefaultConfig()
		cfg.ExcludeRecent = 0
		cfg.Candidates = k
		m, err := NewManager(cfg)
		require.NoError(t, err)
		for i := 0; i < 12; i++ {
			require.NoError(t, m.AddNode(i, place(7)))
		}

		loop := m.DetectLoop()
		require.True(t, loop.Found, "K=%d", k)
		assert.Equal(t, 0, loop.Candidate, "K=%d", k)
		assert.InDelta(t, 0, loop.Distance, 1e-12, "K=%d", k)
	}
}

func TestDetectLoop_NeverReturnsExcludedNode(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	buildSequence(t, m, 45)

	// An exact copy of a node inside the exclusion window.
	require.NoError(t, m.AddNode(45, place(100+40)))
	loop := m.DetectLoop()
	assert.False(t, loop.Found, "matched node %d", loop.Candidate)

	// Every accepted detection over a long revisiting run respects the window.
	m2, err := NewManager(cfg)
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		require.NoError(t, m2.AddNode(i, place(int64(1000+i%37))))
		l := m2.DetectLoop()
		if l.Found {
			assert.Greater(t, l.Current-l.Candidate, cfg.ExcludeRecent)
		}
	}
}

func TestDetectLoop_TooEarly(t *testing.T) {
	t.Parallel()

	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	assert.False(t, m.DetectLoop().Found)

	buildSequence(t, m, 31)
	// Node 30 leaves cutoff 0: nothing is old enough.
	assert.False(t, m.DetectLoop().Found)
}

func TestDetectLoop_NoMatchAboveThreshold(t *testing.T) {
	t.Parallel()

	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	buildSequence(t, m, 40)
	require.NoError(t, m.AddNode(40, place(9999)))

	loop := m.DetectLoop()
	assert.False(t, loop.Found)
	assert.Equal(t, 40, loop.Current)
}

func TestDetectLoop_IndependentOfWorkers(t *testing.T) {
	t.Parallel()

	var loops []Loop
	for _, workers := range []int{1, 8} {
		cfg := DefaultConfig()
		cfg.Workers = workers
		cfg.Threshold = 1 // accept the best candidate whatever it is
		m, err := NewManager(cfg)
		require.NoError(t, err)
		buildSequence(t, m, 50)
		loops = append(loops, m.DetectLoop())
	}
	assert.Equal(t, loops[0], loops[1])
	assert.True(t, loops[0].Found)
}

func TestDetectLoop_ConcurrentWithAppend(t *testing.T) {
	t.Parallel()

	m, err := NewManager(DefaultConfig())
	require.NoError(t, err)
	buildSequence(t, m, 40)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 40; i < 60; i++ {
			_ = m.AddNode(i, geom.Cloud{r3.Vector{X: float64(i), Y: 1, Z: 1}})
		}
	}()
	for i := 0; i < 20; i++ {
		_ = m.DetectLoop()
	}
	<-done
	assert.Equal(t, 60, m.Len())
}
