package export

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/slam/pipeline"
	"github.com/banshee-data/lidar-slam/internal/slam/posegraph"
	"github.com/banshee-data/lidar-slam/internal/slam/scan"
)

// viridis is the colour ramp used for height.
var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// MapView keeps a handful of points per node and projects them into the
// map frame. Frames are placed with their raw pose until a loop closure
// arrives, after which the whole map is rebuilt from the optimized poses
// and later frames are shifted by the same correction.
type MapView struct {
	mu         sync.Mutex
	perNode    int
	rng        *rand.Rand
	local      []geom.Cloud
	raw        []geom.Transform
	poses      []geom.Transform
	world      geom.Cloud
	pending    []geom.Transform
	correction geom.Transform
	rebuilds   int
}

// NewMapView keeps perNode points from every frame, chosen with a seeded
// generator.
func NewMapView(perNode int, seed int64) *MapView {
	return &MapView{
		perNode:    perNode,
		rng:        rand.New(rand.NewSource(seed)),
		correction: geom.Identity(),
	}
}

// OnLoopClosure stages the optimized poses; the rebuild happens once the
// frame that closed the loop has been recorded.
func (m *MapView) OnLoopClosure(ev posegraph.LoopClosure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append([]geom.Transform(nil), ev.Poses...)
}

// OnFrame records the frame's sample points and places them on the map.
func (m *MapView) OnFrame(res pipeline.FrameResult, cloud geom.Cloud) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res.Node != len(m.local) {
		return
	}
	pts := scan.RandomSample(cloud, m.perNode, m.rng).Clone()
	m.local = append(m.local, pts)
	m.raw = append(m.raw, res.Raw)

	if m.pending != nil && len(m.pending) <= len(m.raw) {
		m.rebuildLocked()
		return
	}
	pose := m.correction.Compose(res.Raw)
	m.poses = append(m.poses, pose)
	m.world = append(m.world, pts.Transformed(pose)...)
}

func (m *MapView) rebuildLocked() {
	opt := m.pending
	m.pending = nil
	last := len(opt) - 1
	m.correction = opt[last].Compose(m.raw[last].Inverse())

	m.poses = m.poses[:0]
	m.world = m.world[:0]
	for i, pts := range m.local {
		var pose geom.Transform
		if i < len(opt) {
			pose = opt[i]
		} else {
			pose = m.correction.Compose(m.raw[i])
		}
		m.poses = append(m.poses, pose)
		m.world = append(m.world, pts.Transformed(pose)...)
	}
	m.rebuilds++
}

// Points returns a copy of the current map.
func (m *MapView) Points() geom.Cloud {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.world.Clone()
}

// Poses returns the pose each frame is currently drawn with.
func (m *MapView) Poses() []geom.Transform {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]geom.Transform(nil), m.poses...)
}

// Rebuilds reports how many loop closures reshaped the map.
func (m *MapView) Rebuilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebuilds
}

// Render writes the map and trajectory as a self-contained echarts page,
// looking down the z axis and coloured by height.
func (m *MapView) Render(w io.Writer) error {
	m.mu.Lock()
	world := m.world.Clone()
	poses := append([]geom.Transform(nil), m.poses...)
	rebuilds := m.rebuilds
	m.mu.Unlock()

	data := make([]opts.ScatterData, 0, len(world))
	pad := 1.0
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for _, p := range world {
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Z}})
		pad = math.Max(pad, math.Max(math.Abs(p.X), math.Abs(p.Y)))
		minZ = math.Min(minZ, p.Z)
		maxZ = math.Max(maxZ, p.Z)
	}
	if len(world) == 0 {
		minZ, maxZ = 0, 1
	}

	track := make([]opts.ScatterData, 0, len(poses))
	for i, t := range poses {
		v := t.Translation()
		track = append(track, opts.ScatterData{Value: []interface{}{v.X, v.Y, v.Z}, Name: fmt.Sprintf("node %d", i)})
		pad = math.Max(pad, math.Max(math.Abs(v.X), math.Abs(v.Y)))
	}
	pad = math.Ceil(pad * 1.05)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "LiDAR SLAM Map", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "LiDAR SLAM Map", Subtitle: fmt.Sprintf("nodes=%d points=%d loop rebuilds=%d", len(poses), len(data), rebuilds)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(minZ),
			Max:        float32(maxZ),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("map", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("trajectory", track,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 5}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#d62728"}),
	)

	if err := scatter.Render(w); err != nil {
		return fmt.Errorf("failed to render map: %w", err)
	}
	return nil
}

// SaveHTML renders the map to path.
func (m *MapView) SaveHTML(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := m.Render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
