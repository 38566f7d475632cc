// Package scancontext implements rotation-invariant place recognition with
// polar height descriptors (scan context) for loop-closure detection.
//
// Each ingested scan is reduced to a ring x sector Descriptor plus a ring
// key. DetectLoop retrieves the nearest ring keys among sufficiently old
// nodes with a KD-tree, then scores every candidate over all yaw shifts.
package scancontext

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

// ErrUnknownNode is returned when looking up a node that was never added.
var ErrUnknownNode = errors.New("unknown node")

// Config shapes the descriptor grid and the detection policy.
type Config struct {
	Rings       int     // radial bins
	Sectors     int     // azimuthal bins
	MaxRange    float64 // metres covered by the rings
	LidarHeight float64 // added to z so the ground sits near zero

	Candidates    int     // K nearest ring keys scored in full
	ExcludeRecent int     // most recent nodes never considered as candidates
	Threshold     float64 // accept a loop only below this distance

	// Workers bounds candidate scoring goroutines; zero means GOMAXPROCS.
	Workers int
}

// DefaultConfig returns the defaults used for 64-beam automotive scans.
func DefaultConfig() Config {
	return Config{
		Rings:         20,
		Sectors:       60,
		MaxRange:      80,
		LidarHeight:   2.0,
		Candidates:    10,
		ExcludeRecent: 30,
		Threshold:     0.11,
	}
}

// Validate checks the grid shape and policy values.
func (c Config) Validate() error {
	if c.Rings <= 0 || c.Sectors <= 0 {
		return fmt.Errorf("grid must be positive, got %dx%d", c.Rings, c.Sectors)
	}
	if c.MaxRange <= 0 {
		return fmt.Errorf("max range must be positive, got %f", c.MaxRange)
	}
	if c.Candidates <= 0 {
		return fmt.Errorf("candidates must be positive, got %d", c.Candidates)
	}
	if c.ExcludeRecent < 0 {
		return fmt.Errorf("exclude recent must be non-negative, got %d", c.ExcludeRecent)
	}
	return nil
}

// Loop is the outcome of a detection attempt. Found is false in the common
// case where no stored place matches.
type Loop struct {
	Found      bool
	Current    int     // node the query was made for
	Candidate  int     // matched historical node
	Distance   float64 // fine distance of the winning candidate
	Shift      int     // winning column shift
	YawDegrees float64 // Shift * 360/Sectors
}

type node struct {
	index int
	desc  Descriptor
	key   []float64
	cloud geom.Cloud
}

// Manager stores per-node descriptors in insertion order. Appends never
// mutate existing records, so DetectLoop works on a snapshot and may run
// alongside AddNode.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	nodes []*node
}

// NewManager creates an empty descriptor store.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// Config returns the manager configuration.
func (m *Manager) Config() Config { return m.cfg }

// AddNode computes and stores the descriptor of cloud under index. The cloud
// is retained for loop verification. Indices must be strictly increasing.
func (m *Manager) AddNode(index int, cloud geom.Cloud) error {
	return m.AddDescriptor(index, NewDescriptor(cloud, m.cfg), cloud)
}

// AddDescriptor stores a precomputed descriptor, for example one restored
// from a run store. The grid shape must match the manager.
func (m *Manager) AddDescriptor(index int, d Descriptor, cloud geom.Cloud) error {
	if d.Rings != m.cfg.Rings || d.Sectors != m.cfg.Sectors || len(d.Cells) != d.Rings*d.Sectors {
		return fmt.Errorf("node %d: descriptor %dx%d (%d cells), manager %dx%d: %w",
			index, d.Rings, d.Sectors, len(d.Cells), m.cfg.Rings, m.cfg.Sectors, ErrDescriptorDimensionMismatch)
	}
	n := &node{index: index, desc: d, key: d.RingKey(), cloud: cloud}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.nodes) > 0 && m.nodes[len(m.nodes)-1].index >= index {
		return fmt.Errorf("node %d added after node %d: indices must increase", index, m.nodes[len(m.nodes)-1].index)
	}
	m.nodes = append(m.nodes, n)
	return nil
}

// Len returns the number of stored nodes.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *Manager) snapshot() []*node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[:len(m.nodes):len(m.nodes)]
}

func find(nodes []*node, index int) (*node, bool) {
	i := sort.Search(len(nodes), func(i int) bool { return nodes[i].index >= index })
	if i < len(nodes) && nodes[i].index == index {
		return nodes[i], true
	}
	return nil, false
}

// Cloud returns the cloud stored with a node.
func (m *Manager) Cloud(index int) (geom.Cloud, error) {
	n, ok := find(m.snapshot(), index)
	if !ok {
		return nil, fmt.Errorf("cloud for node %d: %w", index, ErrUnknownNode)
	}
	return n.cloud, nil
}

// Descriptor returns the descriptor stored with a node.
func (m *Manager) Descriptor(index int) (Descriptor, error) {
	n, ok := find(m.snapshot(), index)
	if !ok {
		return Descriptor{}, fmt.Errorf("descriptor for node %d: %w", index, ErrUnknownNode)
	}
	return n.desc, nil
}

type scored struct {
	index int
	dist  float64
	shift int
}

// DetectLoop looks for a revisit of the most recently added node.
//
// Only nodes with index < current-ExcludeRecent are candidates. The K nearest
// ring keys are scored with Distance; the lowest distance wins, ties going
// to the lowest node index. The result is accepted below Threshold.
func (m *Manager) DetectLoop() Loop {
	nodes := m.snapshot()
	if len(nodes) == 0 {
		return Loop{}
	}
	cur := nodes[len(nodes)-1]
	none := Loop{Current: cur.index}

	cutoff := cur.index - m.cfg.ExcludeRecent
	if cutoff < 1 {
		return none
	}
	history := nodes[:sort.Search(len(nodes), func(i int) bool { return nodes[i].index >= cutoff })]
	if len(history) == 0 {
		return none
	}

	keys := make([][]float64, len(history))
	for i, n := range history {
		keys[i] = n.key
	}
	neighbors := geom.NewIndex(keys).NearestK(cur.key, m.cfg.Candidates)

	results := make([]scored, len(neighbors))
	workers := m.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, nb := range neighbors {
		i, cand := i, history[nb.ID]
		g.Go(func() error {
			d, shift, err := Distance(cur.desc, cand.desc)
			if err != nil {
				return err
			}
			results[i] = scored{index: cand.index, dist: d, shift: shift}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Shapes are checked on insert, so this only fires on a corrupted store.
		slam.Opsf("loop detection for node %d aborted: %v", cur.index, err)
		return none
	}

	best := -1
	for i, r := range results {
		if best < 0 || r.dist < results[best].dist ||
			(r.dist == results[best].dist && r.index < results[best].index) {
			best = i
		}
	}
	if best < 0 {
		return none
	}
	win := results[best]
	slam.Diagf("loop candidates for node %d: %d scored, best node %d distance %.4f shift %d",
		cur.index, len(results), win.index, win.dist, win.shift)

	if win.dist >= m.cfg.Threshold {
		return none
	}
	return Loop{
		Found:      true,
		Current:    cur.index,
		Candidate:  win.index,
		Distance:   win.dist,
		Shift:      win.shift,
		YawDegrees: float64(win.shift) * 360.0 / float64(m.cfg.Sectors),
	}
}
