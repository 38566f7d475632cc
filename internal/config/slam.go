package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/lidar-slam/internal/slam/pipeline"
	"github.com/banshee-data/lidar-slam/internal/slam/posegraph"
	"github.com/banshee-data/lidar-slam/internal/slam/registration"
	"github.com/banshee-data/lidar-slam/internal/slam/scancontext"
)

// DefaultConfigPath is the path to the canonical SLAM defaults file.
const DefaultConfigPath = "config/slam.defaults.json"

// SlamConfig is the JSON run configuration. Every field is optional; the
// Get* methods supply the default for fields left out, so partial files are
// safe.
type SlamConfig struct {
	// Downsampling
	NumICPPoints *int     `json:"num_icp_points,omitempty"`
	VoxelLeaf    *float64 `json:"voxel_leaf,omitempty"`

	// Place recognition
	NumRings            *int     `json:"num_rings,omitempty"`
	NumSectors          *int     `json:"num_sectors,omitempty"`
	NumCandidates       *int     `json:"num_candidates,omitempty"`
	TryGapLoopDetection *int     `json:"try_gap_loop_detection,omitempty"`
	LoopThreshold       *float64 `json:"loop_threshold,omitempty"`
	LoopMaxICPError     *float64 `json:"loop_max_icp_error,omitempty"`
	ExcludeRecentNodes  *int     `json:"exclude_recent_nodes,omitempty"`
	MaxRange            *float64 `json:"max_range,omitempty"`
	LidarHeight         *float64 `json:"lidar_height,omitempty"`

	// Registration
	ICPMaxIterations             *int     `json:"icp_max_iterations,omitempty"`
	ICPTolerance                 *float64 `json:"icp_tolerance,omitempty"`
	ICPMaxCorrespondenceDistance *float64 `json:"icp_max_correspondence_distance,omitempty"`

	// Pose graph
	OptimizerMaxIterations *int        `json:"optimizer_max_iterations,omitempty"`
	OptimizerTimeBudget    *string     `json:"optimizer_time_budget,omitempty"` // duration string like "2s"
	PriorSigma             *float64    `json:"prior_sigma,omitempty"`
	OdometrySigmas         *[6]float64 `json:"odometry_sigmas,omitempty"`
	LoopSigmas             *[6]float64 `json:"loop_sigmas,omitempty"`

	// Output
	SaveGap          *int `json:"save_gap,omitempty"`
	MapPointsPerNode *int `json:"map_points_per_node,omitempty"`

	Seed    *int64 `json:"seed,omitempty"`
	Workers *int   `json:"workers,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptySlamConfig returns a SlamConfig with all fields nil, i.e. all
// defaults.
func EmptySlamConfig() *SlamConfig {
	return &SlamConfig{}
}

// LoadSlamConfig loads a SlamConfig from a JSON file.
// The file must have a .json extension and be at most 1MB.
func LoadSlamConfig(path string) (*SlamConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySlamConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents. Panics if the file
// cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SlamConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/slam/pipeline/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadSlamConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configured values are usable.
func (c *SlamConfig) Validate() error {
	positive := map[string]*int{
		"num_rings":                c.NumRings,
		"num_sectors":              c.NumSectors,
		"num_candidates":           c.NumCandidates,
		"try_gap_loop_detection":   c.TryGapLoopDetection,
		"icp_max_iterations":       c.ICPMaxIterations,
		"optimizer_max_iterations": c.OptimizerMaxIterations,
		"save_gap":                 c.SaveGap,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}

	nonNegative := map[string]*int{
		"num_icp_points":       c.NumICPPoints,
		"exclude_recent_nodes": c.ExcludeRecentNodes,
		"map_points_per_node":  c.MapPointsPerNode,
		"workers":              c.Workers,
	}
	for name, v := range nonNegative {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %d", name, *v)
		}
	}

	if c.LoopThreshold != nil && (*c.LoopThreshold <= 0 || *c.LoopThreshold > 1) {
		return fmt.Errorf("loop_threshold must be in (0, 1], got %f", *c.LoopThreshold)
	}
	if c.MaxRange != nil && *c.MaxRange <= 0 {
		return fmt.Errorf("max_range must be positive, got %f", *c.MaxRange)
	}
	if c.PriorSigma != nil && *c.PriorSigma <= 0 {
		return fmt.Errorf("prior_sigma must be positive, got %g", *c.PriorSigma)
	}
	for name, sigmas := range map[string]*[6]float64{"odometry_sigmas": c.OdometrySigmas, "loop_sigmas": c.LoopSigmas} {
		if sigmas == nil {
			continue
		}
		for i, s := range sigmas {
			if s <= 0 {
				return fmt.Errorf("%s[%d] must be positive, got %g", name, i, s)
			}
		}
	}
	for name, v := range map[string]*float64{
		"voxel_leaf":                      c.VoxelLeaf,
		"loop_max_icp_error":              c.LoopMaxICPError,
		"icp_tolerance":                   c.ICPTolerance,
		"icp_max_correspondence_distance": c.ICPMaxCorrespondenceDistance,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}

	if c.OptimizerTimeBudget != nil && *c.OptimizerTimeBudget != "" {
		d, err := time.ParseDuration(*c.OptimizerTimeBudget)
		if err != nil {
			return fmt.Errorf("invalid optimizer_time_budget '%s': %w", *c.OptimizerTimeBudget, err)
		}
		if d < 0 {
			return fmt.Errorf("optimizer_time_budget must be non-negative, got %s", d)
		}
	}
	return nil
}

// GetNumICPPoints returns the num_icp_points value or the default.
func (c *SlamConfig) GetNumICPPoints() int {
	if c.NumICPPoints == nil {
		return 5000
	}
	return *c.NumICPPoints
}

// GetVoxelLeaf returns the voxel_leaf value or the default (disabled).
func (c *SlamConfig) GetVoxelLeaf() float64 {
	if c.VoxelLeaf == nil {
		return 0
	}
	return *c.VoxelLeaf
}

// GetNumRings returns the num_rings value or the default.
func (c *SlamConfig) GetNumRings() int {
	if c.NumRings == nil {
		return 20
	}
	return *c.NumRings
}

// GetNumSectors returns the num_sectors value or the default.
func (c *SlamConfig) GetNumSectors() int {
	if c.NumSectors == nil {
		return 60
	}
	return *c.NumSectors
}

// GetNumCandidates returns the num_candidates value or the default.
func (c *SlamConfig) GetNumCandidates() int {
	if c.NumCandidates == nil {
		return 10
	}
	return *c.NumCandidates
}

// GetTryGapLoopDetection returns the try_gap_loop_detection value or the default.
func (c *SlamConfig) GetTryGapLoopDetection() int {
	if c.TryGapLoopDetection == nil {
		return 10
	}
	return *c.TryGapLoopDetection
}

// GetLoopThreshold returns the loop_threshold value or the default.
func (c *SlamConfig) GetLoopThreshold() float64 {
	if c.LoopThreshold == nil {
		return 0.11
	}
	return *c.LoopThreshold
}

// GetLoopMaxICPError returns the loop_max_icp_error value or the default
// (verification by error disabled).
func (c *SlamConfig) GetLoopMaxICPError() float64 {
	if c.LoopMaxICPError == nil {
		return 0
	}
	return *c.LoopMaxICPError
}

// GetExcludeRecentNodes returns the exclude_recent_nodes value or the default.
func (c *SlamConfig) GetExcludeRecentNodes() int {
	if c.ExcludeRecentNodes == nil {
		return 30
	}
	return *c.ExcludeRecentNodes
}

// GetMaxRange returns the max_range value or the default.
func (c *SlamConfig) GetMaxRange() float64 {
	if c.MaxRange == nil {
		return 80
	}
	return *c.MaxRange
}

// GetLidarHeight returns the lidar_height value or the default.
func (c *SlamConfig) GetLidarHeight() float64 {
	if c.LidarHeight == nil {
		return 2.0
	}
	return *c.LidarHeight
}

// GetICPMaxIterations returns the icp_max_iterations value or the default.
func (c *SlamConfig) GetICPMaxIterations() int {
	if c.ICPMaxIterations == nil {
		return 20
	}
	return *c.ICPMaxIterations
}

// GetICPTolerance returns the icp_tolerance value or the default.
func (c *SlamConfig) GetICPTolerance() float64 {
	if c.ICPTolerance == nil {
		return 0.001
	}
	return *c.ICPTolerance
}

// GetICPMaxCorrespondenceDistance returns the icp_max_correspondence_distance
// value or the default (rejection disabled).
func (c *SlamConfig) GetICPMaxCorrespondenceDistance() float64 {
	if c.ICPMaxCorrespondenceDistance == nil {
		return 0
	}
	return *c.ICPMaxCorrespondenceDistance
}

// GetOptimizerMaxIterations returns the optimizer_max_iterations value or the default.
func (c *SlamConfig) GetOptimizerMaxIterations() int {
	if c.OptimizerMaxIterations == nil {
		return 100
	}
	return *c.OptimizerMaxIterations
}

// GetOptimizerTimeBudget parses and returns the optimizer_time_budget value.
// Zero means unbounded.
func (c *SlamConfig) GetOptimizerTimeBudget() time.Duration {
	if c.OptimizerTimeBudget == nil || *c.OptimizerTimeBudget == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.OptimizerTimeBudget)
	if err != nil {
		return 0 // unbounded on parse error
	}
	return d
}

// GetPriorSigma returns the prior_sigma value or the default.
func (c *SlamConfig) GetPriorSigma() float64 {
	if c.PriorSigma == nil {
		return 1e-6
	}
	return *c.PriorSigma
}

var defaultSigmas = [6]float64{0.5, 0.5, 0.5, 0.1, 0.1, 0.1}

// GetOdometrySigmas returns the odometry_sigmas value or the default.
func (c *SlamConfig) GetOdometrySigmas() [6]float64 {
	if c.OdometrySigmas == nil {
		return defaultSigmas
	}
	return *c.OdometrySigmas
}

// GetLoopSigmas returns the loop_sigmas value or the default.
func (c *SlamConfig) GetLoopSigmas() [6]float64 {
	if c.LoopSigmas == nil {
		return defaultSigmas
	}
	return *c.LoopSigmas
}

// GetSaveGap returns the save_gap value or the default.
func (c *SlamConfig) GetSaveGap() int {
	if c.SaveGap == nil {
		return 300
	}
	return *c.SaveGap
}

// GetMapPointsPerNode returns the map_points_per_node value or the default.
func (c *SlamConfig) GetMapPointsPerNode() int {
	if c.MapPointsPerNode == nil {
		return 5
	}
	return *c.MapPointsPerNode
}

// GetSeed returns the seed value or the default.
func (c *SlamConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetWorkers returns the workers value or the default (GOMAXPROCS).
func (c *SlamConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// PipelineConfig resolves the file values into engine configurations.
func (c *SlamConfig) PipelineConfig() pipeline.Config {
	workers := c.GetWorkers()
	return pipeline.Config{
		NumICPPoints:        c.GetNumICPPoints(),
		VoxelLeaf:           c.GetVoxelLeaf(),
		TryGapLoopDetection: c.GetTryGapLoopDetection(),
		ICPMaxIterations:    c.GetICPMaxIterations(),
		LoopMaxMeanError:    c.GetLoopMaxICPError(),
		Seed:                c.GetSeed(),
		PriorSigma:          c.GetPriorSigma(),
		OdometrySigmas:      c.GetOdometrySigmas(),
		LoopSigmas:          c.GetLoopSigmas(),
		Registration: registration.Config{
			Tolerance:                 c.GetICPTolerance(),
			MaxCorrespondenceDistance: c.GetICPMaxCorrespondenceDistance(),
			Workers:                   workers,
		},
		PlaceRecognition: scancontext.Config{
			Rings:         c.GetNumRings(),
			Sectors:       c.GetNumSectors(),
			MaxRange:      c.GetMaxRange(),
			LidarHeight:   c.GetLidarHeight(),
			Candidates:    c.GetNumCandidates(),
			ExcludeRecent: c.GetExcludeRecentNodes(),
			Threshold:     c.GetLoopThreshold(),
			Workers:       workers,
		},
		Optimizer: posegraph.Config{
			MaxIterations:     c.GetOptimizerMaxIterations(),
			TimeBudget:        c.GetOptimizerTimeBudget(),
			RelativeTolerance: posegraph.DefaultConfig().RelativeTolerance,
			GradientTolerance: posegraph.DefaultConfig().GradientTolerance,
			Workers:           workers,
		},
	}
}
