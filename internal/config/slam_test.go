package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEmptySlamConfig_Defaults(t *testing.T) {
	cfg := EmptySlamConfig()

	if got := cfg.GetNumICPPoints(); got != 5000 {
		t.Errorf("GetNumICPPoints() = %d, want 5000", got)
	}
	if got := cfg.GetNumRings(); got != 20 {
		t.Errorf("GetNumRings() = %d, want 20", got)
	}
	if got := cfg.GetNumSectors(); got != 60 {
		t.Errorf("GetNumSectors() = %d, want 60", got)
	}
	if got := cfg.GetNumCandidates(); got != 10 {
		t.Errorf("GetNumCandidates() = %d, want 10", got)
	}
	if got := cfg.GetTryGapLoopDetection(); got != 10 {
		t.Errorf("GetTryGapLoopDetection() = %d, want 10", got)
	}
	if got := cfg.GetLoopThreshold(); got != 0.11 {
		t.Errorf("GetLoopThreshold() = %f, want 0.11", got)
	}
	if got := cfg.GetSaveGap(); got != 300 {
		t.Errorf("GetSaveGap() = %d, want 300", got)
	}
	if got := cfg.GetOptimizerTimeBudget(); got != 0 {
		t.Errorf("GetOptimizerTimeBudget() = %v, want unbounded", got)
	}
	if got := cfg.GetOdometrySigmas(); got != [6]float64{0.5, 0.5, 0.5, 0.1, 0.1, 0.1} {
		t.Errorf("GetOdometrySigmas() = %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config should validate: %v", err)
	}
}

func TestMustLoadDefaultConfig_MatchesGetters(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptySlamConfig()

	if cfg.GetNumICPPoints() != empty.GetNumICPPoints() {
		t.Errorf("num_icp_points: file %d, getter default %d", cfg.GetNumICPPoints(), empty.GetNumICPPoints())
	}
	if cfg.GetLoopThreshold() != empty.GetLoopThreshold() {
		t.Errorf("loop_threshold: file %f, getter default %f", cfg.GetLoopThreshold(), empty.GetLoopThreshold())
	}
	if cfg.GetExcludeRecentNodes() != empty.GetExcludeRecentNodes() {
		t.Errorf("exclude_recent_nodes: file %d, getter default %d", cfg.GetExcludeRecentNodes(), empty.GetExcludeRecentNodes())
	}
	if cfg.GetPriorSigma() != empty.GetPriorSigma() {
		t.Errorf("prior_sigma: file %g, getter default %g", cfg.GetPriorSigma(), empty.GetPriorSigma())
	}
	if cfg.GetLoopSigmas() != empty.GetLoopSigmas() {
		t.Errorf("loop_sigmas: file %v, getter default %v", cfg.GetLoopSigmas(), empty.GetLoopSigmas())
	}
	if cfg.GetMapPointsPerNode() != empty.GetMapPointsPerNode() {
		t.Errorf("map_points_per_node: file %d, getter default %d", cfg.GetMapPointsPerNode(), empty.GetMapPointsPerNode())
	}
}

func TestLoadSlamConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "run.json")

	testJSON := `{
  "num_icp_points": 2000,
  "loop_threshold": 0.2,
  "optimizer_time_budget": "1500ms",
  "loop_sigmas": [1, 1, 1, 0.2, 0.2, 0.2],
  "seed": 42
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadSlamConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if got := cfg.GetNumICPPoints(); got != 2000 {
		t.Errorf("GetNumICPPoints() = %d, want 2000", got)
	}
	if got := cfg.GetLoopThreshold(); got != 0.2 {
		t.Errorf("GetLoopThreshold() = %f, want 0.2", got)
	}
	if got := cfg.GetOptimizerTimeBudget(); got != 1500*time.Millisecond {
		t.Errorf("GetOptimizerTimeBudget() = %v, want 1.5s", got)
	}
	if got := cfg.GetLoopSigmas(); got != [6]float64{1, 1, 1, 0.2, 0.2, 0.2} {
		t.Errorf("GetLoopSigmas() = %v", got)
	}
	if got := cfg.GetSeed(); got != 42 {
		t.Errorf("GetSeed() = %d, want 42", got)
	}
	// Omitted fields keep their defaults.
	if got := cfg.GetNumSectors(); got != 60 {
		t.Errorf("GetNumSectors() = %d, want 60", got)
	}
}

func TestLoadSlamConfig_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(tmpDir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"wrong extension", write("run.yaml", "{}"), ".json extension"},
		{"missing file", filepath.Join(tmpDir, "absent.json"), "stat"},
		{"bad json", write("bad.json", "{"), "parse"},
		{"invalid value", write("neg.json", `{"num_rings": 0}`), "num_rings"},
		{"bad duration", write("dur.json", `{"optimizer_time_budget": "soon"}`), "optimizer_time_budget"},
		{"too large", write("big.json", `{"seed": 1}`+strings.Repeat(" ", 1024*1024)), "too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSlamConfig(tt.path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SlamConfig
		wantErr bool
	}{
		{"empty", SlamConfig{}, false},
		{"threshold above one", SlamConfig{LoopThreshold: ptrFloat64(1.5)}, true},
		{"zero threshold", SlamConfig{LoopThreshold: ptrFloat64(0)}, true},
		{"negative points", SlamConfig{NumICPPoints: ptrInt(-1)}, true},
		{"zero points keeps all", SlamConfig{NumICPPoints: ptrInt(0)}, false},
		{"zero sigma", SlamConfig{OdometrySigmas: &[6]float64{1, 1, 1, 1, 0, 1}}, true},
		{"negative budget", SlamConfig{OptimizerTimeBudget: ptrString("-1s")}, true},
		{"valid budget", SlamConfig{OptimizerTimeBudget: ptrString("2s")}, false},
		{"negative leaf", SlamConfig{VoxelLeaf: ptrFloat64(-0.1)}, true},
		{"zero prior", SlamConfig{PriorSigma: ptrFloat64(0)}, true},
		{"seed", SlamConfig{Seed: ptrInt64(-3)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPipelineConfig(t *testing.T) {
	cfg := &SlamConfig{
		NumRings:            ptrInt(10),
		Workers:             ptrInt(3),
		OptimizerTimeBudget: ptrString("250ms"),
		ICPTolerance:        ptrFloat64(1e-4),
	}
	pc := cfg.PipelineConfig()

	if pc.PlaceRecognition.Rings != 10 || pc.PlaceRecognition.Sectors != 60 {
		t.Errorf("grid = %dx%d, want 10x60", pc.PlaceRecognition.Rings, pc.PlaceRecognition.Sectors)
	}
	if pc.Registration.Workers != 3 || pc.PlaceRecognition.Workers != 3 || pc.Optimizer.Workers != 3 {
		t.Errorf("workers not propagated: %+v", pc)
	}
	if pc.Optimizer.TimeBudget != 250*time.Millisecond {
		t.Errorf("TimeBudget = %v, want 250ms", pc.Optimizer.TimeBudget)
	}
	if pc.Registration.Tolerance != 1e-4 {
		t.Errorf("Tolerance = %g, want 1e-4", pc.Registration.Tolerance)
	}
	if err := pc.Validate(); err != nil {
		t.Errorf("resolved pipeline config invalid: %v", err)
	}
	if err := pc.PlaceRecognition.Validate(); err != nil {
		t.Errorf("resolved place recognition config invalid: %v", err)
	}
	if err := pc.Optimizer.Validate(); err != nil {
		t.Errorf("resolved optimizer config invalid: %v", err)
	}
}
