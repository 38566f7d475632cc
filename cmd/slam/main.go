// Command slam runs LiDAR SLAM over a KITTI velodyne sequence and writes
// the raw and loop-corrected trajectories.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/banshee-data/lidar-slam/internal/config"
	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/export"
	"github.com/banshee-data/lidar-slam/internal/slam/pipeline"
	"github.com/banshee-data/lidar-slam/internal/slam/scan"
	"github.com/banshee-data/lidar-slam/internal/slam/storage/sqlite"
	"github.com/banshee-data/lidar-slam/internal/version"
)

var (
	configFile  = flag.String("config", "", "Path to a JSON run configuration (default: "+config.DefaultConfigPath+" when present)")
	dataBaseDir = flag.String("data_base_dir", "dataset/sequences", "KITTI sequences directory")
	sequenceIdx = flag.String("sequence_idx", "00", "Sequence to process")
	saveDir     = flag.String("save_dir", "result", "Directory for pose files and plots")
	dbFile      = flag.String("db", "", "Path to the SQLite run store (empty disables)")
	mapHTML     = flag.Bool("map", true, "Write an HTML map view on exit")
	plots       = flag.Bool("plot", true, "Write trajectory PNGs on exit")
	progress    = flag.Int("progress", 100, "Log progress every N scans (0 disables)")
	limit       = flag.Int("limit", 0, "Stop after N scans (0 processes all)")
	logOps      = flag.String("log-ops", "stdout", "Ops log stream: stdout, stderr or off")
	logDiag     = flag.String("log-diag", "off", "Diag log stream: stdout, stderr or off")
	logTrace    = flag.String("log-trace", "off", "Trace log stream: stdout, stderr or off")
	showVersion = flag.Bool("version", false, "Print version and exit")

	// Overrides for the most tuned file values.
	numICPPoints        = flag.Int("num_icp_points", 0, "Points kept per scan for registration")
	numRings            = flag.Int("num_rings", 0, "Scan context rings")
	numSectors          = flag.Int("num_sectors", 0, "Scan context sectors")
	numCandidates       = flag.Int("num_candidates", 0, "Loop candidates scored per query")
	tryGapLoopDetection = flag.Int("try_gap_loop_detection", 0, "Frames between loop detection attempts")
	loopThreshold       = flag.Float64("loop_threshold", 0, "Scan context distance accepting a loop")
	saveGap             = flag.Int("save_gap", 0, "Frames between pose file checkpoints")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("slam: %v", err)
	}
}

func run(ctx context.Context) error {
	writers, err := logWriters(*logOps, *logDiag, *logTrace)
	if err != nil {
		return err
	}
	slam.SetLogWriters(writers)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		return err
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyOverrides(cfg, set)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	scanDir := filepath.Join(*dataBaseDir, *sequenceIdx, "velodyne")
	src, err := scan.NewDirManager(scanDir)
	if err != nil {
		return err
	}
	slam.Opsf("%s: sequence %s, %d scans in %s", version.String(), *sequenceIdx, src.Len(), scanDir)

	s, err := pipeline.New(cfg.PipelineConfig())
	if err != nil {
		return err
	}

	saver, err := export.NewResultSaver(filepath.Join(*saveDir, *sequenceIdx), *sequenceIdx, cfg.GetSaveGap())
	if err != nil {
		return err
	}
	saver.SetPlotting(*plots)
	s.AddTrajectorySink(saver)
	s.AddLoopClosureListener(saver)

	var mapView *export.MapView
	if *mapHTML {
		mapView = export.NewMapView(cfg.GetMapPointsPerNode(), cfg.GetSeed())
		s.AddFrameListener(mapView)
		s.AddLoopClosureListener(mapView)
	}

	var store *sqlite.RunStore
	var runID string
	if *dbFile != "" {
		db, err := sqlite.Open(*dbFile)
		if err != nil {
			return err
		}
		defer db.Close()
		store = sqlite.NewRunStore(db)
		params, err := json.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		runID, err = store.StartRun(*sequenceIdx, params)
		if err != nil {
			return err
		}
		sink := sqlite.NewRunSink(store, runID, s.Places())
		s.AddTrajectorySink(sink)
		s.AddFrameListener(sink)
		slam.Opsf("recording run %s to %s", runID, *dbFile)
	}

	st, runErr := s.Run(ctx, src, pipeline.RunOptions{ProgressEvery: *progress, Limit: *limit})

	if store != nil {
		if err := store.FinishRun(runID, st.Frames, st.LoopsAccepted, runErr); err != nil {
			slam.Opsf("failed to finish run %s: %v", runID, err)
		}
	}
	if runErr != nil {
		// Keep what was processed before the interruption.
		if err := s.Flush(); err != nil {
			slam.Opsf("flush after failure: %v", err)
		}
		return runErr
	}
	if mapView != nil {
		path := filepath.Join(*saveDir, *sequenceIdx, fmt.Sprintf("map_%s.html", *sequenceIdx))
		if err := mapView.SaveHTML(path); err != nil {
			return err
		}
		slam.Opsf("map view written to %s", path)
	}
	slam.Opsf("poses written to %s", saver.UnoptimizedPath())
	return nil
}

// loadConfig reads path, or the canonical defaults file when path is empty
// and the file exists. Missing both yields the built-in defaults.
func loadConfig(path string) (*config.SlamConfig, error) {
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptySlamConfig(), nil
		}
		path = config.DefaultConfigPath
	}
	return config.LoadSlamConfig(path)
}

// applyOverrides copies explicitly set flags over the file values.
func applyOverrides(cfg *config.SlamConfig, set map[string]bool) {
	ints := map[string]struct {
		flag *int
		dst  **int
	}{
		"num_icp_points":         {numICPPoints, &cfg.NumICPPoints},
		"num_rings":              {numRings, &cfg.NumRings},
		"num_sectors":            {numSectors, &cfg.NumSectors},
		"num_candidates":         {numCandidates, &cfg.NumCandidates},
		"try_gap_loop_detection": {tryGapLoopDetection, &cfg.TryGapLoopDetection},
		"save_gap":               {saveGap, &cfg.SaveGap},
	}
	for name, o := range ints {
		if set[name] {
			v := *o.flag
			*o.dst = &v
		}
	}
	if set["loop_threshold"] {
		v := *loopThreshold
		cfg.LoopThreshold = &v
	}
}

// logWriters maps the stream flag values to writers.
func logWriters(ops, diag, trace string) (slam.LogWriters, error) {
	var w slam.LogWriters
	var err error
	if w.Ops, err = streamWriter("log-ops", ops); err != nil {
		return w, err
	}
	if w.Diag, err = streamWriter("log-diag", diag); err != nil {
		return w, err
	}
	if w.Trace, err = streamWriter("log-trace", trace); err != nil {
		return w, err
	}
	return w, nil
}

func streamWriter(name, value string) (io.Writer, error) {
	switch value {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "off", "":
		return nil, nil
	}
	return nil, fmt.Errorf("-%s: unknown stream %q (want stdout, stderr or off)", name, value)
}
