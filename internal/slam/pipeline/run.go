package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/lidar-slam/internal/slam"
	"github.com/banshee-data/lidar-slam/internal/slam/scan"
)

// Source yields scans by index. scan.DirManager implements it.
type Source interface {
	Len() int
	Load(i int) (scan.Scan, error)
}

// RunOptions controls Run.
type RunOptions struct {
	// ProgressEvery logs a progress line every N frames; zero disables.
	ProgressEvery int
	// Limit stops after this many frames; zero processes the whole source.
	Limit int
}

// Run processes every scan of src in order, then flushes sinks that
// implement Flusher. A scan that fails to parse is ingested as an empty
// scan so node indices stay contiguous.
func (s *SLAM) Run(ctx context.Context, src Source, opts RunOptions) (Stats, error) {
	n := src.Len()
	if opts.Limit > 0 && opts.Limit < n {
		n = opts.Limit
	}
	start := time.Now()
	slam.Opsf("processing %d scans", n)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return s.Stats(), fmt.Errorf("stopped at scan %d: %w", i, err)
		}
		sc, err := src.Load(i)
		if err != nil {
			if !errors.Is(err, scan.ErrMalformedScan) {
				return s.Stats(), fmt.Errorf("load scan %d: %w", i, err)
			}
			slam.Opsf("scan %d unreadable, ingesting as empty: %v", i, err)
			sc = scan.Scan{Index: i}
		}
		if _, err := s.Process(ctx, sc); err != nil {
			return s.Stats(), err
		}
		if opts.ProgressEvery > 0 && (i+1)%opts.ProgressEvery == 0 {
			st := s.Stats()
			slam.Opsf("progress: %d/%d scans, %d loops accepted, %.1f scans/s",
				i+1, n, st.LoopsAccepted, float64(i+1)/time.Since(start).Seconds())
		}
	}

	if err := s.Flush(); err != nil {
		return s.Stats(), err
	}
	st := s.Stats()
	slam.Opsf("done: %d scans in %s, %d registration fallbacks, %d/%d loops accepted, %d optimization failures",
		st.Frames, time.Since(start).Round(time.Millisecond), st.RegistrationFailures,
		st.LoopsAccepted, st.LoopsDetected, st.OptimizationFailures)
	return st, nil
}

// Flush flushes every sink that buffers output.
func (s *SLAM) Flush() error {
	for _, sink := range s.sinks {
		if f, ok := sink.(Flusher); ok {
			if err := f.Flush(); err != nil {
				return fmt.Errorf("flush sink: %w", err)
			}
		}
	}
	return nil
}
