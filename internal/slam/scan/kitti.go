// Package scan reads LiDAR scans and reduces them to the point budgets the
// SLAM engines work with.
package scan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

// ErrMalformedScan is returned when a velodyne file is not a whole number of
// 16-byte point records.
var ErrMalformedScan = errors.New("malformed scan")

// pointSize is the size of one KITTI point record: x, y, z, reflectance as
// little-endian float32.
const pointSize = 16

// maxScanBytes bounds a single scan file.
const maxScanBytes = 64 << 20

// Scan is one node-indexed sweep in sensor coordinates.
type Scan struct {
	Index       int
	Points      geom.Cloud
	Reflectance []float32
	Source      string // file path or other origin, informational
}

// Decode parses KITTI velodyne records from data.
func Decode(data []byte) (geom.Cloud, []float32, error) {
	if len(data)%pointSize != 0 {
		return nil, nil, fmt.Errorf("%d bytes is not a multiple of %d: %w", len(data), pointSize, ErrMalformedScan)
	}
	n := len(data) / pointSize
	points := make(geom.Cloud, n)
	refl := make([]float32, n)
	for i := 0; i < n; i++ {
		rec := data[i*pointSize : (i+1)*pointSize]
		points[i] = r3.Vector{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[0:4]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[4:8]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(rec[8:12]))),
		}
		refl[i] = math.Float32frombits(binary.LittleEndian.Uint32(rec[12:16]))
	}
	return points, refl, nil
}

// Encode writes points in KITTI velodyne layout. refl may be nil.
func Encode(w io.Writer, points geom.Cloud, refl []float32) error {
	buf := make([]byte, pointSize*len(points))
	for i, p := range points {
		rec := buf[i*pointSize : (i+1)*pointSize]
		binary.LittleEndian.PutUint32(rec[0:4], math.Float32bits(float32(p.X)))
		binary.LittleEndian.PutUint32(rec[4:8], math.Float32bits(float32(p.Y)))
		binary.LittleEndian.PutUint32(rec[8:12], math.Float32bits(float32(p.Z)))
		var r float32
		if i < len(refl) {
			r = refl[i]
		}
		binary.LittleEndian.PutUint32(rec[12:16], math.Float32bits(r))
	}
	_, err := w.Write(buf)
	return err
}

// ReadFile loads one velodyne .bin file.
func ReadFile(path string) (geom.Cloud, []float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open scan: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("stat scan: %w", err)
	}
	if info.Size() > maxScanBytes {
		return nil, nil, fmt.Errorf("scan %s is %d bytes, limit %d", path, info.Size(), maxScanBytes)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxScanBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read scan: %w", err)
	}
	points, refl, err := Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return points, refl, nil
}

// DirManager lists the scans of one sequence directory in name order, which
// for KITTI is frame order.
type DirManager struct {
	dir   string
	paths []string
}

// NewDirManager scans dir for *.bin files.
func NewDirManager(dir string) (*DirManager, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sequence dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".bin") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return &DirManager{dir: dir, paths: paths}, nil
}

// Dir returns the directory being read.
func (m *DirManager) Dir() string { return m.dir }

// Len returns the number of scans.
func (m *DirManager) Len() int { return len(m.paths) }

// Paths returns the sorted scan paths.
func (m *DirManager) Paths() []string {
	return append([]string(nil), m.paths...)
}

// Load reads scan i.
func (m *DirManager) Load(i int) (Scan, error) {
	if i < 0 || i >= len(m.paths) {
		return Scan{}, fmt.Errorf("scan %d of %d out of range", i, len(m.paths))
	}
	points, refl, err := ReadFile(m.paths[i])
	if err != nil {
		return Scan{}, err
	}
	return Scan{Index: i, Points: points, Reflectance: refl, Source: m.paths[i]}, nil
}
