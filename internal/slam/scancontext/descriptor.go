package scancontext

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

// ErrDescriptorDimensionMismatch is returned when two descriptors, or a
// descriptor and a manager, disagree on the ring x sector grid shape.
var ErrDescriptorDimensionMismatch = errors.New("descriptor dimension mismatch")

// Descriptor is a rings x sectors grid of the maximum point height seen in
// each polar cell around the sensor. Empty cells hold 0.
type Descriptor struct {
	Rings   int
	Sectors int
	Cells   []float64 // row-major: ring*Sectors + sector
}

// NewDescriptor bins cloud into the polar grid described by cfg.
//
// Heights are offset by cfg.LidarHeight so the ground sits near zero, and
// negative heights never beat an empty cell. Points at or beyond MaxRange
// fall into the outermost ring.
func NewDescriptor(cloud geom.Cloud, cfg Config) Descriptor {
	d := Descriptor{
		Rings:   cfg.Rings,
		Sectors: cfg.Sectors,
		Cells:   make([]float64, cfg.Rings*cfg.Sectors),
	}
	ringGap := cfg.MaxRange / float64(cfg.Rings)
	sectorGap := 360.0 / float64(cfg.Sectors)

	for _, p := range cloud {
		x, y := p.X, p.Y
		if x == 0 {
			x = 0.001
		}
		if y == 0 {
			y = 0.001
		}
		theta := math.Atan2(y, x) * 180.0 / math.Pi
		if theta < 0 {
			theta += 360
		}
		ring := int(math.Hypot(x, y) / ringGap)
		if ring >= cfg.Rings {
			ring = cfg.Rings - 1
		}
		sector := int(theta / sectorGap)
		if sector >= cfg.Sectors {
			sector = cfg.Sectors - 1
		}

		h := p.Z + cfg.LidarHeight
		idx := ring*cfg.Sectors + sector
		if h > d.Cells[idx] {
			d.Cells[idx] = h
		}
	}
	return d
}

// At returns the cell value at (ring, sector).
func (d Descriptor) At(ring, sector int) float64 {
	return d.Cells[ring*d.Sectors+sector]
}

// RingKey returns the mean of every ring across sectors. It is invariant to
// yaw, which makes it a usable coarse retrieval key.
func (d Descriptor) RingKey() []float64 {
	key := make([]float64, d.Rings)
	for r := 0; r < d.Rings; r++ {
		key[r] = floats.Sum(d.Cells[r*d.Sectors:(r+1)*d.Sectors]) / float64(d.Sectors)
	}
	return key
}

// column copies sector s of d into dst.
func (d Descriptor) column(s int, dst []float64) {
	for r := 0; r < d.Rings; r++ {
		dst[r] = d.Cells[r*d.Sectors+s]
	}
}

// sameShape reports whether d and o have the same grid.
func (d Descriptor) sameShape(o Descriptor) bool {
	return d.Rings == o.Rings && d.Sectors == o.Sectors
}

// Distance returns the yaw-aligned distance between a query and a candidate
// descriptor, and the shift that achieves it.
//
// For every cyclic shift k, query column j is compared with candidate column
// (j+k) mod Sectors by cosine similarity; columns empty in either descriptor
// are skipped. The distance of a shift is 1 minus the mean similarity over
// compared columns, or 1 when no column is shared. The smallest distance
// wins, ties going to the lowest shift.
//
// A shift of k means the current scan is yawed by k*360/Sectors degrees
// relative to the candidate.
func Distance(query, candidate Descriptor) (dist float64, shift int, err error) {
	if !query.sameShape(candidate) {
		return 0, 0, fmt.Errorf("query %dx%d vs candidate %dx%d: %w",
			query.Rings, query.Sectors, candidate.Rings, candidate.Sectors, ErrDescriptorDimensionMismatch)
	}

	n := query.Sectors
	qCols := make([][]float64, n)
	cCols := make([][]float64, n)
	qNorm := make([]float64, n)
	cNorm := make([]float64, n)
	for s := 0; s < n; s++ {
		qCols[s] = make([]float64, query.Rings)
		cCols[s] = make([]float64, query.Rings)
		query.column(s, qCols[s])
		candidate.column(s, cCols[s])
		qNorm[s] = floats.Norm(qCols[s], 2)
		cNorm[s] = floats.Norm(cCols[s], 2)
	}

	dist, shift = 1, 0
	for k := 0; k < n; k++ {
		var sum float64
		engaged := 0
		for j := 0; j < n; j++ {
			c := (j + k) % n
			if qNorm[j] == 0 || cNorm[c] == 0 {
				continue
			}
			sum += floats.Dot(qCols[j], cCols[c]) / (qNorm[j] * cNorm[c])
			engaged++
		}
		if engaged == 0 {
			continue
		}
		if d := 1 - sum/float64(engaged); d < dist {
			dist, shift = d, k
		}
	}
	return dist, shift, nil
}
