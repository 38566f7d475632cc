package scan

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

// RandomSample returns n distinct points of cloud chosen with rng, in their
// original order. When n >= len(cloud) (or n <= 0) the cloud is returned
// unchanged. The same rng state always selects the same points.
func RandomSample(cloud geom.Cloud, n int, rng *rand.Rand) geom.Cloud {
	if n <= 0 || n >= len(cloud) {
		return cloud
	}
	// Partial Fisher-Yates over an index permutation.
	idx := make([]int, len(cloud))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < n; i++ {
		j := i + rng.Intn(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	picked := make([]bool, len(cloud))
	for _, i := range idx[:n] {
		picked[i] = true
	}
	out := make(geom.Cloud, 0, n)
	for i, p := range cloud {
		if picked[i] {
			out = append(out, p)
		}
	}
	return out
}

type voxelKey struct{ x, y, z int64 }

type voxel struct {
	sum   r3.Vector
	count int
	first int
}

// VoxelDownsample keeps, for every cubic voxel of side leaf, the point
// closest to the centroid of the points inside it. Output follows the order
// in which voxels are first seen. leaf <= 0 returns the input unchanged.
func VoxelDownsample(cloud geom.Cloud, leaf float64) geom.Cloud {
	if len(cloud) == 0 {
		return nil
	}
	if leaf <= 0 {
		return cloud
	}

	keyOf := func(p r3.Vector) voxelKey {
		return voxelKey{
			x: int64(math.Floor(p.X / leaf)),
			y: int64(math.Floor(p.Y / leaf)),
			z: int64(math.Floor(p.Z / leaf)),
		}
	}

	voxels := make(map[voxelKey]*voxel)
	var order []voxelKey
	for i, p := range cloud {
		k := keyOf(p)
		v, ok := voxels[k]
		if !ok {
			v = &voxel{first: i}
			voxels[k] = v
			order = append(order, k)
		}
		v.sum = v.sum.Add(p)
		v.count++
	}

	best := make(map[voxelKey]int, len(voxels))
	bestDist := make(map[voxelKey]float64, len(voxels))
	for i, p := range cloud {
		k := keyOf(p)
		v := voxels[k]
		centroid := v.sum.Mul(1 / float64(v.count))
		d := p.Sub(centroid).Norm2()
		if cur, ok := bestDist[k]; !ok || d < cur {
			best[k], bestDist[k] = i, d
		}
	}

	out := make(geom.Cloud, 0, len(order))
	for _, k := range order {
		out = append(out, cloud[best[k]])
	}
	return out
}
