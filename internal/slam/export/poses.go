package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
)

// poseColumns is the KITTI pose row width: the top three rows of the
// 4x4 homogeneous matrix, row-major.
const poseColumns = 12

// WritePoses writes one KITTI pose row per transform as comma-separated
// values.
func WritePoses(w io.Writer, poses []geom.Transform) error {
	cw := csv.NewWriter(w)
	record := make([]string, poseColumns)
	for i, p := range poses {
		row := p.Row12()
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("pose %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadPoses parses rows written by WritePoses.
func ReadPoses(r io.Reader) ([]geom.Transform, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = poseColumns
	cr.ReuseRecord = true

	var poses []geom.Transform
	for line := 1; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			return poses, nil
		}
		if err != nil {
			return nil, err
		}
		var row [poseColumns]float64
		for j, field := range record {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %d: %w", line, j+1, err)
			}
			row[j] = v
		}
		poses = append(poses, geom.FromRow12(row))
	}
}

// writePoseFile replaces path through a temporary file and rename.
func writePoseFile(path string, poses []geom.Transform) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if err := WritePoses(f, poses); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
