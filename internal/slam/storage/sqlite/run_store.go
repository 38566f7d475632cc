package sqlite

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lidar-slam/internal/slam/geom"
	"github.com/banshee-data/lidar-slam/internal/slam/scancontext"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PoseKind distinguishes the two stored trajectories.
type PoseKind string

const (
	PoseRaw       PoseKind = "raw"
	PoseOptimized PoseKind = "optimized"
)

// Run is one processed sequence.
type Run struct {
	RunID         string          `json:"run_id"`
	Sequence      string          `json:"sequence"`
	ParamsJSON    json.RawMessage `json:"params_json,omitempty"`
	Status        string          `json:"status"`
	Frames        int             `json:"frames"`
	LoopsAccepted int             `json:"loops_accepted"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	StartedAt     int64           `json:"started_at"`
	FinishedAt    int64           `json:"finished_at,omitempty"`
}

// LoopRecord is an accepted loop closure.
type LoopRecord struct {
	Current    int
	Target     int
	Distance   float64
	YawDegrees float64
	ICPError   float64
	CreatedAt  int64
}

// RunStore reads and writes runs.
type RunStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunStore creates a RunStore over an opened database.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db.DB, now: time.Now}
}

// StartRun inserts a running run and returns its generated ID.
func (s *RunStore) StartRun(sequence string, params json.RawMessage) (string, error) {
	runID := uuid.New().String()
	var paramsStr interface{}
	if len(params) > 0 {
		paramsStr = string(params)
	}
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO slam_runs (run_id, sequence, params_json, status, started_at)
			VALUES (?, ?, ?, ?, ?)`,
			runID, sequence, paramsStr, StatusRunning, s.now().UnixNano())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return runID, nil
}

// FinishRun records the outcome of a run. A non-nil runErr marks it failed.
func (s *RunStore) FinishRun(runID string, frames, loopsAccepted int, runErr error) error {
	status, msg := StatusCompleted, interface{}(nil)
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`
			UPDATE slam_runs
			SET status = ?, frames = ?, loops_accepted = ?, error_message = ?, finished_at = ?
			WHERE run_id = ?`,
			status, frames, loopsAccepted, msg, s.now().UnixNano(), runID)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		return expectOne(result, runID)
	})
}

// GetRun returns a run by ID.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, sequence, params_json, status, frames, loops_accepted,
		       error_message, started_at, finished_at
		FROM slam_runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// ListRuns returns the runs of a sequence, newest first.
func (s *RunStore) ListRuns(sequence string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, sequence, params_json, status, frames, loops_accepted,
		       error_message, started_at, finished_at
		FROM slam_runs WHERE sequence = ?
		ORDER BY started_at DESC`, sequence)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and everything recorded under it.
func (s *RunStore) DeleteRun(runID string) error {
	return retryOnBusy(func() error {
		result, err := s.db.Exec(`DELETE FROM slam_runs WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("delete run: %w", err)
		}
		return expectOne(result, runID)
	})
}

// InsertPose stores the raw pose of node.
func (s *RunStore) InsertPose(runID string, node int, pose geom.Transform) error {
	return retryOnBusy(func() error {
		return insertPose(s.db, runID, PoseRaw, node, pose)
	})
}

// ReplaceOptimized swaps the run's optimized trajectory for poses in one
// transaction.
func (s *RunStore) ReplaceOptimized(runID string, poses []geom.Transform) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM slam_poses WHERE run_id = ? AND kind = ?`, runID, PoseOptimized); err != nil {
			return fmt.Errorf("clear optimized poses: %w", err)
		}
		for i, p := range poses {
			if err := insertPose(tx, runID, PoseOptimized, i, p); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func insertPose(db execer, runID string, kind PoseKind, node int, pose geom.Transform) error {
	r := pose.Row12()
	_, err := db.Exec(`
		INSERT OR REPLACE INTO slam_poses (
			run_id, node, kind,
			r00, r01, r02, tx, r10, r11, r12, ty, r20, r21, r22, tz
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, node, string(kind),
		r[0], r[1], r[2], r[3], r[4], r[5], r[6], r[7], r[8], r[9], r[10], r[11])
	if err != nil {
		return fmt.Errorf("insert %s pose %d: %w", kind, node, err)
	}
	return nil
}

// LoadPoses returns a stored trajectory ordered by node.
func (s *RunStore) LoadPoses(runID string, kind PoseKind) ([]geom.Transform, error) {
	rows, err := s.db.Query(`
		SELECT r00, r01, r02, tx, r10, r11, r12, ty, r20, r21, r22, tz
		FROM slam_poses WHERE run_id = ? AND kind = ?
		ORDER BY node`, runID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query poses: %w", err)
	}
	defer rows.Close()

	var poses []geom.Transform
	for rows.Next() {
		var r [12]float64
		if err := rows.Scan(&r[0], &r[1], &r[2], &r[3], &r[4], &r[5], &r[6], &r[7], &r[8], &r[9], &r[10], &r[11]); err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		poses = append(poses, geom.FromRow12(r))
	}
	return poses, rows.Err()
}

// InsertLoop stores an accepted loop closure.
func (s *RunStore) InsertLoop(runID string, l LoopRecord) error {
	if l.CreatedAt == 0 {
		l.CreatedAt = s.now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO slam_loops (run_id, current_node, target_node, distance, yaw_degrees, icp_error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			runID, l.Current, l.Target, l.Distance, l.YawDegrees, l.ICPError, l.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert loop %d->%d: %w", l.Current, l.Target, err)
		}
		return nil
	})
}

// ListLoops returns a run's loops ordered by closing node.
func (s *RunStore) ListLoops(runID string) ([]LoopRecord, error) {
	rows, err := s.db.Query(`
		SELECT current_node, target_node, distance, yaw_degrees, icp_error, created_at
		FROM slam_loops WHERE run_id = ?
		ORDER BY current_node`, runID)
	if err != nil {
		return nil, fmt.Errorf("query loops: %w", err)
	}
	defer rows.Close()

	var loops []LoopRecord
	for rows.Next() {
		var l LoopRecord
		var icpErr sql.NullFloat64
		if err := rows.Scan(&l.Current, &l.Target, &l.Distance, &l.YawDegrees, &icpErr, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan loop: %w", err)
		}
		l.ICPError = icpErr.Float64
		loops = append(loops, l)
	}
	return loops, rows.Err()
}

// SaveDescriptor stores the place descriptor of node.
func (s *RunStore) SaveDescriptor(runID string, node int, d scancontext.Descriptor) error {
	if len(d.Cells) != d.Rings*d.Sectors {
		return fmt.Errorf("node %d: %d cells for %dx%d grid: %w",
			node, len(d.Cells), d.Rings, d.Sectors, scancontext.ErrDescriptorDimensionMismatch)
	}
	blob := encodeCells(d.Cells)
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO slam_descriptors (run_id, node, rings, sectors, cells)
			VALUES (?, ?, ?, ?, ?)`,
			runID, node, d.Rings, d.Sectors, blob)
		if err != nil {
			return fmt.Errorf("insert descriptor %d: %w", node, err)
		}
		return nil
	})
}

// StoredDescriptor is a descriptor with the node it was computed for.
type StoredDescriptor struct {
	Node       int
	Descriptor scancontext.Descriptor
}

// LoadDescriptors returns a run's descriptors ordered by node.
func (s *RunStore) LoadDescriptors(runID string) ([]StoredDescriptor, error) {
	rows, err := s.db.Query(`
		SELECT node, rings, sectors, cells
		FROM slam_descriptors WHERE run_id = ?
		ORDER BY node`, runID)
	if err != nil {
		return nil, fmt.Errorf("query descriptors: %w", err)
	}
	defer rows.Close()

	var out []StoredDescriptor
	for rows.Next() {
		var sd StoredDescriptor
		var blob []byte
		if err := rows.Scan(&sd.Node, &sd.Descriptor.Rings, &sd.Descriptor.Sectors, &blob); err != nil {
			return nil, fmt.Errorf("scan descriptor: %w", err)
		}
		cells, err := decodeCells(blob)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", sd.Node, err)
		}
		sd.Descriptor.Cells = cells
		out = append(out, sd)
	}
	return out, rows.Err()
}

// RestoreDescriptors loads a run's descriptors into m, without clouds, and
// returns how many were added. A manager with a different grid shape fails
// with scancontext.ErrDescriptorDimensionMismatch.
func (s *RunStore) RestoreDescriptors(runID string, m *scancontext.Manager) (int, error) {
	stored, err := s.LoadDescriptors(runID)
	if err != nil {
		return 0, err
	}
	for i, sd := range stored {
		if err := m.AddDescriptor(sd.Node, sd.Descriptor, nil); err != nil {
			return i, err
		}
	}
	return len(stored), nil
}

func encodeCells(cells []float64) []byte {
	buf := make([]byte, 8*len(cells))
	for i, v := range cells {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeCells(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("descriptor blob of %d bytes is not a float64 array", len(buf))
	}
	cells := make([]float64, len(buf)/8)
	for i := range cells {
		cells[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return cells, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var params, errMsg sql.NullString
	var finished sql.NullInt64
	err := row.Scan(&r.RunID, &r.Sequence, &params, &r.Status, &r.Frames, &r.LoopsAccepted,
		&errMsg, &r.StartedAt, &finished)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if params.Valid {
		r.ParamsJSON = json.RawMessage(params.String)
	}
	r.ErrorMessage = errMsg.String
	r.FinishedAt = finished.Int64
	return &r, nil
}

func expectOne(result sql.Result, runID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return nil
}
