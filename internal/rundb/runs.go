package rundb

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run status values.
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Run is one invocation of the trainer (or an eval-only pass).
type Run struct {
	RunID      string          `json:"run_id"`
	ResultDir  string          `json:"result_dir"`
	DataDir    string          `json:"data_dir"`
	Strategy   string          `json:"strategy"`
	Shading    bool            `json:"shading"`
	MaxSteps   int             `json:"max_steps"`
	ConfigJSON json.RawMessage `json:"config_json,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  int64           `json:"started_at"`
	FinishedAt int64           `json:"finished_at,omitempty"`
}

// CreateRun inserts r with status running. Empty RunID and StartedAt are
// filled in.
func (db *DB) CreateRun(r *Run) error {
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}
	if r.StartedAt == 0 {
		r.StartedAt = time.Now().UnixNano()
	}
	r.Status = StatusRunning

	var cfg interface{}
	if len(r.ConfigJSON) > 0 {
		cfg = string(r.ConfigJSON)
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT INTO runs (
				run_id, result_dir, data_dir, strategy, shading, max_steps,
				config_json, status, started_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, r.ResultDir, r.DataDir, r.Strategy, r.Shading, r.MaxSteps,
			cfg, r.Status, r.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

// FinishRun marks a run finished, or failed when runErr is non-nil.
func (db *DB) FinishRun(runID string, runErr error) error {
	status, msg := StatusFinished, ""
	if runErr != nil {
		status, msg = StatusFailed, runErr.Error()
	}
	return retryOnBusy(func() error {
		res, err := db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_id = ?`,
			status, nullString(msg), time.Now().UnixNano(), runID)
		if err != nil {
			return fmt.Errorf("update run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil
	})
}

const runColumns = `run_id, result_dir, data_dir, strategy, shading, max_steps,
	config_json, status, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r        Run
		cfg, msg sql.NullString
		finished sql.NullInt64
	)
	err := row.Scan(&r.RunID, &r.ResultDir, &r.DataDir, &r.Strategy, &r.Shading, &r.MaxSteps,
		&cfg, &r.Status, &msg, &r.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if cfg.Valid {
		r.ConfigJSON = json.RawMessage(cfg.String)
	}
	r.Error = msg.String
	r.FinishedAt = finished.Int64
	return &r, nil
}

// GetRun returns a single run by ID.
func (db *DB) GetRun(runID string) (*Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}

// ListRuns returns every run, most recent first.
func (db *DB) ListRuns() ([]*Run, error) {
	rows, err := db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
