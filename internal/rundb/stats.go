package rundb

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TrainStat is the loss breakdown and population size at one step.
type TrainStat struct {
	RunID       string  `json:"run_id"`
	Step        int     `json:"step"`
	Loss        float64 `json:"loss"`
	L1          float64 `json:"l1"`
	SSIM        float64 `json:"ssim"`
	NumSplats   int     `json:"num_splats"`
	NumShading  int     `json:"num_shading"`
	ElapsedSecs float64 `json:"elapsed_secs"`
	RecordedAt  int64   `json:"recorded_at"`
}

// RecordTrainStat upserts the statistics for (RunID, Step).
func (db *DB) RecordTrainStat(s TrainStat) error {
	if s.RecordedAt == 0 {
		s.RecordedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT OR REPLACE INTO train_stats (
				run_id, step, loss, l1, ssim, num_splats, num_shading, elapsed_secs, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.RunID, s.Step, s.Loss, s.L1, s.SSIM, s.NumSplats, s.NumShading, s.ElapsedSecs, s.RecordedAt)
		if err != nil {
			return fmt.Errorf("insert train stat: %w", err)
		}
		return nil
	})
}

// ListTrainStats returns a run's statistics in step order.
func (db *DB) ListTrainStats(runID string) ([]TrainStat, error) {
	rows, err := db.Query(`
		SELECT run_id, step, loss, l1, ssim, num_splats, num_shading, elapsed_secs, recorded_at
		FROM train_stats WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, fmt.Errorf("query train stats: %w", err)
	}
	defer rows.Close()

	var out []TrainStat
	for rows.Next() {
		var s TrainStat
		if err := rows.Scan(&s.RunID, &s.Step, &s.Loss, &s.L1, &s.SSIM,
			&s.NumSplats, &s.NumShading, &s.ElapsedSecs, &s.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan train stat: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CheckpointRecord points at a checkpoint file written by a run.
type CheckpointRecord struct {
	RunID      string `json:"run_id"`
	Step       int    `json:"step"`
	Path       string `json:"path"`
	NumSplats  int    `json:"num_splats"`
	NumShading int    `json:"num_shading"`
	CreatedAt  int64  `json:"created_at"`
}

// RecordCheckpoint upserts the checkpoint written at (RunID, Step).
func (db *DB) RecordCheckpoint(c CheckpointRecord) error {
	if c.CreatedAt == 0 {
		c.CreatedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT OR REPLACE INTO checkpoints (run_id, step, path, num_splats, num_shading, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.RunID, c.Step, c.Path, c.NumSplats, c.NumShading, c.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
}

// LatestCheckpoint returns the checkpoint with the highest step for runID.
func (db *DB) LatestCheckpoint(runID string) (*CheckpointRecord, error) {
	var c CheckpointRecord
	err := db.QueryRow(`
		SELECT run_id, step, path, num_splats, num_shading, created_at
		FROM checkpoints WHERE run_id = ? ORDER BY step DESC LIMIT 1`, runID).
		Scan(&c.RunID, &c.Step, &c.Path, &c.NumSplats, &c.NumShading, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	return &c, nil
}

// Evaluation is the aggregate result of one evaluation pass.
type Evaluation struct {
	EvaluationID    string   `json:"evaluation_id"`
	RunID           string   `json:"run_id"`
	Stage           string   `json:"stage"`
	Step            int      `json:"step"`
	PSNR            float64  `json:"psnr"`
	SSIM            float64  `json:"ssim"`
	CCPSNR          *float64 `json:"cc_psnr,omitempty"`
	CCSSIM          *float64 `json:"cc_ssim,omitempty"`
	NumImages       int      `json:"num_images"`
	ElapsedPerImage float64  `json:"elapsed_per_image"`
	CreatedAt       int64    `json:"created_at"`
}

// InsertEvaluation persists e. An empty EvaluationID is generated.
func (db *DB) InsertEvaluation(e *Evaluation) error {
	if e.EvaluationID == "" {
		e.EvaluationID = uuid.New().String()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixNano()
	}
	return retryOnBusy(func() error {
		_, err := db.Exec(`
			INSERT INTO evaluations (
				evaluation_id, run_id, stage, step, psnr, ssim, cc_psnr, cc_ssim,
				num_images, elapsed_per_image, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EvaluationID, e.RunID, e.Stage, e.Step, e.PSNR, e.SSIM, e.CCPSNR, e.CCSSIM,
			e.NumImages, e.ElapsedPerImage, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
		return nil
	})
}

// ListEvaluations returns a run's evaluations ordered by stage then step.
func (db *DB) ListEvaluations(runID string) ([]*Evaluation, error) {
	rows, err := db.Query(`
		SELECT evaluation_id, run_id, stage, step, psnr, ssim, cc_psnr, cc_ssim,
		       num_images, elapsed_per_image, created_at
		FROM evaluations WHERE run_id = ? ORDER BY stage, step`, runID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var out []*Evaluation
	for rows.Next() {
		var (
			e      Evaluation
			cp, cs sql.NullFloat64
		)
		if err := rows.Scan(&e.EvaluationID, &e.RunID, &e.Stage, &e.Step, &e.PSNR, &e.SSIM,
			&cp, &cs, &e.NumImages, &e.ElapsedPerImage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		if cp.Valid {
			e.CCPSNR = &cp.Float64
		}
		if cs.Valid {
			e.CCSSIM = &cs.Float64
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
