package rundb

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// loopbackRequest sets RemoteAddr so tsweb allows debug access.
func loopbackRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// ----------------------------------------------------------------------------
// Migrations
// ----------------------------------------------------------------------------

func TestOpen_AppliesMigrations(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp())

	for _, table := range []string{"runs", "train_stats", "checkpoints", "evaluations"} {
		var n int
		require.NoError(t, db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		assert.Equal(t, 1, n, table)
	}
}

func TestMigrateDown(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='runs'`).Scan(&n))
	assert.Zero(t, n)
}

// ----------------------------------------------------------------------------
// Stores
// ----------------------------------------------------------------------------

func TestRuns(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	r := &Run{ResultDir: "/out", DataDir: "/data", Strategy: "mcmc", Shading: true, MaxSteps: 100,
		ConfigJSON: json.RawMessage(`{"max_steps":100}`)}
	require.NoError(t, db.CreateRun(r))
	assert.NotEmpty(t, r.RunID)
	assert.NotZero(t, r.StartedAt)

	got, err := db.GetRun(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.True(t, got.Shading)
	assert.JSONEq(t, `{"max_steps":100}`, string(got.ConfigJSON))
	assert.Zero(t, got.FinishedAt)

	require.NoError(t, db.FinishRun(r.RunID, errors.New("boom")))
	got, err = db.GetRun(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.NotZero(t, got.FinishedAt)

	r2 := &Run{ResultDir: "/out2", DataDir: "/data", Strategy: "default", StartedAt: r.StartedAt + 1}
	require.NoError(t, db.CreateRun(r2))
	require.NoError(t, db.FinishRun(r2.RunID, nil))
	runs, err := db.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, r2.RunID, runs[0].RunID)
	assert.Equal(t, StatusFinished, runs[0].Status)
	assert.Empty(t, runs[0].Error)

	_, err = db.GetRun("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(db.FinishRun("missing", nil), ErrNotFound))
}

func TestTrainStatsAndCheckpoints(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	r := &Run{ResultDir: "/out", DataDir: "/data", Strategy: "default"}
	require.NoError(t, db.CreateRun(r))

	for _, step := range []int{20, 10, 30} {
		require.NoError(t, db.RecordTrainStat(TrainStat{RunID: r.RunID, Step: step, Loss: float64(step) / 100, NumSplats: step}))
	}
	// Upsert replaces the row for an existing step.
	require.NoError(t, db.RecordTrainStat(TrainStat{RunID: r.RunID, Step: 10, Loss: 0.5, NumSplats: 11}))

	stats, err := db.ListTrainStats(r.RunID)
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{stats[0].Step, stats[1].Step, stats[2].Step})
	assert.Equal(t, 0.5, stats[0].Loss)
	assert.Equal(t, 11, stats[0].NumSplats)

	_, err = db.LatestCheckpoint(r.RunID)
	assert.True(t, errors.Is(err, ErrNotFound))
	require.NoError(t, db.RecordCheckpoint(CheckpointRecord{RunID: r.RunID, Step: 99, Path: "/out/ckpts/ckpt_99.gob.gz", NumSplats: 7}))
	require.NoError(t, db.RecordCheckpoint(CheckpointRecord{RunID: r.RunID, Step: 199, Path: "/out/ckpts/ckpt_199.gob.gz", NumSplats: 9}))
	c, err := db.LatestCheckpoint(r.RunID)
	require.NoError(t, err)
	assert.Equal(t, 199, c.Step)
	assert.Equal(t, 9, c.NumSplats)
}

func TestEvaluations(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	r := &Run{ResultDir: "/out", DataDir: "/data", Strategy: "default"}
	require.NoError(t, db.CreateRun(r))

	cc := 31.5
	require.NoError(t, db.InsertEvaluation(&Evaluation{RunID: r.RunID, Stage: "val", Step: 199, PSNR: 30, SSIM: 0.9, CCPSNR: &cc, NumImages: 3}))
	e := &Evaluation{RunID: r.RunID, Stage: "compress", Step: 199, PSNR: 29, SSIM: 0.8, NumImages: 3}
	require.NoError(t, db.InsertEvaluation(e))
	assert.NotEmpty(t, e.EvaluationID)

	evals, err := db.ListEvaluations(r.RunID)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	assert.Equal(t, "compress", evals[0].Stage)
	assert.Nil(t, evals[0].CCPSNR)
	assert.Equal(t, "val", evals[1].Stage)
	require.NotNil(t, evals[1].CCPSNR)
	assert.Equal(t, 31.5, *evals[1].CCPSNR)
	assert.Nil(t, evals[1].CCSSIM)
}

// ----------------------------------------------------------------------------
// Busy retry
// ----------------------------------------------------------------------------

func TestIsSQLiteBusy(t *testing.T) {
	t.Parallel()
	assert.False(t, isSQLiteBusy(nil))
	assert.True(t, isSQLiteBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isSQLiteBusy(errors.New("SQLITE_BUSY")))
	assert.False(t, isSQLiteBusy(errors.New("some other error")))
}

func TestRetryOnBusy(t *testing.T) {
	t.Parallel()
	t.Run("success after retry", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})
	t.Run("non-busy error fails immediately", func(t *testing.T) {
		calls := 0
		want := errors.New("constraint failed")
		err := retryOnBusy(func() error { calls++; return want })
		assert.Equal(t, want, err)
		assert.Equal(t, 1, calls)
	})
	t.Run("max attempts", func(t *testing.T) {
		calls := 0
		err := retryOnBusy(func() error { calls++; return errors.New("SQLITE_BUSY") })
		assert.Error(t, err)
		assert.Equal(t, maxBusyAttempts, calls)
	})
}

// ----------------------------------------------------------------------------
// Admin routes
// ----------------------------------------------------------------------------

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	require.NoError(t, db.CreateRun(&Run{ResultDir: "/out", DataDir: "/data", Strategy: "default"}))
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	t.Run("runs", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, loopbackRequest(http.MethodGet, "/debug/runs"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var runs []*Run
		require.NoError(t, json.NewDecoder(w.Body).Decode(&runs))
		assert.Len(t, runs, 1)
	})

	t.Run("backup", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, loopbackRequest(http.MethodGet, "/debug/backup"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
		assert.True(t, strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment; filename=backup-"))
		gr, err := gzip.NewReader(w.Body)
		require.NoError(t, err)
		data, err := io.ReadAll(gr)
		require.NoError(t, err)
		require.Greater(t, len(data), 16)
		assert.Equal(t, "SQLite format 3", string(data[:15]))
	})
}
