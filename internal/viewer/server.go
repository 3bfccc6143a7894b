// Package viewer serves an HTTP interface to a running training job: rendered
// frames at a date and hour cursor, pause and resume, step statistics and
// charts, the run database admin routes, and a gRPC telemetry stream.
package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/timesplat/internal/eval"
	"github.com/banshee-data/timesplat/internal/rundb"
	"github.com/banshee-data/timesplat/internal/trainer"
)

// Trainer is the slice of *trainer.Runner the viewer uses.
type Trainer interface {
	Render(ctx context.Context, req trainer.ViewRequest) (*trainer.View, error)
	SetPaused(bool)
	Paused() bool
	Step() int
	Last() trainer.StepInfo
	History() []trainer.StepInfo
	Counts() map[string]int
	Evaluations() []*eval.Result
}

// Config contains configuration options for the viewer.
type Config struct {
	Address string
	Trainer Trainer
	// DB mounts the run database admin routes under /debug/ when set
	DB *rundb.DB
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// Server is the viewer's HTTP server.
type Server struct {
	address string
	trainer Trainer
	db      *rundb.DB
	logger  *log.Logger
	server  *http.Server
}

// NewServer creates a viewer from cfg.
func NewServer(cfg Config) (*Server, error) {
	s := &Server{
		address: cfg.Address,
		trainer: cfg.Trainer,
		db:      cfg.DB,
		logger:  cfg.Logger,
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	mux, err := s.setupRoutes()
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{Addr: s.address, Handler: mux}
	return s, nil
}

// Handler returns the viewer's routes.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until ctx is cancelled, then shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Printf("[Viewer] listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("viewer server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Printf("[Viewer] shutdown error: %v", err)
		if err := s.server.Close(); err != nil {
			s.logger.Printf("[Viewer] force close error: %v", err)
		}
	}
	s.logger.Printf("[Viewer] stopped")
	return nil
}

func (s *Server) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/render", s.handleRender)
	mux.HandleFunc("/api/pause", s.handlePause(true))
	mux.HandleFunc("/api/resume", s.handlePause(false))
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/charts", s.handleCharts)
	if s.db != nil {
		if err := s.db.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		s.logger.Printf("[Viewer] failed to encode error: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("[Viewer] failed to encode response: %v", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{"status": "ok", "step": s.trainer.Step()})
}

// handleRender returns a PNG of the scene at a date cursor.
// Query params:
//   - pos: position in [0,1] along the captured date range (default 0.5)
//   - hour: local hour of day (default 12)
//   - w, h: image size (default: training size)
//   - mode: full, albedo, shading or alpha (default full)
func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	q := r.URL.Query()
	req := trainer.ViewRequest{Position: 0.5, Hour: 12, Mode: trainer.RenderMode(q.Get("mode"))}
	var err error
	if req.Position, err = floatParam(q.Get("pos"), req.Position, 0, 1); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "pos: "+err.Error())
		return
	}
	if req.Hour, err = floatParam(q.Get("hour"), req.Hour, 0, 24); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "hour: "+err.Error())
		return
	}
	if req.Width, err = intParam(q.Get("w"), 0, 4096); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "w: "+err.Error())
		return
	}
	if req.Height, err = intParam(q.Get("h"), 0, 4096); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "h: "+err.Error())
		return
	}

	view, err := s.trainer.Render(r.Context(), req)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, view.Image); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode frame: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Date", view.Date.Format(time.RFC3339))
	w.Header().Set("X-Time-Label", strconv.FormatFloat(view.TimeLabel, 'f', 6, 64))
	w.Header().Set("X-Step", strconv.Itoa(view.Step))
	for name, n := range view.Counts {
		w.Header().Add("X-Primitives", fmt.Sprintf("%s=%d", name, n))
	}
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.trainer.SetPaused(paused)
		s.writeJSON(w, map[string]bool{"paused": s.trainer.Paused()})
	}
}

type statsResponse struct {
	Step        int              `json:"step"`
	Paused      bool             `json:"paused"`
	Counts      map[string]int   `json:"counts"`
	Last        trainer.StepInfo `json:"last"`
	RaysPerSec  float64          `json:"rays_per_sec"`
	Evaluations []*eval.Result   `json:"evaluations"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	last := s.trainer.Last()
	s.writeJSON(w, statsResponse{
		Step:        s.trainer.Step(),
		Paused:      s.trainer.Paused(),
		Counts:      s.trainer.Counts(),
		Last:        last,
		RaysPerSec:  RaysPerSec(last),
		Evaluations: s.trainer.Evaluations(),
	})
}

// RaysPerSec is the pixel throughput of one step.
func RaysPerSec(info trainer.StepInfo) float64 {
	if info.Took <= 0 {
		return 0
	}
	return float64(info.Rays) / info.Took.Seconds()
}

func floatParam(v string, def, lo, hi float64) (float64, error) {
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	if f < lo || f > hi {
		return 0, fmt.Errorf("%g outside [%g, %g]", f, lo, hi)
	}
	return f, nil
}

func intParam(v string, lo, hi int) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d outside [%d, %d]", n, lo, hi)
	}
	return n, nil
}
