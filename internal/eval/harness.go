// Package eval scores a trained scene against a held-out split. For every
// sample it renders a prediction, writes a side-by-side canvas and computes
// PSNR and SSIM, plus colour-corrected variants when the run trains a tone
// grid. Means are written as a stats file and recorded in the run database.
package eval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/timesplat/internal/checkpoint"
	"github.com/banshee-data/timesplat/internal/dataset"
	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/loss"
	"github.com/banshee-data/timesplat/internal/rundb"
	"github.com/banshee-data/timesplat/internal/timeutil"
)

// RenderFunc produces the prediction for one evaluation sample.
type RenderFunc func(ctx context.Context, s *dataset.Sample) (loss.Image, error)

// Harness runs evaluation passes. Source, Render and ResultDir are required.
type Harness struct {
	Source    dataset.Source
	Render    RenderFunc
	ResultDir string // canvases go to renders/, stats to stats/

	// ColorCorrect adds cc_psnr and cc_ssim
	ColorCorrect bool
	// SkipCanvases disables the PNG side-by-side output
	SkipCanvases bool

	FS     fsutil.FileSystem
	Clock  timeutil.Clock
	DB     *rundb.DB
	RunID  string
	Logger *log.Logger
}

// Result is the outcome of one pass.
type Result struct {
	Stage           string         `json:"stage"`
	Step            int            `json:"step"`
	PSNR            float64        `json:"psnr"`
	SSIM            float64        `json:"ssim"`
	CCPSNR          *float64       `json:"cc_psnr,omitempty"`
	CCSSIM          *float64       `json:"cc_ssim,omitempty"`
	NumImages       int            `json:"num_images"`
	ElapsedPerImage float64        `json:"elapsed_per_image"`
	NumSplats       map[string]int `json:"num_GS"`
	StatsPath       string         `json:"stats_path"`
}

// CanvasName is the file name of the i-th canvas of a pass.
func CanvasName(stage string, step, i int) string {
	return fmt.Sprintf("%s_step%d_%04d.png", stage, step, i)
}

func (h *Harness) defaults() {
	if h.FS == nil {
		h.FS = fsutil.OSFileSystem{}
	}
	if h.Clock == nil {
		h.Clock = timeutil.RealClock{}
	}
	if h.Logger == nil {
		h.Logger = log.Default()
	}
}

// Run evaluates every sample of Source at step under stage. numSplats is
// copied into the stats file.
func (h *Harness) Run(ctx context.Context, step int, stage string, numSplats map[string]int) (*Result, error) {
	h.defaults()
	if h.Source == nil || h.Render == nil {
		return nil, errors.New("eval: source and render are required")
	}
	n := h.Source.Len()
	if n == 0 {
		return nil, errors.New("eval: empty split")
	}
	renderDir := filepath.Join(h.ResultDir, "renders")
	if !h.SkipCanvases {
		if err := h.FS.MkdirAll(renderDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create render directory: %w", err)
		}
	}

	var (
		psnr, ssim, ccPSNR, ccSSIM []float64
		elapsed                    time.Duration
	)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := h.Source.Get(i)
		if err != nil {
			return nil, err
		}
		tic := h.Clock.Now()
		pred, err := h.Render(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("render sample %d: %w", i, err)
		}
		elapsed += h.Clock.Since(tic)
		pred = pred.Clamp()

		if !h.SkipCanvases {
			if err := h.writeCanvas(filepath.Join(renderDir, CanvasName(stage, step, i)), s.Image, pred); err != nil {
				return nil, err
			}
		}
		m, err := loss.Evaluate(pred, s.Image)
		if err != nil {
			return nil, fmt.Errorf("score sample %d: %w", i, err)
		}
		psnr = append(psnr, m.PSNR)
		ssim = append(ssim, m.SSIM)
		ccPSNR = append(ccPSNR, m.CCPSNR)
		ccSSIM = append(ccSSIM, m.CCSSIM)
	}

	res := &Result{
		Stage:           stage,
		Step:            step,
		PSNR:            stat.Mean(psnr, nil),
		SSIM:            stat.Mean(ssim, nil),
		NumImages:       n,
		ElapsedPerImage: elapsed.Seconds() / float64(n),
		NumSplats:       numSplats,
	}
	metrics := map[string]any{"psnr": res.PSNR, "ssim": res.SSIM}
	if h.ColorCorrect {
		cp, cs := stat.Mean(ccPSNR, nil), stat.Mean(ccSSIM, nil)
		res.CCPSNR, res.CCSSIM = &cp, &cs
		metrics["cc_psnr"], metrics["cc_ssim"] = cp, cs
		h.Logger.Printf("[Eval] %s step %d: PSNR %.3f SSIM %.4f CC_PSNR %.3f CC_SSIM %.4f (%.3fs/image, %v)",
			stage, step, res.PSNR, res.SSIM, cp, cs, res.ElapsedPerImage, numSplats)
	} else {
		h.Logger.Printf("[Eval] %s step %d: PSNR %.3f SSIM %.4f (%.3fs/image, %v)",
			stage, step, res.PSNR, res.SSIM, res.ElapsedPerImage, numSplats)
	}
	metrics["elapsed_per_image"] = res.ElapsedPerImage

	path, err := checkpoint.WriteStats(h.FS, filepath.Join(h.ResultDir, "stats"), stage, checkpoint.Stats{
		Step:        step,
		MemGB:       checkpoint.HeapHighWater(),
		ElapsedSecs: elapsed.Seconds(),
		NumSplats:   numSplats,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}
	res.StatsPath = path

	if h.DB != nil {
		if err := h.DB.InsertEvaluation(&rundb.Evaluation{
			RunID:           h.RunID,
			Stage:           stage,
			Step:            step,
			PSNR:            res.PSNR,
			SSIM:            res.SSIM,
			CCPSNR:          res.CCPSNR,
			CCSSIM:          res.CCSSIM,
			NumImages:       n,
			ElapsedPerImage: res.ElapsedPerImage,
		}); err != nil {
			h.Logger.Printf("[Eval] failed to record evaluation: %v", err)
		}
	}
	return res, nil
}

func (h *Harness) writeCanvas(path string, target, pred loss.Image) error {
	canvas, err := loss.SideBySide(target, pred)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas.NRGBA()); err != nil {
		return fmt.Errorf("failed to encode canvas: %w", err)
	}
	return h.FS.WriteFile(path, buf.Bytes(), 0o644)
}
