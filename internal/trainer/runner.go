// Package trainer runs the joint optimization of the albedo and shading
// populations and the per-image tone grid against a time-lapse collection.
//
// A Runner owns every mutable piece of a run. Step holds the run mutex from
// the data fetch through the last density edit, so the viewer's Render calls
// always see a consistent snapshot between steps.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/timesplat/internal/checkpoint"
	"github.com/banshee-data/timesplat/internal/compress"
	"github.com/banshee-data/timesplat/internal/config"
	"github.com/banshee-data/timesplat/internal/dataset"
	"github.com/banshee-data/timesplat/internal/density"
	"github.com/banshee-data/timesplat/internal/eval"
	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/optim"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/rundb"
	"github.com/banshee-data/timesplat/internal/splat"
	"github.com/banshee-data/timesplat/internal/timeutil"
	"github.com/banshee-data/timesplat/internal/tonegrid"
)

// SceneScale is the fixed extent of the orthographic scene volume.
const SceneScale = 1.1

// tvWeight scales the tone grid smoothness penalty.
const tvWeight = 10.0

var (
	// ErrSparseWithoutPacked is returned by the first step that needs a
	// sparse update when packed rasterization is off.
	ErrSparseWithoutPacked = errors.New("sparse gradients are only implemented for packed mode")
	// ErrNoValidation is returned by Evaluate when the run has no val split.
	ErrNoValidation = errors.New("no validation split")
)

// Scene is the training split as the runner needs it. *dataset.Dataset
// implements it.
type Scene interface {
	dataset.Source
	Size() (int, int)
	Camera() raster.Camera
	Times() []float64
	SunAngles() [][2]float64
	TimeGap() float64
	SunStd() [2]float64
	Cursor(pos, hour float64) (time.Time, float64, [2]float64)
}

// Options configures New. Config and Train are required.
type Options struct {
	Config *config.TrainingConfig
	Train  Scene
	// Val is scored at the eval steps; nil disables evaluation
	Val dataset.Source

	// Rasterizer defaults to raster.CPU{}
	Rasterizer raster.Rasterizer
	// FS defaults to the OS filesystem
	FS fsutil.FileSystem
	// Clock defaults to the real clock
	Clock timeutil.Clock
	// DB records stats, checkpoints and evaluations under RunID when set
	DB    *rundb.DB
	RunID string
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
	// Noise drives initialization and label noise; defaults to a PCG seeded
	// from Config.Seed
	Noise splat.NoiseSource
}

// StepInfo summarizes one completed training step.
type StepInfo struct {
	Step       int           `json:"step"`
	Loss       float64       `json:"loss"`
	L1         float64       `json:"l1"`
	SSIM       float64       `json:"ssim"`
	TV         float64       `json:"tv"`
	NumSplats  int           `json:"num_splats"`
	NumShading int           `json:"num_shading"`
	Rays       int           `json:"rays"`
	Took       time.Duration `json:"took"`
	Elapsed    float64       `json:"elapsed_secs"` // since training started
}

// Runner holds the populations, the tone grid and the loop state of a run.
type Runner struct {
	cfg    *config.TrainingConfig
	scene  Scene
	val    dataset.Source
	rast   raster.Rasterizer
	fs     fsutil.FileSystem
	clock  timeutil.Clock
	db     *rundb.DB
	runID  string
	logger *log.Logger
	noise  splat.NoiseSource
	mode   optim.Mode

	// OnStep is called after every step with the run mutex released.
	OnStep func(StepInfo)

	mu       sync.Mutex
	paused   atomic.Bool
	albedo   *Population
	shading  *Population // nil when shading is disabled
	grid     *tonegrid.Grid
	gridOpt  *optim.Adam
	gridSch  *optim.Scheduler
	loader   *dataset.Loader
	step     int
	started  time.Time
	history  []StepInfo
	evals    []*eval.Result
	lastInfo StepInfo
}

// New seeds the populations from the training labels and builds their
// strategies and optimizers.
func New(opts Options) (*Runner, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("trainer: config is required")
	}
	if opts.Train == nil || opts.Train.Len() == 0 {
		return nil, errors.New("trainer: empty training split")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:    cfg,
		scene:  opts.Train,
		val:    opts.Val,
		rast:   opts.Rasterizer,
		fs:     opts.FS,
		clock:  opts.Clock,
		db:     opts.DB,
		runID:  opts.RunID,
		logger: opts.Logger,
		noise:  opts.Noise,
		mode:   optim.ParseMode(cfg.GetSparseGrad(), cfg.GetVisibleAdam()),
	}
	if r.rast == nil {
		r.rast = raster.CPU{}
	}
	if r.fs == nil {
		r.fs = fsutil.OSFileSystem{}
	}
	if r.clock == nil {
		r.clock = timeutil.RealClock{}
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	if r.noise == nil {
		seed := cfg.GetSeed()
		r.noise = rand.New(rand.NewPCG(seed, seed^0x5eed))
	}

	var err error
	if r.albedo, err = r.newPopulation(false); err != nil {
		return nil, err
	}
	if cfg.GetUseShading() {
		if r.shading, err = r.newPopulation(true); err != nil {
			return nil, err
		}
	}
	if cfg.GetUseToneGrid() {
		if r.grid, err = tonegrid.New(r.scene.Len(), cfg.GetToneGridShape()); err != nil {
			return nil, err
		}
		r.gridOpt, r.gridSch = r.grid.NewOptimizer(cfg.GetToneGridLR(), cfg.GetMaxSteps())
	}
	r.logger.Printf("[Trainer] initialized %d splats, %d shading splats, optimizer mode %s",
		r.albedo.Len(), r.numShading(), r.mode)
	return r, nil
}

func (r *Runner) newPopulation(shading bool) (*Population, error) {
	cfg := r.cfg
	sc := cfg.Strategy
	name := Albedo
	if shading {
		sc = cfg.ShadingStrategy
		name = Shading
	}
	store, err := splat.Initialize(splat.InitOptions{
		NumPoints:   cfg.GetInitNumPts(),
		Extent:      cfg.GetInitExtent(),
		SceneScale:  SceneScale,
		AspectRatio: cfg.GetAspectRatio(),
		Opacity:     cfg.GetInitOpa(),
		Scale:       cfg.GetInitScale(),
		Shading:     shading,
		Times:       r.scene.Times(),
		SunAngles:   r.scene.SunAngles(),
	}, r.noise)
	if err != nil {
		return nil, fmt.Errorf("%s: initialize: %w", name, err)
	}
	seed := cfg.GetSeed()
	if shading {
		seed++
	}
	strategy, err := density.New(sc.Density(seed))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	ro := raster.DefaultOptions()
	ro.Near = cfg.GetNearPlane()
	ro.Far = cfg.GetFarPlane()
	ro.Packed = cfg.GetPacked()
	ro.Absgrad = sc.GetAbsgrad()
	ro.Workers = cfg.GetWorkers()
	if cfg.GetAntialiased() {
		ro.Mode = raster.Antialiased
	}
	if shading {
		ro.Background = []float64{1}
	}
	lrs := LearningRates(cfg.GetMeansLR(), cfg.GetScalesLR(), cfg.GetOpacitiesLR(), cfg.GetQuatsLR(), cfg.GetColorsLR(), SceneScale)
	return NewPopulation(name, store, strategy, lrs, SceneScale, cfg.GetMaxSteps(), ro)
}

func (r *Runner) numShading() int {
	if r.shading == nil {
		return 0
	}
	return r.shading.Len()
}

func (r *Runner) populations() []*Population {
	if r.shading == nil {
		return []*Population{r.albedo}
	}
	return []*Population{r.albedo, r.shading}
}

// Train runs steps until max_steps, ctx is cancelled or a step fails. The
// effective config is written to cfg.json in the result directory first.
func (r *Runner) Train(ctx context.Context) error {
	if err := r.dumpConfig(); err != nil {
		return err
	}
	defer r.Close()
	maxSteps := r.cfg.GetMaxSteps()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.waitWhilePaused(ctx); err != nil {
			return err
		}
		if r.Step() >= maxSteps {
			break
		}
		info, err := r.RunStep(ctx)
		if err != nil {
			return fmt.Errorf("step %d: %w", info.Step, err)
		}
		if r.OnStep != nil {
			r.OnStep(info)
		}
	}
	r.logger.Printf("[Trainer] finished %d steps", maxSteps)
	return nil
}

func (r *Runner) waitWhilePaused(ctx context.Context) error {
	for r.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(10 * time.Millisecond):
		}
	}
	return nil
}

// SetPaused stops or resumes Train between steps.
func (r *Runner) SetPaused(p bool) {
	if r.paused.Swap(p) != p {
		r.logger.Printf("[Trainer] paused=%v", p)
	}
}

// Paused reports whether training is paused.
func (r *Runner) Paused() bool { return r.paused.Load() }

// Step returns the index of the next step to run.
func (r *Runner) Step() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// Counts returns the live primitive counts per population.
func (r *Runner) Counts() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts()
}

func (r *Runner) counts() map[string]int {
	out := map[string]int{Albedo: r.albedo.Len()}
	if r.shading != nil {
		out[Shading] = r.shading.Len()
	}
	return out
}

// History returns the step summaries recorded every stats_every steps.
func (r *Runner) History() []StepInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

// Evaluations returns every evaluation result of the run so far.
func (r *Runner) Evaluations() []*eval.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.evals)
}

// Last returns the summary of the most recent step.
func (r *Runner) Last() StepInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastInfo
}

// Close stops the data loader.
func (r *Runner) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loader != nil {
		r.loader.Close()
		r.loader = nil
	}
}

func (r *Runner) dumpConfig() error {
	dir := r.cfg.GetResultDir()
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return r.fs.WriteFile(filepath.Join(dir, "cfg.json"), data, 0o644)
}

func (r *Runner) elapsed() float64 {
	if r.started.IsZero() {
		return 0
	}
	return r.clock.Since(r.started).Seconds()
}

func (r *Runner) isStep(steps []int, step int) bool {
	for _, s := range steps {
		if step == s-1 {
			return true
		}
	}
	return false
}

// Checkpoint snapshots both populations and the tone grid at the current
// step.
func (r *Runner) Checkpoint() *checkpoint.Checkpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(r.step)
}

func (r *Runner) snapshot(step int) *checkpoint.Checkpoint {
	stores := map[string]*splat.Store{Albedo: r.albedo.Store}
	if r.shading != nil {
		stores[Shading] = r.shading.Store
	}
	return checkpoint.FromStores(step, stores, r.grid)
}

func (r *Runner) saveCheckpoint(step int) error {
	dir := filepath.Join(r.cfg.GetResultDir(), "ckpts")
	if err := r.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	path := filepath.Join(dir, checkpoint.FileName(step))
	if err := checkpoint.Save(r.fs, path, r.snapshot(step)); err != nil {
		return err
	}
	statsPath, err := checkpoint.WriteStats(r.fs, filepath.Join(r.cfg.GetResultDir(), "stats"), "train", checkpoint.Stats{
		Step:        step,
		MemGB:       checkpoint.HeapHighWater(),
		ElapsedSecs: r.elapsed(),
		NumSplats:   r.counts(),
	})
	if err != nil {
		return err
	}
	r.logger.Printf("[Trainer] step %d: saved %s and %s", step, path, statsPath)
	if r.db != nil {
		if err := r.db.RecordCheckpoint(rundb.CheckpointRecord{
			RunID: r.runID, Step: step, Path: path,
			NumSplats: r.albedo.Len(), NumShading: r.numShading(),
		}); err != nil {
			r.logger.Printf("[Trainer] failed to record checkpoint: %v", err)
		}
	}
	return nil
}

// LoadCheckpoint replaces the populations and tone grid with the contents
// of c and resets their optimizer moments. Training resumes at c.Step+1.
func (r *Runner) LoadCheckpoint(c *checkpoint.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.populations() {
		store, err := c.Store(p.Name)
		if err != nil {
			return err
		}
		if err := p.reset(store); err != nil {
			return err
		}
		p.State = p.Strategy.InitializeState(SceneScale)
		p.Means.Seek(c.Step + 1)
	}
	if r.grid != nil {
		g, err := c.ToneGrid()
		if err != nil {
			return err
		}
		if g != nil {
			if g.Images != r.grid.Images || g.Shape != r.grid.Shape {
				return fmt.Errorf("checkpoint tone grid %d x %+v does not match %d x %+v",
					g.Images, g.Shape, r.grid.Images, r.grid.Shape)
			}
			r.grid = g
			r.gridOpt, r.gridSch = g.NewOptimizer(r.cfg.GetToneGridLR(), r.cfg.GetMaxSteps())
			r.gridSch.Seek(c.Step + 1)
		}
	}
	r.step = c.Step + 1
	r.logger.Printf("[Trainer] loaded checkpoint at step %d: %v", c.Step, r.counts())
	return nil
}

// Compress round-trips each population through the configured codec and
// evaluates the decompressed result under the "compress" stage.
func (r *Runner) Compress(ctx context.Context, step int) (*eval.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compress(ctx, step)
}

func (r *Runner) compress(ctx context.Context, step int) (*eval.Result, error) {
	codec, err := compress.New(r.cfg.GetCompression())
	if err != nil {
		return nil, err
	}
	for _, p := range r.populations() {
		dir := filepath.Join(r.cfg.GetResultDir(), "compression", p.Name)
		if err := codec.Compress(r.fs, dir, p.Store.Arrays()); err != nil {
			return nil, fmt.Errorf("%s: compress: %w", p.Name, err)
		}
		arrays, err := codec.Decompress(r.fs, dir)
		if err != nil {
			return nil, fmt.Errorf("%s: decompress: %w", p.Name, err)
		}
		if err := p.Store.Assign(arrays); err != nil {
			return nil, fmt.Errorf("%s: %w", p.Name, err)
		}
	}
	r.logger.Printf("[Trainer] step %d: %s compression written", step, codec.Name())
	return r.evaluate(ctx, step, "compress")
}

// Evaluate scores the val split at step under stage.
func (r *Runner) Evaluate(ctx context.Context, step int, stage string) (*eval.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evaluate(ctx, step, stage)
}

func (r *Runner) evaluate(ctx context.Context, step int, stage string) (*eval.Result, error) {
	if r.val == nil {
		return nil, ErrNoValidation
	}
	h := &eval.Harness{
		Source:       r.val,
		Render:       r.renderSample,
		FS:           r.fs,
		ResultDir:    r.cfg.GetResultDir(),
		ColorCorrect: r.grid != nil,
		Clock:        r.clock,
		DB:           r.db,
		RunID:        r.runID,
		Logger:       r.logger,
	}
	res, err := h.Run(ctx, step, stage, r.counts())
	if err != nil {
		return nil, err
	}
	r.evals = append(r.evals, res)
	return res, nil
}
