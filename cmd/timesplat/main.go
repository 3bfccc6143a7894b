package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/timesplat/internal/checkpoint"
	"github.com/banshee-data/timesplat/internal/config"
	"github.com/banshee-data/timesplat/internal/dataset"
	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/monitoring"
	"github.com/banshee-data/timesplat/internal/report"
	"github.com/banshee-data/timesplat/internal/rundb"
	"github.com/banshee-data/timesplat/internal/security"
	"github.com/banshee-data/timesplat/internal/trainer"
	"github.com/banshee-data/timesplat/internal/version"
	"github.com/banshee-data/timesplat/internal/viewer"
)

// Environment variables read (after .env) as flag defaults.
const (
	envPreset    = "TIMESPLAT_PRESET"
	envConfig    = "TIMESPLAT_CONFIG"
	envDataDir   = "TIMESPLAT_DATA_DIR"
	envResultDir = "TIMESPLAT_RESULT_DIR"
	envDBPath    = "TIMESPLAT_DB"
	envViewer    = "TIMESPLAT_VIEWER_ADDR"
)

type options struct {
	preset        string
	configPath    string
	dataDir       string
	resultDir     string
	dbPath        string
	ckpts         []string
	compression   string
	viewerAddr    string
	telemetryAddr string
	disableViewer bool
	exitAfterRun  bool
	verbose       bool
	showVersion   bool
}

func parseFlags(args []string, getenv func(string) string) (*options, error) {
	envOr := func(name, def string) string {
		if v := getenv(name); v != "" {
			return v
		}
		return def
	}
	o := &options{}
	var ckpt string
	fs := flag.NewFlagSet("timesplat", flag.ContinueOnError)
	fs.StringVar(&o.preset, "preset", envOr(envPreset, "default"), "Launch preset ("+strings.Join(config.Presets(), ", ")+")")
	fs.StringVar(&o.configPath, "config", envOr(envConfig, ""), "Training config JSON merged over the preset")
	fs.StringVar(&o.dataDir, "data-dir", envOr(envDataDir, ""), "Time-lapse dataset directory")
	fs.StringVar(&o.resultDir, "result-dir", envOr(envResultDir, ""), "Directory for checkpoints, stats and renders")
	fs.StringVar(&o.dbPath, "db", envOr(envDBPath, ""), "Run database path (default <result-dir>/runs.db)")
	fs.StringVar(&ckpt, "ckpt", "", "Comma-separated checkpoints to evaluate instead of training")
	fs.StringVar(&o.compression, "compression", "", "Compress the final populations with this codec")
	fs.StringVar(&o.viewerAddr, "viewer", envOr(envViewer, ""), "Viewer listen address")
	fs.StringVar(&o.telemetryAddr, "telemetry", "", "gRPC telemetry listen address")
	fs.BoolVar(&o.disableViewer, "disable-viewer", false, "Do not start the viewer")
	fs.BoolVar(&o.exitAfterRun, "exit", false, "Exit when the run finishes instead of keeping the viewer up")
	fs.BoolVar(&o.verbose, "verbose", false, "Log density controller summaries")
	fs.BoolVar(&o.showVersion, "version", false, "Print version information and exit")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	for _, p := range strings.Split(ckpt, ",") {
		if p = strings.TrimSpace(p); p != "" {
			o.ckpts = append(o.ckpts, p)
		}
	}
	return o, nil
}

// buildConfig layers the preset, the config file and the flags, validates
// the result and applies steps_scaler.
func buildConfig(o *options) (*config.TrainingConfig, error) {
	cfg, err := config.Preset(o.preset)
	if err != nil {
		return nil, err
	}
	if o.configPath != "" {
		file, err := config.LoadTrainingConfig(o.configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Merge(file); err != nil {
			return nil, err
		}
	}

	flags := config.EmptyTrainingConfig()
	setString := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	setString(&flags.DataDir, o.dataDir)
	setString(&flags.ResultDir, o.resultDir)
	setString(&flags.DBPath, o.dbPath)
	setString(&flags.Compression, o.compression)
	setString(&flags.ViewerAddr, o.viewerAddr)
	setString(&flags.TelemetryAddr, o.telemetryAddr)
	if o.disableViewer {
		flags.DisableViewer = &o.disableViewer
	}
	if len(o.ckpts) > 0 {
		flags.Ckpt = o.ckpts
	}
	if err := cfg.Merge(flags); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if f := cfg.GetStepsScaler(); f != 1 {
		cfg.AdjustSteps(f)
	}
	return cfg, nil
}

func main() {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	opts, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("%v", err)
	}
	if opts.showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("timesplat: %v", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) (err error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}
	monitoring.SetVerbose(opts.verbose)
	log.Printf("[Main] %s", version.String())

	resultDir := cfg.GetResultDir()
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}
	for _, p := range cfg.Ckpt {
		if err := validateCheckpointPath(p); err != nil {
			return err
		}
	}

	train, err := dataset.Open(cfg.GetDataDir(), dataset.Options{Split: dataset.SplitTrain, TestEvery: cfg.GetTestEvery()})
	if err != nil {
		return fmt.Errorf("failed to open training split: %w", err)
	}
	var val dataset.Source
	if cfg.GetTestEvery() > 0 {
		v, err := dataset.Open(cfg.GetDataDir(), dataset.Options{Split: dataset.SplitVal, TestEvery: cfg.GetTestEvery()})
		if err != nil {
			return fmt.Errorf("failed to open validation split: %w", err)
		}
		val = v
	}
	w, h := train.Size()
	log.Printf("[Main] %d training frames (%dx%d) from %s", train.Len(), w, h, cfg.GetDataDir())

	db, err := rundb.Open(cfg.GetDBPath())
	if err != nil {
		return err
	}
	defer db.Close()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	rec := &rundb.Run{
		ResultDir:  resultDir,
		DataDir:    cfg.GetDataDir(),
		Strategy:   string(cfg.Strategy.GetKind()),
		Shading:    cfg.GetUseShading(),
		MaxSteps:   cfg.GetMaxSteps(),
		ConfigJSON: cfgJSON,
	}
	if err := db.CreateRun(rec); err != nil {
		return err
	}
	defer func() {
		if ferr := db.FinishRun(rec.RunID, err); ferr != nil {
			log.Printf("[Main] failed to finish run %s: %v", rec.RunID, ferr)
		}
	}()

	runner, err := trainer.New(trainer.Options{Config: cfg, Train: train, Val: val, DB: db, RunID: rec.RunID})
	if err != nil {
		return err
	}

	if addr := cfg.GetTelemetryAddr(); addr != "" {
		tel := viewer.NewTelemetry(addr, nil)
		if err := tel.Start(); err != nil {
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
		defer tel.Stop()
		runner.OnStep = tel.Publish
	}

	g, gctx := errgroup.WithContext(ctx)
	viewerCtx, stopViewer := context.WithCancel(gctx)
	defer stopViewer()
	if !cfg.GetDisableViewer() {
		srv, err := viewer.NewServer(viewer.Config{Address: cfg.GetViewerAddr(), Trainer: runner, DB: db})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Start(viewerCtx) })
	}

	g.Go(func() error {
		if err := execute(gctx, cfg, runner); err != nil {
			return err
		}
		if err := writeReport(db, rec.RunID, resultDir); err != nil {
			log.Printf("[Main] %v", err)
		}
		if cfg.GetDisableViewer() || opts.exitAfterRun {
			stopViewer()
			return nil
		}
		log.Printf("[Main] run finished; viewer still up on %s, Ctrl+C to exit", cfg.GetViewerAddr())
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// execute trains, or evaluates the merged checkpoints when any are given.
func execute(ctx context.Context, cfg *config.TrainingConfig, runner *trainer.Runner) error {
	if len(cfg.Ckpt) == 0 {
		return runner.Train(ctx)
	}
	defer runner.Close()
	c, err := checkpoint.LoadAll(fsutil.OSFileSystem{}, cfg.Ckpt...)
	if err != nil {
		return err
	}
	if err := runner.LoadCheckpoint(c); err != nil {
		return err
	}
	if _, err := runner.Evaluate(ctx, c.Step, "val"); err != nil {
		if !errors.Is(err, trainer.ErrNoValidation) {
			return err
		}
		log.Printf("[Main] no validation split; skipping evaluation")
	}
	if cfg.GetCompression() != "" {
		if _, err := runner.Compress(ctx, c.Step); err != nil && !errors.Is(err, trainer.ErrNoValidation) {
			return err
		}
	}
	return nil
}

func writeReport(db *rundb.DB, runID, resultDir string) error {
	stats, err := db.ListTrainStats(runID)
	if err != nil {
		return fmt.Errorf("failed to read training stats: %w", err)
	}
	if len(stats) == 0 {
		return nil
	}
	paths, err := report.WriteCurves(fsutil.OSFileSystem{}, filepath.Join(resultDir, "report"), stats)
	if err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	log.Printf("[Main] wrote %s", strings.Join(paths, ", "))
	return nil
}

// validateCheckpointPath requires the checkpoint extension and rejects
// relative paths that climb out of the working directory.
func validateCheckpointPath(p string) error {
	if !strings.HasSuffix(p, ".gob.gz") {
		return fmt.Errorf("checkpoint %q must be a .gob.gz file", p)
	}
	if filepath.IsAbs(p) {
		return nil
	}
	if err := security.ValidateRelativePath(p); err != nil {
		return fmt.Errorf("checkpoint %q: %w", p, err)
	}
	return nil
}
