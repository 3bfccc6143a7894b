package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/banshee-data/timesplat/internal/compress"
	"github.com/banshee-data/timesplat/internal/density"
	"github.com/banshee-data/timesplat/internal/tonegrid"
)

// DefaultConfigPath is the path to the canonical training defaults file.
const DefaultConfigPath = "config/training.defaults.json"

const maxConfigSize = 1 * 1024 * 1024 // 1MB

// TrainingConfig is the root run configuration. Every field is optional in
// JSON; the Get* accessors supply the default for anything left unset.
type TrainingConfig struct {
	// Dataset and output
	DataDir     *string  `json:"data_dir,omitempty"`
	ResultDir   *string  `json:"result_dir,omitempty"`
	TestEvery   *int     `json:"test_every,omitempty"`
	AspectRatio *float64 `json:"aspect_ratio,omitempty"`
	Workers     *int     `json:"workers,omitempty"`
	Seed        *uint64  `json:"seed,omitempty"`
	DBPath      *string  `json:"db_path,omitempty"`

	// Eval-only mode: checkpoints concatenated along N
	Ckpt        []string `json:"ckpt,omitempty"`
	Compression *string  `json:"compression,omitempty"`

	// Viewer
	DisableViewer *bool   `json:"disable_viewer,omitempty"`
	ViewerAddr    *string `json:"viewer_addr,omitempty"`
	TelemetryAddr *string `json:"telemetry_addr,omitempty"`

	// Schedule
	StepsScaler *float64 `json:"steps_scaler,omitempty"`
	MaxSteps    *int     `json:"max_steps,omitempty"`
	EvalSteps   []int    `json:"eval_steps,omitempty"`
	SaveSteps   []int    `json:"save_steps,omitempty"`
	StatsEvery  *int     `json:"stats_every,omitempty"`

	// Shading and label noise
	UseShading      *bool    `json:"use_shading,omitempty"`
	TimeNoiseScale  *float64 `json:"time_noise_scale,omitempty"`
	AngleNoiseScale *float64 `json:"angle_noise_scale,omitempty"`

	// Initialization
	InitNumPts *int     `json:"init_num_pts,omitempty"`
	InitExtent *float64 `json:"init_extent,omitempty"`
	InitOpa    *float64 `json:"init_opa,omitempty"`
	InitScale  *float64 `json:"init_scale,omitempty"`

	// Loss
	SSIMLambda *float64 `json:"ssim_lambda,omitempty"`
	OpacityReg *float64 `json:"opacity_reg,omitempty"`
	ScaleReg   *float64 `json:"scale_reg,omitempty"`

	// Rasterization
	NearPlane   *float64 `json:"near_plane,omitempty"`
	FarPlane    *float64 `json:"far_plane,omitempty"`
	Antialiased *bool    `json:"antialiased,omitempty"`
	Packed      *bool    `json:"packed,omitempty"`

	// Optimization
	SparseGrad  *bool    `json:"sparse_grad,omitempty"`
	VisibleAdam *bool    `json:"visible_adam,omitempty"`
	MeansLR     *float64 `json:"means_lr,omitempty"`
	ScalesLR    *float64 `json:"scales_lr,omitempty"`
	OpacitiesLR *float64 `json:"opacities_lr,omitempty"`
	QuatsLR     *float64 `json:"quats_lr,omitempty"`
	ColorsLR    *float64 `json:"colors_lr,omitempty"`

	// Tone grid
	UseToneGrid   *bool           `json:"use_tone_grid,omitempty"`
	ToneGridShape *tonegrid.Shape `json:"tone_grid_shape,omitempty"`
	ToneGridLR    *float64        `json:"tone_grid_lr,omitempty"`

	Strategy        *StrategyConfig `json:"strategy,omitempty"`
	ShadingStrategy *StrategyConfig `json:"shading_strategy,omitempty"`
}

// StrategyConfig selects a density strategy. Fields that do not apply to the
// selected kind are ignored.
type StrategyConfig struct {
	Kind    *string `json:"kind,omitempty"`
	Verbose *bool   `json:"verbose,omitempty"`

	// default
	PruneOpa              *float64 `json:"prune_opa,omitempty"`
	GrowGrad2D            *float64 `json:"grow_grad2d,omitempty"`
	GrowScale3D           *float64 `json:"grow_scale3d,omitempty"`
	GrowScale2D           *float64 `json:"grow_scale2d,omitempty"`
	PruneScale3D          *float64 `json:"prune_scale3d,omitempty"`
	PruneScale2D          *float64 `json:"prune_scale2d,omitempty"`
	RefineScale2DStopIter *int     `json:"refine_scale2d_stop_iter,omitempty"`
	RefineStartIter       *int     `json:"refine_start_iter,omitempty"`
	RefineStopIter        *int     `json:"refine_stop_iter,omitempty"`
	ResetEvery            *int     `json:"reset_every,omitempty"`
	RefineEvery           *int     `json:"refine_every,omitempty"`
	PauseRefineAfterReset *int     `json:"pause_refine_after_reset,omitempty"`
	Absgrad               *bool    `json:"absgrad,omitempty"`
	RevisedOpacity        *bool    `json:"revised_opacity,omitempty"`
	ResetSkipNew          *bool    `json:"reset_skip_new,omitempty"`

	// mcmc
	CapMax       *int     `json:"cap_max,omitempty"`
	NoiseLR      *float64 `json:"noise_lr,omitempty"`
	MinOpacity   *float64 `json:"min_opacity,omitempty"`
	GrowthFactor *float64 `json:"growth_factor,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrainingConfig returns a config with every field unset.
func EmptyTrainingConfig() *TrainingConfig {
	return &TrainingConfig{}
}

// Presets lists the names accepted by Preset.
func Presets() []string { return []string{"default", "mcmc"} }

// Preset returns one of the two launch configurations. "default" uses the
// threshold strategy with opacity resets effectively disabled; "mcmc" uses
// the relocation strategy with opacity and scale regularization.
func Preset(name string) (*TrainingConfig, error) {
	switch name {
	case "default":
		return &TrainingConfig{
			Strategy:        &StrategyConfig{Kind: ptrString(string(density.KindDefault)), ResetEvery: ptrInt(100_000), Verbose: ptrBool(true)},
			ShadingStrategy: &StrategyConfig{Kind: ptrString(string(density.KindDefault)), ResetEvery: ptrInt(100_000), Verbose: ptrBool(true)},
		}, nil
	case "mcmc":
		return &TrainingConfig{
			InitOpa:         ptrFloat64(0.5),
			InitScale:       ptrFloat64(0.1),
			OpacityReg:      ptrFloat64(0.01),
			ScaleReg:        ptrFloat64(0.01),
			Strategy:        &StrategyConfig{Kind: ptrString(string(density.KindMCMC)), CapMax: ptrInt(1_000_000), Verbose: ptrBool(true)},
			ShadingStrategy: &StrategyConfig{Kind: ptrString(string(density.KindMCMC)), CapMax: ptrInt(1_000_000), Verbose: ptrBool(true)},
		}, nil
	}
	return nil, fmt.Errorf("unknown preset %q (valid: %s)", name, strings.Join(Presets(), ", "))
}

// LoadTrainingConfig reads a config from a .json file of at most 1MB.
// Omitted fields keep their defaults through the Get* accessors.
func LoadTrainingConfig(path string) (*TrainingConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := EmptyTrainingConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. It panics when the file cannot be found and is
// meant for tests.
func MustLoadDefaultConfig() *TrainingConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrainingConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Merge overlays every field set in o onto c.
func (c *TrainingConfig) Merge(o *TrainingConfig) error {
	if o == nil {
		return nil
	}
	base, err := json.Marshal(c)
	if err != nil {
		return err
	}
	over, err := json.Marshal(o)
	if err != nil {
		return err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return err
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(over, &top); err != nil {
		return err
	}
	for k, v := range top {
		if k == "strategy" || k == "shading_strategy" {
			if prev, ok := merged[k]; ok {
				v, err = mergeObjects(prev, v)
				if err != nil {
					return err
				}
			}
		}
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	*c = TrainingConfig{}
	return json.Unmarshal(out, c)
}

func mergeObjects(a, b json.RawMessage) (json.RawMessage, error) {
	var ma, mb map[string]json.RawMessage
	if err := json.Unmarshal(a, &ma); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &mb); err != nil {
		return nil, err
	}
	for k, v := range mb {
		ma[k] = v
	}
	return json.Marshal(ma)
}

// Validate checks the values that are set.
func (c *TrainingConfig) Validate() error {
	if c.TestEvery != nil && *c.TestEvery < 1 {
		return fmt.Errorf("test_every must be at least 1, got %d", *c.TestEvery)
	}
	if c.MaxSteps != nil && *c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", *c.MaxSteps)
	}
	if c.StepsScaler != nil && *c.StepsScaler <= 0 {
		return fmt.Errorf("steps_scaler must be positive, got %f", *c.StepsScaler)
	}
	if c.InitNumPts != nil && *c.InitNumPts < 0 {
		return fmt.Errorf("init_num_pts must be non-negative, got %d", *c.InitNumPts)
	}
	if c.InitOpa != nil && (*c.InitOpa <= 0 || *c.InitOpa >= 1) {
		return fmt.Errorf("init_opa must be in (0, 1), got %f", *c.InitOpa)
	}
	if c.SSIMLambda != nil && (*c.SSIMLambda < 0 || *c.SSIMLambda > 1) {
		return fmt.Errorf("ssim_lambda must be between 0 and 1, got %f", *c.SSIMLambda)
	}
	for name, v := range map[string]*float64{"opacity_reg": c.OpacityReg, "scale_reg": c.ScaleReg,
		"time_noise_scale": c.TimeNoiseScale, "angle_noise_scale": c.AngleNoiseScale} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	if c.NearPlane != nil && c.FarPlane != nil && *c.NearPlane >= *c.FarPlane {
		return fmt.Errorf("near_plane %f must be below far_plane %f", *c.NearPlane, *c.FarPlane)
	}
	if c.Compression != nil && *c.Compression != "" {
		if _, err := compress.New(*c.Compression); err != nil {
			return err
		}
	}
	if s := c.ToneGridShape; s != nil && (s.X < 2 || s.Y < 2 || s.W < 2) {
		return fmt.Errorf("tone_grid_shape must be at least 2 on every axis, got %+v", *s)
	}
	if err := c.Strategy.Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if err := c.ShadingStrategy.Validate(); err != nil {
		return fmt.Errorf("shading_strategy: %w", err)
	}
	for name, s := range map[string]*StrategyConfig{"strategy": c.Strategy, "shading_strategy": c.ShadingStrategy} {
		if s.GetKind() != density.KindMCMC {
			continue
		}
		if capMax := s.GetCapMax(); c.GetInitNumPts() > capMax {
			return fmt.Errorf("%s: %w: init_num_pts %d, cap_max %d", name, density.ErrCapExceeded, c.GetInitNumPts(), capMax)
		}
	}
	return nil
}

// Validate checks the strategy kind. A nil config is valid.
func (s *StrategyConfig) Validate() error {
	if s == nil {
		return nil
	}
	switch kind := s.GetKind(); kind {
	case density.KindDefault, density.KindMCMC:
	default:
		return fmt.Errorf("%w: %q", density.ErrUnknownStrategy, kind)
	}
	if s.CapMax != nil && *s.CapMax <= 0 {
		return fmt.Errorf("cap_max must be positive, got %d", *s.CapMax)
	}
	return nil
}

// AdjustSteps rescales every step count, and the refine windows of both
// strategies, by factor.
func (c *TrainingConfig) AdjustSteps(factor float64) {
	scale := func(v int) int { return int(float64(v) * factor) }
	for i := range c.EvalSteps {
		c.EvalSteps[i] = scale(c.EvalSteps[i])
	}
	for i := range c.SaveSteps {
		c.SaveSteps[i] = scale(c.SaveSteps[i])
	}
	c.MaxSteps = ptrInt(scale(c.GetMaxSteps()))
	for _, s := range []**StrategyConfig{&c.Strategy, &c.ShadingStrategy} {
		if *s == nil {
			*s = &StrategyConfig{}
		}
		(*s).adjustSteps(scale)
	}
}

func (s *StrategyConfig) adjustSteps(scale func(int) int) {
	s.RefineStartIter = ptrInt(scale(s.GetRefineStartIter()))
	s.RefineStopIter = ptrInt(scale(s.GetRefineStopIter()))
	s.RefineEvery = ptrInt(scale(s.GetRefineEvery()))
	if s.GetKind() == density.KindDefault {
		s.ResetEvery = ptrInt(scale(s.GetResetEvery()))
	}
}

// GetKind returns the strategy kind, mcmc by default.
func (s *StrategyConfig) GetKind() density.Kind {
	if s == nil || s.Kind == nil {
		return density.KindMCMC
	}
	return density.Kind(*s.Kind)
}

// GetRefineStartIter returns the first step refinement may run after.
func (s *StrategyConfig) GetRefineStartIter() int {
	if s == nil || s.RefineStartIter == nil {
		return 500
	}
	return *s.RefineStartIter
}

// GetRefineStopIter returns the step refinement stops at. The default
// depends on the kind.
func (s *StrategyConfig) GetRefineStopIter() int {
	if s == nil || s.RefineStopIter == nil {
		if s.GetKind() == density.KindDefault {
			return 15_000
		}
		return 25_000
	}
	return *s.RefineStopIter
}

// GetRefineEvery returns the refinement period.
func (s *StrategyConfig) GetRefineEvery() int {
	if s == nil || s.RefineEvery == nil {
		return 100
	}
	return *s.RefineEvery
}

// GetResetEvery returns the opacity reset period of the threshold strategy.
func (s *StrategyConfig) GetResetEvery() int {
	if s == nil || s.ResetEvery == nil {
		return 3000
	}
	return *s.ResetEvery
}

func getF(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func getI(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func getB(v *bool) bool { return v != nil && *v }

// Density converts the config into a density.Config. Unset thresholds are
// left zero so the strategy applies its own defaults.
func (s *StrategyConfig) Density(seed uint64) density.Config {
	cfg := density.Config{Kind: s.GetKind(), Seed: seed}
	if s == nil {
		return cfg
	}
	cfg.Verbose = getB(s.Verbose)
	cfg.Default = density.DefaultConfig{
		PruneOpa:              getF(s.PruneOpa),
		GrowGrad2D:            getF(s.GrowGrad2D),
		GrowScale3D:           getF(s.GrowScale3D),
		GrowScale2D:           getF(s.GrowScale2D),
		PruneScale3D:          getF(s.PruneScale3D),
		PruneScale2D:          getF(s.PruneScale2D),
		RefineScale2DStopIter: getI(s.RefineScale2DStopIter),
		RefineStartIter:       getI(s.RefineStartIter),
		RefineStopIter:        getI(s.RefineStopIter),
		ResetEvery:            getI(s.ResetEvery),
		RefineEvery:           getI(s.RefineEvery),
		PauseRefineAfterReset: getI(s.PauseRefineAfterReset),
		Absgrad:               getB(s.Absgrad),
		RevisedOpacity:        getB(s.RevisedOpacity),
		ResetSkipNew:          getB(s.ResetSkipNew),
	}
	cfg.MCMC = density.MCMCConfig{
		CapMax:       getI(s.CapMax),
		NoiseLR:      getF(s.NoiseLR),
		RefineStart:  getI(s.RefineStartIter),
		RefineStop:   getI(s.RefineStopIter),
		RefineEvery:  getI(s.RefineEvery),
		MinOpacity:   getF(s.MinOpacity),
		GrowthFactor: getF(s.GrowthFactor),
	}
	return cfg
}

// GetCapMax returns the relocation strategy's population bound.
func (s *StrategyConfig) GetCapMax() int {
	if s == nil || s.CapMax == nil {
		return density.DefaultCapMax
	}
	return *s.CapMax
}

// GetAbsgrad reports whether the threshold strategy wants |dL/dmean2d|.
func (s *StrategyConfig) GetAbsgrad() bool {
	return s != nil && s.GetKind() == density.KindDefault && getB(s.Absgrad)
}
