package config

import (
	"path/filepath"
	"slices"

	"github.com/banshee-data/timesplat/internal/tonegrid"
)

// GetDataDir returns the time-lapse dataset directory.
func (c *TrainingConfig) GetDataDir() string {
	if c.DataDir == nil {
		return "data/timelapse"
	}
	return *c.DataDir
}

// GetResultDir returns the output directory.
func (c *TrainingConfig) GetResultDir() string {
	if c.ResultDir == nil {
		return "results/timelapse"
	}
	return *c.ResultDir
}

// GetTestEvery returns the validation split period.
func (c *TrainingConfig) GetTestEvery() int {
	if c.TestEvery == nil {
		return 8
	}
	return *c.TestEvery
}

// GetAspectRatio returns the width/height ratio used to seed positions.
func (c *TrainingConfig) GetAspectRatio() float64 {
	if c.AspectRatio == nil {
		return 4.0 / 3.0
	}
	return *c.AspectRatio
}

// GetWorkers returns the number of data loader workers.
func (c *TrainingConfig) GetWorkers() int {
	if c.Workers == nil {
		return 4
	}
	return *c.Workers
}

// GetSeed returns the run's random seed.
func (c *TrainingConfig) GetSeed() uint64 {
	if c.Seed == nil {
		return 42
	}
	return *c.Seed
}

// GetDBPath returns the run database path, runs.db under the result
// directory by default.
func (c *TrainingConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return filepath.Join(c.GetResultDir(), "runs.db")
	}
	return *c.DBPath
}

// GetCompression returns the codec name, or "" when compression is off.
func (c *TrainingConfig) GetCompression() string {
	if c.Compression == nil {
		return ""
	}
	return *c.Compression
}

func (c *TrainingConfig) GetDisableViewer() bool { return getB(c.DisableViewer) }

// GetViewerAddr returns the HTTP listen address of the viewer.
func (c *TrainingConfig) GetViewerAddr() string {
	if c.ViewerAddr == nil {
		return ":8080"
	}
	return *c.ViewerAddr
}

// GetTelemetryAddr returns the gRPC listen address of the telemetry
// service. An empty address disables it.
func (c *TrainingConfig) GetTelemetryAddr() string {
	if c.TelemetryAddr == nil {
		return ":8081"
	}
	return *c.TelemetryAddr
}

// GetStepsScaler returns the global step factor.
func (c *TrainingConfig) GetStepsScaler() float64 {
	if c.StepsScaler == nil {
		return 1
	}
	return *c.StepsScaler
}

// GetMaxSteps returns the number of training steps.
func (c *TrainingConfig) GetMaxSteps() int {
	if c.MaxSteps == nil {
		return 30_000
	}
	return *c.MaxSteps
}

// GetEvalSteps returns the 1-based steps after which to evaluate.
func (c *TrainingConfig) GetEvalSteps() []int { return slices.Clone(c.EvalSteps) }

// GetSaveSteps returns the 1-based steps after which to checkpoint. The
// final step always checkpoints.
func (c *TrainingConfig) GetSaveSteps() []int { return slices.Clone(c.SaveSteps) }

// GetStatsEvery returns how often per-step statistics are recorded.
func (c *TrainingConfig) GetStatsEvery() int {
	if c.StatsEvery == nil {
		return 100
	}
	return *c.StatsEvery
}

// GetUseShading reports whether the shading population is trained.
func (c *TrainingConfig) GetUseShading() bool {
	if c.UseShading == nil {
		return true
	}
	return *c.UseShading
}

func (c *TrainingConfig) GetTimeNoiseScale() float64 {
	if c.TimeNoiseScale == nil {
		return 1
	}
	return *c.TimeNoiseScale
}

func (c *TrainingConfig) GetAngleNoiseScale() float64 {
	if c.AngleNoiseScale == nil {
		return 0.4
	}
	return *c.AngleNoiseScale
}

// GetInitNumPts returns the initial population size.
func (c *TrainingConfig) GetInitNumPts() int {
	if c.InitNumPts == nil {
		return 100_000
	}
	return *c.InitNumPts
}

func (c *TrainingConfig) GetInitExtent() float64 {
	if c.InitExtent == nil {
		return 1
	}
	return *c.InitExtent
}

func (c *TrainingConfig) GetInitOpa() float64 {
	if c.InitOpa == nil {
		return 0.1
	}
	return *c.InitOpa
}

func (c *TrainingConfig) GetInitScale() float64 {
	if c.InitScale == nil {
		return 1
	}
	return *c.InitScale
}

// GetSSIMLambda returns the weight of (1 - SSIM) in the photometric loss.
func (c *TrainingConfig) GetSSIMLambda() float64 {
	if c.SSIMLambda == nil {
		return 0.2
	}
	return *c.SSIMLambda
}

func (c *TrainingConfig) GetOpacityReg() float64 { return getF(c.OpacityReg) }
func (c *TrainingConfig) GetScaleReg() float64   { return getF(c.ScaleReg) }

func (c *TrainingConfig) GetNearPlane() float64 {
	if c.NearPlane == nil {
		return 0.01
	}
	return *c.NearPlane
}

func (c *TrainingConfig) GetFarPlane() float64 {
	if c.FarPlane == nil {
		return 1e10
	}
	return *c.FarPlane
}

// GetAntialiased reports whether the antialiased rasterize mode is used.
func (c *TrainingConfig) GetAntialiased() bool {
	if c.Antialiased == nil {
		return true
	}
	return *c.Antialiased
}

func (c *TrainingConfig) GetPacked() bool      { return getB(c.Packed) }
func (c *TrainingConfig) GetSparseGrad() bool  { return getB(c.SparseGrad) }
func (c *TrainingConfig) GetVisibleAdam() bool { return getB(c.VisibleAdam) }

func (c *TrainingConfig) GetMeansLR() float64 {
	if c.MeansLR == nil {
		return 1.6e-4
	}
	return *c.MeansLR
}

func (c *TrainingConfig) GetScalesLR() float64 {
	if c.ScalesLR == nil {
		return 5e-3
	}
	return *c.ScalesLR
}

func (c *TrainingConfig) GetOpacitiesLR() float64 {
	if c.OpacitiesLR == nil {
		return 5e-2
	}
	return *c.OpacitiesLR
}

func (c *TrainingConfig) GetQuatsLR() float64 {
	if c.QuatsLR == nil {
		return 1e-3
	}
	return *c.QuatsLR
}

func (c *TrainingConfig) GetColorsLR() float64 {
	if c.ColorsLR == nil {
		return 2.5e-3
	}
	return *c.ColorsLR
}

// GetUseToneGrid reports whether the per-image tone grid is trained.
func (c *TrainingConfig) GetUseToneGrid() bool {
	if c.UseToneGrid == nil {
		return true
	}
	return *c.UseToneGrid
}

func (c *TrainingConfig) GetToneGridShape() tonegrid.Shape {
	if c.ToneGridShape == nil {
		return tonegrid.DefaultShape
	}
	return *c.ToneGridShape
}

func (c *TrainingConfig) GetToneGridLR() float64 {
	if c.ToneGridLR == nil {
		return 2e-3
	}
	return *c.ToneGridLR
}
