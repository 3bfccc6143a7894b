// Package raster defines the differentiable rasterizer contract used by the
// trainer and ships a CPU reference implementation of it.
//
// Primitives are anisotropic 3D Gaussians projected through an orthographic
// camera, depth sorted, binned into screen tiles and alpha composited front
// to back. Backward returns gradients for every per-primitive input and
// records the screen-space position gradient in Stats for density control.
package raster

import (
	"context"
	"fmt"
)

// Mode selects the compositing variant.
type Mode int

const (
	// Classic composites the dilated 2D footprint as is.
	Classic Mode = iota
	// Antialiased scales opacity by the determinant ratio lost to dilation.
	Antialiased
)

func (m Mode) String() string {
	if m == Antialiased {
		return "antialiased"
	}
	return "classic"
}

// ParseMode accepts "classic" and "antialiased".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "classic":
		return Classic, nil
	case "antialiased":
		return Antialiased, nil
	}
	return Classic, fmt.Errorf("unknown rasterize mode %q", s)
}

// Camera is a single orthographic view.
type Camera struct {
	ViewMat [16]float64 // world-to-view, row-major
	K       [9]float64  // intrinsics, row-major
	Width   int
	Height  int
}

// OrthoCamera looks down +z from the origin with the principal point at the
// image centre.
func OrthoCamera(width, height int, fx, fy float64) Camera {
	return Camera{
		ViewMat: [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1},
		K:       [9]float64{fx, 0, float64(width) / 2, 0, fy, float64(height) / 2, 0, 0, 1},
		Width:   width,
		Height:  height,
	}
}

// Options are the rasterization settings shared by forward and backward.
type Options struct {
	Mode       Mode
	Packed     bool // report visible primitives as an ascending id list
	Absgrad    bool // accumulate |dL/dmean2d| per pixel
	Near       float64
	Far        float64
	RadiusClip float64 // primitives with a pixel radius at or below this are culled
	Eps2D      float64 // dilation added to the 2D covariance diagonal
	Background []float64
	TileSize   int
	Workers    int
}

// DefaultOptions mirrors the usual training settings.
func DefaultOptions() Options {
	return Options{
		Near:     0.01,
		Far:      1e10,
		Eps2D:    0.3,
		TileSize: 16,
	}
}

// Inputs are the activated per-primitive arrays: effective scales, effective
// opacities and colours in [0,1] with any channel count. Quaternions may be
// unnormalized.
type Inputs struct {
	Means     []float64 // [N,3]
	Quats     []float64 // [N,4] wxyz
	Scales    []float64 // [N,3]
	Opacities []float64 // [N]
	Colors    []float64 // [N,C]
}

// Len returns the number of primitives.
func (in Inputs) Len() int { return len(in.Opacities) }

func (in Inputs) check() (n, channels int, err error) {
	n = len(in.Opacities)
	switch {
	case len(in.Means) != 3*n:
		return 0, 0, fmt.Errorf("means has %d values, want %d", len(in.Means), 3*n)
	case len(in.Quats) != 4*n:
		return 0, 0, fmt.Errorf("quats has %d values, want %d", len(in.Quats), 4*n)
	case len(in.Scales) != 3*n:
		return 0, 0, fmt.Errorf("scales has %d values, want %d", len(in.Scales), 3*n)
	}
	if n == 0 {
		return 0, 1, nil
	}
	if len(in.Colors)%n != 0 || len(in.Colors) == 0 {
		return 0, 0, fmt.Errorf("colors has %d values, not a multiple of %d", len(in.Colors), n)
	}
	return n, len(in.Colors) / n, nil
}

// Stats is the per-render bookkeeping consumed by density control.
type Stats struct {
	Width    int
	Height   int
	NCameras int

	Radii   []float64 // [N] pixel radius, 0 when culled
	Means2D []float64 // [N,2]
	Clipped []bool    // [N] true when the view depth is outside [Near, Far]

	// GaussianIDs is the ascending list of visible primitives, set in
	// packed mode only.
	GaussianIDs []int

	// Filled by Backward. In packed mode these are [len(GaussianIDs),2]
	// and aligned with GaussianIDs, otherwise [N,2].
	Means2DGrad    []float64
	Means2DAbsGrad []float64
}

// Packed reports whether the gradients are aligned with GaussianIDs.
func (s *Stats) Packed() bool { return s.GaussianIDs != nil }

// Gradients holds dL/d(input) for every input array of a render.
type Gradients struct {
	Means     []float64
	Quats     []float64
	Scales    []float64
	Opacities []float64
	Colors    []float64
}

// Rasterizer renders primitives and differentiates the render.
type Rasterizer interface {
	Forward(ctx context.Context, in Inputs, cam Camera, opts Options) (*Output, error)
	// Backward takes the gradients of the loss with respect to the
	// composited image [H,W,C] and alpha [H,W] (either may be nil).
	Backward(ctx context.Context, out *Output, vImage, vAlpha []float64) (*Gradients, error)
}
