package trainer

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/banshee-data/timesplat/internal/loss"
	"github.com/banshee-data/timesplat/internal/raster"
)

// RenderMode selects what the viewer callback shows.
type RenderMode string

const (
	ModeFull    RenderMode = "full"
	ModeAlbedo  RenderMode = "albedo"
	ModeShading RenderMode = "shading"
	ModeAlpha   RenderMode = "alpha"
)

// ParseRenderMode accepts the four mode names; the empty string is full.
func ParseRenderMode(s string) (RenderMode, error) {
	switch m := RenderMode(s); m {
	case "":
		return ModeFull, nil
	case ModeFull, ModeAlbedo, ModeShading, ModeAlpha:
		return m, nil
	}
	return "", fmt.Errorf("unknown render mode %q", s)
}

// ViewRequest is a camera size and a date cursor: Position in [0,1] along
// the captured date range and Hour of the local day.
type ViewRequest struct {
	Width    int
	Height   int
	Position float64
	Hour     float64
	Mode     RenderMode
}

// View is a rendered frame with the cursor it resolved to.
type View struct {
	Image     *image.NRGBA
	Date      time.Time
	TimeLabel float64
	SunAngle  [2]float64
	Mode      RenderMode
	Counts    map[string]int
	Step      int
}

// Render is the viewer callback. It takes the run mutex, so it only ever
// sees the populations between steps.
func (r *Runner) Render(ctx context.Context, req ViewRequest) (*View, error) {
	mode, err := ParseRenderMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	if req.Width <= 0 || req.Height <= 0 {
		req.Width, req.Height = r.scene.Size()
	}
	date, label, sun := r.scene.Cursor(req.Position, req.Hour)

	r.mu.Lock()
	defer r.mu.Unlock()
	if mode == ModeShading && r.shading == nil {
		return nil, fmt.Errorf("shading is disabled for this run")
	}
	cam := r.viewCamera(req.Width, req.Height)
	pixels := req.Width * req.Height
	out := loss.NewImage(req.Width, req.Height, 3)

	view := &View{Date: date, TimeLabel: label, SunAngle: sun, Mode: mode, Step: r.step}
	switch mode {
	case ModeShading:
		sh, err := r.shading.Render(ctx, r.rast, []float64{label, sun[0], sun[1]}, cam)
		if err != nil {
			return nil, err
		}
		for p := 0; p < pixels; p++ {
			for c := 0; c < 3; c++ {
				out.Pix[p*3+c] = sh.image[p]
			}
		}
		view.Counts = map[string]int{Shading: r.shading.Len()}
	case ModeAlpha:
		al, err := r.albedo.Render(ctx, r.rast, []float64{label}, cam)
		if err != nil {
			return nil, err
		}
		for p := 0; p < pixels; p++ {
			for c := 0; c < 3; c++ {
				out.Pix[p*3+c] = al.out.Alpha[p]
			}
		}
		view.Counts = map[string]int{Albedo: r.albedo.Len()}
	default:
		fr, err := r.forwardMode(ctx, cam, label, sun, mode)
		if err != nil {
			return nil, err
		}
		copy(out.Pix, fr)
		view.Counts = map[string]int{Albedo: r.albedo.Len()}
		if mode == ModeFull && r.shading != nil {
			view.Counts[Shading] = r.shading.Len()
		}
	}
	view.Image = out.NRGBA()
	return view, nil
}

func (r *Runner) forwardMode(ctx context.Context, cam raster.Camera, t float64, sun [2]float64, mode RenderMode) ([]float64, error) {
	if mode == ModeAlbedo || r.shading == nil {
		al, err := r.albedo.Render(ctx, r.rast, []float64{t}, cam)
		if err != nil {
			return nil, err
		}
		return al.image, nil
	}
	fr, err := r.forward(ctx, cam, t, sun, nil, nil)
	if err != nil {
		return nil, err
	}
	return fr.pred.Pix, nil
}

// viewCamera keeps the training focal length per pixel of width.
func (r *Runner) viewCamera(width, height int) raster.Camera {
	train := r.scene.Camera()
	f := train.K[0] * float64(width) / float64(train.Width)
	return raster.OrthoCamera(width, height, f, f)
}
