package raster

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// screenGrads accumulates per-primitive screen-space gradients for one
// worker band.
type screenGrads struct {
	mean2d  []float64 // [N,2]
	abs2d   []float64 // [N,2]
	conic   []float64 // [N,3]
	opacity []float64 // [N], on the compensated opacity
	colors  []float64 // [N,C]
}

func newScreenGrads(n, ch int, absgrad bool) *screenGrads {
	s := &screenGrads{
		mean2d:  make([]float64, 2*n),
		conic:   make([]float64, 3*n),
		opacity: make([]float64, n),
		colors:  make([]float64, n*ch),
	}
	if absgrad {
		s.abs2d = make([]float64, 2*n)
	}
	return s
}

func (s *screenGrads) add(o *screenGrads) {
	for i, v := range o.mean2d {
		s.mean2d[i] += v
	}
	for i, v := range o.abs2d {
		s.abs2d[i] += v
	}
	for i, v := range o.conic {
		s.conic[i] += v
	}
	for i, v := range o.opacity {
		s.opacity[i] += v
	}
	for i, v := range o.colors {
		s.colors[i] += v
	}
}

func (CPU) Backward(ctx context.Context, out *Output, vImage, vAlpha []float64) (*Gradients, error) {
	if out == nil || out.Stats == nil {
		return nil, fmt.Errorf("rasterize backward: no forward output")
	}
	n := len(out.proj)
	ch := out.Channels
	pixels := out.cam.Width * out.cam.Height
	if vImage != nil && len(vImage) != pixels*ch {
		return nil, fmt.Errorf("rasterize backward: image gradient has %d values, want %d", len(vImage), pixels*ch)
	}
	if vAlpha != nil && len(vAlpha) != pixels {
		return nil, fmt.Errorf("rasterize backward: alpha gradient has %d values, want %d", len(vAlpha), pixels)
	}

	ts := out.opts.TileSize
	tilesY := (out.cam.Height + ts - 1) / ts
	bands := min(workerCount(out.opts), tilesY)
	partial := make([]*screenGrads, bands)

	g, gctx := errgroup.WithContext(ctx)
	for b := 0; b < bands; b++ {
		partial[b] = newScreenGrads(n, ch, out.opts.Absgrad)
		g.Go(func() error {
			acc := partial[b]
			for ty := b; ty < tilesY; ty += bands {
				if err := gctx.Err(); err != nil {
					return err
				}
				for py := ty * ts; py < min((ty+1)*ts, out.cam.Height); py++ {
					for px := 0; px < out.cam.Width; px++ {
						out.pixelBackward(px, py, vImage, vAlpha, acc)
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := partial[0]
	for _, p := range partial[1:] {
		total.add(p)
	}

	grads := &Gradients{
		Means:     make([]float64, 3*n),
		Quats:     make([]float64, 4*n),
		Scales:    make([]float64, 3*n),
		Opacities: make([]float64, n),
		Colors:    total.colors,
	}
	for i := range out.proj {
		p := &out.proj[i]
		if !p.visible {
			continue
		}
		vOp := total.opacity[i]
		grads.Opacities[i] = vOp * p.comp
		vComp := vOp * out.in.Opacities[i]
		projectBackward(out.in, i, out.cam, out.rv, out.opts, p,
			[2]float64{total.mean2d[2*i], total.mean2d[2*i+1]},
			[3]float64{total.conic[3*i], total.conic[3*i+1], total.conic[3*i+2]},
			vComp, grads)
	}

	out.fillStatsGrads(total)
	return grads, nil
}

func (o *Output) fillStatsGrads(total *screenGrads) {
	s := o.Stats
	if s.GaussianIDs == nil {
		s.Means2DGrad = total.mean2d
		s.Means2DAbsGrad = total.abs2d
		return
	}
	s.Means2DGrad = make([]float64, 2*len(s.GaussianIDs))
	if total.abs2d != nil {
		s.Means2DAbsGrad = make([]float64, 2*len(s.GaussianIDs))
	}
	for k, i := range s.GaussianIDs {
		s.Means2DGrad[2*k] = total.mean2d[2*i]
		s.Means2DGrad[2*k+1] = total.mean2d[2*i+1]
		if total.abs2d != nil {
			s.Means2DAbsGrad[2*k] = total.abs2d[2*i]
			s.Means2DAbsGrad[2*k+1] = total.abs2d[2*i+1]
		}
	}
}

// pixelBackward walks the pixel's contributors back to front.
func (o *Output) pixelBackward(px, py int, vImage, vAlpha []float64, acc *screenGrads) {
	ch := o.Channels
	pix := py*o.cam.Width + px
	var vC []float64
	if vImage != nil {
		vC = vImage[pix*ch : (pix+1)*ch]
	}
	vA := 0.0
	if vAlpha != nil {
		vA = vAlpha[pix]
	}
	if vC == nil && vA == 0 {
		return
	}

	tFinal := o.finalT[pix]
	bgDot := 0.0
	if o.opts.Background != nil && vC != nil {
		for c := 0; c < ch; c++ {
			bgDot += o.opts.Background[c] * vC[c]
		}
	}

	list := o.tileOf(px, py)
	t := tFinal
	behind := make([]float64, ch)
	for k := o.last[pix] - 1; k >= 0; k-- {
		i := list[k]
		p := &o.proj[i]
		alpha, vis, dx, dy, ok := p.weight(px, py)
		if !ok {
			continue
		}
		ra := 1 / (1 - alpha)
		t *= ra
		fac := alpha * t
		col := o.in.Colors[i*ch : (i+1)*ch]

		vAlphaG := tFinal * ra * vA
		if vC != nil {
			for c := 0; c < ch; c++ {
				acc.colors[i*ch+c] += fac * vC[c]
				vAlphaG += (col[c]*t - behind[c]*ra) * vC[c]
			}
			vAlphaG -= tFinal * ra * bgDot
		}

		if p.opacity*vis <= maxAlpha {
			vSigma := -p.opacity * vis * vAlphaG
			acc.conic[3*i] += 0.5 * vSigma * dx * dx
			acc.conic[3*i+1] += vSigma * dx * dy
			acc.conic[3*i+2] += 0.5 * vSigma * dy * dy
			gx := vSigma * (p.conic[0]*dx + p.conic[1]*dy)
			gy := vSigma * (p.conic[1]*dx + p.conic[2]*dy)
			acc.mean2d[2*i] += gx
			acc.mean2d[2*i+1] += gy
			if acc.abs2d != nil {
				acc.abs2d[2*i] += math.Abs(gx)
				acc.abs2d[2*i+1] += math.Abs(gy)
			}
			acc.opacity[i] += vis * vAlphaG
		}
		for c := 0; c < ch; c++ {
			behind[c] += col[c] * fac
		}
	}
}
