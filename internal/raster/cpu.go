package raster

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Compositing thresholds.
const (
	maxAlpha         = 0.999
	minAlpha         = 1.0 / 255.0
	transmittanceEps = 1e-4
)

// Output is the result of a forward pass. It keeps what Backward needs.
type Output struct {
	Image    []float64 // [H,W,C]
	Alpha    []float64 // [H,W]
	Channels int
	Stats    *Stats

	in     Inputs
	cam    Camera
	opts   Options
	rv     *mat.Dense
	proj   []projected
	tiles  [][]int
	tilesX int
	finalT []float64
	last   []int // per pixel, count of tile-list entries walked
}

// CPU is the reference rasterizer. Tile rows are composited in parallel.
type CPU struct{}

var _ Rasterizer = CPU{}

func workerCount(opts Options) int {
	if opts.Workers > 0 {
		return opts.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (CPU) Forward(ctx context.Context, in Inputs, cam Camera, opts Options) (*Output, error) {
	n, channels, err := in.check()
	if err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	if cam.Width <= 0 || cam.Height <= 0 {
		return nil, fmt.Errorf("rasterize: invalid image size %dx%d", cam.Width, cam.Height)
	}
	if opts.Background != nil && len(opts.Background) != channels {
		return nil, fmt.Errorf("rasterize: background has %d channels, colors have %d", len(opts.Background), channels)
	}
	if opts.TileSize <= 0 {
		opts.TileSize = 16
	}

	out := &Output{
		Channels: channels,
		in:       in,
		cam:      cam,
		opts:     opts,
		rv:       viewRotation(cam),
		proj:     make([]projected, n),
	}
	for i := range out.proj {
		out.proj[i] = project(in, i, cam, out.rv, opts)
	}

	var order []int
	for i, p := range out.proj {
		if p.visible {
			order = append(order, i)
		}
	}
	sort.SliceStable(order, func(a, b int) bool {
		return out.proj[order[a]].depth < out.proj[order[b]].depth
	})

	ts := opts.TileSize
	out.tilesX = (cam.Width + ts - 1) / ts
	tilesY := (cam.Height + ts - 1) / ts
	out.tiles = make([][]int, out.tilesX*tilesY)
	for _, i := range order {
		bb := out.proj[i].bbox
		for ty := bb[1] / ts; ty <= (bb[3]-1)/ts; ty++ {
			for tx := bb[0] / ts; tx <= (bb[2]-1)/ts; tx++ {
				k := ty*out.tilesX + tx
				out.tiles[k] = append(out.tiles[k], i)
			}
		}
	}

	pixels := cam.Width * cam.Height
	out.Image = make([]float64, pixels*channels)
	out.Alpha = make([]float64, pixels)
	out.finalT = make([]float64, pixels)
	out.last = make([]int, pixels)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerCount(opts))
	for ty := 0; ty < tilesY; ty++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for py := ty * ts; py < min((ty+1)*ts, cam.Height); py++ {
				for px := 0; px < cam.Width; px++ {
					out.composite(px, py)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &Stats{
		Width:    cam.Width,
		Height:   cam.Height,
		NCameras: 1,
		Radii:    make([]float64, n),
		Means2D:  make([]float64, 2*n),
		Clipped:  make([]bool, n),
	}
	for i, p := range out.proj {
		stats.Radii[i] = p.radius
		stats.Clipped[i] = p.clipped
		stats.Means2D[2*i] = p.mean2d[0]
		stats.Means2D[2*i+1] = p.mean2d[1]
	}
	if opts.Packed {
		stats.GaussianIDs = make([]int, 0, len(order))
		for i, p := range out.proj {
			if p.visible {
				stats.GaussianIDs = append(stats.GaussianIDs, i)
			}
		}
	}
	out.Stats = stats
	return out, nil
}

func (o *Output) tileOf(px, py int) []int {
	ts := o.opts.TileSize
	return o.tiles[(py/ts)*o.tilesX+px/ts]
}

// weight evaluates the Gaussian falloff of p at the pixel centre. ok is
// false when the primitive does not contribute to the pixel.
func (p *projected) weight(px, py int) (alpha, vis, dx, dy float64, ok bool) {
	dx = p.mean2d[0] - (float64(px) + 0.5)
	dy = p.mean2d[1] - (float64(py) + 0.5)
	sigma := 0.5*(p.conic[0]*dx*dx+p.conic[2]*dy*dy) + p.conic[1]*dx*dy
	if sigma < 0 {
		return 0, 0, dx, dy, false
	}
	vis = math.Exp(-sigma)
	alpha = math.Min(maxAlpha, p.opacity*vis)
	if alpha < minAlpha {
		return 0, 0, dx, dy, false
	}
	return alpha, vis, dx, dy, true
}

func (o *Output) composite(px, py int) {
	ch := o.Channels
	pix := py*o.cam.Width + px
	img := o.Image[pix*ch : (pix+1)*ch]
	t := 1.0
	last := 0
	for k, i := range o.tileOf(px, py) {
		p := &o.proj[i]
		alpha, _, _, _, ok := p.weight(px, py)
		if !ok {
			continue
		}
		next := t * (1 - alpha)
		if next <= transmittanceEps {
			break
		}
		col := o.in.Colors[i*ch : (i+1)*ch]
		for c := range img {
			img[c] += col[c] * alpha * t
		}
		t = next
		last = k + 1
	}
	o.finalT[pix] = t
	o.last[pix] = last
	for c := range img {
		if o.opts.Background != nil {
			img[c] += t * o.opts.Background[c]
		}
	}
	o.Alpha[pix] = 1 - t
}
