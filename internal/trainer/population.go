package trainer

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/timesplat/internal/checkpoint"
	"github.com/banshee-data/timesplat/internal/density"
	"github.com/banshee-data/timesplat/internal/optim"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/splat"
)

// Population names, shared with checkpoints and the stats files.
const (
	Albedo  = checkpoint.PopulationAlbedo
	Shading = checkpoint.PopulationShading
)

// Population is one independently optimized set of primitives together with
// its density controller, optimizers and rasterization settings.
type Population struct {
	Name     string
	Store    *splat.Store
	Strategy density.Strategy
	State    *density.State
	Opts     *optim.Set
	Means    *optim.Scheduler // exponential decay of the position learning rate
	Raster   raster.Options

	lrs      map[string]float64
	maxSteps int
	kernel   splat.TemporalKernel
}

// LearningRates returns the per-group base learning rates. Positions and
// time means are scaled by the scene scale.
func LearningRates(means, scales, opacities, quats, colors, sceneScale float64) map[string]float64 {
	return map[string]float64{
		splat.GroupMeans:      means * sceneScale,
		splat.GroupTimes:      means * sceneScale,
		splat.GroupScales:     scales,
		splat.GroupTimeScales: scales,
		splat.GroupQuats:      quats,
		splat.GroupOpacities:  opacities,
		splat.GroupColors:     colors,
		splat.GroupTimeAnisos: quats,
	}
}

// NewPopulation wires a store to its strategy and optimizers and checks the
// result with the strategy's sanity check.
func NewPopulation(name string, store *splat.Store, strategy density.Strategy, lrs map[string]float64,
	sceneScale float64, maxSteps int, opts raster.Options) (*Population, error) {
	p := &Population{
		Name:     name,
		Strategy: strategy,
		Raster:   opts,
		lrs:      lrs,
		maxSteps: maxSteps,
	}
	if err := p.reset(store); err != nil {
		return nil, err
	}
	p.State = strategy.InitializeState(sceneScale)
	return p, nil
}

// reset swaps in a new store with fresh optimizer moments.
func (p *Population) reset(store *splat.Store) error {
	lrs := make(map[string]float64, len(store.Groups()))
	for _, g := range store.Groups() {
		lr, ok := p.lrs[g.Name]
		if !ok {
			return fmt.Errorf("%s: no learning rate for group %q", p.Name, g.Name)
		}
		lrs[g.Name] = lr
	}
	opts, err := optim.NewSet(store, lrs)
	if err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	if err := p.Strategy.CheckSanity(store, opts); err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	p.Store = store
	p.Opts = opts
	p.Means = optim.NewScheduler(opts.Get(splat.GroupMeans), optim.ExponentialTo(0.01, p.maxSteps))
	return nil
}

// Len returns the live primitive count.
func (p *Population) Len() int { return p.Store.Len() }

// render is one forward pass of a population at a time label.
type render struct {
	t     []float64
	in    raster.Inputs
	alpha []float64 // temporal kernel weights
	out   *raster.Output
	image []float64
	ch    int
}

// Render evaluates the temporal kernel at t and rasterizes the population.
// An empty population renders the background.
func (p *Population) Render(ctx context.Context, rast raster.Rasterizer, t []float64, cam raster.Camera) (*render, error) {
	if p.Store.Len() == 0 {
		return p.emptyRender(t, cam), nil
	}
	eff, alpha, err := p.kernel.EffectiveOpacities(p.Store, t)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name, err)
	}
	in := raster.FromStore(p.Store, eff)
	out, err := rast.Forward(ctx, in, cam, p.Raster)
	if err != nil {
		return nil, fmt.Errorf("%s: rasterize: %w", p.Name, err)
	}
	return &render{t: t, in: in, alpha: alpha, out: out, image: out.Image, ch: out.Channels}, nil
}

func (p *Population) emptyRender(t []float64, cam raster.Camera) *render {
	ch := p.Store.ColorDim()
	n := cam.Width * cam.Height
	img := make([]float64, n*ch)
	if bg := p.Raster.Background; len(bg) == ch {
		for i := 0; i < n; i++ {
			copy(img[i*ch:(i+1)*ch], bg)
		}
	}
	stats := &raster.Stats{Width: cam.Width, Height: cam.Height, NCameras: 1, Radii: []float64{}, Means2D: []float64{}}
	if p.Raster.Packed {
		stats.GaussianIDs = []int{}
	}
	return &render{t: t, image: img, ch: ch, out: &raster.Output{Image: img, Alpha: make([]float64, n), Channels: ch, Stats: stats}}
}

// Backward routes the image gradient through the rasterizer, the
// activations and the temporal kernel into the store's gradient buffers.
func (p *Population) Backward(ctx context.Context, rast raster.Rasterizer, r *render, vImage []float64) error {
	if r.in.Len() == 0 {
		return nil
	}
	g, err := rast.Backward(ctx, r.out, vImage, nil)
	if err != nil {
		return fmt.Errorf("%s: backward: %w", p.Name, err)
	}
	vEff := raster.AccumulateToStore(p.Store, r.in, g)
	p.kernel.Backward(p.Store, r.t, r.alpha, vEff)
	return nil
}

// Regularize adds the opacity and scale penalties and their gradients and
// returns the loss contribution.
func (p *Population) Regularize(opacityReg, scaleReg float64) float64 {
	n := p.Store.Len()
	if n == 0 {
		return 0
	}
	var total float64
	if opacityReg > 0 {
		g := p.Store.MustGroup(splat.GroupOpacities)
		g.EnsureGrad()
		var sum float64
		for i, v := range g.Data {
			s := splat.Sigmoid(v)
			sum += s
			g.Grad[i] += opacityReg * s * (1 - s) / float64(len(g.Data))
		}
		total += opacityReg * sum / float64(len(g.Data))
	}
	if scaleReg > 0 {
		for _, name := range []string{splat.GroupScales, splat.GroupTimeScales} {
			g := p.Store.MustGroup(name)
			g.EnsureGrad()
			var sum float64
			for i, v := range g.Data {
				e := math.Exp(v)
				sum += e
				g.Grad[i] += scaleReg * e / float64(len(g.Data))
			}
			total += scaleReg * sum / float64(len(g.Data))
		}
	}
	return total
}

// Update applies one optimizer step over the rows selected by mode and
// clears the gradients.
func (p *Population) Update(mode optim.Mode, stats *raster.Stats) error {
	var rows []int
	switch mode {
	case optim.Sparse:
		if !p.Raster.Packed {
			return ErrSparseWithoutPacked
		}
		rows = append(make([]int, 0, len(stats.GaussianIDs)), stats.GaussianIDs...)
	case optim.Masked:
		if stats.Packed() {
			rows = append(make([]int, 0, len(stats.GaussianIDs)), stats.GaussianIDs...)
		} else {
			rows = optim.VisibleRows(stats.Radii)
			if rows == nil {
				rows = []int{}
			}
		}
	}
	p.Opts.Step(p.Store, rows)
	p.Store.ZeroGrads()
	return nil
}

// PostBackward advances the position schedule and runs density control.
func (p *Population) PostBackward(step int, stats *raster.Stats) error {
	p.Means.Step()
	return p.Strategy.StepPostBackward(p.Store, p.Opts, p.State, step, stats, density.PostBackwardArgs{
		Packed:     p.Raster.Packed,
		PositionLR: p.Means.LR(),
	})
}
