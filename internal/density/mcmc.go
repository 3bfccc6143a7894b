package density

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/timesplat/internal/optim"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/splat"
)

// DefaultCapMax bounds a relocation population when no cap is configured.
const DefaultCapMax = 1_000_000

// MCMCConfig parameterizes the relocation strategy. Zero values take the
// defaults below.
type MCMCConfig struct {
	CapMax       int
	NoiseLR      float64
	RefineStart  int
	RefineStop   int
	RefineEvery  int
	MinOpacity   float64
	GrowthFactor float64 // population growth per refine, 1.05 by default
}

func (c MCMCConfig) withDefaults() MCMCConfig {
	if c.CapMax == 0 {
		c.CapMax = DefaultCapMax
	}
	if c.NoiseLR == 0 {
		c.NoiseLR = 5e5
	}
	if c.RefineStart == 0 {
		c.RefineStart = 500
	}
	if c.RefineStop == 0 {
		c.RefineStop = 25_000
	}
	if c.RefineEvery == 0 {
		c.RefineEvery = 100
	}
	if c.MinOpacity == 0 {
		c.MinOpacity = 0.005
	}
	if c.GrowthFactor == 0 {
		c.GrowthFactor = 1.05
	}
	return c
}

// MCMC is the relocation strategy. Dead primitives are moved onto live ones
// and the population grows towards CapMax, with the opacity and scale of
// every source adjusted so its rendered contribution is kept.
type MCMC struct {
	cfg    MCMCConfig
	noise  splat.NoiseSource
	src    rand.Source // draws relocation and growth sources
	logf   func(format string, v ...interface{})
	binoms [][]float64
}

func (m *MCMC) Kind() Kind { return KindMCMC }

// Config returns the effective settings.
func (m *MCMC) Config() MCMCConfig { return m.cfg }

func (m *MCMC) InitializeState(sceneScale float64) *State {
	return newState(sceneScale)
}

func (m *MCMC) CheckSanity(store *splat.Store, opts *optim.Set) error {
	return checkGroups(store, opts)
}

func (m *MCMC) StepPreBackward(*splat.Store, *optim.Set, *State, int, *raster.Stats) error {
	return nil
}

func (m *MCMC) StepPostBackward(store *splat.Store, opts *optim.Set, state *State, step int, _ *raster.Stats, args PostBackwardArgs) error {
	if n := store.Len(); n > m.cfg.CapMax {
		return fmt.Errorf("%w: %d primitives, cap_max %d", ErrCapExceeded, n, m.cfg.CapMax)
	}
	state.ensure(store.Len(), false)
	if step < m.cfg.RefineStop && step > m.cfg.RefineStart && step%m.cfg.RefineEvery == 0 {
		relocated := m.relocate(store, opts, state)
		added := m.grow(store, opts, state)
		state.Refines++
		state.LastGrow = added
		state.LastPrune = relocated
		m.logf("[DensityMCMC] step %d: relocated %d, added %d, now %d", step, relocated, added, store.Len())
	}
	m.injectNoise(store, args.PositionLR*m.cfg.NoiseLR)
	return nil
}

// relocate moves every dead primitive onto a copy of a live one.
func (m *MCMC) relocate(store *splat.Store, opts *optim.Set, state *State) int {
	n := store.Len()
	var dead, alive []int
	for i, o := range store.Opacities() {
		if o <= m.cfg.MinOpacity {
			dead = append(dead, i)
		} else {
			alive = append(alive, i)
		}
	}
	if len(dead) == 0 || len(alive) == 0 {
		return 0
	}

	weights := make([]float64, len(alive))
	for k, i := range alive {
		weights[k] = store.Opacity(i)
	}
	picks := m.sample(weights, len(dead))
	sources := make([]int, len(picks))
	for k, p := range picks {
		sources[k] = alive[p]
	}
	m.applyRelocation(store, sources)

	src := make([]int, n)
	for i := range src {
		src[i] = i
	}
	for k, i := range dead {
		src[i] = sources[k]
	}
	applyEdit(store, opts, state, src, n)
	for _, i := range dead {
		state.Fresh[i] = true
		state.Age[i] = 0
	}
	opts.ZeroRows(optim.UniqueRows(append(sources, dead...)))
	return len(dead)
}

// grow appends copies of opacity-sampled primitives up to the cap.
func (m *MCMC) grow(store *splat.Store, opts *optim.Set, state *State) int {
	n := store.Len()
	target := min(m.cfg.CapMax, int(m.cfg.GrowthFactor*float64(n)))
	add := target - n
	if add <= 0 || n == 0 {
		return 0
	}
	sources := m.sample(store.Opacities(), add)
	m.applyRelocation(store, sources)

	src := make([]int, n, n+add)
	for i := range src {
		src[i] = i
	}
	src = append(src, sources...)
	applyEdit(store, opts, state, src, n)

	touched := optim.UniqueRows(sources)
	for i := n; i < n+add; i++ {
		touched = append(touched, i)
	}
	opts.ZeroRows(touched)
	return add
}

// applyRelocation rewrites opacity and scale of every sampled source so that
// the source and its copies together render like the original.
func (m *MCMC) applyRelocation(store *splat.Store, sources []int) {
	counts := make(map[int]int, len(sources))
	for _, i := range sources {
		counts[i]++
	}
	ops := store.MustGroup(splat.GroupOpacities).Data
	scales := store.MustGroup(splat.GroupScales)
	for i, c := range counts {
		o, factor := relocation(splat.Sigmoid(ops[i]), c+1, m.binoms)
		o = math.Min(math.Max(o, m.cfg.MinOpacity), 1-1e-7)
		ops[i] = splat.Logit(o)
		row := scales.Row(i)
		for j := range row {
			row[j] += math.Log(factor)
		}
	}
}

// sample draws k indices with replacement, proportionally to weights.
// Zero-weight entries are never drawn unless every weight is zero, in which
// case the draw is uniform.
func (m *MCMC) sample(weights []float64, k int) []int {
	out := make([]int, k)
	if floats.Sum(weights) <= 0 {
		for j := range out {
			out[j] = min(int(m.noise.Float64()*float64(len(weights))), len(weights)-1)
		}
		return out
	}
	cat := distuv.NewCategorical(weights, m.src)
	for j := range out {
		out[j] = int(cat.Rand())
	}
	return out
}

// injectNoise perturbs positions by Σ z, gated to near-transparent
// primitives by a steep sigmoid of (1 - opacity).
func (m *MCMC) injectNoise(store *splat.Store, scaler float64) {
	if scaler == 0 {
		return
	}
	means := store.MustGroup(splat.GroupMeans)
	quats := store.MustGroup(splat.GroupQuats)
	for i := 0; i < store.Len(); i++ {
		gate := 1 / (1 + math.Exp(-100*((1-store.Opacity(i))-0.995)))
		sc := store.Scale(i)
		cov := splat.Covariance(quats.Row(i), sc[:])
		z := mat.NewVecDense(3, []float64{m.noise.NormFloat64(), m.noise.NormFloat64(), m.noise.NormFloat64()})
		var v mat.VecDense
		v.MulVec(cov, z)
		row := means.Row(i)
		for j := 0; j < 3; j++ {
			row[j] += v.AtVec(j) * gate * scaler
		}
	}
}
