package density

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/timesplat/internal/optim"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/splat"
)

// zeroNoise makes split jitter deterministic.
type zeroNoise struct{}

func (zeroNoise) NormFloat64() float64 { return 0 }
func (zeroNoise) Float64() float64     { return 0.5 }

func testLRs() map[string]float64 {
	return map[string]float64{
		splat.GroupMeans:      1.6e-4,
		splat.GroupScales:     5e-3,
		splat.GroupQuats:      1e-3,
		splat.GroupOpacities:  5e-2,
		splat.GroupTimes:      1.6e-4,
		splat.GroupTimeScales: 5e-3,
		splat.GroupColors:     2.5e-3,
		splat.GroupTimeAnisos: 1e-3,
	}
}

// population builds n primitives at distinct x positions with small scales
// and opacity 0.5, plus optimizers with non-zero moments.
func population(t *testing.T, n int) (*splat.Store, *optim.Set) {
	t.Helper()
	s := splat.NewStore(n, splat.Layout(1, 3))
	for i := 0; i < n; i++ {
		copy(s.MustGroup(splat.GroupMeans).Row(i), []float64{float64(i), 0, 1})
		copy(s.MustGroup(splat.GroupQuats).Row(i), []float64{1, 0, 0, 0})
		v := math.Log(0.001)
		copy(s.MustGroup(splat.GroupScales).Row(i), []float64{v, v, v})
		s.MustGroup(splat.GroupOpacities).Data[i] = 0
		s.MustGroup(splat.GroupTimes).Data[i] = float64(i) / float64(max(n, 1))
	}
	set, err := optim.NewSet(s, testLRs())
	require.NoError(t, err)

	// One step with per-row gradients gives every row distinct moments.
	grads := s.Clone()
	for _, g := range s.Groups() {
		g.EnsureGrad()
		for k := range g.Grad {
			g.Grad[k] = 0.01 * float64(k+1)
		}
	}
	set.Step(s, nil)
	s.ZeroGrads()
	require.NoError(t, s.Assign(grads.Arrays()))
	return s, set
}

// ----------------------------------------------------------------------------
// Construction
// ----------------------------------------------------------------------------

func TestNew(t *testing.T) {
	t.Parallel()

	for _, kind := range []Kind{KindDefault, KindMCMC} {
		s, err := New(Config{Kind: kind})
		require.NoError(t, err)
		assert.Equal(t, kind, s.Kind())
	}

	_, err := New(Config{Kind: "threshold"})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, err = New(Config{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestNew_AppliesDefaults(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindDefault, Default: DefaultConfig{RefineEvery: 50}})
	require.NoError(t, err)
	cfg := s.(*Default).Config()
	assert.Equal(t, 50, cfg.RefineEvery)
	assert.Equal(t, 0.005, cfg.PruneOpa)
	assert.Equal(t, 15_000, cfg.RefineStopIter)

	m, err := New(Config{Kind: KindMCMC})
	require.NoError(t, err)
	assert.Equal(t, 1_000_000, m.(*MCMC).Config().CapMax)
	assert.Equal(t, 5e5, m.(*MCMC).Config().NoiseLR)
}

func TestCheckSanity(t *testing.T) {
	t.Parallel()
	store, set := population(t, 3)

	for _, kind := range []Kind{KindDefault, KindMCMC} {
		s, err := New(Config{Kind: kind})
		require.NoError(t, err)
		assert.NoError(t, s.CheckSanity(store, set))

		other := splat.NewStore(3, splat.Layout(3, 1))
		err = s.CheckSanity(other, set)
		assert.True(t, errors.Is(err, ErrGroupMismatch), "%v", err)

		bare := splat.NewStore(3, []splat.GroupSpec{{Name: splat.GroupMeans, Dim: 3}})
		bareSet, err := optim.NewSet(bare, testLRs())
		require.NoError(t, err)
		assert.ErrorIs(t, s.CheckSanity(bare, bareSet), ErrGroupMismatch)
	}
}

// ----------------------------------------------------------------------------
// Default strategy
// ----------------------------------------------------------------------------

func newDefault(t *testing.T, cfg DefaultConfig) *Default {
	t.Helper()
	s, err := New(Config{Kind: KindDefault, Default: cfg, Noise: zeroNoise{}})
	require.NoError(t, err)
	return s.(*Default)
}

func assertBijection(t *testing.T, store *splat.Store, set *optim.Set, state *State) {
	t.Helper()
	n := store.Len()
	for _, g := range store.Groups() {
		assert.Len(t, g.Data, n*g.Dim, g.Name)
		assert.Equal(t, n, set.Get(g.Name).Len(), g.Name)
	}
	if state.Grad2D != nil {
		assert.Len(t, state.Grad2D, n)
		assert.Len(t, state.Count, n)
	}
	if state.Age != nil {
		assert.Len(t, state.Age, n)
		assert.Len(t, state.Fresh, n)
	}
}

func TestDefault_RefineClonesSplitsAndPrunes(t *testing.T) {
	t.Parallel()
	d := newDefault(t, DefaultConfig{})
	store, set := population(t, 4)
	state := d.InitializeState(1)

	// 0: clone, 1: split, 2: prune, 3: untouched.
	copy(store.MustGroup(splat.GroupScales).Row(1), []float64{math.Log(0.05), math.Log(0.02), math.Log(0.02)})
	store.MustGroup(splat.GroupOpacities).Data[2] = splat.Logit(0.001)

	require.NoError(t, d.StepPreBackward(store, set, state, 600, nil))
	state.Grad2D[0], state.Count[0] = 0.01, 2
	state.Grad2D[1], state.Count[1] = 0.01, 2
	state.Grad2D[2], state.Count[2] = 0.01, 2

	before := store.Clone()
	meansM, _ := set.Get(splat.GroupMeans).Moments()
	beforeM := append([]float64(nil), meansM...)

	require.NoError(t, d.StepPostBackward(store, set, state, 600, nil, PostBackwardArgs{}))
	require.Equal(t, 5, store.Len())
	assertBijection(t, store, set, state)

	means := store.MustGroup(splat.GroupMeans)
	old := before.MustGroup(splat.GroupMeans)
	// survivors, clones, split children
	for k, src := range []int{0, 3, 0, 1, 1} {
		assert.Equal(t, old.Row(src), means.Row(k), "row %d", k)
	}
	for _, k := range []int{3, 4} {
		want := before.MustGroup(splat.GroupScales).Row(1)
		got := store.MustGroup(splat.GroupScales).Row(k)
		for j := range want {
			assert.InDelta(t, want[j]-math.Ln2, got[j], 1e-12)
		}
		assert.Equal(t, before.MustGroup(splat.GroupOpacities).Data[1], store.MustGroup(splat.GroupOpacities).Data[k])
	}

	// Optimizer state is duplicated, not reset.
	gotM, _ := set.Get(splat.GroupMeans).Moments()
	for k, src := range []int{0, 3, 0, 1, 1} {
		assert.Equal(t, beforeM[3*src:3*src+3], gotM[3*k:3*k+3], "moment row %d", k)
	}

	assert.Equal(t, []bool{false, false, true, true, true}, state.Fresh)
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, state.Grad2D)
	assert.Equal(t, 1, state.Refines)
}

func TestDefault_NoRefineOutsideWindow(t *testing.T) {
	t.Parallel()
	d := newDefault(t, DefaultConfig{RefineStopIter: 1000})
	for _, step := range []int{100, 500, 650, 1000, 1100} {
		store, set := population(t, 2)
		state := d.InitializeState(1)
		require.NoError(t, d.StepPreBackward(store, set, state, step, nil))
		state.Grad2D[0], state.Count[0] = 1, 1
		require.NoError(t, d.StepPostBackward(store, set, state, step, nil, PostBackwardArgs{}))
		assert.Equal(t, 2, store.Len(), "step %d", step)
	}
}

func TestDefault_PrunesOversizedAfterFirstReset(t *testing.T) {
	t.Parallel()
	d := newDefault(t, DefaultConfig{})
	store, set := population(t, 3)
	big := math.Log(0.5)
	copy(store.MustGroup(splat.GroupScales).Row(1), []float64{big, big, big})

	state := d.InitializeState(1)
	require.NoError(t, d.StepPostBackward(store, set, state, 2900, nil, PostBackwardArgs{}))
	assert.Equal(t, 3, store.Len())

	require.NoError(t, d.StepPostBackward(store, set, state, 3100, nil, PostBackwardArgs{}))
	assert.Equal(t, 2, store.Len())
	assertBijection(t, store, set, state)
}

func TestDefault_PrunesClippedPrimitives(t *testing.T) {
	t.Parallel()
	d := newDefault(t, DefaultConfig{})
	store, set := population(t, 3)
	store.MustGroup(splat.GroupMeans).Row(1)[2] = -5

	in := raster.FromStore(store, store.Opacities())
	out, err := raster.CPU{}.Forward(context.Background(), in, raster.OrthoCamera(16, 16, 4, 4), raster.DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, []bool{false, true, false}, out.Stats.Clipped)
	out.Stats.Means2DGrad = make([]float64, 2*store.Len())

	before := store.Clone()
	state := d.InitializeState(1)
	require.NoError(t, d.StepPreBackward(store, set, state, 600, out.Stats))
	require.NoError(t, d.StepPostBackward(store, set, state, 600, out.Stats, PostBackwardArgs{}))
	require.Equal(t, 2, store.Len())
	assertBijection(t, store, set, state)
	assert.Equal(t, 1, state.LastPrune)
	means := store.MustGroup(splat.GroupMeans)
	assert.Equal(t, before.MustGroup(splat.GroupMeans).Row(0), means.Row(0))
	assert.Equal(t, before.MustGroup(splat.GroupMeans).Row(2), means.Row(1))
}

func TestDefault_OpacityReset(t *testing.T) {
	t.Parallel()

	t.Run("all rows", func(t *testing.T) {
		t.Parallel()
		d := newDefault(t, DefaultConfig{})
		store, set := population(t, 6)
		state := d.InitializeState(1)
		require.NoError(t, d.StepPostBackward(store, set, state, 3000, nil, PostBackwardArgs{}))

		m, v := set.Get(splat.GroupOpacities).Moments()
		for i := 0; i < store.Len(); i++ {
			assert.LessOrEqual(t, store.Opacity(i), 2*0.005+1e-12)
			assert.Zero(t, m[i])
			assert.Zero(t, v[i])
		}
		qm, _ := set.Get(splat.GroupQuats).Moments()
		assert.NotZero(t, qm[0], "other groups keep their moments")
		assert.Equal(t, 1, state.Resets)
	})

	t.Run("skip new rows", func(t *testing.T) {
		t.Parallel()
		d := newDefault(t, DefaultConfig{ResetSkipNew: true})
		store, set := population(t, 3)
		state := d.InitializeState(1)
		require.NoError(t, d.StepPreBackward(store, set, state, 1, nil))
		state.Fresh[1] = true

		require.NoError(t, d.StepPostBackward(store, set, state, 3000, nil, PostBackwardArgs{}))
		m, _ := set.Get(splat.GroupOpacities).Moments()
		assert.InDelta(t, 0.5, store.Opacity(1), 1e-12)
		assert.NotZero(t, m[1])
		for _, i := range []int{0, 2} {
			assert.LessOrEqual(t, store.Opacity(i), 0.01+1e-12)
			assert.Zero(t, m[i])
		}
		assert.Equal(t, []bool{false, false, false}, state.Fresh)
	})
}

// Two coincident children of a revised-opacity split composite to the
// parent's alpha at its centre.
func TestDefault_SplitConservesMass(t *testing.T) {
	t.Parallel()
	d := newDefault(t, DefaultConfig{RevisedOpacity: true})
	store, set := population(t, 1)
	store.MustGroup(splat.GroupMeans).Data[0] = 0
	store.MustGroup(splat.GroupOpacities).Data[0] = splat.Logit(0.6)
	v := math.Log(0.5)
	copy(store.MustGroup(splat.GroupScales).Row(0), []float64{v, v, v})

	cam := raster.OrthoCamera(5, 5, 4, 4)
	centre := 2*5 + 2
	render := func() float64 {
		out, err := raster.CPU{}.Forward(context.Background(), raster.FromStore(store, store.Opacities()), cam, raster.DefaultOptions())
		require.NoError(t, err)
		return out.Alpha[centre]
	}
	parent := render()
	assert.InDelta(t, 0.6, parent, 1e-12)

	state := d.InitializeState(1)
	require.NoError(t, d.StepPreBackward(store, set, state, 600, nil))
	state.Grad2D[0], state.Count[0] = 1, 1
	require.NoError(t, d.StepPostBackward(store, set, state, 600, nil, PostBackwardArgs{}))
	require.Equal(t, 2, store.Len())
	assert.InDelta(t, 1-math.Sqrt(0.4), store.Opacity(0), 1e-9)

	assert.InDelta(t, parent, render(), 1e-9)
}

func TestDefault_AccumulatesScreenGradients(t *testing.T) {
	t.Parallel()
	d := newDefault(t, DefaultConfig{RefineScale2DStopIter: 1000})
	store, set := population(t, 3)
	state := d.InitializeState(1)

	stats := &raster.Stats{
		Width: 10, Height: 20, NCameras: 1,
		Radii:       []float64{2, 0, 5},
		Means2D:     make([]float64, 6),
		Means2DGrad: []float64{0.3, 0.1, 9, 9, 0, 0.2},
	}
	require.NoError(t, d.StepPreBackward(store, set, state, 1, stats))
	require.NoError(t, d.StepPostBackward(store, set, state, 1, stats, PostBackwardArgs{}))

	assert.InDelta(t, math.Hypot(0.3*5, 0.1*10), state.Grad2D[0], 1e-12)
	assert.Zero(t, state.Grad2D[1])
	assert.InDelta(t, 0.2*10, state.Grad2D[2], 1e-12)
	assert.Equal(t, []float64{1, 0, 1}, state.Count)
	assert.Equal(t, []float64{0.1, 0, 0.25}, state.Radii)

	t.Run("packed", func(t *testing.T) {
		packed := &raster.Stats{
			Width: 10, Height: 20, NCameras: 1,
			Radii:       []float64{2, 0, 5},
			GaussianIDs: []int{0, 2},
			Means2DGrad: []float64{0.3, 0.1, 0, 0.2},
		}
		require.NoError(t, d.StepPostBackward(store, set, state, 2, packed, PostBackwardArgs{Packed: true}))
		assert.Equal(t, []float64{2, 0, 2}, state.Count)
	})

	t.Run("size mismatch", func(t *testing.T) {
		bad := &raster.Stats{Radii: []float64{1}}
		assert.Error(t, d.StepPreBackward(store, set, state, 3, bad))
	})
}

// ----------------------------------------------------------------------------
// MCMC strategy
// ----------------------------------------------------------------------------

func TestMCMC_CapInvariant(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindMCMC, MCMC: MCMCConfig{CapMax: 60}, Seed: 7})
	require.NoError(t, err)
	m := s.(*MCMC)

	store, set := population(t, 40)
	rng := rand.New(rand.NewPCG(1, 1))
	ops := store.MustGroup(splat.GroupOpacities).Data
	for i := range ops {
		ops[i] = splat.Logit(0.001 + 0.9*rng.Float64())
	}
	state := m.InitializeState(1)

	prev := store.Len()
	for step := 501; step <= 3000; step++ {
		require.NoError(t, m.StepPostBackward(store, set, state, step, nil, PostBackwardArgs{PositionLR: 1e-6}))
		n := store.Len()
		assert.GreaterOrEqual(t, n, prev)
		assert.LessOrEqual(t, n, 60)
		assertBijection(t, store, set, state)
		prev = n
	}
	assert.Equal(t, 60, store.Len())
}

func TestMCMC_RejectsPopulationAboveCap(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindMCMC, MCMC: MCMCConfig{CapMax: 5}})
	require.NoError(t, err)
	store, set := population(t, 10)
	state := s.InitializeState(1)

	err = s.StepPostBackward(store, set, state, 600, nil, PostBackwardArgs{})
	assert.ErrorIs(t, err, ErrCapExceeded)
	assert.Equal(t, 10, store.Len())
}

func TestMCMC_RelocatesDeadAndZeroesMoments(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindMCMC, MCMC: MCMCConfig{CapMax: 4}, Seed: 3})
	require.NoError(t, err)
	m := s.(*MCMC)

	store, set := population(t, 4)
	store.MustGroup(splat.GroupOpacities).Data[1] = splat.Logit(0.001)
	store.MustGroup(splat.GroupOpacities).Data[3] = splat.Logit(0.001)
	before := store.Clone()
	state := m.InitializeState(1)

	require.NoError(t, m.StepPostBackward(store, set, state, 600, nil, PostBackwardArgs{}))
	require.Equal(t, 4, store.Len())

	means := store.MustGroup(splat.GroupMeans)
	for _, i := range []int{1, 3} {
		assert.Greater(t, store.Opacity(i), 0.005)
		x := means.Row(i)[0]
		assert.True(t, x == 0 || x == 2, "dead row %d moved onto a live source, got x=%v", i, x)
	}
	// Both live rows were resampled into opacity-reduced, shrunk copies.
	m0, v0 := set.Get(splat.GroupOpacities).Moments()
	for _, i := range []int{1, 3} {
		assert.Zero(t, m0[i])
		assert.Zero(t, v0[i])
	}
	for _, i := range []int{0, 2} {
		if store.Opacity(i) < 0.5 {
			assert.Zero(t, m0[i], "source row %d", i)
			assert.Less(t, store.MaxScale(i), math.Exp(before.MustGroup(splat.GroupScales).Row(i)[0])+1e-15)
		}
	}
	assert.Equal(t, []bool{false, true, false, true}, state.Fresh)
}

func TestMCMC_GrowZeroesAppendedMoments(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindMCMC, Seed: 5})
	require.NoError(t, err)
	m := s.(*MCMC)
	store, set := population(t, 40)
	state := m.InitializeState(1)

	require.NoError(t, m.StepPostBackward(store, set, state, 700, nil, PostBackwardArgs{}))
	require.Equal(t, 42, store.Len())
	mm, vv := set.Get(splat.GroupColors).Moments()
	for k := 40 * 3; k < 42*3; k++ {
		assert.Zero(t, mm[k])
		assert.Zero(t, vv[k])
	}
	assert.Equal(t, 2, state.LastGrow)
}

func TestMCMC_NoiseTargetsTransparentPrimitives(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindMCMC, Seed: 9})
	require.NoError(t, err)
	m := s.(*MCMC)
	store, set := population(t, 2)
	big := math.Log(0.1)
	for i := 0; i < 2; i++ {
		copy(store.MustGroup(splat.GroupScales).Row(i), []float64{big, big, big})
	}
	store.MustGroup(splat.GroupOpacities).Data[0] = splat.Logit(0.9)
	store.MustGroup(splat.GroupOpacities).Data[1] = splat.Logit(0.0005)
	before := store.Clone()
	state := m.InitializeState(1)

	// Outside the refine window only noise is applied.
	require.NoError(t, m.StepPostBackward(store, set, state, 10, nil, PostBackwardArgs{PositionLR: 1.6e-4}))
	require.Equal(t, 2, store.Len())

	moved := func(i int) float64 {
		a := before.MustGroup(splat.GroupMeans).Row(i)
		b := store.MustGroup(splat.GroupMeans).Row(i)
		return math.Abs(a[0]-b[0]) + math.Abs(a[1]-b[1]) + math.Abs(a[2]-b[2])
	}
	assert.Less(t, moved(0), 1e-12)
	assert.Greater(t, moved(1), 1e-6)
}

func TestMCMC_SampleFollowsWeights(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Kind: KindMCMC, Seed: 11})
	require.NoError(t, err)
	m := s.(*MCMC)

	counts := make([]int, 4)
	for _, i := range m.sample([]float64{0, 0.75, 0, 0.25}, 4000) {
		counts[i]++
	}
	assert.Zero(t, counts[0], "zero-weight rows are never drawn")
	assert.Zero(t, counts[2], "zero-weight rows are never drawn")
	assert.InDelta(t, 3000, counts[1], 200)
	assert.InDelta(t, 1000, counts[3], 200)

	for _, i := range m.sample([]float64{0, 0, 0}, 50) {
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 3)
	}
}

// ----------------------------------------------------------------------------
// Relocation math
// ----------------------------------------------------------------------------

func TestBinomialTable(t *testing.T) {
	t.Parallel()
	b := binomialTable(relocationNMax)
	assert.Equal(t, 10.0, b[5][2])
	assert.Equal(t, 1.0, b[50][50])
	assert.Equal(t, 126410606437752.0, b[50][25])
}

func TestRelocation(t *testing.T) {
	t.Parallel()
	b := binomialTable(relocationNMax)

	o, f := relocation(0.7, 1, b)
	assert.InDelta(t, 0.7, o, 1e-15)
	assert.InDelta(t, 1.0, f, 1e-12)

	for _, ratio := range []int{2, 3, 8} {
		o, f := relocation(0.6, ratio, b)
		// Stacking ratio copies of the new opacity restores the original.
		assert.InDelta(t, 0.6, 1-math.Pow(1-o, float64(ratio)), 1e-12)
		assert.Greater(t, f, 0.0)
		assert.Less(t, f, 1.0)
	}

	// Ratios past the table are clamped.
	o1, f1 := relocation(0.5, 500, b)
	o2, f2 := relocation(0.5, relocationNMax, b)
	assert.Equal(t, o2, o1)
	assert.Equal(t, f2, f1)
}
