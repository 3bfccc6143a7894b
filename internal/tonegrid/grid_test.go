package tonegrid

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/timesplat/internal/loss"
	"github.com/banshee-data/timesplat/internal/optim"
)

func testImage(seed uint64, w, h int) loss.Image {
	rng := rand.New(rand.NewPCG(seed, 3))
	img := loss.NewImage(w, h, 3)
	for i := range img.Pix {
		img.Pix[i] = 0.05 + 0.9*rng.Float64()
	}
	return img
}

func perturbed(t *testing.T, n int, seed uint64) *Grid {
	t.Helper()
	g, err := New(n, Shape{X: 4, Y: 3, W: 5})
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(seed, 9))
	for i := range g.Data {
		g.Data[i] += 0.2 * (rng.Float64() - 0.5)
	}
	return g
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// ----------------------------------------------------------------------------
// Construction
// ----------------------------------------------------------------------------

func TestNew_RejectsBadShape(t *testing.T) {
	t.Parallel()
	_, err := New(1, Shape{X: 1, Y: 4, W: 4})
	assert.Error(t, err)
	_, err = New(0, DefaultShape)
	assert.Error(t, err)
}

func TestApply_IdentityAtInit(t *testing.T) {
	t.Parallel()
	g, err := New(2, DefaultShape)
	require.NoError(t, err)
	img := testImage(1, 9, 7)
	out, err := g.Apply(1, img)
	require.NoError(t, err)
	for i := range img.Pix {
		assert.InDelta(t, img.Pix[i], out.Pix[i], 1e-12)
	}
}

func TestApply_Errors(t *testing.T) {
	t.Parallel()
	g, err := New(2, DefaultShape)
	require.NoError(t, err)
	_, err = g.Apply(2, testImage(1, 4, 4))
	assert.Error(t, err)
	_, err = g.Apply(0, loss.NewImage(4, 4, 1))
	assert.Error(t, err)
}

func TestApply_ImagesAreIndependent(t *testing.T) {
	t.Parallel()
	g, err := New(2, DefaultShape)
	require.NoError(t, err)
	for i := 0; i < g.RowSize(); i += cellSize {
		g.Data[g.RowSize()+i+3] = 0.1 // red bias on image 1
	}
	img := testImage(2, 5, 5)
	out0, err := g.Apply(0, img)
	require.NoError(t, err)
	out1, err := g.Apply(1, img)
	require.NoError(t, err)
	assert.InDelta(t, img.Pix[0], out0.Pix[0], 1e-12)
	assert.InDelta(t, img.Pix[0]+0.1, out1.Pix[0], 1e-12)
}

// ----------------------------------------------------------------------------
// Backward
// ----------------------------------------------------------------------------

func TestBackward_GridGradientMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	g := perturbed(t, 2, 4)
	img := testImage(5, 6, 5)
	v := testImage(6, 6, 5).Pix

	_, err := g.Backward(1, img, v)
	require.NoError(t, err)

	const h = 1e-6
	for _, k := range []int{g.RowSize(), g.RowSize() + 5, g.RowSize() + 100, len(g.Data) - 1} {
		orig := g.Data[k]
		g.Data[k] = orig + h
		up, _ := g.Apply(1, img)
		g.Data[k] = orig - h
		down, _ := g.Apply(1, img)
		g.Data[k] = orig
		want := (dot(v, up.Pix) - dot(v, down.Pix)) / (2 * h)
		assert.InDelta(t, want, g.Grad[k], 1e-6, "index %d", k)
	}
	// Image 0 untouched.
	for k := 0; k < g.RowSize(); k++ {
		require.Zero(t, g.Grad[k])
	}
}

func TestBackward_InputGradientMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	g := perturbed(t, 1, 7)
	img := testImage(8, 5, 4)
	v := testImage(9, 5, 4).Pix

	vIn, err := g.Backward(0, img, v)
	require.NoError(t, err)

	const h = 1e-7
	for _, i := range []int{0, 1, 2, 17, 31, len(img.Pix) - 1} {
		orig := img.Pix[i]
		img.Pix[i] = orig + h
		up, _ := g.Apply(0, img)
		img.Pix[i] = orig - h
		down, _ := g.Apply(0, img)
		img.Pix[i] = orig
		want := (dot(v, up.Pix) - dot(v, down.Pix)) / (2 * h)
		assert.InDelta(t, want, vIn[i], 1e-5, "pixel %d", i)
	}
}

func TestBackward_LengthMismatch(t *testing.T) {
	t.Parallel()
	g, err := New(1, DefaultShape)
	require.NoError(t, err)
	_, err = g.Backward(0, testImage(1, 3, 3), make([]float64, 5))
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Total variation
// ----------------------------------------------------------------------------

func TestTotalVariation_ZeroOnUniformGrid(t *testing.T) {
	t.Parallel()
	g, err := New(3, Shape{X: 3, Y: 3, W: 3})
	require.NoError(t, err)
	assert.Zero(t, g.TotalVariation(10))
	for _, v := range g.Grad {
		require.Zero(t, v)
	}
}

func TestTotalVariation_GradientMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	g := perturbed(t, 2, 10)
	g.TotalVariation(10)
	grad := append([]float64(nil), g.Grad...)

	const h = 1e-6
	for _, k := range []int{0, 13, 250, len(g.Data) - 1} {
		orig := g.Data[k]
		g.Data[k] = orig + h
		up := g.TotalVariation(1)
		g.Data[k] = orig - h
		down := g.TotalVariation(1)
		g.Data[k] = orig
		assert.InDelta(t, 10*(up-down)/(2*h), grad[k], 1e-6, "index %d", k)
	}
}

// ----------------------------------------------------------------------------
// Optimizer
// ----------------------------------------------------------------------------

func TestNewOptimizer_WarmupThenDecay(t *testing.T) {
	t.Parallel()
	g, err := New(2, DefaultShape)
	require.NoError(t, err)
	opt, sched := g.NewOptimizer(2e-3, 30000)
	assert.Equal(t, GroupName, opt.Name)
	assert.InDelta(t, 2e-5, sched.LR(), 1e-12)
	sched.Seek(1000)
	assert.InDelta(t, 2e-3*optim.ExponentialTo(0.01, 30000).Factor(1000), sched.LR(), 1e-12)
	sched.Seek(30000)
	assert.InDelta(t, 2e-5, sched.LR(), 1e-10)
}

func TestStep_MovesTowardsTarget(t *testing.T) {
	t.Parallel()
	g, err := New(1, Shape{X: 2, Y: 2, W: 2})
	require.NoError(t, err)
	opt, _ := g.NewOptimizer(0.1, 100)
	opt.LR = 0.02
	img := testImage(11, 4, 4)
	target := loss.NewImage(4, 4, 3)
	for i := range target.Pix {
		target.Pix[i] = 0.5 * img.Pix[i]
	}
	first := -1.0
	for it := 0; it < 500; it++ {
		out, err := g.Apply(0, img)
		require.NoError(t, err)
		mse, _ := loss.MSE(out, target)
		if first < 0 {
			first = mse
		}
		v := make([]float64, len(out.Pix))
		for i := range v {
			v[i] = 2 * (out.Pix[i] - target.Pix[i])
		}
		_, err = g.Backward(0, img, v)
		require.NoError(t, err)
		g.Step(opt)
	}
	out, _ := g.Apply(0, img)
	last, _ := loss.MSE(out, target)
	assert.Less(t, last, first/10)
}
