package loss

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomImage(seed uint64, w, h, c int, lo, hi float64) Image {
	rng := rand.New(rand.NewPCG(seed, 7))
	img := NewImage(w, h, c)
	for i := range img.Pix {
		img.Pix[i] = lo + (hi-lo)*rng.Float64()
	}
	return img
}

func clone(img Image) Image {
	img.Pix = append([]float64(nil), img.Pix...)
	return img
}

// ----------------------------------------------------------------------------
// L1 / PSNR
// ----------------------------------------------------------------------------

func TestL1_ValueAndGradient(t *testing.T) {
	t.Parallel()
	pred := Image{Width: 2, Height: 1, Channels: 2, Pix: []float64{0.5, 0.2, 0.1, 0.4}}
	target := Image{Width: 2, Height: 1, Channels: 2, Pix: []float64{0.1, 0.2, 0.3, 0.4}}
	v, g, err := L1(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, (0.4+0.2)/4, v, 1e-12)
	assert.Equal(t, []float64{0.25, 0, -0.25, 0}, g)
}

func TestL1_ShapeMismatch(t *testing.T) {
	t.Parallel()
	_, _, err := L1(NewImage(2, 2, 3), NewImage(2, 3, 3))
	assert.Error(t, err)
}

func TestPSNR(t *testing.T) {
	t.Parallel()
	a := NewImage(4, 4, 1)
	b := NewImage(4, 4, 1)
	for i := range b.Pix {
		b.Pix[i] = 0.1
	}
	p, err := PSNR(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, p, 1e-9)

	p, err = PSNR(a, a)
	require.NoError(t, err)
	assert.True(t, math.IsInf(p, 1))
}

// ----------------------------------------------------------------------------
// SSIM
// ----------------------------------------------------------------------------

func TestSSIM_IdenticalImages(t *testing.T) {
	t.Parallel()
	img := randomImage(1, 16, 14, 3, 0, 1)
	s, g, err := SSIM(img, img)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9)
	for _, v := range g {
		assert.InDelta(t, 0, v, 1e-9)
	}
}

func TestSSIM_TooSmall(t *testing.T) {
	t.Parallel()
	_, _, err := SSIM(NewImage(10, 20, 1), NewImage(10, 20, 1))
	assert.Error(t, err)
}

func TestSSIM_DropsWithNoise(t *testing.T) {
	t.Parallel()
	target := randomImage(2, 20, 20, 1, 0.2, 0.8)
	slight := clone(target)
	heavy := clone(target)
	noise := randomImage(3, 20, 20, 1, -1, 1)
	for i := range target.Pix {
		slight.Pix[i] += 0.02 * noise.Pix[i]
		heavy.Pix[i] += 0.2 * noise.Pix[i]
	}
	s1, _, err := SSIM(slight, target)
	require.NoError(t, err)
	s2, _, err := SSIM(heavy, target)
	require.NoError(t, err)
	assert.Less(t, s2, s1)
	assert.Less(t, s1, 1.0)
}

func TestSSIM_GradientMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	pred := randomImage(4, 13, 12, 2, 0.1, 0.9)
	target := randomImage(5, 13, 12, 2, 0.1, 0.9)
	_, g, err := SSIM(pred, target)
	require.NoError(t, err)

	const h = 1e-6
	for _, i := range []int{0, 7, 40, 101, 155, 200, len(pred.Pix) - 1} {
		p := clone(pred)
		p.Pix[i] += h
		up, _, _ := SSIM(p, target)
		p.Pix[i] -= 2 * h
		down, _, _ := SSIM(p, target)
		assert.InDelta(t, (up-down)/(2*h), g[i], 1e-6, "pixel %d", i)
	}
}

func TestFilterTransposeIsAdjoint(t *testing.T) {
	t.Parallel()
	w, h := 15, 13
	x := randomImage(6, w, h, 1, -1, 1).Pix
	y := randomImage(7, w-10, h-10, 1, -1, 1).Pix
	fx := filterValid(x, w, h)
	fty := filterTranspose(y, w, h)
	var lhs, rhs float64
	for i := range fx {
		lhs += fx[i] * y[i]
	}
	for i := range x {
		rhs += x[i] * fty[i]
	}
	assert.InDelta(t, lhs, rhs, 1e-10)
}

// ----------------------------------------------------------------------------
// Photometric
// ----------------------------------------------------------------------------

func TestPhotometric_Composition(t *testing.T) {
	t.Parallel()
	pred := randomImage(8, 12, 12, 3, 0, 1)
	target := randomImage(9, 12, 12, 3, 0, 1)
	total, l1, ssim, grad, err := Photometric(pred, target, Weights{SSIMLambda: 0.2})
	require.NoError(t, err)
	assert.InDelta(t, 0.8*l1+0.2*(1-ssim), total, 1e-12)

	_, gL1, _ := L1(pred, target)
	_, gSSIM, _ := SSIM(pred, target)
	for i := range grad {
		assert.InDelta(t, 0.8*gL1[i]-0.2*gSSIM[i], grad[i], 1e-12)
	}
}

// ----------------------------------------------------------------------------
// Colour correction
// ----------------------------------------------------------------------------

func TestColorCorrect_RecoversAffineShift(t *testing.T) {
	t.Parallel()
	ref := randomImage(10, 16, 16, 3, 0.1, 0.9)
	img := clone(ref)
	for i := range img.Pix {
		img.Pix[i] = 0.5*ref.Pix[i] + 0.1
	}
	out, err := ColorCorrect(img, ref)
	require.NoError(t, err)
	for i := range out.Pix {
		assert.InDelta(t, ref.Pix[i], out.Pix[i], 1e-6)
	}
}

func TestColorCorrect_ClampsAndKeepsShape(t *testing.T) {
	t.Parallel()
	ref := randomImage(11, 12, 12, 3, 0, 1)
	img := randomImage(12, 12, 12, 3, 0, 1)
	out, err := ColorCorrect(img, ref)
	require.NoError(t, err)
	assert.Equal(t, img.Width, out.Width)
	assert.Len(t, out.Pix, len(img.Pix))
	for _, v := range out.Pix {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestColorCorrect_ConstantImageFallsBack(t *testing.T) {
	t.Parallel()
	img := NewImage(12, 12, 1)
	for i := range img.Pix {
		img.Pix[i] = 0.5
	}
	ref := randomImage(13, 12, 12, 1, 0.2, 0.8)
	out, err := ColorCorrect(img, ref)
	require.NoError(t, err)
	for _, v := range out.Pix {
		assert.False(t, math.IsNaN(v))
	}
}

func TestEvaluate_ColorCorrectionHelps(t *testing.T) {
	t.Parallel()
	target := randomImage(14, 16, 16, 3, 0.1, 0.9)
	pred := clone(target)
	for i := range pred.Pix {
		pred.Pix[i] = 0.7*target.Pix[i] + 0.05
	}
	m, err := Evaluate(pred, target)
	require.NoError(t, err)
	assert.Greater(t, m.CCPSNR, m.PSNR)
	assert.GreaterOrEqual(t, m.CCSSIM, m.SSIM-1e-9)
	assert.Greater(t, m.CCPSNR, 60.0)
}

// ----------------------------------------------------------------------------
// Image helpers
// ----------------------------------------------------------------------------

func TestImageNRGBA(t *testing.T) {
	t.Parallel()
	img := NewImage(2, 1, 3)
	copy(img.Pix, []float64{1, 0, 0.5, -1, 2, 0})
	out := img.NRGBA()
	assert.Equal(t, []uint8{255, 0, 128, 255, 0, 255, 0, 255}, out.Pix)

	gray := NewImage(1, 1, 1)
	gray.Pix[0] = 0.2
	assert.Equal(t, []uint8{51, 51, 51, 255}, gray.NRGBA().Pix)
}

func TestImageClamp(t *testing.T) {
	t.Parallel()
	img := NewImage(1, 1, 3)
	copy(img.Pix, []float64{-0.5, 0.25, 3})
	out := img.Clamp()
	assert.Equal(t, []float64{0, 0.25, 1}, out.Pix)
	assert.Equal(t, -0.5, img.Pix[0])
}

func TestSideBySide(t *testing.T) {
	t.Parallel()
	a := NewImage(2, 2, 1)
	b := NewImage(2, 2, 1)
	copy(a.Pix, []float64{1, 2, 3, 4})
	copy(b.Pix, []float64{5, 6, 7, 8})
	out, err := SideBySide(a, b)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Width)
	assert.Equal(t, []float64{1, 2, 5, 6, 3, 4, 7, 8}, out.Pix)

	_, err = SideBySide(a, NewImage(3, 2, 1))
	assert.Error(t, err)
}
