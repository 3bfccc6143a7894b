package splat

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemporalKernel_OneAtMean(t *testing.T) {
	t.Parallel()
	var k TemporalKernel
	mean := []float64{0.3, 0.7, 0.2}
	logScale := []float64{math.Log(0.1), math.Log(2), math.Log(0.5)}
	assert.InDelta(t, 1.0, k.Alpha(mean, logScale, mean), 1e-15)
}

func TestTemporalKernel_StrictlyDecreasing(t *testing.T) {
	t.Parallel()
	var k TemporalKernel
	mean := []float64{0.5, 0.5, 0.5}
	logScale := []float64{math.Log(0.2), math.Log(0.4), math.Log(0.1)}

	for axis := 0; axis < 3; axis++ {
		prev := 1.0
		for step := 1; step <= 20; step++ {
			q := append([]float64(nil), mean...)
			q[axis] += 0.05 * float64(step)
			a := k.Alpha(mean, logScale, q)
			assert.Less(t, a, prev, "axis %d step %d", axis, step)
			prev = a

			// Symmetric in the sign of the deviation.
			q[axis] = mean[axis] - 0.05*float64(step)
			assert.InDelta(t, a, k.Alpha(mean, logScale, q), 1e-15)
		}
	}
}

func TestTemporalKernel_DimensionMismatch(t *testing.T) {
	t.Parallel()
	s := NewStore(2, Layout(3, 1))
	_, err := TemporalKernel{}.Alphas(s, []float64{0.5})
	assert.Error(t, err)
}

func TestTemporalKernel_EffectiveOpacity(t *testing.T) {
	t.Parallel()
	s := NewStore(2, Layout(1, 3))
	s.MustGroup(GroupOpacities).Data[0] = Logit(0.8)
	s.MustGroup(GroupOpacities).Data[1] = Logit(0.8)
	s.MustGroup(GroupTimes).Data[0] = 0.5
	s.MustGroup(GroupTimes).Data[1] = 0.0
	s.MustGroup(GroupTimeScales).Data[0] = math.Log(0.1)
	s.MustGroup(GroupTimeScales).Data[1] = math.Log(0.1)

	eff, alpha, err := TemporalKernel{}.EffectiveOpacities(s, []float64{0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, eff[0], 1e-12)
	assert.InDelta(t, 1.0, alpha[0], 1e-12)
	assert.InDelta(t, 0.8*math.Exp(-0.5*25), eff[1], 1e-12)
}

// The analytic backward pass must agree with central differences of
// sum(w * effectiveOpacity).
func TestTemporalKernel_BackwardMatchesFiniteDifference(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 9))
	s := NewStore(3, Layout(3, 1))
	for _, name := range []string{GroupOpacities, GroupTimes} {
		g := s.MustGroup(name)
		for i := range g.Data {
			g.Data[i] = rng.Float64()
		}
	}
	ts := s.MustGroup(GroupTimeScales)
	for i := range ts.Data {
		ts.Data[i] = math.Log(0.3 + rng.Float64())
	}
	query := []float64{0.4, 0.6, 0.1}
	w := []float64{0.7, -1.3, 2.1}

	objective := func() float64 {
		eff, _, err := TemporalKernel{}.EffectiveOpacities(s, query)
		require.NoError(t, err)
		var sum float64
		for i, e := range eff {
			sum += w[i] * e
		}
		return sum
	}

	_, alpha, err := TemporalKernel{}.EffectiveOpacities(s, query)
	require.NoError(t, err)
	TemporalKernel{}.Backward(s, query, alpha, w)

	const h = 1e-6
	for _, name := range []string{GroupOpacities, GroupTimes, GroupTimeScales} {
		g := s.MustGroup(name)
		for i := range g.Data {
			orig := g.Data[i]
			g.Data[i] = orig + h
			up := objective()
			g.Data[i] = orig - h
			down := objective()
			g.Data[i] = orig
			assert.InDelta(t, (up-down)/(2*h), g.Grad[i], 1e-6, "%s[%d]", name, i)
		}
	}
}
