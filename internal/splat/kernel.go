package splat

import (
	"fmt"
	"math"
)

// TemporalKernel evaluates the per-primitive time visibility factor
//
//	timeAlpha_i = exp(-0.5 * sum_j ((t_j - mean_ij) / exp(logScale_ij))^2)
//
// and maps gradients on effective opacity back onto the raw parameters.
// Only the diagonal (isotropic) form is evaluated; the time_anisos group is
// carried and optimized but does not couple dimensions.
type TemporalKernel struct{}

// Alpha evaluates the kernel for a single primitive.
func (TemporalKernel) Alpha(mean, logScale, t []float64) float64 {
	var q float64
	for j := range t {
		z := (t[j] - mean[j]) / math.Exp(logScale[j])
		q += z * z
	}
	return math.Exp(-0.5 * q)
}

// Alphas evaluates the kernel for the whole population at query t.
func (k TemporalKernel) Alphas(s *Store, t []float64) ([]float64, error) {
	if d := s.TimeDim(); len(t) != d {
		return nil, fmt.Errorf("query time has %d components, population expects %d", len(t), d)
	}
	means := s.MustGroup(GroupTimes)
	scales := s.MustGroup(GroupTimeScales)
	out := make([]float64, s.Len())
	for i := range out {
		out[i] = k.Alpha(means.Row(i), scales.Row(i), t)
	}
	return out, nil
}

// EffectiveOpacities returns sigmoid(logitOpacity) * timeAlpha for every
// primitive, together with the timeAlpha factors used.
func (k TemporalKernel) EffectiveOpacities(s *Store, t []float64) (eff, alpha []float64, err error) {
	alpha, err = k.Alphas(s, t)
	if err != nil {
		return nil, nil, err
	}
	raw := s.MustGroup(GroupOpacities).Data
	eff = make([]float64, len(raw))
	for i, l := range raw {
		eff[i] = Sigmoid(l) * alpha[i]
	}
	return eff, alpha, nil
}

// Backward accumulates the gradient of the effective opacities (vEff) into
// the opacities, times and time_scales gradient buffers.
func (TemporalKernel) Backward(s *Store, t, alpha, vEff []float64) {
	ops := s.MustGroup(GroupOpacities)
	means := s.MustGroup(GroupTimes)
	scales := s.MustGroup(GroupTimeScales)
	ops.EnsureGrad()
	means.EnsureGrad()
	scales.EnsureGrad()
	d := len(t)
	for i := 0; i < s.Len(); i++ {
		v := vEff[i]
		if v == 0 {
			continue
		}
		sig := Sigmoid(ops.Data[i])
		ops.Grad[i] += v * alpha[i] * sig * (1 - sig)

		vAlpha := v * sig * alpha[i]
		mu := means.Row(i)
		ls := scales.Row(i)
		gm := means.Grad[i*d : (i+1)*d]
		gs := scales.Grad[i*d : (i+1)*d]
		for j := 0; j < d; j++ {
			sigma := math.Exp(ls[j])
			z := (t[j] - mu[j]) / sigma
			gm[j] += vAlpha * z / sigma
			gs[j] += vAlpha * z * z
		}
	}
}
