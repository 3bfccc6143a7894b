package splat

import "math"

// Sigmoid maps a logit to (0, 1).
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Logit is the inverse of Sigmoid. p is clamped to keep the result finite.
func Logit(p float64) float64 {
	const eps = 1e-12
	p = math.Min(math.Max(p, eps), 1-eps)
	return math.Log(p / (1 - p))
}

// Opacity returns the effective opacity of primitive i.
func (s *Store) Opacity(i int) float64 {
	return Sigmoid(s.MustGroup(GroupOpacities).Data[i])
}

// Opacities returns every effective opacity.
func (s *Store) Opacities() []float64 {
	raw := s.MustGroup(GroupOpacities).Data
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = Sigmoid(v)
	}
	return out
}

// Scale returns the effective scale of primitive i.
func (s *Store) Scale(i int) [3]float64 {
	r := s.MustGroup(GroupScales).Row(i)
	return [3]float64{math.Exp(r[0]), math.Exp(r[1]), math.Exp(r[2])}
}

// MaxScale returns the largest effective scale axis of primitive i.
func (s *Store) MaxScale(i int) float64 {
	sc := s.Scale(i)
	return math.Max(sc[0], math.Max(sc[1], sc[2]))
}

// Scales returns every effective scale, row-major [N, 3].
func (s *Store) Scales() []float64 {
	raw := s.MustGroup(GroupScales).Data
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = math.Exp(v)
	}
	return out
}

// Colors returns every effective colour, row-major [N, ColorDim].
func (s *Store) Colors() []float64 {
	raw := s.MustGroup(GroupColors).Data
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = Sigmoid(v)
	}
	return out
}
