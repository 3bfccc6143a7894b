package raster

import (
	"github.com/banshee-data/timesplat/internal/splat"
)

// FromStore activates a population for rendering. opacities are the
// effective (time-weighted) opacities to render with.
func FromStore(s *splat.Store, opacities []float64) Inputs {
	return Inputs{
		Means:     s.MustGroup(splat.GroupMeans).Data,
		Quats:     s.MustGroup(splat.GroupQuats).Data,
		Scales:    s.Scales(),
		Opacities: opacities,
		Colors:    s.Colors(),
	}
}

// AccumulateToStore chains render gradients through the activations and adds
// them to the store's gradient buffers. The returned slice is the gradient on
// the effective opacities, which the caller routes through the temporal
// kernel.
func AccumulateToStore(s *splat.Store, in Inputs, g *Gradients) []float64 {
	means := s.MustGroup(splat.GroupMeans)
	means.EnsureGrad()
	for k, v := range g.Means {
		means.Grad[k] += v
	}

	quats := s.MustGroup(splat.GroupQuats)
	quats.EnsureGrad()
	for k, v := range g.Quats {
		quats.Grad[k] += v
	}

	scales := s.MustGroup(splat.GroupScales)
	scales.EnsureGrad()
	for k, v := range g.Scales {
		scales.Grad[k] += v * in.Scales[k]
	}

	colors := s.MustGroup(splat.GroupColors)
	colors.EnsureGrad()
	for k, v := range g.Colors {
		c := in.Colors[k]
		colors.Grad[k] += v * c * (1 - c)
	}
	return g.Opacities
}
