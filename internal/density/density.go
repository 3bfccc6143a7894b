// Package density implements adaptive density control for a splat
// population: growing, pruning and relocating primitives from the
// rasterizer's screen-space statistics.
//
// Two strategies exist and the choice is fixed for a run. Every structural
// edit goes through applyEdit, which rewrites the parameter groups, the
// optimizer moments and the per-primitive controller state with the same
// index map in one call.
package density

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/banshee-data/timesplat/internal/monitoring"
	"github.com/banshee-data/timesplat/internal/optim"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/splat"
)

var (
	// ErrUnknownStrategy is returned by New for an unrecognized kind.
	ErrUnknownStrategy = errors.New("unknown density strategy")
	// ErrGroupMismatch is returned by CheckSanity when the parameter or
	// optimizer groups are not what the strategy operates on.
	ErrGroupMismatch = errors.New("parameter group mismatch")
	// ErrCapExceeded is returned when a relocation population being trained
	// holds more than cap_max primitives.
	ErrCapExceeded = errors.New("population exceeds cap_max")
)

// Kind names a density strategy.
type Kind string

const (
	KindDefault Kind = "default"
	KindMCMC    Kind = "mcmc"
)

// Config selects and parameterizes a strategy.
type Config struct {
	Kind    Kind
	Default DefaultConfig
	MCMC    MCMCConfig
	Verbose bool

	// Seed feeds the jitter and sampling source when Noise is nil.
	Seed  uint64
	Noise splat.NoiseSource
}

// PostBackwardArgs carries per-step inputs beyond the statistics.
type PostBackwardArgs struct {
	Packed     bool
	PositionLR float64 // live position learning rate, scales MCMC noise
}

// Strategy is the operation surface shared by both variants.
type Strategy interface {
	Kind() Kind
	InitializeState(sceneScale float64) *State
	CheckSanity(store *splat.Store, opts *optim.Set) error
	// StepPreBackward does bookkeeping only and never edits the population.
	StepPreBackward(store *splat.Store, opts *optim.Set, state *State, step int, stats *raster.Stats) error
	// StepPostBackward runs after the optimizer step and may edit.
	StepPostBackward(store *splat.Store, opts *optim.Set, state *State, step int, stats *raster.Stats, args PostBackwardArgs) error
}

// New builds the strategy named by cfg.Kind.
func New(cfg Config) (Strategy, error) {
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	noise := cfg.Noise
	if noise == nil {
		noise = rand.New(src)
	}
	logf := monitoring.Debugf
	if cfg.Verbose {
		logf = func(format string, v ...interface{}) { monitoring.Logf(format, v...) }
	}
	switch cfg.Kind {
	case KindDefault:
		return &Default{cfg: cfg.Default.withDefaults(), noise: noise, logf: logf}, nil
	case KindMCMC:
		return &MCMC{cfg: cfg.MCMC.withDefaults(), noise: noise, src: src, logf: logf, binoms: binomialTable(relocationNMax)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Kind)
}

// State is the per-population controller state. Per-primitive slices are
// co-indexed with the store; nil slices are unused by the strategy.
type State struct {
	SceneScale float64

	Grad2D []float64 // accumulated screen gradient norm since the last refine
	Count  []float64 // visits since the last refine
	Radii  []float64 // max normalized screen radius since the last refine
	Age    []int     // steps since birth or the last opacity reset
	Fresh  []bool    // added by an edit since the last opacity reset

	Refines   int
	Resets    int
	LastGrow  int
	LastPrune int
}

func newState(sceneScale float64) *State {
	return &State{SceneScale: sceneScale}
}

// ensure sizes the per-primitive slices for n rows, allocating lazily.
func (s *State) ensure(n int, radii bool) {
	if len(s.Grad2D) != n {
		s.Grad2D = make([]float64, n)
		s.Count = make([]float64, n)
	}
	if radii && len(s.Radii) != n {
		s.Radii = make([]float64, n)
	}
	if len(s.Age) != n {
		s.Age = make([]int, n)
		s.Fresh = make([]bool, n)
	}
}

// clearAccumulators zeroes the per-cycle statistics.
func (s *State) clearAccumulators() {
	clear(s.Grad2D)
	clear(s.Count)
	clear(s.Radii)
}

// gather mirrors a structural edit. Rows at or beyond born are new.
func (s *State) gather(src []int, born int) {
	if s.Grad2D != nil {
		s.Grad2D = gatherFloats(s.Grad2D, src)
		s.Count = gatherFloats(s.Count, src)
	}
	if s.Radii != nil {
		s.Radii = gatherFloats(s.Radii, src)
	}
	if s.Age != nil {
		age := make([]int, len(src))
		fresh := make([]bool, len(src))
		for k, i := range src {
			if k >= born {
				fresh[k] = true
				continue
			}
			age[k] = s.Age[i]
			fresh[k] = s.Fresh[i]
		}
		s.Age, s.Fresh = age, fresh
	}
}

func gatherFloats(v []float64, src []int) []float64 {
	out := make([]float64, len(src))
	for k, i := range src {
		out[k] = v[i]
	}
	return out
}

// applyEdit rewrites every co-indexed structure so new row k is old row
// src[k]. Rows at index born and above count as newly added.
func applyEdit(store *splat.Store, opts *optim.Set, state *State, src []int, born int) {
	store.Gather(src)
	opts.Gather(src)
	state.gather(src, born)
	opts.Validate(store)
}

// checkGroups verifies the population carries the groups density control
// touches and that the optimizers match the population exactly.
func checkGroups(store *splat.Store, opts *optim.Set) error {
	for _, name := range []string{splat.GroupMeans, splat.GroupScales, splat.GroupQuats, splat.GroupOpacities} {
		if store.Group(name) == nil {
			return fmt.Errorf("%w: population has no %q group", ErrGroupMismatch, name)
		}
	}
	if err := opts.Matches(store); err != nil {
		return fmt.Errorf("%w: %v", ErrGroupMismatch, err)
	}
	return nil
}

// visibleRows lists the population rows present in stats together with the
// index into the stats gradient arrays for each.
func visibleRows(stats *raster.Stats, n int, packed bool) (rows, at []int, err error) {
	if len(stats.Radii) != n {
		return nil, nil, fmt.Errorf("stats cover %d primitives, population has %d", len(stats.Radii), n)
	}
	if packed {
		if stats.GaussianIDs == nil {
			return nil, nil, fmt.Errorf("packed statistics without visible ids")
		}
		at = make([]int, len(stats.GaussianIDs))
		for k := range at {
			at[k] = k
		}
		return stats.GaussianIDs, at, nil
	}
	for i, r := range stats.Radii {
		if r > 0 {
			rows = append(rows, i)
			at = append(at, i)
		}
	}
	return rows, at, nil
}
