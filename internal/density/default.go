package density

import (
	"fmt"
	"math"

	"github.com/banshee-data/timesplat/internal/optim"
	"github.com/banshee-data/timesplat/internal/raster"
	"github.com/banshee-data/timesplat/internal/splat"
)

// DefaultConfig parameterizes the threshold strategy. Zero values take the
// defaults below.
type DefaultConfig struct {
	PruneOpa              float64
	GrowGrad2D            float64
	GrowScale3D           float64
	GrowScale2D           float64
	PruneScale3D          float64
	PruneScale2D          float64
	RefineScale2DStopIter int
	RefineStartIter       int
	RefineStopIter        int
	ResetEvery            int
	RefineEvery           int
	PauseRefineAfterReset int
	Absgrad               bool
	RevisedOpacity        bool
	ResetSkipNew          bool
}

func (c DefaultConfig) withDefaults() DefaultConfig {
	def := func(v *float64, d float64) {
		if *v == 0 {
			*v = d
		}
	}
	defInt := func(v *int, d int) {
		if *v == 0 {
			*v = d
		}
	}
	def(&c.PruneOpa, 0.005)
	def(&c.GrowGrad2D, 0.0002)
	def(&c.GrowScale3D, 0.01)
	def(&c.GrowScale2D, 0.05)
	def(&c.PruneScale3D, 0.1)
	def(&c.PruneScale2D, 0.15)
	defInt(&c.RefineStartIter, 500)
	defInt(&c.RefineStopIter, 15_000)
	defInt(&c.ResetEvery, 3000)
	defInt(&c.RefineEvery, 100)
	return c
}

// Default is the threshold strategy: clone small high-gradient primitives,
// split large ones, prune transparent or oversized ones, and periodically
// reset opacities.
type Default struct {
	cfg   DefaultConfig
	noise splat.NoiseSource
	logf  func(format string, v ...interface{})
}

func (d *Default) Kind() Kind { return KindDefault }

// Config returns the effective settings.
func (d *Default) Config() DefaultConfig { return d.cfg }

func (d *Default) InitializeState(sceneScale float64) *State {
	return newState(sceneScale)
}

func (d *Default) CheckSanity(store *splat.Store, opts *optim.Set) error {
	return checkGroups(store, opts)
}

func (d *Default) StepPreBackward(store *splat.Store, _ *optim.Set, state *State, _ int, stats *raster.Stats) error {
	state.ensure(store.Len(), d.cfg.RefineScale2DStopIter > 0)
	if stats != nil && len(stats.Radii) != store.Len() {
		return fmt.Errorf("stats cover %d primitives, population has %d", len(stats.Radii), store.Len())
	}
	for i := range state.Age {
		state.Age[i]++
	}
	return nil
}

func (d *Default) StepPostBackward(store *splat.Store, opts *optim.Set, state *State, step int, stats *raster.Stats, args PostBackwardArgs) error {
	if step >= d.cfg.RefineStopIter {
		return nil
	}
	state.ensure(store.Len(), d.cfg.RefineScale2DStopIter > 0)
	if stats != nil {
		if err := d.accumulate(store.Len(), state, stats, args.Packed); err != nil {
			return err
		}
	}

	if step > d.cfg.RefineStartIter && step%d.cfg.RefineEvery == 0 &&
		step%d.cfg.ResetEvery >= d.cfg.PauseRefineAfterReset {
		before := store.Len()
		cloned, split, pruned := d.refine(store, opts, state, step, stats)
		state.clearAccumulators()
		state.Refines++
		state.LastGrow = cloned + split
		state.LastPrune = pruned
		d.logf("[DensityDefault] step %d: %d cloned, %d split, %d pruned, %d -> %d",
			step, cloned, split, pruned, before, store.Len())
	}

	if step%d.cfg.ResetEvery == 0 && step > 0 {
		n := d.resetOpacity(store, opts, state)
		d.logf("[DensityDefault] step %d: reset opacity of %d primitives to %.4f", step, n, 2*d.cfg.PruneOpa)
	}
	return nil
}

func (d *Default) accumulate(n int, state *State, stats *raster.Stats, packed bool) error {
	rows, at, err := visibleRows(stats, n, packed)
	if err != nil {
		return err
	}
	grads := stats.Means2DGrad
	if d.cfg.Absgrad {
		grads = stats.Means2DAbsGrad
	}
	if grads == nil {
		return fmt.Errorf("stats carry no screen-space gradient; run backward first")
	}
	ncam := float64(max(stats.NCameras, 1))
	sx := float64(stats.Width) / 2 * ncam
	sy := float64(stats.Height) / 2 * ncam
	norm := float64(max(stats.Width, stats.Height))
	for k, i := range rows {
		j := at[k]
		gx, gy := grads[2*j]*sx, grads[2*j+1]*sy
		state.Grad2D[i] += math.Hypot(gx, gy)
		state.Count[i]++
		if state.Radii != nil {
			state.Radii[i] = math.Max(state.Radii[i], stats.Radii[i]/norm)
		}
	}
	return nil
}

// refine applies clone, split and prune as one edit. Primitives the last
// render clipped against the near or far plane are pruned. The new order is
// survivors, clones, then split children in pairs, each in ascending parent
// order.
func (d *Default) refine(store *splat.Store, opts *optim.Set, state *State, step int, stats *raster.Stats) (cloned, split, pruned int) {
	n := store.Len()
	limit := d.cfg.GrowScale3D * state.SceneScale
	early := step < d.cfg.RefineScale2DStopIter
	resetWindowPassed := step > d.cfg.ResetEvery

	isSplit := make([]bool, n)
	isClone := make([]bool, n)
	for i := 0; i < n; i++ {
		if score := state.Grad2D[i] / math.Max(state.Count[i], 1); score > d.cfg.GrowGrad2D {
			if store.MaxScale(i) <= limit {
				isClone[i] = true
			} else {
				isSplit[i] = true
			}
		}
		if early && state.Radii != nil && state.Radii[i] > d.cfg.GrowScale2D {
			isSplit[i] = true
			isClone[i] = false
		}
	}

	ops := store.MustGroup(splat.GroupOpacities).Data
	var clipped []bool
	if stats != nil && len(stats.Clipped) == n {
		clipped = stats.Clipped
	}
	prune := func(i int, opacity, maxScale float64) bool {
		if opacity < d.cfg.PruneOpa || (clipped != nil && clipped[i]) {
			return true
		}
		if !resetWindowPassed {
			return false
		}
		if maxScale > d.cfg.PruneScale3D*state.SceneScale {
			return true
		}
		return early && state.Radii != nil && state.Radii[i] > d.cfg.PruneScale2D
	}

	var survivors, clones, children []int
	for i := 0; i < n; i++ {
		if isSplit[i] {
			split++
			if prune(i, childOpacity(ops[i], d.cfg.RevisedOpacity), store.MaxScale(i)/2) {
				pruned += 2
				continue
			}
			children = append(children, i, i)
			continue
		}
		if prune(i, store.Opacity(i), store.MaxScale(i)) {
			pruned++
			if isClone[i] {
				cloned++
				pruned++
			}
			continue
		}
		survivors = append(survivors, i)
		if isClone[i] {
			cloned++
			clones = append(clones, i)
		}
	}

	src := make([]int, 0, len(survivors)+len(clones)+len(children))
	src = append(src, survivors...)
	src = append(src, clones...)
	firstChild := len(src)
	src = append(src, children...)

	// Child jitter is drawn from the parent covariance before the edit.
	offsets := make([][3]float64, len(children))
	for k, i := range children {
		offsets[k] = store.SampleOffset(i, d.noise)
	}

	applyEdit(store, opts, state, src, len(survivors))

	means := store.MustGroup(splat.GroupMeans)
	scales := store.MustGroup(splat.GroupScales)
	newOps := store.MustGroup(splat.GroupOpacities).Data
	for k, parent := range children {
		row := firstChild + k
		m := means.Row(row)
		sc := scales.Row(row)
		for j := 0; j < 3; j++ {
			m[j] += offsets[k][j]
			sc[j] -= math.Ln2
		}
		if d.cfg.RevisedOpacity {
			newOps[row] = splat.Logit(childOpacity(ops[parent], true))
		}
	}
	return cloned, split, pruned
}

// childOpacity is the opacity each split child starts from. The revised rule
// makes two coincident children composite to the parent opacity.
func childOpacity(logit float64, revised bool) float64 {
	o := splat.Sigmoid(logit)
	if revised {
		return 1 - math.Sqrt(1-o)
	}
	return o
}

// resetOpacity clamps opacities to twice the prune threshold and zeroes the
// opacity moments of every affected row. With ResetSkipNew rows added since
// the previous reset are left alone.
func (d *Default) resetOpacity(store *splat.Store, opts *optim.Set, state *State) int {
	state.ensure(store.Len(), d.cfg.RefineScale2DStopIter > 0)
	ceiling := splat.Logit(2 * d.cfg.PruneOpa)
	ops := store.MustGroup(splat.GroupOpacities).Data
	var rows []int
	for i := range ops {
		if d.cfg.ResetSkipNew && state.Fresh[i] {
			continue
		}
		ops[i] = math.Min(ops[i], ceiling)
		rows = append(rows, i)
	}
	opts.ZeroRows(rows, splat.GroupOpacities)
	for _, i := range rows {
		state.Age[i] = 0
	}
	clear(state.Fresh)
	state.Resets++
	return len(rows)
}
