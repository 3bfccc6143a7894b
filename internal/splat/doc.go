// Package splat owns the primitive population: the co-indexed parameter
// groups of one splat population, the temporal visibility kernel, and the
// sampling used to seed a population at the start of a run.
//
// Responsibilities: keeping every group the same length across structural
// edits (Gather), converting between raw parameters and their effective
// values (exp scale, sigmoid opacity), and the per-primitive time factor.
// Key types: Store, Group, Array, TemporalKernel.
//
// No optimizer or density-control logic lives here; those packages drive
// Store.Gather with an index plan and apply the same plan to their own
// co-indexed state.
package splat
