package splat

import (
	"fmt"
	"sort"
)

// Parameter group names. These are also the checkpoint keys.
const (
	GroupMeans      = "means"
	GroupScales     = "scales"
	GroupQuats      = "quats"
	GroupOpacities  = "opacities"
	GroupTimes      = "times"
	GroupTimeScales = "time_scales"
	GroupColors     = "colors"
	GroupTimeAnisos = "time_anisos"
)

// GroupSpec names one parameter group and its per-primitive width.
type GroupSpec struct {
	Name string
	Dim  int
}

// Layout returns the standard group layout for a population whose temporal
// kernel has timeDim dimensions and whose colour has colorDim channels.
// The time_anisos group is only present when timeDim > 1.
func Layout(timeDim, colorDim int) []GroupSpec {
	specs := []GroupSpec{
		{GroupMeans, 3},
		{GroupScales, 3},
		{GroupQuats, 4},
		{GroupOpacities, 1},
		{GroupTimes, timeDim},
		{GroupTimeScales, timeDim},
		{GroupColors, colorDim},
	}
	if n := timeDim * (timeDim - 1) / 2; n > 0 {
		specs = append(specs, GroupSpec{GroupTimeAnisos, n})
	}
	return specs
}

// Array is a row-major [N, Dim] block of float64 values. It is the
// serialization unit for checkpoints and compression codecs.
type Array struct {
	Dim  int
	Data []float64
}

// Rows returns the leading dimension of the array.
func (a Array) Rows() int {
	if a.Dim == 0 {
		return 0
	}
	return len(a.Data) / a.Dim
}

// Group is one named parameter array of a population, row-major [N, Dim].
// Grad is nil until a backward pass writes into it.
type Group struct {
	Name string
	Dim  int
	Data []float64
	Grad []float64
}

// Row returns a view of row i.
func (g *Group) Row(i int) []float64 {
	return g.Data[i*g.Dim : (i+1)*g.Dim]
}

// GradRow returns a view of the gradient for row i, allocating the gradient
// buffer on first use.
func (g *Group) GradRow(i int) []float64 {
	g.EnsureGrad()
	return g.Grad[i*g.Dim : (i+1)*g.Dim]
}

// EnsureGrad allocates a zeroed gradient buffer if none exists.
func (g *Group) EnsureGrad() {
	if len(g.Grad) != len(g.Data) {
		g.Grad = make([]float64, len(g.Data))
	}
}

// ZeroGrad drops the gradient buffer.
func (g *Group) ZeroGrad() {
	g.Grad = nil
}

// Store holds the co-indexed parameter groups of one population.
type Store struct {
	groups []*Group
	index  map[string]int
	n      int
}

// NewStore allocates a zeroed population of n primitives with the given layout.
func NewStore(n int, layout []GroupSpec) *Store {
	if n < 0 {
		panic(fmt.Sprintf("splat: negative population size %d", n))
	}
	s := &Store{index: make(map[string]int, len(layout)), n: n}
	for _, spec := range layout {
		if _, dup := s.index[spec.Name]; dup {
			panic(fmt.Sprintf("splat: duplicate group %q", spec.Name))
		}
		s.index[spec.Name] = len(s.groups)
		s.groups = append(s.groups, &Group{
			Name: spec.Name,
			Dim:  spec.Dim,
			Data: make([]float64, n*spec.Dim),
		})
	}
	return s
}

// Len returns the number of primitives.
func (s *Store) Len() int { return s.n }

// Group returns the named group, or nil when the population has no such group.
func (s *Store) Group(name string) *Group {
	i, ok := s.index[name]
	if !ok {
		return nil
	}
	return s.groups[i]
}

// MustGroup returns the named group and panics when it is missing.
func (s *Store) MustGroup(name string) *Group {
	g := s.Group(name)
	if g == nil {
		panic(fmt.Sprintf("splat: population has no group %q", name))
	}
	return g
}

// Groups returns the groups in layout order.
func (s *Store) Groups() []*Group { return s.groups }

// Names returns the group names in layout order.
func (s *Store) Names() []string {
	names := make([]string, len(s.groups))
	for i, g := range s.groups {
		names[i] = g.Name
	}
	return names
}

// TimeDim is the dimensionality of the temporal kernel (1 or 3).
func (s *Store) TimeDim() int { return s.MustGroup(GroupTimes).Dim }

// ColorDim is the number of colour channels (3 albedo, 1 shading).
func (s *Store) ColorDim() int { return s.MustGroup(GroupColors).Dim }

// Validate panics if any group disagrees with the population size. A
// mismatch is a bug in a structural edit, never a runtime condition.
func (s *Store) Validate() {
	for _, g := range s.groups {
		if len(g.Data) != s.n*g.Dim {
			panic(fmt.Sprintf("splat: group %q has %d values, want %d (N=%d, dim=%d)",
				g.Name, len(g.Data), s.n*g.Dim, s.n, g.Dim))
		}
		if g.Grad != nil && len(g.Grad) != len(g.Data) {
			panic(fmt.Sprintf("splat: group %q gradient has %d values, want %d",
				g.Name, len(g.Grad), len(g.Data)))
		}
	}
}

// Gather rewrites every group so that new row k is a copy of old row src[k].
// Rows may repeat (duplication) or be omitted (removal). Gradients are
// dropped. This is the single primitive behind every structural edit.
func (s *Store) Gather(src []int) {
	for _, g := range s.groups {
		g.Data = GatherRows(g.Data, g.Dim, src)
		g.Grad = nil
	}
	s.n = len(src)
	s.Validate()
}

// GatherRows builds a new [len(src), dim] block from rows of data.
func GatherRows(data []float64, dim int, src []int) []float64 {
	out := make([]float64, len(src)*dim)
	rows := len(data) / max(dim, 1)
	for k, i := range src {
		if i < 0 || i >= rows {
			panic(fmt.Sprintf("splat: gather index %d out of range [0,%d)", i, rows))
		}
		copy(out[k*dim:(k+1)*dim], data[i*dim:(i+1)*dim])
	}
	return out
}

// ZeroGrads drops every group's gradient buffer.
func (s *Store) ZeroGrads() {
	for _, g := range s.groups {
		g.ZeroGrad()
	}
}

// Clone returns a deep copy without gradients.
func (s *Store) Clone() *Store {
	c := &Store{index: make(map[string]int, len(s.index)), n: s.n}
	for i, g := range s.groups {
		data := make([]float64, len(g.Data))
		copy(data, g.Data)
		c.groups = append(c.groups, &Group{Name: g.Name, Dim: g.Dim, Data: data})
		c.index[g.Name] = i
	}
	return c
}

// Arrays returns a copy of every group keyed by name.
func (s *Store) Arrays() map[string]Array {
	out := make(map[string]Array, len(s.groups))
	for _, g := range s.groups {
		data := make([]float64, len(g.Data))
		copy(data, g.Data)
		out[g.Name] = Array{Dim: g.Dim, Data: data}
	}
	return out
}

// Assign replaces group values with the given arrays. Every group of the
// store must be present with a matching width and all arrays must agree on
// the row count; the population size follows the arrays.
func (s *Store) Assign(arrays map[string]Array) error {
	rows := -1
	for _, g := range s.groups {
		a, ok := arrays[g.Name]
		if !ok {
			return fmt.Errorf("missing group %q", g.Name)
		}
		if a.Dim != g.Dim {
			return fmt.Errorf("group %q has width %d, want %d", g.Name, a.Dim, g.Dim)
		}
		if rows >= 0 && a.Rows() != rows {
			return fmt.Errorf("group %q has %d rows, want %d", g.Name, a.Rows(), rows)
		}
		rows = a.Rows()
	}
	for _, g := range s.groups {
		a := arrays[g.Name]
		g.Data = make([]float64, len(a.Data))
		copy(g.Data, a.Data)
		g.Grad = nil
	}
	s.n = max(rows, 0)
	s.Validate()
	return nil
}

// FromArrays builds a store whose layout follows the given arrays. Groups
// are ordered by the standard layout, with unknown names appended
// alphabetically.
func FromArrays(arrays map[string]Array) (*Store, error) {
	var layout []GroupSpec
	seen := make(map[string]bool)
	timeDim, colorDim := 1, 3
	if a, ok := arrays[GroupTimes]; ok {
		timeDim = a.Dim
	}
	if a, ok := arrays[GroupColors]; ok {
		colorDim = a.Dim
	}
	for _, spec := range Layout(timeDim, colorDim) {
		if a, ok := arrays[spec.Name]; ok {
			layout = append(layout, GroupSpec{spec.Name, a.Dim})
			seen[spec.Name] = true
		}
	}
	var extra []string
	for name := range arrays {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		layout = append(layout, GroupSpec{name, arrays[name].Dim})
	}
	s := NewStore(0, layout)
	if err := s.Assign(arrays); err != nil {
		return nil, err
	}
	return s, nil
}

// Concat joins populations along the primitive dimension. All inputs must
// share the same group names and widths.
func Concat(stores ...*Store) (*Store, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("no populations to concatenate")
	}
	first := stores[0]
	layout := make([]GroupSpec, len(first.groups))
	for i, g := range first.groups {
		layout[i] = GroupSpec{g.Name, g.Dim}
	}
	total := 0
	for k, s := range stores {
		if len(s.groups) != len(layout) {
			return nil, fmt.Errorf("population %d has %d groups, want %d", k, len(s.groups), len(layout))
		}
		for _, spec := range layout {
			g := s.Group(spec.Name)
			if g == nil || g.Dim != spec.Dim {
				return nil, fmt.Errorf("population %d: group %q missing or wrong width", k, spec.Name)
			}
		}
		total += s.n
	}
	out := NewStore(0, layout)
	for _, g := range out.groups {
		g.Data = make([]float64, 0, total*g.Dim)
		for _, s := range stores {
			g.Data = append(g.Data, s.MustGroup(g.Name).Data...)
		}
	}
	out.n = total
	out.Validate()
	return out, nil
}
