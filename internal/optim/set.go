package optim

import (
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/timesplat/internal/splat"
)

// Mode selects which rows an optimizer step touches.
type Mode int

const (
	// Dense updates every row.
	Dense Mode = iota
	// Sparse updates only rows the rasterizer touched. Requires packed
	// rasterization so the touched set is known.
	Sparse
	// Masked updates only rows with a positive screen radius.
	Masked
)

func (m Mode) String() string {
	switch m {
	case Dense:
		return "dense"
	case Sparse:
		return "sparse"
	case Masked:
		return "masked"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts the config flags into a Mode. sparse wins over masked.
func ParseMode(sparse, visible bool) Mode {
	switch {
	case sparse:
		return Sparse
	case visible:
		return Masked
	default:
		return Dense
	}
}

// Set holds one Adam optimizer per parameter group of a population.
type Set struct {
	order []string
	opts  map[string]*Adam
}

// NewSet builds one optimizer per group of store. lrs must carry a learning
// rate for every group.
func NewSet(store *splat.Store, lrs map[string]float64) (*Set, error) {
	s := &Set{opts: make(map[string]*Adam)}
	for _, g := range store.Groups() {
		lr, ok := lrs[g.Name]
		if !ok {
			return nil, fmt.Errorf("no learning rate for group %q", g.Name)
		}
		s.order = append(s.order, g.Name)
		s.opts[g.Name] = NewAdam(g.Name, store.Len(), g.Dim, lr)
	}
	return s, nil
}

// Get returns the optimizer for a group, or nil.
func (s *Set) Get(name string) *Adam { return s.opts[name] }

// Names returns the group names in store order.
func (s *Set) Names() []string { return append([]string(nil), s.order...) }

// Each calls fn for every optimizer in store order.
func (s *Set) Each(fn func(*Adam)) {
	for _, name := range s.order {
		fn(s.opts[name])
	}
}

// Matches reports whether the set covers exactly the groups of store, with
// matching widths and row counts. The error describes the first difference.
func (s *Set) Matches(store *splat.Store) error {
	want := store.Names()
	got := s.Names()
	sort.Strings(want)
	sort.Strings(got)
	if strings.Join(want, ",") != strings.Join(got, ",") {
		return fmt.Errorf("optimizer groups [%s] do not match parameter groups [%s]",
			strings.Join(got, ","), strings.Join(want, ","))
	}
	for _, g := range store.Groups() {
		o := s.opts[g.Name]
		if o.Dim != g.Dim {
			return fmt.Errorf("group %q: optimizer width %d, parameter width %d", g.Name, o.Dim, g.Dim)
		}
		if o.Len() != store.Len() {
			return fmt.Errorf("group %q: optimizer has %d rows, population has %d", g.Name, o.Len(), store.Len())
		}
	}
	return nil
}

// Validate panics when the optimizers have drifted out of step with store.
func (s *Set) Validate(store *splat.Store) {
	if err := s.Matches(store); err != nil {
		panic("optim: " + err.Error())
	}
}

// Step applies one update to every group that has a gradient. rows follows
// Adam.Step: nil for dense, otherwise the ascending rows to update.
func (s *Set) Step(store *splat.Store, rows []int) {
	for _, g := range store.Groups() {
		if g.Grad == nil {
			g.EnsureGrad()
		}
		s.opts[g.Name].Step(g.Data, g.Grad, rows)
	}
}

// Gather mirrors splat.Store.Gather on every optimizer.
func (s *Set) Gather(src []int) {
	for _, name := range s.order {
		s.opts[name].Gather(src)
	}
}

// ZeroRows clears the moments of rows in the named groups, or in every
// group when names is empty.
func (s *Set) ZeroRows(rows []int, names ...string) {
	if len(names) == 0 {
		names = s.order
	}
	for _, name := range names {
		if o := s.opts[name]; o != nil {
			o.ZeroRows(rows)
		}
	}
}

// VisibleRows returns the ascending rows with a positive radius.
func VisibleRows(radii []float64) []int {
	var rows []int
	for i, r := range radii {
		if r > 0 {
			rows = append(rows, i)
		}
	}
	return rows
}

// UniqueRows sorts and dedups a list of touched row ids.
func UniqueRows(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	w := 0
	for i, v := range out {
		if i > 0 && v == out[w-1] {
			continue
		}
		out[w] = v
		w++
	}
	return out[:w]
}
