// Package optim holds the per-group Adam optimizers and learning-rate
// schedules used to fit a splat population.
//
// Every optimizer keeps its moments row-major and co-indexed with the
// parameter group it updates, so a structural edit of the population must be
// mirrored with Gather / ZeroRows on the optimizer in the same step.
package optim

import (
	"fmt"
	"math"
)

// Adam defaults.
const (
	DefaultBeta1 = 0.9
	DefaultBeta2 = 0.999
	DefaultEps   = 1e-15
)

// Adam is a single-group Adam optimizer over a [rows, Dim] parameter block.
type Adam struct {
	Name  string
	Dim   int
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	m     []float64
	v     []float64
	steps int
}

// NewAdam returns an optimizer with zeroed moments for rows x dim values.
func NewAdam(name string, rows, dim int, lr float64) *Adam {
	return &Adam{
		Name:  name,
		Dim:   dim,
		LR:    lr,
		Beta1: DefaultBeta1,
		Beta2: DefaultBeta2,
		Eps:   DefaultEps,
		m:     make([]float64, rows*dim),
		v:     make([]float64, rows*dim),
	}
}

// Len returns the number of rows tracked.
func (a *Adam) Len() int {
	if a.Dim == 0 {
		return 0
	}
	return len(a.m) / a.Dim
}

// Steps returns how many updates have been applied.
func (a *Adam) Steps() int { return a.steps }

// Moments exposes the first and second moment buffers.
func (a *Adam) Moments() (m, v []float64) { return a.m, a.v }

// Step applies one Adam update. When rows is nil every row is updated
// (dense). Otherwise only the listed rows get moment and parameter updates;
// rows must be ascending and unique.
func (a *Adam) Step(data, grad []float64, rows []int) {
	if len(data) != len(a.m) || len(grad) != len(a.m) {
		panic(fmt.Sprintf("optim: %s: data=%d grad=%d moments=%d", a.Name, len(data), len(grad), len(a.m)))
	}
	a.steps++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.steps))
	bc2 := math.Sqrt(1 - math.Pow(a.Beta2, float64(a.steps)))
	stepSize := a.LR / bc1

	update := func(k int) {
		g := grad[k]
		a.m[k] = a.Beta1*a.m[k] + (1-a.Beta1)*g
		a.v[k] = a.Beta2*a.v[k] + (1-a.Beta2)*g*g
		data[k] -= stepSize * a.m[k] / (math.Sqrt(a.v[k])/bc2 + a.Eps)
	}

	if rows == nil {
		for k := range data {
			update(k)
		}
		return
	}
	for _, i := range rows {
		for k := i * a.Dim; k < (i+1)*a.Dim; k++ {
			update(k)
		}
	}
}

// Gather rewrites the moment buffers so new row k holds the state of old
// row src[k]. Duplicated rows inherit their source's moments.
func (a *Adam) Gather(src []int) {
	a.m = gatherRows(a.m, a.Dim, src)
	a.v = gatherRows(a.v, a.Dim, src)
}

// ZeroRows clears both moments of the listed rows.
func (a *Adam) ZeroRows(rows []int) {
	for _, i := range rows {
		clear(a.m[i*a.Dim : (i+1)*a.Dim])
		clear(a.v[i*a.Dim : (i+1)*a.Dim])
	}
}

func gatherRows(data []float64, dim int, src []int) []float64 {
	out := make([]float64, len(src)*dim)
	rows := 0
	if dim > 0 {
		rows = len(data) / dim
	}
	for k, i := range src {
		if i < 0 || i >= rows {
			panic(fmt.Sprintf("optim: gather index %d out of range [0,%d)", i, rows))
		}
		copy(out[k*dim:(k+1)*dim], data[i*dim:(i+1)*dim])
	}
	return out
}
