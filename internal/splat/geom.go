package splat

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// NoiseSource is the random source used for jitter and sampling.
// *rand.Rand from math/rand/v2 satisfies it.
type NoiseSource interface {
	NormFloat64() float64
	Float64() float64
}

// NormalizeQuat returns q / |q|, or the identity rotation for a zero quaternion.
func NormalizeQuat(q []float64) [4]float64 {
	n := math.Sqrt(q[0]*q[0] + q[1]*q[1] + q[2]*q[2] + q[3]*q[3])
	if n == 0 {
		return [4]float64{1, 0, 0, 0}
	}
	return [4]float64{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Rotation returns the 3x3 rotation of a wxyz quaternion (normalized first).
func Rotation(q []float64) *mat.Dense {
	u := NormalizeQuat(q)
	w, x, y, z := u[0], u[1], u[2], u[3]
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// CovarianceFactor returns M = R * diag(scale), so that the primitive's
// covariance is M Mᵀ.
func CovarianceFactor(q, scale []float64) *mat.Dense {
	var m mat.Dense
	m.Mul(Rotation(q), mat.NewDiagDense(3, []float64{scale[0], scale[1], scale[2]}))
	return &m
}

// Covariance returns the 3x3 world-space covariance R S Sᵀ Rᵀ.
func Covariance(q, scale []float64) *mat.SymDense {
	var cov mat.SymDense
	cov.SymOuterK(1, CovarianceFactor(q, scale))
	return &cov
}

// SampleOffset draws a position offset from the covariance of primitive i.
func (s *Store) SampleOffset(i int, rng NoiseSource) [3]float64 {
	sc := s.Scale(i)
	m := CovarianceFactor(s.MustGroup(GroupQuats).Row(i), sc[:])
	z := mat.NewVecDense(3, []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()})
	var v mat.VecDense
	v.MulVec(m, z)
	return [3]float64{v.AtVec(0), v.AtVec(1), v.AtVec(2)}
}
