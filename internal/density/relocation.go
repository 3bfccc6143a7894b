package density

import (
	"math"

	"gonum.org/v1/gonum/stat/combin"
)

const relocationNMax = 51

// binomialTable returns C(n, k) for 0 <= k <= n < size.
func binomialTable(size int) [][]float64 {
	t := make([][]float64, size)
	for n := range t {
		t[n] = make([]float64, size)
		for k := 0; k <= n; k++ {
			t[n][k] = float64(combin.Binomial(n, k))
		}
	}
	return t
}

// relocation returns the opacity and scale factor for a primitive of
// opacity o that is shared by ratio copies (itself included), such that the
// copies stacked at the same spot render approximately like the original:
//
//	o' = 1 - (1-o)^(1/ratio)
//	factor = o / Σ_{i=1..ratio} Σ_{k=0..i-1} C(i-1,k) (-1)^k o'^(k+1) / sqrt(k+1)
func relocation(o float64, ratio int, binoms [][]float64) (opacity, factor float64) {
	ratio = min(max(ratio, 1), len(binoms))
	opacity = 1 - math.Pow(1-o, 1/float64(ratio))
	var denom float64
	for i := 1; i <= ratio; i++ {
		for k := 0; k < i; k++ {
			term := binoms[i-1][k] / math.Sqrt(float64(k+1)) * math.Pow(opacity, float64(k+1))
			if k%2 == 1 {
				term = -term
			}
			denom += term
		}
	}
	if denom <= 0 {
		return opacity, 1
	}
	return opacity, o / denom
}
