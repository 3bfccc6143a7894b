package loss

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	colorCorrectIters = 5
	colorCorrectEps   = 0.5 / 255
)

func unclipped(v float64) bool {
	return v >= colorCorrectEps && v <= 1-colorCorrectEps
}

// colorFeatures returns the quadratic, linear and bias features of one pixel.
func colorFeatures(px []float64, out []float64) []float64 {
	out = out[:0]
	for c := range px {
		for d := c; d < len(px); d++ {
			out = append(out, px[c]*px[d])
		}
	}
	out = append(out, px...)
	return append(out, 1)
}

// ColorCorrect warps img towards ref with a per-channel quadratic colour
// transform fitted by least squares on pixels that are not clipped in
// either image. The fit is repeated a few times on the warped result.
// Channels whose system is singular keep their current values.
func ColorCorrect(img, ref Image) (Image, error) {
	if err := sameShape(img, ref); err != nil {
		return Image{}, err
	}
	ch := img.Channels
	n := img.Width * img.Height
	nf := ch*(ch+1)/2 + ch + 1

	cur := append([]float64(nil), img.Pix...)
	mask0 := make([]bool, len(cur))
	for i, v := range cur {
		mask0[i] = unclipped(v)
	}

	feats := make([]float64, n*nf)
	buf := make([]float64, 0, nf)
	for iter := 0; iter < colorCorrectIters; iter++ {
		for p := 0; p < n; p++ {
			copy(feats[p*nf:(p+1)*nf], colorFeatures(cur[p*ch:(p+1)*ch], buf))
		}
		warps := make([]*mat.VecDense, ch)
		for c := 0; c < ch; c++ {
			ata := mat.NewSymDense(nf, nil)
			atb := mat.NewVecDense(nf, nil)
			for p := 0; p < n; p++ {
				i := p*ch + c
				if !mask0[i] || !unclipped(cur[i]) || !unclipped(ref.Pix[i]) {
					continue
				}
				row := mat.NewVecDense(nf, feats[p*nf:(p+1)*nf])
				ata.SymRankOne(ata, 1, row)
				atb.AddScaledVec(atb, ref.Pix[i], row)
			}
			var w mat.VecDense
			if err := w.SolveVec(ata, atb); err != nil || !finite(w.RawVector().Data) {
				continue
			}
			warps[c] = &w
		}

		next := make([]float64, len(cur))
		for p := 0; p < n; p++ {
			f := mat.NewVecDense(nf, feats[p*nf:(p+1)*nf])
			for c := 0; c < ch; c++ {
				i := p*ch + c
				v := cur[i]
				if warps[c] != nil {
					v = mat.Dot(f, warps[c])
				}
				next[i] = math.Min(math.Max(v, 0), 1)
			}
		}
		cur = next
	}
	return Image{Width: img.Width, Height: img.Height, Channels: ch, Pix: cur}, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Metrics holds per-image evaluation scores.
type Metrics struct {
	PSNR   float64 `json:"psnr"`
	SSIM   float64 `json:"ssim"`
	CCPSNR float64 `json:"cc_psnr"`
	CCSSIM float64 `json:"cc_ssim"`
}

// Evaluate scores pred against target, both raw and after colour correction.
func Evaluate(pred, target Image) (Metrics, error) {
	var m Metrics
	var err error
	if m.PSNR, err = PSNR(pred, target); err != nil {
		return m, err
	}
	if m.SSIM, _, err = SSIM(pred, target); err != nil {
		return m, err
	}
	cc, err := ColorCorrect(pred, target)
	if err != nil {
		return m, err
	}
	if m.CCPSNR, err = PSNR(cc, target); err != nil {
		return m, err
	}
	m.CCSSIM, _, err = SSIM(cc, target)
	return m, err
}
