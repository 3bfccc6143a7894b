package loss

import (
	"fmt"
	"math"
)

const (
	ssimWindow = 11
	ssimSigma  = 1.5
	ssimC1     = 0.01 * 0.01
	ssimC2     = 0.03 * 0.03
)

var ssimKernel = gaussianKernel(ssimWindow, ssimSigma)

func gaussianKernel(size int, sigma float64) []float64 {
	k := make([]float64, size)
	var sum float64
	half := float64(size / 2)
	for i := range k {
		d := float64(i) - half
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// filterValid convolves a w x h plane with the separable window and keeps
// only positions where the window fits.
func filterValid(src []float64, w, h int) []float64 {
	k := ssimKernel
	ow, oh := w-len(k)+1, h-len(k)+1
	tmp := make([]float64, ow*h)
	for y := 0; y < h; y++ {
		for x := 0; x < ow; x++ {
			var s float64
			for i, kv := range k {
				s += kv * src[y*w+x+i]
			}
			tmp[y*ow+x] = s
		}
	}
	out := make([]float64, ow*oh)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			var s float64
			for i, kv := range k {
				s += kv * tmp[(y+i)*ow+x]
			}
			out[y*ow+x] = s
		}
	}
	return out
}

// filterTranspose is the adjoint of filterValid: it scatters a valid-sized
// map back onto the full w x h plane.
func filterTranspose(src []float64, w, h int) []float64 {
	k := ssimKernel
	ow, oh := w-len(k)+1, h-len(k)+1
	tmp := make([]float64, ow*h)
	for y := 0; y < oh; y++ {
		for x := 0; x < ow; x++ {
			v := src[y*ow+x]
			for i, kv := range k {
				tmp[(y+i)*ow+x] += kv * v
			}
		}
	}
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < ow; x++ {
			v := tmp[y*ow+x]
			for i, kv := range k {
				out[y*w+x+i] += kv * v
			}
		}
	}
	return out
}

func plane(img Image, c int) []float64 {
	out := make([]float64, img.Width*img.Height)
	for i := range out {
		out[i] = img.Pix[i*img.Channels+c]
	}
	return out
}

// SSIM returns the mean structural similarity over an 11x11 Gaussian window
// with valid padding, and its gradient with respect to pred.
func SSIM(pred, target Image) (float64, []float64, error) {
	if err := sameShape(pred, target); err != nil {
		return 0, nil, err
	}
	w, h, ch := pred.Width, pred.Height, pred.Channels
	if w < ssimWindow || h < ssimWindow {
		return 0, nil, fmt.Errorf("image %dx%d is smaller than the %d pixel SSIM window", w, h, ssimWindow)
	}
	ow, oh := w-ssimWindow+1, h-ssimWindow+1
	count := float64(ow * oh * ch)
	grad := make([]float64, len(pred.Pix))
	var total float64

	for c := 0; c < ch; c++ {
		x := plane(pred, c)
		y := plane(target, c)
		xx := make([]float64, len(x))
		yy := make([]float64, len(x))
		xy := make([]float64, len(x))
		for i := range x {
			xx[i] = x[i] * x[i]
			yy[i] = y[i] * y[i]
			xy[i] = x[i] * y[i]
		}
		mx, my := filterValid(x, w, h), filterValid(y, w, h)
		sxx, syy, sxy := filterValid(xx, w, h), filterValid(yy, w, h), filterValid(xy, w, h)

		dMu := make([]float64, len(mx))
		dXX := make([]float64, len(mx))
		dXY := make([]float64, len(mx))
		for p := range mx {
			vx := sxx[p] - mx[p]*mx[p]
			vy := syy[p] - my[p]*my[p]
			cxy := sxy[p] - mx[p]*my[p]
			a1 := 2*mx[p]*my[p] + ssimC1
			a2 := 2*cxy + ssimC2
			b1 := mx[p]*mx[p] + my[p]*my[p] + ssimC1
			b2 := vx + vy + ssimC2
			s := a1 * a2 / (b1 * b2)
			total += s

			dVar := -s / b2
			dCov := 2 * a1 / (b1 * b2)
			dMean := 2*my[p]*a2/(b1*b2) - s*2*mx[p]/b1
			dMu[p] = (dMean - 2*mx[p]*dVar - my[p]*dCov) / count
			dXX[p] = dVar / count
			dXY[p] = dCov / count
		}
		gMu := filterTranspose(dMu, w, h)
		gXX := filterTranspose(dXX, w, h)
		gXY := filterTranspose(dXY, w, h)
		for i := range x {
			grad[i*ch+c] = gMu[i] + 2*x[i]*gXX[i] + y[i]*gXY[i]
		}
	}
	return total / count, grad, nil
}
