// Package loss implements the photometric losses and image metrics used for
// training and evaluation. Images are row-major [H,W,C] with values in
// [0,1]; every differentiable loss returns its value and the gradient with
// respect to the prediction.
package loss

import (
	"fmt"
	"math"
)

// Image is a row-major [H,W,C] float image.
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []float64
}

// NewImage allocates a zeroed image.
func NewImage(w, h, c int) Image {
	return Image{Width: w, Height: h, Channels: c, Pix: make([]float64, w*h*c)}
}

func sameShape(a, b Image) error {
	if a.Width != b.Width || a.Height != b.Height || a.Channels != b.Channels {
		return fmt.Errorf("image shapes differ: %dx%dx%d vs %dx%dx%d",
			a.Width, a.Height, a.Channels, b.Width, b.Height, b.Channels)
	}
	if len(a.Pix) != a.Width*a.Height*a.Channels || len(b.Pix) != len(a.Pix) {
		return fmt.Errorf("pixel buffer does not match image shape")
	}
	return nil
}

// L1 returns mean |pred - target| and its gradient.
func L1(pred, target Image) (float64, []float64, error) {
	if err := sameShape(pred, target); err != nil {
		return 0, nil, err
	}
	n := float64(len(pred.Pix))
	grad := make([]float64, len(pred.Pix))
	var sum float64
	for i, p := range pred.Pix {
		d := p - target.Pix[i]
		sum += math.Abs(d)
		switch {
		case d > 0:
			grad[i] = 1 / n
		case d < 0:
			grad[i] = -1 / n
		}
	}
	return sum / n, grad, nil
}

// MSE returns the mean squared error.
func MSE(pred, target Image) (float64, error) {
	if err := sameShape(pred, target); err != nil {
		return 0, err
	}
	var sum float64
	for i, p := range pred.Pix {
		d := p - target.Pix[i]
		sum += d * d
	}
	return sum / float64(len(pred.Pix)), nil
}

// PSNR returns the peak signal-to-noise ratio for a data range of 1.
func PSNR(pred, target Image) (float64, error) {
	mse, err := MSE(pred, target)
	if err != nil {
		return 0, err
	}
	if mse == 0 {
		return math.Inf(1), nil
	}
	return -10 * math.Log10(mse), nil
}

// Weights balances the photometric terms.
type Weights struct {
	SSIMLambda float64 // share of (1 - SSIM) in the photometric loss
}

// Photometric returns (1-λ)·L1 + λ·(1-SSIM) together with its parts and the
// gradient on pred.
func Photometric(pred, target Image, w Weights) (total, l1, ssim float64, grad []float64, err error) {
	l1, gL1, err := L1(pred, target)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	ssim, gSSIM, err := SSIM(pred, target)
	if err != nil {
		return 0, 0, 0, nil, err
	}
	lam := w.SSIMLambda
	grad = make([]float64, len(pred.Pix))
	for i := range grad {
		grad[i] = (1-lam)*gL1[i] - lam*gSSIM[i]
	}
	return (1-lam)*l1 + lam*(1-ssim), l1, ssim, grad, nil
}
