// Package tonegrid implements per-image bilateral colour grids. Each image
// owns an X x Y x W lattice of 3x4 affine colour transforms; a pixel is
// corrected by the transform trilinearly interpolated at its normalized
// screen position and its luminance.
package tonegrid

import (
	"fmt"
	"math"

	"github.com/banshee-data/timesplat/internal/loss"
	"github.com/banshee-data/timesplat/internal/optim"
)

// GroupName is the checkpoint key and optimizer name of the grid.
const GroupName = "bil_grids"

const cellSize = 12 // 3x4 affine, row-major

// Luminance weights used as the guidance channel.
var lumaWeights = [3]float64{0.299, 0.587, 0.114}

// Shape is the lattice resolution: X across width, Y across height, W
// across luminance.
type Shape struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
}

// DefaultShape is 16x16 spatial cells and 8 luminance bins.
var DefaultShape = Shape{X: 16, Y: 16, W: 8}

func (s Shape) cells() int { return s.X * s.Y * s.W }

func (s Shape) valid() bool { return s.X >= 2 && s.Y >= 2 && s.W >= 2 }

// Grid holds one lattice per training image.
type Grid struct {
	Shape  Shape
	Images int
	Data   []float64 // [Images][W][Y][X][12]
	Grad   []float64
}

// New returns identity grids for n images.
func New(n int, shape Shape) (*Grid, error) {
	if !shape.valid() {
		return nil, fmt.Errorf("tone grid shape %+v needs at least 2 cells per axis", shape)
	}
	if n <= 0 {
		return nil, fmt.Errorf("tone grid needs at least one image, got %d", n)
	}
	g := &Grid{Shape: shape, Images: n, Data: make([]float64, n*shape.cells()*cellSize)}
	for c := 0; c < n*shape.cells(); c++ {
		cell := g.Data[c*cellSize : (c+1)*cellSize]
		cell[0], cell[5], cell[10] = 1, 1, 1
	}
	return g, nil
}

// RowSize is the number of values per image.
func (g *Grid) RowSize() int { return g.Shape.cells() * cellSize }

func (g *Grid) cell(image, x, y, z int) int {
	s := g.Shape
	return (((image*s.W+z)*s.Y+y)*s.X + x) * cellSize
}

// EnsureGrad allocates the gradient buffer if needed.
func (g *Grid) EnsureGrad() {
	if len(g.Grad) != len(g.Data) {
		g.Grad = make([]float64, len(g.Data))
	}
}

// ZeroGrad clears the gradient buffer.
func (g *Grid) ZeroGrad() {
	clear(g.Grad)
}

// NewOptimizer returns the Adam group for the grid and its schedule: a
// linear warm-up from 1% over 1000 steps chained with exponential decay to
// 1% at maxSteps.
func (g *Grid) NewOptimizer(lr float64, maxSteps int) (*optim.Adam, *optim.Scheduler) {
	opt := optim.NewAdam(GroupName, g.Images, g.RowSize(), lr)
	sched := optim.NewScheduler(opt, optim.Chain{
		optim.LinearWarmup{Start: 0.01, Iters: 1000},
		optim.ExponentialTo(0.01, maxSteps),
	})
	return opt, sched
}

// Step applies one optimizer update from the accumulated gradient and
// clears it.
func (g *Grid) Step(opt *optim.Adam) {
	g.EnsureGrad()
	opt.Step(g.Data, g.Grad, nil)
	g.ZeroGrad()
}

// lattice coordinates of one pixel
type sample struct {
	x0, y0, z0 int
	fx, fy, fz float64
	zLive      bool // luminance inside the lattice, so dz/dgray is nonzero
}

func axis(u float64, n int) (int, float64) {
	u = math.Min(math.Max(u, 0), float64(n-1))
	i := min(int(math.Floor(u)), n-2)
	return i, u - float64(i)
}

func (g *Grid) locate(px, py, width, height int, rgb []float64) sample {
	s := g.Shape
	u := (float64(px) + 0.5) / float64(width) * float64(s.X-1)
	v := (float64(py) + 0.5) / float64(height) * float64(s.Y-1)
	gray := lumaWeights[0]*rgb[0] + lumaWeights[1]*rgb[1] + lumaWeights[2]*rgb[2]
	var sm sample
	sm.x0, sm.fx = axis(u, s.X)
	sm.y0, sm.fy = axis(v, s.Y)
	sm.z0, sm.fz = axis(gray*float64(s.W-1), s.W)
	sm.zLive = gray > 0 && gray < 1
	return sm
}

// corners visits the eight lattice cells around a sample with their
// trilinear weight and the derivative of that weight along z.
func (g *Grid) corners(image int, sm sample, fn func(off int, w, dwdz float64)) {
	for dz := 0; dz < 2; dz++ {
		wz, dwz := 1-sm.fz, -1.0
		if dz == 1 {
			wz, dwz = sm.fz, 1.0
		}
		for dy := 0; dy < 2; dy++ {
			wy := 1 - sm.fy
			if dy == 1 {
				wy = sm.fy
			}
			for dx := 0; dx < 2; dx++ {
				wx := 1 - sm.fx
				if dx == 1 {
					wx = sm.fx
				}
				fn(g.cell(image, sm.x0+dx, sm.y0+dy, sm.z0+dz), wx*wy*wz, wx*wy*dwz)
			}
		}
	}
}

func (g *Grid) check(image int, img loss.Image) error {
	if image < 0 || image >= g.Images {
		return fmt.Errorf("tone grid image id %d out of range [0,%d)", image, g.Images)
	}
	if img.Channels != 3 {
		return fmt.Errorf("tone grid needs 3 channel images, got %d", img.Channels)
	}
	if len(img.Pix) != img.Width*img.Height*3 {
		return fmt.Errorf("pixel buffer does not match image shape")
	}
	return nil
}

// Apply corrects img with the grid of the given image.
func (g *Grid) Apply(image int, img loss.Image) (loss.Image, error) {
	if err := g.check(image, img); err != nil {
		return loss.Image{}, err
	}
	out := loss.NewImage(img.Width, img.Height, 3)
	var a [cellSize]float64
	for py := 0; py < img.Height; py++ {
		for px := 0; px < img.Width; px++ {
			i := (py*img.Width + px) * 3
			rgb := img.Pix[i : i+3]
			clear(a[:])
			g.corners(image, g.locate(px, py, img.Width, img.Height, rgb), func(off int, w, _ float64) {
				for k := range a {
					a[k] += w * g.Data[off+k]
				}
			})
			for c := 0; c < 3; c++ {
				out.Pix[i+c] = a[c*4]*rgb[0] + a[c*4+1]*rgb[1] + a[c*4+2]*rgb[2] + a[c*4+3]
			}
		}
	}
	return out, nil
}

// Backward accumulates the grid gradient for the given output gradient and
// returns the gradient with respect to the input colours, including the
// path through the luminance guidance.
func (g *Grid) Backward(image int, img loss.Image, vOut []float64) ([]float64, error) {
	if err := g.check(image, img); err != nil {
		return nil, err
	}
	if len(vOut) != len(img.Pix) {
		return nil, fmt.Errorf("tone grid gradient length %d, want %d", len(vOut), len(img.Pix))
	}
	g.EnsureGrad()
	vIn := make([]float64, len(img.Pix))
	zScale := float64(g.Shape.W - 1)
	var a, dadz [cellSize]float64
	for py := 0; py < img.Height; py++ {
		for px := 0; px < img.Width; px++ {
			i := (py*img.Width + px) * 3
			rgb := img.Pix[i : i+3]
			v := vOut[i : i+3]
			sm := g.locate(px, py, img.Width, img.Height, rgb)
			clear(a[:])
			clear(dadz[:])
			g.corners(image, sm, func(off int, w, dwdz float64) {
				for k := range a {
					a[k] += w * g.Data[off+k]
					dadz[k] += dwdz * g.Data[off+k]
				}
				for c := 0; c < 3; c++ {
					gr := g.Grad[off+c*4 : off+c*4+4]
					gr[0] += w * v[c] * rgb[0]
					gr[1] += w * v[c] * rgb[1]
					gr[2] += w * v[c] * rgb[2]
					gr[3] += w * v[c]
				}
			})
			var dz float64
			for c := 0; c < 3; c++ {
				for j := 0; j < 3; j++ {
					vIn[i+j] += v[c] * a[c*4+j]
				}
				dz += v[c] * (dadz[c*4]*rgb[0] + dadz[c*4+1]*rgb[1] + dadz[c*4+2]*rgb[2] + dadz[c*4+3])
			}
			if sm.zLive {
				for j := 0; j < 3; j++ {
					vIn[i+j] += dz * zScale * lumaWeights[j]
				}
			}
		}
	}
	return vIn, nil
}

// TotalVariation returns the sum over the three lattice axes of the mean
// squared difference between neighbouring cells, and adds weight times its
// gradient to Grad.
func (g *Grid) TotalVariation(weight float64) float64 {
	g.EnsureGrad()
	s := g.Shape
	steps := [3]struct {
		stride int
		n      int
		at     func(x, y, z int) bool
	}{
		{1, s.X, func(x, _, _ int) bool { return x+1 < s.X }},
		{s.X, s.Y, func(_, y, _ int) bool { return y+1 < s.Y }},
		{s.X * s.Y, s.W, func(_, _, z int) bool { return z+1 < s.W }},
	}
	var total float64
	for _, ax := range steps {
		count := float64(g.Images*cellSize*s.cells()) * float64(ax.n-1) / float64(ax.n)
		var sum float64
		for im := 0; im < g.Images; im++ {
			for z := 0; z < s.W; z++ {
				for y := 0; y < s.Y; y++ {
					for x := 0; x < s.X; x++ {
						if !ax.at(x, y, z) {
							continue
						}
						a := g.cell(im, x, y, z)
						b := a + ax.stride*cellSize
						for k := 0; k < cellSize; k++ {
							d := g.Data[b+k] - g.Data[a+k]
							sum += d * d
							gd := weight * 2 * d / count
							g.Grad[b+k] += gd
							g.Grad[a+k] -= gd
						}
					}
				}
			}
		}
		total += sum / count
	}
	return total
}
