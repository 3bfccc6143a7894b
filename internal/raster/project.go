package raster

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/timesplat/internal/splat"
)

// projected is the screen-space footprint of one primitive.
type projected struct {
	visible bool
	clipped bool // view depth outside [Near, Far]
	depth   float64
	mean2d  [2]float64
	cov2d   [3]float64 // a, b, c of J Σ Jᵀ before dilation
	conic   [3]float64 // inverse of the dilated covariance
	comp    float64    // antialiasing compensation, 1 in classic mode
	opacity float64    // input opacity * comp
	radius  float64
	bbox    [4]int // x0, y0, x1, y1, half open
}

func viewRotation(cam Camera) *mat.Dense {
	v := cam.ViewMat
	return mat.NewDense(3, 3, []float64{v[0], v[1], v[2], v[4], v[5], v[6], v[8], v[9], v[10]})
}

func project(in Inputs, i int, cam Camera, rv *mat.Dense, opts Options) projected {
	var p projected
	v := cam.ViewMat
	m := in.Means[3*i : 3*i+3]
	x := v[0]*m[0] + v[1]*m[1] + v[2]*m[2] + v[3]
	y := v[4]*m[0] + v[5]*m[1] + v[6]*m[2] + v[7]
	z := v[8]*m[0] + v[9]*m[1] + v[10]*m[2] + v[11]
	if z < opts.Near || z > opts.Far {
		p.clipped = true
		return p
	}
	fx, fy, cx, cy := cam.K[0], cam.K[4], cam.K[2], cam.K[5]

	var sigV mat.Dense
	sigV.Product(rv, splat.Covariance(in.Quats[4*i:4*i+4], in.Scales[3*i:3*i+3]), rv.T())
	a := fx * fx * sigV.At(0, 0)
	b := fx * fy * sigV.At(0, 1)
	c := fy * fy * sigV.At(1, 1)

	detOrig := a*c - b*b
	ad, cd := a+opts.Eps2D, c+opts.Eps2D
	det := ad*cd - b*b
	if det <= 0 {
		return p
	}
	comp := 1.0
	if opts.Mode == Antialiased {
		comp = math.Sqrt(math.Max(0, detOrig/det))
	}

	mid := 0.5 * (ad + cd)
	lambda := mid + math.Sqrt(math.Max(0.1, mid*mid-det))
	radius := math.Ceil(3 * math.Sqrt(lambda))
	if radius <= opts.RadiusClip {
		return p
	}
	mx, my := fx*x+cx, fy*y+cy
	x0 := max(int(math.Floor(mx-radius)), 0)
	y0 := max(int(math.Floor(my-radius)), 0)
	x1 := min(int(math.Ceil(mx+radius)), cam.Width)
	y1 := min(int(math.Ceil(my+radius)), cam.Height)
	if x0 >= x1 || y0 >= y1 {
		return p
	}

	p.visible = true
	p.depth = z
	p.mean2d = [2]float64{mx, my}
	p.cov2d = [3]float64{a, b, c}
	p.conic = [3]float64{cd / det, -b / det, ad / det}
	p.comp = comp
	p.opacity = in.Opacities[i] * comp
	p.radius = radius
	p.bbox = [4]int{x0, y0, x1, y1}
	return p
}

// projectBackward maps screen-space gradients of one primitive back onto
// its position, quaternion and scale. vConic is the gradient on the three
// conic coefficients as used in the Gaussian exponent and vComp the
// gradient on the antialiasing compensation.
func projectBackward(in Inputs, i int, cam Camera, rv *mat.Dense, opts Options, p *projected,
	vMean2d [2]float64, vConic [3]float64, vComp float64, g *Gradients) {
	fx, fy := cam.K[0], cam.K[4]

	// Means: orthographic, so only the in-plane rows of the view rotation.
	vx, vy := fx*vMean2d[0], fy*vMean2d[1]
	for k := 0; k < 3; k++ {
		g.Means[3*i+k] += rv.At(0, k)*vx + rv.At(1, k)*vy
	}

	// dL/dΣ2 as a symmetric matrix. The conic off-diagonal enters the
	// exponent once, so it splits evenly across both entries.
	q := mat.NewSymDense(2, []float64{p.conic[0], p.conic[1], p.conic[1], p.conic[2]})
	gq := mat.NewSymDense(2, []float64{vConic[0], vConic[1] / 2, vConic[1] / 2, vConic[2]})
	var vSig mat.Dense
	vSig.Product(q, gq, q)
	vSig.Scale(-1, &vSig)

	if opts.Mode == Antialiased && vComp != 0 {
		a, b, c := p.cov2d[0], p.cov2d[1], p.cov2d[2]
		if detOrig := a*c - b*b; detOrig > 0 && p.comp > 0 {
			k := 0.5 * vComp * p.comp
			vSig.Set(0, 0, vSig.At(0, 0)+k*(c/detOrig-p.conic[0]))
			vSig.Set(0, 1, vSig.At(0, 1)+k*(-b/detOrig-p.conic[1]))
			vSig.Set(1, 0, vSig.At(1, 0)+k*(-b/detOrig-p.conic[1]))
			vSig.Set(1, 1, vSig.At(1, 1)+k*(a/detOrig-p.conic[2]))
		}
	}

	// Through J (constant for an orthographic camera) and the view rotation.
	vSigV := mat.NewDense(3, 3, []float64{
		fx * fx * vSig.At(0, 0), fx * fy * vSig.At(0, 1), 0,
		fx * fy * vSig.At(1, 0), fy * fy * vSig.At(1, 1), 0,
		0, 0, 0,
	})
	var vSig3 mat.Dense
	vSig3.Product(rv.T(), vSigV, rv)

	quat := in.Quats[4*i : 4*i+4]
	scale := in.Scales[3*i : 3*i+3]
	r := splat.Rotation(quat)
	mf := splat.CovarianceFactor(quat, scale)

	// Σ = M Mᵀ with symmetric upstream gradient V gives dL/dM = (V + Vᵀ) M.
	var sym, vM mat.Dense
	sym.Add(&vSig3, vSig3.T())
	vM.Mul(&sym, mf)

	var vR [3][3]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			vR[row][col] = vM.At(row, col) * scale[col]
			g.Scales[3*i+col] += vM.At(row, col) * r.At(row, col)
		}
	}
	vq := quatVJP(quat, vR)
	for k := 0; k < 4; k++ {
		g.Quats[4*i+k] += vq[k]
	}
}

// quatVJP maps a gradient on the rotation matrix back to the raw
// (unnormalized) wxyz quaternion.
func quatVJP(raw []float64, vR [3][3]float64) [4]float64 {
	u := splat.NormalizeQuat(raw)
	w, x, y, z := u[0], u[1], u[2], u[3]
	gw := 2 * (x*(vR[2][1]-vR[1][2]) + y*(vR[0][2]-vR[2][0]) + z*(vR[1][0]-vR[0][1]))
	gx := 2 * (y*vR[0][1] + z*vR[0][2] + y*vR[1][0] - 2*x*vR[1][1] - w*vR[1][2] + z*vR[2][0] + w*vR[2][1] - 2*x*vR[2][2])
	gy := 2 * (-2*y*vR[0][0] + x*vR[0][1] + w*vR[0][2] + x*vR[1][0] + z*vR[1][2] - w*vR[2][0] + z*vR[2][1] - 2*y*vR[2][2])
	gz := 2 * (-2*z*vR[0][0] - w*vR[0][1] + x*vR[0][2] + w*vR[1][0] - 2*z*vR[1][1] + y*vR[1][2] + x*vR[2][0] + y*vR[2][1])

	norm := math.Sqrt(raw[0]*raw[0] + raw[1]*raw[1] + raw[2]*raw[2] + raw[3]*raw[3])
	if norm == 0 {
		return [4]float64{}
	}
	dot := w*gw + x*gx + y*gy + z*gz
	return [4]float64{
		(gw - w*dot) / norm,
		(gx - x*dot) / norm,
		(gy - y*dot) / norm,
		(gz - z*dot) / norm,
	}
}
