package trainer

// ShadingCompositor multiplies an RGB albedo render by a single-channel
// shading render.
type ShadingCompositor struct{}

// Forward returns albedo[p,c] * shading[p] for every pixel p and channel c.
func (ShadingCompositor) Forward(albedo, shading []float64, pixels int) []float64 {
	out := make([]float64, pixels*3)
	for p := 0; p < pixels; p++ {
		s := shading[p]
		for c := 0; c < 3; c++ {
			out[p*3+c] = albedo[p*3+c] * s
		}
	}
	return out
}

// Backward splits the gradient on the product between its two factors.
func (ShadingCompositor) Backward(albedo, shading, vOut []float64) (vAlbedo, vShading []float64) {
	vAlbedo = make([]float64, len(albedo))
	vShading = make([]float64, len(shading))
	for p, s := range shading {
		var acc float64
		for c := 0; c < 3; c++ {
			v := vOut[p*3+c]
			vAlbedo[p*3+c] = v * s
			acc += v * albedo[p*3+c]
		}
		vShading[p] = acc
	}
	return vAlbedo, vShading
}
