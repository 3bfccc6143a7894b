package splat

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/stat"
)

// InitOptions controls how a population is seeded.
type InitOptions struct {
	NumPoints   int     // N0
	Extent      float64 // half-width of the sampling volume as a multiple of SceneScale
	SceneScale  float64
	AspectRatio float64 // width / height of the training images
	Opacity     float64 // initial effective opacity
	Scale       float64 // multiplier on the nearest-neighbour distance
	Shading     bool    // shading population: d=3, single-channel colour, 10x scale

	// Observed labels from the training set. Times are normalized; sun
	// angles are (azimuth, altitude) normalized to comparable ranges.
	Times     []float64
	SunAngles [][2]float64
}

// Initialize samples a new population inside the scene volume. Positions are
// uniform in x/y over the extent (y shrunk to the image aspect) with z fixed
// on the far face, scales come from the mean distance to the three nearest
// neighbours in the image plane, and time means are drawn from the observed
// labels with a time scale of three standard deviations.
func Initialize(opts InitOptions, rng NoiseSource) (*Store, error) {
	n := opts.NumPoints
	if n < 0 {
		return nil, fmt.Errorf("negative initial point count %d", n)
	}
	if len(opts.Times) == 0 {
		return nil, fmt.Errorf("no observed times to sample from")
	}
	if opts.Shading && len(opts.SunAngles) == 0 {
		return nil, fmt.Errorf("shading population requires observed sun angles")
	}
	aspect := opts.AspectRatio
	if aspect <= 0 {
		aspect = 4.0 / 3.0
	}

	timeDim, colorDim := 1, 3
	initScale := opts.Scale
	if opts.Shading {
		timeDim, colorDim = 3, 1
		initScale *= 10
	}
	s := NewStore(n, Layout(timeDim, colorDim))

	half := opts.Extent * opts.SceneScale
	means := s.MustGroup(GroupMeans)
	for i := 0; i < n; i++ {
		r := means.Row(i)
		r[0] = half * (rng.Float64()*2 - 1)
		r[1] = half * (rng.Float64()*2 - 1) / aspect
		r[2] = half
	}

	colors := s.MustGroup(GroupColors)
	for i := range colors.Data {
		colors.Data[i] = Logit(rng.Float64())
	}

	dists := neighbourDistances(means.Data, n, 3)
	scales := s.MustGroup(GroupScales)
	for i := 0; i < n; i++ {
		v := math.Log(math.Max(dists[i]*initScale, 1e-7))
		r := scales.Row(i)
		r[0], r[1], r[2] = v, v, v
	}

	quats := s.MustGroup(GroupQuats)
	for i := range quats.Data {
		quats.Data[i] = rng.Float64()
	}

	ops := s.MustGroup(GroupOpacities)
	lo := Logit(opts.Opacity)
	for i := range ops.Data {
		ops.Data[i] = lo
	}

	times := s.MustGroup(GroupTimes)
	for i := 0; i < n; i++ {
		r := times.Row(i)
		r[0] = opts.Times[int(rng.Float64()*float64(len(opts.Times)))%len(opts.Times)]
		if opts.Shading {
			k := len(opts.SunAngles)
			r[1] = opts.SunAngles[int(rng.Float64()*float64(k))%k][0]
			r[2] = opts.SunAngles[int(rng.Float64()*float64(k))%k][1]
		}
	}

	timeScales := s.MustGroup(GroupTimeScales)
	column := make([]float64, n)
	for j := 0; j < timeDim; j++ {
		for i := 0; i < n; i++ {
			column[i] = times.Data[i*timeDim+j]
		}
		std := 0.0
		if n > 1 {
			std = stat.StdDev(column, nil)
		}
		v := math.Log(math.Max(std*3, 1e-6))
		for i := 0; i < n; i++ {
			timeScales.Data[i*timeDim+j] = v
		}
	}

	s.Validate()
	return s, nil
}

// neighbourDistances returns, for every point, the root of the mean squared
// distance to its k nearest neighbours in the x/y plane.
func neighbourDistances(means []float64, n, k int) []float64 {
	out := make([]float64, n)
	if n < 2 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	pts := make(kdtree.Points, n)
	for i := 0; i < n; i++ {
		pts[i] = kdtree.Point{means[i*3], means[i*3+1]}
	}
	// kdtree.New partitions its input in place, so queries use the
	// original order kept in means.
	tree := kdtree.New(append(kdtree.Points(nil), pts...), false)
	for i := 0; i < n; i++ {
		q := kdtree.Point{means[i*3], means[i*3+1]}
		keep := kdtree.NewNKeeper(k + 1)
		tree.NearestSet(keep, q)
		var d2 []float64
		for _, c := range keep.Heap {
			if c.Comparable == nil {
				continue
			}
			d2 = append(d2, c.Dist)
		}
		sort.Float64s(d2)
		if len(d2) > 0 {
			d2 = d2[1:] // the query point itself
		}
		if len(d2) == 0 {
			out[i] = 1
			continue
		}
		var sum float64
		for _, d := range d2 {
			sum += d
		}
		out[i] = math.Sqrt(sum / float64(len(d2)))
	}
	return out
}
