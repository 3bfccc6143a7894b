package splat

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_Albedo(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(42, 0))
	s, err := Initialize(InitOptions{
		NumPoints:   500,
		Extent:      1,
		SceneScale:  1.1,
		AspectRatio: 4.0 / 3.0,
		Opacity:     0.1,
		Scale:       1,
		Times:       []float64{0, 0.25, 0.5, 1},
	}, rng)
	require.NoError(t, err)

	assert.Equal(t, 500, s.Len())
	assert.Equal(t, 1, s.TimeDim())
	assert.Equal(t, 3, s.ColorDim())
	assert.Nil(t, s.Group(GroupTimeAnisos))

	means := s.MustGroup(GroupMeans)
	for i := 0; i < s.Len(); i++ {
		r := means.Row(i)
		assert.LessOrEqual(t, math.Abs(r[0]), 1.1)
		assert.LessOrEqual(t, math.Abs(r[1]), 1.1*0.75+1e-12)
		assert.InDelta(t, 1.1, r[2], 1e-12)
		assert.InDelta(t, 0.1, s.Opacity(i), 1e-12)
		assert.Greater(t, s.MaxScale(i), 0.0)
	}

	seen := map[float64]bool{}
	for _, v := range s.MustGroup(GroupTimes).Data {
		seen[v] = true
	}
	for v := range seen {
		assert.Contains(t, []float64{0, 0.25, 0.5, 1}, v)
	}
	ts := s.MustGroup(GroupTimeScales).Data
	for _, v := range ts {
		assert.Equal(t, ts[0], v)
	}
}

func TestInitialize_Shading(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 1))
	s, err := Initialize(InitOptions{
		NumPoints:  64,
		Extent:     1,
		SceneScale: 1,
		Opacity:    0.5,
		Scale:      0.1,
		Shading:    true,
		Times:      []float64{0.1, 0.9},
		SunAngles:  [][2]float64{{0.2, 0.4}, {0.6, 0.3}},
	}, rng)
	require.NoError(t, err)
	assert.Equal(t, 3, s.TimeDim())
	assert.Equal(t, 1, s.ColorDim())
	require.NotNil(t, s.Group(GroupTimeAnisos))
	for _, v := range s.MustGroup(GroupTimeAnisos).Data {
		assert.Zero(t, v)
	}
}

func TestInitialize_Errors(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 1))
	_, err := Initialize(InitOptions{NumPoints: 4}, rng)
	assert.Error(t, err)

	_, err = Initialize(InitOptions{NumPoints: 4, Times: []float64{0}, Shading: true}, rng)
	assert.Error(t, err)
}

func TestNeighbourDistances_Grid(t *testing.T) {
	t.Parallel()
	// 5x5 unit grid: an interior point has four neighbours at distance 1.
	var means []float64
	for y := 0; y < 5; y++ {
		for x := 0; x < 5; x++ {
			means = append(means, float64(x), float64(y), 7)
		}
	}
	d := neighbourDistances(means, 25, 3)
	assert.InDelta(t, 1.0, d[12], 1e-12)
	// Corner: two at 1 and one at sqrt(2) -> sqrt((1+1+2)/3).
	assert.InDelta(t, math.Sqrt(4.0/3.0), d[0], 1e-12)
}
