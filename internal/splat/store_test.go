package splat

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTestStore(n int) *Store {
	s := NewStore(n, Layout(3, 1))
	for _, g := range s.Groups() {
		for i := range g.Data {
			g.Data[i] = float64(i) + float64(len(g.Name))/10
		}
	}
	return s
}

func TestLayout(t *testing.T) {
	t.Parallel()

	t.Run("albedo has no aniso group", func(t *testing.T) {
		t.Parallel()
		s := NewStore(4, Layout(1, 3))
		assert.Nil(t, s.Group(GroupTimeAnisos))
		assert.Equal(t, 1, s.TimeDim())
		assert.Equal(t, 3, s.ColorDim())
	})

	t.Run("shading carries three coupling terms", func(t *testing.T) {
		t.Parallel()
		s := NewStore(4, Layout(3, 1))
		require.NotNil(t, s.Group(GroupTimeAnisos))
		assert.Equal(t, 3, s.Group(GroupTimeAnisos).Dim)
		assert.Equal(t, 12, len(s.Group(GroupTimeAnisos).Data))
	})
}

func TestGather_KeepsEveryGroupInLockstep(t *testing.T) {
	t.Parallel()
	s := makeTestStore(5)
	before := s.Clone()

	src := []int{4, 0, 0, 2}
	s.Gather(src)

	require.Equal(t, 4, s.Len())
	for _, g := range s.Groups() {
		assert.Len(t, g.Data, 4*g.Dim, g.Name)
		old := before.MustGroup(g.Name)
		for k, i := range src {
			assert.Equal(t, old.Row(i), g.Row(k), "%s row %d", g.Name, k)
		}
	}
}

func TestGather_DropsGradients(t *testing.T) {
	t.Parallel()
	s := makeTestStore(3)
	s.MustGroup(GroupMeans).EnsureGrad()
	s.Gather([]int{0, 1})
	assert.Nil(t, s.MustGroup(GroupMeans).Grad)
}

func TestGather_OutOfRangePanics(t *testing.T) {
	t.Parallel()
	s := makeTestStore(3)
	assert.Panics(t, func() { s.Gather([]int{3}) })
}

func TestValidate_DetectsDesync(t *testing.T) {
	t.Parallel()
	s := makeTestStore(3)
	g := s.MustGroup(GroupColors)
	g.Data = g.Data[:len(g.Data)-1]
	assert.Panics(t, s.Validate)
}

func TestConcat(t *testing.T) {
	t.Parallel()
	a := makeTestStore(2)
	b := makeTestStore(3)

	out, err := Concat(a, b)
	require.NoError(t, err)
	assert.Equal(t, 5, out.Len())
	assert.Equal(t, a.MustGroup(GroupMeans).Row(1), out.MustGroup(GroupMeans).Row(1))
	assert.Equal(t, b.MustGroup(GroupMeans).Row(0), out.MustGroup(GroupMeans).Row(2))

	_, err = Concat(a, NewStore(1, Layout(1, 3)))
	assert.Error(t, err)

	_, err = Concat()
	assert.Error(t, err)
}

func TestArraysAssignRoundTrip(t *testing.T) {
	t.Parallel()
	s := makeTestStore(7)
	arrays := s.Arrays()

	restored, err := FromArrays(arrays)
	require.NoError(t, err)
	assert.Equal(t, s.Names(), restored.Names())
	if diff := cmp.Diff(arrays, restored.Arrays()); diff != "" {
		t.Fatalf("arrays differ (-want +got):\n%s", diff)
	}

	delete(arrays, GroupQuats)
	assert.Error(t, restored.Assign(arrays))
}

func TestAssign_RejectsRaggedArrays(t *testing.T) {
	t.Parallel()
	s := makeTestStore(2)
	arrays := s.Arrays()
	a := arrays[GroupMeans]
	a.Data = append(a.Data, 1, 2, 3)
	arrays[GroupMeans] = a
	assert.Error(t, s.Assign(arrays))
	assert.Equal(t, 2, s.Len())
}

func TestSigmoidLogit(t *testing.T) {
	t.Parallel()
	for _, p := range []float64{1e-6, 0.1, 0.5, 0.9, 1 - 1e-6} {
		assert.InDelta(t, p, Sigmoid(Logit(p)), 1e-9)
	}
	assert.False(t, math.IsInf(Logit(0), 0))
	assert.Greater(t, Sigmoid(-800), 0.0)
	assert.Less(t, Sigmoid(800), 1.0+1e-15)
}

func TestSampleOffset_FollowsCovariance(t *testing.T) {
	t.Parallel()
	s := NewStore(1, Layout(1, 3))
	copy(s.MustGroup(GroupQuats).Row(0), []float64{1, 0, 0, 0})
	copy(s.MustGroup(GroupScales).Row(0), []float64{math.Log(2), math.Log(0.01), math.Log(0.01)})

	rng := rand.New(rand.NewPCG(1, 2))
	var sumX2, sumY2 float64
	const trials = 4000
	for k := 0; k < trials; k++ {
		off := s.SampleOffset(0, rng)
		sumX2 += off[0] * off[0]
		sumY2 += off[1] * off[1]
	}
	assert.InDelta(t, 4.0, sumX2/trials, 0.4)
	assert.InDelta(t, 1e-4, sumY2/trials, 2e-5)
}

func TestCovariance_IsRotatedScale(t *testing.T) {
	t.Parallel()
	// 90 degrees about z swaps the x and y variances.
	q := []float64{math.Cos(math.Pi / 4), 0, 0, math.Sin(math.Pi / 4)}
	cov := Covariance(q, []float64{3, 1, 2})
	assert.InDelta(t, 1.0, cov.At(0, 0), 1e-12)
	assert.InDelta(t, 9.0, cov.At(1, 1), 1e-12)
	assert.InDelta(t, 4.0, cov.At(2, 2), 1e-12)
	assert.InDelta(t, 0.0, cov.At(0, 1), 1e-12)
}
