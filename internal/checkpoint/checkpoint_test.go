package checkpoint

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/splat"
	"github.com/banshee-data/timesplat/internal/tonegrid"
)

func randomStore(seed uint64, n, timeDim, colorDim int) *splat.Store {
	rng := rand.New(rand.NewPCG(seed, 42))
	s := splat.NewStore(n, splat.Layout(timeDim, colorDim))
	for _, g := range s.Groups() {
		for i := range g.Data {
			g.Data[i] = rng.NormFloat64() * 1e3
		}
	}
	return s
}

// ----------------------------------------------------------------------------
// Round trip
// ----------------------------------------------------------------------------

func TestRoundTrip_BitIdentical(t *testing.T) {
	t.Parallel()
	albedo := randomStore(1, 1000, 1, 3)
	shading := randomStore(2, 1000, 3, 1)
	// Values that only survive a bit-exact encoding.
	albedo.MustGroup(splat.GroupMeans).Data[0] = math.Nextafter(1, 2)
	albedo.MustGroup(splat.GroupMeans).Data[1] = math.Copysign(0, -1)
	albedo.MustGroup(splat.GroupMeans).Data[2] = 5e-324
	grid, err := tonegrid.New(3, tonegrid.Shape{X: 2, Y: 2, W: 2})
	require.NoError(t, err)
	grid.Data[7] = 0.123456789

	fsys := fsutil.NewMemoryFileSystem()
	in := FromStores(1234, map[string]*splat.Store{PopulationAlbedo: albedo, PopulationShading: shading}, grid)
	path := "/run/ckpts/" + FileName(1234)
	require.NoError(t, Save(fsys, path, in))

	out, err := Load(fsys, path)
	require.NoError(t, err)
	assert.Equal(t, 1234, out.Step)
	assert.Equal(t, 1000, out.Len(PopulationAlbedo))
	assert.Equal(t, 1000, out.Len(PopulationShading))

	for name, want := range map[string]*splat.Store{PopulationAlbedo: albedo, PopulationShading: shading} {
		got, err := out.Store(name)
		require.NoError(t, err)
		for _, g := range want.Groups() {
			gg := got.MustGroup(g.Name)
			require.Len(t, gg.Data, len(g.Data))
			for i := range g.Data {
				if math.Float64bits(gg.Data[i]) != math.Float64bits(g.Data[i]) {
					t.Fatalf("%s/%s[%d]: got %x want %x", name, g.Name, i,
						math.Float64bits(gg.Data[i]), math.Float64bits(g.Data[i]))
				}
			}
		}
		if diff := cmp.Diff(want.Arrays(), got.Arrays()); diff != "" {
			t.Errorf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}

	g, err := out.ToneGrid()
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, grid.Shape, g.Shape)
	assert.Equal(t, grid.Data, g.Data)
}

func TestRoundTrip_WithoutGrid(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	in := FromStores(5, map[string]*splat.Store{PopulationAlbedo: randomStore(3, 10, 1, 3), PopulationShading: nil}, nil)
	require.NoError(t, Save(fsys, "/c.gob.gz", in))
	out, err := Load(fsys, "/c.gob.gz")
	require.NoError(t, err)
	g, err := out.ToneGrid()
	require.NoError(t, err)
	assert.Nil(t, g)
	_, err = out.Store(PopulationShading)
	assert.Error(t, err)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	_, err := Load(fsys, "/missing")
	assert.Error(t, err)

	require.NoError(t, fsys.WriteFile("/junk", []byte("not a checkpoint"), 0o644))
	_, err = Load(fsys, "/junk")
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.Error(t, err)
}

func TestDecode_RejectsDesyncedArrays(t *testing.T) {
	t.Parallel()
	c := FromStores(1, map[string]*splat.Store{PopulationAlbedo: randomStore(4, 4, 1, 3)}, nil)
	a := c.Populations[PopulationAlbedo][splat.GroupScales]
	a.Data = a.Data[:6]
	c.Populations[PopulationAlbedo][splat.GroupScales] = a
	blob, err := Encode(c)
	require.NoError(t, err)
	_, err = Decode(blob)
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Merge
// ----------------------------------------------------------------------------

func TestMerge_ConcatenatesAlongN(t *testing.T) {
	t.Parallel()
	a := randomStore(5, 3, 1, 3)
	b := randomStore(6, 2, 1, 3)
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, Save(fsys, "/a", FromStores(100, map[string]*splat.Store{PopulationAlbedo: a}, nil)))
	require.NoError(t, Save(fsys, "/b", FromStores(200, map[string]*splat.Store{PopulationAlbedo: b}, nil)))

	merged, err := LoadAll(fsys, "/a", "/b")
	require.NoError(t, err)
	assert.Equal(t, 100, merged.Step)
	assert.Equal(t, 5, merged.Len(PopulationAlbedo))

	s, err := merged.Store(PopulationAlbedo)
	require.NoError(t, err)
	means := s.MustGroup(splat.GroupMeans).Data
	assert.Equal(t, a.MustGroup(splat.GroupMeans).Data, means[:9])
	assert.Equal(t, b.MustGroup(splat.GroupMeans).Data, means[9:])
}

func TestMerge_Errors(t *testing.T) {
	t.Parallel()
	_, err := Merge()
	assert.Error(t, err)

	a := FromStores(1, map[string]*splat.Store{PopulationAlbedo: randomStore(7, 2, 1, 3)}, nil)
	b := FromStores(1, map[string]*splat.Store{PopulationAlbedo: randomStore(8, 2, 3, 3)}, nil)
	_, err = Merge(a, b)
	assert.Error(t, err)
}

// ----------------------------------------------------------------------------
// Stats
// ----------------------------------------------------------------------------

func TestWriteStats(t *testing.T) {
	t.Parallel()
	fsys := fsutil.NewMemoryFileSystem()
	in := Stats{Step: 7, MemGB: 0.5, ElapsedSecs: 12.5, NumSplats: map[string]int{PopulationAlbedo: 10}}
	path, err := WriteStats(fsys, "/run/stats", "train", in)
	require.NoError(t, err)
	assert.Equal(t, "/run/stats/train_step0007.json", path)

	out, err := ReadStats(fsys, path)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Greater(t, HeapHighWater(), 0.0)
}
