package georaster_test

import (
	"context"
	"testing"

	"github.com/airbusgeo/georaster"
	"github.com/airbusgeo/georaster/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSized(t *testing.T, name string, width, height int, overviews ...*mem.Band) *georaster.Dataset {
	t.Helper()
	require.NoError(t, mem.Put(name, &mem.Raster{
		Width: width, Height: height,
		Bands:           []*mem.Band{{Type: georaster.Byte, Overviews: overviews}},
		GeoTransform:    [6]float64{0, 1, 0, float64(height), 0, -1},
		HasGeoTransform: true,
	}))
	t.Cleanup(func() { mem.Remove(name) })
	ds, err := georaster.Open(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestBuildPyramidList(t *testing.T) {
	ds := openSized(t, "mem://pyramid-list", 256, 256)
	levels := ds.BuildPyramidList(nil)
	assert.Equal(t, []georaster.PyramidLevel{
		{Factor: 2, Width: 128, Height: 128},
		{Factor: 4, Width: 64, Height: 64},
	}, levels)

	levels = ds.BuildPyramidList([]int{3})
	assert.Equal(t, 85, levels[0].Width)

	// a 33x33 overview is close enough to the expected 35x35 first level
	ds = openSized(t, "mem://pyramid-tolerance", 70, 70, &mem.Band{Width: 33, Height: 33})
	assert.True(t, ds.HasPyramids())
	assert.Equal(t, georaster.PyramidsBuilt, ds.PyramidState())
	levels = ds.BuildPyramidList([]int{2, 4})
	assert.Equal(t, georaster.PyramidLevel{Factor: 2, Width: 33, Height: 33, Exists: true}, levels[0])
	assert.Equal(t, georaster.PyramidLevel{Factor: 4, Width: 18, Height: 18}, levels[1])
}

func TestBuildPyramidsKeepsMatchingLevels(t *testing.T) {
	ctx := context.Background()
	existing := &mem.Band{Width: 999, Height: 500}
	ds := openSized(t, "mem://pyramid-near-match", 2000, 1000, existing)

	levels := ds.BuildPyramidList([]int{2, 4})
	assert.Equal(t, []georaster.PyramidLevel{
		{Factor: 2, Width: 999, Height: 500, Exists: true},
		{Factor: 4, Width: 500, Height: 250},
	}, levels)

	for i := range levels {
		levels[i].Build = !levels[i].Exists
	}
	require.NoError(t, ds.BuildPyramids(ctx, levels, "NEAREST", georaster.PyramidsExternal, nil, nil))

	// only the missing level was computed, the near match was left alone
	r, _ := mem.Get("mem://pyramid-near-match")
	ovrs := r.Bands[0].Overviews
	require.Len(t, ovrs, 2)
	assert.Same(t, existing, ovrs[0])
	assert.Equal(t, 500, ovrs[1].Width)
	assert.Equal(t, 250, ovrs[1].Height)
	for _, l := range ds.BuildPyramidList([]int{2, 4}) {
		assert.True(t, l.Exists, "factor %d", l.Factor)
	}
}

func TestBuildPyramidsInternal(t *testing.T) {
	ctx := context.Background()
	ds := openSized(t, "mem://pyramid-internal", 64, 64)
	assert.Equal(t, georaster.PyramidsNotBuilt, ds.PyramidState())
	levels := ds.BuildPyramidList([]int{2, 4, 8})
	for i := range levels {
		levels[i].Build = true
	}

	var steps []float64
	fb := georaster.ContextFeedback(ctx, func(p float64) { steps = append(steps, p) })
	require.NoError(t, ds.BuildPyramids(ctx, levels, "average", georaster.PyramidsInternal, nil, fb))
	assert.NotEmpty(t, steps)
	assert.True(t, ds.HasPyramids())
	assert.Equal(t, georaster.PyramidsBuilt, ds.PyramidState())
	assert.False(t, ds.Editable())
	assert.True(t, ds.Valid())

	for _, l := range ds.BuildPyramidList([]int{2, 4, 8}) {
		assert.True(t, l.Exists, "factor %d", l.Factor)
	}
	r, _ := mem.Get("mem://pyramid-internal")
	assert.Len(t, r.Bands[0].Overviews, 3)
}

func TestBuildPyramidsExternal(t *testing.T) {
	ctx := context.Background()
	ds := openGrid(t, "mem://pyramid-external", nil)

	blk, err := ds.ReadBlock(ctx, 1, ds.Extent(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{6, 8, 14, 16}, blk.Data)

	levels := []georaster.PyramidLevel{{Factor: 2, Build: true}}
	require.NoError(t, ds.BuildPyramids(ctx, levels, "AVERAGE", georaster.PyramidsExternal, nil, nil))
	assert.True(t, ds.HasPyramids())

	// decimated reads now come from the averaged overview
	blk, err = ds.ReadBlock(ctx, 1, ds.Extent(), 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 6, 12, 14}, blk.Data)
}

func TestBuildPyramidsErrors(t *testing.T) {
	ctx := context.Background()
	ds := openGrid(t, "mem://pyramid-errors", nil)
	levels := []georaster.PyramidLevel{{Factor: 2, Build: true}}

	err := ds.BuildPyramids(ctx, levels, "BOGUS", georaster.PyramidsExternal, nil, nil)
	assert.ErrorIs(t, err, georaster.ErrPyramidConfigInvalid)
	err = ds.BuildPyramids(ctx, levels, "NEAREST", georaster.PyramidsErdas, []string{"COMPRESS_OVERVIEW=LZW"}, nil)
	assert.ErrorIs(t, err, georaster.ErrPyramidConfigInvalid)
	err = ds.BuildPyramids(ctx, levels, "NEAREST", georaster.PyramidsExternal, []string{"PHOTOMETRIC_OVERVIEW = YCBCR"}, nil)
	assert.ErrorIs(t, err, georaster.ErrPyramidConfigInvalid)
	assert.Equal(t, georaster.PyramidsNotBuilt, ds.PyramidState())

	// the in memory builder has no gaussian kernel
	err = ds.BuildPyramids(ctx, levels, "GAUSS", georaster.PyramidsExternal, nil, nil)
	assert.ErrorIs(t, err, georaster.ErrPyramidFormatUnsupported)
	assert.Equal(t, georaster.PyramidsFailed, ds.PyramidState())
	assert.True(t, ds.Valid())

	err = ds.BuildPyramids(ctx, levels, "AVERAGE", georaster.PyramidsExternal, nil, canceledFeedback())
	assert.ErrorIs(t, err, georaster.ErrCanceled)
	assert.Equal(t, georaster.PyramidsCanceled, ds.PyramidState())
	assert.True(t, ds.Valid())

	assert.NoError(t, ds.ValidatePyramidsConfigOptions(georaster.PyramidsInternal, nil, "GTiff"))
	assert.ErrorIs(t, ds.ValidatePyramidsConfigOptions(georaster.PyramidsInternal, nil, "PNG"), georaster.ErrPyramidConfigInvalid)
}

func TestParsePyramidFormat(t *testing.T) {
	for s, want := range map[string]georaster.PyramidFormat{
		"external": georaster.PyramidsExternal,
		"OVR":      georaster.PyramidsExternal,
		"internal": georaster.PyramidsInternal,
		"Erdas":    georaster.PyramidsErdas,
		"rrd":      georaster.PyramidsErdas,
	} {
		f, err := georaster.ParsePyramidFormat(s)
		assert.NoError(t, err, s)
		assert.Equal(t, want, f, s)
	}
	_, err := georaster.ParsePyramidFormat("nope")
	assert.Error(t, err)
	assert.Equal(t, "internal", georaster.PyramidsInternal.String())
	assert.Equal(t, "canceled", georaster.PyramidsCanceled.String())
}

func TestComputeOverview(t *testing.T) {
	ctx := context.Background()
	putGrid(t, "mem://compute-overview", nil)
	nds, err := mem.Driver{}.Open(ctx, "mem://compute-overview", false)
	require.NoError(t, err)
	b := nds.Bands()[0]

	for method, want := range map[string][]byte{
		"NEAREST": {6, 8, 14, 16},
		"average": {4, 6, 12, 14},
		"MODE":    {1, 3, 9, 11},
	} {
		got, err := georaster.ComputeOverview(ctx, b, 2, 2, method)
		require.NoError(t, err, method)
		assert.Equal(t, want, got, method)
	}
	_, err = georaster.ComputeOverview(ctx, b, 2, 2, "CUBIC")
	assert.ErrorIs(t, err, georaster.ErrPyramidFormatUnsupported)

	w, h := georaster.OverviewSize(5, 3, 2)
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, h)
}
