package mem_test

import (
	"context"
	"testing"

	"github.com/airbusgeo/georaster"
	"github.com/airbusgeo/georaster/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grid(t *testing.T, name string) *mem.Raster {
	t.Helper()
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i + 1)
	}
	r := &mem.Raster{Width: 4, Height: 4, Bands: []*mem.Band{{Type: georaster.Byte, Data: data}}}
	require.NoError(t, mem.Put(name, r))
	t.Cleanup(func() { mem.Remove(name) })
	return r
}

func TestPut(t *testing.T) {
	assert.Error(t, mem.Put("plain", &mem.Raster{Width: 1, Height: 1}))
	assert.Error(t, mem.Put("mem://put", &mem.Raster{Width: 0, Height: 1}))
	assert.Error(t, mem.Put("mem://put", &mem.Raster{Width: 1, Height: 1, Bands: []*mem.Band{{}}}))
	assert.Error(t, mem.Put("mem://put", &mem.Raster{Width: 2, Height: 2, Bands: []*mem.Band{{Type: georaster.UInt16, Data: []byte{1, 2}}}}))
	assert.Error(t, mem.Put("mem://put", &mem.Raster{Width: 2, Height: 2, Bands: []*mem.Band{
		{Type: georaster.Byte, Overviews: []*mem.Band{{}}},
	}}))
	_, ok := mem.Get("mem://put")
	assert.False(t, ok)

	r := &mem.Raster{
		Width: 3, Height: 2,
		Bands: []*mem.Band{{Type: georaster.Int16, Overviews: []*mem.Band{{Width: 2, Height: 1}}}},
		Mask:  &mem.Band{},
	}
	require.NoError(t, mem.Put("mem://put", r))
	defer mem.Remove("mem://put")
	b := r.Bands[0]
	assert.Len(t, b.Data, 12)
	assert.Equal(t, 1.0, b.Scale)
	assert.Equal(t, 3, b.BlockWidth)
	assert.Equal(t, 1, b.BlockHeight)
	assert.Equal(t, georaster.Int16, b.Overviews[0].Type)
	assert.Len(t, b.Overviews[0].Data, 4)
	assert.Equal(t, georaster.Byte, r.Mask.Type)

	got, ok := mem.Get("mem://put")
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestDriver(t *testing.T) {
	ctx := context.Background()
	drv := mem.Driver{}
	assert.True(t, drv.Identify("mem://anything"))
	assert.False(t, drv.Identify("/tmp/x.tif"))
	assert.True(t, drv.SafeJPEGOverviews())

	assert.NoError(t, drv.ValidateCreationOptions([]string{"BLOCKXSIZE=2", "interleave=BAND"}))
	assert.Error(t, drv.ValidateCreationOptions([]string{"BLOCKXSIZE=0"}))
	assert.Error(t, drv.ValidateCreationOptions([]string{"COMPRESS=LZW"}))
	assert.Error(t, drv.ValidateCreationOptions([]string{"BLOCKYSIZE"}))

	nds, err := drv.Create(ctx, "mem://driver", georaster.CreateSpec{
		Bands: 2, Type: georaster.Float32, Width: 5, Height: 3,
		Options: []string{"BLOCKXSIZE=2", "BLOCKYSIZE=3"},
	})
	require.NoError(t, err)
	assert.True(t, nds.Updatable())
	require.Len(t, nds.Bands(), 2)
	bw, bh := nds.Bands()[1].BlockSize()
	assert.Equal(t, 2, bw)
	assert.Equal(t, 3, bh)
	require.NoError(t, nds.Close())

	_, err = drv.Create(ctx, "mem://driver", georaster.CreateSpec{Bands: 1, Type: georaster.Byte, Width: 1, Height: 1, Options: []string{"TILED=YES"}})
	assert.Error(t, err)

	nds, err = drv.Open(ctx, "mem://driver", false)
	require.NoError(t, err)
	assert.False(t, nds.Updatable())
	w, h := nds.Size()
	assert.Equal(t, 5, w)
	assert.Equal(t, 3, h)

	require.NoError(t, drv.Delete(ctx, "mem://driver"))
	assert.Error(t, drv.Delete(ctx, "mem://driver"))
	_, err = drv.Open(ctx, "mem://driver", false)
	assert.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	r := grid(t, "mem://read-only")
	nds, err := mem.Driver{}.Open(ctx, "mem://read-only", false)
	require.NoError(t, err)
	bw := nds.Bands()[0].(georaster.BandWriter)
	assert.Error(t, bw.Write(ctx, 0, 0, 1, 1, []byte{9}))
	assert.Error(t, bw.SetNoData(3))
	assert.False(t, r.Bands[0].HasNoData)
	assert.Error(t, nds.(georaster.GeoWriter).SetProjection("EPSG:4326"))
	assert.Equal(t, byte(1), r.Bands[0].Data[0])
}

func TestReadWrite(t *testing.T) {
	ctx := context.Background()
	r := grid(t, "mem://read-write")
	nds, err := mem.Driver{}.Open(ctx, "mem://read-write", true)
	require.NoError(t, err)
	b := nds.Bands()[0]

	buf := make([]byte, 4)
	require.NoError(t, b.Read(ctx, 1, 1, 2, 2, 2, 2, buf))
	assert.Equal(t, []byte{6, 7, 10, 11}, buf)
	assert.Error(t, b.Read(ctx, 3, 3, 2, 2, 2, 2, buf))
	assert.Error(t, b.Read(ctx, 0, 0, 4, 4, 4, 4, buf))

	st, err := b.(georaster.StatisticsComputer).ComputeStatistics(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1.0, st.Min)
	assert.Equal(t, 16.0, st.Max)
	assert.Equal(t, 8.5, st.Mean)
	md := b.Metadata("")
	assert.Equal(t, "1", md["STATISTICS_MINIMUM"])
	assert.Equal(t, "8.5", md["STATISTICS_MEAN"])
	assert.NotContains(t, md, "STATISTICS_APPROXIMATE")

	r.Bands[0].Histogram = &mem.Histogram{Min: 0, Max: 16, Counts: []uint64{8, 8}}
	_, _, counts, ok := b.(georaster.DefaultHistogrammer).DefaultHistogram()
	assert.True(t, ok)
	assert.Equal(t, []uint64{8, 8}, counts)

	bw := b.(georaster.BandWriter)
	require.NoError(t, bw.Write(ctx, 2, 3, 2, 1, []byte{0, 0}))
	assert.Equal(t, []byte{13, 14, 0, 0}, r.Bands[0].Data[12:])
	// writes drop what was computed before them
	assert.Empty(t, b.Metadata(""))
	_, _, _, ok = b.(georaster.DefaultHistogrammer).DefaultHistogram()
	assert.False(t, ok)

	require.NoError(t, bw.SetNoData(0))
	assert.Equal(t, georaster.MaskNoData, b.MaskFlags())
	counts, err = b.(georaster.Histogrammer).Histogram(ctx, georaster.NativeHistogram{Min: 0.5, Max: 16.5, Bins: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{8, 6}, counts)

	require.NoError(t, nds.(georaster.GeoWriter).SetGeoTransform([6]float64{0, 1, 0, 0, 0, -1}))
	_, ok = nds.GeoTransform()
	assert.True(t, ok)
}

func TestMask(t *testing.T) {
	r := grid(t, "mem://mask")
	nds, err := mem.Driver{}.Open(context.Background(), "mem://mask", false)
	require.NoError(t, err)
	b := nds.Bands()[0]
	assert.Equal(t, georaster.MaskAllValid, b.MaskFlags())
	assert.Nil(t, b.MaskBand())

	r.Mask = &mem.Band{Type: georaster.Byte, Width: 4, Height: 4, Data: make([]byte, 16)}
	assert.Equal(t, georaster.MaskPerDataset, b.MaskFlags())
	m := b.MaskBand()
	require.NotNil(t, m)
	assert.Equal(t, georaster.MaskAllValid, m.MaskFlags())
	assert.Nil(t, m.MaskBand())

	// a band mask takes precedence over the dataset mask
	own := &mem.Band{Type: georaster.Byte, Width: 4, Height: 4, Data: make([]byte, 16)}
	own.Data[0] = 255
	r.Bands[0].Mask = own
	assert.Equal(t, georaster.MaskFlags(0), b.MaskFlags())
	m = b.MaskBand()
	require.NotNil(t, m)
	buf := make([]byte, 1)
	require.NoError(t, m.Read(context.Background(), 0, 0, 1, 1, 1, 1, buf))
	assert.Equal(t, []byte{255}, buf)
}

func TestBuildOverviews(t *testing.T) {
	ctx := context.Background()
	r := grid(t, "mem://overviews")
	nds, err := mem.Driver{}.Open(ctx, "mem://overviews", true)
	require.NoError(t, err)

	require.NoError(t, nds.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{2}, Resampling: "AVERAGE"}))
	require.Len(t, r.Bands[0].Overviews, 1)
	assert.Equal(t, []byte{4, 6, 12, 14}, r.Bands[0].Overviews[0].Data)

	// decimated reads use the overview
	buf := make([]byte, 4)
	require.NoError(t, nds.Bands()[0].Read(ctx, 0, 0, 4, 4, 2, 2, buf))
	assert.Equal(t, []byte{4, 6, 12, 14}, buf)

	require.NoError(t, nds.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST"}))
	require.Len(t, r.Bands[0].Overviews, 1)
	assert.Equal(t, []byte{6, 8, 14, 16}, r.Bands[0].Overviews[0].Data)

	assert.Error(t, nds.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{1}, Resampling: "NEAREST"}))
	assert.ErrorIs(t, nds.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{4}, Resampling: "LANCZOS"}), georaster.ErrPyramidFormatUnsupported)
	assert.NoError(t, nds.BuildOverviews(ctx, georaster.OverviewRequest{}))
}
