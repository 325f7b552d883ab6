package gtiff

import (
	"context"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/airbusgeo/georaster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateData creates a file at name whose bands hold random samples, and
// returns those samples
func generateData(t *testing.T, name string, spec georaster.CreateSpec) [][]byte {
	t.Helper()
	ctx := context.Background()
	ds, err := Driver{}.Create(ctx, name, spec)
	require.NoError(t, err)
	r := rand.New(rand.NewSource(int64(spec.Width*spec.Height + spec.Bands)))
	var data [][]byte
	for _, b := range ds.Bands() {
		buf := make([]byte, spec.Width*spec.Height*spec.Type.Size())
		r.Read(buf)
		require.NoError(t, b.(georaster.BandWriter).Write(ctx, 0, 0, spec.Width, spec.Height, buf))
		data = append(data, buf)
	}
	gw := ds.(georaster.GeoWriter)
	require.NoError(t, gw.SetGeoTransform([6]float64{45, 0.001, 0, 10, 0, -0.001}))
	require.NoError(t, gw.SetProjection("EPSG:4326"))
	require.NoError(t, ds.Close())
	return data
}

// fillData creates a file at name whose band samples are fn(band, pixel)
func fillData(t *testing.T, name string, spec georaster.CreateSpec, fn func(s, i int) float64) [][]byte {
	t.Helper()
	ctx := context.Background()
	ds, err := Driver{}.Create(ctx, name, spec)
	require.NoError(t, err)
	var data [][]byte
	for s, b := range ds.Bands() {
		buf := make([]byte, spec.Width*spec.Height*spec.Type.Size())
		for i := 0; i < spec.Width*spec.Height; i++ {
			spec.Type.SetSample(buf, i, fn(s, i))
		}
		require.NoError(t, b.(georaster.BandWriter).Write(ctx, 0, 0, spec.Width, spec.Height, buf))
		data = append(data, buf)
	}
	require.NoError(t, ds.Close())
	return data
}

func readAll(t *testing.T, b georaster.NativeBand) []byte {
	t.Helper()
	w, h := b.Size()
	buf := make([]byte, w*h*b.DataType().Size())
	require.NoError(t, b.Read(context.Background(), 0, 0, w, h, w, h, buf))
	return buf
}

// decimate is the nearest neighbour reduction of a width x height plane
func decimate(data []byte, sz, width, height, x, y, w, h, bufW, bufH int) []byte {
	out := make([]byte, bufW*bufH*sz)
	for row := 0; row < bufH; row++ {
		sy := y + georaster.DecimatedIndex(row, h, bufH)
		for col := 0; col < bufW; col++ {
			sx := x + georaster.DecimatedIndex(col, w, bufW)
			copy(out[(row*bufW+col)*sz:(row*bufW+col+1)*sz], data[(sy*width+sx)*sz:])
		}
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		dt    georaster.DataType
		bands int
		opts  []string
		comp  string
		il    string
	}{
		{"striped byte", georaster.Byte, 1, nil, "", "PIXEL"},
		{"tiled lzw uint16", georaster.UInt16, 2, []string{"TILED=YES", "BLOCKXSIZE=16", "BLOCKYSIZE=32", "COMPRESS=LZW", "PREDICTOR=2"}, "LZW", "PIXEL"},
		{"band interleaved deflate int16", georaster.Int16, 3, []string{"INTERLEAVE=BAND", "COMPRESS=DEFLATE"}, "DEFLATE", "BAND"},
		{"tiled band interleaved", georaster.Int32, 2, []string{"INTERLEAVE=BAND", "TILED=YES", "BLOCKXSIZE=32", "BLOCKYSIZE=16"}, "", "BAND"},
		{"float32 zstd", georaster.Float32, 2, []string{"COMPRESS=ZSTD", "PREDICTOR=3", "TILED=YES", "BLOCKXSIZE=32", "BLOCKYSIZE=16"}, "ZSTD", "PIXEL"},
		{"float64 packbits", georaster.Float64, 1, []string{"COMPRESS=PACKBITS"}, "PACKBITS", "PIXEL"},
		{"complex", georaster.CInt16, 1, []string{"COMPRESS=DEFLATE"}, "DEFLATE", "PIXEL"},
		{"rgb", georaster.Byte, 3, []string{"TILED=YES", "COMPRESS=LZW", "PREDICTOR=2"}, "LZW", "PIXEL"},
		{"bigtiff", georaster.Int8, 1, []string{"BIGTIFF=YES", "TILED=YES", "BLOCKXSIZE=16", "BLOCKYSIZE=16"}, "", "PIXEL"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			name := filepath.Join(t.TempDir(), "data.tif")
			spec := georaster.CreateSpec{Width: 50, Height: 37, Bands: c.bands, Type: c.dt, Options: c.opts}
			data := generateData(t, name, spec)

			for _, update := range []bool{false, true} {
				ds, err := Driver{}.Open(ctx, name, update)
				require.NoError(t, err)
				w, h := ds.Size()
				assert.Equal(t, 50, w)
				assert.Equal(t, 37, h)
				require.Len(t, ds.Bands(), c.bands)
				gt, ok := ds.GeoTransform()
				assert.True(t, ok)
				assert.Equal(t, [6]float64{45, 0.001, 0, 10, 0, -0.001}, gt)
				assert.Equal(t, "EPSG:4326", ds.Projection())
				st := ds.Metadata("IMAGE_STRUCTURE")
				assert.Equal(t, c.il, st["INTERLEAVE"])
				assert.Equal(t, c.comp, st["COMPRESSION"])

				sz := c.dt.Size()
				for s, b := range ds.Bands() {
					assert.Equal(t, c.dt, b.DataType())
					assert.Equal(t, data[s], readAll(t, b), "band %d", s+1)

					win := make([]byte, 20*15*sz)
					require.NoError(t, b.Read(ctx, 10, 5, 20, 15, 20, 15, win))
					assert.Equal(t, decimate(data[s], sz, 50, 37, 10, 5, 20, 15, 20, 15), win)

					dec := make([]byte, 17*11*sz)
					require.NoError(t, b.Read(ctx, 0, 0, 50, 37, 17, 11, dec))
					assert.Equal(t, decimate(data[s], sz, 50, 37, 0, 0, 50, 37, 17, 11), dec)

					assert.Error(t, b.Read(ctx, 40, 0, 20, 10, 20, 10, win), "window outside of band")
				}
				require.NoError(t, ds.Close())
			}
		})
	}
}

func TestTiledBlockSize(t *testing.T) {
	name := filepath.Join(t.TempDir(), "tiled.tif")
	generateData(t, name, georaster.CreateSpec{Width: 70, Height: 20, Bands: 1, Type: georaster.Byte,
		Options: []string{"TILED=YES", "BLOCKXSIZE=32", "BLOCKYSIZE=16"}})
	ds, err := Driver{}.Open(context.Background(), name, false)
	require.NoError(t, err)
	defer ds.Close()
	bw, bh := ds.Bands()[0].BlockSize()
	assert.Equal(t, 32, bw)
	assert.Equal(t, 16, bh)
}

func TestCanceledBlockLoop(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	name := filepath.Join(t.TempDir(), "canceled.tif")
	generateData(t, name, georaster.CreateSpec{Width: 70, Height: 40, Bands: 1, Type: georaster.Byte,
		Options: []string{"TILED=YES", "BLOCKXSIZE=32", "BLOCKYSIZE=16"}})
	_, err := Driver{}.Open(canceled, name, true)
	assert.ErrorIs(t, err, context.Canceled)

	p, err := parseParams([]string{"TILED=YES", "BLOCKXSIZE=16", "BLOCKYSIZE=16"}, 1, georaster.Byte)
	require.NoError(t, err)
	ds := newDataset(name, georaster.CreateSpec{Width: 40, Height: 40, Bands: 1, Type: georaster.Byte}, p)
	img := ds.newMemImage(40, 40, 1, georaster.Byte, p)
	img.prepare(PhotometricInterpretationMinIsBlack, nil)
	assert.ErrorIs(t, img.encode(canceled), context.Canceled)
	for _, b := range img.ifd.blocks {
		assert.Nil(t, b)
	}

	// blocks are encoded one after the other, in file order
	require.NoError(t, img.encode(context.Background()))
	require.Len(t, img.ifd.blocks, 9)
	for _, b := range img.ifd.blocks {
		assert.NotEmpty(t, b)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "update.tif")
	spec := georaster.CreateSpec{Width: 40, Height: 30, Bands: 2, Type: georaster.UInt16, Options: []string{"COMPRESS=LZW"}}
	data := generateData(t, name, spec)

	ro, err := Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	assert.False(t, ro.Updatable())
	patch := make([]byte, 4*3*2)
	err = ro.Bands()[0].(georaster.BandWriter).Write(ctx, 0, 0, 4, 3, patch)
	assert.ErrorIs(t, err, georaster.ErrWriteAccess)
	assert.ErrorIs(t, ro.(georaster.GeoWriter).SetProjection("EPSG:3857"), georaster.ErrWriteAccess)
	require.NoError(t, ro.Close())

	ds, err := Driver{}.Open(ctx, name, true)
	require.NoError(t, err)
	assert.True(t, ds.Updatable())
	for i := range patch {
		patch[i] = 0xff
	}
	require.NoError(t, ds.Bands()[1].(georaster.BandWriter).Write(ctx, 5, 6, 4, 3, patch))
	require.NoError(t, ds.(georaster.GeoWriter).SetProjection("EPSG:32631"))
	require.NoError(t, ds.Close())

	for r := 0; r < 3; r++ {
		copy(data[1][((6+r)*40+5)*2:((6+r)*40+9)*2], patch)
	}
	ds, err = Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	defer ds.Close()
	assert.Equal(t, "EPSG:32631", ds.Projection())
	assert.Equal(t, "LZW", ds.Metadata("IMAGE_STRUCTURE")["COMPRESSION"])
	assert.Equal(t, data[0], readAll(t, ds.Bands()[0]))
	assert.Equal(t, data[1], readAll(t, ds.Bands()[1]))
}

func TestNoData(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "nodata.tif")
	ds, err := Driver{}.Create(ctx, name, georaster.CreateSpec{Width: 8, Height: 8, Bands: 2, Type: georaster.Float32})
	require.NoError(t, err)
	assert.Equal(t, georaster.MaskAllValid, ds.Bands()[0].MaskFlags())
	require.NoError(t, ds.Bands()[0].(georaster.BandWriter).SetNoData(-9999))
	require.NoError(t, ds.Close())

	ds, err = Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	defer ds.Close()
	for _, b := range ds.Bands() {
		nd, ok := b.NoData()
		assert.True(t, ok)
		assert.Equal(t, -9999.0, nd)
		assert.Equal(t, georaster.MaskNoData, b.MaskFlags())
		assert.Nil(t, b.MaskBand())
	}
}

func TestColorInterp(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name  string
		bands int
		dt    georaster.DataType
		opts  []string
		want  []georaster.ColorInterp
	}{
		{"gray", 1, georaster.Byte, nil, []georaster.ColorInterp{georaster.CIGray}},
		{"rgb", 3, georaster.Byte, nil, []georaster.ColorInterp{georaster.CIRed, georaster.CIGreen, georaster.CIBlue}},
		{"rgba", 4, georaster.Byte, nil, []georaster.ColorInterp{georaster.CIRed, georaster.CIGreen, georaster.CIBlue, georaster.CIAlpha}},
		{"gray uint16", 3, georaster.UInt16, nil, []georaster.ColorInterp{georaster.CIGray, georaster.CIUndefined, georaster.CIUndefined}},
		{"gray alpha", 2, georaster.Byte, []string{"ALPHA=YES"}, []georaster.ColorInterp{georaster.CIGray, georaster.CIAlpha}},
		{"minisblack", 3, georaster.Byte, []string{"PHOTOMETRIC=MINISBLACK"}, []georaster.ColorInterp{georaster.CIGray, georaster.CIUndefined, georaster.CIUndefined}},
		{"cmyk", 4, georaster.Byte, []string{"PHOTOMETRIC=SEPARATED"}, []georaster.ColorInterp{georaster.CICyan, georaster.CIMagenta, georaster.CIYellow, georaster.CIBlack}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			name := filepath.Join(t.TempDir(), "ci.tif")
			generateData(t, name, georaster.CreateSpec{Width: 10, Height: 10, Bands: c.bands, Type: c.dt, Options: c.opts})
			ds, err := Driver{}.Open(ctx, name, false)
			require.NoError(t, err)
			defer ds.Close()
			var got []georaster.ColorInterp
			for _, b := range ds.Bands() {
				got = append(got, b.ColorInterp())
			}
			assert.Equal(t, c.want, got)
		})
	}
}

func TestAlphaMask(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "rgba.tif")
	data := generateData(t, name, georaster.CreateSpec{Width: 20, Height: 10, Bands: 4, Type: georaster.Byte})
	ds, err := Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	defer ds.Close()
	bands := ds.Bands()
	for _, b := range bands[:3] {
		assert.Equal(t, georaster.MaskAlpha|georaster.MaskPerDataset, b.MaskFlags())
		require.NotNil(t, b.MaskBand())
		assert.Equal(t, data[3], readAll(t, b.MaskBand()))
	}
	assert.Equal(t, georaster.MaskAllValid, bands[3].MaskFlags())
	assert.Nil(t, bands[3].MaskBand())
}

func TestDatasetMask(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "mask.tif")
	spec := georaster.CreateSpec{Width: 48, Height: 40, Bands: 1, Type: georaster.Int16}
	p, err := parseParams([]string{"TILED=YES", "BLOCKXSIZE=16", "BLOCKYSIZE=16", "COMPRESS=DEFLATE"}, 1, spec.Type)
	require.NoError(t, err)
	ds := newDataset(name, spec, p)
	ds.full.mask = ds.newMemImage(spec.Width, spec.Height, 1, georaster.Byte, maskParams(p))
	for i := range ds.full.mask.planes[0] {
		if i%3 == 0 {
			ds.full.mask.planes[0][i] = 255
		}
	}
	msk := append([]byte(nil), ds.full.mask.planes[0]...)
	require.NoError(t, ds.Close())

	ro, err := Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	b := ro.Bands()[0]
	assert.Equal(t, georaster.MaskPerDataset, b.MaskFlags())
	require.NotNil(t, b.MaskBand())
	assert.Equal(t, georaster.MaskAllValid, b.MaskBand().MaskFlags())
	assert.Equal(t, msk, readAll(t, b.MaskBand()))

	require.NoError(t, ro.BuildOverviews(ctx, georaster.OverviewRequest{
		Levels:     []int{2},
		Resampling: "AVERAGE",
		Format:     georaster.PyramidsExternal,
	}))
	require.NoError(t, ro.Close())

	ro, err = Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	defer ro.Close()
	b = ro.Bands()[0]
	require.Len(t, b.Overviews(), 1)
	mo := b.MaskBand().Overviews()
	require.Len(t, mo, 1)
	assert.Equal(t, decimate(msk, 1, 48, 40, 0, 0, 48, 40, 24, 20), readAll(t, mo[0]))
	assert.Equal(t, georaster.MaskPerDataset, b.Overviews()[0].MaskFlags())
}

func TestBuildOverviewsInternal(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "ovr.tif")
	spec := georaster.CreateSpec{Width: 64, Height: 48, Bands: 2, Type: georaster.Byte,
		Options: []string{"TILED=YES", "BLOCKXSIZE=16", "BLOCKYSIZE=16", "COMPRESS=LZW"}}
	data := generateData(t, name, spec)

	ro, err := Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	err = ro.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Format: georaster.PyramidsInternal})
	assert.ErrorIs(t, err, georaster.ErrWriteAccess)
	require.NoError(t, ro.Close())

	ds, err := Driver{}.Open(ctx, name, true)
	require.NoError(t, err)
	var steps []float64
	pctx := georaster.WithProgressFunc(ctx, func(p float64) error {
		steps = append(steps, p)
		return nil
	})
	require.NoError(t, ds.BuildOverviews(pctx, georaster.OverviewRequest{
		Levels:     []int{4, 2},
		Resampling: "NEAREST",
		Format:     georaster.PyramidsInternal,
	}))
	require.NotEmpty(t, steps)
	assert.InDelta(t, 100, steps[len(steps)-1], 1e-9)
	require.NoError(t, ds.Close())
	_, err = os.Stat(name + ".ovr")
	assert.True(t, os.IsNotExist(err))

	ds, err = Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	defer ds.Close()
	for s, b := range ds.Bands() {
		ovrs := b.Overviews()
		require.Len(t, ovrs, 2)
		w, h := ovrs[0].Size()
		assert.Equal(t, [2]int{32, 24}, [2]int{w, h})
		w, h = ovrs[1].Size()
		assert.Equal(t, [2]int{16, 12}, [2]int{w, h})
		assert.Nil(t, ovrs[0].Overviews())

		assert.Equal(t, decimate(data[s], 1, 64, 48, 0, 0, 64, 48, 32, 24), readAll(t, ovrs[0]))
		ovr4 := readAll(t, ovrs[1])
		assert.Equal(t, decimate(data[s], 1, 64, 48, 0, 0, 64, 48, 16, 12), ovr4)

		// decimated reads are served by the coarsest fitting overview
		buf := make([]byte, 16*12)
		require.NoError(t, b.Read(ctx, 0, 0, 64, 48, 16, 12, buf))
		assert.Equal(t, ovr4, buf)

		assert.Equal(t, data[s], readAll(t, b))
	}
}

func TestBuildOverviewsExternal(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "ext.tif")
	spec := georaster.CreateSpec{Width: 30, Height: 20, Bands: 1, Type: georaster.UInt16}
	fillData(t, name, spec, func(_, i int) float64 { return 7 })

	ds, err := Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	require.NoError(t, ds.BuildOverviews(ctx, georaster.OverviewRequest{
		Levels:     []int{2, 3},
		Resampling: "AVERAGE",
		Format:     georaster.PyramidsExternal,
		Config:     []string{"COMPRESS_OVERVIEW=DEFLATE"},
	}))
	require.Len(t, ds.Bands()[0].Overviews(), 2)
	require.NoError(t, ds.Close())
	_, err = os.Stat(name + ".ovr")
	require.NoError(t, err)

	ds, err = Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	ovrs := ds.Bands()[0].Overviews()
	require.Len(t, ovrs, 2)
	w, h := ovrs[1].Size()
	assert.Equal(t, [2]int{10, 7}, [2]int{w, h})
	for _, o := range ovrs {
		buf := readAll(t, o)
		for i := 0; i < len(buf)/2; i++ {
			assert.Equal(t, 7.0, georaster.UInt16.Sample(buf, i))
		}
	}

	// rebuilding a level replaces it
	require.NoError(t, ds.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Format: georaster.PyramidsExternal}))
	assert.Len(t, ds.Bands()[0].Overviews(), 2)
	require.NoError(t, ds.Close())

	ds, err = Driver{}.Open(ctx, name, true)
	require.NoError(t, err)
	defer ds.Close()
	err = ds.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{4}, Resampling: "NEAREST", Format: georaster.PyramidsInternal})
	assert.ErrorIs(t, err, georaster.ErrPyramidFormatUnsupported)
}

func TestBuildOverviewsErrors(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "err.tif")
	generateData(t, name, georaster.CreateSpec{Width: 16, Height: 16, Bands: 1, Type: georaster.Byte})
	ds, err := Driver{}.Open(ctx, name, true)
	require.NoError(t, err)
	defer ds.Close()

	cases := []struct {
		req  georaster.OverviewRequest
		want error
	}{
		{georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Format: georaster.PyramidsErdas}, georaster.ErrPyramidFormatUnsupported},
		{georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Config: []string{"USE_RRD=YES"}}, georaster.ErrPyramidFormatUnsupported},
		{georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Format: georaster.PyramidsInternal, Config: []string{"COMPRESS_OVERVIEW=JPEG"}}, georaster.ErrPyramidCompressionUnsupported},
		{georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Format: georaster.PyramidsInternal, Config: []string{"PHOTOMETRIC_OVERVIEW=YCBCR"}}, georaster.ErrPyramidCompressionUnsupported},
		{georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Format: georaster.PyramidsInternal, Config: []string{"COMPRESS_OVERVIEW=FOO"}}, georaster.ErrPyramidConfigInvalid},
		{georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST", Format: georaster.PyramidsInternal, Config: []string{"GDAL_TIFF_OVR_BLOCKSIZE=10"}}, georaster.ErrPyramidConfigInvalid},
		{georaster.OverviewRequest{Levels: []int{1}, Resampling: "NEAREST", Format: georaster.PyramidsInternal}, georaster.ErrPyramidConfigInvalid},
		{georaster.OverviewRequest{Levels: []int{2}, Resampling: "CUBIC", Format: georaster.PyramidsInternal}, georaster.ErrPyramidFormatUnsupported},
	}
	for _, c := range cases {
		assert.ErrorIs(t, ds.BuildOverviews(ctx, c.req), c.want, "%+v", c.req)
	}
	assert.NoError(t, ds.BuildOverviews(ctx, georaster.OverviewRequest{}))
	assert.Empty(t, ds.Bands()[0].Overviews())
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "stats.tif")
	fillData(t, name, georaster.CreateSpec{Width: 40, Height: 30, Bands: 1, Type: georaster.Byte},
		func(_, i int) float64 { return float64(i % 10) })

	ds, err := Driver{}.Open(ctx, name, true)
	require.NoError(t, err)
	b := ds.Bands()[0]
	st, err := b.(georaster.StatisticsComputer).ComputeStatistics(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, st.Min)
	assert.Equal(t, 9.0, st.Max)
	assert.InDelta(t, 4.5, st.Mean, 1e-9)
	counts, err := b.(georaster.Histogrammer).Histogram(ctx, georaster.NativeHistogram{Min: -0.5, Max: 9.5, Bins: 10})
	require.NoError(t, err)
	for _, c := range counts {
		assert.Equal(t, uint64(120), c)
	}
	require.NoError(t, ds.Close())

	ds, err = Driver{}.Open(ctx, name, true)
	require.NoError(t, err)
	md := ds.Bands()[0].Metadata("")
	assert.Equal(t, "0", md["STATISTICS_MINIMUM"])
	assert.Equal(t, "9", md["STATISTICS_MAXIMUM"])
	assert.Contains(t, md, "STATISTICS_MEAN")

	require.NoError(t, ds.Bands()[0].(georaster.BandWriter).Write(ctx, 0, 0, 1, 1, []byte{200}))
	assert.NotContains(t, ds.Bands()[0].Metadata(""), "STATISTICS_MINIMUM")
	require.NoError(t, ds.Close())

	ds, err = Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	defer ds.Close()
	assert.NotContains(t, ds.Bands()[0].Metadata(""), "STATISTICS_MAXIMUM")
}

func TestSubdatasets(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "pages.tif")
	p := defaultParams()
	ds := newDataset(name, georaster.CreateSpec{Width: 1, Height: 1, Bands: 1, Type: georaster.Byte}, p)
	var ifds []*IFD
	for i, size := range [][2]int{{20, 10}, {12, 30}} {
		img := ds.newMemImage(size[0], size[1], 1, georaster.Byte, p)
		for j := range img.planes[0] {
			img.planes[0][j] = byte(i + 1)
		}
		img.prepare(PhotometricInterpretationMinIsBlack, nil)
		require.NoError(t, img.encode(ctx))
		ifds = append(ifds, img.ifd)
	}
	require.NoError(t, writeFile(name, func(out io.Writer) error {
		return newWriter(ifds, nil, false).Write(out, DefaultLayout)
	}))

	first, err := Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	defer first.Close()
	w, h := first.Size()
	assert.Equal(t, [2]int{20, 10}, [2]int{w, h})
	sub := first.Metadata("SUBDATASETS")
	assert.Equal(t, DirPrefix+"2:"+name, sub["SUBDATASET_2_NAME"])
	assert.Equal(t, "Page 2 (12P x 30L x 1B)", sub["SUBDATASET_2_DESC"])

	_, err = Driver{}.Open(ctx, name, true)
	assert.ErrorIs(t, err, georaster.ErrWriteAccess)

	second, err := Driver{}.Open(ctx, sub["SUBDATASET_2_NAME"], false)
	require.NoError(t, err)
	defer second.Close()
	w, h = second.Size()
	assert.Equal(t, [2]int{12, 30}, [2]int{w, h})
	assert.Empty(t, second.Metadata("SUBDATASETS"))
	buf := readAll(t, second.Bands()[0])
	assert.Equal(t, byte(2), buf[0])

	_, err = Driver{}.Open(ctx, DirPrefix+"3:"+name, false)
	assert.Error(t, err)
}

func TestIdentify(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "a.tif")
	generateData(t, name, georaster.CreateSpec{Width: 4, Height: 4, Bands: 1, Type: georaster.Byte})
	raw, err := os.ReadFile(name)
	require.NoError(t, err)
	noext := filepath.Join(dir, "raster")
	require.NoError(t, os.WriteFile(noext, raw, 0644))
	other := filepath.Join(dir, "other.dat")
	require.NoError(t, os.WriteFile(other, []byte("not a tiff"), 0644))

	d := Driver{}
	assert.True(t, d.Identify(name))
	assert.True(t, d.Identify("/nowhere/B04.TIFF"))
	assert.True(t, d.Identify(noext))
	assert.True(t, d.Identify(DirPrefix+"1:"+name))
	assert.False(t, d.Identify(other))
	assert.False(t, d.Identify("https://example.com/tile.png"))

	ds, err := d.Open(context.Background(), noext, false)
	require.NoError(t, err)
	require.NoError(t, ds.Close())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "del.tif")
	generateData(t, name, georaster.CreateSpec{Width: 8, Height: 8, Bands: 1, Type: georaster.Byte})
	ds, err := Driver{}.Open(ctx, name, false)
	require.NoError(t, err)
	require.NoError(t, ds.BuildOverviews(ctx, georaster.OverviewRequest{Levels: []int{2}, Resampling: "NEAREST"}))
	require.NoError(t, ds.Close())

	require.NoError(t, Driver{}.Delete(ctx, name))
	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(name + ".ovr")
	assert.True(t, os.IsNotExist(err))
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, err := Driver{}.Create(ctx, "s3://bucket/key.tif", georaster.CreateSpec{Width: 1, Height: 1, Bands: 1, Type: georaster.Byte})
	assert.ErrorIs(t, err, georaster.ErrWriteAccess)
	_, err = Driver{}.Create(ctx, filepath.Join(dir, "a.tif"), georaster.CreateSpec{Width: 0, Height: 1, Bands: 1, Type: georaster.Byte})
	assert.Error(t, err)
	_, err = Driver{}.Create(ctx, filepath.Join(dir, "a.tif"), georaster.CreateSpec{Width: 1, Height: 1, Bands: 1, Type: georaster.Unknown})
	assert.Error(t, err)
	_, err = Driver{}.Create(ctx, filepath.Join(dir, "a.tif"), georaster.CreateSpec{Width: 1, Height: 1, Bands: 1, Type: georaster.Byte, Options: []string{"FOO=BAR"}})
	assert.Error(t, err)
	_, err = Driver{}.Open(ctx, "https://example.com/a.tif", true)
	assert.ErrorIs(t, err, georaster.ErrWriteAccess)
}

func TestParseParams(t *testing.T) {
	p, err := parseParams([]string{"COMPRESS=deflate", "PREDICTOR=2", "TILED=YES", "INTERLEAVE=BAND", "BIGTIFF=IF_SAFER"}, 3, georaster.UInt16)
	require.NoError(t, err)
	assert.Equal(t, uint16(CompressionDeflate), p.compression)
	assert.Equal(t, uint16(PredictorHorizontal), p.predictor)
	assert.True(t, p.tiled)
	assert.Equal(t, 256, p.blockW)
	assert.Equal(t, 256, p.blockH)
	assert.True(t, p.separate)
	assert.Equal(t, "IF_SAFER", p.bigtiff)

	invalid := []struct {
		opts  []string
		bands int
		dt    georaster.DataType
	}{
		{[]string{"COMPRESS=JPEG"}, 3, georaster.Byte},
		{[]string{"PREDICTOR=4"}, 1, georaster.Byte},
		{[]string{"PREDICTOR=3"}, 1, georaster.Int16},
		{[]string{"PREDICTOR=2"}, 1, georaster.CFloat32},
		{[]string{"TILED=MAYBE"}, 1, georaster.Byte},
		{[]string{"TILED=YES", "BLOCKXSIZE=100"}, 1, georaster.Byte},
		{[]string{"BLOCKXSIZE=64"}, 1, georaster.Byte},
		{[]string{"INTERLEAVE=LINE"}, 1, georaster.Byte},
		{[]string{"PHOTOMETRIC=RGB"}, 2, georaster.Byte},
		{[]string{"PHOTOMETRIC=YCBCR"}, 3, georaster.Byte},
		{[]string{"BIGTIFF=MAYBE"}, 1, georaster.Byte},
		{[]string{"NOVALUE"}, 1, georaster.Byte},
		{[]string{"SPARSE_OK=YES"}, 1, georaster.Byte},
	}
	for _, c := range invalid {
		_, err := parseParams(c.opts, c.bands, c.dt)
		assert.Error(t, err, "%v", c.opts)
	}
	assert.NoError(t, Driver{}.ValidateCreationOptions([]string{"PREDICTOR=3", "COMPRESS=ZSTD"}))
	assert.Error(t, Driver{}.ValidateCreationOptions([]string{"COMPRESS=WEBP"}))
}

func TestSplitDir(t *testing.T) {
	page, loc, ok := splitDir("GTIFF_DIR:3:/data/a.tif")
	assert.True(t, ok)
	assert.Equal(t, 3, page)
	assert.Equal(t, "/data/a.tif", loc)
	_, _, ok = splitDir("GTIFF_DIR:0:/data/a.tif")
	assert.False(t, ok)
	_, loc, ok = splitDir("/data/a.tif")
	assert.False(t, ok)
	assert.Equal(t, "/data/a.tif", loc)
}

func TestStripRows(t *testing.T) {
	assert.Equal(t, 8, stripRows(1024, 100, 1))
	assert.Equal(t, 1, stripRows(10000, 100, 4))
	assert.Equal(t, 5, stripRows(10, 5, 1))
}

func TestBlockCache(t *testing.T) {
	c := newBlockCache(1 << 20)
	defer c.cache.Stop()
	loads := 0
	load := func() ([]byte, error) {
		loads++
		return []byte{1, 2, 3}, nil
	}
	for i := 0; i < 3; i++ {
		b, err := c.get(blockKey("ds", 1, 7), load)
		require.NoError(t, err)
		assert.Equal(t, []byte{1, 2, 3}, b)
	}
	assert.Equal(t, 1, loads)
	c.drop("ds")
	_, err := c.get(blockKey("ds", 1, 7), load)
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}
