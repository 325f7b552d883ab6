package georaster_test

import (
	"context"
	"strings"
	"testing"

	"github.com/airbusgeo/georaster"
	"github.com/airbusgeo/georaster/mem"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = float64(i + 1)
	}
	return s
}

func assertBound(t *testing.T, want, got orb.Bound) {
	t.Helper()
	assert.InDelta(t, want.Min[0], got.Min[0], 1e-6)
	assert.InDelta(t, want.Min[1], got.Min[1], 1e-6)
	assert.InDelta(t, want.Max[0], got.Max[0], 1e-6)
	assert.InDelta(t, want.Max[1], got.Max[1], 1e-6)
}

func TestWarpRotated(t *testing.T) {
	ctx := context.Background()
	// columns run north and rows run east
	ds := openGrid(t, "mem://warp-rotated", func(r *mem.Raster) {
		r.GeoTransform = [6]float64{0, 0, 1, 0, 1, 0}
		r.Projection = "EPSG:32631"
	})
	assert.True(t, ds.Warped())
	assert.False(t, ds.WarpDegraded())
	assert.Equal(t, "MEM", ds.Driver())
	assert.Equal(t, "EPSG:32631", ds.CRS().String())
	w, h := ds.Size()
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, h)
	gt, ok := ds.GeoTransform()
	assert.True(t, ok)
	assert.True(t, gt.NorthUp())
	assert.Equal(t, bound(0, 0, 4, 4), ds.Extent())

	blk, err := ds.ReadBlock(ctx, 1, ds.Extent(), 4, 4)
	require.NoError(t, err)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			assert.Equal(t, float64(c*4+4-r), blk.At(r, c), "row %d col %d", r, c)
		}
	}

	changed, err := ds.SetEditable(ctx, true)
	assert.NoError(t, err)
	assert.False(t, changed)
	err = ds.BuildPyramids(ctx, []georaster.PyramidLevel{{Factor: 2, Build: true}}, "NEAREST", georaster.PyramidsExternal, nil, nil)
	assert.ErrorIs(t, err, georaster.ErrPyramidFormatUnsupported)
}

func TestWarpGCPs(t *testing.T) {
	ctx := context.Background()
	ds := openGrid(t, "mem://warp-gcps", func(r *mem.Raster) {
		r.HasGeoTransform = false
		r.Projection = ""
		r.GCPProjection = "EPSG:32631"
		r.GCPs = []georaster.GCP{
			{ID: "1", Pixel: 0, Line: 0, X: 100, Y: 200},
			{ID: "2", Pixel: 4, Line: 0, X: 104, Y: 200},
			{ID: "3", Pixel: 0, Line: 4, X: 100, Y: 196},
			{ID: "4", Pixel: 4, Line: 4, X: 104, Y: 196},
		}
	})
	assert.True(t, ds.Warped())
	assert.Equal(t, "EPSG:32631", ds.CRS().String())
	assertBound(t, bound(100, 196, 104, 200), ds.Extent())

	blk, err := ds.ReadBlock(ctx, 1, ds.Extent(), 4, 4)
	require.NoError(t, err)
	assert.Equal(t, sequence(16), blk.Float64s())

	res, err := ds.Identify(ctx, orb.Point{101.5, 197.5}, orb.Bound{}, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, res[1])
	assert.Equal(t, 10.0, *res[1])
}

func TestWarpDegraded(t *testing.T) {
	ds := openGrid(t, "mem://warp-degraded", func(r *mem.Raster) {
		r.HasGeoTransform = false
		r.GCPs = []georaster.GCP{{Pixel: 0, Line: 0, X: 1, Y: 1}, {Pixel: 1, Line: 1, X: 2, Y: 2}}
	})
	assert.False(t, ds.Warped())
	assert.True(t, ds.WarpDegraded())
	_, ok := ds.GeoTransform()
	assert.False(t, ok)
	assert.Equal(t, bound(0, -4, 4, 0), ds.Extent())

	blk, err := ds.ReadBlock(context.Background(), 1, ds.Extent(), 4, 4)
	require.NoError(t, err)
	assert.Equal(t, sequence(16), blk.Float64s())
}

func rpcMetadata() map[string]string {
	coeffs := func(i int, v string) string {
		f := make([]string, 20)
		for j := range f {
			f[j] = "0"
		}
		f[i] = v
		return strings.Join(f, " ")
	}
	return map[string]string{
		"LINE_OFF": "2", "SAMP_OFF": "2 pixels", "LAT_OFF": "45", "LONG_OFF": "5", "HEIGHT_OFF": "0",
		"LINE_SCALE": "2", "SAMP_SCALE": "2", "LAT_SCALE": "0.02", "LONG_SCALE": "0.02", "HEIGHT_SCALE": "1",
		"LINE_NUM_COEFF": coeffs(2, "-1"),
		"LINE_DEN_COEFF": coeffs(0, "1"),
		"SAMP_NUM_COEFF": coeffs(1, "1"),
		"SAMP_DEN_COEFF": coeffs(0, "1"),
	}
}

func TestWarpRPC(t *testing.T) {
	ctx := context.Background()
	ds := openGrid(t, "mem://warp-rpc", func(r *mem.Raster) {
		r.HasGeoTransform = false
		r.Projection = ""
		r.Metadata = map[string]map[string]string{"RPC": rpcMetadata()}
	})
	assert.True(t, ds.Warped())
	assert.Equal(t, georaster.EPSG(4326), ds.CRS())
	assertBound(t, bound(4.975, 44.985, 5.015, 45.025), ds.Extent())
	w, h := ds.Size()
	assert.Equal(t, 4, w)
	assert.Equal(t, 4, h)

	blk, err := ds.ReadBlock(ctx, 1, ds.Extent(), 4, 4)
	require.NoError(t, err)
	assert.Equal(t, sequence(16), blk.Float64s())
}

func TestTransformers(t *testing.T) {
	_, err := georaster.NewAffineTransformer(georaster.GeoTransform{0, 1, 2, 0, 2, 4})
	assert.Error(t, err)

	tr, err := georaster.NewAffineTransformer(georaster.GeoTransform{10, 2, 0, 20, 0, -2})
	require.NoError(t, err)
	x, y, ok := tr.Forward(1, 1)
	assert.True(t, ok)
	assert.Equal(t, 12.0, x)
	assert.Equal(t, 18.0, y)
	p, l, _ := tr.Inverse(14, 12)
	assert.Equal(t, 2.0, p)
	assert.Equal(t, 4.0, l)

	_, err = georaster.NewGCPTransformer([]georaster.GCP{{}, {Pixel: 1}})
	assert.Error(t, err)
	_, err = georaster.NewGCPTransformer([]georaster.GCP{
		{Pixel: 0, Line: 0}, {Pixel: 1, Line: 1}, {Pixel: 2, Line: 2},
	})
	assert.Error(t, err)

	rpc, err := georaster.ParseRPC(rpcMetadata())
	require.NoError(t, err)
	assert.Equal(t, 2.0, rpc.SampOff)
	rt := georaster.NewRPCTransformer(rpc, 0)
	p, l, ok = rt.Inverse(5, 45)
	assert.True(t, ok)
	assert.InDelta(t, 2.5, p, 1e-9)
	assert.InDelta(t, 2.5, l, 1e-9)
	lon, lat, ok := rt.Forward(2.5, 2.5)
	assert.True(t, ok)
	assert.InDelta(t, 5, lon, 1e-6)
	assert.InDelta(t, 45, lat, 1e-6)

	md := rpcMetadata()
	delete(md, "LAT_OFF")
	_, err = georaster.ParseRPC(md)
	assert.Error(t, err)
	md = rpcMetadata()
	md["LINE_NUM_COEFF"] = "1 2 3"
	_, err = georaster.ParseRPC(md)
	assert.Error(t, err)
}

func TestGeoTransform(t *testing.T) {
	gt := georaster.GeoTransform{100, 0.5, 0, 50, 0, -0.25}
	assert.True(t, gt.NorthUp())
	x, y := gt.Apply(4, 8)
	assert.Equal(t, 102.0, x)
	assert.Equal(t, 48.0, y)
	inv, ok := gt.Invert()
	require.True(t, ok)
	p, l := inv.Apply(102, 48)
	assert.Equal(t, 4.0, p)
	assert.Equal(t, 8.0, l)
	assert.Equal(t, bound(100, 49, 102, 50), gt.Extent(4, 4))

	assert.False(t, georaster.GeoTransform{0, 1, 0.1, 0, 0, -1}.NorthUp())
	_, ok = georaster.GeoTransform{}.Invert()
	assert.False(t, ok)
}

func TestCRSResolver(t *testing.T) {
	r := georaster.DefaultCRSResolver
	c, ok := r.Resolve("epsg:2154")
	assert.True(t, ok)
	assert.Equal(t, "EPSG:2154", c.Authority)

	wkt := `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`
	c, ok = r.Resolve(wkt)
	assert.True(t, ok)
	assert.Equal(t, "EPSG:4326", c.String())
	assert.Equal(t, wkt, c.Definition)

	c, ok = r.Resolve(`LOCAL_CS["arbitrary"]`)
	assert.True(t, ok)
	assert.Equal(t, `LOCAL_CS["arbitrary"]`, c.String())

	for _, bad := range []string{"", "garbage", `GEOGCS["unbalanced"`} {
		_, ok = r.Resolve(bad)
		assert.False(t, ok, bad)
	}
	assert.Equal(t, "unknown", georaster.UnknownCRS.String())

	custom := georaster.CRSResolverFunc(func(def string) (georaster.CRS, bool) {
		return georaster.CRS{Definition: def, Authority: "LOCAL:1"}, def != ""
	})
	putGrid(t, "mem://crs-resolver", func(r *mem.Raster) { r.Projection = "whatever" })
	ds, err := georaster.Open(context.Background(), "mem://crs-resolver", georaster.WithCRSResolver(custom))
	require.NoError(t, err)
	defer ds.Close()
	assert.Equal(t, "LOCAL:1", ds.CRS().String())
}
