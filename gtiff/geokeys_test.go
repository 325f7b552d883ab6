package gtiff

import (
	"math"
	"testing"

	"github.com/airbusgeo/georaster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeoreferencing(t *testing.T) {
	utm := `PROJCS["WGS 84 / UTM zone 31N",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Transverse_Mercator"],UNIT["metre",1],AUTHORITY["EPSG","32631"]]`
	custom := `PROJCS["custom",GEOGCS["sphere",DATUM["unknown",SPHEROID["sphere",6370997,0]]],PROJECTION["Mercator_1SP"],UNIT["metre",1]]`
	cases := []struct {
		name     string
		gt       [6]float64
		proj     string
		wantProj string
	}{
		{"north up geographic", [6]float64{-180, 0.5, 0, 90, 0, -0.5}, "EPSG:4326", "EPSG:4326"},
		{"rotated", [6]float64{1000, 10, 2, 5000, 3, -10}, "EPSG:32631", "EPSG:32631"},
		{"wkt with authority", [6]float64{500000, 10, 0, 4000000, 0, -10}, utm, "EPSG:32631"},
		{"custom wkt", [6]float64{0, 1, 0, 0, 0, -1}, custom, custom},
		{"no projection", [6]float64{10, 1, 0, 20, 0, -1}, "", ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ifd := &IFD{}
			setGeoreferencing(ifd, c.gt, true, nil, c.proj)
			gt, ok, gcps, proj := georeferencing(ifd)
			assert.True(t, ok)
			assert.Equal(t, c.gt, gt)
			assert.Empty(t, gcps)
			assert.Equal(t, c.wantProj, proj)
		})
	}
}

func TestGeoreferencingGCPs(t *testing.T) {
	gcps := []georaster.GCP{
		{ID: "1", Pixel: 0, Line: 0, X: 2.1, Y: 48.5},
		{ID: "2", Pixel: 100, Line: 0, X: 2.3, Y: 48.5},
		{ID: "3", Pixel: 0, Line: 80, X: 2.1, Y: 48.3, Z: 35},
	}
	ifd := &IFD{}
	setGeoreferencing(ifd, [6]float64{}, false, gcps, "EPSG:4326")
	assert.Empty(t, ifd.ModelPixelScaleTag)
	_, ok, got, proj := georeferencing(ifd)
	assert.False(t, ok)
	assert.Equal(t, gcps, got)
	assert.Equal(t, "EPSG:4326", proj)
}

func TestPixelIsPoint(t *testing.T) {
	ifd := &IFD{
		ModelPixelScaleTag: []float64{2, 2, 0},
		ModelTiePointTag:   []float64{0, 0, 0, 100, 200, 0},
		GeoKeyDirectoryTag: []uint16{1, 1, 0, 2, keyGTRasterType, 0, 1, rasterPixelIsPoint, keyProjectedCSType, 0, 1, 2154},
	}
	gt, ok, _, proj := georeferencing(ifd)
	assert.True(t, ok)
	assert.Equal(t, [6]float64{99, 2, 0, 201, 0, -2}, gt)
	assert.Equal(t, "EPSG:2154", proj)
}

func TestNoGeoreferencing(t *testing.T) {
	ifd := &IFD{}
	setGeoreferencing(ifd, [6]float64{}, false, nil, "")
	assert.Empty(t, ifd.GeoKeyDirectoryTag)
	_, ok, gcps, proj := georeferencing(ifd)
	assert.False(t, ok)
	assert.Empty(t, gcps)
	assert.Empty(t, proj)
}

func TestEPSGCode(t *testing.T) {
	cases := []struct {
		proj       string
		code       int
		geographic bool
	}{
		{"EPSG:4326", 4326, true},
		{"epsg: 32631", 32631, false},
		{`GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],AUTHORITY["EPSG","4326"]]`, 4326, true},
		{`PROJCS["x",GEOGCS["y"],AUTHORITY["EPSG","3857"]]`, 3857, false},
		{`LOCAL_CS["arbitrary"]`, 0, false},
		{"EPSG:99999", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		code, geographic := epsgCode(c.proj)
		assert.Equal(t, c.code, code, c.proj)
		assert.Equal(t, c.geographic, geographic, c.proj)
	}
}

func TestRPC(t *testing.T) {
	v := make([]float64, 92)
	for i := range v {
		v[i] = float64(i)*0.25 - 3
	}
	md := rpcMetadata(v)
	require.NotNil(t, md)
	assert.Equal(t, "-3", md["ERR_BIAS"])
	assert.Len(t, md, 16)
	assert.Equal(t, v, rpcTag(md))

	assert.Nil(t, rpcMetadata(v[:50]))
	delete(md, "SAMP_DEN_COEFF")
	assert.Nil(t, rpcTag(md))
}

func TestNoDataFormat(t *testing.T) {
	for _, s := range []string{"nan", "NaN"} {
		v, ok := parseNoData(s)
		assert.True(t, ok)
		assert.True(t, math.IsNaN(v))
	}
	v, ok := parseNoData(" -9999 ")
	assert.True(t, ok)
	assert.Equal(t, -9999.0, v)
	_, ok = parseNoData("")
	assert.False(t, ok)
	_, ok = parseNoData("abc")
	assert.False(t, ok)

	assert.Equal(t, "nan", formatNoData(math.NaN()))
	assert.Equal(t, "-inf", formatNoData(math.Inf(-1)))
	assert.Equal(t, "0.5", formatNoData(0.5))
	v, _ = parseNoData(formatNoData(math.Inf(1)))
	assert.True(t, math.IsInf(v, 1))
}

func TestMetadata(t *testing.T) {
	ds := map[string]map[string]string{
		"":     {"AREA_OR_POINT": "Area", "TIFFTAG_SOFTWARE": "georaster"},
		"RPC":  {"LINE_OFF": "12"},
		"user": {"k": "a <b> & c"},
	}
	bands := []bandInfo{newBandInfo(), newBandInfo()}
	bands[0].scale, bands[0].offset = 0.01, -5
	bands[0].description = "red"
	bands[1].domain("")["STATISTICS_MINIMUM"] = "3"
	bands[1].domain("IMAGERY")["WAVELENGTH"] = "665"

	doc, err := formatMetadata(ds, bands)
	require.NoError(t, err)
	assert.Contains(t, doc, "<GDALMetadata>")

	gotDs, gotBands, err := parseMetadata(doc, 2)
	require.NoError(t, err)
	assert.Equal(t, ds, gotDs)
	require.Len(t, gotBands, 2)
	assert.Equal(t, 0.01, gotBands[0].scale)
	assert.Equal(t, -5.0, gotBands[0].offset)
	assert.Equal(t, "red", gotBands[0].description)
	assert.Equal(t, 1.0, gotBands[1].scale)
	assert.Equal(t, "3", gotBands[1].items[""]["STATISTICS_MINIMUM"])
	assert.Equal(t, "665", gotBands[1].items["IMAGERY"]["WAVELENGTH"])

	again, err := formatMetadata(gotDs, gotBands)
	require.NoError(t, err)
	assert.Equal(t, doc, again)

	doc, err = formatMetadata(nil, []bandInfo{newBandInfo()})
	require.NoError(t, err)
	assert.Empty(t, doc)

	_, bs, err := parseMetadata("<GDALMetadata><Item", 1)
	assert.Error(t, err)
	assert.Len(t, bs, 1)

	// items of samples beyond the band count are ignored
	_, bs, err = parseMetadata(`<GDALMetadata><Item name="X" sample="3">1</Item></GDALMetadata>`, 1)
	require.NoError(t, err)
	assert.Empty(t, bs[0].items)
}
