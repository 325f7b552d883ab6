package gtiff

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/airbusgeo/georaster"
)

const (
	keyGTModelType       = 1024
	keyGTRasterType      = 1025
	keyGTCitation        = 1026
	keyGeographicType    = 2048
	keyGeogCitation      = 2049
	keyProjectedCSType   = 3072
	keyPCSCitation       = 3073
	modelTypeProjected   = 1
	modelTypeGeographic  = 2
	rasterPixelIsArea    = 1
	rasterPixelIsPoint   = 2
	userDefined          = 32767
	tagGeoDoubleParams   = 34736
	tagGeoAsciiParams    = 34737
	geoKeyDirectoryShort = 0
)

type geoKey struct {
	short  uint16
	double []float64
	ascii  string
}

// geoKeys decodes the GeoKey directory of ifd
func geoKeys(ifd *IFD) map[uint16]geoKey {
	dir := ifd.GeoKeyDirectoryTag
	keys := map[uint16]geoKey{}
	if len(dir) < 4 {
		return keys
	}
	n := int(dir[3])
	for i := 0; i < n && 4+4*i+3 < len(dir); i++ {
		e := dir[4+4*i : 8+4*i]
		id, loc, count, val := e[0], e[1], int(e[2]), int(e[3])
		switch loc {
		case geoKeyDirectoryShort:
			keys[id] = geoKey{short: uint16(val)}
		case tagGeoDoubleParams:
			if val+count <= len(ifd.GeoDoubleParamsTag) {
				keys[id] = geoKey{double: ifd.GeoDoubleParamsTag[val : val+count]}
			}
		case tagGeoAsciiParams:
			if val+count <= len(ifd.GeoAsciiParamsTag) {
				keys[id] = geoKey{ascii: strings.TrimRight(ifd.GeoAsciiParamsTag[val:val+count], "|\x00")}
			}
		}
	}
	return keys
}

// georeferencing returns the affine transform, the GCPs and the
// projection of ifd. PixelIsPoint rasters are shifted by half a pixel.
func georeferencing(ifd *IFD) (gt [6]float64, hasGT bool, gcps []georaster.GCP, proj string) {
	keys := geoKeys(ifd)
	point := keys[keyGTRasterType].short == rasterPixelIsPoint
	proj = projection(keys)

	switch {
	case len(ifd.ModelTransformationTag) == 16:
		m := ifd.ModelTransformationTag
		gt = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
		hasGT = true
	case len(ifd.ModelTiePointTag) == 6 && len(ifd.ModelPixelScaleTag) >= 2:
		tp, sc := ifd.ModelTiePointTag, ifd.ModelPixelScaleTag
		gt = [6]float64{tp[3] - tp[0]*sc[0], sc[0], 0, tp[4] + tp[1]*sc[1], 0, -sc[1]}
		hasGT = true
	case len(ifd.ModelTiePointTag) >= 12:
		tp := ifd.ModelTiePointTag
		for i := 0; i+6 <= len(tp); i += 6 {
			g := georaster.GCP{ID: strconv.Itoa(i/6 + 1), Pixel: tp[i], Line: tp[i+1], X: tp[i+3], Y: tp[i+4], Z: tp[i+5]}
			if point {
				g.Pixel += 0.5
				g.Line += 0.5
			}
			gcps = append(gcps, g)
		}
		return gt, false, gcps, proj
	}
	if hasGT && point {
		gt[0] -= gt[1]*0.5 + gt[2]*0.5
		gt[3] -= gt[4]*0.5 + gt[5]*0.5
	}
	return gt, hasGT, nil, proj
}

func projection(keys map[uint16]geoKey) string {
	if k, ok := keys[keyProjectedCSType]; ok && k.short != 0 && k.short != userDefined {
		return "EPSG:" + strconv.Itoa(int(k.short))
	}
	if k, ok := keys[keyGeographicType]; ok && k.short != 0 && k.short != userDefined {
		return "EPSG:" + strconv.Itoa(int(k.short))
	}
	for _, id := range []uint16{keyPCSCitation, keyGTCitation, keyGeogCitation} {
		if c := keys[id].ascii; wktRe.MatchString(c) {
			return c
		}
	}
	return ""
}

var (
	wktRe       = regexp.MustCompile(`(?i)^\s*[A-Z]+\s*\[`)
	epsgRe      = regexp.MustCompile(`(?i)^\s*EPSG\s*:\s*(\d+)\s*$`)
	wktEPSGRe   = regexp.MustCompile(`(?i)AUTHORITY\["EPSG",\s*"?(\d+)"?\]\s*\]\s*$`)
	wktGeogRoot = regexp.MustCompile(`(?i)^\s*(GEOGCS|GEOGCRS|GEODCRS)\s*\[`)
)

// setGeoreferencing fills the georeferencing tags of ifd
func setGeoreferencing(ifd *IFD, gt [6]float64, hasGT bool, gcps []georaster.GCP, proj string) {
	ifd.ModelPixelScaleTag, ifd.ModelTiePointTag, ifd.ModelTransformationTag = nil, nil, nil
	ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoAsciiParamsTag = nil, nil, ""
	switch {
	case hasGT && gt[2] == 0 && gt[4] == 0 && gt[5] < 0:
		ifd.ModelPixelScaleTag = []float64{gt[1], -gt[5], 0}
		ifd.ModelTiePointTag = []float64{0, 0, 0, gt[0], gt[3], 0}
	case hasGT:
		ifd.ModelTransformationTag = []float64{
			gt[1], gt[2], 0, gt[0],
			gt[4], gt[5], 0, gt[3],
			0, 0, 0, 0,
			0, 0, 0, 1,
		}
	case len(gcps) > 0:
		for _, g := range gcps {
			ifd.ModelTiePointTag = append(ifd.ModelTiePointTag, g.Pixel, g.Line, 0, g.X, g.Y, g.Z)
		}
	}
	if !hasGT && len(gcps) == 0 && proj == "" {
		return
	}

	type entry [4]uint16
	entries := []entry{{keyGTRasterType, 0, 1, rasterPixelIsArea}}
	code, geographic := epsgCode(proj)
	switch {
	case code > 0 && geographic:
		entries = append(entries, entry{keyGTModelType, 0, 1, modelTypeGeographic}, entry{keyGeographicType, 0, 1, uint16(code)})
	case code > 0:
		entries = append(entries, entry{keyGTModelType, 0, 1, modelTypeProjected}, entry{keyProjectedCSType, 0, 1, uint16(code)})
	case proj != "":
		citation := proj + "|"
		ifd.GeoAsciiParamsTag = citation
		mt := uint16(modelTypeProjected)
		if wktGeogRoot.MatchString(proj) {
			mt = modelTypeGeographic
		}
		entries = append(entries, entry{keyGTModelType, 0, 1, mt}, entry{keyGTCitation, tagGeoAsciiParams, uint16(len(citation)), 0})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i][0] < entries[j][0] })
	ifd.GeoKeyDirectoryTag = []uint16{1, 1, 0, uint16(len(entries))}
	for _, e := range entries {
		ifd.GeoKeyDirectoryTag = append(ifd.GeoKeyDirectoryTag, e[:]...)
	}
}

// epsgCode extracts the EPSG code of an authority string or of the root
// of a WKT definition. Codes of the 4000 range are geographic.
func epsgCode(proj string) (int, bool) {
	var s string
	if m := epsgRe.FindStringSubmatch(proj); m != nil {
		s = m[1]
	} else if m := wktEPSGRe.FindStringSubmatch(proj); m != nil {
		s = m[1]
	}
	code, err := strconv.Atoi(s)
	if err != nil || code <= 0 || code >= userDefined {
		return 0, false
	}
	if wktRe.MatchString(proj) {
		return code, wktGeogRoot.MatchString(proj)
	}
	return code, code >= 4000 && code < 5000
}

var rpcScalars = []string{
	"ERR_BIAS", "ERR_RAND", "LINE_OFF", "SAMP_OFF", "LAT_OFF", "LONG_OFF", "HEIGHT_OFF",
	"LINE_SCALE", "SAMP_SCALE", "LAT_SCALE", "LONG_SCALE", "HEIGHT_SCALE",
}

var rpcCoefficients = []string{"LINE_NUM_COEFF", "LINE_DEN_COEFF", "SAMP_NUM_COEFF", "SAMP_DEN_COEFF"}

// rpcMetadata converts the 92 values of the RPC tag into RPC metadata items
func rpcMetadata(v []float64) map[string]string {
	if len(v) != 92 {
		return nil
	}
	md := map[string]string{}
	for i, k := range rpcScalars {
		md[k] = formatFloat(v[i])
	}
	for i, k := range rpcCoefficients {
		cs := make([]string, 20)
		for j := range cs {
			cs[j] = formatFloat(v[12+20*i+j])
		}
		md[k] = strings.Join(cs, " ")
	}
	return md
}

// rpcTag is the reverse of rpcMetadata
func rpcTag(md map[string]string) []float64 {
	if len(md) == 0 {
		return nil
	}
	v := make([]float64, 92)
	for i, k := range rpcScalars {
		if fs := strings.Fields(md[k]); len(fs) > 0 {
			v[i], _ = strconv.ParseFloat(fs[0], 64)
		}
	}
	for i, k := range rpcCoefficients {
		fs := strings.Fields(md[k])
		if len(fs) != 20 {
			return nil
		}
		for j, s := range fs {
			v[12+20*i+j], _ = strconv.ParseFloat(s, 64)
		}
	}
	return v
}
