package georaster

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// GeoTransform maps pixel/line coordinates to georeferenced coordinates:
//
//	X = gt[0] + pixel*gt[1] + line*gt[2]
//	Y = gt[3] + pixel*gt[4] + line*gt[5]
type GeoTransform [6]float64

// IdentityGeoTransform is used when a source carries no georeferencing
var IdentityGeoTransform = GeoTransform{0, 1, 0, 0, 0, -1}

// NorthUp reports whether pixels are axis aligned with rows going south
func (gt GeoTransform) NorthUp() bool {
	return gt[1] > 0 && gt[2] == 0 && gt[4] == 0 && gt[5] < 0
}

// needsWarp reports whether a warped view is required to expose the source as north up
func (gt GeoTransform) needsWarp() bool {
	return gt[1] < 0 || gt[2] != 0 || gt[4] != 0 || gt[5] > 0
}

// Apply returns the georeferenced coordinates of a pixel/line position
func (gt GeoTransform) Apply(pixel, line float64) (float64, float64) {
	return gt[0] + pixel*gt[1] + line*gt[2], gt[3] + pixel*gt[4] + line*gt[5]
}

// Invert returns the transform mapping georeferenced coordinates back to pixel/line
func (gt GeoTransform) Invert() (GeoTransform, bool) {
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 || math.IsNaN(det) {
		return GeoTransform{}, false
	}
	inv := 1 / det
	var r GeoTransform
	r[1] = gt[5] * inv
	r[4] = -gt[4] * inv
	r[2] = -gt[2] * inv
	r[5] = gt[1] * inv
	r[0] = (gt[2]*gt[3] - gt[0]*gt[5]) * inv
	r[3] = (-gt[1]*gt[3] + gt[0]*gt[4]) * inv
	return r, true
}

// Extent returns the axis aligned bounding rectangle of a width x height raster
func (gt GeoTransform) Extent(width, height int) orb.Bound {
	w, h := float64(width), float64(height)
	x, y := gt.Apply(0, 0)
	b := orb.Bound{Min: orb.Point{x, y}, Max: orb.Point{x, y}}
	for _, c := range [][2]float64{{w, 0}, {0, h}, {w, h}} {
		x, y = gt.Apply(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// intersect returns the intersection of a and b. ok is false when they do
// not overlap over a non empty area.
func intersect(a, b orb.Bound) (orb.Bound, bool) {
	r := orb.Bound{
		Min: orb.Point{math.Max(a.Min[0], b.Min[0]), math.Max(a.Min[1], b.Min[1])},
		Max: orb.Point{math.Min(a.Max[0], b.Max[0]), math.Min(a.Max[1], b.Max[1])},
	}
	if r.Min[0] >= r.Max[0] || r.Min[1] >= r.Max[1] {
		return orb.Bound{}, false
	}
	return r, true
}

// containsBound reports whether inner lies inside outer
func containsBound(outer, inner orb.Bound) bool {
	return inner.Min[0] >= outer.Min[0] && inner.Max[0] <= outer.Max[0] &&
		inner.Min[1] >= outer.Min[1] && inner.Max[1] <= outer.Max[1]
}

func boundWidth(b orb.Bound) float64  { return b.Max[0] - b.Min[0] }
func boundHeight(b orb.Bound) float64 { return b.Max[1] - b.Min[1] }

func emptyBound(b orb.Bound) bool {
	return b.Max[0] <= b.Min[0] || b.Max[1] <= b.Min[1]
}

// CRS is a resolved coordinate reference system. The zero value is the
// unknown CRS.
type CRS struct {
	// Definition is the WKT or authority string the CRS was resolved from
	Definition string
	// Authority is the AUTHORITY:CODE identity of the CRS when known, e.g. EPSG:4326
	Authority string
}

// UnknownCRS is the CRS of sources whose georeferencing could not be resolved
var UnknownCRS = CRS{}

func (c CRS) Valid() bool {
	return c.Definition != ""
}

func (c CRS) String() string {
	if c.Authority != "" {
		return c.Authority
	}
	if c.Definition == "" {
		return "unknown"
	}
	return c.Definition
}

// CRSResolver turns projection text into a CRS. Coordinate operations are
// not part of this package; a resolver only establishes identity.
type CRSResolver interface {
	Resolve(definition string) (CRS, bool)
}

// CRSResolverFunc adapts a function to CRSResolver
type CRSResolverFunc func(string) (CRS, bool)

func (f CRSResolverFunc) Resolve(def string) (CRS, bool) { return f(def) }

var (
	authorityRe = regexp.MustCompile(`(?i)^\s*(EPSG|ESRI|IAU_2015|OGC|IGNF)\s*:\s*([0-9A-Za-z_]+)\s*$`)
	wktAuthRe   = regexp.MustCompile(`(?i)(?:AUTHORITY\["([A-Z_0-9]+)",\s*"?([0-9A-Za-z_]+)"?\]|ID\["([A-Z_0-9]+)",\s*"?([0-9A-Za-z_]+)"?\])\s*\]\s*$`)
	wktRootRe   = regexp.MustCompile(`(?i)^\s*(PROJCS|GEOGCS|GEOCCS|COMPD_CS|LOCAL_CS|VERT_CS|PROJCRS|GEOGCRS|GEODCRS|BASEGEOGCRS|COMPOUNDCRS|ENGCRS|ENGINEERINGCRS|VERTCRS|BOUNDCRS)\s*\[`)
)

// DefaultCRSResolver accepts AUTHORITY:CODE strings and WKT (1 or 2)
// definitions, extracting the identity of the root object when present.
var DefaultCRSResolver CRSResolver = CRSResolverFunc(resolveCRS)

func resolveCRS(def string) (CRS, bool) {
	def = strings.TrimSpace(def)
	if def == "" {
		return UnknownCRS, false
	}
	if m := authorityRe.FindStringSubmatch(def); m != nil {
		return CRS{Definition: def, Authority: strings.ToUpper(m[1]) + ":" + m[2]}, true
	}
	if !wktRootRe.MatchString(def) {
		return UnknownCRS, false
	}
	if strings.Count(def, "[") != strings.Count(def, "]") {
		return UnknownCRS, false
	}
	c := CRS{Definition: def}
	if m := wktAuthRe.FindStringSubmatch(def); m != nil {
		if m[1] != "" {
			c.Authority = strings.ToUpper(m[1]) + ":" + m[2]
		} else {
			c.Authority = strings.ToUpper(m[3]) + ":" + m[4]
		}
	}
	return c, true
}

// EPSG returns the CRS identified by an EPSG code
func EPSG(code int) CRS {
	s := "EPSG:" + strconv.Itoa(code)
	return CRS{Definition: s, Authority: s}
}

// resolveDatasetCRS tries, in order, the projection of the active dataset,
// its GCP projection, and the geographic CRS implied by RPC metadata of the
// base dataset when a warped view exists.
func resolveDatasetCRS(r CRSResolver, active, base NativeDataset, warped bool) (CRS, string) {
	if c, ok := r.Resolve(active.Projection()); ok {
		return c, "projection"
	}
	if c, ok := r.Resolve(active.GCPProjection()); ok {
		return c, "gcp projection"
	}
	if warped && len(base.Metadata("RPC")) > 0 {
		return EPSG(4326), "rpc"
	}
	return UnknownCRS, ""
}

func formatBound(b orb.Bound) string {
	return fmt.Sprintf("%.16g,%.16g : %.16g,%.16g", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}
