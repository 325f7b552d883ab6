package georaster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Transformer maps source pixel/line positions to georeferenced coordinates
// and back.
type Transformer interface {
	Forward(pixel, line float64) (x, y float64, ok bool)
	Inverse(x, y float64) (pixel, line float64, ok bool)
}

type affineTransformer struct {
	gt, inv GeoTransform
}

// NewAffineTransformer returns the Transformer of a geotransform
func NewAffineTransformer(gt GeoTransform) (Transformer, error) {
	inv, ok := gt.Invert()
	if !ok {
		return nil, fmt.Errorf("geotransform %v is not invertible", gt)
	}
	return affineTransformer{gt: gt, inv: inv}, nil
}

func (t affineTransformer) Forward(p, l float64) (float64, float64, bool) {
	x, y := t.gt.Apply(p, l)
	return x, y, true
}

func (t affineTransformer) Inverse(x, y float64) (float64, float64, bool) {
	p, l := t.inv.Apply(x, y)
	return p, l, true
}

// NewGCPTransformer fits first order polynomials through gcps in both
// directions. At least 3 non collinear points are required.
func NewGCPTransformer(gcps []GCP) (Transformer, error) {
	if len(gcps) < 3 {
		return nil, fmt.Errorf("%d gcps, at least 3 required", len(gcps))
	}
	ps := make([][4]float64, len(gcps))
	for i, g := range gcps {
		ps[i] = [4]float64{g.Pixel, g.Line, g.X, g.Y}
	}
	fwdX, err := fitPlane(ps, 0, 1, 2)
	if err != nil {
		return nil, err
	}
	fwdY, _ := fitPlane(ps, 0, 1, 3)
	invP, err := fitPlane(ps, 2, 3, 0)
	if err != nil {
		return nil, err
	}
	invL, _ := fitPlane(ps, 2, 3, 1)
	return affineTransformer{
		gt:  GeoTransform{fwdX[0], fwdX[1], fwdX[2], fwdY[0], fwdY[1], fwdY[2]},
		inv: GeoTransform{invP[0], invP[1], invP[2], invL[0], invL[1], invL[2]},
	}, nil
}

// fitPlane solves v = c0 + c1*a + c2*b in the least squares sense, with a, b
// and v taken at the given indexes of every point.
func fitPlane(ps [][4]float64, ia, ib, iv int) ([3]float64, error) {
	var m [3][4]float64
	for _, p := range ps {
		row := [3]float64{1, p[ia], p[ib]}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				m[i][j] += row[i] * row[j]
			}
			m[i][3] += row[i] * p[iv]
		}
	}
	for c := 0; c < 3; c++ {
		piv := c
		for r := c + 1; r < 3; r++ {
			if math.Abs(m[r][c]) > math.Abs(m[piv][c]) {
				piv = r
			}
		}
		if math.Abs(m[piv][c]) < 1e-12 {
			return [3]float64{}, errors.New("degenerate gcp layout")
		}
		m[c], m[piv] = m[piv], m[c]
		for r := 0; r < 3; r++ {
			if r == c {
				continue
			}
			f := m[r][c] / m[c][c]
			for k := c; k < 4; k++ {
				m[r][k] -= f * m[c][k]
			}
		}
	}
	return [3]float64{m[0][3] / m[0][0], m[1][3] / m[1][1], m[2][3] / m[2][2]}, nil
}

// RPC holds a rational polynomial camera model
type RPC struct {
	LineOff, SampOff, LatOff, LongOff, HeightOff           float64
	LineScale, SampScale, LatScale, LongScale, HeightScale float64

	LineNum, LineDen, SampNum, SampDen [20]float64
}

// ParseRPC decodes the items of an RPC metadata domain
func ParseRPC(md map[string]string) (RPC, error) {
	var r RPC
	for _, f := range []struct {
		key string
		v   *float64
	}{
		{"LINE_OFF", &r.LineOff}, {"SAMP_OFF", &r.SampOff}, {"LAT_OFF", &r.LatOff},
		{"LONG_OFF", &r.LongOff}, {"HEIGHT_OFF", &r.HeightOff},
		{"LINE_SCALE", &r.LineScale}, {"SAMP_SCALE", &r.SampScale}, {"LAT_SCALE", &r.LatScale},
		{"LONG_SCALE", &r.LongScale}, {"HEIGHT_SCALE", &r.HeightScale},
	} {
		fs := strings.Fields(md[f.key])
		if len(fs) == 0 {
			return r, fmt.Errorf("missing rpc item %s", f.key)
		}
		v, err := strconv.ParseFloat(fs[0], 64)
		if err != nil {
			return r, fmt.Errorf("rpc item %s: %w", f.key, err)
		}
		*f.v = v
	}
	for _, f := range []struct {
		key string
		v   *[20]float64
	}{
		{"LINE_NUM_COEFF", &r.LineNum}, {"LINE_DEN_COEFF", &r.LineDen},
		{"SAMP_NUM_COEFF", &r.SampNum}, {"SAMP_DEN_COEFF", &r.SampDen},
	} {
		fs := strings.Fields(md[f.key])
		if len(fs) != 20 {
			return r, fmt.Errorf("rpc item %s: %d coefficients, want 20", f.key, len(fs))
		}
		for i, s := range fs {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return r, fmt.Errorf("rpc item %s: %w", f.key, err)
			}
			f.v[i] = v
		}
	}
	if r.LatScale == 0 || r.LongScale == 0 || r.LineScale == 0 || r.SampScale == 0 {
		return r, errors.New("rpc scale is zero")
	}
	if r.HeightScale == 0 {
		r.HeightScale = 1
	}
	return r, nil
}

func rpcTerms(l, p, h float64) [20]float64 {
	return [20]float64{
		1, l, p, h, l * p, l * h, p * h, l * l, p * p, h * h,
		p * l * h, l * l * l, l * p * p, l * h * h, l * l * p, p * p * p, p * h * h, l * l * h, p * p * h, h * h * h,
	}
}

func rpcPoly(c *[20]float64, t *[20]float64) float64 {
	var s float64
	for i := range c {
		s += c[i] * t[i]
	}
	return s
}

type rpcTransformer struct {
	rpc    RPC
	height float64
}

// NewRPCTransformer returns a Transformer projecting on a constant height
// above the ellipsoid. Georeferenced coordinates are longitude, latitude.
func NewRPCTransformer(r RPC, height float64) Transformer {
	return rpcTransformer{rpc: r, height: height}
}

// Inverse projects a ground position into the image. RPC image coordinates
// refer to pixel centers.
func (t rpcTransformer) Inverse(lon, lat float64) (float64, float64, bool) {
	r := &t.rpc
	terms := rpcTerms(
		(lon-r.LongOff)/r.LongScale,
		(lat-r.LatOff)/r.LatScale,
		(t.height-r.HeightOff)/r.HeightScale,
	)
	ld := rpcPoly(&r.LineDen, &terms)
	sd := rpcPoly(&r.SampDen, &terms)
	if ld == 0 || sd == 0 {
		return 0, 0, false
	}
	line := rpcPoly(&r.LineNum, &terms)/ld*r.LineScale + r.LineOff
	samp := rpcPoly(&r.SampNum, &terms)/sd*r.SampScale + r.SampOff
	return samp + 0.5, line + 0.5, true
}

// Forward inverts the camera model with Newton iterations
func (t rpcTransformer) Forward(pixel, line float64) (float64, float64, bool) {
	const (
		maxIter = 20
		tol     = 1e-4
	)
	lon, lat := t.rpc.LongOff, t.rpc.LatOff
	dLon := t.rpc.LongScale * 1e-6
	dLat := t.rpc.LatScale * 1e-6
	for i := 0; i < maxIter; i++ {
		p, l, ok := t.Inverse(lon, lat)
		if !ok {
			return 0, 0, false
		}
		ep, el := pixel-p, line-l
		if math.Abs(ep) < tol && math.Abs(el) < tol {
			return lon, lat, true
		}
		p1, l1, ok1 := t.Inverse(lon+dLon, lat)
		p2, l2, ok2 := t.Inverse(lon, lat+dLat)
		if !ok1 || !ok2 {
			return 0, 0, false
		}
		a, b := (p1-p)/dLon, (p2-p)/dLat
		c, d := (l1-l)/dLon, (l2-l)/dLat
		det := a*d - b*c
		if det == 0 || math.IsNaN(det) {
			return 0, 0, false
		}
		lon += (d*ep - b*el) / det
		lat += (a*el - c*ep) / det
	}
	return 0, 0, false
}

// sourceTransformer picks the georeferencing of base used to warp it: GCPs
// first, then RPC metadata, then the geotransform.
func sourceTransformer(base NativeDataset) (Transformer, string, error) {
	if gcps := base.GCPs(); len(gcps) > 0 {
		t, err := NewGCPTransformer(gcps)
		return t, "gcp", err
	}
	if md := base.Metadata("RPC"); len(md) > 0 {
		r, err := ParseRPC(md)
		if err != nil {
			return nil, "rpc", err
		}
		return NewRPCTransformer(r, 0), "rpc", nil
	}
	gt, ok := base.GeoTransform()
	if !ok {
		return nil, "", errors.New("no georeferencing")
	}
	t, err := NewAffineTransformer(GeoTransform(gt))
	return t, "geotransform", err
}

// SuggestedWarpOutput returns the north up geotransform and size covering
// the footprint of a width x height source, keeping the number of pixels
// along the diagonal.
func SuggestedWarpOutput(t Transformer, width, height int) (GeoTransform, int, int, error) {
	const steps = 20
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	n := 0
	add := func(p, l float64) {
		x, y, ok := t.Forward(p, l)
		if !ok || math.IsNaN(x) || math.IsNaN(y) {
			return
		}
		n++
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	w, h := float64(width), float64(height)
	for i := 0; i <= steps; i++ {
		f := float64(i) / steps
		add(f*w, 0)
		add(f*w, h)
		add(0, f*h)
		add(w, f*h)
	}
	if n < 4 {
		return GeoTransform{}, 0, 0, errors.New("cannot transform source footprint")
	}
	x0, y0, ok0 := t.Forward(0, 0)
	x1, y1, ok1 := t.Forward(w, h)
	if !ok0 || !ok1 {
		return GeoTransform{}, 0, 0, errors.New("cannot transform source diagonal")
	}
	res := math.Hypot(x1-x0, y1-y0) / math.Hypot(w, h)
	if res == 0 || math.IsNaN(res) {
		return GeoTransform{}, 0, 0, errors.New("degenerate source footprint")
	}
	ow := max(1, int((maxX-minX)/res+0.5))
	oh := max(1, int((maxY-minY)/res+0.5))
	return GeoTransform{minX, res, 0, maxY, 0, -res}, ow, oh, nil
}

// warpedView exposes a non north up source resampled by nearest neighbour
// on a north up grid.
type warpedView struct {
	base   NativeDataset
	t      Transformer
	kind   string
	gt     GeoTransform
	inv    GeoTransform
	width  int
	height int
	thr    float64
	bands  []NativeBand
}

func newWarpedView(base NativeDataset, thr float64) (NativeDataset, error) {
	t, kind, err := sourceTransformer(base)
	if err != nil {
		return nil, fmt.Errorf("warp %s: %w", base.Location(), err)
	}
	w, h := base.Size()
	gt, ow, oh, err := SuggestedWarpOutput(t, w, h)
	if err != nil {
		return nil, fmt.Errorf("warp %s: %w", base.Location(), err)
	}
	v := &warpedView{base: base, t: t, kind: kind, gt: gt, width: ow, height: oh, thr: thr}
	v.inv, _ = gt.Invert()
	for _, b := range base.Bands() {
		v.bands = append(v.bands, &warpedBand{view: v, src: b})
	}
	return v, nil
}

func (v *warpedView) Driver() string                   { return v.base.Driver() }
func (v *warpedView) Location() string                 { return v.base.Location() }
func (v *warpedView) Size() (int, int)                 { return v.width, v.height }
func (v *warpedView) Bands() []NativeBand              { return v.bands }
func (v *warpedView) GeoTransform() ([6]float64, bool) { return v.gt, true }
func (v *warpedView) GCPs() []GCP                      { return nil }
func (v *warpedView) GCPProjection() string            { return "" }
func (v *warpedView) Updatable() bool                  { return false }
func (v *warpedView) Close() error                     { return nil }

// Projection is the one of the source georeferencing. RPC views are in
// geographic coordinates whose CRS is left for the caller to infer.
func (v *warpedView) Projection() string {
	switch v.kind {
	case "gcp":
		return v.base.GCPProjection()
	case "rpc":
		return ""
	}
	return v.base.Projection()
}

func (v *warpedView) Metadata(domain string) map[string]string {
	if strings.EqualFold(domain, "RPC") {
		return nil
	}
	return v.base.Metadata(domain)
}

func (v *warpedView) BuildOverviews(context.Context, OverviewRequest) error {
	return ErrPyramidFormatUnsupported
}

// sourcePositions fills pix and lin with the source positions of the centers
// of a row of dst cells. The transformer is evaluated exactly at the ends of
// spans and linearly interpolated inside them while the error at their
// middle stays under the threshold.
func (v *warpedView) sourcePositions(xs []float64, y float64, pix, lin []float64, ok []bool) {
	var span func(a, b int)
	exact := func(i int) {
		pix[i], lin[i], ok[i] = v.t.Inverse(xs[i], y)
	}
	span = func(a, b int) {
		if b-a < 2 || v.thr <= 0 {
			for i := a + 1; i < b; i++ {
				exact(i)
			}
			return
		}
		m := (a + b) / 2
		exact(m)
		if ok[a] && ok[b] && ok[m] {
			f := float64(m-a) / float64(b-a)
			ep := pix[a] + f*(pix[b]-pix[a]) - pix[m]
			el := lin[a] + f*(lin[b]-lin[a]) - lin[m]
			if math.Abs(ep) <= v.thr && math.Abs(el) <= v.thr {
				for i := a + 1; i < b; i++ {
					if i == m {
						continue
					}
					f := float64(i-a) / float64(b-a)
					pix[i] = pix[a] + f*(pix[b]-pix[a])
					lin[i] = lin[a] + f*(lin[b]-lin[a])
					ok[i] = true
				}
				return
			}
		}
		span(a, m)
		span(m, b)
	}
	n := len(xs)
	exact(0)
	if n > 1 {
		exact(n - 1)
		span(0, n-1)
	}
}

type warpedBand struct {
	view *warpedView
	src  NativeBand
}

func (b *warpedBand) DataType() DataType              { return b.src.DataType() }
func (b *warpedBand) Size() (int, int)                { return b.view.width, b.view.height }
func (b *warpedBand) BlockSize() (int, int)           { return 512, 128 }
func (b *warpedBand) NoData() (float64, bool)         { return b.src.NoData() }
func (b *warpedBand) ScaleOffset() (float64, float64) { return b.src.ScaleOffset() }
func (b *warpedBand) ColorInterp() ColorInterp        { return b.src.ColorInterp() }
func (b *warpedBand) MaskBand() NativeBand            { return nil }
func (b *warpedBand) Overviews() []NativeBand         { return nil }

func (b *warpedBand) MaskFlags() MaskFlags {
	if _, ok := b.src.NoData(); ok {
		return MaskNoData
	}
	return MaskAllValid
}

func (b *warpedBand) Metadata(domain string) map[string]string {
	return b.src.Metadata(domain)
}

// Read samples the source at the nearest pixel of each buffer cell center.
// Cells falling outside the source get its no-data value, or 0.
func (b *warpedBand) Read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error {
	v := b.view
	dt := b.src.DataType()
	sw, sh := b.src.Size()
	fill, ok := b.src.NoData()
	if !ok {
		fill = 0
	}
	xs := make([]float64, bufW)
	pix := make([]float64, bufW)
	lin := make([]float64, bufW)
	valid := make([]bool, bufW)
	sx := float64(w) / float64(bufW)
	sy := float64(h) / float64(bufH)
	for row := 0; row < bufH; row++ {
		if err := ctx.Err(); err != nil {
			return ErrCanceled
		}
		dl := float64(y) + (float64(row)+0.5)*sy
		var gy float64
		for col := range xs {
			dp := float64(x) + (float64(col)+0.5)*sx
			xs[col], gy = v.gt.Apply(dp, dl)
		}
		v.sourcePositions(xs, gy, pix, lin, valid)

		minP, minL := sw, sh
		maxP, maxL := -1, -1
		for col := range pix {
			if !valid[col] {
				continue
			}
			p, l := int(math.Floor(pix[col])), int(math.Floor(lin[col]))
			if p < 0 || l < 0 || p >= sw || l >= sh {
				valid[col] = false
				continue
			}
			minP, maxP = min(minP, p), max(maxP, p)
			minL, maxL = min(minL, l), max(maxL, l)
		}
		off := row * bufW
		if maxP < 0 {
			dt.Fill(buf[off*dt.Size():], bufW, fill)
			continue
		}
		ww, wh := maxP-minP+1, maxL-minL+1
		win := make([]byte, ww*wh*dt.Size())
		if err := b.src.Read(ctx, minP, minL, ww, wh, ww, wh, win); err != nil {
			return err
		}
		for col := range pix {
			if !valid[col] {
				dt.SetSample(buf, off+col, fill)
				continue
			}
			p, l := int(math.Floor(pix[col]))-minP, int(math.Floor(lin[col]))-minL
			dt.SetSample(buf, off+col, dt.Sample(win, l*ww+p))
		}
		if err := ReportProgress(ctx, 100*float64(row+1)/float64(bufH)); err != nil {
			return err
		}
	}
	return nil
}
