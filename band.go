package georaster

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Range is an inclusive interval of values declared as no-data by the user.
// A NaN bound leaves that side open.
type Range struct {
	Min, Max float64
}

func (r Range) Contains(v float64) bool {
	return (math.IsNaN(r.Min) || v >= r.Min) && (math.IsNaN(r.Max) || v <= r.Max)
}

func rangesContain(rs []Range, v float64) bool {
	for _, r := range rs {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// band describes one exposed band of a Dataset
type band struct {
	native NativeBand
	// mask is set on the band synthesized from the dataset validity mask
	mask bool

	srcType  DataType
	dataType DataType

	srcHasNoData bool
	srcNoData    float64
	useSrcNoData bool
	userNoData   []Range

	scale, offset float64

	blockW, blockH int
}

func (b *band) scaled() bool {
	return b.scale != 1 || b.offset != 0
}

// customNoData reports whether the no-data definition differs from the one
// of the source, which disqualifies natively computed statistics.
func (b *band) customNoData() bool {
	return (b.srcHasNoData && !b.useSrcNoData) || len(b.userNoData) > 0
}

func (d *Dataset) describeBands(natives []NativeBand) []*band {
	bands := make([]*band, 0, len(natives)+1)
	for i, nb := range natives {
		b := &band{
			native:       nb,
			srcType:      nb.DataType(),
			useSrcNoData: true,
		}
		if nd, ok := nb.NoData(); ok {
			if b.srcType.Representable(nd) {
				b.srcHasNoData = true
				b.srcNoData = b.srcType.RepresentableValue(nd)
			} else {
				d.logger.Warn("ignoring no-data value not representable in band type",
					"band", i+1, "nodata", nd, "type", b.srcType)
			}
		}
		b.scale, b.offset = nb.ScaleOffset()
		if b.scale == 0 || math.IsNaN(b.scale) {
			b.scale = 1
		}
		if math.IsNaN(b.offset) {
			b.offset = 0
		}
		b.dataType = b.srcType
		if b.scaled() {
			b.dataType = b.srcType.Promote()
		}
		b.blockW, b.blockH = nb.BlockSize()
		bands = append(bands, b)
	}
	if len(natives) == 0 {
		return bands
	}
	// the last band decides whether its mask is exposed
	last := natives[len(natives)-1]
	flags := last.MaskFlags()
	if flags == MaskPerDataset || (flags == 0 && len(natives) == 1) {
		if mb := last.MaskBand(); mb != nil {
			d.maskAlpha = true
			bands = append(bands, &band{
				native:   mb,
				mask:     true,
				srcType:  Byte,
				dataType: Byte,
				scale:    1,
				blockW:   bands[0].blockW,
				blockH:   bands[0].blockH,
			})
		}
	}
	return bands
}

func (d *Dataset) band(n int) (*band, error) {
	if !d.valid {
		return nil, ErrInvalidDataset
	}
	if n < 1 || n > len(d.bands) {
		return nil, fmt.Errorf("band %d: %w", n, ErrInvalidBand)
	}
	return d.bands[n-1], nil
}

// BandCount returns the number of exposed bands, including the band
// synthesized from a dataset wide validity mask.
func (d *Dataset) BandCount() int {
	return len(d.bands)
}

// MaskBandAsAlpha reports whether the last band is the dataset validity mask
func (d *Dataset) MaskBandAsAlpha() bool {
	return d.maskAlpha
}

// DataType returns the logical type of band n, promoted when a scale or
// offset applies.
func (d *Dataset) DataType(n int) DataType {
	b, err := d.band(n)
	if err != nil {
		return Unknown
	}
	return b.dataType
}

// SourceType returns the native type of band n
func (d *Dataset) SourceType(n int) DataType {
	b, err := d.band(n)
	if err != nil {
		return Unknown
	}
	return b.srcType
}

// SourceNoData returns the no-data value of band n as declared by the source
func (d *Dataset) SourceNoData(n int) (float64, bool) {
	b, err := d.band(n)
	if err != nil || !b.srcHasNoData {
		return math.NaN(), false
	}
	return b.srcNoData, true
}

func (d *Dataset) UseSourceNoData(n int) bool {
	b, err := d.band(n)
	return err == nil && b.useSrcNoData
}

// SetUseSourceNoData toggles the use of the source no-data value of band n
func (d *Dataset) SetUseSourceNoData(n int, use bool) error {
	b, err := d.band(n)
	if err != nil {
		return err
	}
	b.useSrcNoData = use
	return nil
}

func (d *Dataset) UserNoData(n int) []Range {
	b, err := d.band(n)
	if err != nil {
		return nil
	}
	return append([]Range(nil), b.userNoData...)
}

// SetUserNoData declares extra no-data ranges for band n
func (d *Dataset) SetUserNoData(n int, ranges []Range) error {
	b, err := d.band(n)
	if err != nil {
		return err
	}
	b.userNoData = append([]Range(nil), ranges...)
	return nil
}

// ScaleOffset returns the scale and offset applied to samples of band n
func (d *Dataset) ScaleOffset(n int) (float64, float64) {
	b, err := d.band(n)
	if err != nil {
		return 1, 0
	}
	return b.scale, b.offset
}

// BlockSize returns the natural block size of band n
func (d *Dataset) BlockSize(n int) (int, int) {
	b, err := d.band(n)
	if err != nil {
		return 0, 0
	}
	return b.blockW, b.blockH
}

// ColorInterp returns the semantic role of band n
func (d *Dataset) ColorInterp(n int) ColorInterp {
	b, err := d.band(n)
	if err != nil {
		return CIUndefined
	}
	if b.mask {
		return CIAlpha
	}
	return b.native.ColorInterp()
}

// BandName returns a display label for band n. NetCDF stacks get the values
// of their extra dimensions appended.
func (d *Dataset) BandName(n int) string {
	width := 1 + int(math.Log10(float64(max(len(d.bands), 1))))
	label := fmt.Sprintf("Band %0*d", width, n)
	if !d.valid || !strings.EqualFold(d.active.native().Driver(), "netCDF") {
		return label
	}
	b, err := d.band(n)
	if err != nil || b.mask {
		return label
	}
	dims, units := netCDFDimensions(d.active.native().Metadata(""))
	if len(dims) == 0 {
		return label
	}
	md := b.native.Metadata("")
	var values []string
	for _, dim := range dims {
		v, ok := md["NETCDF_DIM_"+dim]
		if !ok {
			continue
		}
		if u := units[dim]; u != "" && u != "none" {
			values = append(values, fmt.Sprintf("%s=%s (%s)", dim, v, u))
		} else {
			values = append(values, dim+"="+v)
		}
	}
	if len(values) == 0 {
		return label
	}
	return label + " / " + strings.Join(values, " / ")
}

func netCDFDimensions(md map[string]string) ([]string, map[string]string) {
	var dims []string
	units := make(map[string]string)
	for k, v := range md {
		switch {
		case k == "NETCDF_DIM_EXTRA":
			v = strings.NewReplacer("{", "", "}", "").Replace(v)
			for _, dim := range strings.Split(v, ",") {
				if dim = strings.TrimSpace(dim); dim != "" {
					dims = append(dims, dim)
				}
			}
		case strings.HasSuffix(k, "#units"):
			units[strings.TrimSuffix(k, "#units")] = v
		}
	}
	return dims, units
}

// parseSubLayers extracts the dataset names of a SUBDATASETS metadata domain,
// ordered by sub-dataset index.
func parseSubLayers(md map[string]string) []string {
	type entry struct {
		idx  int
		name string
	}
	var entries []entry
	for k, v := range md {
		if !strings.HasPrefix(k, "SUBDATASET_") || !strings.HasSuffix(k, "_NAME") {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(k, "SUBDATASET_%d_NAME", &idx); err != nil {
			continue
		}
		entries = append(entries, entry{idx, v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names
}
