package georaster

import (
	"context"
	"math"
)

// Driver decodes one family of raster formats
type Driver interface {
	// Name is the short format name, e.g. GTiff
	Name() string
	LongName() string
	// Extensions lists the file extensions handled by the driver, without dot
	Extensions() []string
	// Identify reports whether location looks like something the driver can open
	Identify(location string) bool
	Open(ctx context.Context, location string, update bool) (NativeDataset, error)
}

// Creator is implemented by drivers able to create and delete datasets
type Creator interface {
	Create(ctx context.Context, location string, spec CreateSpec) (NativeDataset, error)
	Delete(ctx context.Context, location string) error
}

// CreationOptionValidator is implemented by drivers that can check the syntax
// of creation options
type CreationOptionValidator interface {
	ValidateCreationOptions(options []string) error
}

// Warper is implemented by drivers that synthesize warped views natively.
// Drivers without it get the engine's generic warped view.
type Warper interface {
	AutoWarp(ctx context.Context, base NativeDataset, errorThreshold float64) (NativeDataset, error)
}

// OverviewCapabilities is implemented by drivers exposing the limits of
// their overview builder
type OverviewCapabilities interface {
	// SafeJPEGOverviews is false when building overviews in place on JPEG
	// compressed data may corrupt it
	SafeJPEGOverviews() bool
}

// Flusher is implemented by datasets buffering writes
type Flusher interface {
	Flush(ctx context.Context) error
}

// CreateSpec describes a dataset to create
type CreateSpec struct {
	Bands        int
	Type         DataType
	Width        int
	Height       int
	GeoTransform [6]float64
	Projection   string
	Options      []string
}

// GCP is a ground control point
type GCP struct {
	ID    string
	Pixel float64
	Line  float64
	X     float64
	Y     float64
	Z     float64
}

// NativeDataset is an opened dataset as exposed by a driver
type NativeDataset interface {
	Driver() string
	Location() string
	Size() (width, height int)
	Bands() []NativeBand
	// GeoTransform returns false when the source carries no affine transform
	GeoTransform() ([6]float64, bool)
	// Projection is the WKT or authority string of the source, or ""
	Projection() string
	GCPs() []GCP
	GCPProjection() string
	// Metadata returns the items of a metadata domain ("" is the default domain)
	Metadata(domain string) map[string]string
	Updatable() bool
	BuildOverviews(ctx context.Context, req OverviewRequest) error
	Close() error
}

// GeoWriter is implemented by datasets whose georeferencing can be updated
type GeoWriter interface {
	SetGeoTransform(gt [6]float64) error
	SetProjection(proj string) error
}

// NativeBand is one band of a NativeDataset
type NativeBand interface {
	DataType() DataType
	Size() (width, height int)
	BlockSize() (width, height int)
	NoData() (float64, bool)
	ScaleOffset() (scale, offset float64)
	ColorInterp() ColorInterp
	MaskFlags() MaskFlags
	// MaskBand returns the validity mask band. It may be nil when MaskFlags is MaskAllValid.
	MaskBand() NativeBand
	Metadata(domain string) map[string]string
	Overviews() []NativeBand
	// Read fills buf with the x,y,w,h window sampled at bufW x bufH by nearest
	// neighbour decimation. buf holds little endian samples of DataType().
	Read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error
}

// BandWriter is implemented by bands of datasets opened in update mode
type BandWriter interface {
	Write(ctx context.Context, x, y, w, h int, buf []byte) error
	SetNoData(nodata float64) error
}

// NativeHistogram is the request given to drivers computing histograms natively
type NativeHistogram struct {
	Min, Max          float64
	Bins              int
	IncludeOutOfRange bool
	Approximate       bool
}

// Histogrammer is implemented by bands that compute histograms natively
type Histogrammer interface {
	Histogram(ctx context.Context, req NativeHistogram) ([]uint64, error)
}

// DefaultHistogrammer is implemented by bands carrying a persisted histogram
type DefaultHistogrammer interface {
	DefaultHistogram() (min, max float64, counts []uint64, ok bool)
}

// NativeStatistics are the summary values computed and cached by a driver
type NativeStatistics struct {
	Min, Max, Mean, StdDev float64
	Approximate            bool
}

// StatisticsComputer is implemented by bands that compute statistics natively
type StatisticsComputer interface {
	ComputeStatistics(ctx context.Context, approx bool) (NativeStatistics, error)
}

// StatisticsStore is implemented by bands able to persist computed statistics
type StatisticsStore interface {
	SetStatistics(st NativeStatistics) error
}

// MaskFlags describe the validity mask of a band
type MaskFlags int

const (
	MaskAllValid   MaskFlags = 0x01
	MaskPerDataset MaskFlags = 0x02
	MaskAlpha      MaskFlags = 0x04
	MaskNoData     MaskFlags = 0x08
)

// ColorInterp is the semantic role of a band
type ColorInterp int

const (
	CIUndefined ColorInterp = iota
	CIGray
	CIPalette
	CIRed
	CIGreen
	CIBlue
	CIAlpha
	CIHue
	CISaturation
	CILightness
	CICyan
	CIMagenta
	CIYellow
	CIBlack
	CIY
	CICb
	CICr
)

var colorInterpNames = [...]string{
	"Undefined", "Gray", "Palette", "Red", "Green", "Blue", "Alpha", "Hue", "Saturation",
	"Lightness", "Cyan", "Magenta", "Yellow", "Black", "YCbCr_Y", "YCbCr_Cb", "YCbCr_Cr",
}

func (ci ColorInterp) String() string {
	if ci < 0 || int(ci) >= len(colorInterpNames) {
		return "Undefined"
	}
	return colorInterpNames[ci]
}

// DecimatedIndex returns the source offset sampled for output index i when a
// window of n source pixels is read into a buffer of bufN pixels.
func DecimatedIndex(i, n, bufN int) int {
	if n == bufN {
		return i
	}
	s := int(math.Floor((float64(i) + 0.5) * float64(n) / float64(bufN)))
	if s >= n {
		s = n - 1
	}
	return s
}

// BestOverview returns the coarsest overview of b whose resolution is still
// at least as fine as the one requested by reading a w x h window of the full
// resolution band into a bufW x bufH buffer. ok is false when full resolution
// must be used.
func BestOverview(b NativeBand, w, h, bufW, bufH int) (ovr NativeBand, ok bool) {
	if bufW >= w && bufH >= h {
		return nil, false
	}
	fw, fh := b.Size()
	factor := math.Min(float64(w)/float64(bufW), float64(h)/float64(bufH))
	best := 1.0
	for _, o := range b.Overviews() {
		ow, oh := o.Size()
		of := math.Max(float64(fw)/float64(ow), float64(fh)/float64(oh))
		// GDAL tolerates 20% when picking overviews
		if of <= factor*1.2 && of > best {
			best = of
			ovr = o
		}
	}
	return ovr, ovr != nil
}

// ReadFromOverview performs a decimated full resolution window read on ovr,
// translating the window into overview pixel space.
func ReadFromOverview(ctx context.Context, full, ovr NativeBand, x, y, w, h, bufW, bufH int, buf []byte) error {
	fw, fh := full.Size()
	ow, oh := ovr.Size()
	sx, sy := float64(ow)/float64(fw), float64(oh)/float64(fh)
	ox := int(math.Floor(float64(x) * sx))
	oy := int(math.Floor(float64(y) * sy))
	oxe := int(math.Ceil(float64(x+w) * sx))
	oye := int(math.Ceil(float64(y+h) * sy))
	if oxe > ow {
		oxe = ow
	}
	if oye > oh {
		oye = oh
	}
	if oxe <= ox {
		oxe = ox + 1
	}
	if oye <= oy {
		oye = oy + 1
	}
	return ovr.Read(ctx, ox, oy, oxe-ox, oye-oy, bufW, bufH, buf)
}
