// Package gtiff is a pure Go GeoTIFF raster driver.
//
// Local files are memory mapped, http(s), gs:// and s3:// objects are read
// with range requests. Read only datasets decode their blocks lazily through
// a process wide cache whose size is set with SetCacheSize. Datasets opened
// in update mode, or created, are held in memory and written back on Flush
// or Close, their blocks laid out coarsest overview first.
//
// The driver is registered under the GTiff short name when the package is
// imported.
package gtiff

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/airbusgeo/georaster"
)

func init() {
	if err := georaster.RegisterDriver(Driver{}); err != nil {
		panic(err)
	}
}

// DirPrefix selects a page of a multi page file: GTIFF_DIR:<n>:<location>,
// n starting at 1
const DirPrefix = "GTIFF_DIR:"

// Driver is the GeoTIFF driver
type Driver struct{}

func (Driver) Name() string         { return "GTiff" }
func (Driver) LongName() string     { return "GeoTIFF" }
func (Driver) Extensions() []string { return []string{"tif", "tiff"} }

// Identify matches the tif and tiff extensions and, for local files, the
// tiff magic bytes
func (Driver) Identify(location string) bool {
	if _, loc, ok := splitDir(location); ok {
		location = loc
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(location), "."))
	if ext == "tif" || ext == "tiff" {
		return true
	}
	if isRemote(location) {
		return false
	}
	f, err := os.Open(location)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false
	}
	switch string(magic[:]) {
	case "II*\x00", "MM\x00*", "II+\x00", "MM\x00+":
		return true
	}
	return false
}

// splitDir parses GTIFF_DIR:<n>:<location>
func splitDir(location string) (int, string, bool) {
	if !strings.HasPrefix(location, DirPrefix) {
		return 0, location, false
	}
	n, loc, ok := strings.Cut(strings.TrimPrefix(location, DirPrefix), ":")
	if !ok {
		return 0, location, false
	}
	page, err := strconv.Atoi(n)
	if err != nil || page < 1 {
		return 0, location, false
	}
	return page, loc, true
}

func (Driver) Open(ctx context.Context, location string, update bool) (georaster.NativeDataset, error) {
	page, file, _ := splitDir(location)
	if update && isRemote(file) {
		return nil, fmt.Errorf("open %s in update mode: %w", location, georaster.ErrWriteAccess)
	}
	return openDataset(ctx, location, file, max(page, 1), update)
}

// Create returns an empty dataset held in memory. It is written to location
// when flushed or closed.
func (d Driver) Create(ctx context.Context, location string, spec georaster.CreateSpec) (georaster.NativeDataset, error) {
	if isRemote(location) {
		return nil, fmt.Errorf("create %s: %w", location, georaster.ErrWriteAccess)
	}
	if spec.Width <= 0 || spec.Height <= 0 || spec.Bands <= 0 {
		return nil, fmt.Errorf("create %s: invalid size %dx%dx%d", location, spec.Width, spec.Height, spec.Bands)
	}
	if tiffSample(spec.Type).bits == 0 || spec.Type == georaster.Unknown {
		return nil, fmt.Errorf("create %s: unsupported data type %s", location, spec.Type)
	}
	p, err := parseParams(spec.Options, spec.Bands, spec.Type)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", location, err)
	}
	return newDataset(location, spec, p), nil
}

// Delete removes location and its external overviews
func (Driver) Delete(ctx context.Context, location string) error {
	if isRemote(location) {
		return fmt.Errorf("delete %s: %w", location, georaster.ErrWriteAccess)
	}
	if err := os.Remove(location); err != nil {
		return err
	}
	if err := os.Remove(location + ".ovr"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// SafeJPEGOverviews is false: JPEG data cannot be decoded by this driver
func (Driver) SafeJPEGOverviews() bool { return false }

// ValidateCreationOptions checks the keys and values of creation options
func (Driver) ValidateCreationOptions(options []string) error {
	_, err := parseParams(options, 0, georaster.Unknown)
	return err
}

// params are the storage parameters of written images
type params struct {
	compression uint16
	predictor   uint16
	tiled       bool
	blockW      int
	blockH      int
	separate    bool
	// photometric is 0 when chosen from the band layout
	photometric uint16
	alpha       bool
	bigtiff     string
}

func defaultParams() params {
	return params{compression: CompressionNone, predictor: PredictorNone, bigtiff: "IF_NEEDED"}
}

var photometricNames = map[string]uint16{
	"MINISBLACK": PhotometricInterpretationMinIsBlack,
	"MINISWHITE": PhotometricInterpretationMinIsWhite,
	"RGB":        PhotometricInterpretationRGB,
	"SEPARATED":  PhotometricInterpretationSeparated,
}

// parseParams decodes creation options. bands and dt refine the checks
// when known.
func parseParams(options []string, bands int, dt georaster.DataType) (params, error) {
	p := defaultParams()
	for _, o := range options {
		k, v, ok := strings.Cut(o, "=")
		if !ok {
			return p, fmt.Errorf("malformed option %q", o)
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		switch k {
		case "COMPRESS":
			c, err := parseCompression(v)
			if err != nil {
				return p, err
			}
			p.compression = c
		case "PREDICTOR":
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 3 {
				return p, fmt.Errorf("PREDICTOR must be 1, 2 or 3, got %q", v)
			}
			p.predictor = uint16(n)
		case "TILED":
			b, err := parseBool(v)
			if err != nil {
				return p, fmt.Errorf("TILED: %w", err)
			}
			p.tiled = b
		case "BLOCKXSIZE", "BLOCKYSIZE":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return p, fmt.Errorf("%s must be a positive integer, got %q", k, v)
			}
			if k == "BLOCKXSIZE" {
				p.blockW = n
			} else {
				p.blockH = n
			}
		case "INTERLEAVE":
			switch v {
			case "PIXEL":
				p.separate = false
			case "BAND":
				p.separate = true
			default:
				return p, fmt.Errorf("INTERLEAVE must be PIXEL or BAND, got %q", v)
			}
		case "PHOTOMETRIC":
			ph, ok := photometricNames[v]
			if !ok {
				return p, fmt.Errorf("unsupported PHOTOMETRIC %q", v)
			}
			p.photometric = ph
		case "ALPHA":
			b, err := parseBool(v)
			if err != nil {
				return p, fmt.Errorf("ALPHA: %w", err)
			}
			p.alpha = b
		case "BIGTIFF":
			switch v {
			case "YES", "NO", "IF_NEEDED", "IF_SAFER":
				p.bigtiff = v
			default:
				return p, fmt.Errorf("BIGTIFF must be YES, NO, IF_NEEDED or IF_SAFER, got %q", v)
			}
		default:
			return p, fmt.Errorf("unknown creation option %s", k)
		}
	}
	if p.tiled {
		if p.blockW == 0 {
			p.blockW = 256
		}
		if p.blockH == 0 {
			p.blockH = 256
		}
		if p.blockW%16 != 0 || p.blockH%16 != 0 {
			return p, fmt.Errorf("tile size %dx%d must be a multiple of 16", p.blockW, p.blockH)
		}
	} else if p.blockW != 0 {
		return p, fmt.Errorf("BLOCKXSIZE requires TILED=YES")
	}
	if p.photometric == PhotometricInterpretationRGB && bands > 0 && bands < 3 {
		return p, fmt.Errorf("PHOTOMETRIC=RGB requires at least 3 bands, got %d", bands)
	}
	if dt != georaster.Unknown {
		switch p.predictor {
		case PredictorHorizontal:
			if dt.IsComplex() || (dt != georaster.Float32 && dt != georaster.Float64 && !dt.IsInteger()) {
				return p, fmt.Errorf("PREDICTOR=2 not supported for %s", dt)
			}
		case PredictorFloatingPoint:
			if dt != georaster.Float32 && dt != georaster.Float64 {
				return p, fmt.Errorf("PREDICTOR=3 only valid for float/double precision")
			}
		}
	}
	return p, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToUpper(v) {
	case "YES", "TRUE", "ON", "1":
		return true, nil
	case "NO", "FALSE", "OFF", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

// stripRows returns the RowsPerStrip giving strips of about 8KB
func stripRows(width, height, pixelSize int) int {
	rows := 8192 / max(1, width*pixelSize)
	return min(max(rows, 1), height)
}
