package gdal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/airbusgeo/georaster"
	"github.com/airbusgeo/godal"
)

var godalTypes = map[georaster.DataType]godal.DataType{
	georaster.Byte:     godal.Byte,
	georaster.Int8:     godal.Byte,
	georaster.UInt16:   godal.UInt16,
	georaster.Int16:    godal.Int16,
	georaster.UInt32:   godal.UInt32,
	georaster.Int32:    godal.Int32,
	georaster.Float32:  godal.Float32,
	georaster.Float64:  godal.Float64,
	georaster.CInt16:   godal.CInt16,
	georaster.CInt32:   godal.CInt32,
	georaster.CFloat32: godal.CFloat32,
	georaster.CFloat64: godal.CFloat64,
}

func dataType(dt godal.DataType, signed bool) georaster.DataType {
	for k, v := range godalTypes {
		if v == dt && (k != georaster.Byte || !signed) && (k != georaster.Int8 || signed) {
			return k
		}
	}
	return georaster.Unknown
}

var resamplingAlgs = map[string]godal.ResamplingAlg{
	"NEAREST":     godal.Nearest,
	"BILINEAR":    godal.Bilinear,
	"CUBIC":       godal.Cubic,
	"CUBICSPLINE": godal.CubicSpline,
	"LANCZOS":     godal.Lanczos,
	"AVERAGE":     godal.Average,
	"GAUSS":       godal.Gauss,
	"MODE":        godal.Mode,
}

type dataset struct {
	driver   string
	location string
	ds       *godal.Dataset
	update   bool
	bands    []georaster.NativeBand
}

func newDataset(driver, location string, ds *godal.Dataset, update bool) *dataset {
	d := &dataset{driver: driver, location: location, ds: ds, update: update}
	for _, b := range ds.Bands() {
		d.bands = append(d.bands, newBand(d, b, false))
	}
	return d
}

func (d *dataset) Driver() string                { return d.driver }
func (d *dataset) Location() string              { return d.location }
func (d *dataset) Bands() []georaster.NativeBand { return d.bands }
func (d *dataset) Updatable() bool               { return d.update }
func (d *dataset) GCPProjection() string         { return d.ds.GCPProjection() }
func (d *dataset) Projection() string            { return d.ds.Projection() }

func (d *dataset) GCPs() []georaster.GCP {
	gcps := d.ds.GCPs()
	if len(gcps) == 0 {
		return nil
	}
	out := make([]georaster.GCP, len(gcps))
	for i, g := range gcps {
		out[i] = georaster.GCP{
			ID:    g.PszId,
			Pixel: g.DfGCPPixel,
			Line:  g.DfGCPLine,
			X:     g.DfGCPX,
			Y:     g.DfGCPY,
			Z:     g.DfGCPZ,
		}
	}
	return out
}

func (d *dataset) Metadata(domain string) map[string]string {
	return d.ds.Metadatas(godal.Domain(domain))
}

func (d *dataset) Size() (int, int) {
	st := d.ds.Structure()
	return st.SizeX, st.SizeY
}

// GeoTransform is unset when GDAL fails to return one or returns its
// default identity transform
func (d *dataset) GeoTransform() ([6]float64, bool) {
	gt, err := d.ds.GeoTransform()
	if err != nil || gt == [6]float64{0, 1, 0, 0, 0, 1} {
		return gt, false
	}
	return gt, true
}

func (d *dataset) SetGeoTransform(gt [6]float64) error {
	if !d.update {
		return fmt.Errorf("set geotransform of %s: %w", d.location, georaster.ErrWriteAccess)
	}
	return d.ds.SetGeoTransform(gt)
}

// SetProjection accepts WKT or EPSG:<code>
func (d *dataset) SetProjection(proj string) error {
	if !d.update {
		return fmt.Errorf("set projection of %s: %w", d.location, georaster.ErrWriteAccess)
	}
	if code, ok := strings.CutPrefix(strings.ToUpper(strings.TrimSpace(proj)), "EPSG:"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(code))
		if err != nil {
			return fmt.Errorf("invalid projection %s", proj)
		}
		sr, err := godal.NewSpatialRefFromEPSG(n)
		if err != nil {
			return fmt.Errorf("godal.newspatialreffromepsg %d: %w", n, err)
		}
		defer sr.Close()
		return d.ds.SetSpatialRef(sr)
	}
	return d.ds.SetProjection(proj)
}

// BuildOverviews hands the request to GDAL. Progress is reported once the
// build completes.
func (d *dataset) BuildOverviews(ctx context.Context, req georaster.OverviewRequest) error {
	if len(req.Levels) == 0 {
		return nil
	}
	alg, ok := resamplingAlgs[strings.ToUpper(req.Resampling)]
	if !ok {
		return fmt.Errorf("%w: resampling %s", georaster.ErrPyramidConfigInvalid, req.Resampling)
	}
	if req.Format == georaster.PyramidsInternal && !d.update {
		return fmt.Errorf("internal overviews of %s: %w", d.location, georaster.ErrWriteAccess)
	}
	if err := georaster.ReportProgress(ctx, 0); err != nil {
		return err
	}
	if err := d.ds.BuildOverviews(godal.Levels(req.Levels...), godal.Resampling(alg),
		godal.ConfigOption(req.Config...)); err != nil {
		return classifyOverviewError(d.location, err)
	}
	return georaster.ReportProgress(ctx, 100)
}

// classifyOverviewError maps GDAL overview diagnostics to georaster errors
func classifyOverviewError(location string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "jpeg") || strings.Contains(msg, "ycbcr"):
		return fmt.Errorf("overviews of %s: %w: %v", location, georaster.ErrPyramidCompressionUnsupported, err)
	case strings.Contains(msg, "not supported") || strings.Contains(msg, "unsupported"):
		return fmt.Errorf("overviews of %s: %w: %v", location, georaster.ErrPyramidFormatUnsupported, err)
	case strings.Contains(msg, "read-only") || strings.Contains(msg, "permission"):
		return fmt.Errorf("overviews of %s: %w: %v", location, georaster.ErrWriteAccess, err)
	}
	return fmt.Errorf("godal.buildoverviews %s: %w", location, err)
}

func (d *dataset) Close() error {
	if d.ds == nil {
		return nil
	}
	err := d.ds.Close()
	d.ds = nil
	return err
}

// removeFiles deletes a dataset and the side cars GDAL may have written next to it
func removeFiles(location string) error {
	if err := os.Remove(location); err != nil {
		return err
	}
	for _, ext := range []string{".ovr", ".aux.xml", ".rrd", ".aux"} {
		if err := os.Remove(location + ext); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
