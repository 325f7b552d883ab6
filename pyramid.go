package georaster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// PyramidFormat selects where overviews are stored
type PyramidFormat int

const (
	// PyramidsExternal stores overviews in a GeoTIFF side car (.ovr)
	PyramidsExternal PyramidFormat = iota
	// PyramidsInternal embeds overviews in the dataset itself
	PyramidsInternal
	// PyramidsErdas stores overviews in an Erdas Imagine side car (.rrd)
	PyramidsErdas
)

func (f PyramidFormat) String() string {
	switch f {
	case PyramidsInternal:
		return "internal"
	case PyramidsErdas:
		return "erdas"
	}
	return "external"
}

// ParsePyramidFormat parses internal, external or erdas
func ParsePyramidFormat(s string) (PyramidFormat, error) {
	switch strings.ToLower(s) {
	case "external", "gtiff", "ovr":
		return PyramidsExternal, nil
	case "internal":
		return PyramidsInternal, nil
	case "erdas", "rrd", "hfa":
		return PyramidsErdas, nil
	}
	return PyramidsExternal, fmt.Errorf("unknown pyramid format %q", s)
}

// PyramidState tracks the last pyramid build of a Dataset
type PyramidState int

const (
	PyramidsNotBuilt PyramidState = iota
	PyramidsBuilding
	PyramidsBuilt
	PyramidsFailed
	PyramidsCanceled
)

func (s PyramidState) String() string {
	return [...]string{"not built", "building", "built", "failed", "canceled"}[s]
}

// OverviewRequest is handed to drivers building overviews
type OverviewRequest struct {
	Levels     []int
	Resampling string
	Format     PyramidFormat
	// Config holds KEY=VALUE options scoped to this build
	Config []string
}

// PyramidLevel is one reduced resolution level of a dataset
type PyramidLevel struct {
	Factor int
	Width  int
	Height int
	Exists bool
	// Build marks the level for BuildPyramids
	Build bool
}

// ResamplingMethod is a resampling algorithm accepted by BuildPyramids
type ResamplingMethod struct {
	Name  string
	Label string
}

// PyramidResamplingMethods lists the resampling methods of BuildPyramids
func PyramidResamplingMethods() []ResamplingMethod {
	return []ResamplingMethod{
		{"NEAREST", "Nearest Neighbour"},
		{"AVERAGE", "Average"},
		{"GAUSS", "Gauss"},
		{"CUBIC", "Cubic"},
		{"CUBICSPLINE", "Cubic Spline"},
		{"LANCZOS", "Lanczos"},
		{"MODE", "Mode"},
		{"NONE", "None"},
	}
}

func validResampling(method string) bool {
	for _, m := range PyramidResamplingMethods() {
		if strings.EqualFold(m.Name, method) {
			return true
		}
	}
	return false
}

// HasPyramids reports whether the first band has overviews
func (d *Dataset) HasPyramids() bool { return d.hasPyramids }

func (d *Dataset) PyramidState() PyramidState { return d.pyramidState }

// BuildPyramidList returns the pyramid levels of the given reduction factors,
// or of the doubling series stopping before a level gets smaller than 32
// pixels when factors is empty. A level exists when an overview of the first
// band is within Options.PyramidMatchTolerance pixels of its expected size.
func (d *Dataset) BuildPyramidList(factors []int) []PyramidLevel {
	if len(factors) == 0 {
		for f := 2; d.width/f > 32 && d.height/f > 32; f *= 2 {
			factors = append(factors, f)
		}
	}
	var overviews []NativeBand
	if d.valid && len(d.bands) > 0 && !d.bands[0].mask {
		overviews = d.bands[0].native.Overviews()
	}
	tol := d.opts.PyramidMatchTolerance
	levels := make([]PyramidLevel, 0, len(factors))
	for _, f := range factors {
		lvl := PyramidLevel{
			Factor: f,
			Width:  int(0.5 + float64(d.width)/float64(f)),
			Height: int(0.5 + float64(d.height)/float64(f)),
		}
		for _, o := range overviews {
			ow, oh := o.Size()
			if ow <= lvl.Width+tol && ow >= lvl.Width-tol &&
				oh <= lvl.Height+tol && oh >= lvl.Height-tol {
				lvl.Width, lvl.Height = ow, oh
				lvl.Exists = true
			}
		}
		levels = append(levels, lvl)
	}
	return levels
}

// ValidatePyramidsConfigOptions checks that options can be used to build
// pyramids of the given format for a dataset of fileFormat.
func (d *Dataset) ValidatePyramidsConfigOptions(format PyramidFormat, options []string, fileFormat string) error {
	switch format {
	case PyramidsErdas:
		if len(options) > 0 {
			return fmt.Errorf("%w: Erdas Imagine format does not support config options", ErrPyramidConfigInvalid)
		}
	case PyramidsInternal:
		switch strings.ToLower(fileFormat) {
		case "gtiff", "georaster", "hfa", "gpkg", "rasterlite", "nitf", "mem":
		default:
			return fmt.Errorf("%w: Internal pyramids format only supported for gtiff/georaster/gpkg/rasterlite/nitf files (using %s)",
				ErrPyramidConfigInvalid, fileFormat)
		}
	default:
		for _, o := range options {
			if strings.EqualFold(strings.ReplaceAll(o, " ", ""), "PHOTOMETRIC_OVERVIEW=YCBCR") && len(d.bands) != 3 {
				return fmt.Errorf("%w: PHOTOMETRIC_OVERVIEW=YCBCR requires a source raster with only 3 bands (RGB)", ErrPyramidConfigInvalid)
			}
		}
	}
	return nil
}

// remoteLocation reports whether location is served by a network protocol
func remoteLocation(location string) bool {
	for _, p := range []string{"http://", "https://", "gs://", "s3://", "/vsicurl/", "/vsigs/", "/vsis3/", "/vsizip/", "/vsitar/", "/vsigzip/"} {
		if strings.HasPrefix(location, p) {
			return true
		}
	}
	return false
}

// writableLocation reports whether location can be opened for writing. Names
// that are not files are left for the driver to judge.
func writableLocation(location string) bool {
	if remoteLocation(location) {
		return false
	}
	st, err := os.Stat(location)
	if err != nil || st.IsDir() {
		return !errors.Is(err, os.ErrPermission)
	}
	f, err := os.OpenFile(location, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// BuildPyramids builds the levels flagged with Build using the given
// resampling method. fb may be nil.
//
// Internal pyramids require the dataset to be reopened in update mode; the
// dataset is reopened in its original mode once the build is over.
func (d *Dataset) BuildPyramids(ctx context.Context, levels []PyramidLevel, method string, format PyramidFormat, options []string, fb Feedback) error {
	if !d.valid {
		return ErrInvalidDataset
	}
	if d.warped {
		d.logger.Warn("pyramid building not supported on warped views")
		return fmt.Errorf("build pyramids of a warped view: %w", ErrPyramidFormatUnsupported)
	}
	if !validResampling(method) {
		return fmt.Errorf("%w: unknown resampling method %q", ErrPyramidConfigInvalid, method)
	}
	if err := d.ValidatePyramidsConfigOptions(format, options, d.Driver()); err != nil {
		return err
	}

	orig := d.update
	if format == PyramidsInternal {
		if !writableLocation(d.location) {
			return fmt.Errorf("build internal pyramids of %s: %w", d.location, ErrWriteAccess)
		}
		if d.jpegCompressedUnsafe() {
			return fmt.Errorf("build internal pyramids of %s: JPEG compressed source: %w", d.location, ErrPyramidCompressionUnsupported)
		}
		if !d.base.native().Updatable() {
			if err := d.reopen(ctx, true); err != nil {
				d.logger.Warn("cannot reopen in update mode", "error", err)
				if rerr := d.reopen(ctx, orig); rerr != nil {
					d.logger.Error("cannot reopen in original mode", "error", rerr)
				}
				return backendError("build pyramids", ErrWriteAccess, err)
			}
		}
	}

	req := OverviewRequest{Resampling: strings.ToUpper(method), Format: format}
	if format == PyramidsErdas {
		req.Config = append(req.Config, "USE_RRD=YES")
	} else {
		req.Config = append(req.Config, "USE_RRD=NO")
		if format == PyramidsExternal {
			req.Config = append(req.Config, "TIFF_USE_OVR=YES")
		}
		req.Config = append(req.Config, options...)
	}
	for _, l := range levels {
		if l.Build {
			req.Levels = append(req.Levels, l.Factor)
		}
	}

	prog := newProgress(fb)
	d.pyramidState = PyramidsBuilding
	d.logger.Info("building pyramids", "levels", req.Levels, "resampling", req.Resampling, "format", format.String())
	err := d.base.native().BuildOverviews(withProgress(ctx, prog), req)
	if err != nil || prog.canceled() {
		canceled := errors.Is(err, ErrCanceled) || prog.canceled() || ctx.Err() != nil
		if rerr := d.reopen(context.WithoutCancel(ctx), orig); rerr != nil {
			d.logger.Error("cannot reopen after failed pyramid build", "error", rerr)
		}
		if canceled {
			d.pyramidState = PyramidsCanceled
			return fmt.Errorf("build pyramids: %w", ErrCanceled)
		}
		d.pyramidState = PyramidsFailed
		d.logger.Warn("pyramid build failed", "error", err)
		switch {
		case errors.Is(err, ErrPyramidCompressionUnsupported),
			errors.Is(err, ErrPyramidConfigInvalid),
			errors.Is(err, ErrWriteAccess):
			return fmt.Errorf("build pyramids: %w", err)
		}
		return backendError("build pyramids", ErrPyramidFormatUnsupported, err)
	}

	d.pyramidState = PyramidsBuilt
	if format == PyramidsInternal {
		if err := d.reopen(ctx, orig); err != nil {
			return fmt.Errorf("reopen after pyramid build: %w", err)
		}
	}
	d.hasPyramids = true
	return nil
}

// jpegCompressedUnsafe reports whether the source is JPEG compressed and its
// driver cannot safely rewrite such data in place.
func (d *Dataset) jpegCompressedUnsafe() bool {
	if !strings.EqualFold(d.base.native().Metadata("IMAGE_STRUCTURE")["COMPRESSION"], "JPEG") {
		return false
	}
	drv, ok := LookupDriver(d.Driver())
	if !ok {
		return true
	}
	oc, ok := drv.(OverviewCapabilities)
	return !ok || !oc.SafeJPEGOverviews()
}
