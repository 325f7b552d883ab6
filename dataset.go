package georaster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/paulmach/orb"
)

// Dataset exposes a raster source as a north up, axis aligned grid of bands.
//
// A Dataset is not safe for concurrent use: callers must serialize
// operations on the same Dataset.
type Dataset struct {
	location string
	update   bool
	opts     Options
	root     *slog.Logger
	logger   *slog.Logger
	only     []string
	resolver CRSResolver

	base   *handle
	active *handle
	valid  bool

	warped       bool
	warpDegraded bool
	hasGT        bool
	gt           GeoTransform
	crs          CRS
	extent       orb.Bound
	width        int
	height       int
	subLayers    []string
	bands        []*band
	maskAlpha    bool

	hasPyramids  bool
	pyramidState PyramidState

	statistics []BandStats
	histograms []Histogram
}

// OpenOption configures Open and Create
type OpenOption func(*Dataset)

// Update opens the dataset in update mode
func Update() OpenOption {
	return func(d *Dataset) { d.update = true }
}

// WithOptions overrides the default engine options
func WithOptions(o Options) OpenOption {
	return func(d *Dataset) { d.opts = o }
}

// WithLogger sets the logger used by the dataset
func WithLogger(l *slog.Logger) OpenOption {
	return func(d *Dataset) { d.root = l }
}

// WithDrivers restricts the drivers tried when opening to the named ones
func WithDrivers(names ...string) OpenOption {
	return func(d *Dataset) { d.only = names }
}

// WithCRSResolver sets the resolver used to identify the dataset CRS
func WithCRSResolver(r CRSResolver) OpenOption {
	return func(d *Dataset) { d.resolver = r }
}

func newDataset(location string, opts []OpenOption) (*Dataset, error) {
	d := &Dataset{
		location: location,
		opts:     DefaultOptions(),
		root:     slog.Default(),
		resolver: DefaultCRSResolver,
	}
	for _, o := range opts {
		o(d)
	}
	if err := d.opts.Validate(); err != nil {
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	d.root = d.root.With("location", location)
	d.logger = d.root
	return d, nil
}

// Open opens location with the first registered driver able to decode it.
func Open(ctx context.Context, location string, opts ...OpenOption) (*Dataset, error) {
	d, err := newDataset(location, opts)
	if err != nil {
		return nil, err
	}
	nds, err := openNative(ctx, location, d.update, d.only)
	if err != nil {
		return nil, err
	}
	if err := d.init(ctx, nds); err != nil {
		return nil, err
	}
	return d, nil
}

// init derives the active handle, georeferencing and bands from a freshly
// opened native dataset. On failure the handles are released and the dataset
// is left invalid.
func (d *Dataset) init(ctx context.Context, nds NativeDataset) error {
	d.base = newHandle(nds)
	d.logger = d.root.With("driver", nds.Driver())
	d.warped, d.warpDegraded = false, false

	gt, hasGT := nds.GeoTransform()
	needWarp := (hasGT && GeoTransform(gt).needsWarp()) ||
		len(nds.GCPs()) > 0 || len(nds.Metadata("RPC")) > 0
	d.active = nil
	if needWarp {
		view, err := d.warp(ctx, nds)
		if err != nil {
			d.logger.Warn("cannot create warped view, using unwarped source", "error", err)
			d.warpDegraded = true
		} else {
			d.logger.Debug("created warped view")
			d.active = newViewHandle(view, d.base)
			d.warped = true
		}
	}
	if d.active == nil {
		d.active = d.base.share()
	}

	act := d.active.native()
	agt, ok := act.GeoTransform()
	d.hasGT = ok
	d.gt = GeoTransform(agt)
	if !ok {
		d.gt = IdentityGeoTransform
	}

	d.subLayers = parseSubLayers(act.Metadata("SUBDATASETS"))
	natives := act.Bands()
	if len(natives) == 0 && len(d.subLayers) == 0 {
		d.closeHandles()
		return backendError("open "+d.location, ErrNoBandsNoSubLayers, nil)
	}
	d.hasPyramids = len(natives) > 0 && len(natives[0].Overviews()) > 0
	if d.hasPyramids && d.pyramidState == PyramidsNotBuilt {
		d.pyramidState = PyramidsBuilt
	}

	var how string
	d.crs, how = resolveDatasetCRS(d.resolver, act, nds, d.warped)
	if !d.crs.Valid() {
		d.logger.Debug("no CRS resolved")
	} else {
		d.logger.Debug("resolved CRS", "crs", d.crs.String(), "from", how)
	}

	d.width, d.height = act.Size()
	d.extent = d.gt.Extent(d.width, d.height)
	d.maskAlpha = false
	d.bands = d.describeBands(natives)
	d.statistics = nil
	d.histograms = nil
	d.valid = true
	return nil
}

func (d *Dataset) warp(ctx context.Context, base NativeDataset) (NativeDataset, error) {
	if drv, ok := LookupDriver(base.Driver()); ok {
		if w, ok := drv.(Warper); ok {
			return w.AutoWarp(ctx, base, d.opts.WarpErrorThreshold)
		}
	}
	return newWarpedView(base, d.opts.WarpErrorThreshold)
}

func (d *Dataset) closeHandles() error {
	berr := d.base.release()
	aerr := d.active.close()
	d.base, d.active = nil, nil
	d.valid = false
	d.warped = false
	return errors.Join(berr, aerr)
}

// Close releases the native dataset. It is safe to call several times.
func (d *Dataset) Close() error {
	if d.base == nil && d.active == nil {
		d.valid = false
		return nil
	}
	return d.closeHandles()
}

// reopen closes the handles and opens the location again in the given mode.
// User no-data settings survive when the band layout is unchanged.
func (d *Dataset) reopen(ctx context.Context, update bool) error {
	prev := d.bands
	if err := d.closeHandles(); err != nil {
		d.logger.Warn("close before reopen", "error", err)
	}
	nds, err := openNative(ctx, d.location, update, d.only)
	if err != nil {
		return err
	}
	d.update = update
	if err := d.init(ctx, nds); err != nil {
		return err
	}
	if len(prev) == len(d.bands) {
		for i, b := range d.bands {
			b.useSrcNoData = prev[i].useSrcNoData
			b.userNoData = prev[i].userNoData
		}
	}
	return nil
}

// SetEditable switches between read-only and update access by reopening the
// source. It reports false without changing anything when the mode is
// already the requested one or when a warped view is active. A failed reopen
// leaves the dataset invalid.
func (d *Dataset) SetEditable(ctx context.Context, enabled bool) (bool, error) {
	if enabled == d.update || !d.valid {
		return false, nil
	}
	if d.warped {
		d.logger.Info("cannot change access mode of a warped view")
		return false, nil
	}
	if err := d.reopen(ctx, enabled); err != nil {
		d.valid = false
		return false, backendError("set editable "+d.location, ErrWriteAccess, err)
	}
	return true, nil
}

func (d *Dataset) Valid() bool        { return d.valid }
func (d *Dataset) Editable() bool     { return d.valid && d.update }
func (d *Dataset) Location() string   { return d.location }
func (d *Dataset) Options() Options   { return d.opts }
func (d *Dataset) Warped() bool       { return d.warped }
func (d *Dataset) WarpDegraded() bool { return d.warpDegraded }

// Driver returns the short name of the driver of the source
func (d *Dataset) Driver() string {
	if d.base == nil {
		return ""
	}
	return d.base.native().Driver()
}

// Size returns the dimensions of the active grid
func (d *Dataset) Size() (int, int) { return d.width, d.height }

// GeoTransform returns the transform of the active grid. ok is false when the
// source carries none and the identity fallback is in use.
func (d *Dataset) GeoTransform() (gt GeoTransform, ok bool) { return d.gt, d.hasGT }

func (d *Dataset) CRS() CRS          { return d.crs }
func (d *Dataset) Extent() orb.Bound { return d.extent }

// Resolution returns the size of one pixel in georeferenced units
func (d *Dataset) Resolution() (float64, float64) {
	if d.width == 0 || d.height == 0 {
		return 0, 0
	}
	return boundWidth(d.extent) / float64(d.width), boundHeight(d.extent) / float64(d.height)
}

// SubLayers returns the locations of the sub-datasets of the source
func (d *Dataset) SubLayers() []string {
	return append([]string(nil), d.subLayers...)
}

// Metadata returns a metadata domain of the source
func (d *Dataset) Metadata(domain string) map[string]string {
	if !d.valid {
		return nil
	}
	return d.base.native().Metadata(domain)
}

// Create creates a dataset with the named driver, sets its georeferencing
// and returns it opened in update mode.
func Create(ctx context.Context, format, location string, spec CreateSpec, opts ...OpenOption) (*Dataset, error) {
	drv, ok := LookupDriver(format)
	if !ok {
		return nil, fmt.Errorf("create %s: unknown driver %s", location, format)
	}
	cr, ok := drv.(Creator)
	if !ok {
		return nil, fmt.Errorf("create %s: driver %s cannot create datasets", location, format)
	}
	d, err := newDataset(location, append(opts, Update()))
	if err != nil {
		return nil, err
	}
	if ext := path.Ext(location); ext == "" && len(drv.Extensions()) > 0 && !strings.Contains(location, "://") {
		e := drv.Extensions()[0]
		if containsFold(drv.Extensions(), d.opts.DefaultOutputExtension) {
			e = d.opts.DefaultOutputExtension
		}
		location += "." + e
		d.location = location
	}
	nds, err := cr.Create(ctx, location, spec)
	if err != nil {
		return nil, backendError("create "+location, ErrBackendIO, err)
	}
	if gw, ok := nds.(GeoWriter); ok {
		if err := gw.SetGeoTransform(spec.GeoTransform); err != nil {
			nds.Close()
			return nil, backendError("set geotransform", ErrBackendIO, err)
		}
		if spec.Projection != "" {
			if err := gw.SetProjection(spec.Projection); err != nil {
				nds.Close()
				return nil, backendError("set projection", ErrBackendIO, err)
			}
		}
	}
	if err := nds.Close(); err != nil {
		return nil, backendError("create "+location, ErrBackendIO, err)
	}
	nds, err = openNative(ctx, location, true, []string{drv.Name()})
	if err != nil {
		return nil, err
	}
	if err := d.init(ctx, nds); err != nil {
		return nil, err
	}
	return d, nil
}

// Write stores a window of native samples into band n
func (d *Dataset) Write(ctx context.Context, n, x, y, w, h int, buf []byte) error {
	b, err := d.band(n)
	if err != nil {
		return err
	}
	if !d.update || b.mask {
		return fmt.Errorf("write band %d: %w", n, ErrWriteAccess)
	}
	bw, ok := b.native.(BandWriter)
	if !ok {
		return fmt.Errorf("write band %d: %w", n, ErrWriteAccess)
	}
	if len(buf) < w*h*b.srcType.Size() {
		return fmt.Errorf("write band %d: buffer of %d bytes too small for %dx%d %s", n, len(buf), w, h, b.srcType)
	}
	if err := bw.Write(ctx, x, y, w, h, buf); err != nil {
		return ioError(fmt.Sprintf("write band %d", n), err)
	}
	return nil
}

// SetNoData sets the source no-data value of band n and enables its use
func (d *Dataset) SetNoData(n int, value float64) error {
	b, err := d.band(n)
	if err != nil {
		return err
	}
	bw, ok := b.native.(BandWriter)
	if !ok || b.mask || !d.update {
		return fmt.Errorf("set nodata on band %d: %w", n, ErrWriteAccess)
	}
	if err := bw.SetNoData(value); err != nil {
		return ioError(fmt.Sprintf("set nodata on band %d", n), err)
	}
	b.srcNoData = b.srcType.RepresentableValue(value)
	b.srcHasNoData = true
	b.useSrcNoData = true
	return nil
}

// Remove closes the dataset and deletes it through its driver
func (d *Dataset) Remove(ctx context.Context) error {
	if d.base == nil {
		return ErrInvalidDataset
	}
	name := d.Driver()
	if err := d.closeHandles(); err != nil {
		d.logger.Warn("close before remove", "error", err)
	}
	drv, ok := LookupDriver(name)
	if !ok {
		return fmt.Errorf("remove %s: unknown driver %s", d.location, name)
	}
	cr, ok := drv.(Creator)
	if !ok {
		return fmt.Errorf("remove %s: driver %s cannot delete datasets", d.location, name)
	}
	if err := cr.Delete(ctx, d.location); err != nil {
		return backendError("remove "+d.location, ErrBackendIO, err)
	}
	return nil
}

// ValidateCreationOptions checks options for creating a dataset of the
// given format from this one.
func (d *Dataset) ValidateCreationOptions(options []string, format string) error {
	drv, ok := LookupDriver(format)
	if !ok {
		return errors.New("invalid GDAL driver")
	}
	if v, ok := drv.(CreationOptionValidator); ok {
		if err := v.ValidateCreationOptions(options); err != nil {
			return fmt.Errorf("Failed GDALValidateCreationOptions() test: %w", err)
		}
	}
	if !strings.EqualFold(format, "gtiff") {
		return nil
	}
	kv := parseOptions(options)
	pred, ok := kv["PREDICTOR"]
	if !ok {
		return nil
	}
	dt := Unknown
	if len(d.bands) > 0 {
		dt = d.bands[0].dataType
	}
	switch pred {
	case "2":
		if bits := dt.Bits(); bits != 8 && bits != 16 && bits != 32 {
			return fmt.Errorf("PREDICTOR=%s only valid for 8/16/32 bits per sample (using %d)", pred, bits)
		}
	case "3":
		if dt != Float32 && dt != Float64 {
			return errors.New("PREDICTOR=3 only valid for float/double precision")
		}
	}
	return nil
}

// parseOptions splits KEY=VALUE options, upper casing keys
func parseOptions(options []string) map[string]string {
	kv := make(map[string]string, len(options))
	for _, o := range options {
		k, v, ok := strings.Cut(o, "=")
		if !ok {
			continue
		}
		kv[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return kv
}
