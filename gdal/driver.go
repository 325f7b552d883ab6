// Package gdal exposes the raster drivers of the GDAL library through godal.
//
// Drivers are not registered on import: call Register once, before the
// first dataset is opened, with the GDAL short names to expose. RegisterGCS
// additionally routes gs:// locations through a Google Cloud Storage reader.
package gdal

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/georaster"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
)

// DefaultDrivers are the formats registered when Register is called without names
var DefaultDrivers = []string{
	"GTiff", "VRT", "HFA", "JP2OpenJPEG", "JPEG", "PNG", "GIF", "BMP",
	"USGSDEM", "DTED", "EHdr", "AIG", "HDF4", "netCDF", "MrSID", "ECW",
}

var registerAll sync.Once

// Register makes the named GDAL raster drivers available to georaster.Open.
// Names unknown to the linked GDAL library are skipped. A name already taken
// by another georaster driver keeps that driver.
func Register(names ...string) error {
	registerAll.Do(godal.RegisterAll)
	if len(names) == 0 {
		names = DefaultDrivers
	}
	for _, n := range names {
		gd, ok := godal.RasterDriver(godal.DriverName(n))
		if !ok {
			continue
		}
		d := Driver{
			name:     n,
			longName: gd.Metadata("DMD_LONGNAME"),
		}
		if exts := gd.Metadata("DMD_EXTENSIONS"); exts != "" {
			d.extensions = strings.Fields(strings.ToLower(exts))
		} else if ext := gd.Metadata("DMD_EXTENSION"); ext != "" {
			d.extensions = []string{strings.ToLower(ext)}
		}
		_, d.creator = gd.Metadatas()["DCAP_CREATE"]
		if err := georaster.RegisterDriver(d); err != nil {
			return err
		}
	}
	return nil
}

var (
	gcsOnce sync.Once
	gcsErr  error
)

// RegisterGCS lets GDAL read gs:// locations with the default Google Cloud
// credentials
func RegisterGCS(ctx context.Context) error {
	gcsOnce.Do(func() {
		registerAll.Do(godal.RegisterAll)
		client, err := storage.NewClient(ctx)
		if err != nil {
			gcsErr = fmt.Errorf("storage.newclient: %w", err)
			return
		}
		handle, err := osio.GCSHandle(ctx, osio.GCSClient(client))
		if err != nil {
			gcsErr = fmt.Errorf("osio.gcshandle: %w", err)
			return
		}
		adapter, err := osio.NewAdapter(handle)
		if err != nil {
			gcsErr = fmt.Errorf("osio.newadapter: %w", err)
			return
		}
		gcsErr = godal.RegisterVSIAdapter("gs://", adapter)
	})
	return gcsErr
}

// Driver is one GDAL raster format
type Driver struct {
	name       string
	longName   string
	extensions []string
	creator    bool
}

func (d Driver) Name() string         { return d.name }
func (d Driver) LongName() string     { return d.longName }
func (d Driver) Extensions() []string { return append([]string(nil), d.extensions...) }

// Identify matches the driver extensions, NAME: prefixed sub-dataset
// locations and virtual file system paths
func (d Driver) Identify(location string) bool {
	if strings.HasPrefix(strings.ToUpper(location), strings.ToUpper(d.name)+":") {
		return true
	}
	if strings.HasPrefix(location, "/vsi") {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(location), "."))
	for _, e := range d.extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (d Driver) Open(ctx context.Context, location string, update bool) (georaster.NativeDataset, error) {
	opts := []godal.OpenOption{godal.Drivers(d.name)}
	if update {
		opts = append(opts, godal.Update())
	}
	ds, err := godal.Open(location, opts...)
	if err != nil {
		if update {
			return nil, fmt.Errorf("open %s in update mode: %w: %v", location, georaster.ErrWriteAccess, err)
		}
		return nil, fmt.Errorf("godal.open %s: %w", location, err)
	}
	return newDataset(d.name, location, ds, update), nil
}

// Create creates location with the GDAL driver
func (d Driver) Create(ctx context.Context, location string, spec georaster.CreateSpec) (georaster.NativeDataset, error) {
	if !d.creator {
		return nil, fmt.Errorf("create %s: driver %s cannot create datasets", location, d.name)
	}
	dt, ok := godalTypes[spec.Type]
	if !ok {
		return nil, fmt.Errorf("create %s: unsupported data type %s", location, spec.Type)
	}
	opts := spec.Options
	if spec.Type == georaster.Int8 {
		opts = append(append([]string(nil), opts...), "PIXELTYPE=SIGNEDBYTE")
	}
	ds, err := godal.Create(godal.DriverName(d.name), location, spec.Bands, dt, spec.Width, spec.Height,
		godal.CreationOption(opts...))
	if err != nil {
		return nil, fmt.Errorf("godal.create %s: %w", location, err)
	}
	nds := newDataset(d.name, location, ds, true)
	if spec.GeoTransform != ([6]float64{}) {
		if err := nds.SetGeoTransform(spec.GeoTransform); err != nil {
			ds.Close()
			return nil, err
		}
	}
	if spec.Projection != "" {
		if err := nds.SetProjection(spec.Projection); err != nil {
			ds.Close()
			return nil, err
		}
	}
	return nds, nil
}

// Delete removes a dataset file created by the driver, with its external overviews
func (d Driver) Delete(ctx context.Context, location string) error {
	return removeFiles(location)
}

// AutoWarp returns a north up virtual dataset resampling base by nearest
// neighbour with the given approximation error threshold
func (d Driver) AutoWarp(ctx context.Context, base georaster.NativeDataset, errorThreshold float64) (georaster.NativeDataset, error) {
	src, ok := base.(*dataset)
	if !ok {
		return nil, fmt.Errorf("autowarp: %s is not a gdal dataset", base.Location())
	}
	switches := []string{"-of", "VRT", "-r", "near", "-et", fmt.Sprint(errorThreshold)}
	if _, hasGT := base.GeoTransform(); !hasGT && len(base.Metadata("RPC")) > 0 {
		switches = append(switches, "-rpc")
	}
	vrt, err := src.ds.Warp("", switches)
	if err != nil {
		return nil, fmt.Errorf("godal.warp %s: %w", base.Location(), err)
	}
	return newDataset("VRT", base.Location(), vrt, false), nil
}

// SafeJPEGOverviews reports whether the linked GDAL ships a libtiff able to
// rewrite JPEG compressed files in place
func (d Driver) SafeJPEGOverviews() bool {
	return godal.Version().Major() >= 2
}
