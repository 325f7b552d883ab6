// Package mem is a raster driver keeping datasets in process memory.
//
// Datasets are addressed by names starting with mem:// and live until they
// are deleted. The driver is registered under the MEM short name when the
// package is imported.
package mem

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/airbusgeo/georaster"
)

// Prefix starts the location of every in memory dataset
const Prefix = "mem://"

// Band is the content of one band
type Band struct {
	Type georaster.DataType
	// Width and Height default to the raster size. They are only set on overviews.
	Width, Height int
	// Data holds little endian samples, allocated by Put when nil
	Data          []byte
	HasNoData     bool
	NoData        float64
	Scale, Offset float64
	ColorInterp   georaster.ColorInterp
	BlockWidth    int
	BlockHeight   int
	Metadata      map[string]map[string]string
	Overviews     []*Band
	// Histogram is the persisted default histogram, if any
	Histogram *Histogram
	// Mask is a validity mask of this band only
	Mask *Band
}

// Histogram is a persisted histogram
type Histogram struct {
	Min, Max float64
	Counts   []uint64
}

// Raster is the content of an in memory dataset
type Raster struct {
	Width, Height   int
	Bands           []*Band
	GeoTransform    [6]float64
	HasGeoTransform bool
	Projection      string
	GCPs            []georaster.GCP
	GCPProjection   string
	Metadata        map[string]map[string]string
	// Mask is a validity mask shared by all bands
	Mask *Band
}

var (
	mu      sync.Mutex
	rasters = map[string]*Raster{}
)

func init() {
	if err := georaster.RegisterDriver(Driver{}); err != nil {
		panic(err)
	}
}

// Put stores r under name, replacing any previous raster of that name
func Put(name string, r *Raster) error {
	if !strings.HasPrefix(name, Prefix) {
		return fmt.Errorf("invalid name %q, must start with %s", name, Prefix)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid size %dx%d", r.Width, r.Height)
	}
	all := append([]*Band(nil), r.Bands...)
	if r.Mask != nil {
		if r.Mask.Type == georaster.Unknown {
			r.Mask.Type = georaster.Byte
		}
		all = append(all, r.Mask)
	}
	for i, b := range all {
		if err := b.init(r.Width, r.Height); err != nil {
			return fmt.Errorf("band %d: %w", i+1, err)
		}
		if m := b.Mask; m != nil {
			if m.Type == georaster.Unknown {
				m.Type = georaster.Byte
			}
			if err := m.init(r.Width, r.Height); err != nil {
				return fmt.Errorf("band %d mask: %w", i+1, err)
			}
		}
		for j, o := range b.Overviews {
			if o.Type == georaster.Unknown {
				o.Type = b.Type
			}
			if o.Width <= 0 || o.Height <= 0 {
				return fmt.Errorf("band %d overview %d: size not set", i+1, j+1)
			}
			if err := o.init(o.Width, o.Height); err != nil {
				return fmt.Errorf("band %d overview %d: %w", i+1, j+1, err)
			}
		}
	}
	mu.Lock()
	rasters[name] = r
	mu.Unlock()
	return nil
}

func (b *Band) init(w, h int) error {
	if b.Type == georaster.Unknown {
		return fmt.Errorf("unknown data type")
	}
	if b.Width == 0 || b.Height == 0 {
		b.Width, b.Height = w, h
	}
	size := b.Width * b.Height * b.Type.Size()
	if b.Data == nil {
		b.Data = make([]byte, size)
	}
	if len(b.Data) != size {
		return fmt.Errorf("%d bytes of data, want %d", len(b.Data), size)
	}
	if b.Scale == 0 {
		b.Scale = 1
	}
	if b.BlockWidth <= 0 {
		b.BlockWidth = b.Width
	}
	if b.BlockHeight <= 0 {
		b.BlockHeight = 1
	}
	if b.Metadata == nil {
		b.Metadata = map[string]map[string]string{}
	}
	return nil
}

// Get returns the raster stored under name
func Get(name string) (*Raster, bool) {
	mu.Lock()
	defer mu.Unlock()
	r, ok := rasters[name]
	return r, ok
}

// Remove deletes the raster stored under name
func Remove(name string) {
	mu.Lock()
	delete(rasters, name)
	mu.Unlock()
}

// Driver is the in memory raster driver
type Driver struct{}

func (Driver) Name() string         { return "MEM" }
func (Driver) LongName() string     { return "In Memory raster" }
func (Driver) Extensions() []string { return nil }

func (Driver) Identify(location string) bool {
	return strings.HasPrefix(location, Prefix)
}

func (Driver) Open(ctx context.Context, location string, update bool) (georaster.NativeDataset, error) {
	r, ok := Get(location)
	if !ok {
		return nil, fmt.Errorf("no in memory raster named %s", location)
	}
	return newDataset(location, r, update), nil
}

var creationOptions = map[string]bool{"INTERLEAVE": true, "BLOCKXSIZE": true, "BLOCKYSIZE": true}

// ValidateCreationOptions accepts INTERLEAVE, BLOCKXSIZE and BLOCKYSIZE
func (Driver) ValidateCreationOptions(options []string) error {
	for _, o := range options {
		k, v, ok := strings.Cut(o, "=")
		if !ok {
			return fmt.Errorf("malformed option %q", o)
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		if !creationOptions[k] {
			return fmt.Errorf("unknown creation option %s", k)
		}
		if k != "INTERLEAVE" {
			if n, err := strconv.Atoi(v); err != nil || n <= 0 {
				return fmt.Errorf("%s must be a positive integer, got %q", k, v)
			}
		}
	}
	return nil
}

func (d Driver) Create(ctx context.Context, location string, spec georaster.CreateSpec) (georaster.NativeDataset, error) {
	if err := d.ValidateCreationOptions(spec.Options); err != nil {
		return nil, err
	}
	bw, bh := 0, 0
	for _, o := range spec.Options {
		k, v, _ := strings.Cut(o, "=")
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "BLOCKXSIZE":
			bw, _ = strconv.Atoi(v)
		case "BLOCKYSIZE":
			bh, _ = strconv.Atoi(v)
		}
	}
	r := &Raster{Width: spec.Width, Height: spec.Height}
	for i := 0; i < spec.Bands; i++ {
		r.Bands = append(r.Bands, &Band{Type: spec.Type, BlockWidth: bw, BlockHeight: bh})
	}
	if err := Put(location, r); err != nil {
		return nil, err
	}
	return newDataset(location, r, true), nil
}

func (Driver) Delete(ctx context.Context, location string) error {
	if _, ok := Get(location); !ok {
		return fmt.Errorf("no in memory raster named %s", location)
	}
	Remove(location)
	return nil
}

// SafeJPEGOverviews is true: nothing is ever recompressed in memory
func (Driver) SafeJPEGOverviews() bool { return true }

type dataset struct {
	location string
	r        *Raster
	update   bool
	bands    []georaster.NativeBand
}

func newDataset(location string, r *Raster, update bool) *dataset {
	d := &dataset{location: location, r: r, update: update}
	for _, b := range r.Bands {
		d.bands = append(d.bands, &band{ds: d, b: b})
	}
	return d
}

func (d *dataset) Driver() string                           { return "MEM" }
func (d *dataset) Location() string                         { return d.location }
func (d *dataset) Size() (int, int)                         { return d.r.Width, d.r.Height }
func (d *dataset) Bands() []georaster.NativeBand            { return d.bands }
func (d *dataset) GeoTransform() ([6]float64, bool)         { return d.r.GeoTransform, d.r.HasGeoTransform }
func (d *dataset) Projection() string                       { return d.r.Projection }
func (d *dataset) GCPs() []georaster.GCP                    { return append([]georaster.GCP(nil), d.r.GCPs...) }
func (d *dataset) GCPProjection() string                    { return d.r.GCPProjection }
func (d *dataset) Updatable() bool                          { return d.update }
func (d *dataset) Close() error                             { return nil }
func (d *dataset) Metadata(domain string) map[string]string { return copyDomain(d.r.Metadata, domain) }

func (d *dataset) SetGeoTransform(gt [6]float64) error {
	if !d.update {
		return fmt.Errorf("set geotransform of %s: read only", d.location)
	}
	d.r.GeoTransform, d.r.HasGeoTransform = gt, true
	return nil
}

func (d *dataset) SetProjection(proj string) error {
	if !d.update {
		return fmt.Errorf("set projection of %s: read only", d.location)
	}
	d.r.Projection = proj
	return nil
}

func copyDomain(md map[string]map[string]string, domain string) map[string]string {
	items := md[domain]
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for k, v := range items {
		out[k] = v
	}
	return out
}
