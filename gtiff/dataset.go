package gtiff

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/airbusgeo/georaster"
	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	"github.com/google/uuid"
)

type dataset struct {
	location string
	file     string
	update   bool
	// dirty is set when the main file must be rewritten, ovrDirty when the
	// external overview file must be
	dirty    bool
	ovrDirty bool
	id       string
	seq      int
	srcs     []source

	width, height int
	dt            georaster.DataType
	nbands        int
	photometric   uint16
	extra         []uint16
	colormap      []uint16

	gt        [6]float64
	hasGT     bool
	gcps      []georaster.GCP
	proj      string
	md        map[string]map[string]string
	rpc       map[string]string
	info      []bandInfo
	noData    float64
	hasNoData bool

	full *image
	// ovrs are sorted by decreasing size
	ovrs    []*image
	extOvrs bool
	bands   []georaster.NativeBand
}

func (ds *dataset) nextSeq() int {
	ds.seq++
	return ds.seq
}

// newDataset returns a dataset created in memory
func newDataset(location string, spec georaster.CreateSpec, p params) *dataset {
	ds := &dataset{
		location: location,
		file:     location,
		update:   true,
		dirty:    true,
		id:       uuid.NewString(),
		width:    spec.Width,
		height:   spec.Height,
		dt:       spec.Type,
		nbands:   spec.Bands,
		md:       map[string]map[string]string{},
	}
	ds.photometric, ds.extra = defaultPhotometric(p, spec.Bands, spec.Type)
	ds.info = make([]bandInfo, spec.Bands)
	for i := range ds.info {
		ds.info[i] = newBandInfo()
	}
	ds.full = ds.newMemImage(spec.Width, spec.Height, spec.Bands, spec.Type, p)
	ds.initBands()
	return ds
}

// defaultPhotometric picks RGB for 3 and 4 band byte images, with an alpha
// fourth band, and MinIsBlack otherwise
func defaultPhotometric(p params, bands int, dt georaster.DataType) (uint16, []uint16) {
	photometric := p.photometric
	alpha := p.alpha
	if photometric == 0 {
		photometric = PhotometricInterpretationMinIsBlack
		if dt == georaster.Byte && (bands == 3 || bands == 4) {
			photometric = PhotometricInterpretationRGB
			alpha = alpha || bands == 4
		}
	}
	base := 1
	switch photometric {
	case PhotometricInterpretationRGB:
		base = 3
	case PhotometricInterpretationSeparated:
		base = 4
	}
	var extra []uint16
	for i := base; i < bands; i++ {
		if i == base && alpha {
			extra = append(extra, ExtraSamplesUnassAlpha)
		} else {
			extra = append(extra, ExtraSamplesUnspecified)
		}
	}
	return photometric, extra
}

// readIFDs parses the IFDs of src
func readIFDs(src source) (tiff.TIFF, []*IFD, error) {
	tif, err := tiff.Parse(io.NewSectionReader(src, 0, src.Size()), nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("parse: %w", err)
	}
	var ifds []*IFD
	for i, t := range tif.IFDs() {
		ifd := &IFD{}
		if err := tiff.UnmarshalIFD(t, ifd); err != nil {
			return nil, nil, fmt.Errorf("unmarshal ifd %d: %w", i, err)
		}
		ifd.clean()
		ifds = append(ifds, ifd)
	}
	if len(ifds) == 0 {
		return nil, nil, fmt.Errorf("no image")
	}
	return tif, ifds, nil
}

func openDataset(ctx context.Context, location, file string, page int, update bool) (*dataset, error) {
	src, err := openSource(ctx, file)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", file, err)
	}
	ds := &dataset{location: location, file: file, update: update, id: uuid.NewString(), srcs: []source{src}}
	if err := ds.init(ctx, src, page); err != nil {
		ds.closeSources()
		return nil, fmt.Errorf("open %s: %w", location, err)
	}
	return ds, nil
}

func (ds *dataset) init(ctx context.Context, src source, page int) error {
	tif, ifds, err := readIFDs(src)
	if err != nil {
		return err
	}
	order := tif.R().ByteOrder()

	var pages []int
	for i, ifd := range ifds {
		if !ifd.isMask() && !ifd.isOverview() {
			pages = append(pages, i)
		}
	}
	if len(pages) == 0 {
		return fmt.Errorf("no full resolution image")
	}
	if page > len(pages) {
		return fmt.Errorf("page %d out of %d", page, len(pages))
	}
	if ds.update && len(pages) > 1 {
		return fmt.Errorf("update of multi page file: %w", georaster.ErrWriteAccess)
	}
	first, end := pages[page-1], len(ifds)
	if page < len(pages) {
		end = pages[page]
	}

	full, err := ds.openImage(src, order, ifds[first])
	if err != nil {
		return fmt.Errorf("ifd %d: %w", first, err)
	}
	ds.full = full
	var masks []*image
	for i := first + 1; i < end; i++ {
		img, err := ds.openImage(src, order, ifds[i])
		if err != nil {
			slog.Warn("skipping unreadable ifd", "location", ds.file, "ifd", i, "error", err)
			continue
		}
		switch {
		case ifds[i].isMask():
			masks = append(masks, img)
		case img.spp == full.spp && img.dt == full.dt:
			ds.ovrs = append(ds.ovrs, img)
		}
	}
	ds.attachMasks(masks)

	var sub map[string]string
	if len(pages) > 1 && page == 1 && !strings.HasPrefix(ds.location, DirPrefix) {
		sub = map[string]string{}
		for i, p := range pages {
			ifd := ifds[p]
			sub[fmt.Sprintf("SUBDATASET_%d_NAME", i+1)] = fmt.Sprintf("%s%d:%s", DirPrefix, i+1, ds.file)
			sub[fmt.Sprintf("SUBDATASET_%d_DESC", i+1)] = fmt.Sprintf("Page %d (%dP x %dL x %dB)",
				i+1, ifd.ImageWidth, ifd.ImageLength, max(1, ifd.SamplesPerPixel))
		}
	}

	ds.width, ds.height = full.width, full.height
	ds.dt, ds.nbands = full.dt, full.spp
	ds.photometric, ds.extra, ds.colormap = full.ifd.PhotometricInterpretation, full.ifd.ExtraSamples, full.ifd.Colormap
	ds.gt, ds.hasGT, ds.gcps, ds.proj = georeferencing(full.ifd)
	ds.md, ds.info, err = parseMetadata(full.ifd.GDALMetaData, ds.nbands)
	if err != nil {
		slog.Warn("ignoring invalid metadata", "location", ds.file, "error", err)
	}
	ds.rpc = rpcMetadata(full.ifd.RPCs)
	if ds.rpc == nil && len(ds.md["RPC"]) > 0 {
		ds.rpc = ds.md["RPC"]
	}
	delete(ds.md, "RPC")
	delete(ds.md, "IMAGE_STRUCTURE")
	if sub != nil {
		ds.md["SUBDATASETS"] = sub
	}
	ds.noData, ds.hasNoData = parseNoData(full.ifd.NoData)

	if len(ds.ovrs) == 0 && !isRemote(ds.file) {
		if err := ds.openExternalOverviews(); err != nil {
			slog.Warn("ignoring external overviews", "location", ds.file, "error", err)
		}
	}
	ds.sortOverviews()

	if ds.update {
		for _, img := range ds.images() {
			if err := img.load(ctx); err != nil {
				return err
			}
		}
		ds.closeSources()
	}
	ds.initBands()
	return nil
}

// attachMasks binds each mask to the image of the same size
func (ds *dataset) attachMasks(masks []*image) {
	for _, m := range masks {
		for _, img := range append([]*image{ds.full}, ds.ovrs...) {
			if img.mask == nil && img.width == m.width && img.height == m.height {
				img.mask = m
				break
			}
		}
	}
}

func (ds *dataset) openExternalOverviews() error {
	name := ds.file + ".ovr"
	if _, err := os.Stat(name); err != nil {
		return nil
	}
	src, err := openSource(context.Background(), name)
	if err != nil {
		return err
	}
	tif, ifds, err := readIFDs(src)
	if err != nil {
		src.Close()
		return err
	}
	order := tif.R().ByteOrder()
	var ovrs, masks []*image
	for i, ifd := range ifds {
		img, err := ds.openImage(src, order, ifd)
		if err != nil {
			src.Close()
			return fmt.Errorf("ifd %d: %w", i, err)
		}
		switch {
		case ifd.isMask():
			masks = append(masks, img)
		case img.spp == ds.full.spp && img.dt == ds.full.dt:
			ovrs = append(ovrs, img)
		}
	}
	ds.srcs = append(ds.srcs, src)
	ds.ovrs, ds.extOvrs = ovrs, len(ovrs) > 0
	ds.attachMasks(masks)
	return nil
}

func (ds *dataset) sortOverviews() {
	sort.SliceStable(ds.ovrs, func(i, j int) bool { return ds.ovrs[i].width > ds.ovrs[j].width })
}

// images lists every image of the dataset, masks included
func (ds *dataset) images() []*image {
	var imgs []*image
	for _, img := range append([]*image{ds.full}, ds.ovrs...) {
		imgs = append(imgs, img)
		if img.mask != nil {
			imgs = append(imgs, img.mask)
		}
	}
	return imgs
}

func (ds *dataset) initBands() {
	ds.bands = make([]georaster.NativeBand, ds.nbands)
	for s := range ds.bands {
		ds.bands[s] = &band{ds: ds, img: ds.full, s: s}
	}
}

func (ds *dataset) closeSources() error {
	var errs []error
	for _, s := range ds.srcs {
		errs = append(errs, s.Close())
	}
	ds.srcs = nil
	for _, img := range ds.images() {
		img.src = nil
	}
	return errors.Join(errs...)
}

func (ds *dataset) Driver() string                { return "GTiff" }
func (ds *dataset) Location() string              { return ds.location }
func (ds *dataset) Size() (int, int)              { return ds.width, ds.height }
func (ds *dataset) Bands() []georaster.NativeBand { return ds.bands }
func (ds *dataset) Updatable() bool               { return ds.update }
func (ds *dataset) GCPs() []georaster.GCP         { return append([]georaster.GCP(nil), ds.gcps...) }

func (ds *dataset) GeoTransform() ([6]float64, bool) {
	return ds.gt, ds.hasGT
}

// Projection is empty when the georeferencing is given by GCPs
func (ds *dataset) Projection() string {
	if len(ds.gcps) > 0 {
		return ""
	}
	return ds.proj
}

func (ds *dataset) GCPProjection() string {
	if len(ds.gcps) == 0 {
		return ""
	}
	return ds.proj
}

// Metadata returns a copy of a metadata domain. IMAGE_STRUCTURE describes
// the storage of the full resolution image and RPC holds the rational
// polynomial coefficients.
func (ds *dataset) Metadata(domain string) map[string]string {
	switch domain {
	case "IMAGE_STRUCTURE":
		md := map[string]string{"INTERLEAVE": "PIXEL"}
		if ds.full.p.separate && ds.nbands > 1 {
			md["INTERLEAVE"] = "BAND"
		}
		if c := compressionName(ds.full.p.compression); c != "" {
			md["COMPRESSION"] = c
		}
		if ds.full.p.predictor > PredictorNone {
			md["PREDICTOR"] = fmt.Sprint(ds.full.p.predictor)
		}
		return md
	case "RPC":
		return copyItems(ds.rpc)
	}
	return copyItems(ds.md[domain])
}

func copyItems(items map[string]string) map[string]string {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]string, len(items))
	for k, v := range items {
		out[k] = v
	}
	return out
}

func (ds *dataset) SetGeoTransform(gt [6]float64) error {
	if !ds.update {
		return fmt.Errorf("set geotransform of %s: %w", ds.location, georaster.ErrWriteAccess)
	}
	ds.gt, ds.hasGT = gt, gt != [6]float64{}
	ds.gcps = nil
	ds.dirty = true
	return nil
}

func (ds *dataset) SetProjection(proj string) error {
	if !ds.update {
		return fmt.Errorf("set projection of %s: %w", ds.location, georaster.ErrWriteAccess)
	}
	ds.proj = proj
	ds.dirty = true
	return nil
}

// Flush writes the dataset and its external overviews when modified
func (ds *dataset) Flush(ctx context.Context) error {
	if !ds.update {
		return nil
	}
	if ds.dirty {
		levels := []*image{ds.full}
		if !ds.extOvrs {
			levels = append(levels, ds.ovrs...)
		}
		if err := ds.writeImages(ctx, ds.file, levels); err != nil {
			return err
		}
		ds.dirty = false
	}
	if ds.ovrDirty {
		if err := ds.writeImages(ctx, ds.file+".ovr", ds.ovrs); err != nil {
			return err
		}
		ds.ovrDirty = false
	}
	return nil
}

// writeImages encodes levels, the first one carrying the dataset
// georeferencing unless it is an overview, and replaces location
func (ds *dataset) writeImages(ctx context.Context, location string, levels []*image) error {
	ifds := make([]*IFD, len(levels))
	masks := make([]*IFD, len(levels))
	var size int64
	for i, img := range levels {
		img.prepare(ds.photometric, ds.extra)
		img.ifd.Colormap = ds.colormap
		if img == ds.full {
			ds.describe(img.ifd)
		} else {
			ds.full.ifd.AddOverview(img.ifd)
		}
		if err := img.encode(ctx); err != nil {
			return fmt.Errorf("encode %dx%d image: %w", img.width, img.height, err)
		}
		ifds[i] = img.ifd
		size += img.rawSize()
		if m := img.mask; m != nil {
			m.p = maskParams(img.p)
			m.prepare(PhotometricInterpretationMask, nil)
			img.ifd.AddMask(m.ifd)
			if err := m.encode(ctx); err != nil {
				return fmt.Errorf("encode %dx%d mask: %w", m.width, m.height, err)
			}
			masks[i] = m.ifd
			size += m.rawSize()
		}
	}
	bigtiff := ds.full.p.bigtiff
	w := newWriter(ifds, masks, bigtiff == "YES" || (bigtiff == "IF_SAFER" && size > 2<<30))
	return writeFile(location, func(out io.Writer) error {
		if err := w.Write(out, DefaultLayout); err != nil {
			return err
		}
		if w.bigtiff && bigtiff == "NO" {
			return fmt.Errorf("file too large for classic tiff and BIGTIFF=NO")
		}
		return nil
	})
}

// maskParams keeps the tiling of an image and stores its mask with deflate
func maskParams(p params) params {
	m := p
	m.compression, m.predictor = CompressionDeflate, PredictorNone
	m.separate, m.photometric, m.alpha = false, 0, false
	return m
}

// describe fills the georeferencing and metadata tags of the full
// resolution IFD
func (ds *dataset) describe(ifd *IFD) {
	setGeoreferencing(ifd, ds.gt, ds.hasGT, ds.gcps, ds.proj)
	md := map[string]map[string]string{}
	for d, items := range ds.md {
		if d != "SUBDATASETS" {
			md[d] = items
		}
	}
	doc, err := formatMetadata(md, ds.info)
	if err != nil {
		slog.Warn("cannot encode metadata", "location", ds.file, "error", err)
	}
	ifd.GDALMetaData = doc
	if ds.hasNoData {
		ifd.NoData = formatNoData(ds.noData)
	}
	ifd.RPCs = rpcTag(ds.rpc)
}

// writeFile writes a temporary file next to location then renames it
func writeFile(location string, fn func(io.Writer) error) error {
	tmp := location + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 1<<20)
	err = fn(bw)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", location, err)
	}
	if err := os.Rename(tmp, location); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", location, err)
	}
	return nil
}

// Close flushes datasets opened in update mode and releases the sources
func (ds *dataset) Close() error {
	var ferr error
	if ds.update {
		ferr = ds.Flush(context.Background())
	}
	cerr := ds.closeSources()
	blocks.drop(ds.id)
	return errors.Join(ferr, cerr)
}
