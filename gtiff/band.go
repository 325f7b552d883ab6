package gtiff

import (
	"context"
	"fmt"

	"github.com/airbusgeo/georaster"
)

// band is sample s of an image, or the mask of an image
type band struct {
	ds   *dataset
	img  *image
	s    int
	mask bool
}

func (b *band) DataType() georaster.DataType { return b.img.dt }
func (b *band) Size() (int, int)             { return b.img.width, b.img.height }
func (b *band) BlockSize() (int, int)        { return b.img.bw, b.img.bh }

func (b *band) NoData() (float64, bool) {
	if b.mask {
		return 0, false
	}
	return b.ds.noData, b.ds.hasNoData
}

func (b *band) ScaleOffset() (float64, float64) {
	if b.mask {
		return 1, 0
	}
	return b.ds.info[b.s].scale, b.ds.info[b.s].offset
}

func (b *band) ColorInterp() georaster.ColorInterp {
	if b.mask {
		return georaster.CIUndefined
	}
	return b.ds.colorInterp(b.s)
}

// colorInterp derives the role of sample s from the photometric
// interpretation and the extra samples
func (ds *dataset) colorInterp(s int) georaster.ColorInterp {
	base := 1
	switch ds.photometric {
	case PhotometricInterpretationRGB:
		if s < 3 {
			return georaster.CIRed + georaster.ColorInterp(s)
		}
		base = 3
	case PhotometricInterpretationYCbCr:
		if s < 3 {
			return georaster.CIY + georaster.ColorInterp(s)
		}
		base = 3
	case PhotometricInterpretationSeparated:
		if s < 4 {
			return georaster.CICyan + georaster.ColorInterp(s)
		}
		base = 4
	case PhotometricInterpretationPalette:
		if s == 0 {
			return georaster.CIPalette
		}
	case PhotometricInterpretationMinIsBlack, PhotometricInterpretationMinIsWhite:
		if s == 0 {
			return georaster.CIGray
		}
	}
	if e := s - base; e >= 0 && e < len(ds.extra) &&
		(ds.extra[e] == ExtraSamplesAssocAlpha || ds.extra[e] == ExtraSamplesUnassAlpha) {
		return georaster.CIAlpha
	}
	return georaster.CIUndefined
}

// alphaBand returns the index of the alpha sample, or -1
func (ds *dataset) alphaBand() int {
	for s := 0; s < ds.nbands; s++ {
		if ds.colorInterp(s) == georaster.CIAlpha {
			return s
		}
	}
	return -1
}

func (b *band) MaskFlags() georaster.MaskFlags {
	if b.mask {
		return georaster.MaskAllValid
	}
	if b.img.mask != nil {
		return georaster.MaskPerDataset
	}
	switch a := b.ds.alphaBand(); {
	case a == b.s:
		return georaster.MaskAllValid
	case a >= 0:
		return georaster.MaskAlpha | georaster.MaskPerDataset
	}
	if b.ds.hasNoData {
		return georaster.MaskNoData
	}
	return georaster.MaskAllValid
}

func (b *band) MaskBand() georaster.NativeBand {
	if b.mask {
		return nil
	}
	if b.img.mask != nil {
		return &band{ds: b.ds, img: b.img.mask, mask: true}
	}
	if a := b.ds.alphaBand(); a >= 0 && a != b.s {
		return &band{ds: b.ds, img: b.img, s: a}
	}
	return nil
}

func (b *band) Metadata(domain string) map[string]string {
	if b.mask {
		return nil
	}
	return copyItems(b.ds.info[b.s].items[domain])
}

// Overviews are only listed on full resolution bands
func (b *band) Overviews() []georaster.NativeBand {
	if b.img != b.ds.full && !(b.mask && b.img == b.ds.full.mask) {
		return nil
	}
	var ovrs []georaster.NativeBand
	for _, o := range b.ds.ovrs {
		switch {
		case !b.mask:
			ovrs = append(ovrs, &band{ds: b.ds, img: o, s: b.s})
		case o.mask != nil:
			ovrs = append(ovrs, &band{ds: b.ds, img: o.mask, mask: true})
		}
	}
	return ovrs
}

func (b *band) checkWindow(x, y, w, h int) error {
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > b.img.width || y+h > b.img.height {
		return fmt.Errorf("window %d,%d %dx%d outside of %dx%d band", x, y, w, h, b.img.width, b.img.height)
	}
	return nil
}

// Read decimates by nearest neighbour, from the best overview when the
// buffer is smaller than the window
func (b *band) Read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error {
	if err := b.checkWindow(x, y, w, h); err != nil {
		return err
	}
	if len(buf) < bufW*bufH*b.img.dt.Size() {
		return fmt.Errorf("buffer of %d bytes too small for %dx%d %s", len(buf), bufW, bufH, b.img.dt)
	}
	if ovr, ok := georaster.BestOverview(b, w, h, bufW, bufH); ok {
		return georaster.ReadFromOverview(ctx, b, ovr, x, y, w, h, bufW, bufH, buf)
	}
	return b.img.read(ctx, b.s, x, y, w, h, bufW, bufH, buf)
}

func (b *band) Write(ctx context.Context, x, y, w, h int, buf []byte) error {
	if !b.ds.update || b.mask {
		return fmt.Errorf("write to %s: %w", b.ds.location, georaster.ErrWriteAccess)
	}
	if err := b.checkWindow(x, y, w, h); err != nil {
		return err
	}
	if len(buf) < w*h*b.img.dt.Size() {
		return fmt.Errorf("buffer of %d bytes too small for %dx%d %s", len(buf), w, h, b.img.dt)
	}
	b.img.write(b.s, x, y, w, h, buf)
	b.invalidate()
	return nil
}

var statisticsKeys = []string{"STATISTICS_MINIMUM", "STATISTICS_MAXIMUM", "STATISTICS_MEAN", "STATISTICS_STDDEV", "STATISTICS_APPROXIMATE"}

// invalidate drops statistics persisted before a write
func (b *band) invalidate() {
	for _, k := range statisticsKeys {
		delete(b.ds.info[b.s].items[""], k)
	}
	b.ds.dirty = true
}

// SetNoData sets the no-data value shared by every band of the dataset
func (b *band) SetNoData(nodata float64) error {
	if !b.ds.update || b.mask {
		return fmt.Errorf("set nodata of %s: %w", b.ds.location, georaster.ErrWriteAccess)
	}
	b.ds.noData, b.ds.hasNoData = nodata, true
	for s := range b.ds.info {
		for _, k := range statisticsKeys {
			delete(b.ds.info[s].items[""], k)
		}
	}
	b.ds.dirty = true
	return nil
}

func (b *band) ComputeStatistics(ctx context.Context, approx bool) (georaster.NativeStatistics, error) {
	st, err := georaster.ScanStatistics(ctx, b, approx)
	if err != nil {
		return st, err
	}
	return st, b.SetStatistics(st)
}

// SetStatistics stores st in the band metadata. It is persisted in the
// GDAL_METADATA tag by datasets opened in update mode.
func (b *band) SetStatistics(st georaster.NativeStatistics) error {
	if b.mask {
		return nil
	}
	md := b.ds.info[b.s].domain("")
	md["STATISTICS_MINIMUM"] = formatFloat(st.Min)
	md["STATISTICS_MAXIMUM"] = formatFloat(st.Max)
	md["STATISTICS_MEAN"] = formatFloat(st.Mean)
	md["STATISTICS_STDDEV"] = formatFloat(st.StdDev)
	if st.Approximate {
		md["STATISTICS_APPROXIMATE"] = "YES"
	} else {
		delete(md, "STATISTICS_APPROXIMATE")
	}
	if b.ds.update {
		b.ds.dirty = true
	}
	return nil
}

func (b *band) Histogram(ctx context.Context, req georaster.NativeHistogram) ([]uint64, error) {
	return georaster.ScanHistogram(ctx, b, req)
}

// fullRes reads a band at full resolution only
type fullRes struct {
	*band
}

func (fullRes) Overviews() []georaster.NativeBand { return nil }

func (f fullRes) Read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error {
	if err := f.checkWindow(x, y, w, h); err != nil {
		return err
	}
	return f.img.read(ctx, f.s, x, y, w, h, bufW, bufH, buf)
}
