package mem

import (
	"context"
	"fmt"
	"strconv"

	"github.com/airbusgeo/georaster"
)

type band struct {
	ds   *dataset
	b    *Band
	mask bool
}

func (b *band) DataType() georaster.DataType             { return b.b.Type }
func (b *band) Size() (int, int)                         { return b.b.Width, b.b.Height }
func (b *band) BlockSize() (int, int)                    { return b.b.BlockWidth, b.b.BlockHeight }
func (b *band) ScaleOffset() (float64, float64)          { return b.b.Scale, b.b.Offset }
func (b *band) ColorInterp() georaster.ColorInterp       { return b.b.ColorInterp }
func (b *band) Metadata(domain string) map[string]string { return copyDomain(b.b.Metadata, domain) }

func (b *band) NoData() (float64, bool) {
	return b.b.NoData, b.b.HasNoData
}

func (b *band) MaskFlags() georaster.MaskFlags {
	switch {
	case b.mask:
		return georaster.MaskAllValid
	case b.b.Mask != nil:
		return 0
	case b.ds.r.Mask != nil:
		return georaster.MaskPerDataset
	case b.b.HasNoData:
		return georaster.MaskNoData
	}
	return georaster.MaskAllValid
}

func (b *band) MaskBand() georaster.NativeBand {
	switch {
	case b.mask:
		return nil
	case b.b.Mask != nil:
		return &band{ds: b.ds, b: b.b.Mask, mask: true}
	case b.ds.r.Mask != nil:
		return &band{ds: b.ds, b: b.ds.r.Mask, mask: true}
	}
	return nil
}

func (b *band) Overviews() []georaster.NativeBand {
	ovrs := make([]georaster.NativeBand, 0, len(b.b.Overviews))
	for _, o := range b.b.Overviews {
		ovrs = append(ovrs, &band{ds: b.ds, b: o, mask: b.mask})
	}
	return ovrs
}

func (b *band) checkWindow(x, y, w, h int) error {
	if x < 0 || y < 0 || w <= 0 || h <= 0 || x+w > b.b.Width || y+h > b.b.Height {
		return fmt.Errorf("window %d,%d %dx%d outside of %dx%d band", x, y, w, h, b.b.Width, b.b.Height)
	}
	return nil
}

// Read decimates by nearest neighbour, from the best overview when the
// buffer is smaller than the window.
func (b *band) Read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error {
	if err := b.checkWindow(x, y, w, h); err != nil {
		return err
	}
	dt := b.b.Type
	sz := dt.Size()
	if len(buf) < bufW*bufH*sz {
		return fmt.Errorf("buffer of %d bytes too small for %dx%d %s", len(buf), bufW, bufH, dt)
	}
	if ovr, ok := georaster.BestOverview(b, w, h, bufW, bufH); ok {
		return georaster.ReadFromOverview(ctx, b, ovr, x, y, w, h, bufW, bufH, buf)
	}
	return b.read(ctx, x, y, w, h, bufW, bufH, buf)
}

func (b *band) read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error {
	sz := b.b.Type.Size()
	for row := 0; row < bufH; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sy := y + georaster.DecimatedIndex(row, h, bufH)
		if bufW == w {
			src := (sy*b.b.Width + x) * sz
			copy(buf[row*bufW*sz:(row+1)*bufW*sz], b.b.Data[src:src+w*sz])
			continue
		}
		for col := 0; col < bufW; col++ {
			sx := x + georaster.DecimatedIndex(col, w, bufW)
			src := (sy*b.b.Width + sx) * sz
			dst := (row*bufW + col) * sz
			copy(buf[dst:dst+sz], b.b.Data[src:src+sz])
		}
	}
	return nil
}

func (b *band) Write(ctx context.Context, x, y, w, h int, buf []byte) error {
	if !b.ds.update {
		return fmt.Errorf("write to %s: read only", b.ds.location)
	}
	if err := b.checkWindow(x, y, w, h); err != nil {
		return err
	}
	sz := b.b.Type.Size()
	if len(buf) < w*h*sz {
		return fmt.Errorf("buffer of %d bytes too small for %dx%d %s", len(buf), w, h, b.b.Type)
	}
	for row := 0; row < h; row++ {
		dst := ((y+row)*b.b.Width + x) * sz
		copy(b.b.Data[dst:dst+w*sz], buf[row*w*sz:(row+1)*w*sz])
	}
	b.invalidate()
	return nil
}

// invalidate drops statistics persisted before a write
func (b *band) invalidate() {
	if md := b.b.Metadata[""]; md != nil {
		for _, k := range []string{"STATISTICS_MINIMUM", "STATISTICS_MAXIMUM", "STATISTICS_MEAN", "STATISTICS_STDDEV", "STATISTICS_APPROXIMATE"} {
			delete(md, k)
		}
	}
	b.b.Histogram = nil
}

func (b *band) SetNoData(nodata float64) error {
	if !b.ds.update {
		return fmt.Errorf("set nodata of %s: read only", b.ds.location)
	}
	b.b.NoData, b.b.HasNoData = nodata, true
	b.invalidate()
	return nil
}

func (b *band) ComputeStatistics(ctx context.Context, approx bool) (georaster.NativeStatistics, error) {
	st, err := georaster.ScanStatistics(ctx, b, approx)
	if err != nil {
		return st, err
	}
	return st, b.SetStatistics(st)
}

// SetStatistics persists st in the STATISTICS_* items of the band metadata
func (b *band) SetStatistics(st georaster.NativeStatistics) error {
	md := b.b.Metadata[""]
	if md == nil {
		md = map[string]string{}
		b.b.Metadata[""] = md
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	md["STATISTICS_MINIMUM"] = f(st.Min)
	md["STATISTICS_MAXIMUM"] = f(st.Max)
	md["STATISTICS_MEAN"] = f(st.Mean)
	md["STATISTICS_STDDEV"] = f(st.StdDev)
	if st.Approximate {
		md["STATISTICS_APPROXIMATE"] = "YES"
	} else {
		delete(md, "STATISTICS_APPROXIMATE")
	}
	return nil
}

func (b *band) Histogram(ctx context.Context, req georaster.NativeHistogram) ([]uint64, error) {
	return georaster.ScanHistogram(ctx, b, req)
}

func (b *band) DefaultHistogram() (float64, float64, []uint64, bool) {
	h := b.b.Histogram
	if h == nil {
		return 0, 0, nil, false
	}
	return h.Min, h.Max, append([]uint64(nil), h.Counts...), true
}
