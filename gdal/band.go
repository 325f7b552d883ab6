package gdal

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/airbusgeo/georaster"
	"github.com/airbusgeo/godal"
)

type band struct {
	ds   *dataset
	b    godal.Band
	dt   georaster.DataType
	mask bool
}

func newBand(ds *dataset, b godal.Band, mask bool) *band {
	signed := b.Metadata("PIXELTYPE", godal.Domain("IMAGE_STRUCTURE")) == "SIGNEDBYTE"
	return &band{ds: ds, b: b, dt: dataType(b.Structure().DataType, signed), mask: mask}
}

func (b *band) DataType() georaster.DataType { return b.dt }

func (b *band) Size() (int, int) {
	st := b.b.Structure()
	return st.SizeX, st.SizeY
}

func (b *band) BlockSize() (int, int) {
	st := b.b.Structure()
	return st.BlockSizeX, st.BlockSizeY
}

func (b *band) NoData() (float64, bool) {
	if b.mask {
		return 0, false
	}
	return b.b.NoData()
}

// ScaleOffset is read from the SCALE and OFFSET band metadata items
func (b *band) ScaleOffset() (float64, float64) {
	scale, offset := 1.0, 0.0
	if v, err := strconv.ParseFloat(b.b.Metadata("SCALE"), 64); err == nil && v != 0 {
		scale = v
	}
	if v, err := strconv.ParseFloat(b.b.Metadata("OFFSET"), 64); err == nil {
		offset = v
	}
	return scale, offset
}

// ColorInterp relies on GDAL and georaster sharing the order of color interpretations
func (b *band) ColorInterp() georaster.ColorInterp {
	ci := georaster.ColorInterp(b.b.ColorInterp())
	if ci < georaster.CIUndefined || ci > georaster.CICr {
		return georaster.CIUndefined
	}
	return ci
}

func (b *band) MaskFlags() georaster.MaskFlags {
	if b.mask {
		return georaster.MaskAllValid
	}
	return georaster.MaskFlags(b.b.MaskFlags())
}

func (b *band) MaskBand() georaster.NativeBand {
	if b.mask || b.b.MaskFlags()&int(georaster.MaskAllValid) != 0 {
		return nil
	}
	return newBand(b.ds, b.b.MaskBand(), true)
}

func (b *band) Metadata(domain string) map[string]string {
	return b.b.Metadatas(godal.Domain(domain))
}

func (b *band) Overviews() []georaster.NativeBand {
	var ovrs []georaster.NativeBand
	for _, o := range b.b.Overviews() {
		ovrs = append(ovrs, newBand(b.ds, o, b.mask))
	}
	return ovrs
}

// Read lets GDAL decimate the window by nearest neighbour, then encodes the
// samples in little endian order
func (b *band) Read(ctx context.Context, x, y, w, h, bufW, bufH int, buf []byte) error {
	n := bufW * bufH
	if len(buf) < n*b.dt.Size() {
		return fmt.Errorf("buffer of %d bytes too small for %dx%d %s", len(buf), bufW, bufH, b.dt)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	typed := typedBuffer(b.dt, n, buf)
	if err := b.b.Read(x, y, typed, bufW, bufH, godal.Window(w, h)); err != nil {
		return fmt.Errorf("godal.read %s: %w", b.ds.location, err)
	}
	encode(b.dt, typed, buf)
	return nil
}

func (b *band) Write(ctx context.Context, x, y, w, h int, buf []byte) error {
	if !b.ds.update || b.mask {
		return fmt.Errorf("write to %s: %w", b.ds.location, georaster.ErrWriteAccess)
	}
	n := w * h
	if len(buf) < n*b.dt.Size() {
		return fmt.Errorf("buffer of %d bytes too small for %dx%d %s", len(buf), w, h, b.dt)
	}
	typed := typedBuffer(b.dt, n, buf)
	decode(b.dt, buf, typed)
	if err := b.b.Write(x, y, typed, w, h); err != nil {
		return fmt.Errorf("godal.write %s: %w", b.ds.location, err)
	}
	return nil
}

func (b *band) SetNoData(nodata float64) error {
	if !b.ds.update || b.mask {
		return fmt.Errorf("set nodata of %s: %w", b.ds.location, georaster.ErrWriteAccess)
	}
	return b.b.SetNoData(nodata)
}

func (b *band) Histogram(ctx context.Context, req georaster.NativeHistogram) ([]uint64, error) {
	opts := []godal.HistogramOption{godal.Intervals(req.Bins, req.Min, req.Max)}
	if req.IncludeOutOfRange {
		opts = append(opts, godal.IncludeOutOfRange())
	}
	if req.Approximate {
		opts = append(opts, godal.Approximate())
	}
	h, err := b.b.Histogram(opts...)
	if err != nil {
		return nil, fmt.Errorf("godal.histogram %s: %w", b.ds.location, err)
	}
	counts := make([]uint64, h.Len())
	for i := range counts {
		counts[i] = h.Bucket(i).Count
	}
	return counts, nil
}

// SetStatistics stores st as GDAL does, in the STATISTICS_* band metadata items
func (b *band) SetStatistics(st georaster.NativeStatistics) error {
	if b.mask {
		return nil
	}
	items := [][2]string{
		{"STATISTICS_MINIMUM", strconv.FormatFloat(st.Min, 'g', -1, 64)},
		{"STATISTICS_MAXIMUM", strconv.FormatFloat(st.Max, 'g', -1, 64)},
		{"STATISTICS_MEAN", strconv.FormatFloat(st.Mean, 'g', -1, 64)},
		{"STATISTICS_STDDEV", strconv.FormatFloat(st.StdDev, 'g', -1, 64)},
	}
	if st.Approximate {
		items = append(items, [2]string{"STATISTICS_APPROXIMATE", "YES"})
	}
	for _, kv := range items {
		if err := b.b.SetMetadata(kv[0], kv[1]); err != nil {
			return fmt.Errorf("godal.setmetadata %s: %w", kv[0], err)
		}
	}
	return nil
}

// typedBuffer returns the slice type godal reads and writes samples of dt
// through. Single byte types use buf directly.
func typedBuffer(dt georaster.DataType, n int, buf []byte) interface{} {
	switch dt {
	case georaster.UInt16:
		return make([]uint16, n)
	case georaster.Int16:
		return make([]int16, n)
	case georaster.UInt32:
		return make([]uint32, n)
	case georaster.Int32:
		return make([]int32, n)
	case georaster.Float32:
		return make([]float32, n)
	case georaster.Float64:
		return make([]float64, n)
	case georaster.CInt16, georaster.CFloat32:
		return make([]complex64, n)
	case georaster.CInt32, georaster.CFloat64:
		return make([]complex128, n)
	}
	return buf[:n]
}

// encode writes typed samples to buf as little endian samples of dt
func encode(dt georaster.DataType, typed interface{}, buf []byte) {
	le := binary.LittleEndian
	switch v := typed.(type) {
	case []uint16:
		for i, s := range v {
			le.PutUint16(buf[2*i:], s)
		}
	case []int16:
		for i, s := range v {
			le.PutUint16(buf[2*i:], uint16(s))
		}
	case []uint32:
		for i, s := range v {
			le.PutUint32(buf[4*i:], s)
		}
	case []int32:
		for i, s := range v {
			le.PutUint32(buf[4*i:], uint32(s))
		}
	case []float32:
		for i, s := range v {
			le.PutUint32(buf[4*i:], math.Float32bits(s))
		}
	case []float64:
		for i, s := range v {
			le.PutUint64(buf[8*i:], math.Float64bits(s))
		}
	case []complex64:
		for i, s := range v {
			if dt == georaster.CInt16 {
				le.PutUint16(buf[4*i:], uint16(int16(real(s))))
				le.PutUint16(buf[4*i+2:], uint16(int16(imag(s))))
				continue
			}
			le.PutUint32(buf[8*i:], math.Float32bits(real(s)))
			le.PutUint32(buf[8*i+4:], math.Float32bits(imag(s)))
		}
	case []complex128:
		for i, s := range v {
			if dt == georaster.CInt32 {
				le.PutUint32(buf[8*i:], uint32(int32(real(s))))
				le.PutUint32(buf[8*i+4:], uint32(int32(imag(s))))
				continue
			}
			le.PutUint64(buf[16*i:], math.Float64bits(real(s)))
			le.PutUint64(buf[16*i+8:], math.Float64bits(imag(s)))
		}
	}
}

// decode fills typed from the little endian samples of dt held in buf
func decode(dt georaster.DataType, buf []byte, typed interface{}) {
	le := binary.LittleEndian
	switch v := typed.(type) {
	case []uint16:
		for i := range v {
			v[i] = le.Uint16(buf[2*i:])
		}
	case []int16:
		for i := range v {
			v[i] = int16(le.Uint16(buf[2*i:]))
		}
	case []uint32:
		for i := range v {
			v[i] = le.Uint32(buf[4*i:])
		}
	case []int32:
		for i := range v {
			v[i] = int32(le.Uint32(buf[4*i:]))
		}
	case []float32:
		for i := range v {
			v[i] = math.Float32frombits(le.Uint32(buf[4*i:]))
		}
	case []float64:
		for i := range v {
			v[i] = math.Float64frombits(le.Uint64(buf[8*i:]))
		}
	case []complex64:
		for i := range v {
			if dt == georaster.CInt16 {
				v[i] = complex(float32(int16(le.Uint16(buf[4*i:]))), float32(int16(le.Uint16(buf[4*i+2:]))))
				continue
			}
			v[i] = complex(math.Float32frombits(le.Uint32(buf[8*i:])), math.Float32frombits(le.Uint32(buf[8*i+4:])))
		}
	case []complex128:
		for i := range v {
			if dt == georaster.CInt32 {
				v[i] = complex(float64(int32(le.Uint32(buf[8*i:]))), float64(int32(le.Uint32(buf[8*i+4:]))))
				continue
			}
			v[i] = complex(math.Float64frombits(le.Uint64(buf[16*i:])), math.Float64frombits(le.Uint64(buf[16*i+8:])))
		}
	}
}
