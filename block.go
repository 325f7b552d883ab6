package georaster

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// noDataEpsilon is the absolute tolerance of no-data comparisons
const noDataEpsilon = 4 * 2.220446049250313e-16

// Block is a width x height grid of samples of one band, row major. Cells
// are no-data when they hold NoData (if HasNoData) or when they have been
// flagged individually.
type Block struct {
	Type          DataType
	Width, Height int
	// Data holds little endian samples of Type
	Data      []byte
	NoData    float64
	HasNoData bool

	flags []bool
}

// NewBlock allocates a zeroed block
func NewBlock(dt DataType, width, height int) *Block {
	return &Block{
		Type:   dt,
		Width:  width,
		Height: height,
		Data:   make([]byte, width*height*dt.Size()),
	}
}

func (b *Block) Len() int {
	return b.Width * b.Height
}

// SetNoDataValue declares the value written in no-data cells
func (b *Block) SetNoDataValue(v float64) {
	b.NoData = b.Type.RepresentableValue(v)
	b.HasNoData = true
}

// Value returns the sample at index i
func (b *Block) Value(i int) float64 {
	return b.Type.Sample(b.Data, i)
}

// At returns the sample at row, col
func (b *Block) At(row, col int) float64 {
	return b.Value(row*b.Width + col)
}

func (b *Block) SetValue(i int, v float64) {
	b.Type.SetSample(b.Data, i, v)
	if b.flags != nil {
		b.flags[i] = false
	}
}

func (b *Block) isNoDataValue(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return math.Abs(v-b.NoData) <= noDataEpsilon
}

// IsNoData reports whether cell i holds no valid measurement
func (b *Block) IsNoData(i int) bool {
	if b.flags != nil && b.flags[i] {
		return true
	}
	return b.HasNoData && b.isNoDataValue(b.Value(i))
}

// SetIsNoData flags cell i as no-data
func (b *Block) SetIsNoData(i int) {
	if b.HasNoData {
		b.Type.SetSample(b.Data, i, b.NoData)
		return
	}
	if b.flags == nil {
		b.flags = make([]bool, b.Len())
	}
	b.Type.SetSample(b.Data, i, 0)
	b.flags[i] = true
}

// SetIsNoDataAll flags every cell as no-data
func (b *Block) SetIsNoDataAll() {
	if b.HasNoData {
		b.Type.Fill(b.Data, b.Len(), b.NoData)
		return
	}
	clear(b.Data)
	if b.flags == nil {
		b.flags = make([]bool, b.Len())
	}
	for i := range b.flags {
		b.flags[i] = true
	}
}

// setIsNoDataExcept flags every cell outside r as no-data
func (b *Block) setIsNoDataExcept(r pixelRect) {
	for row := 0; row < b.Height; row++ {
		inRow := row >= r.top && row <= r.bottom
		for col := 0; col < b.Width; col++ {
			if inRow && col >= r.left && col <= r.right {
				continue
			}
			b.SetIsNoData(row*b.Width + col)
		}
	}
}

// Float64s returns the samples as float64, NaN for no-data cells
func (b *Block) Float64s() []float64 {
	out := make([]float64, b.Len())
	for i := range out {
		if b.IsNoData(i) {
			out[i] = math.NaN()
			continue
		}
		out[i] = b.Value(i)
	}
	return out
}

// pixelRect is an inclusive rectangle of cells
type pixelRect struct {
	left, top, right, bottom int
}

func (r pixelRect) width() int  { return r.right - r.left + 1 }
func (r pixelRect) height() int { return r.bottom - r.top + 1 }

// subRect returns the cells of a width x height grid over extent covered by sub
func subRect(extent orb.Bound, width, height int, sub orb.Bound) pixelRect {
	xRes := boundWidth(extent) / float64(width)
	yRes := boundHeight(extent) / float64(height)
	r := pixelRect{left: 0, top: 0, right: width - 1, bottom: height - 1}
	if sub.Max[1] < extent.Max[1] {
		r.top = int(math.Round((extent.Max[1] - sub.Max[1]) / yRes))
	}
	if sub.Min[1] > extent.Min[1] {
		r.bottom = int(math.Round((extent.Max[1]-sub.Min[1])/yRes)) - 1
	}
	if sub.Min[0] > extent.Min[0] {
		r.left = int(math.Round((sub.Min[0] - extent.Min[0]) / xRes))
	}
	if sub.Max[0] < extent.Max[0] {
		r.right = int(math.Round((sub.Max[0]-extent.Min[0])/xRes)) - 1
	}
	return r
}

// ReadBlock returns exactly width x height samples of band n covering extent.
// Samples come from the nearest native pixel of each cell center; cells
// outside the dataset extent are no-data. Scale and offset are applied and
// user no-data ranges are honored.
func (d *Dataset) ReadBlock(ctx context.Context, n int, extent orb.Bound, width, height int) (*Block, error) {
	b, err := d.band(n)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 || emptyBound(extent) {
		return nil, fmt.Errorf("read block %dx%d over %s: invalid request", width, height, formatBound(extent))
	}
	if int64(width)*int64(height)*int64(b.dataType.Size()) > d.opts.MaxBlockBytes {
		return nil, fmt.Errorf("read block %dx%d: %w", width, height, ErrBlockAllocation)
	}
	blk := NewBlock(b.dataType, width, height)
	if b.srcHasNoData && b.useSrcNoData {
		blk.SetNoDataValue(b.srcNoData)
	}

	inter, ok := intersect(extent, d.extent)
	if !ok {
		blk.SetIsNoDataAll()
		return blk, nil
	}
	sub := subRect(extent, width, height, inter)
	if sub.width() <= 0 || sub.height() <= 0 {
		blk.SetIsNoDataAll()
		return blk, nil
	}
	if !containsBound(d.extent, extent) {
		blk.setIsNoDataExcept(sub)
	}

	if err := d.readBlock(ctx, b, blk, extent, inter, sub); err != nil {
		return nil, err
	}

	if b.scaled() {
		for i := 0; i < blk.Len(); i++ {
			if blk.IsNoData(i) {
				continue
			}
			blk.SetValue(i, blk.Value(i)*b.scale+b.offset)
		}
	}
	if len(b.userNoData) > 0 {
		for i := 0; i < blk.Len(); i++ {
			if !blk.IsNoData(i) && rangesContain(b.userNoData, blk.Value(i)) {
				blk.SetIsNoData(i)
			}
		}
	}
	return blk, nil
}

// readBlock fills the cells of sub with native samples. The source window
// covering inter is read at a resolution close to the requested one, then
// every cell center is mapped to the nearest sample of that window.
func (d *Dataset) readBlock(ctx context.Context, b *band, blk *Block, extent, inter orb.Bound, sub pixelRect) error {
	xRes := boundWidth(extent) / float64(blk.Width)
	yRes := boundHeight(extent) / float64(blk.Height)
	srcXRes := d.gt[1]
	srcYRes := d.gt[5]
	ext := d.extent

	srcLeft, srcTop := 0, 0
	srcRight, srcBottom := d.width-1, d.height-1
	if ext.Min[0] < inter.Min[0] {
		srcLeft = int(math.Floor((inter.Min[0] - ext.Min[0]) / srcXRes))
	}
	if ext.Max[0] > inter.Max[0] {
		srcRight = int(math.Floor((inter.Max[0] - ext.Min[0]) / srcXRes))
	}
	if ext.Max[1] > inter.Max[1] {
		srcTop = int(math.Floor(-1 * (ext.Max[1] - inter.Max[1]) / srcYRes))
	}
	if ext.Min[1] < inter.Min[1] {
		srcBottom = int(math.Floor(-1 * (ext.Max[1] - inter.Min[1]) / srcYRes))
	}
	srcLeft = clampInt(srcLeft, 0, d.width-1)
	srcRight = clampInt(srcRight, srcLeft, d.width-1)
	srcTop = clampInt(srcTop, 0, d.height-1)
	srcBottom = clampInt(srcBottom, srcTop, d.height-1)
	srcWidth := srcRight - srcLeft + 1
	srcHeight := srcBottom - srcTop + 1

	tmpWidth, tmpHeight := srcWidth, srcHeight
	if xRes > srcXRes {
		tmpWidth = int(math.Round(float64(srcWidth) * srcXRes / xRes))
	}
	if yRes > math.Abs(srcYRes) {
		tmpHeight = int(math.Round(-1 * float64(srcHeight) * srcYRes / yRes))
	}
	tmpWidth = max(tmpWidth, 1)
	tmpHeight = max(tmpHeight, 1)

	srcType := b.srcType
	if int64(tmpWidth)*int64(tmpHeight)*int64(srcType.Size()) > d.opts.MaxBlockBytes {
		return fmt.Errorf("read %dx%d window of band %s: %w", tmpWidth, tmpHeight, srcType, ErrBlockAllocation)
	}
	tmp := make([]byte, tmpWidth*tmpHeight*srcType.Size())

	tmpXMin := ext.Min[0] + float64(srcLeft)*srcXRes
	tmpYMax := ext.Max[1] + float64(srcTop)*srcYRes
	tmpXRes := float64(srcWidth) * srcXRes / float64(tmpWidth)
	tmpYRes := float64(srcHeight) * srcYRes / float64(tmpHeight)

	if err := b.native.Read(ctx, srcLeft, srcTop, srcWidth, srcHeight, tmpWidth, tmpHeight, tmp); err != nil {
		d.logger.Warn("block read failed", "window", []int{srcLeft, srcTop, srcWidth, srcHeight}, "error", err)
		return ioError("read block", err)
	}

	sameType := srcType == blk.Type
	sz := srcType.Size()
	y := inter.Max[1] - 0.5*yRes
	for row := 0; row < sub.height(); row++ {
		tmpRow := clampInt(int(math.Floor(-1*(tmpYMax-y)/tmpYRes)), 0, tmpHeight-1)
		tmpRowOff := tmpRow * tmpWidth

		x := (inter.Min[0] + 0.5*xRes - tmpXMin) / tmpXRes
		increment := xRes / tmpXRes
		dst := (sub.top+row)*blk.Width + sub.left
		for col := 0; col < sub.width(); col++ {
			tmpCol := clampInt(int(x), 0, tmpWidth-1)
			si := tmpRowOff + tmpCol
			if sameType {
				copy(blk.Data[(dst+col)*sz:(dst+col+1)*sz], tmp[si*sz:(si+1)*sz])
			} else {
				blk.Type.SetSample(blk.Data, dst+col, srcType.Sample(tmp, si))
			}
			x += increment
		}
		y -= yRes
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Identify returns the value of every band at point. The cell containing the
// point is taken on the width x height grid over bbox; a zero bbox selects the
// dataset extent and zero sizes its native size. Bands map to nil where the
// value is no-data and every band maps to nil outside the dataset extent.
func (d *Dataset) Identify(ctx context.Context, point orb.Point, bbox orb.Bound, width, height int) (map[int]*float64, error) {
	if !d.valid {
		return nil, ErrInvalidDataset
	}
	results := make(map[int]*float64, len(d.bands))
	if !d.extent.Contains(point) {
		for i := range d.bands {
			results[i+1] = nil
		}
		return results, nil
	}
	final := bbox
	if emptyBound(final) {
		final = d.extent
	}
	if width <= 0 {
		width = d.width
	}
	if height <= 0 {
		height = d.height
	}
	xres := boundWidth(final) / float64(width)
	yres := boundHeight(final) / float64(height)
	col := math.Floor((point[0] - final.Min[0]) / xres)
	row := math.Floor((final.Max[1] - point[1]) / yres)
	xMin := final.Min[0] + col*xres
	yMax := final.Max[1] - row*yres
	cell := orb.Bound{Min: orb.Point{xMin, yMax - yres}, Max: orb.Point{xMin + xres, yMax}}

	for i, b := range d.bands {
		blk, err := d.ReadBlock(ctx, i+1, cell, 1, 1)
		if err != nil {
			return nil, fmt.Errorf("identify band %d: %w", i+1, err)
		}
		if blk.IsNoData(0) {
			results[i+1] = nil
			continue
		}
		v := blk.Value(0)
		if b.srcType == Float32 {
			v = float64(float32(v))
		}
		results[i+1] = &v
	}
	return results, nil
}
