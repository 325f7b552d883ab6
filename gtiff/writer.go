package gtiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/airbusgeo/georaster/iterator"
)

const (
	TByte      = 1
	TAscii     = 2
	TShort     = 3
	TLong      = 4
	TRational  = 5
	TSByte     = 6
	TUndefined = 7
	TSShort    = 8
	TSLong     = 9
	TSRational = 10
	TFloat     = 11
	TDouble    = 12
	TLong8     = 16
	TSLong8    = 17
	TIFD8      = 18
)

// DefaultLayout writes the coarsest levels first, each tile holding all its
// planes contiguously
const DefaultLayout = "Z>T>B"

type tagData struct {
	bytes.Buffer
	Offset uint64
}

func (t *tagData) NextOffset() uint64 {
	return t.Offset + uint64(t.Buffer.Len())
}

// writer lays out a full resolution image, its overviews and their masks
// in a single file
type writer struct {
	enc       binary.ByteOrder
	bigtiff   bool
	levels    []*IFD // full resolution first, then decreasing sizes
	masks     []*IFD // mask of each level, or nil
	iterators []*iterator.Iterators
}

func newWriter(levels, masks []*IFD, bigtiff bool) *writer {
	if masks == nil {
		masks = make([]*IFD, len(levels))
	}
	return &writer{enc: binary.LittleEndian, bigtiff: bigtiff, levels: levels, masks: masks}
}

// chain returns the IFDs in file order, each level followed by its mask
func (cog *writer) chain() []*IFD {
	var ifds []*IFD
	for i, l := range cog.levels {
		ifds = append(ifds, l)
		if cog.masks[i] != nil {
			ifds = append(ifds, cog.masks[i])
		}
	}
	return ifds
}

func (cog *writer) headerSize() uint64 {
	if cog.bigtiff {
		return 16
	}
	return 8
}

func (cog *writer) writeHeader(w io.Writer) error {
	if cog.bigtiff {
		buf := [16]byte{}
		copy(buf[0:], []byte("II"))
		cog.enc.PutUint16(buf[2:], 43)
		cog.enc.PutUint16(buf[4:], 8)
		cog.enc.PutUint16(buf[6:], 0)
		cog.enc.PutUint64(buf[8:], 16)
		_, err := w.Write(buf[:])
		return err
	}
	buf := [8]byte{}
	copy(buf[0:], []byte("II"))
	cog.enc.PutUint16(buf[2:], 42)
	cog.enc.PutUint32(buf[4:], 8)
	_, err := w.Write(buf[:])
	return err
}

func (cog *writer) computeStructure() error {
	full := cog.levels[0]
	for i, ifd := range cog.levels {
		if ifd.nPlanes() != full.nPlanes() {
			return fmt.Errorf("level %d: inconsistent number of planes (%d/%d)", i, ifd.nPlanes(), full.nPlanes())
		}
		if msk := cog.masks[i]; msk != nil && (msk.ImageWidth != ifd.ImageWidth || msk.ImageLength != ifd.ImageLength) {
			return fmt.Errorf("level %d: mask size %dx%d differs from image size %dx%d", i,
				msk.ImageWidth, msk.ImageLength, ifd.ImageWidth, ifd.ImageLength)
		}
	}
	for _, ifd := range cog.chain() {
		nx, ny := ifd.nBlocks()
		if n := nx * ny * ifd.nPlanes(); len(ifd.blocks) != n {
			return fmt.Errorf("%dx%d image has %d blocks, want %d", ifd.ImageWidth, ifd.ImageLength, len(ifd.blocks), n)
		}
		ifd.newOffsets = make([]uint64, len(ifd.blocks))
		ifd.ntags, ifd.tagsSize, ifd.strileSize = ifd.structure(cog.bigtiff)
	}
	return nil
}

// computeIterator prepares the layout passes. Zoom 0 is the coarsest level
// and the mask of a level is iterated as its last band.
func (cog *writer) computeIterator(pattern string) error {
	grid := make([][2]int32, len(cog.levels))
	nbBands := 0
	for z := range grid {
		ifd := cog.levels[len(cog.levels)-1-z]
		nx, ny := ifd.nBlocks()
		grid[z] = [2]int32{int32(nx), int32(ny)}
		nb := ifd.nPlanes()
		if cog.masks[len(cog.levels)-1-z] != nil {
			nb++
		}
		nbBands = max(nbBands, nb)
	}
	var err error
	cog.iterators, err = iterator.InitIterators(pattern, nbBands, grid)
	return err
}

type tile struct {
	ifd *IFD
	idx int
}

// tiles returns every block in write order. Blocks not visited by the
// layout passes are appended in file order.
func (cog *writer) tiles() ([]tile, error) {
	seen := map[*IFD][]bool{}
	for _, ifd := range cog.chain() {
		seen[ifd] = make([]bool, len(ifd.blocks))
	}
	var tiles []tile
	for _, it := range cog.iterators {
		err := it.Walk(func(z int, x, y int32, b int) error {
			l := len(cog.levels) - 1 - z
			ifd, plane := cog.levels[l], b
			if b >= ifd.nPlanes() {
				if b > ifd.nPlanes() || cog.masks[l] == nil {
					return nil
				}
				ifd, plane = cog.masks[l], 0
			}
			nx, ny := ifd.nBlocks()
			if int(x) >= nx || int(y) >= ny {
				return nil
			}
			idx := ifd.blockIdx(int(x), int(y), plane)
			if !seen[ifd][idx] {
				seen[ifd][idx] = true
				tiles = append(tiles, tile{ifd, idx})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	for _, ifd := range cog.chain() {
		for idx, ok := range seen[ifd] {
			if !ok {
				tiles = append(tiles, tile{ifd, idx})
			}
		}
	}
	return tiles, nil
}

// computeImageryOffsets assigns the offset of every block, switching to
// bigtiff when a classic tiff cannot address the data
func (cog *writer) computeImageryOffsets(pattern string) ([]tile, error) {
	if err := cog.computeStructure(); err != nil {
		return nil, err
	}
	if err := cog.computeIterator(pattern); err != nil {
		return nil, err
	}

	//offset to start of image data
	dataOffset := cog.headerSize()
	for _, ifd := range cog.chain() {
		dataOffset += ifd.tagsSize + ifd.strileSize
	}

	tiles, err := cog.tiles()
	if err != nil {
		return nil, err
	}
	for _, t := range tiles {
		cnt := uint64(len(t.ifd.blocks[t.idx]))
		if cnt == 0 {
			t.ifd.newOffsets[t.idx] = 0
			continue
		}
		if !cog.bigtiff && dataOffset+cnt > math.MaxUint32 {
			cog.bigtiff = true
			return cog.computeImageryOffsets(pattern)
		}
		t.ifd.newOffsets[t.idx] = dataOffset
		dataOffset += cnt
	}
	return tiles, nil
}

// Write encodes the whole file to out, blocks ordered by pattern
func (cog *writer) Write(out io.Writer, pattern string) error {
	tiles, err := cog.computeImageryOffsets(pattern)
	if err != nil {
		return err
	}
	chain := cog.chain()

	//striles are placed after all ifds
	strileData := &tagData{Offset: cog.headerSize()}
	for _, ifd := range chain {
		strileData.Offset += ifd.tagsSize
	}

	if err := cog.writeHeader(out); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	off := cog.headerSize()
	for i, ifd := range chain {
		next := uint64(0)
		if i != len(chain)-1 {
			next = off + ifd.tagsSize
		}
		if err := cog.writeIFD(out, ifd, off, strileData, next); err != nil {
			return fmt.Errorf("write ifd %d: %w", i, err)
		}
		off += ifd.tagsSize
	}
	if _, err := out.Write(strileData.Bytes()); err != nil {
		return fmt.Errorf("write striles: %w", err)
	}
	for _, t := range tiles {
		if _, err := out.Write(t.ifd.blocks[t.idx]); err != nil {
			return fmt.Errorf("write block %d: %w", t.idx, err)
		}
	}
	return nil
}

func (cog *writer) writeIFD(w io.Writer, ifd *IFD, offset uint64, striledata *tagData, next uint64) error {
	var err error
	// Make space for "pointer area" containing IFD entry data
	// longer than 4 bytes.
	overflow := &tagData{
		Offset: offset + 8 + 20*ifd.ntags + 8,
	}
	if !cog.bigtiff {
		overflow.Offset = offset + 2 + 12*ifd.ntags + 4
	}

	if cog.bigtiff {
		err = binary.Write(w, cog.enc, ifd.ntags)
	} else {
		err = binary.Write(w, cog.enc, uint16(ifd.ntags))
	}
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, f := range ifd.fields() {
		dst := overflow
		if f.strile {
			dst = striledata
		}
		if err := cog.writeArray(w, f.tag, f.data, dst); err != nil {
			return fmt.Errorf("write tag %d: %w", f.tag, err)
		}
	}

	if cog.bigtiff {
		err = binary.Write(w, cog.enc, next)
	} else {
		err = binary.Write(w, cog.enc, uint32(next))
	}
	if err != nil {
		return fmt.Errorf("write next: %w", err)
	}
	_, err = w.Write(overflow.Bytes())
	if err != nil {
		return fmt.Errorf("write parea: %w", err)
	}
	return nil
}

// writeArray writes one IFD entry. Values that do not fit in the entry are
// appended to tags and referenced by offset.
func (cog *writer) writeArray(w io.Writer, tag uint16, data interface{}, tags *tagData) error {
	typ, count, buf := encodeField(cog.enc, data, cog.bigtiff)
	var entry []byte
	if cog.bigtiff {
		entry = make([]byte, 20)
		cog.enc.PutUint16(entry[0:], tag)
		cog.enc.PutUint16(entry[2:], typ)
		cog.enc.PutUint64(entry[4:], count)
		if len(buf) <= 8 {
			copy(entry[12:], buf)
		} else {
			cog.enc.PutUint64(entry[12:], tags.NextOffset())
			tags.Write(buf)
			if len(buf)%2 == 1 {
				tags.WriteByte(0)
			}
		}
	} else {
		entry = make([]byte, 12)
		cog.enc.PutUint16(entry[0:], tag)
		cog.enc.PutUint16(entry[2:], typ)
		cog.enc.PutUint32(entry[4:], uint32(count))
		if len(buf) <= 4 {
			copy(entry[8:], buf)
		} else {
			off := tags.NextOffset()
			if off > math.MaxUint32 {
				return fmt.Errorf("offset %d overflows tiff capacity, use bigtiff", off)
			}
			cog.enc.PutUint32(entry[8:], uint32(off))
			tags.Write(buf)
			if len(buf)%2 == 1 {
				tags.WriteByte(0)
			}
		}
	}
	_, err := w.Write(entry)
	return err
}

// arrayFieldSize is the size of the entry of data plus the size of its
// out of line values
func arrayFieldSize(data interface{}, bigtiff bool) uint64 {
	_, _, buf := encodeField(binary.LittleEndian, data, bigtiff)
	entry, inline := uint64(12), 4
	if bigtiff {
		entry, inline = 20, 8
	}
	if len(buf) <= inline {
		return entry
	}
	return entry + uint64(len(buf)+len(buf)%2)
}

// encodeField returns the tiff type, the value count and the encoded values of data
func encodeField(enc binary.ByteOrder, data interface{}, bigtiff bool) (uint16, uint64, []byte) {
	switch d := data.(type) {
	case uint16:
		return encodeField(enc, []uint16{d}, bigtiff)
	case uint32:
		return encodeField(enc, []uint32{d}, bigtiff)
	case []uint16:
		buf := make([]byte, 2*len(d))
		for i, v := range d {
			enc.PutUint16(buf[2*i:], v)
		}
		return TShort, uint64(len(d)), buf
	case []uint32:
		buf := make([]byte, 4*len(d))
		for i, v := range d {
			enc.PutUint32(buf[4*i:], v)
		}
		return TLong, uint64(len(d)), buf
	case []uint64:
		if !bigtiff {
			d32 := make([]uint32, len(d))
			for i, v := range d {
				d32[i] = uint32(v)
			}
			return encodeField(enc, d32, bigtiff)
		}
		buf := make([]byte, 8*len(d))
		for i, v := range d {
			enc.PutUint64(buf[8*i:], v)
		}
		return TLong8, uint64(len(d)), buf
	case []float64:
		buf := make([]byte, 8*len(d))
		for i, v := range d {
			enc.PutUint64(buf[8*i:], math.Float64bits(v))
		}
		return TDouble, uint64(len(d)), buf
	case []byte:
		return TUndefined, uint64(len(d)), d
	case string:
		buf := append([]byte(d), 0)
		return TAscii, uint64(len(buf)), buf
	}
	panic(fmt.Sprintf("unsupported tiff field type %T", data))
}
