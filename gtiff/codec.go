package gtiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

var compressionNames = map[string]uint16{
	"NONE":     CompressionNone,
	"LZW":      CompressionLZW,
	"DEFLATE":  CompressionDeflate,
	"PACKBITS": CompressionPackBits,
	"ZSTD":     CompressionZSTD,
	"JPEG":     CompressionJPEG,
}

// compressionName returns the GDAL name of a tiff compression scheme
func compressionName(c uint16) string {
	switch c {
	case 0, CompressionNone:
		return ""
	case CompressionDeflateOld:
		return "DEFLATE"
	case CompressionJPEGOld:
		return "JPEG"
	}
	for n, v := range compressionNames {
		if v == c {
			return n
		}
	}
	return fmt.Sprintf("%d", c)
}

func parseCompression(s string) (uint16, error) {
	c, ok := compressionNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok || c == CompressionJPEG {
		return 0, fmt.Errorf("unsupported compression %q", s)
	}
	return c, nil
}

var (
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
)

// decompress inflates the raw bytes of a block
func decompress(compression uint16, raw []byte) ([]byte, error) {
	switch compression {
	case 0, CompressionNone:
		return raw, nil
	case CompressionLZW:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		return io.ReadAll(r)
	case CompressionDeflate, CompressionDeflateOld:
		r, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionPackBits:
		return unpackBits(raw)
	case CompressionZSTD:
		return zstdDecoder.DecodeAll(raw, nil)
	}
	return nil, fmt.Errorf("unsupported compression %s", compressionName(compression))
}

// compress deflates a block. rowSize is the byte length of a row, packbits
// runs never cross rows.
func compress(compression uint16, data []byte, rowSize int) ([]byte, error) {
	switch compression {
	case 0, CompressionNone:
		return data, nil
	case CompressionLZW:
		return lzwEncode(data), nil
	case CompressionDeflate, CompressionDeflateOld:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionPackBits:
		var buf bytes.Buffer
		for off := 0; off < len(data); off += rowSize {
			packBits(&buf, data[off:min(off+rowSize, len(data))])
		}
		return buf.Bytes(), nil
	case CompressionZSTD:
		return zstdEncoder.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unsupported compression %s", compressionName(compression))
}

func unpackBits(src []byte) ([]byte, error) {
	out := make([]byte, 0, 2*len(src))
	for i := 0; i < len(src); {
		n := int(int8(src[i]))
		i++
		switch {
		case n >= 0:
			if i+n+1 > len(src) {
				return nil, io.ErrUnexpectedEOF
			}
			out = append(out, src[i:i+n+1]...)
			i += n + 1
		case n != -128:
			if i >= len(src) {
				return nil, io.ErrUnexpectedEOF
			}
			for k := 0; k < 1-n; k++ {
				out = append(out, src[i])
			}
			i++
		}
	}
	return out, nil
}

func packBits(dst *bytes.Buffer, row []byte) {
	for i := 0; i < len(row); {
		j := i + 1
		for j < len(row) && j-i < 128 && row[j] == row[i] {
			j++
		}
		if j-i >= 2 {
			dst.WriteByte(byte(int8(1 - (j - i))))
			dst.WriteByte(row[i])
			i = j
			continue
		}
		j = i + 1
		for j < len(row) && j-i < 128 && !(j+1 < len(row) && row[j] == row[j+1]) {
			j++
		}
		dst.WriteByte(byte(j - i - 1))
		dst.Write(row[i:j])
		i = j
	}
}

const (
	lzwClear = 256
	lzwEOI   = 257
	lzwFirst = 258
	lzwMax   = 4094
)

// lzwEncode compresses src with the tiff flavour of LZW, where the code
// width grows one code early
func lzwEncode(src []byte) []byte {
	var (
		out   bytes.Buffer
		acc   uint32
		nbits uint
		width uint = 9
		next       = lzwFirst
		dict       = map[uint32]int{}
	)
	emit := func(code int) {
		acc = acc<<width | uint32(code)
		nbits += width
		for nbits >= 8 {
			out.WriteByte(byte(acc >> (nbits - 8)))
			nbits -= 8
		}
		acc &= 1<<nbits - 1
	}
	grow := func() {
		next++
		if next == lzwMax {
			emit(lzwClear)
			clear(dict)
			next, width = lzwFirst, 9
		} else if next > 1<<width-1 {
			width++
		}
	}

	emit(lzwClear)
	if len(src) > 0 {
		prefix := int(src[0])
		for _, c := range src[1:] {
			key := uint32(prefix)<<8 | uint32(c)
			if code, ok := dict[key]; ok {
				prefix = code
				continue
			}
			emit(prefix)
			dict[key] = next
			grow()
			prefix = int(c)
		}
		emit(prefix)
		grow()
	}
	emit(lzwEOI)
	if nbits > 0 {
		out.WriteByte(byte(acc << (8 - nbits)))
	}
	return out.Bytes()
}

// blockLayout describes the samples of a decoded block
type blockLayout struct {
	width, rows int
	// samples per pixel in the block: SamplesPerPixel when contiguous, 1 when planar
	spp        int
	sampleSize int
	// component size, half the sample size for complex types
	wordSize  int
	predictor uint16
}

func (l blockLayout) rowSize() int { return l.width * l.spp * l.sampleSize }
func (l blockLayout) size() int    { return l.rowSize() * l.rows }

// decodeBlock decompresses raw, undoes the predictor and returns the
// samples in little endian order
func decodeBlock(compression uint16, order binary.ByteOrder, l blockLayout, raw []byte) ([]byte, error) {
	data, err := decompress(compression, raw)
	if err != nil {
		return nil, err
	}
	if len(data) < l.size() {
		padded := make([]byte, l.size())
		copy(padded, data)
		data = padded
	} else if len(data) > l.size() {
		data = data[:l.size()]
	}
	if compression == 0 || compression == CompressionNone {
		data = append([]byte(nil), data...)
	}
	switch l.predictor {
	case 0, PredictorNone:
	case PredictorHorizontal:
		for r := 0; r < l.rows; r++ {
			undoHorizontal(data[r*l.rowSize():(r+1)*l.rowSize()], l.spp, l.wordSize, order)
		}
	case PredictorFloatingPoint:
		tmp := make([]byte, l.rowSize())
		for r := 0; r < l.rows; r++ {
			undoFloatingPoint(data[r*l.rowSize():(r+1)*l.rowSize()], tmp, l.spp, l.sampleSize)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported predictor %d", l.predictor)
	}
	if order != binary.LittleEndian {
		swapWords(data, l.wordSize)
	}
	return data, nil
}

// encodeBlock applies the predictor to little endian samples and compresses them
func encodeBlock(compression uint16, l blockLayout, data []byte) ([]byte, error) {
	switch l.predictor {
	case 0, PredictorNone:
	case PredictorHorizontal:
		data = append([]byte(nil), data...)
		for r := 0; r < l.rows; r++ {
			applyHorizontal(data[r*l.rowSize():(r+1)*l.rowSize()], l.spp, l.wordSize)
		}
	case PredictorFloatingPoint:
		out := make([]byte, len(data))
		for r := 0; r < l.rows; r++ {
			applyFloatingPoint(data[r*l.rowSize():(r+1)*l.rowSize()], out[r*l.rowSize():(r+1)*l.rowSize()], l.spp, l.sampleSize)
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported predictor %d", l.predictor)
	}
	return compress(compression, data, l.rowSize())
}

func swapWords(data []byte, size int) {
	if size < 2 {
		return
	}
	for i := 0; i+size <= len(data); i += size {
		for a, b := i, i+size-1; a < b; a, b = a+1, b-1 {
			data[a], data[b] = data[b], data[a]
		}
	}
}

func getWord(b []byte, size int, order binary.ByteOrder) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(order.Uint16(b))
	case 4:
		return uint64(order.Uint32(b))
	}
	return order.Uint64(b)
}

func putWord(b []byte, size int, order binary.ByteOrder, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, v)
	}
}

// undoHorizontal accumulates the differences of one row, in file byte order
func undoHorizontal(row []byte, spp, size int, order binary.ByteOrder) {
	stride := spp * size
	for i := stride; i+size <= len(row); i += size {
		putWord(row[i:], size, order, getWord(row[i:], size, order)+getWord(row[i-stride:], size, order))
	}
}

func applyHorizontal(row []byte, spp, size int) {
	stride := spp * size
	for i := len(row) - size; i >= stride; i -= size {
		putWord(row[i:], size, binary.LittleEndian, getWord(row[i:], size, binary.LittleEndian)-getWord(row[i-stride:], size, binary.LittleEndian))
	}
}

// undoFloatingPoint reverses the byte differencing then interleaves the
// byte planes of one row, most significant plane first
func undoFloatingPoint(row, tmp []byte, spp, size int) {
	for i := spp; i < len(row); i++ {
		row[i] += row[i-spp]
	}
	copy(tmp, row)
	wc := len(row) / size
	for i := 0; i < wc; i++ {
		for b := 0; b < size; b++ {
			row[size*i+b] = tmp[(size-b-1)*wc+i]
		}
	}
}

func applyFloatingPoint(row, out []byte, spp, size int) {
	wc := len(row) / size
	for i := 0; i < wc; i++ {
		for b := 0; b < size; b++ {
			out[(size-b-1)*wc+i] = row[size*i+b]
		}
	}
	for i := len(out) - 1; i >= spp; i-- {
		out[i] -= out[i-spp]
	}
}
