package gtiff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/airbusgeo/georaster"
)

// image is one full resolution image, overview or mask. Its samples are
// either read lazily from src or held in planes, one plane per sample.
type image struct {
	ds    *dataset
	src   source
	order binary.ByteOrder
	seq   int
	ifd   *IFD
	p     params

	width, height int
	bw, bh        int
	spp           int
	dt            georaster.DataType
	// bit1 is set on 1 bit masks, expanded to 0/255 bytes when decoded
	bit1 bool
	mask *image

	planes [][]byte
}

// openImage describes the image of ifd stored in src
func (ds *dataset) openImage(src source, order binary.ByteOrder, ifd *IFD) (*image, error) {
	img := &image{
		ds:     ds,
		src:    src,
		order:  order,
		seq:    ds.nextSeq(),
		ifd:    ifd,
		p:      paramsOf(ifd),
		width:  int(ifd.ImageWidth),
		height: int(ifd.ImageLength),
		spp:    max(1, int(ifd.SamplesPerPixel)),
	}
	if img.width <= 0 || img.height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", img.width, img.height)
	}
	img.bw, img.bh = ifd.blockSize()
	if ifd.isMask() && len(ifd.BitsPerSample) == 1 && ifd.BitsPerSample[0] == 1 {
		img.bit1, img.dt = true, georaster.Byte
	} else {
		dt, err := ifd.dataType()
		if err != nil {
			return nil, err
		}
		img.dt = dt
	}
	nx, ny := ifd.nBlocks()
	n := nx * ny * ifd.nPlanes()
	if len(ifd.offsets()) < n || len(ifd.byteCounts()) < n {
		return nil, fmt.Errorf("%dx%d image has %d/%d block offsets/counts, want %d",
			img.width, img.height, len(ifd.offsets()), len(ifd.byteCounts()), n)
	}
	return img, nil
}

// newMemImage returns an image held in memory, initialized to zero
func (ds *dataset) newMemImage(width, height, spp int, dt georaster.DataType, p params) *image {
	img := &image{
		ds:     ds,
		seq:    ds.nextSeq(),
		p:      p,
		width:  width,
		height: height,
		spp:    spp,
		dt:     dt,
		planes: make([][]byte, spp),
	}
	for s := range img.planes {
		img.planes[s] = make([]byte, width*height*dt.Size())
	}
	img.bw, img.bh = p.blockSize(width, height, spp, dt)
	return img
}

// paramsOf returns the storage parameters of an existing image
func paramsOf(ifd *IFD) params {
	p := defaultParams()
	if ifd.Compression > 0 {
		p.compression = ifd.Compression
	}
	if p.compression == CompressionDeflateOld {
		p.compression = CompressionDeflate
	}
	if ifd.Predictor > 0 {
		p.predictor = ifd.Predictor
	}
	p.tiled = ifd.tiled()
	if p.tiled {
		p.blockW, p.blockH = int(ifd.TileWidth), int(ifd.TileLength)
	}
	p.separate = ifd.PlanarConfiguration == PlanarConfigurationSeparate
	return p
}

func (p params) blockSize(width, height, spp int, dt georaster.DataType) (int, int) {
	if p.tiled {
		return p.blockW, p.blockH
	}
	if p.separate {
		spp = 1
	}
	return width, stripRows(width, height, spp*dt.Size())
}

func (img *image) separate() bool {
	if img.planes != nil && img.ifd == nil {
		return img.p.separate && img.spp > 1
	}
	return img.ifd.nPlanes() > 1
}

// layout describes a decoded block of the file
func (img *image) layout(rows int) blockLayout {
	if img.bit1 {
		return blockLayout{width: (img.bw + 7) / 8, rows: rows, spp: 1, sampleSize: 1, wordSize: 1, predictor: img.ifd.Predictor}
	}
	spp := img.spp
	if img.separate() {
		spp = 1
	}
	sz := img.dt.Size()
	ws := sz
	if img.dt.IsComplex() {
		ws = sz / 2
	}
	return blockLayout{width: img.bw, rows: rows, spp: spp, sampleSize: sz, wordSize: ws, predictor: img.ifd.Predictor}
}

// emptyBlock is returned for sparse blocks: no-data when set, zero otherwise
func (img *image) emptyBlock() []byte {
	l := img.layout(img.bh)
	if img.bit1 {
		return make([]byte, img.bw*img.bh)
	}
	data := make([]byte, l.size())
	if img.ds.hasNoData && !img.ifd.isMask() && img.ds.noData != 0 {
		img.dt.Fill(data, len(data)/img.dt.Size(), img.ds.noData)
	}
	return data
}

// fetch reads and decodes block idx
func (img *image) fetch(idx int) ([]byte, error) {
	off, cnt := img.ifd.offsets()[idx], img.ifd.byteCounts()[idx]
	if off == 0 || cnt == 0 {
		return img.emptyBlock(), nil
	}
	raw := make([]byte, cnt)
	n, err := img.src.ReadAt(raw, int64(off))
	if n < len(raw) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read block %d: %w", idx, err)
	}
	data, err := decodeBlock(img.ifd.Compression, img.order, img.layout(img.bh), raw)
	if err != nil {
		return nil, fmt.Errorf("decode block %d: %w", idx, err)
	}
	if img.bit1 {
		data = expandBits(data, img.bw, img.bh)
	}
	return data, nil
}

// block returns a decoded block through the shared cache
func (img *image) block(bx, by, plane int) ([]byte, error) {
	idx := img.ifd.blockIdx(bx, by, plane)
	return blocks.get(blockKey(img.ds.id, img.seq, idx), func() ([]byte, error) {
		return img.fetch(idx)
	})
}

func expandBits(data []byte, width, rows int) []byte {
	rowSize := (width + 7) / 8
	out := make([]byte, width*rows)
	for r := 0; r < rows; r++ {
		for c := 0; c < width; c++ {
			if data[r*rowSize+c/8]&(0x80>>(c%8)) != 0 {
				out[r*width+c] = 255
			}
		}
	}
	return out
}

// read copies sample s of a window into buf by nearest neighbour decimation
func (img *image) read(ctx context.Context, s, x, y, w, h, bufW, bufH int, buf []byte) error {
	sz := img.dt.Size()
	if img.planes != nil {
		data := img.planes[s]
		for row := 0; row < bufH; row++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			sy := y + georaster.DecimatedIndex(row, h, bufH)
			if bufW == w {
				src := (sy*img.width + x) * sz
				copy(buf[row*bufW*sz:(row+1)*bufW*sz], data[src:src+w*sz])
				continue
			}
			for col := 0; col < bufW; col++ {
				src := (sy*img.width + x + georaster.DecimatedIndex(col, w, bufW)) * sz
				copy(buf[(row*bufW+col)*sz:], data[src:src+sz])
			}
		}
		return nil
	}

	plane, spb, so := 0, img.spp, s
	if img.separate() {
		plane, spb, so = s, 1, 0
	}
	if img.bit1 {
		spb, so = 1, 0
	}
	for row := 0; row < bufH; row++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		sy := y + georaster.DecimatedIndex(row, h, bufH)
		by, py := sy/img.bh, sy%img.bh
		var cur []byte
		curX := -1
		for col := 0; col < bufW; col++ {
			sx := x + georaster.DecimatedIndex(col, w, bufW)
			bx, px := sx/img.bw, sx%img.bw
			if bx != curX {
				var err error
				if cur, err = img.block(bx, by, plane); err != nil {
					return err
				}
				curX = bx
			}
			src := ((py*img.bw+px)*spb + so) * sz
			copy(buf[(row*bufW+col)*sz:], cur[src:src+sz])
		}
	}
	return nil
}

func (img *image) write(s, x, y, w, h int, buf []byte) {
	sz := img.dt.Size()
	for row := 0; row < h; row++ {
		dst := ((y+row)*img.width + x) * sz
		copy(img.planes[s][dst:dst+w*sz], buf[row*w*sz:(row+1)*w*sz])
	}
}

// load decodes every block of the image into planes
func (img *image) load(ctx context.Context) error {
	if img.planes != nil {
		return nil
	}
	sz := img.dt.Size()
	planes := make([][]byte, img.spp)
	for s := range planes {
		planes[s] = make([]byte, img.width*img.height*sz)
	}
	nx, ny := img.ifd.nBlocks()
	np := img.ifd.nPlanes()
	spb := img.spp
	if img.separate() || img.bit1 {
		spb = 1
	}
	for plane := 0; plane < np; plane++ {
		for by := 0; by < ny; by++ {
			for bx := 0; bx < nx; bx++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				data, err := img.fetch(img.ifd.blockIdx(bx, by, plane))
				if err != nil {
					return err
				}
				rows := min(img.bh, img.height-by*img.bh)
				cols := min(img.bw, img.width-bx*img.bw)
				for r := 0; r < rows; r++ {
					dst := ((by*img.bh+r)*img.width + bx*img.bw) * sz
					if spb == 1 {
						copy(planes[plane][dst:dst+cols*sz], data[r*img.bw*sz:])
						continue
					}
					for c := 0; c < cols; c++ {
						for s := 0; s < spb; s++ {
							src := ((r*img.bw+c)*spb + s) * sz
							copy(planes[s][dst+c*sz:dst+(c+1)*sz], data[src:src+sz])
						}
					}
				}
			}
		}
	}
	img.planes = planes
	img.bit1 = false
	return nil
}

// prepare builds a fresh IFD describing the planes of img with its params
func (img *image) prepare(photometric uint16, extra []uint16) {
	p := img.p
	s := tiffSample(img.dt)
	ifd := &IFD{
		ImageWidth:                uint64(img.width),
		ImageLength:               uint64(img.height),
		SamplesPerPixel:           uint16(img.spp),
		Compression:               p.compression,
		PhotometricInterpretation: photometric,
		PlanarConfiguration:       PlanarConfigurationContig,
		ExtraSamples:              extra,
	}
	if p.predictor > PredictorNone {
		ifd.Predictor = p.predictor
	}
	if p.separate && img.spp > 1 {
		ifd.PlanarConfiguration = PlanarConfigurationSeparate
	}
	for i := 0; i < img.spp; i++ {
		ifd.BitsPerSample = append(ifd.BitsPerSample, s.bits)
		ifd.SampleFormat = append(ifd.SampleFormat, s.format)
	}
	img.bw, img.bh = p.blockSize(img.width, img.height, img.spp, img.dt)
	if p.tiled {
		ifd.TileWidth, ifd.TileLength = uint64(img.bw), uint64(img.bh)
	} else {
		ifd.RowsPerStrip = uint64(img.bh)
	}
	img.ifd = ifd
}

// encode compresses the planes of img into the blocks of its IFD
func (img *image) encode(ctx context.Context) error {
	ifd := img.ifd
	sz := img.dt.Size()
	nx, ny := ifd.nBlocks()
	np := ifd.nPlanes()
	spb := img.spp
	if np > 1 {
		spb = 1
	}
	ifd.blocks = make([][]byte, nx*ny*np)
	for plane := 0; plane < np; plane++ {
		for by := 0; by < ny; by++ {
			for bx := 0; bx < nx; bx++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				rows := img.bh
				if !ifd.tiled() {
					rows = min(img.bh, img.height-by*img.bh)
				}
				l := img.layout(rows)
				data := make([]byte, l.size())
				cols := min(img.bw, img.width-bx*img.bw)
				for r := 0; r < rows && by*img.bh+r < img.height; r++ {
					src := ((by*img.bh+r)*img.width + bx*img.bw) * sz
					if spb == 1 {
						copy(data[r*img.bw*sz:], img.planes[plane][src:src+cols*sz])
						continue
					}
					for c := 0; c < cols; c++ {
						for s := 0; s < spb; s++ {
							dst := ((r*img.bw+c)*spb + s) * sz
							copy(data[dst:dst+sz], img.planes[s][src+c*sz:src+(c+1)*sz])
						}
					}
				}
				enc, err := encodeBlock(ifd.Compression, l, data)
				if err != nil {
					return err
				}
				ifd.blocks[ifd.blockIdx(bx, by, plane)] = enc
			}
		}
	}
	return nil
}

// rawSize is the uncompressed size of the samples of img
func (img *image) rawSize() int64 {
	return int64(img.width) * int64(img.height) * int64(img.spp) * int64(img.dt.Size())
}
