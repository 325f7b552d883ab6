package gtiff

import (
	"fmt"
	"strings"

	"github.com/airbusgeo/georaster"
)

const (
	SubfileTypeImage        = 0
	SubfileTypeReducedImage = 1
	SubfileTypePage         = 2
	SubfileTypeMask         = 4
)

const (
	PlanarConfigurationContig   = 1
	PlanarConfigurationSeparate = 2
)

const (
	PredictorNone          = 1
	PredictorHorizontal    = 2
	PredictorFloatingPoint = 3
)

const (
	SampleFormatUInt          = 1
	SampleFormatInt           = 2
	SampleFormatIEEEFP        = 3
	SampleFormatVoid          = 4
	SampleFormatComplexInt    = 5
	SampleFormatComplexIEEEFP = 6
)

const (
	ExtraSamplesUnspecified = 0
	ExtraSamplesAssocAlpha  = 1
	ExtraSamplesUnassAlpha  = 2
)

const (
	PhotometricInterpretationMinIsWhite = 0
	PhotometricInterpretationMinIsBlack = 1
	PhotometricInterpretationRGB        = 2
	PhotometricInterpretationPalette    = 3
	PhotometricInterpretationMask       = 4
	PhotometricInterpretationSeparated  = 5
	PhotometricInterpretationYCbCr      = 6
)

const (
	CompressionNone       = 1
	CompressionLZW        = 5
	CompressionJPEGOld    = 6
	CompressionJPEG       = 7
	CompressionDeflate    = 8
	CompressionPackBits   = 32773
	CompressionDeflateOld = 32946
	CompressionZSTD       = 50000
)

// IFD is one image of a GeoTIFF file. Tagged fields are filled by
// tiff.UnmarshalIFD when reading and written back by the writer.
type IFD struct {
	SubfileType               uint32   `tiff:"field,tag=254"`
	ImageWidth                uint64   `tiff:"field,tag=256"`
	ImageLength               uint64   `tiff:"field,tag=257"`
	BitsPerSample             []uint16 `tiff:"field,tag=258"`
	Compression               uint16   `tiff:"field,tag=259"`
	PhotometricInterpretation uint16   `tiff:"field,tag=262"`
	StripOffsets              []uint64 `tiff:"field,tag=273"`
	SamplesPerPixel           uint16   `tiff:"field,tag=277"`
	RowsPerStrip              uint64   `tiff:"field,tag=278"`
	StripByteCounts           []uint64 `tiff:"field,tag=279"`
	PlanarConfiguration       uint16   `tiff:"field,tag=284"`
	Predictor                 uint16   `tiff:"field,tag=317"`
	Colormap                  []uint16 `tiff:"field,tag=320"`
	TileWidth                 uint64   `tiff:"field,tag=322"`
	TileLength                uint64   `tiff:"field,tag=323"`
	TileOffsets               []uint64 `tiff:"field,tag=324"`
	TileByteCounts            []uint64 `tiff:"field,tag=325"`
	ExtraSamples              []uint16 `tiff:"field,tag=338"`
	SampleFormat              []uint16 `tiff:"field,tag=339"`

	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiePointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoAsciiParamsTag      string    `tiff:"field,tag=34737"`
	GDALMetaData           string    `tiff:"field,tag=42112"`
	NoData                 string    `tiff:"field,tag=42113"`
	RPCs                   []float64 `tiff:"field,tag=50844"`

	// set by the writer
	blocks     [][]byte
	newOffsets []uint64
	ntags      uint64
	tagsSize   uint64
	strileSize uint64
}

func (ifd *IFD) tiled() bool {
	return ifd.TileWidth > 0 && ifd.TileLength > 0
}

// blockSize returns the size of a tile, or of a strip
func (ifd *IFD) blockSize() (int, int) {
	if ifd.tiled() {
		return int(ifd.TileWidth), int(ifd.TileLength)
	}
	rps := ifd.RowsPerStrip
	if rps == 0 || rps > ifd.ImageLength {
		rps = ifd.ImageLength
	}
	return int(ifd.ImageWidth), int(rps)
}

func (ifd *IFD) nBlocks() (int, int) {
	bw, bh := ifd.blockSize()
	return (int(ifd.ImageWidth) + bw - 1) / bw, (int(ifd.ImageLength) + bh - 1) / bh
}

func (ifd *IFD) nPlanes() int {
	if ifd.PlanarConfiguration == PlanarConfigurationSeparate {
		return int(ifd.SamplesPerPixel)
	}
	return 1
}

// blockIdx is the position of a block in the offset and byte count arrays.
// Separate planes are stored one after the other.
func (ifd *IFD) blockIdx(x, y, plane int) int {
	nx, ny := ifd.nBlocks()
	return plane*nx*ny + y*nx + x
}

func (ifd *IFD) offsets() []uint64 {
	if ifd.tiled() {
		return ifd.TileOffsets
	}
	return ifd.StripOffsets
}

func (ifd *IFD) byteCounts() []uint64 {
	if ifd.tiled() {
		return ifd.TileByteCounts
	}
	return ifd.StripByteCounts
}

func (ifd *IFD) isMask() bool {
	return ifd.SubfileType&SubfileTypeMask != 0
}

func (ifd *IFD) isOverview() bool {
	return ifd.SubfileType&SubfileTypeReducedImage != 0
}

// dataType returns the sample type described by the first
// BitsPerSample/SampleFormat pair
func (ifd *IFD) dataType() (georaster.DataType, error) {
	if len(ifd.BitsPerSample) == 0 {
		return georaster.Unknown, fmt.Errorf("missing BitsPerSample")
	}
	bits := ifd.BitsPerSample[0]
	for _, b := range ifd.BitsPerSample[1:] {
		if b != bits {
			return georaster.Unknown, fmt.Errorf("mixed BitsPerSample %v", ifd.BitsPerSample)
		}
	}
	sf := uint16(SampleFormatUInt)
	if len(ifd.SampleFormat) > 0 {
		sf = ifd.SampleFormat[0]
	}
	for _, dt := range sampleTypes {
		if t := tiffSample(dt); t.bits == bits && t.format == sf {
			return dt, nil
		}
	}
	return georaster.Unknown, fmt.Errorf("unsupported sample format %d with %d bits", sf, bits)
}

var sampleTypes = []georaster.DataType{
	georaster.Byte, georaster.Int8, georaster.UInt16, georaster.Int16, georaster.UInt32, georaster.Int32,
	georaster.Float32, georaster.Float64, georaster.CInt16, georaster.CInt32, georaster.CFloat32, georaster.CFloat64,
}

type sample struct {
	bits   uint16
	format uint16
}

func tiffSample(dt georaster.DataType) sample {
	s := sample{bits: uint16(dt.Bits()), format: SampleFormatUInt}
	switch dt {
	case georaster.Int8, georaster.Int16, georaster.Int32:
		s.format = SampleFormatInt
	case georaster.Float32, georaster.Float64:
		s.format = SampleFormatIEEEFP
	case georaster.CInt16, georaster.CInt32:
		s.format = SampleFormatComplexInt
	case georaster.CFloat32, georaster.CFloat64:
		s.format = SampleFormatComplexIEEEFP
	}
	return s
}

// clean trims the NUL terminators of ASCII fields
func (ifd *IFD) clean() {
	ifd.GeoAsciiParamsTag = strings.TrimRight(ifd.GeoAsciiParamsTag, "\x00")
	ifd.GDALMetaData = strings.TrimRight(ifd.GDALMetaData, "\x00")
	ifd.NoData = strings.TrimSpace(strings.TrimRight(ifd.NoData, "\x00"))
}

// AddOverview strips the georeferencing of ovr and flags it as a reduced
// resolution image
func (ifd *IFD) AddOverview(ovr *IFD) {
	ovr.SubfileType |= SubfileTypeReducedImage
	ovr.ModelPixelScaleTag = nil
	ovr.ModelTiePointTag = nil
	ovr.ModelTransformationTag = nil
	ovr.GeoAsciiParamsTag = ""
	ovr.GeoDoubleParamsTag = nil
	ovr.GeoKeyDirectoryTag = nil
	ovr.GDALMetaData = ""
	ovr.RPCs = nil
}

// AddMask turns msk into the transparency mask of ifd
func (ifd *IFD) AddMask(msk *IFD) {
	msk.SubfileType = SubfileTypeMask | ifd.SubfileType&SubfileTypeReducedImage
	msk.PhotometricInterpretation = PhotometricInterpretationMask
	msk.SamplesPerPixel = 1
	msk.PlanarConfiguration = PlanarConfigurationContig
	msk.ExtraSamples = nil
	msk.BitsPerSample = []uint16{8}
	msk.SampleFormat = []uint16{SampleFormatUInt}
	msk.ModelPixelScaleTag = nil
	msk.ModelTiePointTag = nil
	msk.ModelTransformationTag = nil
	msk.GeoAsciiParamsTag = ""
	msk.GeoDoubleParamsTag = nil
	msk.GeoKeyDirectoryTag = nil
	msk.GDALMetaData = ""
	msk.NoData = ""
	msk.RPCs = nil
}

// field is one IFD entry. Strile fields are the block offsets and byte
// counts whose values are stored after every IFD.
type field struct {
	tag    uint16
	data   interface{}
	strile bool
}

// fields lists the entries to write, sorted by tag
func (ifd *IFD) fields() []field {
	var fs []field
	add := func(tag uint16, data interface{}) { fs = append(fs, field{tag: tag, data: data}) }
	if ifd.SubfileType > 0 {
		add(254, ifd.SubfileType)
	}
	add(256, uint32(ifd.ImageWidth))
	add(257, uint32(ifd.ImageLength))
	if len(ifd.BitsPerSample) > 0 {
		add(258, ifd.BitsPerSample)
	}
	if ifd.Compression > 0 {
		add(259, ifd.Compression)
	}
	add(262, ifd.PhotometricInterpretation)
	if !ifd.tiled() {
		fs = append(fs, field{tag: 273, data: ifd.newOffsets, strile: true})
	}
	if ifd.SamplesPerPixel > 0 {
		add(277, ifd.SamplesPerPixel)
	}
	if !ifd.tiled() {
		_, rps := ifd.blockSize()
		add(278, uint32(rps))
		fs = append(fs, field{tag: 279, data: ifd.blockCounts(), strile: true})
	}
	if ifd.PlanarConfiguration > 0 {
		add(284, ifd.PlanarConfiguration)
	}
	if ifd.Predictor > PredictorNone {
		add(317, ifd.Predictor)
	}
	if len(ifd.Colormap) > 0 {
		add(320, ifd.Colormap)
	}
	if ifd.tiled() {
		add(322, uint32(ifd.TileWidth))
		add(323, uint32(ifd.TileLength))
		fs = append(fs, field{tag: 324, data: ifd.newOffsets, strile: true})
		fs = append(fs, field{tag: 325, data: ifd.blockCounts(), strile: true})
	}
	if len(ifd.ExtraSamples) > 0 {
		add(338, ifd.ExtraSamples)
	}
	if len(ifd.SampleFormat) > 0 {
		add(339, ifd.SampleFormat)
	}
	if len(ifd.ModelPixelScaleTag) > 0 {
		add(33550, ifd.ModelPixelScaleTag)
	}
	if len(ifd.ModelTiePointTag) > 0 {
		add(33922, ifd.ModelTiePointTag)
	}
	if len(ifd.ModelTransformationTag) > 0 {
		add(34264, ifd.ModelTransformationTag)
	}
	if len(ifd.GeoKeyDirectoryTag) > 0 {
		add(34735, ifd.GeoKeyDirectoryTag)
	}
	if len(ifd.GeoDoubleParamsTag) > 0 {
		add(34736, ifd.GeoDoubleParamsTag)
	}
	if ifd.GeoAsciiParamsTag != "" {
		add(34737, ifd.GeoAsciiParamsTag)
	}
	if ifd.GDALMetaData != "" {
		add(42112, ifd.GDALMetaData)
	}
	if ifd.NoData != "" {
		add(42113, ifd.NoData)
	}
	if len(ifd.RPCs) > 0 {
		add(50844, ifd.RPCs)
	}
	return fs
}

func (ifd *IFD) blockCounts() []uint64 {
	counts := make([]uint64, len(ifd.blocks))
	for i, b := range ifd.blocks {
		counts[i] = uint64(len(b))
	}
	return counts
}

// structure computes the number of entries of ifd, the size of its entries
// including their out of line values, and the size of its strile arrays
func (ifd *IFD) structure(bigtiff bool) (tagCount, ifdSize, strileSize uint64) {
	ifdSize = 16 //8 for field count + 8 for next ifd offset
	entrySize := uint64(20)
	if !bigtiff {
		ifdSize = 6 // 2 for field count + 4 for next ifd offset
		entrySize = 12
	}
	for _, f := range ifd.fields() {
		tagCount++
		ifdSize += entrySize
		if f.strile {
			strileSize += arrayFieldSize(f.data, bigtiff) - entrySize
		} else {
			ifdSize += arrayFieldSize(f.data, bigtiff) - entrySize
		}
	}
	return
}
