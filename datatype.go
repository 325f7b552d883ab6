package georaster

import (
	"encoding/binary"
	"math"
)

// DataType is the pixel type of a band
type DataType int

const (
	Unknown DataType = iota
	Byte
	Int8
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
	CInt16
	CInt32
	CFloat32
	CFloat64
)

var dataTypeNames = [...]string{
	Unknown:  "Unknown",
	Byte:     "Byte",
	Int8:     "Int8",
	UInt16:   "UInt16",
	Int16:    "Int16",
	UInt32:   "UInt32",
	Int32:    "Int32",
	Float32:  "Float32",
	Float64:  "Float64",
	CInt16:   "CInt16",
	CInt32:   "CInt32",
	CFloat32: "CFloat32",
	CFloat64: "CFloat64",
}

func (dt DataType) String() string {
	if dt < 0 || int(dt) >= len(dataTypeNames) {
		return "Unknown"
	}
	return dataTypeNames[dt]
}

// ParseDataType returns the DataType named s, or Unknown
func ParseDataType(s string) DataType {
	for i, n := range dataTypeNames {
		if n == s {
			return DataType(i)
		}
	}
	return Unknown
}

// Size returns the size in bytes of one sample
func (dt DataType) Size() int {
	switch dt {
	case Byte, Int8:
		return 1
	case UInt16, Int16:
		return 2
	case UInt32, Int32, Float32, CInt16:
		return 4
	case Float64, CInt32, CFloat32:
		return 8
	case CFloat64:
		return 16
	}
	return 0
}

// Bits returns the size in bits of one sample
func (dt DataType) Bits() int {
	return dt.Size() * 8
}

func (dt DataType) IsComplex() bool {
	return dt >= CInt16 && dt <= CFloat64
}

func (dt DataType) IsInteger() bool {
	switch dt {
	case Byte, Int8, UInt16, Int16, UInt32, Int32, CInt16, CInt32:
		return true
	}
	return false
}

// component returns the real-valued type of one component of a complex type
func (dt DataType) component() DataType {
	switch dt {
	case CInt16:
		return Int16
	case CInt32:
		return Int32
	case CFloat32:
		return Float32
	case CFloat64:
		return Float64
	}
	return dt
}

// Promote returns the logical type exposed for a band whose samples are scaled
// by a non identity scale/offset pair.
func (dt DataType) Promote() DataType {
	switch dt {
	case Byte, Int8, UInt16, Int16, UInt32, Int32, Float32, CInt16:
		return Float32
	case Float64, CInt32, CFloat32:
		return Float64
	}
	return dt
}

func (dt DataType) bounds() (float64, float64) {
	switch dt.component() {
	case Byte:
		return 0, math.MaxUint8
	case Int8:
		return math.MinInt8, math.MaxInt8
	case UInt16:
		return 0, math.MaxUint16
	case Int16:
		return math.MinInt16, math.MaxInt16
	case UInt32:
		return 0, math.MaxUint32
	case Int32:
		return math.MinInt32, math.MaxInt32
	case Float32:
		return -math.MaxFloat32, math.MaxFloat32
	}
	return math.Inf(-1), math.Inf(1)
}

// Representable reports whether v can be stored as a sample of type dt.
// Integer types require an integral value inside their range. Float32 accepts
// NaN, infinities and any finite value inside its range.
func (dt DataType) Representable(v float64) bool {
	c := dt.component()
	switch c {
	case Float64:
		return true
	case Float32:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
		return v >= -math.MaxFloat32 && v <= math.MaxFloat32
	case Unknown:
		return false
	}
	lo, hi := c.bounds()
	if math.IsNaN(v) || v < lo || v > hi {
		return false
	}
	return v == math.Trunc(v)
}

// RepresentableValue converts v to the nearest value storable as dt
func (dt DataType) RepresentableValue(v float64) float64 {
	c := dt.component()
	switch c {
	case Float64, Unknown:
		return v
	case Float32:
		return float64(float32(v))
	}
	if math.IsNaN(v) {
		return 0
	}
	lo, hi := c.bounds()
	return math.Max(lo, math.Min(hi, math.Trunc(v)))
}

// Sample returns the (real part of the) i-th sample of buf
func (dt DataType) Sample(buf []byte, i int) float64 {
	o := i * dt.Size()
	switch dt {
	case Byte:
		return float64(buf[o])
	case Int8:
		return float64(int8(buf[o]))
	case UInt16:
		return float64(binary.LittleEndian.Uint16(buf[o:]))
	case Int16, CInt16:
		return float64(int16(binary.LittleEndian.Uint16(buf[o:])))
	case UInt32:
		return float64(binary.LittleEndian.Uint32(buf[o:]))
	case Int32, CInt32:
		return float64(int32(binary.LittleEndian.Uint32(buf[o:])))
	case Float32, CFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[o:])))
	case Float64, CFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[o:]))
	}
	return math.NaN()
}

// SetSample stores v as the i-th sample of buf. Complex types get a zero
// imaginary part.
func (dt DataType) SetSample(buf []byte, i int, v float64) {
	o := i * dt.Size()
	switch dt {
	case Byte:
		buf[o] = uint8(dt.RepresentableValue(v))
	case Int8:
		buf[o] = uint8(int8(dt.RepresentableValue(v)))
	case UInt16:
		binary.LittleEndian.PutUint16(buf[o:], uint16(dt.RepresentableValue(v)))
	case Int16:
		binary.LittleEndian.PutUint16(buf[o:], uint16(int16(dt.RepresentableValue(v))))
	case UInt32:
		binary.LittleEndian.PutUint32(buf[o:], uint32(dt.RepresentableValue(v)))
	case Int32:
		binary.LittleEndian.PutUint32(buf[o:], uint32(int32(dt.RepresentableValue(v))))
	case Float32:
		binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(buf[o:], math.Float64bits(v))
	case CInt16:
		binary.LittleEndian.PutUint16(buf[o:], uint16(int16(Int16.RepresentableValue(v))))
		binary.LittleEndian.PutUint16(buf[o+2:], 0)
	case CInt32:
		binary.LittleEndian.PutUint32(buf[o:], uint32(int32(Int32.RepresentableValue(v))))
		binary.LittleEndian.PutUint32(buf[o+4:], 0)
	case CFloat32:
		binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(float32(v)))
		binary.LittleEndian.PutUint32(buf[o+4:], 0)
	case CFloat64:
		binary.LittleEndian.PutUint64(buf[o:], math.Float64bits(v))
		binary.LittleEndian.PutUint64(buf[o+8:], 0)
	}
}

// Fill sets the n first samples of buf to v
func (dt DataType) Fill(buf []byte, n int, v float64) {
	if n == 0 {
		return
	}
	dt.SetSample(buf, 0, v)
	sz := dt.Size()
	for filled := sz; filled < n*sz; filled *= 2 {
		copy(buf[filled:n*sz], buf[:filled])
	}
}
