package gtiff

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayloads() map[string][]byte {
	r := rand.New(rand.NewSource(42))
	random := make([]byte, 100000)
	r.Read(random)
	small := make([]byte, 30000)
	for i := range small {
		small[i] = byte(r.Intn(4))
	}
	ramp := make([]byte, 20000)
	for i := range ramp {
		ramp[i] = byte(i / 7)
	}
	return map[string][]byte{
		"empty":  {},
		"one":    {42},
		"two":    {1, 1},
		"random": random,
		"small":  small,
		"ramp":   ramp,
		"zeros":  make([]byte, 70000),
	}
}

func TestLZW(t *testing.T) {
	for name, data := range testPayloads() {
		t.Run(name, func(t *testing.T) {
			enc := lzwEncode(data)
			dec, err := decompress(CompressionLZW, enc)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, dec), "lzw roundtrip of %d bytes", len(data))
		})
	}
}

func TestPackBits(t *testing.T) {
	for name, data := range testPayloads() {
		t.Run(name, func(t *testing.T) {
			enc, err := compress(CompressionPackBits, data, 333)
			require.NoError(t, err)
			dec, err := decompress(CompressionPackBits, enc)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, dec), "packbits roundtrip of %d bytes", len(data))
		})
	}
	// literal run followed by a repeat run
	dec, err := unpackBits([]byte{2, 1, 2, 3, 0xfe, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 9, 9, 9}, dec)

	_, err = unpackBits([]byte{5, 1})
	assert.Error(t, err)
}

func TestCompressions(t *testing.T) {
	data := testPayloads()["ramp"]
	for _, c := range []uint16{CompressionNone, CompressionDeflate, CompressionZSTD, CompressionLZW, CompressionPackBits} {
		enc, err := compress(c, data, 100)
		require.NoError(t, err)
		dec, err := decompress(c, enc)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, dec), "compression %d", c)
	}
	_, err := decompress(CompressionJPEG, data)
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	c, err := parseCompression("lzw")
	require.NoError(t, err)
	assert.Equal(t, uint16(CompressionLZW), c)
	_, err = parseCompression("JPEG")
	assert.Error(t, err)
	_, err = parseCompression("LERC")
	assert.Error(t, err)

	assert.Equal(t, "DEFLATE", compressionName(CompressionDeflateOld))
	assert.Equal(t, "ZSTD", compressionName(CompressionZSTD))
	assert.Equal(t, "", compressionName(CompressionNone))
}

func TestPredictors(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	u16 := blockLayout{width: 17, rows: 5, spp: 3, sampleSize: 2, wordSize: 2, predictor: PredictorHorizontal}
	u16data := make([]byte, u16.size())
	r.Read(u16data)

	f32 := blockLayout{width: 13, rows: 4, spp: 2, sampleSize: 4, wordSize: 4, predictor: PredictorFloatingPoint}
	f32data := make([]byte, f32.size())
	for i := 0; i < len(f32data)/4; i++ {
		binary.LittleEndian.PutUint32(f32data[4*i:], math.Float32bits(float32(i)*1.25-7))
	}

	f64 := blockLayout{width: 9, rows: 3, spp: 1, sampleSize: 8, wordSize: 8, predictor: PredictorFloatingPoint}
	f64data := make([]byte, f64.size())
	for i := 0; i < len(f64data)/8; i++ {
		binary.LittleEndian.PutUint64(f64data[8*i:], math.Float64bits(math.Sqrt(float64(i))))
	}

	b8 := blockLayout{width: 31, rows: 2, spp: 1, sampleSize: 1, wordSize: 1, predictor: PredictorHorizontal}
	b8data := make([]byte, b8.size())
	r.Read(b8data)

	cases := []struct {
		name string
		l    blockLayout
		data []byte
	}{
		{"uint16 horizontal", u16, u16data},
		{"byte horizontal", b8, b8data},
		{"float32 floating point", f32, f32data},
		{"float64 floating point", f64, f64data},
	}
	for _, c := range cases {
		for _, comp := range []uint16{CompressionNone, CompressionDeflate, CompressionLZW} {
			orig := append([]byte(nil), c.data...)
			enc, err := encodeBlock(comp, c.l, c.data)
			require.NoError(t, err)
			assert.Equal(t, orig, c.data, "%s: input modified", c.name)
			dec, err := decodeBlock(comp, binary.LittleEndian, c.l, enc)
			require.NoError(t, err)
			assert.Equal(t, c.data, dec, "%s with compression %d", c.name, comp)
		}
	}
}

func TestDecodeBigEndian(t *testing.T) {
	l := blockLayout{width: 3, rows: 1, spp: 1, sampleSize: 2, wordSize: 2, predictor: PredictorNone}
	raw := []byte{0, 10, 0, 12, 1, 15}
	dec, err := decodeBlock(CompressionNone, binary.BigEndian, l, raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 12, 0, 15, 1}, dec)
	assert.Equal(t, []byte{0, 10, 0, 12, 1, 15}, raw, "raw block modified")

	// differences 10, 2, 259 accumulate to 10, 12, 271
	l.predictor = PredictorHorizontal
	dec, err = decodeBlock(CompressionNone, binary.BigEndian, l, []byte{0, 10, 0, 2, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 12, 0, 15, 1}, dec)
}

func TestDecodeShortBlock(t *testing.T) {
	l := blockLayout{width: 4, rows: 2, spp: 1, sampleSize: 1, wordSize: 1, predictor: PredictorNone}
	dec, err := decodeBlock(CompressionNone, binary.LittleEndian, l, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 0, 0, 0, 0, 0}, dec)
}

func TestExpandBits(t *testing.T) {
	// 10 pixels per row, two rows
	data := []byte{0xA0, 0xC0, 0xFF, 0x00}
	out := expandBits(data, 10, 2)
	assert.Equal(t, []byte{
		255, 0, 255, 0, 0, 0, 0, 0, 255, 255,
		255, 255, 255, 255, 255, 255, 255, 255, 0, 0,
	}, out)
}
