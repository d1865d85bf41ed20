// Package codec packs real values into 16-bit Modbus registers.
//
// Floats travel as IEEE-754 single precision split across two registers,
// high word first. Fixed-point values are scaled integers (raw = round(v*scale)).
// Status words multiplex independent flags, one per bit.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/shopspring/decimal"
)

// EncodeFloat32BE splits v into two registers, high word first.
func EncodeFloat32BE(v float32) [2]uint16 {
	bits := math.Float32bits(v)
	return [2]uint16{uint16(bits >> 16), uint16(bits)}
}

// DecodeFloat32BE joins two registers (high word first) into a float.
func DecodeFloat32BE(regs [2]uint16) float32 {
	return math.Float32frombits(uint32(regs[0])<<16 | uint32(regs[1]))
}

// EncodeFloat64AsFloat32 narrows v to single precision. Values that do not fit
// a float32 are rejected instead of turning into infinity.
func EncodeFloat64AsFloat32(v float64) ([2]uint16, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return [2]uint16{}, fmt.Errorf("%w: %v is not finite", types.ErrEncoding, v)
	}
	if math.Abs(v) > math.MaxFloat32 {
		return [2]uint16{}, fmt.Errorf("%w: %v out of range for float32", types.ErrEncoding, v)
	}
	return EncodeFloat32BE(float32(v)), nil
}

// EncodeFixed returns round(value*scale). Results outside int32 fail with
// ErrEncoding.
func EncodeFixed(value float64, scale int64) (int32, error) {
	raw, err := scaled(value, scale)
	if err != nil {
		return 0, err
	}
	if raw.LessThan(decimal.NewFromInt(math.MinInt32)) || raw.GreaterThan(decimal.NewFromInt(math.MaxInt32)) {
		return 0, fmt.Errorf("%w: %v x%d out of range for int32", types.ErrEncoding, value, scale)
	}
	return int32(raw.IntPart()), nil
}

// EncodeFixedUint16 is EncodeFixed for a single unsigned register.
func EncodeFixedUint16(value float64, scale int64) (uint16, error) {
	raw, err := scaled(value, scale)
	if err != nil {
		return 0, err
	}
	if raw.IsNegative() || raw.GreaterThan(decimal.NewFromInt(math.MaxUint16)) {
		return 0, fmt.Errorf("%w: %v x%d out of range for uint16", types.ErrEncoding, value, scale)
	}
	return uint16(raw.IntPart()), nil
}

// EncodeFixedInt16 is EncodeFixed for a single signed register. The result is
// the two's complement register value.
func EncodeFixedInt16(value float64, scale int64) (uint16, error) {
	raw, err := scaled(value, scale)
	if err != nil {
		return 0, err
	}
	if raw.LessThan(decimal.NewFromInt(math.MinInt16)) || raw.GreaterThan(decimal.NewFromInt(math.MaxInt16)) {
		return 0, fmt.Errorf("%w: %v x%d out of range for int16", types.ErrEncoding, value, scale)
	}
	return uint16(int16(raw.IntPart())), nil
}

// DecodeFixed returns raw/scale. A non-positive scale is refused with
// ErrEncoding, the same as on the encode side.
func DecodeFixed(raw int32, scale int64) (float64, error) {
	if scale <= 0 {
		return 0, fmt.Errorf("%w: scale must be positive (got %d)", types.ErrEncoding, scale)
	}
	return decimal.NewFromInt32(raw).Div(decimal.NewFromInt(scale)).InexactFloat64(), nil
}

// DecodeFixedUint16 interprets an unsigned register.
func DecodeFixedUint16(reg uint16, scale int64) (float64, error) {
	return DecodeFixed(int32(reg), scale)
}

// DecodeFixedInt16 interprets a two's complement register.
func DecodeFixedInt16(reg uint16, scale int64) (float64, error) {
	return DecodeFixed(int32(int16(reg)), scale)
}

func scaled(value float64, scale int64) (decimal.Decimal, error) {
	if scale <= 0 {
		return decimal.Zero, fmt.Errorf("%w: scale must be positive (got %d)", types.ErrEncoding, scale)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v is not finite", types.ErrEncoding, value)
	}
	return decimal.NewFromFloat(value).Mul(decimal.NewFromInt(scale)).Round(0), nil
}

// BitGet reads one bit of a status word. Bits above 15 read as false.
func BitGet(word uint16, bit uint8) bool {
	if bit > 15 {
		return false
	}
	return word&(1<<bit) != 0
}

// BitSet returns word with only the given bit changed. Bits above 15 leave
// the word unchanged.
func BitSet(word uint16, bit uint8, value bool) uint16 {
	if bit > 15 {
		return word
	}
	if value {
		return word | 1<<bit
	}
	return word &^ (1 << bit)
}

// RegistersToBytes lays registers out big-endian, as they travel on the wire.
func RegistersToBytes(regs []uint16) []byte {
	out := make([]byte, 2*len(regs))
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}

// BytesToRegisters is the inverse of RegistersToBytes.
func BytesToRegisters(b []byte) ([]uint16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: odd register payload length %d", types.ErrTransport, len(b))
	}
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return out, nil
}
