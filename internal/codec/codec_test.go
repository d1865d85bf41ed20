package codec

import (
	"math"
	"testing"

	"github.com/KevinKickass/OpenBenchCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 100, 0.1, 123.456, -987.25, math.MaxFloat32, math.SmallestNonzeroFloat32, float32(math.Inf(1))}
	for _, v := range values {
		require.Equal(t, v, DecodeFloat32BE(EncodeFloat32BE(v)), "value %v", v)
	}
}

func TestFloat32HighWordFirst(t *testing.T) {
	// 100.0 is 0x42C80000
	regs := EncodeFloat32BE(100)
	assert.Equal(t, [2]uint16{0x42C8, 0x0000}, regs)
	assert.Equal(t, []byte{0x42, 0xC8, 0x00, 0x00}, RegistersToBytes(regs[:]))
}

func TestEncodeFloat64AsFloat32Rejects(t *testing.T) {
	_, err := EncodeFloat64AsFloat32(math.NaN())
	require.ErrorIs(t, err, types.ErrEncoding)

	_, err = EncodeFloat64AsFloat32(1e40)
	require.ErrorIs(t, err, types.ErrEncoding)

	regs, err := EncodeFloat64AsFloat32(100)
	require.NoError(t, err)
	assert.Equal(t, float32(100), DecodeFloat32BE(regs))
}

func TestFixedRoundTripWithinHalfStep(t *testing.T) {
	cases := []struct {
		value float64
		scale int64
	}{
		{100, 100},
		{12.345, 100},
		{0.001, 1000},
		{7.5, 1000},
		{3.14159, 10},
		{-42.42, 100},
	}
	for _, tc := range cases {
		raw, err := EncodeFixed(tc.value, tc.scale)
		require.NoError(t, err)
		got, err := DecodeFixed(raw, tc.scale)
		require.NoError(t, err)
		assert.InDelta(t, tc.value, got, 0.5/float64(tc.scale), "value %v scale %d", tc.value, tc.scale)
	}
}

func TestEncodeFixedRounds(t *testing.T) {
	raw, err := EncodeFixed(1.005, 100)
	require.NoError(t, err)
	assert.Equal(t, int32(101), raw)

	raw, err = EncodeFixed(2.4, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), raw)
}

func TestEncodeFixedOutOfRange(t *testing.T) {
	_, err := EncodeFixed(3e9, 1)
	require.ErrorIs(t, err, types.ErrEncoding)

	_, err = EncodeFixedUint16(655.36, 100)
	require.ErrorIs(t, err, types.ErrEncoding)

	_, err = EncodeFixedUint16(-1, 100)
	require.ErrorIs(t, err, types.ErrEncoding)

	_, err = EncodeFixedInt16(-3276.9, 10)
	require.ErrorIs(t, err, types.ErrEncoding)

	_, err = EncodeFixed(1, 0)
	require.ErrorIs(t, err, types.ErrEncoding)

	_, err = EncodeFixed(math.Inf(-1), 10)
	require.ErrorIs(t, err, types.ErrEncoding)
}

func TestFixedUint16Boundary(t *testing.T) {
	reg, err := EncodeFixedUint16(655.35, 100)
	require.NoError(t, err)
	assert.Equal(t, uint16(65535), reg)
	got, err := DecodeFixedUint16(reg, 100)
	require.NoError(t, err)
	assert.InDelta(t, 655.35, got, 1e-9)
}

func TestFixedInt16TwosComplement(t *testing.T) {
	reg, err := EncodeFixedInt16(-1.5, 10)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFF1), reg)
	got, err := DecodeFixedInt16(reg, 10)
	require.NoError(t, err)
	assert.InDelta(t, -1.5, got, 1e-9)
}

func TestDecodeFixedRejectsNonPositiveScale(t *testing.T) {
	for _, scale := range []int64{0, -10} {
		_, err := DecodeFixed(100, scale)
		require.ErrorIs(t, err, types.ErrEncoding, "scale %d", scale)

		_, err = DecodeFixedUint16(100, scale)
		require.ErrorIs(t, err, types.ErrEncoding, "scale %d", scale)

		_, err = DecodeFixedInt16(0xFFF1, scale)
		require.ErrorIs(t, err, types.ErrEncoding, "scale %d", scale)

		_, err = EncodeFixed(1, scale)
		require.ErrorIs(t, err, types.ErrEncoding, "scale %d", scale)
	}
}

func TestBitSetIsolation(t *testing.T) {
	words := []uint16{0x0000, 0xFFFF, 0x1234, 0x8001, 0x0010}
	for _, w := range words {
		for bit := uint8(0); bit < 16; bit++ {
			for _, v := range []bool{true, false} {
				got := BitSet(w, bit, v)
				mask := uint16(1) << bit
				assert.Equal(t, w&^mask, got&^mask, "other bits changed: w=%#04x bit=%d", w, bit)
				assert.Equal(t, v, BitGet(got, bit))
			}
		}
	}
}

func TestBitOutOfRange(t *testing.T) {
	assert.False(t, BitGet(0xFFFF, 16))
	assert.Equal(t, uint16(0x00F0), BitSet(0x00F0, 20, true))
}

func TestBytesToRegisters(t *testing.T) {
	regs, err := BytesToRegisters([]byte{0x00, 0x01, 0xAB, 0xCD})
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0001, 0xABCD}, regs)

	_, err = BytesToRegisters([]byte{0x01})
	require.ErrorIs(t, err, types.ErrTransport)
}
