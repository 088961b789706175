package stream

import "math"

// Conversion tables between single and half precision floats. The half to float tables are
// indexed by the exponent and mantissa of the half, the float to half tables by the sign and
// exponent of the float. They are built once when the package is loaded.
var (
	halfMantissa [2048]uint32
	halfExponent [64]uint32
	halfOffset   [64]uint16

	halfBase  [512]uint16
	halfShift [512]uint8
)

func init() {
	halfMantissa[0] = 0
	for i := uint32(1); i < 1024; i++ {
		m := i << 13
		var e uint32
		for m&0x00800000 == 0 {
			e -= 0x00800000
			m <<= 1
		}
		m &^= 0x00800000
		e += 0x38800000
		halfMantissa[i] = m | e
	}
	for i := uint32(1024); i < 2048; i++ {
		halfMantissa[i] = 0x38000000 + (i-1024)<<13
	}

	for i := uint32(1); i < 31; i++ {
		halfExponent[i] = i << 23
	}
	for i := uint32(33); i < 63; i++ {
		halfExponent[i] = 0x80000000 + (i-32)<<23
	}
	halfExponent[31] = 0x47800000
	halfExponent[32] = 0x80000000
	halfExponent[63] = 0xC7800000

	for i := range halfOffset {
		halfOffset[i] = 1024
	}
	halfOffset[0] = 0
	halfOffset[32] = 0

	for i := 0; i < 256; i++ {
		e := i - 127
		switch {
		case e < -24:
			halfBase[i] = 0x0000
			halfBase[i|0x100] = 0x8000
			halfShift[i] = 24
			halfShift[i|0x100] = 24
		case e < -14:
			halfBase[i] = 0x0400 >> (-e - 14)
			halfBase[i|0x100] = 0x0400>>(-e-14) | 0x8000
			halfShift[i] = uint8(-e - 1)
			halfShift[i|0x100] = uint8(-e - 1)
		case e <= 15:
			halfBase[i] = uint16(e+15) << 10
			halfBase[i|0x100] = uint16(e+15)<<10 | 0x8000
			halfShift[i] = 13
			halfShift[i|0x100] = 13
		case e < 128:
			halfBase[i] = 0x7C00
			halfBase[i|0x100] = 0xFC00
			halfShift[i] = 24
			halfShift[i|0x100] = 24
		default:
			halfBase[i] = 0x7C00
			halfBase[i|0x100] = 0xFC00
			halfShift[i] = 13
			halfShift[i|0x100] = 13
		}
	}
}

// HalfFromFloat converts f to the bits of a half precision float. Values too large for a half
// become infinity and values too small become a signed zero. The mantissa is truncated, and a NaN
// stays a NaN even when its payload lies below the bits a half keeps.
func HalfFromFloat(f float32) uint16 {
	u := math.Float32bits(f)
	i := (u >> 23) & 0x1ff
	h := halfBase[i] + uint16((u&0x007fffff)>>halfShift[i])
	if u&0x7f800000 == 0x7f800000 && u&0x007fffff != 0 {
		h |= 0x0200
	}
	return h
}

// HalfToFloat converts the bits of a half precision float to a float.
func HalfToFloat(h uint16) float32 {
	e := h >> 10
	return math.Float32frombits(halfMantissa[uint32(halfOffset[e])+uint32(h&0x3ff)] + halfExponent[e])
}
