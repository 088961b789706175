package stream

import (
	"math"
	"testing"
)

func TestHalfFromFloat(t *testing.T) {
	tests := []struct {
		name string
		f    float32
		want uint16
	}{
		{"zero", 0, 0x0000},
		{"negative zero", float32(math.Copysign(0, -1)), 0x8000},
		{"one", 1, 0x3C00},
		{"minus two", -2, 0xC000},
		{"largest normal", 65504, 0x7BFF},
		{"smallest normal", float32(math.Ldexp(1, -14)), 0x0400},
		{"smallest subnormal", float32(math.Ldexp(1, -24)), 0x0001},
		{"below subnormal", float32(math.Ldexp(1, -25)), 0x0000},
		{"overflow", 1e6, 0x7C00},
		{"negative overflow", -1e6, 0xFC00},
		{"infinity", float32(math.Inf(1)), 0x7C00},
		{"negative infinity", float32(math.Inf(-1)), 0xFC00},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HalfFromFloat(tc.f); got != tc.want {
				t.Errorf("HalfFromFloat(%v) = %#04x, want %#04x", tc.f, got, tc.want)
			}
		})
	}
}

func TestHalfToFloat(t *testing.T) {
	tests := []struct {
		name string
		h    uint16
		want float32
	}{
		{"zero", 0x0000, 0},
		{"one", 0x3C00, 1},
		{"minus two", 0xC000, -2},
		{"largest normal", 0x7BFF, 65504},
		{"smallest subnormal", 0x0001, float32(math.Ldexp(1, -24))},
		{"largest subnormal", 0x03FF, float32(math.Ldexp(1023, -24))},
		{"infinity", 0x7C00, float32(math.Inf(1))},
		{"negative infinity", 0xFC00, float32(math.Inf(-1))},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := HalfToFloat(tc.h); got != tc.want {
				t.Errorf("HalfToFloat(%#04x) = %v, want %v", tc.h, got, tc.want)
			}
		})
	}
}

func TestHalfNaN(t *testing.T) {
	for _, bits := range []uint32{
		math.Float32bits(float32(math.NaN())),
		0x7f800001, // payload below the bits of a half
		0xff800001,
		0x7fc00000,
		0x7f801fff,
	} {
		f := math.Float32frombits(bits)
		h := HalfFromFloat(f)
		if h&0x7C00 != 0x7C00 || h&0x03FF == 0 {
			t.Fatalf("HalfFromFloat(%#08x) = %#04x, want a NaN", bits, h)
		}
		if h>>15 != uint16(bits>>31) {
			t.Errorf("HalfFromFloat(%#08x) = %#04x, sign lost", bits, h)
		}
		if f := HalfToFloat(h); !math.IsNaN(float64(f)) {
			t.Errorf("HalfToFloat(%#04x) = %v, want NaN", h, f)
		}
	}

	if h := HalfFromFloat(float32(math.Inf(1))); h != 0x7C00 {
		t.Errorf("HalfFromFloat(+Inf) = %#04x, want 0x7c00", h)
	}
}

func TestHalfRoundTrip(t *testing.T) {
	// Every finite half converts to a float and back without change.
	for h := 0; h < 1<<16; h++ {
		if h&0x7C00 == 0x7C00 {
			continue
		}
		if got := HalfFromFloat(HalfToFloat(uint16(h))); got != uint16(h) {
			t.Fatalf("HalfFromFloat(HalfToFloat(%#04x)) = %#04x", h, got)
		}
	}

	// Floats in range come back within one unit in the last place of a half.
	for _, f := range []float32{0.1, 0.333, 1.7, 3.14159, 100.25, -42.42, 1234.5, 60000} {
		got := HalfToFloat(HalfFromFloat(f))
		exp := math.Floor(math.Log2(math.Abs(float64(f))))
		ulp := math.Ldexp(1, int(exp)-10)
		if diff := math.Abs(float64(got - f)); diff > ulp {
			t.Errorf("round trip of %v = %v, off by %v, want at most %v", f, got, diff, ulp)
		}
	}
}
