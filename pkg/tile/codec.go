package tile

import "math"

// NoData is the height written for invalid or transparent pixels
const NoData = 0.0

// heightOffset and heightScale define the output encoding:
// n2 = (height + heightOffset) * heightScale
const (
	heightOffset = 10000
	heightScale  = 10

	maxEncoded = 0xFFFFFF
)

// DecodeValue interprets r as the signed high byte and g, b as unsigned
// middle and low bytes of a 24-bit integer.
func DecodeValue(r, g, b uint8) int {
	r2 := int(r)
	if r2 >= 128 {
		r2 -= 256
	}
	return r2*65536 + int(g)*256 + int(b)
}

// DecodeHeight converts one input pixel to a height.
func DecodeHeight(r, g, b, a uint8, p Params) float64 {
	if a != 255 {
		return NoData
	}
	n := DecodeValue(r, g, b)
	if n == p.InvalidValue {
		return NoData
	}
	return p.Factor * float64(n)
}

// EncodeHeight converts a height to an output pixel with alpha 255.
func EncodeHeight(height float64, o Overflow) [4]uint8 {
	// explicit conversions keep each step rounded to float64 (no FMA)
	n2 := float64(float64(height+heightOffset) * heightScale)

	var v uint32
	switch o {
	case OverflowWrap:
		v = toInt32Bits(n2)
	default:
		v = saturate(n2)
	}
	return [4]uint8{uint8(v >> 16), uint8(v >> 8), uint8(v), 255}
}

// saturate truncates toward zero and clamps to [0, maxEncoded].
func saturate(f float64) uint32 {
	switch {
	case math.IsNaN(f), f <= 0:
		return 0
	case f >= maxEncoded:
		return maxEncoded
	}
	return uint32(f)
}

// toInt32Bits follows ECMAScript ToInt32: truncate, then reduce modulo 2^32.
func toInt32Bits(f float64) uint32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	m := math.Mod(math.Trunc(f), 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	return uint32(m)
}

// TransformPixel decodes and immediately re-encodes a single pixel.
func TransformPixel(px [4]uint8, p Params) [4]uint8 {
	return EncodeHeight(DecodeHeight(px[0], px[1], px[2], px[3], p), p.Overflow)
}

// Transform re-encodes every pixel of the raster in place.
func Transform(r *Raster, p Params) error {
	if err := r.Check(); err != nil {
		return err
	}
	pix := r.Pix
	for i := 0; i+4 <= len(pix); i += 4 {
		h := DecodeHeight(pix[i], pix[i+1], pix[i+2], pix[i+3], p)
		out := EncodeHeight(h, p.Overflow)
		copy(pix[i:i+4], out[:])
	}
	return nil
}
