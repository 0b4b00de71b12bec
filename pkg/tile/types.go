package tile

import (
	"fmt"
	"math"
	"strings"
)

// Default decoding parameters for the numpng scheme
const (
	DefaultScheme       = "numpng"
	DefaultFactor       = 0.01
	DefaultInvalidValue = -(1 << 23)
)

// Overflow selects how re-encoded values outside 24 bits are stored
type Overflow int

const (
	// OverflowClamp saturates n2 to [0, 0xFFFFFF].
	OverflowClamp Overflow = iota
	// OverflowWrap keeps the low 24 bits of the int32-truncated value,
	// matching browser implementations byte for byte.
	OverflowWrap
)

func (o Overflow) String() string {
	switch o {
	case OverflowClamp:
		return "clamp"
	case OverflowWrap:
		return "wrap"
	}
	return fmt.Sprintf("Overflow(%d)", int(o))
}

// ParseOverflow parses "clamp" or "wrap"
func ParseOverflow(s string) (Overflow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clamp":
		return OverflowClamp, nil
	case "wrap":
		return OverflowWrap, nil
	}
	return OverflowClamp, fmt.Errorf("unknown overflow policy: %s", s)
}

// Params holds the decoding parameters fixed at registration time
type Params struct {
	Scheme       string
	Factor       float64
	InvalidValue int
	Overflow     Overflow
}

// DefaultParams returns the parameters of the stock numpng protocol
func DefaultParams() Params {
	return Params{
		Scheme:       DefaultScheme,
		Factor:       DefaultFactor,
		InvalidValue: DefaultInvalidValue,
		Overflow:     OverflowClamp,
	}
}

// Validate checks the parameters
func (p Params) Validate() error {
	if p.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if strings.Contains(p.Scheme, "://") {
		return fmt.Errorf("scheme %q must not contain \"://\"", p.Scheme)
	}
	if !(p.Factor > 0) || math.IsInf(p.Factor, 0) {
		return fmt.Errorf("factor must be a positive finite number, got %v", p.Factor)
	}
	if p.Overflow != OverflowClamp && p.Overflow != OverflowWrap {
		return fmt.Errorf("invalid overflow policy: %v", p.Overflow)
	}
	return nil
}

// Raster is a decoded tile: row-major, 4 bytes per pixel, non-premultiplied
type Raster struct {
	Pix    []byte
	Width  int
	Height int
}

// NewRaster allocates a zeroed raster
func NewRaster(width, height int) *Raster {
	return &Raster{
		Pix:    make([]byte, width*height*4),
		Width:  width,
		Height: height,
	}
}

// Check reports whether the buffer length matches the dimensions
func (r *Raster) Check() error {
	if r.Width < 0 || r.Height < 0 {
		return fmt.Errorf("negative raster size: %dx%d", r.Width, r.Height)
	}
	if want := r.Width * r.Height * 4; len(r.Pix) != want {
		return fmt.Errorf("raster buffer is %d bytes, want %d for %dx%d", len(r.Pix), want, r.Width, r.Height)
	}
	return nil
}
