package tile

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultUserAgent is sent with tile requests unless overridden
const DefaultUserAgent = "numpng/1.0.0"

// LoadError reports a tile that could not be fetched or decoded.
// URL is the URL as requested, before scheme rewriting.
type LoadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load image from URL: %s: %v", e.URL, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Processor handles tile downloading and decoding
type Processor struct {
	client    *http.Client
	userAgent string
	headers   map[string]string
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(c *http.Client) ProcessorOption {
	return func(p *Processor) {
		p.client = c
	}
}

// WithHeaders adds headers to every tile request
func WithHeaders(h map[string]string) ProcessorOption {
	return func(p *Processor) {
		p.headers = h
	}
}

// NewProcessor creates a new tile processor
func NewProcessor(userAgent string, opts ...ProcessorOption) *Processor {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	p := &Processor{
		client:    &http.Client{},
		userAgent: userAgent,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RewriteURL replaces the first "<scheme>://" with "https://".
// Nothing else in the URL is touched.
func RewriteURL(scheme, url string) string {
	return strings.Replace(url, scheme+"://", "https://", 1)
}

// Fetch downloads the tile behind a scheme-tagged URL and returns its pixels
func (p *Processor) Fetch(ctx context.Context, scheme, url string) (*Raster, error) {
	target := RewriteURL(scheme, url)

	data, status, err := p.DownloadTile(ctx, target)
	if err != nil {
		return nil, &LoadError{URL: url, StatusCode: status, Err: err}
	}

	r, err := DecodeImage(data)
	if err != nil {
		return nil, &LoadError{URL: url, StatusCode: status, Err: err}
	}
	return r, nil
}

// DownloadTile downloads a tile from the given URL. No cookies or
// credentials are attached.
func (p *Processor) DownloadTile(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	req.Header.Set("User-Agent", p.userAgent)
	for key, value := range p.headers {
		req.Header.Set(key, value)
	}
	req.Header.Del("Authorization")
	req.Header.Del("Cookie")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// MaxTileSize bounds the width and height of a decoded tile
const MaxTileSize = 4096

// DecodeImage decodes PNG, JPEG, GIF or WebP data into a raster. Images
// larger than MaxTileSize in either dimension are rejected before their
// pixels are allocated.
func DecodeImage(data []byte) (*Raster, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width > MaxTileSize || cfg.Height > MaxTileSize {
		return nil, fmt.Errorf("decode image: %dx%d exceeds %dx%d", cfg.Width, cfg.Height, MaxTileSize, MaxTileSize)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(img), nil
}

// FromImage draws img onto a surface of its native size and returns the
// non-premultiplied pixels.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	surface := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))

	// Copy NRGBA rows as-is; going through draw would premultiply and
	// lose the colour of translucent pixels.
	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			i := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(surface.Pix[y*surface.Stride:(y+1)*surface.Stride], src.Pix[i:i+b.Dx()*4])
		}
	} else {
		draw.Draw(surface, surface.Bounds(), img, b.Min, draw.Src)
	}

	return &Raster{
		Pix:    surface.Pix,
		Width:  b.Dx(),
		Height: b.Dy(),
	}
}

// Image wraps the raster as an image without copying
func (r *Raster) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    r.Pix,
		Stride: r.Width * 4,
		Rect:   image.Rect(0, 0, r.Width, r.Height),
	}
}

// EncodePNG encodes the raster as PNG
func EncodePNG(r *Raster) ([]byte, error) {
	if err := r.Check(); err != nil {
		return nil, err
	}
	if r.Width == 0 || r.Height == 0 {
		return nil, fmt.Errorf("cannot encode empty %dx%d raster", r.Width, r.Height)
	}

	var output bytes.Buffer
	enc := &png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&output, r.Image()); err != nil {
		return nil, err
	}
	return output.Bytes(), nil
}

// BuildURL replaces URL template tokens
func BuildURL(template string, zoom int, x, y uint32) string {
	url := template
	url = strings.ReplaceAll(url, "{z}", strconv.Itoa(zoom))
	url = strings.ReplaceAll(url, "{x}", strconv.FormatUint(uint64(x), 10))
	url = strings.ReplaceAll(url, "{y}", strconv.FormatUint(uint64(y), 10))
	// Handle {s} for subdomains (simple implementation)
	if strings.Contains(url, "{s}") {
		subdomain := string(rune('a' + (x+y)%3))
		url = strings.ReplaceAll(url, "{s}", subdomain)
	}
	return url
}

// WritePNG writes PNG data to a file, or stdout when filename is empty
func WritePNG(filename string, data []byte) error {
	var output io.Writer

	if filename == "" {
		output = os.Stdout
		fmt.Fprintf(os.Stderr, "Output PNG: stdout\n")
	} else {
		fmt.Fprintf(os.Stderr, "Output PNG: %s\n", filename)
		file, err := os.Create(filename)
		if err != nil {
			return err
		}
		defer file.Close()
		output = file
	}

	_, err := output.Write(data)
	return err
}
