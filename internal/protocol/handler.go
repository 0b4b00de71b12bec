// Package protocol implements the numpng tile protocol: fetch an
// elevation-encoded tile, re-encode every pixel, and return a PNG payload.
package protocol

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiesman99/numpng/pkg/tile"
)

// State is a step of a single tile request
type State int

const (
	Idle State = iota
	Fetching
	Decoding
	Encoding
	Resolved
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Decoding:
		return "decoding"
	case Encoding:
		return "encoding"
	case Resolved:
		return "resolved"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Request is an incoming tile request
type Request struct {
	URL string
}

// Response carries the encoded tile
type Response struct {
	Data []byte
}

// Result is delivered once on the channel returned by Handler.Go
type Result struct {
	Response *Response
	Err      error
}

// Func has the shape of a custom-protocol callback
type Func func(ctx context.Context, req Request) (*Response, error)

// EncodeError reports a failure producing the PNG payload
type EncodeError struct {
	URL string
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("failed to encode tile %s: %v", e.URL, e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// RuntimeError reports a failure inside the pixel transform
type RuntimeError struct {
	URL string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("failed to transform tile %s: %v", e.URL, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// Fetcher loads the raster behind a scheme-tagged URL
type Fetcher interface {
	Fetch(ctx context.Context, scheme, url string) (*tile.Raster, error)
}

// Handler serves requests for one scheme. It is safe for concurrent use;
// its parameters never change after New.
type Handler struct {
	params  tile.Params
	fetcher Fetcher
	encode  func(*tile.Raster) ([]byte, error)
	observe func(url string, s State)
}

// Option configures a Handler
type Option func(*Handler)

// WithFetcher replaces the default HTTP fetcher
func WithFetcher(f Fetcher) Option {
	return func(h *Handler) {
		h.fetcher = f
	}
}

// WithEncoder replaces the PNG encoder
func WithEncoder(enc func(*tile.Raster) ([]byte, error)) Option {
	return func(h *Handler) {
		h.encode = enc
	}
}

// WithStateObserver registers a callback invoked on every state change
func WithStateObserver(fn func(url string, s State)) Option {
	return func(h *Handler) {
		h.observe = fn
	}
}

// New creates a handler for the given parameters
func New(params tile.Params, opts ...Option) (*Handler, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol %q: %w", params.Scheme, err)
	}

	h := &Handler{
		params:  params,
		fetcher: tile.NewProcessor(""),
		encode:  tile.EncodePNG,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// MakeHandler returns a protocol callback for scheme with the default fetcher
func MakeHandler(scheme string, factor float64, invalidValue int) (Func, error) {
	p := tile.DefaultParams()
	p.Scheme = scheme
	p.Factor = factor
	p.InvalidValue = invalidValue

	h, err := New(p)
	if err != nil {
		return nil, err
	}
	return h.Handle, nil
}

// Scheme returns the URL scheme served by h
func (h *Handler) Scheme() string {
	return h.params.Scheme
}

// Params returns the decoding parameters
func (h *Handler) Params() tile.Params {
	return h.params
}

// Matches reports whether url carries this handler's scheme
func (h *Handler) Matches(url string) bool {
	return strings.HasPrefix(url, h.params.Scheme+"://")
}

// Handle fetches, transforms and encodes one tile
func (h *Handler) Handle(ctx context.Context, req Request) (*Response, error) {
	h.set(req.URL, Fetching)
	raster, err := h.fetcher.Fetch(ctx, h.params.Scheme, req.URL)
	if err != nil {
		h.set(req.URL, Failed)
		return nil, err
	}

	h.set(req.URL, Decoding)
	if err := h.transform(raster); err != nil {
		h.set(req.URL, Failed)
		return nil, &RuntimeError{URL: req.URL, Err: err}
	}

	h.set(req.URL, Encoding)
	data, err := h.encode(raster)
	if err != nil {
		h.set(req.URL, Failed)
		return nil, &EncodeError{URL: req.URL, Err: err}
	}

	h.set(req.URL, Resolved)
	return &Response{Data: data}, nil
}

// Go runs Handle in a goroutine. The channel receives exactly one Result.
func (h *Handler) Go(ctx context.Context, req Request) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		resp, err := h.Handle(ctx, req)
		ch <- Result{Response: resp, Err: err}
	}()
	return ch
}

func (h *Handler) transform(r *tile.Raster) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()
	return tile.Transform(r, h.params)
}

func (h *Handler) set(url string, s State) {
	if h.observe != nil {
		h.observe(url, s)
	}
}
