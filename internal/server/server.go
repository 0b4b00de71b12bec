package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/kiesman99/numpng/internal/api"
	"github.com/kiesman99/numpng/internal/protocol"
	"github.com/kiesman99/numpng/pkg/tile"
	"github.com/paulmach/orb/maptile"
)

const maxZoom = 24

// Server implements api.ServerInterface on top of a protocol registry
type Server struct {
	startTime time.Time
	version   string
	registry  *protocol.Registry
	templates map[string]string
}

// NewServer creates a new server instance. templates maps a scheme to its
// tile URL template, e.g. "numpng://tiles.example.com/{z}/{x}/{y}.png".
func NewServer(version string, registry *protocol.Registry, templates map[string]string) *Server {
	if templates == nil {
		templates = map[string]string{}
	}
	return &Server{
		startTime: time.Now(),
		version:   version,
		registry:  registry,
		templates: templates,
	}
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())
	schemes := s.registry.Schemes()

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
		Schemes:   &schemes,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Printf("Error encoding health response: %v", err)
	}
}

// GetTile re-encodes the tile z/x/y of a configured scheme
func (s *Server) GetTile(w http.ResponseWriter, r *http.Request, scheme string, z int, x int, y int) {
	requestID := requestIDFrom(r)

	h, ok := s.registry.Lookup(scheme)
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, api.UNKNOWNSCHEME,
			fmt.Sprintf("no protocol registered for scheme %q", scheme), &requestID, nil)
		return
	}

	template, ok := s.templates[scheme]
	if !ok {
		s.writeErrorResponse(w, http.StatusNotFound, api.UNKNOWNSCHEME,
			fmt.Sprintf("scheme %q has no tile URL template", scheme), &requestID, nil)
		return
	}

	if err := validateTile(z, x, y); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, api.VALIDATIONERROR,
			err.Error(), &requestID, nil)
		return
	}

	url := tile.BuildURL(template, z, uint32(x), uint32(y))
	resp, err := h.Handle(r.Context(), protocol.Request{URL: url})
	if err != nil {
		s.handleProtocolError(w, err, &requestID)
		return
	}
	s.writeTile(w, resp, requestID)
}

// GetProxy re-encodes the tile behind an arbitrary scheme-tagged URL
func (s *Server) GetProxy(w http.ResponseWriter, r *http.Request, params api.GetProxyParams) {
	requestID := requestIDFrom(r)

	resp, err := s.registry.Handle(r.Context(), protocol.Request{URL: params.Url})
	if err != nil {
		s.handleProtocolError(w, err, &requestID)
		return
	}
	s.writeTile(w, resp, requestID)
}

// ParamErrorHandler reports parameter binding failures as validation errors
func (s *Server) ParamErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	requestID := requestIDFrom(r)
	s.writeErrorResponse(w, http.StatusBadRequest, api.VALIDATIONERROR, err.Error(), &requestID, nil)
}

func validateTile(z, x, y int) error {
	if z < 0 || z > maxZoom {
		return fmt.Errorf("zoom must be between 0 and %d", maxZoom)
	}
	if x < 0 || y < 0 {
		return fmt.Errorf("tile coordinates must not be negative")
	}
	// compare before narrowing to uint32 so large values cannot wrap
	if limit := 1 << z; x >= limit || y >= limit {
		return fmt.Errorf("tile %d/%d/%d is outside the zoom %d grid", z, x, y, z)
	}
	t := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	if !t.Valid() {
		return fmt.Errorf("tile %d/%d/%d is outside the zoom %d grid", z, x, y, z)
	}
	return nil
}

func (s *Server) writeTile(w http.ResponseWriter, resp *protocol.Response, requestID string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Data)))

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Data); err != nil {
		log.Printf("Error writing response: %v", err)
	}
}

// handleProtocolError maps protocol failures to HTTP responses
func (s *Server) handleProtocolError(w http.ResponseWriter, err error, requestID *string) {
	log.Printf("Tile request %s failed: %v", *requestID, err)

	if errors.Is(err, protocol.ErrUnknownScheme) {
		s.writeErrorResponse(w, http.StatusNotFound, api.UNKNOWNSCHEME, err.Error(), requestID, nil)
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		s.writeErrorResponse(w, http.StatusGatewayTimeout, api.TILESERVERTIMEOUT,
			"Tile server request timed out", requestID, nil)
		return
	}

	var loadErr *tile.LoadError
	if errors.As(err, &loadErr) {
		details := map[string]interface{}{"url": loadErr.URL}
		if loadErr.StatusCode != 0 {
			details["status_code"] = loadErr.StatusCode
		}
		s.writeErrorResponse(w, http.StatusBadGateway, api.TILESERVERERROR,
			loadErr.Error(), requestID, details)
		return
	}

	// Generic internal server error
	s.writeErrorResponse(w, http.StatusInternalServerError, api.INTERNALERROR,
		"Internal server error", requestID, nil)
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}

	if details != nil {
		response.Details = &details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(response)
}

// requestIDFrom returns the chi request ID or generates one
func requestIDFrom(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}
