package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kiesman99/numpng/internal/api"
	"github.com/kiesman99/numpng/internal/protocol"
	"github.com/kiesman99/numpng/pkg/tile"
)

// upstreamTileServer serves an opaque 2x2 elevation tile at /{z}/{x}/{y}.png
// for z=1, and 404 for everything else.
func upstreamTileServer(t *testing.T) *httptest.Server {
	t.Helper()
	src := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	for i := 0; i < 4; i++ {
		n := i * 100
		src.SetNRGBA(i%2, i/2, color.NRGBA{G: uint8(n >> 8), B: uint8(n), A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("Failed to encode upstream tile: %v", err)
	}

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/1/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

// Test server setup
func setupTestServer(t *testing.T) (*httptest.Server, string) {
	upstream := upstreamTileServer(t)
	base := strings.Replace(upstream.URL, "https://", "numpng://", 1)

	p := tile.DefaultParams()
	h, err := protocol.New(p, protocol.WithFetcher(tile.NewProcessor("", tile.WithHTTPClient(upstream.Client()))))
	if err != nil {
		t.Fatalf("Failed to create handler: %v", err)
	}
	registry := protocol.NewRegistry()
	registry.Register(h)

	apiServer := NewServer("1.0.0-test", registry, map[string]string{
		"numpng": base + "/{z}/{x}/{y}.png",
	})

	server := httptest.NewServer(NewRouter(apiServer, 30*time.Second))
	t.Cleanup(server.Close)
	return server, base
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	// Check status code
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	// Check content type
	contentType := resp.Header.Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	// Parse response
	var healthResp api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if healthResp.Status != api.Healthy {
		t.Errorf("Expected status 'healthy', got %s", healthResp.Status)
	}

	if healthResp.Version == nil || *healthResp.Version != "1.0.0-test" {
		t.Errorf("Expected version '1.0.0-test', got %v", healthResp.Version)
	}

	if healthResp.Schemes == nil || len(*healthResp.Schemes) != 1 || (*healthResp.Schemes)[0] != "numpng" {
		t.Errorf("Expected schemes [numpng], got %v", healthResp.Schemes)
	}

	// Check timestamp is recent
	if time.Since(healthResp.Timestamp) > time.Minute {
		t.Errorf("Timestamp seems too old: %v", healthResp.Timestamp)
	}
}

func TestLegacyHealthRedirect(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	// the client follows the redirect
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func checkTileResponse(t *testing.T, resp *http.Response) {
	t.Helper()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status 200, got %d. Body: %s", resp.StatusCode, string(body))
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "image/png" {
		t.Errorf("Expected Content-Type image/png, got %s", contentType)
	}

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}

	// Check PNG signature
	if len(imageData) < 8 || !bytes.Equal(imageData[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}) {
		t.Fatal("Response does not appear to be a valid PNG file")
	}

	r, err := tile.DecodeImage(imageData)
	if err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	// heights 0, 1, 2, 3 -> n2 100000, 100010, 100020, 100030
	want := []byte{
		0x01, 0x86, 0xA0, 255,
		0x01, 0x86, 0xAA, 255,
		0x01, 0x86, 0xB4, 255,
		0x01, 0x86, 0xBE, 255,
	}
	if !bytes.Equal(r.Pix, want) {
		t.Errorf("Expected pixels %v, got %v", want, r.Pix)
	}
}

func TestTileEndpoint_Success(t *testing.T) {
	server, _ := setupTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/tiles/numpng/1/0/1.png")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	checkTileResponse(t, resp)
}

func TestProxyEndpoint_Success(t *testing.T) {
	server, base := setupTestServer(t)

	q := url.Values{"url": {base + "/1/1/1.png"}}
	resp, err := http.Get(server.URL + "/api/v1/proxy?" + q.Encode())
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	checkTileResponse(t, resp)
}

func TestEndpoint_Errors(t *testing.T) {
	server, base := setupTestServer(t)

	testCases := []struct {
		name           string
		path           string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "Non-numeric zoom",
			path:           "/api/v1/tiles/numpng/abc/0/0.png",
			expectedStatus: http.StatusBadRequest,
			expectedError:  api.VALIDATIONERROR,
		},
		{
			name:           "Zoom too high",
			path:           "/api/v1/tiles/numpng/25/0/0.png",
			expectedStatus: http.StatusBadRequest,
			expectedError:  api.VALIDATIONERROR,
		},
		{
			name:           "Tile outside grid",
			path:           "/api/v1/tiles/numpng/1/2/0.png",
			expectedStatus: http.StatusBadRequest,
			expectedError:  api.VALIDATIONERROR,
		},
		{
			name:           "Column beyond uint32",
			path:           "/api/v1/tiles/numpng/1/4294967296/0.png",
			expectedStatus: http.StatusBadRequest,
			expectedError:  api.VALIDATIONERROR,
		},
		{
			name:           "Row beyond uint32",
			path:           "/api/v1/tiles/numpng/1/0/4294967297.png",
			expectedStatus: http.StatusBadRequest,
			expectedError:  api.VALIDATIONERROR,
		},
		{
			name:           "Negative coordinate",
			path:           "/api/v1/tiles/numpng/1/-1/0.png",
			expectedStatus: http.StatusBadRequest,
			expectedError:  api.VALIDATIONERROR,
		},
		{
			name:           "Unknown scheme",
			path:           "/api/v1/tiles/gsi/1/0/0.png",
			expectedStatus: http.StatusNotFound,
			expectedError:  api.UNKNOWNSCHEME,
		},
		{
			name:           "Missing proxy url",
			path:           "/api/v1/proxy",
			expectedStatus: http.StatusBadRequest,
			expectedError:  api.VALIDATIONERROR,
		},
		{
			name:           "Proxy unknown scheme",
			path:           "/api/v1/proxy?" + url.Values{"url": {"gsi://tiles/1/0/0.png"}}.Encode(),
			expectedStatus: http.StatusNotFound,
			expectedError:  api.UNKNOWNSCHEME,
		},
		{
			name:           "Upstream tile missing",
			path:           "/api/v1/tiles/numpng/0/0/0.png",
			expectedStatus: http.StatusBadGateway,
			expectedError:  api.TILESERVERERROR,
		},
		{
			name:           "Proxy upstream tile missing",
			path:           "/api/v1/proxy?" + url.Values{"url": {base + "/2/0/0.png"}}.Encode(),
			expectedStatus: http.StatusBadGateway,
			expectedError:  api.TILESERVERERROR,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(server.URL + tc.path)
			if err != nil {
				t.Fatalf("Failed to make request: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.expectedStatus {
				responseBody, _ := io.ReadAll(resp.Body)
				t.Fatalf("Expected status %d, got %d. Body: %s", tc.expectedStatus, resp.StatusCode, string(responseBody))
			}

			var errorResp api.ErrorResponse
			if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
				t.Fatalf("Failed to decode error response: %v", err)
			}

			if errorResp.Error != tc.expectedError {
				t.Errorf("Expected error code %s, got %v", tc.expectedError, errorResp.Error)
			}

			if errorResp.RequestId == nil || *errorResp.RequestId == "" {
				t.Error("Expected request_id in error response")
			}
		})
	}
}

func TestTileServerErrorReferencesOriginalURL(t *testing.T) {
	server, base := setupTestServer(t)

	resp, err := http.Get(server.URL + "/api/v1/tiles/numpng/0/0/0.png")
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	var errorResp api.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	want := base + "/0/0/0.png"
	if errorResp.Details == nil || (*errorResp.Details)["url"] != want {
		t.Errorf("Expected details.url %s, got %v", want, errorResp.Details)
	}
	if !strings.Contains(errorResp.Message, want) {
		t.Errorf("Expected message to mention %s, got %s", want, errorResp.Message)
	}
}

func TestCORSHeaders(t *testing.T) {
	server, _ := setupTestServer(t)

	// Test OPTIONS request
	req, err := http.NewRequest("OPTIONS", server.URL+"/api/v1/tiles/numpng/0/0/0.png", nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected Access-Control-Allow-Origin: *")
	}

	if !strings.Contains(resp.Header.Get("Access-Control-Allow-Methods"), "GET") {
		t.Error("Expected Access-Control-Allow-Methods to include GET")
	}
}
