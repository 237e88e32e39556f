package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["ok"] != true {
		t.Fatalf("expected ok=true, got %v", payload["ok"])
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "ready" {
		t.Fatalf("expected status ready, got %v", payload["status"])
	}
	checks, ok := payload["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks object, got %T", payload["checks"])
	}
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "ok" {
		t.Fatalf("expected database ok, got %v", database)
	}
	blobstore, _ := checks["blobstore"].(map[string]any)
	if blobstore["status"] != "ok" {
		t.Fatalf("expected blobstore ok, got %v", blobstore)
	}
}

func TestReadyEndpoint_DatabaseFailure(t *testing.T) {
	fs := &fakeStore{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	server, _ := newTestServer(t, fs)

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["status"] != "not_ready" {
		t.Fatalf("expected status not_ready, got %v", payload["status"])
	}
	checks, _ := payload["checks"].(map[string]any)
	database, _ := checks["database"].(map[string]any)
	if database["status"] != "error" {
		t.Fatalf("expected database error, got %v", database)
	}
	if database["error"] != "connection refused" {
		t.Fatalf("expected error detail, got %v", database["error"])
	}
	// The blob store is still healthy; only the database check failed.
	blobstore, _ := checks["blobstore"].(map[string]any)
	if blobstore["status"] != "ok" {
		t.Fatalf("expected blobstore ok, got %v", blobstore)
	}
}

func TestOptionsRequest(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodOptions, "/api/estates", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("expected CORS origin header, got %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Fatal("expected allow-headers to be set")
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store cache header, got %q", got)
	}
	if got := rr.Header().Get("X-Request-ID"); got == "" {
		t.Fatal("expected a request ID header")
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected request ID to pass through, got %q", got)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	server, svc := newTestServer(t, &fakeStore{})

	req := authedRequest(t, svc, http.MethodGet, "/api/nonsense", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHealthMethods(t *testing.T) {
	// Non-GET requests fall past the health route and, without a
	// bearer token, die at the session gate.
	tests := []struct {
		name       string
		method     string
		wantStatus int
	}{
		{"get", http.MethodGet, http.StatusOK},
		{"head", http.MethodHead, http.StatusOK},
		{"post", http.MethodPost, http.StatusUnauthorized},
		{"delete", http.MethodDelete, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, _ := newTestServer(t, &fakeStore{})

			req := httptest.NewRequest(tt.method, "/api/health", nil)
			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Fatalf("%s /api/health: expected %d, got %d", tt.method, tt.wantStatus, rr.Code)
			}
		})
	}
}
