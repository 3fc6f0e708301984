package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func corsRequest(method, origin string) *http.Request {
	req := httptest.NewRequest(method, "/appointments", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantHandler bool
	}{
		{"listed origin", []string{"https://portal.example.com"}, "https://portal.example.com", "https://portal.example.com", true},
		{"unknown origin", []string{"https://portal.example.com"}, "https://evil.example", "", true},
		{"wildcard echoes", []string{" * "}, "https://random.example", "https://random.example", true},
		{"no origin", []string{"*"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			rec := httptest.NewRecorder()
			CORS(tt.allowed)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			})).ServeHTTP(rec, corsRequest(http.MethodGet, tt.origin))

			if called != tt.wantHandler {
				t.Fatalf("handler called = %v", called)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Fatalf("allow origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestCORSAllowsIfMatchAndExposesETag(t *testing.T) {
	rec := httptest.NewRecorder()
	CORS([]string{"https://portal.example.com"})(http.NotFoundHandler()).
		ServeHTTP(rec, corsRequest(http.MethodGet, "https://portal.example.com"))

	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "If-Match") {
		t.Fatalf("If-Match not allowed: %q", rec.Header().Get("Access-Control-Allow-Headers"))
	}
	if rec.Header().Get("Access-Control-Expose-Headers") != "ETag" {
		t.Fatalf("ETag not exposed")
	}
}

func TestCORSHandlesPreflight(t *testing.T) {
	called := false
	req := corsRequest(http.MethodOptions, "https://portal.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()

	CORS([]string{"https://portal.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)

	if called {
		t.Fatalf("expected handler to not be called on preflight")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
}
