package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lexflow/lexflow/config"
)

func TestCORS(t *testing.T) {
	enabled := &config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://portal.firm.example"},
		AllowedMethods: []string{"GET", "POST", "PUT"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         600,
	}
	wildcard := &config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}

	tests := []struct {
		name          string
		config        *config.CORSConfig
		method        string
		origin        string
		preflight     bool
		wantStatus    int
		wantAllowed   bool
		wantNextCalls int
	}{
		{name: "allowed origin", config: enabled, method: http.MethodGet, origin: "https://portal.firm.example", wantStatus: http.StatusOK, wantAllowed: true, wantNextCalls: 1},
		{name: "wildcard origin", config: wildcard, method: http.MethodGet, origin: "https://other.example", wantStatus: http.StatusOK, wantAllowed: true, wantNextCalls: 1},
		{name: "disallowed origin", config: enabled, method: http.MethodGet, origin: "https://evil.example", wantStatus: http.StatusOK, wantNextCalls: 1},
		{name: "disabled", config: &config.CORSConfig{}, method: http.MethodGet, origin: "https://portal.firm.example", wantStatus: http.StatusOK, wantNextCalls: 1},
		{name: "preflight", config: enabled, method: http.MethodOptions, origin: "https://portal.firm.example", preflight: true, wantStatus: http.StatusNoContent, wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			handler := CORS(tt.config)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls++
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(tt.method, "/api/v1/batches", nil)
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPut)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			allowed := w.Header().Get("Access-Control-Allow-Origin") == tt.origin
			if allowed != tt.wantAllowed {
				t.Errorf("allow-origin header present = %v, want %v", allowed, tt.wantAllowed)
			}
			if calls != tt.wantNextCalls {
				t.Errorf("next handler calls = %d, want %d", calls, tt.wantNextCalls)
			}
			if tt.wantAllowed && w.Header().Get("Access-Control-Expose-Headers") != RequestIDHeader {
				t.Errorf("expected %s to be exposed", RequestIDHeader)
			}
		})
	}
}
