package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func captureCaller(got *string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddleware_Disabled(t *testing.T) {
	var caller string
	h := Middleware("")(captureCaller(&caller))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if caller != Anonymous {
		t.Errorf("caller = %q", caller)
	}
}

func TestMiddleware_RequiresToken(t *testing.T) {
	var caller string
	h := Middleware("s3cret")(captureCaller(&caller))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusNoContent},
		{"case insensitive scheme", "bearer s3cret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/queue/sweep", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestIPFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4567"
	if got := IPFromRequest(req); got != "10.1.2.3" {
		t.Errorf("IPFromRequest = %q", got)
	}
}
