package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func TestCORS_AllowedOrigin(t *testing.T) {
	h := CORS([]string{"https://crm.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/contacts/c1/state", nil)
	req.Header.Set("Origin", "https://crm.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://crm.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	h := CORS([]string{"https://crm.example.com"})(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q, want empty", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := CORS([]string{"*"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://any.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d", w.Code)
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := RequestLogger(logger)(okHandler)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/queue/sweep", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["path"] != "/api/queue/sweep" || line["status"] != float64(http.StatusTeapot) {
		t.Errorf("unexpected log line %v", line)
	}
}
