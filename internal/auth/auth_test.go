package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCronMiddleware(t *testing.T) {
	h := NewCronMiddleware("s3cret", nil)(okHandler())

	cases := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"bearer", "/api/cron/sync-n8n", "Bearer s3cret", http.StatusOK},
		{"query token", "/api/cron/sync-n8n?token=s3cret", "", http.StatusOK},
		{"wrong token", "/api/cron/sync-n8n?token=nope", "", http.StatusUnauthorized},
		{"missing", "/api/cron/sync-n8n", "", http.StatusUnauthorized},
		{"not bearer", "/api/cron/sync-n8n", "Basic s3cret", http.StatusUnauthorized},
	}
	for _, c := range cases {
		req := httptest.NewRequest("POST", c.target, nil)
		if c.header != "" {
			req.Header.Set("Authorization", c.header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, w.Code)
		}
	}
}

func TestCronMiddleware_Unconfigured(t *testing.T) {
	h := NewCronMiddleware("", nil)(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/cron/sync-n8n?token=", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", w.Code)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if seen == "" || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("Expected generated request id in context and header, got %q / %q", seen, w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc" {
		t.Errorf("Expected caller request id, got %q", seen)
	}
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	if got := ClientKey(req); got != "10.0.0.7" {
		t.Errorf("Expected remote host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := ClientKey(req); got != "203.0.113.9" {
		t.Errorf("Expected first forwarded hop, got %q", got)
	}
}
