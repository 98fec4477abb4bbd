package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLogging_PreservesStatusAndBody(t *testing.T) {
	t.Parallel()

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), testLogger())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/r1/messages", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status: got=%d want=%d", rec.Code, http.StatusTeapot)
	}
	if got := rec.Body.String(); got != "short and stout" {
		t.Fatalf("body: got=%q", got)
	}
}

func TestQuietPath(t *testing.T) {
	t.Parallel()

	quiet := []string{"/healthz", "/readyz", "/metrics"}
	for _, p := range quiet {
		if !quietPath(p) {
			t.Fatalf("quietPath(%q) = false", p)
		}
	}
	loud := []string{"/", "/ws", "/api/messages", "/api/rooms/r1/messages"}
	for _, p := range loud {
		if quietPath(p) {
			t.Fatalf("quietPath(%q) = true", p)
		}
	}
}
