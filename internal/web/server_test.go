package web

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestServerFallsBackToIndex(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>town</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatalf("write js: %v", err)
	}
	h := (&Server{Dir: dir}).Handler()

	get := func(p string) (int, string) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		body, _ := io.ReadAll(rec.Result().Body)
		return rec.Code, string(body)
	}

	if code, body := get("/app.js"); code != http.StatusOK || body != "console.log(1)" {
		t.Fatalf("static file: %d %q", code, body)
	}
	if code, body := get("/npc/123"); code != http.StatusOK || body != "<html>town</html>" {
		t.Fatalf("fallback: %d %q", code, body)
	}
	if code, _ := get("/api/unknown"); code != http.StatusNotFound {
		t.Fatalf("api paths must not fall back, got %d", code)
	}
}
