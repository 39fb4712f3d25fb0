// Package web serves a prebuilt town viewer from disk next to the API.
package web

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Server serves files from Dir. Paths that do not name a file fall back to
// index.html so client-side routes load the viewer.
type Server struct {
	Dir string
}

func (s *Server) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if strings.HasPrefix(r.URL.Path, "/api/") {
			http.NotFound(w, r)
			return
		}
		if !s.exists(r.URL.Path) {
			http.ServeFile(w, r, filepath.Join(s.Dir, "index.html"))
			return
		}
		fs.ServeHTTP(w, r)
	})
}

func (s *Server) exists(urlPath string) bool {
	clean := path.Clean("/" + urlPath)
	if clean == "/" {
		return true
	}
	info, err := os.Stat(filepath.Join(s.Dir, filepath.FromSlash(clean)))
	return err == nil && !info.IsDir()
}
