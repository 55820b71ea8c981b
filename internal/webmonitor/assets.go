package webmonitor

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// artifactHandler serves archived snapshots and plots as /<bucket>/<name>.
// Directory listings are refused.
type artifactHandler struct {
	root string
}

func newArtifactHandler(root string) *artifactHandler {
	return &artifactHandler{root: root}
}

func (h *artifactHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clean := path.Clean("/" + r.URL.Path)
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.HasPrefix(parts[1], ".") {
		http.NotFound(w, r)
		return
	}

	full := filepath.Join(h.root, parts[0], parts[1])
	if !fileExists(full) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, full)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
