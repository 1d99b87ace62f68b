package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var staticContentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
}

// StaticHandler serves files from a directory for the browser front end.
// Paths resolving outside the directory, symlinks included, are refused.
type StaticHandler struct {
	root         string
	resolvedRoot string
}

func NewStaticHandler(root string) (*StaticHandler, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// A missing root just means every lookup 404s.
		resolved = abs
	}
	return &StaticHandler{root: abs, resolvedRoot: resolved}, nil
}

func (s *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/")
	if rel == "" {
		rel = "index.html"
	}

	target := filepath.Join(s.root, filepath.FromSlash(rel))
	if !within(s.root, target) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	if !within(s.resolvedRoot, resolved) {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}

	contentType, ok := staticContentTypes[strings.ToLower(filepath.Ext(resolved))]
	if !ok {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
