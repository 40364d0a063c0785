package api

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
)

const placeholderPage = `<!doctype html>
<html>
  <body>
    <h1>Autonomous Supply Chain Control Tower</h1>
    <p>Static files not found. Put an index.html in the static directory.</p>
  </body>
</html>
`

type testImage struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func isTestImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func (h *Handler) listTestImages(w http.ResponseWriter, r *http.Request) {
	images := []testImage{}
	if h.opts.TestImagesDir == "" {
		writeJSON(w, http.StatusOK, map[string]any{"images": images})
		return
	}
	entries, err := os.ReadDir(h.opts.TestImagesDir)
	if err != nil && !os.IsNotExist(err) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isTestImage(e.Name()) {
			continue
		}
		images = append(images, testImage{Name: e.Name(), URL: "/api/test-image/" + e.Name()})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Name < images[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"images": images})
}

func (h *Handler) getTestImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if h.opts.TestImagesDir == "" || name != filepath.Base(name) || strings.Contains(name, "..") || !isTestImage(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "image not found"})
		return
	}
	path := filepath.Join(h.opts.TestImagesDir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "image not found"})
		return
	}
	http.ServeFile(w, r, path)
}

func (h *Handler) index(w http.ResponseWriter, r *http.Request) {
	if h.opts.StaticDir != "" {
		path := filepath.Join(h.opts.StaticDir, "index.html")
		if _, err := os.Stat(path); err == nil {
			http.ServeFile(w, r, path)
			return
		}
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(placeholderPage))
}
