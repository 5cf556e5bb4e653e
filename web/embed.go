// Package web embeds the chat frontend (dist/) and serves it as a
// single-page application behind the API routes.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed all:dist
var assets embed.FS

// SPAHandler serves the embedded frontend. Paths that match an embedded
// file are served directly; everything else falls back to index.html so
// client-side routes resolve.
func SPAHandler() http.Handler {
	dist, err := fs.Sub(assets, "dist")
	if err != nil {
		panic("web: embedded dist missing: " + err.Error())
	}

	files := http.FileServer(http.FS(dist))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")
		if name == "" {
			name = "index.html"
		}

		if f, err := dist.Open(name); err == nil {
			f.Close()
			files.ServeHTTP(w, r)
			return
		}

		r.URL.Path = "/"
		files.ServeHTTP(w, r)
	})
}
