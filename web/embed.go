// Package web serves the operator console: a single static page with forms
// for pairing, task upload, status and stop, plus a live log viewer on
// /ws/task-logs.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"path"
)

//go:embed all:dist
var distFS embed.FS

// ConsoleHandler serves the embedded console. Paths without a file
// extension fall back to the console page; a missing asset is a 404.
func ConsoleHandler() http.Handler {
	root, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: embedded console missing: " + err.Error())
	}
	files := http.FileServerFS(root)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		name := path.Clean("/" + r.URL.Path)[1:]
		if name == "" {
			files.ServeHTTP(w, r)
			return
		}
		if _, err := fs.Stat(root, name); err == nil {
			files.ServeHTTP(w, r)
			return
		}
		if path.Ext(name) != "" {
			http.NotFound(w, r)
			return
		}

		http.ServeFileFS(w, r, root, "index.html")
	})
}
