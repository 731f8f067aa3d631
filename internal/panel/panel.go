package panel

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"os"
	"path"
)

//go:embed web
var content embed.FS

const indexTemplate = "index.html"

// Page is the data rendered into the dashboard template.
type Page struct {
	// DeviceHost is the configured device address shown in the header.
	DeviceHost string

	// Version is the gateway build version shown in the footer.
	Version string
}

// Handler returns an http.Handler serving the dashboard.
//
// "/" and "/index.html" render the page template with page. Files under
// /static/ are served as-is. Anything else is 404.
//
// When dir is non-empty and the directory exists, the template and assets are
// read from disk on every request (dev mode, edits show without a rebuild).
// Otherwise the embedded copy is used.
// Panics if the embedded assets cannot be loaded (build error).
func Handler(dir string, page Page) http.Handler {
	var webFS fs.FS
	devMode := false

	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			webFS = os.DirFS(dir)
			devMode = true
		}
	}
	if webFS == nil {
		sub, err := fs.Sub(content, "web")
		if err != nil {
			panic(fmt.Sprintf("panel: failed to load embedded web assets: %v", err))
		}
		webFS = sub
	}

	var cached *template.Template
	if !devMode {
		cached = template.Must(template.ParseFS(webFS, indexTemplate))
	}

	fileServer := http.FileServer(http.FS(webFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, must-revalidate")

		upath := path.Clean("/" + r.URL.Path)
		switch {
		case upath == "/" || upath == "/"+indexTemplate:
			tmpl := cached
			if tmpl == nil {
				parsed, err := template.ParseFS(webFS, indexTemplate)
				if err != nil {
					http.Error(w, "template error", http.StatusInternalServerError)
					return
				}
				tmpl = parsed
			}
			renderIndex(w, tmpl, page)

		case path.Dir(upath) == "/static":
			fileServer.ServeHTTP(w, r)

		default:
			http.NotFound(w, r)
		}
	})
}

// renderIndex buffers the render so a template failure never sends a partial
// page with a 200 status.
func renderIndex(w http.ResponseWriter, tmpl *template.Template, page Page) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, page); err != nil {
		http.Error(w, "template error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Best-effort write to response; connection may be closed
	buf.WriteTo(w)
}
