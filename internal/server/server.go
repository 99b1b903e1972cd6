package server

import (
	"errors"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/sjawhar/ghost-minutes/internal/config"
)

type ControlHooks struct {
	Warnings func() []string
	Presets  func() map[string]config.Preset
}

// Handler builds the HTTP surface. staticFS may be nil, in which case only
// the API and websocket routes are served.
func Handler(staticFS fs.FS, hub *Hub, deps Deps) (http.Handler, error) {
	if hub == nil {
		return nil, errors.New("server: hub is required")
	}
	if deps.Sessions == nil || deps.Folders == nil {
		return nil, errors.New("server: sessions and folders are required")
	}

	mux := http.NewServeMux()

	registerWSRoute(mux, hub, deps.Sessions)
	registerAPIRoutes(mux, deps)

	if staticFS != nil {
		mux.HandleFunc("/", serveSPA(staticFS))
	}

	return mux, nil
}

func serveSPA(staticFS fs.FS) func(http.ResponseWriter, *http.Request) {
	fileServer := http.FileServer(http.FS(staticFS))
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		if r.URL.Path == "/manifest.json" || r.URL.Path == "/manifest.webmanifest" {
			w.Header().Set("Content-Type", "application/manifest+json")
		}

		// Client-side routes have no extension and all render index.html.
		cleanPath := path.Clean(strings.TrimPrefix(r.URL.Path, "/"))
		if cleanPath == "." || cleanPath == "" || !strings.Contains(cleanPath, ".") {
			http.ServeFileFS(w, r, staticFS, "index.html")
			return
		}
		r.URL.Path = "/" + cleanPath
		fileServer.ServeHTTP(w, r)
	}
}
