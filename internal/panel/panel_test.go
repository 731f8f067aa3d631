package panel

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandlerRendersIndex(t *testing.T) {
	handler := Handler("", Page{DeviceHost: "192.168.1.100", Version: "1.2.3"})

	for _, target := range []string{"/", "/index.html"} {
		t.Run(target, func(t *testing.T) {
			w := get(t, handler, target)

			if w.Code != http.StatusOK {
				t.Fatalf("GET %s: got status %d, want 200", target, w.Code)
			}
			body := w.Body.String()
			if !strings.Contains(body, "<!DOCTYPE html>") {
				t.Error("response doesn't contain HTML doctype")
			}
			if !strings.Contains(body, "<code>192.168.1.100</code>") {
				t.Error("response doesn't show the device host")
			}
			if !strings.Contains(body, "coap-gateway 1.2.3") {
				t.Error("response doesn't show the version")
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %q, want text/html", ct)
			}
		})
	}
}

func TestHandlerEscapesDeviceHost(t *testing.T) {
	handler := Handler("", Page{DeviceHost: "<script>alert(1)</script>"})

	body := get(t, handler, "/").Body.String()
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("device host rendered unescaped")
	}
}

func TestHandlerServesStaticAssets(t *testing.T) {
	handler := Handler("", Page{})

	tests := []struct {
		path string
		want string
	}{
		{path: "/static/app.js", want: "/device/metrics/tempvar"},
		{path: "/static/style.css", want: ".gauge"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := get(t, handler, tt.path)
			if w.Code != http.StatusOK {
				t.Fatalf("GET %s: got status %d, want 200", tt.path, w.Code)
			}
			if !strings.Contains(w.Body.String(), tt.want) {
				t.Errorf("GET %s: body missing %q", tt.path, tt.want)
			}
		})
	}
}

func TestHandlerNotFound(t *testing.T) {
	handler := Handler("", Page{})

	for _, target := range []string{"/missing", "/static/missing.js", "/static/../index.html/x"} {
		if w := get(t, handler, target); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: got status %d, want 404", target, w.Code)
		}
	}
}

func TestHandlerCacheHeaders(t *testing.T) {
	handler := Handler("", Page{})

	w := get(t, handler, "/")
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}
}

func TestHandlerDevDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("dev {{.DeviceHost}}"), 0o600); err != nil {
		t.Fatal(err)
	}
	handler := Handler(dir, Page{DeviceHost: "10.0.0.1"})

	w := get(t, handler, "/")
	if got := w.Body.String(); got != "dev 10.0.0.1" {
		t.Errorf("body = %q, want %q", got, "dev 10.0.0.1")
	}

	// Edits are picked up without rebuilding the handler.
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("edited"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := get(t, handler, "/").Body.String(); got != "edited" {
		t.Errorf("body after edit = %q, want %q", got, "edited")
	}
}

func TestHandlerMissingDirFallsBack(t *testing.T) {
	handler := Handler("/nonexistent/panel/dir", Page{DeviceHost: "h"})

	if w := get(t, handler, "/"); w.Code != http.StatusOK {
		t.Errorf("GET /: got status %d, want 200 from embedded assets", w.Code)
	}
}
