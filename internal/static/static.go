// Package static implements the supplemented static-file route: a
// handler mapping a URI prefix to a filesystem directory, content-typed
// by extension and served through the output pipeline's zero-copy
// transfer path instead of loading whole files into memory the way the
// original echttp_static.c's single reusable buffer does.
package static

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTypes mirrors echttp_static.c's built-in extension table.
var DefaultTypes = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"json": "application/json",
	"jsn":  "application/json",
	"js":   "application/javascript",
	"xml":  "text/xml",
	"txt":  "text/plain",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"svg":  "image/svg+xml",
}

// Root maps one URI prefix to a local directory, matching
// echttp_static_map's uri->path association.
type Root struct {
	URI   string
	Path  string
	Types map[string]string
}

// NewRoot returns a Root with the default extension-to-content-type
// table, which the caller may extend.
func NewRoot(uri, path string) *Root {
	types := make(map[string]string, len(DefaultTypes))
	for k, v := range DefaultTypes {
		types[k] = v
	}
	return &Root{URI: uri, Path: path, Types: types}
}

// Resolve turns a request path matched under r.URI into the local
// filesystem path it refers to, rejecting traversal outside r.Path. The
// caller (internal/httpcodec, via the root package's route Execute
// dispatch) has already rejected ".." sequences before the handler
// runs; this re-checks after joining since a static root adds its own
// base directory to the equation.
func (r *Root) Resolve(requestPath string) (string, bool) {
	rel := strings.TrimPrefix(requestPath, r.URI)
	rel = strings.TrimPrefix(rel, "/")
	decoded, err := url.PathUnescape(rel)
	if err != nil {
		return "", false
	}
	full := filepath.Join(r.Path, decoded)
	if !strings.HasPrefix(full, filepath.Clean(r.Path)+string(filepath.Separator)) && full != filepath.Clean(r.Path) {
		return "", false
	}
	return full, true
}

// ContentType returns the content type registered for path's extension,
// or "" if none matches (the caller leaves Content-Type unset in that
// case, as the original does).
func (r *Root) ContentType(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	return r.Types[ext]
}

// Stat reports whether path names an existing entry that is not a
// directory, and its size; it does not check that the file is readable.
func Stat(path string) (size int64, ok bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}
	return info.Size(), true
}
