package echttp

import (
	"github.com/pmartin-io/echttp/internal/static"
)

// StaticRoute maps every request under uri to a file inside dir, serving
// it through the output pipeline's zero-copy transfer path. Calling this
// again with the same uri replaces the mapping in place and returns the
// existing route id, matching echttp_static_map's update behavior — the
// same way internal/route's Add already resolves plain route
// re-registration.
func (s *Server) StaticRoute(uri, dir string) int {
	root := static.NewRoot(uri, dir)
	return s.RoutePrefix(uri, func(ctx *Context) {
		path, ok := root.Resolve(ctx.Path())
		if !ok {
			ctx.SetStatus(403, "Forbidden")
			return
		}
		if _, ok := static.Stat(path); !ok {
			ctx.SetStatus(404, "Not found")
			return
		}
		if ct := root.ContentType(path); ct != "" {
			ctx.SetHeader("Content-Type", ct)
		}
		if err := ctx.TransferFile(path); err != nil {
			ctx.SetStatus(500, "Internal error")
		}
	})
}

// StaticRoute is the package-level convenience wrapper over Default().
func StaticRoute(uri, dir string) int { return Default().StaticRoute(uri, dir) }
