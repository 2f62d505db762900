// Package echttp is a small, single-threaded embedded HTTP/1.1 server and
// client library built around a cooperative, readiness-based event loop:
// one process, one reactor goroutine, every request context passed
// explicitly rather than reached for through global state.
package echttp

import (
	"time"

	"github.com/pmartin-io/echttp/internal/logging"
	"github.com/pmartin-io/echttp/internal/reactor"
	"github.com/pmartin-io/echttp/internal/route"
	"github.com/pmartin-io/echttp/internal/tlsadapter"
	"github.com/pmartin-io/echttp/pkg/constants"
)

// Version identifies this library's release.
const Version = "1.0.0"

// Handler answers one request synchronously: by the time it returns, the
// response status, headers and body must be fully set on ctx.
type Handler func(ctx *Context)

// ProtectFunc gates a request before its handler runs. Returning false
// stops dispatch; the hook is expected to have already set an
// appropriate status (401/403/429...) on ctx.
type ProtectFunc func(ctx *Context) bool

// AsyncFunc is consulted once a request's declared Content-Length exceeds
// what is already buffered. Returning true opts the route into streaming
// the remainder of the body to a temporary file instead of buffering it
// in memory; ctx.Body() is empty when the handler eventually runs and the
// spooled file's path is available via ctx.SpooledBodyPath().
type AsyncFunc func(ctx *Context) bool

// Server owns one reactor, one route table and the listeners registered
// against it. Nearly every embedding application needs exactly one, so
// the package-level functions (Route, Listen, Loop, ...) operate against
// a lazily created Default() instance — mirroring the process-wide
// registration style of the C library this package reimplements, kept
// deliberately (only the per-request "current" pointer was replaced with
// an explicit Context).
type Server struct {
	routes  *route.Table
	reactor *reactor.Reactor
	logger  logging.Logger

	idleTimeout time.Duration
	tlsConfig   tlsadapter.Config
	tlsEnabled  bool

	asyncSpoolLimit int64
}

// NewServer creates a Server with its own route table and reactor. The
// reactor's epoll instance is created immediately so Attach can be called
// before the first Listen.
func NewServer() (*Server, error) {
	r, err := reactor.New(constants.DefaultIdleTimeout)
	if err != nil {
		return nil, err
	}
	s := &Server{
		routes:          route.New(),
		reactor:         r,
		logger:          logging.Default(false),
		idleTimeout:     constants.DefaultIdleTimeout,
		asyncSpoolLimit: constants.DefaultBodyMemLimit,
	}
	r.Logger = s.logger
	r.OnAccept(s.handleAccept)
	return s, nil
}

var defaultServer *Server

// Default returns the process-wide Server, creating it on first use.
func Default() *Server {
	if defaultServer == nil {
		s, err := NewServer()
		if err != nil {
			panic(err)
		}
		defaultServer = s
	}
	return defaultServer
}

// SetLogger installs a custom logger, replacing the default stderr
// text logger (the -http-debug only controls its verbosity; an
// embedding application can redirect or structure it entirely).
func (s *Server) SetLogger(l logging.Logger) {
	s.logger = l
	s.reactor.Logger = l
}

// SetIdleTimeout changes how long a managed connection may sit idle
// before the reactor prunes it (the -http-ttl option).
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
	s.reactor.SetIdleTimeout(d)
}

// EnableTLS turns on TLS termination for subsequently accepted
// connections using cfg (certificate/key, CA bundle, version bounds).
func (s *Server) EnableTLS(cfg tlsadapter.Config) {
	s.tlsConfig = cfg
	s.tlsEnabled = true
}

// Route registers an exact-match handler at uri. Re-registering an
// existing uri replaces its handler in place and keeps its route id.
func (s *Server) Route(uri string, h Handler) int {
	return s.routes.Add(uri, route.Exact, h)
}

// RoutePrefix registers a handler for every path beginning with uri,
// with longest-prefix-wins resolution against other registered prefixes.
func (s *Server) RoutePrefix(uri string, h Handler) int {
	return s.routes.Add(uri, route.Prefix, h)
}

// Protect attaches a gate to a specific route id, or (id == 0) installs
// the global gate consulted before every route's own.
func (s *Server) Protect(id int, p ProtectFunc) {
	s.routes.SetProtect(id, p)
}

// SetAsync opts a route into streamed, disk-spooled body consumption for
// requests whose body doesn't fit in the connection's inline buffer.
func (s *Server) SetAsync(id int, a AsyncFunc) {
	s.routes.SetAsync(id, a)
}

// Background registers a hook invoked once per second by the reactor
// loop, whether or not there is I/O activity.
func (s *Server) Background(fn func()) { s.reactor.Background(fn) }

// Fastscan registers a hook invoked on every epoll wakeup.
func (s *Server) Fastscan(fn func()) { s.reactor.Fastscan(fn) }

// Attach registers an application-owned file descriptor with the
// reactor, invoking handler whenever it becomes ready.
func (s *Server) Attach(fd int, wantRead, wantWrite bool, handler reactor.AppFdHandler) error {
	return s.reactor.Attach(fd, wantRead, wantWrite, handler)
}

// Listen starts accepting connections on addr ("host:port"). premium
// listeners are serviced before ordinary ones on every loop iteration.
func (s *Server) Listen(addr string, premium bool) error {
	_, err := s.reactor.Listen(addr, premium)
	return err
}

// Loop runs the event loop until stop is closed.
func (s *Server) Loop(stop <-chan struct{}) error {
	return s.reactor.Run(stop, 1000)
}

// --- package-level convenience wrappers over Default() ---

func Route(uri string, h Handler) int           { return Default().Route(uri, h) }
func RoutePrefix(uri string, h Handler) int      { return Default().RoutePrefix(uri, h) }
func Protect(id int, p ProtectFunc)              { Default().Protect(id, p) }
func SetAsync(id int, a AsyncFunc)               { Default().SetAsync(id, a) }
func Background(fn func())                       { Default().Background(fn) }
func Fastscan(fn func())                         { Default().Fastscan(fn) }
func Listen(addr string, premium bool) error     { return Default().Listen(addr, premium) }
func Loop(stop <-chan struct{}) error            { return Default().Loop(stop) }
func Attach(fd int, r, w bool, h reactor.AppFdHandler) error {
	return Default().Attach(fd, r, w, h)
}
