package echttp

import (
	"os"

	"github.com/pmartin-io/echttp/internal/headers"
	"github.com/pmartin-io/echttp/internal/httpcodec"
	"github.com/pmartin-io/echttp/internal/reactor"
	"github.com/pmartin-io/echttp/pkg/errors"
)

// Context is the explicit per-request handle every handler, protect hook
// and async callback receives. It replaces the original C library's
// single global "current" request pointer and its one-element "stacked"
// save slot: instead of a callback reaching into process-global state,
// every entry point is simply passed the Context for the request it
// concerns, which makes concurrent or nested dispatch safe without any
// push/pop bookkeeping.
type Context struct {
	rc     *httpcodec.RequestContext
	slot   *reactor.Slot
	server *Server
}

// Method returns the request's HTTP method.
func (c *Context) Method() string { return c.rc.Method }

// Path returns the decoded request path (query string stripped,
// percent-escapes resolved, validated against path traversal).
func (c *Context) Path() string { return c.rc.Path }

// Parameter returns a decoded query-string parameter.
func (c *Context) Parameter(name string) (string, bool) {
	return c.rc.Params.Get(name)
}

// Header returns a request header value.
func (c *Context) Header(name string) (string, bool) {
	return c.rc.InHeaders.Get(name)
}

// SetHeader sets a response header. A syntactically invalid name or
// value (control characters, stray CR/LF) is silently dropped rather
// than corrupting the rendered response.
func (c *Context) SetHeader(name, value string) {
	if !headers.ValidName(name) || !headers.ValidValue(value) {
		return
	}
	c.rc.OutHeaders.Set(name, value)
}

// SetStatus sets the response status line. A non-2xx code discards any
// body already queued with Send and any headers already set with
// SetHeader once the handler returns: the rendered response is a bare
// status line, never a mix of an error status and handler-written
// content. The only exception is the Location header of a 3xx status,
// which is kept (see Redirect).
func (c *Context) SetStatus(code int, reason string) {
	c.rc.Status = code
	c.rc.Reason = reason
}

// Body returns the request body, empty unless a Content-Length or
// chunked body was present and fully buffered.
func (c *Context) Body() []byte { return c.rc.Content }

// SpooledBodyPath returns the path of the temp file an AsyncFunc
// streamed this request's body into, or "" if the body was buffered
// in memory.
func (c *Context) SpooledBodyPath() string { return c.rc.SpoolPath }

// Send appends data to the response body, matching echttp_content's
// queuing semantics: a handler may call Send multiple times before
// returning, and it is all flushed in order.
func (c *Context) Send(data []byte) {
	c.rc.AppendBody(data)
}

// TransferFile schedules path to be streamed to the peer via zero-copy
// sendfile immediately after the response headers and any Send-queued
// bytes. The caller must not also use Send for body content on the same
// response.
func (c *Context) TransferFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.NewIOError("opening transfer file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.NewIOError("stat transfer file", err)
	}
	c.rc.TransferFd = int(f.Fd())
	c.rc.TransferSize = info.Size()
	c.server.reactor.SetTransferFile(c.slot, f)
	return nil
}

// Redirect is a convenience wrapper setting a 3xx response with a
// Location header.
func (c *Context) Redirect(status int, location string) {
	c.rc.Status = status
	c.rc.Reason = "Redirected"
	c.rc.OutHeaders.Set("Location", location)
}
