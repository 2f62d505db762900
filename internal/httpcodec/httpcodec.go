// Package httpcodec implements incremental header parsing,
// Content-Length/chunked body framing, the pipelining gate (one request
// dispatched per Feed call), and response-line construction for both the
// server and client roles.
package httpcodec

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pmartin-io/echttp/internal/headers"
	"github.com/pmartin-io/echttp/internal/pctencode"
	"github.com/pmartin-io/echttp/pkg/constants"
	"github.com/pmartin-io/echttp/pkg/errors"
)

// Mode selects which side of the protocol a Conn parses.
type Mode int

const (
	ServerMode Mode = iota
	ClientMode
)

// Phase is the per-connection HTTP state: {Idle, AwaitingBody, Error}.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingBody
	PhaseError
)

// MaxHeaderBytes bounds the header block size: an incoming header block
// larger than this closes the connection with "data too large".
const MaxHeaderBytes = 100 * 1024

const maxMethodLen = 64
const maxURILen = 512

// RequestContext is the per-slot "HTTP request context".
type RequestContext struct {
	Phase         Phase
	ProtectedDone bool

	Method string
	URI    string // full target as received (path + ?query)
	Path   string
	Query  string

	Content           []byte
	ContentLength     int
	ContentLengthOut  int
	Chunked           bool
	chunkNeedsMore    bool // true once we've recognized chunked framing but haven't seen the terminator yet

	RouteID int

	Status int
	Reason string

	// ForceClose is set by sendError to tell the caller this response must
	// be the connection's last, regardless of any keep-alive header.
	ForceClose bool

	InHeaders  *headers.Map
	OutHeaders *headers.Map
	Params     *headers.Map

	QueuedBody [][]byte

	// SpoolPath holds the path of a temp file an async handler streamed
	// the request body into, set by the caller before Execute runs.
	SpoolPath string

	// TransferFd/TransferSize, when TransferFd >= 0, ask the reactor to
	// append a zero-copy sendfile transfer after the rendered headers
	// and any queued body bytes (trailing Transfer step).
	TransferFd   int
	TransferSize int64

	// client-mode fields
	StatusLine int
}

// NewRequestContext returns a context with the default 200/"OK" reply and
// empty header/parameter maps, ready for one request/response cycle.
func NewRequestContext() *RequestContext {
	return &RequestContext{
		Status:     200,
		Reason:     "OK",
		InHeaders:  headers.New(),
		OutHeaders: headers.New(),
		Params:     headers.New(),
		TransferFd: -1,
	}
}

// Reset prepares rc for the next message on a keep-alive connection.
func (rc *RequestContext) Reset() {
	rc.Phase = PhaseIdle
	rc.ProtectedDone = false
	rc.Method = ""
	rc.URI = ""
	rc.Path = ""
	rc.Query = ""
	rc.Content = nil
	rc.ContentLength = 0
	rc.ContentLengthOut = 0
	rc.Chunked = false
	rc.chunkNeedsMore = false
	rc.RouteID = 0
	rc.Status = 200
	rc.Reason = "OK"
	rc.ForceClose = false
	rc.InHeaders.Reset()
	rc.OutHeaders.Reset()
	rc.Params.Reset()
	rc.QueuedBody = rc.QueuedBody[:0]
	rc.TransferFd = -1
	rc.TransferSize = 0
	rc.SpoolPath = ""
}

// AppendBody queues an owned byte segment onto the response body, per
// the "queued_body" linked list.
func (rc *RequestContext) AppendBody(b []byte) {
	rc.QueuedBody = append(rc.QueuedBody, append([]byte(nil), b...))
}

// Conn drives one connection's HTTP state machine. All callback fields
// must be set before the first Feed call.
type Conn struct {
	mode Mode
	in   []byte
	ctx  *RequestContext

	// Lookup resolves a request path to a route id, mirroring
	// route.Table.Lookup. Required in ServerMode.
	Lookup func(path string) (id int, found bool)

	// Execute runs the protect chain and the route handler for rc,
	// mutating its Status/OutHeaders/QueuedBody/ContentLengthOut.
	// Required in ServerMode.
	Execute func(rc *RequestContext)

	// Emit hands fully rendered response bytes (status line through the
	// blank line, plus any inline body) to the output pipeline.
	Emit func(rc *RequestContext, rendered []byte)

	// AsyncStart is consulted when a request body exceeds buffered
	// input and the matched route registered an async handler. It may
	// return a file descriptor to stream the remaining body into.
	AsyncStart func(rc *RequestContext, partial []byte) (fd int, accepted bool)

	// AsyncWrite feeds subsequent body bytes to an in-flight async
	// transfer fd. done is true once the declared Content-Length has
	// been fully written.
	AsyncWrite func(fd int, chunk []byte) (done bool, err error)

	asyncFd     int
	asyncActive bool

	// ClientResponse is invoked once a full response has been parsed
	// (ClientMode), or immediately with Status 505 on a TCP error or
	// protocol violation while a response was pending.
	ClientResponse func(rc *RequestContext)

	awaitingResponse bool
}

// NewConn returns an idle Conn ready for Feed calls.
func NewConn(mode Mode) *Conn {
	return &Conn{mode: mode, ctx: NewRequestContext(), asyncFd: -1}
}

// Phase reports the connection's current HTTP phase.
func (c *Conn) Phase() Phase { return c.ctx.Phase }

// Context returns the in-flight request context, letting AsyncStart and
// AsyncWrite callbacks read framing details (Content-Length) and record
// results (SpoolPath) without threading extra parameters through Feed.
func (c *Conn) Context() *RequestContext { return c.ctx }

// BeginResponse marks that a response is now expected on this
// connection (client mode), so a later TCP error can still invoke
// ClientResponse with status 505.
func (c *Conn) BeginResponse() {
	c.awaitingResponse = true
}

// TCPError reports that the underlying connection failed (a read or
// write returned a fatal error). Any transfer in flight is the caller's
// responsibility to cancel; here we just fire the pending client
// callback, if any.
func (c *Conn) TCPError() {
	if c.mode == ClientMode && c.awaitingResponse && c.ClientResponse != nil {
		rc := c.ctx
		rc.Status = 505
		rc.Reason = "TCP error"
		c.ClientResponse(rc)
		c.awaitingResponse = false
	}
}

// Feed appends newly received bytes and drives the state machine exactly
// one request/response forward: after a message is fully dispatched,
// Feed returns even if more bytes remain buffered, relying on the
// caller to re-invoke it (with data == nil) on the next tick, or via
// FeedPending, to process a second pipelined message already sitting in
// the buffer.
func (c *Conn) Feed(data []byte) error {
	c.in = append(c.in, data...)

	if c.ctx.Phase == PhaseAwaitingBody {
		return c.continueBody()
	}

	return c.parseHead()
}

// Pending returns the number of input bytes buffered but not yet
// dispatched.
func (c *Conn) Pending() int { return len(c.in) }

// HasPending reports whether any input bytes remain buffered.
func (c *Conn) HasPending() bool { return len(c.in) > 0 }

// FeedPending re-invokes Feed with no new data for as long as doing so
// keeps making progress against buffered input. This is how a second (or
// third...) pipelined request already sitting in c.in after one Feed
// call dispatched the first gets processed, since epoll's level-trigger
// won't fire again for bytes the kernel has already delivered. onError,
// if non-nil, is called for each codec error; draining stops there.
func (c *Conn) FeedPending(onError func(error)) {
	for c.HasPending() {
		before := c.Pending()
		if err := c.Feed(nil); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if c.Pending() == before {
			return
		}
	}
}

func (c *Conn) parseHead() error {
	idx := bytes.Index(c.in, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(c.in) > MaxHeaderBytes {
			c.ctx.Phase = PhaseError
			return errors.NewCapacityError("input buffer")
		}
		return nil // need more data
	}

	headBlock := c.in[:idx]
	bodyStart := idx + 4

	lines := strings.Split(string(headBlock), "\r\n")
	if len(lines) == 0 {
		return c.fail406("empty request")
	}

	rc := c.ctx

	if c.mode == ClientMode {
		if err := parseStatusLine(lines[0], rc); err != nil {
			c.ctx.Phase = PhaseError
			if c.ClientResponse != nil {
				rc.Status = 505
				rc.Reason = "bad status line"
				c.ClientResponse(rc)
			}
			return err
		}
	} else {
		if err := c.parseRequestLine(lines[0], rc); err != nil {
			return err
		}
	}

	rc.InHeaders.Reset()
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)
		if !headers.ValidName(name) || !headers.ValidValue(value) {
			continue
		}
		rc.InHeaders.Set(name, value)
	}

	c.in = c.in[bodyStart:]
	return c.afterHeaders()
}

func (c *Conn) parseRequestLine(line string, rc *RequestContext) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return c.fail406("malformed request line")
	}
	method, target := fields[0], fields[1]
	if len(method) > maxMethodLen || len(target) > maxURILen {
		return c.fail406("request line too long")
	}

	path, query, _ := strings.Cut(target, "?")
	decodedPath, err := pctencode.UnescapeString(path)
	if err != nil {
		return c.fail406("bad percent-encoding")
	}
	if strings.Contains(decodedPath, "..") {
		c.ctx.Phase = PhaseError
		return errors.NewTraversalError(target)
	}

	rc.Method = method
	rc.URI = target
	rc.Path = decodedPath
	rc.Query = query
	rc.Params.Reset()
	parseQueryInto(query, rc.Params)

	if c.Lookup != nil {
		if id, found := c.Lookup(decodedPath); found {
			rc.RouteID = id
		} else {
			rc.RouteID = 0
			c.sendError(rc, 404, "Not found")
			return nil
		}
	}
	return nil
}

func parseQueryInto(query string, into *headers.Map) {
	if query == "" {
		return
	}
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		dk, err1 := pctencode.UnescapeString(k)
		dv, err2 := pctencode.UnescapeString(v)
		if err1 != nil || err2 != nil {
			continue
		}
		into.Set(dk, dv)
	}
}

func parseStatusLine(line string, rc *RequestContext) error {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/1.") {
		return errors.NewParseError("bad status line", nil)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code >= 600 {
		return errors.NewParseError("bad status code", err)
	}
	rc.StatusLine = code
	rc.Status = code
	if len(fields) == 3 {
		rc.Reason = fields[2]
	}
	return nil
}

func (c *Conn) fail406(reason string) error {
	if c.mode == ServerMode {
		c.sendError(c.ctx, 406, reason)
		return nil
	}
	c.ctx.Phase = PhaseError
	return errors.NewParseError(reason, nil)
}

// sendError renders and emits a minimal error response for the server
// role and marks the connection for closure once it's flushed: every
// status sendError is used for (404 route misses, 406 parse failures)
// closes per the error table, regardless of any keep-alive header on
// the request that triggered it.
func (c *Conn) sendError(rc *RequestContext, status int, reason string) {
	rc.Status = status
	rc.Reason = reason
	rc.ForceClose = true
	rendered := RenderResponse(rc)
	if c.Emit != nil {
		c.Emit(rc, rendered)
	}
	rc.Reset()
}

func (c *Conn) afterHeaders() error {
	rc := c.ctx

	if cl, ok := rc.InHeaders.Get("Content-Length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 || int64(n) > constants.MaxContentLength {
			return c.fail406("bad content-length")
		}
		rc.ContentLength = n
		if n == 0 {
			rc.Content = nil
			return c.dispatch()
		}
		if len(c.in) >= n {
			rc.Content = c.in[:n]
			c.in = c.in[n:]
			return c.dispatch()
		}
		// Not enough buffered yet: offer the async path if the matched
		// route opted in.
		rc.Phase = PhaseAwaitingBody
		if c.mode == ServerMode && c.AsyncStart != nil {
			if fd, ok := c.AsyncStart(rc, c.in); ok {
				// AsyncStart has already received the partial body, so
				// only bytes arriving after this point go to AsyncWrite.
				c.asyncFd = fd
				c.asyncActive = true
				c.in = nil
				return nil
			}
		}
		return nil
	}

	if te, ok := rc.InHeaders.Get("Transfer-Encoding"); ok {
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			c.ctx.Phase = PhaseError
			return errors.NewUnsupportedEncodingError(te)
		}
		rc.Chunked = true
		rc.Phase = PhaseAwaitingBody
		return c.continueBody()
	}

	rc.Content = nil
	rc.ContentLength = 0
	return c.dispatch()
}

func (c *Conn) continueBody() error {
	rc := c.ctx

	if c.asyncActive {
		return c.feedAsync(nil)
	}

	if rc.Chunked {
		decoded, complete, err := decodeChunked(c.in)
		if err != nil {
			c.ctx.Phase = PhaseError
			return err
		}
		if !complete {
			return nil // need more data; chunk decode currently requires the full body buffered
		}
		rc.Content = decoded
		rc.ContentLength = len(decoded)
		c.in = nil
		return c.dispatch()
	}

	if len(c.in) >= rc.ContentLength {
		rc.Content = c.in[:rc.ContentLength]
		c.in = c.in[rc.ContentLength:]
		return c.dispatch()
	}
	return nil
}

// feedAsync writes newly buffered bytes (or the data passed to the Feed
// call that triggered this, when chunk is nil meaning "use c.in") to the
// in-flight async transfer fd, completing the request once
// ContentLength bytes have been written.
func (c *Conn) feedAsync(chunk []byte) error {
	rc := c.ctx
	if chunk == nil {
		chunk, c.in = c.in, nil
	}
	if len(chunk) == 0 {
		return nil
	}
	done, err := c.AsyncWrite(c.asyncFd, chunk)
	if err != nil {
		c.ctx.Phase = PhaseError
		return err
	}
	if !done {
		return nil
	}
	c.asyncActive = false
	c.asyncFd = -1
	rc.Content = nil
	return c.dispatch()
}

// dispatch hands a fully framed message to the appropriate side: the
// server executes the matched route and emits a response; the client
// hands the parsed response to its callback. Either way the state is
// reset for the next message and Feed returns, dispatching at most one
// message per call.
func (c *Conn) dispatch() error {
	rc := c.ctx
	rc.Phase = PhaseIdle

	if c.mode == ClientMode {
		c.awaitingResponse = false
		if c.ClientResponse != nil {
			c.ClientResponse(rc)
		}
		rc.Reset()
		return nil
	}

	if rc.RouteID == 0 && c.Lookup != nil {
		// already handled (404) inside parseRequestLine
		rc.Reset()
		return nil
	}

	if c.Execute != nil {
		c.Execute(rc)
	}
	if rc.Status < 200 || rc.Status >= 300 {
		// A handler or protect hook that sets a non-2xx status has its
		// queued body and headers discarded: the response it emits is a
		// minimal status line only, never a mix of error status and
		// handler-written content. The one header kept is Location on a
		// 3xx, without which a redirect would be meaningless.
		location, hasLocation := rc.OutHeaders.Get("Location")
		rc.QueuedBody = rc.QueuedBody[:0]
		rc.OutHeaders.Reset()
		if hasLocation && rc.Status >= 300 && rc.Status < 400 {
			rc.OutHeaders.Set("Location", location)
		}
		rc.ContentLengthOut = 0
		rc.TransferFd = -1
		rc.TransferSize = 0
	}
	rendered := RenderResponse(rc)
	if c.Emit != nil {
		c.Emit(rc, rendered)
	}
	rc.Reset()
	return nil
}

// decodeChunked decodes an HTTP chunked body assumed to be entirely
// present in buf; streaming chunk decode across reads is not
// implemented. It returns the concatenated chunk payloads, whether the
// terminating zero-size chunk was found, and a parse error for malformed
// chunk framing.
func decodeChunked(buf []byte) (decoded []byte, complete bool, err error) {
	rest := buf
	for {
		lineEnd := bytes.Index(rest, []byte("\r\n"))
		if lineEnd < 0 {
			return decoded, false, nil
		}
		sizeLine := string(rest[:lineEnd])
		if semi := strings.IndexByte(sizeLine, ';'); semi >= 0 {
			sizeLine = sizeLine[:semi]
		}
		size, cErr := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if cErr != nil || size < 0 {
			return nil, false, errors.NewParseError("bad chunk size", cErr)
		}
		rest = rest[lineEnd+2:]
		if size == 0 {
			return decoded, true, nil
		}
		if int64(len(rest)) < size+2 {
			return decoded, false, nil
		}
		decoded = append(decoded, rest[:size]...)
		rest = rest[size:]
		if !bytes.HasPrefix(rest, []byte("\r\n")) {
			return nil, false, errors.NewParseError("malformed chunk terminator", nil)
		}
		rest = rest[2:]
	}
}

// RenderResponse builds the status line, date/content-length headers,
// application headers, the blank line, and the inline body — everything
// the output pipeline needs before an optional trailing file transfer.
func RenderResponse(rc *RequestContext) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", rc.Status, rc.Reason)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123))

	bodyLen := 0
	if rc.ContentLengthOut > 0 {
		bodyLen = rc.ContentLengthOut
	} else {
		for _, seg := range rc.QueuedBody {
			bodyLen += len(seg)
		}
		bodyLen += int(rc.TransferSize)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", bodyLen)

	rc.OutHeaders.Enumerate(func(name, value string) bool {
		fmt.Fprintf(&b, "%s: %s\r\n", headers.Canonical(name), value)
		return true
	})
	b.WriteString("\r\n")
	for _, seg := range rc.QueuedBody {
		b.Write(seg)
	}
	return b.Bytes()
}
