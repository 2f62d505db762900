package httpcodec

import (
	"strconv"
	"strings"
	"testing"

	"github.com/pmartin-io/echttp/internal/headers"
)

func newTestConn() (*Conn, *int) {
	dispatched := 0
	c := NewConn(ServerMode)
	c.Lookup = func(path string) (int, bool) { return 1, true }
	c.Execute = func(rc *RequestContext) {
		dispatched++
		rc.AppendBody([]byte("ok"))
	}
	c.Emit = func(rc *RequestContext, rendered []byte) {}
	return c, &dispatched
}

func TestFeedCompleteRequestNoBody(t *testing.T) {
	c, dispatched := newTestConn()
	req := "GET /hello HTTP/1.1\r\nHost: example.com\r\n\r\n"
	if err := c.Feed([]byte(req)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if *dispatched != 1 {
		t.Fatalf("dispatched = %d, want 1", *dispatched)
	}
}

func TestFeedContentLengthBody(t *testing.T) {
	c, dispatched := newTestConn()
	body := "name=value"
	req := "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: " +
		strconv.Itoa(len(body)) + "\r\n\r\n" + body
	var gotBody string
	c.Execute = func(rc *RequestContext) {
		*dispatched++
		gotBody = string(rc.Content)
	}
	if err := c.Feed([]byte(req)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if gotBody != body {
		t.Fatalf("body = %q, want %q", gotBody, body)
	}
}

func TestOneRequestDispatchedPerFeedCall(t *testing.T) {
	c, dispatched := newTestConn()
	two := "GET /a HTTP/1.1\r\nHost: h\r\n\r\n" + "GET /b HTTP/1.1\r\nHost: h\r\n\r\n"
	if err := c.Feed([]byte(two)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if *dispatched != 1 {
		t.Fatalf("dispatched = %d, want exactly 1 (pipelining gate)", *dispatched)
	}

	// The second, still-buffered request is only parsed on a later Feed
	// call (simulating the reactor's next readiness tick with no new
	// bytes), per the one-dispatch-per-Feed-call rule.
	if err := c.Feed(nil); err != nil {
		t.Fatalf("second Feed error: %v", err)
	}
	if *dispatched != 2 {
		t.Fatalf("dispatched after second Feed = %d, want 2", *dispatched)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	c, _ := newTestConn()
	req := "GET /../etc/passwd HTTP/1.1\r\nHost: h\r\n\r\n"
	err := c.Feed([]byte(req))
	if err == nil {
		t.Fatalf("expected a traversal error, got nil")
	}
}

func TestChunkedBodyDecoded(t *testing.T) {
	c, dispatched := newTestConn()
	var gotBody string
	c.Execute = func(rc *RequestContext) {
		*dispatched++
		gotBody = string(rc.Content)
	}
	req := "POST /upload HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"
	if err := c.Feed([]byte(req)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if gotBody != "hello world" {
		t.Fatalf("decoded body = %q, want %q", gotBody, "hello world")
	}
}

func TestRouteNotFoundSends404(t *testing.T) {
	c := NewConn(ServerMode)
	c.Lookup = func(path string) (int, bool) { return 0, false }
	var status int
	var forceClose bool
	c.Emit = func(rc *RequestContext, rendered []byte) { status, forceClose = rc.Status, rc.ForceClose }
	req := "GET /missing HTTP/1.1\r\nHost: h\r\n\r\n"
	if err := c.Feed([]byte(req)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if status != 404 {
		t.Fatalf("status = %d, want 404", status)
	}
	if !forceClose {
		t.Fatalf("ForceClose = false, want true for a 404 response")
	}
}

func TestMalformedRequestLineSends406AndCloses(t *testing.T) {
	c := NewConn(ServerMode)
	c.Lookup = func(path string) (int, bool) { return 1, true }
	var status int
	var forceClose bool
	c.Emit = func(rc *RequestContext, rendered []byte) { status, forceClose = rc.Status, rc.ForceClose }
	req := "BADREQUESTLINE\r\nHost: h\r\n\r\n"
	if err := c.Feed([]byte(req)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if status != 406 {
		t.Fatalf("status = %d, want 406", status)
	}
	if !forceClose {
		t.Fatalf("ForceClose = false, want true for a 406 response")
	}
}

func TestFeedPendingDrainsSecondPipelinedRequest(t *testing.T) {
	c, dispatched := newTestConn()
	two := "GET /a HTTP/1.1\r\nHost: h\r\n\r\n" + "GET /b HTTP/1.1\r\nHost: h\r\n\r\n"
	if err := c.Feed([]byte(two)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if *dispatched != 1 {
		t.Fatalf("dispatched = %d, want 1 before draining", *dispatched)
	}

	var drainErr error
	c.FeedPending(func(err error) { drainErr = err })
	if drainErr != nil {
		t.Fatalf("FeedPending reported error: %v", drainErr)
	}
	if *dispatched != 2 {
		t.Fatalf("dispatched after FeedPending = %d, want 2", *dispatched)
	}
	if c.HasPending() {
		t.Fatalf("HasPending() = true after draining both pipelined requests")
	}
}

func TestNonSuccessStatusDiscardsQueuedBody(t *testing.T) {
	c := NewConn(ServerMode)
	c.Lookup = func(path string) (int, bool) { return 1, true }
	c.Execute = func(rc *RequestContext) {
		rc.AppendBody([]byte("this body must not reach the wire"))
		rc.OutHeaders.Set("X-Debug", "leaked")
		rc.Status = 500
		rc.Reason = "Internal error"
	}
	var rendered []byte
	c.Emit = func(rc *RequestContext, out []byte) { rendered = out }
	req := "GET /boom HTTP/1.1\r\nHost: h\r\n\r\n"
	if err := c.Feed([]byte(req)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if string(rendered) == "" {
		t.Fatalf("expected a rendered response")
	}
	if bodyContains(rendered, "this body must not reach the wire") {
		t.Fatalf("queued body leaked into a non-2xx response: %q", rendered)
	}
	if bodyContains(rendered, "X-Debug") {
		t.Fatalf("queued header leaked into a non-2xx response: %q", rendered)
	}
}

func bodyContains(haystack []byte, needle string) bool {
	return len(needle) > 0 && strings.Contains(string(haystack), needle)
}

func TestMalformedHeaderLineDropped(t *testing.T) {
	c, _ := newTestConn()
	var gotHeaders *headers.Map
	c.Execute = func(rc *RequestContext) { gotHeaders = rc.InHeaders }
	req := "GET /hello HTTP/1.1\r\nHost: h\r\nX-Bad\x01Name: oops\r\n\r\n"
	if err := c.Feed([]byte(req)); err != nil {
		t.Fatalf("Feed error: %v", err)
	}
	if _, ok := gotHeaders.Get("X-Bad\x01Name"); ok {
		t.Fatalf("a header with a control character in its name should have been dropped")
	}
	if v, ok := gotHeaders.Get("Host"); !ok || v != "h" {
		t.Fatalf("well-formed headers should still be parsed, got Host=%q ok=%v", v, ok)
	}
}
