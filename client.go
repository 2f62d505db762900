package echttp

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"

	"github.com/pmartin-io/echttp/internal/httpcodec"
	"github.com/pmartin-io/echttp/pkg/timing"
)

// ResponseFunc receives a completed response, or a synthetic 505 if the
// underlying TCP connection failed before one arrived.
type ResponseFunc func(resp *Response)

// Response is the client-visible view of a parsed HTTP response.
type Response struct {
	Status  int
	Reason  string
	Headers map[string]string
	Body    []byte

	// Timing breaks down how long the connect and the wait for the fully
	// parsed response took for this leg (a redirect chase reports the last
	// leg's timing, not the cumulative chain).
	Timing timing.Metrics
}

// Client holds one outbound request's method/URL until Submit dials out.
// It mirrors the echttp_client(method, url) builder.
type Client struct {
	server   *Server
	method   string
	scheme   string
	host     string
	path     string
	headers  map[string]string
	body     []byte
	maxRedir int
}

// NewClient parses method and url into a Client ready for Submit.
// Redirects are followed up to 5 times by default; call MaxRedirects to
// change that.
func (s *Server) NewClient(method, url string) (*Client, error) {
	scheme, host, path, err := splitURL(url)
	if err != nil {
		return nil, err
	}
	return &Client{
		server:   s,
		method:   strings.ToUpper(method),
		scheme:   scheme,
		host:     host,
		path:     path,
		headers:  map[string]string{},
		maxRedir: 5,
	}, nil
}

// NewClient is the package-level convenience wrapper over Default().
func NewClient(method, url string) (*Client, error) { return Default().NewClient(method, url) }

// SetHeader attaches a request header to be sent with Submit.
func (c *Client) SetHeader(name, value string) { c.headers[name] = value }

// SetBody attaches a request body and its Content-Length.
func (c *Client) SetBody(body []byte) { c.body = body }

// MaxRedirects overrides the default redirect-following limit.
func (c *Client) MaxRedirects(n int) { c.maxRedir = n }

// Submit dials the client's host non-blockingly and arranges for cb to
// be invoked with the (possibly redirect-chased) final response,
// matching non-blocking connect-with-EINPROGRESS contract.
func (c *Client) Submit(cb ResponseFunc) error {
	return c.submit(c.method, c.path, cb, 0)
}

func (c *Client) submit(method, path string, cb ResponseFunc, redirects int) error {
	timer := timing.NewTimer()
	timer.StartTCP()
	slot, _, err := c.server.reactor.Dial(c.host)
	timer.EndTCP()
	if err != nil {
		return err
	}

	if c.scheme == "https" {
		timer.StartTLS()
		hostOnly := c.host
		if idx := strings.LastIndexByte(hostOnly, ':'); idx >= 0 {
			hostOnly = hostOnly[:idx]
		}
		received := func(data []byte) {
			var codecErr error
			onErr := func(err error) { codecErr = err }
			if cerr := slot.Codec.Feed(data); cerr != nil {
				onErr(cerr)
			} else {
				slot.Codec.FeedPending(onErr)
			}
			if codecErr != nil {
				slot.Codec.TCPError()
				c.server.reactor.CloseSlot(slot)
			}
		}
		if err := c.server.reactor.AttachTLS(slot, c.server.tlsConfig, hostOnly, false, received); err != nil {
			return err
		}
		timer.EndTLS()
	}
	timer.StartTTFB()

	slot.Codec.ClientResponse = func(rc *httpcodec.RequestContext) {
		timer.EndTTFB()
		resp := &Response{Status: rc.Status, Reason: rc.Reason, Body: rc.Content, Headers: map[string]string{}, Timing: timer.GetMetrics()}
		rc.InHeaders.Enumerate(func(name, value string) bool {
			resp.Headers[name] = value
			return true
		})

		if loc, ok := resp.Headers["Location"]; ok && isRedirect(resp.Status) && redirects < c.maxRedir {
			next := redirectedMethod(method, resp.Status)
			if strings.Contains(loc, "://") {
				if _, host, p, err := splitURL(loc); err == nil {
					c.host = host
					loc = p
				}
			}
			c.submit(next, loc, cb, redirects+1)
			return
		}
		cb(resp)
	}
	slot.Codec.BeginResponse()

	req := renderRequest(method, path, c.host, c.headers, c.body)
	c.server.reactor.Send(slot, req)
	return nil
}

// redirectedMethod implements the redirected(method) helper: a 303
// always downgrades to GET; 301/302/307/308 preserve the original
// method, matching RFC 7231 guidance the original library follows.
func redirectedMethod(method string, status int) string {
	if status == 303 {
		return "GET"
	}
	return method
}

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

func renderRequest(method, path, host string, hdrs map[string]string, body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", method, path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	for k, v := range hdrs {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}

func splitURL(url string) (scheme, host, path string, err error) {
	rest := url
	if idx := strings.Index(rest, "://"); idx >= 0 {
		scheme = rest[:idx]
		rest = rest[idx+3:]
	} else {
		scheme = "http"
	}
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		host, path = rest, "/"
	} else {
		host, path = rest[:slash], rest[slash:]
	}
	if host == "" {
		return "", "", "", fmt.Errorf("echttp: missing host in url %q", url)
	}

	hostname, port := host, ""
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		hostname, port = host[:idx], host[idx:]
	}
	if ascii, err := idna.Lookup.ToASCII(hostname); err == nil {
		hostname = ascii
	}
	host = hostname + port

	if port == "" {
		if scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return scheme, host, path, nil
}
