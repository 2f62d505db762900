// Package timing measures how a client request's wall-clock time splits
// across TCP connect, TLS handshake and waiting for the first response
// byte, for the breakdown attached to echttp.Response.
package timing

import (
	"fmt"
	"time"
)

// Metrics is the timing breakdown for one request leg.
type Metrics struct {
	TCPConnect   time.Duration `json:"tcp_connect"`
	TLSHandshake time.Duration `json:"tls_handshake"`
	TTFB         time.Duration `json:"ttfb"`
	TotalTime    time.Duration `json:"total_time"`
}

// Timer accumulates the start/end marks Submit calls as a request's
// non-blocking connect and response wait progress.
type Timer struct {
	start     time.Time
	tcpStart  time.Time
	tcpEnd    time.Time
	tlsStart  time.Time
	tlsEnd    time.Time
	ttfbStart time.Time
	ttfbEnd   time.Time
}

// NewTimer starts a new timing session.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// StartTCP marks the beginning of the non-blocking connect.
func (t *Timer) StartTCP() { t.tcpStart = time.Now() }

// EndTCP marks dial() returning, which for echttp's non-blocking connect
// is when connect() reported EINPROGRESS, completed at once, or failed;
// it does not wait for an in-progress connection to finish.
func (t *Timer) EndTCP() { t.tcpEnd = time.Now() }

// StartTLS marks the beginning of the TLS handshake.
func (t *Timer) StartTLS() { t.tlsStart = time.Now() }

// EndTLS marks the TLS attach step returning; on a non-blocking
// connection the handshake may still be in progress at that point.
func (t *Timer) EndTLS() { t.tlsEnd = time.Now() }

// StartTTFB marks when the request has been queued and we start waiting
// for a response.
func (t *Timer) StartTTFB() { t.ttfbStart = time.Now() }

// EndTTFB marks the response callback firing.
func (t *Timer) EndTTFB() { t.ttfbEnd = time.Now() }

// GetMetrics computes the breakdown from whichever marks were set.
func (t *Timer) GetMetrics() Metrics {
	m := Metrics{TotalTime: time.Since(t.start)}
	if !t.tcpStart.IsZero() && !t.tcpEnd.IsZero() {
		m.TCPConnect = t.tcpEnd.Sub(t.tcpStart)
	}
	if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
		m.TLSHandshake = t.tlsEnd.Sub(t.tlsStart)
	}
	if !t.ttfbStart.IsZero() && !t.ttfbEnd.IsZero() {
		m.TTFB = t.ttfbEnd.Sub(t.ttfbStart)
	}
	return m
}

// GetConnectionTime returns TCP connect plus TLS handshake time.
func (m Metrics) GetConnectionTime() time.Duration {
	return m.TCPConnect + m.TLSHandshake
}

func (m Metrics) String() string {
	return fmt.Sprintf("TCPConnect: %v, TLSHandshake: %v, TTFB: %v, TotalTime: %v",
		m.TCPConnect, m.TLSHandshake, m.TTFB, m.TotalTime)
}
