// Package tlsadapter implements a TLS connection wrapped so
// the cooperative reactor can drive its handshake and steady-state I/O
// one non-blocking step per readiness notification, exactly like a plain
// TCP slot.
//
// crypto/tls only exposes a blocking net.Conn-shaped API. Rather than
// reimplementing the TLS record layer, this adapter reuses that same
// blocking API but probes it non-blockingly: every call into the
// underlying net.Conn is preceded by an immediate (already-elapsed) read
// or write deadline, so a call that would otherwise block returns a
// net.Error with Timeout()==true instead. The reactor treats that timeout
// exactly like EAGAIN on a raw socket. This keeps crypto/tls's handshake
// and record framing intact while still only ever doing work in response
// to an epoll readiness edge, on the reactor's single goroutine.
package tlsadapter

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	"github.com/pmartin-io/echttp/pkg/errors"
	"github.com/pmartin-io/echttp/pkg/tlsconfig"
)

// State is the per-connection TLS progress: {Idle, Handshaking,
// Transferring}.
type State int

const (
	Idle State = iota
	Handshaking
	Transferring
)

// WatchHint tells the reactor what readiness to wait for next.
type WatchHint int

const (
	WatchNone WatchHint = iota
	WatchRead
	WatchWrite
)

// Config mirrors the version/cipher-suite knobs exposed by the
// pkg/tlsconfig profiles, plus the CA bundle path the -tls-certs option
// feeds in.
type Config struct {
	CertFile   string
	KeyFile    string // server-side: certificate/key pair to present
	CAFile     string // client-side verification root (-tls-certs)
	MinVersion uint16
	MaxVersion uint16
	ServerName string // client-side SNI
	Debug      bool

	// Profile selects one of the named version/cipher-suite bundles
	// ("modern", "secure", "compatible", "legacy") applied on top of
	// MinVersion/MaxVersion when those are left at zero. Empty means
	// "secure".
	Profile string
}

// buildTLSConfig applies cfg's named profile (version range + cipher
// suites) and then lets an explicit MinVersion/MaxVersion override it.
func buildTLSConfig(cfg Config) *tls.Config {
	profile := tlsconfig.ProfileByName(cfg.Profile)
	tlsCfg := &tls.Config{}
	tlsconfig.ApplyVersionProfile(tlsCfg, profile)
	tlsconfig.ApplyCipherSuites(tlsCfg, tlsCfg.MinVersion)
	if cfg.MinVersion != 0 {
		tlsCfg.MinVersion = cfg.MinVersion
	}
	if cfg.MaxVersion != 0 {
		tlsCfg.MaxVersion = cfg.MaxVersion
	}
	return tlsCfg
}

// bufCap bounds the ~100 KB plaintext output queue the TLS layer owns,
// since it can't participate in kernel zero-copy the way a plain
// connection's sendfile transfer can.
const bufCap = 100 * 1024

// Adapter drives one TLS connection's handshake and buffered I/O.
type Adapter struct {
	conn     net.Conn
	tls      *tls.Conn
	state    State
	outbuf   []byte // plaintext queued by Send, not yet written through tls.Conn
	received func([]byte) // callback invoked with decrypted application bytes
}

// Attach wraps conn in a TLS session for host (used as SNI unless cfg
// overrides it) and advances the handshake as far as it will go without
// blocking, returning the watch hint the reactor should wait on next.
// server selects client vs. server handshake role.
func Attach(conn net.Conn, cfg Config, host string, server bool, received func([]byte)) (*Adapter, WatchHint, error) {
	var tconn *tls.Conn
	if server {
		tlsCfg := buildTLSConfig(cfg)
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
			if err != nil {
				return nil, WatchNone, errors.NewTLSError(host, 0, err)
			}
			tlsCfg.Certificates = []tls.Certificate{cert}
		}
		tconn = tls.Server(conn, tlsCfg)
	} else {
		tlsCfg := buildTLSConfig(cfg)
		tlsCfg.ServerName = firstNonEmpty(cfg.ServerName, host)
		if cfg.CAFile != "" {
			pool := x509.NewCertPool()
			if pem, err := readFile(cfg.CAFile); err == nil {
				pool.AppendCertsFromPEM(pem)
				tlsCfg.RootCAs = pool
			}
		}
		tconn = tls.Client(conn, tlsCfg)
	}

	a := &Adapter{conn: conn, tls: tconn, state: Handshaking, received: received}
	hint, err := a.advanceHandshake()
	return a, hint, err
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// nonBlockingErr classifies err as "would block" (timeout) vs fatal.
func nonBlockingErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// probeWrite and probeRead arm an immediately-expired deadline so the
// next Write/Read on the underlying conn cannot block, then clear it
// afterward.
func (a *Adapter) probeWrite(fn func() error) error {
	a.conn.SetWriteDeadline(time.Unix(0, 1))
	defer a.conn.SetWriteDeadline(time.Time{})
	return fn()
}

func (a *Adapter) probeRead(fn func() error) error {
	a.conn.SetReadDeadline(time.Unix(0, 1))
	defer a.conn.SetReadDeadline(time.Time{})
	return fn()
}

func (a *Adapter) advanceHandshake() (WatchHint, error) {
	err := a.probeWrite(func() error { return a.probeRead(a.tls.Handshake) })
	if err == nil {
		a.state = Transferring
		return WatchRead, nil
	}
	if nonBlockingErr(err) {
		// We cannot distinguish WANT_READ from WANT_WRITE through the
		// net.Error interface alone; watching both read and write is
		// the conservative, always-correct choice and costs nothing
		// extra since epoll coalesces interest sets per fd. The reactor
		// maps WatchWrite to read plus write interest.
		return WatchWrite, nil
	}
	a.state = Idle
	return WatchNone, errors.NewTLSError("", 0, err)
}

// Ready is called by the reactor when the underlying fd reports
// readiness. It returns the watch hint to wait on next.
func (a *Adapter) Ready() (WatchHint, error) {
	switch a.state {
	case Handshaking:
		return a.advanceHandshake()
	case Transferring:
		return a.pump()
	default:
		return WatchNone, nil
	}
}

// pump flushes queued plaintext and then attempts a non-blocking read of
// decrypted application data, handing it to the received callback.
func (a *Adapter) pump() (WatchHint, error) {
	if len(a.outbuf) > 0 {
		var n int
		err := a.probeWrite(func() error {
			var werr error
			n, werr = a.tls.Write(a.outbuf)
			return werr
		})
		if n > 0 {
			a.outbuf = a.outbuf[n:]
		}
		if err != nil {
			if nonBlockingErr(err) {
				return WatchWrite, nil
			}
			return WatchNone, errors.NewTLSError("", 0, err)
		}
	}

	buf := make([]byte, 32*1024)
	var n int
	err := a.probeRead(func() error {
		var rerr error
		n, rerr = a.tls.Read(buf)
		return rerr
	})
	if n > 0 && a.received != nil {
		a.received(buf[:n])
	}
	if err != nil {
		if nonBlockingErr(err) {
			if len(a.outbuf) > 0 {
				return WatchWrite, nil
			}
			return WatchRead, nil
		}
		return WatchNone, errors.NewTLSError("", 0, err)
	}
	if len(a.outbuf) > 0 {
		return WatchWrite, nil
	}
	return WatchRead, nil
}

// Send queues plaintext to be written through the TLS layer on the next
// writable-ready tick, per "buffered" send contract.
func (a *Adapter) Send(data []byte) int {
	if len(a.outbuf)+len(data) > bufCap {
		room := bufCap - len(a.outbuf)
		if room <= 0 {
			return 0
		}
		data = data[:room]
	}
	a.outbuf = append(a.outbuf, data...)
	return len(data)
}

// Pending reports whether queued plaintext is waiting to be flushed.
func (a *Adapter) Pending() bool {
	return len(a.outbuf) > 0
}

// State returns the adapter's current handshake state.
func (a *Adapter) State() State { return a.state }

// Close tears down the TLS session and underlying connection.
func (a *Adapter) Close() error {
	return a.tls.Close()
}
