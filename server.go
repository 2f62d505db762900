package echttp

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/pmartin-io/echttp/internal/httpcodec"
	"github.com/pmartin-io/echttp/internal/reactor"
	"github.com/pmartin-io/echttp/pkg/spool"
)

// handleAccept is the reactor's OnAccept callback: it wraps a freshly
// accepted peer fd in a managed TCP slot, wires its HTTP codec to this
// server's route table, and (if TLS is enabled) upgrades it before any
// bytes are parsed.
func (s *Server) handleAccept(listenerFd, peerFd int, premium bool) {
	slot, err := s.reactor.AddManagedPeer(peerFd, httpcodec.ServerMode, premium)
	if err != nil {
		s.logger.Warn("failed to register accepted connection", "error", err)
		unix.Close(peerFd)
		return
	}
	s.wireServerConn(slot)

	if s.tlsEnabled {
		received := func(data []byte) {
			var codecErr error
			onErr := func(err error) {
				codecErr = err
				s.logger.Debug("codec error", "error", err)
			}
			if cerr := slot.Codec.Feed(data); cerr != nil {
				onErr(cerr)
			} else {
				slot.Codec.FeedPending(onErr)
			}
			if codecErr != nil {
				slot.Codec.TCPError()
				s.reactor.CloseSlot(slot)
			}
		}
		if err := s.reactor.AttachTLS(slot, s.tlsConfig, "", true, received); err != nil {
			s.logger.Warn("TLS handshake setup failed", "error", err)
			s.reactor.CloseSlot(slot)
		}
	}
}

// wireServerConn installs the callbacks httpcodec.Conn needs to resolve
// routes, run handlers and emit responses, closing over slot so each
// connection's async-spool state stays independent.
func (s *Server) wireServerConn(slot *reactor.Slot) {
	var asyncSpool *spool.Spool

	slot.Codec.Lookup = func(path string) (int, bool) {
		id := s.routes.Lookup(path)
		return id, id != 0
	}

	slot.Codec.Execute = func(rc *httpcodec.RequestContext) {
		ctx := &Context{rc: rc, slot: slot, server: s}
		entry := s.routes.Entry(rc.RouteID)

		if global := s.routes.GlobalProtect(); global != nil {
			if p, ok := global.(ProtectFunc); ok && !p(ctx) {
				return
			}
		}
		if entry.Protect != nil {
			if p, ok := entry.Protect.(ProtectFunc); ok && !p(ctx) {
				return
			}
		}

		handler, ok := entry.Handler.(Handler)
		if !ok || handler == nil {
			rc.Status = 404
			rc.Reason = "Not found"
			rc.ForceClose = true
			return
		}
		handler(ctx)
	}

	slot.Codec.Emit = func(rc *httpcodec.RequestContext, rendered []byte) {
		n := s.reactor.Send(slot, rendered)
		if n < len(rendered) {
			s.logger.Warn("response truncated by backpressure cap", "sent", n, "total", len(rendered))
		}
		if rc.TransferFd >= 0 {
			if slot.TLS != nil {
				// sendfile can't hand TLS-encrypted bytes to the kernel
				// directly, so a TLS connection's file transfer is read
				// into memory and queued through the TLS adapter instead
				// of the zero-copy path plain connections use. The file
				// was opened (and registered for cleanup) by
				// Context.TransferFile; flush() never runs for a TLS
				// slot, so it's read and closed here instead.
				if slot.TransferFile != nil {
					if data, err := os.ReadFile(slot.TransferFile.Name()); err == nil {
						s.reactor.Send(slot, data)
					} else {
						s.logger.Warn("failed to read transfer file for TLS connection", "error", err)
					}
					slot.TransferFile.Close()
					slot.TransferFile = nil
				}
			} else {
				slot.Pipeline.SetTransfer(rc.TransferFd, rc.TransferSize)
			}
		}
		conn, ok := rc.InHeaders.Get("Connection")
		if rc.ForceClose || (ok && equalFoldASCII(conn, "close")) {
			s.reactor.CloseAfterFlush(slot)
		}
	}

	slot.Codec.AsyncStart = func(rc *httpcodec.RequestContext, partial []byte) (int, bool) {
		entry := s.routes.Entry(rc.RouteID)
		asyncFn, ok := entry.AsyncHandler.(AsyncFunc)
		if !ok || asyncFn == nil {
			return 0, false
		}
		ctx := &Context{rc: rc, slot: slot, server: s}
		if !asyncFn(ctx) {
			return 0, false
		}
		asyncSpool = spool.New(s.asyncSpoolLimit)
		if err := asyncSpool.Spill(); err != nil {
			s.logger.Warn("failed to spill async body spool", "error", err)
			return 0, false
		}
		if len(partial) > 0 {
			asyncSpool.Write(partial)
		}
		return asyncSpool.Fd(), true
	}

	slot.Codec.AsyncWrite = func(fd int, chunk []byte) (bool, error) {
		if asyncSpool == nil {
			return true, nil
		}
		if len(chunk) > 0 {
			if _, err := asyncSpool.Write(chunk); err != nil {
				return false, err
			}
		}
		rc := slot.Codec.Context()
		done := asyncSpool.Size() >= int64(rc.ContentLength)
		if done {
			rc.SpoolPath = asyncSpool.Path()
		}
		return done, nil
	}
}

// equalFoldASCII avoids importing strings solely for a one-off
// case-insensitive comparison in the response emit path.
func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
