// Package spool provides the disk-backed landing zone for request bodies
// that exceed a connection's inline input buffer. It backs the async
// body transfer path: a route that opts into asynchronous body
// consumption can ask the reactor to stream the remainder of a request
// body straight to a file descriptor instead of buffering it in memory.
package spool

import (
	"bytes"
	"io"
	"os"

	"github.com/pmartin-io/echttp/pkg/errors"
)

// DefaultMemoryLimit is the default threshold above which a Spool starts
// writing to a temporary file instead of growing its in-memory buffer.
const DefaultMemoryLimit = 4 * 1024 * 1024 // 4MB

// Spool accumulates bytes in memory up to a limit, then transparently
// spills to a temp file. By construction a Spool belongs exclusively to
// one connection slot and is only ever touched from the reactor's single
// goroutine, so it carries no mutex.
type Spool struct {
	buf   bytes.Buffer
	file  *os.File
	path  string
	size  int64
	limit int64
}

// New creates a Spool that spills to disk once it exceeds limit bytes. A
// non-positive limit uses DefaultMemoryLimit.
func New(limit int64) *Spool {
	if limit <= 0 {
		limit = DefaultMemoryLimit
	}
	return &Spool{limit: limit}
}

// Write stores p, spilling to a temp file once the memory limit is
// exceeded. It implements io.Writer so a Spool can sit directly behind
// the transfer machinery's fd-write path.
func (s *Spool) Write(p []byte) (int, error) {
	s.size += int64(len(p))

	if s.file == nil && int64(s.buf.Len()+len(p)) <= s.limit {
		return s.buf.Write(p)
	}

	if s.file == nil {
		tmp, err := os.CreateTemp("", "echttp-body-*.tmp")
		if err != nil {
			return 0, errors.NewIOError("creating spool file", err)
		}
		s.file = tmp
		s.path = tmp.Name()
		if s.buf.Len() > 0 {
			if _, err := tmp.Write(s.buf.Bytes()); err != nil {
				s.Close()
				return 0, errors.NewIOError("writing spool file", err)
			}
		}
		s.buf.Reset()
	}

	n, err := s.file.Write(p)
	if err != nil {
		return n, errors.NewIOError("writing spool file", err)
	}
	return n, nil
}

// Spill forces the spool onto disk immediately, even if it hasn't yet
// exceeded its memory limit. The async body path calls this up front so
// it always has a real fd to hand the reactor, regardless of how small
// the first buffered chunk was.
func (s *Spool) Spill() error {
	if s.file != nil {
		return nil
	}
	tmp, err := os.CreateTemp("", "echttp-body-*.tmp")
	if err != nil {
		return errors.NewIOError("creating spool file", err)
	}
	s.file = tmp
	s.path = tmp.Name()
	if s.buf.Len() > 0 {
		if _, err := tmp.Write(s.buf.Bytes()); err != nil {
			s.Close()
			return errors.NewIOError("writing spool file", err)
		}
	}
	s.buf.Reset()
	return nil
}

// Bytes returns the in-memory payload, or nil once spilled to disk.
func (s *Spool) Bytes() []byte {
	if s.file != nil {
		return nil
	}
	return s.buf.Bytes()
}

// Fd returns the backing file descriptor once spilled, or -1 while the
// payload is still in memory. The server's async body path hands this fd
// to the HTTP codec as the destination of the remaining request body.
func (s *Spool) Fd() int {
	if s.file == nil {
		return -1
	}
	return int(s.file.Fd())
}

// Size returns the total number of bytes written so far.
func (s *Spool) Size() int64 {
	return s.size
}

// Path returns the backing temp file's path once spilled, or "" while
// the payload is still in memory.
func (s *Spool) Path() string {
	return s.path
}

// Reader opens a fresh reader over the stored payload, from memory or
// from the spilled file.
func (s *Spool) Reader() (io.ReadCloser, error) {
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			return nil, errors.NewIOError("syncing spool file", err)
		}
		f, err := os.Open(s.path)
		if err != nil {
			return nil, errors.NewIOError("opening spool file", err)
		}
		return f, nil
	}
	return io.NopCloser(bytes.NewReader(s.buf.Bytes())), nil
}

// Close releases the backing file, if any, and removes it from disk.
// Idempotent.
func (s *Spool) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	if removeErr := os.Remove(s.path); removeErr != nil && err == nil {
		err = errors.NewIOError("removing spool file", removeErr)
	}
	s.file = nil
	s.path = ""
	if err != nil {
		return err
	}
	return nil
}
