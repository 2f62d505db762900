// Package pipeline implements the per-connection output pipeline: an
// inline buffer, an overflow queue of heap buffers, and an optional
// trailing zero-copy file transfer, all with the ordering guarantee that
// queued bytes always precede transfer bytes on the wire.
package pipeline

import "github.com/pmartin-io/echttp/pkg/errors"

// InlineCap is the size of the buffer a Pipeline tries to fill before
// spilling to the overflow queue.
const InlineCap = 16 * 1024

// MaxFrame bounds a single write syscall per reactor tick, trading
// syscall count for responsiveness: favor keeping the loop moving over
// draining a slot's entire backlog in one write.
const MaxFrame = 1500

// MaxQueued is the soft cap on total queued-but-unsent bytes. Past this,
// Send returns a short count and the caller (the HTTP codec) must
// requeue the remainder on a later tick.
const MaxQueued = 4 * 1024 * 1024

// Direction describes which way a scheduled file transfer moves bytes.
type Direction int

const (
	// Idle means no transfer is scheduled.
	Idle Direction = iota
	// In means received body bytes are being written to a file (the
	// async request-body-to-disk path).
	In
	// Out means a file's bytes are being streamed to the peer via
	// zero-copy sendfile (the "Transfer").
	Out
)

// Transfer describes a pending or in-flight zero-copy file transfer.
type Transfer struct {
	Fd        int
	Remaining int64
	Direction Direction
}

// Pipeline is the per-TCP-slot output state machine.
type Pipeline struct {
	inline   []byte // unsent bytes of the current head chunk
	overflow [][]byte
	queued   int64 // total unsent bytes across inline+overflow
	transfer Transfer
}

// New returns an empty, idle Pipeline.
func New() *Pipeline {
	return &Pipeline{transfer: Transfer{Direction: Idle}}
}

// Send appends data to the pipeline, filling the inline buffer first and
// spilling additional bytes into a new overflow chunk. It returns the
// number of bytes actually accepted; a short count past MaxQueued means
// the caller must requeue the remainder later.
func (p *Pipeline) Send(data []byte) int {
	room := MaxQueued - p.queued
	if room <= 0 {
		return 0
	}
	if int64(len(data)) > room {
		data = data[:room]
	}
	rest := data
	if len(p.overflow) == 0 && len(p.inline) < InlineCap {
		take := InlineCap - len(p.inline)
		if take > len(rest) {
			take = len(rest)
		}
		p.inline = append(p.inline, rest[:take]...)
		rest = rest[take:]
	}
	if len(rest) > 0 {
		p.overflow = append(p.overflow, append([]byte(nil), rest...))
	}
	p.queued += int64(len(data))
	return len(data)
}

// QueuedBytes returns the number of bytes still waiting to be written,
// not counting any pending file transfer. Callers use this to compute
// the Content-Length of a response before it has been fully flushed.
func (p *Pipeline) QueuedBytes() int64 {
	return p.queued
}

// SetTransfer schedules a zero-copy transfer of size bytes from fd once
// all queued bytes are drained. It is idempotent: a second call while a
// transfer is already scheduled is a no-op that returns false.
func (p *Pipeline) SetTransfer(fd int, size int64) bool {
	if p.transfer.Direction != Idle {
		return false
	}
	p.transfer = Transfer{Fd: fd, Remaining: size, Direction: Out}
	return true
}

// SetInTransfer schedules the async body-to-disk path: subsequent
// received bytes are written to fd instead of being handed to the codec
// as an in-memory body.
func (p *Pipeline) SetInTransfer(fd int, size int64) bool {
	if p.transfer.Direction != Idle {
		return false
	}
	p.transfer = Transfer{Fd: fd, Remaining: size, Direction: In}
	return true
}

// CancelTransfer aborts a pending or in-flight transfer, for error
// responses injected mid-request. The caller remains responsible for
// closing Transfer.Fd.
func (p *Pipeline) CancelTransfer() Transfer {
	t := p.transfer
	p.transfer = Transfer{Direction: Idle}
	return t
}

// Transfer returns the currently scheduled transfer.
func (p *Pipeline) Transfer() Transfer {
	return p.transfer
}

// Busy reports whether the pipeline has anything left to emit: queued
// bytes or a pending/in-flight Out transfer. This is the busy/idle transfer rule's
// "busy emitting" predicate, and the reactor uses it to decide whether a
// slot needs write-readiness.
func (p *Pipeline) Busy() bool {
	return p.queued > 0 || p.transfer.Direction == Out
}

// head returns the current front chunk to write, which is always the
// inline buffer until it drains, then successive overflow chunks.
func (p *Pipeline) head() []byte {
	if len(p.inline) > 0 {
		return p.inline
	}
	if len(p.overflow) > 0 {
		return p.overflow[0]
	}
	return nil
}

// Advance removes n sent bytes from the front of the queue, rotating
// into the next overflow chunk once the current one is exhausted.
func (p *Pipeline) Advance(n int) {
	for n > 0 {
		h := p.head()
		if h == nil {
			return
		}
		if n < len(h) {
			copy(h, h[n:])
			if len(p.inline) > 0 {
				p.inline = p.inline[:len(h)-n]
			} else {
				p.overflow[0] = p.overflow[0][:len(h)-n]
			}
			p.queued -= int64(n)
			return
		}
		p.queued -= int64(len(h))
		n -= len(h)
		if len(p.inline) > 0 {
			p.inline = p.inline[:0]
		} else {
			p.overflow = p.overflow[1:]
		}
	}
}

// WriteFunc performs one raw write of up to len(b) bytes, returning the
// number actually written. Implementations treat EAGAIN/EWOULDBLOCK as
// (0, nil): the pipeline does not know about platform errno values.
type WriteFunc func(b []byte) (int, error)

// SendfileFunc streams up to max bytes of a scheduled Out transfer to the
// peer via the platform's zero-copy primitive, returning bytes moved.
type SendfileFunc func(fd int, max int64) (int64, error)

// Tick drains the pipeline by at most MaxFrame bytes of queued data, and
// once queued data is fully drained, advances a pending Out transfer.
// It returns true once the pipeline is fully idle again: no queued bytes
// and no transfer in flight.
func (p *Pipeline) Tick(write WriteFunc, sendfile SendfileFunc) (idle bool, err error) {
	if p.queued > 0 {
		h := p.head()
		chunk := h
		if len(chunk) > MaxFrame {
			chunk = chunk[:MaxFrame]
		}
		n, werr := write(chunk)
		if n > 0 {
			p.Advance(n)
		}
		if werr != nil {
			return false, errors.NewIOError("writing response", werr)
		}
		return !p.Busy(), nil
	}

	if p.transfer.Direction == Out && p.transfer.Remaining > 0 {
		n, serr := sendfile(p.transfer.Fd, min64(p.transfer.Remaining, MaxFrame))
		if n > 0 {
			p.transfer.Remaining -= n
		}
		if serr != nil {
			return false, errors.NewIOError("sendfile", serr)
		}
		if p.transfer.Remaining == 0 {
			p.transfer = Transfer{Direction: Idle}
			return true, nil
		}
		return false, nil
	}

	return !p.Busy(), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
