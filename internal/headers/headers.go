// Package headers implements the case-insensitive, insertion-ordered
// name/value map shared by request headers, response headers and query
// parameters.
package headers

import (
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// SoftCap bounds the number of entries a Map will accept. Past the cap,
// Set becomes a silent no-op: like the original C implementation it
// never aborts, but it neither logs nor reports the dropped entry.
const SoftCap = 256

const buckets = 127

var titleCaser = cases.Title(language.Und)

type entry struct {
	name      string
	value     string
	signature uint32
	next      int // 0 means "no next"; entries are 1-indexed internally
}

// Map is a case-insensitive name/value store that preserves insertion
// order and resolves collisions with a signature-bucketed chain, mirroring
// echttp's catalog (echttp_catalog.c) without its fixed-capacity arrays.
type Map struct {
	entries []entry
	index   [buckets][]int // bucket -> 1-indexed entry positions
}

// New returns an empty Map.
func New() *Map {
	return &Map{}
}

// Reset empties the map for reuse so a connection slot can recycle its
// header maps across keep-alive requests instead of allocating new ones.
func (m *Map) Reset() {
	m.entries = m.entries[:0]
	for i := range m.index {
		m.index[i] = nil
	}
}

// djb2 folds the name to lowercase while hashing, so the resulting
// signature is already case-insensitive; chain walks then only need to
// strcasecmp mismatches after a signature collision.
func djb2(name string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		h = h*33 + uint32(c)
	}
	return h
}

// Find returns the index (1-indexed, 0 = not found) of the first entry
// whose name matches case-insensitively.
func (m *Map) Find(name string) int {
	sig := djb2(name)
	bucket := m.index[sig%buckets]
	for _, pos := range bucket {
		e := &m.entries[pos-1]
		if e.signature == sig && strings.EqualFold(e.name, name) {
			return pos
		}
	}
	return 0
}

// Set inserts name=value, replacing an existing case-insensitive match in
// place (preserving its position) or appending a new entry. Exceeding
// SoftCap is a silent no-op, never a crash. Set itself stores whatever
// it's given — it backs query parameters as well as headers, and only
// the latter have a wire syntax to validate; callers that need
// ValidName/ValidValue enforcement (request/response header maps) check
// before calling Set.
func (m *Map) Set(name, value string) {
	if pos := m.Find(name); pos != 0 {
		m.entries[pos-1].value = value
		return
	}
	if len(m.entries) >= SoftCap {
		return
	}
	sig := djb2(name)
	m.entries = append(m.entries, entry{name: name, value: value, signature: sig})
	pos := len(m.entries)
	b := sig % buckets
	m.index[b] = append(m.index[b], pos)
}

// Get returns the value for name and whether it was found.
func (m *Map) Get(name string) (string, bool) {
	pos := m.Find(name)
	if pos == 0 {
		return "", false
	}
	return m.entries[pos-1].value, true
}

// GetDefault returns the value for name, or def if absent.
func (m *Map) GetDefault(name, def string) string {
	if v, ok := m.Get(name); ok {
		return v
	}
	return def
}

// Len reports the number of entries currently stored.
func (m *Map) Len() int {
	return len(m.entries)
}

// Enumerate calls fn for every entry in insertion order. Iteration stops
// early if fn returns false.
func (m *Map) Enumerate(fn func(name, value string) bool) {
	for _, e := range m.entries {
		if !fn(e.name, e.value) {
			return
		}
	}
}

// Canonical returns the RFC 7230-style Title-Case rendering of a header
// name for emission on the wire, independent of how it is stored or
// looked up (storage and lookup stay byte-for-byte case-insensitive).
func Canonical(name string) string {
	return titleCaser.String(strings.ToLower(name))
}

// ValidName reports whether name is a syntactically valid HTTP header
// field name (token characters only).
func ValidName(name string) bool {
	return httpguts.ValidHeaderFieldName(name)
}

// ValidValue reports whether value is a syntactically valid HTTP header
// field value.
func ValidValue(value string) bool {
	return httpguts.ValidHeaderFieldValue(value)
}

// Join renders the map as "k1=v1<sep>k2=v2<sep>..." with keys and values
// passed through escape (left as stored when escape is nil), truncating
// safely rather than overflowing dst. It returns the number of bytes
// written.
func (m *Map) Join(sep string, escape func(string) string, dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	n := 0
	first := true
	for _, e := range m.entries {
		piece := e.name
		if escape != nil {
			piece = escape(e.name)
		}
		val := e.value
		if escape != nil {
			val = escape(e.value)
		}
		chunk := piece + "=" + val
		if !first {
			chunk = sep + chunk
		}
		if n+len(chunk) > len(dst)-1 {
			remaining := len(dst) - 1 - n
			if remaining > 0 {
				n += copy(dst[n:], chunk[:remaining])
			}
			break
		}
		n += copy(dst[n:], chunk)
		first = false
	}
	return n
}
