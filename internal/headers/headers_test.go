package headers

import "testing"

func TestSetGetCaseInsensitive(t *testing.T) {
	m := New()
	m.Set("Content-Type", "text/plain")

	v, ok := m.Get("content-type")
	if !ok || v != "text/plain" {
		t.Fatalf("Get(content-type) = %q, %v; want text/plain, true", v, ok)
	}

	m.Set("CONTENT-TYPE", "application/json")
	if v, _ := m.Get("Content-Type"); v != "application/json" {
		t.Fatalf("expected in-place replace, got %q", v)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 entry after replace, got %d", m.Len())
	}
}

func TestSetPreservesInsertionOrder(t *testing.T) {
	m := New()
	m.Set("b", "2")
	m.Set("a", "1")
	m.Set("c", "3")

	var order []string
	m.Enumerate(func(name, value string) bool {
		order = append(order, name)
		return true
	})
	want := []string{"b", "a", "c"}
	for i, n := range want {
		if order[i] != n {
			t.Fatalf("order[%d] = %q, want %q", i, order[i], n)
		}
	}
}

func TestSetSoftCap(t *testing.T) {
	m := New()
	for i := 0; i < SoftCap+10; i++ {
		m.Set(string(rune('a'+i%26))+string(rune(i)), "v")
	}
	if m.Len() > SoftCap {
		t.Fatalf("Len() = %d, want <= %d", m.Len(), SoftCap)
	}
}

func TestGetDefault(t *testing.T) {
	m := New()
	if v := m.GetDefault("missing", "fallback"); v != "fallback" {
		t.Fatalf("GetDefault = %q, want fallback", v)
	}
}

func TestCanonical(t *testing.T) {
	if got := Canonical("content-type"); got != "Content-Type" {
		t.Fatalf("Canonical(content-type) = %q, want Content-Type", got)
	}
	if got := Canonical("X-REQUEST-ID"); got != "X-Request-Id" {
		t.Fatalf("Canonical(X-REQUEST-ID) = %q, want X-Request-Id", got)
	}
}

func TestResetClearsEntries(t *testing.T) {
	m := New()
	m.Set("a", "1")
	m.Reset()
	if m.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", m.Len())
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("Get(a) found entry after Reset")
	}
}

func TestJoinTruncatesSafely(t *testing.T) {
	m := New()
	m.Set("a", "1")
	m.Set("bb", "22")
	dst := make([]byte, 5)
	n := m.Join("&", nil, dst)
	if n >= len(dst) {
		t.Fatalf("Join wrote %d bytes into a %d-byte buffer", n, len(dst))
	}
}
