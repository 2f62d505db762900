package route

import "testing"

func TestAddAndLookupExact(t *testing.T) {
	tbl := New()
	id := tbl.Add("/status", Exact, "status-handler")
	if id == 0 {
		t.Fatalf("Add returned 0")
	}
	if got := tbl.Lookup("/status"); got != id {
		t.Fatalf("Lookup(/status) = %d, want %d", got, id)
	}
	if got := tbl.Lookup("/missing"); got != 0 {
		t.Fatalf("Lookup(/missing) = %d, want 0", got)
	}
}

func TestReRegisterReturnsSameID(t *testing.T) {
	tbl := New()
	id1 := tbl.Add("/x", Exact, "first")
	id2 := tbl.Add("/x", Exact, "second")
	if id1 != id2 {
		t.Fatalf("re-registering /x returned a new id: %d != %d", id1, id2)
	}
	if tbl.Entry(id1).Handler != "second" {
		t.Fatalf("Entry(%d).Handler = %v, want \"second\"", id1, tbl.Entry(id1).Handler)
	}
}

func TestLongestPrefixWins(t *testing.T) {
	tbl := New()
	rootID := tbl.Add("/api", Prefix, "api-root")
	usersID := tbl.Add("/api/users", Prefix, "api-users")

	if got := tbl.Lookup("/api/users/42"); got != usersID {
		t.Fatalf("Lookup(/api/users/42) = %d, want %d (longest prefix)", got, usersID)
	}
	if got := tbl.Lookup("/api/orders"); got != rootID {
		t.Fatalf("Lookup(/api/orders) = %d, want %d", got, rootID)
	}
}

func TestFallbackToRootPrefix(t *testing.T) {
	tbl := New()
	rootID := tbl.Add("/", Prefix, "catch-all")
	if got := tbl.Lookup("/anything/at/all"); got != rootID {
		t.Fatalf("Lookup fallback = %d, want %d", got, rootID)
	}
}

func TestRemoveLeavesHoleNotCompact(t *testing.T) {
	tbl := New()
	id1 := tbl.Add("/a", Exact, "a")
	id2 := tbl.Add("/b", Exact, "b")
	tbl.Remove("/a")

	if got := tbl.Lookup("/a"); got != 0 {
		t.Fatalf("Lookup(/a) after Remove = %d, want 0", got)
	}
	if got := tbl.Lookup("/b"); got != id2 {
		t.Fatalf("Lookup(/b) = %d, want %d", got, id2)
	}
	if tbl.Entry(id1).URI != "" {
		t.Fatalf("Entry(%d) should be a zero-value hole, got %+v", id1, tbl.Entry(id1))
	}
}

func TestGlobalProtect(t *testing.T) {
	tbl := New()
	tbl.SetProtect(0, "global-guard")
	if tbl.GlobalProtect() != "global-guard" {
		t.Fatalf("GlobalProtect() = %v, want global-guard", tbl.GlobalProtect())
	}
}
