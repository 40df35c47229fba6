package relay

import "testing"

func assertRosterInvariants(t *testing.T, roster []RosterEntry) {
	t.Helper()

	users := make(map[string]struct{}, len(roster))
	conns := make(map[string]struct{}, len(roster))
	for _, e := range roster {
		if _, dup := users[e.UserID]; dup {
			t.Fatalf("duplicate user id in roster: %q", e.UserID)
		}
		if _, dup := conns[e.ConnectionID]; dup {
			t.Fatalf("duplicate connection id in roster: %q", e.ConnectionID)
		}
		users[e.UserID] = struct{}{}
		conns[e.ConnectionID] = struct{}{}
	}
}

func assertRoster(t *testing.T, got []RosterEntry, want ...RosterEntry) {
	t.Helper()

	assertRosterInvariants(t, got)
	if len(got) != len(want) {
		t.Fatalf("roster length=%d want=%d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("roster[%d]=%v want=%v", i, got[i], want[i])
		}
	}
}

func TestRegistry_RegisterKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	roster, ok := r.Register("alice", "X")
	if !ok {
		t.Fatalf("register alice rejected")
	}
	assertRoster(t, roster, RosterEntry{"X", "alice"})

	roster, ok = r.Register("bob", "Y")
	if !ok {
		t.Fatalf("register bob rejected")
	}
	assertRoster(t, roster, RosterEntry{"X", "alice"}, RosterEntry{"Y", "bob"})
}

func TestRegistry_ReconnectUpdatesInPlace(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("alice", "X")
	r.Register("bob", "Y")

	// Reconnect must not grow the roster and must not reorder.
	roster, ok := r.Register("alice", "Z")
	if !ok {
		t.Fatalf("reconnect rejected")
	}
	assertRoster(t, roster, RosterEntry{"Z", "alice"}, RosterEntry{"Y", "bob"})
}

func TestRegistry_BlankUserIDRejected(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("alice", "X")

	for _, userID := range []string{"", "   ", "\t\n"} {
		if _, ok := r.Register(userID, "Y"); ok {
			t.Fatalf("expected rejection for userID=%q", userID)
		}
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("registry size=%d want=1", got)
	}
}

func TestRegistry_RemoveByConnection(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("alice", "X")
	r.Register("bob", "Y")
	r.Register("carol", "Z")

	roster, removed := r.Remove("Y")
	if !removed {
		t.Fatalf("expected removal of Y")
	}
	assertRoster(t, roster, RosterEntry{"X", "alice"}, RosterEntry{"Z", "carol"})
}

func TestRegistry_RemoveUnknownConnectionIsNoop(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("alice", "X")

	roster, removed := r.Remove("never-registered")
	if removed {
		t.Fatalf("unexpected removal")
	}
	assertRoster(t, roster, RosterEntry{"X", "alice"})
}

// Last registration wins: when alice opens a second tab (connection Y) while
// X is still open, the registry maps alice to Y; the later disconnect of X
// finds no entry and must not take alice offline.
func TestRegistry_LastRegistrationWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("alice", "X")

	roster, ok := r.Register("alice", "Y")
	if !ok {
		t.Fatalf("second-tab register rejected")
	}
	assertRoster(t, roster, RosterEntry{"Y", "alice"})

	roster, removed := r.Remove("X")
	if removed {
		t.Fatalf("stale disconnect must be a no-op")
	}
	assertRoster(t, roster, RosterEntry{"Y", "alice"})
}

// A connection that re-registers under a new identity abandons the old one;
// connection ids stay pairwise distinct.
func TestRegistry_ReidentifySameConnection(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("alice", "X")
	r.Register("bob", "Y")

	roster, ok := r.Register("carol", "X")
	if !ok {
		t.Fatalf("re-identify rejected")
	}
	assertRosterInvariants(t, roster)
	if got := len(roster); got != 2 {
		t.Fatalf("roster length=%d want=2 (%v)", got, roster)
	}
}
