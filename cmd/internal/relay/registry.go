package relay

import (
	"strings"
	"sync"
)

// RosterEntry is one live registration: a claimed user identity bound to the
// connection currently speaking for it.
type RosterEntry struct {
	ConnectionID string
	UserID       string
}

// Registry is the live user_id -> connection_id mapping: who is online.
//
// Invariants (held under the mutex across every read-modify-write):
//   - user ids are pairwise distinct
//   - connection ids are pairwise distinct
//   - entries keep registration order; a re-register updates in place
//
// Re-registering an existing user id overwrites its connection id (last
// registration wins). The superseded connection is NOT removed here; its entry
// is already gone, so its eventual disconnect is a no-op on the registry.
type Registry struct {
	mu      sync.Mutex
	entries []RosterEntry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds userID to connectionID and returns the resulting roster in
// registration order. A userID that is empty after trimming is rejected:
// ok=false, the registry is untouched, and callers must not broadcast.
func (r *Registry) Register(userID, connectionID string) (roster []RosterEntry, ok bool) {
	if strings.TrimSpace(userID) == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection that re-registers under a new identity abandons the old
	// binding. Dropping it first keeps connection ids pairwise distinct.
	for i, e := range r.entries {
		if e.ConnectionID == connectionID && e.UserID != userID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}

	for i, e := range r.entries {
		if e.UserID == userID {
			// Reconnect: the new connection wins, position is kept.
			r.entries[i].ConnectionID = connectionID
			return r.snapshotLocked(), true
		}
	}

	r.entries = append(r.entries, RosterEntry{ConnectionID: connectionID, UserID: userID})
	return r.snapshotLocked(), true
}

// Remove drops the entry whose connection id matches, if any, and returns the
// resulting roster. It is a no-op when the connection never registered or was
// superseded by a re-register from another connection; the roster is returned
// either way so the caller can broadcast unconditionally.
func (r *Registry) Remove(connectionID string) (roster []RosterEntry, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.ConnectionID == connectionID {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return r.snapshotLocked(), true
		}
	}
	return r.snapshotLocked(), false
}

// Len reports the number of online users.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) snapshotLocked() []RosterEntry {
	out := make([]RosterEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
