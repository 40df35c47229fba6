package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/cmd/internal/ids"
)

const memMaxMessages = 10_000

// InMemoryStore is the fallback MessageStore when no database is configured.
// Appends assign ULID ids; Recent serves the last N messages ascending.
type InMemoryStore struct {
	mu   sync.Mutex
	msgs []Message
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		msgs: make([]Message, 0, 256),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message and returns its assigned id.
func (s *InMemoryStore) Append(ctx context.Context, msg Message) (string, error) {
	if msg.SenderID == "" || msg.Text == "" {
		return "", ErrInvalidMessage
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id, err := ids.NewULID(time.UnixMilli(msg.Timestamp))
	if err != nil {
		return "", err
	}
	msg.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()

	s.msgs = append(s.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(s.msgs) > memMaxMessages {
		s.msgs = s.msgs[len(s.msgs)-memMaxMessages:]
	}

	return id, nil
}

// Recent returns the last `limit` messages ascending by timestamp.
func (s *InMemoryStore) Recent(ctx context.Context, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	snap := append([]Message(nil), s.msgs...)
	s.mu.Unlock()

	if len(snap) == 0 {
		return nil, nil
	}

	// Ensure ordering defensively; appends arrive in admission order but ids
	// break ties deterministically.
	sort.SliceStable(snap, func(i, j int) bool {
		if snap[i].Timestamp != snap[j].Timestamp {
			return snap[i].Timestamp < snap[j].Timestamp
		}
		return snap[i].ID < snap[j].ID
	})

	if len(snap) > limit {
		snap = snap[len(snap)-limit:]
	}
	return snap, nil
}
