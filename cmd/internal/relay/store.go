package relay

import (
	"context"
	"errors"
)

// SystemSenderID authors the private failure notice sent when persistence fails.
const SystemSenderID = "system"

// Message is one chat utterance.
//
// Timestamp is the server-side admission time in milliseconds since the Unix
// epoch and is the ordering key for the persisted log. ID is assigned by the
// store on successful append and stays empty until then. Messages are
// immutable once broadcast.
type Message struct {
	ID        string
	SenderID  string
	Text      string
	Timestamp int64
}

// ErrInvalidMessage is returned when an append is attempted with an empty
// sender or body. The protocol handler validates before persisting; the store
// defends anyway.
var ErrInvalidMessage = errors.New("relay: invalid message")

// MessageStore is the timestamp-ordered append/query log backing the relay.
//
// Requirements:
//   - Append assigns and returns the message id
//   - Recent returns the last `limit` messages ascending by timestamp
type MessageStore interface {
	Append(ctx context.Context, msg Message) (id string, err error)
	Recent(ctx context.Context, limit int) ([]Message, error)
	Close() error
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// clampHistoryLimit normalizes a caller-supplied history window.
func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
