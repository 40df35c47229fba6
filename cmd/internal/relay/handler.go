package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"chatrelay/cmd/internal/ids"
	v1 "chatrelay/contracts/chat/v1"
)

// sendFailureText is the body of the private system notice emitted to a
// sender whose message could not be persisted.
const sendFailureText = "Error sending message. Please try again."

// Handler is the broadcast protocol: it consumes inbound events from any
// connection, orchestrates timestamp assignment, delegates persistence to the
// MessageStore, and drives Registry updates and Hub fan-out.
//
// Ordering contract: a message is persisted before it is broadcast; no client
// ever sees an unpersisted message, live or via history. Admission timestamps
// are assigned before the store call and never regress, so the persisted
// ordering key is monotonic even though broadcast-arrival order may diverge
// while appends are in flight concurrently.
type Handler struct {
	log      *slog.Logger
	registry *Registry
	hub      *Hub
	store    MessageStore
	metrics  *Metrics

	now func() time.Time

	stampMu   sync.Mutex
	lastStamp int64
}

// NewHandler constructs the protocol handler.
// When registry/hub/store/metrics are nil, in-memory fallbacks are used.
func NewHandler(log *slog.Logger, registry *Registry, hub *Hub, store MessageStore, metrics *Metrics) *Handler {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Handler{
		log:      log,
		registry: registry,
		hub:      hub,
		store:    store,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleRegister binds the claimed user identity to the connection and
// broadcasts the resulting roster to every open connection, the registering
// one included. Reports whether the registration was accepted.
func (h *Handler) HandleRegister(connectionID, userID string) bool {
	roster, ok := h.registry.Register(userID, connectionID)
	if !ok {
		h.dropEvent("invalid_user_id", connectionID)
		return false
	}

	h.metrics.UsersOnline.Set(float64(len(roster)))
	h.log.Info("relay.register", "connection_id", connectionID, "user_id", userID, "online", len(roster))

	h.broadcastRoster(roster)
	return true
}

// HandleSendMessage validates, stamps, persists, and fans out one message.
// Text is validated against its trimmed form but persisted and broadcast
// verbatim.
//
// Failure paths:
//   - empty sender or empty-after-trim text: dropped with no client feedback
//   - store append failure: the message is NOT broadcast; the sender alone
//     receives a system-authored notice with no id
//
// Registration is deliberately not a precondition: an unregistered connection
// may send (kept as-is pending a product decision to reject such sends).
func (h *Handler) HandleSendMessage(ctx context.Context, connectionID, senderID, text string) {
	if senderID == "" {
		h.dropEvent("empty_sender", connectionID)
		return
	}
	if strings.TrimSpace(text) == "" {
		h.dropEvent("empty_text", connectionID)
		return
	}

	// The append and fan-out outlive the connection: a teardown mid-send must
	// not abort persistence or suppress the broadcast.
	ctx = context.WithoutCancel(ctx)

	msg := Message{
		SenderID:  senderID,
		Text:      text,
		Timestamp: h.admitStamp(),
	}

	id, err := h.store.Append(ctx, msg)
	if err != nil {
		h.metrics.PersistFailures.Inc()
		h.log.Error("relay.message.persist.fail", "connection_id", connectionID, "sender_id", senderID, "err", err)

		notice, _ := json.Marshal(v1.MessageBroadcastPayload{
			SenderID:  SystemSenderID,
			Text:      sendFailureText,
			Timestamp: h.admitStamp(),
		})
		h.hub.EmitTo(connectionID, newEnvelope(v1.TypeMessageBroadcast, notice, h.now()))
		return
	}
	msg.ID = id

	payload, _ := json.Marshal(v1.MessageBroadcastPayload{
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		ID:        msg.ID,
	})
	h.hub.EmitAll(newEnvelope(v1.TypeMessageBroadcast, payload, h.now()))

	h.metrics.MessagesBroadcast.Inc()
	h.log.Info("relay.message.broadcast", "id", msg.ID, "sender_id", msg.SenderID, "timestamp", msg.Timestamp)
}

// HandleDisconnect removes the connection from fan-out and from the registry,
// then broadcasts the roster unconditionally. A disconnect that never
// registered, or whose registration was superseded by a newer connection, is
// a registry no-op; the redundant broadcast keeps all rosters eventually
// consistent.
func (h *Handler) HandleDisconnect(connectionID string) {
	h.hub.Remove(connectionID)

	roster, removed := h.registry.Remove(connectionID)

	h.metrics.UsersOnline.Set(float64(len(roster)))
	h.log.Info("relay.disconnect", "connection_id", connectionID, "removed", removed, "online", len(roster))

	h.broadcastRoster(roster)
}

// HandleHistoryFetch sends the last `limit` persisted messages, ascending by
// timestamp, to the requesting connection only.
func (h *Handler) HandleHistoryFetch(ctx context.Context, connectionID string, limit int) {
	msgs, err := h.store.Recent(ctx, clampHistoryLimit(limit))
	if err != nil {
		h.log.Error("relay.history.fail", "connection_id", connectionID, "err", err)
		h.metrics.EventsDropped.WithLabelValues("history_failed").Inc()
		return
	}

	out := make([]v1.MessageBroadcastPayload, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.MessageBroadcastPayload{
			SenderID:  m.SenderID,
			Text:      m.Text,
			Timestamp: m.Timestamp,
			ID:        m.ID,
		})
	}

	payload, _ := json.Marshal(v1.HistoryChunkPayload{Messages: out})
	h.hub.EmitTo(connectionID, newEnvelope(v1.TypeHistoryChunk, payload, h.now()))
}

// dropEvent is the single drop policy: malformed input produces no client
// feedback, only a log line and a counter. A future revision that surfaces
// validation errors to the sender changes this function, not dispatch.
func (h *Handler) dropEvent(reason, connectionID string) {
	h.metrics.EventsDropped.WithLabelValues(reason).Inc()
	h.log.Info("relay.event.drop", "reason", reason, "connection_id", connectionID)
}

// admitStamp assigns the admission timestamp: wall-clock millis, clamped so
// it never regresses across concurrent sends.
func (h *Handler) admitStamp() int64 {
	now := h.now().UnixMilli()

	h.stampMu.Lock()
	defer h.stampMu.Unlock()

	if now < h.lastStamp {
		now = h.lastStamp
	}
	h.lastStamp = now
	return now
}

func (h *Handler) broadcastRoster(roster []RosterEntry) {
	users := make([]v1.RosterEntry, 0, len(roster))
	for _, e := range roster {
		users = append(users, v1.RosterEntry{ConnectionID: e.ConnectionID, UserID: e.UserID})
	}

	payload, _ := json.Marshal(v1.RosterUpdatePayload{Users: users})
	h.hub.EmitAll(newEnvelope(v1.TypeRosterUpdate, payload, h.now()))
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := ids.NewULID(ts)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}
