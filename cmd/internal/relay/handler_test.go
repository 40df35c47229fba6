package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "chatrelay/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	mu        sync.Mutex
	appended  []Message
	appendErr error
	recent    []Message
	recentErr error
}

func (f *fakeStore) Append(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return "", f.appendErr
	}
	id := fmt.Sprintf("m-%d", len(f.appended)+1)
	msg.ID = id
	f.appended = append(f.appended, msg)
	return id, nil
}

func (f *fakeStore) Recent(_ context.Context, _ int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return append([]Message(nil), f.recent...), nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appended)
}

type testRig struct {
	handler *Handler
	hub     *Hub
	store   *fakeStore
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	log := testLogger()
	hub := NewHub(log)
	store := &fakeStore{}
	h := NewHandler(log, NewRegistry(), hub, store, NewMetrics(nil))
	return &testRig{handler: h, hub: hub, store: store}
}

func (r *testRig) connect(t *testing.T, connectionID string) *Client {
	t.Helper()

	c := NewClient(connectionID, 16)
	r.hub.Add(c)
	return c
}

// All emits happen synchronously before the handler returns, so a
// non-blocking receive is sufficient.
func recvEnvelope(t *testing.T, c *Client, wantType string) v1.Envelope {
	t.Helper()

	select {
	case env := <-c.Send:
		if env.Type != wantType {
			t.Fatalf("envelope type=%q want=%q", env.Type, wantType)
		}
		if env.V != v1.Version {
			t.Fatalf("envelope v=%q want=%q", env.V, v1.Version)
		}
		return env
	default:
		t.Fatalf("no envelope queued, want type=%q", wantType)
		return v1.Envelope{}
	}
}

func assertNoEnvelope(t *testing.T, c *Client) {
	t.Helper()

	select {
	case env := <-c.Send:
		t.Fatalf("unexpected envelope: type=%q payload=%s", env.Type, env.Payload)
	default:
	}
}

func rosterFrom(t *testing.T, env v1.Envelope) []v1.RosterEntry {
	t.Helper()

	var p v1.RosterUpdatePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal roster payload: %v", err)
	}
	return p.Users
}

func messageFrom(t *testing.T, env v1.Envelope) v1.MessageBroadcastPayload {
	t.Helper()

	var p v1.MessageBroadcastPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal message payload: %v", err)
	}
	return p
}

func TestHandleRegister_BroadcastsRosterToAll(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	if !rig.handler.HandleRegister("X", "alice") {
		t.Fatalf("register alice rejected")
	}

	// Both connections see the roster, the registering one included.
	for _, c := range []*Client{x, y} {
		users := rosterFrom(t, recvEnvelope(t, c, v1.TypeRosterUpdate))
		if len(users) != 1 || users[0].UserID != "alice" || users[0].ConnectionID != "X" {
			t.Fatalf("roster=%v want [{X alice}]", users)
		}
	}
}

func TestHandleRegister_InvalidUserID_NoBroadcast(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	for _, userID := range []string{"", "   "} {
		if rig.handler.HandleRegister("X", userID) {
			t.Fatalf("register accepted for userID=%q", userID)
		}
	}

	assertNoEnvelope(t, x)
	assertNoEnvelope(t, y)
}

func TestHandleSendMessage_PersistThenBroadcast(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	before := time.Now().UnixMilli()
	rig.handler.HandleSendMessage(context.Background(), "X", "alice", "hi there")

	if rig.store.appendCount() != 1 {
		t.Fatalf("append count=%d want=1", rig.store.appendCount())
	}
	stored := rig.store.appended[0]
	if stored.Timestamp < before {
		t.Fatalf("stored timestamp=%d predates call start=%d", stored.Timestamp, before)
	}

	for _, c := range []*Client{x, y} {
		msg := messageFrom(t, recvEnvelope(t, c, v1.TypeMessageBroadcast))
		if msg.SenderID != "alice" || msg.Text != "hi there" {
			t.Fatalf("broadcast=%+v", msg)
		}
		if msg.ID != "m-1" {
			t.Fatalf("broadcast id=%q want the store-assigned id", msg.ID)
		}
		if msg.Timestamp < before {
			t.Fatalf("broadcast timestamp=%d predates call start=%d", msg.Timestamp, before)
		}
		assertNoEnvelope(t, c)
	}
}

// Trimming is validation only: text with content is persisted and broadcast
// byte-for-byte as sent.
func TestHandleSendMessage_KeepsOriginalText(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")

	rig.handler.HandleSendMessage(context.Background(), "X", "alice", "  hi  ")

	msg := messageFrom(t, recvEnvelope(t, x, v1.TypeMessageBroadcast))
	if msg.Text != "  hi  " {
		t.Fatalf("text=%q want original %q", msg.Text, "  hi  ")
	}
	if got := rig.store.appended[0].Text; got != "  hi  " {
		t.Fatalf("stored text=%q want original %q", got, "  hi  ")
	}
}

// A connection teardown that cancels the session context mid-send must not
// abort the append or suppress the broadcast to the surviving connections.
func TestHandleSendMessage_SurvivesConnectionTeardown(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rig.handler.HandleSendMessage(ctx, "X", "alice", "hi")

	if rig.store.appendCount() != 1 {
		t.Fatalf("append count=%d want=1", rig.store.appendCount())
	}
	for _, c := range []*Client{x, y} {
		msg := messageFrom(t, recvEnvelope(t, c, v1.TypeMessageBroadcast))
		if msg.SenderID != "alice" || msg.Text != "hi" || msg.ID != "m-1" {
			t.Fatalf("broadcast=%+v", msg)
		}
	}
}

func TestHandleSendMessage_PersistFailure_PrivateSystemNotice(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.store.appendErr = errors.New("log unreachable")
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	rig.handler.HandleSendMessage(context.Background(), "X", "alice", "hi")

	// The original message is never broadcast; the sender alone gets one
	// system-authored notice with no id.
	msg := messageFrom(t, recvEnvelope(t, x, v1.TypeMessageBroadcast))
	if msg.SenderID != SystemSenderID {
		t.Fatalf("sender=%q want %q", msg.SenderID, SystemSenderID)
	}
	if msg.Text != sendFailureText {
		t.Fatalf("text=%q want %q", msg.Text, sendFailureText)
	}
	if msg.ID != "" {
		t.Fatalf("failure notice must carry no id, got %q", msg.ID)
	}
	assertNoEnvelope(t, x)
	assertNoEnvelope(t, y)
}

func TestHandleSendMessage_MalformedInputsDropped(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		senderID string
		text     string
	}{
		{name: "empty sender", senderID: "", text: "hi"},
		{name: "empty text", senderID: "alice", text: ""},
		{name: "whitespace text", senderID: "alice", text: "   \n\t"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rig := newTestRig(t)
			x := rig.connect(t, "X")
			y := rig.connect(t, "Y")

			rig.handler.HandleSendMessage(context.Background(), "X", tc.senderID, tc.text)

			if rig.store.appendCount() != 0 {
				t.Fatalf("append count=%d want=0", rig.store.appendCount())
			}
			assertNoEnvelope(t, x)
			assertNoEnvelope(t, y)
		})
	}
}

// Sending is not gated on registration: a connection that never registered
// may still broadcast. Kept as-is pending a product decision.
func TestHandleSendMessage_UnregisteredSenderAllowed(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")

	rig.handler.HandleSendMessage(context.Background(), "X", "ghost", "boo")

	msg := messageFrom(t, recvEnvelope(t, x, v1.TypeMessageBroadcast))
	if msg.SenderID != "ghost" || msg.ID == "" {
		t.Fatalf("broadcast=%+v", msg)
	}
}

func TestHandleDisconnect_BroadcastsRosterUnconditionally(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	// X never registered; its disconnect is a registry no-op but the roster
	// still goes out to the survivors.
	rig.handler.HandleDisconnect("X")

	users := rosterFrom(t, recvEnvelope(t, y, v1.TypeRosterUpdate))
	if len(users) != 0 {
		t.Fatalf("roster=%v want empty", users)
	}

	// X was closed by the disconnect; it must not have been re-enqueued.
	select {
	case <-x.Done():
	default:
		t.Fatalf("disconnected client not closed")
	}
}

func TestHandleHistoryFetch_SendsChunkToRequesterOnly(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.store.recent = []Message{
		{ID: "m-1", SenderID: "alice", Text: "first", Timestamp: 100},
		{ID: "m-2", SenderID: "bob", Text: "second", Timestamp: 200},
	}
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	rig.handler.HandleHistoryFetch(context.Background(), "X", 50)

	env := recvEnvelope(t, x, v1.TypeHistoryChunk)
	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal history payload: %v", err)
	}
	if len(p.Messages) != 2 || p.Messages[0].ID != "m-1" || p.Messages[1].ID != "m-2" {
		t.Fatalf("history=%+v", p.Messages)
	}
	assertNoEnvelope(t, y)
}

func TestHandleHistoryFetch_StoreFailureEmitsNothing(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.store.recentErr = errors.New("log unreachable")
	x := rig.connect(t, "X")

	rig.handler.HandleHistoryFetch(context.Background(), "X", 50)
	assertNoEnvelope(t, x)
}

func TestAdmitStamp_NeverRegresses(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)

	// A clock that jumps backwards must not produce a regressing ordering key.
	times := []time.Time{
		time.UnixMilli(1_000),
		time.UnixMilli(900),
		time.UnixMilli(1_100),
	}
	i := 0
	rig.handler.now = func() time.Time {
		ts := times[i]
		if i < len(times)-1 {
			i++
		}
		return ts
	}

	var stamps []int64
	for range times {
		stamps = append(stamps, rig.handler.admitStamp())
	}

	want := []int64{1_000, 1_000, 1_100}
	for j := range want {
		if stamps[j] != want[j] {
			t.Fatalf("stamps=%v want=%v", stamps, want)
		}
	}
}

// End-to-end over the handler: two connections register, exchange a message,
// one disconnects.
func TestRelayScenario(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	x := rig.connect(t, "X")
	y := rig.connect(t, "Y")

	rig.handler.HandleRegister("X", "alice")
	recvEnvelope(t, x, v1.TypeRosterUpdate)
	recvEnvelope(t, y, v1.TypeRosterUpdate)

	rig.handler.HandleRegister("Y", "bob")
	for _, c := range []*Client{x, y} {
		users := rosterFrom(t, recvEnvelope(t, c, v1.TypeRosterUpdate))
		if len(users) != 2 ||
			users[0] != (v1.RosterEntry{ConnectionID: "X", UserID: "alice"}) ||
			users[1] != (v1.RosterEntry{ConnectionID: "Y", UserID: "bob"}) {
			t.Fatalf("roster=%v want [{X alice} {Y bob}]", users)
		}
	}

	rig.handler.HandleSendMessage(context.Background(), "X", "alice", "hi")
	for _, c := range []*Client{x, y} {
		msg := messageFrom(t, recvEnvelope(t, c, v1.TypeMessageBroadcast))
		if msg.SenderID != "alice" || msg.Text != "hi" || msg.ID == "" || msg.Timestamp <= 0 {
			t.Fatalf("broadcast=%+v", msg)
		}
	}

	rig.handler.HandleDisconnect("X")
	users := rosterFrom(t, recvEnvelope(t, y, v1.TypeRosterUpdate))
	if len(users) != 1 || users[0] != (v1.RosterEntry{ConnectionID: "Y", UserID: "bob"}) {
		t.Fatalf("roster=%v want [{Y bob}]", users)
	}
}
