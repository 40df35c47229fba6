// Package main provides a CI-friendly WebSocket smoke test for chatrelay.
//
// It validates:
//   - handshake + subprotocol selection
//   - register -> roster-update fanout
//   - send-message -> message-broadcast to every connection
//   - history-fetch -> history-chunk
//   - disconnect -> roster shrink on the surviving connection
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "chatrelay/contracts/chat/v1"
)

const (
	defaultSubprotocol = "chatrelay.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "User ID registered by connection A")
		userB   = flag.String("user-b", "smoke-bob", "User ID registered by connection B")
		text    = flag.String("text", "hello relay 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A and B, origin=%q\n", *origin)
	}

	// A registers. Roster updates fan out to every open connection, the
	// not-yet-registered B included, so each assert drains intermediate
	// rosters until the expected one arrives.
	mustRegister(root, a, *userA, *timeout)
	mustAssertRoster(root, a, []string{*userA}, *timeout)

	// B registers; both connections converge on the two-user roster.
	mustRegister(root, b, *userB, *timeout)
	mustAssertRoster(root, a, []string{*userA, *userB}, *timeout)
	mustAssertRoster(root, b, []string{*userA, *userB}, *timeout)

	// A sends; the broadcast reaches sender and peer alike.
	mustSend(root, a, *userA, *text, *timeout)
	msgA := mustAssertBroadcast(root, a, *userA, *text, *timeout)
	msgB := mustAssertBroadcast(root, b, *userA, *text, *timeout)
	if msgA.ID != msgB.ID {
		fatalf("broadcast id mismatch: A=%q B=%q", msgA.ID, msgB.ID)
	}

	mustHistoryContains(root, b, *userA, *text, *timeout)

	// A drops; B gets the shrunken roster without asking.
	closeWS(a.conn)
	mustAssertRoster(root, b, []string{*userB}, *timeout)

	fmt.Printf("OK: users=[%s %s] msg_id=%s ts=%d\n", *userA, *userB, msgA.ID, msgA.Timestamp)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustRegister(parent context.Context, c *smokeClient, userID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeRegister,
		ID:      fmt.Sprintf("%s-register", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RegisterPayload{UserID: userID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

// mustAssertRoster reads roster-update envelopes until the roster matches
// wantUsers in order. Rosters broadcast for other connections' registrations
// arrive here too and are drained; any non-roster envelope is a failure.
func mustAssertRoster(parent context.Context, c *smokeClient, wantUsers []string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var last []v1.RosterEntry
	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for roster %v (%s): last seen %v", wantUsers, c.name, last)
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for roster (%s)", c.name)
			}
			fatalf("connection error while waiting for roster (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for roster (%s)", c.name)
			}
			if env.Type != v1.TypeRosterUpdate {
				fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, v1.TypeRosterUpdate)
			}

			var p v1.RosterUpdatePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				fatalf("unmarshal roster-update payload (%s): %v", c.name, err)
			}
			if rosterMatches(p.Users, wantUsers) {
				return
			}
			last = p.Users
		}
	}
}

func rosterMatches(got []v1.RosterEntry, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].UserID != want[i] || strings.TrimSpace(got[i].ConnectionID) == "" {
			return false
		}
	}
	return true
}

func mustSend(parent context.Context, c *smokeClient, senderID, text string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		ID:      fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{SenderID: senderID, Text: text}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)
}

func mustAssertBroadcast(parent context.Context, c *smokeClient, senderID, text string, stepTimeout time.Duration) v1.MessageBroadcastPayload {
	env := c.mustReadUntilType(parent, v1.TypeMessageBroadcast, stepTimeout)

	var p v1.MessageBroadcastPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message-broadcast payload (%s): %v", c.name, err)
	}
	if p.SenderID != senderID {
		fatalf("broadcast sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Text != text {
		fatalf("broadcast text mismatch (%s): got=%q want=%q", c.name, p.Text, text)
	}
	if strings.TrimSpace(p.ID) == "" {
		fatalf("broadcast missing message id (%s)", c.name)
	}
	if p.Timestamp <= 0 {
		fatalf("broadcast invalid timestamp (%s): %d", c.name, p.Timestamp)
	}
	return p
}

func mustHistoryContains(parent context.Context, c *smokeClient, senderID, text string, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHistoryFetch,
		ID:      fmt.Sprintf("%s-history-fetch", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{Limit: 50}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeHistoryChunk, stepTimeout)

	var p v1.HistoryChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal history-chunk payload (%s): %v", c.name, err)
	}

	found := false
	for _, m := range p.Messages {
		if m.SenderID == senderID && m.Text == text && m.ID != "" && m.Timestamp > 0 {
			found = true
			break
		}
	}
	if !found {
		fatalf("history-chunk missing expected message (%s)", c.name)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
