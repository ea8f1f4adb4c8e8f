// Package main provides a CI-friendly WebSocket smoke test for the Parley chat gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment
//   - room_join -> room_messages history snapshot
//   - message_send -> receive_message fanout to every member, sender included
//   - history_fetch -> more_messages backward pagination
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

	v1 "parley/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "parley.chat.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string
	userID    string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", "", "Session credential for the hello handshake")
		roomID  = flag.String("room", "dev-room-1", "Room ID to join")
		text    = flag.String("text", "hello parley 👋", "Message text to send")
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
	if strings.TrimSpace(*token) == "" {
		fatalf("missing -token (set PARLEY_AUTH_DEV_TOKEN on the server and pass it here)")
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *token, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *token, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	joinedA := mustJoin(root, a, *roomID, *timeout)
	joinedB := mustJoin(root, b, *roomID, *timeout)
	if len(joinedA) != len(joinedB) {
		fatalf("join snapshots diverge: A=%d B=%d", len(joinedA), len(joinedB))
	}

	msg := mustSendAndAssertFanout(root, a, *roomID, *text, *timeout)

	// The sender observes its own message through the same broadcast.
	mustAssertReceive(root, b, *roomID, msg, *timeout)

	mustHistoryBefore(root, b, *roomID, msg, *timeout)

	fmt.Printf("OK: A=%s B=%s room_id=%s msg_id=%s\n", a.sessionID, b.sessionID, *roomID, msg.ID)
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

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
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

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if strings.TrimSpace(p.UserID) == "" {
		fatalf("hello_ack missing user_id (%s)", name)
	}
	c.sessionID = p.SessionID
	c.userID = p.UserID

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

func mustJoin(parent context.Context, c *smokeClient, roomID string, stepTimeout time.Duration) []v1.Message {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeRoomJoin,
		ID:      fmt.Sprintf("%s-join", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.RoomJoinPayload{RoomID: roomID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	reply := c.mustReadUntilType(parent, v1.TypeRoomMessages, stepTimeout, nil)

	var p v1.RoomMessagesPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		fatalf("unmarshal room_messages payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("room_messages room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	return p.Messages
}

func mustSendAndAssertFanout(parent context.Context, c *smokeClient, roomID, text string, stepTimeout time.Duration) v1.Message {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessageSend,
		ID:      fmt.Sprintf("%s-send-%d", c.name, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{RoomID: roomID, Text: text}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	recv := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, nil)

	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(recv.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	m := p.Message
	if m.RoomID != roomID {
		fatalf("receive_message room_id mismatch (%s): got=%q want=%q", c.name, m.RoomID, roomID)
	}
	if strings.TrimSpace(m.ID) == "" {
		fatalf("receive_message missing id (%s)", c.name)
	}
	if m.SenderID != c.userID {
		fatalf("receive_message sender mismatch (%s): got=%q want=%q", c.name, m.SenderID, c.userID)
	}
	if m.Text != text {
		fatalf("receive_message text mismatch (%s): got=%q want=%q", c.name, m.Text, text)
	}
	if m.CreatedAt.IsZero() {
		fatalf("receive_message created_at missing/zero (%s)", c.name)
	}
	return m
}

func mustAssertReceive(parent context.Context, c *smokeClient, roomID string, want v1.Message, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeReceiveMessage, stepTimeout, nil)

	var p v1.ReceiveMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal receive_message payload (%s): %v", c.name, err)
	}
	if p.Message.RoomID != roomID || p.Message.ID != want.ID || p.Message.Text != want.Text {
		fatalf("fanout mismatch (%s): got=%+v want id=%s", c.name, p.Message, want.ID)
	}
}

func mustHistoryBefore(parent context.Context, c *smokeClient, roomID string, anchor v1.Message, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeHistoryFetch,
		ID:   fmt.Sprintf("%s-history-fetch", c.name),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.HistoryFetchPayload{
			RoomID: roomID,
			Before: anchor.CreatedAt.Format(time.RFC3339),
		}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	reply := c.mustReadUntilType(parent, v1.TypeMoreMessages, stepTimeout, nil)

	var p v1.MoreMessagesPayload
	if err := json.Unmarshal(reply.Payload, &p); err != nil {
		fatalf("unmarshal more_messages payload (%s): %v", c.name, err)
	}
	if p.RoomID != roomID {
		fatalf("more_messages room_id mismatch (%s): got=%q want=%q", c.name, p.RoomID, roomID)
	}
	// Every returned message must be strictly older than the anchor, ascending.
	for i, m := range p.Messages {
		if !m.CreatedAt.Before(anchor.CreatedAt) {
			fatalf("more_messages[%d] not older than anchor (%s)", i, c.name)
		}
		if i > 0 && p.Messages[i].CreatedAt.Before(p.Messages[i-1].CreatedAt) {
			fatalf("more_messages not ascending at %d (%s)", i, c.name)
		}
	}
	if len(p.Messages) == 0 && !p.EndOfHistory {
		// An empty page without end_of_history means a transient store outage.
		fmt.Fprintf(os.Stderr, "WARN: empty history page without end_of_history (%s)\n", c.name)
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
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
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			// Side-channel broadcasts (e.g. folder_updated) may interleave.
			if env.Type == v1.TypeFolderUpdated {
				continue
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
