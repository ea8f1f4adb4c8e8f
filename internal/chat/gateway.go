package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
	"parley/internal/identity"
	"parley/internal/metrics"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "parley.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Parley chat.
//
// It enforces origin policy, subprotocol selection, authentication-before-
// room-events, rate limits, and heartbeats, and routes validated envelopes to
// the Manager.
type WSGateway struct {
	log      *slog.Logger
	manager  *Manager
	verifier identity.Verifier

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, manager *Manager, verifier identity.Verifier) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, manager: manager, verifier: verifier}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("PARLEY_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("PARLEY_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("PARLEY_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("PARLEY_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("PARLEY_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("PARLEY_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("PARLEY_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("PARLEY_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("PARLEY_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("PARLEY_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "session id")
		return
	}

	metrics.WSConnections.Inc()
	defer metrics.WSConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var (
		closeOnce sync.Once
		client    *Client // nil until hello succeeds

		// joinedMu guards joined: shutdown may run on the writer or
		// heartbeat goroutine while the read loop is still mutating it.
		joinedMu sync.Mutex
		joined   = make(map[string]struct{})
	)

	addJoined := func(roomID string) {
		joinedMu.Lock()
		joined[roomID] = struct{}{}
		joinedMu.Unlock()
	}
	removeJoined := func(roomID string) bool {
		joinedMu.Lock()
		defer joinedMu.Unlock()
		if _, ok := joined[roomID]; !ok {
			return false
		}
		delete(joined, roomID)
		return true
	}

	// shutdown is idempotent. It does NOT close client.Send.
	// It leaves every joined room with a detached context so the final
	// flush-on-empty still runs after the request context died.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			joinedMu.Lock()
			rooms := make([]string, 0, len(joined))
			for roomID := range joined {
				rooms = append(rooms, roomID)
			}
			joined = make(map[string]struct{})
			joinedMu.Unlock()

			if client != nil && len(rooms) > 0 {
				leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 10*time.Second)
				for _, roomID := range rooms {
					g.manager.Leave(leaveCtx, roomID, sessionID)
				}
				leaveCancel()
			}

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	// The writer goroutine starts only after authentication creates the
	// client; before that the session replies synchronously.
	writerDone := make(chan struct{})
	heartbeatDone := make(chan struct{})
	startPumps := func(c *Client) {
		go func() {
			defer close(writerDone)

			for {
				select {
				case <-ctx.Done():
					return
				case <-c.Done():
					return
				case env := <-c.Send:
					if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
						g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
						shutdown(websocket.StatusAbnormalClosure, "write failed")
						return
					}
				}
			}
		}()

		go func() {
			defer close(heartbeatDone)

			t := time.NewTicker(g.heartbeatEvery)
			defer t.Stop()

			failures := 0
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.Done():
					return
				case <-t.C:
					hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
					err := conn.Ping(hbCtx)
					hbCancel()

					if err != nil {
						failures++
						g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
						if failures >= wsMaxPingFailures {
							shutdown(websocket.StatusGoingAway, "heartbeat failed")
							return
						}
						continue
					}
					failures = 0
				}
			}
		}()
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.replyError(ctx, conn, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.replyError(ctx, conn, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.replyError(ctx, conn, client, "bad_envelope", err.Error())
			continue readLoop
		}

		// Authentication gate: the first envelope must be a valid hello; no
		// room event is processed before the credential verifies.
		if client == nil {
			if env.Type != v1.TypeHello {
				g.replyError(ctx, conn, nil, "auth_required", "hello first")
				shutdown(websocket.StatusPolicyViolation, "unauthenticated")
				break readLoop
			}

			c, err := g.onHello(ctx, conn, sessionID, env, now)
			if err != nil {
				metrics.AuthFailures.Inc()
				g.log.Info("ws.reject.auth", "session_id", sessionID, "err", err)
				g.replyError(ctx, conn, nil, "auth_failed", "authentication error")
				shutdown(websocket.StatusPolicyViolation, "auth failed")
				break readLoop
			}
			client = c
			startPumps(client)
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			// Re-authentication is not supported; ignore with an error reply.
			g.trySend(ctx, client, errorEnvelope("already_authenticated", "session already authenticated", now))

		case v1.TypeRoomJoin:
			roomID, err := g.onJoin(ctx, client, env, now)
			if err != nil {
				g.trySend(ctx, client, errorEnvelope("join_failed", err.Error(), now))
				continue readLoop
			}
			addJoined(roomID)

		case v1.TypeRoomLeave:
			var p v1.RoomLeavePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.RoomID) == "" {
				g.trySend(ctx, client, errorEnvelope("bad_payload", "missing room_id", now))
				continue readLoop
			}
			if removeJoined(p.RoomID) {
				g.manager.Leave(ctx, p.RoomID, sessionID)
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, client, env, now); err != nil {
				g.trySend(ctx, client, errorEnvelope(sendErrorCode(err), err.Error(), now))
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, client, env, now); err != nil {
				g.trySend(ctx, client, errorEnvelope("history_failed", err.Error(), now))
				continue readLoop
			}

		default:
			g.trySend(ctx, client, errorEnvelope("unsupported", fmt.Sprintf("unsupported type: %s", env.Type), now))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	if client != nil {
		<-writerDone

		select {
		case <-heartbeatDone:
		case <-time.After(wsCloseGrace):
		}
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, conn *websocket.Conn, sessionID string, env v1.Envelope, now time.Time) (*Client, error) {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.Token) == "" {
		return nil, identity.ErrInvalidCredential
	}

	id, err := g.verifier.Verify(ctx, p.Token)
	if err != nil {
		return nil, err
	}

	client := NewClient(sessionID, id.UserID, id.DisplayName, g.sendQueueSize)

	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sessionID, UserID: id.UserID}, now)
	if err := writeEnvelope(ctx, conn, ack, g.writeTimeout); err != nil {
		return nil, err
	}

	g.log.Info("ws.session.auth", "session_id", sessionID, "user_id", id.UserID)
	return client, nil
}

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope, now time.Time) (string, error) {
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return "", errors.New("missing room_id")
	}

	history := g.manager.Join(ctx, roomID, client)

	reply := newEnvelope(v1.TypeRoomMessages, v1.RoomMessagesPayload{
		RoomID:   roomID,
		Messages: wireMessages(history),
	}, now)

	if !g.enqueue(ctx, client, reply) {
		g.manager.Leave(ctx, roomID, client.SessionID)
		return "", errors.New("backpressure: join reply")
	}

	return roomID, nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrMalformedPayload)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return fmt.Errorf("%w: missing room_id", ErrMalformedPayload)
	}

	in := SendInput{Text: p.Text}
	if p.File != nil {
		in.File = &FileDescriptor{
			FileID:       p.File.FileID,
			Name:         p.File.Name,
			Size:         p.File.Size,
			MediaType:    p.File.MediaType,
			LastModified: p.File.LastModified,
			URL:          p.File.URL,
			Note:         p.File.Note,
		}
	}

	// The sender observes the accepted message via the room broadcast, not a
	// direct reply, so every observer shares one ordering.
	_, err := g.manager.SendMessage(ctx, roomID, client, in, now)
	return err
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, client *Client, env v1.Envelope, now time.Time) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing room_id")
	}

	before, err := time.Parse(time.RFC3339, strings.TrimSpace(p.Before))
	if err != nil {
		return fmt.Errorf("invalid before timestamp: %w", err)
	}

	page, end, err := g.manager.RequestHistory(ctx, roomID, client.SessionID, before)
	if err != nil {
		return err
	}

	reply := newEnvelope(v1.TypeMoreMessages, v1.MoreMessagesPayload{
		RoomID:       roomID,
		Messages:     wireMessages(page),
		EndOfHistory: end,
	}, now)

	if !g.enqueue(ctx, client, reply) {
		return errors.New("backpressure: history reply")
	}
	return nil
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	default:
		return "send_failed"
	}
}

// ---- send helpers ----

func errorEnvelope(code, msg string, now time.Time) v1.Envelope {
	return newEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg}, now)
}

// replyError delivers an error either through the client queue or, before
// authentication, synchronously on the connection.
func (g *WSGateway) replyError(ctx context.Context, conn *websocket.Conn, client *Client, code, msg string) {
	env := errorEnvelope(code, msg, time.Now().UTC())
	if client != nil {
		g.trySend(ctx, client, env)
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

func (g *WSGateway) trySend(ctx context.Context, client *Client, env v1.Envelope) {
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
