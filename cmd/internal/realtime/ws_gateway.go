// Package realtime contains Neighborly's websocket gateway, connection
// registry, and room broadcast primitives.
package realtime

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
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"neighborly/cmd/internal/chat"
	"neighborly/cmd/internal/ids"

	v1 "neighborly/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "neighborly.realtime.v1"

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

// IdentityVerifier resolves an opaque hello token into a verified user id.
// Identity is an external capability: the gateway trusts the verifier's
// answer and performs no authentication itself.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// WSGateway is the WebSocket entrypoint for Neighborly realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the registry, hub, message pipeline, and
// unread aggregator.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	registry *Registry

	pipeline   *chat.Pipeline
	aggregator *chat.UnreadAggregator
	store      chat.Store
	verifier   IdentityVerifier

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
func NewWSGateway(
	log *slog.Logger,
	hub *Hub,
	registry *Registry,
	pipeline *chat.Pipeline,
	aggregator *chat.UnreadAggregator,
	store chat.Store,
	verifier IdentityVerifier,
) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}
	if registry == nil {
		registry = NewRegistry(log)
	}

	g := &WSGateway{
		log:        log,
		hub:        hub,
		registry:   registry,
		pipeline:   pipeline,
		aggregator: aggregator,
		store:      store,
		verifier:   verifier,
	}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("NBR_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("NBR_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("NBR_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("NBR_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("NBR_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("NBR_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("NBR_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("NBR_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("NBR_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("NBR_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the realtime loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure, // dev-only escape hatch
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

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	// Phase 1: hello handshake. No registry entry exists until the identity
	// boundary has verified the token.
	userID, ok := g.handshake(ctx, conn, rl)
	if !ok {
		return
	}

	sessionID := ids.MustULID(time.Now().UTC())
	client := NewClient(userID, sessionID, g.sendQueueSize)

	g.registry.Register(client)
	// Reconnect storms must not accumulate zombie sessions: every prior
	// handle of this user is terminated with reason "new_session".
	g.registry.ReplacePriorSessions(userID, sessionID)

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Broadcast safety: room removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.hub.LeaveAll(sessionID)
			g.registry.Unregister(sessionID)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			case <-client.Done():
				// Drain announcements enqueued before shutdown
				// (session_replaced / force_disconnect reach the peer
				// before the connection is severed).
				for {
					select {
					case env := <-client.Send:
						if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
							shutdown(websocket.StatusAbnormalClosure, "write failed")
							return
						}
					default:
						reason := client.EndReason()
						if reason == "" {
							reason = "bye"
						}
						shutdown(websocket.StatusNormalClosure, reason)
						return
					}
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
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

	ack, _ := json.Marshal(v1.HelloAckPayload{SessionID: sessionID, UserID: userID})
	g.enqueue(ctx, client, newEnvelope(v1.TypeHelloAck, ack))

	joined := make(map[string]*Room)

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
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeRoomJoin:
			room, err := g.onJoin(ctx, client, env)
			if err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}
			joined[room.ID] = room

		case v1.TypeRoomLeave:
			g.onLeave(client, env, joined)

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, client, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMarkRead:
			if err := g.onMarkRead(ctx, client, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeHello:
			g.trySendError(ctx, client, "already_identified", "hello accepted earlier")

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// handshake reads envelopes until a valid hello arrives or the peer fails.
// Returns the verified user id. Errors before identification are written
// directly because no client/writer exists yet.
func (g *WSGateway) handshake(ctx context.Context, conn *websocket.Conn, rl *RateLimiter) (string, bool) {
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			if classifyReadErr(err) == readErrBadJSON {
				g.writeDirectError(ctx, conn, "bad_json", "invalid JSON")
				continue
			}
			_ = conn.Close(websocket.StatusPolicyViolation, "hello required")
			return "", false
		}

		if !rl.Allow(time.Now().UTC()) {
			_ = conn.Close(websocket.StatusPolicyViolation, "rate limited")
			return "", false
		}

		if err := env.Validate(); err != nil {
			g.writeDirectError(ctx, conn, "bad_envelope", err.Error())
			continue
		}
		if env.Type != v1.TypeHello {
			g.writeDirectError(ctx, conn, "hello_required", "identify first")
			continue
		}

		var p v1.HelloPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.writeDirectError(ctx, conn, "bad_payload", "invalid payload")
			continue
		}

		userID, err := g.verifier.Verify(ctx, strings.TrimSpace(p.Token))
		if err != nil || userID == "" {
			g.log.Info("ws.hello.verify_fail", "err", err)
			g.writeDirectError(ctx, conn, "hello_failed", "identity verification failed")
			_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
			return "", false
		}
		return userID, true
	}
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, client *Client, env v1.Envelope) (*Room, error) {
	var p v1.RoomJoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, chat.OpError{Op: "realtime.Join", Kind: chat.ErrValidation, Msg: "invalid payload"}
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return nil, chat.OpError{Op: "realtime.Join", Kind: chat.ErrValidation, Msg: "missing room_id"}
	}

	// The persistent membership gate is authoritative; join state in the hub
	// only mirrors it for live fan-out.
	room, err := g.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ok, err := g.store.CanAccess(ctx, client.UserID, roomID)
	if err != nil {
		return nil, fmt.Errorf("realtime.Join: %w: %v", chat.ErrUpstream, err)
	}
	if !ok {
		return nil, chat.OpError{Op: "realtime.Join", Kind: chat.ErrPermissionDenied, Msg: "not a member"}
	}

	live := g.hub.JoinRoom(room.ID, string(room.Kind), client)

	echo, _ := json.Marshal(v1.RoomJoinPayload{RoomID: room.ID, Kind: string(room.Kind)})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeRoomJoin, echo)) {
		g.hub.LeaveRoom(room.ID, client.SessionID)
		return nil, chat.OpError{Op: "realtime.Join", Kind: chat.ErrUpstream, Msg: "backpressure: join echo"}
	}
	return live, nil
}

func (g *WSGateway) onLeave(client *Client, env v1.Envelope, joined map[string]*Room) {
	var p v1.RoomLeavePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if room := joined[p.RoomID]; room != nil {
		g.hub.LeaveRoom(room.ID, client.SessionID)
		delete(joined, p.RoomID)
	}
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return chat.OpError{Op: "realtime.Send", Kind: chat.ErrValidation, Msg: "invalid payload"}
	}

	// All ingress paths converge on the pipeline; the gateway adds nothing
	// but the source tag.
	msg, err := g.pipeline.CreateMessage(ctx, chat.CreateMessageInput{
		UserID:  client.UserID,
		RoomID:  strings.TrimSpace(p.RoomID),
		Text:    p.Text,
		ReplyTo: p.ReplyTo,
		Source:  chat.SourceRealtime,
	})
	if err != nil {
		return err
	}

	ack, _ := json.Marshal(v1.MessageAckPayload{
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		CreatedAt: msg.CreatedAt,
	})
	if !g.enqueue(ctx, client, newEnvelope(v1.TypeMessageAck, ack)) {
		return chat.OpError{Op: "realtime.Send", Kind: chat.ErrUpstream, Msg: "backpressure: ack"}
	}
	return nil
}

func (g *WSGateway) onMarkRead(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return chat.OpError{Op: "realtime.MarkRead", Kind: chat.ErrValidation, Msg: "invalid payload"}
	}

	roomID := strings.TrimSpace(p.RoomID)
	if err := g.aggregator.MarkRead(ctx, client.UserID, roomID); err != nil {
		return err
	}

	// Confirm with a fresh count so all of the user's devices converge.
	unread, kind, err := g.aggregator.RoomUnread(ctx, client.UserID, roomID)
	if err != nil {
		g.log.Warn("ws.mark_read.count_fail", "room_id", roomID, "err", err)
		return nil
	}
	payload, _ := json.Marshal(v1.UnreadUpdatePayload{RoomID: roomID, Kind: string(kind), Unread: unread})
	g.registry.PushToUser(client.UserID, newEnvelope(v1.TypeUnreadUpdate, payload))
	return nil
}

func errCode(err error) string {
	switch {
	case chat.IsValidation(err):
		return "invalid_message"
	case chat.IsNotFound(err):
		return "not_found"
	case chat.IsPermissionDenied(err):
		return "permission_denied"
	case chat.IsDuplicateSubmission(err):
		return "duplicate_submission"
	case chat.IsUpstream(err):
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, client, newEnvelope(v1.TypeError, p))
}

func (g *WSGateway) writeDirectError(ctx context.Context, conn *websocket.Conn, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	_ = writeEnvelope(ctx, conn, newEnvelope(v1.TypeError, p), g.writeTimeout)
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

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		TS:      now,
		Payload: payload,
	}
}

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

	slices.Sort(out)
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
