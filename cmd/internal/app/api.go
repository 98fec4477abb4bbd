package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"neighborly/cmd/internal/chat"
	"neighborly/cmd/internal/realtime"
)

const apiMaxBodyBytes = 1 << 16 // 64 KiB; message bodies are small

// APIHandler serves the REST chat surface. Every message-creation endpoint
// routes through the shared pipeline; the handler owns only transport
// concerns (auth extraction, JSON shape, status mapping).
type APIHandler struct {
	log        *slog.Logger
	pipeline   *chat.Pipeline
	aggregator *chat.UnreadAggregator
	store      chat.Store
	registry   *realtime.Registry
	verifier   realtime.IdentityVerifier
}

// NewAPIHandler wires the REST surface.
func NewAPIHandler(
	log *slog.Logger,
	pipeline *chat.Pipeline,
	aggregator *chat.UnreadAggregator,
	store chat.Store,
	registry *realtime.Registry,
	verifier realtime.IdentityVerifier,
) *APIHandler {
	return &APIHandler{
		log:        log,
		pipeline:   pipeline,
		aggregator: aggregator,
		store:      store,
		registry:   registry,
		verifier:   verifier,
	}
}

// Register mounts all REST routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/rooms/{roomID}/messages", h.handleCreateMessage)
	mux.HandleFunc("GET /api/rooms/{roomID}/messages", h.handleListMessages)
	mux.HandleFunc("POST /api/rooms/{roomID}/read", h.handleMarkRead)

	// Legacy flat endpoint kept for old mobile builds; same pipeline, only
	// the request shape differs.
	mux.HandleFunc("POST /api/messages", h.handleCreateMessageLegacy)

	mux.HandleFunc("GET /api/unread", h.handleUnreadSummary)
	mux.HandleFunc("GET /api/unread/{kind}", h.handleUnreadByKind)

	mux.HandleFunc("POST /api/logout", h.handleLogout)
}

// ---- request/response shapes ----

type createMessageRequest struct {
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type legacyCreateMessageRequest struct {
	RoomID  string `json:"room_id"`
	Text    string `json:"text"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
	HasMore  bool              `json:"has_more"`
}

type unreadByKindResponse struct {
	Kind  string           `json:"kind"`
	Rooms map[string]int64 `json:"rooms"`
	Total int64            `json:"total"`
}

type logoutResponse struct {
	Disconnected int `json:"disconnected"`
}

func toMessageResponse(m chat.Message) messageResponse {
	return messageResponse{
		ID:        m.ID,
		RoomID:    m.RoomID,
		AuthorID:  m.AuthorID,
		Text:      m.Text,
		ReplyTo:   m.ReplyTo,
		CreatedAt: m.CreatedAt,
	}
}

// ---- handlers ----

func (h *APIHandler) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req createMessageRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	h.createMessage(r.Context(), w, chat.CreateMessageInput{
		UserID:  userID,
		RoomID:  r.PathValue("roomID"),
		Text:    req.Text,
		ReplyTo: req.ReplyTo,
		Source:  chat.SourceAPI,
	})
}

func (h *APIHandler) handleCreateMessageLegacy(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var req legacyCreateMessageRequest
	if err := decodeJSON(w, r, apiMaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	h.createMessage(r.Context(), w, chat.CreateMessageInput{
		UserID:  userID,
		RoomID:  req.RoomID,
		Text:    req.Text,
		ReplyTo: req.ReplyTo,
		Source:  chat.SourceLegacy,
	})
}

func (h *APIHandler) createMessage(ctx context.Context, w http.ResponseWriter, in chat.CreateMessageInput) {
	msg, err := h.pipeline.CreateMessage(ctx, in)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

func (h *APIHandler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("roomID")

	if _, err := h.store.GetRoom(r.Context(), roomID); err != nil {
		h.writeChatError(w, err)
		return
	}
	member, err := h.store.CanAccess(r.Context(), userID, roomID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "membership check failed")
		return
	}
	if !member {
		writeError(w, http.StatusForbidden, "permission_denied", "not a member")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	res, err := h.store.ListRoomMessages(r.Context(), chat.ListMessagesInput{
		RoomID:   roomID,
		BeforeID: r.URL.Query().Get("before"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "history query failed")
		return
	}

	out := listMessagesResponse{
		Messages: make([]messageResponse, 0, len(res.Messages)),
		HasMore:  res.HasMore,
	}
	for _, m := range res.Messages {
		out.Messages = append(out.Messages, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("roomID")

	if err := h.aggregator.MarkRead(r.Context(), userID, roomID); err != nil {
		h.writeChatError(w, err)
		return
	}

	unread, kind, err := h.aggregator.RoomUnread(r.Context(), userID, roomID)
	if err != nil {
		// The acknowledgement itself succeeded; report it without a count.
		writeJSON(w, http.StatusOK, map[string]any{"room_id": roomID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id": roomID,
		"kind":    string(kind),
		"unread":  unread,
	})
}

func (h *APIHandler) handleUnreadSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	sum, err := h.aggregator.Summary(r.Context(), userID)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *APIHandler) handleUnreadByKind(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	kind := chat.RoomKind(strings.ToLower(r.PathValue("kind")))
	rooms, err := h.aggregator.ByKind(r.Context(), userID, kind)
	if err != nil {
		h.writeChatError(w, err)
		return
	}

	out := unreadByKindResponse{Kind: string(kind), Rooms: make(map[string]int64, len(rooms))}
	for roomID, n := range rooms {
		if n <= 0 {
			continue
		}
		out.Rooms[roomID] = n
		out.Total += n
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLogout terminates every live realtime connection of the caller with
// reason "logout". Credential invalidation itself belongs to the identity
// service; this endpoint severs the realtime handles.
func (h *APIHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	n := h.registry.ForceDisconnect(userID)
	h.log.Info("api.logout", "user_id", userID, "disconnected", n)
	writeJSON(w, http.StatusOK, logoutResponse{Disconnected: n})
}

// ---- helpers ----

// authenticate resolves the Bearer token via the identity boundary.
// On failure it writes a 401 response and returns ok=false.
func (h *APIHandler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if raw == "" || !strings.HasPrefix(raw, prefix) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return "", false
	}

	userID, err := h.verifier.Verify(r.Context(), strings.TrimSpace(raw[len(prefix):]))
	if err != nil || userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return "", false
	}
	return userID, true
}

// writeChatError maps the domain error taxonomy onto HTTP statuses.
func (h *APIHandler) writeChatError(w http.ResponseWriter, err error) {
	switch {
	case chat.IsValidation(err):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case chat.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case chat.IsPermissionDenied(err):
		writeError(w, http.StatusForbidden, "permission_denied", err.Error())
	case chat.IsDuplicateSubmission(err):
		writeError(w, http.StatusConflict, "duplicate_submission", err.Error())
	case chat.IsUpstream(err):
		writeError(w, http.StatusBadGateway, "upstream_unavailable", "dependency failed")
	default:
		h.log.Error("api.internal", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
