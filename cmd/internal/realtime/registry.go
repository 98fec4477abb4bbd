package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"

	"neighborly/cmd/internal/metrics"

	v1 "neighborly/shared/contracts/realtime/v1"
)

// Registry tracks live connection handles per user.
//
// Concurrency guarantees:
//   - The session index and the per-user reverse index are guarded by ONE
//     mutex and always mutated together; neither map can hold a reference the
//     other has already dropped.
//   - Terminations run outside the lock: a slow or failing handle never
//     blocks registry mutation for other users.
type Registry struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Client            // session id -> client
	byUser   map[string]map[string]*Client // user id -> session id -> client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:      log,
		sessions: make(map[string]*Client),
		byUser:   make(map[string]map[string]*Client),
	}
}

// Register adds a client handle under its user. Re-registering the same
// session id is a no-op.
func (r *Registry) Register(client *Client) {
	if client == nil || client.SessionID == "" || client.UserID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[client.SessionID]; ok {
		return
	}
	r.sessions[client.SessionID] = client
	set := r.byUser[client.UserID]
	if set == nil {
		set = make(map[string]*Client)
		r.byUser[client.UserID] = set
	}
	set[client.SessionID] = client

	metrics.LiveConnections.Set(float64(len(r.sessions)))
	r.log.Info("registry.register", "user_id", client.UserID, "session_id", client.SessionID, "devices", len(set))
}

// Unregister removes a handle. When the owning user's handle set becomes
// empty, the user entry is removed entirely.
func (r *Registry) Unregister(sessionID string) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if set := r.byUser[client.UserID]; set != nil {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.byUser, client.UserID)
		}
	}

	metrics.LiveConnections.Set(float64(len(r.sessions)))
	r.log.Info("registry.unregister", "user_id", client.UserID, "session_id", sessionID)
}

// HandlesFor returns the user's live handles; empty slice if none.
func (r *Registry) HandlesFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Online reports whether the user has at least one live handle.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// ForceDisconnect terminates every live handle of a user, emitting reason
// "logout" on each before severance. Registry entries are cleared even when
// individual terminations fail; per-handle failures are logged and do not
// abort the loop over the remaining handles.
func (r *Registry) ForceDisconnect(userID string) int {
	return r.terminateUser(userID, v1.TypeForceDisconnect, v1.ReasonLogout, "")
}

// ReplacePriorSessions terminates every handle of the user except
// keepSessionID, emitting reason "new_session". It prevents silent
// accumulation of zombie sessions from reconnect storms.
func (r *Registry) ReplacePriorSessions(userID, keepSessionID string) int {
	return r.terminateUser(userID, v1.TypeSessionReplaced, v1.ReasonNewSession, keepSessionID)
}

func (r *Registry) terminateUser(userID, envType, reason, keepSessionID string) int {
	// Collect and clear under the lock; terminate outside it.
	r.mu.Lock()
	var victims []*Client
	for sessionID, c := range r.byUser[userID] {
		if keepSessionID != "" && sessionID == keepSessionID {
			continue
		}
		victims = append(victims, c)
		delete(r.sessions, sessionID)
		delete(r.byUser[userID], sessionID)
	}
	if len(r.byUser[userID]) == 0 {
		delete(r.byUser, userID)
	}
	metrics.LiveConnections.Set(float64(len(r.sessions)))
	r.mu.Unlock()

	payload, _ := json.Marshal(v1.SessionEndPayload{Reason: reason})
	for _, c := range victims {
		env := newEnvelope(envType, payload)
		if err := c.Terminate(env, reason); err != nil {
			// Log and continue; remaining handles must still be terminated.
			r.log.Warn("registry.terminate.notify_fail",
				"user_id", userID, "session_id", c.SessionID, "reason", reason, "err", err)
			continue
		}
		r.log.Info("registry.terminate", "user_id", userID, "session_id", c.SessionID, "reason", reason)
	}

	if len(victims) > 0 {
		metrics.ForcedDisconnects.WithLabelValues(reason).Add(float64(len(victims)))
	}
	return len(victims)
}

// PushToUser enqueues an envelope on every live handle of a user.
// Non-blocking: full queues and closing clients are skipped.
func (r *Registry) PushToUser(userID string, env v1.Envelope) bool {
	delivered := false
	for _, c := range r.HandlesFor(userID) {
		select {
		case <-c.Done():
			continue
		default:
		}
		select {
		case c.Send <- env:
			delivered = true
		default:
			// Drop rather than block unrelated users.
		}
	}
	return delivered
}
