package realtime

import (
	"encoding/json"
	"log/slog"
	"testing"

	v1 "neighborly/shared/contracts/realtime/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func register(t *testing.T, r *Registry, userID, sessionID string) *Client {
	t.Helper()
	c := NewClient(userID, sessionID, 8)
	r.Register(c)
	return c
}

func sessionEndReason(t *testing.T, c *Client, wantType string) string {
	t.Helper()
	select {
	case env := <-c.Send:
		if env.Type != wantType {
			t.Fatalf("envelope type: got=%q want=%q", env.Type, wantType)
		}
		var p v1.SessionEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("payload: %v", err)
		}
		return p.Reason
	default:
		t.Fatalf("no session-end envelope enqueued")
		return ""
	}
}

func TestRegistry_ForceDisconnect_AllHandles(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	// User with three devices, plus a bystander.
	c1 := register(t, r, "alice", "s1")
	c2 := register(t, r, "alice", "s2")
	c3 := register(t, r, "alice", "s3")
	other := register(t, r, "bob", "s4")

	n := r.ForceDisconnect("alice")
	if n != 3 {
		t.Fatalf("terminated: got=%d want=3", n)
	}

	for _, c := range []*Client{c1, c2, c3} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("handle %s not closed", c.SessionID)
		}
		if got := sessionEndReason(t, c, v1.TypeForceDisconnect); got != v1.ReasonLogout {
			t.Fatalf("reason: got=%q want=%q", got, v1.ReasonLogout)
		}
		if c.EndReason() != v1.ReasonLogout {
			t.Fatalf("end reason: got=%q", c.EndReason())
		}
	}

	if r.Online("alice") {
		t.Fatalf("alice still online after logout")
	}
	if !r.Online("bob") {
		t.Fatalf("bystander disconnected")
	}
	select {
	case <-other.Done():
		t.Fatalf("bystander handle closed")
	default:
	}

	// Registry is empty for the user: a second logout is a no-op.
	if n := r.ForceDisconnect("alice"); n != 0 {
		t.Fatalf("second logout terminated %d handles", n)
	}
}

func TestRegistry_ReplacePriorSessions_KeepsCurrent(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	old1 := register(t, r, "alice", "s1")
	old2 := register(t, r, "alice", "s2")
	current := register(t, r, "alice", "s3")

	n := r.ReplacePriorSessions("alice", "s3")
	if n != 2 {
		t.Fatalf("replaced: got=%d want=2", n)
	}

	for _, c := range []*Client{old1, old2} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("prior handle %s not closed", c.SessionID)
		}
		if got := sessionEndReason(t, c, v1.TypeSessionReplaced); got != v1.ReasonNewSession {
			t.Fatalf("reason: got=%q want=%q", got, v1.ReasonNewSession)
		}
	}

	select {
	case <-current.Done():
		t.Fatalf("current session terminated")
	default:
	}
	if !r.Online("alice") {
		t.Fatalf("alice should stay online through the surviving session")
	}
	if got := len(r.HandlesFor("alice")); got != 1 {
		t.Fatalf("handles: got=%d want=1", got)
	}
}

func TestRegistry_TerminateContinuesPastFullQueues(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	// A handle whose queue is already full cannot take the reason envelope.
	stuck := NewClient("alice", "s1", 1)
	stuck.Send <- newEnvelope(v1.TypeMessageNew, nil)
	r.Register(stuck)
	healthy := register(t, r, "alice", "s2")

	if n := r.ForceDisconnect("alice"); n != 2 {
		t.Fatalf("terminated: got=%d want=2", n)
	}

	// Both handles are closed and deregistered even though one notify failed.
	for _, c := range []*Client{stuck, healthy} {
		select {
		case <-c.Done():
		default:
			t.Fatalf("handle %s not closed", c.SessionID)
		}
	}
	if r.Online("alice") {
		t.Fatalf("alice still online")
	}
}

func TestRegistry_UnregisterDropsEmptyUserEntry(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	register(t, r, "alice", "s1")
	register(t, r, "alice", "s2")

	r.Unregister("s1")
	if !r.Online("alice") {
		t.Fatalf("alice offline with one handle left")
	}

	r.Unregister("s2")
	if r.Online("alice") {
		t.Fatalf("alice online with no handles")
	}

	// Unknown session is a no-op.
	r.Unregister("ghost")
}

func TestRegistry_PushToUser_SkipsClosedAndFull(t *testing.T) {
	t.Parallel()

	r := NewRegistry(testLogger())

	closed := register(t, r, "alice", "s1")
	closed.Close()

	full := NewClient("alice", "s2", 1)
	full.Send <- newEnvelope(v1.TypeMessageNew, nil)
	r.Register(full)

	open := register(t, r, "alice", "s3")

	if !r.PushToUser("alice", newEnvelope(v1.TypeUnreadUpdate, nil)) {
		t.Fatalf("push reported no delivery")
	}
	if len(open.Send) != 1 {
		t.Fatalf("open handle queue: got=%d want=1", len(open.Send))
	}
	if len(closed.Send) != 0 {
		t.Fatalf("closed handle received a push")
	}

	if r.PushToUser("ghost", newEnvelope(v1.TypeUnreadUpdate, nil)) {
		t.Fatalf("push to unknown user reported delivery")
	}
}
