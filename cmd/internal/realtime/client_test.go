package realtime

import (
	"errors"
	"testing"

	v1 "neighborly/shared/contracts/realtime/v1"
)

func TestClient_CloseIdempotent(t *testing.T) {
	t.Parallel()

	c := NewClient("alice", "s1", 4)

	select {
	case <-c.Done():
		t.Fatalf("fresh client is done")
	default:
	}

	c.Close()
	c.Close()

	select {
	case <-c.Done():
	default:
		t.Fatalf("closed client not done")
	}
}

func TestClient_Terminate_EnqueuesBeforeClose(t *testing.T) {
	t.Parallel()

	c := NewClient("alice", "s1", 4)

	env := newEnvelope(v1.TypeForceDisconnect, nil)
	if err := c.Terminate(env, v1.ReasonLogout); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	select {
	case <-c.Done():
	default:
		t.Fatalf("client not closed")
	}

	select {
	case got := <-c.Send:
		if got.Type != v1.TypeForceDisconnect {
			t.Fatalf("queued type: got=%q", got.Type)
		}
	default:
		t.Fatalf("reason envelope not queued")
	}

	if c.EndReason() != v1.ReasonLogout {
		t.Fatalf("end reason: got=%q", c.EndReason())
	}
}

func TestClient_Terminate_FirstReasonWins(t *testing.T) {
	t.Parallel()

	c := NewClient("alice", "s1", 4)

	_ = c.Terminate(newEnvelope(v1.TypeSessionReplaced, nil), v1.ReasonNewSession)
	_ = c.Terminate(newEnvelope(v1.TypeForceDisconnect, nil), v1.ReasonLogout)

	if c.EndReason() != v1.ReasonNewSession {
		t.Fatalf("end reason: got=%q want=%q", c.EndReason(), v1.ReasonNewSession)
	}
}

func TestClient_Terminate_Backpressure(t *testing.T) {
	t.Parallel()

	c := NewClient("alice", "s1", 1)
	c.Send <- newEnvelope(v1.TypeMessageNew, nil)

	err := c.Terminate(newEnvelope(v1.TypeForceDisconnect, nil), v1.ReasonLogout)
	if !errors.Is(err, ErrSendBackpressure) {
		t.Fatalf("got err=%v want backpressure", err)
	}

	// Termination itself still happened.
	select {
	case <-c.Done():
	default:
		t.Fatalf("client not closed despite backpressure")
	}
	if c.EndReason() != v1.ReasonLogout {
		t.Fatalf("end reason lost: got=%q", c.EndReason())
	}
}
