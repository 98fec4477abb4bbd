package chat

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDuplicateDetector_WindowAndSources(t *testing.T) {
	t.Parallel()

	d := NewDuplicateDetector(nil)
	now := time.Now().UTC()

	if _, dup := d.Check("u1", "r1", "hello neighbors", SourceRealtime, now); dup {
		t.Fatalf("first attempt flagged as duplicate")
	}

	// Same text through a different ingress inside the window.
	prior, dup := d.Check("u1", "r1", "hello neighbors", SourceAPI, now.Add(2*time.Second))
	if !dup {
		t.Fatalf("expected duplicate inside window")
	}
	if prior != SourceRealtime {
		t.Fatalf("prior source: got=%q want=%q", prior, SourceRealtime)
	}

	// Different user, same text: independent key.
	if _, dup := d.Check("u2", "r1", "hello neighbors", SourceAPI, now.Add(2*time.Second)); dup {
		t.Fatalf("different user flagged as duplicate")
	}

	// Different room, same text: independent key.
	if _, dup := d.Check("u1", "r2", "hello neighbors", SourceAPI, now.Add(2*time.Second)); dup {
		t.Fatalf("different room flagged as duplicate")
	}

	// Past the window the same attempt is allowed again.
	if _, dup := d.Check("u1", "r1", "hello neighbors", SourceLegacy, now.Add(11*time.Second)); dup {
		t.Fatalf("attempt past window flagged as duplicate")
	}
}

func TestDuplicateDetector_DuplicateNotReRecorded(t *testing.T) {
	t.Parallel()

	d := NewDuplicateDetector(nil)
	now := time.Now().UTC()

	d.Check("u1", "r1", "same", SourceRealtime, now)

	// A rejected duplicate must not extend the window.
	d.Check("u1", "r1", "same", SourceAPI, now.Add(8*time.Second))

	// 12s after the ORIGINAL attempt: window measured from the first record.
	if _, dup := d.Check("u1", "r1", "same", SourceAPI, now.Add(12*time.Second)); dup {
		t.Fatalf("window extended by rejected duplicate")
	}
}

func TestDuplicateDetector_PrefixFingerprint(t *testing.T) {
	t.Parallel()

	d := NewDuplicateDetector(nil)
	now := time.Now().UTC()

	long := strings.Repeat("x", dupPrefixChars)

	d.Check("u1", "r1", long+" tail one", SourceRealtime, now)

	// Same leading prefix counts as the same logical message.
	if _, dup := d.Check("u1", "r1", long+" tail two", SourceAPI, now.Add(time.Second)); !dup {
		t.Fatalf("expected prefix collision to be flagged")
	}

	// Divergence inside the prefix is a distinct message.
	if _, dup := d.Check("u1", "r1", "y"+long, SourceAPI, now.Add(time.Second)); dup {
		t.Fatalf("distinct prefix flagged as duplicate")
	}
}

func TestDuplicateDetector_EvictionPastThreshold(t *testing.T) {
	t.Parallel()

	d := NewDuplicateDetector(nil)
	base := time.Now().UTC()

	// Fill past the threshold with entries already older than the horizon.
	old := base.Add(-10 * time.Minute)
	for i := 0; i < dupEvictThreshold+1; i++ {
		d.Check("u1", "r1", fmt.Sprintf("msg-%d", i), SourceRealtime, old)
	}

	// The insert that crosses the threshold sweeps everything stale.
	d.Check("u1", "r1", "fresh", SourceRealtime, base)

	if got := d.Len(); got != 1 {
		t.Fatalf("after eviction: len=%d want=1", got)
	}
}
