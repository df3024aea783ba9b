package sessionizer

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastlabs/ingestion/internal/roast"
)

var origin = roast.Origin{OrgID: "acme", SiteID: "berlin", MachineID: "r1"}

func telemetryAt(ts time.Time) *roast.Envelope {
	return &roast.Envelope{
		TS:        ts,
		Origin:    origin,
		Kind:      roast.TopicTelemetry,
		Telemetry: &roast.TelemetrySample{TS: ts, ElapsedSeconds: 0},
	}
}

func eventAt(ts time.Time, typ roast.EventType) *roast.Envelope {
	return &roast.Envelope{
		TS:     ts,
		Origin: origin,
		Kind:   roast.TopicEvent,
		Event:  &roast.RoastEvent{TS: ts, Type: typ},
	}
}

func TestContinuationWithinGap(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := telemetryAt(base)
	s.AssignSession(first)
	require.NotEmpty(t, first.SessionID)

	second := telemetryAt(base.Add(20 * time.Second))
	s.AssignSession(second)
	assert.Equal(t, first.SessionID, second.SessionID,
		"gap ≤ sessionGapSeconds must keep the session")
}

func TestAssignReportsOpenedAndStartedAt(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	st, opened := s.AssignSession(telemetryAt(base))
	assert.True(t, opened)
	assert.Equal(t, base, st.StartedAt)

	st, opened = s.AssignSession(telemetryAt(base.Add(10 * time.Second)))
	assert.False(t, opened)
	assert.Equal(t, base, st.StartedAt, "continuation keeps the original start")
}

func TestGapOpensNewSession(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := telemetryAt(base)
	s.AssignSession(first)

	late := telemetryAt(base.Add(45 * time.Second))
	s.AssignSession(late)
	assert.NotEqual(t, first.SessionID, late.SessionID,
		"gap > sessionGapSeconds must mint a new session")
}

func TestSessionIDFormat(t *testing.T) {
	s := New(0, 0)
	env := telemetryAt(time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	s.AssignSession(env)

	assert.Regexp(t,
		regexp.MustCompile(`^S-acme-berlin-r1-20260801T100000-[0-9a-f]{6}$`),
		env.SessionID)
}

func TestDeviceAssignedIDHonored(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env := telemetryAt(base)
	env.SessionID = "S-from-device"
	s.AssignSession(env)
	assert.Equal(t, "S-from-device", env.SessionID)

	// A different device-supplied id forces a new-session transition even
	// inside the gap window.
	next := telemetryAt(base.Add(5 * time.Second))
	next.SessionID = "S-from-device-2"
	s.AssignSession(next)
	assert.Equal(t, "S-from-device-2", next.SessionID)

	// Traffic without an id now continues the device's second session.
	cont := telemetryAt(base.Add(10 * time.Second))
	s.AssignSession(cont)
	assert.Equal(t, "S-from-device-2", cont.SessionID)
}

func TestOutOfOrderDoesNotRegressLastSeen(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.AssignSession(telemetryAt(base.Add(20 * time.Second)))

	// Envelope from before lastSeenAt: still a continuation.
	stale := telemetryAt(base.Add(10 * time.Second))
	s.AssignSession(stale)

	// Were lastSeenAt regressed to base+10s, the next tick at +26s would
	// close the session; it must not.
	closed := s.Tick(base.Add(26 * time.Second))
	assert.Empty(t, closed)
}

func TestDropRemovesState(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := telemetryAt(base)
	s.AssignSession(first)

	drop := eventAt(base.Add(5*time.Second), roast.EventDrop)
	s.AssignSession(drop)
	assert.Equal(t, first.SessionID, drop.SessionID)
	s.HandleEvent(drop)
	assert.Zero(t, s.ActiveCount())

	// Next traffic right after the DROP is a new session, not a reopen.
	next := telemetryAt(base.Add(6 * time.Second))
	s.AssignSession(next)
	assert.NotEqual(t, first.SessionID, next.SessionID)
}

func TestDropWithoutStateIsNoop(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	drop := eventAt(time.Now(), roast.EventDrop)
	drop.SessionID = "S-whatever"
	s.HandleEvent(drop) // must not panic or create state
	assert.Zero(t, s.ActiveCount())
}

func TestTickClosesSilentSessions(t *testing.T) {
	s := New(30*time.Second, 15*time.Second)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	env := telemetryAt(base)
	s.AssignSession(env)

	assert.Empty(t, s.Tick(base.Add(15*time.Second)), "exactly at threshold stays open")

	closed := s.Tick(base.Add(16 * time.Second))
	require.Len(t, closed, 1)
	assert.Equal(t, env.SessionID, closed[0].SessionID)
	assert.Equal(t, base, closed[0].StartedAt)
	assert.Equal(t, base, closed[0].LastSeenAt)
	require.NotNil(t, closed[0].LastTelemetryTS)
	assert.Zero(t, s.ActiveCount())
}
