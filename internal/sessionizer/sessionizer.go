// Package sessionizer reconstructs roasting sessions from the raw envelope
// stream. One active state per (org, site, machine); sessions are bounded by
// a silence gap or an explicit DROP marker.
package sessionizer

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/roastlabs/ingestion/internal/roast"
)

const (
	DefaultSessionGap   = 30 * time.Second
	DefaultCloseSilence = 15 * time.Second
)

// State is the transient in-memory record of an active session.
type State struct {
	SessionID       string
	Origin          roast.Origin
	StartedAt       time.Time
	LastSeenAt      time.Time
	LastTelemetryTS *time.Time
}

// Sessionizer maps origin keys to active session states. Safe for use by
// the pipeline shards and the tick driver concurrently.
type Sessionizer struct {
	mu     sync.Mutex
	states map[string]*State

	gap     time.Duration
	silence time.Duration
}

func New(gap, silence time.Duration) *Sessionizer {
	if gap <= 0 {
		gap = DefaultSessionGap
	}
	if silence <= 0 {
		silence = DefaultCloseSilence
	}
	return &Sessionizer{
		states:  make(map[string]*State),
		gap:     gap,
		silence: silence,
	}
}

// AssignSession attaches a session id to env, opening a new session when no
// state exists, the silence gap was exceeded, or the device supplied a
// different session id than the one on record (device knows best).
// Out-of-order envelopes are accepted as continuations; LastSeenAt never
// regresses. The returned copy carries the true StartedAt for the summary
// upsert; opened reports whether this envelope began a new session.
func (s *Sessionizer) AssignSession(env *roast.Envelope) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := env.Origin.Key()
	now := env.TS
	st, ok := s.states[key]

	fresh := !ok
	if ok {
		if env.SessionID != "" && env.SessionID != st.SessionID {
			fresh = true
		} else if gap := now.Sub(st.LastSeenAt); gap > s.gap {
			fresh = true
		}
	}

	if fresh {
		id := env.SessionID
		if id == "" {
			id = mintSessionID(env.Origin, now)
		}
		st = &State{
			SessionID:  id,
			Origin:     env.Origin,
			StartedAt:  now,
			LastSeenAt: now,
		}
		s.states[key] = st
	} else if now.After(st.LastSeenAt) {
		st.LastSeenAt = now
	}

	if env.Kind == roast.TopicTelemetry {
		if st.LastTelemetryTS == nil || now.After(*st.LastTelemetryTS) {
			ts := now
			st.LastTelemetryTS = &ts
		}
	}

	env.SessionID = st.SessionID
	return *st, fresh
}

// HandleEvent reacts to terminal markers: a DROP removes the state for its
// origin so further traffic starts a new session. A DROP for an unknown
// origin is a no-op (normal after a restart).
func (s *Sessionizer) HandleEvent(env *roast.Envelope) {
	if env.Event == nil || env.Event.Type != roast.EventDrop {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, env.Origin.Key())
}

// Tick removes and returns every state silent for longer than the close
// threshold. The returned copies are safe to use without the lock.
func (s *Sessionizer) Tick(now time.Time) []State {
	s.mu.Lock()
	defer s.mu.Unlock()

	var closed []State
	for key, st := range s.states {
		if now.Sub(st.LastSeenAt) > s.silence {
			closed = append(closed, *st)
			delete(s.states, key)
		}
	}
	return closed
}

// ActiveCount reports how many sessions are currently open.
func (s *Sessionizer) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// mintSessionID builds S-{org}-{site}-{machine}-{YYYYMMDDTHHMMSS}-{6 hex}.
// The random suffix avoids collisions within the same second.
func mintSessionID(origin roast.Origin, ts time.Time) string {
	var buf [3]byte
	rand.Read(buf[:])
	return fmt.Sprintf("S-%s-%s-%s-%s-%s",
		origin.OrgID, origin.SiteID, origin.MachineID,
		ts.UTC().Format("20060102T150405"),
		hex.EncodeToString(buf[:]))
}
