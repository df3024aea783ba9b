// Package roast holds the wire and domain types shared by the ingestion
// pipeline: envelopes as they arrive from the broker, the typed payloads the
// pipeline inspects, and the session summary entity the store owns.
package roast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Origin identifies the machine an envelope came from.
type Origin struct {
	OrgID     string `json:"orgId"`
	SiteID    string `json:"siteId"`
	MachineID string `json:"machineId"`
}

// Key returns the origin triple as a single map key.
func (o Origin) Key() string {
	return o.OrgID + "/" + o.SiteID + "/" + o.MachineID
}

func (o Origin) String() string { return o.Key() }

// TopicKind distinguishes the two inbound topic suffixes.
type TopicKind string

const (
	TopicTelemetry TopicKind = "telemetry"
	TopicEvent     TopicKind = "event"
)

// EventType is the discrete marker type carried by a RoastEvent.
type EventType string

const (
	EventTurningPoint EventType = "TP"
	EventFirstCrack   EventType = "FC"
	EventDrop         EventType = "DROP"
)

// TrustReason explains why an envelope is not verified.
type TrustReason string

const (
	ReasonMissingSig   TrustReason = "MISSING_SIG"
	ReasonMissingKID   TrustReason = "MISSING_KID"
	ReasonUnknownKID   TrustReason = "UNKNOWN_KID"
	ReasonRevokedKey   TrustReason = "REVOKED_KEY"
	ReasonBadSignature TrustReason = "BAD_SIGNATURE"
)

// TrustAnnotation is the signature verifier's verdict. It never causes an
// envelope to be dropped; it only steers the trust counters on the summary.
type TrustAnnotation struct {
	Verified bool        `json:"verified"`
	KID      string      `json:"kid,omitempty"`
	Reason   TrustReason `json:"reason,omitempty"`
}

// TelemetrySample is a point-in-time reading from a roasting machine.
// Unknown wire fields are retained in Extras and never rejected.
type TelemetrySample struct {
	TS             time.Time      `json:"ts"`
	MachineID      string         `json:"machineId"`
	ElapsedSeconds float64        `json:"elapsedSeconds"`
	BeanTempC      *float64       `json:"btC,omitempty"`
	EnvTempC       *float64       `json:"etC,omitempty"`
	RoRCPerMin     *float64       `json:"rorCPerMin,omitempty"`
	AmbientC       *float64       `json:"ambientC,omitempty"`
	Extras         map[string]any `json:"extras,omitempty"`
}

// RoastEvent is a discrete marker that punctuates a session. DROP is
// terminal.
type RoastEvent struct {
	TS        time.Time      `json:"ts"`
	MachineID string         `json:"machineId"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ElapsedSeconds returns the elapsedSeconds field of the event payload, if
// the device included one.
func (e *RoastEvent) ElapsedSeconds() (float64, bool) {
	if e == nil || e.Payload == nil {
		return 0, false
	}
	v, ok := e.Payload["elapsedSeconds"]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Envelope is a single decoded broker message. Exactly one of Telemetry or
// Event is set, matching Kind. Raw retains the wire payload verbatim for
// storage and signature recomputation.
type Envelope struct {
	TS        time.Time        `json:"ts"`
	Origin    Origin           `json:"origin"`
	Kind      TopicKind        `json:"topic"`
	Telemetry *TelemetrySample `json:"telemetry,omitempty"`
	Event     *RoastEvent      `json:"event,omitempty"`
	Sig       []byte           `json:"sig,omitempty"`
	KID       string           `json:"kid,omitempty"`
	SessionID string           `json:"sessionId,omitempty"`
	Raw       json.RawMessage  `json:"-"`
	Trust     TrustAnnotation  `json:"trust"`
}

// SessionStatus is the lifecycle state of a session summary.
type SessionStatus string

const (
	StatusActive SessionStatus = "ACTIVE"
	StatusClosed SessionStatus = "CLOSED"
)

// CloseReason records what ended a session.
type CloseReason string

const (
	CloseReasonDrop    CloseReason = "DROP"
	CloseReasonSilence CloseReason = "SILENCE_CLOSE"
)

// SessionSummary is the primary persisted entity, one row per roasting run.
//
// Field invariants the store enforces:
//   - CLOSED is terminal and implies EndedAt is set.
//   - MaxBeanTempC only ever increases.
//   - FCSeconds and DropSeconds are first-write-wins.
//   - TelemetryPoints == VerifiedPoints + UnsignedPoints + FailedPoints.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	OrgID     string `json:"orgId"`
	SiteID    string `json:"siteId"`
	MachineID string `json:"machineId"`

	StartedAt       time.Time     `json:"startedAt"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	Status          SessionStatus `json:"status"`
	DurationSeconds *float64      `json:"durationSeconds,omitempty"`

	FCSeconds    *float64 `json:"fcSeconds,omitempty"`
	DropSeconds  *float64 `json:"dropSeconds,omitempty"`
	MaxBeanTempC *float64 `json:"maxBtC,omitempty"`

	TelemetryPoints int64    `json:"telemetryPoints"`
	VerifiedPoints  int64    `json:"verifiedPoints"`
	UnsignedPoints  int64    `json:"unsignedPoints"`
	FailedPoints    int64    `json:"failedPoints"`
	DeviceIDs       []string `json:"deviceIds"`
}

// Origin reconstructs the origin triple of the summary.
func (s *SessionSummary) SessionOrigin() Origin {
	return Origin{OrgID: s.OrgID, SiteID: s.SiteID, MachineID: s.MachineID}
}

// StoredTelemetry is an append-only telemetry row keyed by (sessionId, ts).
type StoredTelemetry struct {
	SessionID      string          `json:"sessionId"`
	Origin         Origin          `json:"origin"`
	TS             time.Time       `json:"ts"`
	ElapsedSeconds float64         `json:"elapsedSeconds"`
	BeanTempC      *float64        `json:"btC,omitempty"`
	EnvTempC       *float64        `json:"etC,omitempty"`
	RoRCPerMin     *float64        `json:"rorCPerMin,omitempty"`
	AmbientC       *float64        `json:"ambientC,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// StoredEvent is an append-only event row keyed by (sessionId, ts).
type StoredEvent struct {
	SessionID      string          `json:"sessionId"`
	Origin         Origin          `json:"origin"`
	TS             time.Time       `json:"ts"`
	Type           EventType       `json:"type"`
	ElapsedSeconds *float64        `json:"elapsedSeconds,omitempty"`
	Raw            json.RawMessage `json:"raw,omitempty"`
}

// ClosureSignals summarizes a closed session for downstream consumers (ops
// event payload and kernel mission request).
type ClosureSignals struct {
	TelemetryPoints       int64   `json:"telemetryPoints"`
	HasBT                 bool    `json:"hasBT"`
	HasET                 bool    `json:"hasET"`
	DurationSec           float64 `json:"durationSec"`
	LastTelemetryDeltaSec float64 `json:"lastTelemetryDeltaSec"`
}

// SessionClosedEvent is published on ops/{org}/{site}/{machine}/session/closed.
type SessionClosedEvent struct {
	SessionID string         `json:"sessionId"`
	Origin    Origin         `json:"origin"`
	Reason    CloseReason    `json:"reason"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   time.Time      `json:"endedAt"`
	Signals   ClosureSignals `json:"signals"`
}

// SchemaError marks a payload that parsed as JSON but failed typed validation.
type SchemaError struct {
	Field  string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema mismatch on %q: %s", e.Field, e.Detail)
}
