package roast

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// topicPrefix is the root of the inbound topic namespace.
const topicPrefix = "roaster"

// wire field names the decoder lifts out of the flat payload object.
// Everything else on a telemetry payload flows through as an extra.
var knownTelemetryFields = map[string]bool{
	"ts": true, "machineId": true, "elapsedSeconds": true,
	"btC": true, "etC": true, "rorCPerMin": true, "ambientC": true,
	"sig": true, "kid": true, "sessionId": true,
}

// ParseTopic decomposes roaster/{orgId}/{siteId}/{machineId}/{suffix}.
// The suffix selects the envelope kind: "telemetry" or "events".
func ParseTopic(path string) (Origin, TopicKind, error) {
	parts := strings.Split(path, "/")
	if len(parts) != 5 || parts[0] != topicPrefix {
		return Origin{}, "", fmt.Errorf("topic %q does not match roaster/{org}/{site}/{machine}/{suffix}", path)
	}
	origin := Origin{OrgID: parts[1], SiteID: parts[2], MachineID: parts[3]}
	if origin.OrgID == "" || origin.SiteID == "" || origin.MachineID == "" {
		return Origin{}, "", fmt.Errorf("topic %q has an empty origin segment", path)
	}
	switch parts[4] {
	case "telemetry":
		return origin, TopicTelemetry, nil
	case "events":
		return origin, TopicEvent, nil
	default:
		return Origin{}, "", fmt.Errorf("topic %q has unknown suffix %q", path, parts[4])
	}
}

// Decoder turns broker messages into validated envelopes. Now is injectable
// so tests control the wall clock used for missing timestamps.
type Decoder struct {
	Now func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{Now: time.Now}
}

// Decode parses a broker topic path and payload into a typed Envelope.
// The payload must be a JSON object; ts defaults to the current wall clock,
// and a missing sig/kid pair leaves the envelope unsigned. Any error means
// the message is dropped by the caller — no partial envelope is returned.
func (d *Decoder) Decode(topicPath string, payload []byte) (*Envelope, error) {
	origin, kind, err := ParseTopic(topicPath)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("payload is JSON null")
	}

	env := &Envelope{
		Origin: origin,
		Kind:   kind,
		Raw:    json.RawMessage(append([]byte(nil), payload...)),
	}

	env.TS, err = d.decodeTS(fields["ts"])
	if err != nil {
		return nil, err
	}
	if raw, ok := fields["sig"]; ok {
		var b64 string
		if err := json.Unmarshal(raw, &b64); err != nil {
			return nil, &SchemaError{Field: "sig", Detail: "not a string"}
		}
		env.Sig, err = base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, &SchemaError{Field: "sig", Detail: "not base64"}
		}
	}
	if raw, ok := fields["kid"]; ok {
		if err := json.Unmarshal(raw, &env.KID); err != nil {
			return nil, &SchemaError{Field: "kid", Detail: "not a string"}
		}
	}
	if raw, ok := fields["sessionId"]; ok {
		if err := json.Unmarshal(raw, &env.SessionID); err != nil {
			return nil, &SchemaError{Field: "sessionId", Detail: "not a string"}
		}
	}

	switch kind {
	case TopicTelemetry:
		env.Telemetry, err = d.decodeTelemetry(env.TS, fields)
	case TopicEvent:
		env.Event, err = d.decodeEvent(env.TS, fields)
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// decodeTS accepts either an RFC3339 string or a unix-milliseconds number.
// Absent ts falls back to the current wall clock.
func (d *Decoder) decodeTS(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 {
		return d.Now().UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, &SchemaError{Field: "ts", Detail: "not RFC3339"}
		}
		return t.UTC(), nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	return time.Time{}, &SchemaError{Field: "ts", Detail: "neither string nor number"}
}

func (d *Decoder) decodeTelemetry(ts time.Time, fields map[string]json.RawMessage) (*TelemetrySample, error) {
	sample := &TelemetrySample{TS: ts}

	if raw, ok := fields["machineId"]; ok {
		if err := json.Unmarshal(raw, &sample.MachineID); err != nil {
			return nil, &SchemaError{Field: "machineId", Detail: "not a string"}
		}
	}
	raw, ok := fields["elapsedSeconds"]
	if !ok {
		return nil, &SchemaError{Field: "elapsedSeconds", Detail: "missing"}
	}
	if err := json.Unmarshal(raw, &sample.ElapsedSeconds); err != nil {
		return nil, &SchemaError{Field: "elapsedSeconds", Detail: "not a number"}
	}
	if sample.ElapsedSeconds < 0 {
		return nil, &SchemaError{Field: "elapsedSeconds", Detail: "negative"}
	}

	var err error
	if sample.BeanTempC, err = optFloat(fields, "btC"); err != nil {
		return nil, err
	}
	if sample.EnvTempC, err = optFloat(fields, "etC"); err != nil {
		return nil, err
	}
	if sample.RoRCPerMin, err = optFloat(fields, "rorCPerMin"); err != nil {
		return nil, err
	}
	if sample.AmbientC, err = optFloat(fields, "ambientC"); err != nil {
		return nil, err
	}

	// Unknown keys flow through as opaque extras; never reject on them.
	for key, raw := range fields {
		if knownTelemetryFields[key] {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		switch v.(type) {
		case float64, string:
			if sample.Extras == nil {
				sample.Extras = make(map[string]any)
			}
			sample.Extras[key] = v
		}
	}
	return sample, nil
}

func (d *Decoder) decodeEvent(ts time.Time, fields map[string]json.RawMessage) (*RoastEvent, error) {
	ev := &RoastEvent{TS: ts}

	if raw, ok := fields["machineId"]; ok {
		if err := json.Unmarshal(raw, &ev.MachineID); err != nil {
			return nil, &SchemaError{Field: "machineId", Detail: "not a string"}
		}
	}
	raw, ok := fields["type"]
	if !ok {
		return nil, &SchemaError{Field: "type", Detail: "missing"}
	}
	var typ string
	if err := json.Unmarshal(raw, &typ); err != nil || typ == "" {
		return nil, &SchemaError{Field: "type", Detail: "not a non-empty string"}
	}
	ev.Type = EventType(typ)

	if raw, ok := fields["payload"]; ok {
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			return nil, &SchemaError{Field: "payload", Detail: "not an object"}
		}
	}
	return ev, nil
}

func optFloat(fields map[string]json.RawMessage, key string) (*float64, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, &SchemaError{Field: key, Detail: "not a number"}
	}
	return &f, nil
}
