package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/roastlabs/ingestion/internal/auth"
	"github.com/roastlabs/ingestion/internal/livestore"
	"github.com/roastlabs/ingestion/internal/roast"
)

// streamFilter builds the livestore filter from the query string, clamped to
// the actor's org for non-system callers.
func streamFilter(r *http.Request) livestore.Filter {
	q := r.URL.Query()
	filter := livestore.Filter{
		OrgID:     q.Get("orgId"),
		SiteID:    q.Get("siteId"),
		MachineID: q.Get("machineId"),
	}
	if actor, ok := auth.ActorFrom(r.Context()); ok && !actor.System {
		filter.OrgID = actor.OrgID
	}
	return filter
}

func (s *Server) streamTelemetry(w http.ResponseWriter, r *http.Request) {
	serveSSE(s, w, r, s.liveTelemetry, "telemetry", func(item roast.StoredTelemetry) ([]byte, error) {
		item.Raw = nil // typed stream; the envelope streams carry the full annotated form
		return json.Marshal(item)
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	serveSSE(s, w, r, s.liveEvents, "event", func(item roast.StoredEvent) ([]byte, error) {
		item.Raw = nil
		return json.Marshal(item)
	})
}

func (s *Server) streamTelemetryEnvelopes(w http.ResponseWriter, r *http.Request) {
	serveSSE(s, w, r, s.liveEnvelopes, "telemetry", envelopeFrame(roast.TopicTelemetry))
}

func (s *Server) streamEventEnvelopes(w http.ResponseWriter, r *http.Request) {
	serveSSE(s, w, r, s.liveEnvelopes, "event", envelopeFrame(roast.TopicEvent))
}

// envelopeFrame encodes full annotated envelopes of one kind: typed payload
// plus the assigned sessionId and the trust verdict. Envelopes of the other
// kind are skipped.
func envelopeFrame(kind roast.TopicKind) func(roast.Envelope) ([]byte, error) {
	return func(env roast.Envelope) ([]byte, error) {
		if env.Kind != kind {
			return nil, nil
		}
		return json.Marshal(env)
	}
}

// serveSSE subscribes to the live store and writes one
// "event: <name>\ndata: <json>\n\n" frame per delivery until the client
// disconnects. Encoding errors end the frame silently; a nil, nil result
// skips the delivery.
func serveSSE[T any](s *Server, w http.ResponseWriter, r *http.Request,
	live *livestore.Store[T], eventName string, encode func(T) ([]byte, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	ch, cancel := live.Subscribe(streamFilter(r))
	defer cancel()
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Inc()
		defer s.metrics.StreamSubscribers.Dec()
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	for {
		select {
		case item, ok := <-ch:
			if !ok {
				return
			}
			data, err := encode(item)
			if err != nil || data == nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
