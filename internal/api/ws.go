package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// wsFrame is one message on /ws/stream, mirroring the SSE event names.
type wsFrame struct {
	Type string `json:"type"` // telemetry | event
	Data any    `json:"data"`
}

// handleWebsocket mirrors both live streams over a single websocket. The
// same origin filter query parameters apply as on the SSE routes.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	filter := streamFilter(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	defer conn.Close()

	telemetryCh, cancelTelemetry := s.liveTelemetry.Subscribe(filter)
	defer cancelTelemetry()
	eventCh, cancelEvents := s.liveEvents.Subscribe(filter)
	defer cancelEvents()
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Inc()
		defer s.metrics.StreamSubscribers.Dec()
	}

	// Reader only detects disconnects; inbound frames are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame wsFrame) bool {
		payload, err := json.Marshal(frame)
		if err != nil {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload) == nil
	}

	for {
		select {
		case item, ok := <-telemetryCh:
			if !ok {
				return
			}
			item.Raw = nil
			if !write(wsFrame{Type: "telemetry", Data: item}) {
				return
			}
		case item, ok := <-eventCh:
			if !ok {
				return
			}
			item.Raw = nil
			if !write(wsFrame{Type: "event", Data: item}) {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
