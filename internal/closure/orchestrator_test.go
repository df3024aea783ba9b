package closure

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastlabs/ingestion/internal/broker"
	"github.com/roastlabs/ingestion/internal/roast"
)

type fakeSignals struct {
	hasReport bool
	signals   roast.ClosureSignals
}

func (f *fakeSignals) HasReport(context.Context, string, string) (bool, error) {
	return f.hasReport, nil
}

func (f *fakeSignals) ClosureSignals(context.Context, string) (roast.ClosureSignals, error) {
	return f.signals, nil
}

type fakeKernel struct {
	mu       sync.Mutex
	missions []*MissionRequest
	err      error
}

func (f *fakeKernel) EnqueueMission(_ context.Context, req *MissionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.missions = append(f.missions, req)
	return nil
}

func (f *fakeKernel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.missions)
}

func closedSummary(drop bool) *roast.SessionSummary {
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(6 * time.Minute)
	duration := 360.0
	sum := &roast.SessionSummary{
		SessionID: "S-1", OrgID: "acme", SiteID: "berlin", MachineID: "r1",
		StartedAt: started, EndedAt: &ended, Status: roast.StatusClosed,
		DurationSeconds: &duration,
	}
	if drop {
		d := 360.0
		sum.DropSeconds = &d
	}
	return sum
}

func TestPublishCarriesReasonAndSignals(t *testing.T) {
	pub := broker.NewMemoryPublisher()
	src := &fakeSignals{signals: roast.ClosureSignals{TelemetryPoints: 42, HasBT: true, DurationSec: 360}}
	o := NewOrchestrator(Config{PublishEnabled: true}, src, pub, nil)

	o.OnSessionClosed(closedSummary(true))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ops/acme/berlin/r1/session/closed", msgs[0].Topic)

	var event roast.SessionClosedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &event))
	assert.Equal(t, roast.CloseReasonDrop, event.Reason)
	assert.Equal(t, "S-1", event.SessionID)
	assert.Equal(t, int64(42), event.Signals.TelemetryPoints)
	assert.Equal(t, time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC), event.StartedAt,
		"notification carries the true startedAt")
}

func TestSilenceCloseReason(t *testing.T) {
	pub := broker.NewMemoryPublisher()
	o := NewOrchestrator(Config{PublishEnabled: true}, &fakeSignals{}, pub, nil)

	o.OnSessionClosed(closedSummary(false))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	var event roast.SessionClosedEvent
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &event))
	assert.Equal(t, roast.CloseReasonSilence, event.Reason)
}

func TestExistingReportShortCircuits(t *testing.T) {
	pub := broker.NewMemoryPublisher()
	kernel := &fakeKernel{}
	o := NewOrchestrator(Config{PublishEnabled: true, FallbackEnabled: true, AutoReportEnabled: true},
		&fakeSignals{hasReport: true}, pub, kernel)

	o.OnSessionClosed(closedSummary(true))

	assert.Empty(t, pub.Messages())
	assert.Zero(t, kernel.count())
}

func TestBehaviorMatrix(t *testing.T) {
	cases := []struct {
		name        string
		cfg         Config
		pubFails    bool
		wantPublish bool
		wantEnqueue bool
	}{
		{"publish only", Config{PublishEnabled: true}, false, true, false},
		{"publish plus fallback", Config{PublishEnabled: true, FallbackEnabled: true}, false, true, true},
		{"publish fails with fallback", Config{PublishEnabled: true, FallbackEnabled: true}, true, false, true},
		{"publish fails no fallback", Config{PublishEnabled: true}, true, false, false},
		{"enqueue only", Config{AutoReportEnabled: true}, false, false, true},
		{"everything off", Config{}, false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := broker.NewMemoryPublisher()
			if tc.pubFails {
				pub.SetFailure(errors.New("broker down"))
			}
			kernel := &fakeKernel{}
			o := NewOrchestrator(tc.cfg, &fakeSignals{}, pub, kernel)

			o.OnSessionClosed(closedSummary(true))

			assert.Equal(t, tc.wantPublish, len(pub.Messages()) == 1, "publish")
			assert.Equal(t, tc.wantEnqueue, kernel.count() == 1, "enqueue")
		})
	}
}

func TestMissionShape(t *testing.T) {
	kernel := &fakeKernel{}
	src := &fakeSignals{signals: roast.ClosureSignals{TelemetryPoints: 7}}
	o := NewOrchestrator(Config{AutoReportEnabled: true}, src, nil, kernel)

	o.OnSessionClosed(closedSummary(true))

	require.Equal(t, 1, kernel.count())
	mission := kernel.missions[0]
	assert.Equal(t, "generate-roast-report", mission.Goal)
	assert.Equal(t, "generate-roast-report:POST_ROAST_V1:S-1", mission.IdempotencyKey)
	assert.Equal(t, "S-1", mission.Params["sessionId"])
	assert.Equal(t, "POST_ROAST_V1", mission.Params["reportKind"])
	assert.Equal(t, int64(7), mission.Signals.TelemetryPoints)
}

func TestKernelFailureDoesNotPanicOrRetry(t *testing.T) {
	kernel := &fakeKernel{err: errors.New("kernel unreachable")}
	o := NewOrchestrator(Config{AutoReportEnabled: true}, &fakeSignals{}, nil, kernel)

	// Repeated closures of the same session only warn once; no retry loop.
	o.OnSessionClosed(closedSummary(true))
	o.OnSessionClosed(closedSummary(true))
	assert.Zero(t, kernel.count())
}
