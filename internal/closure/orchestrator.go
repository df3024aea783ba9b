// Package closure dispatches downstream work when a session closes: an
// operational event on the ops topic and/or a report-generation mission at
// the kernel, de-duplicated per session.
package closure

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/roastlabs/ingestion/internal/broker"
	"github.com/roastlabs/ingestion/internal/roast"
	"github.com/roastlabs/ingestion/internal/store"
)

// warnedCap bounds the per-session warn-once bookkeeping.
const warnedCap = 10000

// SignalsSource is the store-side view the orchestrator needs.
// *store.Store satisfies it.
type SignalsSource interface {
	HasReport(ctx context.Context, sessionID, kind string) (bool, error)
	ClosureSignals(ctx context.Context, sessionID string) (roast.ClosureSignals, error)
}

// Config are the env-driven behavior switches (see the behavior matrix in
// the ops runbook): publish the ops event, enqueue at the kernel as
// fallback/primary, or do nothing.
type Config struct {
	PublishEnabled    bool
	FallbackEnabled   bool
	AutoReportEnabled bool
	ReportKind        string
	Timeout           time.Duration
}

// Orchestrator runs the closure hook. It is invoked from a detached
// goroutine by the pipeline; nothing here may propagate back into the write
// path.
type Orchestrator struct {
	cfg       Config
	signals   SignalsSource
	publisher broker.Publisher
	kernel    KernelEnqueuer
	logger    *log.Logger

	mu     sync.Mutex
	warned map[string]bool // sessionID+path → already logged
}

func NewOrchestrator(cfg Config, signals SignalsSource, publisher broker.Publisher, kernel KernelEnqueuer) *Orchestrator {
	if cfg.ReportKind == "" {
		cfg.ReportKind = store.DefaultReportKind
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		signals:   signals,
		publisher: publisher,
		kernel:    kernel,
		logger:    log.New(log.Writer(), "[CLOSURE] ", log.LstdFlags),
		warned:    make(map[string]bool),
	}
}

// OnSessionClosed is the closure hook. Idempotent: a session that already
// has a report of the configured kind is skipped entirely.
func (o *Orchestrator) OnSessionClosed(summary *roast.SessionSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeout)
	defer cancel()

	exists, err := o.signals.HasReport(ctx, summary.SessionID, o.cfg.ReportKind)
	if err != nil {
		o.warnOnce(summary.SessionID, "signals", "report lookup failed: %v", err)
		return
	}
	if exists {
		return
	}

	signals, err := o.signals.ClosureSignals(ctx, summary.SessionID)
	if err != nil {
		o.warnOnce(summary.SessionID, "signals", "closure signals failed: %v", err)
		return
	}

	reason := roast.CloseReasonSilence
	if summary.DropSeconds != nil {
		reason = roast.CloseReasonDrop
	}

	published := false
	if o.cfg.PublishEnabled && o.publisher != nil {
		published = o.publish(ctx, summary, reason, signals) == nil
	}

	// Behavior matrix: publish-on + fallback-on always enqueues; a failed
	// publish enqueues only with fallback on; publish-off enqueues when
	// auto-report is on.
	enqueue := false
	switch {
	case o.cfg.PublishEnabled && o.cfg.FallbackEnabled:
		enqueue = true
	case o.cfg.PublishEnabled && !published:
		enqueue = false // attempted, no fallback: give up
	case !o.cfg.PublishEnabled && o.cfg.AutoReportEnabled:
		enqueue = true
	}
	if enqueue && o.kernel != nil {
		o.enqueue(ctx, summary, signals)
	}
}

func (o *Orchestrator) publish(ctx context.Context, summary *roast.SessionSummary, reason roast.CloseReason, signals roast.ClosureSignals) error {
	origin := summary.SessionOrigin()
	event := roast.SessionClosedEvent{
		SessionID: summary.SessionID,
		Origin:    origin,
		Reason:    reason,
		StartedAt: summary.StartedAt,
		Signals:   signals,
	}
	if summary.EndedAt != nil {
		event.EndedAt = *summary.EndedAt
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	topic := fmt.Sprintf("ops/%s/%s/%s/session/closed", origin.OrgID, origin.SiteID, origin.MachineID)
	if err := o.publisher.Publish(ctx, topic, payload); err != nil {
		o.warnOnce(summary.SessionID, "publish", "ops publish failed: %v", err)
		return err
	}
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, summary *roast.SessionSummary, signals roast.ClosureSignals) {
	mission := &MissionRequest{
		Goal:           "generate-roast-report",
		IdempotencyKey: fmt.Sprintf("generate-roast-report:%s:%s", o.cfg.ReportKind, summary.SessionID),
		Params: map[string]any{
			"sessionId":  summary.SessionID,
			"reportKind": o.cfg.ReportKind,
		},
		Context: map[string]any{"origin": summary.SessionOrigin()},
		Signals: signals,
	}
	if err := o.kernel.EnqueueMission(ctx, mission); err != nil {
		o.warnOnce(summary.SessionID, "enqueue", "kernel enqueue failed: %v", err)
	}
}

// warnOnce logs one entry per session per failure path. Without this, a
// kernel outage during a busy evening floods the log with one line per
// closed session retry.
func (o *Orchestrator) warnOnce(sessionID, path, format string, args ...any) {
	key := sessionID + ":" + path
	o.mu.Lock()
	if o.warned[key] {
		o.mu.Unlock()
		return
	}
	if len(o.warned) >= warnedCap {
		o.warned = make(map[string]bool)
	}
	o.warned[key] = true
	o.mu.Unlock()

	o.logger.Printf("session %s: %s", sessionID, fmt.Sprintf(format, args...))
}
