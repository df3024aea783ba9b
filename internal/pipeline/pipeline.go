// Package pipeline is the ingestion write path: broker message in, decoded
// envelope through trust annotation and session assignment, one transaction
// per envelope out. Envelopes are sharded by origin so each machine's stream
// is processed in order while machines proceed in parallel.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roastlabs/ingestion/internal/livestore"
	"github.com/roastlabs/ingestion/internal/metrics"
	"github.com/roastlabs/ingestion/internal/roast"
	"github.com/roastlabs/ingestion/internal/sessionizer"
	"github.com/roastlabs/ingestion/internal/store"
)

const (
	defaultShards     = 8
	defaultQueueDepth = 1024
)

// Verifier annotates an envelope with its signature verdict.
type Verifier interface {
	Annotate(ctx context.Context, env *roast.Envelope) roast.TrustAnnotation
}

// Config wires the pipeline's collaborators.
type Config struct {
	Store         *store.Store
	Sessions      *sessionizer.Sessionizer
	Verifier      Verifier
	LiveTelemetry *livestore.Store[roast.StoredTelemetry]
	LiveEvents    *livestore.Store[roast.StoredEvent]
	LiveEnvelopes *livestore.Store[roast.Envelope]
	Metrics       *metrics.Metrics

	// OnSessionClosed runs detached after a session transitions to CLOSED,
	// exactly once per transition from this process.
	OnSessionClosed func(summary *roast.SessionSummary)

	Shards     int
	QueueDepth int
}

// Pipeline consumes broker messages and owns all summary-row writes.
type Pipeline struct {
	cfg     Config
	decoder *roast.Decoder
	logger  *log.Logger

	shards []chan *roast.Envelope
	wg     sync.WaitGroup
	hooks  sync.WaitGroup
}

func New(cfg Config) *Pipeline {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(prometheus.NewRegistry())
	}
	p := &Pipeline{
		cfg:     cfg,
		decoder: roast.NewDecoder(),
		logger:  log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
		shards:  make([]chan *roast.Envelope, cfg.Shards),
	}
	for i := range p.shards {
		p.shards[i] = make(chan *roast.Envelope, cfg.QueueDepth)
	}
	return p
}

// Start launches the shard workers. They drain their queues until ctx is
// cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for i := range p.shards {
		p.wg.Add(1)
		go func(ch chan *roast.Envelope) {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-ch:
					p.process(ctx, env)
				}
			}
		}(p.shards[i])
	}
}

// Wait blocks until every shard worker has stopped and every in-flight
// closure hook has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
	p.hooks.Wait()
}

// HandleMessage is the broker handler. Malformed traffic is rejected here
// with an error (the consumer logs and acks); valid envelopes are annotated
// and queued on their origin's shard.
func (p *Pipeline) HandleMessage(ctx context.Context, topic string, payload []byte) error {
	env, err := p.decoder.Decode(topic, payload)
	if err != nil {
		p.cfg.Metrics.EnvelopesDropped.WithLabelValues("decode").Inc()
		return err
	}
	p.cfg.Metrics.EnvelopesDecoded.WithLabelValues(string(env.Kind)).Inc()

	// Verification happens before sharding: the resolver may block on an
	// identity-service call and must not stall an entire shard.
	env.Trust = p.cfg.Verifier.Annotate(ctx, env)

	select {
	case p.shards[p.shardFor(env.Origin)] <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) shardFor(origin roast.Origin) int {
	h := fnv.New32a()
	h.Write([]byte(origin.Key()))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// process runs one envelope through session assignment, persistence, and
// live fanout. Called from exactly one shard goroutine per origin.
func (p *Pipeline) process(ctx context.Context, env *roast.Envelope) {
	start := time.Now()

	state, opened := p.cfg.Sessions.AssignSession(env)
	if opened {
		p.cfg.Metrics.SessionsOpened.Inc()
	}

	dropped, err := p.persist(ctx, env, state)
	if err != nil {
		p.cfg.Metrics.EnvelopesDropped.WithLabelValues("persist").Inc()
		p.logger.Printf("envelope for %s not persisted: %v", env.Origin, err)
		return
	}

	if env.Kind == roast.TopicTelemetry {
		unsigned := env.Trust.Reason == roast.ReasonMissingSig || env.Trust.Reason == roast.ReasonMissingKID
		p.cfg.Metrics.RecordTrustVerdict(env.Trust.Verified, unsigned)
	}
	p.fanout(env)

	if env.Event != nil && env.Event.Type == roast.EventDrop {
		p.cfg.Sessions.HandleEvent(env)
		if dropped {
			p.sessionClosed(env.SessionID, roast.CloseReasonDrop)
		}
	}
	p.cfg.Metrics.ActiveSessions.Set(float64(p.cfg.Sessions.ActiveCount()))
	p.cfg.Metrics.IngestDuration.WithLabelValues(string(env.Kind)).Observe(time.Since(start).Seconds())
}

// persist applies every summary mutation an envelope implies inside one
// transaction. closedNow reports whether a DROP transitioned the session to
// CLOSED in this call.
func (p *Pipeline) persist(ctx context.Context, env *roast.Envelope, state sessionizer.State) (closedNow bool, err error) {
	err = p.cfg.Store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.UpsertSessionStart(ctx, env.SessionID, env.Origin, state.StartedAt); err != nil {
			return err
		}

		switch env.Kind {
		case roast.TopicTelemetry:
			if err := tx.AddDeviceID(ctx, env.SessionID, env.KID); err != nil {
				return err
			}
			if err := tx.ApplyTrustCounters(ctx, env.SessionID, env.Trust); err != nil {
				return err
			}
			if err := tx.AppendTelemetry(ctx, env); err != nil {
				return err
			}
			if bt := env.Telemetry.BeanTempC; bt != nil {
				if err := tx.SetMaxBeanTemp(ctx, env.SessionID, *bt); err != nil {
					return err
				}
			}

		case roast.TopicEvent:
			if err := tx.AppendEvent(ctx, env); err != nil {
				return err
			}
			switch env.Event.Type {
			case roast.EventFirstCrack:
				if elapsed, ok := env.Event.ElapsedSeconds(); ok {
					p.setOnce(tx.SetFCSeconds(ctx, env.SessionID, elapsed))
				}
			case roast.EventDrop:
				endedAt := env.TS
				duration := endedAt.Sub(state.StartedAt).Seconds()
				if elapsed, ok := env.Event.ElapsedSeconds(); ok {
					// The device's own roast clock beats wall-clock
					// subtraction when both are available.
					duration = elapsed
					p.setOnce(tx.SetDropSeconds(ctx, env.SessionID, elapsed))
				}
				transitioned, err := tx.CloseSession(ctx, env.SessionID, endedAt, duration)
				if err != nil {
					return err
				}
				closedNow = transitioned
			}
		}
		return nil
	})
	return closedNow, err
}

// setOnce logs a conflicting rewrite of a set-once field and moves on; the
// first value stays and the envelope still commits.
func (p *Pipeline) setOnce(err error) {
	var conflict *store.FieldConflictError
	if errors.As(err, &conflict) {
		p.logger.Printf("ignoring conflicting marker: %v", conflict)
	} else if err != nil {
		p.logger.Printf("set-once write failed: %v", err)
	}
}

func (p *Pipeline) fanout(env *roast.Envelope) {
	if p.cfg.LiveEnvelopes != nil {
		// The envelope stream carries the annotated form: payload plus the
		// assigned session and the trust verdict.
		p.cfg.LiveEnvelopes.Add(*env)
	}
	switch env.Kind {
	case roast.TopicTelemetry:
		if p.cfg.LiveTelemetry == nil {
			return
		}
		s := env.Telemetry
		p.cfg.LiveTelemetry.Add(roast.StoredTelemetry{
			SessionID:      env.SessionID,
			Origin:         env.Origin,
			TS:             env.TS,
			ElapsedSeconds: s.ElapsedSeconds,
			BeanTempC:      s.BeanTempC,
			EnvTempC:       s.EnvTempC,
			RoRCPerMin:     s.RoRCPerMin,
			AmbientC:       s.AmbientC,
			Raw:            env.Raw,
		})
	case roast.TopicEvent:
		if p.cfg.LiveEvents == nil {
			return
		}
		ev := roast.StoredEvent{
			SessionID: env.SessionID,
			Origin:    env.Origin,
			TS:        env.TS,
			Type:      env.Event.Type,
			Raw:       env.Raw,
		}
		if elapsed, ok := env.Event.ElapsedSeconds(); ok {
			ev.ElapsedSeconds = &elapsed
		}
		p.cfg.LiveEvents.Add(ev)
	}
}

// Tick closes every session that has been silent past the threshold. The
// session's true lifetime (lastSeenAt - startedAt) becomes its duration; the
// silence window itself is not roasting time.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) {
	for _, st := range p.cfg.Sessions.Tick(now) {
		duration := st.LastSeenAt.Sub(st.StartedAt).Seconds()
		var transitioned bool
		err := p.cfg.Store.WithTx(ctx, func(tx *store.Tx) error {
			var err error
			transitioned, err = tx.CloseSession(ctx, st.SessionID, st.LastSeenAt, duration)
			return err
		})
		if err != nil {
			p.logger.Printf("silence close of %s failed: %v", st.SessionID, err)
			continue
		}
		if transitioned {
			p.sessionClosed(st.SessionID, roast.CloseReasonSilence)
		}
	}
	p.cfg.Metrics.ActiveSessions.Set(float64(p.cfg.Sessions.ActiveCount()))
}

// sessionClosed records the transition and fires the closure hook on a
// detached goroutine so downstream dispatch never backpressures a shard.
func (p *Pipeline) sessionClosed(sessionID string, reason roast.CloseReason) {
	p.cfg.Metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
	if p.cfg.OnSessionClosed == nil {
		return
	}
	// Hooks track their own WaitGroup: they spawn after Start's workers and
	// must not touch a counter Wait may already be draining.
	p.hooks.Add(1)
	go func() {
		defer p.hooks.Done()
		summary, err := p.cfg.Store.GetSession(context.Background(), sessionID)
		if err != nil {
			p.logger.Printf("closed session %s not readable: %v", sessionID, err)
			return
		}
		p.cfg.OnSessionClosed(summary)
	}()
}

// Ingest decodes, annotates, and processes one message synchronously,
// bypassing the shard queues. Intended for tests and for replay tooling
// where ordering is already guaranteed by the caller.
func (p *Pipeline) Ingest(ctx context.Context, topic string, payload []byte) error {
	env, err := p.decoder.Decode(topic, payload)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	env.Trust = p.cfg.Verifier.Annotate(ctx, env)
	p.process(ctx, env)
	return nil
}
