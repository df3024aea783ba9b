// ingestiond is the roast telemetry ingestion service: it drains the device
// broker, reconstructs roasting sessions, persists them, and serves the
// query and streaming API.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roastlabs/ingestion/internal/api"
	"github.com/roastlabs/ingestion/internal/auth"
	"github.com/roastlabs/ingestion/internal/broker"
	"github.com/roastlabs/ingestion/internal/closure"
	"github.com/roastlabs/ingestion/internal/config"
	"github.com/roastlabs/ingestion/internal/devicekeys"
	"github.com/roastlabs/ingestion/internal/livestore"
	"github.com/roastlabs/ingestion/internal/metrics"
	"github.com/roastlabs/ingestion/internal/pipeline"
	"github.com/roastlabs/ingestion/internal/roast"
	"github.com/roastlabs/ingestion/internal/sessionizer"
	"github.com/roastlabs/ingestion/internal/store"
	"github.com/roastlabs/ingestion/internal/trust"
)

func main() {
	cfg, err := config.Load(os.Getenv("INGESTION_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.URL == "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			log.Fatalf("create db directory: %v", err)
		}
	}
	st, err := store.Open(cfg.Database.URL, cfg.Database.Path)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	m := metrics.New(nil)

	liveTelemetry := livestore.New(0, func(s roast.StoredTelemetry) roast.Origin { return s.Origin })
	liveEvents := livestore.New(0, func(e roast.StoredEvent) roast.Origin { return e.Origin })
	liveEnvelopes := livestore.New(0, func(e roast.Envelope) roast.Origin { return e.Origin })
	liveTelemetry.OnDrop(func() { m.StreamDrops.Inc() })
	liveEvents.OnDrop(func() { m.StreamDrops.Inc() })
	liveEnvelopes.OnDrop(func() { m.StreamDrops.Inc() })

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatalf("device keys: %v", err)
	}

	publisher, kernel := buildClosureTargets(ctx, cfg)
	orchestrator := closure.NewOrchestrator(closure.Config{
		PublishEnabled:    cfg.Broker.OpsEnabled,
		FallbackEnabled:   cfg.Kernel.FallbackEnabled,
		AutoReportEnabled: cfg.Kernel.AutoReportEnabled,
	}, st, publisher, kernel)

	pipe := pipeline.New(pipeline.Config{
		Store:           st,
		Sessions:        sessionizer.New(cfg.SessionGap(), cfg.CloseSilence()),
		Verifier:        verifier,
		LiveTelemetry:   liveTelemetry,
		LiveEvents:      liveEvents,
		LiveEnvelopes:   liveEnvelopes,
		Metrics:         m,
		OnSessionClosed: orchestrator.OnSessionClosed,
	})
	pipe.Start(ctx)
	go pipe.RunTicker(ctx, pipeline.DefaultTickInterval)

	if cfg.Broker.Project != "" && cfg.Broker.Subscription != "" {
		consumer, err := broker.NewConsumer(ctx, cfg.Broker.Project, cfg.Broker.Subscription)
		if err != nil {
			log.Fatalf("broker: %v", err)
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx, pipe.HandleMessage); err != nil {
				log.Printf("broker consumer stopped: %v", err)
			}
		}()
	} else {
		log.Printf("no broker subscription configured; serving queries only")
	}

	gate, err := auth.NewGate(auth.Config{
		Mode:     auth.Mode(cfg.Auth.Mode),
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		DevActor: auth.Actor{
			OrgID:  cfg.Auth.DevOrgID,
			UserID: cfg.Auth.DevUserID,
			Name:   cfg.Auth.DevName,
		},
	})
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: api.NewServer(api.Config{
			Store:         st,
			LiveTelemetry: liveTelemetry,
			LiveEvents:    liveEvents,
			LiveEnvelopes: liveEnvelopes,
			Gate:          gate,
			Metrics:       m,
		}),
	}

	go func() {
		log.Printf("ingestiond listening on :%s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	cancel()
	pipe.Wait()
}

func buildVerifier(cfg *config.Config) (*trust.Verifier, error) {
	staticKeys := map[string]string{}
	if cfg.Keys.StaticJSON != "" {
		if err := json.Unmarshal([]byte(cfg.Keys.StaticJSON), &staticKeys); err != nil {
			return nil, err
		}
	}
	var shared devicekeys.SharedCache
	if cfg.Keys.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Keys.RedisAddr})
		shared = devicekeys.NewRedisCache(client, "")
	}
	resolver, err := devicekeys.NewCachingResolver(devicekeys.Options{
		IdentityURL: cfg.Keys.IdentityURL,
		StaticKeys:  staticKeys,
		Shared:      shared,
	})
	if err != nil {
		return nil, err
	}
	return trust.NewVerifier(resolver), nil
}

// buildClosureTargets picks the ops publisher and kernel enqueue path from
// config. Cloud Tasks wins when a queue is configured; the direct HTTP path
// is always available as the simple default.
func buildClosureTargets(ctx context.Context, cfg *config.Config) (broker.Publisher, closure.KernelEnqueuer) {
	var publisher broker.Publisher
	if cfg.Broker.OpsEnabled && cfg.Broker.OpsProject != "" && cfg.Broker.OpsTopic != "" {
		p, err := broker.NewPubSubPublisher(ctx, cfg.Broker.OpsProject, cfg.Broker.OpsTopic)
		if err != nil {
			log.Printf("ops publisher unavailable, closure falls back to direct enqueue: %v", err)
		} else {
			publisher = p
		}
	}

	var kernel closure.KernelEnqueuer
	if cfg.Kernel.TasksProject != "" && cfg.Kernel.TasksQueue != "" {
		enq, err := closure.NewCloudTasksEnqueuer(ctx,
			cfg.Kernel.TasksProject, cfg.Kernel.TasksLocation, cfg.Kernel.TasksQueue, cfg.Kernel.URL)
		if err != nil {
			log.Printf("cloud tasks unavailable, using direct kernel POST: %v", err)
		} else {
			kernel = enq
		}
	}
	if kernel == nil {
		kernel = closure.NewHTTPKernelClient(cfg.Kernel.URL)
	}
	return publisher, kernel
}
