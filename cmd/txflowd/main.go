package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/txflow/internal/assessor"
	"github.com/terminal-bench/txflow/internal/batch"
	"github.com/terminal-bench/txflow/internal/controller"
	"github.com/terminal-bench/txflow/internal/gateway"
	"github.com/terminal-bench/txflow/internal/history"
	"github.com/terminal-bench/txflow/internal/pool"
	"github.com/terminal-bench/txflow/internal/prediction"
	"github.com/terminal-bench/txflow/internal/sizing"
	"github.com/terminal-bench/txflow/pkg/circuit"
	"github.com/terminal-bench/txflow/pkg/messaging"
)

type Config struct {
	Port      string
	NATSUrl   string
	JWTSecret string

	PostgresURL string
	RedisURL    string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	SubmissionPool   string
	SizingInterval   time.Duration
	DispatchInterval time.Duration
	AdaptiveBatching bool
}

func loadConfig() *Config {
	return &Config{
		Port:             getEnv("PORT", "8080"),
		NATSUrl:          getEnv("NATS_URL", "nats://localhost:4222"),
		JWTSecret:        getEnv("JWT_SECRET", "dev-secret-change-me"),
		PostgresURL:      getEnv("POSTGRES_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		InfluxURL:        getEnv("INFLUX_URL", ""),
		InfluxToken:      getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:        getEnv("INFLUX_ORG", "txflow"),
		InfluxBucket:     getEnv("INFLUX_BUCKET", "network"),
		SubmissionPool:   getEnv("SUBMISSION_POOL", "rpc-submission"),
		SizingInterval:   getEnvDuration("SIZING_INTERVAL", 30*time.Second),
		DispatchInterval: getEnvDuration("DISPATCH_INTERVAL", time.Second),
		AdaptiveBatching: getEnvBool("ADAPTIVE_BATCHING", true),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// natsDispatcher hands ready batches to the submission workers over NATS.
type natsDispatcher struct {
	client *messaging.Client
}

func (d *natsDispatcher) Dispatch(ctx context.Context, b *batch.Batch) error {
	return d.client.Publish(messaging.SubjectBatches+".submit", b)
}

func main() {
	cfg := loadConfig()

	// Connect to NATS
	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "txflowd",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	// Optional persistence
	var auditLog *history.AuditLog
	if cfg.PostgresURL != "" {
		db, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to open Postgres: %v", err)
		}
		defer db.Close()

		auditLog = history.NewAuditLog(db)
		if err := auditLog.EnsureSchema(context.Background()); err != nil {
			log.Fatalf("Failed to prepare audit schema: %v", err)
		}
	}

	var recorder controller.AssessmentRecorder
	if cfg.InfluxURL != "" {
		sink := history.NewAssessmentSink(history.InfluxConfig{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		defer sink.Close()
		recorder = sink
	}

	var stateCache *history.StateCache
	if cfg.RedisURL != "" {
		stateCache = history.NewStateCache(cfg.RedisURL, 24*time.Hour)
		defer stateCache.Close()
	}

	// Pool manager; every scale action is audited and published.
	pools := pool.NewManager(pool.ManagerConfig{
		DynamicSizing: true,
		OnScale: func(action pool.ScaleAction) {
			if auditLog != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := auditLog.RecordScaleAction(ctx, action); err != nil {
					log.Printf("Failed to audit scale action: %v", err)
				}
			}
			msgClient.PublishEvent(messaging.SubjectScaling, messaging.EventTypePoolScaled, messaging.PoolScaledEvent{
				PoolID: action.PoolID,
				From:   action.From,
				To:     action.To,
				Reason: action.Reason,
				At:     action.At,
			}, messaging.EventMetadata{Source: "txflowd"})
		},
	})

	for _, p := range []struct {
		id string
		rt pool.ResourceType
	}{
		{cfg.SubmissionPool, pool.TypeRPCEndpoint},
		{"cache-main", pool.TypeCacheStore},
		{"db-main", pool.TypeRelationalStore},
	} {
		if _, err := pools.Register(p.id, p.rt, "txflowd"); err != nil {
			log.Fatalf("Failed to register pool %s: %v", p.id, err)
		}
	}

	// Batch optimizer and submission breaker
	batchCfg := batch.DefaultConfig()
	batchCfg.Adaptive = cfg.AdaptiveBatching
	optimizer := batch.NewOptimizer(batchCfg)

	breakers := circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
	})

	// Control loop
	control := controller.New(controller.Config{
		SizingInterval:   cfg.SizingInterval,
		DispatchInterval: cfg.DispatchInterval,
		SubmissionPoolID: cfg.SubmissionPool,
		Source:           "txflowd",
	}, controller.Deps{
		Pools:      pools,
		Optimizer:  optimizer,
		Dispatcher: &natsDispatcher{client: msgClient},
		Breakers:   breakers,
		Publisher:  msgClient,
		Recorder:   recorder,
	})

	if err := control.Track(cfg.SubmissionPool, prediction.DefaultConfig(), sizing.DefaultConfig()); err != nil {
		log.Fatalf("Failed to track submission pool: %v", err)
	}

	// Network snapshots arrive over NATS from the external poller.
	err = msgClient.Subscribe(messaging.SubjectSnapshots+".raw", func(msg *nats.Msg) {
		var snap assessor.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			log.Printf("Dropping malformed snapshot: %v", err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a, err := control.ObserveSnapshot(ctx, snap)
		if err != nil {
			log.Printf("Dropping invalid snapshot: %v", err)
			return
		}

		if stateCache != nil {
			if err := stateCache.Save(ctx, "last-assessment", a); err != nil {
				log.Printf("Failed to cache assessment: %v", err)
			}
		}
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to snapshots: %v", err)
	}

	var auditor gateway.ActionAuditor
	if auditLog != nil {
		auditor = auditLog
	}
	gw := gateway.New(gateway.Config{
		Addr:      ":" + cfg.Port,
		JWTSecret: cfg.JWTSecret,
	}, control, pools, optimizer, auditor)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: gw.Router(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return control.Run(ctx) })
	g.Go(func() error { return gw.Broadcast(ctx) })
	g.Go(func() error {
		log.Printf("txflowd listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return ctx.Err()
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Stopped")
}
