package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/PortNumber53/benefit-enrollment/backend/internal/checkout"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/config"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/enrollment"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/gateway"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/heartbeat"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/httpserver"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/migrations"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/registry"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/store"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/webhook"
	"github.com/PortNumber53/benefit-enrollment/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatalf("failed to apply database migrations: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.Fatalf("failed to create job store: %v", err)
	}

	issuer, err := checkout.NewIssuer(st, checkout.Config{BaseURL: cfg.Checkout.BaseURL, TTL: cfg.Checkout.LinkTTL})
	if err != nil {
		log.Fatalf("failed to create checkout issuer: %v", err)
	}

	registryClient, err := registry.NewClient(registry.Config{
		BaseURL:       cfg.Registry.BaseURL,
		APIKey:        cfg.Registry.APIKey,
		APIKeyHeader:  cfg.Registry.APIKeyHeader,
		SuccessMarker: cfg.Registry.SuccessMarker,
		Timeout:       cfg.Registry.Timeout,
		MaxAttempts:   cfg.Registry.MaxAttempts,
		Backoff:       cfg.Registry.Backoff,
	})
	if err != nil {
		log.Fatalf("failed to create registry client: %v", err)
	}

	enrollments, err := enrollment.NewService(st, registryClient, issuer, enrollment.Config{Async: cfg.Registry.Async})
	if err != nil {
		log.Fatalf("failed to create enrollment service: %v", err)
	}
	enrollments.WithQueue(jobStore)
	if cfg.Gateway.APIKey != "" {
		enrollments.WithGateway(gateway.NewClient(cfg.Gateway.APIURL, cfg.Gateway.APIKey))
	} else {
		log.Printf("[enrollment] GATEWAY_API_KEY not set; subscription references will be minted locally")
	}

	deps := httpserver.Deps{
		DB:          st,
		Links:       issuer,
		Ingester:    webhook.NewDispatcher(st, enrollments),
		Enrollments: enrollments,
		Events:      st,
		Subs:        st,
		Jobs:        jobStore,
	}

	var jobWorker *worker.Worker
	if cfg.WorkerEnabled {
		jobWorker = worker.New(worker.DefaultConfig(), jobStore)
		worker.RegisterEnrollmentJobs(jobWorker, enrollments, issuer, jobStore, worker.DefaultJobsConfig())
		deps.Worker = jobWorker
	} else if cfg.Registry.Async {
		log.Printf("[worker] WARNING: REGISTRY_ASYNC is set but WORKER_ENABLED is false; registry jobs will queue until a worker runs")
	}

	if cfg.RedisURL != "" {
		rdb, err := connectHeartbeat(cfg.RedisURL, 5*time.Second)
		if err != nil {
			log.Printf("[heartbeat] disabled: %v", err)
		} else {
			defer rdb.Close()
			publisher := heartbeat.NewPublisher(rdb, time.Minute)
			deps.Heartbeat = publisher
			if jobWorker != nil {
				jobWorker.SetInstrumentation(publisher.Instrumentation())
			}
		}
	}

	srv, err := httpserver.New(cfg, deps)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("backend starting on %s", cfg.ServerAddress)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server exited with error: %v", err)
		os.Exit(1)
	}
}

// connectHeartbeat dials Redis under its own timeout, independent of the
// database startup deadline.
func connectHeartbeat(redisURL string, timeout time.Duration) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return heartbeat.Connect(ctx, redisURL)
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Printf("migrations(%s): error detected: %v (type: %T)", name, err, err)
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Printf("migrations(%s): dirty database detected, attempting to fix...", name)
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Printf("migrations(%s): failed to fix dirty database: %v", name, fixErr)
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Printf("db(%s): configured (dsn parse error: %v)", name, err)
		return
	}
	log.Printf("db(%s): host=%s db=%s", name, u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}
