package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/campaign-mailer/internal/api"
	"github.com/ignite/campaign-mailer/internal/config"
	"github.com/ignite/campaign-mailer/internal/dispatch"
	"github.com/ignite/campaign-mailer/internal/pkg/distlock"
	"github.com/ignite/campaign-mailer/internal/pkg/logger"
	"github.com/ignite/campaign-mailer/internal/pkg/ratelimit"
	"github.com/ignite/campaign-mailer/internal/repository/cancelflag"
	"github.com/ignite/campaign-mailer/internal/repository/memory"
	"github.com/ignite/campaign-mailer/internal/repository/postgres"
	"github.com/ignite/campaign-mailer/internal/service/campaign"
	"github.com/ignite/campaign-mailer/internal/storage"
	"github.com/ignite/campaign-mailer/internal/transport"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// sendLockTTL bounds a Redis send lock whose holder died. Live runs refresh it.
const sendLockTTL = 10 * time.Minute

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	flag.Parse()

	log.Println("Bulk Email API Server starting")

	// Load configuration
	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Campaign repository: Postgres when configured, memory otherwise
	var repo campaign.Repository
	var db *sql.DB
	if cfg.Database.URL != "" {
		db, err = sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxOpenConns / 2)
		db.SetConnMaxLifetime(30 * time.Minute)

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			log.Fatalf("Failed to reach database: %v", err)
		}
		defer db.Close()

		repo = postgres.NewCampaignRepo(db)
		log.Println("Campaign repository: PostgreSQL")
	} else {
		repo = memory.NewCampaignRepo()
		log.Println("Campaign repository: in-memory (DATABASE_URL not set, campaigns are lost on restart)")
	}

	// Redis for shared cancel flags and send locks
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = connectRedis(ctx, cfg.Redis.URL)
		if redisClient != nil {
			defer redisClient.Close()
		}
	} else {
		log.Println("Redis not configured (REDIS_URL not set), send locks fall back to PostgreSQL or process-local")
	}

	// Outbound relay
	tr, err := transport.New(ctx, cfg.Transport)
	if err != nil {
		log.Fatalf("Failed to initialize %s transport: %v", cfg.Transport.Provider, err)
	}
	verifyCtx, verifyCancel := context.WithTimeout(ctx, 15*time.Second)
	if tr.Verify(verifyCtx) {
		log.Printf("Transport %s verified", cfg.Transport.Provider)
	} else {
		log.Printf("Warning: transport %s handshake failed; sends will be retried per recipient", cfg.Transport.Provider)
	}
	verifyCancel()

	engine := dispatch.New(tr, dispatch.ConfigFrom(cfg.Dispatch))

	opts := []campaign.Option{
		campaign.WithLocks(func(key string) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, sendLockTTL)
		}, sendLockTTL),
	}
	if redisClient != nil {
		opts = append(opts, campaign.WithCancelFlags(cancelflag.New(redisClient, cancelflag.DefaultTTL)))
	}

	// Result archive
	var reports api.ReportStore
	if cfg.Storage.Enabled() {
		store, err := storage.New(ctx, cfg.Storage)
		if err != nil {
			log.Fatalf("Failed to initialize results storage: %v", err)
		}
		opts = append(opts, campaign.WithArchiver(store))
		reports = store
		log.Printf("Results storage: %s", cfg.Storage.Type)
	}

	svc := campaign.NewService(repo, engine, opts...)

	routeOpts := api.RouteOptions{AllowedOrigins: cfg.CORS.AllowedOrigins}
	if rl := cfg.Server.RateLimit; rl.Enabled() {
		limiter := ratelimit.New(ratelimit.Config{Requests: rl.Requests, Window: rl.Window()})
		defer limiter.Stop()
		routeOpts.RateLimit = limiter.Middleware
	}
	server := api.NewServer(api.NewHandlers(svc, tr, reports), routeOpts)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := cfg.Server.Addr()
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if n := svc.Running(); n > 0 {
		log.Printf("Waiting for %d dispatch run(s) to reach a batch boundary", n)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("Dispatch shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// connectRedis returns nil when Redis is unreachable so locking falls back
// to the next backend.
func connectRedis(ctx context.Context, redisURL string) *redis.Client {
	var client *redis.Client
	if strings.Contains(redisURL, "://") {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Printf("Warning: invalid REDIS_URL: %v", err)
			return nil
		}
		client = redis.NewClient(opts)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed: %v", err)
		client.Close()
		return nil
	}
	log.Println("Redis connected (shared cancel flags and send locks enabled)")
	return client
}
