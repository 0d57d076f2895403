package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/api"
	"github.com/ignite/campaign-dispatcher/internal/config"
	"github.com/ignite/campaign-dispatcher/internal/dispatch"
	"github.com/ignite/campaign-dispatcher/internal/events"
	"github.com/ignite/campaign-dispatcher/internal/pkg/distlock"
	"github.com/ignite/campaign-dispatcher/internal/pkg/httpretry"
	"github.com/ignite/campaign-dispatcher/internal/repository/postgres"
	"github.com/ignite/campaign-dispatcher/internal/schedule"
	"github.com/ignite/campaign-dispatcher/internal/sender"
	"github.com/ignite/campaign-dispatcher/internal/throttle"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Println("Campaign Dispatch Scheduler (cmd/dispatcher)")

	// Load configuration
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Database
	if cfg.Database.URL == "" {
		log.Fatal("database.url is required (or set DATABASE_URL)")
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMin) * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	defer db.Close()
	log.Println("[db] Connected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis: send counters, event fan-out, campaign ownership
	var redisClient *redis.Client
	var counters *throttle.Counters
	var emitter *events.Emitter
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid redis URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("Failed to reach redis: %v", err)
		}
		counters = throttle.NewCounters(redisClient)
		emitter = events.NewEmitter(redisClient, cfg.Events.BufferSize, float64(cfg.Events.RatePerSecond))
		emitter.Start(ctx)
		log.Println("[redis] Counters and event emitter active")
	} else {
		log.Println("[redis] Disabled; running with local pacing only")
	}

	// Message gateway
	if cfg.Sender.GatewayURL == "" {
		log.Fatal("sender.gateway_url is required (or set SENDER_GATEWAY_URL)")
	}
	gateway := sender.NewWebhookSender(cfg.Sender.GatewayURL,
		httpretry.NewRetryClient(nil, cfg.Sender.MaxRetries))

	// Stores
	campaigns := postgres.NewCampaignStore(db)
	segments := postgres.NewSegmentStore(db, cfg.Dispatch.ContactPageSize)
	accounts := postgres.NewAccountStore(db)

	// Campaign manager
	managerDeps := dispatch.ManagerDeps{
		Counters:    counters,
		Planner:     schedule.NewPlanner(cfg.Dispatch.MinIntervalMinutes),
		Segments:    segments,
		Accounts:    accounts,
		Sender:      gateway,
		Store:       campaigns,
		SendTimeout: time.Duration(cfg.Dispatch.SendTimeoutSeconds) * time.Second,
		Locks: func(campaignID string) dispatch.Locker {
			return distlock.ForCampaign(redisClient, db, campaignID, dispatch.DefaultOwnershipTTL)
		},
	}
	if emitter != nil {
		managerDeps.Events = emitter
	} else {
		managerDeps.Events = noopEvents{}
	}
	manager := dispatch.NewManager(managerDeps)

	// Re-attach campaigns a previous process left in flight.
	if n, err := manager.Recover(ctx, campaigns); err != nil {
		log.Printf("[recovery] Sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("[recovery] Re-attached %d campaign(s)", n)
	}

	// HTTP control surface
	server := api.NewServer(cfg.Server, api.NewHandlers(manager, campaigns))

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Printf("Dispatcher shutdown error: %v", err)
	}
	if emitter != nil {
		emitter.Stop()
	}
	if counters != nil {
		counters.Close()
	}

	log.Println("Dispatcher stopped")
}

// noopEvents swallows events when Redis is disabled.
type noopEvents struct{}

func (noopEvents) Emit(campaignID, eventType string, payload map[string]interface{}) {}
