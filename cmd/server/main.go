package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/analytics-go/v3"

	"github.com/appforge/appforge/internal/allocator"
	"github.com/appforge/appforge/internal/api"
	"github.com/appforge/appforge/internal/auth"
	"github.com/appforge/appforge/internal/billing"
	"github.com/appforge/appforge/internal/config"
	"github.com/appforge/appforge/internal/db"
	"github.com/appforge/appforge/internal/events"
	"github.com/appforge/appforge/internal/guard"
	"github.com/appforge/appforge/internal/provider"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	if cfg.DatabaseURL == "" {
		log.Fatal("appforge: APPFORGE_DATABASE_URL is required")
	}
	store, err := db.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer store.Close()

	log.Println("appforge: running database migrations...")
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	log.Println("appforge: database migrations complete")

	client, err := provider.NewDaytonaClient(cfg.DaytonaAPIURL, cfg.DaytonaAPIKey)
	if err != nil {
		log.Fatalf("failed to initialize Daytona client: %v", err)
	}

	g := guard.New(guard.Config{Client: client})

	// Redis migration bus is optional; without it replicas just resolve a
	// migrated sandbox through the store on their next call.
	var bus *events.Bus
	if cfg.RedisURL != "" {
		bus, err = events.NewBus(cfg.RedisURL)
		if err != nil {
			log.Printf("appforge: redis not available: %v (continuing without migration events)", err)
			bus = nil
		} else {
			defer bus.Stop()
			bus.SubscribeMigrations(func(e events.MigratedEvent) {
				log.Printf("appforge: sandbox %s migrated to %s, dropping guard state", e.OldID, e.NewID)
				g.Forget(e.OldID)
			})
			log.Println("appforge: redis migration bus started")
		}
	}

	poolCfg := allocator.PoolConfig{
		Store:    store,
		Client:   client,
		Capacity: cfg.SandboxCapacity,
		Region:   cfg.SandboxRegion,
		Image:    cfg.SandboxImage,
	}
	if bus != nil {
		poolCfg.Events = bus
	}
	pool := allocator.NewPool(poolCfg)
	ports := allocator.NewPorts(allocator.PortConfig{Store: store})

	// Usage metering pipeline: API publishes to NATS, consumer forwards to
	// the Stripe billing meter.
	var meter *billing.Meter
	if cfg.NATSURL != "" {
		meter, err = billing.NewMeter(cfg.NATSURL)
		if err != nil {
			log.Printf("appforge: NATS not available: %v (continuing without usage metering)", err)
			meter = nil
		} else {
			defer meter.Close()
			log.Println("appforge: usage meter connected to NATS")
		}
	}
	if meter != nil && cfg.StripeAPIKey != "" {
		sink := billing.NewStripeMeter(cfg.StripeAPIKey, cfg.StripeMeterName)
		consumer, err := billing.NewUsageConsumer(cfg.NATSURL, sink)
		if err != nil {
			log.Printf("appforge: usage consumer not available: %v (continuing without)", err)
		} else if err := consumer.Start(); err != nil {
			log.Printf("appforge: failed to start usage consumer: %v", err)
		} else {
			defer consumer.Stop()
			log.Println("appforge: usage consumer started")
		}
	}

	// Register our payment webhook address with the notifier at startup.
	if cfg.StripeAPIKey != "" && cfg.PreviewDomain != "" && cfg.PreviewDomain != "localhost" {
		sync := billing.NewRegistrySync(billing.NewStripeNotifier(cfg.StripeAPIKey, nil))
		addr := fmt.Sprintf("https://api.%s/webhooks/stripe", cfg.PreviewDomain)
		if sync.AddAddress(ctx, addr) {
			log.Printf("appforge: webhook address %s registered", addr)
		}
	}

	var segmentClient analytics.Client
	if cfg.SegmentWriteKey != "" {
		segmentClient = analytics.New(cfg.SegmentWriteKey)
		defer segmentClient.Close()
		log.Println("appforge: segment analytics configured")
	}

	serverCfg := api.ServerConfig{
		Store:         store,
		Keys:          store,
		Assigner:      pool,
		Ports:         ports,
		Guard:         g,
		JWT:           auth.NewJWTIssuer(cfg.JWTSecret),
		Analytics:     segmentClient,
		APIKey:        cfg.APIKey,
		PreviewDomain: cfg.PreviewDomain,
	}
	if meter != nil {
		serverCfg.Meter = meter
	}
	server := api.NewServer(serverCfg)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("appforge: starting server on %s", addr)

	go func() {
		if err := server.Start(addr); err != nil {
			log.Printf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("appforge: shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down server: %v", err)
	}
}
