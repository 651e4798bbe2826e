// Package main is the entry point for deskd.
// The single binary runs the session broker, the agent pool and the
// inspection API together with shared infrastructure. Clients connect over
// WebSocket; HTTP endpoints cover health, metrics and inspection.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deskd/deskd/internal/common/config"
	"github.com/deskd/deskd/internal/common/httpmw"
	"github.com/deskd/deskd/internal/common/logger"
	"github.com/deskd/deskd/internal/common/tracing"
	"github.com/deskd/deskd/internal/emitter"
	"github.com/deskd/deskd/internal/events"
	"github.com/deskd/deskd/internal/gateway/api"
	"github.com/deskd/deskd/internal/gateway/websocket"
	"github.com/deskd/deskd/internal/limiter"
	"github.com/deskd/deskd/internal/metrics"
	"github.com/deskd/deskd/internal/pool"
	"github.com/deskd/deskd/internal/reloadcache"
	"github.com/deskd/deskd/internal/session"
	"github.com/deskd/deskd/internal/transcript"
	"github.com/deskd/deskd/internal/transport"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting deskd...", zap.Int("port", cfg.Server.Port))

	tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	providedBus, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	eventBus := providedBus.Bus
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Initialize transcript store (SQLite or Postgres per config)
	store, closeStore, err := transcript.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize transcript store", zap.Error(err))
	}

	// 6. Agent slot limiter bounds concurrent provider agents process-wide
	slots := limiter.New(cfg.Agents.Max)
	log.Info("Agent limiter initialized", zap.Int("max_agents", cfg.Agents.Max))

	// 7. Dialog emitter for permission prompts routed through clients
	em := emitter.New()

	// 8. Provider transport selection. The scripted mock ships in-tree;
	// real providers register their factories here before Detect runs.
	registry := transport.NewRegistry()
	registry.Register(transport.MockFactory())
	factory, err := registry.Detect(cfg.Provider.Name)
	if err != nil {
		log.Fatal("Failed to select provider", zap.String("provider", cfg.Provider.Name), zap.Error(err))
	}
	log.Info("Provider selected", zap.String("provider", factory.Name))

	// 9. Reload cache store persists per-session entries across restarts
	reloadStore := reloadcache.NewStore(filepath.Join(cfg.ReloadCache.CacheDir(), "reload-cache"), log)

	// 10. Agent profiles keyed by role
	profiles, err := pool.LoadProfiles()
	if err != nil {
		log.Fatal("Failed to load agent profiles", zap.Error(err))
	}

	// ============================================
	// WEBSOCKET GATEWAY + SESSION HUB
	// ============================================
	log.Info("Initializing WebSocket gateway...")

	gateway := websocket.NewGateway(log)

	sessions := session.NewHub(session.Deps{
		Limiter:    slots,
		Emitter:    em,
		Transcript: store,
		Broadcast:  gateway.Hub,
		Bus:        eventBus,
		Factory:    factory,
		Store:      reloadStore,
		Profiles:   profiles,
		Log:        log,

		CacheOptions: reloadcache.Options{
			MaxEntries: cfg.ReloadCache.MaxEntries,
			Floor:      cfg.ReloadCache.SimilarityFloor,
		},
		SuggestThreshold:  cfg.ReloadCache.SuggestThreshold,
		AcquireTimeout:    cfg.Agents.AcquireTimeoutDuration(),
		TransportPoolSize: cfg.Provider.PoolSize,
		WarmTransports:    cfg.Provider.WarmSize,
		Model:             cfg.Provider.Model,
		IdleTimeout:       cfg.Session.IdleTimeoutDuration(),
	})

	gateway.Bind(sessions, em, store, factory.Name)
	log.Info("Registered session WebSocket handlers")

	go gateway.Hub.Run(ctx)
	websocket.RegisterLifecycleNotifications(ctx, eventBus, gateway.Hub, log)
	go sessions.RunJanitor(ctx)

	// ============================================
	// METRICS
	// ============================================
	collector, err := metrics.New(prometheus.DefaultRegisterer, metrics.LiveStats{
		Sessions:    sessions.Len,
		Connections: gateway.Hub.ClientCount,
		AgentSlots:  slots.Stats,
	}, log)
	if err != nil {
		log.Fatal("Failed to register metrics", zap.Error(err))
	}
	collector.Observe(eventBus)

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "deskd"))
	router.Use(httpmw.OtelTracing("deskd"))

	// WebSocket endpoint - primary realtime transport
	gateway.SetupRoutes(router)

	// Inspection API (read-only)
	api.SetupRoutes(router.Group("/api/v1"), api.Deps{
		Sessions:   sessions,
		Limiter:    slots,
		Profiles:   profiles,
		Transcript: store,
		Provider:   factory.Name,
	}, log)
	log.Info("Registered inspection API handlers")

	// Health check (simple HTTP for load balancers/monitoring)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "deskd",
			"provider": factory.Name,
		})
	})

	// Prometheus metrics
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8000
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// Start server
	go func() {
		log.Info("Server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"),
		zap.String("http", "/api/v1"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down deskd...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Unblock queued dispatches before retiring sessions so nothing new
	// takes a slot while teardown runs.
	slots.ClearWaiters(limiter.ErrShutdown)
	sessions.Close()
	collector.Close()
	reloadStore.Flush()

	if err := closeStore(); err != nil {
		log.Error("Transcript store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("deskd stopped")
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
