package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"opencollective/server/internal/broker"
	"opencollective/server/internal/config"
	"opencollective/server/internal/db"
	"opencollective/server/internal/mcp"
	"opencollective/server/internal/middleware"
	"opencollective/server/internal/modules"
	"opencollective/server/internal/modules/opencollective"
	"opencollective/server/internal/observability"
	"opencollective/server/internal/tokenstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize observability (Loki)
	observability.Init(observability.LokiConfig{
		URL:      cfg.LokiURL,
		User:     cfg.LokiUser,
		APIKey:   cfg.LokiAPIKey,
		AppName:  cfg.AppName,
		Instance: cfg.InstanceID,
	})

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open token store: %v", err)
	}
	defer closeStore()
	log.Printf("Token store: %s", cfg.TokenBackend)

	if !cfg.HasClientCredentials() {
		log.Printf("WARNING: OPENCOLLECTIVE_CLIENT_ID/SECRET not set; stored tokens cannot be refreshed and /oauth/start is disabled")
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	tb := broker.NewTokenBroker(broker.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		HTTPClient:   httpClient,
	}, store)
	clients := newClientCache(tb, cfg.GraphQLURL, httpClient)

	modules.RegisterModule(opencollective.New(clients.Get))
	log.Printf("Registered modules: %v", modules.ListModules())
	log.Printf("Instance: %s", cfg.InstanceID)

	// Create router (Go 1.22+ method-aware patterns)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", healthHandler(cfg.InstanceID, tb, clients))

	// MCP endpoint with rate limit + transport middleware
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit)
	mcpHandler := mcp.NewHandler()
	mux.Handle("/mcp", middleware.Recovery(middleware.RequestID(rateLimiter.Middleware(middleware.Transport(mcpHandler, "/mcp")))))

	// OAuth2 setup
	oauth := &oauthRoutes{broker: tb, scope: cfg.Scope, clients: clients, enabled: cfg.HasClientCredentials()}
	mux.HandleFunc("GET /oauth/start", oauth.start)
	mux.HandleFunc("GET /oauth/callback", oauth.callback)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting MCP server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Printf("Received signal %s, shutting down gracefully...", sig)

	// Give in-flight requests up to 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Printf("Server stopped")
}

// openStore builds the configured token store. The returned func releases
// its connections.
func openStore(cfg config.Config) (tokenstore.Store, func(), error) {
	switch cfg.TokenBackend {
	case config.BackendPostgres:
		key, err := db.ParseEncryptionKey(cfg.EncryptionKey)
		if err != nil {
			return nil, nil, err
		}
		database, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if sqlDB, err := database.DB(); err == nil {
				_ = sqlDB.Close()
			}
		}
		if err := db.Migrate(database); err != nil {
			closeDB()
			return nil, nil, err
		}
		log.Printf("Database connected")
		return db.NewCredentialStore(database, cfg.TokenName, key), closeDB, nil

	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrap(err, "ping redis")
		}
		return tokenstore.NewRedisStore(rdb, cfg.RedisKey), func() { _ = rdb.Close() }, nil

	default:
		return tokenstore.NewFileStore(cfg.TokenPath), func() {}, nil
	}
}
