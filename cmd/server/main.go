package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/clipdesk/api/internal/auth"
	"github.com/clipdesk/api/internal/cache"
	"github.com/clipdesk/api/internal/config"
	"github.com/clipdesk/api/internal/db"
	"github.com/clipdesk/api/internal/handlers"
	"github.com/clipdesk/api/internal/initialization"
	"github.com/clipdesk/api/internal/logging"
	"github.com/clipdesk/api/internal/metrics"
	"github.com/clipdesk/api/internal/middleware"
	"github.com/clipdesk/api/internal/query"
	"github.com/clipdesk/api/internal/schema"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	logger.Info("Starting ClipDesk API server", nil)

	// Connect to the application store
	database, err := sql.Open("pgx", cfg.Database.DSN())
	if err != nil {
		logger.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()

	// Configure connection pool
	database.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	database.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	database.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := database.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database", err, nil)
		os.Exit(1)
	}

	logger.Info("Connected to application store", logging.Fields{
		"host": cfg.Database.Host,
		"port": cfg.Database.Port,
		"name": cfg.Database.Name,
	})

	// Open the cache store. Each process owns its own cache; a restart
	// starts cold.
	cacheDB, err := cache.Open(cfg.Cache.Path)
	if err != nil {
		logger.Error("Failed to open cache store", err, nil)
		os.Exit(1)
	}
	defer cacheDB.Close()

	recorder := cache.NewRecorder(cacheDB, logger)
	queryStore := cache.NewQueryStore(cacheDB, recorder, logger)
	schemaStore := cache.NewSchemaStore(cacheDB, recorder, logger)

	logger.Info("Cache store opened", logging.Fields{
		"path":       cfg.Cache.Path,
		"query_ttl":  cfg.Cache.QueryTTL,
		"schema_ttl": cfg.Cache.SchemaTTL,
	})

	// Initialize components
	queries := db.NewQueries(database)
	keyManager := auth.NewAPIKeyManager(queries)
	conns := query.NewPGConnectionProvider()
	executor := query.NewExecutor(conns, queries, queryStore, logger)
	introspector := schema.NewIntrospector(conns, schemaStore, logger)

	// Bootstrap the application store (schema, seed data)
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	bootstrap := initialization.NewBootstrap(queries, logger)
	if err := bootstrap.Initialize(initCtx); err != nil {
		logger.Error("Failed to bootstrap application", err, nil)
		os.Exit(1)
	}

	if cfg.Target.URL == "" {
		logger.Warn("No default target database configured; set TARGET_DATABASE_URL or per-clip targets", nil)
	}

	runDefaults := handlers.RunDefaults{
		TargetURL:    cfg.Target.URL,
		CacheEnabled: cfg.Cache.QueryEnabled,
		CacheTTL:     cfg.Cache.QueryTTL,
	}

	// Initialize handlers
	dataclipHandlers := handlers.NewDataclipHandlers(queries, executor, queryStore, runDefaults)
	queryHandlers := handlers.NewQueryHandlers(executor, runDefaults)
	schemaHandlers := handlers.NewSchemaHandlers(introspector, cfg.Target.URL, cfg.Cache.SchemaEnabled, cfg.Cache.SchemaTTL)
	cacheAdminHandlers := handlers.NewCacheAdminHandlers(queryStore, schemaStore)
	apiKeyHandlers := handlers.NewAPIKeyHandlers(keyManager, queries)

	// Setup router
	router := mux.NewRouter()

	// Apply middleware (order matters)
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// Health check (no auth)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "ok",
			"service":   "clipdesk-api",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}).Methods("GET")

	// Prometheus metrics (no auth)
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// API routes (with auth)
	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	if cfg.Auth.Enabled {
		apiRouter.Use(auth.Middleware(keyManager, cfg.Auth.BootstrapKey))
	}

	// Dataclip routes
	apiRouter.HandleFunc("/clips", dataclipHandlers.ListDataclips).Methods("GET")
	apiRouter.HandleFunc("/clips", dataclipHandlers.CreateDataclip).Methods("POST")
	apiRouter.HandleFunc("/clips/{id}", dataclipHandlers.GetDataclip).Methods("GET")
	apiRouter.HandleFunc("/clips/{id}", dataclipHandlers.UpdateDataclip).Methods("PUT")
	apiRouter.HandleFunc("/clips/{id}", dataclipHandlers.DeleteDataclip).Methods("DELETE")
	apiRouter.HandleFunc("/clips/{id}/run", dataclipHandlers.RunDataclip).Methods("POST")

	// Ad hoc query route
	apiRouter.HandleFunc("/query/run", queryHandlers.RunQuery).Methods("POST")

	// Schema route
	apiRouter.HandleFunc("/schema", schemaHandlers.GetSchema).Methods("GET")

	// Cache administration routes
	apiRouter.HandleFunc("/cache/stats", cacheAdminHandlers.GetStats).Methods("GET")
	apiRouter.HandleFunc("/cache/top", cacheAdminHandlers.GetTop).Methods("GET")
	apiRouter.HandleFunc("/cache/clear-expired", cacheAdminHandlers.ClearExpired).Methods("POST")
	apiRouter.HandleFunc("/cache/clear", cacheAdminHandlers.ClearAll).Methods("POST")
	apiRouter.HandleFunc("/cache/clips/{id}", cacheAdminHandlers.InvalidateClip).Methods("DELETE")
	apiRouter.HandleFunc("/cache/invalidate", cacheAdminHandlers.InvalidateByContent).Methods("POST")

	// API key routes
	apiRouter.HandleFunc("/api-keys", apiKeyHandlers.GenerateAPIKey).Methods("POST")
	apiRouter.HandleFunc("/api-keys", apiKeyHandlers.ListAPIKeys).Methods("GET")
	apiRouter.HandleFunc("/api-keys/{id}", apiKeyHandlers.DeleteAPIKey).Methods("DELETE")

	// CORS handler wrapper
	//
	// Wrapping at the HTTP handler level (instead of router.Use) keeps CORS
	// headers and OPTIONS preflight responses working even when gorilla/mux
	// would return 404 for method-mismatches.
	corsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false
		allowAll := false

		for _, allowedOrigin := range cfg.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowAll = true
				allowed = true
				break
			} else if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
		}
		if allowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORS.AllowedMethods, ", "))
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORS.AllowedHeaders, ", "))

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		router.ServeHTTP(w, r)
	})

	// Create HTTP server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      corsHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", logging.Fields{
			"address": addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", err, nil)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server", nil)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", err, nil)
	}

	logger.Info("Server stopped", nil)
}
