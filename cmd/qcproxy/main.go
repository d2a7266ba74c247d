// Package main is the entry point for the Qwen code proxy server. It exposes
// an OpenAI-compatible API backed by a Qwen OAuth device-flow credential.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/pysugar/qwen-code-proxy/internal/auth/credential"
	"github.com/pysugar/qwen-code-proxy/internal/auth/qwen"
	"github.com/pysugar/qwen-code-proxy/internal/auth/token"
	"github.com/pysugar/qwen-code-proxy/internal/browser"
	"github.com/pysugar/qwen-code-proxy/internal/config"
	"github.com/pysugar/qwen-code-proxy/internal/db"
	"github.com/pysugar/qwen-code-proxy/internal/logging"
	"github.com/pysugar/qwen-code-proxy/internal/proxy/handlers"
	"github.com/pysugar/qwen-code-proxy/internal/proxy/middleware"
	"github.com/pysugar/qwen-code-proxy/internal/proxy/monitor"
	"github.com/pysugar/qwen-code-proxy/internal/upstream/dashscope"
	"github.com/pysugar/qwen-code-proxy/internal/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	var loginOnly bool
	flag.StringVar(&configPath, "config", "", "Config file path")
	flag.BoolVar(&loginOnly, "login", false, "Run the device authorization flow and exit")
	flag.Parse()

	logging.Setup()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Debug {
		logging.SetDebug(true)
	}
	if cfg.LogFile != "" {
		if err := logging.ConfigureOutput(cfg.LogFile); err != nil {
			log.Warnf("Failed to configure log file: %v", err)
		}
	}

	credPath := cfg.CredentialsFile
	if credPath == "" {
		credPath, err = credential.DefaultPath()
		if err != nil {
			log.Fatalf("Failed to resolve credential path: %v", err)
		}
	}
	store := credential.NewStore(credPath)
	flow := qwen.NewFlow(store)
	tokens := token.NewManager(store, flow, browser.VerificationNotifier())

	if loginOnly {
		if _, err := tokens.Reauthorize(context.Background()); err != nil {
			log.Fatalf("Authorization failed: %v", err)
		}
		fmt.Printf("Authorization complete. Credentials saved to %s\n", store.Path())
		return
	}

	provider := dashscope.NewProvider(tokens, cfg.RequestTimeout())

	var pm *monitor.ProxyMonitor
	if cfg.Monitor.Enabled {
		database, errDB := db.InitDB(cfg.Monitor.DatabasePath)
		if errDB != nil {
			log.Fatalf("Failed to initialize monitor database: %v", errDB)
		}
		pm = monitor.NewProxyMonitor(database)
		pm.SetEnabled(true)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	r.Get("/health", handlers.HealthHandler())
	r.Get("/version", handlers.VersionHandler())

	chatHandler := handlers.ChatCompletionsHandler(cfg, provider)
	if pm != nil {
		chatHandler = handlers.ChatCompletionsHandlerWithMonitor(cfg, provider, pm)
	}
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Get("/models", handlers.ModelsListHandler(cfg))
		r.Route("/chat", func(r chi.Router) {
			r.Use(limiter.Middleware)
			r.Use(chimiddleware.Throttle(cfg.MaxConcurrency))
			r.Post("/completions", chatHandler)
		})
	})

	if pm != nil {
		r.Route("/monitor", func(r chi.Router) {
			r.Get("/requests", handlers.GetRequestLogsHandler(pm))
			r.Delete("/requests", handlers.ClearRequestLogsHandler(pm))
			r.Get("/stats", handlers.GetRequestStatsHandler(pm))
			r.Get("/logging", handlers.GetLoggingStatusHandler(pm))
			r.Post("/logging", handlers.ToggleLoggingHandler(pm))
		})
	}

	server := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Qwen code proxy %s listening on http://%s", version.Version, cfg.Addr())
		log.Infof("OpenAI API base URL: http://%s/v1", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received, draining connections")
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Shutdown did not complete cleanly: %v", err)
	}
	log.Info("Server stopped")
}
