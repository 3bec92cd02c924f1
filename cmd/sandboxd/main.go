// sandboxd serves lab sessions, their files, terminal and assistant.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/redmage123/course-creator-sub015/internal/agent"
	"github.com/redmage123/course-creator-sub015/internal/api"
	"github.com/redmage123/course-creator-sub015/internal/config"
	"github.com/redmage123/course-creator-sub015/internal/container"
	"github.com/redmage123/course-creator-sub015/internal/identity"
	"github.com/redmage123/course-creator-sub015/internal/middleware"
	"github.com/redmage123/course-creator-sub015/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	rt, err := container.NewDockerRuntime(container.Options{
		Image:       cfg.SandboxImage,
		Runtime:     cfg.ContainerRuntime,
		WorkDir:     cfg.SandboxWorkDir,
		ExecTimeout: cfg.ExecTimeout,
		Logger:      logger,
	})
	if err != nil {
		slog.Error("Failed to initialize container runtime", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Warn("Failed to close container runtime", "error", closeErr)
		}
	}()

	networkID, err := rt.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure sandbox network", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	// The assistant endpoint is always served; without a backend every
	// message is answered with an error message.
	var processor agent.Processor = agent.UnavailableProcessor{}
	if cfg.AssistantEnabled() {
		slog.Info("Connecting to assistant backend via gRPC", "address", cfg.AgentAddr)
		grpcClient, err := agent.NewGrpcClient(agent.DefaultGrpcClientConfig(cfg.AgentAddr), logger)
		if err != nil {
			slog.Warn("Failed to connect to assistant backend, assistant will be unavailable", "error", err)
		} else {
			processor = grpcClient
		}
	} else {
		slog.Info("Assistant backend disabled (PYTHON_AGENT_ADDR not set)")
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	agentService := agent.NewService(processor, conversationLogger, logger)
	defer agentService.Close()
	agentHandler := agent.NewHandler(agentService, agent.HandlerConfig{
		RateLimitRequests: cfg.AssistantRateLimit,
		RateLimitWindow:   cfg.AssistantRateWindow,
	}, logger)
	defer agentHandler.Close()

	hub := api.NewStatusHub(logger)
	sampler := api.NewSampler(repo, rt, hub, cfg.ResourcePollInterval, logger)
	apiHandler := api.NewHandler(repo, rt, hub, sampler, logger)
	healthHandler := api.NewHealthHandler(repo, agentService)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.APIToken))
		apiHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
	})

	// WriteTimeout stays 0: websocket connections are long-lived.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container.StartTTLWorker(ctx, repo, rt, cfg.SessionTTL, 0, apiHandler.SessionExpired)
	go sampler.Run(ctx)
	slog.Info("Background workers started", "session_ttl", cfg.SessionTTL, "resource_poll", cfg.ResourcePollInterval)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
