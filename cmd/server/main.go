// Stockchat - stock trading chat agent server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/stockchat/internal/agent"
	"github.com/ashureev/stockchat/internal/api"
	"github.com/ashureev/stockchat/internal/config"
	"github.com/ashureev/stockchat/internal/conversation"
	"github.com/ashureev/stockchat/internal/identity"
	"github.com/ashureev/stockchat/internal/knowledge"
	"github.com/ashureev/stockchat/internal/llm"
	"github.com/ashureev/stockchat/internal/middleware"
	"github.com/ashureev/stockchat/internal/routing"
	"github.com/ashureev/stockchat/internal/store"
	"github.com/ashureev/stockchat/internal/tools"
	"github.com/ashureev/stockchat/internal/wschat"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	modelsPath := pflag.String("models", "", "model routing table (YAML or JSONC); overrides MODEL_PROFILES_PATH")
	debug := pflag.Bool("debug", false, "enable debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *modelsPath != "" {
		cfg.Model.ProfilesPath = *modelsPath
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(),
		"persistence", cfg.Persistence.Backend, "provider", cfg.Model.Provider)

	profiles, err := config.LoadModelProfiles(cfg.Model.ProfilesPath)
	if err != nil {
		slog.Error("Failed to load model profiles", "error", err)
		os.Exit(1)
	}
	router := routing.New(profiles)

	// Initialize dependencies.
	repo, err := openStore(context.Background(), cfg.Persistence)
	if err != nil {
		slog.Error("Failed to initialize conversation store", "error", err)
		os.Exit(1)
	}
	checks := map[string]api.Checker{}
	if repo != nil {
		defer func() {
			if closeErr := repo.Close(); closeErr != nil {
				slog.Error("Failed to close repository", "error", closeErr)
			}
		}()
		checks["store"] = api.CheckerFunc(repo.Ping)
		slog.Info("Conversation store connected", "backend", cfg.Persistence.Backend)
	}

	provider, closeProvider, err := newProvider(cfg.Model, logger)
	if err != nil {
		slog.Error("Failed to initialize model provider", "error", err)
		os.Exit(1)
	}
	defer closeProvider()
	if g, ok := provider.(*llm.GRPC); ok {
		checks["model"] = api.CheckerFunc(g.Health)
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	registry := tools.NewRegistry(tools.Options{
		Searcher:    knowledge.NewExa(httpClient, cfg.Knowledge.ExaBaseURL, cfg.Knowledge.ExaAPIKey),
		Computer:    knowledge.NewWolfram(httpClient, cfg.Knowledge.WolframBaseURL, cfg.Knowledge.WolframAppID),
		RenderDelay: cfg.ToolRenderDelay,
		Logger:      logger,
	})

	var persister conversation.Persister
	var chats agent.ChatStore
	if repo != nil {
		persister = repo
		chats = repo
	}
	sessions := conversation.NewStore(persister, logger)

	orch := agent.New(agent.Options{
		Store:             sessions,
		Router:            router,
		Provider:          provider,
		Registry:          registry,
		PurchaseStepDelay: time.Second,
		Logger:            logger,
	})

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	chatHandler := agent.NewHandler(orch, chats, conversationLogger, cfg)
	defer chatHandler.Close()

	sm := wschat.NewSessionManager()
	wsHandler := wschat.NewHandler(orch, sm, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg), identity.SessionHeaderName))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	r.Get("/api/health", api.NewHealth(checks).ServeHTTP)
	chatHandler.RegisterRoutes(r)
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions.StartEvictionWorker(ctx, cfg.SessionTTL, evictionInterval(cfg.SessionTTL), func(sessionID string) {
		slog.Debug("Evicted idle conversation", "session_id", sessionID)
	})
	slog.Info("Eviction worker started", "session_ttl", cfg.SessionTTL)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	sm.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}

// openStore returns nil for the "none" backend.
func openStore(ctx context.Context, cfg config.PersistenceConfig) (store.ConversationRepository, error) {
	switch cfg.Backend {
	case "sqlite":
		repo, err := store.NewSQLite(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return repo, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		repo, err := store.NewRedis(pingCtx, client, "stockchat:")
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return repo, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

func newProvider(cfg config.ModelConfig, logger *slog.Logger) (llm.Provider, func(), error) {
	switch cfg.Provider {
	case "openai":
		return llm.NewOpenAI(&http.Client{}, cfg.BaseURL, cfg.APIKey), func() {}, nil
	case "grpc":
		g, err := llm.DialGRPC(llm.DefaultGRPCConfig(cfg.GRPCAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return g, func() {
			if err := g.Close(); err != nil {
				logger.Warn("Failed to close model connection", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

func evictionInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 4; interval > 0 && interval < time.Minute {
		return interval
	}
	return time.Minute
}
