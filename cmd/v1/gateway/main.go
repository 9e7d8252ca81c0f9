package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/driftline/landsync/internal/v1/auth"
	"github.com/driftline/landsync/internal/v1/config"
	"github.com/driftline/landsync/internal/v1/gateway"
	"github.com/driftline/landsync/internal/v1/health"
	"github.com/driftline/landsync/internal/v1/land"
	"github.com/driftline/landsync/internal/v1/logging"
	"github.com/driftline/landsync/internal/v1/middleware"
	"github.com/driftline/landsync/internal/v1/notify"
	"github.com/driftline/landsync/internal/v1/ratelimit"
	"github.com/driftline/landsync/internal/v1/tracing"
	"github.com/driftline/landsync/internal/v1/transport"
	"github.com/driftline/landsync/internal/v1/types"
)

const serviceName = "landsync-gateway"

func main() {
	ctx := context.Background()

	// Load .env for local development. The binary may run from the repo root
	// or from its own directory.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	if !envLoaded {
		logging.Warn(ctx, "no .env file found, relying on environment variables")
	}
	if cfg.DevelopmentMode {
		logging.Info(ctx, "running in development mode")
	}

	// Tracing is optional; without a collector address the global provider
	// stays a no-op and otelgin spans go nowhere.
	if cfg.OtelCollectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OtelCollectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(ctx, "tracer shutdown failed", zap.Error(err))
			}
		}()
		logging.Info(ctx, "tracing initialized", zap.String("collector", cfg.OtelCollectorAddr))
	}

	// --- Rate limiting, optionally backed by Redis ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logging.Error(ctx, "failed to connect to Redis, falling back to in-memory rate limiting",
				zap.String("addr", cfg.RedisAddr), zap.Error(err))
			_ = redisClient.Close()
			redisClient = nil
		} else {
			logging.Info(ctx, "Redis rate-limit store initialized", zap.String("addr", cfg.RedisAddr))
		}
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Error(ctx, "failed to create rate limiter", zap.Error(err))
		os.Exit(1)
	}

	// --- Auth resolver ---
	// SKIP_AUTH drops authentication entirely; connections arrive anonymous
	// and get guest identities. Development mode without credentials keeps
	// the token requirement but accepts any token unverified.
	skipAuth := cfg.SkipAuth

	var resolver types.AuthInfoResolver
	switch {
	case skipAuth:
		logging.Warn(ctx, "authentication DISABLED, do not use in production")
	case cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == ""):
		logging.Warn(ctx, "development mode without auth credentials, accepting unverified tokens")
		resolver = &auth.MockResolver{}
	default:
		if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			logging.Error(ctx, "AUTH_DOMAIN and AUTH_AUDIENCE must be set when SKIP_AUTH=false")
			os.Exit(1)
		}
		resolver, err = auth.NewResolver(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Error(ctx, "failed to create auth resolver", zap.Error(err))
			os.Exit(1)
		}
		logging.Info(ctx, "auth resolver initialized",
			zap.String("domain", cfg.AuthDomain), zap.String("audience", cfg.AuthAudience))
	}

	notifier := notify.New(cfg.NotifyWebhookURL)

	// --- Realm: one land server per registered type, one shared transport ---
	wsTransport := transport.NewWebSocketTransport()

	opts := land.OptionsFromConfig(cfg)
	if skipAuth {
		opts.GuestSessions = guestSessionFactory
	}

	registry := gateway.NewLandTypeRegistry()
	if err := registry.Register(gateway.LandDefinition{
		Type:      "lobby",
		NewKeeper: newPresenceKeeper,
		Options:   opts,
		Metadata:  map[string]any{"builtin": true},
	}); err != nil {
		logging.Error(ctx, "failed to register land type", zap.Error(err))
		os.Exit(1)
	}

	realm, err := gateway.NewRealmFromRegistry(registry, wsTransport, gateway.DefaultDestroyGrace, notifier)
	if err != nil {
		logging.Error(ctx, "failed to build realm", zap.Error(err))
		os.Exit(1)
	}

	landRouter := gateway.NewLandRouter(realm, wsTransport)
	wsTransport.SetDelegate(landRouter)

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CorrelationID())

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws", wsTransport.ServeWs(transport.ServeConfig{
		Resolver:       resolver,
		AllowedOrigins: allowedOrigins,
		RateLimiter:    limiter,
	}))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(limiter, realm)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	router.GET("/lands", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"lands": realm.Stats()})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Run until SIGINT/SIGTERM ---
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := realm.Run(runCtx); err != nil {
			logging.Error(ctx, "realm stopped with error", zap.Error(err))
		}
	}()

	go func() {
		logging.Info(ctx, "gateway listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			stop()
		}
	}()

	<-runCtx.Done()
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Lands close their sessions first, then the transport drains, then the
	// HTTP listener stops accepting.
	realm.Shutdown(shutdownCtx)
	if err := wsTransport.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "transport shutdown failed", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logging.Error(ctx, "failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "gateway exited")
}

// guestSessionFactory mints a deterministic guest identity from the session
// id when authentication is skipped.
func guestSessionFactory(sessionID types.SessionID) *types.PlayerSession {
	id := string(sessionID)
	if len(id) > 8 {
		id = id[:8]
	}
	return &types.PlayerSession{
		PlayerID: types.PlayerID("guest-" + id),
		Guest:    true,
	}
}
