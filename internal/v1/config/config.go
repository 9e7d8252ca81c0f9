package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port string

	// Optional variables with defaults
	GoEnv    string
	LogLevel string

	// Auth
	AuthDomain      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Redis (optional, rate-limit store)
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits (ulule formatted rates, M = minute, H = hour)
	RateLimitWsIP     string
	RateLimitWsPlayer string

	// Sync fabric
	SyncInterval        time.Duration
	MessageEncoding     string
	StateUpdateEncoding string
	EnableDirtyTracking bool
	UseSnapshotForSync  bool
	ExpectedSchemaHash  string

	// Parallel encoding
	ParallelEncodingEnabled    bool
	ParallelEncodingMinPlayers int
	ParallelEncodingBatchSize  int

	// Adaptive dirty tracking
	AutoDirtyEnabled      bool
	AutoDirtyOnThreshold  float64
	AutoDirtyOffThreshold float64
	AutoDirtySamples      int

	// Lifecycle webhook (optional)
	NotifyWebhookURL string

	// Tracing (optional)
	OtelCollectorAddr string
}

// ValidateEnv validates all required environment variables and returns a Config object.
// Returns an error if any required variable is missing or invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errs = append(errs, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Conditional: REDIS_ADDR (used when REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsPlayer = getEnvOrDefault("RATE_LIMIT_WS_PLAYER", "10-M")

	// Sync fabric
	syncMs, err := getEnvInt("SYNC_INTERVAL_MS", 100)
	if err != nil {
		errs = append(errs, err.Error())
	} else if syncMs < 10 {
		errs = append(errs, fmt.Sprintf("SYNC_INTERVAL_MS must be >= 10 (got %d)", syncMs))
	}
	cfg.SyncInterval = time.Duration(syncMs) * time.Millisecond

	cfg.MessageEncoding = getEnvOrDefault("MESSAGE_ENCODING", "json")
	cfg.StateUpdateEncoding = getEnvOrDefault("STATE_UPDATE_ENCODING", "json")
	if !validMessageEncoding(cfg.MessageEncoding) {
		errs = append(errs, fmt.Sprintf("MESSAGE_ENCODING must be one of json, opcode-json, opcode-msgpack (got '%s')", cfg.MessageEncoding))
	}
	if !validStateEncoding(cfg.StateUpdateEncoding) {
		errs = append(errs, fmt.Sprintf("STATE_UPDATE_ENCODING must be one of json, opcode-json, opcode-json-legacy, opcode-msgpack (got '%s')", cfg.StateUpdateEncoding))
	}

	cfg.EnableDirtyTracking = getEnvOrDefault("ENABLE_DIRTY_TRACKING", "true") == "true"
	cfg.UseSnapshotForSync = os.Getenv("USE_SNAPSHOT_FOR_SYNC") == "true"
	cfg.ExpectedSchemaHash = os.Getenv("EXPECTED_SCHEMA_HASH")

	cfg.ParallelEncodingEnabled = os.Getenv("PARALLEL_ENCODING") == "true"
	if cfg.ParallelEncodingMinPlayers, err = getEnvInt("PARALLEL_ENCODING_MIN_PLAYERS", 8); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ParallelEncodingBatchSize, err = getEnvInt("PARALLEL_ENCODING_BATCH_SIZE", 8); err != nil {
		errs = append(errs, err.Error())
	}

	cfg.AutoDirtyEnabled = os.Getenv("AUTO_DIRTY_TRACKING") == "true"
	if cfg.AutoDirtyOnThreshold, err = getEnvFloat("AUTO_DIRTY_ON_THRESHOLD", 0.30); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.AutoDirtyOffThreshold, err = getEnvFloat("AUTO_DIRTY_OFF_THRESHOLD", 0.55); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.AutoDirtySamples, err = getEnvInt("AUTO_DIRTY_SAMPLES", 30); err != nil {
		errs = append(errs, err.Error())
	}

	cfg.NotifyWebhookURL = os.Getenv("NOTIFY_WEBHOOK_URL")
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

func validMessageEncoding(enc string) bool {
	switch enc {
	case "json", "opcode-json", "opcode-msgpack":
		return true
	}
	return false
}

func validStateEncoding(enc string) bool {
	switch enc {
	case "json", "opcode-json", "opcode-json-legacy", "opcode-msgpack":
		return true
	}
	return false
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"redis_enabled", cfg.RedisEnabled,
		"sync_interval", cfg.SyncInterval,
		"message_encoding", cfg.MessageEncoding,
		"state_update_encoding", cfg.StateUpdateEncoding,
		"dirty_tracking", cfg.EnableDirtyTracking,
		"parallel_encoding", cfg.ParallelEncodingEnabled,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got '%s')", key, value)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number (got '%s')", key, value)
	}
	return f, nil
}
