package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Server holds the server process settings, read from the environment
type Server struct {
	Port             string
	DatabaseURL      string
	JWTSecret        string
	CORSOrigins      string
	LogLevel         string
	LogDev           bool
	RedisURL         string
	SessionQueueSize int
	RPCRateLimit     int
	HistoryRateLimit int
	MetricsEnabled   bool
}

const (
	defaultPort             = "8080"
	defaultCORSOrigins      = "http://localhost:3000"
	defaultSessionQueueSize = 256
	defaultRPCRateLimit     = 30
	defaultHistoryRateLimit = 100
)

// LoadServer loads .env if present, then reads the environment
func LoadServer() (*Server, bool, error) {
	dotenv := godotenv.Load() == nil

	cfg := &Server{
		Port:             getenv("PORT", defaultPort),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CORSOrigins:      getenv("CORS_ORIGINS", defaultCORSOrigins),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		RedisURL:         os.Getenv("REDIS_URL"),
		SessionQueueSize: defaultSessionQueueSize,
		RPCRateLimit:     defaultRPCRateLimit,
		HistoryRateLimit: defaultHistoryRateLimit,
		MetricsEnabled:   true,
	}

	var err error
	if cfg.LogDev, err = parseBool("LOG_DEV", false); err != nil {
		return nil, dotenv, err
	}
	if cfg.MetricsEnabled, err = parseBool("METRICS_ENABLED", true); err != nil {
		return nil, dotenv, err
	}
	if cfg.SessionQueueSize, err = parseInt("SESSION_QUEUE_SIZE", defaultSessionQueueSize); err != nil {
		return nil, dotenv, err
	}
	if cfg.RPCRateLimit, err = parseInt("RPC_RATE_LIMIT", defaultRPCRateLimit); err != nil {
		return nil, dotenv, err
	}
	if cfg.HistoryRateLimit, err = parseInt("HISTORY_RATE_LIMIT", defaultHistoryRateLimit); err != nil {
		return nil, dotenv, err
	}

	return cfg, dotenv, cfg.Validate()
}

func (c *Server) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.SessionQueueSize < 1 {
		return fmt.Errorf("SESSION_QUEUE_SIZE must be positive, got %d", c.SessionQueueSize)
	}
	if c.RPCRateLimit < 1 {
		return fmt.Errorf("RPC_RATE_LIMIT must be positive, got %d", c.RPCRateLimit)
	}
	if c.HistoryRateLimit < 1 {
		return fmt.Errorf("HISTORY_RATE_LIMIT must be positive, got %d", c.HistoryRateLimit)
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func parseInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}
