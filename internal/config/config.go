// Package config loads the process configuration from the closed set of
// environment variables this service recognizes. There is no config file
// beyond an optional .env file that seeds those env vars; they and their
// defaults are read once at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Port     int
	Host     string
	Password string

	DatabaseURL string

	Debug    bool
	LogLevel string
	TZ       string
	Location *time.Location

	QwenOAuthBaseURL           string
	QwenOAuthDeviceCodeURL     string
	QwenOAuthTokenURL          string
	QwenOAuthClientID          string
	QwenOAuthScope             string
	QwenOAuthGrantType         string
	QwenAPIEndpoint            string
	TokenRefreshIntervalMinute int
	SchedulerEnabled           bool
}

const (
	defaultPort            = 3008
	defaultHost            = "0.0.0.0"
	defaultPassword        = "change-me"
	defaultDatabaseURL     = "data/tokens.db"
	defaultLogLevel        = "info"
	defaultTZ              = "Asia/Shanghai"
	defaultOAuthBaseURL    = "https://chat.qwen.ai"
	defaultOAuthClientID   = "f0304373b74a44d2b584a3fb70ca9e56"
	defaultOAuthScope      = "openid profile email model.completion"
	defaultOAuthGrantType  = "urn:ietf:params:oauth:grant-type:device_code"
	defaultAPIEndpoint     = "https://portal.qwen.ai/v1/chat/completions"
	defaultRefreshInterval = 30
)

// Load reads .env (if present) then resolves every recognized env var,
// falling back to the documented defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	baseURL := lookupEnv("QWEN_OAUTH_BASE_URL", defaultOAuthBaseURL)

	cfg := &Config{
		Port:     lookupEnvInt("PORT", defaultPort),
		Host:     lookupEnv("HOST", defaultHost),
		Password: lookupEnv("API_PASSWORD", defaultPassword),

		DatabaseURL: lookupEnv("DATABASE_URL", defaultDatabaseURL),

		Debug:    lookupEnvBool("DEBUG", false),
		LogLevel: lookupEnv("LOG_LEVEL", defaultLogLevel),
		TZ:       lookupEnv("TZ", defaultTZ),

		QwenOAuthBaseURL:       baseURL,
		QwenOAuthDeviceCodeURL: strings.TrimRight(baseURL, "/") + "/api/v1/oauth2/device/code",
		QwenOAuthTokenURL:      strings.TrimRight(baseURL, "/") + "/api/v1/oauth2/token",
		QwenOAuthClientID:      lookupEnv("QWEN_OAUTH_CLIENT_ID", defaultOAuthClientID),
		QwenOAuthScope:         lookupEnv("QWEN_OAUTH_SCOPE", defaultOAuthScope),
		QwenOAuthGrantType:     defaultOAuthGrantType,
		QwenAPIEndpoint:        lookupEnv("QWEN_API_ENDPOINT", defaultAPIEndpoint),

		TokenRefreshIntervalMinute: lookupEnvInt("TOKEN_REFRESH_INTERVAL", defaultRefreshInterval),
		SchedulerEnabled:           lookupEnvBool("SCHEDULER_ENABLED", true),
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid TZ %q: %w", cfg.TZ, err)
	}
	cfg.Location = loc

	return cfg, nil
}

func lookupEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func lookupEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func lookupEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true")
}
