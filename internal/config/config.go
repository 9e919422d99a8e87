package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/bobarin/reelworks/internal/models"
	"github.com/bobarin/reelworks/internal/services"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	WorkerConcurrency  int
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Logging
	LogLevel  string
	LogPretty bool

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Provider
	VideoProvider            string // "vertex" or "gemini"
	GoogleCloudProject       string // overrides the project discovered from credentials
	VertexLocation           string
	VertexBaseURL            string
	VertexCredentialsEnabled bool // false forces dry-run rendering
	GeminiKey                string

	// Render client discipline
	RenderMaxConcurrency int
	RenderMinSpacing     time.Duration
	TokenRefreshMargin   time.Duration
	PredictBackoff       []time.Duration
	FetchBackoff         []time.Duration
	PollBackoff          []time.Duration
	RateLimitedPollDelay time.Duration

	// Quota meter
	QuotaWindow    time.Duration
	QuotaSoftLimit int

	OperationLogCapacity int

	// Artifacts
	ArtifactBucket        string // empty = local disk only
	ArtifactPublicBaseURL string
	ArtifactOutputDir     string
	ArtifactLocalBaseURL  string
	DownloadTimeout       time.Duration
	DownloadRetries       int

	// Tiers
	DefaultTier string
	Tiers       map[string]models.Tier
}

// DefaultTiers is the built-in quality/cost table.
var DefaultTiers = map[string]models.Tier{
	"fast":     {Name: "fast", Model: "veo-3.0-fast-generate-001", RatePerSecondUSD: 0.15, MaxClipSeconds: 8},
	"standard": {Name: "standard", Model: "veo-3.0-generate-001", RatePerSecondUSD: 0.40, MaxClipSeconds: 8},
	"premium":  {Name: "premium", Model: "veo-3.1-generate-preview", RatePerSecondUSD: 0.75, MaxClipSeconds: 8},
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	port := getEnv("API_PORT", "8080")

	cfg := &Config{
		APIPort:                  port,
		WorkerEnabled:            getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:        getEnvInt("WORKER_CONCURRENCY", 4),
		BackendAPIKey:            getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:       getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
		LogPretty:                getEnvBool("LOG_PRETTY", false),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379"),
		VideoProvider:            strings.ToLower(getEnv("VIDEO_PROVIDER", "vertex")),
		GoogleCloudProject:       getEnv("GOOGLE_CLOUD_PROJECT", ""),
		VertexLocation:           getEnv("VERTEX_LOCATION", "us-central1"),
		VertexBaseURL:            getEnv("VERTEX_BASE_URL", ""),
		VertexCredentialsEnabled: getEnvBool("VERTEX_CREDENTIALS_ENABLED", true),
		GeminiKey:                getEnv("GEMINI_API_KEY", ""),
		RenderMaxConcurrency:     getEnvInt("RENDER_MAX_CONCURRENCY", 2),
		RenderMinSpacing:         time.Duration(getEnvInt("RENDER_MIN_SPACING_MS", 1500)) * time.Millisecond,
		TokenRefreshMargin:       time.Duration(getEnvInt("TOKEN_REFRESH_MARGIN_SECONDS", 30)) * time.Second,
		PredictBackoff:           getEnvDurations("PREDICT_BACKOFF_SECONDS", []time.Duration{10 * time.Second, 30 * time.Second}),
		FetchBackoff:             getEnvDurations("FETCH_BACKOFF_SECONDS", []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 30 * time.Second}),
		PollBackoff:              getEnvDurations("POLL_BACKOFF_SECONDS", []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}),
		RateLimitedPollDelay:     time.Duration(getEnvInt("RATE_LIMITED_POLL_DELAY_SECONDS", 90)) * time.Second,
		QuotaWindow:              time.Duration(getEnvInt("QUOTA_WINDOW_SECONDS", 60)) * time.Second,
		QuotaSoftLimit:           getEnvInt("QUOTA_SOFT_LIMIT", 8),
		OperationLogCapacity:     getEnvInt("OPERATION_LOG_CAPACITY", 500),
		ArtifactBucket:           getEnv("ARTIFACT_BUCKET", ""),
		ArtifactPublicBaseURL:    getEnv("ARTIFACT_PUBLIC_BASE_URL", ""),
		ArtifactOutputDir:        getEnv("ARTIFACT_OUTPUT_DIR", "./data/media"),
		ArtifactLocalBaseURL:     getEnv("ARTIFACT_LOCAL_BASE_URL", "http://localhost:"+port+"/media"),
		DownloadTimeout:          time.Duration(getEnvInt("DOWNLOAD_TIMEOUT_SECONDS", 120)) * time.Second,
		DownloadRetries:          getEnvInt("DOWNLOAD_RETRIES", 3),
		DefaultTier:              strings.ToLower(getEnv("DEFAULT_TIER", "standard")),
		Tiers:                    DefaultTiers,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.VideoProvider != "vertex" && cfg.VideoProvider != "gemini" {
		return nil, fmt.Errorf("VIDEO_PROVIDER must be vertex or gemini, got %q", cfg.VideoProvider)
	}

	if _, ok := cfg.Tiers[cfg.DefaultTier]; !ok {
		return nil, fmt.Errorf("DEFAULT_TIER %q is not a known tier", cfg.DefaultTier)
	}

	backoffs := []struct {
		key   string
		steps []time.Duration
	}{
		{"PREDICT_BACKOFF_SECONDS", cfg.PredictBackoff},
		{"FETCH_BACKOFF_SECONDS", cfg.FetchBackoff},
		{"POLL_BACKOFF_SECONDS", cfg.PollBackoff},
	}
	for _, b := range backoffs {
		if err := services.NewBackoff(b.steps).Validate(); err != nil {
			return nil, fmt.Errorf("%s must not decrease: %w", b.key, err)
		}
	}

	if cfg.DownloadRetries < 1 {
		cfg.DownloadRetries = 1
	}

	return cfg, nil
}

// Tier resolves a tier by name, falling back to the default tier for "".
func (c *Config) Tier(name string) (models.Tier, error) {
	if name == "" {
		name = c.DefaultTier
	}
	tier, ok := c.Tiers[strings.ToLower(name)]
	if !ok {
		return models.Tier{}, fmt.Errorf("unknown tier %q", name)
	}
	return tier, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurations parses a comma-separated list of seconds, e.g. "2,4,8".
// A malformed or non-positive entry discards the whole value.
func getEnvDurations(key string, defaultValue []time.Duration) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		secs, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || secs <= 0 {
			return defaultValue
		}
		out = append(out, time.Duration(secs*float64(time.Second)))
	}
	return out
}
