package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/reelworks")
	t.Setenv("API_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "vertex", cfg.VideoProvider)
	assert.Equal(t, "standard", cfg.DefaultTier)
	assert.Equal(t, 3, cfg.DownloadRetries)
	assert.Equal(t, 90*time.Second, cfg.RateLimitedPollDelay)
	assert.Equal(t, "http://localhost:9090/media", cfg.ArtifactLocalBaseURL)
	assert.Equal(t, []time.Duration{30 * time.Second, 30 * time.Second, 30 * time.Second}, cfg.PollBackoff)
}

func TestLoad_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_RejectsUnknownProvider(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/reelworks")
	t.Setenv("VIDEO_PROVIDER", "sora")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RejectsShrinkingBackoff(t *testing.T) {
	for _, key := range []string{"PREDICT_BACKOFF_SECONDS", "FETCH_BACKOFF_SECONDS", "POLL_BACKOFF_SECONDS"} {
		t.Run(key, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "postgres://localhost/reelworks")
			t.Setenv(key, "30,10")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/reelworks")
	t.Setenv("VIDEO_PROVIDER", "Gemini")
	t.Setenv("DEFAULT_TIER", "premium")
	t.Setenv("PREDICT_BACKOFF_SECONDS", "1, 2.5")
	t.Setenv("RENDER_MIN_SPACING_MS", "250")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gemini", cfg.VideoProvider)
	assert.Equal(t, []time.Duration{time.Second, 2500 * time.Millisecond}, cfg.PredictBackoff)
	assert.Equal(t, 250*time.Millisecond, cfg.RenderMinSpacing)

	tier, err := cfg.Tier("")
	require.NoError(t, err)
	assert.Equal(t, "premium", tier.Name)

	_, err = cfg.Tier("ultra")
	assert.Error(t, err)
}

func TestGetEnvDurations_FallsBackOnBadInput(t *testing.T) {
	def := []time.Duration{time.Second}

	t.Setenv("X_BACKOFF", "2,nope")
	assert.Equal(t, def, getEnvDurations("X_BACKOFF", def))

	t.Setenv("X_BACKOFF", "0")
	assert.Equal(t, def, getEnvDurations("X_BACKOFF", def))
}
