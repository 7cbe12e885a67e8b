package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Aurinko.DaysWithin)
	assert.Equal(t, time.Second, cfg.Sync.GetWindowPollInterval())
	assert.Equal(t, 30, cfg.Sync.WindowMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Sync.GetPollInterval())
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "/var/lib/mailsync/mail.db"

[sync]
poll_interval = "2m"
window_max_attempts = 5
max_malformed_ratio = 0.2

[logging]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/mailsync/mail.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Minute, cfg.Sync.GetPollInterval())
	assert.Equal(t, 5, cfg.Sync.WindowMaxAttempts)
	assert.InDelta(t, 0.2, cfg.Sync.MaxMalformedRatio, 1e-9)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched sections keep their defaults
	assert.Equal(t, "https://api.aurinko.io/v1", cfg.Aurinko.BaseURL)
	assert.Equal(t, "MAIL_INDEX", cfg.NATS.Stream)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Database.Path, cfg.Database.Path)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
[sync]
poll_interval = "soon"
max_malformed_ratio = 1.5
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync.poll_interval")
	assert.Contains(t, err.Error(), "max_malformed_ratio")
}

func TestLoadRejectsInvalidTOML(t *testing.T) {
	path := writeConfig(t, "[sync\npoll_interval = ")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("MAILSYNC_AURINKO_CLIENT_SECRET", " s3cret ")
	t.Setenv("MAILSYNC_DATABASE_PATH", "/tmp/override.db")
	t.Setenv("MAILSYNC_AURINKO_DAYS_WITHIN", "7")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "s3cret", cfg.Aurinko.ClientSecret)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 7, cfg.Aurinko.DaysWithin)
}

func TestRetryCountExcludesFirstAttempt(t *testing.T) {
	cases := map[int]int{4: 3, 1: 0, 0: 0, -2: 0}
	for attempts, want := range cases {
		s := SyncConfig{RetryMaxAttempts: attempts}
		assert.Equal(t, want, s.GetRetryCount(), "attempts=%d", attempts)
	}
	assert.Equal(t, 3, DefaultConfig().Sync.GetRetryCount())
}
