package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"CHAT_API_KEY",
		"CHAT_BASE_URL",
		"CHAT_WS_URL",
		"CHAT_USER_ID",
		"CHAT_USER_TOKEN",
		"ENVIRONMENT",
		"ENABLE_WS_FALLBACK",
		"WS_CONNECT_TIMEOUT",
		"WS_CONNECT_TIMEOUT_WITH_FALLBACK",
		"HEALTH_CHECK_INTERVAL",
		"UNHEALTHY_AFTER",
		"MAX_RECONNECT_ATTEMPTS",
		"RECOVER_STATE_ON_RECONNECT",
		"LOCK_CHANNEL_ORDER",
		"ABORT_IN_FLIGHT_QUERY",
		"STATE_PATH",
		"QUERY_PROFILE",
		"METRICS_ADDR",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setCredentialEnv sets the minimum env vars for a valid config.
func setCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAT_API_KEY", "key123")
	t.Setenv("CHAT_USER_ID", "alice")
	t.Setenv("CHAT_USER_TOKEN", "tok")
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setCredentialEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "key123", cfg.APIKey)
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "wss://chat.example.com/connect", cfg.WSURL)
	assert.True(t, cfg.EnableWSFallback)
	assert.Equal(t, 15*time.Second, cfg.WSConnectTimeout)
	assert.Equal(t, 6*time.Second, cfg.WSConnectTimeoutWithFallback)
	assert.Equal(t, 25*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 35*time.Second, cfg.UnhealthyAfter)
	assert.Equal(t, 20, cfg.MaxReconnectAttempts)
	assert.True(t, cfg.RecoverStateOnReconnect)
	assert.False(t, cfg.LockChannelOrder)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_ExplicitWSURLKept(t *testing.T) {
	clearConfigEnv(t)
	setCredentialEnv(t)
	t.Setenv("CHAT_WS_URL", "ws://localhost:9000/custom")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9000/custom", cfg.WSURL)
}

func TestLoad_MissingCredentials(t *testing.T) {
	tests := []struct {
		name    string
		unset   string
		wantErr string
	}{
		{"api key", "CHAT_API_KEY", "CHAT_API_KEY is required"},
		{"user id", "CHAT_USER_ID", "CHAT_USER_ID is required"},
		{"token", "CHAT_USER_TOKEN", "CHAT_USER_TOKEN is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setCredentialEnv(t)
			t.Setenv(tt.unset, "")

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_RejectsUnhealthyBeforeInterval(t *testing.T) {
	clearConfigEnv(t)
	setCredentialEnv(t)
	t.Setenv("HEALTH_CHECK_INTERVAL", "30s")
	t.Setenv("UNHEALTHY_AFTER", "10s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNHEALTHY_AFTER")
}

func TestLoad_RejectsZeroReconnectAttempts(t *testing.T) {
	clearConfigEnv(t)
	setCredentialEnv(t)
	t.Setenv("MAX_RECONNECT_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RECONNECT_ATTEMPTS")
}

func TestLoad_ResolvesProfilePath(t *testing.T) {
	clearConfigEnv(t)
	setCredentialEnv(t)
	t.Setenv("QUERY_PROFILE", "profile.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.QueryProfile))
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://chat.example.com", "wss://chat.example.com/connect"},
		{"http://localhost:8080/", "ws://localhost:8080/connect"},
		{"https://edge.example.com/v2", "wss://edge.example.com/v2/connect"},
	}
	for _, tt := range tests {
		got, err := DeriveWSURL(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := DeriveWSURL("ftp://x")
	assert.Error(t, err)
}

func TestConnectTimeout(t *testing.T) {
	cfg := &Config{WSConnectTimeout: 15 * time.Second, WSConnectTimeoutWithFallback: 6 * time.Second}
	assert.Equal(t, 15*time.Second, cfg.ConnectTimeout())

	cfg.EnableWSFallback = true
	assert.Equal(t, 6*time.Second, cfg.ConnectTimeout())
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Environment: "production"}).IsProduction())
	assert.False(t, (&Config{Environment: "development"}).IsProduction())
}

func TestReloadUserToken(t *testing.T) {
	t.Run("env file wins", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("CHAT_USER_TOKEN", "startup")

		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CHAT_USER_TOKEN=rotated\n"), 0o600))
		t.Chdir(dir)

		tok, err := ReloadUserToken()
		require.NoError(t, err)
		assert.Equal(t, "rotated", tok)
	})

	t.Run("falls back to environment", func(t *testing.T) {
		clearConfigEnv(t)
		t.Setenv("CHAT_USER_TOKEN", "startup")
		t.Chdir(t.TempDir())

		tok, err := ReloadUserToken()
		require.NoError(t, err)
		assert.Equal(t, "startup", tok)
	})

	t.Run("missing", func(t *testing.T) {
		clearConfigEnv(t)
		t.Chdir(t.TempDir())

		_, err := ReloadUserToken()
		assert.Error(t, err)
	})
}
