package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8129, cfg.Server.Port)
	assert.Equal(t, "tabz-", cfg.Tmux.SessionPrefix)
	assert.Equal(t, 80, cfg.Tmux.DefaultCols)
	assert.Equal(t, 24, cfg.Tmux.DefaultRows)
	assert.Equal(t, 500*time.Millisecond, cfg.Resize.QuietPeriod)
	assert.Equal(t, 10, cfg.Resize.MaxDeferrals)
	assert.Equal(t, 250*time.Millisecond, cfg.Resize.Debounce)
	assert.Equal(t, time.Second, cfg.Resize.SettleWindow)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TABZMUX_PORT", "9001")
	t.Setenv("TABZMUX_RESIZE_QUIET", "750ms")
	t.Setenv("TABZMUX_SESSION_PREFIX", "work-")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Resize.QuietPeriod)
	assert.Equal(t, "work-", cfg.Tmux.SessionPrefix)
}

func TestDefaultMatchesEnvDefaults(t *testing.T) {
	loaded, err := Load()
	require.NoError(t, err)

	d := Default()
	assert.Equal(t, d.Server, loaded.Server)
	assert.Equal(t, d.Tmux, loaded.Tmux)
	assert.Equal(t, d.Resize, loaded.Resize)
	assert.Equal(t, d.Logging, loaded.Logging)
}
