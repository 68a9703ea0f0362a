package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all server configuration, loaded from the environment.
type Config struct {
	Server  ServerConfig
	Tmux    TmuxConfig
	Resize  ResizeConfig
	Bridge  BridgeConfig
	Store   StoreConfig
	Logging LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `envconfig:"TABZMUX_HOST" default:"127.0.0.1"`
	Port int    `envconfig:"TABZMUX_PORT" default:"8129"`
}

// TmuxConfig holds settings for the tmux-backed process adapter.
type TmuxConfig struct {
	// SocketPath is the dedicated tmux socket. Empty means a per-user
	// default under the OS temp dir.
	SocketPath    string `envconfig:"TABZMUX_TMUX_SOCKET"`
	SessionPrefix string `envconfig:"TABZMUX_SESSION_PREFIX" default:"tabz-"`
	DefaultShell  string `envconfig:"TABZMUX_SHELL"`
	DefaultCols   int    `envconfig:"TABZMUX_COLS" default:"80"`
	DefaultRows   int    `envconfig:"TABZMUX_ROWS" default:"24"`
}

// ResizeConfig holds the resize coordinator tuning knobs. The defaults are
// tuned against tmux's redraw behavior; other multiplexers may need
// different values.
type ResizeConfig struct {
	// QuietPeriod is the minimum elapsed time since the last output byte
	// before a dimension change may be applied.
	QuietPeriod time.Duration `envconfig:"TABZMUX_RESIZE_QUIET" default:"500ms"`
	// MaxDeferrals bounds how many times a pending resize is re-checked
	// against the quiet period before it is dropped.
	MaxDeferrals int `envconfig:"TABZMUX_RESIZE_MAX_DEFERRALS" default:"10"`
	// Debounce gates how soon after an applied resize a corrective nudge
	// may fire.
	Debounce time.Duration `envconfig:"TABZMUX_RESIZE_DEBOUNCE" default:"250ms"`
	// NudgeHold is the gap between the shrink and restore steps of a
	// corrective nudge; output during this window is discarded.
	NudgeHold time.Duration `envconfig:"TABZMUX_RESIZE_NUDGE_HOLD" default:"100ms"`
	// SettleWindow is how long output to a freshly attached viewer is
	// buffered before release.
	SettleWindow time.Duration `envconfig:"TABZMUX_RESIZE_SETTLE" default:"1s"`
	// SweepInterval is how often the ownership router reconciles owner
	// sets against dead channels.
	SweepInterval time.Duration `envconfig:"TABZMUX_SWEEP_INTERVAL" default:"30s"`
}

// BridgeConfig holds the optional outbound gateway bridge configuration.
type BridgeConfig struct {
	GatewayURL string `envconfig:"TABZMUX_GATEWAY_URL"`
	Secret     string `envconfig:"TABZMUX_GATEWAY_SECRET"`
}

// StoreConfig holds registry persistence configuration.
type StoreConfig struct {
	// Path to the SQLite database file. Empty means ~/.tabzmux/state.db.
	Path string `envconfig:"TABZMUX_DB"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"TABZMUX_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"TABZMUX_LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8129},
		Tmux: TmuxConfig{
			SessionPrefix: "tabz-",
			DefaultCols:   80,
			DefaultRows:   24,
		},
		Resize: ResizeConfig{
			QuietPeriod:   500 * time.Millisecond,
			MaxDeferrals:  10,
			Debounce:      250 * time.Millisecond,
			NudgeHold:     100 * time.Millisecond,
			SettleWindow:  time.Second,
			SweepInterval: 30 * time.Second,
		},
		Logging: LogConfig{Level: "info"},
	}
}
