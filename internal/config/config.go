package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	// KickAfterDrops closes a connection after this many frames in a row
	// were dropped on a full send queue. Zero never kicks.
	KickAfterDrops int `mapstructure:"kick_after_drops"`

	Presence    PresenceConfig    `mapstructure:"presence"`
	JoinLimit   JoinLimitConfig   `mapstructure:"join_limit"`
	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	ICE         ICEConfig         `mapstructure:"ice"`
	Client      ClientConfig      `mapstructure:"client"`
}

type PresenceConfig struct {
	LivenessWindow  time.Duration `mapstructure:"liveness_window"`
	StalenessWindow time.Duration `mapstructure:"staleness_window"`
	PurgeInterval   time.Duration `mapstructure:"purge_interval"`
}

// JoinLimitConfig bounds join attempts per user within a sliding window.
type JoinLimitConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Window   time.Duration `mapstructure:"window"`
}

type NegotiationConfig struct {
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

type ICEConfig struct {
	STUNURLs       []string `mapstructure:"stun_urls"`
	TURNURLs       []string `mapstructure:"turn_urls"`
	TURNUsername   string   `mapstructure:"turn_username"`
	TURNCredential string   `mapstructure:"turn_credential"`
}

type ClientConfig struct {
	ServerURL   string        `mapstructure:"server_url"`
	JoinDelay   time.Duration `mapstructure:"join_delay"`
	RedialDelay time.Duration `mapstructure:"redial_delay"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("kick_after_drops", 32)

	v.SetDefault("presence.liveness_window", "5s")
	v.SetDefault("presence.staleness_window", "10s")
	v.SetDefault("presence.purge_interval", "5s")

	v.SetDefault("join_limit.attempts", 10)
	v.SetDefault("join_limit.window", "1s")

	v.SetDefault("negotiation.reconnect_delay", "2s")
	v.SetDefault("negotiation.max_reconnect_attempts", 3)

	v.SetDefault("ice.stun_urls", []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"})
	v.SetDefault("ice.turn_urls", []string{})
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_credential", "")

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.join_delay", "500ms")
	v.SetDefault("client.redial_delay", "2s")
}

// Load reads .env (if present), then config/config.<CONFIG_ENV>.yaml, then
// HUDDLE_* environment overrides.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Msg("config ready")
	return &cfg, nil
}

// Default returns the built-in configuration without touching files or env.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	var errs []error
	if c.Presence.LivenessWindow <= 0 {
		errs = append(errs, errors.New("presence.liveness_window must be positive"))
	}
	if c.Presence.StalenessWindow < c.Presence.LivenessWindow {
		errs = append(errs, errors.New("presence.staleness_window must not be shorter than liveness_window"))
	}
	if c.Negotiation.MaxReconnectAttempts <= 0 {
		errs = append(errs, errors.New("negotiation.max_reconnect_attempts must be positive"))
	}
	if c.Negotiation.ReconnectDelay < 0 {
		errs = append(errs, errors.New("negotiation.reconnect_delay must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Level maps log_level onto zerolog, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
