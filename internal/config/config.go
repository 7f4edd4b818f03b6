// Package config resolves marksync settings from flags, MARKSYNC_*
// environment variables, an optional config file and a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MARKSYNC"

const (
	KeyBaseURL        = "base-url"
	KeyToken          = "token"
	KeyReadOnly       = "read-only"
	KeyStorage        = "storage"
	KeySessionURL     = "session-url"
	KeySessionFile    = "session-file"
	KeyInterval       = "interval"
	KeyIntervalJitter = "interval-jitter"
	KeyTimeout        = "timeout"
	KeyDebounce       = "debounce"
	KeyLogFile        = "log-file"
	KeyListen         = "listen"
	KeyAPIToken       = "api-token"
	KeyAPIRateLimit   = "api-rate-limit"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8080"
	DefaultStorage        = "file://marksync.json"
	DefaultInterval       = 5 * time.Minute
	DefaultIntervalJitter = 0.2
	DefaultTimeout        = 15 * time.Second
	DefaultDebounce       = 100 * time.Millisecond
	DefaultAPIRateLimit   = 30
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	BaseURL        string
	Token          string
	ReadOnly       bool
	Storage        string
	SessionURL     string
	SessionFile    string
	Interval       time.Duration
	IntervalJitter float64
	Timeout        time.Duration
	Debounce       time.Duration
	LogFile        string
	Listen         string
	APIToken       string
	APIRateLimit   int
}

// RegisterFlags declares one flag per key. Flags override every other
// source once bound with Bind.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyBaseURL, DefaultBaseURL, "bookmark service base URL")
	flags.String(KeyToken, "", "session bearer token")
	flags.Bool(KeyReadOnly, false, "never change remote bookmarks")
	flags.String(KeyStorage, DefaultStorage, "storage DSN (file://, memory://, sqlite://, postgres://)")
	flags.String(KeySessionURL, "", "websocket URL pushing login state changes")
	flags.String(KeySessionFile, "", "JSON file holding the current session")
	flags.Duration(KeyInterval, DefaultInterval, "refresh interval")
	flags.Float64(KeyIntervalJitter, DefaultIntervalJitter, "refresh interval jitter ratio (0.0-1.0)")
	flags.Duration(KeyTimeout, DefaultTimeout, "remote request timeout")
	flags.Duration(KeyDebounce, DefaultDebounce, "quiet window for session changes and writes")
	flags.String(KeyLogFile, "", "also log to this file, rotated")
	flags.String(KeyListen, "", "serve the local status API on this address (run only)")
	flags.String(KeyAPIToken, "", "bearer token required by the local status API")
	flags.Int(KeyAPIRateLimit, DefaultAPIRateLimit, "refresh requests per minute per client, 0 disables")
}

// New returns a viper instance reading MARKSYNC_* variables on top of the
// defaults. Dashes in keys map to underscores.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyBaseURL, DefaultBaseURL)
	v.SetDefault(KeyStorage, DefaultStorage)
	v.SetDefault(KeyInterval, DefaultInterval)
	v.SetDefault(KeyIntervalJitter, DefaultIntervalJitter)
	v.SetDefault(KeyTimeout, DefaultTimeout)
	v.SetDefault(KeyDebounce, DefaultDebounce)
	v.SetDefault(KeyAPIRateLimit, DefaultAPIRateLimit)
	return v
}

func Bind(v *viper.Viper, flags *pflag.FlagSet) error {
	return v.BindPFlags(flags)
}

// LoadDotEnv loads variables from the given files, skipping missing ones.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads the optional config file and resolves the settings.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile = strings.TrimSpace(configFile); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	cfg := Config{
		BaseURL:        strings.TrimSpace(v.GetString(KeyBaseURL)),
		Token:          strings.TrimSpace(v.GetString(KeyToken)),
		ReadOnly:       v.GetBool(KeyReadOnly),
		Storage:        strings.TrimSpace(v.GetString(KeyStorage)),
		SessionURL:     strings.TrimSpace(v.GetString(KeySessionURL)),
		SessionFile:    strings.TrimSpace(v.GetString(KeySessionFile)),
		Interval:       v.GetDuration(KeyInterval),
		IntervalJitter: v.GetFloat64(KeyIntervalJitter),
		Timeout:        v.GetDuration(KeyTimeout),
		Debounce:       v.GetDuration(KeyDebounce),
		LogFile:        strings.TrimSpace(v.GetString(KeyLogFile)),
		Listen:         strings.TrimSpace(v.GetString(KeyListen)),
		APIToken:       strings.TrimSpace(v.GetString(KeyAPIToken)),
		APIRateLimit:   v.GetInt(KeyAPIRateLimit),
	}
	return cfg.Validate()
}

// Validate fills unset or non-positive values with defaults and clamps the
// jitter ratio.
func (c Config) Validate() (Config, error) {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return Config{}, fmt.Errorf("%w: base-url %q must be an http(s) URL", ErrInvalidConfig, c.BaseURL)
	}
	if c.SessionURL != "" && c.SessionFile != "" {
		return Config{}, fmt.Errorf("%w: session-url and session-file are mutually exclusive", ErrInvalidConfig)
	}
	if c.Storage == "" {
		c.Storage = DefaultStorage
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.APIRateLimit < 0 {
		c.APIRateLimit = 0
	}
	c.IntervalJitter = ClampJitterRatio(c.IntervalJitter)
	return c, nil
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
