package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"livescribe/internal/domain"
)

const DefaultRealtimeURL = "wss://api.assemblyai.com/v2/realtime/ws"

// Config stores runtime configuration for the transcription hosts.
type Config struct {
	AssemblyAI AssemblyAIConfig `yaml:"assemblyai"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Sentry     SentryConfig     `yaml:"sentry"`
}

type AssemblyAIConfig struct {
	// APIKey is never read from the YAML overlay.
	APIKey      string `yaml:"-"`
	RealtimeURL string `yaml:"realtime_url"`
}

type AudioConfig struct {
	FFMPEGCommand string        `yaml:"ffmpeg_command"`
	InputFormat   string        `yaml:"input_format"`
	InputDevice   string        `yaml:"input_device"`
	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
	SliceInterval time.Duration `yaml:"slice_interval"`
}

type SessionConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	AuthTimeout          time.Duration `yaml:"auth_timeout"`
	Backoff              time.Duration `yaml:"backoff"`
	MaxBackoff           time.Duration `yaml:"max_backoff"`
	// BackoffMultiplier grows the delay per attempt; 1 keeps it fixed.
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	PendingFrames        int           `yaml:"pending_frames"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		AssemblyAI: AssemblyAIConfig{RealtimeURL: DefaultRealtimeURL},
		Audio: AudioConfig{
			FFMPEGCommand: "ffmpeg",
			InputFormat:   "pulse",
			InputDevice:   "default",
			SampleRate:    16000,
			Channels:      1,
			SliceInterval: 250 * time.Millisecond,
		},
		Session: SessionConfig{
			AuthTimeout:       5 * time.Second,
			Backoff:           500 * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2,
			PendingFrames:     20,
		},
		Server: ServerConfig{HTTPAddr: ":8090"},
		Log:    LogConfig{Level: "info"},
		Sentry: SentryConfig{Environment: "development"},
	}
}

// Load resolves configuration from defaults, an optional YAML file named by
// LIVESCRIBE_CONFIG_FILE, a .env file and environment variables, in
// increasing order of precedence.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("LIVESCRIBE_CONFIG_FILE")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	apiKey, err := loadAPIKey()
	if err != nil {
		return Config{}, err
	}
	cfg.AssemblyAI.APIKey = apiKey
	cfg.AssemblyAI.RealtimeURL = envOrDefault("ASSEMBLYAI_REALTIME_URL", cfg.AssemblyAI.RealtimeURL)

	cfg.Audio.FFMPEGCommand = envOrDefault("LIVESCRIBE_FFMPEG_COMMAND", cfg.Audio.FFMPEGCommand)
	cfg.Audio.InputFormat = envOrDefault("LIVESCRIBE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("LIVESCRIBE_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("LIVESCRIBE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("LIVESCRIBE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.SliceInterval = envOrDefaultMillis("LIVESCRIBE_SLICE_MS", cfg.Audio.SliceInterval)

	cfg.Session.MaxReconnectAttempts = envOrDefaultInt("LIVESCRIBE_MAX_RECONNECTS", cfg.Session.MaxReconnectAttempts)
	cfg.Session.AuthTimeout = envOrDefaultMillis("LIVESCRIBE_AUTH_TIMEOUT_MS", cfg.Session.AuthTimeout)
	cfg.Session.Backoff = envOrDefaultMillis("LIVESCRIBE_BACKOFF_MS", cfg.Session.Backoff)
	cfg.Session.MaxBackoff = envOrDefaultMillis("LIVESCRIBE_MAX_BACKOFF_MS", cfg.Session.MaxBackoff)
	cfg.Session.BackoffMultiplier = envOrDefaultFloat("LIVESCRIBE_BACKOFF_MULTIPLIER", cfg.Session.BackoffMultiplier)
	cfg.Session.PendingFrames = envOrDefaultInt("LIVESCRIBE_PENDING_FRAMES", cfg.Session.PendingFrames)

	cfg.Server.HTTPAddr = envOrDefault("LIVESCRIBE_HTTP_ADDR", cfg.Server.HTTPAddr)
	cfg.Log.Level = envOrDefault("LIVESCRIBE_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = envOrDefaultBool("LIVESCRIBE_DEV_LOGGING", cfg.Log.Development)
	cfg.Sentry.DSN = envOrDefault("SENTRY_DSN", cfg.Sentry.DSN)
	cfg.Sentry.Environment = envOrDefault("LIVESCRIBE_ENVIRONMENT", cfg.Sentry.Environment)

	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	if err := decodeYAML(cfg, f); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

func decodeYAML(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func loadAPIKey() (string, error) {
	if key := strings.TrimSpace(os.Getenv("ASSEMBLYAI_API_KEY")); key != "" {
		return key, nil
	}
	path := strings.TrimSpace(os.Getenv("ASSEMBLYAI_API_KEY_FILE"))
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: read api key file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Validate checks that cfg can start a transcription session. Every problem
// is reported, wrapped in domain.ErrConfiguration.
func (c Config) Validate() error {
	var errs []error

	if c.AssemblyAI.APIKey == "" {
		errs = append(errs, errors.New("ASSEMBLYAI_API_KEY or ASSEMBLYAI_API_KEY_FILE is required"))
	}
	if parsed, err := url.Parse(c.AssemblyAI.RealtimeURL); err != nil || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("assemblyai.realtime_url %q is invalid", c.AssemblyAI.RealtimeURL))
	} else if parsed.Query().Has("token") {
		errs = append(errs, errors.New("assemblyai.realtime_url must not carry a token"))
	}
	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", c.Audio.SampleRate))
	}
	if c.Audio.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", c.Audio.Channels))
	}
	if c.Audio.SliceInterval <= 0 {
		errs = append(errs, fmt.Errorf("audio.slice_interval %s must be positive", c.Audio.SliceInterval))
	}
	if c.Session.MaxReconnectAttempts < 0 {
		errs = append(errs, fmt.Errorf("session.max_reconnect_attempts %d must not be negative", c.Session.MaxReconnectAttempts))
	}
	if c.Session.PendingFrames < 0 {
		errs = append(errs, fmt.Errorf("session.pending_frames %d must not be negative", c.Session.PendingFrames))
	}
	if c.Session.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("session.backoff_multiplier %g must be at least 1", c.Session.BackoffMultiplier))
	}
	if c.Session.AuthTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.auth_timeout %s must be positive", c.Session.AuthTimeout))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrConfiguration, errors.Join(errs...))
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultMillis(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return time.Duration(parsed) * time.Millisecond
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
