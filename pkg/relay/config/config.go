// Package config loads the relay's process configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server settings
	Host string
	Port int

	// Upstream speech service
	APIKeys      []string
	Model        string
	Voice        string
	VisionModel  string
	UpstreamHost string
	Transcribe   bool

	// Device link
	CompressedAudioIn bool
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64

	// Session behavior
	HistoryLimit  int
	ResumeWindow  time.Duration
	VisionTimeout time.Duration

	// Persistence; empty means the in-memory store
	DatabaseURL string

	// Observability
	LogLevel  string
	LogFormat string

	ShutdownTimeout time.Duration
}

func Default() *Config {
	return &Config{
		Host:              "0.0.0.0",
		Port:              8000,
		Model:             "models/gemini-2.0-flash-live-001",
		Voice:             "Leda",
		VisionModel:       "gemini-2.0-flash",
		Transcribe:        true,
		CompressedAudioIn: true,
		ReadTimeout:       90 * time.Second,
		WriteTimeout:      10 * time.Second,
		PingInterval:      20 * time.Second,
		MaxMessageBytes:   1 << 20,
		HistoryLimit:      20,
		ResumeWindow:      5 * time.Minute,
		VisionTimeout:     10 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
		ShutdownTimeout:   15 * time.Second,
	}
}

// LoadFromEnv builds the config from RELAY_* and GEMINI_* environment
// variables on top of the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	cfg.Host = envString("RELAY_HOST", cfg.Host)
	cfg.Port = envInt("RELAY_PORT", cfg.Port)

	cfg.APIKeys = envList("GEMINI_API_KEYS")
	cfg.Model = envString("GEMINI_MODEL", cfg.Model)
	cfg.Voice = envString("GEMINI_VOICE", cfg.Voice)
	cfg.VisionModel = envString("GEMINI_VISION_MODEL", cfg.VisionModel)
	cfg.UpstreamHost = envString("GEMINI_HOST", cfg.UpstreamHost)
	cfg.Transcribe = envBool("RELAY_TRANSCRIBE", cfg.Transcribe)

	cfg.CompressedAudioIn = envBool("RELAY_COMPRESSED_AUDIO", cfg.CompressedAudioIn)
	cfg.ReadTimeout = envDuration("RELAY_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = envDuration("RELAY_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.PingInterval = envDuration("RELAY_PING_INTERVAL", cfg.PingInterval)
	cfg.MaxMessageBytes = int64(envInt("RELAY_MAX_MESSAGE_BYTES", int(cfg.MaxMessageBytes)))

	cfg.HistoryLimit = envInt("RELAY_HISTORY_LIMIT", cfg.HistoryLimit)
	cfg.ResumeWindow = envDuration("RELAY_RESUME_WINDOW", cfg.ResumeWindow)
	cfg.VisionTimeout = envDuration("RELAY_VISION_TIMEOUT", cfg.VisionTimeout)

	cfg.DatabaseURL = envString("DATABASE_URL", cfg.DatabaseURL)

	cfg.LogLevel = envString("RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("RELAY_LOG_FORMAT", cfg.LogFormat)
	cfg.ShutdownTimeout = envDuration("RELAY_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if len(c.APIKeys) == 0 {
		return fmt.Errorf("config: GEMINI_API_KEYS must list at least one key")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("config: model is required")
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("config: history limit must not be negative")
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
