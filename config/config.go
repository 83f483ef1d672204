package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"livecast/pkg/models"
)

// Config holds all application configuration
type Config struct {
	// HTTP control front
	HTTPAddr string `yaml:"httpAddr"`
	Metrics  bool   `yaml:"metrics"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"` // text or json

	Stream    StreamConfig    `yaml:"stream"`
	Session   SessionConfig   `yaml:"session"`
	Recording RecordingConfig `yaml:"recording"`
	Loopback  LoopbackConfig  `yaml:"loopback"`
}

// StreamConfig holds the defaults every new session handle starts from
type StreamConfig struct {
	URL          string  `yaml:"url"`
	Width        int     `yaml:"width"`
	Height       int     `yaml:"height"`
	Bitrate      int     `yaml:"bitrate"`
	FrameRate    int     `yaml:"frameRate"`
	SampleRate   int     `yaml:"sampleRate"`
	Channels     int     `yaml:"channels"`
	AudioBitrate int     `yaml:"audioBitrate"`
	MaxZoom      float64 `yaml:"maxZoom"`
}

// Model converts the defaults into a session config without a stream key
func (s StreamConfig) Model() models.StreamConfig {
	return models.StreamConfig{
		URL:          s.URL,
		Width:        s.Width,
		Height:       s.Height,
		Bitrate:      s.Bitrate,
		FrameRate:    s.FrameRate,
		SampleRate:   s.SampleRate,
		Channels:     s.Channels,
		AudioBitrate: s.AudioBitrate,
		MaxZoom:      s.MaxZoom,
	}
}

// SessionConfig tunes the transport and reconnection behaviour
type SessionConfig struct {
	ConnectTimeout       time.Duration `yaml:"connectTimeout"`
	QueueDepth           int           `yaml:"queueDepth"`
	HighWater            int           `yaml:"highWater"`
	StallTimeout         time.Duration `yaml:"stallTimeout"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	BackoffBase          time.Duration `yaml:"backoffBase"`
	BackoffMax           time.Duration `yaml:"backoffMax"`
	BackoffJitter        float64       `yaml:"backoffJitter"`
	DrainTimeout         time.Duration `yaml:"drainTimeout"`
	ZoomPolicy           string        `yaml:"zoomPolicy"` // reject or clamp
}

// RecordingConfig controls the session recorder
type RecordingConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Format       string        `yaml:"format"` // flv or fmp4
	PartDuration time.Duration `yaml:"partDuration"`
	QueueSize    int           `yaml:"queueSize"`

	// Storage
	StorageType   string `yaml:"storageType"` // local or gcs
	StorageDir    string `yaml:"storageDir"`
	GCSProjectID  string `yaml:"gcsProjectId"`
	GCSBucketName string `yaml:"gcsBucketName"`
	GCSBaseDir    string `yaml:"gcsBaseDir"`
}

// LoopbackConfig controls the in-process RTMP ingest used for demos and tests
type LoopbackConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Open    bool   `yaml:"open"` // accept any publish key

	// Publish keys
	DefaultKeyExpiration time.Duration `yaml:"defaultKeyExpiration"`
	MaxKeyExpiration     time.Duration `yaml:"maxKeyExpiration"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HTTPAddr:  ":8080",
		Metrics:   true,
		LogLevel:  "info",
		LogFormat: "text",
		Stream: StreamConfig{
			URL:          "rtmp://localhost:1935/live",
			Width:        1280,
			Height:       720,
			Bitrate:      2_000_000,
			FrameRate:    30,
			SampleRate:   44100,
			Channels:     2,
			AudioBitrate: 128_000,
			MaxZoom:      4,
		},
		Session: SessionConfig{
			ConnectTimeout:       10 * time.Second,
			QueueDepth:           512,
			HighWater:            384,
			StallTimeout:         5 * time.Second,
			MaxReconnectAttempts: 5,
			BackoffBase:          500 * time.Millisecond,
			BackoffMax:           8 * time.Second,
			BackoffJitter:        0.2,
			DrainTimeout:         3 * time.Second,
			ZoomPolicy:           "reject",
		},
		Recording: RecordingConfig{
			Format:       "flv",
			PartDuration: 10 * time.Second,
			QueueSize:    256,
			StorageType:  "local",
			StorageDir:   "./data/recordings",
		},
		Loopback: LoopbackConfig{
			Addr:                 ":1935",
			DefaultKeyExpiration: 1 * time.Hour,
			MaxKeyExpiration:     24 * time.Hour,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path (when
// path is not empty), then LIVECAST_* environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("LIVECAST_HTTP_ADDR", c.HTTPAddr)
	c.Metrics = getBoolEnv("LIVECAST_METRICS", c.Metrics)
	c.LogLevel = getEnv("LIVECAST_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LIVECAST_LOG_FORMAT", c.LogFormat)

	c.Stream.URL = getEnv("LIVECAST_STREAM_URL", c.Stream.URL)
	c.Stream.Width = getIntEnv("LIVECAST_STREAM_WIDTH", c.Stream.Width)
	c.Stream.Height = getIntEnv("LIVECAST_STREAM_HEIGHT", c.Stream.Height)
	c.Stream.Bitrate = getIntEnv("LIVECAST_STREAM_BITRATE", c.Stream.Bitrate)
	c.Stream.FrameRate = getIntEnv("LIVECAST_STREAM_FRAME_RATE", c.Stream.FrameRate)
	c.Stream.SampleRate = getIntEnv("LIVECAST_STREAM_SAMPLE_RATE", c.Stream.SampleRate)
	c.Stream.MaxZoom = getFloatEnv("LIVECAST_STREAM_MAX_ZOOM", c.Stream.MaxZoom)

	c.Session.ConnectTimeout = getDurationEnv("LIVECAST_CONNECT_TIMEOUT", c.Session.ConnectTimeout)
	c.Session.QueueDepth = getIntEnv("LIVECAST_QUEUE_DEPTH", c.Session.QueueDepth)
	c.Session.StallTimeout = getDurationEnv("LIVECAST_STALL_TIMEOUT", c.Session.StallTimeout)
	c.Session.MaxReconnectAttempts = getIntEnv("LIVECAST_MAX_RECONNECT_ATTEMPTS", c.Session.MaxReconnectAttempts)
	c.Session.DrainTimeout = getDurationEnv("LIVECAST_DRAIN_TIMEOUT", c.Session.DrainTimeout)
	c.Session.ZoomPolicy = getEnv("LIVECAST_ZOOM_POLICY", c.Session.ZoomPolicy)

	c.Recording.Enabled = getBoolEnv("LIVECAST_RECORDING", c.Recording.Enabled)
	c.Recording.Format = getEnv("LIVECAST_RECORDING_FORMAT", c.Recording.Format)
	c.Recording.PartDuration = getDurationEnv("LIVECAST_RECORDING_PART_DURATION", c.Recording.PartDuration)
	c.Recording.StorageType = getEnv("LIVECAST_STORAGE_TYPE", c.Recording.StorageType)
	c.Recording.StorageDir = getEnv("LIVECAST_STORAGE_DIR", c.Recording.StorageDir)
	c.Recording.GCSProjectID = getEnv("LIVECAST_GCS_PROJECT_ID", c.Recording.GCSProjectID)
	c.Recording.GCSBucketName = getEnv("LIVECAST_GCS_BUCKET_NAME", c.Recording.GCSBucketName)
	c.Recording.GCSBaseDir = getEnv("LIVECAST_GCS_BASE_DIR", c.Recording.GCSBaseDir)

	c.Loopback.Enabled = getBoolEnv("LIVECAST_LOOPBACK", c.Loopback.Enabled)
	c.Loopback.Addr = getEnv("LIVECAST_LOOPBACK_ADDR", c.Loopback.Addr)
	c.Loopback.Open = getBoolEnv("LIVECAST_LOOPBACK_OPEN", c.Loopback.Open)
	c.Loopback.DefaultKeyExpiration = getDurationEnv("LIVECAST_DEFAULT_KEY_EXPIRATION", c.Loopback.DefaultKeyExpiration)
	c.Loopback.MaxKeyExpiration = getDurationEnv("LIVECAST_MAX_KEY_EXPIRATION", c.Loopback.MaxKeyExpiration)
}

func (c *Config) validate() error {
	switch c.Session.ZoomPolicy {
	case "reject", "clamp":
	default:
		return fmt.Errorf("config: zoomPolicy must be reject or clamp, got %q", c.Session.ZoomPolicy)
	}
	switch c.Recording.Format {
	case "flv", "fmp4":
	default:
		return fmt.Errorf("config: recording format must be flv or fmp4, got %q", c.Recording.Format)
	}
	switch c.Recording.StorageType {
	case "local", "gcs":
	default:
		return fmt.Errorf("config: storageType must be local or gcs, got %q", c.Recording.StorageType)
	}
	if c.Recording.Enabled && c.Recording.StorageType == "gcs" && (c.Recording.GCSProjectID == "" || c.Recording.GCSBucketName == "") {
		return fmt.Errorf("config: gcsProjectId and gcsBucketName must be set when storageType is gcs")
	}
	if c.Session.HighWater > c.Session.QueueDepth {
		c.Session.HighWater = c.Session.QueueDepth * 3 / 4
	}
	return nil
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
