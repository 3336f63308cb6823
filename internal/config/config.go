// Package config handles daemon configuration file management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration
type Config struct {
	// Environment selects log verbosity ("development" enables debug logs).
	Environment string `yaml:"environment"`

	// SocketPath overrides the IPC socket location.
	SocketPath string `yaml:"socketPath,omitempty"`

	// FFmpegPath is the decoder used for formats without a native decoder.
	FFmpegPath string `yaml:"ffmpegPath"`

	Audio     AudioConfig     `yaml:"audio"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// AudioConfig contains audio-related settings
type AudioConfig struct {
	// SampleRate for audio output (default: 44100)
	SampleRate int `yaml:"sampleRate"`

	// BufferSize in milliseconds (default: 100)
	BufferSizeMs int `yaml:"bufferSizeMs"`

	// Volume level 0.0 - 1.0 (default: 1.0)
	DefaultVolume float64 `yaml:"defaultVolume"`
}

// SchedulerConfig contains the timing margins of the loop scheduler.
type SchedulerConfig struct {
	// LeadTimeMs is how long before a boundary the next instance is queued.
	LeadTimeMs int `yaml:"leadTimeMs"`

	// SeekLeadTimeMs is the lead used for the first boundary after a seek.
	SeekLeadTimeMs int `yaml:"seekLeadTimeMs"`

	// FadeInMs is the gain ramp applied to every instance.
	FadeInMs int `yaml:"fadeInMs"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Bind is the listen address for /metrics; empty disables it.
	Bind string `yaml:"bind"`
}

// LeadTime returns the loop lookahead margin.
func (c SchedulerConfig) LeadTime() time.Duration {
	return time.Duration(c.LeadTimeMs) * time.Millisecond
}

// SeekLeadTime returns the lookahead margin after a seek.
func (c SchedulerConfig) SeekLeadTime() time.Duration {
	return time.Duration(c.SeekLeadTimeMs) * time.Millisecond
}

// FadeIn returns the per-instance fade length.
func (c SchedulerConfig) FadeIn() time.Duration {
	return time.Duration(c.FadeInMs) * time.Millisecond
}

// BufferSize returns the output device buffer length.
func (c AudioConfig) BufferSize() time.Duration {
	return time.Duration(c.BufferSizeMs) * time.Millisecond
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		FFmpegPath:  "ffmpeg",
		Audio: AudioConfig{
			SampleRate:    44100,
			BufferSizeMs:  100,
			DefaultVolume: 1.0,
		},
		Scheduler: SchedulerConfig{
			LeadTimeMs:     150,
			SeekLeadTimeMs: 50,
			FadeInMs:       20,
		},
	}
}

// Validate rejects values the player cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sampleRate %d out of range", c.Audio.SampleRate))
	}
	if c.Audio.BufferSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.bufferSizeMs must be positive"))
	}
	if c.Audio.DefaultVolume < 0 || c.Audio.DefaultVolume > 1 {
		errs = append(errs, fmt.Errorf("audio.defaultVolume must be between 0.0 and 1.0"))
	}
	if c.Scheduler.LeadTimeMs <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.leadTimeMs must be positive"))
	}
	if c.Scheduler.SeekLeadTimeMs <= 0 || c.Scheduler.SeekLeadTimeMs > c.Scheduler.LeadTimeMs {
		errs = append(errs, fmt.Errorf("scheduler.seekLeadTimeMs must be positive and at most leadTimeMs"))
	}
	if c.Scheduler.FadeInMs < 0 {
		errs = append(errs, fmt.Errorf("scheduler.fadeInMs must not be negative"))
	}
	return errors.Join(errs...)
}

// Manager handles loading and saving configuration
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.yaml"),
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk, writing the defaults first when
// no file exists, then applies LOOPD_* environment overrides.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	config := DefaultConfig()
	data, err := os.ReadFile(m.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.config = config
		if err := m.Save(); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(config)
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	m.config = config
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	return m.config
}

// GetPath returns the config file path
func (m *Manager) GetPath() string {
	return m.configPath
}

func applyEnv(c *Config) {
	c.Environment = getEnv("LOOPD_ENV", c.Environment)
	c.SocketPath = getEnv("LOOPD_SOCKET", c.SocketPath)
	c.FFmpegPath = getEnv("LOOPD_FFMPEG_PATH", c.FFmpegPath)
	c.Metrics.Bind = getEnv("LOOPD_METRICS_BIND", c.Metrics.Bind)
	c.Audio.SampleRate = getEnvInt("LOOPD_SAMPLE_RATE", c.Audio.SampleRate)
	c.Audio.BufferSizeMs = getEnvInt("LOOPD_BUFFER_SIZE_MS", c.Audio.BufferSizeMs)
	c.Audio.DefaultVolume = getEnvFloat("LOOPD_DEFAULT_VOLUME", c.Audio.DefaultVolume)
	c.Scheduler.LeadTimeMs = getEnvInt("LOOPD_LEAD_TIME_MS", c.Scheduler.LeadTimeMs)
	c.Scheduler.SeekLeadTimeMs = getEnvInt("LOOPD_SEEK_LEAD_TIME_MS", c.Scheduler.SeekLeadTimeMs)
	c.Scheduler.FadeInMs = getEnvInt("LOOPD_FADE_IN_MS", c.Scheduler.FadeInMs)
}

func getEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return parsed
		}
	}
	return def
}
