// Package config provides the configuration schema and loader for the
// Hearthside voice companion.
package config

import (
	"errors"
	"fmt"
	"os"
)

// ErrMissingAPIKey is returned by [GeminiConfig.ResolveAPIKey] when no key is
// present in the config file or the environment.
var ErrMissingAPIKey = errors.New("config: gemini api key not set; provide gemini.api_key or the GEMINI_API_KEY environment variable")

// LogLevel controls log verbosity for the Hearthside process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Hearthside.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Gemini       GeminiConfig       `yaml:"gemini"`
	Conversation ConversationConfig `yaml:"conversation"`
	Audio        AudioConfig        `yaml:"audio"`
}

// ServerConfig holds network and logging settings for the debug/metrics server.
type ServerConfig struct {
	// ListenAddr is the TCP address the metrics server listens on (e.g., ":9090").
	// Empty disables the metrics listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// GeminiConfig holds credentials and endpoint settings for the Gemini Live API.
type GeminiConfig struct {
	// APIKey authenticates against the Gemini API. When empty, the key is
	// resolved from the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Model overrides the default native-audio model.
	Model string `yaml:"model"`

	// BaseURL overrides the default API endpoint. Useful for testing.
	BaseURL string `yaml:"base_url"`
}

// ResolveAPIKey returns the API key from the config if set, falling back to
// the GEMINI_API_KEY and GOOGLE_API_KEY environment variables in that order.
// Returns [ErrMissingAPIKey] when no key can be found.
func (g GeminiConfig) ResolveAPIKey() (string, error) {
	if g.APIKey != "" {
		return g.APIKey, nil
	}
	for _, name := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if key := os.Getenv(name); key != "" {
			return key, nil
		}
	}
	return "", ErrMissingAPIKey
}

// ConversationConfig shapes the companion's voice and conversational behaviour.
type ConversationConfig struct {
	// Voice selects the prebuilt voice for synthesised speech (e.g., "Kore").
	Voice string `yaml:"voice"`

	// Temperature controls sampling randomness in the range [0, 2].
	Temperature float64 `yaml:"temperature"`

	// Instructions is the system prompt describing the companion's persona.
	Instructions string `yaml:"instructions"`

	// Greeting, when non-empty, is sent as the first user turn after the
	// session opens so the companion speaks first.
	Greeting string `yaml:"greeting"`
}

// AudioConfig holds gain staging for the microphone capture path.
type AudioConfig struct {
	// DeviceGain is the hardware-side amplification applied to raw samples.
	DeviceGain float32 `yaml:"device_gain"`

	// SoftwareGain is the additional software amplification applied before
	// encoding. The effective gain is DeviceGain * SoftwareGain.
	SoftwareGain float32 `yaml:"software_gain"`
}

// ApplyDefaults fills zero-valued fields with their defaults. It is called by
// [LoadFromReader] after decoding, so hand-constructed configs in tests should
// call it explicitly when they rely on defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Conversation.Voice == "" {
		c.Conversation.Voice = "Kore"
	}
	if c.Conversation.Temperature == 0 {
		c.Conversation.Temperature = 0.85
	}
	if c.Audio.DeviceGain == 0 {
		c.Audio.DeviceGain = 10
	}
	if c.Audio.SoftwareGain == 0 {
		c.Audio.SoftwareGain = 3
	}
}

// String implements fmt.Stringer, redacting the API key.
func (g GeminiConfig) String() string {
	key := g.APIKey
	if key != "" {
		key = "[redacted]"
	}
	return fmt.Sprintf("{APIKey:%s Model:%s BaseURL:%s}", key, g.Model, g.BaseURL)
}
