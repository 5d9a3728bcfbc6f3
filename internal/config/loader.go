package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// KnownVoices lists the prebuilt Gemini voice names. Used by [Validate] to
// warn about likely typos; unknown names are passed through unchanged.
var KnownVoices = []string{"Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus", "Zephyr"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if t := cfg.Conversation.Temperature; t < 0 || t > 2 {
		errs = append(errs, fmt.Errorf("conversation.temperature %.2f is out of range [0, 2]", t))
	}

	if cfg.Conversation.Voice != "" && !slices.Contains(KnownVoices, cfg.Conversation.Voice) {
		slog.Warn("unknown voice name — may be a typo or a newly released voice",
			"voice", cfg.Conversation.Voice,
			"known", KnownVoices,
		)
	}

	if g := cfg.Audio.DeviceGain; g < 0 {
		errs = append(errs, fmt.Errorf("audio.device_gain %.2f must not be negative", g))
	}
	if g := cfg.Audio.SoftwareGain; g < 0 {
		errs = append(errs, fmt.Errorf("audio.software_gain %.2f must not be negative", g))
	}

	// A missing API key is only a startup error; the env fallback means the
	// yaml field may legitimately be empty here.
	if cfg.Gemini.APIKey == "" {
		if _, err := cfg.Gemini.ResolveAPIKey(); err != nil {
			slog.Warn("gemini.api_key is empty and no GEMINI_API_KEY/GOOGLE_API_KEY environment variable is set; connecting will fail")
		}
	}

	return errors.Join(errs...)
}
