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

// ValidRecognizerNames lists the recognizer names shipped with Auris.
// Used by [Validate] to warn about unrecognised names, which may still be
// valid third-party registrations.
var ValidRecognizerNames = []string{"wit", "google", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Host == "" {
		errs = append(errs, errors.New("server.host is required"))
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.Zone == "" {
		errs = append(errs, errors.New("server.zone is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil {
		if (tls.CertFile == "") != (tls.KeyFile == "") {
			errs = append(errs, errors.New("server.tls.cert_file and server.tls.key_file must be set together"))
		}
		if tls.InsecureSkipVerify {
			slog.Warn("server.tls.insecure_skip_verify is enabled; the server certificate will not be verified")
		}
	}

	// Capture
	if cfg.Capture.Pipes < 0 {
		errs = append(errs, fmt.Errorf("capture.pipes %d must not be negative", cfg.Capture.Pipes))
	}
	if cfg.Capture.KeywordScore > 0 {
		errs = append(errs, fmt.Errorf("capture.keyword_score %.2f must be zero or negative; spotting scores are log-likelihoods", cfg.Capture.KeywordScore))
	}

	// Recognizer
	if cfg.Recognizer.Name == "" {
		errs = append(errs, errors.New("recognizer.name is required"))
	} else if !slices.Contains(ValidRecognizerNames, cfg.Recognizer.Name) {
		slog.Warn("unknown recognizer name, may be a typo or a third-party registration",
			"name", cfg.Recognizer.Name,
			"known", ValidRecognizerNames,
		)
	}
	if cfg.Recognizer.Confidence < 0 || cfg.Recognizer.Confidence > 1 {
		errs = append(errs, fmt.Errorf("recognizer.confidence %.2f is out of range [0, 1]", cfg.Recognizer.Confidence))
	}
	if cfg.Recognizer.Name == "wit" && cfg.Recognizer.APIKey == "" {
		errs = append(errs, errors.New("recognizer.api_key is required for the wit recognizer"))
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills unset optional fields with their documented defaults.
// Call after [Validate]; validation treats zero values as "unset".
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Capture.Pipes == 0 {
		cfg.Capture.Pipes = 1
	}
	if cfg.Capture.KeywordScore == 0 {
		cfg.Capture.KeywordScore = -10000
	}
	if cfg.Recognizer.Confidence == 0 {
		cfg.Recognizer.Confidence = 0.5
	}
}
