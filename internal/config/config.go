// Package config provides the configuration schema, loader, and recognizer
// registry for the Auris on-device listener.
package config

// LogLevel controls log verbosity for the listener.
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

// Config is the root configuration structure for Auris.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Capture    CaptureConfig   `yaml:"capture"`
	Recognizer RecognizerEntry `yaml:"recognizer"`
	Diag       DiagConfig      `yaml:"diag"`
	Debug      DebugConfig     `yaml:"debug"`
}

// ServerConfig holds settings for the command-server session and the local
// admin endpoint.
type ServerConfig struct {
	// Host is the command server's hostname or IP.
	Host string `yaml:"host"`

	// Port is the command server's TCP port.
	Port int `yaml:"port"`

	// Zone identifies this listener to the server (e.g., "kitchen").
	// Used as the login name and stamped on every outbound message.
	Zone string `yaml:"zone"`

	// TLS configures TLS for the server connection. When nil, the session
	// runs over plain TCP.
	TLS *TLSConfig `yaml:"tls"`

	// AdminAddr is the local HTTP address serving health and metrics
	// (e.g., "127.0.0.1:9090"). Empty disables the admin endpoint.
	AdminAddr string `yaml:"admin_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TLSConfig holds TLS settings for the command-server connection.
type TLSConfig struct {
	// CertFile is the path to a PEM-encoded client certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded client private key.
	KeyFile string `yaml:"key_file"`

	// CAFile is the path to a PEM-encoded CA bundle used to verify the
	// server. Empty uses the system pool.
	CAFile string `yaml:"ca_file"`

	// InsecureSkipVerify disables server certificate verification.
	// Only for development setups with self-signed certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// CaptureConfig holds settings for local audio capture and wake-phrase
// spotting.
type CaptureConfig struct {
	// Device is the capture device name. Empty selects the platform default
	// input device.
	Device string `yaml:"device"`

	// Pipes is the number of parallel detection pipes fed by the shared
	// microphone. Defaults to 1.
	Pipes int `yaml:"pipes"`

	// KeywordScore is the acceptance floor for keyword-spotting scores.
	// Scores below the floor are rejected as false positives. A score of
	// exactly zero always passes, regardless of the floor.
	KeywordScore float64 `yaml:"keyword_score"`

	// ResourceDir is the directory holding per-bot spotting resources
	// (dictionaries, language models).
	ResourceDir string `yaml:"resource_dir"`
}

// RecognizerEntry selects and configures the remote recognition backend.
// The Name field is used to look up the constructor in the [Registry].
type RecognizerEntry struct {
	// Name selects the registered recognizer implementation (e.g., "wit",
	// "google").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the recognizer's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the recognizer's default API endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// Confidence is the minimum confidence for accepting a transcript.
	// Defaults to 0.5. Must be in (0, 1] when set.
	Confidence float64 `yaml:"confidence"`

	// Options holds recognizer-specific configuration values not covered by
	// the standard fields above. Values may be strings, numbers, booleans,
	// or nested maps.
	Options map[string]any `yaml:"options"`
}

// DiagConfig holds settings for utterance diagnostics.
type DiagConfig struct {
	// DumpDir, when set, enables WAV dumps of every dispatched utterance
	// into this directory.
	DumpDir string `yaml:"dump_dir"`
}

// DebugConfig toggles wire-level tracing of the server session.
type DebugConfig struct {
	// Input logs every line received from the command server.
	Input bool `yaml:"input"`

	// Output logs every line sent to the command server.
	Output bool `yaml:"output"`
}
