package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/auris-project/auris/internal/config"
	"github.com/auris-project/auris/pkg/recognizer"
	recmock "github.com/auris-project/auris/pkg/recognizer/mock"
)

const validYAML = `
server:
  host: lisa.local
  port: 5555
  zone: kitchen
capture:
  pipes: 2
  keyword_score: -3000
recognizer:
  name: wit
  api_key: WITTOKEN
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Host != "lisa.local" || cfg.Server.Port != 5555 {
		t.Errorf("server = %q:%d, want lisa.local:5555", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Server.Zone != "kitchen" {
		t.Errorf("zone = %q, want kitchen", cfg.Server.Zone)
	}
	if cfg.Capture.Pipes != 2 {
		t.Errorf("pipes = %d, want 2", cfg.Capture.Pipes)
	}
	if cfg.Capture.KeywordScore != -3000 {
		t.Errorf("keyword_score = %v, want -3000", cfg.Capture.KeywordScore)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := validYAML + `
typo_section:
  value: 1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_MissingServerFields(t *testing.T) {
	t.Parallel()
	yaml := `
recognizer:
  name: google
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing server fields, got nil")
	}
	for _, want := range []string{"server.host", "server.port", "server.zone"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_PositiveKeywordScoreRejected(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  host: lisa.local
  port: 5555
  zone: kitchen
capture:
  keyword_score: 100
recognizer:
  name: google
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for positive keyword_score, got nil")
	}
	if !strings.Contains(err.Error(), "keyword_score") {
		t.Errorf("error should mention keyword_score, got: %v", err)
	}
}

func TestValidate_WitRequiresAPIKey(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  host: lisa.local
  port: 5555
  zone: kitchen
recognizer:
  name: wit
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for wit without api_key, got nil")
	}
	if !strings.Contains(err.Error(), "api_key") {
		t.Errorf("error should mention api_key, got: %v", err)
	}
}

func TestValidate_TLSCertAndKeyTogether(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  host: lisa.local
  port: 5555
  zone: kitchen
  tls:
    cert_file: /etc/auris/client.pem
recognizer:
  name: google
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for cert without key, got nil")
	}
	if !strings.Contains(err.Error(), "cert_file") {
		t.Errorf("error should mention cert_file, got: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
server:
  host: lisa.local
  port: 5555
  zone: kitchen
recognizer:
  name: google
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	config.ApplyDefaults(cfg)
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Capture.Pipes != 1 {
		t.Errorf("pipes = %d, want 1", cfg.Capture.Pipes)
	}
	if cfg.Capture.KeywordScore != -10000 {
		t.Errorf("keyword_score = %v, want -10000", cfg.Capture.KeywordScore)
	}
	if cfg.Recognizer.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", cfg.Recognizer.Confidence)
	}
}

func TestRegistry_CreateRecognizer(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	mock := &recmock.Provider{}
	reg.RegisterRecognizer("mock", func(config.RecognizerEntry) (recognizer.Provider, error) {
		return mock, nil
	})

	got, err := reg.CreateRecognizer(config.RecognizerEntry{Name: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != mock {
		t.Error("CreateRecognizer returned a different provider than registered")
	}
}

func TestRegistry_UnregisteredName(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.CreateRecognizer(config.RecognizerEntry{Name: "nope"})
	if !errors.Is(err, config.ErrRecognizerNotRegistered) {
		t.Fatalf("expected ErrRecognizerNotRegistered, got %v", err)
	}
}
