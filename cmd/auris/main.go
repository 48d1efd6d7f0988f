// Command auris is the on-device listener: it captures the microphone,
// spots the wake phrase, streams utterances to the configured recognizer,
// and relays recognized speech to the command server.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/auris-project/auris/internal/capture"
	"github.com/auris-project/auris/internal/config"
	"github.com/auris-project/auris/internal/diag"
	"github.com/auris-project/auris/internal/gateway"
	"github.com/auris-project/auris/internal/health"
	"github.com/auris-project/auris/internal/observe"
	"github.com/auris-project/auris/internal/session"
	paudio "github.com/auris-project/auris/pkg/audio/portaudio"
	"github.com/auris-project/auris/pkg/recognizer"
	"github.com/auris-project/auris/pkg/recognizer/google"
	recmock "github.com/auris-project/auris/pkg/recognizer/mock"
	"github.com/auris-project/auris/pkg/recognizer/wit"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "auris: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "auris: %v\n", err)
		}
		return 1
	}
	config.ApplyDefaults(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("auris starting",
		"config", *configPath,
		"server", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		"zone", cfg.Server.Zone,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "auris"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Recognizer registry ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinRecognizers(ctx, reg)

	provider, err := reg.CreateRecognizer(cfg.Recognizer)
	if err != nil {
		slog.Error("failed to create recognizer", "name", cfg.Recognizer.Name, "err", err)
		return 1
	}
	slog.Info("recognizer created", "name", cfg.Recognizer.Name)

	// ── TLS ───────────────────────────────────────────────────────────────────
	tlsCfg, err := buildTLS(cfg.Server)
	if err != nil {
		slog.Error("failed to build TLS configuration", "err", err)
		return 1
	}

	// ── Capture pipeline ──────────────────────────────────────────────────────
	// Keyword decoding is delegated to a deployment-specific Spotter; without
	// one the pipes still report voice activity, which is enough for the
	// server-driven ask mode.
	source := paudio.New(nil,
		paudio.WithDevice(cfg.Capture.Device),
		paudio.WithPipes(cfg.Capture.Pipes),
	)
	machine := capture.NewMachine(source,
		capture.WithScoreFloor(cfg.Capture.KeywordScore),
		capture.WithResourceDir(cfg.Capture.ResourceDir),
	)

	// ── Recognition gateway ───────────────────────────────────────────────────
	gwOpts := []gateway.Option{gateway.WithConfidence(cfg.Recognizer.Confidence)}
	if ct := optString(cfg.Recognizer.Options, "content_type"); ct != "" {
		gwOpts = append(gwOpts, gateway.WithContentType(ct))
	}
	if cfg.Diag.DumpDir != "" {
		gwOpts = append(gwOpts, gateway.WithDump(diag.New(cfg.Diag.DumpDir)))
		slog.Info("utterance dumps enabled", "dir", cfg.Diag.DumpDir)
	}
	gw := gateway.New(provider, gwOpts...)

	// ── Session controller ────────────────────────────────────────────────────
	controller := session.New(session.Config{
		Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		TLS:         tlsCfg,
		Zone:        cfg.Server.Zone,
		Capture:     machine,
		Gateway:     gw,
		Dispatches:  machine.Dispatches(),
		DebugInput:  cfg.Debug.Input,
		DebugOutput: cfg.Debug.Output,
	})

	printStartupSummary(cfg)

	// ── Run loops ─────────────────────────────────────────────────────────────
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return machine.Run(ctx) })
	g.Go(func() error { return controller.Run(ctx) })
	if cfg.Server.AdminAddr != "" {
		runAdmin(ctx, g, cfg.Server.AdminAddr, machine, controller)
	}

	slog.Info("auris ready, press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Recognizer wiring ─────────────────────────────────────────────────────────

// registerBuiltinRecognizers wires the recognizer factories that ship with
// Auris into reg.
func registerBuiltinRecognizers(ctx context.Context, reg *config.Registry) {
	reg.RegisterRecognizer("wit", func(entry config.RecognizerEntry) (recognizer.Provider, error) {
		var opts []wit.Option
		if entry.BaseURL != "" {
			opts = append(opts, wit.WithBaseURL(entry.BaseURL))
		}
		if ct := optString(entry.Options, "content_type"); ct != "" {
			opts = append(opts, wit.WithContentType(ct))
		}
		return wit.New(entry.APIKey, opts...)
	})

	reg.RegisterRecognizer("google", func(entry config.RecognizerEntry) (recognizer.Provider, error) {
		var opts []google.Option
		if entry.Language != "" {
			opts = append(opts, google.WithLanguage(entry.Language))
		}
		return google.New(ctx, opts...)
	})

	// mock answers every utterance with a fixed transcript. Useful for wiring
	// checks against a real server without recognizer credentials.
	reg.RegisterRecognizer("mock", func(entry config.RecognizerEntry) (recognizer.Provider, error) {
		transcript := optString(entry.Options, "transcript")
		if transcript == "" {
			transcript = "mock transcript"
		}
		return &recmock.Provider{
			Result: recognizer.Result{Confidence: 1, Transcript: transcript},
		}, nil
	})

	for _, name := range config.ValidRecognizerNames {
		slog.Debug("registered recognizer", "name", name)
	}
}

// ── Transport ─────────────────────────────────────────────────────────────────

// buildTLS translates the server TLS section into a [tls.Config]. Returns nil
// when TLS is not configured, in which case the session runs over plain TCP.
func buildTLS(server config.ServerConfig) (*tls.Config, error) {
	sec := server.TLS
	if sec == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         server.Host,
		InsecureSkipVerify: sec.InsecureSkipVerify,
	}
	if sec.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(sec.CertFile, sec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if sec.CAFile != "" {
		pem, err := os.ReadFile(sec.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA bundle %q contains no usable certificates", sec.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ── Admin endpoint ────────────────────────────────────────────────────────────

// runAdmin serves /metrics, /healthz, and /readyz on addr until ctx ends.
func runAdmin(ctx context.Context, g *errgroup.Group, addr string, machine *capture.Machine, controller *session.Controller) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.Checker{Name: "session", Check: func(context.Context) error {
			if !controller.Connected() {
				return errors.New("no server session")
			}
			return nil
		}},
		health.Checker{Name: "capture", Check: func(context.Context) error {
			if !machine.Ready() {
				return errors.New("detection pipes not built")
			}
			return nil
		}},
	).Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux}
	g.Go(func() error {
		slog.Info("admin endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Auris, startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printValue("Server", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)))
	printValue("Zone", cfg.Server.Zone)
	if cfg.Server.TLS != nil {
		printValue("TLS", "enabled")
	} else {
		printValue("TLS", "(disabled)")
	}
	printValue("Recognizer", cfg.Recognizer.Name)
	printValue("Pipes", strconv.Itoa(cfg.Capture.Pipes))
	if cfg.Server.AdminAddr != "" {
		printValue("Admin addr", cfg.Server.AdminAddr)
	} else {
		printValue("Admin addr", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printValue(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a recognizer Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
