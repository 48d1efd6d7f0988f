// Package gateway sits between the capture core and the remote recognizer.
// It streams a dispatched utterance to the configured backend, applies
// confidence gating, and maps every way a recognition can go wrong into the
// [Failure] taxonomy. Failures are terminal for the utterance that produced
// them: the audio is already gone, so there is nothing to retry.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/auris-project/auris/internal/observe"
	"github.com/auris-project/auris/pkg/recognizer"
)

// DefaultConfidence is the acceptance floor applied when none is configured.
const DefaultConfidence = 0.5

// FailureReason classifies a failed recognition.
type FailureReason string

const (
	// ReasonLowConfidence means the backend answered but its confidence was
	// below the configured floor.
	ReasonLowConfidence FailureReason = "low_confidence"

	// ReasonTransportError means the recognition call itself failed.
	ReasonTransportError FailureReason = "transport"

	// ReasonMalformedResponse means the backend answered with an empty or
	// unusable result.
	ReasonMalformedResponse FailureReason = "malformed"
)

// Failure is a non-fatal recognition failure. The utterance that produced it
// is dropped; there is no retry.
type Failure struct {
	Reason FailureReason

	// Err is the underlying transport error, if any.
	Err error

	// Detail carries human-readable context for the log line.
	Detail string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("gateway: %s: %v", f.Reason, f.Err)
	}
	if f.Detail != "" {
		return fmt.Sprintf("gateway: %s: %s", f.Reason, f.Detail)
	}
	return fmt.Sprintf("gateway: %s", f.Reason)
}

// Unwrap returns the underlying error.
func (f *Failure) Unwrap() error { return f.Err }

// Outcome is a recognition accepted by the gateway.
type Outcome struct {
	// Transcript is the recognized text.
	Transcript string

	// Confidence is the backend's confidence.
	Confidence float64

	// Intent is the backend's structured intent payload, if any.
	Intent json.RawMessage
}

// Request describes one recognition pass through the gateway.
type Request struct {
	// Context is the dialog context forwarded to the backend. May be nil.
	Context json.RawMessage

	// Relaxed accepts any non-empty transcript regardless of confidence.
	// Set while the session is in a conversation mode: dialog continuations
	// are not gated as strictly as the initial wake trigger.
	Relaxed bool
}

// SinkOpener provides optional per-utterance diagnostic sinks. Audio drained
// through the gateway is teed into a fresh sink per recognition.
type SinkOpener interface {
	NewSink() (io.WriteCloser, error)
}

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway)

// WithConfidence sets the acceptance floor. Defaults to [DefaultConfidence].
func WithConfidence(floor float64) Option {
	return func(g *Gateway) {
		if floor > 0 {
			g.confidence = floor
		}
	}
}

// WithContentType sets the MIME type announced for utterance audio.
func WithContentType(ct string) Option {
	return func(g *Gateway) { g.contentType = ct }
}

// WithDump tees every drained utterance into a diagnostic sink.
func WithDump(opener SinkOpener) Option {
	return func(g *Gateway) { g.dump = opener }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = met }
}

// Gateway applies the confidence-gating policy around a
// [recognizer.Provider].
type Gateway struct {
	provider    recognizer.Provider
	confidence  float64
	contentType string
	dump        SinkOpener
	metrics     *observe.Metrics
	log         *slog.Logger
}

// New creates a Gateway over the given recognizer.
func New(provider recognizer.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		provider:   provider,
		confidence: DefaultConfidence,
		log:        slog.With("component", "gateway"),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Recognize streams the utterance to the backend and gates the result. On
// failure it returns a [*Failure]; the caller logs, drops the utterance, and
// moves on.
func (g *Gateway) Recognize(ctx context.Context, chunks recognizer.ChunkSource, req Request) (Outcome, error) {
	chunks, closeSink := g.tee(chunks)
	defer closeSink()

	start := time.Now()
	res, err := g.provider.Recognize(ctx, chunks, recognizer.Request{
		ContentType: g.contentType,
		Context:     req.Context,
	})
	g.metrics.RecordRecognition(ctx, time.Since(start))

	if err != nil {
		return g.fail(ctx, &Failure{Reason: ReasonTransportError, Err: err})
	}
	if res.Transcript == "" {
		return g.fail(ctx, &Failure{Reason: ReasonMalformedResponse, Detail: "empty transcript"})
	}

	// Conversation mode: any non-empty transcript is a valid dialog turn.
	if !req.Relaxed && res.Confidence < g.confidence {
		return g.fail(ctx, &Failure{
			Reason: ReasonLowConfidence,
			Detail: fmt.Sprintf("confidence %.2f below floor %.2f for %q", res.Confidence, g.confidence, res.Transcript),
		})
	}

	g.log.Info("recognition accepted",
		"transcript", res.Transcript,
		"confidence", res.Confidence,
		"relaxed", req.Relaxed,
	)
	return Outcome{
		Transcript: res.Transcript,
		Confidence: res.Confidence,
		Intent:     res.Intent,
	}, nil
}

// fail records and logs a failure.
func (g *Gateway) fail(ctx context.Context, f *Failure) (Outcome, error) {
	g.metrics.RecordRecognitionFailure(ctx, string(f.Reason))
	g.log.Warn("recognition failed", "reason", string(f.Reason), "error", f)
	return Outcome{}, f
}

// tee wraps chunks so drained audio is also written to a diagnostic sink.
// Returns the possibly wrapped source and a close func for the sink.
func (g *Gateway) tee(chunks recognizer.ChunkSource) (recognizer.ChunkSource, func()) {
	if g.dump == nil {
		return chunks, func() {}
	}
	sink, err := g.dump.NewSink()
	if err != nil {
		g.log.Warn("could not open diagnostic sink", "error", err)
		return chunks, func() {}
	}
	wrapped := recognizer.ChunkFunc(func() ([]byte, bool) {
		chunk, ok := chunks.Next()
		if ok {
			if _, werr := sink.Write(chunk); werr != nil {
				g.log.Warn("diagnostic sink write failed", "error", werr)
			}
		}
		return chunk, ok
	})
	return wrapped, func() {
		if cerr := sink.Close(); cerr != nil {
			g.log.Warn("diagnostic sink close failed", "error", cerr)
		}
	}
}
