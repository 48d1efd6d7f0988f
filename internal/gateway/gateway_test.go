package gateway_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/auris-project/auris/internal/gateway"
	"github.com/auris-project/auris/internal/observe"
	"github.com/auris-project/auris/pkg/recognizer"
	recmock "github.com/auris-project/auris/pkg/recognizer/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("create metrics: %v", err)
	}
	return met
}

func chunksOf(payloads ...[]byte) recognizer.ChunkSource {
	i := 0
	return recognizer.ChunkFunc(func() ([]byte, bool) {
		if i >= len(payloads) {
			return nil, false
		}
		p := payloads[i]
		i++
		return p, true
	})
}

func TestRecognize_AcceptsAboveFloor(t *testing.T) {
	t.Parallel()
	provider := &recmock.Provider{Result: recognizer.Result{
		Confidence: 0.9,
		Transcript: "turn on the lights",
	}}
	g := gateway.New(provider, gateway.WithConfidence(0.5), gateway.WithMetrics(testMetrics(t)))

	out, err := g.Recognize(context.Background(), chunksOf([]byte("audio")), gateway.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Transcript != "turn on the lights" {
		t.Errorf("transcript = %q, want %q", out.Transcript, "turn on the lights")
	}
	if got := provider.LastCall(); string(got.Audio) != "audio" {
		t.Errorf("provider drained %q, want %q", got.Audio, "audio")
	}
}

func TestRecognize_RejectsBelowFloor(t *testing.T) {
	t.Parallel()
	provider := &recmock.Provider{Result: recognizer.Result{
		Confidence: 0.2,
		Transcript: "yes",
	}}
	g := gateway.New(provider, gateway.WithConfidence(0.5), gateway.WithMetrics(testMetrics(t)))

	_, err := g.Recognize(context.Background(), chunksOf([]byte("a")), gateway.Request{})
	var f *gateway.Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if f.Reason != gateway.ReasonLowConfidence {
		t.Errorf("reason = %q, want low_confidence", f.Reason)
	}
}

func TestRecognize_RelaxedModeBypassesFloor(t *testing.T) {
	t.Parallel()
	provider := &recmock.Provider{Result: recognizer.Result{
		Confidence: 0.2,
		Transcript: "yes",
	}}
	g := gateway.New(provider, gateway.WithConfidence(0.5), gateway.WithMetrics(testMetrics(t)))

	out, err := g.Recognize(context.Background(), chunksOf([]byte("a")), gateway.Request{Relaxed: true})
	if err != nil {
		t.Fatalf("relaxed mode must accept a low-confidence dialog turn, got %v", err)
	}
	if out.Transcript != "yes" {
		t.Errorf("transcript = %q, want yes", out.Transcript)
	}
}

func TestRecognize_EmptyTranscriptIsMalformed(t *testing.T) {
	t.Parallel()
	provider := &recmock.Provider{Result: recognizer.Result{Confidence: 0.9}}
	g := gateway.New(provider, gateway.WithMetrics(testMetrics(t)))

	// Even relaxed mode needs some text to forward.
	_, err := g.Recognize(context.Background(), chunksOf([]byte("a")), gateway.Request{Relaxed: true})
	var f *gateway.Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if f.Reason != gateway.ReasonMalformedResponse {
		t.Errorf("reason = %q, want malformed", f.Reason)
	}
}

func TestRecognize_TransportErrorWrapped(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	provider := &recmock.Provider{Err: cause}
	g := gateway.New(provider, gateway.WithMetrics(testMetrics(t)))

	_, err := g.Recognize(context.Background(), chunksOf([]byte("a")), gateway.Request{})
	var f *gateway.Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %v", err)
	}
	if f.Reason != gateway.ReasonTransportError {
		t.Errorf("reason = %q, want transport", f.Reason)
	}
	if !errors.Is(err, cause) {
		t.Error("failure must wrap the underlying transport error")
	}
}

// memSink records written audio and whether it was closed.
type memSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *memSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memOpener struct {
	sink *memSink
}

func (o *memOpener) NewSink() (io.WriteCloser, error) { return o.sink, nil }

func TestRecognize_TeesAudioIntoDump(t *testing.T) {
	t.Parallel()
	provider := &recmock.Provider{Result: recognizer.Result{
		Confidence: 0.9,
		Transcript: "ok",
	}}
	sink := &memSink{}
	g := gateway.New(provider,
		gateway.WithDump(&memOpener{sink: sink}),
		gateway.WithMetrics(testMetrics(t)),
	)

	_, err := g.Recognize(context.Background(), chunksOf([]byte("ab"), []byte("cd")), gateway.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.buf.String(); got != "abcd" {
		t.Errorf("dump captured %q, want abcd", got)
	}
	if !sink.closed {
		t.Error("sink was not closed after the recognition")
	}
}
