// Package google provides a Google Cloud Speech-to-Text recognition provider.
//
// The provider drives one StreamingRecognize session per utterance: the
// streaming config goes out first, audio chunks follow as the drain produces
// them, and the final transcript is assembled from the stream's final
// results. Credentials come from the standard GOOGLE_APPLICATION_CREDENTIALS
// environment variable.
//
// Google Speech returns no structured intent, so the result's intent payload
// is always empty; intent extraction is left to the command server.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "google.golang.org/genproto/googleapis/cloud/speech/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/auris-project/auris/pkg/recognizer"
)

const (
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000
)

// Compile-time check that *Provider satisfies [recognizer.Provider].
var _ recognizer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 recognition language. Defaults to "en-US".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the PCM sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// Provider implements [recognizer.Provider] using Google Cloud
// Speech-to-Text streaming recognition.
type Provider struct {
	client     *speech.Client
	language   string
	sampleRate int
}

// New creates a Provider with a live Speech client.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google: create speech client: %w", err)
	}
	p := &Provider{
		client:     c,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the underlying gRPC client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// Recognize opens a streaming session, sends the config followed by every
// chunk, and aggregates the final results. The chunk source is fully drained
// before CloseSend so Google can decode while capture is still producing.
func (p *Provider) Recognize(ctx context.Context, chunks recognizer.ChunkSource, _ recognizer.Request) (recognizer.Result, error) {
	stream, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		return recognizer.Result{}, fmt.Errorf("google: open stream: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(p.sampleRate),
					LanguageCode:    p.language,
				},
			},
		},
	}); err != nil {
		return recognizer.Result{}, fmt.Errorf("google: send config: %w", err)
	}

	// Sender goroutine: forward chunks, then half-close. Send errors are
	// surfaced through Recv below, so they are only recorded here.
	sendErr := make(chan error, 1)
	go func() {
		defer close(sendErr)
		for {
			chunk, ok := chunks.Next()
			if !ok {
				sendErr <- stream.CloseSend()
				return
			}
			if err := stream.Send(&speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
					AudioContent: chunk,
				},
			}); err != nil {
				sendErr <- err
				return
			}
		}
	}()

	var (
		transcript   strings.Builder
		confidence   float64
		results      int
		limitReached bool
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// OutOfRange marks the end of the streaming audio limit; whatever
			// was decoded up to that point is still usable.
			if status.Code(err) == codes.OutOfRange {
				limitReached = true
				break
			}
			return recognizer.Result{}, fmt.Errorf("google: receive: %w", err)
		}
		for _, r := range resp.Results {
			if !r.IsFinal || len(r.Alternatives) == 0 {
				continue
			}
			alt := r.Alternatives[0]
			if transcript.Len() > 0 {
				transcript.WriteByte(' ')
			}
			transcript.WriteString(strings.TrimSpace(alt.Transcript))
			confidence += float64(alt.Confidence)
			results++
		}
	}
	if err := <-sendErr; err != nil && !limitReached {
		return recognizer.Result{}, fmt.Errorf("google: send audio: %w", err)
	}

	if results > 1 {
		confidence /= float64(results)
	}
	return recognizer.Result{
		Confidence: confidence,
		Transcript: transcript.String(),
	}, nil
}
