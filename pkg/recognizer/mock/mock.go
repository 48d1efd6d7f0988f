// Package mock provides test doubles for the recognizer package interfaces.
//
// Use [Provider] to script recognition results and inspect the audio that was
// drained:
//
//	p := &mock.Provider{Result: recognizer.Result{Confidence: 0.9, Transcript: "turn on the lights"}}
//	res, err := p.Recognize(ctx, chunks, recognizer.Request{})
package mock

import (
	"context"
	"sync"

	"github.com/auris-project/auris/pkg/recognizer"
)

// RecognizeCall records a single invocation of Provider.Recognize.
type RecognizeCall struct {
	// Req is the request passed to Recognize.
	Req recognizer.Request

	// Audio is the concatenation of every chunk drained from the source.
	Audio []byte

	// Chunks is the number of chunks drained.
	Chunks int
}

// Provider is a mock implementation of [recognizer.Provider]. It drains the
// chunk source completely (recording what it saw) and returns the scripted
// Result and Err.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Recognize when Err is nil.
	Result recognizer.Result

	// Err, if non-nil, is returned by every Recognize call.
	Err error

	// RecognizeCalls records every call to Recognize in order.
	RecognizeCalls []RecognizeCall
}

// Compile-time check that *Provider satisfies [recognizer.Provider].
var _ recognizer.Provider = (*Provider)(nil)

// Recognize drains chunks, records the call, and returns Result, Err.
func (p *Provider) Recognize(_ context.Context, chunks recognizer.ChunkSource, req recognizer.Request) (recognizer.Result, error) {
	call := RecognizeCall{Req: req}
	for {
		chunk, ok := chunks.Next()
		if !ok {
			break
		}
		call.Audio = append(call.Audio, chunk...)
		call.Chunks++
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.RecognizeCalls = append(p.RecognizeCalls, call)
	if p.Err != nil {
		return recognizer.Result{}, p.Err
	}
	return p.Result, nil
}

// CallCount returns the number of Recognize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.RecognizeCalls)
}

// LastCall returns the most recent call record, or a zero value if none.
func (p *Provider) LastCall() RecognizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.RecognizeCalls) == 0 {
		return RecognizeCall{}
	}
	return p.RecognizeCalls[len(p.RecognizeCalls)-1]
}
