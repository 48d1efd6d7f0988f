// Package recognizer defines the Provider interface for remote
// speech-recognition backends.
//
// A provider receives a finalized utterance as a lazy sequence of audio
// chunks and returns the recognized transcript together with the backend's
// confidence and an optional structured intent payload. Chunks are produced
// while capture may still be running, so providers that support it should
// stream them to the remote service as they arrive rather than buffering the
// whole utterance first.
//
// Implementations must be safe for concurrent use, although the capture core
// never runs more than one recognition per source at a time.
package recognizer

import (
	"context"
	"encoding/json"
)

// ChunkSource is a lazy, ordered sequence of merged audio chunks drained from
// an utterance. It is consumed exactly once.
type ChunkSource interface {
	// Next returns the next chunk. It blocks until a chunk is available or the
	// utterance has ended; ok is false when the sequence is exhausted.
	Next() (chunk []byte, ok bool)
}

// Request describes one recognition call.
type Request struct {
	// ContentType is the MIME type of the audio chunks (e.g. "audio/mpeg3",
	// "audio/l16; rate=16000").
	ContentType string

	// Context is an opaque dialog-context payload forwarded verbatim to
	// backends that support multi-turn slot filling. May be nil.
	Context json.RawMessage
}

// Result is a successful recognition outcome.
type Result struct {
	// Confidence is the backend's confidence in the transcript (0.0–1.0).
	Confidence float64

	// Transcript is the recognized text.
	Transcript string

	// Intent is the backend's structured intent payload, if it produced one.
	Intent json.RawMessage
}

// Provider is the abstraction over any remote recognition backend.
type Provider interface {
	// Recognize streams chunks to the backend and returns its result. The
	// call blocks until the chunk source is exhausted and the backend has
	// answered. Transport errors are returned as-is; the caller maps them into
	// its failure taxonomy.
	Recognize(ctx context.Context, chunks ChunkSource, req Request) (Result, error)
}

// ChunkFunc adapts a plain function to the [ChunkSource] interface.
type ChunkFunc func() ([]byte, bool)

// Next calls f.
func (f ChunkFunc) Next() ([]byte, bool) { return f() }
