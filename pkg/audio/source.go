// Package audio defines the boundary between the capture core and the
// physical audio layer.
//
// A [Source] wraps a microphone pipeline with one or more parallel detection
// pipes. Each pipe runs its own voice-activity detector and keyword decoder
// over the same input, providing redundancy against a single detector
// stalling. The source pushes frames and detection events to a registered
// [Handler]; the handler callbacks run on the source's capture goroutine and
// must never block.
//
// Implementations must be safe for concurrent use of the control methods
// (Rebuild, Pause, Resume, Close) from goroutines other than the capture
// goroutine.
package audio

import "context"

// Handler receives frames and detection events from a [Source].
//
// All callbacks are invoked from the source's capture context. They must
// return quickly and must not block: appending to a buffer or flipping a flag
// is acceptable, network or disk I/O is not.
type Handler interface {
	// OnFrame delivers one captured audio frame.
	OnFrame(frame Frame)

	// OnVoice delivers a voice-activity start/stop transition from one pipe.
	OnVoice(event VoiceEvent)

	// OnKeyword delivers a keyword-decode result from one pipe.
	OnKeyword(event KeywordEvent)
}

// PipeModel names the dictionary and language-model resources a detection
// pipe decodes against. Both paths are derived from the active bot name.
type PipeModel struct {
	// Dictionary is the path to the pronunciation dictionary.
	Dictionary string

	// LanguageModel is the path to the keyword language model.
	LanguageModel string
}

// Source is the capture core's view of the audio layer: a continuous frame
// stream plus per-pipe voice-activity and keyword-decode events.
//
// The capture core drives the source through a strict lifecycle: Start once,
// then any interleaving of Pause/Resume/Rebuild, then Close. A paused source
// delivers no callbacks. Rebuild may only be called while paused.
type Source interface {
	// Start begins capture and event delivery to h. It returns once the
	// pipeline is live; delivery continues until Pause or Close. Calling Start
	// twice is an error.
	Start(ctx context.Context, h Handler) error

	// Pipes reports the number of parallel detection pipes.
	Pipes() int

	// Pause suspends all callback delivery. Safe to call when already paused.
	Pause()

	// Resume restarts callback delivery after a Pause.
	Resume()

	// Rebuild tears down every detection pipe and rebuilds the set against a
	// new dictionary/language-model pair. The source must be paused; a
	// callback firing against a half-built pipe set is a race. Returns an
	// error if the model resources cannot be loaded, in which case the old
	// pipes are gone and the source stays paused.
	Rebuild(model PipeModel) error

	// Close releases the microphone and all pipe resources. Calling Close more
	// than once is safe and returns nil.
	Close() error
}
