package audio

import "time"

// Frame is a single timestamped slice of encoded audio flowing out of the
// capture pipeline. Frames are immutable once produced; the utterance that
// buffers a frame owns it and never shares it mutably.
type Frame struct {
	// Timestamp marks when this frame was captured (monotonic clock).
	Timestamp time.Time

	// Payload is the encoded audio data for this frame.
	Payload []byte
}

// VoiceEvent signals a voice-activity transition reported by one detection
// pipe. Start events open or extend an utterance; stop events schedule an
// early close after the configured trailing silence.
type VoiceEvent struct {
	// Pipe identifies which detection pipe produced the event.
	Pipe int

	// Start is true for a voice-start event and false for voice-stop.
	Start bool
}

// KeywordEvent carries a keyword-decode result from one detection pipe.
type KeywordEvent struct {
	// Pipe identifies which detection pipe produced the result.
	Pipe int

	// Text is the decoded candidate text.
	Text string

	// Score is the decoder's confidence score in its native scale. A score of
	// exactly zero means the decoder did not report a score; consumers must
	// trust the decoder's own accept decision in that case.
	Score float64
}
