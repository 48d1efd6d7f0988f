// Package speech defines the Speaker boundary for the text-to-speech
// collaborator.
//
// The capture core and session controller only ever announce short phrases
// ("ready", server chat replies, error prompts); synthesis and playback live
// behind this interface and are supplied per deployment.
package speech

import "log/slog"

// Speaker voices a message to the user. Implementations queue internally;
// Speak must not block the caller on playback.
type Speaker interface {
	Speak(message string)
}

// Log is a Speaker that writes messages to the structured log instead of an
// audio device. It is the default when no playback backend is configured and
// doubles as the test speaker.
type Log struct{}

// Speak logs the message at info level.
func (Log) Speak(message string) {
	slog.Info("speak", "message", message)
}

// Compile-time check that Log satisfies [Speaker].
var _ Speaker = Log{}
