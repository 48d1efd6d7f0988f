// Package mock provides test doubles for the audio package interfaces.
//
// Use [Source] to verify pause/resume/rebuild sequencing and to push scripted
// frames and detection events into the capture core:
//
//	src := &mock.Source{NumPipes: 2}
//	_ = src.Start(ctx, handler)
//	src.EmitVoice(audio.VoiceEvent{Pipe: 0, Start: true})
//	src.EmitFrame(audio.Frame{Timestamp: time.Now(), Payload: pcm})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/auris-project/auris/pkg/audio"
)

// Source is a mock implementation of [audio.Source]. The zero value is usable;
// set NumPipes before Start if the consumer inspects the pipe count.
type Source struct {
	mu sync.Mutex

	// NumPipes is returned by Pipes. Defaults to 1 if zero.
	NumPipes int

	// RebuildErr, if non-nil, is returned by every Rebuild call.
	RebuildErr error

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// --- Call records ---

	// RebuildCalls records every model passed to Rebuild, in order.
	RebuildCalls []audio.PipeModel

	// PauseCount and ResumeCount count Pause and Resume calls.
	PauseCount  int
	ResumeCount int

	// CloseCount counts Close calls.
	CloseCount int

	handler audio.Handler
	paused  bool
	started bool
}

// Compile-time check that *Source satisfies [audio.Source].
var _ audio.Source = (*Source)(nil)

// Start records the handler for later Emit* calls.
func (s *Source) Start(_ context.Context, h audio.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.started {
		return errors.New("mock source: already started")
	}
	s.started = true
	s.handler = h
	return nil
}

// Pipes returns NumPipes, defaulting to 1.
func (s *Source) Pipes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.NumPipes <= 0 {
		return 1
	}
	return s.NumPipes
}

// Pause records the call and suppresses further Emit* delivery.
func (s *Source) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PauseCount++
	s.paused = true
}

// Resume records the call and re-enables Emit* delivery.
func (s *Source) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCount++
	s.paused = false
}

// Rebuild records the model and returns RebuildErr.
func (s *Source) Rebuild(model audio.PipeModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RebuildCalls = append(s.RebuildCalls, model)
	return s.RebuildErr
}

// Close records the call.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}

// Paused reports whether the source is currently paused. Thread-safe.
func (s *Source) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// EmitFrame delivers a frame to the registered handler unless paused.
func (s *Source) EmitFrame(frame audio.Frame) {
	if h := s.activeHandler(); h != nil {
		h.OnFrame(frame)
	}
}

// EmitVoice delivers a voice event to the registered handler unless paused.
func (s *Source) EmitVoice(event audio.VoiceEvent) {
	if h := s.activeHandler(); h != nil {
		h.OnVoice(event)
	}
}

// EmitKeyword delivers a keyword event to the registered handler unless paused.
func (s *Source) EmitKeyword(event audio.KeywordEvent) {
	if h := s.activeHandler(); h != nil {
		h.OnKeyword(event)
	}
}

func (s *Source) activeHandler() audio.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || s.handler == nil {
		return nil
	}
	return s.handler
}
