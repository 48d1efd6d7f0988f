// Package portaudio provides a microphone-backed [audio.Source] built on the
// PortAudio bindings.
//
// The source opens the default (or a named) input device at 16 kHz mono
// 16-bit PCM and runs a capture goroutine that reads fixed-size buffers,
// publishes them as frames, and feeds an energy-based voice-activity detector
// per detection pipe. Keyword decoding is delegated to a [Spotter] supplied by
// the deployment; the source only reports what the spotter decides.
//
// Each pipe applies a slightly different smoothing factor to the shared
// energy signal so the pipes do not stall in lock-step when the signal sits
// near the detection threshold.
package portaudio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/auris-project/auris/pkg/audio"
)

const (
	sampleRate      = 16000
	framesPerBuffer = 1600 // 100 ms of mono 16-bit PCM

	// defaultRMSThreshold is the root-mean-square energy (in 16-bit PCM units)
	// above which a buffer counts as speech. 32 767 is the 16-bit maximum;
	// 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0
)

// Spotter decodes buffered speech against the active dictionary and language
// model and reports keyword candidates. Implementations are built per
// deployment (an embedded decoder, a sidecar process, ...); the source never
// interprets audio content itself.
type Spotter interface {
	// Rebuild points the decoder at a new model pair. Called with capture
	// paused; no Spot call is in flight.
	Rebuild(model audio.PipeModel) error

	// Spot analyses one speech buffer and returns a candidate with its score.
	// ok is false when the buffer contains no candidate. Must not block.
	Spot(pcm []byte) (text string, score float64, ok bool)
}

// Option configures a [Source] during construction.
type Option func(*Source)

// WithDevice selects a capture device by name. An empty name (the default)
// uses the system default input device.
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithPipes sets the number of parallel detection pipes. The default is 2.
func WithPipes(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.pipes = n
		}
	}
}

// WithRMSThreshold overrides the speech energy threshold.
func WithRMSThreshold(t float64) Option {
	return func(s *Source) {
		if t > 0 {
			s.rmsThreshold = t
		}
	}
}

// Source implements [audio.Source] on top of PortAudio.
type Source struct {
	device       string
	pipes        int
	rmsThreshold float64
	spotter      Spotter

	mu      sync.Mutex
	stream  *portaudio.Stream
	handler audio.Handler
	paused  bool
	started bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup

	// speaking tracks per-pipe voice state; only the capture goroutine
	// mutates it.
	speaking []bool
}

// Compile-time check that *Source satisfies [audio.Source].
var _ audio.Source = (*Source)(nil)

// New creates a PortAudio source. spotter may be nil, in which case no
// keyword events are ever emitted (voice activity still is).
func New(spotter Spotter, opts ...Option) *Source {
	s := &Source{
		pipes:        2,
		rmsThreshold: defaultRMSThreshold,
		spotter:      spotter,
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.speaking = make([]bool, s.pipes)
	return s
}

// Start initialises PortAudio, opens the input stream, and launches the
// capture goroutine. The goroutine runs until Close.
func (s *Source) Start(ctx context.Context, h audio.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("portaudio: source already started")
	}
	if s.closed {
		return errors.New("portaudio: source is closed")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	in := make([]int16, framesPerBuffer)
	stream, err := s.openStream(in)
	if err != nil {
		_ = portaudio.Terminate()
		return err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}

	s.stream = stream
	s.handler = h
	s.started = true

	s.wg.Add(1)
	go s.captureLoop(ctx, stream, in)

	return nil
}

// openStream opens either the named device or the default input.
func (s *Source) openStream(in []int16) (*portaudio.Stream, error) {
	if s.device == "" {
		stream, err := portaudio.OpenDefaultStream(1, 0, sampleRate, len(in), in)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open default stream: %w", err)
		}
		return stream, nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	for _, dev := range devices {
		if dev.Name != s.device || dev.MaxInputChannels < 1 {
			continue
		}
		params := portaudio.LowLatencyParameters(dev, nil)
		params.Input.Channels = 1
		params.SampleRate = sampleRate
		params.FramesPerBuffer = len(in)
		stream, err := portaudio.OpenStream(params, in)
		if err != nil {
			return nil, fmt.Errorf("portaudio: open device %q: %w", s.device, err)
		}
		return stream, nil
	}
	return nil, fmt.Errorf("portaudio: input device %q not found", s.device)
}

// Pipes reports the configured number of detection pipes.
func (s *Source) Pipes() int { return s.pipes }

// Pause suspends callback delivery. The stream keeps running so the device
// stays warm; buffers read while paused are dropped.
func (s *Source) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables callback delivery.
func (s *Source) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Rebuild validates the model resources and points the spotter at them.
// The source must be paused.
func (s *Source) Rebuild(model audio.PipeModel) error {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if !paused {
		return errors.New("portaudio: rebuild requires a paused source")
	}

	for _, path := range []string{model.Dictionary, model.LanguageModel} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("portaudio: model resource %q: %w", path, err)
		}
	}
	if s.spotter != nil {
		if err := s.spotter.Rebuild(model); err != nil {
			return fmt.Errorf("portaudio: rebuild spotter: %w", err)
		}
	}
	for i := range s.speaking {
		s.speaking[i] = false
	}
	return nil
}

// Close stops the capture goroutine, closes the stream, and terminates
// PortAudio. Safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	stream := s.stream
	s.stream = nil
	started := s.started
	s.mu.Unlock()

	s.wg.Wait()

	var errs []error
	if stream != nil {
		if err := stream.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := stream.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if started {
		if err := portaudio.Terminate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// captureLoop reads buffers from the stream and drives frame, voice, and
// keyword delivery. It is the only goroutine touching s.speaking.
func (s *Source) captureLoop(ctx context.Context, stream *portaudio.Stream, in []int16) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			// Overflows are routine when a downstream hiccup delays the read;
			// anything else ends capture.
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			return
		}

		s.mu.Lock()
		h := s.handler
		paused := s.paused
		s.mu.Unlock()
		if paused || h == nil {
			continue
		}

		pcm := encodePCM(in)
		now := time.Now()
		h.OnFrame(audio.Frame{Timestamp: now, Payload: pcm})

		rms := computeRMS(pcm)
		for pipe := 0; pipe < s.pipes; pipe++ {
			// Stagger per-pipe sensitivity so the pipes disagree near the
			// threshold instead of stalling together.
			threshold := s.rmsThreshold * (1 + float64(pipe)*0.1)
			speech := rms >= threshold
			if speech != s.speaking[pipe] {
				s.speaking[pipe] = speech
				h.OnVoice(audio.VoiceEvent{Pipe: pipe, Start: speech})
			}
		}

		if s.spotter != nil && rms >= s.rmsThreshold {
			if text, score, ok := s.spotter.Spot(pcm); ok {
				h.OnKeyword(audio.KeywordEvent{Pipe: 0, Text: text, Score: score})
			}
		}
	}
}

// encodePCM converts int16 samples to little-endian bytes.
func encodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer, in PCM sample units (0–32 767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
