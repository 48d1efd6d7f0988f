// Package diag writes dispatched utterances to disk as WAV files for
// offline inspection. Dumps are an optional diagnostic aid: a failed write
// never affects the recognition that produced the audio.
package diag

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

// Default PCM format of dumped audio: 16kHz mono signed 16-bit.
const (
	defaultSampleRate = 16000
	defaultChannels   = 1
	bitDepth          = 16
)

// Option is a functional option for configuring a Recorder.
type Option func(*Recorder)

// WithFs replaces the filesystem. Tests use an in-memory one.
func WithFs(fs afero.Fs) Option {
	return func(r *Recorder) { r.fs = fs }
}

// WithClock replaces the time source used for file names.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithFormat overrides the PCM sample rate and channel count.
func WithFormat(sampleRate, channels int) Option {
	return func(r *Recorder) {
		if sampleRate > 0 {
			r.sampleRate = sampleRate
		}
		if channels > 0 {
			r.channels = channels
		}
	}
}

// Recorder creates one timestamped WAV file per dispatched utterance under
// its directory.
type Recorder struct {
	fs         afero.Fs
	dir        string
	sampleRate int
	channels   int
	now        func() time.Time
}

// New creates a Recorder writing into dir.
func New(dir string, opts ...Option) *Recorder {
	r := &Recorder{
		fs:         afero.NewOsFs(),
		dir:        dir,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewSink opens a WAV file for one utterance. Raw little-endian PCM written
// to the sink is encoded on the fly; Close finishes the WAV header.
func (r *Recorder) NewSink() (io.WriteCloser, error) {
	if err := r.fs.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("diag: create dump dir: %w", err)
	}
	name := filepath.Join(r.dir, "utterance-"+r.now().Format("20060102-150405.000")+".wav")
	f, err := r.fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("diag: create %q: %w", name, err)
	}
	return &wavSink{
		file: f,
		enc:  wav.NewEncoder(f, r.sampleRate, bitDepth, r.channels, 1),
		format: &audio.Format{
			NumChannels: r.channels,
			SampleRate:  r.sampleRate,
		},
	}, nil
}

// wavSink converts raw PCM bytes into WAV samples as they arrive. A dangling
// odd byte is carried over to the next write.
type wavSink struct {
	file   afero.File
	enc    *wav.Encoder
	format *audio.Format
	carry  []byte
}

// Write encodes p as little-endian signed 16-bit samples.
func (s *wavSink) Write(p []byte) (int, error) {
	data := p
	if len(s.carry) > 0 {
		data = append(s.carry, p...)
		s.carry = nil
	}
	if odd := len(data) % 2; odd != 0 {
		s.carry = append(s.carry, data[len(data)-1])
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return len(p), nil
	}

	samples := make([]int, len(data)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[2*i:])))
	}
	buf := &audio.IntBuffer{
		Format:         s.format,
		Data:           samples,
		SourceBitDepth: bitDepth,
	}
	if err := s.enc.Write(buf); err != nil {
		return 0, fmt.Errorf("diag: encode samples: %w", err)
	}
	return len(p), nil
}

// Close finalises the WAV header and closes the file.
func (s *wavSink) Close() error {
	if err := s.enc.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("diag: close encoder: %w", err)
	}
	return s.file.Close()
}
