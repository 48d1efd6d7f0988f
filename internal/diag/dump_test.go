package diag_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/auris-project/auris/internal/diag"
)

func TestNewSink_WritesDecodableWAV(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	stamp := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	r := diag.New("/dumps", diag.WithFs(fs), diag.WithClock(func() time.Time { return stamp }))

	sink, err := r.NewSink()
	if err != nil {
		t.Fatalf("NewSink: %v", err)
	}

	// 16-bit samples 1..8, written across uneven chunk boundaries to
	// exercise the odd-byte carry.
	samples := []int16{1, 2, 3, 4, 5, 6, 7, 8}
	raw := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		raw = binary.LittleEndian.AppendUint16(raw, uint16(s))
	}
	for _, cut := range [][]byte{raw[:3], raw[3:10], raw[10:]} {
		if _, err := sink.Write(cut); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "/dumps/utterance-" + stamp.Format("20060102-150405.000") + ".wav"
	f, err := fs.Open(name)
	if err != nil {
		t.Fatalf("open dump %q: %v", name, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode dump: %v", err)
	}
	if got := dec.SampleRate; got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(buf.Data), len(samples))
	}
	for i, want := range samples {
		if buf.Data[i] != int(want) {
			t.Errorf("sample %d = %d, want %d", i, buf.Data[i], want)
		}
	}
}

func TestNewSink_SeparateFilePerUtterance(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	stamps := []time.Time{
		time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 12, 0, 1, 0, time.UTC),
	}
	i := 0
	r := diag.New("/dumps", diag.WithFs(fs), diag.WithClock(func() time.Time {
		s := stamps[i]
		i++
		return s
	}))

	for range stamps {
		sink, err := r.NewSink()
		if err != nil {
			t.Fatalf("NewSink: %v", err)
		}
		if _, err := sink.Write([]byte{0, 1}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		if err := sink.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	infos, err := afero.ReadDir(fs, "/dumps")
	if err != nil {
		t.Fatalf("read dump dir: %v", err)
	}
	if len(infos) != 2 {
		t.Errorf("found %d dump files, want 2", len(infos))
	}
}
