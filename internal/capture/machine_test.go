package capture

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/auris-project/auris/internal/observe"
	"github.com/auris-project/auris/pkg/audio"
	"github.com/auris-project/auris/pkg/audio/mock"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordSpeaker collects spoken messages.
type recordSpeaker struct {
	mu       sync.Mutex
	messages []string
}

func (s *recordSpeaker) Speak(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
}

func (s *recordSpeaker) spoke(message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m == message {
			return true
		}
	}
	return false
}

// testMachine builds a machine with a fake clock and an isolated meter
// provider. The machine starts unpaused so tests can drive events directly
// without a login round trip.
func testMachine(t *testing.T, src *mock.Source, opts ...Option) (*Machine, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	met, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("create metrics: %v", err)
	}
	m := NewMachine(src, append([]Option{WithClock(clk.Now), WithMetrics(met)}, opts...)...)
	m.paused = false
	return m, clk
}

// runPending executes every command queued on the machine. Tests drive
// transitions synchronously instead of running the poll loop.
func runPending(m *Machine) {
	for {
		select {
		case cmd := <-m.cmds:
			cmd()
		default:
			return
		}
	}
}

func TestVoiceStart_SingleLiveUtterance(t *testing.T) {
	t.Parallel()
	m, _ := testMachine(t, &mock.Source{NumPipes: 2})

	m.voiceStart(0)
	u := m.cur.Load()
	if u == nil {
		t.Fatal("no utterance after voiceStart")
	}

	// Overlapping starts and stops from both pipes must not open a second
	// utterance while the first is still capturing.
	m.voiceStart(1)
	m.voiceStop(0)
	m.voiceStart(0)
	if got := m.cur.Load(); got != u {
		t.Error("a second utterance was opened while the first was still capturing")
	}
	if got := u.State(); got != StateCapturing {
		t.Errorf("state = %v, want capturing", got)
	}
}

func TestVoiceStart_IgnoredWhilePaused(t *testing.T) {
	t.Parallel()
	m, _ := testMachine(t, &mock.Source{})
	m.paused = true

	m.voiceStart(0)
	if m.cur.Load() != nil {
		t.Error("utterance opened while capture was paused")
	}
}

func TestVoiceStop_ShrinksDeadline(t *testing.T) {
	t.Parallel()
	m, clk := testMachine(t, &mock.Source{})

	m.voiceStart(0)
	u := m.cur.Load()
	full := u.Deadline()
	if want := clk.Now().Add(MaxRecordDuration); !full.Equal(want) {
		t.Fatalf("initial deadline = %v, want %v", full, want)
	}

	clk.Advance(2 * time.Second)
	m.voiceStop(0)
	if want := clk.Now().Add(MaxSilence); !u.Deadline().Equal(want) {
		t.Errorf("deadline after voiceStop = %v, want %v", u.Deadline(), want)
	}

	// A louder pipe re-extends to the full window.
	m.voiceStart(1)
	if !u.Deadline().Equal(full) {
		t.Errorf("deadline after re-start = %v, want %v", u.Deadline(), full)
	}
}

func TestStaggeredPipeDeadlines(t *testing.T) {
	t.Parallel()
	m, clk := testMachine(t, &mock.Source{NumPipes: 3}, WithBaseTimeout(time.Second))

	start := clk.Now()
	for pipe := 0; pipe < 3; pipe++ {
		m.voiceStart(pipe)
	}

	wants := []time.Duration{
		1000 * time.Millisecond, // 1.0x
		1500 * time.Millisecond, // 1.5x
		2000 * time.Millisecond, // 2.0x
	}
	for pipe, want := range wants {
		if got := m.pipeDeadlines[pipe]; !got.Equal(start.Add(want)) {
			t.Errorf("pipe %d deadline = %v after start, want %v", pipe, got.Sub(start), want)
		}
	}
}

func TestPipeTimeout_ReExtendsCapture(t *testing.T) {
	t.Parallel()
	m, clk := testMachine(t, &mock.Source{NumPipes: 2}, WithBaseTimeout(time.Second))

	m.voiceStart(0)
	u := m.cur.Load()
	full := u.Deadline()

	// Pipe 1 reports silence, scheduling an early close. Pipe 0 never
	// reports anything again: its forced timeout must keep the capture
	// alive instead of letting the stalled detector end it.
	m.voiceStop(1)
	clk.Advance(time.Second)
	m.tick()

	if got := u.State(); got != StateCapturing {
		t.Fatalf("state = %v, want capturing after pipe-timeout re-extension", got)
	}
	if !u.Deadline().Equal(full) {
		t.Errorf("deadline = %v, want re-extended to %v", u.Deadline(), full)
	}
	if want := clk.Now().Add(time.Second); !m.pipeDeadlines[0].Equal(want) {
		t.Errorf("pipe 0 deadline = %v, want re-armed to %v", m.pipeDeadlines[0], want)
	}
}

func TestKeyword_BelowFloorIsRejected(t *testing.T) {
	t.Parallel()
	m, clk := testMachine(t, &mock.Source{}, WithScoreFloor(-10000))

	m.voiceStart(0)
	u := m.cur.Load()
	m.keyword(audio.KeywordEvent{Pipe: 0, Text: "lisa", Score: -12000})

	if u.Activated() {
		t.Fatal("utterance activated by a score below the floor")
	}

	// Runs past the full recording window without activation: discarded,
	// and nothing reaches the dispatch channel.
	clk.Advance(MaxRecordDuration + PollInterval)
	m.tick()

	if got := u.State(); got != StateDiscarded {
		t.Errorf("state = %v, want discarded", got)
	}
	if m.cur.Load() != nil {
		t.Error("utterance still live after discard")
	}
	select {
	case <-m.Dispatches():
		t.Error("false positive reached the dispatch channel")
	default:
	}
}

func TestKeyword_ZeroScoreBypassesFloor(t *testing.T) {
	t.Parallel()
	m, _ := testMachine(t, &mock.Source{}, WithScoreFloor(-10000))

	m.voiceStart(0)
	m.keyword(audio.KeywordEvent{Pipe: 0, Text: "lisa", Score: 0})

	if !m.cur.Load().Activated() {
		t.Error("zero score must bypass the floor check")
	}
}

func TestKeyword_AboveFloorActivatesAndDispatchesEarly(t *testing.T) {
	t.Parallel()
	m, _ := testMachine(t, &mock.Source{}, WithScoreFloor(-10000))

	m.voiceStart(0)
	m.keyword(audio.KeywordEvent{Pipe: 0, Text: "lisa", Score: -9000})

	if !m.cur.Load().Activated() {
		t.Fatal("utterance not activated")
	}
	select {
	case d := <-m.Dispatches():
		if d.Keyword != "lisa" {
			t.Errorf("dispatch keyword = %q, want lisa", d.Keyword)
		}
	default:
		t.Error("activation must emit the dispatch while capture is still running")
	}
}

func TestHappyPath_DispatchCarriesAudio(t *testing.T) {
	t.Parallel()
	m, clk := testMachine(t, &mock.Source{})

	m.voiceStart(0)
	u := m.cur.Load()

	var want []byte
	for i := 0; i < 4; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 400)
		m.OnFrame(audio.Frame{Timestamp: clk.Now(), Payload: payload})
		want = append(want, payload...)
	}

	m.keyword(audio.KeywordEvent{Pipe: 0, Text: "lisa", Score: 9000})
	d := <-m.Dispatches()

	m.voiceStop(0)
	clk.Advance(MaxSilence + PollInterval)
	m.tick()

	if got := u.State(); got != StateDispatched {
		t.Fatalf("state = %v, want dispatched", got)
	}
	if m.cur.Load() != nil {
		t.Error("utterance still live after dispatch")
	}

	var got []byte
	for {
		chunk, ok := d.Chunks.Next()
		if !ok {
			break
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("dispatched %d bytes, want %d bytes in arrival order", len(got), len(want))
	}
}

func TestAskMode_ForcesActivationWithoutKeyword(t *testing.T) {
	t.Parallel()
	m, _ := testMachine(t, &mock.Source{})

	m.SetMode(ModeAsk)
	runPending(m)

	m.voiceStart(0)
	if !m.cur.Load().Activated() {
		t.Error("ask mode must activate the utterance without a keyword")
	}
	select {
	case <-m.Dispatches():
	default:
		t.Error("ask mode activation must emit a dispatch")
	}
}

func TestAskMode_ActivatesInFlightUtterance(t *testing.T) {
	t.Parallel()
	m, _ := testMachine(t, &mock.Source{})

	m.voiceStart(0)
	u := m.cur.Load()
	m.SetMode(ModeAsk)
	runPending(m)

	if !u.Activated() {
		t.Error("mode flip must retroactively activate the live utterance")
	}
}

func TestKeywordSpotMode_BypassesScoreFloor(t *testing.T) {
	t.Parallel()
	m, _ := testMachine(t, &mock.Source{}, WithScoreFloor(-10000))

	m.SetMode(ModeKeywordSpot)
	runPending(m)

	// The keyword is still required: voice activity alone must not activate.
	m.voiceStart(0)
	u := m.cur.Load()
	if u.Activated() {
		t.Fatal("kws mode must not activate without a keyword")
	}

	// But a spotted keyword is trusted without the floor check.
	m.keyword(audio.KeywordEvent{Pipe: 0, Text: "lisa", Score: -12000})
	if !u.Activated() {
		t.Error("kws mode must accept a keyword below the score floor")
	}
}

func TestPause_DiscardsInFlightUtterance(t *testing.T) {
	t.Parallel()
	src := &mock.Source{}
	m, _ := testMachine(t, src)

	m.voiceStart(0)
	u := m.cur.Load()

	m.Pause()
	runPending(m)

	if got := u.State(); got != StateDiscarded {
		t.Errorf("state = %v, want discarded on disconnect", got)
	}
	if m.cur.Load() != nil {
		t.Error("utterance still live after pause")
	}
	if src.PauseCount == 0 {
		t.Error("source was not paused")
	}
	if !m.paused {
		t.Error("machine not marked paused")
	}
}

func TestSetBotName_RebuildsPipes(t *testing.T) {
	t.Parallel()
	src := &mock.Source{NumPipes: 2}
	speaker := &recordSpeaker{}
	m, _ := testMachine(t, src, WithResourceDir("/var/lib/auris"), WithSpeaker(speaker))

	m.voiceStart(0)
	m.SetBotName("lisa")
	runPending(m)

	if len(src.RebuildCalls) != 1 {
		t.Fatalf("Rebuild called %d times, want 1", len(src.RebuildCalls))
	}
	model := src.RebuildCalls[0]
	if !strings.HasSuffix(model.Dictionary, "lisa.dic") {
		t.Errorf("dictionary = %q, want .../lisa.dic", model.Dictionary)
	}
	if !strings.HasSuffix(model.LanguageModel, "lisa.lm") {
		t.Errorf("language model = %q, want .../lisa.lm", model.LanguageModel)
	}
	if src.PauseCount == 0 || src.ResumeCount == 0 {
		t.Error("rebuild must pause and resume the source")
	}
	if m.paused {
		t.Error("machine still paused after successful rebuild")
	}
	if m.cur.Load() != nil {
		t.Error("in-flight utterance survived the vocabulary switch")
	}
	if !speaker.spoke("ready") {
		t.Error("successful rebuild must announce readiness")
	}
}

func TestSetBotName_BuildFailureStaysPaused(t *testing.T) {
	t.Parallel()
	src := &mock.Source{RebuildErr: errRebuild}
	speaker := &recordSpeaker{}
	m, _ := testMachine(t, src, WithSpeaker(speaker))

	m.SetBotName("broken")
	runPending(m)

	if !m.paused {
		t.Error("machine must stay paused after a failed rebuild")
	}
	if src.ResumeCount != 0 {
		t.Error("source resumed against a half-built pipe set")
	}
	if !speaker.spoke("error conf") {
		t.Error("build failure must be announced to the user")
	}

	// A later valid name recovers.
	src.RebuildErr = nil
	m.SetBotName("lisa")
	runPending(m)
	if m.paused {
		t.Error("machine still paused after a valid name arrived")
	}
}

var errRebuild = errors.New("decoder resources missing")
