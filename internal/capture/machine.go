package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/auris-project/auris/internal/observe"
	"github.com/auris-project/auris/pkg/audio"
	"github.com/auris-project/auris/pkg/recognizer"
	"github.com/auris-project/auris/pkg/speech"
)

// Capture timing defaults. MaxRecordDuration bounds a single utterance,
// MaxSilence bounds trailing silence, PreRollWindow bounds lookback before
// activation.
const (
	MaxRecordDuration = 10 * time.Second
	MaxSilence        = time.Second
	PreRollWindow     = 5 * time.Second
	BaseTimeout       = time.Second
	PollInterval      = 100 * time.Millisecond
	ChunkSize         = 1200
	DefaultScoreFloor = -10000
)

// Mode is the server-controlled conversation mode. Off requires a spotted
// keyword above the score floor. KeywordSpot still requires the keyword but
// trusts it without the floor check. Ask retains every utterance so the user
// can answer a prompt without repeating the wake word.
type Mode int

const (
	ModeOff Mode = iota
	ModeAsk
	ModeKeywordSpot
)

// String returns the lowercase mode name.
func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeAsk:
		return "ask"
	case ModeKeywordSpot:
		return "kws"
	}
	return "unknown"
}

// Dispatch is one activated utterance handed to the session layer. Chunks
// may still be filling while capture runs; the consumer drains it exactly
// once.
type Dispatch struct {
	// Chunks is the utterance audio as a lazy chunk sequence.
	Chunks recognizer.ChunkSource

	// Keyword is the spotted text that triggered activation, if any.
	Keyword string

	// StartedAt is the instant the utterance began.
	StartedAt time.Time
}

// Option is a functional option for configuring a [Machine].
type Option func(*Machine)

// WithClock replaces the time source. Tests use this to drive deadlines
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithScoreFloor sets the keyword-score acceptance floor. Scores below the
// floor are rejected as false positives; a score of exactly zero always
// passes. Defaults to [DefaultScoreFloor].
func WithScoreFloor(floor float64) Option {
	return func(m *Machine) { m.scoreFloor = floor }
}

// WithChunkSize sets the minimum drained chunk size in bytes.
func WithChunkSize(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.chunkSize = n
		}
	}
}

// WithBaseTimeout sets the base for the staggered per-pipe forced timeouts.
func WithBaseTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.baseTimeout = d
		}
	}
}

// WithSpeaker sets the speaker used to announce faults that permanently
// prevent operation.
func WithSpeaker(s speech.Speaker) Option {
	return func(m *Machine) { m.speaker = s }
}

// WithResourceDir sets the directory holding per-bot dictionary and
// language-model files.
func WithResourceDir(dir string) Option {
	return func(m *Machine) { m.resourceDir = dir }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Machine) { m.metrics = met }
}

// scoreStats keeps a running min/mean/max over all spotting scores seen this
// session, for floor calibration.
type scoreStats struct {
	count    int
	sum      float64
	min, max float64
}

func (s *scoreStats) add(score float64) {
	if s.count == 0 || score < s.min {
		s.min = score
	}
	if s.count == 0 || score > s.max {
		s.max = score
	}
	s.count++
	s.sum += score
}

func (s *scoreStats) mean() float64 {
	if s.count == 0 {
		return 0
	}
	return s.sum / float64(s.count)
}

// Machine is the utterance-capture state machine. It consumes voice-activity
// and keyword events from an [audio.Source], manages the single live
// utterance, and emits activated utterances on the dispatch channel.
//
// All state transitions run on the Run loop. Audio callbacks never block:
// frame delivery appends directly to the live utterance under its own mutex,
// and every other event is forwarded onto the command queue.
type Machine struct {
	source      audio.Source
	speaker     speech.Speaker
	metrics     *observe.Metrics
	log         *slog.Logger
	now         func() time.Time
	resourceDir string

	scoreFloor  float64
	chunkSize   int
	baseTimeout time.Duration

	cmds       chan func()
	dispatches chan Dispatch

	// cur is the live utterance, read by the audio callback for appends.
	cur atomic.Pointer[Utterance]

	// ready mirrors the pipes-built-and-capturing condition for the
	// readiness probe.
	ready atomic.Bool

	// Fields below are owned by the Run loop.
	mode          Mode
	pipeDeadlines []time.Time
	sent          bool
	paused        bool
	scores        scoreStats
}

// Compile-time check that *Machine satisfies [audio.Handler].
var _ audio.Handler = (*Machine)(nil)

// NewMachine creates a capture machine over the given audio source. Call
// [Machine.Run] to start it.
func NewMachine(source audio.Source, opts ...Option) *Machine {
	m := &Machine{
		source:      source,
		speaker:     speech.Log{},
		log:         slog.With("component", "capture"),
		now:         time.Now,
		scoreFloor:  DefaultScoreFloor,
		chunkSize:   ChunkSize,
		baseTimeout: BaseTimeout,
		cmds:        make(chan func(), 64),
		dispatches:  make(chan Dispatch, 4),

		pipeDeadlines: make([]time.Time, source.Pipes()),
		paused:        true,
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// Dispatches returns the channel of activated utterances. Consumed by the
// session controller.
func (m *Machine) Dispatches() <-chan Dispatch {
	return m.dispatches
}

// Ready reports whether the detection pipes are built and capture is live.
func (m *Machine) Ready() bool {
	return m.ready.Load()
}

// Run starts the audio source and drives the polling loop until ctx is
// cancelled. In-flight state transitions complete before Run returns.
func (m *Machine) Run(ctx context.Context) error {
	if err := m.source.Start(ctx, m); err != nil {
		return fmt.Errorf("capture: start audio source: %w", err)
	}
	defer m.source.Close()

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.discardCurrent("shutdown")
			return ctx.Err()
		case cmd := <-m.cmds:
			cmd()
		case <-ticker.C:
			m.tick()
		}
	}
}

// OnFrame appends the frame to the live utterance, if any. Runs on the audio
// callback and must not block.
func (m *Machine) OnFrame(f audio.Frame) {
	if u := m.cur.Load(); u != nil {
		u.Append(f)
	}
}

// OnVoice forwards a voice-activity edge onto the command queue.
func (m *Machine) OnVoice(ev audio.VoiceEvent) {
	if ev.Start {
		m.enqueue(func() { m.voiceStart(ev.Pipe) })
	} else {
		m.enqueue(func() { m.voiceStop(ev.Pipe) })
	}
}

// OnKeyword forwards a keyword-spot result onto the command queue.
func (m *Machine) OnKeyword(ev audio.KeywordEvent) {
	m.enqueue(func() { m.keyword(ev) })
}

// SetMode switches the conversation mode. Called by the session controller.
func (m *Machine) SetMode(mode Mode) {
	m.enqueue(func() {
		if m.mode == mode {
			return
		}
		m.mode = mode
		m.log.Info("conversation mode changed", "mode", mode.String())
		// Ask retains everything; a capture already in progress becomes
		// worth keeping the moment the mode flips.
		if mode == ModeAsk {
			if u := m.cur.Load(); u != nil {
				m.activate(u, "")
			}
		}
	})
}

// SetBotName tears down the detection pipes and rebuilds them against the
// named bot's dictionary and language model. Capture is paused during the
// rebuild and any in-flight utterance is discarded; it must never be
// dispatched against a stale vocabulary. Called by the session controller
// after login.
func (m *Machine) SetBotName(name string) {
	m.enqueue(func() { m.rebuild(name) })
}

// Pause stops capture and discards the in-flight utterance. Called by the
// session controller on disconnect; capture resumes only through
// [Machine.SetBotName] once a new login confirms the bot identity.
func (m *Machine) Pause() {
	m.enqueue(func() {
		m.discardCurrent("session lost")
		m.source.Pause()
		m.paused = true
		m.ready.Store(false)
	})
}

// enqueue delivers a command to the Run loop without blocking the caller.
// A full queue drops the command; the 100ms tick makes the loop responsive
// enough that this only happens when the loop is gone.
func (m *Machine) enqueue(cmd func()) {
	select {
	case m.cmds <- cmd:
	default:
		m.log.Warn("command queue full, event dropped")
	}
}

// stagger returns pipe i's forced-timeout delay. Staggering keeps sibling
// pipes from stalling in lock-step when one detector stops signaling.
func (m *Machine) stagger(pipe int) time.Duration {
	return time.Duration(float64(m.baseTimeout) * (1 + float64(pipe)/2.0))
}

// voiceStart opens a new utterance, or re-extends the current one's deadline
// to the full recording window. Arms the pipe's forced timeout.
func (m *Machine) voiceStart(pipe int) {
	if m.paused {
		return
	}
	now := m.now()
	u := m.cur.Load()
	if u == nil {
		u = newUtterance(now, PreRollWindow, MaxRecordDuration)
		m.cur.Store(u)
		m.sent = false
		m.log.Debug("utterance started", "pipe", pipe)
	} else {
		u.extendDeadline(MaxRecordDuration)
	}
	if pipe >= 0 && pipe < len(m.pipeDeadlines) {
		m.pipeDeadlines[pipe] = now.Add(m.stagger(pipe))
	}
	if m.mode == ModeAsk {
		m.activate(u, "")
	}
}

// voiceStop schedules an early close: the utterance ends after MaxSilence
// unless a louder pipe re-extends it first.
func (m *Machine) voiceStop(pipe int) {
	if pipe >= 0 && pipe < len(m.pipeDeadlines) {
		m.pipeDeadlines[pipe] = time.Time{}
	}
	if u := m.cur.Load(); u != nil {
		u.shrinkDeadline(m.now(), MaxSilence)
	}
}

// keyword applies the score gate and activates the live utterance. A score
// of exactly zero means the decoder reported no score and its accept
// decision is trusted; any other score below the floor is a rejected false
// positive.
func (m *Machine) keyword(ev audio.KeywordEvent) {
	m.scores.add(ev.Score)
	m.metrics.RecordKeywordScore(context.Background(), ev.Score)

	if m.mode == ModeOff && ev.Score != 0 && ev.Score < m.scoreFloor {
		m.log.Info("keyword rejected as false positive",
			"pipe", ev.Pipe,
			"text", ev.Text,
			"score", ev.Score,
			"score_min", m.scores.min,
			"score_mean", m.scores.mean(),
			"score_max", m.scores.max,
		)
		return
	}

	u := m.cur.Load()
	if u == nil {
		// Keyword result with no open utterance: the detector raced a
		// deadline close. Nothing to activate.
		m.log.Debug("keyword with no live utterance", "pipe", ev.Pipe, "text", ev.Text)
		return
	}

	m.log.Info("keyword detected",
		"pipe", ev.Pipe,
		"text", ev.Text,
		"score", ev.Score,
		"score_min", m.scores.min,
		"score_mean", m.scores.mean(),
		"score_max", m.scores.max,
	)
	m.activate(u, ev.Text)
}

// activate marks the utterance as worth keeping and emits its dispatch.
// Emitting at activation rather than at the deadline lets the session layer
// begin streaming to the recognizer while capture is still running.
func (m *Machine) activate(u *Utterance, keyword string) {
	u.Activate()
	if m.sent {
		return
	}
	d := Dispatch{
		Chunks:    u.Drain(m.chunkSize),
		Keyword:   keyword,
		StartedAt: u.StartedAt(),
	}
	select {
	case m.dispatches <- d:
		m.sent = true
	default:
		m.log.Error("dispatch queue full, discarding utterance")
		m.clearCurrent(u, "dispatch queue full")
	}
}

// tick evaluates deadlines. Runs every PollInterval on the Run loop.
func (m *Machine) tick() {
	u := m.cur.Load()
	if u == nil {
		return
	}
	now := m.now()

	u.evictTo(now)

	// Liveness safeguard: a pipe whose forced timeout elapsed while the
	// utterance is still open gets voice-start semantics re-issued, so a
	// detector that silently stopped signaling cannot wedge the deadline
	// algebra. The utterance's own deadline still bounds total duration.
	for pipe, dl := range m.pipeDeadlines {
		if dl.IsZero() || now.Before(dl) {
			continue
		}
		if u.State() == StateCapturing {
			u.extendDeadline(MaxRecordDuration)
			m.pipeDeadlines[pipe] = now.Add(m.stagger(pipe))
			m.log.Debug("pipe timeout, re-extending capture", "pipe", pipe)
		} else {
			m.pipeDeadlines[pipe] = time.Time{}
		}
	}

	if !u.expired(now) {
		return
	}

	u.end()
	for i := range m.pipeDeadlines {
		m.pipeDeadlines[i] = time.Time{}
	}

	if u.finalize() {
		u.markDispatched()
		m.metrics.RecordUtterance(context.Background(), "dispatched")
		m.log.Info("utterance dispatched", "duration", now.Sub(u.StartedAt()))
	} else {
		u.discard()
		m.metrics.RecordUtterance(context.Background(), "discarded")
		m.log.Debug("utterance discarded", "duration", now.Sub(u.StartedAt()))
	}
	m.cur.Store(nil)
	m.sent = false
}

// rebuild swaps the detection pipes to the named bot's vocabulary. A build
// failure is fatal for that name: it is announced to the user and capture
// stays paused until a valid name arrives.
func (m *Machine) rebuild(name string) {
	m.source.Pause()
	m.paused = true
	m.ready.Store(false)
	m.discardCurrent("vocabulary switch")

	model := audio.PipeModel{
		Dictionary:    filepath.Join(m.resourceDir, name+".dic"),
		LanguageModel: filepath.Join(m.resourceDir, name+".lm"),
	}
	if err := m.source.Rebuild(model); err != nil {
		m.log.Error("detection pipe rebuild failed, capture stays paused", "bot", name, "error", err)
		m.speaker.Speak("error conf")
		return
	}

	m.paused = false
	m.ready.Store(true)
	m.source.Resume()
	m.log.Info("detection pipes rebuilt", "bot", name)
	m.speaker.Speak("ready")
}

// discardCurrent drops the in-flight utterance, if any.
func (m *Machine) discardCurrent(reason string) {
	if u := m.cur.Load(); u != nil {
		m.clearCurrent(u, reason)
	}
}

// clearCurrent discards u and resets per-utterance bookkeeping.
func (m *Machine) clearCurrent(u *Utterance, reason string) {
	u.discard()
	m.metrics.RecordUtterance(context.Background(), "discarded")
	m.log.Debug("utterance discarded", "reason", reason)
	m.cur.Store(nil)
	m.sent = false
	for i := range m.pipeDeadlines {
		m.pipeDeadlines[i] = time.Time{}
	}
}
