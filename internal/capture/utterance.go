// Package capture implements the utterance lifecycle: it turns the endless
// microphone stream into discrete utterances, decides which are worth
// sending for remote recognition, and hands the keepers to the session layer
// as lazy chunk sequences.
//
// The package is split between the [Utterance] (the frame store with its
// eviction and drain policy) and the [Machine] (the state machine driven by
// voice-activity and keyword events). At most one utterance is live at a
// time.
package capture

import (
	"sync"
	"time"

	"github.com/auris-project/auris/pkg/audio"
	"github.com/auris-project/auris/pkg/recognizer"
)

// State is the lifecycle state of an [Utterance].
type State int

const (
	// StateCapturing means frames are being appended.
	StateCapturing State = iota

	// StateEnded means the deadline elapsed; no more frames are accepted.
	StateEnded

	// StateDiscarded means the utterance ended without activation and its
	// frames were released.
	StateDiscarded

	// StateActivated means the utterance ended activated and is being
	// handed to recognition.
	StateActivated

	// StateDispatched means the utterance has been handed off; the terminal
	// state.
	StateDispatched
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCapturing:
		return "capturing"
	case StateEnded:
		return "ended"
	case StateDiscarded:
		return "discarded"
	case StateActivated:
		return "activated"
	case StateDispatched:
		return "dispatched"
	}
	return "unknown"
}

// Utterance is one candidate span of speech, from detected start to decided
// end. Frames are appended by the capture callback and drained by the
// session loop; both paths go through a single mutex held only for the
// duration of an append or a chunk pop.
type Utterance struct {
	mu   sync.Mutex
	cond *sync.Cond

	state     State
	activated bool

	startedAt time.Time
	deadline  time.Time

	frames  []audio.Frame
	preRoll time.Duration
}

// newUtterance creates a capturing utterance started at now. Until activation
// frames older than preRoll are evicted from the front.
func newUtterance(now time.Time, preRoll, maxDuration time.Duration) *Utterance {
	u := &Utterance{
		state:     StateCapturing,
		startedAt: now,
		deadline:  now.Add(maxDuration),
		preRoll:   preRoll,
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

// Append stores a frame if the utterance is still capturing; otherwise the
// frame is dropped. Must not block: the caller is the audio callback.
func (u *Utterance) Append(f audio.Frame) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateCapturing {
		return
	}
	u.frames = append(u.frames, f)
	if !u.activated {
		u.evictLocked(f.Timestamp)
	}
	u.cond.Signal()
}

// Activate marks the utterance as worth keeping. From this point on no frame
// is ever evicted, preserving the pre-roll that was already buffered.
func (u *Utterance) Activate() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateCapturing || u.activated {
		return false
	}
	u.activated = true
	return true
}

// Activated reports whether the utterance has been activated.
func (u *Utterance) Activated() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.activated
}

// State returns the current lifecycle state.
func (u *Utterance) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// StartedAt returns the instant the first voice activity was seen.
func (u *Utterance) StartedAt() time.Time { return u.startedAt }

// Deadline returns the instant after which the utterance force-closes.
func (u *Utterance) Deadline() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deadline
}

// extendDeadline resets the deadline to the full recording window, undoing
// any earlier silence-driven shrink. Voice-start semantics.
func (u *Utterance) extendDeadline(maxDuration time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateCapturing {
		return
	}
	u.deadline = u.startedAt.Add(maxDuration)
}

// shrinkDeadline schedules an early close after maxSilence unless the
// deadline is already sooner. Voice-stop semantics: a detected silence ends
// the utterance soon, but a louder pipe may re-extend it.
func (u *Utterance) shrinkDeadline(now time.Time, maxSilence time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateCapturing {
		return
	}
	if cut := now.Add(maxSilence); u.deadline.After(cut) {
		u.deadline = cut
	}
}

// expired reports whether the deadline has elapsed while still capturing.
func (u *Utterance) expired(now time.Time) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state == StateCapturing && !now.Before(u.deadline)
}

// end closes the utterance to further frames and wakes any blocked drain.
func (u *Utterance) end() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateCapturing {
		return
	}
	u.state = StateEnded
	u.cond.Broadcast()
}

// discard releases the frame store of an unactivated utterance. Safe to call
// in any state; dispatched utterances are left alone.
func (u *Utterance) discard() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state == StateDispatched {
		return
	}
	u.state = StateDiscarded
	u.frames = nil
	u.cond.Broadcast()
}

// finalize advances an ended, activated utterance to the activated state on
// its way to dispatch. It reports whether this call performed the
// transition; replaying finalize on an already activated or dispatched
// utterance is a no-op.
func (u *Utterance) finalize() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateEnded || !u.activated {
		return false
	}
	u.state = StateActivated
	return true
}

// markDispatched records the hand-off to the session layer; the terminal
// transition.
func (u *Utterance) markDispatched() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateActivated {
		return
	}
	u.state = StateDispatched
	u.cond.Broadcast()
}

// evictTo drops unactivated frames older than the pre-roll window relative
// to now. Called from the poll loop so eviction keeps up even when the
// microphone goes quiet between frames.
func (u *Utterance) evictTo(now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateCapturing || u.activated {
		return
	}
	u.evictLocked(now)
}

// evictLocked drops frames whose age relative to ref exceeds preRoll.
// Must be called with u.mu held and only before activation.
func (u *Utterance) evictLocked(ref time.Time) {
	cutoff := ref.Add(-u.preRoll)
	start := 0
	for start < len(u.frames) && u.frames[start].Timestamp.Before(cutoff) {
		start++
	}
	if start == 0 {
		return
	}
	// Copy to a fresh slice so evicted payloads can be garbage collected.
	fresh := make([]audio.Frame, len(u.frames)-start)
	copy(fresh, u.frames[start:])
	u.frames = fresh
}

// frameCount returns the number of retained frames. Intended for tests.
func (u *Utterance) frameCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.frames)
}

// Drain returns the utterance's audio as a lazy sequence of merged chunks,
// each at least chunkSize bytes except possibly the last. Next blocks while
// the utterance is still capturing and no full chunk is buffered yet, and
// reports exhaustion once the utterance has ended and every frame has been
// consumed. The sequence is consumed exactly once.
func (u *Utterance) Drain(chunkSize int) recognizer.ChunkSource {
	return recognizer.ChunkFunc(func() ([]byte, bool) {
		u.mu.Lock()
		defer u.mu.Unlock()

		var chunk []byte
		for {
			for len(u.frames) > 0 && len(chunk) < chunkSize {
				chunk = append(chunk, u.frames[0].Payload...)
				u.frames = u.frames[1:]
			}
			if len(chunk) >= chunkSize {
				return chunk, true
			}
			if u.state != StateCapturing {
				// Ended or discarded: flush the partial tail, then report
				// exhaustion.
				if len(chunk) > 0 {
					return chunk, true
				}
				return nil, false
			}
			u.cond.Wait()
		}
	})
}
