package consult

import (
	"sync"
	"time"

	"github.com/aneezhealth/consult/providers"
)

// Speaker identifies which side of the consultation a turn belongs to.
type Speaker string

const (
	// SpeakerDoctor is the local, microphone side.
	SpeakerDoctor Speaker = "doctor"
	// SpeakerAssistant is the remote, model side.
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one uninterrupted span of speech by a single speaker. While a turn
// is open, incoming fragments keep extending Text in place; once Closed is
// set, a later fragment for the same speaker starts a new turn.
type Turn struct {
	Role      Speaker   `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Closed    bool      `json:"closed"`
}

// Assembler merges incremental per-turn text fragments from both speakers
// into an ordered transcript. It owns the transcript buffer for the lifetime
// of one consultation; readers only ever get value snapshots.
//
// Fragments are assumed incremental (each delta extends the open turn).
// A transport that re-sends the full turn text on every delta needs its own
// accumulation and should not be wired through OnDelta as-is.
type Assembler struct {
	mu      sync.Mutex
	turns   []Turn
	pending map[Speaker]string

	// now is swapped out in tests
	now func() time.Time
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		pending: make(map[Speaker]string),
		now:     time.Now,
	}
}

// OnDelta appends fragment to the speaker's pending turn and upserts the
// transcript buffer. If the buffer's last entry belongs to the same speaker
// and is still open, its text is replaced with the full accumulated value.
// Otherwise a new entry is started and the speaker's accumulation restarts
// from this fragment; any earlier open entry of the same speaker is closed
// at that point, so at most one entry per speaker is ever open and text
// from a previous, already-placed turn never bleeds into the new entry.
func (a *Assembler) OnDelta(speaker Speaker, fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.turns); n > 0 {
		last := &a.turns[n-1]
		if last.Role == speaker && !last.Closed {
			a.pending[speaker] += fragment
			last.Text = a.pending[speaker]
			return
		}
	}

	// The new entry supersedes the speaker's displaced open entry, if one
	// exists; no further deltas can reach it, so it is closed here.
	for i := len(a.turns) - 1; i >= 0; i-- {
		if a.turns[i].Role == speaker {
			a.turns[i].Closed = true
			break
		}
	}

	a.pending[speaker] = fragment
	a.turns = append(a.turns, Turn{
		Role:      speaker,
		Text:      fragment,
		Timestamp: a.now(),
	})
}

// CompleteTurn closes the speaker's open turn, if any, and resets the
// speaker's pending accumulation. The buffer entry stays in place; marking
// it closed is what prevents a later delta from silently merging into a
// logically finished turn.
func (a *Assembler) CompleteTurn(speaker Speaker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeLocked(speaker)
}

// CompleteAll closes every open turn. Live transports signal turn boundaries
// without attributing them to a speaker, so the event dispatch closes both
// sides at once, same as the accumulator reset in the source application.
func (a *Assembler) CompleteAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completeLocked(SpeakerDoctor)
	a.completeLocked(SpeakerAssistant)
}

func (a *Assembler) completeLocked(speaker Speaker) {
	delete(a.pending, speaker)
	for i := len(a.turns) - 1; i >= 0; i-- {
		if a.turns[i].Role != speaker {
			continue
		}
		a.turns[i].Closed = true
		return
	}
}

// HandleEvent routes one stream event into the transcript.
func (a *Assembler) HandleEvent(ev providers.StreamEvent) {
	switch ev.Kind {
	case providers.EventLocalDelta:
		a.OnDelta(SpeakerDoctor, ev.Text)
	case providers.EventRemoteDelta:
		a.OnDelta(SpeakerAssistant, ev.Text)
	case providers.EventTurnComplete:
		a.CompleteAll()
	}
}

// Snapshot returns a copy of the transcript in arrival order. Safe to call
// at any time, including while deltas are still being applied.
func (a *Assembler) Snapshot() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Len returns the number of entries in the transcript.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}

// Reset clears the transcript and all pending accumulation. Used only when a
// consultation session is reset, never on turn completion.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = nil
	a.pending = make(map[Speaker]string)
}
