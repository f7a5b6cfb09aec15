package consult

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneezhealth/consult/providers"
)

func TestAssemblerMergesSingleSpeakerDeltas(t *testing.T) {
	a := NewAssembler()

	a.OnDelta(SpeakerDoctor, "patient has ")
	a.OnDelta(SpeakerDoctor, "a fever ")
	a.OnDelta(SpeakerDoctor, "since yesterday")

	turns := a.Snapshot()
	require.Len(t, turns, 1)
	assert.Equal(t, SpeakerDoctor, turns[0].Role)
	assert.Equal(t, "patient has a fever since yesterday", turns[0].Text)
	assert.False(t, turns[0].Closed)
}

func TestAssemblerNewTurnAfterComplete(t *testing.T) {
	// Regression: without the closed flag, two separate turns by the same
	// speaker silently merge after a turn boundary.
	a := NewAssembler()

	a.OnDelta(SpeakerDoctor, "take paracetamol")
	a.CompleteTurn(SpeakerDoctor)
	a.OnDelta(SpeakerDoctor, "come back friday")

	turns := a.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, "take paracetamol", turns[0].Text)
	assert.True(t, turns[0].Closed)
	assert.Equal(t, "come back friday", turns[1].Text)
	assert.False(t, turns[1].Closed)
}

func TestAssemblerInterleavedSpeakers(t *testing.T) {
	a := NewAssembler()

	a.OnDelta(SpeakerDoctor, "severe headache")
	a.OnDelta(SpeakerAssistant, "noting symptoms")
	a.OnDelta(SpeakerDoctor, "and nausea")
	a.CompleteTurn(SpeakerDoctor)
	a.OnDelta(SpeakerDoctor, "any allergies")

	turns := a.Snapshot()
	require.Len(t, turns, 4)

	assert.Equal(t, SpeakerDoctor, turns[0].Role)
	assert.Equal(t, "severe headache", turns[0].Text)
	// Superseded by the doctor's later entry, so it must be closed.
	assert.True(t, turns[0].Closed)
	assert.Equal(t, SpeakerAssistant, turns[1].Role)
	assert.Equal(t, "noting symptoms", turns[1].Text)
	// The doctor's second delta landed after the assistant's entry, so it
	// starts a new entry rather than reaching back across it.
	assert.Equal(t, SpeakerDoctor, turns[2].Role)
	assert.Equal(t, "and nausea", turns[2].Text)
	assert.True(t, turns[2].Closed)
	assert.Equal(t, SpeakerDoctor, turns[3].Role)
	assert.Equal(t, "any allergies", turns[3].Text)

	// No entry spans both speakers and entries are in creation order.
	for i := 1; i < len(turns); i++ {
		assert.False(t, turns[i].Timestamp.Before(turns[i-1].Timestamp))
	}
}

func TestAssemblerNoAdjacentOpenSameRole(t *testing.T) {
	a := NewAssembler()

	a.OnDelta(SpeakerDoctor, "one")
	a.OnDelta(SpeakerDoctor, " two")
	a.OnDelta(SpeakerAssistant, "ack")
	a.OnDelta(SpeakerDoctor, "three")
	a.OnDelta(SpeakerDoctor, " four")

	turns := a.Snapshot()
	require.Len(t, turns, 3)
	for i := 1; i < len(turns); i++ {
		if turns[i].Role == turns[i-1].Role {
			assert.False(t, !turns[i].Closed && !turns[i-1].Closed,
				"two adjacent open entries with the same role")
		}
	}
	assert.Equal(t, "three four", turns[2].Text)

	// At most one entry per speaker is open at any time, adjacent or not.
	open := make(map[Speaker]int)
	for _, turn := range turns {
		if !turn.Closed {
			open[turn.Role]++
		}
	}
	for role, n := range open {
		assert.LessOrEqual(t, n, 1, "speaker %s has %d open entries", role, n)
	}
}

func TestAssemblerCompleteAllClosesBothSpeakers(t *testing.T) {
	a := NewAssembler()

	a.OnDelta(SpeakerDoctor, "doctor turn")
	a.OnDelta(SpeakerAssistant, "assistant turn")
	a.CompleteAll()

	for _, turn := range a.Snapshot() {
		assert.True(t, turn.Closed)
	}

	a.OnDelta(SpeakerAssistant, "fresh turn")
	turns := a.Snapshot()
	require.Len(t, turns, 3)
	assert.Equal(t, "fresh turn", turns[2].Text)
	assert.False(t, turns[2].Closed)
}

func TestAssemblerCompleteTurnWithoutOpenTurn(t *testing.T) {
	a := NewAssembler()

	// Boundary with nothing open must not create entries or panic.
	a.CompleteTurn(SpeakerDoctor)
	a.CompleteAll()
	assert.Equal(t, 0, a.Len())
}

func TestAssemblerHandleEvent(t *testing.T) {
	a := NewAssembler()

	events := []providers.StreamEvent{
		{Kind: providers.EventLocalDelta, Text: "I recommend "},
		{Kind: providers.EventLocalDelta, Text: "rest and fluids"},
		{Kind: providers.EventTurnComplete},
		{Kind: providers.EventRemoteDelta, Text: "noted, scheduling follow-up"},
	}
	for _, ev := range events {
		a.HandleEvent(ev)
	}

	turns := a.Snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, SpeakerDoctor, turns[0].Role)
	assert.Equal(t, "I recommend rest and fluids", turns[0].Text)
	assert.True(t, turns[0].Closed)
	assert.Equal(t, SpeakerAssistant, turns[1].Role)
	assert.Equal(t, "noted, scheduling follow-up", turns[1].Text)
	assert.False(t, turns[1].Closed)
}

func TestAssemblerSnapshotIsCopy(t *testing.T) {
	a := NewAssembler()
	a.OnDelta(SpeakerDoctor, "original")

	snap := a.Snapshot()
	snap[0].Text = "mutated"

	assert.Equal(t, "original", a.Snapshot()[0].Text)
}

func TestAssemblerReset(t *testing.T) {
	a := NewAssembler()
	a.OnDelta(SpeakerDoctor, "before reset")
	a.Reset()

	assert.Equal(t, 0, a.Len())

	// Accumulation must not survive the reset either.
	a.OnDelta(SpeakerDoctor, "after")
	assert.Equal(t, "after", a.Snapshot()[0].Text)
}

func TestAssemblerTimestamps(t *testing.T) {
	a := NewAssembler()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	calls := 0
	a.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	a.OnDelta(SpeakerDoctor, "first")
	a.OnDelta(SpeakerDoctor, " still first")
	a.OnDelta(SpeakerAssistant, "second")

	turns := a.Snapshot()
	require.Len(t, turns, 2)
	// The merged delta must not refresh the entry's timestamp.
	assert.Equal(t, base.Add(1*time.Second), turns[0].Timestamp)
	assert.Equal(t, base.Add(2*time.Second), turns[1].Timestamp)
}
