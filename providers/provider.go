package providers

import (
	"context"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Streamer creates live transcription streams. A stream carries consultation
// audio upstream and delivers transcription events for both sides of the
// conversation downstream. Implementations exist for Gemini Live (the
// reference, which also talks back as the assistant) and for doctor-side-only
// fallbacks like Deepgram and Google Cloud Speech.
type Streamer interface {
	// NewStream opens a new live stream with the given configuration.
	// The context cancels the stream; after cancellation ReceiveEvent
	// returns io.EOF.
	NewStream(ctx context.Context, config StreamConfig) (Stream, error)
}

// Stream is one open duplex transcription stream.
type Stream interface {
	// SendAudio sends one encoded audio chunk upstream. The chunk must
	// match the sample rate declared in StreamConfig.
	SendAudio(chunk []byte) error

	// ReceiveEvent blocks until the next transcription event is available.
	// Returns io.EOF once the stream is closed and drained.
	ReceiveEvent() (StreamEvent, error)

	// Close tears down the stream and releases resources. Readers and
	// writers must be stopped before calling Close.
	Close() error
}

// StreamConfig holds vendor-agnostic configuration for live streams.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz (e.g., 16000)
	SampleRate int

	// LanguageCode specifies the transcription language (e.g., "en-US")
	LanguageCode string

	// SystemInstruction primes conversational streamers with the visit
	// context. Transcription-only streamers ignore it.
	SystemInstruction string
}

// EventKind discriminates the events a stream can emit.
type EventKind int

const (
	// EventLocalDelta carries a text fragment for the doctor's
	// (microphone-side) current turn.
	EventLocalDelta EventKind = iota

	// EventRemoteDelta carries a text fragment for the assistant's
	// current turn.
	EventRemoteDelta

	// EventTurnComplete closes out the currently open turn(s).
	// It carries no text.
	EventTurnComplete
)

// StreamEvent is one inbound event from a live stream. Fragments are
// incremental: each delta extends the open turn, it does not restate it.
type StreamEvent struct {
	Kind EventKind

	// Text is the fragment for delta events, empty for turn-complete.
	Text string

	// StreamerName identifies the vendor that produced the event.
	StreamerName string

	// ReceivedAt is when the event arrived.
	ReceivedAt time.Time
}

// Generator performs one-shot structured generation: a single prompt
// constrained by an output schema, answered with text expected to parse as
// JSON conforming to that schema. Calls are side-effect-free and may be
// retried by the caller.
type Generator interface {
	Generate(ctx context.Context, prompt string, schema *jsonschema.Schema) (string, error)
}
