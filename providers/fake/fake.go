// Package fake provides deterministic capability implementations for tests:
// a streamer that replays a scripted event sequence and a generator that
// returns canned output. No network, no timing dependence beyond the
// optional per-event delay.
package fake

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/aneezhealth/consult/providers"
)

const streamerName = "fake"

// Step is one scripted item: an event to emit, an error to fail with, or a
// delay before the next step.
type Step struct {
	Event providers.StreamEvent
	Err   error
	Delay time.Duration
}

// Delta builds a scripted delta step.
func Delta(kind providers.EventKind, text string) Step {
	return Step{Event: providers.StreamEvent{
		Kind:         kind,
		Text:         text,
		StreamerName: streamerName,
		ReceivedAt:   time.Now(),
	}}
}

// TurnComplete builds a scripted turn boundary step.
func TurnComplete() Step {
	return Step{Event: providers.StreamEvent{
		Kind:         providers.EventTurnComplete,
		StreamerName: streamerName,
		ReceivedAt:   time.Now(),
	}}
}

// Fail builds a step that errors the stream.
func Fail(err error) Step {
	return Step{Err: err}
}

// Streamer replays its script on every stream it opens.
type Streamer struct {
	Script []Step

	// ConnectErr, when set, fails NewStream.
	ConnectErr error

	// ConnectDelay holds the handshake open, useful for exercising the
	// pre-open send queue.
	ConnectDelay time.Duration

	mu      sync.Mutex
	streams []*Stream
}

var _ providers.Streamer = (*Streamer)(nil)

// Name returns the name of the streamer.
func (s *Streamer) Name() string {
	return streamerName
}

// NewStream returns a stream that will replay the script.
func (s *Streamer) NewStream(ctx context.Context, config providers.StreamConfig) (providers.Stream, error) {
	if s.ConnectDelay > 0 {
		select {
		case <-time.After(s.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.ConnectErr != nil {
		return nil, s.ConnectErr
	}

	stream := &Stream{
		ctx:    ctx,
		script: s.Script,
		config: config,
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

// Streams returns every stream opened so far, for inspection.
func (s *Streamer) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stream, len(s.streams))
	copy(out, s.streams)
	return out
}

// Stream replays a script and records everything sent to it.
type Stream struct {
	ctx    context.Context
	script []Step
	config providers.StreamConfig

	mu        sync.Mutex
	sent      [][]byte
	pos       int
	closeOnce sync.Once
	closed    chan struct{}
}

var _ providers.Stream = (*Stream)(nil)

// SendAudio records the chunk.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sent = append(s.sent, cp)
	return nil
}

// Sent returns the chunks received so far, in order.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Config returns the configuration the stream was opened with.
func (s *Stream) Config() providers.StreamConfig {
	return s.config
}

// ReceiveEvent replays the next scripted step. Once the script is
// exhausted it blocks until the stream is closed, then returns io.EOF.
func (s *Stream) ReceiveEvent() (providers.StreamEvent, error) {
	for {
		s.mu.Lock()
		if s.pos >= len(s.script) {
			s.mu.Unlock()
			select {
			case <-s.closed:
			case <-s.ctx.Done():
			}
			return providers.StreamEvent{}, io.EOF
		}
		step := s.script[s.pos]
		s.pos++
		s.mu.Unlock()

		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-s.closed:
				return providers.StreamEvent{}, io.EOF
			case <-s.ctx.Done():
				return providers.StreamEvent{}, io.EOF
			}
			continue
		}
		if step.Err != nil {
			return providers.StreamEvent{}, step.Err
		}
		return step.Event, nil
	}
}

// Close unblocks any pending ReceiveEvent. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Generator returns canned output, or a canned error.
type Generator struct {
	Output string
	Err    error

	mu      sync.Mutex
	prompts []string
	schemas []*jsonschema.Schema
}

var _ providers.Generator = (*Generator)(nil)

// Generate records the prompt and schema and returns the canned response.
func (g *Generator) Generate(_ context.Context, prompt string, schema *jsonschema.Schema) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.schemas = append(g.schemas, schema)
	g.mu.Unlock()
	if g.Err != nil {
		return "", g.Err
	}
	return g.Output, nil
}

// Prompts returns every prompt submitted so far.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.prompts))
	copy(out, g.prompts)
	return out
}

// Schemas returns every schema submitted so far.
func (g *Generator) Schemas() []*jsonschema.Schema {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*jsonschema.Schema, len(g.schemas))
	copy(out, g.schemas)
	return out
}
