package consult

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/aneezhealth/consult/providers"
)

// SessionState tracks where a streaming session is in its lifecycle.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrConnectionFailure wraps handshake and mid-session transport errors.
// A failed session is not resumable; the caller must start a new one.
var ErrConnectionFailure = errors.New("connection failure")

// ErrSessionNotIdle is returned by Start on anything but a fresh session.
var ErrSessionNotIdle = errors.New("session already started")

// pendingQueueSize bounds the chunks buffered while the stream is still
// connecting. At 4096 samples per chunk this is roughly 8 seconds of audio.
const pendingQueueSize = 32

// Session owns the lifecycle of one remote transcription stream: connect,
// send chunks, pump events, close. Exactly one Session exists per
// consultation and it is never shared.
//
// Chunks sent while the stream is still connecting are queued and flushed,
// in original order, once the stream opens. The queue is bounded; on
// overflow the oldest chunk is dropped and counted.
type Session struct {
	handle   string
	streamer providers.Streamer
	config   providers.StreamConfig
	log      *log.Logger

	events    chan providers.StreamEvent
	closeEvts sync.Once

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   SessionState
	stream  providers.Stream
	pending [][]byte
	dropped uint64
	lastErr error
}

// NewSession creates an idle session. Start must be called before Send.
func NewSession(streamer providers.Streamer, config providers.StreamConfig, logger *log.Logger) *Session {
	return &Session{
		handle:   uuid.NewString(),
		streamer: streamer,
		config:   config,
		log:      logger,
		events:   make(chan providers.StreamEvent, 32),
		state:    StateIdle,
	}
}

// Handle returns the opaque identifier of this session.
func (s *Session) Handle() string {
	return s.handle
}

// Start moves the session from Idle to Connecting and begins the handshake
// in the background. Send may be called immediately; chunks are queued until
// the stream opens. Connection errors surface through Err and the closing of
// the Events channel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrSessionNotIdle, s.state)
	}
	s.state = StateConnecting
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.connect(ctx)
	return nil
}

func (s *Session) connect(ctx context.Context) {
	defer s.wg.Done()

	stream, err := s.streamer.NewStream(ctx, s.config)
	if err != nil {
		// No receive pump exists yet, so the channel is closed here.
		s.fail(fmt.Errorf("%w: %v", ErrConnectionFailure, err))
		s.closeEvents()
		return
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Stopped while the handshake was in flight.
		s.mu.Unlock()
		stream.Close()
		s.closeEvents()
		return
	}
	s.stream = stream

	// Drain the queue completely before declaring the session open, so a
	// chunk arriving mid-flush cannot jump ahead of earlier ones. Chunks
	// sent while we flush keep landing in the queue and are picked up by
	// the next round.
	for len(s.pending) > 0 {
		queued := s.pending
		s.pending = nil
		s.mu.Unlock()
		for _, chunk := range queued {
			if err := stream.SendAudio(chunk); err != nil {
				s.fail(fmt.Errorf("%w: flushing queued audio: %v", ErrConnectionFailure, err))
				s.closeEvents()
				return
			}
		}
		s.mu.Lock()
		if s.state != StateConnecting {
			s.mu.Unlock()
			stream.Close()
			s.closeEvents()
			return
		}
	}
	s.state = StateOpen
	s.mu.Unlock()

	s.wg.Add(1)
	go s.receive(ctx, stream)
}

func (s *Session) receive(ctx context.Context, stream providers.Stream) {
	defer s.wg.Done()
	defer s.closeEvents()

	for {
		ev, err := stream.ReceiveEvent()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			s.fail(fmt.Errorf("%w: %v", ErrConnectionFailure, err))
			return
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// Send transmits one encoded chunk, or queues it if the stream has not
// opened yet. Returns io.EOF once the session is closing or closed, and the
// recorded failure after a transport error.
func (s *Session) Send(chunk []byte) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
		s.mu.Unlock()
		return errors.New("session not started")
	case StateConnecting:
		if len(s.pending) >= pendingQueueSize {
			s.pending = s.pending[1:]
			s.dropped++
		}
		s.pending = append(s.pending, chunk)
		s.mu.Unlock()
		return nil
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return io.EOF
	case StateFailed:
		err := s.lastErr
		s.mu.Unlock()
		return err
	}
	stream := s.stream
	s.mu.Unlock()

	if err := stream.SendAudio(chunk); err != nil {
		failure := fmt.Errorf("%w: %v", ErrConnectionFailure, err)
		s.fail(failure)
		return failure
	}
	return nil
}

// Events returns the inbound event stream. The channel is closed when the
// session ends, whether by Stop or by failure.
func (s *Session) Events() <-chan providers.StreamEvent {
	return s.events
}

// Stop closes the session. Queued-but-unsent chunks are discarded. Safe to
// call from any state and idempotent: the second call is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	switch s.state {
	case StateClosing, StateClosed, StateFailed:
		s.mu.Unlock()
		return nil
	case StateIdle:
		s.state = StateClosed
		s.mu.Unlock()
		s.closeEvents()
		return nil
	}
	s.state = StateClosing
	s.pending = nil
	stream := s.stream
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	var err error
	if stream != nil {
		err = stream.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.closeEvents()
	return err
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session into Failed, wrapped with
// the state the session was in when the error hit.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// DroppedChunks reports how many queued chunks were discarded due to
// pre-open queue overflow.
func (s *Session) DroppedChunks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed || s.state == StateFailed {
		// Errors racing a deliberate stop are expected teardown noise.
		s.mu.Unlock()
		return
	}
	s.lastErr = fmt.Errorf("%w (state %s)", err, s.state)
	s.state = StateFailed
	stream := s.stream
	cancel := s.cancel
	s.mu.Unlock()

	s.log.Printf("session %s failed: %v", s.handle, err)

	// Tear the transport down so a running receive pump unblocks and
	// exits; its deferred closeEvents is what closes the channel. Closing
	// the channel here would race a pump still delivering an event.
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		stream.Close()
	}
}

func (s *Session) closeEvents() {
	s.closeEvts.Do(func() { close(s.events) })
}
