package consult

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aneezhealth/consult/providers"
	"github.com/aneezhealth/consult/providers/fake"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testConfig() providers.StreamConfig {
	return providers.StreamConfig{SampleRate: 16000, LanguageCode: "en-US"}
}

// waitForState polls until the session reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, s *Session, want SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %s, stuck at %s", want, s.State())
}

func TestSessionLifecycle(t *testing.T) {
	streamer := &fake.Streamer{}
	s := NewSession(streamer, testConfig(), testLogger())

	assert.Equal(t, StateIdle, s.State())
	assert.NotEmpty(t, s.Handle())

	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateOpen)

	require.NoError(t, s.Stop())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionStartTwice(t *testing.T) {
	s := NewSession(&fake.Streamer{}, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotIdle)
	s.Stop()
}

func TestSessionQueuesChunksWhileConnecting(t *testing.T) {
	streamer := &fake.Streamer{ConnectDelay: 50 * time.Millisecond}
	s := NewSession(streamer, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))

	// Sent before the handshake finishes: must be queued, not dropped.
	chunks := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, c := range chunks {
		require.NoError(t, s.Send(c))
	}

	waitForState(t, s, StateOpen)

	// Flushed in original order, ahead of anything sent after Open.
	require.NoError(t, s.Send([]byte("four")))

	stream := streamer.Streams()[0]
	sent := stream.Sent()
	require.Len(t, sent, 4)
	assert.Equal(t, []byte("one"), sent[0])
	assert.Equal(t, []byte("two"), sent[1])
	assert.Equal(t, []byte("three"), sent[2])
	assert.Equal(t, []byte("four"), sent[3])
	assert.Zero(t, s.DroppedChunks())

	s.Stop()
}

func TestSessionQueueOverflowDropsOldest(t *testing.T) {
	streamer := &fake.Streamer{ConnectDelay: 100 * time.Millisecond}
	s := NewSession(streamer, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))

	for i := 0; i < pendingQueueSize+3; i++ {
		require.NoError(t, s.Send([]byte{byte(i)}))
	}

	waitForState(t, s, StateOpen)

	assert.Equal(t, uint64(3), s.DroppedChunks())
	sent := streamer.Streams()[0].Sent()
	require.Len(t, sent, pendingQueueSize)
	// Oldest dropped first: the flush starts at chunk 3.
	assert.Equal(t, []byte{3}, sent[0])

	s.Stop()
}

func TestSessionForwardsEvents(t *testing.T) {
	streamer := &fake.Streamer{
		Script: []fake.Step{
			fake.Delta(providers.EventLocalDelta, "hello "),
			fake.Delta(providers.EventLocalDelta, "world"),
			fake.TurnComplete(),
			fake.Delta(providers.EventRemoteDelta, "hi there"),
		},
	}
	s := NewSession(streamer, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))

	var got []providers.StreamEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 4 {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("events channel closed after %d events", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	assert.Equal(t, providers.EventLocalDelta, got[0].Kind)
	assert.Equal(t, "hello ", got[0].Text)
	assert.Equal(t, providers.EventTurnComplete, got[2].Kind)
	assert.Equal(t, providers.EventRemoteDelta, got[3].Kind)

	s.Stop()
}

func TestSessionConnectFailure(t *testing.T) {
	streamer := &fake.Streamer{ConnectErr: errors.New("handshake refused")}
	s := NewSession(streamer, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))

	waitForState(t, s, StateFailed)

	err := s.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionFailure)
	assert.Contains(t, err.Error(), "connecting")

	// The events channel closes so consumers do not hang.
	_, ok := <-s.Events()
	assert.False(t, ok)

	// No automatic retry: the session stays failed.
	assert.Equal(t, StateFailed, s.State())
}

func TestSessionMidStreamFailure(t *testing.T) {
	streamer := &fake.Streamer{
		Script: []fake.Step{
			fake.Delta(providers.EventLocalDelta, "partial"),
			fake.Fail(errors.New("transport reset")),
		},
	}
	s := NewSession(streamer, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))

	ev, ok := <-s.Events()
	require.True(t, ok)
	assert.Equal(t, "partial", ev.Text)

	_, ok = <-s.Events()
	assert.False(t, ok)

	waitForState(t, s, StateFailed)
	assert.ErrorIs(t, s.Err(), ErrConnectionFailure)
}

func TestSessionSendAfterFailure(t *testing.T) {
	streamer := &fake.Streamer{ConnectErr: errors.New("refused")}
	s := NewSession(streamer, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateFailed)

	err := s.Send([]byte("chunk"))
	assert.ErrorIs(t, err, ErrConnectionFailure)
}

func TestSessionStopIdempotent(t *testing.T) {
	s := NewSession(&fake.Streamer{}, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateOpen)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateClosed, s.State())
}

func TestSessionStopBeforeStart(t *testing.T) {
	s := NewSession(&fake.Streamer{}, testConfig(), testLogger())
	require.NoError(t, s.Stop())
	assert.Equal(t, StateClosed, s.State())

	// A closed session cannot be restarted.
	assert.Error(t, s.Start(context.Background()))
}

func TestSessionStopDiscardsQueued(t *testing.T) {
	streamer := &fake.Streamer{ConnectDelay: 200 * time.Millisecond}
	s := NewSession(streamer, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Send([]byte("queued")))
	require.NoError(t, s.Stop())

	// Nothing may be transmitted after stop, even chunks already queued.
	for _, stream := range streamer.Streams() {
		assert.Empty(t, stream.Sent())
	}

	assert.ErrorIs(t, s.Send([]byte("late")), io.EOF)
}

// stuckStream fails every SendAudio and holds ReceiveEvent open until the
// test releases an event or the stream is closed.
type stuckStream struct {
	sendErr   error
	release   chan providers.StreamEvent
	closed    chan struct{}
	closeOnce sync.Once
}

func newStuckStream(sendErr error) *stuckStream {
	return &stuckStream{
		sendErr: sendErr,
		release: make(chan providers.StreamEvent, 1),
		closed:  make(chan struct{}),
	}
}

func (s *stuckStream) SendAudio(chunk []byte) error {
	return s.sendErr
}

func (s *stuckStream) ReceiveEvent() (providers.StreamEvent, error) {
	select {
	case ev := <-s.release:
		return ev, nil
	case <-s.closed:
		return providers.StreamEvent{}, io.EOF
	}
}

func (s *stuckStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type stuckStreamer struct {
	stream *stuckStream
}

func (s *stuckStreamer) NewStream(ctx context.Context, config providers.StreamConfig) (providers.Stream, error) {
	return s.stream, nil
}

func TestSessionSendFailureWithPendingReceive(t *testing.T) {
	// A Send-path failure must not close the events channel out from under
	// the receive pump: a receive completing right after the failure used
	// to panic on the closed channel.
	stream := newStuckStream(errors.New("pipe broken"))
	s := NewSession(&stuckStreamer{stream: stream}, testConfig(), testLogger())
	require.NoError(t, s.Start(context.Background()))
	waitForState(t, s, StateOpen)

	err := s.Send([]byte("chunk"))
	require.ErrorIs(t, err, ErrConnectionFailure)
	waitForState(t, s, StateFailed)

	// Release the pending receive after the failure. The pump must drop
	// or deliver it and then shut down cleanly.
	stream.release <- providers.StreamEvent{Kind: providers.EventLocalDelta, Text: "late"}

	timeout := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, ok := <-s.Events():
			open = ok
		case <-timeout:
			t.Fatal("events channel never closed after a send failure")
		}
	}

	// The failure tears the underlying stream down; nothing leaks.
	select {
	case <-stream.closed:
	default:
		t.Fatal("stream was not closed after the send failure")
	}
	assert.ErrorIs(t, s.Err(), ErrConnectionFailure)
}

func TestSessionSendNotStarted(t *testing.T) {
	s := NewSession(&fake.Streamer{}, testConfig(), testLogger())
	assert.Error(t, s.Send([]byte("chunk")))
}
