// Package audio provides microphone capture and PCM frame encoding for the
// consultation pipeline.
package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 16000

	// FrameSamples is the fixed frame size. 4096 samples at 16 kHz is
	// roughly 256 ms per frame.
	FrameSamples = 4096
)

// ErrDeviceUnavailable means the capture device could not be acquired:
// no input device, or permission denied by the OS.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

// Source delivers fixed-size frames of linear-PCM samples at a fixed
// cadence. Implementations own the underlying input stream exclusively.
type Source interface {
	// Open acquires the device. May block while the OS asks the user for
	// permission. Fails with ErrDeviceUnavailable if acquisition fails.
	Open() error

	// ReadFrame blocks until the next frame is captured. The returned
	// slice is only valid until the next call.
	ReadFrame() ([]int16, error)

	// Close releases the device and stops frame delivery. Idempotent.
	Close() error
}

// Microphone captures 16-bit PCM from the default input device via
// PortAudio.
type Microphone struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
	opened bool
}

var _ Source = (*Microphone)(nil)

// NewMicrophone returns an unopened microphone source.
func NewMicrophone() *Microphone {
	return &Microphone{}
}

// Open initializes PortAudio, opens the default input stream and starts
// recording.
func (m *Microphone) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	buffer := make([]int16, FrameSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(SampleRate), len(buffer), buffer)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	m.stream = stream
	m.buffer = buffer
	m.opened = true
	return nil
}

// ReadFrame captures one frame from the microphone. Returns io.EOF once the
// device has been closed.
func (m *Microphone) ReadFrame() ([]int16, error) {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return nil, io.EOF
	}
	if err := stream.Read(); err != nil {
		return nil, err
	}
	return m.buffer, nil
}

// Close stops and closes the stream and terminates PortAudio. Safe to call
// more than once.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil
	}
	m.opened = false

	var err error
	if stopErr := m.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := m.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	m.stream = nil
	portaudio.Terminate()
	return err
}
