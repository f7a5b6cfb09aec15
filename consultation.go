package consult

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/aneezhealth/consult/audio"
	"github.com/aneezhealth/consult/providers"
)

// Appointment is the visit context handed in by the booking layer. It is
// read-only here and used only to prime the live session and the
// prescription prompt.
type Appointment struct {
	ID          string `json:"id"`
	PatientID   string `json:"patientId"`
	PatientName string `json:"patientName"`
	Token       string `json:"token"`
	Time        string `json:"time"`
	Reason      string `json:"reason"`
}

// ErrNotRecording is returned when audio arrives without an active session.
var ErrNotRecording = errors.New("no active consultation recording")

// Consultation drives one doctor-patient consultation: it owns the streaming
// session and transcript assembler, optionally pumps a local capture source,
// and produces the prescription once recording has stopped.
type Consultation struct {
	streamer  providers.Streamer
	generator providers.Generator
	capture   audio.Source
	log       *log.Logger

	assembler *Assembler
	updates   chan struct{}

	mu        sync.Mutex
	session   *Session
	appt      Appointment
	recording bool
	genBusy   bool

	wg sync.WaitGroup
}

// NewConsultation wires a consultation against the given capabilities.
// capture may be nil when audio is fed externally through SendAudio.
func NewConsultation(streamer providers.Streamer, generator providers.Generator, capture audio.Source, logger *log.Logger) *Consultation {
	return &Consultation{
		streamer:  streamer,
		generator: generator,
		capture:   capture,
		log:       logger,
		assembler: NewAssembler(),
		updates:   make(chan struct{}, 1),
	}
}

// Start begins recording for the given appointment: connects the streaming
// session, starts the event pump, and, if a capture source is attached,
// opens the device and starts the frame pump. The transcript is reset, so a
// Consultation can host one visit after another.
func (c *Consultation) Start(ctx context.Context, appt Appointment) error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return errors.New("consultation already recording")
	}

	session := NewSession(c.streamer, providers.StreamConfig{
		SampleRate:        audio.SampleRate,
		LanguageCode:      "en-US",
		SystemInstruction: systemInstruction(appt),
	}, c.log)

	c.session = session
	c.appt = appt
	c.recording = true
	c.assembler.Reset()
	c.mu.Unlock()

	if c.capture != nil {
		if err := c.capture.Open(); err != nil {
			c.mu.Lock()
			c.recording = false
			c.session = nil
			c.mu.Unlock()
			return err
		}
	}

	if err := session.Start(ctx); err != nil {
		if c.capture != nil {
			c.capture.Close()
		}
		c.mu.Lock()
		c.recording = false
		c.session = nil
		c.mu.Unlock()
		return err
	}

	c.wg.Add(1)
	go c.pumpEvents(session)

	if c.capture != nil {
		c.wg.Add(1)
		go c.pumpFrames(session)
	}

	c.log.Printf("consultation started: session=%s patient=%s", session.Handle(), appt.PatientID)
	return nil
}

// pumpEvents forwards stream events into the assembler until the session's
// event channel closes. Events are applied in arrival order; a turn-complete
// is never processed ahead of the deltas that preceded it.
func (c *Consultation) pumpEvents(session *Session) {
	defer c.wg.Done()

	for ev := range session.Events() {
		c.assembler.HandleEvent(ev)
		c.notify()
	}

	// Channel closed: either a deliberate stop or a failure. On failure
	// the recording state flips back so the UI lands on "not recording".
	if err := session.Err(); err != nil {
		c.log.Printf("consultation stream ended with error: %v", err)
		c.mu.Lock()
		c.recording = false
		c.mu.Unlock()
		c.notify()
	}
}

// pumpFrames reads capture frames, encodes them, and sends them to the
// session until the device closes or the session stops accepting audio.
func (c *Consultation) pumpFrames(session *Session) {
	defer c.wg.Done()

	for {
		frame, err := c.capture.ReadFrame()
		if err != nil {
			// Device released by Stop, or a capture fault.
			return
		}
		if err := session.Send(audio.EncodeFrame(frame)); err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Printf("audio send failed: %v", err)
			}
			return
		}
	}
}

// SendAudio feeds one externally captured, already encoded chunk into the
// live session.
func (c *Consultation) SendAudio(chunk []byte) error {
	c.mu.Lock()
	session := c.session
	recording := c.recording
	c.mu.Unlock()
	if !recording || session == nil {
		return ErrNotRecording
	}
	return session.Send(chunk)
}

// Stop ends the recording: the capture device is released first so no
// further frames are produced, then the session is closed. Idempotent.
func (c *Consultation) Stop() error {
	c.mu.Lock()
	session := c.session
	c.recording = false
	c.mu.Unlock()

	if c.capture != nil {
		c.capture.Close()
	}
	if session == nil {
		return nil
	}
	err := session.Stop()
	c.wg.Wait()
	c.notify()
	return err
}

// Recording reports whether a live session is active.
func (c *Consultation) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// Transcript returns a read-only snapshot of the transcript so far.
func (c *Consultation) Transcript() []Turn {
	return c.assembler.Snapshot()
}

// Updates signals whenever the transcript or recording state changes.
// Receivers should re-read Transcript; signals coalesce.
func (c *Consultation) Updates() <-chan struct{} {
	return c.updates
}

func (c *Consultation) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// GeneratePrescription converts the assembled transcript into a validated
// prescription. Only one generation call is in flight at a time; the
// transcript is left intact on failure so the call can simply be retried.
func (c *Consultation) GeneratePrescription(ctx context.Context) (*Prescription, error) {
	c.mu.Lock()
	if c.genBusy {
		c.mu.Unlock()
		return nil, errors.New("prescription generation already in progress")
	}
	c.genBusy = true
	reason := c.appt.Reason
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.genBusy = false
		c.mu.Unlock()
	}()

	transcript := c.assembler.Snapshot()
	if len(transcript) == 0 {
		return nil, errors.New("nothing transcribed yet")
	}
	return GeneratePrescription(ctx, c.generator, transcript, reason)
}

// systemInstruction primes the live session with the visit context.
func systemInstruction(appt Appointment) string {
	return fmt.Sprintf("You are a medical assistant transcribing a consultation for %s. "+
		"Focus on identifying symptoms, medications discussed, dosages, and follow-up advice. "+
		"Respond naturally but prioritize clarity in the transcription stream.", appt.PatientName)
}
