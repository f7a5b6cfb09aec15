// Package gemini implements the live transcription and structured
// generation capabilities on top of the Gemini API. It is the reference
// capability pair: the live session transcribes both the doctor's audio and
// the assistant's spoken responses.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"

	"github.com/aneezhealth/consult/providers"
)

const streamerName = "gemini"

// Default models, matching what the consultation product ships with.
const (
	DefaultLiveModel     = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultGenerateModel = "gemini-3-flash-preview"
)

// Streamer implements providers.Streamer over a Gemini Live session.
type Streamer struct {
	client *genai.Client
	model  string
}

// NewStreamer creates a Gemini live streamer. An empty model selects
// DefaultLiveModel.
func NewStreamer(client *genai.Client, model string) *Streamer {
	if model == "" {
		model = DefaultLiveModel
	}
	return &Streamer{client: client, model: model}
}

// Name returns the name of the streamer.
func (s *Streamer) Name() string {
	return streamerName
}

// NewStream connects a live session with audio response modality and
// transcription of both the inbound and outbound audio.
func (s *Streamer) NewStream(ctx context.Context, config providers.StreamConfig) (providers.Stream, error) {
	cfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if config.SystemInstruction != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(config.SystemInstruction)},
		}
	}

	session, err := s.client.Live.Connect(ctx, s.model, cfg)
	if err != nil {
		return nil, err
	}

	return &Stream{
		ctx:      ctx,
		session:  session,
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", config.SampleRate),
	}, nil
}

// liveSession is a local interface wrapping the genai live session methods
// we need, to enable testing with a scripted fake.
type liveSession interface {
	SendRealtimeInput(input genai.LiveRealtimeInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// Stream implements providers.Stream for one Gemini Live session.
type Stream struct {
	ctx      context.Context
	session  liveSession
	mimeType string

	// queued holds events already decoded from the last server message.
	queued []providers.StreamEvent
}

// SendAudio sends one encoded PCM chunk as realtime input.
func (s *Stream) SendAudio(chunk []byte) error {
	return s.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{
			Data:     chunk,
			MIMEType: s.mimeType,
		},
	})
}

// ReceiveEvent returns the next transcription event. One server message can
// carry several events (both transcriptions plus a turn boundary); they are
// delivered one at a time in message order.
func (s *Stream) ReceiveEvent() (providers.StreamEvent, error) {
	for len(s.queued) == 0 {
		msg, err := s.session.Receive()
		if errors.Is(err, io.EOF) || s.ctx.Err() != nil {
			return providers.StreamEvent{}, io.EOF
		}
		if err != nil {
			return providers.StreamEvent{}, err
		}
		s.queued = decodeServerMessage(msg, time.Now())
	}

	ev := s.queued[0]
	s.queued = s.queued[1:]
	return ev, nil
}

// decodeServerMessage maps one live server message onto stream events.
// Input transcription fragments belong to the doctor, output transcription
// fragments to the assistant; the order within a message is input, output,
// then the turn boundary.
func decodeServerMessage(msg *genai.LiveServerMessage, receivedAt time.Time) []providers.StreamEvent {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}

	var events []providers.StreamEvent
	sc := msg.ServerContent

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, providers.StreamEvent{
			Kind:         providers.EventLocalDelta,
			Text:         sc.InputTranscription.Text,
			StreamerName: streamerName,
			ReceivedAt:   receivedAt,
		})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, providers.StreamEvent{
			Kind:         providers.EventRemoteDelta,
			Text:         sc.OutputTranscription.Text,
			StreamerName: streamerName,
			ReceivedAt:   receivedAt,
		})
	}
	if sc.TurnComplete {
		events = append(events, providers.StreamEvent{
			Kind:         providers.EventTurnComplete,
			StreamerName: streamerName,
			ReceivedAt:   receivedAt,
		})
	}
	return events
}

// Close tears down the live session.
func (s *Stream) Close() error {
	return s.session.Close()
}

// Generator implements providers.Generator via a one-shot GenerateContent
// call constrained by a response schema.
type Generator struct {
	client *genai.Client
	model  string
}

// NewGenerator creates a Gemini structured generator. An empty model
// selects DefaultGenerateModel.
func NewGenerator(client *genai.Client, model string) *Generator {
	if model == "" {
		model = DefaultGenerateModel
	}
	return &Generator{client: client, model: model}
}

// Generate submits the prompt with an application/json response constraint
// and returns the raw response text.
func (g *Generator) Generate(ctx context.Context, prompt string, schema *jsonschema.Schema) (string, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   convSchema(schema),
	}
	contents := []*genai.Content{
		{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(prompt)}},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("no candidates")
	}

	var out string
	for _, p := range resp.Candidates[0].Content.Parts {
		out += p.Text
	}
	return out, nil
}

// convSchema converts the vendor-neutral schema descriptor to the genai
// schema dialect.
func convSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}

	gs := genai.Schema{
		Format:      schema.Format,
		Description: schema.Description,
		Items:       convSchema(schema.Items),
		Required:    schema.Required,
	}

	if n := len(schema.Properties); n > 0 {
		gs.Properties = make(map[string]*genai.Schema, n)
		for k, prop := range schema.Properties {
			gs.Properties[k] = convSchema(prop)
		}
	}

	switch schema.Type {
	case "object":
		gs.Type = genai.TypeObject
	case "array":
		gs.Type = genai.TypeArray
	case "string":
		gs.Type = genai.TypeString
	case "number":
		gs.Type = genai.TypeNumber
	case "integer":
		gs.Type = genai.TypeInteger
	case "boolean":
		gs.Type = genai.TypeBoolean
	}
	return &gs
}
