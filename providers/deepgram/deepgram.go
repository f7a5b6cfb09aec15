// Package deepgram implements a doctor-side-only fallback streamer: it
// transcribes the microphone audio but produces no assistant turns. Used
// when a consultation is recorded without the conversational assistant.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/aneezhealth/consult/providers"
)

const streamerName = "deepgram"

// dgWriter is a local interface that wraps the methods we need
// from listenv1ws.WSCallback to enable easier testing
type dgWriter interface {
	io.Writer
	Stop()
}

// ChannelHandler implements the LiveMessageChan interface for receiving
// Deepgram messages.
type ChannelHandler struct {
	openChan          chan *api.OpenResponse
	messageChan       chan *api.MessageResponse
	metadataChan      chan *api.MetadataResponse
	speechStartedChan chan *api.SpeechStartedResponse
	utteranceEndChan  chan *api.UtteranceEndResponse
	closeChan         chan *api.CloseResponse
	errorChan         chan *api.ErrorResponse
	unhandledChan     chan *[]byte
}

// NewChannelHandler creates a new handler with initialized channels
func NewChannelHandler() *ChannelHandler {
	return &ChannelHandler{
		openChan:          make(chan *api.OpenResponse, 1),
		messageChan:       make(chan *api.MessageResponse, 10),
		metadataChan:      make(chan *api.MetadataResponse, 1),
		speechStartedChan: make(chan *api.SpeechStartedResponse, 1),
		utteranceEndChan:  make(chan *api.UtteranceEndResponse, 1),
		closeChan:         make(chan *api.CloseResponse, 1),
		errorChan:         make(chan *api.ErrorResponse, 1),
		unhandledChan:     make(chan *[]byte, 1),
	}
}

// GetOpen returns slice of channels for open events
func (ch *ChannelHandler) GetOpen() []*chan *api.OpenResponse {
	return []*chan *api.OpenResponse{&ch.openChan}
}

// GetMessage returns slice of channels for message events
func (ch *ChannelHandler) GetMessage() []*chan *api.MessageResponse {
	return []*chan *api.MessageResponse{&ch.messageChan}
}

// GetMetadata returns slice of channels for metadata events
func (ch *ChannelHandler) GetMetadata() []*chan *api.MetadataResponse {
	return []*chan *api.MetadataResponse{&ch.metadataChan}
}

// GetSpeechStarted returns slice of channels for speech started events
func (ch *ChannelHandler) GetSpeechStarted() []*chan *api.SpeechStartedResponse {
	return []*chan *api.SpeechStartedResponse{&ch.speechStartedChan}
}

// GetUtteranceEnd returns slice of channels for utterance end events
func (ch *ChannelHandler) GetUtteranceEnd() []*chan *api.UtteranceEndResponse {
	return []*chan *api.UtteranceEndResponse{&ch.utteranceEndChan}
}

// GetClose returns slice of channels for close events
func (ch *ChannelHandler) GetClose() []*chan *api.CloseResponse {
	return []*chan *api.CloseResponse{&ch.closeChan}
}

// GetError returns slice of channels for error events
func (ch *ChannelHandler) GetError() []*chan *api.ErrorResponse {
	return []*chan *api.ErrorResponse{&ch.errorChan}
}

// GetUnhandled returns slice of channels for unhandled events
func (ch *ChannelHandler) GetUnhandled() []*chan *[]byte {
	return []*chan *[]byte{&ch.unhandledChan}
}

// Streamer implements the providers.Streamer interface for Deepgram's
// speech-to-text API.
type Streamer struct {
	apiKey string
}

// NewStreamer creates a new Deepgram streamer with the given API key.
func NewStreamer(apiKey string) *Streamer {
	client.InitWithDefault()

	return &Streamer{
		apiKey: apiKey,
	}
}

// Name returns the name of the streamer.
func (s *Streamer) Name() string {
	return streamerName
}

// NewStream opens a new Deepgram live transcription stream.
func (s *Streamer) NewStream(ctx context.Context, config providers.StreamConfig) (providers.Stream, error) {
	cOptions := &interfaces.ClientOptions{
		APIKey:          s.apiKey,
		EnableKeepAlive: true,
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          "nova-3",
		Language:       config.LanguageCode,
		Punctuate:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     config.SampleRate,
		VadEvents:      true,
		InterimResults: false,
		UtteranceEndMs: "1000",
	}

	channelHandler := NewChannelHandler()

	dgClient, err := client.NewWSUsingChan(ctx, "", cOptions, tOptions, channelHandler)
	if err != nil {
		return nil, err
	}

	stream := &Stream{
		ctx:            ctx,
		client:         dgClient,
		channelHandler: channelHandler,
	}

	if success := dgClient.Connect(); !success {
		return nil, errors.New("failed to connect to deepgram")
	}

	return stream, nil
}

// Stream implements the providers.Stream interface for Deepgram's
// speech-to-text API. Final transcripts become doctor-side deltas; an
// utterance end becomes a turn boundary.
type Stream struct {
	ctx            context.Context
	client         dgWriter
	channelHandler *ChannelHandler
}

// SendAudio sends audio data to the Deepgram stream.
func (s *Stream) SendAudio(chunk []byte) error {
	_, err := s.client.Write(chunk)
	return err
}

// ReceiveEvent receives the next transcription event from the Deepgram
// stream. It blocks until a final transcript or an utterance boundary is
// available, or an error occurs.
func (s *Stream) ReceiveEvent() (providers.StreamEvent, error) {
	for {
		select {
		case msg := <-s.channelHandler.messageChan:
			if msg == nil {
				continue
			}
			if ev := s.processMessage(msg); ev != nil {
				return *ev, nil
			}
		case <-s.channelHandler.utteranceEndChan:
			return providers.StreamEvent{
				Kind:         providers.EventTurnComplete,
				StreamerName: streamerName,
				ReceivedAt:   time.Now(),
			}, nil
		case err := <-s.channelHandler.errorChan:
			if err != nil {
				return providers.StreamEvent{}, fmt.Errorf("%s", err)
			}
		case <-s.channelHandler.closeChan:
			// Connection closed by Deepgram
			return providers.StreamEvent{}, io.EOF
		case <-s.channelHandler.openChan:
			// Consume open events (no action needed)
		case <-s.channelHandler.metadataChan:
			// Consume metadata events (no action needed)
		case <-s.channelHandler.speechStartedChan:
			// Consume speech started events (no action needed)
		case <-s.channelHandler.unhandledChan:
			// Consume unhandled events (no action needed)
		case <-s.ctx.Done():
			if s.ctx.Err() == context.Canceled {
				return providers.StreamEvent{}, io.EOF
			}
			return providers.StreamEvent{}, s.ctx.Err()
		}
	}
}

// processMessage turns a transcription message into a doctor-side delta,
// or nil if the message carries nothing final.
func (s *Stream) processMessage(msg *api.MessageResponse) *providers.StreamEvent {
	if !msg.IsFinal || len(msg.Channel.Alternatives) == 0 {
		return nil
	}

	sentence := strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	if sentence == "" {
		return nil
	}

	return &providers.StreamEvent{
		Kind:         providers.EventLocalDelta,
		Text:         sentence + " ",
		StreamerName: streamerName,
		ReceivedAt:   time.Now(),
	}
}

// Close closes the Deepgram stream.
func (s *Stream) Close() error {
	if s.client != nil {
		s.client.Stop()
	}

	// Closing the channels manually leads to race conditions because
	// the deepgram client still tries to send any in-flight messages to
	// those channels. Even the deepgram demo doesn't close the channels.
	// So we leave it like this.

	return nil
}
