// Package google implements a doctor-side-only fallback streamer over the
// Google Cloud Speech-to-Text gRPC stream.
package google

import (
	"context"
	"errors"
	"io"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/aneezhealth/consult/providers"
)

const streamerName = "google"

// streamingRecognizeClient is a local interface that wraps the methods we
// need from speechpb.Speech_StreamingRecognizeClient to enable easier
// testing
type streamingRecognizeClient interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

// Streamer implements the providers.Streamer interface for Google
// Speech-to-Text.
type Streamer struct {
	client *speech.Client
}

// NewStreamer creates a new Google Speech streamer with the given client.
func NewStreamer(client *speech.Client) *Streamer {
	return &Streamer{
		client: client,
	}
}

// Name returns the name of the streamer.
func (s *Streamer) Name() string {
	return streamerName
}

// NewStream opens a new Google Speech recognition stream.
func (s *Streamer) NewStream(ctx context.Context, config providers.StreamConfig) (providers.Stream, error) {
	stream, err := s.client.StreamingRecognize(ctx)
	if err != nil {
		return nil, err
	}

	// Send initial configuration
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:        speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz: int32(config.SampleRate),
					LanguageCode:    config.LanguageCode,
				},
				InterimResults: false,
			},
		},
	}

	if err := stream.Send(req); err != nil {
		stream.CloseSend()
		return nil, err
	}

	return &Stream{
		stream: stream,
		ctx:    ctx,
	}, nil
}

// Stream implements the providers.Stream interface for Google
// Speech-to-Text. Every final recognition result is delivered as a
// doctor-side delta followed by a turn boundary, since a final result here
// marks the end of one utterance.
type Stream struct {
	stream streamingRecognizeClient
	ctx    context.Context

	// queued holds the turn-complete that trails each final result.
	queued []providers.StreamEvent
}

// SendAudio sends audio data to the Google Speech stream.
func (s *Stream) SendAudio(chunk []byte) error {
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	}
	return s.stream.Send(req)
}

// ReceiveEvent receives the next transcription event from the Google Speech
// stream. It blocks until a final result is available or an error occurs.
func (s *Stream) ReceiveEvent() (providers.StreamEvent, error) {
	if len(s.queued) > 0 {
		ev := s.queued[0]
		s.queued = s.queued[1:]
		return ev, nil
	}

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return providers.StreamEvent{}, io.EOF
		}
		if err != nil {
			return providers.StreamEvent{}, err
		}

		for _, result := range resp.Results {
			if result.IsFinal && len(result.Alternatives) > 0 {
				now := time.Now()
				s.queued = append(s.queued, providers.StreamEvent{
					Kind:         providers.EventTurnComplete,
					StreamerName: streamerName,
					ReceivedAt:   now,
				})
				return providers.StreamEvent{
					Kind:         providers.EventLocalDelta,
					Text:         result.Alternatives[0].Transcript,
					StreamerName: streamerName,
					ReceivedAt:   now,
				}, nil
			}
		}
		// Continue loop if no final results found
	}
}

// Close closes the Google Speech stream.
func (s *Stream) Close() error {
	return s.stream.CloseSend()
}
