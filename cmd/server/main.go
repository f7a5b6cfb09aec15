package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/joho/godotenv"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	consult "github.com/aneezhealth/consult"
	"github.com/aneezhealth/consult/providers"
	"github.com/aneezhealth/consult/providers/deepgram"
	"github.com/aneezhealth/consult/providers/gemini"
	gspeech "github.com/aneezhealth/consult/providers/google"
	"github.com/aneezhealth/consult/providers/openai"
)

func main() {
	var streamerName = flag.String("streamer", "gemini", "live transcription capability: gemini, deepgram or google")
	var generatorName = flag.String("generator", "gemini", "structured generation capability: gemini or openai")
	var liveModel = flag.String("live-model", "", "override the live transcription model")
	var generateModel = flag.String("generate-model", "", "override the generation model")
	flag.Parse()

	// Missing .env is fine; the environment may be set directly.
	godotenv.Load()

	ctx := context.Background()

	var geminiClient *genai.Client
	if *streamerName == "gemini" || *generatorName == "gemini" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: os.Getenv("GEMINI_API_KEY"),
		})
		if err != nil {
			log.Fatalf("Failed to create gemini client: %v", err)
		}
		geminiClient = client
	}

	var streamer providers.Streamer
	switch *streamerName {
	case "gemini":
		streamer = gemini.NewStreamer(geminiClient, *liveModel)
	case "deepgram":
		streamer = deepgram.NewStreamer(os.Getenv("DEEPGRAM_API_KEY"))
	case "google":
		speechClient, err := speech.NewClient(ctx)
		if err != nil {
			log.Fatalf("Failed to create speech client: %v", err)
		}
		defer speechClient.Close()
		streamer = gspeech.NewStreamer(speechClient)
	default:
		log.Fatalf("Unknown streamer: %s", *streamerName)
	}

	var generator providers.Generator
	switch *generatorName {
	case "gemini":
		generator = gemini.NewGenerator(geminiClient, *generateModel)
	case "openai":
		client := oai.NewClient(option.WithAPIKey(os.Getenv("OPENAI_API_KEY")))
		generator = openai.NewGenerator(&client, *generateModel)
	default:
		log.Fatalf("Unknown generator: %s", *generatorName)
	}

	s := consult.New(streamer, generator)

	go func() {
		if err := s.Start(); err != nil {
			log.Fatalf("Server failed to start: %v\n", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if err := s.Stop(); err != nil {
		log.Printf("Error during server shutdown: %v\n", err)
	}
}
