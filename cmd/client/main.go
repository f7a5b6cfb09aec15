package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	consult "github.com/aneezhealth/consult"
	"github.com/aneezhealth/consult/audio"
)

// similarityThreshold controls transcript line dedup. Snapshots re-send
// closed turns, sometimes with trailing punctuation differences.
const similarityThreshold = 0.9

type Client struct {
	conn       *websocket.Conn
	mic        *audio.Microphone
	seen       *LineBuffer
	wg         sync.WaitGroup
	log        *log.Logger
	outputFile *os.File
	bufWriter  *bufio.Writer

	prescription chan *consult.Prescription
}

func main() {
	var serverURL = flag.String("url", "ws://localhost:8081/ws", "WebSocket server URL")
	var outputPath = flag.String("output", "", "Output file path for the transcript (optional)")
	var patientID = flag.String("patient-id", "P001", "Patient identifier")
	var patientName = flag.String("patient", "James Wilson", "Patient name")
	var reason = flag.String("reason", "Routine checkup", "Reason for the visit")
	flag.Parse()

	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)

	mic := audio.NewMicrophone()
	if err := mic.Open(); err != nil {
		logger.Printf("Failed to open microphone: %v\n", err)
		return
	}
	defer mic.Close()

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		logger.Printf("WebSocket dial failed: %v\n", err)
		return
	}
	defer conn.Close()

	client := &Client{
		conn:         conn,
		mic:          mic,
		seen:         NewLineBuffer(16),
		log:          logger,
		prescription: make(chan *consult.Prescription, 1),
	}

	if *outputPath != "" {
		outputFile, err := os.Create(*outputPath)
		if err != nil {
			logger.Printf("Failed to create output file: %v\n", err)
			return
		}
		defer outputFile.Close()

		client.outputFile = outputFile
		client.bufWriter = bufio.NewWriter(outputFile)
		defer client.bufWriter.Flush()
	}

	start := consult.WebSocketRequest{
		Type: consult.MsgStart,
		Appointment: &consult.Appointment{
			PatientID:   *patientID,
			PatientName: *patientName,
			Reason:      *reason,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		logger.Printf("Failed to start consultation: %v\n", err)
		return
	}

	fmt.Println("Recording... Press Ctrl+C to stop and generate the prescription.")
	client.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	client.Finish()
	fmt.Println("\nDone.")
}

func (c *Client) Start() {
	c.wg.Add(2)
	go c.reader()
	go c.writer()
}

func (c *Client) reader() {
	defer c.wg.Done()
	var buf bytes.Buffer

	for {
		buf.Reset()

		_, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Printf("WebSocket read error: %v\n", err)
			}
			return
		}

		if _, err := buf.ReadFrom(r); err != nil {
			c.log.Printf("Failed to read from WebSocket reader: %v\n", err)
			continue
		}

		var response consult.WebSocketResponse
		if err := json.Unmarshal(buf.Bytes(), &response); err != nil {
			c.log.Printf("Failed to unmarshal response: %v\n", err)
			continue
		}

		switch response.Type {
		case consult.MsgTranscript, consult.MsgStopped:
			c.printTurns(response.Turns)
		case consult.MsgPrescription:
			select {
			case c.prescription <- response.Prescription:
			default:
			}
		case consult.MsgError:
			c.log.Printf("Server error: %s\n", response.Error)
		}
	}
}

// printTurns prints closed turns that have not been shown yet. Snapshots
// repeat earlier turns, so lines similar to recently printed ones are
// skipped.
func (c *Client) printTurns(turns []consult.Turn) {
	for _, turn := range turns {
		if !turn.Closed || turn.Text == "" {
			continue
		}
		if c.seen.Seen(turn.Text, similarityThreshold) {
			continue
		}
		c.seen.Add(turn.Text)

		timestamp := turn.Timestamp.Format("15:04:05")
		line := fmt.Sprintf("[%s] %s: %s\n", timestamp, strings.ToUpper(string(turn.Role)), turn.Text)

		fmt.Print(line)

		if c.bufWriter != nil {
			if _, err := c.bufWriter.WriteString(line); err != nil {
				c.log.Printf("Failed to write to output file: %v\n", err)
			} else {
				c.bufWriter.Flush()
			}
		}
	}
}

func (c *Client) writer() {
	defer c.wg.Done()
	for {
		frame, err := c.mic.ReadFrame()
		if err != nil {
			// io.EOF means the microphone was closed by Finish.
			if !errors.Is(err, io.EOF) {
				c.log.Printf("Audio read error: %v\n", err)
			}
			break
		}

		request := consult.WebSocketRequest{
			Type: consult.MsgAudio,
			Buf:  audio.EncodeFrame(frame),
		}

		if err := c.conn.WriteJSON(request); err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Printf("WebSocket write error: %v\n", err)
			}
			return
		}
	}
}

// Finish stops the recording, asks for the prescription, prints it, and
// closes the connection.
func (c *Client) Finish() {
	c.mic.Close()

	if err := c.conn.WriteJSON(consult.WebSocketRequest{Type: consult.MsgStop}); err != nil {
		c.log.Printf("Failed to send stop: %v\n", err)
	}
	if err := c.conn.WriteJSON(consult.WebSocketRequest{Type: consult.MsgGenerate}); err != nil {
		c.log.Printf("Failed to request prescription: %v\n", err)
	}

	select {
	case p := <-c.prescription:
		printPrescription(p)
	case <-time.After(30 * time.Second):
		c.log.Println("Timed out waiting for the prescription")
	}

	c.conn.Close()
	c.wg.Wait()
}

func printPrescription(p *consult.Prescription) {
	fmt.Println("\n--- Prescription ---")
	for _, m := range p.Medications {
		fmt.Printf("  %s | %s | %s | %s\n", m.Name, m.Dosage, m.Frequency, m.Duration)
	}
	fmt.Printf("Instructions: %s\n", p.Instructions)
	fmt.Printf("Follow-up: %s\n", p.FollowUp)
}
