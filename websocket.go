package consult

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Message types on the websocket control channel.
const (
	MsgStart        = "start"        // inbound: begin recording, carries the appointment
	MsgAudio        = "audio"        // inbound: one encoded audio chunk
	MsgStop         = "stop"         // inbound: end recording
	MsgGenerate     = "generate"     // inbound: produce the prescription
	MsgTranscript   = "transcript"   // outbound: full transcript snapshot
	MsgPrescription = "prescription" // outbound: the generated prescription
	MsgError        = "error"        // outbound: surfaced failure
	MsgStopped      = "stopped"      // outbound: recording has ended
)

// WebSocketRequest is an inbound control or audio message from the UI shell.
type WebSocketRequest struct {
	Type        string       `json:"type"`
	Appointment *Appointment `json:"appointment,omitempty"`
	Buf         []byte       `json:"buf,omitempty"`
}

// WebSocketResponse is an outbound message toward the UI shell.
type WebSocketResponse struct {
	Type         string        `json:"type"`
	Turns        []Turn        `json:"turns,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// WebConn couples one websocket connection with one consultation.
type WebConn struct {
	conn         *websocket.Conn
	log          *log.Logger
	consultation *Consultation
	writeMu      sync.Mutex
	wg           sync.WaitGroup
	done         chan struct{}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("WebSocket upgrade failed: %v\n", err)
		return
	}

	webConn := &WebConn{
		conn:         conn,
		log:          s.log,
		consultation: NewConsultation(s.streamer, s.generator, nil, s.log),
		done:         make(chan struct{}),
	}

	s.addConn(webConn)
	defer s.removeConn(webConn)
	webConn.Start()
}

func (wc *WebConn) Start() {
	defer wc.conn.Close()

	wc.wg.Add(1)
	go func() {
		defer wc.wg.Done()
		wc.writer()
	}()

	wc.reader()

	wc.consultation.Stop()
	close(wc.done)
	wc.wg.Wait()
}

// Stop ends the consultation and closes the connection, unblocking the
// reader. Used during server shutdown.
func (wc *WebConn) Stop() {
	if wc.consultation != nil {
		wc.consultation.Stop()
	}
	wc.conn.Close()
}

// reader dispatches inbound control and audio messages.
func (wc *WebConn) reader() {
	for {
		_, message, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				wc.log.Printf("WebSocket read error: %v\n", err)
			}
			return
		}

		var req WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			wc.log.Printf("Failed to unmarshal WebSocket message: %v\n", err)
			continue
		}

		switch req.Type {
		case MsgStart:
			if req.Appointment == nil {
				wc.sendError("start requires an appointment")
				continue
			}
			if err := wc.consultation.Start(context.Background(), *req.Appointment); err != nil {
				wc.sendError(err.Error())
			}

		case MsgAudio:
			if err := wc.consultation.SendAudio(req.Buf); err != nil {
				// Chunks racing a stop are dropped silently; anything
				// else goes back to the UI.
				if !errors.Is(err, ErrNotRecording) && !errors.Is(err, io.EOF) {
					wc.sendError(err.Error())
				}
			}

		case MsgStop:
			if err := wc.consultation.Stop(); err != nil {
				wc.sendError(err.Error())
				continue
			}
			wc.send(WebSocketResponse{Type: MsgStopped, Turns: wc.consultation.Transcript()})

		case MsgGenerate:
			prescription, err := wc.consultation.GeneratePrescription(context.Background())
			if err != nil {
				wc.sendError(err.Error())
				continue
			}
			wc.send(WebSocketResponse{Type: MsgPrescription, Prescription: prescription})

		default:
			wc.log.Printf("Unknown message type: %q\n", req.Type)
		}
	}
}

// writer pushes a transcript snapshot whenever the consultation reports a
// change.
func (wc *WebConn) writer() {
	for {
		select {
		case <-wc.consultation.Updates():
			wc.send(WebSocketResponse{
				Type:  MsgTranscript,
				Turns: wc.consultation.Transcript(),
			})
		case <-wc.done:
			return
		}
	}
}

func (wc *WebConn) send(resp WebSocketResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		wc.log.Printf("Failed to marshal response: %v\n", err)
		return
	}

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := wc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		wc.log.Printf("WebSocket write error: %v\n", err)
	}
}

func (wc *WebConn) sendError(msg string) {
	wc.send(WebSocketResponse{Type: MsgError, Error: msg})
}
