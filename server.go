package consult

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aneezhealth/consult/providers"
)

// Server exposes the consultation engine to the UI shell over a websocket
// endpoint. Each connection gets its own Consultation; nothing is shared
// between connections.
type Server struct {
	srv       *http.Server
	log       *log.Logger
	streamer  providers.Streamer
	generator providers.Generator

	connMu sync.Mutex
	conns  map[*WebConn]struct{}
}

// New creates a server backed by the given capabilities.
func New(streamer providers.Streamer, generator providers.Generator) *Server {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lshortfile)
	mux := http.NewServeMux()

	server := &Server{
		srv: &http.Server{
			Addr:         ":8081",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Handler:      mux,
		},
		log:       logger,
		streamer:  streamer,
		generator: generator,
		conns:     make(map[*WebConn]struct{}),
	}

	mux.HandleFunc("/ws", server.handleWebSocket)

	return server
}

func (s *Server) Start() error {
	var wg sync.WaitGroup
	errChan := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Printf("Starting server on %s", s.srv.Addr)
		errChan <- s.srv.ListenAndServe()
	}()

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	return nil
}

func (s *Server) Stop() error {
	s.log.Println("Shutting down server...")

	// Websocket handlers do not return until their connection closes, so
	// Shutdown would otherwise wait out its full timeout.
	s.stopAllConns()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

func (s *Server) addConn(wc *WebConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.conns[wc] = struct{}{}
}

func (s *Server) removeConn(wc *WebConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	delete(s.conns, wc)
}

func (s *Server) stopAllConns() {
	s.connMu.Lock()
	conns := make([]*WebConn, 0, len(s.conns))
	for wc := range s.conns {
		conns = append(conns, wc)
	}
	s.connMu.Unlock()

	for _, wc := range conns {
		wc.Stop()
	}
}
