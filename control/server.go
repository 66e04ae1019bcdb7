// Package control exposes a running interview session to a presentation
// layer over HTTP and a websocket state feed.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bosley/libinterview/session"
)

// Session is the command surface of session.Orchestrator.
type Session interface {
	Snapshot() session.State
	Subscribe() (<-chan session.State, func())
	Start(ctx context.Context) error
	SubmitAnswer(ctx context.Context, text string) error
	RequestVoiceCapture(ctx context.Context) error
	StopVoiceCapture(ctx context.Context) (string, error)
	RequestScreenShare(ctx context.Context) error
	VisibilityChanged(ctx context.Context, hidden bool) error
	EndInterview(ctx context.Context, reason session.Reason) error
}

type Server struct {
	addr    string
	session Session

	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader
	viewers  *viewerList
}

func New(addr string, s Session) *Server {
	srv := &Server{
		addr:    addr,
		session: s,
		viewers: newViewerList(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	srv.router = srv.routes()
	return srv
}

// Handler is the full router, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	go s.feed(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Control server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.viewers.CloseAll()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop control server: %w", err)
	}
	return nil
}

// feed pushes every state change to the connected viewers.
func (s *Server) feed(ctx context.Context) {
	updates, cancel := s.session.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				slog.Debug("Session state feed closed")
				return
			}
			data, err := encodeState(st)
			if err != nil {
				slog.Error("Failed to marshal state", "error", err)
				continue
			}
			s.viewers.Broadcast(data)
		}
	}
}

func encodeState(st session.State) ([]byte, error) {
	return json.Marshal(WebSocketMessage{
		Type:      "state",
		SessionID: st.SessionID,
		Timestamp: time.Now(),
		Payload:   st,
	})
}
