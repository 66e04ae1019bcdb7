package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bosley/libinterview/session"
	"github.com/bosley/libinterview/voice"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	maxBodyBytes = 64 << 10
)

var errBadRequest = errors.New("bad request")

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/state", s.handleState).Methods("GET")
	router.HandleFunc("/api/session/start", s.handleStart).Methods("POST")
	router.HandleFunc("/api/answer", s.handleAnswer).Methods("POST")
	router.HandleFunc("/api/voice/start", s.handleVoiceStart).Methods("POST")
	router.HandleFunc("/api/voice/stop", s.handleVoiceStop).Methods("POST")
	router.HandleFunc("/api/screen-share", s.handleScreenShare).Methods("POST")
	router.HandleFunc("/api/visibility", s.handleVisibility).Methods("POST")
	router.HandleFunc("/api/end", s.handleEnd).Methods("POST")
	router.HandleFunc("/ws", s.handleWebSocket)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.session.Start(r.Context()))
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.respond(w, r, err)
		return
	}
	s.respond(w, r, s.session.SubmitAnswer(r.Context(), req.Text))
}

func (s *Server) handleVoiceStart(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.session.RequestVoiceCapture(r.Context()))
}

func (s *Server) handleVoiceStop(w http.ResponseWriter, r *http.Request) {
	text, err := s.session.StopVoiceCapture(r.Context())
	if err != nil {
		s.respond(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TranscriptResponse{Transcript: text})
}

func (s *Server) handleScreenShare(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, s.session.RequestScreenShare(r.Context()))
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req VisibilityRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.respond(w, r, err)
		return
	}
	if req.Hidden == nil {
		s.respond(w, r, fmt.Errorf("%w: hidden is required", errBadRequest))
		return
	}
	s.respond(w, r, s.session.VisibilityChanged(r.Context(), *req.Hidden))
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req EndRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.respond(w, r, err)
		return
	}

	reason := session.Normal
	if req.Reason != "" {
		parsed, err := session.ParseReason(req.Reason)
		if err != nil {
			s.respond(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		reason = parsed
	}
	s.respond(w, r, s.session.EndInterview(r.Context(), reason))
}

// respond writes the current snapshot on success, or an error body.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, s.session.Snapshot())
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Command failed", "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("Command rejected", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, session.ErrEmptyAnswer),
		errors.Is(err, session.ErrMissingSession):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrTerminated),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrScreenShareRequired),
		errors.Is(err, session.ErrAwaitingReply),
		errors.Is(err, session.ErrAlreadyStarted),
		errors.Is(err, voice.ErrNoSpeech):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON body. An empty body is accepted when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	v := &viewer{
		ID:   uuid.New(),
		Addr: r.RemoteAddr,
		conn: conn,
		send: make(chan []byte, 256),
	}

	// The current state goes out first so a late viewer is never blank.
	if data, err := encodeState(s.session.Snapshot()); err == nil {
		v.send <- data
	}
	s.viewers.Add(v)
	slog.Info("Viewer connected", "viewerID", v.ID, "addr", v.Addr)

	go s.writePump(v)
	go s.readPump(v)
}

func (s *Server) writePump(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.conn.Close()
	}()

	for {
		select {
		case message, ok := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := v.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; viewers do not send commands.
func (s *Server) readPump(v *viewer) {
	defer func() {
		s.viewers.Remove(v.ID)
		v.conn.Close()
		slog.Info("Viewer disconnected", "viewerID", v.ID)
	}()

	v.conn.SetReadLimit(512)
	v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := v.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", "error", err)
			}
			break
		}
	}
}
