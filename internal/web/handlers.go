package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/session"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
)

const maxFrameBytes = 16 << 20

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

type startRequest struct {
	GroupID   string `json:"group_id"`
	SessionID string `json:"session_id,omitempty"`
}

type startResponse struct {
	SessionID  uuid.UUID `json:"session_id"`
	GroupID    string    `json:"group_id"`
	Identities int       `json:"identities"`
	Resumed    int       `json:"resumed"`
}

type frameResponse struct {
	Seq    uint64              `json:"seq"`
	Tracks []session.TrackInfo `json:"tracks"`
}

type droppedResponse struct {
	Seq    uint64 `json:"seq"`
	Status string `json:"status"`
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if id, ok := s.engine.Active(); ok {
		resp["session_id"] = id
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if req.GroupID == "" {
		respondError(w, http.StatusBadRequest, "group_id is required")
		return
	}

	id := uuid.New()
	if req.SessionID != "" {
		parsed, err := uuid.Parse(req.SessionID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid session_id")
			return
		}
		id = parsed
	}

	if _, ok := s.engine.Active(); ok {
		respondError(w, http.StatusConflict, session.ErrSessionActive.Error())
		return
	}

	ctx := r.Context()
	identities, err := s.store.LoadGallery(ctx, req.GroupID)
	if err != nil {
		s.logger.Error("failed to load gallery", "group", req.GroupID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load gallery")
		return
	}
	if len(identities) == 0 {
		respondError(w, http.StatusUnprocessableEntity, fmt.Sprintf("group %q has no enrolled identities", req.GroupID))
		return
	}
	idx, err := gallery.New(identities, s.opts.GalleryOptions...)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := s.store.StartSession(ctx, id, req.GroupID); err != nil {
		s.logger.Error("failed to register session", "session_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to register session")
		return
	}
	recorded, err := s.store.RecordedIdentities(ctx, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to load recorded attendance")
		return
	}

	opts := session.StartOptions{SessionID: id, Recorded: recorded}
	if s.opts.SessionSinks != nil {
		opts.Sinks = s.opts.SessionSinks(req.GroupID)
	}
	if _, err := s.engine.StartSession(ctx, idx, opts); err != nil {
		switch {
		case errors.Is(err, session.ErrSessionActive):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrInvalidGallery):
			respondError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.mu.Lock()
	s.group = req.GroupID
	s.seq = 0
	s.mu.Unlock()

	respondJSON(w, http.StatusCreated, startResponse{
		SessionID:  id,
		GroupID:    req.GroupID,
		Identities: idx.Len(),
		Resumed:    len(recorded),
	})
}

func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.engine.Active()
	if !ok {
		respondError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "group_id": group})
}

// submitFrame accepts a raw image body or a multipart form with an "image" field.
func (s *Server) submitFrame(w http.ResponseWriter, r *http.Request) {
	data, err := readFrame(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unsupported image")
		return
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	frame := types.Frame{
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Timestamp: time.Now(),
		Seq:       seq,
	}
	// Frames that arrive while another one is processed are dropped, not queued
	tracks, err := s.engine.TryProcessFrame(r.Context(), frame)
	switch {
	case errors.Is(err, session.ErrBusy):
		respondJSON(w, http.StatusTooManyRequests, droppedResponse{Seq: seq, Status: "dropped"})
		return
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrStaleFrame):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, frameResponse{Seq: seq, Tracks: tracks})
}

func readFrame(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxFrameBytes); err != nil {
			return nil, fmt.Errorf("invalid multipart form: %w", err)
		}
		f, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing image field")
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	return data, nil
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.EndSession(r.Context())
	if errors.Is(err, session.ErrNoSession) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.EndSession(r.Context(), sum.SessionID); err != nil {
		s.logger.Warn("failed to close session", "session_id", sum.SessionID, "error", err)
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) attendance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	entries, err := s.store.ListAttendance(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}
	if entries == nil {
		entries = []store.AttendanceEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) groupSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []store.SessionSummary{}
	}
	respondJSON(w, http.StatusOK, sessions)
}
