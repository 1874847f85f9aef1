// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"pixtract/pkg/extractor"
	"pixtract/pkg/watcher"
)

// RunRequest is the request body for starting a run. The zero value of
// every optional field falls back to the engine default.
type RunRequest struct {
	extractor.Config
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.config.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// handleRun starts a new extraction run.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if req.RootDir == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: rootDir", "")
		return
	}

	if err := s.runs.Start(req.Config); err != nil {
		if errors.Is(err, extractor.ErrRunActive) {
			writeError(w, http.StatusConflict, "A run is already active", "")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to start run", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Message: "Run started"})
}

// handlePause requests a pause at the next suspension point.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Pause(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to persist pause request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Pause requested"})
}

// handleStop requests a cooperative stop with a final checkpoint.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to persist stop request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Stop requested"})
}

// handleReset clears pause and stop intent.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset pause state", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Pause state reset"})
}

// handleResume re-enters a paused or interrupted run.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Resume(); err != nil {
		writeResumeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Message: "Resume started"})
}

// handleResumeChunked re-enters a chunked run from its persisted anchor.
func (s *Server) handleResumeChunked(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.ResumeChunked(); err != nil {
		writeResumeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Message: "Chunked resume started"})
}

func writeResumeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, extractor.ErrRunActive):
		writeError(w, http.StatusConflict, "A run is already active", "")
	case errors.Is(err, extractor.ErrNoSavedState):
		writeError(w, http.StatusNotFound, "No saved state to resume from", "")
	default:
		writeError(w, http.StatusInternalServerError, "Failed to resume", err.Error())
	}
}

// handleStatus returns the control-plane snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.Status())
}

// --- Watcher ---

// watchManager guards the single watcher instance.
type watchManager struct {
	mu  sync.Mutex
	svc *watcher.Service
}

// handleWatcherStart starts the directory watcher.
func (s *Server) handleWatcherStart(w http.ResponseWriter, r *http.Request) {
	var cfg watcher.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	s.watch.mu.Lock()
	defer s.watch.mu.Unlock()
	if s.watch.svc != nil {
		writeError(w, http.StatusConflict, "Watcher already running", "")
		return
	}

	svc, err := watcher.New(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid watcher config", err.Error())
		return
	}
	if err := svc.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start watcher", err.Error())
		return
	}
	s.watch.svc = svc
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Message: "Watcher started"})
}

// handleWatcherStop stops the directory watcher.
func (s *Server) handleWatcherStop(w http.ResponseWriter, r *http.Request) {
	s.watch.mu.Lock()
	defer s.watch.mu.Unlock()
	if s.watch.svc == nil {
		writeError(w, http.StatusNotFound, "Watcher not running", "")
		return
	}
	err := s.watch.svc.Stop()
	s.watch.svc = nil
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to stop watcher", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Watcher stopped"})
}

// handleWatcherStatus returns the watcher snapshot.
func (s *Server) handleWatcherStatus(w http.ResponseWriter, r *http.Request) {
	s.watch.mu.Lock()
	svc := s.watch.svc
	s.watch.mu.Unlock()
	if svc == nil {
		writeJSON(w, http.StatusOK, watcher.Status{IsWatching: false})
		return
	}
	writeJSON(w, http.StatusOK, svc.Status())
}

// --- History ---

// handleHistoryList returns the session history, newest first.
func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.Sessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read history", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleHistoryGet returns a single session by ID.
func (s *Server) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing session ID", "")
		return
	}
	rec, ok, err := s.store.Session(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read history", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found", "")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleHistoryDelete removes one session from the history.
func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing session ID", "")
		return
	}
	if err := s.store.DeleteSession(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete session", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "Session deleted"})
}

// handleHistoryClear drops the whole history.
func (s *Server) handleHistoryClear(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearHistory(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear history", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "History cleared"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
