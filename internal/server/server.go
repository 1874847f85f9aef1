// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package server provides the HTTP control surface and the server-sent
// event stream for the extraction engine.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"pixtract/pkg/state"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	Port           int
	StateDir       string   // State directory; empty selects the default
	AllowedOrigins []string // CORS origins
	Version        string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr: "0.0.0.0",
		Port: 8080,
	}
}

// Server is the HTTP server for pixtract.
type Server struct {
	config     Config
	httpServer *http.Server
	store      *state.Store
	runs       *RunManager
	hub        *EventHub
	watch      *watchManager
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	store, err := state.New(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	hub := NewEventHub()
	return &Server{
		config: cfg,
		store:  store,
		runs:   NewRunManager(store, hub),
		hub:    hub,
		watch:  &watchManager{},
	}, nil
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled
// or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	go s.hub.Run()

	mux := http.NewServeMux()
	s.registerAPIRoutes(mux)

	addr := fmt.Sprintf("%s:%d", s.config.Addr, s.config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.corsMiddleware(s.loggingMiddleware(mux)),
		ReadTimeout: 30 * time.Second,
		// No write timeout: /api/events is a long-lived stream.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("server starting on http://%s", addr)
	log.Printf("   API:    http://localhost:%d/api", s.config.Port)
	log.Printf("   Events: http://localhost:%d/api/events", s.config.Port)

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// registerAPIRoutes sets up all API endpoints.
func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Run control
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("POST /api/pause", s.handlePause)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("POST /api/resume", s.handleResume)
	mux.HandleFunc("POST /api/resume-chunked", s.handleResumeChunked)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	// Watcher
	mux.HandleFunc("POST /api/watcher/start", s.handleWatcherStart)
	mux.HandleFunc("POST /api/watcher/stop", s.handleWatcherStop)
	mux.HandleFunc("GET /api/watcher/status", s.handleWatcherStatus)

	// History
	mux.HandleFunc("GET /api/history", s.handleHistoryList)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryGet)
	mux.HandleFunc("DELETE /api/history/{id}", s.handleHistoryDelete)
	mux.HandleFunc("DELETE /api/history", s.handleHistoryClear)

	// Event stream
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		// Allow same-origin and configured origins
		if origin != "" {
			allowed := false
			if len(s.config.AllowedOrigins) == 0 {
				// Default: allow same host
				allowed = true
			} else {
				for _, o := range s.config.AllowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
