// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"log"
	"sync"

	"pixtract/pkg/extractor"
	"pixtract/pkg/state"
)

// RunManager owns the single active extraction run. A new run, resume, or
// chunked resume is refused while one is in flight; control operations
// funnel through the shared state store the engine polls.
type RunManager struct {
	mu      sync.Mutex
	store   *state.Store
	hub     *EventHub
	running bool
	cancel  context.CancelFunc

	listeners  []chan extractor.Event
	listenerMu sync.RWMutex
}

// NewRunManager creates a run manager on top of the state store.
func NewRunManager(store *state.Store, hub *EventHub) *RunManager {
	return &RunManager{store: store, hub: hub}
}

// RunStatus is the observable control-plane state.
type RunStatus struct {
	Running        bool                     `json:"running"`
	PauseState     extractor.PauseState     `json:"pauseState"`
	CurrentSession *extractor.SessionRecord `json:"currentSession,omitempty"`
}

// Status snapshots the manager and the store.
func (m *RunManager) Status() RunStatus {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	st := RunStatus{Running: running, PauseState: m.store.PauseState()}
	if cur, ok, _ := m.store.LoadCurrentSession(); ok {
		st.CurrentSession = cur
	}
	return st
}

// Start begins a new run in the background.
func (m *RunManager) Start(cfg extractor.Config) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return extractor.ErrRunActive
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.drive(func() error {
		engine := extractor.NewEngine(cfg, m.store, m.emit)
		return engine.Run(ctx)
	})
	return nil
}

// Resume re-enters a paused or interrupted run in the background.
func (m *RunManager) Resume() error {
	return m.startBackground(func(ctx context.Context) error {
		return extractor.Resume(ctx, m.store, m.emit)
	})
}

// ResumeChunked re-enters a chunked run from its persisted anchor.
func (m *RunManager) ResumeChunked() error {
	return m.startBackground(func(ctx context.Context) error {
		return extractor.ResumeChunked(ctx, m.store, m.emit)
	})
}

func (m *RunManager) startBackground(fn func(context.Context) error) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return extractor.ErrRunActive
	}
	m.running = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.drive(func() error { return fn(ctx) })
	return nil
}

func (m *RunManager) drive(fn func() error) {
	err := fn()
	m.mu.Lock()
	m.running = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("run finished with error: %v", err)
	}
}

// Pause requests a cooperative pause at the next suspension point.
func (m *RunManager) Pause() error { return m.store.SetPaused(true) }

// Stop requests a cooperative stop with a final checkpoint.
func (m *RunManager) Stop() error { return m.store.RequestStop() }

// Reset clears pause and stop intent.
func (m *RunManager) Reset() error { return m.store.ResetPause() }

// Subscribe adds a listener for engine events.
func (m *RunManager) Subscribe() chan extractor.Event {
	ch := make(chan extractor.Event, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *RunManager) Unsubscribe(ch chan extractor.Event) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// emit is the engine's event callback: fan out to listeners, then the hub.
func (m *RunManager) emit(ev extractor.Event) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- ev:
		default:
			// Listener is slow, skip
		}
	}
	m.listenerMu.RUnlock()

	if m.hub != nil {
		m.hub.Broadcast(ev)
	}
}
