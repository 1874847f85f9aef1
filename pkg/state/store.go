// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package state persists engine control and resume data as JSON files in a
// single directory. Every write goes to a temp file first, preserves the
// previous version as a .backup sibling, then renames into place, so a
// crash mid-write never leaves a torn primary file.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pixtract/pkg/extractor"
)

const (
	pauseFile   = "pause_state.json"
	chunkedFile = "chunked_processing_state.json"
	historyFile = "processing_history.json"
	currentFile = "current_session.json"

	// historyCap bounds the processing history, newest first.
	historyCap = 100
)

// Store implements extractor.StateStore on top of a state directory.
// The pause/stop intent is cached in memory and mirrored to disk on every
// change; everything else is read and written on demand.
type Store struct {
	mu    sync.Mutex
	dir   string
	pause extractor.PauseState
}

// DefaultDir is the per-user state directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pixtract"), nil
}

// New opens (creating if needed) the state directory and loads any
// persisted pause intent. dir == "" selects DefaultDir.
func New(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state dir: %w", err)
	}

	s := &Store{dir: dir}
	var ps extractor.PauseState
	if ok := s.loadJSON(pauseFile, &ps); ok {
		s.pause = ps
	}
	return s, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// PauseState returns the current pause/stop intent.
func (s *Store) PauseState() extractor.PauseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pause
}

// SetPaused flips the pause flag. Stop intent is untouched.
func (s *Store) SetPaused(paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pause.IsPaused = paused
	s.pause.Timestamp = time.Now().UTC()
	return s.writeJSON(pauseFile, s.pause)
}

// RequestStop sets the sticky stop flag. A stopped run finalizes as
// interrupted and stays resumable.
func (s *Store) RequestStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pause.ShouldStop = true
	s.pause.Timestamp = time.Now().UTC()
	return s.writeJSON(pauseFile, s.pause)
}

// ResetPause clears both pause and stop intent.
func (s *Store) ResetPause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pause = extractor.PauseState{Timestamp: time.Now().UTC()}
	return s.writeJSON(pauseFile, s.pause)
}

// SaveChunkedState persists the chunked resume anchor.
func (s *Store) SaveChunkedState(cs extractor.ChunkedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(chunkedFile, cs)
}

// LoadChunkedState returns the persisted anchor, or ok=false when none
// exists or the file (and its backup) cannot be parsed.
func (s *Store) LoadChunkedState() (*extractor.ChunkedState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cs extractor.ChunkedState
	if !s.loadJSON(chunkedFile, &cs) {
		return nil, false, nil
	}
	return &cs, true, nil
}

// ClearChunkedState discards the anchor and its backup.
func (s *Store) ClearChunkedState() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeWithBackup(chunkedFile)
}

// history is the on-disk shape of processing_history.json. Sessions are
// kept as raw maps so fields written by other versions survive a rewrite.
type history struct {
	Sessions []map[string]any `json:"sessions"`
}

// AddSession prepends a session to the history, trimming to the cap.
func (s *Store) AddSession(rec extractor.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h history
	s.loadJSON(historyFile, &h)

	raw, err := toRawMap(rec)
	if err != nil {
		return err
	}
	h.Sessions = append([]map[string]any{raw}, h.Sessions...)
	if len(h.Sessions) > historyCap {
		h.Sessions = h.Sessions[:historyCap]
	}
	return s.writeJSON(historyFile, h)
}

// UpdateSession merges patch into the history entry with the given ID.
// Unknown keys on the stored entry are preserved.
func (s *Store) UpdateSession(id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h history
	if !s.loadJSON(historyFile, &h) {
		return errors.New("no processing history")
	}
	for _, raw := range h.Sessions {
		if raw["id"] == id {
			for k, v := range patch {
				jv, err := toRawValue(v)
				if err != nil {
					return err
				}
				if jv == nil {
					delete(raw, k)
				} else {
					raw[k] = jv
				}
			}
			return s.writeJSON(historyFile, h)
		}
	}
	return fmt.Errorf("session %s not found", id)
}

// Sessions returns the history, newest first.
func (s *Store) Sessions() ([]extractor.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h history
	s.loadJSON(historyFile, &h)

	out := make([]extractor.SessionRecord, 0, len(h.Sessions))
	for _, raw := range h.Sessions {
		var rec extractor.SessionRecord
		if err := fromRawMap(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Session returns one history entry by ID.
func (s *Store) Session(id string) (*extractor.SessionRecord, bool, error) {
	sessions, err := s.Sessions()
	if err != nil {
		return nil, false, err
	}
	for i := range sessions {
		if sessions[i].ID == id {
			return &sessions[i], true, nil
		}
	}
	return nil, false, nil
}

// DeleteSession removes one history entry by ID.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var h history
	if !s.loadJSON(historyFile, &h) {
		return nil
	}
	kept := h.Sessions[:0]
	for _, raw := range h.Sessions {
		if raw["id"] != id {
			kept = append(kept, raw)
		}
	}
	h.Sessions = kept
	return s.writeJSON(historyFile, h)
}

// ClearHistory drops all history entries.
func (s *Store) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(historyFile, history{Sessions: []map[string]any{}})
}

// SaveCurrentSession persists the active session snapshot.
func (s *Store) SaveCurrentSession(rec extractor.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(currentFile, rec)
}

// LoadCurrentSession returns the persisted session, or ok=false when none.
func (s *Store) LoadCurrentSession() (*extractor.SessionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec extractor.SessionRecord
	if !s.loadJSON(currentFile, &rec) {
		return nil, false, nil
	}
	return &rec, true, nil
}

// ClearCurrentSession discards the current session file and its backup.
func (s *Store) ClearCurrentSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeWithBackup(currentFile)
}

// writeJSON writes v atomically: temp file, previous version to .backup,
// rename into place. Callers hold the mutex.
func (s *Store) writeJSON(name string, v any) error {
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if prev, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".backup", prev, 0o644); err != nil {
			os.Remove(tmp)
			return err
		}
	}
	return os.Rename(tmp, path)
}

// loadJSON reads name into v, falling back to the .backup sibling when the
// primary is missing or corrupt. Returns false when neither parses.
func (s *Store) loadJSON(name string, v any) bool {
	path := filepath.Join(s.dir, name)
	for _, p := range []string{path, path + ".backup"} {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(data, v); err == nil {
			return true
		}
	}
	return false
}

func (s *Store) removeWithBackup(name string) error {
	path := filepath.Join(s.dir, name)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(path + ".backup"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// toRawMap round-trips a typed value through JSON into a generic map so it
// can live alongside raw history entries.
func toRawMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func toRawValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromRawMap(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
