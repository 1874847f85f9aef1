// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Session statuses.
const (
	SessionRunning     = "running"
	SessionPaused      = "paused"
	SessionCompleted   = "completed"
	SessionFailed      = "failed"
	SessionInterrupted = "interrupted"
)

// PauseState is the process-wide pause/stop intent. It is persisted on
// every change so a resume after process death sees the last request.
type PauseState struct {
	IsPaused   bool      `json:"isPaused"`
	ShouldStop bool      `json:"shouldStop"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionProgress is the progress snapshot stored with a session.
type SessionProgress struct {
	Stats
	// ProcessedFilesList records origins already committed, used by
	// streaming resume to skip work that already produced its row.
	ProcessedFilesList []string `json:"processedFilesList,omitempty"`
}

// SessionResults holds the output artifacts of a finished session.
type SessionResults struct {
	OutputPath string `json:"outputPath"`
}

// SessionRecord is one entry in the processing history. At most one
// session is current at a time; while it is running no new run may start.
type SessionRecord struct {
	ID        string          `json:"id"`
	StartTime time.Time       `json:"startTime"`
	EndTime   *time.Time      `json:"endTime,omitempty"`
	Status    string          `json:"status"`
	Config    Config          `json:"config"`
	Progress  SessionProgress `json:"progress"`
	Results   *SessionResults `json:"results,omitempty"`
}

// ChunkedState is the durable resume anchor for chunked mode. It exists
// only between run start and completion (or discard) and is the sole
// source of truth for a chunked resume.
type ChunkedState struct {
	SessionID    string     `json:"sessionId"`
	Config       Config     `json:"config"`
	Stats        Stats      `json:"stats"`
	CurrentChunk int        `json:"currentChunk"`
	TotalChunks  int        `json:"totalChunks"`
	ChunkSize    int        `json:"chunkSize"`
	XMLFiles     []WorkItem `json:"xmlFiles"`
	OutputPath   string     `json:"outputPath"`
	StartTime    time.Time  `json:"startTime"`
	PauseTime    *time.Time `json:"pauseTime,omitempty"`
}

// StateStore is the durable store the engine checkpoints through. The
// pkg/state JSON store is the production implementation.
type StateStore interface {
	// PauseState returns the current in-memory pause/stop intent.
	PauseState() PauseState
	// ResetPause clears pause and stop intent.
	ResetPause() error

	SaveChunkedState(ChunkedState) error
	LoadChunkedState() (*ChunkedState, bool, error)
	ClearChunkedState() error

	AddSession(SessionRecord) error
	UpdateSession(id string, patch map[string]any) error

	SaveCurrentSession(SessionRecord) error
	LoadCurrentSession() (*SessionRecord, bool, error)
	ClearCurrentSession() error
}

// NewSessionID creates a short random session ID.
func NewSessionID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}
