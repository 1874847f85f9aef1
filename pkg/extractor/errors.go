// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"errors"
	"fmt"
)

// Common errors returned by the engine.
var (
	// ErrNoInput is returned when the root yields zero XML documents.
	ErrNoInput = errors.New("no XML documents found under root")

	// ErrRunActive is returned when a run is started while another session
	// is still running. A single process owns a single active run.
	ErrRunActive = errors.New("a run is already active")

	// ErrNoSavedState is returned by a resume entry point when no usable
	// persisted state exists.
	ErrNoSavedState = errors.New("no saved state to resume from")

	// ErrStopped is returned internally when a cooperative stop was
	// requested; the scheduler translates it into an interrupted session.
	ErrStopped = errors.New("stop requested")

	// errPaused signals a cooperative pause at a suspension point.
	errPaused = errors.New("pause requested")
)

// EnumerationError wraps a fatal failure to enumerate the input root.
type EnumerationError struct {
	Root string
	Err  error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s: %v", e.Root, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Extraction error kinds, recorded per item.
const (
	KindMalformedXML   = "malformed-xml"
	KindMissingPicture = "missing-picture-component"
	KindTimeout        = "timeout"
)

// ExtractError is a per-item extraction failure. Items failing extraction
// are counted as errors and produce no CSV row.
type ExtractError struct {
	Path string
	Kind string
	Err  error
}

func (e *ExtractError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %s: %s", e.Path, e.Kind)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// SinkError is a fatal failure to append to the CSV output. Unlike per-item
// errors it aborts the whole run.
type SinkError struct {
	Path string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("csv sink %s: %v", e.Path, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
