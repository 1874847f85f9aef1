// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import "time"

// Processing modes select how the scheduler paces the worker pool.
//
//   - ModeRegular: enumerate everything, submit, drain, finalize.
//   - ModeStream: like regular, but emits a progress event per completion
//     and checkpoints session progress periodically. This is the default.
//   - ModeChunked: partitions the work list into contiguous chunks and
//     checkpoints durable resume state between chunks.
const (
	ModeRegular = "regular"
	ModeStream  = "stream"
	ModeChunked = "chunked"
)

// Config describes a single extraction run.
//
// RootDir is required and may be a local directory or an HTTP/HTTPS URL
// pointing at a directory index of NewsML documents. Everything else has a
// sensible default; see DefaultConfig.
type Config struct {
	// RootDir is the tree to walk: a local path or a remote index URL.
	RootDir string `json:"rootDir" yaml:"rootDir"`

	// OutputFile is the CSV file to append records to.
	OutputFile string `json:"outputFile" yaml:"outputFile"`

	// OutputFolder, when set, is joined with OutputFile unless OutputFile
	// is already absolute.
	OutputFolder string `json:"outputFolder,omitempty" yaml:"outputFolder,omitempty"`

	// NumWorkers bounds pool parallelism. Clamped to [1,16]; default 4.
	NumWorkers int `json:"numWorkers" yaml:"numWorkers"`

	// Verbose enables a log event per completed document.
	Verbose bool `json:"verbose" yaml:"verbose"`

	// ProcessingMode is one of regular|stream|chunked. Default stream.
	ProcessingMode string `json:"processingMode" yaml:"processingMode"`

	// ChunkSize is the number of documents per chunk in chunked mode.
	// Minimum 1, default 100.
	ChunkSize int `json:"chunkSize" yaml:"chunkSize"`

	// PauseBetweenChunks inserts a countdown of PauseDuration seconds
	// after each chunk completes.
	PauseBetweenChunks bool `json:"pauseBetweenChunks" yaml:"pauseBetweenChunks"`

	// PauseDuration is the inter-chunk countdown length in seconds.
	PauseDuration int `json:"pauseDuration" yaml:"pauseDuration"`

	// Filter is the composite record filter plus the optional move stage.
	Filter FilterSpec `json:"filterConfig" yaml:"filterConfig"`
}

// DefaultConfig returns a Config with defaults filled in.
func DefaultConfig() Config {
	return Config{
		OutputFile:     "records.csv",
		NumWorkers:     4,
		ProcessingMode: ModeStream,
		ChunkSize:      100,
	}
}

// TextPredicate compares a metadata field against a value. Comparison is
// case-insensitive on trimmed strings for both sides.
//
// Operator is one of: like, notLike, equals, notEquals, startsWith,
// endsWith, notBlank, isBlank. An empty operator is a no-op.
type TextPredicate struct {
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value" yaml:"value"`
}

// MoveSpec configures the optional copy of qualifying images.
type MoveSpec struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Destination is the target root for copied images.
	Destination string `json:"destination" yaml:"destination"`

	// Layout is "replicate" (mirror the source layout under Destination)
	// or "flat" (everything directly under Destination).
	Layout string `json:"layout" yaml:"layout"`
}

// FilterSpec is the composite filter applied to each extracted record.
// With Enabled false every record is accepted.
type FilterSpec struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// AllowedExtensions is the file-type allow-list, lowercase without the
	// leading dot (e.g. "jpg"). An empty imageHref always rejects.
	AllowedExtensions []string `json:"allowedExtensions" yaml:"allowedExtensions"`

	MinWidth  *int `json:"minWidth,omitempty" yaml:"minWidth,omitempty"`
	MinHeight *int `json:"minHeight,omitempty" yaml:"minHeight,omitempty"`
	MaxWidth  *int `json:"maxWidth,omitempty" yaml:"maxWidth,omitempty"`
	MaxHeight *int `json:"maxHeight,omitempty" yaml:"maxHeight,omitempty"`

	// File-size bounds in bytes, applied to the measured size when known,
	// otherwise to the declared SizeInBytes.
	MinFileSize *int64 `json:"minFileSize,omitempty" yaml:"minFileSize,omitempty"`
	MaxFileSize *int64 `json:"maxFileSize,omitempty" yaml:"maxFileSize,omitempty"`

	Creditline    *TextPredicate `json:"creditline,omitempty" yaml:"creditline,omitempty"`
	CopyrightLine *TextPredicate `json:"copyrightLine,omitempty" yaml:"copyrightLine,omitempty"`
	UsageType     *TextPredicate `json:"usageType,omitempty" yaml:"usageType,omitempty"`
	RightsHolder  *TextPredicate `json:"rightsHolder,omitempty" yaml:"rightsHolder,omitempty"`
	Location      *TextPredicate `json:"location,omitempty" yaml:"location,omitempty"`

	Move MoveSpec `json:"move" yaml:"move"`
}

// WorkItem identifies one NewsML document queued for processing.
type WorkItem struct {
	// Origin is the user-facing identity: a local path or a remote URL.
	Origin string `json:"origin"`

	// ScratchPath points at the locally staged copy of a remote document.
	// Empty for local origins.
	ScratchPath string `json:"scratchPath,omitempty"`

	// OriginalRoot is the root the run was started with; the mover uses it
	// to compute relative paths when replicating layout.
	OriginalRoot string `json:"originalRoot"`

	// WorkerID is monotonic within a run, assigned on dispatch.
	WorkerID int `json:"workerId"`
}

// Record is the flat tuple written to CSV, one per document.
// All text fields are trimmed; a missing value is the empty string.
type Record struct {
	City          string
	Year          string
	Month         string
	NewsItemID    string
	DateID        string
	ProviderID    string
	Headline      string
	Byline        string
	Dateline      string
	Creditline    string
	CopyrightLine string
	Slugline      string
	Keywords      string
	Edition       string
	Location      string
	Country       string
	CityMeta      string
	PageNumber    string
	Status        string
	Urgency       string
	Language      string
	Subject       string
	Processed     string
	Published     string
	UsageType     string
	RightsHolder  string
	ImageWidth    string
	ImageHeight   string

	// ImageSize is the declared size, preserved as the raw XML string
	// (it may contain thousands separators).
	ImageSize string

	// ActualFileSize is the measured size of the resolved image.
	ActualFileSize int64

	ImageHref   string
	XMLPath     string
	ImagePath   string
	ImageExists string // "Yes" or "No"

	CreationDate string
	RevisionDate string
	CommentData  string
}

// Stats aggregates per-run counters. All counters are monotonic
// non-decreasing within a run, and ProcessedFiles ==
// SuccessfulFiles + ErrorFiles + FilteredFiles at every committed
// checkpoint.
type Stats struct {
	TotalFiles      int `json:"totalFiles"`
	ProcessedFiles  int `json:"processedFiles"`
	SuccessfulFiles int `json:"successfulFiles"`
	ErrorFiles      int `json:"errorFiles"`
	RecordsWritten  int `json:"recordsWritten"`
	FilteredFiles   int `json:"filteredFiles"`
	MovedFiles      int `json:"movedFiles"`
}

// MatchInfo reports how the resolver located (or failed to locate) the
// image behind a record.
type MatchInfo struct {
	// Type is one of: exact, case-insensitive, enhanced-pattern, none, error.
	Type       string `json:"type"`
	Confidence string `json:"confidence,omitempty"` // high or medium
	Reason     string `json:"reason,omitempty"`
	FileName   string `json:"fileName,omitempty"`
}

// Result is the envelope a worker task hands back to the scheduler.
type Result struct {
	Item        WorkItem
	Record      *Record
	Passed      bool
	FailedCheck string
	Moved       bool
	MoveErr     error
	Match       MatchInfo
	Err         error
	WorkerID    int
}

// Event is a progress update emitted during a run.
//
// Type is one of: start, log, error, progress, chunk_start, chunk_complete,
// pause_countdown, paused, shutdown, complete. Every event carries an
// ISO-8601 timestamp (filled by the emitter when zero).
type Event struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Progress payload.
	Percentage float64 `json:"percentage,omitempty"`
	Total      int     `json:"total,omitempty"`
	Processed  int     `json:"processed,omitempty"`
	Successful int     `json:"successful,omitempty"`
	Errors     int     `json:"errors,omitempty"`
	Filtered   int     `json:"filtered,omitempty"`
	Moved      int     `json:"moved,omitempty"`

	// Chunked-mode payload.
	CurrentChunk int `json:"currentChunk,omitempty"`
	TotalChunks  int `json:"totalChunks,omitempty"`
	ChunkSize    int `json:"chunkSize,omitempty"`

	// Countdown payload (pause_countdown).
	Remaining int `json:"remaining,omitempty"`

	// Terminal payload.
	Stats      *Stats `json:"stats,omitempty"`
	OutputFile string `json:"outputFile,omitempty"`
	CanResume  bool   `json:"canResume,omitempty"`
}

// EventFunc receives progress events. It may be called from the scheduler
// goroutine only, so implementations need not be thread-safe, but they must
// not block for long: the scheduler emits inline.
type EventFunc func(Event)

// clampWorkers bounds the pool size to [1,16], defaulting to 4.
func clampWorkers(n int) int {
	if n <= 0 {
		return 4
	}
	if n > 16 {
		return 16
	}
	return n
}
