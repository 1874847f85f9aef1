// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// checkpointEvery is how many streaming completions pass between session
// checkpoints.
const checkpointEvery = 50

// Engine drives one extraction run. All three entry points (Run, Resume,
// ResumeChunked) funnel into the same scheduler; the pacing mode and the
// starting chunk are the only differences.
type Engine struct {
	cfg      Config
	store    StateStore
	emit     EventFunc
	client   *http.Client
	pipeline *Pipeline
	workers  int
}

// NewEngine builds an engine for cfg. Defaults are applied here so the
// zero-ish Config a caller hands over behaves like DefaultConfig.
func NewEngine(cfg Config, store StateStore, emit EventFunc) *Engine {
	if cfg.ProcessingMode == "" {
		cfg.ProcessingMode = ModeStream
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = 100
	}
	if cfg.OutputFile == "" {
		cfg.OutputFile = "records.csv"
	}
	client := buildHTTPClient()
	return &Engine{
		cfg:      cfg,
		store:    store,
		emit:     emit,
		client:   client,
		pipeline: &Pipeline{Resolver: NewResolver(client), Filter: cfg.Filter},
		workers:  clampWorkers(cfg.NumWorkers),
	}
}

// run carries the mutable state of one scheduler pass.
type run struct {
	session       *SessionRecord
	stats         *Stats
	sink          *CSVSink
	items         []WorkItem
	processedList []string
	completions   int
	nextWorkerID  int
	scratch       string
}

func (e *Engine) send(ev Event) {
	if e.emit == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.emit(ev)
}

func (e *Engine) logf(format string, args ...any) {
	e.send(Event{Type: "log", Message: fmt.Sprintf(format, args...)})
}

// OutputPath is the resolved CSV destination for this engine's config.
func (e *Engine) OutputPath() string {
	if e.cfg.OutputFolder != "" && !filepath.IsAbs(e.cfg.OutputFile) {
		return filepath.Join(e.cfg.OutputFolder, e.cfg.OutputFile)
	}
	return e.cfg.OutputFile
}

// pauseCheck is the single suspension-point probe. Stop wins over pause.
func (e *Engine) pauseCheck() error {
	ps := e.store.PauseState()
	if ps.ShouldStop {
		return ErrStopped
	}
	if ps.IsPaused {
		return errPaused
	}
	return nil
}

// Run starts a fresh run. It refuses while another session is running.
func (e *Engine) Run(ctx context.Context) error {
	if cur, ok, _ := e.store.LoadCurrentSession(); ok && cur.Status == SessionRunning {
		return ErrRunActive
	}
	if err := e.store.ResetPause(); err != nil {
		e.logf("state write failed: %v", err)
	}

	session := SessionRecord{
		ID:        NewSessionID(),
		StartTime: time.Now().UTC(),
		Status:    SessionRunning,
		Config:    e.cfg,
	}
	e.persistSession(&session)

	r := &run{session: &session, stats: &Stats{}}

	if isRemote(e.cfg.RootDir) {
		scratch, err := os.MkdirTemp("", "pixtract-")
		if err != nil {
			return e.fail(r, fmt.Errorf("scratch dir: %w", err))
		}
		r.scratch = scratch
	}

	items, err := Enumerate(ctx, e.cfg.RootDir, r.scratch, e.client, func(msg string) {
		e.send(Event{Type: "log", Message: msg})
	})
	if err != nil {
		return e.fail(r, err)
	}
	r.items = items
	r.stats.TotalFiles = len(items)

	sink, err := OpenCSVSink(e.OutputPath(), false)
	if err != nil {
		return e.fail(r, err)
	}
	r.sink = sink
	defer sink.Close()

	e.send(Event{
		Type:    "start",
		Message: fmt.Sprintf("processing %d documents from %s", len(items), e.cfg.RootDir),
		Total:   len(items),
	})

	switch e.cfg.ProcessingMode {
	case ModeChunked:
		err = e.runChunked(ctx, r, 0)
	case ModeRegular:
		err = e.runBatch(ctx, r, items, false, true)
	default: // stream
		err = e.runBatch(ctx, r, items, true, true)
	}
	return e.finalize(r, err)
}

// Resume re-enters a paused or interrupted streaming/regular run. The
// persisted session supplies the config; already-committed origins are
// skipped on the re-scan. A current session still marked running was left
// behind by abnormal process death and is recovered as interrupted.
func Resume(ctx context.Context, store StateStore, emit EventFunc) error {
	cur, ok, err := store.LoadCurrentSession()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSavedState
	}
	switch cur.Status {
	case SessionPaused, SessionInterrupted:
	case SessionRunning:
		cur.Status = SessionInterrupted
	default:
		return ErrNoSavedState
	}
	if cur.Config.ProcessingMode == ModeChunked {
		return ResumeChunked(ctx, store, emit)
	}

	e := NewEngine(cur.Config, store, emit)
	if err := store.ResetPause(); err != nil {
		e.logf("state write failed: %v", err)
	}

	cur.Status = SessionRunning
	cur.EndTime = nil
	e.persistSession(cur)

	stats := cur.Progress.Stats
	r := &run{session: cur, stats: &stats, processedList: cur.Progress.ProcessedFilesList}

	if isRemote(e.cfg.RootDir) {
		scratch, err := os.MkdirTemp("", "pixtract-")
		if err != nil {
			return e.fail(r, fmt.Errorf("scratch dir: %w", err))
		}
		r.scratch = scratch
	}

	items, err := Enumerate(ctx, e.cfg.RootDir, r.scratch, e.client, func(msg string) {
		e.send(Event{Type: "log", Message: msg})
	})
	if err != nil {
		return e.fail(r, err)
	}

	done := make(map[string]bool, len(r.processedList))
	for _, origin := range r.processedList {
		done[origin] = true
	}
	remaining := items[:0:0]
	for _, it := range items {
		if !done[it.Origin] {
			remaining = append(remaining, it)
		}
	}
	r.items = remaining
	r.stats.TotalFiles = len(items)

	sink, err := OpenCSVSink(e.OutputPath(), true)
	if err != nil {
		return e.fail(r, err)
	}
	r.sink = sink
	defer sink.Close()

	e.send(Event{
		Type:    "start",
		Message: fmt.Sprintf("resuming: %d of %d documents remaining", len(remaining), len(items)),
		Total:   len(items),
	})

	return e.finalize(r, e.runBatch(ctx, r, remaining, e.cfg.ProcessingMode != ModeRegular, true))
}

// ResumeChunked re-enters a chunked run at the persisted chunk index. The
// chunked state file is the sole source of truth: the work list is not
// re-enumerated.
func ResumeChunked(ctx context.Context, store StateStore, emit EventFunc) error {
	cs, ok, err := store.LoadChunkedState()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoSavedState
	}

	e := NewEngine(cs.Config, store, emit)
	if err := store.ResetPause(); err != nil {
		e.logf("state write failed: %v", err)
	}

	session := &SessionRecord{
		ID:        cs.SessionID,
		StartTime: cs.StartTime,
		Status:    SessionRunning,
		Config:    cs.Config,
	}
	if cur, ok, _ := store.LoadCurrentSession(); ok && cur.ID == cs.SessionID {
		session = cur
		session.Status = SessionRunning
		session.EndTime = nil
	}
	e.persistSession(session)

	stats := cs.Stats
	r := &run{session: session, stats: &stats, items: cs.XMLFiles, processedList: session.Progress.ProcessedFilesList}

	if err := e.restageMissing(ctx, r); err != nil {
		return e.fail(r, err)
	}

	sink, err := OpenCSVSink(cs.OutputPath, true)
	if err != nil {
		return e.fail(r, err)
	}
	r.sink = sink
	defer sink.Close()

	e.send(Event{
		Type:         "start",
		Message:      fmt.Sprintf("resuming chunked run at chunk %d of %d", cs.CurrentChunk+1, cs.TotalChunks),
		Total:        len(cs.XMLFiles),
		CurrentChunk: cs.CurrentChunk,
		TotalChunks:  cs.TotalChunks,
	})

	return e.finalize(r, e.runChunked(ctx, r, cs.CurrentChunk))
}

// restageMissing re-downloads remote documents whose scratch copies did
// not survive the interruption.
func (e *Engine) restageMissing(ctx context.Context, r *run) error {
	var scratch string
	for i := range r.items {
		it := &r.items[i]
		if it.ScratchPath == "" {
			continue
		}
		if _, err := os.Stat(it.ScratchPath); err == nil {
			continue
		}
		if scratch == "" {
			var err error
			scratch, err = os.MkdirTemp("", "pixtract-")
			if err != nil {
				return fmt.Errorf("scratch dir: %w", err)
			}
			r.scratch = scratch
		}
		staged, err := stageRemoteFile(ctx, e.client, it.Origin, scratch, i)
		if err != nil {
			e.logf("re-staging %s failed: %v", it.Origin, err)
			continue
		}
		it.ScratchPath = staged
	}
	return nil
}

// runChunked processes contiguous chunks from startChunk on, persisting
// the resume anchor after each chunk. Pause and stop are observed between
// chunks and on each countdown tick; a chunk in flight always drains so
// resume never re-appends its rows.
func (e *Engine) runChunked(ctx context.Context, r *run, startChunk int) error {
	size := e.cfg.ChunkSize
	total := (len(r.items) + size - 1) / size

	for i := startChunk; i < total; i++ {
		if err := e.pauseCheck(); err != nil {
			e.saveChunkedState(r, i, total, err)
			return err
		}

		chunk := r.items[i*size : min((i+1)*size, len(r.items))]
		e.send(Event{
			Type:         "chunk_start",
			Message:      fmt.Sprintf("chunk %d of %d (%d documents)", i+1, total, len(chunk)),
			CurrentChunk: i + 1,
			TotalChunks:  total,
			ChunkSize:    len(chunk),
		})

		if err := e.runBatch(ctx, r, chunk, false, false); err != nil {
			e.saveChunkedState(r, i, total, err)
			return err
		}

		e.send(Event{
			Type:         "chunk_complete",
			Message:      fmt.Sprintf("chunk %d of %d complete", i+1, total),
			CurrentChunk: i + 1,
			TotalChunks:  total,
		})
		e.sendProgress(r, i+1, total)
		e.saveChunkedState(r, i+1, total, nil)
		e.checkpointSession(r)

		if e.cfg.PauseBetweenChunks && i+1 < total {
			if err := e.countdown(e.cfg.PauseDuration); err != nil {
				e.saveChunkedState(r, i+1, total, err)
				return err
			}
		}
	}
	return nil
}

// countdown waits PauseDuration seconds between chunks, emitting one
// pause_countdown per second and probing pause/stop every 200 ms.
func (e *Engine) countdown(seconds int) error {
	for remaining := seconds; remaining > 0; remaining-- {
		e.send(Event{
			Type:      "pause_countdown",
			Message:   fmt.Sprintf("next chunk in %ds", remaining),
			Remaining: remaining,
		})
		for tick := 0; tick < 5; tick++ {
			if err := e.pauseCheck(); err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
		}
	}
	return nil
}

// runBatch dispatches items to the bounded pool and drains their results.
// The semaphore is the engine-wide parallelism bound; chunked callers pass
// interruptible=false so a chunk always completes once started.
func (e *Engine) runBatch(ctx context.Context, r *run, items []WorkItem, streaming, interruptible bool) error {
	sem := make(chan struct{}, e.workers)
	results := make(chan Result)

	bctx, bcancel := context.WithCancel(ctx)
	defer bcancel()

	var dispatchCause error
	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(results)
		}()
		for _, it := range items {
			if interruptible {
				if err := e.pauseCheck(); err != nil {
					dispatchCause = err
					return
				}
			}
			it.WorkerID = r.nextWorkerID
			r.nextWorkerID++

			select {
			case sem <- struct{}{}:
			case <-bctx.Done():
				dispatchCause = bctx.Err()
				return
			}

			wg.Add(1)
			item := it
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				results <- e.pipeline.processWithTimeout(bctx, item, "")
			}()
		}
	}()

	var sinkErr error
	var stopSeen bool
	for res := range results {
		if sinkErr != nil {
			continue // drain only
		}
		if err := e.applyResult(r, res, streaming); err != nil {
			sinkErr = err
			bcancel()
			continue
		}
		// Stop (not pause) is also observed after each completion.
		if interruptible && !stopSeen && e.store.PauseState().ShouldStop {
			stopSeen = true
		}
	}

	if sinkErr != nil {
		return sinkErr
	}
	if dispatchCause != nil && !errors.Is(dispatchCause, context.Canceled) {
		return dispatchCause
	}
	if stopSeen {
		return ErrStopped
	}
	return ctx.Err()
}

// applyResult folds one task result into the stats and the CSV sink. Only
// a sink failure is returned; everything else is per-item bookkeeping.
func (e *Engine) applyResult(r *run, res Result, streaming bool) error {
	r.stats.ProcessedFiles++

	switch {
	case res.Err != nil:
		r.stats.ErrorFiles++
		e.send(Event{Type: "log", Message: res.Err.Error()})
	case !res.Passed:
		r.stats.FilteredFiles++
		if e.cfg.Verbose {
			e.logf("filtered %s (%s)", res.Item.Origin, res.FailedCheck)
		}
	default:
		if err := r.sink.Append(res.Record); err != nil {
			return err
		}
		r.stats.RecordsWritten++
		r.stats.SuccessfulFiles++
		if res.Moved {
			r.stats.MovedFiles++
		}
		if res.MoveErr != nil {
			e.logf("move failed for %s: %v", res.Item.Origin, res.MoveErr)
		}
		if e.cfg.Verbose {
			e.logf("processed %s (match=%s)", res.Item.Origin, res.Match.Type)
		}
	}

	r.processedList = append(r.processedList, res.Item.Origin)

	if streaming {
		e.sendProgress(r, 0, 0)
		r.completions++
		if r.completions%checkpointEvery == 0 {
			e.checkpointSession(r)
		}
	}
	return nil
}

func (e *Engine) sendProgress(r *run, currentChunk, totalChunks int) {
	s := r.stats
	pct := 0.0
	if s.TotalFiles > 0 {
		pct = float64(s.ProcessedFiles) / float64(s.TotalFiles) * 100
	}
	e.send(Event{
		Type:         "progress",
		Percentage:   pct,
		Total:        s.TotalFiles,
		Processed:    s.ProcessedFiles,
		Successful:   s.SuccessfulFiles,
		Errors:       s.ErrorFiles,
		Filtered:     s.FilteredFiles,
		Moved:        s.MovedFiles,
		CurrentChunk: currentChunk,
		TotalChunks:  totalChunks,
	})
}

// saveChunkedState persists the chunked resume anchor. cause is the
// suspension error, if any; a pause stamps PauseTime on the anchor.
func (e *Engine) saveChunkedState(r *run, nextChunk, totalChunks int, cause error) {
	cs := ChunkedState{
		SessionID:    r.session.ID,
		Config:       e.cfg,
		Stats:        *r.stats,
		CurrentChunk: nextChunk,
		TotalChunks:  totalChunks,
		ChunkSize:    e.cfg.ChunkSize,
		XMLFiles:     r.items,
		OutputPath:   e.OutputPath(),
		StartTime:    r.session.StartTime,
	}
	if r.sink != nil {
		cs.OutputPath = r.sink.Path()
	}
	if errors.Is(cause, errPaused) {
		now := time.Now().UTC()
		cs.PauseTime = &now
	}
	if err := e.store.SaveChunkedState(cs); err != nil {
		e.logf("state write failed: %v", err)
	}
}

// checkpointSession persists session progress. State write failures are
// degraded to log events, never fatal.
func (e *Engine) checkpointSession(r *run) {
	r.session.Progress = SessionProgress{Stats: *r.stats, ProcessedFilesList: r.processedList}
	e.persistSession(r.session)
}

func (e *Engine) persistSession(s *SessionRecord) {
	if err := e.store.SaveCurrentSession(*s); err != nil {
		e.logf("state write failed: %v", err)
	}
	if err := e.store.UpdateSession(s.ID, map[string]any{
		"status":   s.Status,
		"progress": s.Progress,
		"endTime":  s.EndTime,
	}); err != nil {
		// The session may not be in history yet on the very first save.
		if err := e.store.AddSession(*s); err != nil {
			e.logf("state write failed: %v", err)
		}
	}
}

// fail finalizes a run that died before or during setup.
func (e *Engine) fail(r *run, err error) error {
	return e.finalize(r, err)
}

// finalize translates the scheduler's exit cause into the terminal event,
// the session status, and the durable state left behind.
func (e *Engine) finalize(r *run, cause error) error {
	now := time.Now().UTC()
	r.session.Progress = SessionProgress{Stats: *r.stats, ProcessedFilesList: r.processedList}

	switch {
	case cause == nil:
		r.session.Status = SessionCompleted
		r.session.EndTime = &now
		outputFile := ""
		if r.sink != nil {
			outputFile = r.sink.Path()
			r.session.Results = &SessionResults{OutputPath: outputFile}
		}
		e.persistSession(r.session)
		if err := e.store.ClearChunkedState(); err != nil {
			e.logf("state write failed: %v", err)
		}
		if err := e.store.ClearCurrentSession(); err != nil {
			e.logf("state write failed: %v", err)
		}
		if r.scratch != "" {
			os.RemoveAll(r.scratch)
		}
		e.send(Event{
			Type:       "complete",
			Message:    fmt.Sprintf("processed %d documents, wrote %d records", r.stats.ProcessedFiles, r.stats.RecordsWritten),
			Stats:      r.stats,
			OutputFile: outputFile,
		})
		return nil

	// Context cancellation (a signal, typically) interrupts the run the
	// same way an explicit stop does: the checkpoint stays resumable.
	case errors.Is(cause, ErrStopped), errors.Is(cause, context.Canceled):
		msg := "stopped; run can be resumed"
		if !errors.Is(cause, ErrStopped) {
			msg = "interrupted; run can be resumed"
		}
		r.session.Status = SessionInterrupted
		r.session.EndTime = &now
		e.persistSession(r.session)
		e.send(Event{
			Type:      "shutdown",
			Message:   msg,
			Stats:     r.stats,
			CanResume: true,
		})
		return nil

	case errors.Is(cause, errPaused):
		r.session.Status = SessionPaused
		e.persistSession(r.session)
		e.send(Event{
			Type:      "paused",
			Message:   "paused; run can be resumed",
			Stats:     r.stats,
			CanResume: true,
		})
		return nil

	default:
		r.session.Status = SessionFailed
		r.session.EndTime = &now
		e.persistSession(r.session)
		if err := e.store.ClearCurrentSession(); err != nil {
			e.logf("state write failed: %v", err)
		}
		e.send(Event{Type: "error", Message: cause.Error(), Stats: r.stats})
		return cause
	}
}
