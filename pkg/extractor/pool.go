// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"
)

// taskTimeout is the hard per-document bound. On expiry the task yields a
// timeout error and any in-flight work is abandoned; the stray goroutine
// finishes on its own and its late result is discarded.
const taskTimeout = 30 * time.Second

// Pipeline runs the per-document stages: extract, resolve, filter, move.
// Tasks share no mutable state, so one Pipeline value serves all workers.
type Pipeline struct {
	Resolver *Resolver
	Filter   FilterSpec
}

// Process runs one document through the pipeline. prebound, when set,
// short-circuits image resolution to a path already known (watcher pairs).
func (p *Pipeline) Process(ctx context.Context, item WorkItem, prebound string) Result {
	res := Result{Item: item, WorkerID: item.WorkerID}

	path := item.Origin
	if item.ScratchPath != "" {
		path = item.ScratchPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		res.Err = fmt.Errorf("read %s: %w", path, err)
		return res
	}

	rec, err := Extract(data, item.Origin)
	if err != nil {
		res.Err = err
		return res
	}
	res.Record = rec

	var rr ResolveResult
	if prebound != "" {
		rr = p.Resolver.ResolveAt(prebound)
	} else {
		rr = p.Resolver.Resolve(ctx, rec, item.Origin)
	}
	res.Match = rr.Match
	rec.ImagePath = rr.Path
	rec.ActualFileSize = rr.Size
	if rr.Exists {
		rec.ImageExists = "Yes"
	} else {
		rec.ImageExists = "No"
	}

	res.Passed, res.FailedCheck = Evaluate(rec, p.Filter)

	if res.Passed && p.Filter.Move.Enabled && rr.Exists {
		var remote *RemoteStructure
		if isRemote(item.Origin) {
			remote = &RemoteStructure{City: rec.City, Year: rec.Year, Month: rec.Month}
		}
		src := rr.Path
		if isRemote(src) {
			// A remote image has no local file to copy from yet; pull it
			// down first, keeping its name for the destination.
			staged, err := p.stageImage(ctx, src)
			if err != nil {
				res.MoveErr = fmt.Errorf("stage remote image: %w", err)
				return res
			}
			defer os.RemoveAll(filepath.Dir(staged))
			src = staged
		}
		if _, err := MoveImage(src, p.Filter.Move, item.OriginalRoot, remote); err != nil {
			res.MoveErr = err
		} else {
			res.Moved = true
		}
	}
	return res
}

// stageImage downloads a remote image into a fresh temp directory under
// its original base name. The caller removes the directory when done.
func (p *Pipeline) stageImage(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := p.Resolver.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}

	name := "image"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			name = base
		}
	}
	dir, err := os.MkdirTemp("", "pixtract-img-")
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, name)
	out, err := os.Create(dst)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.RemoveAll(dir)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dst, nil
}

// processWithTimeout wraps Process with the per-task deadline.
func (p *Pipeline) processWithTimeout(ctx context.Context, item WorkItem, prebound string) Result {
	tctx, cancel := context.WithTimeout(ctx, taskTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		done <- p.Process(tctx, item, prebound)
	}()

	select {
	case r := <-done:
		return r
	case <-tctx.Done():
		return Result{
			Item:     item,
			WorkerID: item.WorkerID,
			Err:      &ExtractError{Path: item.Origin, Kind: KindTimeout, Err: tctx.Err()},
		}
	}
}
