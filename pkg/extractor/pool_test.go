// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func newTestPipeline(filter FilterSpec) *Pipeline {
	return &Pipeline{Resolver: NewResolver(nil), Filter: filter}
}

func TestPipelineProcess(t *testing.T) {
	root := buildTree(t, 1)
	xmlPath := filepath.Join(root, "processed", "doc000.xml")
	item := WorkItem{Origin: xmlPath, OriginalRoot: root}

	res := newTestPipeline(FilterSpec{}).Process(context.Background(), item, "")
	if res.Err != nil {
		t.Fatalf("Process: %v", res.Err)
	}
	if !res.Passed {
		t.Errorf("record rejected: %s", res.FailedCheck)
	}
	if res.Record.ImageExists != "Yes" || res.Record.ActualFileSize != 1234 {
		t.Errorf("resolution: exists=%q size=%d", res.Record.ImageExists, res.Record.ActualFileSize)
	}
	if res.Match.Type != "exact" {
		t.Errorf("match type = %q", res.Match.Type)
	}
}

func TestPipelineProcessPrebound(t *testing.T) {
	root := t.TempDir()
	xmlPath := filepath.Join(root, "2024-01-05_ab1_nor_0001.xml")
	if err := os.WriteFile(xmlPath, []byte(pictureDoc("NI-1", "elsewhere.jpg", "100", "100")), 0o644); err != nil {
		t.Fatal(err)
	}
	img := writeImage(t, root, "2024-01-05_ab1_nor_0001.jpg", 77)

	item := WorkItem{Origin: xmlPath, OriginalRoot: root}
	res := newTestPipeline(FilterSpec{}).Process(context.Background(), item, img)
	if res.Err != nil {
		t.Fatalf("Process: %v", res.Err)
	}
	// The pre-bound path wins over whatever the href points at.
	if res.Record.ImagePath != img || res.Record.ActualFileSize != 77 {
		t.Errorf("prebound ignored: path=%q size=%d", res.Record.ImagePath, res.Record.ActualFileSize)
	}
}

func TestPipelineProcessReadsScratchCopy(t *testing.T) {
	scratch := filepath.Join(t.TempDir(), "000000_doc.xml")
	if err := os.WriteFile(scratch, []byte(pictureDoc("NI-1", "a.jpg", "100", "100")), 0o644); err != nil {
		t.Fatal(err)
	}

	// Origin is a URL; the parse must read the staged copy.
	item := WorkItem{Origin: "https://host.invalid/oslo/2024/01/processed/doc.xml", ScratchPath: scratch}
	res := newTestPipeline(FilterSpec{}).Process(context.Background(), item, "")
	if res.Err != nil {
		t.Fatalf("Process: %v", res.Err)
	}
	if res.Record.XMLPath != item.Origin {
		t.Errorf("XMLPath = %q, want the origin URL", res.Record.XMLPath)
	}
	if res.Record.City != "oslo" || res.Record.Year != "2024" {
		t.Errorf("provenance from URL = %q/%q", res.Record.City, res.Record.Year)
	}
}

func TestPipelineProcessMissingFile(t *testing.T) {
	item := WorkItem{Origin: filepath.Join(t.TempDir(), "gone.xml")}
	res := newTestPipeline(FilterSpec{}).Process(context.Background(), item, "")
	if res.Err == nil {
		t.Fatal("missing file produced no error")
	}
	if res.Record != nil {
		t.Error("record produced for unreadable document")
	}
}

func TestPipelineMove(t *testing.T) {
	root := buildTree(t, 1)
	dest := t.TempDir()
	item := WorkItem{Origin: filepath.Join(root, "processed", "doc000.xml"), OriginalRoot: root}

	spec := FilterSpec{Move: MoveSpec{Enabled: true, Destination: dest, Layout: "flat"}}
	res := newTestPipeline(spec).Process(context.Background(), item, "")
	if res.Err != nil {
		t.Fatalf("Process: %v", res.Err)
	}
	if !res.Moved {
		t.Fatalf("not moved: %v", res.MoveErr)
	}
	if _, err := os.Stat(filepath.Join(dest, "img000.jpg")); err != nil {
		t.Errorf("copy missing: %v", err)
	}
	// Copy semantics: the source image survives.
	if _, err := os.Stat(filepath.Join(root, "media", "img000.jpg")); err != nil {
		t.Errorf("source removed: %v", err)
	}
}

// A remote run with move enabled stages the image over HTTP and copies it
// into the replicated destination tree.
func TestPipelineMoveRemoteImage(t *testing.T) {
	payload := bytes.Repeat([]byte{0xab}, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oslo/2024/01/media/a.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	scratch := filepath.Join(t.TempDir(), "doc.xml")
	if err := os.WriteFile(scratch, []byte(pictureDoc("NI-1", "a.jpg", "4000", "2667")), 0o644); err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()

	p := &Pipeline{
		Resolver: NewResolver(srv.Client()),
		Filter:   FilterSpec{Move: MoveSpec{Enabled: true, Destination: dest, Layout: "replicate"}},
	}
	item := WorkItem{Origin: srv.URL + "/oslo/2024/01/processed/doc.xml", ScratchPath: scratch}
	res := p.Process(context.Background(), item, "")
	if res.Err != nil {
		t.Fatalf("Process: %v", res.Err)
	}
	if !res.Moved {
		t.Fatalf("not moved: %v", res.MoveErr)
	}

	copied := filepath.Join(dest, "oslo", "2024", "01", "media", "a.jpg")
	b, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("copy missing: %v", err)
	}
	if !bytes.Equal(b, payload) {
		t.Errorf("copy has %d bytes, want %d", len(b), len(payload))
	}
	if res.Record.ActualFileSize != int64(len(payload)) {
		t.Errorf("actualFileSize = %d", res.Record.ActualFileSize)
	}
}

// A remote image that cannot be fetched surfaces a move error instead of
// silently skipping the copy.
func TestPipelineMoveRemoteImageFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "64")
			return
		}
		http.Error(w, "gone", http.StatusInternalServerError)
	}))
	defer srv.Close()

	scratch := filepath.Join(t.TempDir(), "doc.xml")
	if err := os.WriteFile(scratch, []byte(pictureDoc("NI-1", "a.jpg", "4000", "2667")), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &Pipeline{
		Resolver: NewResolver(srv.Client()),
		Filter:   FilterSpec{Move: MoveSpec{Enabled: true, Destination: t.TempDir(), Layout: "flat"}},
	}
	item := WorkItem{Origin: srv.URL + "/oslo/2024/01/processed/doc.xml", ScratchPath: scratch}
	res := p.Process(context.Background(), item, "")
	if res.Err != nil {
		t.Fatalf("Process: %v", res.Err)
	}
	if res.Moved || res.MoveErr == nil {
		t.Fatalf("moved=%v moveErr=%v", res.Moved, res.MoveErr)
	}
}

func TestProcessWithTimeout(t *testing.T) {
	root := buildTree(t, 1)
	item := WorkItem{Origin: filepath.Join(root, "processed", "doc000.xml"), OriginalRoot: root}
	p := newTestPipeline(FilterSpec{})

	t.Run("normal completion", func(t *testing.T) {
		res := p.processWithTimeout(context.Background(), item, "")
		if res.Err != nil {
			t.Fatalf("err = %v", res.Err)
		}
	})

	t.Run("cancelled deadline abandons the in-flight task", func(t *testing.T) {
		// The resolver HEAD blocks until the request is aborted, so the
		// task is reliably in flight when the deadline fires.
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		scratch := filepath.Join(t.TempDir(), "doc.xml")
		if err := os.WriteFile(scratch, []byte(pictureDoc("NI-1", "a.jpg", "100", "100")), 0o644); err != nil {
			t.Fatal(err)
		}
		remote := WorkItem{Origin: srv.URL + "/processed/doc.xml", ScratchPath: scratch}
		slow := &Pipeline{Resolver: NewResolver(srv.Client())}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		res := slow.processWithTimeout(ctx, remote, "")
		var xe *ExtractError
		if !errors.As(res.Err, &xe) || xe.Kind != KindTimeout {
			t.Fatalf("err = %v, want timeout ExtractError", res.Err)
		}
		if res.Item.Origin != remote.Origin {
			t.Error("envelope lost the work item")
		}
	})
}

func TestClampWorkers(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, 4}, {-3, 4}, {1, 1}, {4, 4}, {16, 16}, {64, 16},
	}
	for _, tt := range tests {
		if got := clampWorkers(tt.in); got != tt.want {
			t.Errorf("clampWorkers(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
