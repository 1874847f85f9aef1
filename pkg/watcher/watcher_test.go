// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pixtract/pkg/extractor"
)

func TestBaseIdentifier(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"xml with four tokens", "2024-01-05_ab123_nor_0042.xml", "2024-01-05_ab123_nor_0042"},
		{"image with four tokens", "2024-01-05_ab123_nor_0042.jpg", "2024-01-05_ab123_nor_0042"},
		{"trailing tokens ignored", "2024-01-05_ab123_nor_0042_extra_v2.jpg", "2024-01-05_ab123_nor_0042"},
		{"fewer tokens use the whole stem", "photo_final.jpg", "photo_final"},
		{"no underscores", "photo.jpg", "photo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BaseIdentifier(tt.in); got != tt.want {
				t.Errorf("BaseIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("empty watch dir accepted")
	}

	svc, err := New(Config{WatchDir: t.TempDir(), OutputFile: filepath.Join(t.TempDir(), "w.csv")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.watcher.Close()
	if svc.cfg.Workers != 3 || svc.cfg.StaleAfter != defaultStaleAfter || svc.cfg.DebounceDelay != defaultDebounce {
		t.Errorf("defaults not applied: %+v", svc.cfg)
	}
}

const watcherDoc = `<?xml version="1.0"?>
<NewsML><NewsItem>
  <Identification><NewsIdentifier><NewsItemId>NI-0042</NewsItemId></NewsIdentifier></Identification>
  <NewsComponent><Role FormalName="PICTURE"/>
    <NewsLines><HeadLine>paired</HeadLine></NewsLines>
    <ContentItem Href="2024-01-05_ab123_nor_0042.jpg"><MediaType FormalName="HIGHRES"/></ContentItem>
  </NewsComponent>
</NewsItem></NewsML>`

// waitFor polls cond for up to 5 s.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherPairsAndProcesses(t *testing.T) {
	watchDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "watch.csv")

	svc, err := New(Config{
		WatchDir:      watchDir,
		OutputFile:    out,
		DebounceDelay: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Image first, then XML: no action until the pair is complete.
	imgPath := filepath.Join(watchDir, "2024-01-05_ab123_nor_0042.jpg")
	if err := os.WriteFile(imgPath, make([]byte, 321), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "image detection", func() bool {
		st := svc.Status()
		return st.Stats.ImageFilesDetected == 1
	})
	if st := svc.Status(); len(st.PendingPairs) != 1 || st.Stats.PairsProcessed != 0 {
		t.Fatalf("premature action on half pair: %+v", st)
	}

	xmlPath := filepath.Join(watchDir, "2024-01-05_ab123_nor_0042.xml")
	if err := os.WriteFile(xmlPath, []byte(watcherDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "pair processing", func() bool {
		return svc.Status().Stats.PairsProcessed == 1
	})

	st := svc.Status()
	if !st.IsWatching || st.CompletePairs != 1 || len(st.PendingPairs) != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.Stats.XMLFilesDetected != 1 || st.Stats.FilesErrored != 0 {
		t.Errorf("stats = %+v", st.Stats)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "city" {
		t.Errorf("header missing: %v", rows[0])
	}
	body := rows[1]
	// The pre-bound image path and its measured size land in the record.
	if body[32] != imgPath {
		t.Errorf("imagePath = %q", body[32])
	}
	if body[29] != "321" {
		t.Errorf("actualFileSize = %q", body[29])
	}
	if body[33] != "Yes" {
		t.Errorf("imageExists = %q", body[33])
	}
}

func TestWatcherNewSubdirectory(t *testing.T) {
	watchDir := t.TempDir()
	svc, err := New(Config{
		WatchDir:      watchDir,
		OutputFile:    filepath.Join(t.TempDir(), "watch.csv"),
		DebounceDelay: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	sub := filepath.Join(watchDir, "incoming")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new directory.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "2024-02-01_cc1_nor_0001.xml"), []byte(watcherDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "2024-02-01_cc1_nor_0001.jpg"), make([]byte, 10), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "pair in subdirectory", func() bool {
		return svc.Status().Stats.PairsProcessed == 1
	})
}

func TestWatcherStalePending(t *testing.T) {
	watchDir := t.TempDir()
	svc, err := New(Config{
		WatchDir:      watchDir,
		OutputFile:    filepath.Join(t.TempDir(), "watch.csv"),
		DebounceDelay: 30 * time.Millisecond,
		StaleAfter:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if err := os.WriteFile(filepath.Join(watchDir, "lonely.xml"), []byte(watcherDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "xml detection", func() bool {
		return svc.Status().Stats.XMLFilesDetected == 1
	})

	time.Sleep(100 * time.Millisecond)
	st := svc.Status()
	if len(st.PendingPairs) != 1 {
		t.Fatalf("pending = %d", len(st.PendingPairs))
	}
	// Stale pairs are surfaced, never dropped.
	if !st.PendingPairs[0].Stale {
		t.Error("old half pair not reported stale")
	}
}

func TestWatcherFilterAndErrorCounting(t *testing.T) {
	watchDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "watch.csv")

	minW := 5000
	svc, err := New(Config{
		WatchDir:      watchDir,
		OutputFile:    out,
		DebounceDelay: 30 * time.Millisecond,
		Filter:        extractor.FilterSpec{Enabled: true, MinWidth: &minW},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A pair whose record fails the width filter: no row, no error.
	for i, content := range []string{watcherDoc, ""} {
		name := "2024-03-01_dd1_nor_0007"
		var path string
		if i == 0 {
			path = filepath.Join(watchDir, name+".xml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
		} else {
			path = filepath.Join(watchDir, name+".jpg")
			if err := os.WriteFile(path, make([]byte, 5), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	waitFor(t, "filtered pair", func() bool {
		return svc.Status().Stats.PairsProcessed == 1
	})

	// A pair whose XML is malformed: counted as an error.
	if err := os.WriteFile(filepath.Join(watchDir, "2024-03-02_ee1_nor_0008.xml"), []byte("<bad"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(watchDir, "2024-03-02_ee1_nor_0008.jpg"), make([]byte, 5), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "errored pair", func() bool {
		return svc.Status().Stats.PairsProcessed == 2
	})

	st := svc.Status()
	if st.Stats.FilesErrored != 1 {
		t.Errorf("errors = %d", st.Stats.FilesErrored)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected header only, got %d rows", len(rows))
	}
}

func TestWatcherDoubleStart(t *testing.T) {
	svc, err := New(Config{
		WatchDir:   t.TempDir(),
		OutputFile: filepath.Join(t.TempDir(), "w.csv"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	if err := svc.Start(); err == nil {
		t.Fatal("second Start accepted")
	}
}
