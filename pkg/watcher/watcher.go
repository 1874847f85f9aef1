// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package watcher monitors a directory tree for newly arriving NewsML
// documents and their images, pairs them by base identifier, and runs each
// complete pair through the extraction pipeline with the image pre-bound.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pixtract/pkg/extractor"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce   = 500 * time.Millisecond
	defaultStaleAfter = 5 * time.Minute
	pairTimeout       = 30 * time.Second
)

// Config describes one watch session.
type Config struct {
	// WatchDir is the directory monitored recursively for creations.
	WatchDir string `json:"watchDir" yaml:"watchDir"`

	// OutputFile is the watcher's own CSV sink. Its header is written once
	// when the watcher starts.
	OutputFile string `json:"outputFile" yaml:"outputFile"`

	// Filter applies the same record filter and move stage as a batch run.
	Filter extractor.FilterSpec `json:"filterConfig" yaml:"filterConfig"`

	// Workers bounds concurrent pair processing. Clamped like a run.
	Workers int `json:"workers" yaml:"workers"`

	// StaleAfter is the age past which an incomplete pair is reported as
	// stale in status. Stale pairs are never discarded within a session.
	StaleAfter time.Duration `json:"staleAfter" yaml:"staleAfter"`

	// DebounceDelay coalesces rapid-fire events for one path.
	DebounceDelay time.Duration `json:"debounceDelay" yaml:"debounceDelay"`
}

// Stats counts watcher activity since Start.
type Stats struct {
	XMLFilesDetected   int       `json:"xmlFilesDetected"`
	ImageFilesDetected int       `json:"imageFilesDetected"`
	PairsProcessed     int       `json:"pairsProcessed"`
	FilesMoved         int       `json:"filesMoved"`
	FilesErrored       int       `json:"filesErrored"`
	StartTime          time.Time `json:"startTime"`
}

// PendingPair is a partially observed pair keyed by base identifier.
type PendingPair struct {
	BaseID       string    `json:"baseId"`
	XMLPath      string    `json:"xmlPath,omitempty"`
	ImagePath    string    `json:"imagePath,omitempty"`
	DiscoveredAt time.Time `json:"discoveredAt"`
	Stale        bool      `json:"stale,omitempty"`
}

// Status is the observable watcher snapshot.
type Status struct {
	IsWatching    bool          `json:"isWatching"`
	Config        Config        `json:"config"`
	Stats         Stats         `json:"stats"`
	Uptime        string        `json:"uptime"`
	PendingPairs  []PendingPair `json:"pendingPairs"`
	CompletePairs int           `json:"completePairs"`
}

type pair struct {
	xmlPath   string
	imagePath string
}

// Service is the directory watcher. One Service owns one watch session.
type Service struct {
	cfg      Config
	pipeline *extractor.Pipeline

	watcher   *fsnotify.Watcher
	pairQueue chan pair
	done      chan struct{}
	workerSem chan struct{}
	wg        sync.WaitGroup

	mu       sync.RWMutex
	running  bool
	stats    Stats
	pending  map[string]*PendingPair
	complete int

	sinkMu sync.Mutex
	sink   *extractor.CSVSink

	// Debouncing
	debounceMu sync.Mutex
	debounced  map[string]*time.Timer
}

// New builds a watcher service for cfg. Defaults are filled in here.
func New(cfg Config) (*Service, error) {
	if cfg.WatchDir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	if cfg.OutputFile == "" {
		cfg.OutputFile = "watcher_records.csv"
	}
	if cfg.Workers < 1 {
		cfg.Workers = 3
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = defaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Service{
		cfg:       cfg,
		pipeline:  &extractor.Pipeline{Resolver: extractor.NewResolver(nil), Filter: cfg.Filter},
		watcher:   w,
		pairQueue: make(chan pair, 100),
		done:      make(chan struct{}),
		workerSem: make(chan struct{}, cfg.Workers),
		pending:   make(map[string]*PendingPair),
		debounced: make(map[string]*time.Timer),
	}, nil
}

// Start opens the sink, registers the directory tree, and begins watching.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("watcher already running")
	}

	sink, err := extractor.OpenCSVSink(s.cfg.OutputFile, false)
	if err != nil {
		return err
	}
	s.sink = sink

	if err := s.addRecursive(s.cfg.WatchDir); err != nil {
		sink.Close()
		return err
	}

	s.stats = Stats{StartTime: time.Now().UTC()}
	s.running = true

	go s.eventLoop()
	go s.pairLoop()

	log.Printf("watcher: watching %s", s.cfg.WatchDir)
	return nil
}

// Stop stops watching, waits for in-flight pairs, and closes the sink.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.done)
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	s.wg.Wait()

	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	if s.sink != nil {
		return s.sink.Close()
	}
	return nil
}

// Status returns an observable snapshot of the watcher.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	st := Status{
		IsWatching:    s.running,
		Config:        s.cfg,
		Stats:         s.stats,
		CompletePairs: s.complete,
	}
	if s.running {
		st.Uptime = now.Sub(s.stats.StartTime).Round(time.Second).String()
	}
	for _, p := range s.pending {
		cp := *p
		cp.Stale = now.Sub(p.DiscoveredAt) > s.cfg.StaleAfter
		st.PendingPairs = append(st.PendingPairs, cp)
	}
	sort.Slice(st.PendingPairs, func(i, j int) bool {
		return st.PendingPairs[i].DiscoveredAt.Before(st.PendingPairs[j].DiscoveredAt)
	})
	return st
}

func (s *Service) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(p)
		}
		return nil
	})
}

func (s *Service) eventLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("watcher: %v", err)
		case <-s.done:
			return
		}
	}
}

func (s *Service) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	// New subdirectories join the watch set immediately.
	if ev.Op&fsnotify.Create != 0 && isDir(ev.Name) {
		if err := s.watcher.Add(ev.Name); err != nil {
			log.Printf("watcher: add %s: %v", ev.Name, err)
		}
		return
	}

	ext := strings.ToLower(filepath.Ext(ev.Name))
	if ext != ".xml" && !extractor.IsImageExt(ext) {
		return
	}

	// Debounce: editors and copies fire several events per file.
	s.debounceMu.Lock()
	if t, ok := s.debounced[ev.Name]; ok {
		t.Stop()
	}
	name := ev.Name
	s.debounced[name] = time.AfterFunc(s.cfg.DebounceDelay, func() {
		s.debounceMu.Lock()
		delete(s.debounced, name)
		s.debounceMu.Unlock()
		s.recordFile(name, ext)
	})
	s.debounceMu.Unlock()
}

// recordFile folds one settled file into the pending-pair map and queues
// the pair once both sides are present. No action is taken on an image
// until its XML arrives.
func (s *Service) recordFile(path, ext string) {
	base := BaseIdentifier(filepath.Base(path))

	s.mu.Lock()
	p, ok := s.pending[base]
	if !ok {
		p = &PendingPair{BaseID: base, DiscoveredAt: time.Now().UTC()}
		s.pending[base] = p
	}
	if ext == ".xml" {
		s.stats.XMLFilesDetected++
		p.XMLPath = path
	} else {
		s.stats.ImageFilesDetected++
		p.ImagePath = path
	}

	if p.XMLPath == "" || p.ImagePath == "" {
		s.mu.Unlock()
		return
	}
	delete(s.pending, base)
	s.complete++
	pr := pair{xmlPath: p.XMLPath, imagePath: p.ImagePath}
	s.mu.Unlock()

	select {
	case s.pairQueue <- pr:
	case <-s.done:
	}
}

func (s *Service) pairLoop() {
	for {
		select {
		case pr := <-s.pairQueue:
			s.dispatchPair(pr)
		case <-s.done:
			return
		}
	}
}

func (s *Service) dispatchPair(pr pair) {
	select {
	case s.workerSem <- struct{}{}:
	case <-s.done:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.workerSem }()
		s.processPair(pr)
	}()
}

func (s *Service) processPair(pr pair) {
	ctx, cancel := context.WithTimeout(context.Background(), pairTimeout)
	defer cancel()

	item := extractor.WorkItem{Origin: pr.xmlPath, OriginalRoot: s.cfg.WatchDir}
	res := s.pipeline.Process(ctx, item, pr.imagePath)

	s.mu.Lock()
	s.stats.PairsProcessed++
	if res.Err != nil {
		s.stats.FilesErrored++
	}
	if res.Moved {
		s.stats.FilesMoved++
	}
	s.mu.Unlock()

	if res.Err != nil {
		log.Printf("watcher: %v", res.Err)
		return
	}
	if !res.Passed {
		log.Printf("watcher: filtered %s (%s)", pr.xmlPath, res.FailedCheck)
		return
	}

	s.sinkMu.Lock()
	err := s.sink.Append(res.Record)
	s.sinkMu.Unlock()
	if err != nil {
		s.mu.Lock()
		s.stats.FilesErrored++
		s.mu.Unlock()
		log.Printf("watcher: %v", err)
	}
}

// BaseIdentifier derives the pairing key from a file basename: the first
// four underscore-separated tokens (date, id, med, num), or the whole
// name without its extension when fewer tokens are present.
func BaseIdentifier(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(name, "_")
	if len(parts) >= 4 {
		return strings.Join(parts[:4], "_")
	}
	return name
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
