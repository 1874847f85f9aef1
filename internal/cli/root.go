// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli implements the pixtract command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pixtract/pkg/extractor"
	"pixtract/pkg/state"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	StateDir string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "pixtract",
		Short:         "Resumable batch extractor for NewsML documents and their images",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	// Global flags
	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON events (progress, results)")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (minimal logs)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (per-document details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.StateDir, "state-dir", "", "State directory (default ~/.pixtract)")

	// Add commands
	runCmd := newRunCmd(ctx, ro)
	root.AddCommand(runCmd)
	root.AddCommand(newResumeCmd(ctx, ro))
	root.AddCommand(newWatchCmd(ctx, ro))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())
	root.AddCommand(newVersionCmd(version))

	// Make run the default command when no subcommand is given
	root.RunE = runCmd.RunE
	root.Flags().AddFlagSet(runCmd.Flags())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRunCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cfg := extractor.DefaultConfig()
	var filterPath string

	cmd := &cobra.Command{
		Use:   "run [ROOT]",
		Short: "Extract records from a tree of NewsML documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfigDefaults(cmd, ro, &cfg); err != nil {
				return err
			}
			if cfg.RootDir == "" && len(args) > 0 {
				cfg.RootDir = args[0]
			}
			if cfg.RootDir == "" {
				return fmt.Errorf("missing ROOT (local directory or index URL). Pass as positional arg or --root")
			}
			cfg.Verbose = cfg.Verbose || ro.Verbose

			if filterPath != "" {
				spec, err := loadFilterSpec(filterPath)
				if err != nil {
					return err
				}
				cfg.Filter = *spec
			}
			if cfg.Filter.Move.Destination != "" {
				cfg.Filter.Enabled = true
				cfg.Filter.Move.Enabled = true
			}

			store, err := state.New(ro.StateDir)
			if err != nil {
				return err
			}

			emit := newRunView(ro).emit
			return extractor.NewEngine(cfg, store, emit).Run(ctx)
		},
	}

	// Run flags
	cmd.Flags().StringVar(&cfg.RootDir, "root", "", "Root directory or index URL. If omitted, positional ROOT is used")
	cmd.Flags().StringVarP(&cfg.OutputFile, "output", "o", cfg.OutputFile, "CSV output file")
	cmd.Flags().StringVar(&cfg.OutputFolder, "output-folder", "", "Folder joined with a relative output file")
	cmd.Flags().IntVarP(&cfg.NumWorkers, "workers", "w", cfg.NumWorkers, "Worker pool size (1-16)")
	cmd.Flags().StringVarP(&cfg.ProcessingMode, "mode", "m", cfg.ProcessingMode, "Pacing mode: regular|stream|chunked")
	cmd.Flags().IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Documents per chunk in chunked mode")
	cmd.Flags().BoolVar(&cfg.PauseBetweenChunks, "pause-between-chunks", false, "Insert a countdown between chunks")
	cmd.Flags().IntVar(&cfg.PauseDuration, "pause-duration", 0, "Inter-chunk countdown in seconds")
	cmd.Flags().StringVar(&filterPath, "filter-config", "", "Path to a filter spec file (JSON or YAML)")
	cmd.Flags().StringVar(&cfg.Filter.Move.Destination, "move-dest", "", "Copy qualifying images under this directory")
	cmd.Flags().StringVar(&cfg.Filter.Move.Layout, "move-layout", "replicate", "Copy layout: replicate|flat")

	return cmd
}

func newResumeCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	var chunked bool

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused or interrupted run from persisted state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := state.New(ro.StateDir)
			if err != nil {
				return err
			}
			emit := newRunView(ro).emit
			if chunked {
				return extractor.ResumeChunked(ctx, store, emit)
			}
			return extractor.Resume(ctx, store, emit)
		},
	}

	cmd.Flags().BoolVar(&chunked, "chunked", false, "Resume from the chunked checkpoint")
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// loadFilterSpec reads a FilterSpec from a JSON or YAML file. A spec loaded
// from file is implicitly enabled unless it says otherwise.
func loadFilterSpec(path string) (*extractor.FilterSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var spec extractor.FilterSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &spec); err != nil {
			return nil, fmt.Errorf("invalid YAML filter file: %w", err)
		}
	default:
		if err := json.Unmarshal(b, &spec); err != nil {
			return nil, fmt.Errorf("invalid JSON filter file: %w", err)
		}
	}
	spec.Enabled = true
	return &spec, nil
}

// applyConfigDefaults loads the config file and fills in flags the user did
// not set. CLI flags always win.
func applyConfigDefaults(cmd *cobra.Command, ro *RootOpts, dst *extractor.Config) error {
	path := ro.Config
	if path == "" {
		path = findSettingsFile()
	}
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg map[string]any

	// Parse based on file extension
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid YAML config file: %w", err)
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("invalid JSON config file: %w", err)
		}
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			var x int
			fmt.Sscan(fmt.Sprint(v), &x)
			set(x)
		}
	}
	setBool := func(flagName string, set func(bool)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v) == "true")
		}
	}

	setStr("root", func(v string) { dst.RootDir = v })
	setStr("output", func(v string) { dst.OutputFile = v })
	setStr("output-folder", func(v string) { dst.OutputFolder = v })
	setInt("workers", func(v int) { dst.NumWorkers = v })
	setStr("mode", func(v string) { dst.ProcessingMode = v })
	setInt("chunk-size", func(v int) { dst.ChunkSize = v })
	setBool("pause-between-chunks", func(v bool) { dst.PauseBetweenChunks = v })
	setInt("pause-duration", func(v int) { dst.PauseDuration = v })

	return nil
}

// runView renders engine events for the terminal: a pb progress bar in the
// normal case, JSON lines with --json, plain text with --quiet.
type runView struct {
	ro  *RootOpts
	enc *json.Encoder
	mu  sync.Mutex
	bar *pb.ProgressBar
}

func newRunView(ro *RootOpts) *runView {
	v := &runView{ro: ro}
	if ro.JSONOut {
		v.enc = json.NewEncoder(os.Stdout)
		v.enc.SetEscapeHTML(false)
	}
	return v
}

func (v *runView) emit(ev extractor.Event) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.ro.JSONOut {
		_ = v.enc.Encode(ev)
		return
	}

	switch ev.Type {
	case "start":
		fmt.Println(ev.Message)
		if !v.ro.Quiet && ev.Total > 0 {
			v.bar = pb.StartNew(ev.Total)
		}
	case "progress":
		if v.bar != nil {
			v.bar.SetCurrent(int64(ev.Processed))
		}
	case "chunk_start":
		if v.ro.Quiet {
			return
		}
		fmt.Println(ev.Message)
	case "pause_countdown":
		if v.ro.Quiet {
			return
		}
		fmt.Printf("\r%s", ev.Message)
	case "log":
		if v.ro.Quiet {
			return
		}
		if v.bar != nil {
			// Keep log lines off the bar's line.
			fmt.Fprintln(os.Stderr, ev.Message)
		} else {
			fmt.Println(ev.Message)
		}
	case "complete":
		v.finishBar()
		color.Green("✓ %s", ev.Message)
		if ev.OutputFile != "" {
			fmt.Printf("  output: %s\n", ev.OutputFile)
		}
		if ev.Stats != nil {
			fmt.Printf("  processed=%d written=%d filtered=%d errors=%d moved=%d\n",
				ev.Stats.ProcessedFiles, ev.Stats.RecordsWritten,
				ev.Stats.FilteredFiles, ev.Stats.ErrorFiles, ev.Stats.MovedFiles)
		}
	case "paused":
		v.finishBar()
		color.Yellow("⏸ %s", ev.Message)
	case "shutdown":
		v.finishBar()
		color.Yellow("■ %s", ev.Message)
	case "error":
		v.finishBar()
		color.Red("✗ %s", ev.Message)
	}
}

func (v *runView) finishBar() {
	if v.bar != nil {
		v.bar.Finish()
		v.bar = nil
	}
}

// writeJSONLine is used by subcommands that stream one-off JSON objects.
func writeJSONLine(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
