// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"pixtract/pkg/watcher"
)

func newWatchCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	cfg := watcher.Config{}
	var filterPath string
	var staleAfter time.Duration
	var statusEvery time.Duration

	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Watch a directory for incoming XML/image pairs and extract them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.WatchDir = args[0]
			cfg.StaleAfter = staleAfter

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

			svc, err := watcher.New(cfg)
			if err != nil {
				return err
			}
			if err := svc.Start(); err != nil {
				return err
			}

			if !ro.Quiet && !ro.JSONOut {
				color.Green("✓ watching %s (output %s)", cfg.WatchDir, cfg.OutputFile)
				fmt.Println("  press Ctrl+C to stop")
			}

			ticker := time.NewTicker(statusEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					st := svc.Status()
					if err := svc.Stop(); err != nil {
						return err
					}
					if ro.JSONOut {
						writeJSONLine(os.Stdout, st)
					} else if !ro.Quiet {
						fmt.Printf("pairs=%d moved=%d errors=%d pending=%d\n",
							st.Stats.PairsProcessed, st.Stats.FilesMoved,
							st.Stats.FilesErrored, len(st.PendingPairs))
					}
					return nil
				case <-ticker.C:
					st := svc.Status()
					if ro.JSONOut {
						writeJSONLine(os.Stdout, st)
					} else if ro.Verbose {
						fmt.Printf("xml=%d images=%d pairs=%d pending=%d uptime=%s\n",
							st.Stats.XMLFilesDetected, st.Stats.ImageFilesDetected,
							st.Stats.PairsProcessed, len(st.PendingPairs), st.Uptime)
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&cfg.OutputFile, "output", "o", "watcher_records.csv", "CSV output file")
	cmd.Flags().IntVarP(&cfg.Workers, "workers", "w", 3, "Concurrent pair workers")
	cmd.Flags().StringVar(&filterPath, "filter-config", "", "Path to a filter spec file (JSON or YAML)")
	cmd.Flags().StringVar(&cfg.Filter.Move.Destination, "move-dest", "", "Copy qualifying images under this directory")
	cmd.Flags().StringVar(&cfg.Filter.Move.Layout, "move-layout", "replicate", "Copy layout: replicate|flat")
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Minute, "Age past which an incomplete pair is reported stale")
	cmd.Flags().DurationVar(&statusEvery, "status-every", 30*time.Second, "Interval between status snapshots")

	return cmd
}
