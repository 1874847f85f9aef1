// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pixtract/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr string
		port int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control server",
		Long: `Start an HTTP server that provides:
  - REST API for run control, resume, watcher, and session history
  - Server-sent event stream for live progress

Example:
  pixtract serve
  pixtract serve --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := server.Config{
				Addr:     addr,
				Port:     port,
				StateDir: ro.StateDir,
				Version:  cmd.Root().Version,
			}

			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			// Handle shutdown signals
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println()
			fmt.Println("pixtract — control server")
			fmt.Println()

			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")

	return cmd
}
