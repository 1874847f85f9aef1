// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// versionInfo is what `pixtract version` reports.
type versionInfo struct {
	Version   string
	GoVersion string
	Platform  string
	Commit    string
	BuildTime string
}

// collectVersionInfo fills in the build details, pulling VCS metadata from
// the binary when it was built from a checkout.
func collectVersionInfo(version string) versionInfo {
	v := versionInfo{
		Version:   version,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			v.Commit = s.Value
			if len(v.Commit) > 12 {
				v.Commit = v.Commit[:12]
			}
		case "vcs.time":
			v.BuildTime = s.Value
		}
	}
	return v
}

func newVersionCmd(version string) *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build details",
		Run: func(cmd *cobra.Command, args []string) {
			v := collectVersionInfo(version)
			if short {
				fmt.Println(v.Version)
				return
			}
			fmt.Printf("pixtract %s (%s, %s)\n", v.Version, v.GoVersion, v.Platform)
			fmt.Printf("  commit: %s\n", v.Commit)
			fmt.Printf("  built:  %s\n", v.BuildTime)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version number")

	return cmd
}
