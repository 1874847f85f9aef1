// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Settings files live under ~/.config as pixtract.json, pixtract.yaml, or
// pixtract.yml and hold flag defaults only. Flags given on the command
// line always win over the file.

// defaultSettings are the values a fresh settings file starts from.
func defaultSettings() map[string]any {
	return map[string]any{
		"output":               "records.csv",
		"output-folder":        "",
		"workers":              4,
		"mode":                 "stream",
		"chunk-size":           100,
		"pause-between-chunks": false,
		"pause-duration":       0,
	}
}

// settingsSearchPaths lists the candidate settings files in lookup order.
func settingsSearchPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	dir := filepath.Join(home, ".config")
	return []string{
		filepath.Join(dir, "pixtract.json"),
		filepath.Join(dir, "pixtract.yaml"),
		filepath.Join(dir, "pixtract.yml"),
	}
}

// findSettingsFile returns the first settings file that exists, or "".
func findSettingsFile() string {
	for _, p := range settingsSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the settings file",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigShowCmd(), newConfigPathCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		force   bool
		useYAML bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("could not find home directory: %w", err)
			}
			target := filepath.Join(home, ".config", "pixtract.json")
			if useYAML {
				target = filepath.Join(home, ".config", "pixtract.yaml")
			}

			if existing := findSettingsFile(); existing != "" && !force {
				return fmt.Errorf("settings file already exists: %s (use --force to overwrite)", existing)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			var data []byte
			if useYAML {
				data, err = yaml.Marshal(defaultSettings())
			} else {
				data, err = json.MarshalIndent(defaultSettings(), "", "  ")
			}
			if err != nil {
				return err
			}
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return fmt.Errorf("could not write settings file: %w", err)
			}

			fmt.Printf("wrote %s\n", target)
			fmt.Println("Edit it to change flag defaults: output file, worker pool size, pacing mode.")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing settings file")
	cmd.Flags().BoolVar(&useYAML, "yaml", false, "Write YAML instead of JSON")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the settings file contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := findSettingsFile()
			if path == "" {
				fmt.Println("No settings file found; run 'pixtract config init' to create one.")
				return nil
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s:\n\n%s", path, data)
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the settings file path",
		Run: func(cmd *cobra.Command, args []string) {
			if path := findSettingsFile(); path != "" {
				fmt.Println(path)
				return
			}
			// Nothing exists yet; print where init would put it.
			if paths := settingsSearchPaths(); len(paths) > 0 {
				fmt.Println(paths[0])
			}
		},
	}
}
