// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RemoteStructure carries the provenance segments of a remote run so the
// mover can replicate the remote tree layout locally.
type RemoteStructure struct {
	City  string
	Year  string
	Month string
}

// MoveImage copies src into the destination tree described by spec. The
// source file is preserved. The returned path is the file actually written,
// which differs from the natural target only on a name collision.
func MoveImage(src string, spec MoveSpec, originalRoot string, remote *RemoteStructure) (string, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return "", fmt.Errorf("move source: %w", err)
	}
	if fi.IsDir() || !imageExts[strings.ToLower(filepath.Ext(src))] {
		return "", fmt.Errorf("move source %s: not a recognized image file", src)
	}

	destDir := spec.Destination
	if spec.Layout == "replicate" {
		if remote != nil {
			destDir = filepath.Join(spec.Destination, remote.City, remote.Year, remote.Month, "media")
		} else if originalRoot != "" {
			rel, err := filepath.Rel(originalRoot, filepath.Dir(src))
			if err == nil && !strings.HasPrefix(rel, "..") {
				destDir = filepath.Join(spec.Destination, rel)
			}
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(destDir, filepath.Base(src))
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(dst)
		base := strings.TrimSuffix(filepath.Base(dst), ext)
		dst = filepath.Join(destDir, fmt.Sprintf("%s_%d%s", base, time.Now().UnixMilli(), ext))
	}

	if err := copyFile(src, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// copyFile writes dst via a .part temp file and renames it into place, so a
// failed copy never leaves a truncated image at the final name.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
