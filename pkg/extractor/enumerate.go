// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Enumerate produces the ordered work list for a run. root may be a local
// directory (walked recursively) or an HTTP/HTTPS directory index. Remote
// documents are staged into scratchDir so the rest of the pipeline always
// reads local files; each WorkItem keeps the original URL as its Origin.
//
// The order is stable within a run so that chunked resume indexes align.
func Enumerate(ctx context.Context, root, scratchDir string, client *http.Client, warn func(string)) ([]WorkItem, error) {
	if warn == nil {
		warn = func(string) {}
	}
	if isRemote(root) {
		return enumerateRemote(ctx, root, scratchDir, client, warn)
	}
	return enumerateLocal(root, warn)
}

func enumerateLocal(root string, warn func(string)) ([]WorkItem, error) {
	if fi, err := os.Stat(root); err != nil || !fi.IsDir() {
		if err == nil {
			err = fmt.Errorf("not a directory")
		}
		return nil, &EnumerationError{Root: root, Err: err}
	}

	var items []WorkItem
	// WalkDir visits entries in lexical order, which gives the stable
	// ordering chunked resume depends on.
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			warn(fmt.Sprintf("skipping unreadable entry %s: %v", p, err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(p), ".xml") {
			items = append(items, WorkItem{Origin: p, OriginalRoot: root})
		}
		return nil
	})
	if err != nil {
		return nil, &EnumerationError{Root: root, Err: err}
	}
	if len(items) == 0 {
		return nil, ErrNoInput
	}
	return items, nil
}

var hrefPattern = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)

func enumerateRemote(ctx context.Context, root, scratchDir string, client *http.Client, warn func(string)) ([]WorkItem, error) {
	if client == nil {
		client = buildHTTPClient()
	}

	var xmlURLs []string
	if err := crawlIndex(ctx, client, root, 0, &xmlURLs, warn); err != nil {
		return nil, &EnumerationError{Root: root, Err: err}
	}

	// Direct-file probe: an index with zero hits may itself be the document.
	if len(xmlURLs) == 0 {
		if ok := probeDirectXML(ctx, client, root); ok {
			xmlURLs = append(xmlURLs, root)
		}
	}
	if len(xmlURLs) == 0 {
		return nil, ErrNoInput
	}

	items := make([]WorkItem, 0, len(xmlURLs))
	for i, u := range xmlURLs {
		staged, err := stageRemoteFile(ctx, client, u, scratchDir, i)
		if err != nil {
			warn(fmt.Sprintf("staging %s failed: %v", u, err))
			continue
		}
		items = append(items, WorkItem{Origin: u, ScratchPath: staged, OriginalRoot: root})
	}
	if len(items) == 0 {
		return nil, ErrNoInput
	}
	return items, nil
}

// crawlIndex parses anchor links out of a directory index document,
// recursing into links that look like subdirectories and collecting links
// ending in .xml. Depth is bounded to keep a cyclic index from looping.
func crawlIndex(ctx context.Context, client *http.Client, indexURL string, depth int, out *[]string, warn func(string)) error {
	if depth > 8 {
		return nil
	}
	base, err := url.Parse(indexURL)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", indexURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		if depth == 0 {
			return err
		}
		warn(fmt.Sprintf("index %s unreachable: %v", indexURL, err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		if depth == 0 {
			return fmt.Errorf("index fetch failed: %s", resp.Status)
		}
		warn(fmt.Sprintf("index %s: %s", indexURL, resp.Status))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	for _, m := range hrefPattern.FindAllStringSubmatch(string(body), -1) {
		href := m[1]
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "?") ||
			strings.HasPrefix(href, "../") || href == "/" {
			continue
		}
		ref, err := base.Parse(href)
		if err != nil || ref.Host != base.Host {
			continue
		}
		target := ref.String()
		switch {
		case strings.HasSuffix(strings.ToLower(ref.Path), ".xml"):
			*out = append(*out, target)
		case strings.HasSuffix(ref.Path, "/") && strings.HasPrefix(target, indexURL):
			if err := crawlIndex(ctx, client, target, depth+1, out, warn); err != nil {
				return err
			}
		}
	}
	return nil
}

// probeDirectXML checks whether the root URL is itself an XML document.
func probeDirectXML(ctx context.Context, client *http.Client, rawURL string) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(resp.Body, head)
	body := strings.TrimSpace(string(head[:n]))
	return strings.HasPrefix(body, "<?xml") || strings.Contains(body, "<NewsML")
}

// stageRemoteFile downloads one XML document into the scratch directory.
// The index keeps staged names unique even when basenames collide.
func stageRemoteFile(ctx context.Context, client *http.Client, rawURL, scratchDir string, index int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := filepath.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "document.xml"
	}
	dst := filepath.Join(scratchDir, fmt.Sprintf("%06d_%s", index, name))

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch failed: %s", resp.Status)
	}

	out, err := os.Create(dst + ".part")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dst + ".part")
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return dst, os.Rename(dst+".part", dst)
}
