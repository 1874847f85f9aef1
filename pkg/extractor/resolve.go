// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// imageExts is the recognized image extension set, lowercase with dot.
var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tiff": true, ".tif": true, ".webp": true, ".svg": true,
}

// IsImageExt reports whether ext (with or without leading dot) is a
// recognized image extension.
func IsImageExt(ext string) bool {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return imageExts[ext]
}

// ResolveResult reports where the image behind a record lives.
type ResolveResult struct {
	Path   string
	Exists bool
	Size   int64
	Match  MatchInfo
}

// Resolver locates and measures the image file a record references. It is
// strictly read-only.
type Resolver struct {
	client *http.Client
}

// NewResolver returns a resolver using the given client for remote HEAD
// probes. A nil client gets the engine's default transport.
func NewResolver(client *http.Client) *Resolver {
	if client == nil {
		client = buildHTTPClient()
	}
	return &Resolver{client: client}
}

// Resolve finds the image for rec. origin is the XML document's origin
// (local path or remote URL); for remote origins the image URL is derived
// by rewriting the XML URL.
func (r *Resolver) Resolve(ctx context.Context, rec *Record, origin string) ResolveResult {
	if rec.ImageHref == "" {
		return ResolveResult{Match: MatchInfo{Type: "none", Reason: "no image href"}}
	}
	if isRemote(origin) {
		return r.resolveRemote(ctx, rec.ImageHref, origin)
	}
	return resolveLocal(rec.ImageHref, origin)
}

// ResolveAt short-circuits resolution to a pre-bound local path. The
// watcher uses this when it already paired the XML with its image.
func (r *Resolver) ResolveAt(path string) ResolveResult {
	fi, err := os.Stat(path)
	if err != nil {
		return ResolveResult{Path: path, Match: MatchInfo{Type: "none", Reason: "pre-bound file missing"}}
	}
	return ResolveResult{
		Path:   path,
		Exists: true,
		Size:   fi.Size(),
		Match:  MatchInfo{Type: "exact", Reason: "pre-bound by watcher", FileName: filepath.Base(path)},
	}
}

func isRemote(origin string) bool {
	return strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")
}

// resolveLocal walks the search order: exact path, case-insensitive match,
// related-filename heuristic, then the same three steps in each alternate
// directory.
func resolveLocal(href, xmlPath string) ResolveResult {
	xmlDir := filepath.Dir(xmlPath)
	primary := filepath.Join(filepath.Dir(filepath.Dir(xmlPath)), "media")

	dirs := []string{primary}
	for _, alt := range []string{
		filepath.Join(filepath.Dir(primary), "media"),
		filepath.Join(filepath.Dir(primary), "images"),
		filepath.Dir(primary),
		xmlDir,
	} {
		if alt != primary && !contains(dirs, alt) {
			dirs = append(dirs, alt)
		}
	}

	for _, dir := range dirs {
		if res, ok := resolveInDir(dir, href); ok {
			return res
		}
	}
	return ResolveResult{
		Path:  filepath.Join(primary, href),
		Match: MatchInfo{Type: "none", Reason: "not found in primary or alternate directories"},
	}
}

func resolveInDir(dir, href string) (ResolveResult, bool) {
	// Exact case-sensitive path wins over everything.
	exact := filepath.Join(dir, href)
	if fi, err := os.Stat(exact); err == nil && !fi.IsDir() {
		return ResolveResult{
			Path:   exact,
			Exists: true,
			Size:   fi.Size(),
			Match:  MatchInfo{Type: "exact", FileName: filepath.Base(exact)},
		}, true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ResolveResult{}, false
	}

	// Case-insensitive match, restricted to recognized image extensions.
	lowerHref := strings.ToLower(filepath.Base(href))
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		if strings.ToLower(e.Name()) == lowerHref {
			p := filepath.Join(dir, e.Name())
			fi, err := e.Info()
			if err != nil {
				continue
			}
			return ResolveResult{
				Path:   p,
				Exists: true,
				Size:   fi.Size(),
				Match: MatchInfo{
					Type:     "case-insensitive",
					Reason:   "name matched ignoring case",
					FileName: e.Name(),
				},
			}, true
		}
	}

	// Related-filename heuristic on the YYYY-MM-DD_ID_MED_NUM pattern.
	date, med, ok := parsePatternName(filepath.Base(href))
	if !ok {
		return ResolveResult{}, false
	}
	var best *ResolveResult
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		d, m, ok := parsePatternName(e.Name())
		if !ok || d != date {
			continue
		}
		confidence, reason := "medium", "same date segment"
		if strings.EqualFold(m, med) {
			confidence, reason = "high", "same date and medium segments"
		}
		if best != nil && !(confidence == "high" && best.Match.Confidence == "medium") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		best = &ResolveResult{
			Path:   filepath.Join(dir, e.Name()),
			Exists: true,
			Size:   fi.Size(),
			Match: MatchInfo{
				Type:       "enhanced-pattern",
				Confidence: confidence,
				Reason:     reason,
				FileName:   e.Name(),
			},
		}
		if confidence == "high" {
			break
		}
	}
	if best != nil {
		return *best, true
	}
	return ResolveResult{}, false
}

var patternName = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})_([^_]+)_([^_]+)_([^_.]+)`)

// parsePatternName splits a base name of the form YYYY-MM-DD_ID_MED_NUM
// (with optional trailing tokens) into its date and medium segments.
func parsePatternName(base string) (date, med string, ok bool) {
	m := patternName.FindStringSubmatch(base)
	if m == nil {
		return "", "", false
	}
	return m[1], m[3], true
}

// resolveRemote rewrites the XML URL into the image URL and probes it with
// a HEAD request. Existence is any 2xx status; size is Content-Length.
func (r *Resolver) resolveRemote(ctx context.Context, href, xmlURL string) ResolveResult {
	imgURL := rewriteRemoteImageURL(xmlURL, href)
	res := ResolveResult{Path: imgURL}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "HEAD", imgURL, nil)
	if err != nil {
		res.Match = MatchInfo{Type: "error", Reason: err.Error()}
		return res
	}
	resp, err := r.client.Do(req)
	if err != nil {
		res.Match = MatchInfo{Type: "error", Reason: err.Error()}
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Match = MatchInfo{Type: "none", Reason: resp.Status}
		return res
	}
	res.Exists = true
	if resp.ContentLength > 0 {
		res.Size = resp.ContentLength
	}
	res.Match = MatchInfo{Type: "exact", FileName: path.Base(href)}
	return res
}

// rewriteRemoteImageURL maps an XML document URL onto its media URL: a
// path segment literally equal to "processed" becomes "media" and the XML
// filename is replaced with the href. Without a "processed" segment the
// href lands in a media/ sibling of the XML.
func rewriteRemoteImageURL(xmlURL, href string) string {
	u, err := url.Parse(xmlURL)
	if err != nil {
		return xmlURL
	}
	segs := splitPathSegments(u.Path)
	if len(segs) > 0 {
		segs = segs[:len(segs)-1] // drop the XML filename
	}
	replaced := false
	for i, s := range segs {
		if s == "processed" {
			segs[i] = "media"
			replaced = true
		}
	}
	if replaced {
		segs = append(segs, href)
	} else {
		segs = append(segs, "media", href)
	}
	u.Path = "/" + strings.Join(segs, "/")
	return u.String()
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
