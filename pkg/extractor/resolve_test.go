// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

// layoutXML builds root/processed/doc.xml so that the primary media
// directory is root/media.
func layoutXML(t *testing.T) (root, xmlPath string) {
	t.Helper()
	root = t.TempDir()
	procDir := filepath.Join(root, "processed")
	if err := os.MkdirAll(procDir, 0o755); err != nil {
		t.Fatal(err)
	}
	return root, filepath.Join(procDir, "doc.xml")
}

func writeImage(t *testing.T, dir, name string, size int) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResolveLocal(t *testing.T) {
	t.Run("exact match in primary media dir", func(t *testing.T) {
		root, xmlPath := layoutXML(t)
		want := writeImage(t, filepath.Join(root, "media"), "photo.jpg", 512)

		res := resolveLocal("photo.jpg", xmlPath)
		if !res.Exists || res.Path != want {
			t.Fatalf("got %+v, want %s", res, want)
		}
		if res.Match.Type != "exact" {
			t.Errorf("match type = %q", res.Match.Type)
		}
		if res.Size != 512 {
			t.Errorf("size = %d", res.Size)
		}
	})

	t.Run("case-insensitive match", func(t *testing.T) {
		root, xmlPath := layoutXML(t)
		writeImage(t, filepath.Join(root, "media"), "PHOTO.JPG", 10)

		res := resolveLocal("photo.jpg", xmlPath)
		if !res.Exists {
			t.Fatal("not found")
		}
		if res.Match.Type != "case-insensitive" {
			t.Errorf("match type = %q", res.Match.Type)
		}
		if res.Match.FileName != "PHOTO.JPG" {
			t.Errorf("file name = %q", res.Match.FileName)
		}
	})

	t.Run("case-insensitive skips non-image extensions", func(t *testing.T) {
		root, xmlPath := layoutXML(t)
		writeImage(t, filepath.Join(root, "media"), "PHOTO.TXT", 10)

		res := resolveLocal("photo.txt", xmlPath)
		if res.Exists {
			t.Fatalf("matched a non-image file: %+v", res)
		}
	})

	t.Run("pattern heuristic high confidence", func(t *testing.T) {
		root, xmlPath := layoutXML(t)
		writeImage(t, filepath.Join(root, "media"), "2024-01-05_zz999_nor_0002.jpg", 10)
		writeImage(t, filepath.Join(root, "media"), "2024-01-05_yy888_fra_0003.jpg", 10)

		res := resolveLocal("2024-01-05_ab123_nor_0042.jpg", xmlPath)
		if !res.Exists {
			t.Fatal("not found")
		}
		if res.Match.Type != "enhanced-pattern" || res.Match.Confidence != "high" {
			t.Errorf("match = %+v", res.Match)
		}
		if res.Match.FileName != "2024-01-05_zz999_nor_0002.jpg" {
			t.Errorf("picked %q", res.Match.FileName)
		}
	})

	t.Run("pattern heuristic medium confidence", func(t *testing.T) {
		root, xmlPath := layoutXML(t)
		writeImage(t, filepath.Join(root, "media"), "2024-01-05_yy888_fra_0003.jpg", 10)

		res := resolveLocal("2024-01-05_ab123_nor_0042.jpg", xmlPath)
		if !res.Exists {
			t.Fatal("not found")
		}
		if res.Match.Confidence != "medium" {
			t.Errorf("confidence = %q", res.Match.Confidence)
		}
	})

	t.Run("pattern heuristic ignores other dates", func(t *testing.T) {
		root, xmlPath := layoutXML(t)
		writeImage(t, filepath.Join(root, "media"), "2023-12-31_zz999_nor_0002.jpg", 10)

		res := resolveLocal("2024-01-05_ab123_nor_0042.jpg", xmlPath)
		if res.Exists {
			t.Fatalf("matched across dates: %+v", res)
		}
		if res.Match.Type != "none" {
			t.Errorf("match type = %q", res.Match.Type)
		}
	})

	t.Run("alternate directory fallback", func(t *testing.T) {
		_, xmlPath := layoutXML(t)
		// No media dir at all; image sits next to the XML.
		want := writeImage(t, filepath.Dir(xmlPath), "photo.jpg", 10)

		res := resolveLocal("photo.jpg", xmlPath)
		if !res.Exists || res.Path != want {
			t.Fatalf("got %+v, want %s", res, want)
		}
	})

	t.Run("not found reports primary path", func(t *testing.T) {
		root, xmlPath := layoutXML(t)
		res := resolveLocal("missing.jpg", xmlPath)
		if res.Exists {
			t.Fatal("unexpectedly exists")
		}
		if res.Path != filepath.Join(root, "media", "missing.jpg") {
			t.Errorf("path = %q", res.Path)
		}
	})
}

func TestResolveAt(t *testing.T) {
	dir := t.TempDir()
	p := writeImage(t, dir, "pair.jpg", 42)

	r := NewResolver(nil)
	res := r.ResolveAt(p)
	if !res.Exists || res.Size != 42 {
		t.Fatalf("got %+v", res)
	}
	if res.Match.Type != "exact" {
		t.Errorf("match type = %q", res.Match.Type)
	}

	res = r.ResolveAt(filepath.Join(dir, "gone.jpg"))
	if res.Exists {
		t.Fatal("missing pre-bound path reported as existing")
	}
}

func TestResolveRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/oslo/2024/01/media/photo.jpg":
			w.Header().Set("Content-Length", "2048")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	r := NewResolver(srv.Client())
	xmlURL := srv.URL + "/oslo/2024/01/processed/doc.xml"

	t.Run("head hit", func(t *testing.T) {
		res := r.resolveRemote(context.Background(), "photo.jpg", xmlURL)
		if !res.Exists || res.Size != 2048 {
			t.Fatalf("got %+v", res)
		}
	})

	t.Run("head miss", func(t *testing.T) {
		res := r.resolveRemote(context.Background(), "other.jpg", xmlURL)
		if res.Exists {
			t.Fatalf("got %+v", res)
		}
		if res.Match.Type != "none" {
			t.Errorf("match type = %q", res.Match.Type)
		}
	})
}

func TestRewriteRemoteImageURL(t *testing.T) {
	tests := []struct {
		name   string
		xmlURL string
		href   string
		want   string
	}{
		{
			"processed segment replaced",
			"https://host/oslo/2024/01/processed/doc.xml", "img.jpg",
			"https://host/oslo/2024/01/media/img.jpg",
		},
		{
			"no processed segment appends media",
			"https://host/oslo/2024/01/doc.xml", "img.jpg",
			"https://host/oslo/2024/01/media/img.jpg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rewriteRemoteImageURL(tt.xmlURL, tt.href); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
