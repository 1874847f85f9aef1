// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Evaluate applies the composite filter to a record. It returns whether the
// record passes and, on rejection, the name of the first failing check.
// Checks run in fixed order and short-circuit: extension, dimensions, file
// size, then the five text predicates.
func Evaluate(rec *Record, spec FilterSpec) (bool, string) {
	if !spec.Enabled {
		return true, ""
	}

	if rec.ImageHref == "" {
		return false, "extension"
	}
	if len(spec.AllowedExtensions) > 0 {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(rec.ImageHref)), ".")
		allowed := false
		for _, a := range spec.AllowedExtensions {
			if strings.ToLower(strings.TrimPrefix(a, ".")) == ext {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "extension"
		}
	}

	width := parseIntDefault(rec.ImageWidth)
	height := parseIntDefault(rec.ImageHeight)
	if spec.MinWidth != nil && width < *spec.MinWidth {
		return false, "dimensions"
	}
	if spec.MinHeight != nil && height < *spec.MinHeight {
		return false, "dimensions"
	}
	if spec.MaxWidth != nil && width > *spec.MaxWidth {
		return false, "dimensions"
	}
	if spec.MaxHeight != nil && height > *spec.MaxHeight {
		return false, "dimensions"
	}

	size := rec.ActualFileSize
	if size <= 0 {
		size = parseDeclaredSize(rec.ImageSize)
	}
	if spec.MinFileSize != nil && size < *spec.MinFileSize {
		return false, "fileSize"
	}
	if spec.MaxFileSize != nil && size > *spec.MaxFileSize {
		return false, "fileSize"
	}

	checks := []struct {
		name  string
		value string
		pred  *TextPredicate
	}{
		{"creditline", rec.Creditline, spec.Creditline},
		{"copyrightLine", rec.CopyrightLine, spec.CopyrightLine},
		{"usageType", rec.UsageType, spec.UsageType},
		{"rightsHolder", rec.RightsHolder, spec.RightsHolder},
		{"location", rec.Location, spec.Location},
	}
	for _, c := range checks {
		if !matchPredicate(c.value, c.pred) {
			return false, c.name
		}
	}
	return true, ""
}

// matchPredicate evaluates one text predicate. Both sides are compared as
// trim(lower(s)). A nil predicate or empty operator always matches.
func matchPredicate(value string, pred *TextPredicate) bool {
	if pred == nil || pred.Operator == "" {
		return true
	}
	v := strings.ToLower(strings.TrimSpace(value))
	p := strings.ToLower(strings.TrimSpace(pred.Value))

	switch pred.Operator {
	case "like":
		return strings.Contains(v, p)
	case "notLike":
		return !strings.Contains(v, p)
	case "equals":
		return v == p
	case "notEquals":
		return v != p
	case "startsWith":
		return strings.HasPrefix(v, p)
	case "endsWith":
		return strings.HasSuffix(v, p)
	case "notBlank":
		return v != ""
	case "isBlank":
		return v == ""
	default:
		// Unknown operator is a no-op rather than a rejection.
		return true
	}
}

func parseIntDefault(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// parseDeclaredSize parses the raw SizeInBytes string, tolerating
// thousands separators.
func parseDeclaredSize(s string) int64 {
	var digits strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
