// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package extractor

import (
	"encoding/csv"
	"os"
	"strconv"
)

// Columns is the fixed CSV column order. The header row is written exactly
// once per output file per run and never re-written on resume.
var Columns = []string{
	"city", "year", "month", "newsItemId", "dateId", "providerId",
	"headline", "byline", "dateline", "creditline", "copyrightLine",
	"slugline", "keywords", "edition", "location", "country", "city_meta",
	"pageNumber", "status", "urgency", "language", "subject", "processed",
	"published", "usageType", "rightsHolder", "imageWidth", "imageHeight",
	"imageSize", "actualFileSize", "imageHref", "xmlPath", "imagePath",
	"imageExists", "creationDate", "revisionDate", "commentData",
}

// Row serializes the record in column order.
func (r *Record) Row() []string {
	return []string{
		r.City, r.Year, r.Month, r.NewsItemID, r.DateID, r.ProviderID,
		r.Headline, r.Byline, r.Dateline, r.Creditline, r.CopyrightLine,
		r.Slugline, r.Keywords, r.Edition, r.Location, r.Country, r.CityMeta,
		r.PageNumber, r.Status, r.Urgency, r.Language, r.Subject, r.Processed,
		r.Published, r.UsageType, r.RightsHolder, r.ImageWidth, r.ImageHeight,
		r.ImageSize, strconv.FormatInt(r.ActualFileSize, 10), r.ImageHref,
		r.XMLPath, r.ImagePath, r.ImageExists, r.CreationDate,
		r.RevisionDate, r.CommentData,
	}
}

// CSVSink is the single writer of the output file. All worker results
// funnel through it on one goroutine, so rows are appended whole and never
// interleaved. The escape rules are RFC 4180: a field is quoted iff it
// contains a comma, quote, or newline, with quotes doubled inside quotes.
type CSVSink struct {
	path string
	f    *os.File
	w    *csv.Writer
	rows int
}

// OpenCSVSink opens the output file. A fresh run truncates and writes the
// header; a resume appends and writes the header only when the file is
// missing or empty.
func OpenCSVSink(path string, resume bool) (*CSVSink, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, &SinkError{Path: path, Err: err}
	}

	s := &CSVSink{path: path, f: f, w: csv.NewWriter(f)}

	writeHeader := !resume
	if resume {
		if fi, err := f.Stat(); err == nil && fi.Size() == 0 {
			writeHeader = true
		}
	}
	if writeHeader {
		if err := s.w.Write(Columns); err != nil {
			f.Close()
			return nil, &SinkError{Path: path, Err: err}
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, &SinkError{Path: path, Err: err}
		}
	}
	return s, nil
}

// Append writes one record and flushes. A write error is fatal for the run.
func (s *CSVSink) Append(rec *Record) error {
	if err := s.w.Write(rec.Row()); err != nil {
		return &SinkError{Path: s.path, Err: err}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return &SinkError{Path: s.path, Err: err}
	}
	s.rows++
	return nil
}

// Rows returns the number of body rows appended through this sink.
func (s *CSVSink) Rows() int { return s.rows }

// Path returns the output file path.
func (s *CSVSink) Path() string { return s.path }

// Close flushes and closes the underlying file.
func (s *CSVSink) Close() error {
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.f.Close()
	if werr != nil {
		return &SinkError{Path: s.path, Err: werr}
	}
	return cerr
}
