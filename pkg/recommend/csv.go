package recommend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/nzoschke/genrelab/pkg/errs"
)

var csvHeader = []string{"title", "genre_predictions"}

// CSVStore keeps the catalog in a two column CSV file. Score vectors are
// written as "[a,b,...]".
type CSVStore struct {
	path string

	mu sync.Mutex
	f  *os.File // nil until the first Append on an opened catalog
	w  *csv.Writer
}

// CreateCSV truncates path and writes the header row.
func CreateCSV(path string) (*CSVStore, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.FromFS("create catalog", path, err)
	}
	s := &CSVStore{path: path, f: f, w: csv.NewWriter(f)}
	if err := s.w.Write(csvHeader); err != nil {
		f.Close()
		return nil, errs.IO("create catalog", path, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		f.Close()
		return nil, errs.IO("create catalog", path, err)
	}
	return s, nil
}

// OpenCSV opens an existing catalog. The file is only opened for writing
// by Append, so read-only catalogs can be queried.
func OpenCSV(path string) (*CSVStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.FromFS("open catalog", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, errs.IO("open catalog", path, err)
	}
	return &CSVStore{path: path}, nil
}

func (s *CSVStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return errs.FromFS("append catalog", s.path, err)
		}
		s.f, s.w = f, csv.NewWriter(f)
	}

	if err := s.w.Write([]string{e.Title, formatScores(e.Scores)}); err != nil {
		return errs.IO("append catalog", s.path, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return errs.IO("append catalog", s.path, err)
	}
	return nil
}

// Entries reads every row of the file.
func (s *CSVStore) Entries(_ context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, errs.FromFS("read catalog", s.path, err)
	}
	defer f.Close()
	return readCSV(f, s.path)
}

func (s *CSVStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return errs.IO("close catalog", s.path, err)
	}
	return s.f.Close()
}

func readCSV(r io.Reader, path string) ([]Entry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(csvHeader)

	header, err := cr.Read()
	if err != nil {
		return nil, errs.Decode("read catalog", path, err)
	}
	if header[0] != csvHeader[0] || header[1] != csvHeader[1] {
		return nil, errs.Decode("read catalog", path, fmt.Errorf("unexpected header %q", header))
	}

	var entries []Entry
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errs.Decode("read catalog", path, err)
		}
		scores, err := parseScores(rec[1])
		if err != nil {
			return nil, errs.Decode("read catalog", path, fmt.Errorf("row %q: %w", rec[0], err))
		}
		entries = append(entries, Entry{Title: rec[0], Scores: scores})
	}
	return entries, nil
}

func formatScores(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseScores(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("vector %q is not bracketed", s)
	}
	s = strings.TrimSpace(s[1 : len(s)-1])
	if s == "" {
		return []float32{}, nil
	}

	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}
