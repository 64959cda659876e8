// Package episodelog records one summary per completed episode.
package episodelog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"
)

// ErrSinkFailed is returned by Append when the sink could not persist a
// record.
var ErrSinkFailed = errors.New("episode log sink failed")

// Record summarises a completed episode.
type Record struct {
	Episode     int
	RunID       string
	Steps       int
	Action      int
	Latencies   []time.Duration
	MeanLatency float64
	Reward      float64
	EndedAt     time.Time
}

// Sink receives every record as it is appended.
type Sink interface {
	Write(Record) error
}

// Log is an append-only, in-memory episode log with an optional sink.
type Log struct {
	mu      sync.Mutex
	records []Record
	sink    Sink
}

// New returns an empty log. sink may be nil.
func New(sink Sink) *Log {
	return &Log{sink: sink}
}

// Append numbers r (1-based) and stores it. The record is kept in memory
// even when the sink fails; the sink error is returned.
func (l *Log) Append(r Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.Episode = len(l.records) + 1
	if r.EndedAt.IsZero() {
		r.EndedAt = time.Now()
	}
	r.Latencies = append([]time.Duration(nil), r.Latencies...)
	l.records = append(l.records, r)

	if l.sink != nil {
		if err := l.sink.Write(r); err != nil {
			return r, fmt.Errorf("%w: %w", ErrSinkFailed, err)
		}
	}
	return r, nil
}

// Records returns a copy of every record in order.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.records...)
}

// Len returns the number of records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Header is the CSV header row.
var Header = []string{"episode", "mean_latency_seconds"}

func row(r Record) []string {
	return []string{
		strconv.Itoa(r.Episode),
		strconv.FormatFloat(r.MeanLatency, 'g', -1, 64),
	}
}

// WriteCSV exports the whole log.
func (l *Log) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, r := range l.Records() {
		if err := cw.Write(row(r)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSVSink appends records to a CSV file, writing the header only when the
// file is new or empty.
type CSVSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// OpenCSV opens path for appending.
func OpenCSV(path string) (*CSVSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open episode log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat episode log: %w", err)
	}

	s := &CSVSink{f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.writeRow(Header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CSVSink) writeRow(rec []string) error {
	if err := s.w.Write(rec); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Write appends r and flushes.
func (s *CSVSink) Write(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("episode log is closed")
	}
	return s.writeRow(row(r))
}

// Close closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
