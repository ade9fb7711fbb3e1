// Package history keeps one JSON line per finished check in an append-only file and reads it
// back newest first.
package history

import (
	"io"
	"os"
	"sync"
	"time"

	"btverify/pkg/verify"

	json "github.com/goccy/go-json"
	"github.com/icza/backscanner"
	"github.com/pkg/errors"
)

// Record is one finished check.
type Record struct {
	Time     time.Time      `json:"time"`
	RunID    string         `json:"run_id"`
	Index    string         `json:"index"`
	Heap     string         `json:"heap,omitempty"`
	Options  string         `json:"options"`
	Outcome  string         `json:"outcome"`
	Error    string         `json:"error,omitempty"`
	Block    *uint32        `json:"block,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Result   *verify.Result `json:"result,omitempty"`
}

// NewRecord fills a record from the outcome of a check.
func NewRecord(runID, index, heap, options, outcome string, res *verify.Result, err error, elapsed time.Duration) Record {
	r := Record{
		Time:     time.Now().UTC(),
		RunID:    runID,
		Index:    index,
		Heap:     heap,
		Options:  options,
		Outcome:  outcome,
		Duration: elapsed,
		Result:   res,
	}
	if err != nil {
		r.Error = err.Error()
		var ce *verify.CheckError
		if errors.As(err, &ce) {
			r.Error = ce.Report()
			blk := ce.Block
			r.Block = &blk
		}
	}
	return r
}

// File is a history file. Appends from several goroutines are serialized.
type File struct {
	path string
	mtx  sync.Mutex
}

// Open returns the history file at path. It is created on the first append.
func Open(path string) *File {
	return &File{path: path}
}

// Path returns the file name.
func (f *File) Path() string { return f.path }

// Append writes r as the last line.
func (f *File) Append(r Record) error {
	line, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "could not encode history record")
	}
	line = append(line, '\n')

	f.mtx.Lock()
	defer f.mtx.Unlock()
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "could not open history %s", f.path)
	}
	if _, err := file.Write(line); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "could not append to history %s", f.path)
	}
	return file.Close()
}

// Recent returns up to n records, newest first. A non-empty index keeps only the records of
// that index. A missing file has no records.
func (f *File) Recent(n int, index string) ([]Record, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not open history %s", f.path)
	}
	defer file.Close()
	fstats, err := file.Stat()
	if err != nil {
		return nil, err
	}

	scanner := backscanner.New(file, int(fstats.Size()))
	records := make([]Record, 0)
	for n <= 0 || len(records) < n {
		line, pos, err := scanner.LineBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "could not read history %s", f.path)
		}
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, errors.Wrapf(err, "malformed history line at byte %d of %s", pos, f.path)
		}
		if index != "" && r.Index != index {
			continue
		}
		records = append(records, r)
	}
	return records, nil
}
