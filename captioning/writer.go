package captioning

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ScalarWriter receives scalar metric series, one record per (tag, step).
// Train and validation passes must use independent writer instances so their
// series never share state.
type ScalarWriter interface {
	AddScalar(tag string, value float64, step int) error
	Close() error
}

// ScalarRecord is one logged scalar.
type ScalarRecord struct {
	Tag   string  `json:"tag"`
	Value float64 `json:"value"`
	Step  int     `json:"step"`
}

// NopWriter discards every record.
type NopWriter struct{}

func (NopWriter) AddScalar(string, float64, int) error { return nil }
func (NopWriter) Close() error                         { return nil }

// FileWriter appends records to a file as JSON lines.
type FileWriter struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// NewFileWriter creates path (and its directory) and truncates any previous
// content.
func NewFileWriter(path string) (*FileWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create log dir")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create log file")
	}
	buf := bufio.NewWriter(f)
	return &FileWriter{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// AddScalar appends one record.
func (w *FileWriter) AddScalar(tag string, value float64, step int) error {
	if err := w.enc.Encode(ScalarRecord{Tag: tag, Value: value, Step: step}); err != nil {
		return errors.Wrap(err, "write scalar")
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *FileWriter) Close() error {
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return errors.Wrap(err, "flush scalar log")
	}
	return errors.Wrap(w.f.Close(), "close scalar log")
}

// RecordingWriter captures records in memory; tests inject it where a real
// sink is not wanted.
type RecordingWriter struct {
	Records []ScalarRecord
}

func (w *RecordingWriter) AddScalar(tag string, value float64, step int) error {
	w.Records = append(w.Records, ScalarRecord{Tag: tag, Value: value, Step: step})
	return nil
}

func (w *RecordingWriter) Close() error { return nil }
