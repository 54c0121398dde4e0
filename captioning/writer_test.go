package captioning

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileWriterAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "train.jsonl")
	w, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	records := []ScalarRecord{
		{Tag: "train/epoch_1_loss", Value: 2.5, Step: 0},
		{Tag: "train/epoch_1_top1_acc", Value: 12.5, Step: 0},
		{Tag: "train/epoch_1_loss", Value: 2.1, Step: 1},
	}
	for _, r := range records {
		if err := w.AddScalar(r.Tag, r.Value, r.Step); err != nil {
			t.Fatalf("AddScalar: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	i := 0
	for scanner.Scan() {
		var got ScalarRecord
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if got != records[i] {
			t.Errorf("line %d = %+v; want %+v", i, got, records[i])
		}
		i++
	}
	if i != len(records) {
		t.Errorf("got %d lines; want %d", i, len(records))
	}
}

func TestRecordingWriterCaptures(t *testing.T) {
	var w RecordingWriter
	if err := w.AddScalar("val/epoch_1_loss", 1.5, 3); err != nil {
		t.Fatalf("AddScalar: %v", err)
	}
	if len(w.Records) != 1 || w.Records[0].Tag != "val/epoch_1_loss" || w.Records[0].Step != 3 {
		t.Errorf("records = %+v", w.Records)
	}
}
