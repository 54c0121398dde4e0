package captioning

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dec := NewAttentionDecoder(6, 3, 4, 1)
	original := make(map[string][]float64)
	for _, p := range dec.Parameters() {
		original[p.Name] = append([]float64(nil), p.Value...)
	}

	path := filepath.Join(t.TempDir(), "ckpt", "model_3.json")
	if err := SaveCheckpoint(dec, 3, path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	for _, p := range dec.Parameters() {
		for i := range p.Value {
			p.Value[i] += 1.5
		}
	}
	if err := LoadCheckpoint(dec, path); err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	for _, p := range dec.Parameters() {
		want := original[p.Name]
		for i, v := range p.Value {
			if v != want[i] {
				t.Fatalf("%s[%d] = %v; want %v", p.Name, i, v, want[i])
			}
		}
	}
}

func TestLoadCheckpointRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_1.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	dec := NewAttentionDecoder(4, 3, 2, 1)
	if err := LoadCheckpoint(dec, path); err == nil {
		t.Error("corrupt checkpoint accepted")
	}
}

func TestLoadCheckpointRejectsTransposedShape(t *testing.T) {
	dec := NewAttentionDecoder(4, 3, 2, 1)
	path := filepath.Join(t.TempDir(), "model_1.json")
	if err := SaveCheckpoint(dec, 1, path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// Transpose the embedding shape on disk. The element count still matches,
	// so only a real shape comparison can catch it.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap checkpointFile
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i, sp := range snap.Params {
		if len(sp.Shape) == 2 && sp.Shape[0] != sp.Shape[1] {
			snap.Params[i].Shape = []int{sp.Shape[1], sp.Shape[0]}
			break
		}
	}
	data, err = json.Marshal(snap)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := LoadCheckpoint(dec, path); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("LoadCheckpoint err = %v; want ErrShapeMismatch", err)
	}
}

func TestLoadCheckpointRejectsMissingParameter(t *testing.T) {
	small := NewAttentionDecoder(4, 3, 2, 1)
	path := filepath.Join(t.TempDir(), "model_1.json")
	if err := SaveCheckpoint(small, 1, path); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	big := NewAttentionDecoder(9, 3, 2, 1)
	if err := LoadCheckpoint(big, path); err == nil {
		t.Error("size mismatch accepted")
	}
}
