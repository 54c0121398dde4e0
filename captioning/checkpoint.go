package captioning

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

type checkpointFile struct {
	Epoch  int          `json:"epoch"`
	Params []savedParam `json:"params"`
}

type savedParam struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Value []float64 `json:"value"`
}

// SaveCheckpoint writes a snapshot of the decoder parameters to path. The
// encoder is frozen and is never checkpointed. A failed write is fatal to
// the caller: continuing would detach the epoch number from its weights.
func SaveCheckpoint(dec Decoder, epoch int, path string) error {
	snap := checkpointFile{Epoch: epoch}
	for _, p := range dec.Parameters() {
		snap.Params = append(snap.Params, savedParam{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Value: append([]float64(nil), p.Value...),
		})
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrapf(err, "encode checkpoint for epoch %d", epoch)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create checkpoint dir")
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write checkpoint %s", path)
	}
	return nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// LoadCheckpoint restores decoder parameters by name from a snapshot.
func LoadCheckpoint(dec Decoder, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read checkpoint %s", path)
	}
	var snap checkpointFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrapf(err, "decode checkpoint %s", path)
	}
	saved := make(map[string]savedParam, len(snap.Params))
	for _, sp := range snap.Params {
		saved[sp.Name] = sp
	}
	for _, p := range dec.Parameters() {
		sp, ok := saved[p.Name]
		if !ok {
			return errors.Errorf("captioning: checkpoint %s missing parameter %q", path, p.Name)
		}
		if !shapeEqual(sp.Shape, p.Shape) {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q has shape %v, want %v", p.Name, sp.Shape, p.Shape)
		}
		if len(sp.Value) != p.Size() {
			return errors.Wrapf(ErrShapeMismatch, "parameter %q has %d values, want %d", p.Name, len(sp.Value), p.Size())
		}
		copy(p.Value, sp.Value)
	}
	return nil
}
