package captioning

import (
	"context"
	"encoding/json"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// PadToken fills caption positions beyond a sample's true length.
const PadToken = 0

// Dataset provides index-stable access to (image, caption) pairs. The
// caption is a token-id sequence starting with the start token; images of
// one dataset must share their [C, H, W] dimensions.
type Dataset interface {
	Len() int
	GetItem(i int) (*tensor.Dense, []int, error)
}

// Batch is one collated mini-batch. Captions are padded with PadToken to
// the longest caption in the batch; Lengths keeps each sample's true
// caption length, start token included.
type Batch struct {
	Images   *tensor.Dense // [B, C, H, W]
	Captions *tensor.Dense // [B, L]
	Lengths  []int
}

// Loader shuffles, collates and prefetches mini-batches for one pass.
type Loader struct {
	ds        Dataset
	batchSize int
	rng       *rand.Rand
}

// NewLoader wraps a dataset with a seeded shuffling loader.
func NewLoader(ds Dataset, batchSize int, seed int64) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("captioning: batch size must be > 0, got %d", batchSize)
	}
	if ds.Len() == 0 {
		return nil, errors.New("captioning: empty dataset")
	}
	return &Loader{ds: ds, batchSize: batchSize, rng: rand.New(rand.NewSource(seed))}, nil
}

// NumBatches returns the batch count of one pass.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Batches streams the collated batches of one shuffled pass. The batch
// channel closes after the last batch; the error channel carries the first
// failure, if any, and closes with the batch channel. A malformed sample
// aborts the pass rather than being skipped, so metric denominators stay
// meaningful.
func (l *Loader) Batches(ctx context.Context) (<-chan Batch, <-chan error) {
	perm := l.rng.Perm(l.ds.Len())
	out := make(chan Batch, 2)
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for start := 0; start < len(perm); start += l.batchSize {
			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}
			end := start + l.batchSize
			if end > len(perm) {
				end = len(perm)
			}
			batch, err := l.collate(perm[start:end])
			if err != nil {
				errCh <- err
				return
			}
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case out <- batch:
			}
		}
	}()
	return out, errCh
}

func (l *Loader) collate(indices []int) (Batch, error) {
	b := len(indices)
	images := make([]*tensor.Dense, b)
	captions := make([][]int, b)
	maxLen := 0
	var c, h, w int
	for n, idx := range indices {
		img, caption, err := l.ds.GetItem(idx)
		if err != nil {
			return Batch{}, errors.Wrapf(err, "sample %d", idx)
		}
		shape := img.Shape()
		if len(shape) != 3 {
			return Batch{}, errors.Wrapf(ErrShapeMismatch, "sample %d image %v, want [C H W]", idx, shape)
		}
		if n == 0 {
			c, h, w = shape[0], shape[1], shape[2]
		} else if shape[0] != c || shape[1] != h || shape[2] != w {
			return Batch{}, errors.Wrapf(ErrShapeMismatch, "sample %d image %v vs [%d %d %d]", idx, shape, c, h, w)
		}
		if len(caption) < 2 {
			return Batch{}, errors.Wrapf(ErrBadSample, "sample %d caption has %d tokens, need start token plus content", idx, len(caption))
		}
		images[n] = img
		captions[n] = caption
		if len(caption) > maxLen {
			maxLen = len(caption)
		}
	}

	imgData := make([]float64, b*c*h*w)
	for n, img := range images {
		copy(imgData[n*c*h*w:], img.Data().([]float64))
	}
	capData := make([]int, b*maxLen)
	lengths := make([]int, b)
	for n, caption := range captions {
		row := capData[n*maxLen : (n+1)*maxLen]
		for j := range row {
			row[j] = PadToken
		}
		copy(row, caption)
		lengths[n] = len(caption)
	}
	return Batch{
		Images:   tensor.New(tensor.WithShape(b, c, h, w), tensor.WithBacking(imgData)),
		Captions: tensor.New(tensor.WithShape(b, maxLen), tensor.WithBacking(capData)),
		Lengths:  lengths,
	}, nil
}

// JSONDataset reads the <split>_img_paths.json / <split>_captions.json pair
// written by the preprocessing step. Pairing is index-stable: caption i
// describes image i.
type JSONDataset struct {
	paths     []string
	captions  [][]int
	imageSize int
}

// NewJSONDataset loads the index files for a split ("train" or "val") from
// dir. Images are decoded lazily in GetItem and resampled to
// imageSize x imageSize.
func NewJSONDataset(dir, split string, imageSize int) (*JSONDataset, error) {
	if imageSize <= 0 {
		imageSize = 224
	}
	var paths []string
	if err := readJSON(filepath.Join(dir, split+"_img_paths.json"), &paths); err != nil {
		return nil, err
	}
	var captions [][]int
	if err := readJSON(filepath.Join(dir, split+"_captions.json"), &captions); err != nil {
		return nil, err
	}
	if len(paths) != len(captions) {
		return nil, errors.Errorf("captioning: %d image paths vs %d captions in %s split", len(paths), len(captions), split)
	}
	return &JSONDataset{paths: paths, captions: captions, imageSize: imageSize}, nil
}

func readJSON(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read index")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

// Len returns the sample count.
func (d *JSONDataset) Len() int { return len(d.captions) }

// GetItem decodes image i into a normalized [3, S, S] tensor and returns it
// with a copy of caption i.
func (d *JSONDataset) GetItem(i int) (*tensor.Dense, []int, error) {
	if i < 0 || i >= len(d.captions) {
		return nil, nil, errors.Wrapf(ErrBadSample, "index %d out of %d", i, len(d.captions))
	}
	f, err := os.Open(d.paths[i])
	if err != nil {
		return nil, nil, errors.Wrapf(ErrBadSample, "open image: %v", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrBadSample, "decode %s: %v", d.paths[i], err)
	}
	return imageTensor(img, d.imageSize), append([]int(nil), d.captions[i]...), nil
}

// imageTensor nearest-resamples img to size x size and normalizes the RGB
// planes to [0, 1], CHW order.
func imageTensor(img image.Image, size int) *tensor.Dense {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]float64, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		sy := bounds.Min.Y + y*h/size
		for x := 0; x < size; x++ {
			sx := bounds.Min.X + x*w/size
			r, g, b, _ := img.At(sx, sy).RGBA()
			data[y*size+x] = float64(r) / 65535
			data[plane+y*size+x] = float64(g) / 65535
			data[2*plane+y*size+x] = float64(b) / 65535
		}
	}
	return tensor.New(tensor.WithShape(3, size, size), tensor.WithBacking(data))
}

// LoadWordDict reads the word_dict.json vocabulary mapping produced by the
// preprocessing step; its size fixes the decoder vocabulary.
func LoadWordDict(path string) (map[string]int, error) {
	var dict map[string]int
	if err := readJSON(path, &dict); err != nil {
		return nil, err
	}
	if len(dict) == 0 {
		return nil, errors.Errorf("captioning: empty vocabulary in %s", path)
	}
	return dict, nil
}
