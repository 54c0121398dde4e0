package captioning

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// GridEncoder is the parameter-free reference encoder: it mean-pools each
// image over a Grid x Grid cell layout and emits one feature vector of
// per-channel means per cell, shape [B, Grid*Grid, C]. Having no weights it
// is frozen by construction, which matches the training regime (the encoder
// never receives optimizer updates).
type GridEncoder struct {
	Grid int
}

// NewGridEncoder returns an encoder with a Grid x Grid attention map.
func NewGridEncoder(grid int) *GridEncoder {
	if grid <= 0 {
		grid = 14
	}
	return &GridEncoder{Grid: grid}
}

// SetMode is a no-op: the encoder has no training-only behaviour.
func (e *GridEncoder) SetMode(Mode) {}

// Forward maps images [B, C, H, W] to features [B, Grid*Grid, C].
func (e *GridEncoder) Forward(images *tensor.Dense) (*tensor.Dense, error) {
	shape := images.Shape()
	if len(shape) != 4 {
		return nil, errors.Wrapf(ErrShapeMismatch, "images %v, want [B C H W]", shape)
	}
	b, c, h, w := shape[0], shape[1], shape[2], shape[3]
	g := e.Grid
	if h < g || w < g {
		return nil, errors.Wrapf(ErrShapeMismatch, "image %dx%d smaller than %dx%d grid", h, w, g, g)
	}
	data := images.Data().([]float64)
	locs := g * g
	out := make([]float64, b*locs*c)
	for i := 0; i < b; i++ {
		for gy := 0; gy < g; gy++ {
			y0, y1 := gy*h/g, (gy+1)*h/g
			for gx := 0; gx < g; gx++ {
				x0, x1 := gx*w/g, (gx+1)*w/g
				cell := float64((y1 - y0) * (x1 - x0))
				for ch := 0; ch < c; ch++ {
					var sum float64
					plane := ((i*c)+ch)*h*w
					for y := y0; y < y1; y++ {
						for x := x0; x < x1; x++ {
							sum += data[plane+y*w+x]
						}
					}
					out[(i*locs+gy*g+gx)*c+ch] = sum / cell
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(b, locs, c), tensor.WithBacking(out)), nil
}
