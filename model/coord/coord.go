// Package coord predicts a dense two-channel offset field from a pair of
// images with a ResNet-style encoder/decoder.
package coord

import (
	"fmt"
	"math/rand"

	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/config"
	"github.com/sw965/infomatch/layer"
)

const outputScale = 0.1

type Predictor struct {
	NumDownsamples int
	NumResblocks   int
	Blocks         layer.Sequential
}

// New builds a predictor for pairs of images with chs channels each.
func New(cfg config.Config, chs int, rng *rand.Rand) (*Predictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	act, _ := cfg.Activation()
	norm, _ := cfg.NormKind()

	conv := func(in, out, k, stride int, padding tensor4d.Padding, useBias bool) *layer.Conv2D {
		c := layer.NewConv2D(in, out, k, stride, padding, useBias, rng)
		c.Parallel = cfg.Parallel
		return c
	}

	dim := cfg.Base
	blocks := layer.Sequential{
		layer.ReflectPad{Pad: 3},
		conv(2*chs, dim, 7, 1, tensor4d.Valid, cfg.UseBias),
		layer.NewNormalization(norm, dim),
		layer.Activation{Kind: act},
	}

	for i := 0; i < cfg.NumDownsamples; i++ {
		blocks = append(blocks,
			conv(dim, dim*2, 3, 2, tensor4d.Same, cfg.UseBias),
			layer.NewNormalization(norm, dim*2),
			layer.Activation{Kind: act},
		)
		dim *= 2
	}

	for i := 0; i < cfg.NumResblocks; i++ {
		blocks = append(blocks, &layer.Residual{Block: layer.Sequential{
			layer.ReflectPad{Pad: 1},
			conv(dim, dim, 3, 1, tensor4d.Valid, cfg.UseBias),
			layer.NewNormalization(norm, dim),
			layer.Activation{Kind: layer.ReLU},
			layer.ReflectPad{Pad: 1},
			conv(dim, dim, 3, 1, tensor4d.Valid, cfg.UseBias),
			layer.NewNormalization(norm, dim),
		}})
	}

	for i := 0; i < cfg.NumDownsamples; i++ {
		up := layer.NewConvTranspose2D(dim, dim/2, 3, 2, cfg.UseBias, rng)
		up.Parallel = cfg.Parallel
		blocks = append(blocks,
			up,
			layer.NewNormalization(norm, dim/2),
			layer.Activation{Kind: act},
		)
		dim /= 2
	}

	blocks = append(blocks,
		layer.ReflectPad{Pad: 3},
		conv(dim, 2, 7, 1, tensor4d.Valid, true),
		layer.Scale{Factor: outputScale},
	)

	return &Predictor{
		NumDownsamples: cfg.NumDownsamples,
		NumResblocks:   cfg.NumResblocks,
		Blocks:         blocks,
	}, nil
}

func (p *Predictor) checkShapes(a, b tensor4d.General) error {
	if !a.SameShape(b) {
		return fmt.Errorf("%w: source %s, target %s", tensor4d.ErrShapeMismatch, a.ShapeString(), b.ShapeString())
	}
	factor := 1 << p.NumDownsamples
	if a.Rows%factor != 0 || a.Cols%factor != 0 {
		return fmt.Errorf("%w: %dx%d is not divisible by %d", tensor4d.ErrShapeMismatch, a.Rows, a.Cols, factor)
	}
	// reflect padding needs more rows and cols than it adds
	if a.Rows <= 3 || a.Cols <= 3 {
		return fmt.Errorf("%w: %dx%d is too small to pad by 3", tensor4d.ErrShapeMismatch, a.Rows, a.Cols)
	}
	if p.NumResblocks > 0 && (a.Rows/factor < 2 || a.Cols/factor < 2) {
		return fmt.Errorf("%w: %dx%d leaves no room for residual padding", tensor4d.ErrShapeMismatch, a.Rows, a.Cols)
	}
	return nil
}

// Forward returns the raw [B, 2, H, W] offsets for source a and target b.
func (p *Predictor) Forward(a, b tensor4d.General, training bool) (tensor4d.General, layer.Backward, error) {
	if err := p.checkShapes(a, b); err != nil {
		return tensor4d.General{}, nil, err
	}
	x, err := tensor4d.ConcatChannels(a, b)
	if err != nil {
		return tensor4d.General{}, nil, err
	}
	return p.Blocks.Forward(x, training)
}

func (p *Predictor) Predict(a, b tensor4d.General) (tensor4d.General, error) {
	y, _, err := p.Forward(a, b, false)
	return y, err
}

func (p *Predictor) Parameters() layer.Parameters {
	return p.Blocks.Parameters()
}

func (p *Predictor) BatchNorms() []*layer.Normalization {
	return p.Blocks.BatchNorms()
}

// Commit applies the running statistics of the last training Forward.
func (p *Predictor) Commit() {
	p.Blocks.Commit()
}
