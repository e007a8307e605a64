package layer

import (
	"fmt"

	"github.com/sw965/infomatch/blas32/tensor/4d"
)

// Backward receives ∂L/∂y and returns ∂L/∂x together with the gradients of the
// layer's Parameters, in the same order as Parameters().
type Backward func(tensor4d.General) (tensor4d.General, GradBuffers, error)

type Layer interface {
	Forward(x tensor4d.General, training bool) (tensor4d.General, Backward, error)
	Parameters() Parameters
}

// Committer is implemented by layers that keep non-trainable state (running
// statistics). Pending state computed by a training Forward is applied by Commit.
type Committer interface {
	Commit()
}

type Sequential []Layer

func (s Sequential) Forward(x tensor4d.General, training bool) (tensor4d.General, Backward, error) {
	var err error
	backwards := make([]Backward, len(s))
	for i, l := range s {
		x, backwards[i], err = l.Forward(x, training)
		if err != nil {
			return tensor4d.General{}, nil, fmt.Errorf("layer %d: %w", i, err)
		}
	}
	y := x

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		gradsByLayer := make([]GradBuffers, len(s))
		var err error
		for i := len(backwards) - 1; i >= 0; i-- {
			chain, gradsByLayer[i], err = backwards[i](chain)
			if err != nil {
				return tensor4d.General{}, nil, fmt.Errorf("layer %d: %w", i, err)
			}
		}
		grads := make(GradBuffers, 0, len(s))
		for _, g := range gradsByLayer {
			grads = append(grads, g...)
		}
		return chain, grads, nil
	}
	return y, backward, nil
}

func (s Sequential) Parameters() Parameters {
	params := make(Parameters, 0, len(s))
	for _, l := range s {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s Sequential) Commit() {
	for _, l := range s {
		if c, ok := l.(Committer); ok {
			c.Commit()
		}
	}
}

// BatchNorms lists the batch normalizations in s, residual blocks included,
// in forward order.
func (s Sequential) BatchNorms() []*Normalization {
	var norms []*Normalization
	for _, l := range s {
		switch l := l.(type) {
		case *Normalization:
			if l.Kind == BatchNorm {
				norms = append(norms, l)
			}
		case Sequential:
			norms = append(norms, l.BatchNorms()...)
		case *Residual:
			norms = append(norms, l.Block.BatchNorms()...)
		}
	}
	return norms
}

// Residual computes x + Block(x).
type Residual struct {
	Block Sequential
}

func (r *Residual) Forward(x tensor4d.General, training bool) (tensor4d.General, Backward, error) {
	u, blockBackward, err := r.Block.Forward(x, training)
	if err != nil {
		return tensor4d.General{}, nil, err
	}
	y, err := tensor4d.Add(x, u)
	if err != nil {
		return tensor4d.General{}, nil, fmt.Errorf("residual: %w", err)
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		du, grads, err := blockBackward(chain)
		if err != nil {
			return tensor4d.General{}, nil, err
		}
		// ∂L/∂x = chain + ∂L/∂x through the block
		dx, err := tensor4d.Add(chain, du)
		return dx, grads, err
	}
	return y, backward, nil
}

func (r *Residual) Parameters() Parameters {
	return r.Block.Parameters()
}

func (r *Residual) Commit() {
	r.Block.Commit()
}

type ReflectPad struct {
	Pad int
}

func (p ReflectPad) Forward(x tensor4d.General, _ bool) (tensor4d.General, Backward, error) {
	y, err := tensor4d.ReflectPad(x, p.Pad)
	if err != nil {
		return tensor4d.General{}, nil, err
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		return tensor4d.ReflectPadGrad(chain, p.Pad), nil, nil
	}
	return y, backward, nil
}

func (p ReflectPad) Parameters() Parameters {
	return nil
}

// Scale multiplies by a constant factor.
type Scale struct {
	Factor float32
}

func (s Scale) Forward(x tensor4d.General, _ bool) (tensor4d.General, Backward, error) {
	y := x.Clone()
	y.Scal(s.Factor)

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		dx := chain.Clone()
		dx.Scal(s.Factor)
		return dx, nil, nil
	}
	return y, backward, nil
}

func (s Scale) Parameters() Parameters {
	return nil
}
