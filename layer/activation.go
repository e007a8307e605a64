package layer

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/4d"
)

type ActivationKind string

const (
	ReLU      ActivationKind = "relu"
	LeakyReLU ActivationKind = "lrelu"
	Tanh      ActivationKind = "tanh"
	Sigmoid   ActivationKind = "sigmoid"
	Linear    ActivationKind = "linear"
)

const leakyReLUAlpha = 0.2

func ParseActivation(s string) (ActivationKind, error) {
	switch s {
	case "relu":
		return ReLU, nil
	case "lrelu", "leaky_relu":
		return LeakyReLU, nil
	case "tanh":
		return Tanh, nil
	case "sigmoid":
		return Sigmoid, nil
	case "linear", "none", "":
		return Linear, nil
	}
	return "", fmt.Errorf("unknown activation %q", s)
}

type Activation struct {
	Kind ActivationKind
}

// activate returns f(x) and f'(x).
func (a Activation) activate(x float32) (float32, float32) {
	switch a.Kind {
	case ReLU:
		if x > 0 {
			return x, 1
		}
		return 0, 0
	case LeakyReLU:
		if x > 0 {
			return x, 1
		}
		return leakyReLUAlpha * x, leakyReLUAlpha
	case Tanh:
		y := math32.Tanh(x)
		return y, 1 - y*y
	case Sigmoid:
		y := 1 / (1 + math32.Exp(-x))
		return y, y * (1 - y)
	}
	return x, 1
}

func (a Activation) Forward(x tensor4d.General, _ bool) (tensor4d.General, Backward, error) {
	if a.Kind == Linear {
		return x, func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
			return chain, nil, nil
		}, nil
	}

	y := tensor4d.NewZerosLike(x)
	dydx := make([]float32, len(x.Data))
	for i, e := range x.Data {
		y.Data[i], dydx[i] = a.activate(e)
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		if !chain.SameShape(y) {
			return tensor4d.General{}, nil, fmt.Errorf("%w: activation grad %s, want %s",
				tensor4d.ErrShapeMismatch, chain.ShapeString(), y.ShapeString())
		}
		dx := tensor4d.NewZerosLike(chain)
		for i, e := range chain.Data {
			dx.Data[i] = dydx[i] * e
		}
		return dx, nil, nil
	}
	return y, backward, nil
}

func (a Activation) Parameters() Parameters {
	return nil
}
