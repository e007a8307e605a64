package layer

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/blas32/vector"
)

type NormKind string

const (
	NoNorm       NormKind = "none"
	InstanceNorm NormKind = "instance"
	BatchNorm    NormKind = "batch"
	LayerNorm    NormKind = "layer"
)

const (
	normEpsilon  = 1e-3
	normMomentum = 0.99
)

func ParseNormKind(s string) (NormKind, error) {
	switch s {
	case "none", "":
		return NoNorm, nil
	case "instance":
		return InstanceNorm, nil
	case "batch":
		return BatchNorm, nil
	case "layer":
		return LayerNorm, nil
	}
	return "", fmt.Errorf("unknown normalization %q", s)
}

// Normalization standardizes groups of elements and applies a per-channel
// gamma/beta. The grouping depends on Kind:
//   - instance: one group per (batch, channel) over rows and cols
//   - batch:    one group per channel over batches, rows and cols
//   - layer:    one group per (batch, row, col) over channels
//
// Gamma is stored as a 1xChannels Weight, beta as the Bias.
type Normalization struct {
	Kind     NormKind
	Channels int

	param       Parameter
	runningMean []float32
	runningVar  []float32
	pendingMean []float32
	pendingVar  []float32
}

func NewNormalization(kind NormKind, chs int) *Normalization {
	n := &Normalization{
		Kind:     kind,
		Channels: chs,
		param: Parameter{
			Weight: tensor2d.NewOnes(1, chs),
			Bias:   vector.NewZeros(chs),
		},
	}
	if kind == BatchNorm {
		n.runningMean = make([]float32, chs)
		n.runningVar = make([]float32, chs)
		for i := range n.runningVar {
			n.runningVar[i] = 1
		}
	}
	return n
}

func (n *Normalization) Parameters() Parameters {
	if n.Kind == NoNorm {
		return nil
	}
	return Parameters{n.param}
}

func (n *Normalization) RunningStats() ([]float32, []float32) {
	return n.runningMean, n.runningVar
}

func (n *Normalization) SetRunningStats(mean, variance []float32) error {
	if n.Kind != BatchNorm {
		return fmt.Errorf("%s norm keeps no running statistics", n.Kind)
	}
	if len(mean) != n.Channels || len(variance) != n.Channels {
		return fmt.Errorf("%w: running statistics of %d and %d values for %d channels",
			tensor4d.ErrShapeMismatch, len(mean), len(variance), n.Channels)
	}
	copy(n.runningMean, mean)
	copy(n.runningVar, variance)
	return nil
}

func (n *Normalization) Commit() {
	if n.pendingMean == nil {
		return
	}
	for c := range n.runningMean {
		n.runningMean[c] = normMomentum*n.runningMean[c] + (1-normMomentum)*n.pendingMean[c]
		n.runningVar[c] = normMomentum*n.runningVar[c] + (1-normMomentum)*n.pendingVar[c]
	}
	n.pendingMean = nil
	n.pendingVar = nil
}

func (n *Normalization) groups(x tensor4d.General) [][]int {
	var groups [][]int
	switch n.Kind {
	case InstanceNorm:
		for b := 0; b < x.Batches; b++ {
			for c := 0; c < x.Channels; c++ {
				g := make([]int, 0, x.Rows*x.Cols)
				for i := 0; i < x.Rows*x.Cols; i++ {
					g = append(g, x.At(b, c, 0, 0)+i)
				}
				groups = append(groups, g)
			}
		}
	case BatchNorm:
		for c := 0; c < x.Channels; c++ {
			g := make([]int, 0, x.Batches*x.Rows*x.Cols)
			for b := 0; b < x.Batches; b++ {
				for i := 0; i < x.Rows*x.Cols; i++ {
					g = append(g, x.At(b, c, 0, 0)+i)
				}
			}
			groups = append(groups, g)
		}
	case LayerNorm:
		for b := 0; b < x.Batches; b++ {
			for i := 0; i < x.Rows*x.Cols; i++ {
				g := make([]int, 0, x.Channels)
				for c := 0; c < x.Channels; c++ {
					g = append(g, x.At(b, c, 0, 0)+i)
				}
				groups = append(groups, g)
			}
		}
	}
	return groups
}

func (n *Normalization) channelOf(x tensor4d.General, idx int) int {
	return (idx % x.BatchStride) / x.ChannelStride
}

func (n *Normalization) Forward(x tensor4d.General, training bool) (tensor4d.General, Backward, error) {
	if n.Kind == NoNorm {
		return x, func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
			return chain, nil, nil
		}, nil
	}
	if x.Channels != n.Channels {
		return tensor4d.General{}, nil, fmt.Errorf("%w: %s norm expects %d channels, got %s",
			tensor4d.ErrShapeMismatch, n.Kind, n.Channels, x.ShapeString())
	}

	if n.Kind == BatchNorm && !training {
		return n.inference(x)
	}

	gamma := n.param.Weight.Data
	beta := n.param.Bias.Data
	groups := n.groups(x)
	xHat := tensor4d.NewZerosLike(x)
	y := tensor4d.NewZerosLike(x)
	invStds := make([]float32, len(groups))
	var means, vars []float32
	if n.Kind == BatchNorm {
		means = make([]float32, n.Channels)
		vars = make([]float32, n.Channels)
	}

	for gi, g := range groups {
		m := float32(len(g))
		var mean float32
		for _, idx := range g {
			mean += x.Data[idx]
		}
		mean /= m
		var variance float32
		for _, idx := range g {
			d := x.Data[idx] - mean
			variance += d * d
		}
		variance /= m
		invStd := 1 / math32.Sqrt(variance+normEpsilon)
		invStds[gi] = invStd
		if n.Kind == BatchNorm {
			means[gi] = mean
			vars[gi] = variance
		}

		for _, idx := range g {
			c := n.channelOf(x, idx)
			h := (x.Data[idx] - mean) * invStd
			xHat.Data[idx] = h
			y.Data[idx] = gamma[c]*h + beta[c]
		}
	}
	if n.Kind == BatchNorm {
		n.pendingMean = means
		n.pendingVar = vars
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		if !chain.SameShape(y) {
			return tensor4d.General{}, nil, fmt.Errorf("%w: norm grad %s, want %s",
				tensor4d.ErrShapeMismatch, chain.ShapeString(), y.ShapeString())
		}
		grad := n.param.NewGradZerosLike()
		dx := tensor4d.NewZerosLike(x)
		for gi, g := range groups {
			m := float32(len(g))
			var sumDh, sumDhH float32
			for _, idx := range g {
				c := n.channelOf(x, idx)
				dy := chain.Data[idx]
				// ∂L/∂gamma, ∂L/∂beta
				grad.Weight.Data[c] += dy * xHat.Data[idx]
				grad.Bias.Data[c] += dy
				dh := dy * gamma[c]
				sumDh += dh
				sumDhH += dh * xHat.Data[idx]
			}
			invStd := invStds[gi]
			for _, idx := range g {
				c := n.channelOf(x, idx)
				dh := chain.Data[idx] * gamma[c]
				dx.Data[idx] = invStd / m * (m*dh - sumDh - xHat.Data[idx]*sumDhH)
			}
		}
		return dx, GradBuffers{grad}, nil
	}
	return y, backward, nil
}

func (n *Normalization) inference(x tensor4d.General) (tensor4d.General, Backward, error) {
	gamma := n.param.Weight.Data
	beta := n.param.Bias.Data
	y := tensor4d.NewZerosLike(x)
	xHat := tensor4d.NewZerosLike(x)
	for i, e := range x.Data {
		c := n.channelOf(x, i)
		invStd := 1 / math32.Sqrt(n.runningVar[c]+normEpsilon)
		xHat.Data[i] = (e - n.runningMean[c]) * invStd
		y.Data[i] = gamma[c]*xHat.Data[i] + beta[c]
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		grad := n.param.NewGradZerosLike()
		dx := tensor4d.NewZerosLike(x)
		for i, dy := range chain.Data {
			c := n.channelOf(x, i)
			grad.Weight.Data[c] += dy * xHat.Data[i]
			grad.Bias.Data[c] += dy
			dx.Data[i] = dy * gamma[c] / math32.Sqrt(n.runningVar[c]+normEpsilon)
		}
		return dx, GradBuffers{grad}, nil
	}
	return y, backward, nil
}
