package layer

import (
	"fmt"
	"math/rand"

	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/vector"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// RowBackward is the Backward of a layer acting on the rows of a matrix.
type RowBackward func(blas32.General) (blas32.General, GradBuffer, error)

// NewDenseParameter returns an [in, out] kernel drawn from N(0, std²) and a zero bias.
func NewDenseParameter(in, out int, std float64, rng *rand.Rand) Parameter {
	return Parameter{
		Weight: tensor2d.NewNormal(in, out, std, rng),
		Bias:   vector.NewZeros(out),
	}
}

// DenseForward computes x·W + b for every row of x, optionally followed by ReLU.
func DenseForward(x blas32.General, param Parameter, relu bool) (blas32.General, RowBackward, error) {
	w := param.Weight
	if x.Cols != w.Rows {
		return blas32.General{}, nil, fmt.Errorf("dense expects %d features, got %d", w.Rows, x.Cols)
	}

	y := tensor2d.NewZeros(x.Rows, w.Cols)
	for r := 0; r < y.Rows; r++ {
		copy(y.Data[r*y.Stride:r*y.Stride+y.Cols], param.Bias.Data)
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, x, w, 1.0, y)

	var mask []bool
	if relu {
		mask = make([]bool, len(y.Data))
		for i, e := range y.Data {
			if e > 0 {
				mask[i] = true
			} else {
				y.Data[i] = 0
			}
		}
	}

	var backward RowBackward
	backward = func(chain blas32.General) (blas32.General, GradBuffer, error) {
		if !tensor2d.SameShape(chain, y) {
			return blas32.General{}, GradBuffer{}, fmt.Errorf("dense grad [%dx%d], want [%dx%d]",
				chain.Rows, chain.Cols, y.Rows, y.Cols)
		}
		if relu {
			masked := tensor2d.Clone(chain)
			for i, m := range mask {
				if !m {
					masked.Data[i] = 0
				}
			}
			chain = masked
		}

		grad := param.NewGradZerosLike()
		// ∂L/∂w
		blas32.Gemm(blas.Trans, blas.NoTrans, 1.0, x, chain, 0.0, grad.Weight)
		// ∂L/∂b
		for r := 0; r < chain.Rows; r++ {
			row := chain.Data[r*chain.Stride : r*chain.Stride+chain.Cols]
			for c, e := range row {
				grad.Bias.Data[c] += e
			}
		}
		// ∂L/∂x
		dx := tensor2d.NewZeros(x.Rows, x.Cols)
		blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, chain, w, 0.0, dx)
		return dx, grad, nil
	}
	return y, backward, nil
}
