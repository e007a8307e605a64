package layer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/blas32/vector"
	"github.com/sw965/omw/parallel"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func heStd(fanIn int) float64 {
	return math.Sqrt(2.0 / float64(max(fanIn, 1)))
}

func workers(p, n int) int {
	return max(min(p, n), 1)
}

func addBias(y blas32.General, b blas32.Vector) {
	for ch := 0; ch < y.Rows; ch++ {
		row := y.Data[ch*y.Stride : ch*y.Stride+y.Cols]
		bias := b.Data[ch]
		for i := range row {
			row[i] += bias
		}
	}
}

func rowSums(chain blas32.General, dst []float32) {
	for ch := 0; ch < chain.Rows; ch++ {
		var sum float32
		for _, e := range chain.Data[ch*chain.Stride : ch*chain.Stride+chain.Cols] {
			sum += e
		}
		dst[ch] += sum
	}
}

func sumGrads(grads []GradBuffer, param *Parameter) GradBuffer {
	total := param.NewGradZerosLike()
	for i := range grads {
		total.Axpy(1.0, &grads[i])
	}
	return total
}

// Conv2D is a strided 2D convolution computed as im2col followed by GEMM.
// Weight is [OutChannels, InChannels*FilterRows*FilterCols].
type Conv2D struct {
	InChannels  int
	OutChannels int
	FilterRows  int
	FilterCols  int
	Stride      int
	Padding     tensor4d.Padding
	Parallel    int

	param Parameter
}

func NewConv2D(inChs, outChs, filterSize, stride int, padding tensor4d.Padding, useBias bool, rng *rand.Rand) *Conv2D {
	bias := vector.Empty()
	if useBias {
		bias = vector.NewZeros(outChs)
	}
	return &Conv2D{
		InChannels:  inChs,
		OutChannels: outChs,
		FilterRows:  filterSize,
		FilterCols:  filterSize,
		Stride:      stride,
		Padding:     padding,
		Parallel:    1,
		param: Parameter{
			Weight: tensor2d.NewHe(outChs, inChs*filterSize*filterSize, rng),
			Bias:   bias,
		},
	}
}

func (c *Conv2D) Parameters() Parameters {
	return Parameters{c.param}
}

// SetParameter replaces the kernel, e.g. with pretrained values.
func (c *Conv2D) SetParameter(param Parameter) error {
	k := c.InChannels * c.FilterRows * c.FilterCols
	if param.Weight.Rows != c.OutChannels || param.Weight.Cols != k {
		return fmt.Errorf("%w: kernel [%dx%d], want [%dx%d]",
			tensor4d.ErrShapeMismatch, param.Weight.Rows, param.Weight.Cols, c.OutChannels, k)
	}
	if param.Bias.N != c.param.Bias.N {
		return fmt.Errorf("%w: bias %d, want %d", tensor4d.ErrShapeMismatch, param.Bias.N, c.param.Bias.N)
	}
	c.param = param
	return nil
}

func (c *Conv2D) Forward(x tensor4d.General, _ bool) (tensor4d.General, Backward, error) {
	if x.Channels != c.InChannels {
		return tensor4d.General{}, nil, fmt.Errorf("%w: conv expects %d channels, got %s",
			tensor4d.ErrShapeMismatch, c.InChannels, x.ShapeString())
	}
	g, err := tensor4d.NewConvGeometry(x.Rows, x.Cols, c.FilterRows, c.FilterCols, c.Stride, c.Padding)
	if err != nil {
		return tensor4d.General{}, nil, err
	}

	w := c.param.Weight
	b := c.param.Bias
	y := tensor4d.NewZeros(x.Batches, c.OutChannels, g.OutRows, g.OutCols)
	cols := make([]blas32.General, x.Batches)

	err = parallel.For(x.Batches, workers(c.Parallel, x.Batches), func(_, idx int) error {
		col := tensor4d.Im2Col(x, idx, g)
		cols[idx] = col
		yb := y.Item(idx)
		if b.N != 0 {
			addBias(yb, b)
		}
		blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, w, col, 1.0, yb)
		return nil
	})
	if err != nil {
		return tensor4d.General{}, nil, err
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		if !chain.SameShape(y) {
			return tensor4d.General{}, nil, fmt.Errorf("%w: conv grad %s, want %s",
				tensor4d.ErrShapeMismatch, chain.ShapeString(), y.ShapeString())
		}
		dx := tensor4d.NewZerosLike(x)
		grads := make([]GradBuffer, x.Batches)

		err := parallel.For(x.Batches, workers(c.Parallel, x.Batches), func(_, idx int) error {
			cb := chain.Item(idx)
			grad := c.param.NewGradZerosLike()
			// ∂L/∂w
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, cb, cols[idx], 0.0, grad.Weight)
			// ∂L/∂b
			if b.N != 0 {
				rowSums(cb, grad.Bias.Data)
			}
			// ∂L/∂x
			dCol := tensor2d.NewZeros(cols[idx].Rows, cols[idx].Cols)
			blas32.Gemm(blas.Trans, blas.NoTrans, 1.0, cb, w, 0.0, dCol)
			tensor4d.Col2Im(dCol, dx, idx, g)
			grads[idx] = grad
			return nil
		})
		if err != nil {
			return tensor4d.General{}, nil, err
		}
		return dx, GradBuffers{sumGrads(grads, &c.param)}, nil
	}
	return y, backward, nil
}

// ConvTranspose2D is the adjoint of a "same" strided convolution: the output is
// Stride times larger than the input. Weight is [InChannels, OutChannels*FilterRows*FilterCols].
type ConvTranspose2D struct {
	InChannels  int
	OutChannels int
	FilterRows  int
	FilterCols  int
	Stride      int
	Parallel    int

	param Parameter
}

func NewConvTranspose2D(inChs, outChs, filterSize, stride int, useBias bool, rng *rand.Rand) *ConvTranspose2D {
	bias := vector.Empty()
	if useBias {
		bias = vector.NewZeros(outChs)
	}
	k := outChs * filterSize * filterSize
	return &ConvTranspose2D{
		InChannels:  inChs,
		OutChannels: outChs,
		FilterRows:  filterSize,
		FilterCols:  filterSize,
		Stride:      stride,
		Parallel:    1,
		param: Parameter{
			// each output pixel is fed by about inChs*k*k/stride² taps
			Weight: tensor2d.NewNormal(inChs, k, heStd(inChs*filterSize*filterSize/(stride*stride)), rng),
			Bias:   bias,
		},
	}
}

func (c *ConvTranspose2D) Parameters() Parameters {
	return Parameters{c.param}
}

func (c *ConvTranspose2D) Forward(x tensor4d.General, _ bool) (tensor4d.General, Backward, error) {
	if x.Channels != c.InChannels {
		return tensor4d.General{}, nil, fmt.Errorf("%w: transposed conv expects %d channels, got %s",
			tensor4d.ErrShapeMismatch, c.InChannels, x.ShapeString())
	}
	g, err := tensor4d.NewConvGeometry(x.Rows*c.Stride, x.Cols*c.Stride, c.FilterRows, c.FilterCols, c.Stride, tensor4d.Same)
	if err != nil {
		return tensor4d.General{}, nil, err
	}

	w := c.param.Weight
	b := c.param.Bias
	y := tensor4d.NewZeros(x.Batches, c.OutChannels, g.InRows, g.InCols)

	err = parallel.For(x.Batches, workers(c.Parallel, x.Batches), func(_, idx int) error {
		col := tensor2d.NewZeros(x.Rows*x.Cols, w.Cols)
		blas32.Gemm(blas.Trans, blas.NoTrans, 1.0, x.Item(idx), w, 0.0, col)
		tensor4d.Col2Im(col, y, idx, g)
		if b.N != 0 {
			addBias(y.Item(idx), b)
		}
		return nil
	})
	if err != nil {
		return tensor4d.General{}, nil, err
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		if !chain.SameShape(y) {
			return tensor4d.General{}, nil, fmt.Errorf("%w: transposed conv grad %s, want %s",
				tensor4d.ErrShapeMismatch, chain.ShapeString(), y.ShapeString())
		}
		dx := tensor4d.NewZerosLike(x)
		grads := make([]GradBuffer, x.Batches)

		err := parallel.For(x.Batches, workers(c.Parallel, x.Batches), func(_, idx int) error {
			dCol := tensor4d.Im2Col(chain, idx, g)
			grad := c.param.NewGradZerosLike()
			// ∂L/∂w
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, x.Item(idx), dCol, 0.0, grad.Weight)
			// ∂L/∂b
			if b.N != 0 {
				rowSums(chain.Item(idx), grad.Bias.Data)
			}
			// ∂L/∂x
			blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, w, dCol, 0.0, dx.Item(idx))
			grads[idx] = grad
			return nil
		})
		if err != nil {
			return tensor4d.General{}, nil, err
		}
		return dx, GradBuffers{sumGrads(grads, &c.param)}, nil
	}
	return y, backward, nil
}
