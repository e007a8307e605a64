package tensor4d

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas/blas32"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// General is a batch of channel-major images: [Batches][Channels][Rows][Cols].
type General struct {
	Batches       int
	Channels      int
	Rows          int
	Cols          int
	BatchStride   int
	ChannelStride int
	RowStride     int
	Data          []float32
}

func NewZeros(batches, chs, rows, cols int) General {
	rowStride := cols
	chStride := rows * rowStride
	batchStride := chs * chStride
	n := batches * batchStride

	return General{
		Batches:       batches,
		Channels:      chs,
		Rows:          rows,
		Cols:          cols,
		BatchStride:   batchStride,
		ChannelStride: chStride,
		RowStride:     rowStride,
		Data:          make([]float32, n),
	}
}

func NewZerosLike(gen General) General {
	return NewZeros(gen.Batches, gen.Channels, gen.Rows, gen.Cols)
}

func NewOnes(batches, chs, rows, cols int) General {
	gen := NewZeros(batches, chs, rows, cols)
	for i := range gen.Data {
		gen.Data[i] = 1.0
	}
	return gen
}

func NewNormal(batches, chs, rows, cols int, std float64, rng *rand.Rand) General {
	gen := NewZeros(batches, chs, rows, cols)
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

func NewUniform(batches, chs, rows, cols int, rng *rand.Rand) General {
	gen := NewZeros(batches, chs, rows, cols)
	for i := range gen.Data {
		gen.Data[i] = rng.Float32()
	}
	return gen
}

func NewHe(batches, chs, rows, cols int, rng *rand.Rand) General {
	fanIn := float64(chs * rows * cols)
	return NewNormal(batches, chs, rows, cols, math.Sqrt(2.0/fanIn), rng)
}

func (g General) N() int {
	return g.Batches * g.Channels * g.Rows * g.Cols
}

func (g General) Clone() General {
	return General{
		Batches:       g.Batches,
		Channels:      g.Channels,
		Rows:          g.Rows,
		Cols:          g.Cols,
		BatchStride:   g.BatchStride,
		ChannelStride: g.ChannelStride,
		RowStride:     g.RowStride,
		Data:          slices.Clone(g.Data),
	}
}

func (g General) At(batch, ch, row, col int) int {
	return (batch * g.BatchStride) + (ch * g.ChannelStride) + (row * g.RowStride) + col
}

func (g General) Shape() [4]int {
	return [4]int{g.Batches, g.Channels, g.Rows, g.Cols}
}

func (g General) SameShape(other General) bool {
	return g.Shape() == other.Shape()
}

func (g General) ShapeString() string {
	return fmt.Sprintf("[%d %d %d %d]", g.Batches, g.Channels, g.Rows, g.Cols)
}

func (g General) ToVector() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: g.Data,
	}
}

// Item returns batch b as a [Channels, Rows*Cols] matrix sharing g's storage.
func (g General) Item(b int) blas32.General {
	start := b * g.BatchStride
	return blas32.General{
		Rows:   g.Channels,
		Cols:   g.Rows * g.Cols,
		Stride: g.ChannelStride,
		Data:   g.Data[start : start+g.BatchStride],
	}
}

func (g General) Axpy(alpha float32, x General) {
	blas32.Axpy(alpha, x.ToVector(), g.ToVector())
}

func (g General) Scal(alpha float32) {
	blas32.Scal(alpha, g.ToVector())
}

func Add(a, b General) (General, error) {
	if !a.SameShape(b) {
		return General{}, fmt.Errorf("%w: %s + %s", ErrShapeMismatch, a.ShapeString(), b.ShapeString())
	}
	y := a.Clone()
	y.Axpy(1.0, b)
	return y, nil
}

func (g General) IsFinite() bool {
	for _, e := range g.Data {
		if math32.IsNaN(e) || math32.IsInf(e, 0) {
			return false
		}
	}
	return true
}

// ConcatChannels stacks xs along the channel axis.
func ConcatChannels(xs ...General) (General, error) {
	if len(xs) == 0 {
		return General{}, fmt.Errorf("%w: nothing to concatenate", ErrShapeMismatch)
	}
	first := xs[0]
	chs := 0
	for _, x := range xs {
		if x.Batches != first.Batches || x.Rows != first.Rows || x.Cols != first.Cols {
			return General{}, fmt.Errorf("%w: concat %s with %s", ErrShapeMismatch, first.ShapeString(), x.ShapeString())
		}
		chs += x.Channels
	}

	y := NewZeros(first.Batches, chs, first.Rows, first.Cols)
	for b := 0; b < y.Batches; b++ {
		offset := y.At(b, 0, 0, 0)
		for _, x := range xs {
			n := x.Channels * x.ChannelStride
			src := x.At(b, 0, 0, 0)
			copy(y.Data[offset:offset+n], x.Data[src:src+n])
			offset += n
		}
	}
	return y, nil
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

// ReflectPad mirrors the border without repeating the edge pixel.
func ReflectPad(x General, pad int) (General, error) {
	if pad >= x.Rows || pad >= x.Cols {
		return General{}, fmt.Errorf("%w: reflect pad %d on %s", ErrShapeMismatch, pad, x.ShapeString())
	}
	y := NewZeros(x.Batches, x.Channels, x.Rows+2*pad, x.Cols+2*pad)
	for b := 0; b < x.Batches; b++ {
		for ch := 0; ch < x.Channels; ch++ {
			for row := 0; row < y.Rows; row++ {
				srcRow := reflectIndex(row-pad, x.Rows)
				for col := 0; col < y.Cols; col++ {
					srcCol := reflectIndex(col-pad, x.Cols)
					y.Data[y.At(b, ch, row, col)] = x.Data[x.At(b, ch, srcRow, srcCol)]
				}
			}
		}
	}
	return y, nil
}

// ReflectPadGrad folds the gradient of a padded tensor back onto the unpadded shape.
func ReflectPadGrad(chain General, pad int) General {
	dx := NewZeros(chain.Batches, chain.Channels, chain.Rows-2*pad, chain.Cols-2*pad)
	for b := 0; b < chain.Batches; b++ {
		for ch := 0; ch < chain.Channels; ch++ {
			for row := 0; row < chain.Rows; row++ {
				dstRow := reflectIndex(row-pad, dx.Rows)
				for col := 0; col < chain.Cols; col++ {
					dstCol := reflectIndex(col-pad, dx.Cols)
					dx.Data[dx.At(b, ch, dstRow, dstCol)] += chain.Data[chain.At(b, ch, row, col)]
				}
			}
		}
	}
	return dx
}
