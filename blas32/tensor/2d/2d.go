package tensor2d

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewZerosLike(gen blas32.General) blas32.General {
	return NewZeros(gen.Rows, gen.Cols)
}

func NewOnes(rows, cols int) blas32.General {
	gen := NewZeros(rows, cols)
	for i := range gen.Data {
		gen.Data[i] = 1.0
	}
	return gen
}

func NewNormal(rows, cols int, std float64, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

// NewHe treats Cols as the fan-in, matching the [out, in] layout of conv kernels.
func NewHe(rows, cols int, rng *rand.Rand) blas32.General {
	return NewNormal(rows, cols, math.Sqrt(2.0/float64(cols)), rng)
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func Scal(alpha float32, gen blas32.General) {
	blas32.Scal(alpha, ToVector(gen))
}

func Axpy(alpha float32, x, y blas32.General) {
	blas32.Axpy(alpha, ToVector(x), ToVector(y))
}

func SameShape(a, b blas32.General) bool {
	return a.Rows == b.Rows && a.Cols == b.Cols
}

func Transpose(gen blas32.General) blas32.General {
	t := NewZeros(gen.Cols, gen.Rows)
	for i := range t.Rows {
		for j := range t.Cols {
			t.Data[At(t, i, j)] = gen.Data[At(gen, j, i)]
		}
	}
	return t
}

func Dot(tA, tB blas.Transpose, a, b blas32.General) blas32.General {
	rows, cols := a.Rows, b.Cols
	if tA == blas.Trans {
		rows = a.Cols
	}
	if tB == blas.Trans {
		cols = b.Rows
	}
	y := NewZeros(rows, cols)
	blas32.Gemm(tA, tB, 1.0, a, b, 0.0, y)
	return y
}

// Rows gathers the given rows into a new matrix.
func Rows(gen blas32.General, idxs []int) blas32.General {
	y := NewZeros(len(idxs), gen.Cols)
	for i, idx := range idxs {
		src := idx * gen.Stride
		copy(y.Data[i*y.Stride:i*y.Stride+y.Cols], gen.Data[src:src+gen.Cols])
	}
	return y
}

// Block returns rows [start, start+n) as a view sharing gen's storage.
func Block(gen blas32.General, start, n int) blas32.General {
	return blas32.General{
		Rows:   n,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   gen.Data[start*gen.Stride : (start+n-1)*gen.Stride+gen.Cols],
	}
}
