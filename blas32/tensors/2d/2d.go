// Package tensors2d applies tensor2d operations element-wise over lists of
// matrices, such as one matrix per feature depth.
package tensors2d

import (
	"fmt"

	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZerosLike(gens []blas32.General) []blas32.General {
	zeros := make([]blas32.General, len(gens))
	for i, gen := range gens {
		zeros[i] = tensor2d.NewZerosLike(gen)
	}
	return zeros
}

func Clone(gens []blas32.General) []blas32.General {
	clone := make([]blas32.General, len(gens))
	for i, gen := range gens {
		clone[i] = tensor2d.Clone(gen)
	}
	return clone
}

// SameShapes reports the first index at which xs and ys disagree.
func SameShapes(xs, ys []blas32.General) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("%w: %d matrices, %d matrices", tensor4d.ErrShapeMismatch, len(xs), len(ys))
	}
	for i, x := range xs {
		if !tensor2d.SameShape(x, ys[i]) {
			return fmt.Errorf("%w: matrix %d: [%dx%d], [%dx%d]",
				tensor4d.ErrShapeMismatch, i, x.Rows, x.Cols, ys[i].Rows, ys[i].Cols)
		}
	}
	return nil
}

func Axpy(alpha float32, xs, ys []blas32.General) error {
	if err := SameShapes(xs, ys); err != nil {
		return err
	}
	for i, x := range xs {
		tensor2d.Axpy(alpha, x, ys[i])
	}
	return nil
}

func Scal(alpha float32, ys []blas32.General) {
	for _, y := range ys {
		tensor2d.Scal(alpha, y)
	}
}
