package math

import (
	"golang.org/x/exp/constraints"
)

func CentralDifference[X constraints.Float](plusY, minusY, h X) X {
	return (plusY - minusY) / (2.0 * h)
}

// NumericalGradient perturbs xs in place and restores every element before returning.
func NumericalGradient[X constraints.Float](xs []X, h X, f func() X) []X {
	grad := make([]X, len(xs))
	for i := range xs {
		tmp := xs[i]
		xs[i] = tmp + h
		plusY := f()

		xs[i] = tmp - h
		minusY := f()

		grad[i] = CentralDifference(plusY, minusY, h)
		xs[i] = tmp
	}
	return grad
}
