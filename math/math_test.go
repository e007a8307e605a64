package math_test

import (
	"testing"

	cmath "github.com/sw965/infomatch/math"
)

func TestNumericalGradient(t *testing.T) {
	xs := []float64{10, 20, 30, 40}
	target := 50.0
	f := func() float64 {
		y := 0.0
		for _, x := range xs {
			y += x
		}
		return 0.5 * (y - target) * (y - target)
	}

	grad := cmath.NumericalGradient(xs, 0.0001, f)
	// ∂L/∂x_i = Σx - t = 50
	for i, g := range grad {
		if d := g - 50.0; d > 1e-4 || d < -1e-4 {
			t.Errorf("grad[%d] = %v, want 50", i, g)
		}
	}

	if xs[0] != 10 || xs[3] != 40 {
		t.Errorf("xs was not restored: %v", xs)
	}
}
