package warp_test

import (
	"errors"
	"testing"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	cmath "github.com/sw965/infomatch/math"
	crand "github.com/sw965/infomatch/math/rand"
	"github.com/sw965/infomatch/warp"
	"gonum.org/v1/gonum/mat"
)

func assertClose(t *testing.T, name string, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len %d != %d", name, len(got), len(want))
	}
	for i := range got {
		if d := math32.Abs(got[i] - want[i]); d > tol*(1+math32.Abs(want[i])) {
			t.Fatalf("%s[%d]: got %v, want %v", name, i, got[i], want[i])
		}
	}
}

func identityGrid(t *testing.T, batches, rows, cols int) tensor4d.General {
	t.Helper()
	grid, err := warp.IdentityGrid(batches, rows, cols)
	if err != nil {
		t.Fatal(err)
	}
	return grid
}

func TestIdentityGridReproducesImage(t *testing.T) {
	rng := crand.NewMt19937(1)
	img := tensor4d.NewUniform(2, 3, 7, 9, rng)
	grid := identityGrid(t, 2, 7, 9)
	y, _, err := warp.Resample(img, grid, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !y.SameShape(img) {
		t.Fatalf("shape %s, want %s", y.ShapeString(), img.ShapeString())
	}
	assertClose(t, "warped", y.Data, img.Data, 1e-5)
}

func TestResampleReplicatesBorder(t *testing.T) {
	rng := crand.NewMt19937(2)
	const batches, rows, cols = 3, 5, 6
	img := tensor4d.NewUniform(batches, 2, rows, cols, rng)

	for _, tc := range []struct {
		name   string
		x      float32
		srcCol int
	}{
		{"right", 3.0, cols - 1},
		{"left", -4.0, 0},
		{"far right", 1e6, cols - 1},
		{"beyond int range", 1e19, cols - 1},
		{"huge", 1e30, cols - 1},
		{"infinite", math32.Inf(1), cols - 1},
		{"far left", -1e30, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			grid := identityGrid(t, batches, rows, cols)
			for b := 0; b < batches; b++ {
				base := grid.At(b, 0, 0, 0)
				for i := 0; i < rows*cols; i++ {
					grid.Data[base+i] = tc.x
				}
			}
			y, _, err := warp.Resample(img, grid, 1)
			if err != nil {
				t.Fatal(err)
			}
			for b := 0; b < batches; b++ {
				for ch := 0; ch < img.Channels; ch++ {
					for r := 0; r < rows; r++ {
						want := img.Data[img.At(b, ch, r, tc.srcCol)]
						for c := 0; c < cols; c++ {
							if got := y.Data[y.At(b, ch, r, c)]; math32.Abs(got-want) > 1e-5 {
								t.Fatalf("batch %d ch %d (%d,%d): got %v, want edge %v", b, ch, r, c, got, want)
							}
						}
					}
				}
			}
		})
	}
}

func TestAffineGridTranslation(t *testing.T) {
	rng := crand.NewMt19937(3)
	const rows, cols = 4, 5
	img := tensor4d.NewUniform(1, 1, rows, cols, rng)
	theta := mat.NewDense(2, 3, []float64{
		1, 0, 2.0 / float64(cols-1),
		0, 1, 0,
	})
	grid, err := warp.AffineGrid([]*mat.Dense{theta}, 1, rows, cols)
	if err != nil {
		t.Fatal(err)
	}
	y, _, err := warp.Resample(img, grid, 1)
	if err != nil {
		t.Fatal(err)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			src := min(c+1, cols-1)
			want := img.Data[img.At(0, 0, r, src)]
			if got := y.Data[y.At(0, 0, r, c)]; math32.Abs(got-want) > 1e-5 {
				t.Errorf("(%d,%d): got %v, want %v", r, c, got, want)
			}
		}
	}
}

func TestAffineGridErrors(t *testing.T) {
	if _, err := warp.AffineGrid([]*mat.Dense{mat.NewDense(2, 3, nil)}, 2, 4, 4); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("batch count: got %v", err)
	}
	if _, err := warp.AffineGrid([]*mat.Dense{mat.NewDense(3, 3, nil)}, 1, 4, 4); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("matrix size: got %v", err)
	}
	if _, err := warp.AffineGrid([]*mat.Dense{nil}, 1, 4, 4); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("nil matrix: got %v", err)
	}
	for _, size := range [][3]int{{1, 0, 4}, {1, 4, 0}, {0, 4, 4}} {
		if _, err := warp.IdentityGrid(size[0], size[1], size[2]); !errors.Is(err, tensor4d.ErrShapeMismatch) {
			t.Errorf("identity grid %v: got %v", size, err)
		}
	}
}

func TestResampleShapeErrors(t *testing.T) {
	img := tensor4d.NewZeros(2, 3, 4, 4)
	if _, _, err := warp.Resample(img, tensor4d.NewZeros(2, 3, 4, 4), 1); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("3-channel grid: got %v", err)
	}
	if _, _, err := warp.Resample(img, identityGrid(t, 1, 4, 4), 1); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("batch mismatch: got %v", err)
	}
}

func TestResampleOutputTakesGridSize(t *testing.T) {
	img := tensor4d.NewOnes(1, 3, 8, 8)
	y, _, err := warp.Resample(img, identityGrid(t, 1, 3, 5), 1)
	if err != nil {
		t.Fatal(err)
	}
	if y.Shape() != [4]int{1, 3, 3, 5} {
		t.Errorf("shape %s", y.ShapeString())
	}
}

func TestResampleGrad(t *testing.T) {
	rng := crand.NewMt19937(4)
	const batches, chs, rows, cols = 2, 3, 5, 6
	img := tensor4d.NewNormal(batches, chs, rows, cols, 1.0, rng)

	// Pixel positions keep their fractional part inside [0.2, 0.8] so that a
	// small step never crosses a sampling cell. Some land outside the image.
	grid := tensor4d.NewZeros(batches, 2, rows, cols)
	for b := 0; b < batches; b++ {
		for i := 0; i < rows*cols; i++ {
			px := float32(rng.Intn(cols+2)-2) + 0.2 + 0.6*rng.Float32()
			py := float32(rng.Intn(rows+2)-2) + 0.2 + 0.6*rng.Float32()
			grid.Data[grid.At(b, 0, 0, 0)+i] = px/(0.5*float32(cols-1)) - 1
			grid.Data[grid.At(b, 1, 0, 0)+i] = py/(0.5*float32(rows-1)) - 1
		}
	}

	y, backward, err := warp.Resample(img, grid, 2)
	if err != nil {
		t.Fatal(err)
	}
	r := tensor4d.NewNormal(y.Batches, y.Channels, y.Rows, y.Cols, 1.0, rng)
	dImg, dGrid, err := backward(r)
	if err != nil {
		t.Fatal(err)
	}

	loss := func() float32 {
		y, _, err := warp.Resample(img, grid, 2)
		if err != nil {
			t.Fatal(err)
		}
		var sum float32
		for i, e := range y.Data {
			sum += e * r.Data[i]
		}
		return sum
	}
	assertClose(t, "dImg", dImg.Data, cmath.NumericalGradient(img.Data, 1e-2, loss), 2e-2)
	assertClose(t, "dGrid", dGrid.Data, cmath.NumericalGradient(grid.Data, 1e-3, loss), 3e-2)

	if _, _, err := backward(tensor4d.NewZeros(1, 1, 1, 1)); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("bad chain: got %v", err)
	}
}
