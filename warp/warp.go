// Package warp resamples images along a sampling grid with bilinear
// interpolation. Grids hold (x, y) in normalized coordinates, [-1, 1] spanning
// the first to the last pixel centre, as a two-channel tensor: channel 0 is x,
// channel 1 is y.
package warp

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/omw/parallel"
	"gonum.org/v1/gonum/mat"
)

// Backward returns ∂L/∂img and ∂L/∂grid for ∂L/∂warped.
type Backward func(tensor4d.General) (tensor4d.General, tensor4d.General, error)

type corner struct {
	idx    [4]int // (x0,y0) (x0,y1) (x1,y0) (x1,y1), clipped
	weight [4]float32
	dx     float32 // x - x0, unclipped
	dy     float32
}

func clip(v, hi int) int {
	return min(max(v, 0), hi)
}

// Resample reads img at grid positions. Coordinates beyond the border read the
// nearest edge pixel. The output has img's channels and grid's rows and cols.
func Resample(img, grid tensor4d.General, p int) (tensor4d.General, Backward, error) {
	if grid.Channels != 2 {
		return tensor4d.General{}, nil, fmt.Errorf("%w: grid must have 2 channels, got %s",
			tensor4d.ErrShapeMismatch, grid.ShapeString())
	}
	if grid.Batches != img.Batches {
		return tensor4d.General{}, nil, fmt.Errorf("%w: grid %s for image %s",
			tensor4d.ErrShapeMismatch, grid.ShapeString(), img.ShapeString())
	}

	maxX := img.Cols - 1
	maxY := img.Rows - 1
	scaleX := 0.5 * float32(maxX)
	scaleY := 0.5 * float32(maxY)
	plane := grid.Rows * grid.Cols
	corners := make([]corner, grid.Batches*plane)
	y := tensor4d.NewZeros(img.Batches, img.Channels, grid.Rows, grid.Cols)

	err := parallel.For(img.Batches, max(min(p, img.Batches), 1), func(_, b int) error {
		xs := grid.Data[grid.At(b, 0, 0, 0) : grid.At(b, 0, 0, 0)+plane]
		ys := grid.Data[grid.At(b, 1, 0, 0) : grid.At(b, 1, 0, 0)+plane]
		for i := 0; i < plane; i++ {
			// [-1, 1] -> [0, W-1], [0, H-1]
			px := (xs[i] + 1.0) * scaleX
			py := (ys[i] + 1.0) * scaleY
			// one pixel past the border already reads only the edge
			px = min(max(px, -1), float32(maxX+1))
			py = min(max(py, -1), float32(maxY+1))
			fx := math32.Floor(px)
			fy := math32.Floor(py)
			x0, y0 := int(fx), int(fy)
			x1, y1 := x0+1, y0+1
			dx := px - fx
			dy := py - fy

			cx0, cx1 := clip(x0, maxX), clip(x1, maxX)
			cy0, cy1 := clip(y0, maxY), clip(y1, maxY)
			c := corner{
				idx: [4]int{
					cy0*img.RowStride + cx0,
					cy1*img.RowStride + cx0,
					cy0*img.RowStride + cx1,
					cy1*img.RowStride + cx1,
				},
				weight: [4]float32{
					(1 - dx) * (1 - dy),
					(1 - dx) * dy,
					dx * (1 - dy),
					dx * dy,
				},
				dx: dx,
				dy: dy,
			}
			corners[b*plane+i] = c

			for ch := 0; ch < img.Channels; ch++ {
				base := img.At(b, ch, 0, 0)
				var v float32
				for k := 0; k < 4; k++ {
					v += c.weight[k] * img.Data[base+c.idx[k]]
				}
				y.Data[y.At(b, ch, 0, 0)+i] = v
			}
		}
		return nil
	})
	if err != nil {
		return tensor4d.General{}, nil, err
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, tensor4d.General, error) {
		if !chain.SameShape(y) {
			return tensor4d.General{}, tensor4d.General{}, fmt.Errorf("%w: resample grad %s, want %s",
				tensor4d.ErrShapeMismatch, chain.ShapeString(), y.ShapeString())
		}
		dImg := tensor4d.NewZerosLike(img)
		dGrid := tensor4d.NewZerosLike(grid)

		err := parallel.For(img.Batches, max(min(p, img.Batches), 1), func(_, b int) error {
			for i := 0; i < plane; i++ {
				c := corners[b*plane+i]
				var gx, gy float32
				for ch := 0; ch < img.Channels; ch++ {
					g := chain.Data[chain.At(b, ch, 0, 0)+i]
					base := img.At(b, ch, 0, 0)
					ia := img.Data[base+c.idx[0]]
					ib := img.Data[base+c.idx[1]]
					ic := img.Data[base+c.idx[2]]
					id := img.Data[base+c.idx[3]]
					// ∂L/∂img
					for k := 0; k < 4; k++ {
						dImg.Data[base+c.idx[k]] += c.weight[k] * g
					}
					// ∂L/∂px, ∂L/∂py
					gx += g * ((1-c.dy)*(ic-ia) + c.dy*(id-ib))
					gy += g * ((1-c.dx)*(ib-ia) + c.dx*(id-ic))
				}
				dGrid.Data[dGrid.At(b, 0, 0, 0)+i] = gx * scaleX
				dGrid.Data[dGrid.At(b, 1, 0, 0)+i] = gy * scaleY
			}
			return nil
		})
		if err != nil {
			return tensor4d.General{}, tensor4d.General{}, err
		}
		return dImg, dGrid, nil
	}
	return y, backward, nil
}

// AffineGrid maps the homogeneous normalized grid through one 2x3 matrix per
// batch item. A nil thetas yields the identity grid.
func AffineGrid(thetas []*mat.Dense, batches, rows, cols int) (tensor4d.General, error) {
	if batches <= 0 || rows <= 0 || cols <= 0 {
		return tensor4d.General{}, fmt.Errorf("%w: grid of %d batches, %dx%d",
			tensor4d.ErrShapeMismatch, batches, rows, cols)
	}
	if thetas != nil && len(thetas) != batches {
		return tensor4d.General{}, fmt.Errorf("%w: %d affine matrices for %d batches",
			tensor4d.ErrShapeMismatch, len(thetas), batches)
	}
	for b, theta := range thetas {
		if theta == nil {
			return tensor4d.General{}, fmt.Errorf("%w: affine matrix %d is nil", tensor4d.ErrShapeMismatch, b)
		}
	}

	n := rows * cols
	homogeneous := mat.NewDense(3, n, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			i := r*cols + c
			homogeneous.Set(0, i, linspace(c, cols))
			homogeneous.Set(1, i, linspace(r, rows))
			homogeneous.Set(2, i, 1)
		}
	}

	identity := mat.NewDense(2, 3, []float64{
		1, 0, 0,
		0, 1, 0,
	})

	grid := tensor4d.NewZeros(batches, 2, rows, cols)
	var transformed mat.Dense
	for b := 0; b < batches; b++ {
		theta := identity
		if thetas != nil {
			theta = thetas[b]
		}
		if tr, tc := theta.Dims(); tr != 2 || tc != 3 {
			return tensor4d.General{}, fmt.Errorf("%w: affine matrix %d is %dx%d, want 2x3",
				tensor4d.ErrShapeMismatch, b, tr, tc)
		}
		transformed.Reset()
		transformed.Mul(theta, homogeneous)
		for ch := 0; ch < 2; ch++ {
			base := grid.At(b, ch, 0, 0)
			for i := 0; i < n; i++ {
				grid.Data[base+i] = float32(transformed.At(ch, i))
			}
		}
	}
	return grid, nil
}

func IdentityGrid(batches, rows, cols int) (tensor4d.General, error) {
	return AffineGrid(nil, batches, rows, cols)
}

func linspace(i, n int) float64 {
	if n == 1 {
		return 0
	}
	return -1.0 + 2.0*float64(i)/float64(n-1)
}
