package layer

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/4d"
)

// MaxPool2D takes the maximum over non-overlapping Size×Size windows. Trailing
// rows or cols that do not fill a window are dropped.
type MaxPool2D struct {
	Size int
}

func (m MaxPool2D) Forward(x tensor4d.General, _ bool) (tensor4d.General, Backward, error) {
	outRows, outCols := x.Rows/m.Size, x.Cols/m.Size
	if outRows == 0 || outCols == 0 {
		return tensor4d.General{}, nil, fmt.Errorf("%w: %dx%d pool on %s",
			tensor4d.ErrShapeMismatch, m.Size, m.Size, x.ShapeString())
	}

	y := tensor4d.NewZeros(x.Batches, x.Channels, outRows, outCols)
	// argmax[i] is the flat index in x that produced y.Data[i]
	argmax := make([]int, len(y.Data))
	for b := 0; b < x.Batches; b++ {
		for c := 0; c < x.Channels; c++ {
			for r := 0; r < outRows; r++ {
				for col := 0; col < outCols; col++ {
					maxVal := float32(-math32.MaxFloat32)
					maxPos := 0
					for kr := 0; kr < m.Size; kr++ {
						for kc := 0; kc < m.Size; kc++ {
							idx := x.At(b, c, r*m.Size+kr, col*m.Size+kc)
							if v := x.Data[idx]; v > maxVal {
								maxVal = v
								maxPos = idx
							}
						}
					}
					i := y.At(b, c, r, col)
					y.Data[i] = maxVal
					argmax[i] = maxPos
				}
			}
		}
	}

	var backward Backward
	backward = func(chain tensor4d.General) (tensor4d.General, GradBuffers, error) {
		if !chain.SameShape(y) {
			return tensor4d.General{}, nil, fmt.Errorf("%w: pool grad %s, want %s",
				tensor4d.ErrShapeMismatch, chain.ShapeString(), y.ShapeString())
		}
		dx := tensor4d.NewZerosLike(x)
		for i, e := range chain.Data {
			dx.Data[argmax[i]] += e
		}
		return dx, nil, nil
	}
	return y, backward, nil
}

func (m MaxPool2D) Parameters() Parameters {
	return nil
}
