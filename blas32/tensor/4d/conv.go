package tensor4d

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

type Padding string

const (
	Valid Padding = "valid"
	Same  Padding = "same"
)

// ConvGeometry maps an input plane to the output plane of a strided convolution.
// Input positions outside [0, InRows)x[0, InCols) read as zero.
type ConvGeometry struct {
	InRows     int
	InCols     int
	OutRows    int
	OutCols    int
	FilterRows int
	FilterCols int
	Stride     int
	PadTop     int
	PadLeft    int
}

func convOutputLength(in, k, stride int, padding Padding) (int, int, error) {
	switch padding {
	case Valid:
		if in < k {
			return 0, 0, fmt.Errorf("%w: input %d smaller than filter %d", ErrShapeMismatch, in, k)
		}
		return (in-k)/stride + 1, 0, nil
	case Same:
		out := (in + stride - 1) / stride
		total := max((out-1)*stride+k-in, 0)
		return out, total / 2, nil
	default:
		return 0, 0, fmt.Errorf("unknown padding %q", padding)
	}
}

func NewConvGeometry(inRows, inCols, filterRows, filterCols, stride int, padding Padding) (ConvGeometry, error) {
	if stride <= 0 {
		return ConvGeometry{}, fmt.Errorf("stride must be positive, got %d", stride)
	}
	outRows, padTop, err := convOutputLength(inRows, filterRows, stride, padding)
	if err != nil {
		return ConvGeometry{}, err
	}
	outCols, padLeft, err := convOutputLength(inCols, filterCols, stride, padding)
	if err != nil {
		return ConvGeometry{}, err
	}
	return ConvGeometry{
		InRows:     inRows,
		InCols:     inCols,
		OutRows:    outRows,
		OutCols:    outCols,
		FilterRows: filterRows,
		FilterCols: filterCols,
		Stride:     stride,
		PadTop:     padTop,
		PadLeft:    padLeft,
	}, nil
}

// Im2Col unrolls batch item b into [OutRows*OutCols, Channels*FilterRows*FilterCols].
func Im2Col(x General, b int, g ConvGeometry) blas32.General {
	chs := x.Channels
	k := chs * g.FilterRows * g.FilterCols
	col := blas32.General{
		Rows:   g.OutRows * g.OutCols,
		Cols:   k,
		Stride: k,
		Data:   make([]float32, g.OutRows*g.OutCols*k),
	}

	idx := 0
	for or := 0; or < g.OutRows; or++ {
		baseRow := or*g.Stride - g.PadTop
		for oc := 0; oc < g.OutCols; oc++ {
			baseCol := oc*g.Stride - g.PadLeft
			for ch := 0; ch < chs; ch++ {
				for fr := 0; fr < g.FilterRows; fr++ {
					row := baseRow + fr
					for fc := 0; fc < g.FilterCols; fc++ {
						c := baseCol + fc
						if row >= 0 && row < g.InRows && c >= 0 && c < g.InCols {
							col.Data[idx] = x.Data[x.At(b, ch, row, c)]
						}
						idx++
					}
				}
			}
		}
	}
	return col
}

// Col2Im is the adjoint of Im2Col: it scatter-adds col into batch item b of dst.
func Col2Im(col blas32.General, dst General, b int, g ConvGeometry) {
	chs := dst.Channels
	idx := 0
	for or := 0; or < g.OutRows; or++ {
		baseRow := or*g.Stride - g.PadTop
		for oc := 0; oc < g.OutCols; oc++ {
			baseCol := oc*g.Stride - g.PadLeft
			for ch := 0; ch < chs; ch++ {
				for fr := 0; fr < g.FilterRows; fr++ {
					row := baseRow + fr
					for fc := 0; fc < g.FilterCols; fc++ {
						c := baseCol + fc
						if row >= 0 && row < g.InRows && c >= 0 && c < g.InCols {
							dst.Data[dst.At(b, ch, row, c)] += col.Data[idx]
						}
						idx++
					}
				}
			}
		}
	}
}
