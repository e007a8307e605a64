package layer

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

// Parameter is one trainable slot. Layers hold Parameter values; the Data slices
// are shared, so an in-place update through Parameters is seen by the layer.
type Parameter struct {
	Weight blas32.General
	Bias   blas32.Vector
}

func (p *Parameter) NewGradZerosLike() GradBuffer {
	return GradBuffer{
		Weight: tensor2d.NewZerosLike(p.Weight),
		Bias:   vector.NewZerosLike(p.Bias),
	}
}

func (p *Parameter) Clone() Parameter {
	return Parameter{
		Weight: tensor2d.Clone(p.Weight),
		Bias:   vector.Clone(p.Bias),
	}
}

func (p *Parameter) AxpyGrad(alpha float32, grad *GradBuffer) {
	if p.Weight.Rows != 0 {
		tensor2d.Axpy(alpha, grad.Weight, p.Weight)
	}

	if p.Bias.N != 0 {
		blas32.Axpy(alpha, grad.Bias, p.Bias)
	}
}

func (p *Parameter) N() int {
	return tensor2d.N(p.Weight) + p.Bias.N
}

type Parameters []Parameter

func (ps Parameters) NewGradsZerosLike() GradBuffers {
	grads := make(GradBuffers, len(ps))
	for i, p := range ps {
		grads[i] = p.NewGradZerosLike()
	}
	return grads
}

func (ps Parameters) Clone() Parameters {
	clone := make(Parameters, len(ps))
	for i, p := range ps {
		clone[i] = p.Clone()
	}
	return clone
}

func (ps Parameters) AxpyGrads(alpha float32, grads GradBuffers) {
	for i, p := range ps {
		p.AxpyGrad(alpha, &grads[i])
	}
}

// CopyFrom overwrites the values of ps with src without reallocating.
func (ps Parameters) CopyFrom(src Parameters) error {
	if err := ps.check(len(src), func(i int) (int, int, int) {
		return src[i].Weight.Rows, src[i].Weight.Cols, src[i].Bias.N
	}); err != nil {
		return err
	}
	for i := range ps {
		copy(ps[i].Weight.Data, src[i].Weight.Data)
		copy(ps[i].Bias.Data, src[i].Bias.Data)
	}
	return nil
}

// CheckGrads reports whether grads can be applied to ps as a whole.
func (ps Parameters) CheckGrads(grads GradBuffers) error {
	return ps.check(len(grads), func(i int) (int, int, int) {
		return grads[i].Weight.Rows, grads[i].Weight.Cols, grads[i].Bias.N
	})
}

func (ps Parameters) check(n int, shape func(int) (int, int, int)) error {
	if len(ps) != n {
		return fmt.Errorf("%w: %d parameters, %d grads", tensor4d.ErrShapeMismatch, len(ps), n)
	}
	for i, p := range ps {
		rows, cols, bn := shape(i)
		if p.Weight.Rows != rows || p.Weight.Cols != cols || p.Bias.N != bn {
			return fmt.Errorf("%w: parameter %d is [%dx%d]+%d, grad [%dx%d]+%d",
				tensor4d.ErrShapeMismatch, i, p.Weight.Rows, p.Weight.Cols, p.Bias.N, rows, cols, bn)
		}
	}
	return nil
}

func (ps Parameters) N() int {
	n := 0
	for i := range ps {
		n += ps[i].N()
	}
	return n
}

type GradBuffer struct {
	Weight blas32.General
	Bias   blas32.Vector
}

func (g *GradBuffer) NewZerosLike() GradBuffer {
	return GradBuffer{
		Weight: tensor2d.NewZerosLike(g.Weight),
		Bias:   vector.NewZerosLike(g.Bias),
	}
}

func (g GradBuffer) Clone() GradBuffer {
	return GradBuffer{
		Weight: tensor2d.Clone(g.Weight),
		Bias:   vector.Clone(g.Bias),
	}
}

func (g *GradBuffer) Axpy(alpha float32, x *GradBuffer) {
	if x.Weight.Rows != 0 {
		tensor2d.Axpy(alpha, x.Weight, g.Weight)
	}

	if x.Bias.N != 0 {
		blas32.Axpy(alpha, x.Bias, g.Bias)
	}
}

func (g *GradBuffer) Scal(alpha float32) {
	if g.Weight.Rows != 0 {
		tensor2d.Scal(alpha, g.Weight)
	}

	if g.Bias.N != 0 {
		blas32.Scal(alpha, g.Bias)
	}
}

func (g *GradBuffer) IsFinite() bool {
	for _, e := range g.Weight.Data {
		if math32.IsNaN(e) || math32.IsInf(e, 0) {
			return false
		}
	}
	for _, e := range g.Bias.Data {
		if math32.IsNaN(e) || math32.IsInf(e, 0) {
			return false
		}
	}
	return true
}

type GradBuffers []GradBuffer

func (gs GradBuffers) NewZerosLike() GradBuffers {
	zeros := make(GradBuffers, len(gs))
	for i, g := range gs {
		zeros[i] = g.NewZerosLike()
	}
	return zeros
}

func (gs GradBuffers) Clone() GradBuffers {
	clone := make(GradBuffers, len(gs))
	for i, g := range gs {
		clone[i] = g.Clone()
	}
	return clone
}

func (gs GradBuffers) Axpy(alpha float32, xs GradBuffers) {
	for i := range gs {
		gs[i].Axpy(alpha, &xs[i])
	}
}

func (gs GradBuffers) Scal(alpha float32) {
	for i := range gs {
		gs[i].Scal(alpha)
	}
}

func (gs GradBuffers) IsFinite() bool {
	for i := range gs {
		if !gs[i].IsFinite() {
			return false
		}
	}
	return true
}
