// Package optimizer applies gradients to layer.Parameters in place. Every
// update checks all gradient shapes first, so a rejected update leaves the
// parameters untouched.
package optimizer

import (
	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/layer"
)

type Optimizer interface {
	Update(params layer.Parameters, grads layer.GradBuffers) error
}

type Momentum struct {
	LearningRate float32
	Momentum     float32

	velocity layer.GradBuffers
}

func NewMomentum(params layer.Parameters) *Momentum {
	return &Momentum{
		LearningRate: 0.01,
		Momentum:     0.9,
		velocity:     params.NewGradsZerosLike(),
	}
}

func (opt *Momentum) Update(params layer.Parameters, grads layer.GradBuffers) error {
	if err := params.CheckGrads(grads); err != nil {
		return err
	}
	if opt.velocity == nil {
		opt.velocity = params.NewGradsZerosLike()
	}
	for i := range params {
		v := opt.velocity[i]
		for j, g := range grads[i].Weight.Data {
			v.Weight.Data[j] = (opt.Momentum * v.Weight.Data[j]) - (opt.LearningRate * g)
			params[i].Weight.Data[j] += v.Weight.Data[j]
		}
		for j, g := range grads[i].Bias.Data {
			v.Bias.Data[j] = (opt.Momentum * v.Bias.Data[j]) - (opt.LearningRate * g)
			params[i].Bias.Data[j] += v.Bias.Data[j]
		}
	}
	return nil
}

type Adam struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32

	iter int
	m    layer.GradBuffers
	v    layer.GradBuffers
}

// NewAdam の 1次/2次モーメントは params と同じ形状で 0 初期化される。
func NewAdam(params layer.Parameters) *Adam {
	return &Adam{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		m:            params.NewGradsZerosLike(),
		v:            params.NewGradsZerosLike(),
	}
}

func (a *Adam) Iter() int {
	return a.iter
}

func (a *Adam) Update(params layer.Parameters, grads layer.GradBuffers) error {
	if err := params.CheckGrads(grads); err != nil {
		return err
	}
	if len(a.m) == 0 {
		a.m = params.NewGradsZerosLike()
		a.v = params.NewGradsZerosLike()
	}

	a.iter++
	beta1, beta2 := a.Beta1, a.Beta2
	lrt := a.LearningRate *
		math32.Sqrt(1-math32.Pow(beta2, float32(a.iter))) /
		(1 - math32.Pow(beta1, float32(a.iter)))

	step := func(w, m, v, g []float32) {
		for j, gj := range g {
			m[j] += (1 - beta1) * (gj - m[j])
			v[j] += (1 - beta2) * (gj*gj - v[j])
			w[j] -= lrt * m[j] / (math32.Sqrt(v[j]) + a.Epsilon)
		}
	}
	for i := range grads {
		step(params[i].Weight.Data, a.m[i].Weight.Data, a.v[i].Weight.Data, grads[i].Weight.Data)
		step(params[i].Bias.Data, a.m[i].Bias.Data, a.v[i].Bias.Data, grads[i].Bias.Data)
	}
	return nil
}
