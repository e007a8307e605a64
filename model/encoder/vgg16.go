package encoder

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/blas32/vector"
	"github.com/sw965/infomatch/encoding/safetensors"
	"github.com/sw965/infomatch/layer"
)

// vgg16Layers lists the VGG16 feature layers after the input, in order.
// A zero out count marks a 2x2 max pool.
var vgg16Layers = []struct {
	out   int
	torch int // index in torchvision's vgg16().features
}{
	{64, 0}, {64, 2}, {0, 4},
	{128, 5}, {128, 7}, {0, 9},
	{256, 10}, {256, 12}, {256, 14}, {0, 16},
	{512, 17}, {512, 19}, {512, 21}, {0, 23},
	{512, 24}, {512, 26}, {512, 28}, {0, 30},
}

type vggLayer struct {
	conv *layer.Conv2D
	l    layer.Layer
}

// VGG16 is the convolutional part of VGG16. Index 0 is the input, 1-2 the
// block1 convs, 3 its pool, and so on up to the block5 pool at 18.
type VGG16 struct {
	layers   []vggLayer
	channels []int
}

func NewVGG16(rng *rand.Rand, p int) *VGG16 {
	v := &VGG16{channels: []int{3}}
	in := 3
	for _, spec := range vgg16Layers {
		if spec.out == 0 {
			v.layers = append(v.layers, vggLayer{l: layer.MaxPool2D{Size: 2}})
			v.channels = append(v.channels, in)
			continue
		}
		conv := layer.NewConv2D(in, spec.out, 3, 1, tensor4d.Same, true, rng)
		conv.Parallel = p
		v.layers = append(v.layers, vggLayer{
			conv: conv,
			l:    layer.Sequential{conv, layer.Activation{Kind: layer.ReLU}},
		})
		v.channels = append(v.channels, spec.out)
		in = spec.out
	}
	return v
}

func (v *VGG16) NumLayers() int {
	return len(v.layers) + 1
}

func (v *VGG16) Channels(idx int) int {
	return v.channels[idx]
}

// LoadSafetensors reads torchvision-named weights (features.<i>.weight and
// features.<i>.bias) for every conv up to and including layer upto.
func (v *VGG16) LoadSafetensors(path string, upto int) error {
	tensors, err := safetensors.Load(path)
	if err != nil {
		return err
	}
	for i, spec := range vgg16Layers[:min(upto, len(vgg16Layers))] {
		conv := v.layers[i].conv
		if conv == nil {
			continue
		}
		wName := fmt.Sprintf("features.%d.weight", spec.torch)
		bName := fmt.Sprintf("features.%d.bias", spec.torch)
		w, ok := tensors[wName]
		if !ok {
			return fmt.Errorf("vgg16: %s missing from %s", wName, path)
		}
		b, ok := tensors[bName]
		if !ok {
			return fmt.Errorf("vgg16: %s missing from %s", bName, path)
		}
		if !slices.Equal(w.Shape, []int{conv.OutChannels, conv.InChannels, 3, 3}) || !slices.Equal(b.Shape, []int{conv.OutChannels}) {
			return fmt.Errorf("%w: vgg16 layer %d: weight %v, bias %v", tensor4d.ErrShapeMismatch, i+1, w.Shape, b.Shape)
		}

		param := layer.Parameter{
			Weight: tensor2d.NewZeros(conv.OutChannels, conv.InChannels*9),
			Bias:   vector.NewZeros(conv.OutChannels),
		}
		// [out, in, kh, kw] is already the row-major [out, in*kh*kw] kernel
		copy(param.Weight.Data, w.Data)
		copy(param.Bias.Data, b.Data)
		if err := conv.SetParameter(param); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of the conv weights, shallow to deep.
func (v *VGG16) Snapshot() layer.Parameters {
	var params layer.Parameters
	for _, vl := range v.layers {
		if vl.conv != nil {
			params = append(params, vl.conv.Parameters().Clone()...)
		}
	}
	return params
}

func (v *VGG16) Forward(x tensor4d.General, taps []int) ([]tensor4d.General, FeatureBackward, error) {
	if x.Channels != 3 {
		return nil, nil, fmt.Errorf("%w: vgg16 expects 3 channels, got %s", tensor4d.ErrShapeMismatch, x.ShapeString())
	}
	deepest := slices.Max(taps)
	if deepest >= v.NumLayers() || slices.Min(taps) < 0 {
		return nil, nil, fmt.Errorf("%w: taps %v outside [0, %d)", tensor4d.ErrShapeMismatch, taps, v.NumLayers())
	}

	outs := make([]tensor4d.General, deepest+1)
	backwards := make([]layer.Backward, deepest+1)
	outs[0] = x
	for i := 1; i <= deepest; i++ {
		var err error
		outs[i], backwards[i], err = v.layers[i-1].l.Forward(outs[i-1], false)
		if err != nil {
			return nil, nil, fmt.Errorf("vgg16 layer %d: %w", i, err)
		}
	}

	feats := make([]tensor4d.General, len(taps))
	for i, t := range taps {
		feats[i] = outs[t]
	}

	var backward FeatureBackward
	backward = func(chains []tensor4d.General) (tensor4d.General, error) {
		if len(chains) != len(taps) {
			return tensor4d.General{}, fmt.Errorf("%w: %d feature grads for %d taps", tensor4d.ErrShapeMismatch, len(chains), len(taps))
		}
		acc := make([]tensor4d.General, deepest+1)
		for i, t := range taps {
			if !chains[i].SameShape(outs[t]) {
				return tensor4d.General{}, fmt.Errorf("%w: feature grad %s at layer %d, want %s",
					tensor4d.ErrShapeMismatch, chains[i].ShapeString(), t, outs[t].ShapeString())
			}
			if acc[t].Data == nil {
				acc[t] = chains[i].Clone()
			} else {
				acc[t].Axpy(1.0, chains[i])
			}
		}

		chain := acc[deepest]
		for i := deepest; i >= 1; i-- {
			// the kernel gradients are discarded
			dx, _, err := backwards[i](chain)
			if err != nil {
				return tensor4d.General{}, fmt.Errorf("vgg16 layer %d: %w", i, err)
			}
			chain = dx
			if acc[i-1].Data != nil {
				chain.Axpy(1.0, acc[i-1])
			}
		}
		return chain, nil
	}
	return feats, backward, nil
}
