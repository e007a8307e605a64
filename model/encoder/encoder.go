// Package encoder extracts multi-depth feature maps from a frozen backbone.
// Gradients flow through the backbone to its input; its weights never change.
package encoder

import (
	"fmt"
	"slices"

	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/config"
)

// FeatureBackward receives one gradient per tapped feature map, in tap order,
// and returns the gradient with respect to the backbone input.
type FeatureBackward func([]tensor4d.General) (tensor4d.General, error)

type Backbone interface {
	// Forward evaluates the backbone up to the deepest tap and returns the
	// output of every tapped layer, index 0 being the input itself.
	Forward(x tensor4d.General, taps []int) ([]tensor4d.General, FeatureBackward, error)
	// NumLayers counts layers including the input at index 0.
	NumLayers() int
	Channels(idx int) int
}

type Encoder struct {
	backbone Backbone
	taps     []int
}

func New(backbone Backbone, taps []int) (*Encoder, error) {
	if len(taps) == 0 {
		return nil, fmt.Errorf("%w: no feature layers selected", config.ErrInvalidConfig)
	}
	for _, t := range taps {
		if t < 0 || t >= backbone.NumLayers() {
			return nil, fmt.Errorf("%w: feature layer %d outside [0, %d)", config.ErrInvalidConfig, t, backbone.NumLayers())
		}
	}
	return &Encoder{backbone: backbone, taps: slices.Clone(taps)}, nil
}

func (e *Encoder) Layers() []int {
	return slices.Clone(e.taps)
}

// Channels returns the channel count of each tapped feature map.
func (e *Encoder) Channels() []int {
	chs := make([]int, len(e.taps))
	for i, t := range e.taps {
		chs[i] = e.backbone.Channels(t)
	}
	return chs
}

func (e *Encoder) Extract(img tensor4d.General) ([]tensor4d.General, error) {
	feats, _, err := e.backbone.Forward(img, e.taps)
	return feats, err
}

func (e *Encoder) Forward(img tensor4d.General) ([]tensor4d.General, FeatureBackward, error) {
	return e.backbone.Forward(img, e.taps)
}
