// Package patch gathers feature vectors at sampled spatial locations and
// projects them through a per-depth two-layer head onto the unit sphere.
package patch

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/2d"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/layer"
	crand "github.com/sw965/infomatch/math/rand"
	"gonum.org/v1/gonum/blas/blas32"
)

const (
	initStd   = 0.02
	l2Epsilon = 1e-10
)

// Backward receives ∂L/∂embeddings per depth and returns ∂L/∂features per
// depth plus the head gradients in Parameters() order.
type Backward func([]blas32.General) ([]tensor4d.General, layer.GradBuffers, error)

type head struct {
	channels int
	hidden   layer.Parameter
	out      layer.Parameter
}

type Sampler struct {
	Units      int
	NumPatches int

	mu    sync.Mutex
	rng   *rand.Rand
	heads map[int]*head
}

func New(units, numPatches int, seed int64) *Sampler {
	return &Sampler{
		Units:      units,
		NumPatches: numPatches,
		rng:        crand.NewMt19937(seed),
	}
}

// Build creates one head per depth for the given channel counts. Calling it
// again has no effect.
func (s *Sampler) Build(channels []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.build(channels)
}

func (s *Sampler) build(channels []int) {
	if s.heads != nil {
		return
	}
	s.heads = make(map[int]*head, len(channels))
	for d, c := range channels {
		s.heads[d] = &head{
			channels: c,
			hidden:   layer.NewDenseParameter(c, s.Units, initStd, s.rng),
			out:      layer.NewDenseParameter(s.Units, s.Units, initStd, s.rng),
		}
	}
}

func (s *Sampler) Built() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heads != nil
}

// Parameters returns hidden then output parameters for each depth, shallow
// to deep. It is empty before the heads are built.
func (s *Sampler) Parameters() layer.Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	params := make(layer.Parameters, 0, 2*len(s.heads))
	for d := 0; d < len(s.heads); d++ {
		h := s.heads[d]
		params = append(params, h.hidden, h.out)
	}
	return params
}

func (s *Sampler) headsFor(feats []tensor4d.General) ([]*head, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heads == nil {
		channels := make([]int, len(feats))
		for d, f := range feats {
			channels[d] = f.Channels
		}
		s.build(channels)
	}
	if len(feats) != len(s.heads) {
		return nil, fmt.Errorf("%w: %d feature maps for %d heads", tensor4d.ErrShapeMismatch, len(feats), len(s.heads))
	}
	heads := make([]*head, len(feats))
	for d, f := range feats {
		h := s.heads[d]
		if f.Channels != h.channels {
			return nil, fmt.Errorf("%w: depth %d has %d channels, head built for %d",
				tensor4d.ErrShapeMismatch, d, f.Channels, h.channels)
		}
		heads[d] = h
	}
	return heads, nil
}

// gather copies feat[b, :, id] into row b*len(ids)+i.
func gather(feat tensor4d.General, ids []int) blas32.General {
	x := tensor2d.NewZeros(feat.Batches*len(ids), feat.Channels)
	for b := 0; b < feat.Batches; b++ {
		for i, id := range ids {
			row := x.Data[(b*len(ids)+i)*x.Stride:]
			for c := 0; c < feat.Channels; c++ {
				row[c] = feat.Data[feat.At(b, c, 0, 0)+id]
			}
		}
	}
	return x
}

func scatter(dx blas32.General, like tensor4d.General, ids []int) tensor4d.General {
	dFeat := tensor4d.NewZerosLike(like)
	for b := 0; b < like.Batches; b++ {
		for i, id := range ids {
			row := dx.Data[(b*len(ids)+i)*dx.Stride:]
			for c := 0; c < like.Channels; c++ {
				dFeat.Data[dFeat.At(b, c, 0, 0)+id] += row[c]
			}
		}
	}
	return dFeat
}

// l2Normalize returns x / sqrt(Σx² + ε) per row and the row norms.
func l2Normalize(x blas32.General) (blas32.General, []float32) {
	y := tensor2d.NewZerosLike(x)
	norms := make([]float32, x.Rows)
	for r := 0; r < x.Rows; r++ {
		src := x.Data[r*x.Stride : r*x.Stride+x.Cols]
		var sq float32
		for _, e := range src {
			sq += e * e
		}
		norms[r] = math32.Sqrt(sq + l2Epsilon)
		dst := y.Data[r*y.Stride : r*y.Stride+y.Cols]
		for i, e := range src {
			dst[i] = e / norms[r]
		}
	}
	return y, norms
}

func l2NormalizeGrad(chain, y blas32.General, norms []float32) blas32.General {
	dx := tensor2d.NewZerosLike(chain)
	for r := 0; r < chain.Rows; r++ {
		g := chain.Data[r*chain.Stride : r*chain.Stride+chain.Cols]
		yr := y.Data[r*y.Stride : r*y.Stride+y.Cols]
		var dot float32
		for i, e := range g {
			dot += e * yr[i]
		}
		dst := dx.Data[r*dx.Stride : r*dx.Stride+dx.Cols]
		for i, e := range g {
			dst[i] = (e - yr[i]*dot) / norms[r]
		}
	}
	return dx
}

// Sample embeds feats at patchIDs. A nil entry (or nil patchIDs) draws
// min(NumPatches, rows*cols) fresh locations from rng; supplied ids are
// reused verbatim. The same ids apply to every batch item.
func (s *Sampler) Sample(feats []tensor4d.General, patchIDs [][]int, rng *rand.Rand) ([]blas32.General, [][]int, Backward, error) {
	if patchIDs != nil && len(patchIDs) != len(feats) {
		return nil, nil, nil, fmt.Errorf("%w: %d id sets for %d feature maps",
			tensor4d.ErrShapeMismatch, len(patchIDs), len(feats))
	}
	heads, err := s.headsFor(feats)
	if err != nil {
		return nil, nil, nil, err
	}

	depths := len(feats)
	ids := make([][]int, depths)
	embeddings := make([]blas32.General, depths)
	norms := make([][]float32, depths)
	hiddenBackwards := make([]layer.RowBackward, depths)
	outBackwards := make([]layer.RowBackward, depths)

	for d, feat := range feats {
		plane := feat.Rows * feat.Cols
		if patchIDs == nil || patchIDs[d] == nil {
			ids[d] = crand.PermPrefix(plane, s.NumPatches, rng)
		} else {
			for _, id := range patchIDs[d] {
				if id < 0 || id >= plane {
					return nil, nil, nil, fmt.Errorf("%w: patch id %d outside %dx%d feature map",
						tensor4d.ErrShapeMismatch, id, feat.Rows, feat.Cols)
				}
			}
			ids[d] = patchIDs[d]
		}

		x := gather(feat, ids[d])
		h, hiddenBackward, err := layer.DenseForward(x, heads[d].hidden, true)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("depth %d: %w", d, err)
		}
		z, outBackward, err := layer.DenseForward(h, heads[d].out, false)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("depth %d: %w", d, err)
		}
		embeddings[d], norms[d] = l2Normalize(z)
		hiddenBackwards[d] = hiddenBackward
		outBackwards[d] = outBackward
	}

	var backward Backward
	backward = func(chains []blas32.General) ([]tensor4d.General, layer.GradBuffers, error) {
		if len(chains) != depths {
			return nil, nil, fmt.Errorf("%w: %d embedding grads for %d depths", tensor4d.ErrShapeMismatch, len(chains), depths)
		}
		dFeats := make([]tensor4d.General, depths)
		grads := make(layer.GradBuffers, 0, 2*depths)
		for d, chain := range chains {
			if !tensor2d.SameShape(chain, embeddings[d]) {
				return nil, nil, fmt.Errorf("%w: depth %d embedding grad [%dx%d], want [%dx%d]",
					tensor4d.ErrShapeMismatch, d, chain.Rows, chain.Cols, embeddings[d].Rows, embeddings[d].Cols)
			}
			dz := l2NormalizeGrad(chain, embeddings[d], norms[d])
			dh, outGrad, err := outBackwards[d](dz)
			if err != nil {
				return nil, nil, err
			}
			dx, hiddenGrad, err := hiddenBackwards[d](dh)
			if err != nil {
				return nil, nil, err
			}
			dFeats[d] = scatter(dx, feats[d], ids[d])
			grads = append(grads, hiddenGrad, outGrad)
		}
		return dFeats, grads, nil
	}
	return embeddings, ids, backward, nil
}
