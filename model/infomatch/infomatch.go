// Package infomatch trains a coordinate predictor that warps a source image
// onto a target image, scored by patch-wise InfoNCE between frozen encoder
// features of the warped source and the target.
package infomatch

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"slices"
	"sync"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/config"
	"github.com/sw965/infomatch/layer"
	crand "github.com/sw965/infomatch/math/rand"
	"github.com/sw965/infomatch/model/coord"
	"github.com/sw965/infomatch/model/encoder"
	"github.com/sw965/infomatch/model/nce"
	"github.com/sw965/infomatch/model/patch"
	"github.com/sw965/infomatch/optimizer"
	"github.com/sw965/infomatch/warp"
)

var ErrNonFinite = errors.New("non-finite loss or gradient")

const LossKey = "infonce"

type Batch struct {
	Source tensor4d.General
	Target tensor4d.General
}

type Metrics map[string]float32

// Model owns every trainable parameter. Steps are serialized; parameters and
// running statistics change only when a whole training step succeeds.
type Model struct {
	Config config.Config
	// Logger, when set, receives one line per training step.
	Logger *log.Logger

	predictor *coord.Predictor
	encoder   *encoder.Encoder
	sampler   *patch.Sampler
	optimizer optimizer.Optimizer

	mu    sync.Mutex
	rng   *rand.Rand
	steps int
}

// New builds a model on a VGG16 backbone, loading cfg.BackboneWeights when set.
func New(cfg config.Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vgg := encoder.NewVGG16(crand.NewMt19937(cfg.Seed+1), cfg.Parallel)
	m, err := NewWithBackbone(cfg, vgg)
	if err != nil {
		return nil, err
	}
	if cfg.BackboneWeights != "" {
		if err := vgg.LoadSafetensors(cfg.BackboneWeights, slices.Max(cfg.NCELayers)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func NewWithBackbone(cfg config.Config, backbone encoder.Backbone) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := crand.NewMt19937(cfg.Seed)
	predictor, err := coord.New(cfg, 3, rng)
	if err != nil {
		return nil, err
	}
	enc, err := encoder.New(backbone, cfg.NCELayers)
	if err != nil {
		return nil, err
	}
	sampler := patch.New(cfg.Units, cfg.NumPatches, cfg.Seed+2)
	sampler.Build(enc.Channels())

	m := &Model{
		Config:    cfg,
		predictor: predictor,
		encoder:   enc,
		sampler:   sampler,
		rng:       rng,
	}
	m.optimizer = newOptimizer(cfg, m.Parameters())
	return m, nil
}

func newOptimizer(cfg config.Config, params layer.Parameters) optimizer.Optimizer {
	if cfg.Optimizer == config.OptimizerMomentum {
		opt := optimizer.NewMomentum(params)
		opt.LearningRate = cfg.LearningRate
		opt.Momentum = cfg.Momentum
		return opt
	}
	adam := optimizer.NewAdam(params)
	adam.LearningRate = cfg.LearningRate
	adam.Beta1 = cfg.Beta1
	adam.Beta2 = cfg.Beta2
	return adam
}

// Parameters lists the predictor parameters followed by the patch heads.
// The encoder has none.
func (m *Model) Parameters() layer.Parameters {
	return slices.Concat(m.predictor.Parameters(), m.sampler.Parameters())
}

func (m *Model) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

func checkBatch(batch Batch) error {
	if !batch.Source.SameShape(batch.Target) {
		return fmt.Errorf("%w: source %s, target %s",
			tensor4d.ErrShapeMismatch, batch.Source.ShapeString(), batch.Target.ShapeString())
	}
	if batch.Source.Channels != 3 {
		return fmt.Errorf("%w: images must have 3 channels, got %s",
			tensor4d.ErrShapeMismatch, batch.Source.ShapeString())
	}
	return nil
}

type forwardResult struct {
	loss     float32
	backward func() (layer.GradBuffers, error)
}

func (m *Model) forward(batch Batch, training bool) (forwardResult, error) {
	src, tgt := batch.Source, batch.Target
	if err := checkBatch(batch); err != nil {
		return forwardResult{}, err
	}

	offset, predictorBackward, err := m.predictor.Forward(src, tgt, training)
	if err != nil {
		return forwardResult{}, fmt.Errorf("coordinate predictor: %w", err)
	}
	field, err := warp.IdentityGrid(src.Batches, src.Rows, src.Cols)
	if err != nil {
		return forwardResult{}, err
	}
	field.Axpy(1.0, offset)

	warped, resampleBackward, err := warp.Resample(src, field, m.Config.Parallel)
	if err != nil {
		return forwardResult{}, fmt.Errorf("resample: %w", err)
	}

	targetFeats, err := m.encoder.Extract(tgt)
	if err != nil {
		return forwardResult{}, fmt.Errorf("encode target: %w", err)
	}
	warpedFeats, featBackward, err := m.encoder.Forward(warped)
	if err != nil {
		return forwardResult{}, fmt.Errorf("encode warped source: %w", err)
	}

	k, ids, kBackward, err := m.sampler.Sample(targetFeats, nil, m.rng)
	if err != nil {
		return forwardResult{}, fmt.Errorf("sample target patches: %w", err)
	}
	q, _, qBackward, err := m.sampler.Sample(warpedFeats, ids, m.rng)
	if err != nil {
		return forwardResult{}, fmt.Errorf("sample warped patches: %w", err)
	}

	loss, lossBackward, err := nce.Loss(q, k, src.Batches, m.Config.Temperature)
	if err != nil {
		return forwardResult{}, fmt.Errorf("infonce: %w", err)
	}

	backward := func() (layer.GradBuffers, error) {
		dq, dk, err := lossBackward(1.0)
		if err != nil {
			return nil, err
		}
		dWarpedFeats, headGrads, err := qBackward(dq)
		if err != nil {
			return nil, err
		}
		// target features are constants; only the heads see this branch
		_, targetHeadGrads, err := kBackward(dk)
		if err != nil {
			return nil, err
		}
		headGrads.Axpy(1.0, targetHeadGrads)

		dWarped, err := featBackward(dWarpedFeats)
		if err != nil {
			return nil, err
		}
		_, dField, err := resampleBackward(dWarped)
		if err != nil {
			return nil, err
		}
		// ∂field/∂offset is the identity
		_, predictorGrads, err := predictorBackward(dField)
		if err != nil {
			return nil, err
		}
		return slices.Concat(predictorGrads, headGrads), nil
	}
	return forwardResult{loss: loss, backward: backward}, nil
}

// TrainStep runs one forward/backward pass and one optimizer update.
func (m *Model) TrainStep(batch Batch) (Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.forward(batch, true)
	if err != nil {
		return nil, err
	}
	if math32.IsNaN(res.loss) || math32.IsInf(res.loss, 0) {
		return nil, fmt.Errorf("%w: loss = %v", ErrNonFinite, res.loss)
	}
	grads, err := res.backward()
	if err != nil {
		return nil, err
	}

	params := m.Parameters()
	if err := params.CheckGrads(grads); err != nil {
		return nil, err
	}
	for i := range grads {
		if !grads[i].IsFinite() {
			return nil, fmt.Errorf("%w: gradient %d", ErrNonFinite, i)
		}
	}
	if err := m.optimizer.Update(params, grads); err != nil {
		return nil, err
	}
	m.predictor.Commit()

	m.steps++
	if m.Logger != nil {
		m.Logger.Printf("step %d: %s %.5f", m.steps, LossKey, res.loss)
	}
	return Metrics{LossKey: res.loss}, nil
}

// TestStep evaluates the loss without updating anything.
func (m *Model) TestStep(batch Batch) (Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := m.forward(batch, false)
	if err != nil {
		return nil, err
	}
	return Metrics{LossKey: res.loss}, nil
}

// Warp returns the source resampled along the predicted field.
func (m *Model) Warp(source, target tensor4d.General) (tensor4d.General, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkBatch(Batch{Source: source, Target: target}); err != nil {
		return tensor4d.General{}, err
	}
	offset, err := m.predictor.Predict(source, target)
	if err != nil {
		return tensor4d.General{}, err
	}
	field, err := warp.IdentityGrid(source.Batches, source.Rows, source.Cols)
	if err != nil {
		return tensor4d.General{}, err
	}
	field.Axpy(1.0, offset)
	warped, _, err := warp.Resample(source, field, m.Config.Parallel)
	return warped, err
}
