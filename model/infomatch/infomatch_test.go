package infomatch_test

import (
	"bytes"
	"errors"
	"log"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/chewxy/math32"
	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/config"
	crand "github.com/sw965/infomatch/math/rand"
	"github.com/sw965/infomatch/model/encoder"
	"github.com/sw965/infomatch/model/infomatch"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Base = 32
	cfg.NumDownsamples = 2
	cfg.NumResblocks = 2
	cfg.NCELayers = []int{1, 4}
	cfg.Units = 32
	cfg.NumPatches = 64
	cfg.Parallel = 2
	return cfg
}

func newModel(t *testing.T, cfg config.Config) (*infomatch.Model, *encoder.VGG16) {
	t.Helper()
	vgg := encoder.NewVGG16(crand.NewMt19937(100), cfg.Parallel)
	m, err := infomatch.NewWithBackbone(cfg, vgg)
	if err != nil {
		t.Fatal(err)
	}
	return m, vgg
}

func newBatch(seed int64, batches, rows, cols int) infomatch.Batch {
	rng := crand.NewMt19937(seed)
	return infomatch.Batch{
		Source: tensor4d.NewUniform(batches, 3, rows, cols, rng),
		Target: tensor4d.NewUniform(batches, 3, rows, cols, rng),
	}
}

func TestTrainStep(t *testing.T) {
	m, vgg := newModel(t, testConfig())
	var logs bytes.Buffer
	m.Logger = log.New(&logs, "", 0)

	encoderBefore := vgg.Snapshot()
	params := m.Parameters()
	before := params.Clone()

	metrics, err := m.TrainStep(newBatch(1, 1, 64, 64))
	if err != nil {
		t.Fatal(err)
	}
	loss, ok := metrics[infomatch.LossKey]
	if !ok {
		t.Fatalf("metrics %v lack %q", metrics, infomatch.LossKey)
	}
	if loss < 0 || math32.IsNaN(loss) || math32.IsInf(loss, 0) {
		t.Errorf("loss = %v", loss)
	}

	if slices.Equal(params[0].Weight.Data, before[0].Weight.Data) {
		t.Errorf("first predictor kernel did not change")
	}
	last := len(params) - 1
	if slices.Equal(params[last].Weight.Data, before[last].Weight.Data) {
		t.Errorf("patch head did not change")
	}

	encoderAfter := vgg.Snapshot()
	for i := range encoderBefore {
		if !slices.Equal(encoderBefore[i].Weight.Data, encoderAfter[i].Weight.Data) ||
			!slices.Equal(encoderBefore[i].Bias.Data, encoderAfter[i].Bias.Data) {
			t.Fatalf("encoder conv %d changed", i)
		}
	}

	if m.Steps() != 1 {
		t.Errorf("steps = %d", m.Steps())
	}
	if !strings.Contains(logs.String(), "step 1: infonce") {
		t.Errorf("log output %q", logs.String())
	}
}

func TestTestStepLeavesParameters(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	m, _ := newModel(t, cfg)
	params := m.Parameters()
	before := params.Clone()

	metrics, err := m.TestStep(newBatch(2, 2, 32, 32))
	if err != nil {
		t.Fatal(err)
	}
	if loss := metrics[infomatch.LossKey]; loss < 0 || math32.IsNaN(loss) {
		t.Errorf("loss = %v", loss)
	}
	for i := range params {
		if !slices.Equal(params[i].Weight.Data, before[i].Weight.Data) {
			t.Fatalf("parameter %d changed", i)
		}
	}
	if m.Steps() != 0 {
		t.Errorf("steps = %d", m.Steps())
	}
}

func TestTrainStepRejectsNonFinite(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	m, _ := newModel(t, cfg)
	params := m.Parameters()
	before := params.Clone()

	batch := newBatch(3, 1, 32, 32)
	batch.Source.Data[0] = math32.NaN()
	if _, err := m.TrainStep(batch); !errors.Is(err, infomatch.ErrNonFinite) {
		t.Fatalf("got %v", err)
	}
	for i := range params {
		if !slices.Equal(params[i].Weight.Data, before[i].Weight.Data) {
			t.Fatalf("parameter %d changed", i)
		}
	}
}

func TestShapeErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	m, _ := newModel(t, cfg)

	a := newBatch(4, 1, 32, 32)
	b := newBatch(5, 1, 32, 16)
	if _, err := m.TrainStep(infomatch.Batch{Source: a.Source, Target: b.Target}); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("mismatched pair: got %v", err)
	}
	odd := newBatch(6, 1, 30, 30)
	if _, err := m.TestStep(odd); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("indivisible size: got %v", err)
	}
	gray := infomatch.Batch{Source: tensor4d.NewZeros(1, 1, 32, 32), Target: tensor4d.NewZeros(1, 1, 32, 32)}
	if _, err := m.TestStep(gray); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("1-channel images: got %v", err)
	}
}

func TestNewRejectsOutOfRangeLayer(t *testing.T) {
	cfg := testConfig()
	cfg.NCELayers = []int{1, 40}
	if _, err := infomatch.New(cfg); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("got %v", err)
	}
}

func TestWarp(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	m, _ := newModel(t, cfg)
	batch := newBatch(7, 2, 16, 16)
	warped, err := m.Warp(batch.Source, batch.Target)
	if err != nil {
		t.Fatal(err)
	}
	if !warped.SameShape(batch.Source) || !warped.IsFinite() {
		t.Errorf("warped %s", warped.ShapeString())
	}
}

func TestConcurrentStepsAreSerialized(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	m, _ := newModel(t, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			if _, err := m.TrainStep(newBatch(seed, 1, 16, 16)); err != nil {
				t.Error(err)
			}
		}(int64(10 + i))
	}
	wg.Wait()
	if m.Steps() != 3 {
		t.Errorf("steps = %d", m.Steps())
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	path := filepath.Join(t.TempDir(), "ckpt.safetensors")

	a, _ := newModel(t, cfg)
	if _, err := a.TrainStep(newBatch(8, 1, 16, 16)); err != nil {
		t.Fatal(err)
	}
	if err := a.SaveCheckpoint(path); err != nil {
		t.Fatal(err)
	}

	cfg.Seed = 99
	b, _ := newModel(t, cfg)
	if err := b.LoadCheckpoint(path); err != nil {
		t.Fatal(err)
	}
	pa, pb := a.Parameters(), b.Parameters()
	for i := range pa {
		if !slices.Equal(pa[i].Weight.Data, pb[i].Weight.Data) || !slices.Equal(pa[i].Bias.Data, pb[i].Bias.Data) {
			t.Fatalf("parameter %d differs after load", i)
		}
	}

	cfg.Base = 4
	c, _ := newModel(t, cfg)
	if err := c.LoadCheckpoint(path); !errors.Is(err, tensor4d.ErrShapeMismatch) {
		t.Errorf("loading into a smaller model: got %v", err)
	}
}

func TestCheckpointKeepsBatchNormStats(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	cfg.Norm = "batch"
	path := filepath.Join(t.TempDir(), "bn.safetensors")

	a, _ := newModel(t, cfg)
	for i := 0; i < 3; i++ {
		if _, err := a.TrainStep(newBatch(int64(20+i), 2, 16, 16)); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.SaveCheckpoint(path); err != nil {
		t.Fatal(err)
	}

	cfg.Seed = 7
	b, _ := newModel(t, cfg)
	if err := b.LoadCheckpoint(path); err != nil {
		t.Fatal(err)
	}
	batch := newBatch(30, 2, 16, 16)
	wa, err := a.Warp(batch.Source, batch.Target)
	if err != nil {
		t.Fatal(err)
	}
	wb, err := b.Warp(batch.Source, batch.Target)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(wa.Data, wb.Data) {
		t.Errorf("warp differs after loading batch-norm statistics")
	}

	cfg.Norm = "instance"
	c, _ := newModel(t, cfg)
	instancePath := filepath.Join(t.TempDir(), "in.safetensors")
	if err := c.SaveCheckpoint(instancePath); err != nil {
		t.Fatal(err)
	}
	cfg.Norm = "batch"
	d, _ := newModel(t, cfg)
	before := d.Parameters().Clone()
	if err := d.LoadCheckpoint(instancePath); err == nil {
		t.Fatalf("expected an error for missing running statistics")
	}
	after := d.Parameters()
	for i := range before {
		if !slices.Equal(before[i].Weight.Data, after[i].Weight.Data) {
			t.Fatalf("parameter %d changed by a rejected load", i)
		}
	}
}

func TestTrainStepWithMomentum(t *testing.T) {
	cfg := testConfig()
	cfg.Base = 8
	cfg.Optimizer = config.OptimizerMomentum
	cfg.LearningRate = 1
	m, _ := newModel(t, cfg)
	params := m.Parameters()
	before := params.Clone()

	if _, err := m.TrainStep(newBatch(40, 1, 16, 16)); err != nil {
		t.Fatal(err)
	}
	last := len(params) - 1
	if slices.Equal(params[last].Weight.Data, before[last].Weight.Data) {
		t.Errorf("patch head did not change")
	}
}
