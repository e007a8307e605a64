package coord_test

import (
	"errors"
	"testing"

	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/config"
	crand "github.com/sw965/infomatch/math/rand"
	"github.com/sw965/infomatch/model/coord"
)

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.Base = 4
	cfg.NumDownsamples = 2
	cfg.NumResblocks = 1
	cfg.Parallel = 2
	return cfg
}

func TestPredictShape(t *testing.T) {
	rng := crand.NewMt19937(1)
	for _, norm := range []string{"instance", "batch", "layer", "none"} {
		cfg := smallConfig()
		cfg.Norm = norm
		p, err := coord.New(cfg, 3, rng)
		if err != nil {
			t.Fatal(err)
		}
		a := tensor4d.NewUniform(2, 3, 16, 12, rng)
		b := tensor4d.NewUniform(2, 3, 16, 12, rng)
		y, err := p.Predict(a, b)
		if err != nil {
			t.Fatalf("%s: %v", norm, err)
		}
		if y.Shape() != [4]int{2, 2, 16, 12} {
			t.Errorf("%s: shape %s", norm, y.ShapeString())
		}
		if !y.IsFinite() {
			t.Errorf("%s: non-finite offsets", norm)
		}
	}
}

func TestPredict64(t *testing.T) {
	rng := crand.NewMt19937(2)
	cfg := config.Default()
	cfg.Base = 8
	cfg.NumDownsamples = 2
	cfg.NumResblocks = 2
	p, err := coord.New(cfg, 3, rng)
	if err != nil {
		t.Fatal(err)
	}
	a := tensor4d.NewUniform(1, 3, 64, 64, rng)
	y, err := p.Predict(a, a)
	if err != nil {
		t.Fatal(err)
	}
	if y.Shape() != [4]int{1, 2, 64, 64} {
		t.Errorf("shape %s", y.ShapeString())
	}
}

func TestForwardBackwardGradCount(t *testing.T) {
	rng := crand.NewMt19937(3)
	p, err := coord.New(smallConfig(), 1, rng)
	if err != nil {
		t.Fatal(err)
	}
	a := tensor4d.NewUniform(1, 1, 8, 8, rng)
	y, backward, err := p.Forward(a, a, true)
	if err != nil {
		t.Fatal(err)
	}
	_, grads, err := backward(tensor4d.NewOnes(y.Batches, y.Channels, y.Rows, y.Cols))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Parameters().CheckGrads(grads); err != nil {
		t.Error(err)
	}
}

func TestShapeErrors(t *testing.T) {
	rng := crand.NewMt19937(4)
	p, err := coord.New(smallConfig(), 3, rng)
	if err != nil {
		t.Fatal(err)
	}
	cases := map[string][2]tensor4d.General{
		"mismatch":    {tensor4d.NewZeros(1, 3, 16, 16), tensor4d.NewZeros(1, 3, 16, 8)},
		"indivisible": {tensor4d.NewZeros(1, 3, 18, 16), tensor4d.NewZeros(1, 3, 18, 16)},
		"too small":   {tensor4d.NewZeros(1, 3, 4, 4), tensor4d.NewZeros(1, 3, 4, 4)},
	}
	for name, c := range cases {
		if _, err := p.Predict(c[0], c[1]); !errors.Is(err, tensor4d.ErrShapeMismatch) {
			t.Errorf("%s: got %v", name, err)
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Act = "gelu"
	if _, err := coord.New(cfg, 3, crand.NewMt19937(5)); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("got %v", err)
	}
}
