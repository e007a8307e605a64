package encoder_test

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/config"
	"github.com/sw965/infomatch/encoding/safetensors"
	crand "github.com/sw965/infomatch/math/rand"
	"github.com/sw965/infomatch/model/encoder"
)

func TestNewRejectsOutOfRangeLayer(t *testing.T) {
	vgg := encoder.NewVGG16(crand.NewMt19937(1), 1)
	for _, taps := range [][]int{{19}, {-1}, {}} {
		if _, err := encoder.New(vgg, taps); !errors.Is(err, config.ErrInvalidConfig) {
			t.Errorf("taps %v: got %v", taps, err)
		}
	}
}

func TestChannels(t *testing.T) {
	vgg := encoder.NewVGG16(crand.NewMt19937(1), 1)
	enc, err := encoder.New(vgg, []int{0, 2, 3, 6, 10, 18})
	if err != nil {
		t.Fatal(err)
	}
	if got := enc.Channels(); !slices.Equal(got, []int{3, 64, 64, 128, 256, 512}) {
		t.Errorf("channels %v", got)
	}
	if vgg.NumLayers() != 19 {
		t.Errorf("NumLayers = %d", vgg.NumLayers())
	}
}

func TestForwardShapesAndFrozenWeights(t *testing.T) {
	rng := crand.NewMt19937(2)
	vgg := encoder.NewVGG16(rng, 2)
	enc, err := encoder.New(vgg, []int{1, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	before := vgg.Snapshot()

	img := tensor4d.NewUniform(2, 3, 16, 16, rng)
	feats, backward, err := enc.Forward(img)
	if err != nil {
		t.Fatal(err)
	}
	want := [][4]int{{2, 64, 16, 16}, {2, 64, 8, 8}, {2, 128, 8, 8}}
	for i, f := range feats {
		if f.Shape() != want[i] {
			t.Errorf("feature %d: %s, want %v", i, f.ShapeString(), want[i])
		}
	}

	chains := make([]tensor4d.General, len(feats))
	for i, f := range feats {
		chains[i] = tensor4d.NewOnes(f.Batches, f.Channels, f.Rows, f.Cols)
	}
	dImg, err := backward(chains)
	if err != nil {
		t.Fatal(err)
	}
	if !dImg.SameShape(img) || !dImg.IsFinite() {
		t.Errorf("input grad %s", dImg.ShapeString())
	}

	after := vgg.Snapshot()
	for i := range before {
		if !slices.Equal(before[i].Weight.Data, after[i].Weight.Data) || !slices.Equal(before[i].Bias.Data, after[i].Bias.Data) {
			t.Fatalf("conv %d changed", i)
		}
	}
}

func TestInputTapPassesGradient(t *testing.T) {
	rng := crand.NewMt19937(3)
	enc, err := encoder.New(encoder.NewVGG16(rng, 1), []int{0, 0})
	if err != nil {
		t.Fatal(err)
	}
	img := tensor4d.NewUniform(1, 3, 4, 4, rng)
	_, backward, err := enc.Forward(img)
	if err != nil {
		t.Fatal(err)
	}
	a := tensor4d.NewNormal(1, 3, 4, 4, 1.0, rng)
	b := tensor4d.NewNormal(1, 3, 4, 4, 1.0, rng)
	dImg, err := backward([]tensor4d.General{a, b})
	if err != nil {
		t.Fatal(err)
	}
	for i := range dImg.Data {
		if dImg.Data[i] != a.Data[i]+b.Data[i] {
			t.Fatalf("grad[%d] = %v, want %v", i, dImg.Data[i], a.Data[i]+b.Data[i])
		}
	}
}

func TestExtractMatchesForward(t *testing.T) {
	rng := crand.NewMt19937(4)
	enc, err := encoder.New(encoder.NewVGG16(rng, 1), []int{2})
	if err != nil {
		t.Fatal(err)
	}
	img := tensor4d.NewUniform(1, 3, 8, 8, rng)
	a, err := enc.Extract(img)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := enc.Forward(img)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(a[0].Data, b[0].Data) {
		t.Errorf("Extract and Forward disagree")
	}
}

func TestLoadSafetensors(t *testing.T) {
	rng := crand.NewMt19937(5)
	conv0 := tensor4d.NewNormal(64, 3, 3, 3, 1.0, rng)
	conv2 := tensor4d.NewNormal(64, 64, 3, 3, 1.0, rng)
	bias0 := tensor4d.NewNormal(1, 1, 1, 64, 1.0, rng)
	bias2 := tensor4d.NewNormal(1, 1, 1, 64, 1.0, rng)
	path := filepath.Join(t.TempDir(), "vgg16.safetensors")
	err := safetensors.Save(path, map[string]safetensors.Tensor{
		"features.0.weight": {Shape: []int{64, 3, 3, 3}, Data: conv0.Data},
		"features.0.bias":   {Shape: []int{64}, Data: bias0.Data},
		"features.2.weight": {Shape: []int{64, 64, 3, 3}, Data: conv2.Data},
		"features.2.bias":   {Shape: []int{64}, Data: bias2.Data},
	})
	if err != nil {
		t.Fatal(err)
	}

	vgg := encoder.NewVGG16(rng, 1)
	if err := vgg.LoadSafetensors(path, 3); err != nil {
		t.Fatal(err)
	}
	params := vgg.Snapshot()
	if !slices.Equal(params[0].Weight.Data, conv0.Data) || !slices.Equal(params[1].Weight.Data, conv2.Data) {
		t.Errorf("kernels not loaded")
	}
	if !slices.Equal(params[0].Bias.Data, bias0.Data) || !slices.Equal(params[1].Bias.Data, bias2.Data) {
		t.Errorf("biases not loaded")
	}

	if err := vgg.LoadSafetensors(path, 4); err == nil {
		t.Errorf("expected an error for the missing block2 conv")
	}
}
