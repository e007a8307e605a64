package safetensors_test

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sw965/infomatch/encoding/safetensors"
)

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	tensors := map[string]safetensors.Tensor{
		"features.0.weight": {Shape: []int{2, 1, 1, 2}, Data: []float32{1, -2, 3.5, 0}},
		"features.0.bias":   {Shape: []int{2}, Data: []float32{0.25, -0.75}},
	}
	if err := safetensors.Save(path, tensors); err != nil {
		t.Fatal(err)
	}
	loaded, err := safetensors.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 2 {
		t.Fatalf("got %d tensors", len(loaded))
	}
	for name, want := range tensors {
		got := loaded[name]
		if !slices.Equal(got.Shape, want.Shape) || !slices.Equal(got.Data, want.Data) {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
}

func TestReadSkipsMetadata(t *testing.T) {
	header := []byte(`{"__metadata__":{"format":"pt"},"x":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
	buf.Write(header)
	binary.Write(&buf, binary.LittleEndian, float32(7))

	tensors, err := safetensors.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(tensors) != 1 || tensors["x"].Data[0] != 7 {
		t.Errorf("got %v", tensors)
	}
}

func TestReadRejects(t *testing.T) {
	cases := map[string]string{
		"dtype":          `{"x":{"dtype":"F16","shape":[1],"data_offsets":[0,2]}}`,
		"offsets":        `{"x":{"dtype":"F32","shape":[2],"data_offsets":[0,4]}}`,
		"negative dim":   `{"x":{"dtype":"F32","shape":[-1],"data_offsets":[4,0]}}`,
		"reversed":       `{"x":{"dtype":"F32","shape":[1],"data_offsets":[8,4]}}`,
		"overflow":       `{"x":{"dtype":"F32","shape":[4294967296,4294967296,4],"data_offsets":[0,0]}}`,
		"past the data":  `{"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`,
		"negative start": `{"x":{"dtype":"F32","shape":[1],"data_offsets":[-4,0]}}`,
	}
	for name, header := range cases {
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, uint64(len(header)))
		buf.WriteString(header)
		buf.Write(make([]byte, 8))
		if _, err := safetensors.Read(&buf); err == nil {
			t.Errorf("%s: expected an error", name)
		}
	}

	var huge bytes.Buffer
	binary.Write(&huge, binary.LittleEndian, uint64(1)<<62)
	if _, err := safetensors.Read(&huge); err == nil {
		t.Errorf("accepted a 1<<62 byte header")
	}

	if err := safetensors.Write(&bytes.Buffer{}, map[string]safetensors.Tensor{"x": {Shape: []int{3}, Data: []float32{1}}}); err == nil {
		t.Errorf("Write accepted a shape/data mismatch")
	}
}
