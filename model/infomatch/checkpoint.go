package infomatch

import (
	"fmt"

	"github.com/sw965/infomatch/blas32/tensor/4d"
	"github.com/sw965/infomatch/encoding/safetensors"
	"github.com/sw965/infomatch/layer"
)

func checkpointNames(prefix string, i int) (string, string) {
	return fmt.Sprintf("%s.%d.weight", prefix, i), fmt.Sprintf("%s.%d.bias", prefix, i)
}

func addTensors(tensors map[string]safetensors.Tensor, prefix string, params layer.Parameters) {
	for i, p := range params {
		wName, bName := checkpointNames(prefix, i)
		tensors[wName] = safetensors.Tensor{
			Shape: []int{p.Weight.Rows, p.Weight.Cols},
			Data:  p.Weight.Data,
		}
		if p.Bias.N != 0 {
			tensors[bName] = safetensors.Tensor{Shape: []int{p.Bias.N}, Data: p.Bias.Data}
		}
	}
}

func checkTensors(tensors map[string]safetensors.Tensor, prefix string, params layer.Parameters) error {
	for i, p := range params {
		wName, bName := checkpointNames(prefix, i)
		w, ok := tensors[wName]
		if !ok {
			return fmt.Errorf("checkpoint: %s missing", wName)
		}
		if len(w.Data) != len(p.Weight.Data) {
			return fmt.Errorf("%w: checkpoint %s has %d values, want %d", tensor4d.ErrShapeMismatch, wName, len(w.Data), len(p.Weight.Data))
		}
		if p.Bias.N == 0 {
			continue
		}
		b, ok := tensors[bName]
		if !ok {
			return fmt.Errorf("checkpoint: %s missing", bName)
		}
		if len(b.Data) != p.Bias.N {
			return fmt.Errorf("%w: checkpoint %s has %d values, want %d", tensor4d.ErrShapeMismatch, bName, len(b.Data), p.Bias.N)
		}
	}
	return nil
}

func copyTensors(tensors map[string]safetensors.Tensor, prefix string, params layer.Parameters) {
	for i, p := range params {
		wName, bName := checkpointNames(prefix, i)
		copy(p.Weight.Data, tensors[wName].Data)
		if p.Bias.N != 0 {
			copy(p.Bias.Data, tensors[bName].Data)
		}
	}
}

func statNames(i int) (string, string) {
	return fmt.Sprintf("coord.norm.%d.mean", i), fmt.Sprintf("coord.norm.%d.var", i)
}

func addStats(tensors map[string]safetensors.Tensor, norms []*layer.Normalization) {
	for i, n := range norms {
		meanName, varName := statNames(i)
		mean, variance := n.RunningStats()
		tensors[meanName] = safetensors.Tensor{Shape: []int{len(mean)}, Data: mean}
		tensors[varName] = safetensors.Tensor{Shape: []int{len(variance)}, Data: variance}
	}
}

func checkStats(tensors map[string]safetensors.Tensor, norms []*layer.Normalization) error {
	for i, n := range norms {
		meanName, varName := statNames(i)
		for _, name := range []string{meanName, varName} {
			t, ok := tensors[name]
			if !ok {
				return fmt.Errorf("checkpoint: %s missing", name)
			}
			if len(t.Data) != n.Channels {
				return fmt.Errorf("%w: checkpoint %s has %d values, want %d", tensor4d.ErrShapeMismatch, name, len(t.Data), n.Channels)
			}
		}
	}
	return nil
}

// SaveCheckpoint writes the predictor and patch head parameters, and the
// predictor's batch-norm running statistics, to a safetensors file. Optimizer
// moments are not saved; a resumed run starts them from zero.
func (m *Model) SaveCheckpoint(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tensors := map[string]safetensors.Tensor{}
	addTensors(tensors, "coord", m.predictor.Parameters())
	addTensors(tensors, "patch", m.sampler.Parameters())
	addStats(tensors, m.predictor.BatchNorms())
	return safetensors.Save(path, tensors)
}

// LoadCheckpoint restores parameters written by SaveCheckpoint. Nothing is
// changed unless every tensor is present with the right size.
func (m *Model) LoadCheckpoint(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tensors, err := safetensors.Load(path)
	if err != nil {
		return err
	}
	coordParams := m.predictor.Parameters()
	patchParams := m.sampler.Parameters()
	if err := checkTensors(tensors, "coord", coordParams); err != nil {
		return err
	}
	if err := checkTensors(tensors, "patch", patchParams); err != nil {
		return err
	}
	norms := m.predictor.BatchNorms()
	if err := checkStats(tensors, norms); err != nil {
		return err
	}
	copyTensors(tensors, "coord", coordParams)
	copyTensors(tensors, "patch", patchParams)
	for i, n := range norms {
		meanName, varName := statNames(i)
		if err := n.SetRunningStats(tensors[meanName].Data, tensors[varName].Data); err != nil {
			return err
		}
	}
	return nil
}
