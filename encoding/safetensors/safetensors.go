// Package safetensors reads and writes F32 tensors in the safetensors format:
// an 8-byte little-endian header length, a JSON header mapping names to
// dtype/shape/data_offsets, then the raw little-endian tensor bytes.
package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
)

const (
	metadataKey = "__metadata__"
	// maxHeaderSize is the header limit of the format.
	maxHeaderSize = 100 << 20
)

type Tensor struct {
	Shape []int
	Data  []float32
}

type entry struct {
	DType   string `json:"dtype"`
	Shape   []int  `json:"shape"`
	Offsets [2]int `json:"data_offsets"`
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// elementsWithin multiplies out shape, failing once the count passes limit or
// a dimension is negative.
func elementsWithin(shape []int, limit int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d == 0 {
			return 0, true
		}
		if n > limit/d {
			return 0, false
		}
		n *= d
	}
	return n, n <= limit
}

func Load(path string) (map[string]Tensor, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Read(bufio.NewReader(file))
}

func Read(r io.Reader) (map[string]Tensor, error) {
	var headerSize uint64
	if err := binary.Read(r, binary.LittleEndian, &headerSize); err != nil {
		return nil, fmt.Errorf("safetensors: header size: %w", err)
	}
	if headerSize > maxHeaderSize {
		return nil, fmt.Errorf("safetensors: header of %d bytes exceeds %d", headerSize, maxHeaderSize)
	}
	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: header: %w", err)
	}
	delete(raw, metadataKey)

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("safetensors: data: %w", err)
	}

	tensors := make(map[string]Tensor, len(raw))
	for name, msg := range raw {
		var e entry
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %s: %w", name, err)
		}
		if e.DType != "F32" {
			return nil, fmt.Errorf("safetensors: tensor %s has dtype %s, only F32 is supported", name, e.DType)
		}
		n, ok := elementsWithin(e.Shape, len(data)/4)
		if !ok {
			return nil, fmt.Errorf("safetensors: tensor %s: shape %v does not fit %d data bytes", name, e.Shape, len(data))
		}
		start, end := e.Offsets[0], e.Offsets[1]
		if start < 0 || start > end || end > len(data) || end-start != 4*n {
			return nil, fmt.Errorf("safetensors: tensor %s: offsets [%d, %d) do not hold %d floats", name, start, end, n)
		}
		t := Tensor{Shape: e.Shape, Data: make([]float32, n)}
		for i := range t.Data {
			bits := binary.LittleEndian.Uint32(data[start+4*i:])
			t.Data[i] = math.Float32frombits(bits)
		}
		tensors[name] = t
	}
	return tensors, nil
}

func Save(path string, tensors map[string]Tensor) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(file)
	if err := Write(w, tensors); err != nil {
		file.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Write lays tensors out in name order.
func Write(w io.Writer, tensors map[string]Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]entry, len(names))
	offset := 0
	for _, name := range names {
		t := tensors[name]
		if n := numElements(t.Shape); n != len(t.Data) {
			return fmt.Errorf("safetensors: tensor %s: shape %v holds %d values, got %d", name, t.Shape, n, len(t.Data))
		}
		header[name] = entry{DType: "F32", Shape: t.Shape, Offsets: [2]int{offset, offset + 4*len(t.Data)}}
		offset += 4 * len(t.Data)
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerBytes))); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}

	buf := make([]byte, 4)
	for _, name := range names {
		for _, e := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(e))
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}
