// torch.go - PyTorch-Pickle (adapter_model.bin) lesen
// Hauptfunktionen: openTorch, torchFile (tensorSource ueber gopickle)
package convert

import (
	"fmt"
	"os"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"

	"github.com/mini-helper/lorakit/safetensors"
)

type torchFile struct {
	tensors map[string]*pytorch.Tensor
}

func openTorch(path string) (*torchFile, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	pt, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	tf := &torchFile{tensors: make(map[string]*pytorch.Tensor)}
	add := func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("unexpected state dict key %v", k)
		}
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			return fmt.Errorf("%s: unexpected value of type %T", name, v)
		}
		tf.tensors[name] = t
		return nil
	}

	switch d := pt.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			if err := add(k, d.MustGet(k)); err != nil {
				return nil, err
			}
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			if err := add(entry.Key, entry.Value); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("%s: unexpected state dict type %T", path, pt)
	}

	return tf, nil
}

func torchDType(s pytorch.StorageInterface) string {
	switch s.(type) {
	case *pytorch.FloatStorage:
		return safetensors.F32
	case *pytorch.HalfStorage:
		return safetensors.F16
	case *pytorch.BFloat16Storage:
		return safetensors.BF16
	case *pytorch.DoubleStorage:
		return safetensors.F64
	}
	return ""
}

func (tf *torchFile) Names() []string {
	names := make([]string, 0, len(tf.tensors))
	for name := range tf.tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (tf *torchFile) Info(name string) (safetensors.TensorInfo, bool) {
	t, ok := tf.tensors[name]
	if !ok {
		return safetensors.TensorInfo{}, false
	}

	info := safetensors.TensorInfo{DType: torchDType(t.Source)}
	for _, d := range t.Size {
		info.Shape = append(info.Shape, int64(d))
	}
	return info, true
}

func (tf *torchFile) Float32s(name string) ([]float32, error) {
	t, ok := tf.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}

	var data []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	case *pytorch.DoubleStorage:
		data = make([]float32, len(s.Data))
		for i, v := range s.Data {
			data[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("tensor %s: unsupported storage %T", name, t.Source)
	}

	return gather(data, t.StorageOffset, t.Size, t.Stride)
}

func (tf *torchFile) ReadRaw(name string) ([]byte, error) {
	info, ok := tf.Info(name)
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	f32s, err := tf.Float32s(name)
	if err != nil {
		return nil, err
	}
	return safetensors.EncodeFloat32(info.DType, f32s)
}

func (tf *torchFile) Close() error {
	return nil
}

// gather liest einen Tensor mit beliebigen Strides in Zeilen-Hauptordnung
func gather(data []float32, offset int, size, stride []int) ([]float32, error) {
	n := 1
	for _, d := range size {
		n *= d
	}

	contiguous := true
	expect := 1
	for i := len(size) - 1; i >= 0; i-- {
		if size[i] != 1 && stride[i] != expect {
			contiguous = false
			break
		}
		expect *= size[i]
	}

	if contiguous {
		if offset+n > len(data) {
			return nil, fmt.Errorf("storage too small: %d < %d", len(data), offset+n)
		}
		return data[offset : offset+n], nil
	}

	out := make([]float32, 0, n)
	idx := make([]int, len(size))
	for range n {
		pos := offset
		for d, i := range idx {
			pos += i * stride[d]
		}
		if pos >= len(data) {
			return nil, fmt.Errorf("storage too small for index %v", idx)
		}
		out = append(out, data[pos])

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < size[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out, nil
}
