package main

import (
	"fmt"
	"log/slog"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// LoadTorchState reads a PyTorch state dict (.pth) into a StateDict. Values
// keep the storage precision of the file.
func LoadTorchState(path string) (*StateDict, error) {
	m, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unpickling %s: %w", path, err)
	}

	sd := NewStateDict()
	add := func(k, v any) error {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("%s: non-string key %v", path, k)
		}
		t, ok := v.(*pytorch.Tensor)
		if !ok {
			slog.Debug("skipping non-tensor entry", "name", name, "type", fmt.Sprintf("%T", v))
			return nil
		}
		st, err := torchTensor(t)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		sd.Set(name, st)
		return nil
	}

	switch d := m.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			v, _ := d.Get(k)
			if err := add(k, v); err != nil {
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
		return nil, fmt.Errorf("%s: expected a state dict, got %T", path, m)
	}

	slog.Debug("loaded torch state", "path", path, "tensors", sd.Len())
	return sd, nil
}

func torchTensor(t *pytorch.Tensor) (*StoredTensor, error) {
	var (
		data []float32
		p    Precision
	)
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		data, p = s.Data, PrecisionFP32
	case *pytorch.HalfStorage:
		data, p = s.Data, PrecisionFP16
	case *pytorch.BFloat16Storage:
		data, p = s.Data, PrecisionBF16
	default:
		return nil, fmt.Errorf("%w: storage %T", ErrPrecision, s)
	}

	shape := t.Size
	if len(shape) == 0 {
		shape = []int{1}
	}

	// only contiguous tensors
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if len(t.Stride) == len(shape) && shape[i] > 1 && t.Stride[i] != stride {
			return nil, fmt.Errorf("%w: non-contiguous tensor %v stride %v", ErrShape, shape, t.Stride)
		}
		stride *= shape[i]
	}

	start, end := t.StorageOffset, t.StorageOffset+stride
	if end > len(data) {
		return nil, fmt.Errorf("%w: %d elements past storage of %d", ErrShape, end, len(data))
	}
	return NewStoredTensor(data[start:end], shape, p), nil
}
