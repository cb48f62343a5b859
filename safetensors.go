package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrSafetensors reports a malformed safetensors file.
var ErrSafetensors = errors.New("safetensors: malformed file")

const safetensorsMetadataKey = "__metadata__"

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// WriteSafetensors writes sd in safetensors layout: an 8-byte little-endian
// header length, a JSON header padded with spaces to a multiple of 8, then
// the tensor bytes in insertion order.
func WriteSafetensors(w io.Writer, sd *StateDict, metadata map[string]string) (int64, error) {
	header := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		header.Set(safetensorsMetadataKey, metadata)
	}

	var offset int64
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		st := pair.Value
		size := int64(len(st.Data))
		header.Set(pair.Key, safetensorMetadata{
			Type:    st.Precision.DType(),
			Shape:   st.Shape,
			Offsets: [2]int64{offset, offset + size},
		})
		offset += size
	}

	b, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}
	if pad := len(b) % 8; pad != 0 {
		b = append(b, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	var n int64
	if err := binary.Write(w, binary.LittleEndian, uint64(len(b))); err != nil {
		return n, err
	}
	n += 8

	m, err := w.Write(b)
	n += int64(m)
	if err != nil {
		return n, err
	}

	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		m, err := w.Write(pair.Value.Data)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadSafetensors reads a file written by WriteSafetensors (or any
// safetensors file with F32, F16 or BF16 tensors). Tensors keep header order.
func ReadSafetensors(r io.Reader) (*StateDict, map[string]string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, nil, err
	}
	if n == 0 || n > 100<<20 {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrSafetensors, n)
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, nil, err
	}

	header := orderedmap.New[string, json.RawMessage]()
	if err := json.Unmarshal(bytes.TrimRight(b, " "), header); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSafetensors, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}

	var metadata map[string]string
	sd := NewStateDict()
	for pair := header.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key == safetensorsMetadataKey {
			if err := json.Unmarshal(pair.Value, &metadata); err != nil {
				return nil, nil, fmt.Errorf("%w: metadata: %v", ErrSafetensors, err)
			}
			continue
		}

		var meta safetensorMetadata
		if err := json.Unmarshal(pair.Value, &meta); err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrSafetensors, pair.Key, err)
		}
		p, err := precisionFromDType(meta.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", pair.Key, err)
		}

		start, end := meta.Offsets[0], meta.Offsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, nil, fmt.Errorf("%w: %s offsets [%d, %d) outside %d data bytes", ErrSafetensors, pair.Key, start, end, len(data))
		}
		elems := 1
		for _, d := range meta.Shape {
			elems *= d
		}
		if int64(elems*p.ElemSize()) != end-start {
			return nil, nil, fmt.Errorf("%w: %s shape %v does not match %d bytes", ErrSafetensors, pair.Key, meta.Shape, end-start)
		}

		sd.Set(pair.Key, &StoredTensor{
			Precision: p,
			Shape:     meta.Shape,
			Data:      bytes.Clone(data[start:end]),
		})
	}
	return sd, metadata, nil
}

// SaveSafetensors writes sd to path.
func SaveSafetensors(path string, sd *StateDict, metadata map[string]string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if _, err := WriteSafetensors(f, sd, metadata); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LoadSafetensors reads the file at path.
func LoadSafetensors(path string) (*StateDict, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return ReadSafetensors(f)
}
