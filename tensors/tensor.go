// Package tensors holds the float32 buffers that move between the preprocessor,
// the inference runtime and the decoder. Every buffer is handed out by an
// Allocator and must be released exactly once; callers release with defer
// right after acquisition so no exit path can forget it.
package tensors

import (
	"fmt"
	"sync/atomic"

	"gorgonia.org/tensor"
)

// Tensor is a row-major float32 buffer with a fixed shape.
type Tensor struct {
	data     []float32
	shape    []int
	dense    *tensor.Dense
	release  func()
	released atomic.Bool
}

func newTensor(data []float32, shape []int, release func()) *Tensor {
	t := &Tensor{
		data:    data,
		shape:   append([]int(nil), shape...),
		release: release,
	}
	if len(data) > 0 {
		t.dense = tensor.New(tensor.WithShape(t.shape...), tensor.WithBacking(data))
	}
	return t
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.shape...)
}

// Rank is the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Len is the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Float32s exposes the backing slice. It must not be used after Release.
func (t *Tensor) Float32s() []float32 {
	return t.data
}

// Dense returns an n-dimensional view over the same backing slice, or nil for
// tensors without elements.
func (t *Tensor) Dense() *tensor.Dense {
	return t.dense
}

// At reads a single element by coordinates.
func (t *Tensor) At(coords ...int) (float32, error) {
	if t.dense == nil {
		return 0, fmt.Errorf("tensor %v has no elements", t.shape)
	}
	v, err := t.dense.At(coords...)
	if err != nil {
		return 0, err
	}
	f, ok := v.(float32)
	if !ok {
		return 0, fmt.Errorf("unexpected element type %T", v)
	}
	return f, nil
}

// Release hands the buffer back to its owner. Calling it more than once, or on
// a nil tensor, is a no-op.
func (t *Tensor) Release() {
	if t == nil || t.released.Swap(true) {
		return
	}
	if t.release != nil {
		t.release()
	}
}

// Released reports whether Release has been called.
func (t *Tensor) Released() bool {
	return t.released.Load()
}

// Volume returns the number of elements a shape describes.
func Volume(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	size := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		size *= d
	}
	return size, nil
}
