package tensors

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// AllocatorStats is a snapshot of allocator counters.
type AllocatorStats struct {
	Live      int64 `json:"live"`
	Allocated int64 `json:"allocated"`
	Released  int64 `json:"released"`
}

// Allocator hands out tensors and counts the ones still alive. Buffers
// created by Get are recycled through a sync.Pool per element count.
type Allocator struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool

	live      atomic.Int64
	allocated atomic.Int64
	released  atomic.Int64
}

// Default is used wherever no allocator is injected.
var Default = NewAllocator()

func NewAllocator() *Allocator {
	return &Allocator{pools: make(map[int]*sync.Pool)}
}

func (a *Allocator) bufferPool(size int) *sync.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.pools[size]
	if !ok {
		p = &sync.Pool{
			New: func() interface{} {
				buf := make([]float32, size)
				return &buf
			},
		}
		a.pools[size] = p
	}
	return p
}

// Get returns a zeroed tensor of the given shape. All dimensions must be positive.
func (a *Allocator) Get(shape ...int) (*Tensor, error) {
	size, err := Volume(shape)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("cannot allocate tensor with zero elements, shape %v", shape)
	}

	pool := a.bufferPool(size)
	buf := pool.Get().(*[]float32)
	clear(*buf)

	a.acquired()
	return newTensor(*buf, shape, func() {
		pool.Put(buf)
		a.releasedOne()
	}), nil
}

// Wrap adopts a buffer owned by someone else, typically the inference
// runtime. release runs once when the tensor is released and may be nil.
func (a *Allocator) Wrap(data []float32, release func(), shape ...int) (*Tensor, error) {
	size, err := Volume(shape)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		return nil, fmt.Errorf("buffer holds %d floats, shape %v needs %d", len(data), shape, size)
	}

	a.acquired()
	return newTensor(data, shape, func() {
		if release != nil {
			release()
		}
		a.releasedOne()
	}), nil
}

func (a *Allocator) acquired() {
	a.live.Add(1)
	a.allocated.Add(1)
}

func (a *Allocator) releasedOne() {
	a.live.Add(-1)
	a.released.Add(1)
}

// Live is the number of tensors handed out and not yet released.
func (a *Allocator) Live() int64 {
	return a.live.Load()
}

func (a *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		Live:      a.live.Load(),
		Allocated: a.allocated.Load(),
		Released:  a.released.Load(),
	}
}
