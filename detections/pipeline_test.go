package detections

import (
	"context"
	"errors"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Tutortoise/nest-detection-service/models"
	"github.com/Tutortoise/nest-detection-service/tensors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePredictor struct {
	alloc  *tensors.Allocator
	rows   [][5]float32
	shape  []int
	extra  int
	err    error
	during func(input *tensors.Tensor)

	calls   atomic.Int32
	mu      sync.Mutex
	outputs []*tensors.Tensor
	shapes  [][]int
}

func (f *fakePredictor) Predict(ctx context.Context, input *tensors.Tensor) ([]*tensors.Tensor, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.shapes = append(f.shapes, input.Shape())
	f.mu.Unlock()

	if f.during != nil {
		f.during(input)
	}
	if f.err != nil {
		return nil, f.err
	}

	data := make([]float32, 0, len(f.rows)*CandidateLanes)
	for _, r := range f.rows {
		data = append(data, r[:]...)
	}
	shape := f.shape
	if shape == nil {
		shape = []int{1, len(f.rows), CandidateLanes}
	}

	var outs []*tensors.Tensor
	out, err := f.alloc.Wrap(data, nil, shape...)
	if err != nil {
		return nil, err
	}
	outs = append(outs, out)
	for i := 0; i < f.extra; i++ {
		aux, err := f.alloc.Get(1, 8)
		if err != nil {
			return nil, err
		}
		outs = append(outs, aux)
	}

	f.mu.Lock()
	f.outputs = append(f.outputs, outs...)
	f.mu.Unlock()
	return outs, nil
}

func (f *fakePredictor) allReleased() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.outputs {
		if !o.Released() {
			return false
		}
	}
	return true
}

func newTestPipeline(t *testing.T, pred *fakePredictor, opts ...Option) (*Pipeline, *tensors.Allocator) {
	t.Helper()
	alloc := tensors.NewAllocator()
	pred.alloc = alloc
	p, err := NewPipeline(pred, append([]Option{WithAllocator(alloc)}, opts...)...)
	require.NoError(t, err)
	return p, alloc
}

func testImage(t *testing.T) []byte {
	t.Helper()
	return encodePNG(t, solidImage(300, 200, color.NRGBA{R: 90, G: 120, B: 60, A: 255}))
}

func TestPipelineDetectBeforeInit(t *testing.T) {
	pred := &fakePredictor{}
	p, alloc := newTestPipeline(t, pred)

	dets, err := p.Detect(context.Background(), testImage(t), nil)
	assert.Nil(t, dets)
	assert.ErrorIs(t, err, ErrModelNotInitialized)
	assert.False(t, p.Ready())
	assert.Equal(t, int32(0), pred.calls.Load())
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineInitWarmsUpOnZeros(t *testing.T) {
	var sawZeros bool
	pred := &fakePredictor{
		rows: [][5]float32{{0, 0, 0, 0, 0}},
		during: func(input *tensors.Tensor) {
			sawZeros = true
			for _, v := range input.Float32s() {
				if v != 0 {
					sawZeros = false
					return
				}
			}
		},
	}
	p, alloc := newTestPipeline(t, pred)

	require.NoError(t, p.Init(context.Background()))
	assert.True(t, p.Ready())
	assert.True(t, sawZeros)
	assert.Equal(t, [][]int{{1, InputHeight, InputWidth, InputChannels}}, pred.shapes)
	assert.True(t, pred.allReleased())
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineInitFailure(t *testing.T) {
	cause := errors.New("runtime unavailable")
	pred := &fakePredictor{err: cause}
	p, alloc := newTestPipeline(t, pred)

	err := p.Init(context.Background())
	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, cause)
	assert.False(t, p.Ready())
	assert.Equal(t, int64(0), alloc.Live())

	_, err = p.Detect(context.Background(), testImage(t), nil)
	assert.ErrorIs(t, err, ErrModelNotInitialized)
}

func TestPipelineInitRejectsBadOutputShape(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{1, 2, 3, 4, 5}, {1, 2, 3, 4, 5}}, shape: []int{1, 5, 2}}
	p, alloc := newTestPipeline(t, pred)

	err := p.Init(context.Background())
	assert.ErrorIs(t, err, ErrShape)
	assert.False(t, p.Ready())
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineDetect(t *testing.T) {
	pred := &fakePredictor{
		rows: [][5]float32{
			{10, 20, 30, 50, 0.9},
			{0, 0, 5, 5, 0.3},
			{100, 100, 160, 140, 0.75},
		},
		extra: 2,
	}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	timings := &models.ProcessingTimings{RequestID: "req-1"}
	dets, err := p.Detect(context.Background(), testImage(t), timings)
	require.NoError(t, err)
	assert.Equal(t, []models.Detection{
		{BBox: models.BBox{X: 10, Y: 20, Width: 20, Height: 30}, Score: 0.9},
		{BBox: models.BBox{X: 100, Y: 100, Width: 60, Height: 40}, Score: 0.75},
	}, dets)

	assert.Equal(t, int32(2), pred.calls.Load())
	assert.True(t, pred.allReleased())
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineDetectEmptyOutput(t *testing.T) {
	pred := &fakePredictor{}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	dets, err := p.Detect(context.Background(), testImage(t), nil)
	require.NoError(t, err)
	assert.Empty(t, dets)
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineCustomThreshold(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{0, 0, 1, 1, 0.6}, {0, 0, 2, 2, 0.85}}}
	p, _ := newTestPipeline(t, pred, WithThreshold(0.8))
	require.NoError(t, p.Init(context.Background()))
	assert.Equal(t, float32(0.8), p.Threshold())

	dets, err := p.Detect(context.Background(), testImage(t), nil)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, float32(0.85), dets[0].Score)
}

func TestPipelineInvalidOptions(t *testing.T) {
	pred := &fakePredictor{}
	for _, threshold := range []float32{-0.5, 1.5} {
		_, err := NewPipeline(pred, WithThreshold(threshold))
		assert.Error(t, err)
	}

	_, err := NewPipeline(pred, WithAllocator(nil))
	assert.Error(t, err)

	_, err = NewPipeline(nil)
	assert.Error(t, err)
}

func TestPipelineDecodeError(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{0, 0, 1, 1, 0.9}}}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	_, err := p.Detect(context.Background(), []byte("garbage"), nil)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Equal(t, int32(1), pred.calls.Load())
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineInferenceError(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{0, 0, 1, 1, 0.9}}}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	cause := errors.New("session exploded")
	pred.err = cause
	_, err := p.Detect(context.Background(), testImage(t), nil)
	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, cause)

	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrInference, perr.Kind)
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineShapeError(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{0, 0, 1, 1, 0.9}}}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	pred.rows = [][5]float32{{0, 0, 1, 1, 0.9}, {0, 0, 1, 1, 0.9}}
	pred.shape = []int{2, 1, 5}
	_, err := p.Detect(context.Background(), testImage(t), nil)
	assert.ErrorIs(t, err, ErrShape)
	assert.True(t, pred.allReleased())
	assert.Equal(t, int64(0), alloc.Live())
}

type noOutputPredictor struct{}

func (noOutputPredictor) Predict(context.Context, *tensors.Tensor) ([]*tensors.Tensor, error) {
	return nil, nil
}

func TestPipelineNoOutputs(t *testing.T) {
	p, err := NewPipeline(noOutputPredictor{}, WithAllocator(tensors.NewAllocator()))
	require.NoError(t, err)
	assert.ErrorIs(t, p.Init(context.Background()), ErrShape)
}

func TestPipelineCancelledBeforeStart(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{0, 0, 1, 1, 0.9}}}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Detect(ctx, testImage(t), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), pred.calls.Load())
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineCancelledDuringInference(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{0, 0, 1, 1, 0.9}}}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pred.during = func(*tensors.Tensor) { cancel() }
	pred.extra = 1

	dets, err := p.Detect(ctx, testImage(t), nil)
	assert.Nil(t, dets)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, pred.allReleased())
	assert.Equal(t, int64(0), alloc.Live())
}

func TestPipelineConcurrentDetect(t *testing.T) {
	pred := &fakePredictor{rows: [][5]float32{{10, 10, 20, 20, 0.9}, {0, 0, 1, 1, 0.1}}, extra: 1}
	p, alloc := newTestPipeline(t, pred)
	require.NoError(t, p.Init(context.Background()))

	data := testImage(t)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dets, err := p.Detect(context.Background(), data, nil)
			if err == nil && len(dets) != 1 {
				err = errors.New("unexpected detection count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(9), pred.calls.Load())
	assert.Equal(t, int64(0), alloc.Live())
}
