package detections

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/nest-detection-service/models"
	"github.com/Tutortoise/nest-detection-service/tensors"

	"go.uber.org/zap"
)

// Predictor is the inference capability: given an input tensor it returns one
// or more output tensors. The caller owns the returned tensors; Predict must
// not keep a reference to input after returning.
type Predictor interface {
	Predict(ctx context.Context, input *tensors.Tensor) ([]*tensors.Tensor, error)
}

// Pipeline runs preprocess, inference and decode for one image at a time per
// call. Calls may run concurrently when the Predictor allows it; a Pipeline
// holds no per-request state.
type Pipeline struct {
	predictor    Predictor
	preprocessor *Preprocessor
	alloc        *tensors.Allocator
	threshold    float32
	logger       *zap.SugaredLogger
	dumper       *Dumper
	ready        atomic.Bool
}

type Option func(*Pipeline) error

// WithThreshold sets the minimum score (exclusive) a candidate needs.
func WithThreshold(threshold float32) Option {
	return func(p *Pipeline) error {
		if err := ValidateThreshold(threshold); err != nil {
			return err
		}
		p.threshold = threshold
		return nil
	}
}

func WithAllocator(alloc *tensors.Allocator) Option {
	return func(p *Pipeline) error {
		if alloc == nil {
			return fmt.Errorf("nil allocator")
		}
		p.alloc = alloc
		return nil
	}
}

func WithPreprocessor(pre *Preprocessor) Option {
	return func(p *Pipeline) error {
		p.preprocessor = pre
		return nil
	}
}

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(p *Pipeline) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

// WithDumper writes every request's input and output tensors to disk.
func WithDumper(d *Dumper) Option {
	return func(p *Pipeline) error {
		p.dumper = d
		return nil
	}
}

func NewPipeline(predictor Predictor, opts ...Option) (*Pipeline, error) {
	if predictor == nil {
		return nil, fmt.Errorf("pipeline needs a predictor")
	}
	p := &Pipeline{
		predictor: predictor,
		alloc:     tensors.Default,
		threshold: DefaultThreshold,
		logger:    zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}
	if p.preprocessor == nil {
		p.preprocessor = NewPreprocessor(WithPreprocessAllocator(p.alloc))
	}
	return p, nil
}

func (p *Pipeline) Threshold() float32 {
	return p.threshold
}

func (p *Pipeline) Ready() bool {
	return p.ready.Load()
}

// Init runs one warm-up inference on an all-zero input and discards the
// result. The pipeline accepts Detect calls only after Init succeeded.
func (p *Pipeline) Init(ctx context.Context) error {
	dummy, err := p.alloc.Get(p.preprocessor.InputShape()...)
	if err != nil {
		return fmt.Errorf("allocate warm-up input: %w", err)
	}
	defer dummy.Release()

	start := time.Now()
	outputs, err := p.predictor.Predict(ctx, dummy)
	defer releaseAll(outputs)
	if err != nil {
		return newError(ErrInference, err, "warm-up inference")
	}
	if len(outputs) == 0 {
		return newError(ErrShape, nil, "warm-up inference returned no outputs")
	}
	n, err := candidateCount(outputs[0])
	if err != nil {
		return err
	}

	p.ready.Store(true)
	p.logger.Infow("model initialized", "warmup", time.Since(start), "candidates", n)
	return nil
}

// Detect runs the full pipeline on encoded image bytes. Boxes are in the
// stretched 640x640 input space. timings may be nil.
func (p *Pipeline) Detect(ctx context.Context, data []byte, timings *models.ProcessingTimings) ([]models.Detection, error) {
	if !p.ready.Load() {
		return nil, newError(ErrModelNotInitialized, nil, "detect")
	}
	if timings == nil {
		timings = &models.ProcessingTimings{}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before preprocessing: %w", err)
	}
	input, err := p.preprocessor.Preprocess(ctx, data, timings)
	if err != nil {
		return nil, err
	}
	defer input.Release()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled before inference: %w", err)
	}
	inferStart := time.Now()
	outputs, err := p.predictor.Predict(ctx, input)
	timings.Inference = time.Since(inferStart)
	defer releaseAll(outputs)
	if err != nil {
		return nil, newError(ErrInference, err, "model inference")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("cancelled after inference: %w", err)
	}
	if len(outputs) == 0 {
		return nil, newError(ErrShape, nil, "model returned no outputs")
	}

	if p.dumper != nil {
		if path, err := p.dumper.Dump(ctx, timings.RequestID, input, outputs[0]); err != nil {
			p.logger.Warnw("tensor dump failed", "request_id", timings.RequestID, "error", err)
		} else {
			p.logger.Debugw("tensors dumped", "request_id", timings.RequestID, "path", path)
		}
	}

	postStart := time.Now()
	detections, err := Decode(outputs[0], p.threshold, p.alloc)
	timings.Postprocess = time.Since(postStart)
	if err != nil {
		return nil, err
	}
	return detections, nil
}

func releaseAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		t.Release()
	}
}
