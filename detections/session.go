package detections

import (
	"context"
	"fmt"
	"io"

	"github.com/Tutortoise/nest-detection-service/tensors"

	"github.com/viant/afs"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

type SessionConfig struct {
	ModelPath      string
	InputName      string
	OutputName     string
	IntraOpThreads int
	InterOpThreads int
}

func (c *SessionConfig) setDefaults() {
	if c.InputName == "" {
		c.InputName = "images"
	}
	if c.OutputName == "" {
		c.OutputName = "output0"
	}
}

// ModelSession is a Predictor backed by one ONNX Runtime session. The ONNX
// Runtime environment must be initialized before the first session is created.
type ModelSession struct {
	Session *ort.DynamicAdvancedSession
	alloc   *tensors.Allocator
}

// LoadModel reads model bytes from a local path or any URL afs understands.
func LoadModel(ctx context.Context, modelPath string) ([]byte, error) {
	fs := afs.New()
	exists, err := fs.Exists(ctx, modelPath)
	if err != nil {
		return nil, fmt.Errorf("check model %s: %w", modelPath, err)
	}
	if !exists {
		return nil, fmt.Errorf("model file not found: %s", modelPath)
	}
	reader, err := fs.OpenURL(ctx, modelPath)
	if err != nil {
		return nil, fmt.Errorf("open model %s: %w", modelPath, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func NewModelSession(modelBytes []byte, cfg SessionConfig, alloc *tensors.Allocator) (*ModelSession, error) {
	cfg.setDefaults()
	if alloc == nil {
		alloc = tensors.Default
	}

	if err := validateModelIO(modelBytes, cfg); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("set intra-op threads: %w", err)
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return nil, fmt.Errorf("set inter-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		modelBytes,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &ModelSession{Session: session, alloc: alloc}, nil
}

// validateModelIO checks the model takes an NHWC image input of the expected
// size and exposes the configured output. Dynamic dimensions (-1) pass.
func validateModelIO(modelBytes []byte, cfg SessionConfig) error {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(modelBytes)
	if err != nil {
		return fmt.Errorf("read model metadata: %w", err)
	}

	var input *ort.InputOutputInfo
	for i := range inputs {
		if inputs[i].Name == cfg.InputName {
			input = &inputs[i]
		}
	}
	if input == nil {
		return fmt.Errorf("model has no input named %q", cfg.InputName)
	}
	want := []int64{1, InputHeight, InputWidth, InputChannels}
	if len(input.Dimensions) != len(want) {
		return fmt.Errorf("input %q has shape %v, want %v", cfg.InputName, input.Dimensions, want)
	}
	for i, d := range input.Dimensions {
		if d != -1 && d != want[i] {
			return fmt.Errorf("input %q has shape %v, want %v", cfg.InputName, input.Dimensions, want)
		}
	}

	for _, o := range outputs {
		if o.Name == cfg.OutputName {
			return nil
		}
	}
	return fmt.Errorf("model has no output named %q", cfg.OutputName)
}

// Predict runs the session once. The input buffer is shared with ONNX Runtime
// for the duration of the call; outputs are allocated by ONNX Runtime and
// destroyed when the returned tensors are released.
func (m *ModelSession) Predict(ctx context.Context, input *tensors.Tensor) ([]*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dims := make([]int64, 0, input.Rank())
	for _, d := range input.Shape() {
		dims = append(dims, int64(d))
	}
	inputTensor, err := ort.NewTensor(ort.NewShape(dims...), input.Float32s())
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := m.Session.Run([]ort.Value{inputTensor}, outputs); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	result := make([]*tensors.Tensor, 0, len(outputs))
	for i, v := range outputs {
		t, err := m.adopt(v)
		if err != nil {
			releaseAll(result)
			for _, rest := range outputs[i+1:] {
				if rest != nil {
					rest.Destroy()
				}
			}
			return nil, err
		}
		result = append(result, t)
	}
	return result, nil
}

func (m *ModelSession) adopt(v ort.Value) (*tensors.Tensor, error) {
	if v == nil {
		return nil, fmt.Errorf("session produced no output value")
	}
	out, ok := v.(*ort.Tensor[float32])
	if !ok {
		v.Destroy()
		return nil, fmt.Errorf("output is %T, want float32 tensor", v)
	}
	shape := out.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	t, err := m.alloc.Wrap(out.GetData(), func() { out.Destroy() }, dims...)
	if err != nil {
		out.Destroy()
		return nil, fmt.Errorf("adopt output: %w", err)
	}
	return t, nil
}

func (m *ModelSession) Destroy() error {
	var err error
	if m.Session != nil {
		err = multierr.Append(err, m.Session.Destroy())
		m.Session = nil
	}
	return err
}
