package detections

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/Tutortoise/nest-detection-service/tensors"

	"github.com/nlpodyssey/safetensors"
	"github.com/viant/afs"
	"github.com/viant/afs/url"
)

// Dumper stores request tensors as .safetensors files under a local
// directory or any URL afs can write to.
type Dumper struct {
	fs      afs.Service
	baseURL string
}

func NewDumper(baseURL string) *Dumper {
	return &Dumper{fs: afs.New(), baseURL: baseURL}
}

// Dump writes input and output into one file named after the request and
// returns its URL. The tensors are only read.
func (d *Dumper) Dump(ctx context.Context, requestID string, input, output *tensors.Tensor) (string, error) {
	if requestID == "" {
		requestID = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	views := make(map[string]safetensors.TensorView, 2)
	for name, t := range map[string]*tensors.Tensor{"input": input, "output": output} {
		view, err := toTensorView(t)
		if err != nil {
			return "", fmt.Errorf("%s tensor: %w", name, err)
		}
		views[name] = view
	}

	serialized, err := safetensors.Serialize(views, map[string]string{"request_id": requestID})
	if err != nil {
		return "", fmt.Errorf("serialize tensors: %w", err)
	}

	dest := url.Join(d.baseURL, requestID+".safetensors")
	if err := d.fs.Upload(ctx, dest, os.FileMode(0644), bytes.NewReader(serialized)); err != nil {
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	return dest, nil
}

func toTensorView(t *tensors.Tensor) (safetensors.TensorView, error) {
	data := make([]byte, 0, t.Len()*4)
	for _, v := range t.Float32s() {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	shape := make([]uint64, 0, t.Rank())
	for _, d := range t.Shape() {
		shape = append(shape, uint64(d))
	}
	return safetensors.NewTensorView(safetensors.F32, shape, data)
}
