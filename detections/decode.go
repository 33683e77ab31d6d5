package detections

import (
	"fmt"
	"math"

	"github.com/Tutortoise/nest-detection-service/models"
	"github.com/Tutortoise/nest-detection-service/tensors"

	"gorgonia.org/tensor"
)

// Decode turns a [1, N, 5] model output into detections. Each candidate row is
// x1, y1, x2, y2, score; rows with score strictly above threshold become a
// detection with the corners converted to (x, y, width, height). Candidate
// order is kept and overlapping boxes are left alone.
//
// Decode owns output and releases it before returning, whether or not it
// succeeds. alloc may be nil, in which case tensors.Default is used.
func Decode(output *tensors.Tensor, threshold float32, alloc *tensors.Allocator) ([]models.Detection, error) {
	if output == nil {
		return nil, newError(ErrShape, nil, "no output tensor")
	}
	defer output.Release()

	if alloc == nil {
		alloc = tensors.Default
	}

	numCandidates, err := candidateCount(output)
	if err != nil {
		return nil, err
	}

	detections := make([]models.Detection, 0)
	if numCandidates == 0 {
		return detections, nil
	}

	boxes, scores, err := splitCandidates(output, numCandidates, alloc)
	if err != nil {
		return nil, err
	}
	defer boxes.Release()
	defer scores.Release()

	boxData := boxes.Float32s()
	for i, score := range scores.Float32s() {
		// NaN compares false, so it never passes
		if !(score > threshold) {
			continue
		}
		detections = append(detections, models.Detection{
			BBox:  cornersToBBox(boxData[i*BoxLanes : (i+1)*BoxLanes]),
			Score: score,
		})
	}

	return detections, nil
}

func candidateCount(output *tensors.Tensor) (int, error) {
	shape := output.Shape()
	if len(shape) != 3 {
		return 0, newError(ErrShape, nil, "want rank 3 [1, N, %d], got shape %v", CandidateLanes, shape)
	}
	if shape[0] != 1 {
		return 0, newError(ErrShape, nil, "want batch size 1, got shape %v", shape)
	}
	if shape[2] != CandidateLanes {
		return 0, newError(ErrShape, nil, "want %d lanes per candidate, got shape %v", CandidateLanes, shape)
	}
	if output.Len() != shape[1]*CandidateLanes {
		return 0, newError(ErrShape, nil, "shape %v does not match %d elements", shape, output.Len())
	}
	return shape[1], nil
}

// splitCandidates slices the first four lanes of every row into a [1, N, 4]
// boxes tensor and the fifth lane into an N element scores tensor. Both are
// copied out of the output so they outlive it.
func splitCandidates(output *tensors.Tensor, n int, alloc *tensors.Allocator) (*tensors.Tensor, *tensors.Tensor, error) {
	dense := output.Dense()
	if dense == nil {
		return nil, nil, newError(ErrShape, nil, "output has no elements")
	}

	boxView, err := dense.Slice(nil, nil, tensor.S(0, BoxLanes))
	if err != nil {
		return nil, nil, newError(ErrShape, err, "slice boxes")
	}
	scoreView, err := dense.Slice(nil, nil, tensor.S(BoxLanes))
	if err != nil {
		return nil, nil, newError(ErrShape, err, "slice scores")
	}

	boxes, err := alloc.Get(1, n, BoxLanes)
	if err != nil {
		return nil, nil, newError(ErrShape, err, "extract boxes")
	}
	if err := copyView(boxes.Float32s(), boxView); err != nil {
		boxes.Release()
		return nil, nil, newError(ErrShape, err, "extract boxes")
	}

	scores, err := alloc.Get(1, n, 1)
	if err != nil {
		boxes.Release()
		return nil, nil, newError(ErrShape, err, "extract scores")
	}
	if err := copyView(scores.Float32s(), scoreView); err != nil {
		boxes.Release()
		scores.Release()
		return nil, nil, newError(ErrShape, err, "extract scores")
	}

	return boxes, scores, nil
}

// copyView materializes a strided view into dst, which must match its size.
// A single selected element comes back as a scalar view.
func copyView(dst []float32, view tensor.View) error {
	var values interface{}
	if view.IsScalar() {
		values = view.Data()
	} else {
		values = view.Materialize().Data()
	}
	switch data := values.(type) {
	case []float32:
		if len(data) != len(dst) {
			return fmt.Errorf("view holds %d values, want %d", len(data), len(dst))
		}
		copy(dst, data)
	case float32:
		if len(dst) != 1 {
			return fmt.Errorf("view holds 1 value, want %d", len(dst))
		}
		dst[0] = data
	default:
		return fmt.Errorf("unexpected view data %T", data)
	}
	return nil
}

// cornersToBBox converts (x1, y1, x2, y2) into top-left plus extent.
func cornersToBBox(c []float32) models.BBox {
	return models.BBox{
		X:      c[0],
		Y:      c[1],
		Width:  c[2] - c[0],
		Height: c[3] - c[1],
	}
}

// ValidateThreshold rejects thresholds outside [0, 1].
func ValidateThreshold(threshold float32) error {
	if threshold < 0 || threshold > 1 || math.IsNaN(float64(threshold)) {
		return fmt.Errorf("threshold %v outside [0, 1]", threshold)
	}
	return nil
}
