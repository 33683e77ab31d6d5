package detections

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessingErrorMatching(t *testing.T) {
	cause := errors.New("bad huffman code")
	err := fmt.Errorf("request abc: %w", newError(ErrDecode, cause, "decode image"))

	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrShape)
	assert.EqualError(t, err, "request abc: decode image: bad huffman code")

	var perr *ProcessingError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrDecode, perr.Kind)
}

func TestProcessingErrorWithoutMessage(t *testing.T) {
	err := &ProcessingError{Kind: ErrModelNotInitialized}
	assert.EqualError(t, err, "model not initialized")
	assert.ErrorIs(t, err, ErrModelNotInitialized)
}

func TestCPUFeatures(t *testing.T) {
	assert.NotNil(t, CPUFeatures())
}
