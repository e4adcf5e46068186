//go:build !tensorflow

package predict

import (
	"context"
	"errors"

	"github.com/nzoschke/genrelab/pkg/features"
)

// ErrTensorFlowUnavailable is returned when the binary was built without
// TensorFlow.
var ErrTensorFlowUnavailable = errors.New("TensorFlow support not compiled (build with -tags=tensorflow)")

// TensorFlow is a stub when TensorFlow is not available.
type TensorFlow struct{}

// NewTensorFlow returns an error when TensorFlow is not available.
func NewTensorFlow(path, inputName, outputName string) (*TensorFlow, error) {
	return nil, ErrTensorFlowUnavailable
}

func (b *TensorFlow) Forward(context.Context, *features.Spectrogram) ([]float32, error) {
	return nil, ErrTensorFlowUnavailable
}

// Close is a no-op for the stub.
func (b *TensorFlow) Close() error {
	return nil
}
