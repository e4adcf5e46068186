//go:build tensorflow

package predict

import (
	"context"
	"fmt"
	"os"

	tf "github.com/wamuir/graft/tensorflow"

	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/features"
)

// TensorFlow runs a Keras SavedModel export of the genre model.
type TensorFlow struct {
	model    *tf.SavedModel
	inputOp  string
	outputOp string
}

// NewTensorFlow loads the SavedModel directory at path. Operation names
// default to the Keras serving signature.
func NewTensorFlow(path, inputName, outputName string) (*TensorFlow, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errs.FromFS("open saved model", path, err)
	}

	model, err := tf.LoadSavedModel(path, []string{"serve"}, nil)
	if err != nil {
		return nil, errs.Decode("open saved model", path, err)
	}

	b := &TensorFlow{model: model, inputOp: "serving_default_" + inputName, outputOp: "StatefulPartitionedCall"}
	if model.Graph.Operation(inputName) != nil {
		b.inputOp = inputName
	}
	if model.Graph.Operation(outputName) != nil {
		b.outputOp = outputName
	}
	return b, nil
}

func (b *TensorFlow) Forward(_ context.Context, spec *features.Spectrogram) ([]float32, error) {
	// [1, mels, frames, 1]
	batch := make([][][][]float32, 1)
	batch[0] = make([][][]float32, spec.Mels)
	for m := range spec.Mels {
		row := make([][]float32, spec.Frames)
		for t := range spec.Frames {
			row[t] = []float32{spec.At(m, t)}
		}
		batch[0][m] = row
	}

	input, err := tf.NewTensor(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	inputOp := b.model.Graph.Operation(b.inputOp)
	if inputOp == nil {
		return nil, fmt.Errorf("input operation %q not found", b.inputOp)
	}
	outputOp := b.model.Graph.Operation(b.outputOp)
	if outputOp == nil {
		return nil, fmt.Errorf("output operation %q not found", b.outputOp)
	}

	outputs, err := b.model.Session.Run(
		map[tf.Output]*tf.Tensor{inputOp.Output(0): input},
		[]tf.Output{outputOp.Output(0)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	switch v := outputs[0].Value().(type) {
	case [][]float32:
		if len(v) == 0 {
			return nil, fmt.Errorf("empty output batch")
		}
		return v[0], nil
	case []float32:
		return v, nil
	default:
		return nil, fmt.Errorf("unexpected output type: %T", v)
	}
}

// Close releases the TensorFlow session.
func (b *TensorFlow) Close() error {
	if b.model != nil && b.model.Session != nil {
		return b.model.Session.Close()
	}
	return nil
}
