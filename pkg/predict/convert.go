package predict

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/features"
)

// ConvertToONNX converts a Keras SavedModel export of the genre model to
// ONNX with tf2onnx, so it can be served by the onnx backend without
// TensorFlow.
func ConvertToONNX(ctx context.Context, savedModelPath, outputPath string, opset int) error {
	if _, err := os.Stat(savedModelPath); err != nil {
		return errs.FromFS("convert", savedModelPath, err)
	}
	if opset < 13 {
		opset = 13
	}

	script := fmt.Sprintf(`
import os
os.environ['TF_CPP_MIN_LOG_LEVEL'] = '3'
import warnings
warnings.filterwarnings('ignore')

import tf2onnx
from tf2onnx import tf_loader

graph_def, inputs, outputs = tf_loader.from_saved_model(
    %q, None, None,
    tag='serve',
    signatures=['serving_default'],
)

tf2onnx.convert.from_graph_def(
    graph_def,
    input_names=inputs,
    output_names=outputs,
    opset=%d,
    output_path=%q,
)

print("OK")
`, savedModelPath, opset, outputPath)

	cmd := exec.CommandContext(ctx, getPythonPath(), "-c", script)
	cmd.Stderr = os.Stderr

	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("conversion failed: %w", err)
	}
	// tf2onnx may print its own logging before OK
	if !strings.Contains(string(output), "OK") {
		return fmt.Errorf("conversion may have failed: %s", output)
	}
	return nil
}

// VerifyONNX runs a silent spectrogram through the model at path and returns
// the number of scores it produces.
func VerifyONNX(ctx context.Context, path string, cfg features.Config) (int, error) {
	b, err := NewONNX(path, "", "")
	if err != nil {
		return 0, err
	}
	defer b.Close()

	shape := cfg.Shape()
	spec := &features.Spectrogram{Mels: shape[0], Frames: shape[1], Data: make([]float32, shape[0]*shape[1])}
	for i := range spec.Data {
		spec.Data[i] = float32(-cfg.TopDB)
	}
	scores, err := b.Forward(ctx, spec)
	if err != nil {
		return 0, err
	}
	return len(scores), nil
}

// getPythonPath returns the Python interpreter with tf2onnx installed.
func getPythonPath() string {
	if path := os.Getenv("GENRELAB_PYTHON"); path != "" {
		return path
	}

	// Try convert venv first (has tf2onnx with compatible deps)
	for _, venv := range []string{".venv-convert", ".venv"} {
		path := filepath.Join(venv, "bin", "python")
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return "python3"
}
