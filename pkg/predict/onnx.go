package predict

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/features"
)

// ortInitOnce ensures ONNX Runtime is initialized only once
var ortInitOnce sync.Once
var ortInitErr error

// ONNX runs an exported genre model through ONNX Runtime. The model takes
// a [1, mels, frames, 1] float32 tensor and returns [1, classes].
type ONNX struct {
	session *ort.DynamicAdvancedSession
}

// NewONNX opens the model at path. Empty or unknown tensor names fall back
// to the model's first input and output.
func NewONNX(path, inputName, outputName string) (*ONNX, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errs.FromFS("open onnx model", path, err)
	}

	ortInitOnce.Do(func() {
		ort.SetSharedLibraryPath(getONNXLibPath())
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", ortInitErr)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, errs.Decode("open onnx model", path, err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errs.Decode("open onnx model", path, fmt.Errorf("model has %d inputs and %d outputs", len(inputs), len(outputs)))
	}

	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{tensorName(inputs, inputName)},
		[]string{tensorName(outputs, outputName)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session: %w", err)
	}
	return &ONNX{session: session}, nil
}

func tensorName(infos []ort.InputOutputInfo, want string) string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	if slices.Contains(names, want) {
		return want
	}
	return names[0]
}

func (b *ONNX) Forward(_ context.Context, spec *features.Spectrogram) ([]float32, error) {
	s := spec.BatchShape()
	shape := ort.NewShape(int64(s[0]), int64(s[1]), int64(s[2]), int64(s[3]))
	input, err := ort.NewTensor(shape, spec.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer input.Destroy()

	// nil outputs are allocated by the session
	outputs := []ort.Value{nil}
	if err := b.session.Run([]ort.Value{input}, outputs); err != nil {
		return nil, fmt.Errorf("onnx inference failed: %w", err)
	}
	if outputs[0] == nil {
		return nil, fmt.Errorf("onnx output was nil")
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected onnx output type %T", outputs[0])
	}
	return slices.Clone(out.GetData()), nil
}

// Close releases ONNX Runtime resources.
func (b *ONNX) Close() error {
	if b.session != nil {
		return b.session.Destroy()
	}
	return nil
}

// getONNXLibPath returns the path to the ONNX Runtime shared library.
func getONNXLibPath() string {
	if path := os.Getenv("ONNXRUNTIME_LIB_PATH"); path != "" {
		return path
	}

	candidates := []string{
		"/opt/homebrew/lib/libonnxruntime.dylib", // macOS ARM (Homebrew)
		"/usr/local/lib/libonnxruntime.dylib",    // macOS Intel (Homebrew)
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	// let the library search the loader path
	return "onnxruntime"
}
