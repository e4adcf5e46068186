package predict

import (
	"context"

	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/features"
	"github.com/nzoschke/genrelab/pkg/model"
)

// Native runs a model trained by this module in-process.
type Native struct {
	net *model.Network
}

// NewNative loads a model artifact written by model.Save.
func NewNative(path string) (*Native, error) {
	net, err := model.Load(path)
	if err != nil {
		return nil, err
	}
	return NativeFrom(net), nil
}

// NativeFrom wraps an in-memory network.
func NativeFrom(net *model.Network) *Native {
	return &Native{net: net}
}

func (b *Native) Forward(_ context.Context, spec *features.Spectrogram) ([]float32, error) {
	if want := [3]int(b.net.InputShape()); spec.Shape() != want {
		return nil, errs.ShapeMismatch("native forward", want, spec.Shape())
	}
	probs, err := b.net.Predict(spec.Data)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(probs))
	for i, p := range probs {
		out[i] = float32(p)
	}
	return out, nil
}

func (b *Native) Close() error {
	return nil
}
