// Package predict classifies audio files into genres with a trained model.
package predict

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nzoschke/genrelab/pkg/config"
	"github.com/nzoschke/genrelab/pkg/errs"
	"github.com/nzoschke/genrelab/pkg/features"
	"github.com/nzoschke/genrelab/pkg/labels"
)

// Backend runs a forward pass over one spectrogram and returns one score
// per class in registry order.
type Backend interface {
	Forward(ctx context.Context, spec *features.Spectrogram) ([]float32, error)
	Close() error
}

// Score is the probability of one genre.
type Score struct {
	Genre string  `json:"genre"`
	Score float32 `json:"score"`
}

// Result holds the scores for a file, highest first. Ties keep registry
// order.
type Result struct {
	Path   string  `json:"path"`
	Scores []Score `json:"scores"`
}

// Top returns at most n of the highest scores. n <= 0 means all.
func (r Result) Top(n int) []Score {
	if n <= 0 || n > len(r.Scores) {
		n = len(r.Scores)
	}
	return r.Scores[:n]
}

// Best returns the highest scoring genre.
func (r Result) Best() Score {
	if len(r.Scores) == 0 {
		return Score{}
	}
	return r.Scores[0]
}

// Predictor maps audio files to genre scores. The backend and registry are
// loaded once; forward passes are serialized so a Predictor can be shared.
type Predictor struct {
	backend   Backend
	labels    *labels.Registry
	extractor *features.Extractor

	mu sync.Mutex
}

// New loads the label registry and the model named in cfg. Files are
// windowed with the policy in fcfg, which must be the one the training
// caches were extracted with.
func New(cfg config.ModelConfig, fcfg config.FeaturesConfig) (*Predictor, error) {
	policy, err := features.ParsePolicy(fcfg.Policy)
	if err != nil {
		return nil, err
	}
	reg, err := labels.Load(cfg.Labels)
	if err != nil {
		return nil, err
	}
	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}

	ecfg := features.DefaultConfig()
	ecfg.Policy = policy
	return NewWithBackend(backend, reg, features.NewExtractor(ecfg)), nil
}

// Policy returns the window policy files are extracted with.
func (p *Predictor) Policy() features.Policy {
	return p.extractor.Config().Policy
}

// NewWithBackend returns a predictor over an already opened backend.
func NewWithBackend(backend Backend, reg *labels.Registry, ext *features.Extractor) *Predictor {
	return &Predictor{backend: backend, labels: reg, extractor: ext}
}

// OpenBackend opens the backend named by cfg.Backend.
func OpenBackend(cfg config.ModelConfig) (Backend, error) {
	var (
		b   Backend
		err error
	)
	switch cfg.Backend {
	case "", "native":
		b, err = NewNative(cfg.Path)
	case "onnx":
		b, err = NewONNX(cfg.Path, cfg.InputName, cfg.OutputName)
	case "tensorflow":
		b, err = NewTensorFlow(cfg.Path, cfg.InputName, cfg.OutputName)
	default:
		return nil, fmt.Errorf("unknown backend %q (want native, onnx or tensorflow)", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Labels returns the registry scores are indexed by.
func (p *Predictor) Labels() *labels.Registry {
	return p.labels
}

// Close releases the backend.
func (p *Predictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.Close()
}

// PredictGenre extracts the primary window of path and returns its genre
// scores sorted highest first.
func (p *Predictor) PredictGenre(ctx context.Context, path string) (Result, error) {
	scores, err := p.Scores(ctx, path)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path, Scores: p.rank(scores)}, nil
}

// Scores returns the raw score vector of path in registry order.
func (p *Predictor) Scores(ctx context.Context, path string) ([]float32, error) {
	spec, err := p.extractor.Extract(ctx, path)
	if err != nil {
		return nil, err
	}
	return p.ScoreSpectrogram(ctx, spec)
}

// ScoreSpectrogram runs the backend on an extracted spectrogram.
func (p *Predictor) ScoreSpectrogram(ctx context.Context, spec *features.Spectrogram) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	scores, err := p.backend.Forward(ctx, spec)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if len(scores) != p.labels.Len() {
		return nil, errs.ShapeMismatch("predict", p.labels.Len(), len(scores))
	}
	return scores, nil
}

func (p *Predictor) rank(scores []float32) []Score {
	out := make([]Score, len(scores))
	for i, s := range scores {
		name, _ := p.labels.Name(i)
		out[i] = Score{Genre: name, Score: s}
	}
	slices.SortStableFunc(out, func(a, b Score) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return out
}
