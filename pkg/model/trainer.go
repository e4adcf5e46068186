package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"reflect"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// ErrSharedValidation is returned when the training set is also passed as
// the validation set.
var ErrSharedValidation = errors.New("validation data must be distinct from training data")

// Examples is a read-only labelled dataset.
type Examples interface {
	Len() int
	Shape() [3]int
	Example(i int) ([]float32, int)
}

// Metrics are the results of one epoch.
type Metrics struct {
	Epoch       int
	Loss        float64
	Accuracy    float64
	ValLoss     float64
	ValAccuracy float64
}

// History records every completed epoch.
type History struct {
	Epochs  []Metrics
	Stopped bool // an observer ended training early
}

// TrainConfig configures a Trainer.
type TrainConfig struct {
	Epochs    int
	BatchSize int    // examples per optimizer step; below 1 means 1
	Workers   int    // examples processed concurrently; 0 means NumCPU
	Seed      uint64 // dropout seed
	Optimizer RMSPropConfig
	Logger    *slog.Logger
}

// Trainer fits a Network with sparse categorical cross-entropy and RMSProp.
type Trainer struct {
	net       *Network
	cfg       TrainConfig
	opt       *RMSProp
	observers []Observer
	log       *slog.Logger
}

// NewTrainer returns a trainer for net. Observers run in order at the end of
// every epoch.
func NewTrainer(net *Network, cfg TrainConfig, observers ...Observer) *Trainer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{
		net:       net,
		cfg:       cfg,
		opt:       NewRMSProp(cfg.Optimizer),
		observers: observers,
		log:       log,
	}
}

// Fit trains on train for the configured epochs, evaluating val after each
// one. Shapes and labels are checked before the first epoch.
func (t *Trainer) Fit(ctx context.Context, train, val Examples) (*History, error) {
	if train == nil || val == nil {
		return nil, errors.New("fit needs training and validation data")
	}
	if sameExamples(train, val) {
		return nil, ErrSharedValidation
	}
	for _, ds := range []Examples{train, val} {
		if err := t.check(ds); err != nil {
			return nil, err
		}
	}

	hist := &History{}
	for epoch := range t.cfg.Epochs {
		start := time.Now()

		loss, acc, err := t.trainEpoch(ctx, train, epoch)
		if err != nil {
			return hist, err
		}
		valLoss, valAcc, err := t.Evaluate(ctx, val)
		if err != nil {
			return hist, err
		}

		m := Metrics{Epoch: epoch, Loss: loss, Accuracy: acc, ValLoss: valLoss, ValAccuracy: valAcc}
		hist.Epochs = append(hist.Epochs, m)
		t.log.Info("epoch",
			"epoch", epoch+1, "of", t.cfg.Epochs,
			"loss", m.Loss, "accuracy", m.Accuracy,
			"val_loss", m.ValLoss, "val_accuracy", m.ValAccuracy,
			"took", time.Since(start).Round(time.Millisecond))

		stop := false
		for _, o := range t.observers {
			action, err := o.OnEpochEnd(ctx, m, t.net)
			if err != nil {
				return hist, fmt.Errorf("epoch %d observer: %w", epoch+1, err)
			}
			if action == Stop {
				stop = true
			}
		}
		if stop {
			hist.Stopped = true
			t.log.Info("training stopped early", "epoch", epoch+1)
			break
		}
	}
	return hist, nil
}

func (t *Trainer) check(ds Examples) error {
	if ds.Len() == 0 {
		return errors.New("dataset is empty")
	}
	if Shape(ds.Shape()) != t.net.InputShape() {
		return errs.ShapeMismatch("fit", t.net.InputShape(), ds.Shape())
	}
	for i := range ds.Len() {
		if _, label := ds.Example(i); label < 0 || label >= t.net.Classes() {
			return fmt.Errorf("example %d: label %d outside [0, %d)", i, label, t.net.Classes())
		}
	}
	return nil
}

type exampleResult struct {
	loss    float64
	correct bool
	grads   [][]float64
}

func (t *Trainer) trainEpoch(ctx context.Context, ds Examples, epoch int) (float64, float64, error) {
	params := t.net.Params()
	var lossSum float64
	var correct int

	for start := 0; start < ds.Len(); start += t.cfg.BatchSize {
		end := min(start+t.cfg.BatchSize, ds.Len())
		results := make([]exampleResult, end-start)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(t.cfg.Workers)
		for i := start; i < end; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				x, label := ds.Example(i)
				rng := rand.New(rand.NewPCG(t.cfg.Seed, uint64(epoch)<<32|uint64(i)))
				probs, caches := t.net.forward(toFloat64(x), &pass{train: true, rng: rng})

				dlogits := append([]float64(nil), probs...)
				dlogits[label]--
				results[i-start] = exampleResult{
					loss:    crossEntropy(probs, label),
					correct: floats.MaxIdx(probs) == label,
					grads:   t.net.backward(dlogits, caches),
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, 0, err
		}

		// Reduce in example order so runs are reproducible.
		grads := results[0].grads
		lossSum += results[0].loss
		if results[0].correct {
			correct++
		}
		for _, r := range results[1:] {
			for j := range grads {
				floats.Add(grads[j], r.grads[j])
			}
			lossSum += r.loss
			if r.correct {
				correct++
			}
		}
		if n := len(results); n > 1 {
			for j := range grads {
				floats.Scale(1/float64(n), grads[j])
			}
		}
		t.opt.Step(params, grads)
	}

	n := float64(ds.Len())
	return lossSum / n, float64(correct) / n, nil
}

// Evaluate returns the mean loss and accuracy of the network on ds with
// dropout disabled.
func (t *Trainer) Evaluate(ctx context.Context, ds Examples) (float64, float64, error) {
	losses := make([]float64, ds.Len())
	hits := make([]bool, ds.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Workers)
	for i := range ds.Len() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			x, label := ds.Example(i)
			probs, err := t.net.Predict(x)
			if err != nil {
				return err
			}
			losses[i] = crossEntropy(probs, label)
			hits[i] = floats.MaxIdx(probs) == label
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	var correct int
	for _, h := range hits {
		if h {
			correct++
		}
	}
	n := float64(ds.Len())
	return floats.Sum(losses) / n, float64(correct) / n, nil
}

// crossEntropy is the sparse categorical cross-entropy of one prediction,
// with probabilities clipped away from 0 and 1.
func crossEntropy(probs []float64, label int) float64 {
	const eps = 1e-7
	p := math.Min(math.Max(probs[label], eps), 1-eps)
	return -math.Log(p)
}

func sameExamples(a, b Examples) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	return va.Kind() == reflect.Pointer && vb.Kind() == reflect.Pointer && va.Pointer() == vb.Pointer()
}
