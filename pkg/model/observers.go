package model

import (
	"context"
	"encoding/csv"
	"log/slog"
	"math"
	"os"
	"strconv"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// Action is an observer's decision after an epoch.
type Action int

const (
	Continue Action = iota
	Stop
)

// Observer is notified at the end of every epoch with that epoch's metrics.
type Observer interface {
	OnEpochEnd(ctx context.Context, m Metrics, net *Network) (Action, error)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, m Metrics, net *Network) (Action, error)

func (f ObserverFunc) OnEpochEnd(ctx context.Context, m Metrics, net *Network) (Action, error) {
	return f(ctx, m, net)
}

// Checkpoint saves the network whenever validation accuracy improves on
// the best value seen so far.
type Checkpoint struct {
	Path   string
	Logger *slog.Logger

	best    float64
	started bool
	saved   bool
}

// NewCheckpoint returns a checkpoint writing to path.
func NewCheckpoint(path string) *Checkpoint {
	return &Checkpoint{Path: path}
}

func (c *Checkpoint) OnEpochEnd(_ context.Context, m Metrics, net *Network) (Action, error) {
	if !c.started {
		c.best, c.started = math.Inf(-1), true
	}
	if m.ValAccuracy <= c.best {
		return Continue, nil
	}
	if err := Save(c.Path, net); err != nil {
		return Continue, err
	}
	if c.Logger != nil {
		c.Logger.Info("checkpoint saved", "path", c.Path, "val_accuracy", m.ValAccuracy, "previous", c.best)
	}
	c.best = m.ValAccuracy
	c.saved = true
	return Continue, nil
}

// Saved reports whether any checkpoint was written.
func (c *Checkpoint) Saved() bool {
	return c.saved
}

// EarlyStopping stops training once validation loss has not improved for
// Patience epochs, optionally restoring the weights of the best epoch.
type EarlyStopping struct {
	Patience    int
	MinDelta    float64
	RestoreBest bool
	Logger      *slog.Logger

	best      float64
	started   bool
	wait      int
	bestEpoch int
	weights   [][]float64
}

// NewEarlyStopping returns an early stopper that restores the best weights.
func NewEarlyStopping(patience int) *EarlyStopping {
	return &EarlyStopping{Patience: patience, RestoreBest: true}
}

func (e *EarlyStopping) OnEpochEnd(_ context.Context, m Metrics, net *Network) (Action, error) {
	if !e.started {
		e.best, e.started = math.Inf(1), true
	}
	if m.ValLoss < e.best-e.MinDelta {
		e.best = m.ValLoss
		e.bestEpoch = m.Epoch
		e.wait = 0
		if e.RestoreBest {
			e.weights = net.Snapshot()
		}
		return Continue, nil
	}

	e.wait++
	if e.wait < e.Patience {
		return Continue, nil
	}
	if e.RestoreBest && e.weights != nil {
		net.Restore(e.weights)
		if e.Logger != nil {
			e.Logger.Info("restored best weights", "epoch", e.bestEpoch+1, "val_loss", e.best)
		}
	}
	return Stop, nil
}

// BestEpoch returns the zero-based epoch with the lowest validation loss.
func (e *EarlyStopping) BestEpoch() int {
	return e.bestEpoch
}

// CSVLogger appends one row of metrics per epoch to a CSV file, truncating
// it on the first epoch.
type CSVLogger struct {
	Path string
}

// NewCSVLogger returns a logger writing to path.
func NewCSVLogger(path string) *CSVLogger {
	return &CSVLogger{Path: path}
}

func (l *CSVLogger) OnEpochEnd(_ context.Context, m Metrics, _ *Network) (Action, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if m.Epoch == 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(l.Path, flags, 0644)
	if err != nil {
		return Continue, errs.IO("open training log", l.Path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if m.Epoch == 0 {
		if err := w.Write([]string{"epoch", "accuracy", "loss", "val_accuracy", "val_loss"}); err != nil {
			return Continue, errs.IO("write training log", l.Path, err)
		}
	}
	row := []string{
		strconv.Itoa(m.Epoch),
		formatFloat(m.Accuracy),
		formatFloat(m.Loss),
		formatFloat(m.ValAccuracy),
		formatFloat(m.ValLoss),
	}
	if err := w.Write(row); err != nil {
		return Continue, errs.IO("write training log", l.Path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Continue, errs.IO("write training log", l.Path, err)
	}
	return Continue, f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
