package model

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nzoschke/genrelab/pkg/errs"
)

type memExamples struct {
	shape [3]int
	xs    [][]float32
	ys    []int
}

func (m *memExamples) Len() int                       { return len(m.ys) }
func (m *memExamples) Shape() [3]int                  { return m.shape }
func (m *memExamples) Example(i int) ([]float32, int) { return m.xs[i], m.ys[i] }

// loudQuiet returns n examples per class: class 0 is quiet (-80..-60 dB),
// class 1 loud (-20..0 dB).
func loudQuiet(shape [3]int, n int, seed uint64) *memExamples {
	rng := rand.New(rand.NewPCG(seed, 1))
	m := &memExamples{shape: shape}
	for i := range 2 * n {
		label := i % 2
		x := make([]float32, shape[0]*shape[1]*shape[2])
		for j := range x {
			x[j] = float32(-80 + 60*float64(label) + 20*rng.Float64())
		}
		m.xs = append(m.xs, x)
		m.ys = append(m.ys, label)
	}
	return m
}

func tinyArch(classes int) Architecture {
	arch := GenreNet(classes)
	arch.Input = Shape{10, 10, 1}
	arch.Filters = []int{4, 3}
	arch.BlockDropout = 0
	arch.DenseDropout = 0
	return arch
}

func TestGenreNetShapes(t *testing.T) {
	net, err := New(GenreNet(10), 1)
	require.NoError(t, err)

	var classes []string
	for _, l := range net.Layers() {
		classes = append(classes, l.Class())
	}
	assert.Equal(t, []string{
		"Rescaling",
		"Conv2D", "AveragePooling2D", "Dropout",
		"Conv2D", "AveragePooling2D", "Dropout",
		"Conv2D", "AveragePooling2D", "Dropout",
		"Conv2D", "AveragePooling2D", "Dropout",
		"Conv2D", "AveragePooling2D",
		"Flatten", "Dropout", "Dense", "Softmax",
	}, classes)

	layers := net.Layers()
	assert.Equal(t, Shape{127, 1291, 32}, layers[1].OutShape())
	assert.Equal(t, Shape{3, 39, 512}, layers[14].OutShape())
	assert.Equal(t, Shape{1, 1, 59904}, layers[15].OutShape())
	assert.Equal(t, Shape{1, 1, 10}, layers[18].OutShape())
	assert.Equal(t, 0.5, layers[16].Config()["rate"])
	assert.Equal(t, 0.25, layers[3].Config()["rate"])

	_, err = New(Architecture{Input: Shape{3, 3, 1}, Classes: 2, Filters: []int{4, 4}, Kernel: 2, Pool: 2}, 1)
	assert.Error(t, err, "input too small for two blocks")
}

func TestPredictSumsToOne(t *testing.T) {
	net, err := New(tinyArch(4), 3)
	require.NoError(t, err)

	ex := loudQuiet([3]int{10, 10, 1}, 1, 1)
	probs, err := net.Predict(ex.xs[0])
	require.NoError(t, err)
	require.Len(t, probs, 4)

	var sum float64
	for _, p := range probs {
		assert.GreaterOrEqual(t, p, 0.0)
		sum += p
	}
	assert.InDelta(t, 1, sum, 1e-9)

	_, err = net.Predict(make([]float32, 3))
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
}

func TestGradients(t *testing.T) {
	net, err := New(tinyArch(3), 11)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 5))
	x := make([]float64, 100)
	for i := range x {
		x[i] = -80 * rng.Float64()
	}
	label := 2

	loss := func() float64 {
		probs, _ := net.forward(x, nil)
		return crossEntropy(probs, label)
	}

	probs, caches := net.forward(x, &pass{train: true, rng: rng})
	dlogits := append([]float64(nil), probs...)
	dlogits[label]--
	grads := net.backward(dlogits, caches)

	const h = 1e-6
	for i, p := range net.Params() {
		for _, j := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[j]
			p.Value[j] = orig + h
			up := loss()
			p.Value[j] = orig - h
			down := loss()
			p.Value[j] = orig

			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, grads[i][j], 1e-4+1e-3*math.Abs(numeric), "%s[%d]", p.Name, j)
		}
	}
}

func TestSoftmaxBackwardMatchesFusedGradient(t *testing.T) {
	sm := &Softmax{name: "softmax", n: 3}
	y, cache := sm.Forward([]float64{0.5, -1, 2}, nil)

	label := 1
	dprob := make([]float64, 3)
	dprob[label] = -1 / y[label]
	dx := sm.Backward(dprob, cache, nil)

	for i := range y {
		want := y[i]
		if i == label {
			want--
		}
		assert.InDelta(t, want, dx[i], 1e-12)
	}
}

func TestDropout(t *testing.T) {
	d := &Dropout{name: "dropout", shape: Shape{1, 1, 10000}, rate: 0.25}
	x := make([]float64, 10000)
	for i := range x {
		x[i] = 1
	}

	y, _ := d.Forward(x, nil)
	assert.Equal(t, x, y, "identity at inference")

	y, mask := d.Forward(x, &pass{train: true, rng: rand.New(rand.NewPCG(1, 2))})
	var zeros int
	var sum float64
	for _, v := range y {
		if v == 0 {
			zeros++
		}
		sum += v
	}
	assert.InDelta(t, 2500, zeros, 250)
	assert.InDelta(t, 10000, sum, 400, "kept units are scaled by 1/(1-rate)")

	dx := d.Backward(x, mask, nil)
	assert.Equal(t, y, dx)
}

func TestRMSPropStep(t *testing.T) {
	p := &Param{Name: "w", Shape: []int{2}, Value: []float64{1, -2}}
	opt := NewRMSProp(RMSPropConfig{LearningRate: 0.1, Rho: 0.9, Epsilon: 1e-7, WeightDecay: 0.01})

	opt.Step([]*Param{p}, [][]float64{{0.5, 0}})

	v := 0.1 * 0.25
	want := 1 - 1*0.01*0.1 - 0.1*0.5/math.Sqrt(v+1e-7)
	assert.InDelta(t, want, p.Value[0], 1e-12)
	assert.InDelta(t, -2+2*0.01*0.1, p.Value[1], 1e-12, "zero gradient only decays")

	opt.Step([]*Param{p}, [][]float64{{0.5, 0}})
	v = 0.9*v + 0.1*0.25
	want = want - want*0.01*0.1 - 0.1*0.5/math.Sqrt(v+1e-7)
	assert.InDelta(t, want, p.Value[0], 1e-12)
}

func TestFitLearns(t *testing.T) {
	dir := t.TempDir()
	arch := tinyArch(2)
	arch.Filters = []int{8, 8}
	net, err := New(arch, 7)
	require.NoError(t, err)

	train := loudQuiet(arch.Input, 8, 1)
	val := loudQuiet(arch.Input, 4, 2)

	ckpt := NewCheckpoint(filepath.Join(dir, "best.msgpack"))
	csvPath := filepath.Join(dir, "training.csv")
	opt := DefaultRMSProp()
	opt.LearningRate = 0.01

	trainer := NewTrainer(net, TrainConfig{Epochs: 20, BatchSize: 2, Workers: 2, Seed: 1, Optimizer: opt},
		ckpt, NewCSVLogger(csvPath))
	hist, err := trainer.Fit(context.Background(), train, val)
	require.NoError(t, err)
	require.Len(t, hist.Epochs, 20)
	assert.False(t, hist.Stopped)

	bestLoss, bestAcc := math.Inf(1), 0.0
	for _, m := range hist.Epochs {
		bestLoss = math.Min(bestLoss, m.ValLoss)
		bestAcc = math.Max(bestAcc, m.ValAccuracy)
	}
	assert.Less(t, bestLoss, hist.Epochs[0].ValLoss)
	assert.GreaterOrEqual(t, bestAcc, 0.75)

	assert.True(t, ckpt.Saved())
	assert.FileExists(t, ckpt.Path)

	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 21)
	assert.Equal(t, []string{"epoch", "accuracy", "loss", "val_accuracy", "val_loss"}, rows[0])
	assert.Equal(t, "19", rows[20][0])
}

func TestCSVLogger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "training.csv")
	l := NewCSVLogger(path)

	for epoch := range 3 {
		_, err := l.OnEpochEnd(ctx, Metrics{Epoch: epoch, Accuracy: 0.5, Loss: 1}, nil)
		require.NoError(t, err)
	}
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(b))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"2", "0.5", "1", "0", "0"}, rows[3])

	_, err = l.OnEpochEnd(ctx, Metrics{Epoch: 0}, nil)
	require.NoError(t, err)
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(b), "\n"), "epoch zero truncates")

	_, err = NewCSVLogger(t.TempDir()).OnEpochEnd(ctx, Metrics{}, nil)
	assert.ErrorIs(t, err, errs.ErrIO)
}

func TestFitRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	arch := tinyArch(2)
	net, err := New(arch, 1)
	require.NoError(t, err)
	trainer := NewTrainer(net, TrainConfig{Epochs: 1})

	train := loudQuiet(arch.Input, 2, 1)
	val := loudQuiet(arch.Input, 2, 2)

	_, err = trainer.Fit(ctx, train, train)
	assert.ErrorIs(t, err, ErrSharedValidation)

	wrong := loudQuiet([3]int{10, 9, 1}, 2, 1)
	_, err = trainer.Fit(ctx, wrong, val)
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)

	bad := loudQuiet(arch.Input, 2, 3)
	bad.ys[0] = 5
	_, err = trainer.Fit(ctx, train, bad)
	assert.Error(t, err)

	_, err = trainer.Fit(ctx, train, nil)
	assert.Error(t, err)
}

func TestEarlyStopping(t *testing.T) {
	ctx := context.Background()
	net, err := New(tinyArch(2), 1)
	require.NoError(t, err)

	es := NewEarlyStopping(3)
	losses := []float64{1.0, 0.5, 0.6, 0.7, 0.8}
	var best [][]float64
	var actions []Action
	for epoch, loss := range losses {
		for _, p := range net.Params() {
			p.Value[0] = float64(epoch)
		}
		if epoch == 1 {
			best = net.Snapshot()
		}
		action, err := es.OnEpochEnd(ctx, Metrics{Epoch: epoch, ValLoss: loss}, net)
		require.NoError(t, err)
		actions = append(actions, action)
	}

	assert.Equal(t, []Action{Continue, Continue, Continue, Continue, Stop}, actions)
	assert.Equal(t, 1, es.BestEpoch())
	assert.Equal(t, best, net.Snapshot(), "best weights restored")
}

func TestCheckpointOnlyOnImprovement(t *testing.T) {
	ctx := context.Background()
	net, err := New(tinyArch(2), 1)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ckpt.msgpack")
	c := NewCheckpoint(path)

	for _, step := range []struct {
		acc   float64
		saved bool
	}{{0.5, true}, {0.4, false}, {0.5, false}, {0.75, true}} {
		_ = os.Remove(path)
		_, err := c.OnEpochEnd(ctx, Metrics{ValAccuracy: step.acc}, net)
		require.NoError(t, err)
		_, statErr := os.Stat(path)
		assert.Equal(t, step.saved, statErr == nil, "val_accuracy %.2f", step.acc)
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	net, err := New(tinyArch(3), 9)
	require.NoError(t, err)

	path := filepath.Join(dir, "model.msgpack")
	require.NoError(t, Save(path, net))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, net.Architecture(), loaded.Architecture())

	x := loudQuiet([3]int{10, 10, 1}, 1, 4).xs[1]
	want, err := net.Predict(x)
	require.NoError(t, err)
	got, err := loaded.Predict(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-5)

	_, err = Load(filepath.Join(dir, "missing.msgpack"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"), []byte("junk"), 0644))
	_, err = Load(filepath.Join(dir, "junk"))
	assert.ErrorIs(t, err, errs.ErrDecode)

	archPath := filepath.Join(dir, "architecture.json")
	require.NoError(t, WriteArchitecture(archPath, net))
	data, err := os.ReadFile(archPath)
	require.NoError(t, err)
	var summary Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, net.NumParams(), summary.TotalParams)
	assert.Len(t, summary.Layers, len(net.Layers()))
}
