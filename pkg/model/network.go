// Package model implements the genre CNN: its layers, training loop and
// persisted artifact.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/nzoschke/genrelab/pkg/errs"
)

// Architecture fully describes a network topology.
type Architecture struct {
	Name          string  `msgpack:"name" json:"name"`
	Input         Shape   `msgpack:"input" json:"input"`
	Classes       int     `msgpack:"classes" json:"classes"`
	Filters       []int   `msgpack:"filters" json:"filters"`
	Kernel        int     `msgpack:"kernel" json:"kernel"`
	Pool          int     `msgpack:"pool" json:"pool"`
	BlockDropout  float64 `msgpack:"block_dropout" json:"block_dropout"`
	DenseDropout  float64 `msgpack:"dense_dropout" json:"dense_dropout"`
	RescaleScale  float64 `msgpack:"rescale_scale" json:"rescale_scale"`
	RescaleOffset float64 `msgpack:"rescale_offset" json:"rescale_offset"`
}

// GenreNet returns the genre classifier topology for 128 x 1292 dB
// spectrograms: five conv/pool blocks of 32 to 512 filters, dropout after
// all but the last block, then dropout and a softmax projection.
func GenreNet(classes int) Architecture {
	return Architecture{
		Name:          "genre_net",
		Input:         Shape{128, 1292, 1},
		Classes:       classes,
		Filters:       []int{32, 64, 128, 256, 512},
		Kernel:        2,
		Pool:          2,
		BlockDropout:  0.25,
		DenseDropout:  0.5,
		RescaleScale:  1.0 / 80,
		RescaleOffset: 1,
	}
}

// Network is a sequential stack of layers.
type Network struct {
	arch   Architecture
	layers []Layer
}

// New builds the network for arch with Glorot uniform kernels and zero
// biases drawn from seed.
func New(arch Architecture, seed uint64) (*Network, error) {
	n, err := build(arch)
	if err != nil {
		return nil, err
	}
	n.initialize(rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d)))
	return n, nil
}

func build(arch Architecture) (*Network, error) {
	if arch.Classes < 1 {
		return nil, fmt.Errorf("architecture needs at least one class, got %d", arch.Classes)
	}
	if arch.Input.Size() <= 0 || arch.Kernel < 1 || arch.Pool < 1 {
		return nil, fmt.Errorf("invalid architecture %+v", arch)
	}

	n := &Network{arch: arch}
	shape := arch.Input
	add := func(l Layer) {
		n.layers = append(n.layers, l)
		shape = l.OutShape()
	}

	add(&Rescale{name: "rescaling", shape: shape, scale: arch.RescaleScale, offset: arch.RescaleOffset})
	for i, filters := range arch.Filters {
		conv, err := newConv2D(fmt.Sprintf("conv2d_%d", i+1), shape, filters, arch.Kernel)
		if err != nil {
			return nil, err
		}
		add(conv)

		pool, err := newAvgPool2D(fmt.Sprintf("average_pooling2d_%d", i+1), shape, arch.Pool)
		if err != nil {
			return nil, err
		}
		add(pool)

		if i < len(arch.Filters)-1 {
			add(&Dropout{name: fmt.Sprintf("dropout_%d", i+1), shape: shape, rate: arch.BlockDropout})
		}
	}
	add(&Flatten{name: "flatten", in: shape})
	add(&Dropout{name: fmt.Sprintf("dropout_%d", len(arch.Filters)), shape: shape, rate: arch.DenseDropout})
	add(newDense("dense", shape.Size(), arch.Classes))
	add(&Softmax{name: "softmax", n: arch.Classes})
	return n, nil
}

func (n *Network) initialize(rng *rand.Rand) {
	for _, l := range n.layers {
		var fanIn, fanOut int
		switch l := l.(type) {
		case *Conv2D:
			fanIn = l.k * l.k * l.in[2]
			fanOut = l.k * l.k * l.out[2]
			glorot(rng, l.kernel.Value, fanIn, fanOut)
		case *Dense:
			glorot(rng, l.kernel.Value, l.in, l.out)
		}
	}
}

func glorot(rng *rand.Rand, w []float64, fanIn, fanOut int) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

// Architecture returns the topology the network was built from.
func (n *Network) Architecture() Architecture {
	return n.arch
}

// InputShape returns the [freq, time, channel] shape the network accepts.
func (n *Network) InputShape() Shape {
	return n.arch.Input
}

// Classes returns the number of outputs.
func (n *Network) Classes() int {
	return n.arch.Classes
}

// Layers returns the layer stack.
func (n *Network) Layers() []Layer {
	return n.layers
}

// Params returns every trainable tensor in layer order.
func (n *Network) Params() []*Param {
	var ps []*Param
	for _, l := range n.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// NumParams returns the number of trainable values.
func (n *Network) NumParams() int {
	var total int
	for _, p := range n.Params() {
		total += len(p.Value)
	}
	return total
}

// Snapshot copies the current weights.
func (n *Network) Snapshot() [][]float64 {
	ps := n.Params()
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = append([]float64(nil), p.Value...)
	}
	return out
}

// Restore overwrites the weights with a Snapshot.
func (n *Network) Restore(snap [][]float64) {
	for i, p := range n.Params() {
		copy(p.Value, snap[i])
	}
}

// Predict runs inference on one example laid out as [freq][time] and
// returns class probabilities. It is safe for concurrent use.
func (n *Network) Predict(x []float32) ([]float64, error) {
	if len(x) != n.arch.Input.Size() {
		return nil, errs.ShapeMismatch("predict", n.arch.Input.Size(), len(x))
	}
	probs, _ := n.forward(toFloat64(x), nil)
	return probs, nil
}

// forward returns the output of the last layer and, when training, the
// per-layer caches needed by backward.
func (n *Network) forward(x []float64, p *pass) ([]float64, []any) {
	var caches []any
	if p != nil && p.train {
		caches = make([]any, len(n.layers))
	}
	for i, l := range n.layers {
		var c any
		x, c = l.Forward(x, p)
		if caches != nil {
			caches[i] = c
		}
	}
	return x, caches
}

// backward propagates the loss gradient with respect to the softmax logits
// down the stack and returns per-parameter gradients in Params order.
func (n *Network) backward(dlogits []float64, caches []any) [][]float64 {
	var grads [][]float64
	layerGrads := make([][][]float64, len(n.layers))
	for i, l := range n.layers {
		for _, p := range l.Params() {
			layerGrads[i] = append(layerGrads[i], make([]float64, len(p.Value)))
		}
	}

	last := len(n.layers) - 1
	if _, ok := n.layers[last].(*Softmax); ok {
		last--
	}
	dy := dlogits
	for i := last; i >= 0; i-- {
		dy = n.layers[i].Backward(dy, caches[i], layerGrads[i])
	}

	for _, g := range layerGrads {
		grads = append(grads, g...)
	}
	return grads
}

func toFloat64(x []float32) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = float64(v)
	}
	return out
}
