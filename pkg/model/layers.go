package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Shape is a [height, width, channels] activation shape.
type Shape [3]int

// Size returns the number of values in the shape.
func (s Shape) Size() int {
	return s[0] * s[1] * s[2]
}

// Param is a trainable tensor stored row-major.
type Param struct {
	Name  string
	Shape []int
	Value []float64
}

// pass carries per-forward-pass state.
type pass struct {
	train bool
	rng   *rand.Rand
}

// Layer is one stage of a Network. Forward must not modify x and must be
// safe to call concurrently; per-example state lives in the returned cache.
type Layer interface {
	Name() string
	Class() string
	Config() map[string]any
	OutShape() Shape
	Params() []*Param
	Forward(x []float64, p *pass) (y []float64, cache any)
	Backward(dy []float64, cache any, grads [][]float64) (dx []float64)
}

// Rescale computes x*scale + offset.
type Rescale struct {
	name          string
	shape         Shape
	scale, offset float64
}

func (l *Rescale) Name() string     { return l.name }
func (l *Rescale) Class() string    { return "Rescaling" }
func (l *Rescale) OutShape() Shape  { return l.shape }
func (l *Rescale) Params() []*Param { return nil }
func (l *Rescale) Config() map[string]any {
	return map[string]any{"scale": l.scale, "offset": l.offset}
}

func (l *Rescale) Forward(x []float64, _ *pass) ([]float64, any) {
	y := make([]float64, len(x))
	for i, v := range x {
		y[i] = v*l.scale + l.offset
	}
	return y, nil
}

func (l *Rescale) Backward(dy []float64, _ any, _ [][]float64) []float64 {
	dx := make([]float64, len(dy))
	floats.ScaleTo(dx, l.scale, dy)
	return dx
}

// Conv2D is a valid, stride 1 convolution with a square kernel followed by
// ReLU. The kernel is stored as [k, k, in, out], the bias as [out].
type Conv2D struct {
	name    string
	in, out Shape
	k       int
	kernel  *Param
	bias    *Param
}

func newConv2D(name string, in Shape, filters, k int) (*Conv2D, error) {
	out := Shape{in[0] - k + 1, in[1] - k + 1, filters}
	if out[0] <= 0 || out[1] <= 0 {
		return nil, fmt.Errorf("%s: input %v too small for %dx%d kernel", name, in, k, k)
	}
	return &Conv2D{
		name: name,
		in:   in,
		out:  out,
		k:    k,
		kernel: &Param{
			Name:  name + "/kernel",
			Shape: []int{k, k, in[2], filters},
			Value: make([]float64, k*k*in[2]*filters),
		},
		bias: &Param{Name: name + "/bias", Shape: []int{filters}, Value: make([]float64, filters)},
	}, nil
}

func (l *Conv2D) Name() string     { return l.name }
func (l *Conv2D) Class() string    { return "Conv2D" }
func (l *Conv2D) OutShape() Shape  { return l.out }
func (l *Conv2D) Params() []*Param { return []*Param{l.kernel, l.bias} }
func (l *Conv2D) Config() map[string]any {
	return map[string]any{
		"filters":     l.out[2],
		"kernel_size": []int{l.k, l.k},
		"padding":     "valid",
		"activation":  "relu",
	}
}

type convCache struct {
	cols *mat.Dense
	y    []float64
}

// im2col lays out every k x k x C receptive field of x as one row.
func (l *Conv2D) im2col(x []float64) *mat.Dense {
	_, w, c := l.in[0], l.in[1], l.in[2]
	oh, ow := l.out[0], l.out[1]
	rowLen := l.k * l.k * c

	data := make([]float64, oh*ow*rowLen)
	for oy := range oh {
		for ox := range ow {
			row := data[(oy*ow+ox)*rowLen:]
			for ky := range l.k {
				src := ((oy+ky)*w + ox) * c
				copy(row[ky*l.k*c:(ky+1)*l.k*c], x[src:src+l.k*c])
			}
		}
	}
	return mat.NewDense(oh*ow, rowLen, data)
}

// col2im scatters receptive-field gradients back onto the input.
func (l *Conv2D) col2im(cols *mat.Dense) []float64 {
	_, w, c := l.in[0], l.in[1], l.in[2]
	oh, ow := l.out[0], l.out[1]
	rowLen := l.k * l.k * c
	data := cols.RawMatrix().Data

	dx := make([]float64, l.in.Size())
	for oy := range oh {
		for ox := range ow {
			row := data[(oy*ow+ox)*rowLen:]
			for ky := range l.k {
				dst := ((oy+ky)*w + ox) * c
				floats.Add(dx[dst:dst+l.k*c], row[ky*l.k*c:(ky+1)*l.k*c])
			}
		}
	}
	return dx
}

func (l *Conv2D) kernelMatrix() *mat.Dense {
	return mat.NewDense(l.k*l.k*l.in[2], l.out[2], l.kernel.Value)
}

func (l *Conv2D) Forward(x []float64, p *pass) ([]float64, any) {
	cols := l.im2col(x)
	positions := l.out[0] * l.out[1]
	filters := l.out[2]

	y := make([]float64, positions*filters)
	ym := mat.NewDense(positions, filters, y)
	ym.Mul(cols, l.kernelMatrix())

	for i := range positions {
		row := y[i*filters : (i+1)*filters]
		floats.Add(row, l.bias.Value)
		for j, v := range row {
			if v < 0 {
				row[j] = 0
			}
		}
	}

	if p == nil || !p.train {
		return y, nil
	}
	return y, &convCache{cols: cols, y: y}
}

func (l *Conv2D) Backward(dy []float64, cache any, grads [][]float64) []float64 {
	c := cache.(*convCache)
	positions := l.out[0] * l.out[1]
	filters := l.out[2]

	dz := make([]float64, len(dy))
	for i, v := range dy {
		if c.y[i] > 0 {
			dz[i] = v
		}
	}
	dzm := mat.NewDense(positions, filters, dz)

	var dk mat.Dense
	dk.Mul(c.cols.T(), dzm)
	floats.Add(grads[0], dk.RawMatrix().Data)

	for i := range positions {
		floats.Add(grads[1], dz[i*filters:(i+1)*filters])
	}

	var dcols mat.Dense
	dcols.Mul(dzm, l.kernelMatrix().T())
	return l.col2im(&dcols)
}

// AvgPool2D averages non-overlapping size x size windows. Trailing rows and
// columns that do not fill a window are dropped.
type AvgPool2D struct {
	name    string
	in, out Shape
	size    int
}

func newAvgPool2D(name string, in Shape, size int) (*AvgPool2D, error) {
	out := Shape{in[0] / size, in[1] / size, in[2]}
	if out[0] <= 0 || out[1] <= 0 {
		return nil, fmt.Errorf("%s: input %v too small for %dx%d pool", name, in, size, size)
	}
	return &AvgPool2D{name: name, in: in, out: out, size: size}, nil
}

func (l *AvgPool2D) Name() string     { return l.name }
func (l *AvgPool2D) Class() string    { return "AveragePooling2D" }
func (l *AvgPool2D) OutShape() Shape  { return l.out }
func (l *AvgPool2D) Params() []*Param { return nil }
func (l *AvgPool2D) Config() map[string]any {
	return map[string]any{"pool_size": []int{l.size, l.size}}
}

func (l *AvgPool2D) Forward(x []float64, _ *pass) ([]float64, any) {
	w, c := l.in[1], l.in[2]
	ow := l.out[1]
	norm := 1 / float64(l.size*l.size)

	y := make([]float64, l.out.Size())
	for oy := range l.out[0] {
		for ox := range ow {
			dst := y[(oy*ow+ox)*c : (oy*ow+ox+1)*c]
			for py := range l.size {
				for px := range l.size {
					src := ((oy*l.size+py)*w + ox*l.size + px) * c
					floats.Add(dst, x[src:src+c])
				}
			}
			floats.Scale(norm, dst)
		}
	}
	return y, nil
}

func (l *AvgPool2D) Backward(dy []float64, _ any, _ [][]float64) []float64 {
	w, c := l.in[1], l.in[2]
	ow := l.out[1]
	norm := 1 / float64(l.size*l.size)

	dx := make([]float64, l.in.Size())
	for oy := range l.out[0] {
		for ox := range ow {
			src := dy[(oy*ow+ox)*c : (oy*ow+ox+1)*c]
			for py := range l.size {
				for px := range l.size {
					dst := ((oy*l.size+py)*w + ox*l.size + px) * c
					floats.AddScaled(dx[dst:dst+c], norm, src)
				}
			}
		}
	}
	return dx
}

// Dropout zeroes a fraction of activations during training and rescales the
// rest so the expected activation is unchanged. It is the identity at
// inference.
type Dropout struct {
	name  string
	shape Shape
	rate  float64
}

func (l *Dropout) Name() string     { return l.name }
func (l *Dropout) Class() string    { return "Dropout" }
func (l *Dropout) OutShape() Shape  { return l.shape }
func (l *Dropout) Params() []*Param { return nil }
func (l *Dropout) Config() map[string]any {
	return map[string]any{"rate": l.rate}
}

func (l *Dropout) Forward(x []float64, p *pass) ([]float64, any) {
	if p == nil || !p.train || l.rate == 0 {
		return x, nil
	}
	keep := 1 - l.rate
	mask := make([]float64, len(x))
	y := make([]float64, len(x))
	for i, v := range x {
		if p.rng.Float64() < keep {
			mask[i] = 1 / keep
			y[i] = v * mask[i]
		}
	}
	return y, mask
}

func (l *Dropout) Backward(dy []float64, cache any, _ [][]float64) []float64 {
	mask, ok := cache.([]float64)
	if !ok {
		return dy
	}
	dx := make([]float64, len(dy))
	floats.MulTo(dx, dy, mask)
	return dx
}

// Flatten reshapes an activation into a vector without moving data.
type Flatten struct {
	name string
	in   Shape
}

func (l *Flatten) Name() string           { return l.name }
func (l *Flatten) Class() string          { return "Flatten" }
func (l *Flatten) OutShape() Shape        { return Shape{1, 1, l.in.Size()} }
func (l *Flatten) Params() []*Param       { return nil }
func (l *Flatten) Config() map[string]any { return map[string]any{} }

func (l *Flatten) Forward(x []float64, _ *pass) ([]float64, any) {
	return x, nil
}

func (l *Flatten) Backward(dy []float64, _ any, _ [][]float64) []float64 {
	return dy
}

// Dense is a fully connected projection with kernel [in, out] and bias [out].
type Dense struct {
	name    string
	in, out int
	kernel  *Param
	bias    *Param
}

func newDense(name string, in, out int) *Dense {
	return &Dense{
		name:   name,
		in:     in,
		out:    out,
		kernel: &Param{Name: name + "/kernel", Shape: []int{in, out}, Value: make([]float64, in*out)},
		bias:   &Param{Name: name + "/bias", Shape: []int{out}, Value: make([]float64, out)},
	}
}

func (l *Dense) Name() string     { return l.name }
func (l *Dense) Class() string    { return "Dense" }
func (l *Dense) OutShape() Shape  { return Shape{1, 1, l.out} }
func (l *Dense) Params() []*Param { return []*Param{l.kernel, l.bias} }
func (l *Dense) Config() map[string]any {
	return map[string]any{"units": l.out}
}

func (l *Dense) Forward(x []float64, p *pass) ([]float64, any) {
	km := mat.NewDense(l.in, l.out, l.kernel.Value)
	y := make([]float64, l.out)
	yv := mat.NewVecDense(l.out, y)
	yv.MulVec(km.T(), mat.NewVecDense(l.in, x))
	floats.Add(y, l.bias.Value)

	if p == nil || !p.train {
		return y, nil
	}
	return y, x
}

func (l *Dense) Backward(dy []float64, cache any, grads [][]float64) []float64 {
	x := cache.([]float64)
	xv := mat.NewVecDense(l.in, x)
	dyv := mat.NewVecDense(l.out, dy)

	dk := mat.NewDense(l.in, l.out, grads[0])
	dk.RankOne(dk, 1, xv, dyv)
	floats.Add(grads[1], dy)

	dx := make([]float64, l.in)
	dxv := mat.NewVecDense(l.in, dx)
	dxv.MulVec(mat.NewDense(l.in, l.out, l.kernel.Value), dyv)
	return dx
}

// Softmax normalises a vector into a probability distribution.
type Softmax struct {
	name string
	n    int
}

func (l *Softmax) Name() string           { return l.name }
func (l *Softmax) Class() string          { return "Softmax" }
func (l *Softmax) OutShape() Shape        { return Shape{1, 1, l.n} }
func (l *Softmax) Params() []*Param       { return nil }
func (l *Softmax) Config() map[string]any { return map[string]any{} }

func (l *Softmax) Forward(x []float64, _ *pass) ([]float64, any) {
	y := softmax(x)
	return y, y
}

func (l *Softmax) Backward(dy []float64, cache any, _ [][]float64) []float64 {
	y := cache.([]float64)
	dot := floats.Dot(y, dy)
	dx := make([]float64, len(dy))
	for i := range dy {
		dx[i] = y[i] * (dy[i] - dot)
	}
	return dx
}

func softmax(x []float64) []float64 {
	y := make([]float64, len(x))
	m := floats.Max(x)
	for i, v := range x {
		y[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(y), y)
	return y
}
