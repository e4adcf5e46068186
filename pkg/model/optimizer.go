package model

import "math"

// RMSPropConfig holds RMSProp hyperparameters.
type RMSPropConfig struct {
	LearningRate float64
	Rho          float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultRMSProp returns the settings the genre model is trained with.
func DefaultRMSProp() RMSPropConfig {
	return RMSPropConfig{
		LearningRate: 0.0005,
		Rho:          0.9,
		Epsilon:      1e-7,
		WeightDecay:  5e-4,
	}
}

// RMSProp scales each step by a running average of squared gradients.
// Weight decay is decoupled: weights shrink by lr*decay before the
// gradient step.
type RMSProp struct {
	cfg      RMSPropConfig
	velocity [][]float64
}

// NewRMSProp returns an optimizer with zeroed state.
func NewRMSProp(cfg RMSPropConfig) *RMSProp {
	return &RMSProp{cfg: cfg}
}

// Step applies one update of grads to params. grads[i] must match
// params[i].
func (o *RMSProp) Step(params []*Param, grads [][]float64) {
	if o.velocity == nil {
		o.velocity = make([][]float64, len(params))
		for i, p := range params {
			o.velocity[i] = make([]float64, len(p.Value))
		}
	}

	lr, rho, eps, wd := o.cfg.LearningRate, o.cfg.Rho, o.cfg.Epsilon, o.cfg.WeightDecay
	for i, p := range params {
		v := o.velocity[i]
		g := grads[i]
		for j, w := range p.Value {
			if wd != 0 {
				w -= w * wd * lr
			}
			v[j] = rho*v[j] + (1-rho)*g[j]*g[j]
			p.Value[j] = w - lr*g[j]/math.Sqrt(v[j]+eps)
		}
	}
}
