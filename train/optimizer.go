// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/gogpu/ngp"
)

// Optimizer updates parameters in place from their gradients.
type Optimizer interface {
	// Step applies one update. grads may be rescaled by clipping. It
	// returns the gradient L2 norm before clipping.
	Step(params, grads []float64) float64

	// Steps returns the number of updates applied.
	Steps() int
}

// NewOptimizer returns the optimizer selected by cfg for n parameters.
func NewOptimizer(cfg ngp.OptimizerConfig, n int) (Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}
	switch cfg.Kind {
	case ngp.OptimizerLion:
		return &Lion{cfg: cfg, m: make([]float64, n)}, nil
	default:
		return &Adam{cfg: cfg, m: make([]float64, n), v: make([]float64, n)}, nil
	}
}

// clip rescales grads to L2 norm limit when it is exceeded and returns the
// original norm. A zero limit disables clipping.
func clip(grads []float64, limit float64) float64 {
	norm := floats.Norm(grads, 2)
	if limit > 0 && norm > limit {
		floats.Scale(limit/norm, grads)
	}
	return norm
}

func checkLen(params, grads, state []float64) {
	if len(params) != len(state) || len(grads) != len(state) {
		panic(fmt.Sprintf("train: %d params, %d grads for optimizer of %d", len(params), len(grads), len(state)))
	}
}

// Adam is Adam with decoupled weight decay.
type Adam struct {
	cfg  ngp.OptimizerConfig
	m, v []float64
	t    int
}

// Steps returns the number of updates applied.
func (a *Adam) Steps() int { return a.t }

// Step implements Optimizer.
func (a *Adam) Step(params, grads []float64) float64 {
	checkLen(params, grads, a.m)
	a.t++
	norm := clip(grads, a.cfg.GradClip)

	b1, b2, eps, lr := a.cfg.Beta1, a.cfg.Beta2, a.cfg.Epsilon, a.cfg.LearningRate
	b1Corr := 1 - math.Pow(b1, float64(a.t))
	b2Corr := 1 - math.Pow(b2, float64(a.t))
	for j, g := range grads {
		a.m[j] = b1*a.m[j] + (1-b1)*g
		a.v[j] = b2*a.v[j] + (1-b2)*g*g
		mhat := a.m[j] / b1Corr
		vhat := a.v[j] / b2Corr
		params[j] -= lr * (mhat/(math.Sqrt(vhat)+eps) + a.cfg.WeightDecay*params[j])
	}
	return norm
}

// Lion is the sign-momentum optimizer. Every update moves each parameter
// by exactly the learning rate plus weight decay.
type Lion struct {
	cfg ngp.OptimizerConfig
	m   []float64
	t   int
}

// Steps returns the number of updates applied.
func (l *Lion) Steps() int { return l.t }

// Step implements Optimizer.
func (l *Lion) Step(params, grads []float64) float64 {
	checkLen(params, grads, l.m)
	l.t++
	norm := clip(grads, l.cfg.GradClip)

	b1, b2, lr := l.cfg.Beta1, l.cfg.Beta2, l.cfg.LearningRate
	for j, g := range grads {
		c := b1*l.m[j] + (1-b1)*g
		params[j] -= lr * (sign(c) + l.cfg.WeightDecay*params[j])
		l.m[j] = b2*l.m[j] + (1-b2)*g
	}
	return norm
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
